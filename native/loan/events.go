package loan

import (
	"strconv"

	"loanescrow/core/types"
	"loanescrow/crypto"
)

const (
	EventTypeLoanDeployed            = "loan.deployed"
	EventTypeLoanCollateralConfirmed = "loan.collateral_confirmed"
	EventTypeLoanTermsUpdated        = "loan.terms_updated"
	EventTypeLoanFunded              = "loan.funded"
	EventTypeLoanCancelled           = "loan.cancelled"
	EventTypeLoanRepaid              = "loan.repaid"
	EventTypeLoanDefaulted           = "loan.defaulted"
	EventTypeLoanToppedUp            = "loan.topped_up"
	EventTypeLoanEffect              = "loan.effect"
	EventTypeLoanRejected            = "loan.rejected"
)

// NewTransitionEvent returns the canonical payload for an accepted
// instruction. Payment attributes are included when the instruction moved
// currency.
func NewTransitionEvent(addr crypto.Address, inst Instruction, esc Escrow, payment *Payment) *types.Event {
	evt := newLoanEvent(transitionEventType(inst), addr, esc)
	evt.Attributes["instruction"] = inst.Name()
	if payment != nil {
		evt.Attributes["payer"] = payment.Payer.String()
		evt.Attributes["amount"] = cloneAmount(payment.Amount).String()
		evt.Attributes["currency"] = payment.Source.Name()
	}
	return evt
}

// NewDeployedEvent returns the payload emitted when an escrow is created.
func NewDeployedEvent(addr crypto.Address, esc Escrow) *types.Event {
	return newLoanEvent(EventTypeLoanDeployed, addr, esc)
}

// NewEffectEvent returns the payload describing one outbound message so an
// operator can reconcile deliveries that fail downstream.
func NewEffectEvent(addr crypto.Address, index int, effect Effect, out Message) *types.Event {
	attrs := map[string]string{
		"escrow":      addr.String(),
		"index":       strconv.Itoa(index),
		"kind":        effect.Kind(),
		"destination": out.Destination.String(),
		"value":       cloneAmount(out.Value).String(),
	}
	switch e := effect.(type) {
	case CollateralRelease:
		attrs["recipient"] = e.Recipient.String()
		attrs["role"] = e.Role
	case CurrencyPayout:
		attrs["recipient"] = e.Recipient.String()
		attrs["role"] = e.Role
		attrs["amount"] = cloneAmount(e.Amount).String()
	}
	return &types.Event{Type: EventTypeLoanEffect, Attributes: attrs}
}

// NewRejectedEvent returns the payload for a rejected message.
func NewRejectedEvent(addr crypto.Address, sender crypto.Address, err *Error) *types.Event {
	return &types.Event{
		Type: EventTypeLoanRejected,
		Attributes: map[string]string{
			"escrow":   addr.String(),
			"sender":   sender.String(),
			"exitCode": strconv.FormatUint(uint64(err.Code), 10),
			"kind":     err.Kind,
			"detail":   err.Detail,
		},
	}
}

func transitionEventType(inst Instruction) string {
	switch inst.(type) {
	case Initialize:
		return EventTypeLoanDeployed
	case CollateralConfirmed:
		return EventTypeLoanCollateralConfirmed
	case UpdateTerms:
		return EventTypeLoanTermsUpdated
	case FundLoan:
		return EventTypeLoanFunded
	case Cancel:
		return EventTypeLoanCancelled
	case Repay:
		return EventTypeLoanRepaid
	case ClaimDefault:
		return EventTypeLoanDefaulted
	default:
		return EventTypeLoanToppedUp
	}
}

func newLoanEvent(eventType string, addr crypto.Address, esc Escrow) *types.Event {
	attrs := map[string]string{
		"escrow":     addr.String(),
		"status":     esc.Status.String(),
		"borrower":   esc.Borrower.String(),
		"collateral": esc.Collateral.String(),
		"duration":   strconv.FormatUint(uint64(esc.Terms.Duration), 10),
		"rate":       strconv.Itoa(int(esc.Terms.Rate.Numerator)) + "/" + strconv.Itoa(int(esc.Terms.Rate.Denominator)),
		"principal":  cloneAmount(esc.Terms.Principal).String(),
	}
	if esc.Ledger != nil {
		attrs["ledger"] = esc.Ledger.String()
	}
	if esc.Lender != nil {
		attrs["lender"] = esc.Lender.String()
		attrs["startedAt"] = strconv.FormatUint(esc.StartedAt, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
