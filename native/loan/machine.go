package loan

import (
	"math/big"

	"loanescrow/crypto"
)

// DefaultFeeReserve is withheld from the principal forwarded to the borrower
// on the native path to cover the escrow's own message fees.
const DefaultFeeReserve = 10_000_000

// Params are the protocol constants an escrow is evaluated under.
type Params struct {
	FeeReserve *big.Int
}

// DefaultParams returns the protocol defaults.
func DefaultParams() Params {
	return Params{FeeReserve: big.NewInt(DefaultFeeReserve)}
}

// Outcome is the result of an accepted message.
type Outcome struct {
	// Escrow is the record after the transition.
	Escrow Escrow
	// Effects lists outbound consequences in emission order.
	Effects []Effect
	// Instruction is the effective instruction, unwrapped from a transfer
	// notification when the message arrived through the ledger.
	Instruction Instruction
	// Payment is set for currency-bearing instructions.
	Payment *Payment
}

// Apply evaluates msg against the record at time now. On error the returned
// outcome is empty and the caller must keep the previous record; Apply never
// mutates esc.
func Apply(esc Escrow, msg Message, now uint64, params Params) (Outcome, error) {
	if !esc.Status.Valid() {
		return Outcome{}, reject(ErrInvalidState, "unknown status tag %d", uint8(esc.Status))
	}
	inst, err := DecodeInstruction(msg.Body)
	if err != nil {
		return Outcome{}, err
	}
	next := esc.Clone()
	switch i := inst.(type) {
	case TopUp:
		return Outcome{Escrow: next, Instruction: i}, nil
	case Initialize:
		return applyInitialize(next, msg, params, i)
	case CollateralConfirmed:
		return applyCollateralConfirmed(next, msg, i)
	case UpdateTerms:
		return applyUpdateTerms(next, msg, params, i)
	case Cancel:
		return applyCancel(next, msg, i)
	case ClaimDefault:
		return applyClaimDefault(next, msg, now, i)
	case FundLoan, Repay, TransferNotification:
		payment, err := SourceFor(i).Normalize(next, msg, i)
		if err != nil {
			return Outcome{}, err
		}
		return applyPayment(next, payment, now, params)
	default:
		return Outcome{}, reject(ErrUnknownOpcode, "unhandled instruction %s", inst.Name())
	}
}

// checkPayout rejects native terms whose principal would be consumed by the
// fee reserve, leaving nothing to forward to the borrower.
func checkPayout(terms Terms, routed bool, params Params) error {
	if routed || params.FeeReserve == nil || terms.Principal == nil {
		return nil
	}
	if terms.Principal.Cmp(params.FeeReserve) <= 0 {
		return reject(ErrInvalidTerms, "principal %s does not exceed the fee reserve %s", terms.Principal, params.FeeReserve)
	}
	return nil
}

func applyInitialize(esc Escrow, msg Message, params Params, i Initialize) (Outcome, error) {
	if esc.Status != StatusUninitialized {
		return Outcome{}, reject(ErrInvalidState, "initialize in status %s", esc.Status)
	}
	if msg.Sender != esc.Borrower {
		return Outcome{}, reject(ErrUnauthorized, "initialize from %s, expected borrower", msg.Sender)
	}
	if err := checkPayout(esc.Terms, i.Ledger != nil, params); err != nil {
		return Outcome{}, err
	}
	esc.Ledger = cloneAddress(i.Ledger)
	esc.Status = StatusAwaitingCollateral
	return Outcome{Escrow: esc, Instruction: i}, nil
}

func applyCollateralConfirmed(esc Escrow, msg Message, i CollateralConfirmed) (Outcome, error) {
	if msg.Sender != esc.Collateral {
		return Outcome{}, reject(ErrUnauthorized, "ownership notice from %s, expected custodian %s", msg.Sender, esc.Collateral)
	}
	if esc.Status != StatusAwaitingCollateral {
		return Outcome{}, reject(ErrInvalidState, "collateral confirmed in status %s", esc.Status)
	}
	esc.Status = StatusWaitingForLender
	return Outcome{Escrow: esc, Instruction: i}, nil
}

func applyUpdateTerms(esc Escrow, msg Message, params Params, i UpdateTerms) (Outcome, error) {
	if msg.Sender != esc.Borrower {
		return Outcome{}, reject(ErrUnauthorized, "update terms from %s, expected borrower", msg.Sender)
	}
	if esc.Status != StatusWaitingForLender {
		return Outcome{}, reject(ErrInvalidState, "update terms in status %s", esc.Status)
	}
	if err := i.Terms.Validate(); err != nil {
		return Outcome{}, reject(ErrInvalidTerms, "%v", err)
	}
	if err := checkPayout(i.Terms, esc.Routed(), params); err != nil {
		return Outcome{}, err
	}
	esc.Terms = i.Terms.Clone()
	return Outcome{Escrow: esc, Instruction: i}, nil
}

func applyCancel(esc Escrow, msg Message, i Cancel) (Outcome, error) {
	if msg.Sender != esc.Borrower {
		return Outcome{}, reject(ErrUnauthorized, "cancel from %s, expected borrower", msg.Sender)
	}
	if esc.Status != StatusWaitingForLender {
		return Outcome{}, reject(ErrInvalidState, "cancel in status %s", esc.Status)
	}
	esc.Status = StatusCancelled
	release := CollateralRelease{
		Item:          esc.Collateral,
		Recipient:     esc.Borrower,
		Role:          RoleBorrower,
		ForwardAmount: big.NewInt(0),
	}
	return Outcome{Escrow: esc, Effects: []Effect{release}, Instruction: i}, nil
}

func applyClaimDefault(esc Escrow, msg Message, now uint64, i ClaimDefault) (Outcome, error) {
	if esc.Status != StatusFunded {
		return Outcome{}, reject(ErrInvalidState, "claim default in status %s", esc.Status)
	}
	if esc.Lender == nil || msg.Sender != *esc.Lender {
		return Outcome{}, reject(ErrUnauthorized, "claim default from %s, expected lender", msg.Sender)
	}
	if now <= esc.ExpiresAt() {
		return Outcome{}, reject(ErrLoanNotExpired, "now %d, loan expires after %d", now, esc.ExpiresAt())
	}
	esc.Status = StatusDefaulted
	release := CollateralRelease{
		Item:           esc.Collateral,
		Recipient:      *esc.Lender,
		Role:           RoleLender,
		ForwardPayload: i.ForwardPayload,
		ForwardAmount:  cloneAmount(i.ForwardAmount),
	}
	return Outcome{Escrow: esc, Effects: []Effect{release}, Instruction: i}, nil
}

func applyPayment(esc Escrow, p Payment, now uint64, params Params) (Outcome, error) {
	switch i := p.Instruction.(type) {
	case FundLoan:
		return applyFundLoan(esc, p, now, params, i)
	case Repay:
		return applyRepay(esc, p, now, i)
	default:
		return Outcome{}, reject(ErrInvalidState, "%s carries no payment", p.Instruction.Name())
	}
}

func checkCurrency(esc Escrow, p Payment) error {
	if esc.Routed() != p.Source.Routed() {
		want := "native"
		if esc.Routed() {
			want = "ledger"
		}
		return reject(ErrCurrencyMismatch, "paid via %s, escrow is denominated in %s", p.Source.Name(), want)
	}
	return nil
}

func applyFundLoan(esc Escrow, p Payment, now uint64, params Params, i FundLoan) (Outcome, error) {
	if esc.Status != StatusWaitingForLender {
		return Outcome{}, reject(ErrInvalidState, "fund loan in status %s", esc.Status)
	}
	if err := checkCurrency(esc, p); err != nil {
		return Outcome{}, err
	}
	if !i.Terms.Equal(esc.Terms) {
		return Outcome{}, reject(ErrTermsMismatch, "supplied terms differ from current terms")
	}
	principal := cloneAmount(esc.Terms.Principal)
	amount := cloneAmount(p.Amount)
	if amount.Cmp(principal) < 0 {
		return Outcome{}, reject(ErrInsufficientPayment, "paid %s, principal is %s", amount, principal)
	}

	// Records written before the reserve rule, or under a larger reserve,
	// may still carry terms that leave the borrower nothing.
	if err := checkPayout(esc.Terms, esc.Routed(), params); err != nil {
		return Outcome{}, err
	}
	toBorrower := new(big.Int).Set(principal)
	if !esc.Routed() && params.FeeReserve != nil {
		toBorrower.Sub(toBorrower, params.FeeReserve)
	}

	lender := p.Payer
	esc.Lender = &lender
	esc.StartedAt = now
	esc.Status = StatusFunded

	effects := []Effect{CurrencyPayout{
		Ledger:        cloneAddress(esc.Ledger),
		Recipient:     esc.Borrower,
		Role:          RoleBorrower,
		Amount:        toBorrower,
		Comment:       "loan principal",
		ForwardAmount: big.NewInt(0),
	}}
	effects = appendRefund(effects, esc, p.Payer, new(big.Int).Sub(amount, principal))
	return Outcome{Escrow: esc, Effects: effects, Instruction: i, Payment: &p}, nil
}

func applyRepay(esc Escrow, p Payment, now uint64, i Repay) (Outcome, error) {
	if esc.Status != StatusFunded {
		return Outcome{}, reject(ErrInvalidState, "repay in status %s", esc.Status)
	}
	if err := checkCurrency(esc, p); err != nil {
		return Outcome{}, err
	}
	owed, err := Obligation(esc.Terms, esc.StartedAt, now)
	if err != nil {
		return Outcome{}, reject(ErrInvalidTerms, "%v", err)
	}
	amount := cloneAmount(p.Amount)
	if amount.Cmp(owed) < 0 {
		return Outcome{}, reject(ErrInsufficientPayment, "paid %s, owed %s", amount, owed)
	}
	if esc.Lender == nil {
		return Outcome{}, reject(ErrInvalidState, "funded escrow without lender")
	}

	esc.Status = StatusRepaid
	effects := []Effect{CurrencyPayout{
		Ledger:         cloneAddress(esc.Ledger),
		Recipient:      *esc.Lender,
		Role:           RoleLender,
		Amount:         owed,
		Comment:        "loan repayment",
		ForwardPayload: i.ForwardPayload,
		ForwardAmount:  cloneAmount(i.ForwardAmount),
	}}
	effects = appendRefund(effects, esc, p.Payer, new(big.Int).Sub(amount, owed))
	effects = append(effects, CollateralRelease{
		Item:          esc.Collateral,
		Recipient:     esc.Borrower,
		Role:          RoleBorrower,
		ForwardAmount: big.NewInt(0),
	})
	return Outcome{Escrow: esc, Effects: effects, Instruction: i, Payment: &p}, nil
}

// appendRefund returns any payment above what was due to the payer in the
// same currency it arrived in.
func appendRefund(effects []Effect, esc Escrow, payer crypto.Address, excess *big.Int) []Effect {
	if excess.Sign() <= 0 {
		return effects
	}
	return append(effects, CurrencyPayout{
		Ledger:        cloneAddress(esc.Ledger),
		Recipient:     payer,
		Role:          RolePayer,
		Amount:        excess,
		Comment:       "excess refund",
		ForwardAmount: big.NewInt(0),
	})
}
