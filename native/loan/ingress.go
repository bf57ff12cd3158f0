package loan

import (
	"math/big"

	"loanescrow/cell"
	"loanescrow/crypto"
)

// Message is an inbound or outbound internal message. Value is the native
// currency attached to it.
type Message struct {
	Sender      crypto.Address
	Destination crypto.Address
	Value       *big.Int
	Body        *cell.Cell
}

// Clone returns a deep copy of the message. Cells are immutable and shared.
func (m Message) Clone() Message {
	clone := m
	clone.Value = cloneAmount(m.Value)
	return clone
}

// Payment is a currency-bearing instruction normalized from either ingress
// path. Payer and Amount are authoritative regardless of which path
// delivered them.
type Payment struct {
	Payer       crypto.Address
	Amount      *big.Int
	Instruction Instruction
	Source      Source
}

// Source normalizes a decoded message into a Payment.
type Source interface {
	// Routed reports whether the payment is denominated in ledger tokens.
	Routed() bool
	Name() string
	Normalize(esc Escrow, msg Message, inst Instruction) (Payment, error)
}

// DirectValueSource takes the payer from the authenticated sender and the
// amount from the value attached to the message.
type DirectValueSource struct{}

// RoutedLedgerSource unwraps a ledger wallet transfer notification. The
// declared original sender becomes the payer and the declared token amount
// the amount.
type RoutedLedgerSource struct{}

func (DirectValueSource) Routed() bool  { return false }
func (DirectValueSource) Name() string  { return "native" }
func (RoutedLedgerSource) Routed() bool { return true }
func (RoutedLedgerSource) Name() string { return "ledger" }

// Normalize implements Source.
func (s DirectValueSource) Normalize(_ Escrow, msg Message, inst Instruction) (Payment, error) {
	return Payment{
		Payer:       msg.Sender,
		Amount:      cloneAmount(msg.Value),
		Instruction: inst,
		Source:      s,
	}, nil
}

// Normalize implements Source. The immediate sender must be the escrow's
// configured ledger wallet and the embedded instruction must be FundLoan or
// Repay.
func (s RoutedLedgerSource) Normalize(esc Escrow, msg Message, inst Instruction) (Payment, error) {
	note, ok := inst.(TransferNotification)
	if !ok {
		return Payment{}, reject(ErrMalformedMessage, "%s is not a transfer notification", inst.Name())
	}
	if err := AuthenticateLedgerSender(esc.Ledger, msg.Sender); err != nil {
		return Payment{}, err
	}
	if note.Embedded == nil {
		return Payment{}, reject(ErrInvalidState, "transfer notification carries no instruction")
	}
	embedded, err := DecodeInstruction(note.Embedded)
	if err != nil {
		return Payment{}, err
	}
	switch embedded.(type) {
	case FundLoan, Repay:
	default:
		return Payment{}, reject(ErrInvalidState, "%s cannot be paid in ledger tokens", embedded.Name())
	}
	return Payment{
		Payer:       note.Sender,
		Amount:      cloneAmount(note.Amount),
		Instruction: embedded,
		Source:      s,
	}, nil
}

// AuthenticateLedgerSender accepts only notifications sent by the escrow's
// own ledger wallet. Any notification is rejected when no ledger is
// configured.
func AuthenticateLedgerSender(ledger *crypto.Address, sender crypto.Address) error {
	if ledger == nil {
		return reject(ErrUnauthorized, "no ledger configured, notification from %s", sender)
	}
	if *ledger != sender {
		return reject(ErrUnauthorized, "notification from %s, expected ledger wallet %s", sender, *ledger)
	}
	return nil
}

// SourceFor selects the ingress path for a decoded instruction.
func SourceFor(inst Instruction) Source {
	if _, ok := inst.(TransferNotification); ok {
		return RoutedLedgerSource{}
	}
	return DirectValueSource{}
}
