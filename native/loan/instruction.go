package loan

import (
	"errors"
	"math/big"

	"loanescrow/cell"
	"loanescrow/crypto"
)

// Escrow instruction opcodes, carried in the first 32 bits of a body.
const (
	OpRepay        uint32 = 0x94F712FA
	OpClaimDefault uint32 = 0x94F712FB
	OpInitialize   uint32 = 0x94F712FC
	OpUpdateTerms  uint32 = 0x94F712FD
	OpFundLoan     uint32 = 0x94F712FE
	OpCancel       uint32 = 0x94F712FF
)

// Opcodes of the collaborating custodian and ledger contracts.
const (
	OpOwnershipAssigned    uint32 = 0x05138D91
	OpTransferNotification uint32 = 0x7362D09C
	OpNFTTransfer          uint32 = 0x5FCC3D14
	OpTokenTransfer        uint32 = 0x0F8A7EA5
	OpComment              uint32 = 0x00000000
)

// Instruction is the closed set of messages an escrow understands. The
// unexported marker keeps the set closed to this package.
type Instruction interface {
	Opcode() uint32
	Name() string
	Body() (*cell.Cell, error)
	isInstruction()
}

// Initialize completes deployment and fixes the currency.
type Initialize struct {
	Ledger *crypto.Address
}

// CollateralConfirmed is the custodian's ownership_assigned notification.
type CollateralConfirmed struct {
	QueryID        uint64
	PrevOwner      crypto.Address
	ForwardPayload *cell.Cell
}

// UpdateTerms replaces the loan terms before funding.
type UpdateTerms struct {
	Terms Terms
}

// FundLoan funds the loan under the supplied terms.
type FundLoan struct {
	Terms Terms
}

// Cancel returns the collateral to the borrower before funding.
type Cancel struct{}

// Repay settles the loan. ForwardPayload and ForwardAmount travel with the
// repayment to the lender.
type Repay struct {
	ForwardPayload *cell.Cell
	ForwardAmount  *big.Int
}

// ClaimDefault transfers the collateral to the lender after expiry.
// ForwardPayload and ForwardAmount travel with the collateral transfer.
type ClaimDefault struct {
	ForwardPayload *cell.Cell
	ForwardAmount  *big.Int
}

// TransferNotification is a ledger wallet's notice that tokens arrived. The
// escrow instruction is embedded in it.
type TransferNotification struct {
	QueryID  uint64
	Amount   *big.Int
	Sender   crypto.Address
	Embedded *cell.Cell
}

// TopUp is a message with an empty body: plain value with no instruction.
type TopUp struct{}

func (Initialize) isInstruction()           {}
func (CollateralConfirmed) isInstruction()  {}
func (UpdateTerms) isInstruction()          {}
func (FundLoan) isInstruction()             {}
func (Cancel) isInstruction()               {}
func (Repay) isInstruction()                {}
func (ClaimDefault) isInstruction()         {}
func (TransferNotification) isInstruction() {}
func (TopUp) isInstruction()                {}

func (Initialize) Opcode() uint32           { return OpInitialize }
func (CollateralConfirmed) Opcode() uint32  { return OpOwnershipAssigned }
func (UpdateTerms) Opcode() uint32          { return OpUpdateTerms }
func (FundLoan) Opcode() uint32             { return OpFundLoan }
func (Cancel) Opcode() uint32               { return OpCancel }
func (Repay) Opcode() uint32                { return OpRepay }
func (ClaimDefault) Opcode() uint32         { return OpClaimDefault }
func (TransferNotification) Opcode() uint32 { return OpTransferNotification }
func (TopUp) Opcode() uint32                { return OpComment }

func (Initialize) Name() string           { return "initialize" }
func (CollateralConfirmed) Name() string  { return "collateral_confirmed" }
func (UpdateTerms) Name() string          { return "update_terms" }
func (FundLoan) Name() string             { return "fund_loan" }
func (Cancel) Name() string               { return "cancel" }
func (Repay) Name() string                { return "repay" }
func (ClaimDefault) Name() string         { return "claim_default" }
func (TransferNotification) Name() string { return "transfer_notification" }
func (TopUp) Name() string                { return "top_up" }

func (i Initialize) Body() (*cell.Cell, error) {
	var ledger *[20]byte
	if i.Ledger != nil {
		raw := [20]byte(*i.Ledger)
		ledger = &raw
	}
	return cell.BeginCell().StoreUint(uint64(OpInitialize), 32).StoreMaybeAddress(ledger).EndCell()
}

func (i CollateralConfirmed) Body() (*cell.Cell, error) {
	b := cell.BeginCell().
		StoreUint(uint64(OpOwnershipAssigned), 32).
		StoreUint(i.QueryID, 64).
		StoreAddress(i.PrevOwner)
	return storeEither(b, i.ForwardPayload).EndCell()
}

func (i UpdateTerms) Body() (*cell.Cell, error) {
	return storeTerms(cell.BeginCell().StoreUint(uint64(OpUpdateTerms), 32), i.Terms).EndCell()
}

func (i FundLoan) Body() (*cell.Cell, error) {
	return storeTerms(cell.BeginCell().StoreUint(uint64(OpFundLoan), 32), i.Terms).EndCell()
}

func (Cancel) Body() (*cell.Cell, error) {
	return cell.BeginCell().StoreUint(uint64(OpCancel), 32).EndCell()
}

func (i Repay) Body() (*cell.Cell, error) {
	return storeForward(cell.BeginCell().StoreUint(uint64(OpRepay), 32), i.ForwardPayload, i.ForwardAmount).EndCell()
}

func (i ClaimDefault) Body() (*cell.Cell, error) {
	return storeForward(cell.BeginCell().StoreUint(uint64(OpClaimDefault), 32), i.ForwardPayload, i.ForwardAmount).EndCell()
}

// Body encodes the notification with the embedded instruction stored as a
// reference behind a zero either-bit, the shape ledger wallets emit.
func (i TransferNotification) Body() (*cell.Cell, error) {
	b := cell.BeginCell().
		StoreUint(uint64(OpTransferNotification), 32).
		StoreUint(i.QueryID, 64).
		StoreCoins(i.Amount).
		StoreAddress(i.Sender).
		StoreBit(false)
	if i.Embedded != nil {
		b.StoreRef(i.Embedded)
	}
	return b.EndCell()
}

func (TopUp) Body() (*cell.Cell, error) { return cell.Empty(), nil }

// DecodeInstruction parses a message body. An empty body decodes to TopUp.
// Truncated bodies are rejected with ErrMalformedMessage and unknown
// opcodes with ErrUnknownOpcode.
func DecodeInstruction(body *cell.Cell) (Instruction, error) {
	s := body.BeginParse()
	if s.BitsLeft() < 32 {
		if s.BitsLeft() == 0 {
			return TopUp{}, nil
		}
		return nil, reject(ErrMalformedMessage, "body shorter than an opcode")
	}
	op, _ := s.LoadUint(32)
	inst, err := decodeOp(uint32(op), s)
	if err != nil {
		var rej *Error
		if errors.As(err, &rej) {
			return nil, rej
		}
		return nil, reject(ErrMalformedMessage, "opcode %#08x: %v", op, err)
	}
	return inst, nil
}

func decodeOp(op uint32, s *cell.Slice) (Instruction, error) {
	switch op {
	case OpComment:
		// Text comments carry no instruction.
		return TopUp{}, nil
	case OpInitialize:
		ledger, err := s.LoadMaybeAddress()
		if err != nil {
			return nil, err
		}
		inst := Initialize{}
		if ledger != nil {
			addr := crypto.Address(*ledger)
			inst.Ledger = &addr
		}
		return inst, nil
	case OpOwnershipAssigned:
		queryID, err := s.LoadUint(64)
		if err != nil {
			return nil, err
		}
		prev, err := s.LoadAddress()
		if err != nil {
			return nil, err
		}
		payload, err := loadEither(s)
		if err != nil {
			return nil, err
		}
		return CollateralConfirmed{QueryID: queryID, PrevOwner: prev, ForwardPayload: payload}, nil
	case OpUpdateTerms:
		terms, err := loadTerms(s)
		if err != nil {
			return nil, err
		}
		return UpdateTerms{Terms: terms}, nil
	case OpFundLoan:
		terms, err := loadTerms(s)
		if err != nil {
			return nil, err
		}
		return FundLoan{Terms: terms}, nil
	case OpCancel:
		return Cancel{}, nil
	case OpRepay:
		payload, amount, err := loadForward(s)
		if err != nil {
			return nil, err
		}
		return Repay{ForwardPayload: payload, ForwardAmount: amount}, nil
	case OpClaimDefault:
		payload, amount, err := loadForward(s)
		if err != nil {
			return nil, err
		}
		return ClaimDefault{ForwardPayload: payload, ForwardAmount: amount}, nil
	case OpTransferNotification:
		queryID, err := s.LoadUint(64)
		if err != nil {
			return nil, err
		}
		amount, err := s.LoadCoins()
		if err != nil {
			return nil, err
		}
		sender, err := s.LoadAddress()
		if err != nil {
			return nil, err
		}
		embedded, err := loadEmbedded(s)
		if err != nil {
			return nil, err
		}
		return TransferNotification{QueryID: queryID, Amount: amount, Sender: sender, Embedded: embedded}, nil
	default:
		return nil, reject(ErrUnknownOpcode, "opcode %#08x", op)
	}
}

func storeTerms(b *cell.Builder, t Terms) *cell.Builder {
	return b.StoreUint(uint64(t.Duration), 32).
		StoreUint(uint64(t.Rate.Numerator), 16).
		StoreUint(uint64(t.Rate.Denominator), 16).
		StoreCoins(t.Principal)
}

func loadTerms(s *cell.Slice) (Terms, error) {
	duration, err := s.LoadUint(32)
	if err != nil {
		return Terms{}, err
	}
	num, err := s.LoadUint(16)
	if err != nil {
		return Terms{}, err
	}
	den, err := s.LoadUint(16)
	if err != nil {
		return Terms{}, err
	}
	principal, err := s.LoadCoins()
	if err != nil {
		return Terms{}, err
	}
	return Terms{
		Duration:  uint32(duration),
		Rate:      Rate{Numerator: uint16(num), Denominator: uint16(den)},
		Principal: principal,
	}, nil
}

// storeForward writes the optional forward payload reference and amount.
// Both are omitted when absent so that a bare opcode stays a valid body.
func storeForward(b *cell.Builder, payload *cell.Cell, amount *big.Int) *cell.Builder {
	if payload == nil && (amount == nil || amount.Sign() == 0) {
		return b
	}
	if payload == nil {
		payload = cell.Empty()
	}
	return b.StoreRef(payload).StoreCoins(amount)
}

func loadForward(s *cell.Slice) (*cell.Cell, *big.Int, error) {
	var payload *cell.Cell
	if s.RefsLeft() > 0 {
		ref, err := s.LoadRef()
		if err != nil {
			return nil, nil, err
		}
		payload = ref
	}
	amount := big.NewInt(0)
	if s.BitsLeft() > 0 {
		coins, err := s.LoadCoins()
		if err != nil {
			return nil, nil, err
		}
		amount = coins
	}
	return payload, amount, nil
}

// storeEither writes a forward payload as an either-reference: bit 1 and a
// reference when present, bit 0 otherwise.
func storeEither(b *cell.Builder, payload *cell.Cell) *cell.Builder {
	if payload == nil {
		return b.StoreBit(false)
	}
	return b.StoreBit(true).StoreRef(payload)
}

func loadEither(s *cell.Slice) (*cell.Cell, error) {
	if s.BitsLeft() == 0 {
		return nil, nil
	}
	inRef, err := s.LoadBit()
	if err != nil {
		return nil, err
	}
	if inRef {
		return s.LoadRef()
	}
	if s.Empty() {
		return nil, nil
	}
	return s.ToCell()
}

// loadEmbedded extracts the instruction carried in a transfer notification
// forward payload. Wallets differ in how they set the either-bit, so the
// first reference wins when one is present and the inline remainder is used
// otherwise.
func loadEmbedded(s *cell.Slice) (*cell.Cell, error) {
	if s.BitsLeft() == 0 && s.RefsLeft() == 0 {
		return nil, nil
	}
	if s.BitsLeft() > 0 {
		if _, err := s.LoadBit(); err != nil {
			return nil, err
		}
	}
	if s.RefsLeft() > 0 {
		return s.LoadRef()
	}
	if s.BitsLeft() == 0 {
		return nil, nil
	}
	return s.ToCell()
}
