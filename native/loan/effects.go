package loan

import (
	"math/big"

	"loanescrow/cell"
	"loanescrow/crypto"
)

// Recipient roles recorded on effects and metrics.
const (
	RoleBorrower = "borrower"
	RoleLender   = "lender"
	RolePayer    = "payer"
)

// Effect is an outbound consequence of an accepted instruction. Effects are
// one-way: the record is committed before delivery is known to succeed.
type Effect interface {
	Kind() string
	// Outbound renders the effect as a message sent from the escrow.
	Outbound(from crypto.Address) (Message, error)
	isEffect()
}

// CollateralRelease transfers the custodied item out of the escrow.
type CollateralRelease struct {
	Item           crypto.Address
	Recipient      crypto.Address
	Role           string
	ForwardPayload *cell.Cell
	ForwardAmount  *big.Int
}

// CurrencyPayout sends currency out of the escrow. A nil Ledger means the
// native currency; otherwise a token transfer is requested from the
// escrow's own ledger wallet.
type CurrencyPayout struct {
	Ledger         *crypto.Address
	Recipient      crypto.Address
	Role           string
	Amount         *big.Int
	Comment        string
	ForwardPayload *cell.Cell
	ForwardAmount  *big.Int
}

func (CollateralRelease) isEffect() {}
func (CurrencyPayout) isEffect()    {}

func (CollateralRelease) Kind() string { return "collateral_release" }
func (CurrencyPayout) Kind() string    { return "currency_payout" }

// Outbound addresses the custodian with an NFT transfer naming the
// recipient as new owner. The forward amount rides along as value.
func (r CollateralRelease) Outbound(from crypto.Address) (Message, error) {
	body, err := storeEither(cell.BeginCell().
		StoreUint(uint64(OpNFTTransfer), 32).
		StoreUint(0, 64).
		StoreAddress(r.Recipient).
		StoreAddress(r.Recipient).
		StoreBit(false).
		StoreCoins(r.ForwardAmount), r.ForwardPayload).EndCell()
	if err != nil {
		return Message{}, err
	}
	return Message{
		Sender:      from,
		Destination: r.Item,
		Value:       cloneAmount(r.ForwardAmount),
		Body:        body,
	}, nil
}

// Outbound renders a native value transfer, or a token transfer addressed
// to the escrow's ledger wallet.
func (p CurrencyPayout) Outbound(from crypto.Address) (Message, error) {
	if p.Ledger == nil {
		body := p.ForwardPayload
		if body == nil {
			var err error
			body, err = commentBody(p.Comment)
			if err != nil {
				return Message{}, err
			}
		}
		return Message{
			Sender:      from,
			Destination: p.Recipient,
			Value:       cloneAmount(p.Amount),
			Body:        body,
		}, nil
	}
	body, err := storeEither(cell.BeginCell().
		StoreUint(uint64(OpTokenTransfer), 32).
		StoreUint(0, 64).
		StoreCoins(p.Amount).
		StoreAddress(p.Recipient).
		StoreAddress(p.Recipient).
		StoreBit(false).
		StoreCoins(p.ForwardAmount), p.ForwardPayload).EndCell()
	if err != nil {
		return Message{}, err
	}
	return Message{
		Sender:      from,
		Destination: *p.Ledger,
		Value:       cloneAmount(p.ForwardAmount),
		Body:        body,
	}, nil
}

func commentBody(text string) (*cell.Cell, error) {
	return cell.BeginCell().StoreUint(uint64(OpComment), 32).StoreStringTail(text).EndCell()
}

// DecodeComment returns the text of a comment body.
func DecodeComment(body *cell.Cell) (string, bool) {
	s := body.BeginParse()
	op, err := s.LoadUint(32)
	if err != nil || uint32(op) != OpComment {
		return "", false
	}
	text, err := s.LoadStringTail()
	if err != nil {
		return "", false
	}
	return text, true
}
