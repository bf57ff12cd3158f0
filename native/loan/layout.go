package loan

import (
	"fmt"

	"loanescrow/cell"
	"loanescrow/crypto"
)

const statusBits = 3

// EncodeEscrow serializes the record into its persisted cell layout:
//
//	u3 status | addr collateral | maybe-addr ledger |
//	ref(maybe-addr lender, addr borrower) |
//	u32 duration | u16 numerator | u16 denominator | coins principal |
//	u64 startedAt
func EncodeEscrow(esc Escrow) (*cell.Cell, error) {
	if !esc.Status.Valid() {
		return nil, fmt.Errorf("loan layout: unknown status %d", uint8(esc.Status))
	}
	owners, err := cell.BeginCell().
		StoreMaybeAddress(rawAddress(esc.Lender)).
		StoreAddress(esc.Borrower).
		EndCell()
	if err != nil {
		return nil, fmt.Errorf("loan layout: owners: %w", err)
	}
	b := cell.BeginCell().
		StoreUint(uint64(esc.Status), statusBits).
		StoreAddress(esc.Collateral).
		StoreMaybeAddress(rawAddress(esc.Ledger)).
		StoreRef(owners)
	b = storeTerms(b, esc.Terms).StoreUint(esc.StartedAt, 64)
	c, err := b.EndCell()
	if err != nil {
		return nil, fmt.Errorf("loan layout: %w", err)
	}
	return c, nil
}

// DecodeEscrow parses a persisted record. Trailing data is rejected.
func DecodeEscrow(c *cell.Cell) (Escrow, error) {
	s := c.BeginParse()
	tag, err := s.LoadUint(statusBits)
	if err != nil {
		return Escrow{}, fmt.Errorf("loan layout: status: %w", err)
	}
	esc := Escrow{Status: Status(tag)}
	if !esc.Status.Valid() {
		return Escrow{}, fmt.Errorf("loan layout: unknown status %d", tag)
	}
	if esc.Collateral, err = s.LoadAddress(); err != nil {
		return Escrow{}, fmt.Errorf("loan layout: collateral: %w", err)
	}
	ledger, err := s.LoadMaybeAddress()
	if err != nil {
		return Escrow{}, fmt.Errorf("loan layout: ledger: %w", err)
	}
	esc.Ledger = fromRaw(ledger)
	ownersCell, err := s.LoadRef()
	if err != nil {
		return Escrow{}, fmt.Errorf("loan layout: owners: %w", err)
	}
	owners := ownersCell.BeginParse()
	lender, err := owners.LoadMaybeAddress()
	if err != nil {
		return Escrow{}, fmt.Errorf("loan layout: lender: %w", err)
	}
	esc.Lender = fromRaw(lender)
	if esc.Borrower, err = owners.LoadAddress(); err != nil {
		return Escrow{}, fmt.Errorf("loan layout: borrower: %w", err)
	}
	if esc.Terms, err = loadTerms(s); err != nil {
		return Escrow{}, fmt.Errorf("loan layout: terms: %w", err)
	}
	if esc.StartedAt, err = s.LoadUint(64); err != nil {
		return Escrow{}, fmt.Errorf("loan layout: started at: %w", err)
	}
	if !s.Empty() || !owners.Empty() {
		return Escrow{}, fmt.Errorf("loan layout: trailing data")
	}
	return esc, nil
}

// MarshalEscrow returns the serialized bag of the persisted layout.
func MarshalEscrow(esc Escrow) ([]byte, error) {
	c, err := EncodeEscrow(esc)
	if err != nil {
		return nil, err
	}
	return c.Marshal(), nil
}

// UnmarshalEscrow decodes bytes written by MarshalEscrow.
func UnmarshalEscrow(raw []byte) (Escrow, error) {
	c, err := cell.Unmarshal(raw)
	if err != nil {
		return Escrow{}, fmt.Errorf("loan layout: %w", err)
	}
	return DecodeEscrow(c)
}

// RecordHash identifies one version of a record: the hash of its persisted
// layout cell. Any accepted transition that changes the record changes it.
func RecordHash(esc Escrow) ([32]byte, error) {
	c, err := EncodeEscrow(esc)
	if err != nil {
		return [32]byte{}, err
	}
	return c.Hash(), nil
}

// addressDomain separates escrow addresses from every other keccak preimage.
var addressDomain = []byte("loanescrow/v1")

// DeriveAddress returns the deterministic escrow address for a creation
// configuration: the low 20 bytes of keccak256(domain || hash of the
// initial data cell).
func DeriveAddress(init InitConfig) (crypto.Address, error) {
	data, err := EncodeEscrow(init.Record())
	if err != nil {
		return crypto.Address{}, err
	}
	hash := data.Hash()
	sum := crypto.Keccak256(addressDomain, hash[:])
	return crypto.Address(sum[12:]), nil
}

func rawAddress(a *crypto.Address) *[20]byte {
	if a == nil {
		return nil
	}
	raw := [20]byte(*a)
	return &raw
}

func fromRaw(raw *[20]byte) *crypto.Address {
	if raw == nil {
		return nil
	}
	addr := crypto.Address(*raw)
	return &addr
}
