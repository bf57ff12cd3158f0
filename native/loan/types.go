package loan

import (
	"fmt"
	"math/big"

	"loanescrow/crypto"
)

// Status is the lifecycle state of an escrow. The numeric values are the
// persisted 3-bit tags.
type Status uint8

const (
	StatusUninitialized      Status = 0
	StatusDefaulted          Status = 1
	StatusRepaid             Status = 2
	StatusFunded             Status = 3
	StatusWaitingForLender   Status = 4
	StatusCancelled          Status = 5
	StatusAwaitingCollateral Status = 6
)

// Valid reports whether the status value is a known tag.
func (s Status) Valid() bool {
	switch s {
	case StatusUninitialized, StatusDefaulted, StatusRepaid, StatusFunded,
		StatusWaitingForLender, StatusCancelled, StatusAwaitingCollateral:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further mutating instruction is accepted.
func (s Status) Terminal() bool {
	return s == StatusRepaid || s == StatusCancelled || s == StatusDefaulted
}

// Custodied reports whether the escrow holds the collateral in this state.
func (s Status) Custodied() bool {
	return s == StatusWaitingForLender || s == StatusFunded
}

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusDefaulted:
		return "defaulted"
	case StatusRepaid:
		return "repaid"
	case StatusFunded:
		return "funded"
	case StatusWaitingForLender:
		return "waiting_for_lender"
	case StatusCancelled:
		return "cancelled"
	case StatusAwaitingCollateral:
		return "awaiting_collateral"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Rate is a daily interest rate expressed as an exact fraction.
type Rate struct {
	Numerator   uint16
	Denominator uint16
}

// Terms govern a loan: how long it runs, the daily rate and the principal.
type Terms struct {
	Duration  uint32
	Rate      Rate
	Principal *big.Int
}

// Clone returns a deep copy of the terms.
func (t Terms) Clone() Terms {
	clone := t
	clone.Principal = cloneAmount(t.Principal)
	return clone
}

// Equal compares every field. Two terms with nil and zero principal are
// equal.
func (t Terms) Equal(other Terms) bool {
	return t.Duration == other.Duration &&
		t.Rate == other.Rate &&
		cloneAmount(t.Principal).Cmp(cloneAmount(other.Principal)) == 0
}

// Validate checks that the terms are well formed: positive duration, both
// rate components positive and a positive principal.
func (t Terms) Validate() error {
	if t.Duration == 0 {
		return fmt.Errorf("duration must be positive")
	}
	if t.Rate.Numerator == 0 || t.Rate.Denominator == 0 {
		return fmt.Errorf("rate %d/%d must have positive components", t.Rate.Numerator, t.Rate.Denominator)
	}
	if t.Principal == nil || t.Principal.Sign() <= 0 {
		return fmt.Errorf("principal must be positive")
	}
	if t.Principal.BitLen() > maxPrincipalBits {
		return fmt.Errorf("principal exceeds %d bits", maxPrincipalBits)
	}
	return nil
}

// maxPrincipalBits matches the widest coin amount the persisted layout can
// carry.
const maxPrincipalBits = 120

// Escrow is the persisted record of one loan escrow instance.
type Escrow struct {
	Status     Status
	Collateral crypto.Address
	Ledger     *crypto.Address
	Borrower   crypto.Address
	Lender     *crypto.Address
	Terms      Terms
	StartedAt  uint64
}

// Clone returns a deep copy so callers can mutate the copy without
// affecting the original.
func (e Escrow) Clone() Escrow {
	clone := e
	clone.Ledger = cloneAddress(e.Ledger)
	clone.Lender = cloneAddress(e.Lender)
	clone.Terms = e.Terms.Clone()
	return clone
}

// ExpiresAt returns the last instant covered by the loan. A default may be
// claimed only once now > ExpiresAt.
func (e Escrow) ExpiresAt() uint64 {
	return e.StartedAt + uint64(e.Terms.Duration)
}

// Routed reports whether the escrow is denominated in a routed ledger token.
func (e Escrow) Routed() bool { return e.Ledger != nil }

// InitConfig is the creation configuration of an escrow.
type InitConfig struct {
	Borrower   crypto.Address
	Collateral crypto.Address
	Terms      Terms
}

// Validate checks the creation configuration.
func (c InitConfig) Validate() error {
	if c.Borrower.IsZero() {
		return fmt.Errorf("borrower address required")
	}
	if c.Collateral.IsZero() {
		return fmt.Errorf("collateral address required")
	}
	if err := c.Terms.Validate(); err != nil {
		return fmt.Errorf("terms: %w", err)
	}
	return nil
}

// Record builds the uninitialized record this configuration deploys.
func (c InitConfig) Record() Escrow {
	return Escrow{
		Status:     StatusUninitialized,
		Collateral: c.Collateral,
		Borrower:   c.Borrower,
		Terms:      c.Terms.Clone(),
	}
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func cloneAddress(a *crypto.Address) *crypto.Address {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}
