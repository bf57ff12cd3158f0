package loan

import (
	"math/big"
	"testing"

	"loanescrow/cell"
)

func TestEscrowLayoutRoundTrip(t *testing.T) {
	ledger := testLedger
	records := []Escrow{
		InitConfig{Borrower: testBorrower, Collateral: testCollateral, Terms: testTerms()}.Record(),
		waitingEscrow(&ledger),
		fundedEscrow(nil, 1_700_000_000),
	}
	for _, esc := range records {
		raw, err := MarshalEscrow(esc)
		if err != nil {
			t.Fatalf("marshal %s: %v", esc.Status, err)
		}
		decoded, err := UnmarshalEscrow(raw)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", esc.Status, err)
		}
		again, err := MarshalEscrow(decoded)
		if err != nil {
			t.Fatalf("re-marshal: %v", err)
		}
		if string(raw) != string(again) {
			t.Fatalf("%s: layout not stable across round trip", esc.Status)
		}
		if decoded.Status != esc.Status || decoded.Borrower != esc.Borrower || !decoded.Terms.Equal(esc.Terms) || decoded.StartedAt != esc.StartedAt {
			t.Fatalf("%s: decoded record differs: %+v", esc.Status, decoded)
		}
		if (decoded.Lender == nil) != (esc.Lender == nil) || (decoded.Ledger == nil) != (esc.Ledger == nil) {
			t.Fatalf("%s: optional addresses differ", esc.Status)
		}
	}
}

func TestEscrowLayoutBitExact(t *testing.T) {
	esc := fundedEscrow(nil, 77)
	c, err := EncodeEscrow(esc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// 3 + 162 + 2 + 32 + 16 + 16 + (4 + 4*8) + 64
	if c.BitLen() != 331 {
		t.Fatalf("unexpected root bit length %d", c.BitLen())
	}
	if c.RefCount() != 1 {
		t.Fatalf("expected owners reference, got %d refs", c.RefCount())
	}
	s := c.BeginParse()
	status, _ := s.LoadUint(3)
	if Status(status) != StatusFunded {
		t.Fatalf("unexpected status tag %d", status)
	}
	owners, _ := c.Ref(0)
	if owners.BitLen() != 2*cell.AddressBits {
		t.Fatalf("unexpected owners bit length %d", owners.BitLen())
	}
}

func TestDecodeEscrowRejectsGarbage(t *testing.T) {
	bad := cell.BeginCell().StoreUint(7, 3).MustEndCell()
	if _, err := DecodeEscrow(bad); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
	esc := waitingEscrow(nil)
	c, err := EncodeEscrow(esc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	trailing := cell.BeginCell().StoreSlice(c.BeginParse()).StoreUint(1, 1).MustEndCell()
	if _, err := DecodeEscrow(trailing); err == nil {
		t.Fatalf("expected trailing data to fail")
	}
}

func TestDeriveAddressDeterministic(t *testing.T) {
	init := InitConfig{Borrower: testBorrower, Collateral: testCollateral, Terms: testTerms()}
	a, err := DeriveAddress(init)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveAddress(init)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a != b || a.IsZero() {
		t.Fatalf("address not deterministic: %s vs %s", a, b)
	}
	other := init
	other.Terms = init.Terms.Clone()
	other.Terms.Principal = big.NewInt(1)
	c, err := DeriveAddress(other)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if c == a {
		t.Fatalf("different terms must derive a different address")
	}
}
