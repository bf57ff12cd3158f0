package loan

import (
	"bytes"
	"math/big"
	"testing"

	"loanescrow/cell"
	"loanescrow/crypto"
)

func newTestAddress(fill byte) crypto.Address {
	var addr crypto.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, crypto.AddressLength))
	return addr
}

var (
	testBorrower   = newTestAddress(0xB0)
	testLender     = newTestAddress(0x1E)
	testCollateral = newTestAddress(0xC0)
	testLedger     = newTestAddress(0x7E)
	testStranger   = newTestAddress(0x55)
)

func testTerms() Terms {
	return Terms{
		Duration:  7 * SecondsPerDay,
		Rate:      Rate{Numerator: 1, Denominator: 100},
		Principal: big.NewInt(1_000_000_000),
	}
}

func mustBody(t *testing.T, inst Instruction) *cell.Cell {
	t.Helper()
	body, err := inst.Body()
	if err != nil {
		t.Fatalf("encode %s: %v", inst.Name(), err)
	}
	return body
}

func directMsg(t *testing.T, sender crypto.Address, value int64, inst Instruction) Message {
	t.Helper()
	return Message{Sender: sender, Value: big.NewInt(value), Body: mustBody(t, inst)}
}

// ledgerMsg wraps inst in a transfer notification from the ledger wallet.
func ledgerMsg(t *testing.T, wallet, payer crypto.Address, amount int64, inst Instruction) Message {
	t.Helper()
	note := TransferNotification{
		QueryID:  7,
		Amount:   big.NewInt(amount),
		Sender:   payer,
		Embedded: mustBody(t, inst),
	}
	return Message{Sender: wallet, Value: big.NewInt(50_000_000), Body: mustBody(t, note)}
}

// waitingEscrow returns a record that has been initialized and holds the
// collateral.
func waitingEscrow(ledger *crypto.Address) Escrow {
	esc := InitConfig{Borrower: testBorrower, Collateral: testCollateral, Terms: testTerms()}.Record()
	esc.Ledger = cloneAddress(ledger)
	esc.Status = StatusWaitingForLender
	return esc
}

func fundedEscrow(ledger *crypto.Address, startedAt uint64) Escrow {
	esc := waitingEscrow(ledger)
	lender := testLender
	esc.Lender = &lender
	esc.StartedAt = startedAt
	esc.Status = StatusFunded
	return esc
}

func mustApply(t *testing.T, esc Escrow, msg Message, now uint64) Outcome {
	t.Helper()
	out, err := Apply(esc, msg, now, DefaultParams())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return out
}

func expectRejected(t *testing.T, esc Escrow, msg Message, now uint64, want *Error) {
	t.Helper()
	before, err := MarshalEscrow(esc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Apply(esc, msg, now, DefaultParams())
	if err == nil {
		t.Fatalf("expected %s, got status %s", want.Kind, out.Escrow.Status)
	}
	code, ok := ExitCodeOf(err)
	if !ok || code != want.Code {
		t.Fatalf("expected exit code %d, got %v", want.Code, err)
	}
	if len(out.Effects) != 0 {
		t.Fatalf("rejection produced effects: %+v", out.Effects)
	}
	after, err := MarshalEscrow(esc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("record mutated by rejected message")
	}
}

func releases(effects []Effect) []CollateralRelease {
	var out []CollateralRelease
	for _, effect := range effects {
		if r, ok := effect.(CollateralRelease); ok {
			out = append(out, r)
		}
	}
	return out
}

func payouts(effects []Effect) []CurrencyPayout {
	var out []CurrencyPayout
	for _, effect := range effects {
		if p, ok := effect.(CurrencyPayout); ok {
			out = append(out, p)
		}
	}
	return out
}
