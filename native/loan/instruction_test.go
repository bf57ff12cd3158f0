package loan

import (
	"errors"
	"math/big"
	"testing"

	"loanescrow/cell"
)

func TestDecodeInstructionRoundTrip(t *testing.T) {
	ledger := testLedger
	payload := cell.BeginCell().StoreUint(0xABCD, 16).MustEndCell()
	cases := []Instruction{
		Initialize{},
		Initialize{Ledger: &ledger},
		CollateralConfirmed{QueryID: 9, PrevOwner: testBorrower, ForwardPayload: payload},
		UpdateTerms{Terms: testTerms()},
		FundLoan{Terms: testTerms()},
		Cancel{},
		Repay{ForwardPayload: payload, ForwardAmount: big.NewInt(5)},
		ClaimDefault{ForwardPayload: payload, ForwardAmount: big.NewInt(0)},
	}
	for _, inst := range cases {
		body := mustBody(t, inst)
		decoded, err := DecodeInstruction(body)
		if err != nil {
			t.Fatalf("%s: decode: %v", inst.Name(), err)
		}
		if decoded.Opcode() != inst.Opcode() {
			t.Fatalf("%s: opcode %#x, want %#x", inst.Name(), decoded.Opcode(), inst.Opcode())
		}
		again := mustBody(t, decoded)
		if !again.Equal(body) {
			t.Fatalf("%s: re-encoded body differs", inst.Name())
		}
	}
}

func TestDecodeBareRepayHasZeroForward(t *testing.T) {
	body := cell.BeginCell().StoreUint(uint64(OpRepay), 32).MustEndCell()
	inst, err := DecodeInstruction(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	repay, ok := inst.(Repay)
	if !ok {
		t.Fatalf("expected Repay, got %T", inst)
	}
	if repay.ForwardPayload != nil || repay.ForwardAmount.Sign() != 0 {
		t.Fatalf("unexpected forward fields: %+v", repay)
	}
}

func TestDecodeInstructionFailures(t *testing.T) {
	cases := []struct {
		name string
		body *cell.Cell
		want *Error
	}{
		{
			name: "short opcode",
			body: cell.BeginCell().StoreUint(0x94, 8).MustEndCell(),
			want: ErrMalformedMessage,
		},
		{
			name: "unknown opcode",
			body: cell.BeginCell().StoreUint(0xDEADBEEF, 32).MustEndCell(),
			want: ErrUnknownOpcode,
		},
		{
			name: "truncated terms",
			body: cell.BeginCell().StoreUint(uint64(OpFundLoan), 32).StoreUint(86400, 32).MustEndCell(),
			want: ErrMalformedMessage,
		},
		{
			name: "truncated notification",
			body: cell.BeginCell().StoreUint(uint64(OpTransferNotification), 32).StoreUint(1, 64).MustEndCell(),
			want: ErrMalformedMessage,
		},
	}
	for _, tc := range cases {
		_, err := DecodeInstruction(tc.body)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.want.Kind, err)
		}
	}
}

func TestDecodeEmptyBodyIsTopUp(t *testing.T) {
	inst, err := DecodeInstruction(cell.Empty())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := inst.(TopUp); !ok {
		t.Fatalf("expected TopUp, got %T", inst)
	}
	comment, err := commentBody("thanks")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	inst, err = DecodeInstruction(comment)
	if err != nil {
		t.Fatalf("decode comment: %v", err)
	}
	if _, ok := inst.(TopUp); !ok {
		t.Fatalf("expected comment to decode as TopUp, got %T", inst)
	}
}

func TestTransferNotificationEmbeddedForms(t *testing.T) {
	fund := mustBody(t, FundLoan{Terms: testTerms()})
	head := func() *cell.Builder {
		return cell.BeginCell().
			StoreUint(uint64(OpTransferNotification), 32).
			StoreUint(3, 64).
			StoreCoins(big.NewInt(1000)).
			StoreAddress(testLender)
	}

	inRef := head().StoreBit(true).StoreRef(fund).MustEndCell()
	zeroBitRef := head().StoreBit(false).StoreRef(fund).MustEndCell()
	inline := head().StoreBit(false).StoreSlice(fund.BeginParse()).MustEndCell()

	for name, body := range map[string]*cell.Cell{"ref": inRef, "zero bit ref": zeroBitRef, "inline": inline} {
		inst, err := DecodeInstruction(body)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		note, ok := inst.(TransferNotification)
		if !ok {
			t.Fatalf("%s: expected TransferNotification, got %T", name, inst)
		}
		if note.Sender != testLender || note.Amount.Int64() != 1000 || note.QueryID != 3 {
			t.Fatalf("%s: unexpected header %+v", name, note)
		}
		embedded, err := DecodeInstruction(note.Embedded)
		if err != nil {
			t.Fatalf("%s: embedded: %v", name, err)
		}
		if got, ok := embedded.(FundLoan); !ok || !got.Terms.Equal(testTerms()) {
			t.Fatalf("%s: embedded mismatch: %+v", name, embedded)
		}
	}
}
