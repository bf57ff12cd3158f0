package rpc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"loanescrow/cell"
	"loanescrow/crypto"
	"loanescrow/native/loan"
)

// MessageJSON is the wire form of a message delivered to an escrow. Body is
// the hex encoded serialized cell. State is the record hash the sender
// signed against. State and Signature are required for account senders and
// ignored for contract notifications.
type MessageJSON struct {
	Sender      string `json:"sender"`
	Destination string `json:"destination"`
	Value       string `json:"value"`
	Body        string `json:"body,omitempty"`
	State       string `json:"state,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// TermsJSON is the wire form of loan terms.
type TermsJSON struct {
	Duration        uint32 `json:"duration"`
	RateNumerator   uint16 `json:"rateNumerator"`
	RateDenominator uint16 `json:"rateDenominator"`
	Principal       string `json:"principal"`
}

// EscrowJSON is the wire form of an escrow record.
type EscrowJSON struct {
	Address    string    `json:"address"`
	Status     string    `json:"status"`
	Collateral string    `json:"collateral"`
	Ledger     *string   `json:"ledger,omitempty"`
	Borrower   string    `json:"borrower"`
	Lender     *string   `json:"lender,omitempty"`
	Terms      TermsJSON `json:"terms"`
	StartedAt  uint64    `json:"startedAt"`
	ExpiresAt  *uint64   `json:"expiresAt,omitempty"`
	StateHash  string    `json:"stateHash"`
}

// State returns the decoded record hash, the value an account signs its
// next submission against.
func (e EscrowJSON) State() ([32]byte, error) {
	return ParseState(e.StateHash)
}

// RejectionJSON describes why an instruction was rejected.
type RejectionJSON struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// ReceiptJSON is the wire form of a delivery receipt.
type ReceiptJSON struct {
	ID          string         `json:"id"`
	Escrow      string         `json:"escrow"`
	Instruction string         `json:"instruction"`
	ExitCode    uint32         `json:"exitCode"`
	Accepted    bool           `json:"accepted"`
	Error       *RejectionJSON `json:"error,omitempty"`
	Status      string         `json:"status"`
	Outbound    []MessageJSON  `json:"outbound"`
	Timestamp   uint64         `json:"timestamp"`
}

// EncodeMessage renders msg in wire form without a signature.
func EncodeMessage(msg loan.Message) MessageJSON {
	out := MessageJSON{
		Sender:      msg.Sender.String(),
		Destination: msg.Destination.String(),
		Value:       "0",
	}
	if msg.Value != nil {
		out.Value = msg.Value.String()
	}
	if msg.Body != nil && (msg.Body.BitLen() > 0 || msg.Body.RefCount() > 0) {
		out.Body = "0x" + hex.EncodeToString(msg.Body.Marshal())
	}
	return out
}

// Decode parses the wire form into a message.
func (m MessageJSON) Decode() (loan.Message, error) {
	sender, err := crypto.DecodeAddress(strings.TrimSpace(m.Sender))
	if err != nil {
		return loan.Message{}, fmt.Errorf("sender: %w", err)
	}
	dest, err := crypto.DecodeAddress(strings.TrimSpace(m.Destination))
	if err != nil {
		return loan.Message{}, fmt.Errorf("destination: %w", err)
	}
	value, err := parseAmount(m.Value, "value")
	if err != nil {
		return loan.Message{}, err
	}
	body := cell.Empty()
	if raw := strings.TrimSpace(m.Body); raw != "" {
		decoded, err := decodeHex(raw)
		if err != nil {
			return loan.Message{}, fmt.Errorf("body: %w", err)
		}
		body, err = cell.Unmarshal(decoded)
		if err != nil {
			return loan.Message{}, fmt.Errorf("body: %w", err)
		}
	}
	return loan.Message{Sender: sender, Destination: dest, Value: value, Body: body}, nil
}

// EncodeTerms renders terms in wire form.
func EncodeTerms(t loan.Terms) TermsJSON {
	principal := "0"
	if t.Principal != nil {
		principal = t.Principal.String()
	}
	return TermsJSON{
		Duration:        t.Duration,
		RateNumerator:   t.Rate.Numerator,
		RateDenominator: t.Rate.Denominator,
		Principal:       principal,
	}
}

// Decode parses the wire form into terms. Validation is left to the engine
// so malformed terms surface as rejections with a stable exit code.
func (t TermsJSON) Decode() (loan.Terms, error) {
	principal, err := parseAmount(t.Principal, "principal")
	if err != nil {
		return loan.Terms{}, err
	}
	return loan.Terms{
		Duration:  t.Duration,
		Rate:      loan.Rate{Numerator: t.RateNumerator, Denominator: t.RateDenominator},
		Principal: principal,
	}, nil
}

func encodeEscrow(addr crypto.Address, esc loan.Escrow) (EscrowJSON, error) {
	state, err := loan.RecordHash(esc)
	if err != nil {
		return EscrowJSON{}, err
	}
	out := EscrowJSON{
		Address:    addr.String(),
		Status:     esc.Status.String(),
		Collateral: esc.Collateral.String(),
		Borrower:   esc.Borrower.String(),
		Terms:      EncodeTerms(esc.Terms),
		StartedAt:  esc.StartedAt,
		StateHash:  "0x" + hex.EncodeToString(state[:]),
	}
	if esc.Ledger != nil {
		ledger := esc.Ledger.String()
		out.Ledger = &ledger
	}
	if esc.Lender != nil {
		lender := esc.Lender.String()
		out.Lender = &lender
	}
	if esc.Status == loan.StatusFunded {
		expires := esc.ExpiresAt()
		out.ExpiresAt = &expires
	}
	return out, nil
}

func encodeReceipt(r *loan.Receipt) ReceiptJSON {
	out := ReceiptJSON{
		ID:          r.ID,
		Escrow:      r.Escrow.String(),
		Instruction: r.Instruction,
		ExitCode:    uint32(r.ExitCode),
		Accepted:    r.Accepted(),
		Status:      r.Status.String(),
		Outbound:    make([]MessageJSON, 0, len(r.Outbound)),
		Timestamp:   r.Timestamp,
	}
	if r.Err != nil {
		out.Error = &RejectionJSON{Kind: r.Err.Kind, Detail: r.Err.Detail}
	}
	for _, msg := range r.Outbound {
		out.Outbound = append(out.Outbound, EncodeMessage(msg))
	}
	return out
}

func parseAmount(raw, field string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be a base-10 integer", field)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%s must not be negative", field)
	}
	return amount, nil
}

func decodeHex(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	return hex.DecodeString(trimmed)
}
