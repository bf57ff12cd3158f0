package loan

import (
	"errors"
	"fmt"
)

// ExitCode is the stable numeric failure code surfaced to the caller when an
// instruction is rejected. Zero means success.
type ExitCode uint32

const (
	ExitOK                  ExitCode = 0
	ExitMalformedMessage    ExitCode = 9
	ExitUnauthorized        ExitCode = 132
	ExitInvalidState        ExitCode = 140
	ExitInsufficientPayment ExitCode = 141
	ExitTermsMismatch       ExitCode = 142
	ExitLoanNotExpired      ExitCode = 143
	ExitCurrencyMismatch    ExitCode = 144
	ExitInvalidTerms        ExitCode = 145
	ExitUnknownOpcode       ExitCode = 0xFFFF
)

// Error is a rejected instruction. Rejections never mutate the record.
type Error struct {
	Code   ExitCode
	Kind   string
	Detail string
}

var (
	ErrMalformedMessage    = &Error{Code: ExitMalformedMessage, Kind: "malformed_message"}
	ErrUnauthorized        = &Error{Code: ExitUnauthorized, Kind: "unauthorized"}
	ErrInvalidState        = &Error{Code: ExitInvalidState, Kind: "invalid_state"}
	ErrInsufficientPayment = &Error{Code: ExitInsufficientPayment, Kind: "insufficient_payment"}
	ErrTermsMismatch       = &Error{Code: ExitTermsMismatch, Kind: "terms_mismatch"}
	ErrLoanNotExpired      = &Error{Code: ExitLoanNotExpired, Kind: "loan_not_expired"}
	ErrCurrencyMismatch    = &Error{Code: ExitCurrencyMismatch, Kind: "currency_mismatch"}
	ErrInvalidTerms        = &Error{Code: ExitInvalidTerms, Kind: "invalid_terms"}
	ErrUnknownOpcode       = &Error{Code: ExitUnknownOpcode, Kind: "unknown_opcode"}
)

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("loan: %s (exit code %d)", e.Kind, e.Code)
	}
	return fmt.Sprintf("loan: %s (exit code %d): %s", e.Kind, e.Code, e.Detail)
}

// Is matches any rejection with the same exit code, so errors.Is(err,
// ErrTermsMismatch) holds for every terms mismatch regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func reject(kind *Error, format string, args ...any) *Error {
	return &Error{Code: kind.Code, Kind: kind.Kind, Detail: fmt.Sprintf(format, args...)}
}

// ExitCodeOf extracts the exit code of a rejection. The second result is
// false for errors that are not rejections, such as storage failures.
func ExitCodeOf(err error) (ExitCode, bool) {
	if err == nil {
		return ExitOK, true
	}
	var rej *Error
	if errors.As(err, &rej) {
		return rej.Code, true
	}
	return 0, false
}
