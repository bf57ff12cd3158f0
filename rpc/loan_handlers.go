package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"loanescrow/crypto"
	"loanescrow/native/loan"
)

const maxEventsLimit = 1000

type loanDeployParams struct {
	Borrower   string      `json:"borrower"`
	Collateral string      `json:"collateral"`
	Terms      TermsJSON   `json:"terms"`
	Message    MessageJSON `json:"message"`
}

type loanSubmitParams struct {
	Escrow  string      `json:"escrow"`
	Message MessageJSON `json:"message"`
}

type loanAddressParams struct {
	Escrow string `json:"escrow"`
}

type loanEventsParams struct {
	Escrow string `json:"escrow,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type obligationResult struct {
	Escrow    string `json:"escrow"`
	Owed      string `json:"owed"`
	ExpiresAt uint64 `json:"expiresAt"`
}

func (s *Server) handleLoanDeploy(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params loanDeployParams
	if err := decodeParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	borrower, err := crypto.DecodeAddress(strings.TrimSpace(params.Borrower))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrower", err.Error())
		return
	}
	collateral, err := crypto.DecodeAddress(strings.TrimSpace(params.Collateral))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid collateral", err.Error())
		return
	}
	terms, err := params.Terms.Decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid terms", err.Error())
		return
	}
	msg, err := params.Message.Decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid message", err.Error())
		return
	}
	init := loan.InitConfig{Borrower: borrower, Collateral: collateral, Terms: terms}
	receipt, err := s.engine.DeployChecked(init, msg, func(esc loan.Escrow) error {
		return s.authorizeAccount(r, msg, params.Message, esc)
	})
	if err != nil {
		s.writeEngineError(w, r, req, err)
		return
	}
	writeResult(w, req.ID, encodeReceipt(receipt))
}

func (s *Server) handleLoanSubmit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params loanSubmitParams
	if err := decodeParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(params.Escrow))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid escrow address", err.Error())
		return
	}
	msg, err := params.Message.Decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid message", err.Error())
		return
	}
	if msg.Destination != addr {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "message destination does not match escrow", nil)
		return
	}
	receipt, err := s.engine.DeliverChecked(addr, msg, func(esc loan.Escrow) error {
		if isContractSender(esc, msg.Sender) {
			if err := s.auth.Require(r, ScopeRelay); err != nil {
				return &callError{status: http.StatusForbidden, code: codeLoanForbidden, message: err.Error()}
			}
			return nil
		}
		return s.authorizeAccount(r, msg, params.Message, esc)
	})
	if err != nil {
		s.writeEngineError(w, r, req, err)
		return
	}
	writeResult(w, req.ID, encodeReceipt(receipt))
}

// isContractSender reports whether sender is one of the contracts the escrow
// trusts to notify it: the collateral custodian or the ledger wallet. Their
// messages are relayed by an operator rather than signed by an account key.
func isContractSender(esc loan.Escrow, sender crypto.Address) bool {
	if sender == esc.Collateral {
		return true
	}
	return esc.Ledger != nil && sender == *esc.Ledger
}

// callError is a refusal decided before the engine applies a message.
type callError struct {
	status  int
	code    int
	message string
	data    interface{}
}

func (e *callError) Error() string { return e.message }

// authorizeAccount runs under the engine lock against the record msg would
// be applied to. It checks the submit scope, that the sender signed against
// exactly this version of the record, and that the signed submission has
// not been consumed before.
func (s *Server) authorizeAccount(r *http.Request, msg loan.Message, wire MessageJSON, esc loan.Escrow) error {
	if err := s.auth.Require(r, ScopeSubmit); err != nil {
		return &callError{status: http.StatusForbidden, code: codeLoanForbidden, message: err.Error()}
	}
	if wire.Signature == "" {
		return &callError{status: http.StatusUnauthorized, code: codeUnauthorized, message: "invalid signature", data: errSignatureRequired.Error()}
	}
	current, err := loan.RecordHash(esc)
	if err != nil {
		return &callError{status: http.StatusBadRequest, code: codeInvalidParams, message: "invalid escrow record", data: err.Error()}
	}
	claimed, err := ParseState(wire.State)
	if err != nil {
		return &callError{status: http.StatusBadRequest, code: codeInvalidParams, message: "invalid message", data: err.Error()}
	}
	if claimed != current {
		return &callError{
			status:  http.StatusConflict,
			code:    codeStaleState,
			message: "message signed against a different version of the escrow",
			data:    map[string]string{"stateHash": "0x" + hex.EncodeToString(current[:])},
		}
	}
	if err := verifySender(msg, current, wire.Signature); err != nil {
		return &callError{status: http.StatusUnauthorized, code: codeUnauthorized, message: "invalid signature", data: err.Error()}
	}
	digest, err := SigningDigest(msg, current)
	if err != nil {
		return &callError{status: http.StatusBadRequest, code: codeInvalidParams, message: err.Error()}
	}
	seen, err := s.submissions.MarkSubmitted(crypto.Keccak256(digest[:], msg.Sender.Bytes()))
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	if seen {
		return &callError{status: http.StatusConflict, code: codeDuplicate, message: "message already submitted"}
	}
	return nil
}

func (s *Server) handleLoanGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	addr, ok := s.decodeEscrowParam(w, req)
	if !ok {
		return
	}
	esc, err := s.engine.Get(addr)
	if err != nil {
		s.writeEngineError(w, r, req, err)
		return
	}
	out, err := encodeEscrow(addr, esc)
	if err != nil {
		s.writeEngineError(w, r, req, err)
		return
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleLoanObligation(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	addr, ok := s.decodeEscrowParam(w, req)
	if !ok {
		return
	}
	owed, err := s.engine.Obligation(addr)
	if err != nil {
		s.writeEngineError(w, r, req, err)
		return
	}
	esc, err := s.engine.Get(addr)
	if err != nil {
		s.writeEngineError(w, r, req, err)
		return
	}
	writeResult(w, req.ID, obligationResult{
		Escrow:    addr.String(),
		Owed:      owed.String(),
		ExpiresAt: esc.ExpiresAt(),
	})
}

func (s *Server) handleLoanEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "event log unavailable", nil)
		return
	}
	var params loanEventsParams
	if len(req.Params) > 0 {
		if err := decodeParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	escrow := strings.TrimSpace(params.Escrow)
	if escrow != "" {
		addr, err := crypto.DecodeAddress(escrow)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid escrow address", err.Error())
			return
		}
		escrow = addr.String()
	}
	if params.Limit < 0 || params.Limit > maxEventsLimit {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "limit out of range", nil)
		return
	}
	entries, err := s.events.List(escrow, params.Limit)
	if err != nil {
		s.writeEngineError(w, r, req, err)
		return
	}
	writeResult(w, req.ID, entries)
}

func (s *Server) handleLoanList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	addrs, err := s.engine.Addresses()
	if err != nil {
		s.writeEngineError(w, r, req, err)
		return
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	writeResult(w, req.ID, out)
}

func (s *Server) decodeEscrowParam(w http.ResponseWriter, req *RPCRequest) (crypto.Address, bool) {
	var params loanAddressParams
	if err := decodeParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return crypto.Address{}, false
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(params.Escrow))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid escrow address", err.Error())
		return crypto.Address{}, false
	}
	return addr, true
}

// writeEngineError maps engine failures onto JSON-RPC errors. Rejections
// returned as Go errors (queries on escrows in the wrong state) carry their
// exit code; anything unrecognised is an internal failure.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, req *RPCRequest, err error) {
	var rejection *loan.Error
	var refused *callError
	switch {
	case errors.As(err, &refused):
		writeError(w, refused.status, req.ID, refused.code, refused.message, refused.data)
	case errors.Is(err, loan.ErrEscrowNotFound):
		writeError(w, http.StatusNotFound, req.ID, codeLoanNotFound, "escrow not found", nil)
	case errors.As(err, &rejection):
		writeError(w, http.StatusConflict, req.ID, codeLoanRejected, rejection.Error(), map[string]interface{}{
			"exitCode": uint32(rejection.Code),
			"kind":     rejection.Kind,
		})
	case errors.Is(err, loan.ErrAddressMismatch):
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
	default:
		s.logger.Error("rpc request failed",
			slog.String("requestId", requestIDFrom(r.Context())),
			slog.String("method", req.Method),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal error", nil)
	}
}
