package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"loanescrow/crypto"
	"loanescrow/native/loan"
)

var signingDomain = []byte("loanescrow/msg")

var (
	errSignatureRequired = errors.New("signature required")
	errSignerMismatch    = errors.New("signature does not match sender")
	errValueTooLarge     = errors.New("value exceeds 256 bits")
	errStateRequired     = errors.New("state hash required")
)

// SigningDigest returns the digest an account signs to submit msg against
// the escrow record identified by state (see loan.RecordHash):
// keccak256(domain || destination || value as 32 bytes || body hash || state).
// Once the record changes the signature no longer verifies.
func SigningDigest(msg loan.Message, state [32]byte) ([32]byte, error) {
	value := uint256.NewInt(0)
	if msg.Value != nil {
		var overflow bool
		value, overflow = uint256.FromBig(msg.Value)
		if overflow {
			return [32]byte{}, errValueTooLarge
		}
	}
	valueBytes := value.Bytes32()
	var bodyHash [32]byte
	if msg.Body != nil {
		bodyHash = msg.Body.Hash()
	}
	return crypto.Keccak256(signingDomain, msg.Destination.Bytes(), valueBytes[:], bodyHash[:], state[:]), nil
}

// SignMessage signs msg against the record version state and returns its
// wire form.
func SignMessage(key *crypto.PrivateKey, msg loan.Message, state [32]byte) (MessageJSON, error) {
	if key == nil {
		return MessageJSON{}, errors.New("signing key required")
	}
	digest, err := SigningDigest(msg, state)
	if err != nil {
		return MessageJSON{}, err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return MessageJSON{}, err
	}
	out := EncodeMessage(msg)
	out.State = "0x" + hex.EncodeToString(state[:])
	out.Signature = "0x" + hex.EncodeToString(sig)
	return out, nil
}

// ParseState decodes a hex record hash as carried in MessageJSON.State and
// EscrowJSON.StateHash.
func ParseState(raw string) ([32]byte, error) {
	var state [32]byte
	if raw == "" {
		return state, errStateRequired
	}
	decoded, err := decodeHex(raw)
	if err != nil {
		return state, fmt.Errorf("state: %w", err)
	}
	if len(decoded) != len(state) {
		return state, fmt.Errorf("state: expected %d bytes, got %d", len(state), len(decoded))
	}
	copy(state[:], decoded)
	return state, nil
}

// verifySender checks that signature was produced by msg.Sender over msg
// and state.
func verifySender(msg loan.Message, state [32]byte, signature string) error {
	if signature == "" {
		return errSignatureRequired
	}
	sig, err := decodeHex(signature)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	digest, err := SigningDigest(msg, state)
	if err != nil {
		return err
	}
	signer, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	if signer != msg.Sender {
		return errSignerMismatch
	}
	return nil
}
