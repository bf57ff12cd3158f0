package state

import (
	"errors"
	"fmt"
	"sync"

	"loanescrow/crypto"
	"loanescrow/native/loan"
	"loanescrow/storage"
)

// Store persists escrow records in their serialized cell layout.
type Store struct {
	db storage.Database
	mu sync.Mutex
}

// NewStore wraps db.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// LoanEscrowKey returns the storage key of the escrow at addr.
func LoanEscrowKey(addr crypto.Address) []byte {
	key := make([]byte, 0, len(loanEscrowPrefix)+crypto.AddressLength)
	key = append(key, loanEscrowPrefix...)
	return append(key, addr[:]...)
}

// LoanGet loads the escrow at addr. The boolean is false when no record
// exists.
func (s *Store) LoanGet(addr crypto.Address) (loan.Escrow, bool, error) {
	raw, err := s.db.Get(LoanEscrowKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return loan.Escrow{}, false, nil
	}
	if err != nil {
		return loan.Escrow{}, false, err
	}
	esc, err := loan.UnmarshalEscrow(raw)
	if err != nil {
		return loan.Escrow{}, false, fmt.Errorf("decode escrow %s: %w", addr, err)
	}
	return esc, true, nil
}

// LoanPut stores the escrow at addr.
func (s *Store) LoanPut(addr crypto.Address, esc loan.Escrow) error {
	raw, err := loan.MarshalEscrow(esc)
	if err != nil {
		return err
	}
	return s.db.Put(LoanEscrowKey(addr), raw)
}

// LoanAddresses lists every stored escrow in key order.
func (s *Store) LoanAddresses() ([]crypto.Address, error) {
	keys, err := s.db.Keys(loanEscrowPrefix)
	if err != nil {
		return nil, err
	}
	addrs := make([]crypto.Address, 0, len(keys))
	for _, key := range keys {
		addr, err := crypto.BytesToAddress(key[len(loanEscrowPrefix):])
		if err != nil {
			return nil, fmt.Errorf("malformed escrow key %x: %w", key, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// LoanSubmissionKey returns the storage key marking a consumed submission.
func LoanSubmissionKey(digest [32]byte) []byte {
	key := make([]byte, 0, len(loanSubmissionPrefix)+len(digest))
	key = append(key, loanSubmissionPrefix...)
	return append(key, digest[:]...)
}

// MarkSubmitted records digest as consumed. It reports true when the digest
// had already been recorded, in which case nothing is written.
func (s *Store) MarkSubmitted(digest [32]byte) (bool, error) {
	key := LoanSubmissionKey(digest)
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, err := s.db.Has(key)
	if err != nil {
		return false, err
	}
	if seen {
		return true, nil
	}
	return false, s.db.Put(key, []byte{1})
}
