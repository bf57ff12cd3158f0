package state

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"loanescrow/crypto"
	"loanescrow/native/loan"
	"loanescrow/storage"
)

func testEscrow(fill byte) (crypto.Address, loan.Escrow) {
	var borrower, collateral crypto.Address
	for i := range borrower {
		borrower[i] = fill
		collateral[i] = fill + 1
	}
	init := loan.InitConfig{
		Borrower:   borrower,
		Collateral: collateral,
		Terms: loan.Terms{
			Duration:  86400,
			Rate:      loan.Rate{Numerator: 1, Denominator: 100},
			Principal: big.NewInt(1_000_000_000),
		},
	}
	addr, err := loan.DeriveAddress(init)
	if err != nil {
		panic(err)
	}
	esc := init.Record()
	esc.Status = loan.StatusAwaitingCollateral
	return addr, esc
}

func TestLoanEscrowKey(t *testing.T) {
	var addr crypto.Address
	addr[0] = 0x01
	key := LoanEscrowKey(addr)
	require.Equal(t, "loan/escrow/", string(key[:len("loan/escrow/")]))
	require.Len(t, key, len("loan/escrow/")+crypto.AddressLength)
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(storage.NewMemDB())

	addr, esc := testEscrow(0x10)
	_, ok, err := store.LoanGet(addr)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.LoanPut(addr, esc))
	loaded, ok, err := store.LoanGet(addr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, esc.Status, loaded.Status)
	require.Equal(t, esc.Borrower, loaded.Borrower)
	require.True(t, esc.Terms.Equal(loaded.Terms))

	other, otherEsc := testEscrow(0x20)
	require.NoError(t, store.LoanPut(other, otherEsc))
	addrs, err := store.LoanAddresses()
	require.NoError(t, err)
	require.ElementsMatch(t, []crypto.Address{addr, other}, addrs)
}

func TestStoreOnLevelDB(t *testing.T) {
	db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	addr, esc := testEscrow(0x30)
	require.NoError(t, store.LoanPut(addr, esc))

	engine := loan.NewEngine(loan.DefaultParams())
	engine.SetState(store)
	got, err := engine.Get(addr)
	require.NoError(t, err)
	require.Equal(t, loan.StatusAwaitingCollateral, got.Status)
}

func TestStoreRejectsCorruptRecord(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db)
	addr, _ := testEscrow(0x40)
	require.NoError(t, db.Put(LoanEscrowKey(addr), []byte{0xff}))
	_, _, err := store.LoanGet(addr)
	require.Error(t, err)
}

func TestSubmissionsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	digest := crypto.Keccak256([]byte("submission"))

	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	store := NewStore(db)
	seen, err := store.MarkSubmitted(digest)
	require.NoError(t, err)
	require.False(t, seen)
	seen, err = store.MarkSubmitted(digest)
	require.NoError(t, err)
	require.True(t, seen)

	addr, esc := testEscrow(0x50)
	require.NoError(t, store.LoanPut(addr, esc))
	addrs, err := store.LoanAddresses()
	require.NoError(t, err)
	require.Equal(t, []crypto.Address{addr}, addrs)
	db.Close()

	db, err = storage.NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	seen, err = NewStore(db).MarkSubmitted(digest)
	require.NoError(t, err)
	require.True(t, seen)
}
