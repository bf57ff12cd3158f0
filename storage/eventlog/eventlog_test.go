package eventlog

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"loanescrow/core/types"
)

type wrapped struct{ evt *types.Event }

func (w wrapped) EventType() string    { return w.evt.Type }
func (w wrapped) Event() *types.Event { return w.evt }

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	log, err := Open(DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestRecordAndList(t *testing.T) {
	log := openTestLog(t)

	require.NoError(t, log.Record(&types.Event{Type: "loan.deployed", Attributes: map[string]string{"escrow": "a", "status": "awaiting_collateral"}}))
	log.Emit(wrapped{&types.Event{Type: "loan.funded", Attributes: map[string]string{"escrow": "a", "amount": "5"}}})
	require.NoError(t, log.Record(&types.Event{Type: "loan.deployed", Attributes: map[string]string{"escrow": "b"}}))

	all, err := log.List("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	forA, err := log.List("a", 10)
	require.NoError(t, err)
	require.Len(t, forA, 2)
	require.Equal(t, "loan.deployed", forA[0].Type)
	require.Equal(t, "loan.funded", forA[1].Type)
	require.Equal(t, "5", forA[1].Attributes["amount"])
	require.Less(t, forA[0].ID, forA[1].ID)
	require.NotEmpty(t, forA[0].EventID)

	limited, err := log.List("", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "whatever")
	require.ErrorIs(t, err, errUnknownDriver)
}
