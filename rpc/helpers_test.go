package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"loanescrow/cell"
	"loanescrow/core/events"
	"loanescrow/core/state"
	"loanescrow/crypto"
	"loanescrow/native/loan"
	"loanescrow/storage"
	"loanescrow/storage/eventlog"
)

type testEnv struct {
	srv        *httptest.Server
	server     *Server
	engine     *loan.Engine
	store      *state.Store
	hub        *events.Hub
	log        *eventlog.Log
	borrower   *crypto.PrivateKey
	lender     *crypto.PrivateKey
	collateral crypto.Address
	now        *int64
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	engine := loan.NewEngine(loan.DefaultParams())
	store := state.NewStore(storage.NewMemDB())
	engine.SetState(store)
	now := int64(10)
	engine.SetNowFunc(func() int64 { return now })

	hub := events.NewHub()
	log, err := eventlog.Open(eventlog.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	engine.SetEmitter(events.Multi{hub, log})

	cfg := Config{
		Engine:      engine,
		Events:      log,
		Stream:      hub,
		Submissions: store,
		Gatherer:    prometheus.NewRegistry(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	borrower, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	lender, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	var collateral crypto.Address
	for i := range collateral {
		collateral[i] = 0xC0
	}
	return &testEnv{
		srv:        srv,
		server:     server,
		engine:     engine,
		store:      store,
		hub:        hub,
		log:        log,
		borrower:   borrower,
		lender:     lender,
		collateral: collateral,
		now:        &now,
	}
}

// restart replaces the served instance with a new Server over the same
// engine and store, as a daemon restart would.
func (e *testEnv) restart(t *testing.T) {
	t.Helper()
	server, err := NewServer(Config{Engine: e.engine, Submissions: e.store, Gatherer: prometheus.NewRegistry()})
	require.NoError(t, err)
	e.srv.Close()
	e.server = server
	e.srv = httptest.NewServer(server.Handler())
	t.Cleanup(e.srv.Close)
}

func testTerms() loan.Terms {
	return loan.Terms{
		Duration:  7 * loan.SecondsPerDay,
		Rate:      loan.Rate{Numerator: 1, Denominator: 100},
		Principal: big.NewInt(1_000_000_000),
	}
}

func (e *testEnv) initConfig() loan.InitConfig {
	return loan.InitConfig{
		Borrower:   e.borrower.PubKey().Address(),
		Collateral: e.collateral,
		Terms:      testTerms(),
	}
}

func mustBody(t *testing.T, inst loan.Instruction) *cell.Cell {
	t.Helper()
	body, err := inst.Body()
	require.NoError(t, err)
	return body
}

// stateOf returns the record hash a submission to addr must be signed
// against: the stored record, or the undeployed record for a new escrow.
func (e *testEnv) stateOf(t *testing.T, addr crypto.Address) [32]byte {
	t.Helper()
	esc, err := e.engine.Get(addr)
	if err != nil {
		esc = e.initConfig().Record()
	}
	hash, err := loan.RecordHash(esc)
	require.NoError(t, err)
	return hash
}

// signed signs inst from key against the current version of the escrow.
func (e *testEnv) signed(t *testing.T, key *crypto.PrivateKey, to crypto.Address, value int64, inst loan.Instruction) MessageJSON {
	t.Helper()
	msg := loan.Message{
		Sender:      key.PubKey().Address(),
		Destination: to,
		Value:       big.NewInt(value),
		Body:        mustBody(t, inst),
	}
	out, err := SignMessage(key, msg, e.stateOf(t, to))
	require.NoError(t, err)
	return out
}

func unsigned(t *testing.T, sender, to crypto.Address, value int64, inst loan.Instruction) MessageJSON {
	t.Helper()
	return EncodeMessage(loan.Message{Sender: sender, Destination: to, Value: big.NewInt(value), Body: mustBody(t, inst)})
}

type rpcReply struct {
	Status int
	Result json.RawMessage
	Error  *RPCError
}

func (e *testEnv) call(t *testing.T, method string, params interface{}, token string) rpcReply {
	t.Helper()
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method, "params": []interface{}{}}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/", bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return rpcReply{Status: resp.StatusCode, Result: decoded.Result, Error: decoded.Error}
}

func (e *testEnv) receipt(t *testing.T, reply rpcReply) ReceiptJSON {
	t.Helper()
	require.Nil(t, reply.Error, "unexpected rpc error")
	var out ReceiptJSON
	require.NoError(t, json.Unmarshal(reply.Result, &out))
	return out
}

// deploy creates the escrow through the RPC surface and returns its address.
func (e *testEnv) deploy(t *testing.T, token string) crypto.Address {
	t.Helper()
	init := e.initConfig()
	addr, err := loan.DeriveAddress(init)
	require.NoError(t, err)
	params := loanDeployParams{
		Borrower:   init.Borrower.String(),
		Collateral: init.Collateral.String(),
		Terms:      EncodeTerms(init.Terms),
		Message:    e.signed(t, e.borrower, addr, 50_000_000, loan.Initialize{}),
	}
	got := e.receipt(t, e.call(t, "loan_deploy", params, token))
	require.True(t, got.Accepted)
	require.Equal(t, "awaiting_collateral", got.Status)
	require.Equal(t, addr.String(), got.Escrow)
	return addr
}

func (e *testEnv) confirmCollateral(t *testing.T, addr crypto.Address, token string) ReceiptJSON {
	t.Helper()
	msg := unsigned(t, e.collateral, addr, 0, loan.CollateralConfirmed{PrevOwner: e.borrower.PubKey().Address()})
	return e.receipt(t, e.call(t, "loan_submit", loanSubmitParams{Escrow: addr.String(), Message: msg}, token))
}
