package rpc

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"loanescrow/core/events"
	"loanescrow/crypto"
	"loanescrow/native/loan"
	"loanescrow/storage/eventlog"
)

func TestLoanLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t, nil)
	addr := env.deploy(t, "")

	*env.now = 11
	got := env.confirmCollateral(t, addr, "")
	require.True(t, got.Accepted)
	require.Equal(t, "waiting_for_lender", got.Status)

	*env.now = 15
	fund := env.signed(t, env.lender, addr, 1_000_000_000, loan.FundLoan{Terms: testTerms()})
	got = env.receipt(t, env.call(t, "loan_submit", loanSubmitParams{Escrow: addr.String(), Message: fund}, ""))
	require.True(t, got.Accepted)
	require.Equal(t, "funded", got.Status)
	require.Len(t, got.Outbound, 1)
	require.Equal(t, env.borrower.PubKey().Address().String(), got.Outbound[0].Destination)
	require.Equal(t, "990000000", got.Outbound[0].Value)

	*env.now = 25
	reply := env.call(t, "loan_obligation", loanAddressParams{Escrow: addr.String()}, "")
	require.Nil(t, reply.Error)
	var owed obligationResult
	require.NoError(t, json.Unmarshal(reply.Result, &owed))
	require.Equal(t, "1010000000", owed.Owed)
	require.Equal(t, uint64(15+7*loan.SecondsPerDay), owed.ExpiresAt)

	repay := env.signed(t, env.borrower, addr, 1_010_000_000, loan.Repay{})
	got = env.receipt(t, env.call(t, "loan_submit", loanSubmitParams{Escrow: addr.String(), Message: repay}, ""))
	require.True(t, got.Accepted)
	require.Equal(t, "repaid", got.Status)
	require.Len(t, got.Outbound, 2)

	reply = env.call(t, "loan_get", loanAddressParams{Escrow: addr.String()}, "")
	require.Nil(t, reply.Error)
	var record EscrowJSON
	require.NoError(t, json.Unmarshal(reply.Result, &record))
	require.Equal(t, "repaid", record.Status)
	require.NotNil(t, record.Lender)
	require.Equal(t, env.lender.PubKey().Address().String(), *record.Lender)

	reply = env.call(t, "loan_events", loanEventsParams{Escrow: addr.String()}, "")
	require.Nil(t, reply.Error)
	var entries []eventlog.Entry
	require.NoError(t, json.Unmarshal(reply.Result, &entries))
	require.NotEmpty(t, entries)
	require.Equal(t, loan.EventTypeLoanDeployed, entries[0].Type)
	require.Equal(t, loan.EventTypeLoanRepaid, entries[len(entries)-3].Type)

	reply = env.call(t, "loan_list", nil, "")
	require.Nil(t, reply.Error)
	var addrs []string
	require.NoError(t, json.Unmarshal(reply.Result, &addrs))
	require.Equal(t, []string{addr.String()}, addrs)
}

func TestRejectionIsReturnedAsReceipt(t *testing.T) {
	env := newTestEnv(t, nil)
	addr := env.deploy(t, "")
	env.confirmCollateral(t, addr, "")

	stale := testTerms()
	stale.Duration = 1
	fund := env.signed(t, env.lender, addr, 1_000_000_000, loan.FundLoan{Terms: stale})
	reply := env.call(t, "loan_submit", loanSubmitParams{Escrow: addr.String(), Message: fund}, "")
	require.Equal(t, http.StatusOK, reply.Status)
	got := env.receipt(t, reply)
	require.False(t, got.Accepted)
	require.Equal(t, uint32(loan.ExitTermsMismatch), got.ExitCode)
	require.NotNil(t, got.Error)
	require.Equal(t, "terms_mismatch", got.Error.Kind)
	require.Empty(t, got.Outbound)
	require.Equal(t, "waiting_for_lender", got.Status)
}

func TestSubmitRequiresValidSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	addr := env.deploy(t, "")

	msg := env.signed(t, env.borrower, addr, 0, loan.Cancel{})
	msg.Sender = env.lender.PubKey().Address().String()
	reply := env.call(t, "loan_submit", loanSubmitParams{Escrow: addr.String(), Message: msg}, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeUnauthorized, reply.Error.Code)
	require.Equal(t, http.StatusUnauthorized, reply.Status)

	msg = unsigned(t, env.borrower.PubKey().Address(), addr, 0, loan.Cancel{})
	reply = env.call(t, "loan_submit", loanSubmitParams{Escrow: addr.String(), Message: msg}, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeUnauthorized, reply.Error.Code)
}

func TestSubmitRejectsReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	addr := env.deploy(t, "")
	env.confirmCollateral(t, addr, "")

	fund := env.signed(t, env.lender, addr, 1_000_000_000, loan.FundLoan{Terms: testTerms()})
	params := loanSubmitParams{Escrow: addr.String(), Message: fund}
	require.True(t, env.receipt(t, env.call(t, "loan_submit", params, "")).Accepted)

	reply := env.call(t, "loan_submit", params, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeStaleState, reply.Error.Code)
	require.Equal(t, http.StatusConflict, reply.Status)

	// A top-up leaves the record as it was, so only the consumed submission
	// log refuses the second copy.
	topUp := env.signed(t, env.lender, addr, 5, loan.TopUp{})
	params = loanSubmitParams{Escrow: addr.String(), Message: topUp}
	require.True(t, env.receipt(t, env.call(t, "loan_submit", params, "")).Accepted)
	reply = env.call(t, "loan_submit", params, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeDuplicate, reply.Error.Code)
}

func TestSupersededTermsCannotBeReplayed(t *testing.T) {
	env := newTestEnv(t, nil)
	addr := env.deploy(t, "")
	env.confirmCollateral(t, addr, "")

	first := testTerms()
	first.Principal = big.NewInt(5_000_000_000)
	second := testTerms()
	second.Principal = big.NewInt(2_000_000_000)

	updateFirst := loanSubmitParams{Escrow: addr.String(), Message: env.signed(t, env.borrower, addr, 0, loan.UpdateTerms{Terms: first})}
	require.True(t, env.receipt(t, env.call(t, "loan_submit", updateFirst, "")).Accepted)
	updateSecond := loanSubmitParams{Escrow: addr.String(), Message: env.signed(t, env.borrower, addr, 0, loan.UpdateTerms{Terms: second})}
	require.True(t, env.receipt(t, env.call(t, "loan_submit", updateSecond, "")).Accepted)

	principal := func() string {
		reply := env.call(t, "loan_get", loanAddressParams{Escrow: addr.String()}, "")
		require.Nil(t, reply.Error)
		var record EscrowJSON
		require.NoError(t, json.Unmarshal(reply.Result, &record))
		return record.Terms.Principal
	}

	*env.now += int64(16 * time.Minute / time.Second)
	reply := env.call(t, "loan_submit", updateFirst, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeStaleState, reply.Error.Code)
	require.Equal(t, "2000000000", principal())

	// A fresh server over the same store keeps no in-process memory of
	// either submission.
	env.restart(t)
	for _, params := range []loanSubmitParams{updateFirst, updateSecond} {
		reply = env.call(t, "loan_submit", params, "")
		require.NotNil(t, reply.Error)
		require.Equal(t, codeStaleState, reply.Error.Code)
	}
	require.Equal(t, "2000000000", principal())
}

func TestConsumedSubmissionsSurviveRestart(t *testing.T) {
	env := newTestEnv(t, nil)
	addr := env.deploy(t, "")

	topUp := loanSubmitParams{Escrow: addr.String(), Message: env.signed(t, env.borrower, addr, 7, loan.TopUp{})}
	require.True(t, env.receipt(t, env.call(t, "loan_submit", topUp, "")).Accepted)

	env.restart(t)
	reply := env.call(t, "loan_submit", topUp, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeDuplicate, reply.Error.Code)
}

func TestSubmitRequiresCurrentState(t *testing.T) {
	env := newTestEnv(t, nil)
	addr := env.deploy(t, "")

	msg := env.signed(t, env.borrower, addr, 0, loan.Cancel{})
	msg.State = ""
	reply := env.call(t, "loan_submit", loanSubmitParams{Escrow: addr.String(), Message: msg}, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeInvalidParams, reply.Error.Code)

	msg = env.signed(t, env.borrower, addr, 0, loan.Cancel{})
	msg.State = "0x" + strings.Repeat("ab", 32)
	reply = env.call(t, "loan_submit", loanSubmitParams{Escrow: addr.String(), Message: msg}, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeStaleState, reply.Error.Code)
}

func TestSubmitValidatesParams(t *testing.T) {
	env := newTestEnv(t, nil)
	addr := env.deploy(t, "")

	var other crypto.Address
	other[0] = 0x01
	msg := env.signed(t, env.borrower, other, 0, loan.Cancel{})
	reply := env.call(t, "loan_submit", loanSubmitParams{Escrow: addr.String(), Message: msg}, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeInvalidParams, reply.Error.Code)

	reply = env.call(t, "loan_get", loanAddressParams{Escrow: other.String()}, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeLoanNotFound, reply.Error.Code)

	reply = env.call(t, "loan_obligation", loanAddressParams{Escrow: addr.String()}, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeLoanRejected, reply.Error.Code)

	reply = env.call(t, "loan_unknown", nil, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeMethodNotFound, reply.Error.Code)

	reply = env.call(t, "loan_get", map[string]string{"escrow": addr.String(), "extra": "x"}, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeInvalidParams, reply.Error.Code)
}

func TestDeployRejectsWrongDestination(t *testing.T) {
	env := newTestEnv(t, nil)
	init := env.initConfig()
	var other crypto.Address
	other[0] = 0x02
	params := loanDeployParams{
		Borrower:   init.Borrower.String(),
		Collateral: init.Collateral.String(),
		Terms:      EncodeTerms(init.Terms),
		Message:    env.signed(t, env.borrower, other, 0, loan.Initialize{}),
	}
	reply := env.call(t, "loan_deploy", params, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeInvalidParams, reply.Error.Code)
}

func issueToken(t *testing.T, secret string, scopes ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "loanescrow",
		"aud":   "loand",
		"scope": strings.Join(scopes, " "),
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signedToken, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signedToken
}

func TestScopesGateSubmissions(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Auth = AuthConfig{HMACSecret: secret, Issuer: "loanescrow", Audience: "loand"}
	})
	submit := issueToken(t, secret, ScopeSubmit)
	relay := issueToken(t, secret, ScopeRelay)

	init := env.initConfig()
	addr, err := loan.DeriveAddress(init)
	require.NoError(t, err)
	deploy := loanDeployParams{
		Borrower:   init.Borrower.String(),
		Collateral: init.Collateral.String(),
		Terms:      EncodeTerms(init.Terms),
		Message:    env.signed(t, env.borrower, addr, 0, loan.Initialize{}),
	}
	reply := env.call(t, "loan_deploy", deploy, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeLoanForbidden, reply.Error.Code)

	env.deploy(t, submit)

	reply = env.call(t, "loan_submit", loanSubmitParams{
		Escrow:  addr.String(),
		Message: unsigned(t, env.collateral, addr, 0, loan.CollateralConfirmed{PrevOwner: init.Borrower}),
	}, submit)
	require.NotNil(t, reply.Error)
	require.Equal(t, codeLoanForbidden, reply.Error.Code)

	require.True(t, env.confirmCollateral(t, addr, relay).Accepted)

	reply = env.call(t, "loan_get", loanAddressParams{Escrow: addr.String()}, "")
	require.Nil(t, reply.Error)

	reply = env.call(t, "loan_get", loanAddressParams{Escrow: addr.String()}, issueToken(t, "wrong-secret-wrong-secret-wrong!!", ScopeSubmit))
	require.NotNil(t, reply.Error)
	require.Equal(t, http.StatusUnauthorized, reply.Status)
}

func TestRateLimitThrottles(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit = RateLimit{RequestsPerMinute: 1, Burst: 1}
	})
	reply := env.call(t, "loan_list", nil, "")
	require.Nil(t, reply.Error)
	reply = env.call(t, "loan_list", nil, "")
	require.NotNil(t, reply.Error)
	require.Equal(t, codeRateLimited, reply.Error.Code)
	require.Equal(t, http.StatusTooManyRequests, reply.Status)
}

func TestHealthzAndRequestID(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := env.srv.Client().Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, nil)
	addr := env.deploy(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/events?escrow=" + addr.String()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() events.Envelope {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var envelope events.Envelope
		require.NoError(t, json.Unmarshal(data, &envelope))
		return envelope
	}
	first := read()
	require.Equal(t, loan.EventTypeLoanDeployed, first.Event.Type)

	env.confirmCollateral(t, addr, "")
	next := read()
	require.Equal(t, loan.EventTypeLoanCollateralConfirmed, next.Event.Type)
	require.Greater(t, next.Sequence, first.Sequence)
}

func TestEventsStreamChecksOrigin(t *testing.T) {
	dial := func(env *testEnv) (*websocket.Conn, *http.Response, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/events"
		return websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{"http://evil.example"}},
		})
	}

	env := newTestEnv(t, nil)
	_, resp, err := dial(env)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	env = newTestEnv(t, func(cfg *Config) { cfg.AllowedOrigins = []string{"evil.example"} })
	conn, _, err := dial(env)
	require.NoError(t, err)
	conn.Close(websocket.StatusNormalClosure, "")
}
