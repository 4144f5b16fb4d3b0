package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"caspero/core/state"
	"caspero/core/types"
	"caspero/native/escrow"
	"caspero/native/staking"
	"caspero/storage"
)

const testToken = "local-test-token"

type testServer struct {
	server  *Server
	manager *state.Manager
	adapter *staking.Static
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	t.Setenv(authTokenEnv, testToken)

	manager := state.NewManager(storage.NewMemDB())
	adapter := staking.NewStatic()
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetAdapter(adapter)
	engine.SetVault(addressOf(0xEE))
	engine.SetOwner(addressOf(0xA0))

	return &testServer{
		server:  NewServer(engine, nil),
		manager: manager,
		adapter: adapter,
	}
}

func addressOf(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func hexAddress(fill byte) string {
	addr := addressOf(fill)
	return fmt.Sprintf("0x%x", addr[:])
}

func (ts *testServer) fund(t *testing.T, fill byte, amount int64) {
	t.Helper()
	err := ts.manager.PutAccount(addressOf(fill), &types.Account{Balance: big.NewInt(amount)})
	require.NoError(t, err)
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func (ts *testServer) call(t *testing.T, authed bool, method string, params interface{}) (int, rpcEnvelope) {
	t.Helper()
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		body["params"] = []interface{}{params}
	}
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	recorder := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(recorder, req)

	var envelope rpcEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	return recorder.Code, envelope
}

func (ts *testServer) mustCall(t *testing.T, method string, params interface{}, result interface{}) {
	t.Helper()
	status, envelope := ts.call(t, true, method, params)
	require.Equalf(t, http.StatusOK, status, "%s: %+v", method, envelope.Error)
	require.Nil(t, envelope.Error)
	if result != nil {
		require.NoError(t, json.Unmarshal(envelope.Result, result))
	}
}

func requireErrorData(t *testing.T, envelope rpcEnvelope, wantCode uint32, wantRetryable bool) {
	t.Helper()
	require.NotNil(t, envelope.Error)
	var data errorData
	require.NoError(t, json.Unmarshal(envelope.Error.Data, &data))
	require.Equal(t, wantCode, data.Code)
	require.Equal(t, wantRetryable, data.Retryable)
}

func TestCreateJoinWithdrawFlow(t *testing.T) {
	ts := newTestServer(t)

	var created escrowCreateResult
	ts.mustCall(t, "escrow_create", escrowCreateParams{
		Creator:     hexAddress(0x01),
		Code:        "pair",
		TotalAmount: "200",
		NumFriends:  2,
	}, &created)
	require.Equal(t, "pair", created.Code)

	for _, fill := range []byte{0x11, 0x12} {
		ts.fund(t, fill, 100)
		ts.mustCall(t, "escrow_join", escrowJoinParams{
			Code:   "pair",
			Caller: hexAddress(fill),
			Amount: "100",
		}, nil)
	}

	var view escrowJSON
	ts.mustCall(t, "escrow_get", escrowCodeParams{Code: "pair"}, &view)
	require.Equal(t, "complete", view.Status)
	require.Equal(t, uint8(2), view.JoinedCount)
	require.Equal(t, "200", view.InitialDerivative)

	ts.adapter.AccrueRewards(big.NewInt(20))
	ts.mustCall(t, "escrow_withdraw", escrowActorParams{Code: "pair", Caller: hexAddress(0x11)}, nil)

	var participant participantJSON
	ts.mustCall(t, "escrow_participantStatus", escrowParticipantParams{
		Code:        "pair",
		Participant: hexAddress(0x11),
	}, &participant)
	require.True(t, participant.Joined)
	require.True(t, participant.Withdrawn)
	require.Equal(t, "10", participant.YieldPaid)

	var refs []userEscrowJSON
	ts.mustCall(t, "escrow_listUserEscrows", escrowUserParams{User: hexAddress(0x01)}, &refs)
	require.Len(t, refs, 1)
	require.True(t, refs[0].IsCreator)
}

func TestMutatingCallsRequireAuth(t *testing.T) {
	ts := newTestServer(t)

	status, envelope := ts.call(t, false, "escrow_create", escrowCreateParams{
		Creator:     hexAddress(0x01),
		TotalAmount: "200",
		NumFriends:  2,
	})
	require.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeUnauthorized, envelope.Error.Code)

	// Reads stay open.
	ts.mustCall(t, "escrow_create", escrowCreateParams{
		Creator:     hexAddress(0x01),
		Code:        "pair",
		TotalAmount: "200",
		NumFriends:  2,
	}, nil)
	status, envelope = ts.call(t, false, "escrow_get", escrowCodeParams{Code: "pair"})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, envelope.Error)
}

func TestAuthWithoutConfiguredToken(t *testing.T) {
	t.Setenv(authTokenEnv, "")
	engine := escrow.NewEngine()
	engine.SetState(state.NewManager(storage.NewMemDB()))
	server := NewServer(engine, nil)

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"escrow_create","params":[{}]}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer anything")
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestInvalidParamValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name   string
		method string
		params interface{}
	}{
		{"bad creator address", "escrow_create", escrowCreateParams{Creator: "0xzz", TotalAmount: "200", NumFriends: 2}},
		{"short address", "escrow_create", escrowCreateParams{Creator: "0xabcd", TotalAmount: "200", NumFriends: 2}},
		{"non-numeric amount", "escrow_create", escrowCreateParams{Creator: hexAddress(0x01), TotalAmount: "lots", NumFriends: 2}},
		{"zero amount", "escrow_create", escrowCreateParams{Creator: hexAddress(0x01), TotalAmount: "0", NumFriends: 2}},
		{"bad join caller", "escrow_join", escrowJoinParams{Code: "pair", Caller: "", Amount: "100"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, envelope := ts.call(t, true, tc.method, tc.params)
			require.Equal(t, http.StatusBadRequest, status)
			require.NotNil(t, envelope.Error)
			require.Equal(t, codeEscrowInvalidParams, envelope.Error.Code)
		})
	}
}

func TestEngineErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.mustCall(t, "escrow_create", escrowCreateParams{
		Creator:     hexAddress(0x01),
		Code:        "pair",
		TotalAmount: "200",
		NumFriends:  2,
	}, nil)

	t.Run("not found is 404", func(t *testing.T) {
		status, envelope := ts.call(t, true, "escrow_get", escrowCodeParams{Code: "missing"})
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, codeEscrowNotFound, envelope.Error.Code)
		requireErrorData(t, envelope, escrow.ErrEscrowNotFound.Code, false)
	})

	t.Run("duplicate code is conflict", func(t *testing.T) {
		status, envelope := ts.call(t, true, "escrow_create", escrowCreateParams{
			Creator:     hexAddress(0x01),
			Code:        "pair",
			TotalAmount: "200",
			NumFriends:  2,
		})
		require.Equal(t, http.StatusConflict, status)
		require.Equal(t, codeEscrowConflict, envelope.Error.Code)
		requireErrorData(t, envelope, escrow.ErrEscrowExists.Code, false)
	})

	t.Run("foreign cancel is forbidden", func(t *testing.T) {
		status, envelope := ts.call(t, true, "escrow_cancel", escrowActorParams{Code: "pair", Caller: hexAddress(0x42)})
		require.Equal(t, http.StatusForbidden, status)
		require.Equal(t, codeEscrowForbidden, envelope.Error.Code)
		requireErrorData(t, envelope, escrow.ErrNotCreator.Code, false)
	})

	t.Run("early withdraw is conflict", func(t *testing.T) {
		status, envelope := ts.call(t, true, "escrow_withdraw", escrowActorParams{Code: "pair", Caller: hexAddress(0x11)})
		require.Equal(t, http.StatusConflict, status)
		requireErrorData(t, envelope, escrow.ErrEscrowNotComplete.Code, false)
	})

	t.Run("staking failure is retryable upstream", func(t *testing.T) {
		ts.fund(t, 0x11, 100)
		ts.adapter.FailNext("stake", fmt.Errorf("node unavailable"))
		defer ts.adapter.FailNext("stake", nil)
		status, envelope := ts.call(t, true, "escrow_join", escrowJoinParams{
			Code:   "pair",
			Caller: hexAddress(0x11),
			Amount: "100",
		})
		require.Equal(t, http.StatusBadGateway, status)
		require.Equal(t, codeEscrowUpstream, envelope.Error.Code)
		requireErrorData(t, envelope, escrow.ErrStakingFailed.Code, true)
	})
}

func TestCancelResultRendering(t *testing.T) {
	ts := newTestServer(t)
	ts.mustCall(t, "escrow_create", escrowCreateParams{
		Creator:     hexAddress(0x01),
		Code:        "trip",
		TotalAmount: "300",
		NumFriends:  3,
	}, nil)
	ts.fund(t, 0x11, 100)
	ts.mustCall(t, "escrow_join", escrowJoinParams{Code: "trip", Caller: hexAddress(0x11), Amount: "100"}, nil)

	var result cancelResultJSON
	ts.mustCall(t, "escrow_cancel", escrowActorParams{Code: "trip", Caller: hexAddress(0x01)}, &result)
	require.Equal(t, 1, result.RefundCount)
	require.Equal(t, []string{hexAddress(0x11)}, result.Refunded)
	require.Empty(t, result.Failed)
}

func TestAdminHandleMethods(t *testing.T) {
	ts := newTestServer(t)

	status, envelope := ts.call(t, true, "escrow_setLiquidStakingContract", escrowHandleParams{
		Caller: hexAddress(0x42),
		Handle: hexAddress(0xC1),
	})
	require.Equal(t, http.StatusForbidden, status)
	requireErrorData(t, envelope, escrow.ErrNotOwner.Code, false)

	ts.mustCall(t, "escrow_setLiquidStakingContract", escrowHandleParams{
		Caller: hexAddress(0xA0),
		Handle: hexAddress(0xC1),
	}, nil)
	ts.mustCall(t, "escrow_setTokenContract", escrowHandleParams{
		Caller: hexAddress(0xA0),
		Handle: hexAddress(0xC2),
	}, nil)

	contract, token, err := ts.manager.StakingHandlesGet()
	require.NoError(t, err)
	require.Equal(t, addressOf(0xC1), contract)
	require.Equal(t, addressOf(0xC2), token)
}

func TestRequestMetricsSegmentByOutcome(t *testing.T) {
	ts := newTestServer(t)

	ts.mustCall(t, "escrow_create", escrowCreateParams{
		Creator:     hexAddress(0x01),
		Code:        "metrics",
		TotalAmount: "200",
		NumFriends:  2,
	}, nil)
	status, _ := ts.call(t, true, "escrow_get", escrowCodeParams{Code: "nowhere"})
	require.Equal(t, http.StatusNotFound, status)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recorder := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	body := recorder.Body.String()
	require.Contains(t, body, `caspero_escrow_requests_total{method="escrow_create",outcome="ok"}`)
	require.Contains(t, body, `caspero_escrow_requests_total{method="escrow_get",outcome="error"}`)
	require.NotContains(t, body, `outcome="handled"`)
}

func TestTransportValidation(t *testing.T) {
	ts := newTestServer(t)

	t.Run("method not found", func(t *testing.T) {
		status, envelope := ts.call(t, true, "escrow_unknown", nil)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, codeMethodNotFound, envelope.Error.Code)
	})

	t.Run("GET rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		recorder := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(recorder, req)
		require.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{not json")))
		recorder := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(recorder, req)
		require.Equal(t, http.StatusBadRequest, recorder.Code)
	})

	t.Run("healthz", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		recorder := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(recorder, req)
		require.Equal(t, http.StatusOK, recorder.Code)
	})
}
