package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lending-experiment/lendstate/config"
	"github.com/lending-experiment/lendstate/internal/network"
	"github.com/lending-experiment/lendstate/internal/protocol"
)

// mockGateway is a stand-in lending gateway that echoes active keys back,
// the contract every fetch relies on.
func mockGateway(t *testing.T) *httptest.Server {
	t.Helper()

	type formReq struct {
		ActiveKey string            `json:"active_key"`
		MarketID  string            `json:"market_id"`
		Amounts   map[string]string `json:"amounts"`
	}
	decode := func(r *http.Request) formReq {
		var req formReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		return req
	}
	type userReq struct {
		UserActiveKey string `json:"user_active_key"`
	}

	// Allowance flips once the approve tx lands
	var approved atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/markets", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]protocol.Market{
			{ID: "one-way-market-0", DefaultBands: 10},
		})
	})
	mux.HandleFunc("/markets/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/stats"):
			json.NewEncoder(w).Encode(map[string]string{
				"market_id": "one-way-market-0", "total_supplied": "5000",
			})
		case strings.HasSuffix(r.URL.Path, "/meta"):
			json.NewEncoder(w).Encode(map[string]any{
				"market": protocol.Market{ID: "one-way-market-0"},
			})
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/gas", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"chain_id": 1, "base": "20000000000", "priority": []string{"1000000000"},
		})
	})
	mux.HandleFunc("/user/balances", func(w http.ResponseWriter, r *http.Request) {
		var req userReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]string{
			"user_active_key": req.UserActiveKey,
			"collateral":      "100",
			"vault_shares":    "50",
		})
	})
	mux.HandleFunc("/user/loan-exists", func(w http.ResponseWriter, r *http.Request) {
		var req userReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"user_active_key": req.UserActiveKey, "loan_exists": false,
		})
	})
	mux.HandleFunc("/vault-stake/est-gas-approval", func(w http.ResponseWriter, r *http.Request) {
		req := decode(r)
		json.NewEncoder(w).Encode(map[string]any{
			"active_key": req.ActiveKey, "estimated_gas": 21000, "is_approved": approved.Load(),
		})
	})
	mux.HandleFunc("/vault-stake/approve", func(w http.ResponseWriter, r *http.Request) {
		req := decode(r)
		approved.Store(true)
		json.NewEncoder(w).Encode(map[string]any{
			"active_key": req.ActiveKey, "hashes": []string{"0xaaa"},
		})
	})
	mux.HandleFunc("/vault-stake/submit", func(w http.ResponseWriter, r *http.Request) {
		req := decode(r)
		json.NewEncoder(w).Encode(map[string]any{
			"active_key": req.ActiveKey, "hash": "0xbbb",
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	gateway := mockGateway(t)
	svc, err := NewService(&config.Config{
		GatewayURL: gateway.URL,
		CacheLimit: config.DefaultCacheLimit,
		Network:    network.NetworkConfig{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func doJSON(t *testing.T, svc *Service, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	return w
}

func connect(t *testing.T, svc *Service) {
	t.Helper()
	w := doJSON(t, svc, "POST", "/session/connect", map[string]any{
		"chain_id": 1,
		"signer":   "0x00000000000000000000000000000000000000aa",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestService_RequiresSession(t *testing.T) {
	svc := newTestService(t)

	w := doJSON(t, svc, "POST", "/vault-stake/amount", map[string]string{
		"market_id": "one-way-market-0", "amount": "10",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestService_ConnectLoadsMarketsAndGas(t *testing.T) {
	svc := newTestService(t)
	connect(t, svc)

	w := doJSON(t, svc, "GET", "/markets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []protocol.Market
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "one-way-market-0", list[0].ID)

	w = doJSON(t, svc, "GET", "/gas", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var gas map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gas))
	assert.Equal(t, "20000000000", gas["base"])
}

func TestService_RequestIDHeader(t *testing.T) {
	svc := newTestService(t)
	w := doJSON(t, svc, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestService_StakeFlow(t *testing.T) {
	svc := newTestService(t)
	connect(t, svc)

	w := doJSON(t, svc, "POST", "/vault-stake/amount", map[string]string{
		"market_id": "one-way-market-0", "amount": "10",
	})
	require.Equal(t, http.StatusOK, w.Code)
	svc.stake.Wait()

	w = doJSON(t, svc, "GET", "/vault-stake/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	var key string
	require.NoError(t, json.Unmarshal(state["active_key"], &key))
	assert.Equal(t, "1-STAKE-one-way-market-0-10", key)

	w = doJSON(t, svc, "POST", "/vault-stake/approve", map[string]string{
		"market_id": "one-way-market-0",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	svc.stake.Wait()

	w = doJSON(t, svc, "POST", "/vault-stake/submit", map[string]string{
		"market_id": "one-way-market-0",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var status protocol.FormStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.IsComplete)
	assert.True(t, status.IsApproved)
}

func TestService_SubmitBeforeApproveRejected(t *testing.T) {
	svc := newTestService(t)
	connect(t, svc)

	w := doJSON(t, svc, "POST", "/vault-stake/amount", map[string]string{
		"market_id": "one-way-market-0", "amount": "10",
	})
	require.Equal(t, http.StatusOK, w.Code)
	svc.stake.Wait()

	w = doJSON(t, svc, "POST", "/vault-stake/submit", map[string]string{
		"market_id": "one-way-market-0",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestService_IdentitySwitchResetsState(t *testing.T) {
	svc := newTestService(t)
	connect(t, svc)

	w := doJSON(t, svc, "POST", "/vault-stake/amount", map[string]string{
		"market_id": "one-way-market-0", "amount": "10",
	})
	require.Equal(t, http.StatusOK, w.Code)
	svc.stake.Wait()
	require.NotEmpty(t, svc.stake.Store().ActiveKey())

	// Same chain, different signer
	w = doJSON(t, svc, "POST", "/session/connect", map[string]any{
		"chain_id": 1,
		"signer":   "0x00000000000000000000000000000000000000bb",
	})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Empty(t, svc.stake.Store().ActiveKey(), "form state must not survive an identity switch")
	assert.Empty(t, svc.stake.Values().Amount)
}

func TestService_DisconnectClearsSession(t *testing.T) {
	svc := newTestService(t)
	connect(t, svc)

	w := doJSON(t, svc, "POST", "/session/disconnect", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, svc, "GET", "/markets", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestService_ResetEndpoint(t *testing.T) {
	svc := newTestService(t)
	connect(t, svc)

	w := doJSON(t, svc, "POST", "/vault-stake/amount", map[string]string{
		"market_id": "one-way-market-0", "amount": "10",
	})
	require.Equal(t, http.StatusOK, w.Code)
	svc.stake.Wait()

	w = doJSON(t, svc, "POST", "/vault-stake/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, svc.stake.Store().ActiveKey())
}

func TestService_MarketStatsOnDemand(t *testing.T) {
	svc := newTestService(t)
	connect(t, svc)

	w := doJSON(t, svc, "GET", fmt.Sprintf("/markets/%s/stats", "one-way-market-0"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "5000", stats["total_supplied"])
}
