// Package app wires the feature slices behind an HTTP surface: session
// management, per-feature form endpoints, and state reads for pollers.
package app

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/lending-experiment/lendstate/config"
	"github.com/lending-experiment/lendstate/internal/collateral"
	"github.com/lending-experiment/lendstate/internal/gasprice"
	"github.com/lending-experiment/lendstate/internal/lendapi"
	"github.com/lending-experiment/lendstate/internal/loancreate"
	"github.com/lending-experiment/lendstate/internal/markets"
	"github.com/lending-experiment/lendstate/internal/protocol"
	"github.com/lending-experiment/lendstate/internal/store"
	"github.com/lending-experiment/lendstate/internal/user"
	"github.com/lending-experiment/lendstate/internal/vaultstake"
)

// Service hosts one session's worth of slice state
type Service struct {
	router *mux.Router
	client *lendapi.Client

	session  *store.Field[*protocol.Session]
	provider *store.Field[*protocol.Provider]
	root     *store.Slice

	users      *user.Slice
	markets    *markets.Slice
	gas        *gasprice.Slice
	stake      *vaultstake.Slice
	collateral *collateral.Slice
	create     *loancreate.Slice
}

// NewService builds the slice graph and its routes
func NewService(cfg *config.Config) (*Service, error) {
	client, err := lendapi.NewClient(cfg.GatewayURL, cfg.Network, cfg.MetaStorePath)
	if err != nil {
		return nil, fmt.Errorf("create gateway client: %w", err)
	}

	root := store.NewSlice("app", cfg.CacheLimit)
	users := user.New(client, cfg.CacheLimit)
	mkts := markets.New(client, cfg.CacheLimit)

	s := &Service{
		router:     mux.NewRouter(),
		client:     client,
		root:       root,
		session:    store.NewField(root, "session", func() *protocol.Session { return nil }),
		provider:   store.NewField(root, "provider", func() *protocol.Provider { return nil }),
		users:      users,
		markets:    mkts,
		gas:        gasprice.New(client, cfg.CacheLimit),
		stake:      vaultstake.New(client, users, mkts, cfg.CacheLimit),
		collateral: collateral.New(client, users, mkts, cfg.CacheLimit),
		create:     loancreate.New(client, users, mkts, cfg.CacheLimit),
	}

	s.setupRoutes()
	return s, nil
}

// Close gracefully shuts down the service, closing the gateway client
func (s *Service) Close() error {
	s.stake.Wait()
	s.collateral.Wait()
	s.create.Wait()
	return s.client.Close()
}

// Router returns the HTTP router for testing
func (s *Service) Router() *mux.Router {
	return s.router
}

func (s *Service) setupRoutes() {
	s.router.Use(requestID)

	s.router.HandleFunc("/session/connect", s.handleConnect).Methods("POST")
	s.router.HandleFunc("/session/disconnect", s.handleDisconnect).Methods("POST")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/markets", s.handleMarkets).Methods("GET")
	s.router.HandleFunc("/markets/{id}/stats", s.handleMarketStats).Methods("GET")
	s.router.HandleFunc("/gas", s.handleGas).Methods("GET")
	s.router.HandleFunc("/user/balances/{id}", s.handleUserBalances).Methods("GET")

	s.router.HandleFunc("/vault-stake/amount", s.handleStakeAmount).Methods("POST")
	s.router.HandleFunc("/vault-stake/approve", s.handleStakeApprove).Methods("POST")
	s.router.HandleFunc("/vault-stake/submit", s.handleStakeSubmit).Methods("POST")
	s.router.HandleFunc("/vault-stake/state", s.handleStakeState).Methods("GET")
	s.router.HandleFunc("/vault-stake/reset", s.handleReset(func() { s.stake.Reset() })).Methods("POST", "DELETE")

	s.router.HandleFunc("/collateral-add/collateral", s.handleCollateralAmount).Methods("POST")
	s.router.HandleFunc("/collateral-add/approve", s.handleCollateralApprove).Methods("POST")
	s.router.HandleFunc("/collateral-add/submit", s.handleCollateralSubmit).Methods("POST")
	s.router.HandleFunc("/collateral-add/state", s.handleCollateralState).Methods("GET")
	s.router.HandleFunc("/collateral-add/reset", s.handleReset(func() { s.collateral.Reset() })).Methods("POST", "DELETE")

	s.router.HandleFunc("/loan-create/values", s.handleCreateValues).Methods("POST")
	s.router.HandleFunc("/loan-create/approve", s.handleCreateApprove).Methods("POST")
	s.router.HandleFunc("/loan-create/submit", s.handleCreateSubmit).Methods("POST")
	s.router.HandleFunc("/loan-create/state", s.handleCreateState).Methods("GET")
	s.router.HandleFunc("/loan-create/reset", s.handleReset(func() { s.create.Reset() })).Methods("POST", "DELETE")
}

// requestID tags every request for log correlation
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP listener
func (s *Service) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("App service starting on %s", addr)
	return http.ListenAndServe(addr, s.router)
}

type connectRequest struct {
	ChainID protocol.ChainID `json:"chain_id"`
	Signer  string           `json:"signer"`
}

// handleConnect installs a session. A different chain or signer than the
// current one is an identity switch: every slice resets before the new
// identity's data loads, so no state crosses identities.
func (s *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ChainID == 0 {
		http.Error(w, "chain_id is required", http.StatusBadRequest)
		return
	}

	next := &protocol.Session{ChainID: req.ChainID, Signer: common.HexToAddress(req.Signer)}
	prev := s.session.Get()
	if prev != nil && (prev.ChainID != next.ChainID || prev.Signer != next.Signer) {
		log.Printf("[App] identity switch %d/%s -> %d/%s, resetting slices",
			prev.ChainID, prev.SignerAddress(), next.ChainID, next.SignerAddress())
		s.resetAll()
	}
	s.session.Set(next)
	if next.SignerAddress() != "" {
		s.provider.Set(&protocol.Provider{Address: next.Signer})
	} else {
		s.provider.Set(nil)
	}

	ctx := r.Context()
	if _, err := s.markets.RefreshList(ctx, next.ChainID); err != nil {
		log.Printf("[App] market list load failed: %v", err)
	}
	if err := s.gas.Refresh(ctx, next.ChainID); err != nil {
		log.Printf("[App] gas info load failed: %v", err)
	}

	s.writeJSON(w, map[string]string{"status": "connected", "signer": next.SignerAddress()})
}

func (s *Service) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.resetAll()
	s.session.Set(nil)
	s.provider.Set(nil)
	s.writeJSON(w, map[string]string{"status": "disconnected"})
}

func (s *Service) resetAll() {
	s.users.Reset()
	s.markets.Reset()
	s.gas.Store().Reset()
	s.stake.Reset()
	s.collateral.Reset()
	s.create.Reset()
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "healthy"})
}

func (s *Service) currentSession(w http.ResponseWriter) *protocol.Session {
	session := s.session.Get()
	if session == nil {
		http.Error(w, "no session connected", http.StatusConflict)
		return nil
	}
	return session
}

func (s *Service) handleMarkets(w http.ResponseWriter, r *http.Request) {
	session := s.currentSession(w)
	if session == nil {
		return
	}
	list, ok := s.markets.List(session.ChainID)
	if !ok {
		var err error
		if list, err = s.markets.RefreshList(r.Context(), session.ChainID); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
	s.writeJSON(w, list)
}

func (s *Service) handleMarketStats(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["id"]
	stats, ok := s.markets.Stats(marketID)
	if !ok {
		if err := s.markets.RefreshStats(r.Context(), marketID); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		stats, _ = s.markets.Stats(marketID)
	}
	s.writeJSON(w, stats)
}

func (s *Service) handleGas(w http.ResponseWriter, r *http.Request) {
	snap := s.gas.Snapshot()
	resp := map[string]any{"chain_id": snap.ChainID}
	if snap.Base != nil {
		resp["base"] = snap.Base.Dec()
	}
	if snap.GasPrice != nil {
		resp["gas_price"] = snap.GasPrice.Dec()
	}
	maxes := make([]string, 0, len(snap.Max))
	for _, m := range snap.Max {
		maxes = append(maxes, m.Dec())
	}
	resp["max"] = maxes
	s.writeJSON(w, resp)
}

func (s *Service) handleUserBalances(w http.ResponseWriter, r *http.Request) {
	session := s.currentSession(w)
	if session == nil {
		return
	}
	balances, err := s.users.BalancesIfMissing(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, balances)
}

type amountRequest struct {
	MarketID string `json:"market_id"`
	Amount   string `json:"amount"`
}

type marketRequest struct {
	MarketID string `json:"market_id"`
}

func (s *Service) handleStakeAmount(w http.ResponseWriter, r *http.Request) {
	session := s.currentSession(w)
	if session == nil {
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.stake.SetAmount(r.Context(), session, req.MarketID, req.Amount)
	s.writeJSON(w, s.stake.Values())
}

func (s *Service) handleStakeApprove(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(session *protocol.Session, marketID string, provider *protocol.Provider, r *http.Request) error {
		return s.stake.Approve(r.Context(), session, marketID, provider)
	}, s.stake.Status)
}

func (s *Service) handleStakeSubmit(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(session *protocol.Session, marketID string, provider *protocol.Provider, r *http.Request) error {
		return s.stake.Stake(r.Context(), session, marketID, provider)
	}, s.stake.Status)
}

func (s *Service) handleStakeState(w http.ResponseWriter, r *http.Request) {
	estGas, _ := s.stake.EstGas()
	s.writeJSON(w, map[string]any{
		"active_key":  s.stake.Store().ActiveKey(),
		"writes":      s.stake.Store().Writes(),
		"form_values": s.stake.Values(),
		"form_status": s.stake.Status(),
		"est_gas":     estGas,
	})
}

func (s *Service) handleCollateralAmount(w http.ResponseWriter, r *http.Request) {
	session := s.currentSession(w)
	if session == nil {
		return
	}
	var req struct {
		MarketID   string `json:"market_id"`
		Collateral string `json:"collateral"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.collateral.SetCollateral(r.Context(), session, req.MarketID, req.Collateral)
	s.writeJSON(w, s.collateral.Values())
}

func (s *Service) handleCollateralApprove(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(session *protocol.Session, marketID string, provider *protocol.Provider, r *http.Request) error {
		return s.collateral.Approve(r.Context(), session, marketID, provider)
	}, s.collateral.Status)
}

func (s *Service) handleCollateralSubmit(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(session *protocol.Session, marketID string, provider *protocol.Provider, r *http.Request) error {
		return s.collateral.AddCollateral(r.Context(), session, marketID, provider)
	}, s.collateral.Status)
}

func (s *Service) handleCollateralState(w http.ResponseWriter, r *http.Request) {
	detail, _ := s.collateral.Detail()
	estGas, _ := s.collateral.EstGas()
	s.writeJSON(w, map[string]any{
		"active_key":  s.collateral.Store().ActiveKey(),
		"writes":      s.collateral.Store().Writes(),
		"form_values": s.collateral.Values(),
		"form_status": s.collateral.Status(),
		"detail_info": detail,
		"est_gas":     estGas,
	})
}

func (s *Service) handleCreateValues(w http.ResponseWriter, r *http.Request) {
	session := s.currentSession(w)
	if session == nil {
		return
	}
	var req struct {
		MarketID       string `json:"market_id"`
		UserCollateral string `json:"user_collateral"`
		Debt           string `json:"debt"`
		N              int    `json:"n"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.create.SetValues(r.Context(), session, req.MarketID, loancreate.FormValues{
		UserCollateral: req.UserCollateral,
		Debt:           req.Debt,
		N:              req.N,
	})
	s.writeJSON(w, s.create.Values())
}

func (s *Service) handleCreateApprove(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(session *protocol.Session, marketID string, provider *protocol.Provider, r *http.Request) error {
		return s.create.Approve(r.Context(), session, marketID, provider)
	}, s.create.Status)
}

func (s *Service) handleCreateSubmit(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(session *protocol.Session, marketID string, provider *protocol.Provider, r *http.Request) error {
		return s.create.Create(r.Context(), session, marketID, provider)
	}, s.create.Status)
}

func (s *Service) handleCreateState(w http.ResponseWriter, r *http.Request) {
	session := s.session.Get()
	detail, _ := s.create.Detail()
	estGas, _ := s.create.EstGas()
	resp := map[string]any{
		"active_key":  s.create.Store().ActiveKey(),
		"writes":      s.create.Store().Writes(),
		"form_values": s.create.Values(),
		"form_status": s.create.Status(),
		"detail_info": detail,
		"est_gas":     estGas,
	}
	if session != nil {
		if maxRecv, ok := s.create.MaxRecv(session, r.URL.Query().Get("market_id")); ok {
			resp["max_recv"] = maxRecv
		}
		if ranges, ok := s.create.LiqRanges(session, r.URL.Query().Get("market_id")); ok {
			resp["liq_ranges"] = ranges
		}
	}
	s.writeJSON(w, resp)
}

// runStep decodes the shared step request shape, runs the step, and answers
// with the resulting status. Pipeline guard violations map to 409.
func (s *Service) runStep(w http.ResponseWriter, r *http.Request,
	step func(*protocol.Session, string, *protocol.Provider, *http.Request) error,
	status func() protocol.FormStatus) {

	session := s.currentSession(w)
	if session == nil {
		return
	}
	var req marketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := step(session, req.MarketID, s.provider.Get(), r); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, status())
}

func (s *Service) handleReset(reset func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reset()
		s.writeJSON(w, map[string]string{"status": "reset"})
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[App] encode response: %v", err)
	}
}
