// mockgateway is a self-contained lending gateway for local development:
// deterministic previews, an in-memory allowance table, and the active-key
// echo contract the engine's fetches rely on.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type formRequest struct {
	ActiveKey   string            `json:"active_key"`
	MarketID    string            `json:"market_id"`
	Signer      string            `json:"signer"`
	Amounts     map[string]string `json:"amounts"`
	NBands      int               `json:"n"`
	MaxSlippage string            `json:"max_slippage"`
}

type userRequest struct {
	UserActiveKey string `json:"user_active_key"`
	MarketID      string `json:"market_id"`
	Signer        string `json:"signer"`
}

type gateway struct {
	router *mux.Router

	mu       sync.Mutex
	approved map[string]bool // signer+market -> allowance granted
	loans    map[string]bool // signer+market -> loan open
}

func newGateway() *gateway {
	g := &gateway{
		router:   mux.NewRouter(),
		approved: make(map[string]bool),
		loans:    make(map[string]bool),
	}
	g.setupRoutes()
	return g
}

func (g *gateway) setupRoutes() {
	for _, feature := range []string{"vault-stake", "collateral-add", "loan-create"} {
		g.router.HandleFunc("/"+feature+"/detail", g.handleDetail).Methods("POST")
		g.router.HandleFunc("/"+feature+"/est-gas-approval", g.handleEstGas).Methods("POST")
		g.router.HandleFunc("/"+feature+"/max-recv", g.handleMaxRecv).Methods("POST")
		g.router.HandleFunc("/"+feature+"/liq-ranges", g.handleLiqRanges).Methods("POST")
		g.router.HandleFunc("/"+feature+"/approve", g.handleApprove).Methods("POST")
		g.router.HandleFunc("/"+feature+"/submit", g.handleSubmit).Methods("POST")
	}
	g.router.HandleFunc("/user/balances", g.handleBalances).Methods("POST")
	g.router.HandleFunc("/user/loan-exists", g.handleLoanExists).Methods("POST")
	g.router.HandleFunc("/markets", g.handleMarkets).Methods("GET")
	g.router.HandleFunc("/markets/{id}/stats", g.handleStats).Methods("GET")
	g.router.HandleFunc("/markets/{id}/meta", g.handleMeta).Methods("GET")
	g.router.HandleFunc("/gas", g.handleGas).Methods("GET")
	g.router.HandleFunc("/health", g.handleHealth).Methods("GET")
}

func decodeForm(w http.ResponseWriter, r *http.Request) (formRequest, bool) {
	var req formRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (g *gateway) grantKey(req formRequest) string {
	return req.Signer + "/" + req.MarketID
}

// handleDetail fakes a health computation: more collateral helps, more debt
// hurts, scaled into a plausible percentage.
func (g *gateway) handleDetail(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeForm(w, r)
	if !ok {
		return
	}
	collateral := parseAmount(req.Amounts["collateral"], req.Amounts["userCollateral"], req.Amounts["amount"])
	debt := parseAmount(req.Amounts["debt"])

	health := new(big.Rat).SetInt64(100)
	if debt.Sign() > 0 {
		ratio := new(big.Rat).Quo(collateral, debt)
		health = ratio.Mul(ratio, big.NewRat(50, 1))
	}
	writeJSON(w, map[string]any{
		"active_key":      req.ActiveKey,
		"health_full":     health.FloatString(2),
		"health_not_full": new(big.Rat).Mul(health, big.NewRat(9, 10)).FloatString(2),
		"preview":         collateral.FloatString(2),
		"bands":           [2]int{0, req.NBands},
		"prices":          []string{"1950.00", "2050.00"},
	})
}

func (g *gateway) handleEstGas(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeForm(w, r)
	if !ok {
		return
	}
	g.mu.Lock()
	approved := g.approved[g.grantKey(req)]
	g.mu.Unlock()

	gas := uint64(290000)
	if approved {
		gas = 210000 // no embedded allowance tx
	}
	writeJSON(w, map[string]any{
		"active_key":    req.ActiveKey,
		"estimated_gas": gas,
		"is_approved":   approved,
	})
}

func (g *gateway) handleMaxRecv(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeForm(w, r)
	if !ok {
		return
	}
	collateral := parseAmount(req.Amounts["collateral"], req.Amounts["userCollateral"])
	// Flat 2000 borrowable per collateral unit at 80% LTV
	maxRecv := new(big.Rat).Mul(collateral, big.NewRat(1600, 1))
	writeJSON(w, map[string]any{
		"active_key": req.ActiveKey,
		"max_recv":   maxRecv.FloatString(2),
	})
}

func (g *gateway) handleLiqRanges(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeForm(w, r)
	if !ok {
		return
	}
	collateral := parseAmount(req.Amounts["collateral"], req.Amounts["userCollateral"])
	ranges := make([]map[string]any, 0, 10)
	for n := 4; n <= 40; n += 4 {
		discount := big.NewRat(int64(100-n), 100)
		maxRecv := new(big.Rat).Mul(collateral, new(big.Rat).Mul(big.NewRat(1600, 1), discount))
		ranges = append(ranges, map[string]any{
			"n":        n,
			"prices":   []string{"1950.00", "2050.00"},
			"max_recv": maxRecv.FloatString(2),
		})
	}
	writeJSON(w, map[string]any{"active_key": req.ActiveKey, "ranges": ranges})
}

func (g *gateway) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeForm(w, r)
	if !ok {
		return
	}
	g.mu.Lock()
	g.approved[g.grantKey(req)] = true
	g.mu.Unlock()
	log.Printf("Allowance granted for %s on %s", req.Signer, req.MarketID)
	writeJSON(w, map[string]any{
		"active_key": req.ActiveKey,
		"hashes":     []string{txHash()},
	})
}

func (g *gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeForm(w, r)
	if !ok {
		return
	}
	g.mu.Lock()
	approved := g.approved[g.grantKey(req)]
	if approved {
		g.loans[g.grantKey(req)] = true
	}
	g.mu.Unlock()

	if !approved {
		writeJSON(w, map[string]any{"active_key": req.ActiveKey, "error": "insufficient allowance"})
		return
	}
	log.Printf("Action submitted for %s on %s", req.Signer, req.MarketID)
	writeJSON(w, map[string]any{"active_key": req.ActiveKey, "hash": txHash()})
}

func (g *gateway) handleBalances(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"user_active_key": req.UserActiveKey,
		"collateral":      "25.00",
		"borrowed":        "0.00",
		"vault_shares":    "1000.00",
	})
}

func (g *gateway) handleLoanExists(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.mu.Lock()
	exists := g.loans[req.Signer+"/"+req.MarketID]
	g.mu.Unlock()
	writeJSON(w, map[string]any{"user_active_key": req.UserActiveKey, "loan_exists": exists})
}

func (g *gateway) handleMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, []map[string]any{
		{"id": "one-way-market-0", "default_bands": 10},
		{"id": "one-way-market-1", "default_bands": 4},
	})
}

func (g *gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"market_id":      mux.Vars(r)["id"],
		"total_supplied": "1250000.00",
		"total_borrowed": "310000.00",
		"available":      "940000.00",
	})
}

func (g *gateway) handleMeta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"market": map[string]any{"id": mux.Vars(r)["id"], "default_bands": 10},
	})
}

func (g *gateway) handleGas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"chain_id": 1,
		"base":     "20000000000",
		"priority": []string{"3000000000", "1500000000", "1000000000"},
	})
}

func (g *gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func parseAmount(candidates ...string) *big.Rat {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if v, ok := new(big.Rat).SetString(c); ok {
			return v
		}
	}
	return new(big.Rat)
}

func txHash() string {
	return "0x" + uuid.New().String()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func main() {
	port := flag.Int("port", 8545, "HTTP port")
	flag.Parse()

	g := newGateway()
	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock gateway listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, g.router))
}
