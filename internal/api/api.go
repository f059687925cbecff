// Package api exposes the read-only REST surface and Telegram login
// endpoint alongside the WebSocket gateway (spec §6.2).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/btc1m/exchange/internal/auth"
	"github.com/btc1m/exchange/internal/ledger"
	"github.com/btc1m/exchange/internal/round"
)

// Server provides REST API endpoints for the exchange.
type Server struct {
	store    *ledger.Store
	markets  *round.Controller
	verifier *auth.Verifier
	startAt  time.Time
}

// NewServer creates a new API server.
func NewServer(store *ledger.Store, markets *round.Controller, verifier *auth.Verifier) *Server {
	return &Server{store: store, markets: markets, verifier: verifier, startAt: time.Now()}
}

// Register attaches API routes to the given mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/outcomes", s.handleOutcomes)
	mux.HandleFunc("GET /api/markets", s.handleMarkets)
	mux.HandleFunc("GET /api/market/{slug}", s.handleMarket)
	mux.HandleFunc("POST /api/auth/telegram", s.handleTelegramAuth)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntParam(r *http.Request, key string, def, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
