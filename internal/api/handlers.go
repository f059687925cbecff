package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/btc1m/exchange/internal/auth"
	"github.com/btc1m/exchange/internal/round"
)

type pricePointJSON struct {
	TimestampMillis int64 `json:"timestampMillis"`
	PriceCents      int64 `json:"priceCents"`
}

// handleHistory serves GET /api/history?limit=N, capped at 500
// reference-price samples, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 100, 500)
	points, err := s.store.GetPriceHistory(r.Context(), int64(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load price history")
		return
	}
	out := make([]pricePointJSON, len(points))
	for i, p := range points {
		out[i] = pricePointJSON{TimestampMillis: p.TimestampMillis, PriceCents: p.PriceCents}
	}
	writeJSON(w, http.StatusOK, out)
}

type marketOutcomeJSON struct {
	RoundStart  int64  `json:"roundStart"`
	Slug        string `json:"slug"`
	PriceToBeat int64  `json:"priceToBeatCents"`
	FinalPrice  int64  `json:"finalPriceCents"`
	Outcome     string `json:"outcome"`
}

// handleOutcomes serves GET /api/outcomes?limit=N, capped at 50 settled
// rounds, newest first.
func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 20, 50)
	entries, err := s.store.GetSettledMarkets(r.Context(), int64(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settled markets")
		return
	}
	out := make([]marketOutcomeJSON, len(entries))
	for i, e := range entries {
		out[i] = marketOutcomeJSON{
			RoundStart: e.RoundStart, Slug: e.Slug,
			PriceToBeat: e.PriceToBeat, FinalPrice: e.FinalPrice, Outcome: e.Outcome,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type marketJSON struct {
	RoundStart  int64   `json:"roundStart"`
	Slug        string  `json:"slug"`
	Phase       string  `json:"phase"`
	PriceToBeat *int64  `json:"priceToBeatCents,omitempty"`
	FinalPrice  *int64  `json:"finalPriceCents,omitempty"`
	Outcome     *string `json:"outcome,omitempty"`
}

func toMarketJSON(m round.Market) marketJSON {
	mj := marketJSON{
		RoundStart:  m.MinuteStartMillis,
		Slug:        m.Slug,
		Phase:       string(m.Phase),
		PriceToBeat: m.PriceToBeat,
		FinalPrice:  m.FinalPrice,
	}
	if m.Phase == round.PhaseClosed {
		o := string(m.Outcome)
		mj.Outcome = &o
	}
	return mj
}

// handleMarkets serves GET /api/markets: the live rolling window of markets
// the round controller currently tracks in memory.
func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.markets.MarketList()
	out := make([]marketJSON, len(markets))
	for i, m := range markets {
		out[i] = toMarketJSON(m)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMarket serves GET /api/market/:slug, falling back to the persisted
// store for markets that have aged out of the controller's in-memory window.
func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if m, ok := s.markets.Market(slug); ok {
		writeJSON(w, http.StatusOK, toMarketJSON(m))
		return
	}
	entry, err := s.store.GetMarketBySlug(r.Context(), slug)
	if errors.Is(err, mongo.ErrNoDocuments) {
		writeError(w, http.StatusNotFound, "market not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load market")
		return
	}
	outcome := entry.Outcome
	writeJSON(w, http.StatusOK, marketJSON{
		RoundStart:  entry.RoundStart,
		Slug:        entry.Slug,
		Phase:       string(round.PhaseClosed),
		PriceToBeat: &entry.PriceToBeat,
		FinalPrice:  &entry.FinalPrice,
		Outcome:     &outcome,
	})
}

type telegramAuthRequest struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	PhotoURL  string `json:"photo_url"`
	AuthDate  int64  `json:"auth_date"`
	Hash      string `json:"hash"`
}

type telegramAuthResponse struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// handleTelegramAuth serves POST /api/auth/telegram: verifies a Telegram
// Login Widget claim, provisions the user's ledger row on first login, and
// issues a bearer session token.
func (s *Server) handleTelegramAuth(w http.ResponseWriter, r *http.Request) {
	var req telegramAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claim := auth.Claim{
		ID: req.ID, FirstName: req.FirstName, LastName: req.LastName,
		Username: req.Username, PhotoURL: req.PhotoURL, AuthDate: req.AuthDate, Hash: req.Hash,
	}
	userID, err := s.verifier.Verify(claim, time.Now())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	if err := s.store.CreateUser(r.Context(), userID, time.Now().UnixMilli()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to provision user")
		return
	}

	token := s.verifier.IssueToken(userID, time.Now())
	writeJSON(w, http.StatusOK, telegramAuthResponse{UserID: userID, Token: token})
}
