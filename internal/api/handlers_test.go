package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btc1m/exchange/internal/pricefeed"
	"github.com/btc1m/exchange/internal/round"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePriceSource struct{ price pricefeed.AggregatedPrice }

func (f fakePriceSource) Current() pricefeed.AggregatedPrice { return f.price }

type fakeMatchingEngine struct{}

func (fakeMatchingEngine) InitRound(roundStart int64)                           {}
func (fakeMatchingEngine) ActivateRound(roundStart int64, priceToBeatCents int64) {}

type fakeSettlementEngine struct{}

func (fakeSettlementEngine) SettleRound(ctx context.Context, roundStart int64, finalPriceCents int64, outcome round.Outcome) error {
	return nil
}

type fakeRoundStore struct{}

func (fakeRoundStore) SavePriceToBeat(ctx context.Context, roundStart int64, priceToBeatCents int64) error {
	return nil
}
func (fakeRoundStore) SaveMarketOutcome(ctx context.Context, roundStart int64, slug string, finalPriceCents int64, outcome round.Outcome) error {
	return nil
}

type fakeEventSink struct{}

func (fakeEventSink) MarketPhaseChange(m round.Market)      {}
func (fakeEventSink) MarketList(markets []round.Market)     {}
func (fakeEventSink) OrderBookReset(roundStart int64)        {}

func newTestController() *round.Controller {
	c := round.NewController(
		fakePriceSource{},
		fakeMatchingEngine{},
		fakeSettlementEngine{},
		fakeRoundStore{},
		fakeEventSink{},
		5*time.Minute, 10*time.Minute,
		testLogger(),
	)
	c.Init(time.Now())
	return c
}

func TestHandleMarkets(t *testing.T) {
	ctl := newTestController()
	srv := &Server{markets: ctl, startAt: time.Now()}
	mux := http.NewServeMux()
	srv.Register(mux)

	req := httptest.NewRequest("GET", "/api/markets", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out []marketJSON
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected at least one market from Init's provision window")
	}
}

func TestHandleMarketFound(t *testing.T) {
	ctl := newTestController()
	srv := &Server{markets: ctl, startAt: time.Now()}
	mux := http.NewServeMux()
	srv.Register(mux)

	slug := ctl.MarketList()[0].Slug

	req := httptest.NewRequest("GET", "/api/market/"+slug, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out marketJSON
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Slug != slug {
		t.Errorf("slug = %q, want %q", out.Slug, slug)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		url  string
		def  int
		max  int
		want int
	}{
		{"/test", 100, 500, 100},
		{"/test?limit=50", 100, 500, 50},
		{"/test?limit=abc", 100, 500, 100},
		{"/test?limit=9999", 100, 500, 500},
		{"/test?limit=-5", 100, 500, 100},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.url, nil)
		got := parseIntParam(req, "limit", tt.def, tt.max)
		if got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.url, got, tt.want)
		}
	}
}
