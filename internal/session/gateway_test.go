package session

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/btc1m/exchange/internal/matching"
	"github.com/btc1m/exchange/internal/orderbook"
	"github.com/btc1m/exchange/internal/round"
)

func testLoggerG() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBookSource struct{ book *orderbook.Book }

func (f fakeBookSource) Book(roundStart int64) *orderbook.Book { return f.book }

func TestGatewayOrderAcceptedPushesToUser(t *testing.T) {
	mgr := NewManager(10, testLoggerG())
	gw := NewGateway(mgr, 10*time.Millisecond, testLoggerG())
	gw.SetBookSource(fakeBookSource{book: orderbook.NewBook()})

	c := mgr.Register(nil)
	mgr.BindUser(c, "u1")

	gw.OrderAccepted("u1", matching.Order{ID: 1, UserID: "u1", Status: matching.StatusOpen})

	msgs := c.drain()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	var env map[string]any
	if err := json.Unmarshal(msgs[0].data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env["type"] != "order_accepted" {
		t.Fatalf("type = %v, want order_accepted", env["type"])
	}
}

func TestGatewayOrderbookDebounceCoalesces(t *testing.T) {
	mgr := NewManager(10, testLoggerG())
	gw := NewGateway(mgr, 20*time.Millisecond, testLoggerG())
	gw.SetBookSource(fakeBookSource{book: orderbook.NewBook()})

	c := mgr.Register(nil)
	o := matching.Order{ID: 1, UserID: "u1", RoundStart: 1000}

	gw.OrderAccepted("u1", o)
	gw.OrderAccepted("u1", o)
	gw.OrderAccepted("u1", o)

	time.Sleep(50 * time.Millisecond)

	msgs := c.drain()
	var orderbookCount int
	for _, m := range msgs {
		if m.msgType == "orderbook" {
			orderbookCount++
		}
	}
	if orderbookCount != 1 {
		t.Fatalf("orderbook broadcasts = %d, want exactly 1 (debounced)", orderbookCount)
	}
}

func TestGatewayMarketPhaseChangeBroadcastsPriceToBeatOnActivate(t *testing.T) {
	mgr := NewManager(10, testLoggerG())
	gw := NewGateway(mgr, time.Millisecond, testLoggerG())
	c := mgr.Register(nil)

	ptb := int64(100000)
	gw.MarketPhaseChange(round.Market{Slug: "btc-test", Phase: round.PhaseActive, PriceToBeat: &ptb})

	msgs := c.drain()
	var sawPhase, sawPTB bool
	for _, m := range msgs {
		switch m.msgType {
		case "market_phase_change":
			sawPhase = true
		case "price_to_beat":
			sawPTB = true
		}
	}
	if !sawPhase || !sawPTB {
		t.Fatalf("expected both market_phase_change and price_to_beat, got phase=%v ptb=%v", sawPhase, sawPTB)
	}
}
