package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/btc1m/exchange/internal/matching"
	"github.com/btc1m/exchange/internal/metrics"
	"github.com/btc1m/exchange/internal/orderbook"
	"github.com/btc1m/exchange/internal/round"
)

// OrderBookSource lets the gateway pull a round's current depth for both
// debounced broadcast and the get_orderbook reply.
type OrderBookSource interface {
	Book(roundStart int64) *orderbook.Book
}

// Gateway implements round.EventSink, matching.EventSink, and
// settlement.EventSink, translating engine/controller callbacks into the
// outbound protocol and fanning them out through the Manager. It also owns
// the debounced per-round orderbook broadcast (spec §6.2: at most once per
// 50ms after any mutation).
type Gateway struct {
	mgr    *Manager
	books  OrderBookSource
	logger *slog.Logger

	debounce time.Duration
	dbMu     sync.Mutex
	pending  map[int64]*time.Timer
}

// NewGateway builds a Gateway. books may be nil until the matching engine
// is constructed; SetBookSource fills it in (breaks an init-order cycle
// between the engine and the gateway it reports to).
func NewGateway(mgr *Manager, debounce time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{
		mgr:      mgr,
		debounce: debounce,
		pending:  make(map[int64]*time.Timer),
		logger:   logger.With("component", "session.gateway"),
	}
}

// SetBookSource wires the matching engine in once constructed.
func (g *Gateway) SetBookSource(src OrderBookSource) {
	g.books = src
}

// BroadcastPrice fans out a reference price tick; droppable under
// backpressure.
func (g *Gateway) BroadcastPrice(priceCents int64, atMillis int64) {
	metrics.CurrentPriceCents.Set(float64(priceCents))
	data := outbound("price", priceMsg{PriceCents: priceCents, Millis: atMillis})
	g.mgr.Broadcast("price", data, true)
}

// --- round.EventSink ---

// MarketPhaseChange implements round.EventSink.
func (g *Gateway) MarketPhaseChange(m round.Market) {
	data := outbound("market_phase_change", marketPhaseChangeMsg{Market: toMarketView(m)})
	g.mgr.Broadcast("market_phase_change", data, false)

	if m.Phase == round.PhaseActive && m.PriceToBeat != nil {
		ptb := outbound("price_to_beat", priceToBeatMsg{Slug: m.Slug, PriceToBeatCents: *m.PriceToBeat})
		g.mgr.Broadcast("price_to_beat", ptb, false)
	}
}

// MarketList implements round.EventSink.
func (g *Gateway) MarketList(markets []round.Market) {
	views := make([]marketView, len(markets))
	for i, m := range markets {
		views[i] = toMarketView(m)
	}
	data := outbound("market_list", marketListMsg{Markets: views})
	g.mgr.Broadcast("market_list", data, false)
}

// OrderBookReset implements round.EventSink: a fresh round starts with an
// empty book, worth pushing immediately rather than waiting on the
// debounce window.
func (g *Gateway) OrderBookReset(roundStart int64) {
	g.broadcastOrderBookNow(roundStart)
}

// --- matching.EventSink ---

// OrderAccepted implements matching.EventSink.
func (g *Gateway) OrderAccepted(userID string, o matching.Order) {
	data := outbound("order_accepted", orderAcceptedMsg{Order: toOrderView(o)})
	g.mgr.SendToUser(userID, "order_accepted", data, false)
	g.scheduleOrderBookBroadcast(o.RoundStart)
}

// OrderUpdate implements matching.EventSink.
func (g *Gateway) OrderUpdate(userID string, o matching.Order) {
	data := outbound("order_update", orderUpdateMsg{Order: toOrderView(o)})
	g.mgr.SendToUser(userID, "order_update", data, false)
	g.scheduleOrderBookBroadcast(o.RoundStart)
}

// OrderRejected implements matching.EventSink.
func (g *Gateway) OrderRejected(userID string, reason string) {
	data := outbound("order_rejected", orderRejectedMsg{Error: reason})
	g.mgr.SendToUser(userID, "order_rejected", data, false)
}

// OrderCancelled implements matching.EventSink.
func (g *Gateway) OrderCancelled(userID string, orderID uint64, refundCents int64, reason string) {
	data := outbound("order_cancelled", orderCancelledMsg{OrderID: orderID, RefundCents: refundCents, Reason: reason})
	g.mgr.SendToUser(userID, "order_cancelled", data, false)
}

// Trade implements matching.EventSink.
func (g *Gateway) Trade(userID string, t matching.Trade) {
	// Each trade is pushed once per counterparty; count it on the YES push.
	if userID == t.YesUserID {
		metrics.TradesMatched.Inc()
		metrics.TradeSharesFilled.Add(float64(t.Shares))
	}
	data := outbound("trade", toTradeMsg(t))
	g.mgr.SendToUser(userID, "trade", data, false)
	g.scheduleOrderBookBroadcast(t.RoundStart)
}

// --- settlement.EventSink ---

// Settlement implements settlement.EventSink.
func (g *Gateway) Settlement(userID string, roundStart int64, payoutCents int64, refundCents int64) {
	metrics.SettlementPayouts.Add(float64(payoutCents))
	metrics.SettlementRefunds.Add(float64(refundCents))
	data := outbound("settlement", settlementMsg{
		Slug: round.Slug(roundStart), PayoutCents: payoutCents, RefundCents: refundCents,
	})
	g.mgr.SendToUser(userID, "settlement", data, false)
}

// BalanceUpdate implements settlement.EventSink.
func (g *Gateway) BalanceUpdate(userID string, newBalanceCents int64) {
	data := outbound("balance_update", balanceUpdateMsg{BalanceCents: newBalanceCents})
	g.mgr.SendToUser(userID, "balance_update", data, false)
}

// LiquidityAdded implements settlement.EventSink.
func (g *Gateway) LiquidityAdded(userID string, roundStart int64, amountCents int64) {
	metrics.LiquidityProvided.Add(float64(amountCents))
	data := outbound("liquidity_added", liquidityAddedMsg{Slug: round.Slug(roundStart), AmountCents: amountCents})
	g.mgr.SendToUser(userID, "liquidity_added", data, false)
}

// scheduleOrderBookBroadcast coalesces book mutations for a round into at
// most one broadcast per debounce window.
func (g *Gateway) scheduleOrderBookBroadcast(roundStart int64) {
	g.dbMu.Lock()
	defer g.dbMu.Unlock()
	if _, pending := g.pending[roundStart]; pending {
		return
	}
	g.pending[roundStart] = time.AfterFunc(g.debounce, func() {
		g.dbMu.Lock()
		delete(g.pending, roundStart)
		g.dbMu.Unlock()
		g.broadcastOrderBookNow(roundStart)
	})
}

// sendOrderbookTo replies to one client's get_orderbook request with an
// immediate snapshot, bypassing the broadcast debounce.
func (g *Gateway) sendOrderbookTo(c *Client, roundStart int64) {
	if g.books == nil {
		return
	}
	book := g.books.Book(roundStart)
	var depth orderbook.DepthSnapshot
	if book != nil {
		depth = book.Depth()
	}
	data := outbound("orderbook", orderBookMsg{Slug: round.Slug(roundStart), Book: depth})
	g.mgr.SendToClient(c, "orderbook", data, false)
}

func (g *Gateway) broadcastOrderBookNow(roundStart int64) {
	if g.books == nil {
		return
	}
	book := g.books.Book(roundStart)
	var depth orderbook.DepthSnapshot
	if book != nil {
		depth = book.Depth()
	}
	data := outbound("orderbook", orderBookMsg{Slug: round.Slug(roundStart), Book: depth})
	g.mgr.Broadcast("orderbook", data, true)
}
