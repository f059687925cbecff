package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/btc1m/exchange/internal/auth"
	"github.com/btc1m/exchange/internal/ledger"
	"github.com/btc1m/exchange/internal/matching"
	"github.com/btc1m/exchange/internal/round"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MatchingEngine is the subset of *matching.Engine the gateway dispatches
// place_order/cancel_order/get_orderbook onto.
type MatchingEngine interface {
	Place(ctx context.Context, req matching.PlaceRequest) (matching.Order, error)
	Cancel(ctx context.Context, userID string, roundStart int64, orderID uint64) (int64, error)
}

// LiquidityEngine is the subset of *settlement.Engine the gateway dispatches
// add_liquidity onto.
type LiquidityEngine interface {
	AddLiquidity(ctx context.Context, userID string, roundStart int64, amountCents int64) error
}

// RoundDirectory is the subset of *round.Controller the gateway reads for
// get_market/get_markets/place_order's slug resolution.
type RoundDirectory interface {
	MarketList() []round.Market
	Market(slug string) (round.Market, bool)
}

// Server wires a Manager and Gateway to the rest of the exchange and
// exposes the WebSocket upgrade handler.
type Server struct {
	mgr        *Manager
	gw         *Gateway
	matching   MatchingEngine
	liquidity  LiquidityEngine
	markets    RoundDirectory
	store      *ledger.Store
	verifier   *auth.Verifier
	priceFeed  round.PriceSource
	logger     *slog.Logger
}

// NewServer builds the session Server.
func NewServer(
	mgr *Manager,
	gw *Gateway,
	matchingEngine MatchingEngine,
	liquidityEngine LiquidityEngine,
	markets RoundDirectory,
	store *ledger.Store,
	verifier *auth.Verifier,
	priceFeed round.PriceSource,
	logger *slog.Logger,
) *Server {
	return &Server{
		mgr: mgr, gw: gw, matching: matchingEngine, liquidity: liquidityEngine,
		markets: markets, store: store, verifier: verifier, priceFeed: priceFeed,
		logger: logger.With("component", "session.server"),
	}
}

// Handler returns the HTTP handler for the WebSocket upgrade endpoint.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "err", err)
			return
		}
		c := s.mgr.Register(conn)
		go s.writePump(c)
		go s.readPump(c)
	}
}

func (s *Server) readPump(c *Client) {
	defer s.mgr.Unregister(c)

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read error", "client_id", c.ID, "err", err)
			}
			return
		}
		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Debug("malformed message", "client_id", c.ID, "err", err)
			continue
		}
		s.dispatch(c, env)
	}
}

func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.wake:
			for _, msg := range c.drain() {
				c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.Conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Done():
			return
		}
	}
}

// dispatch is the exhaustive match over inbound message types (spec §9:
// reject unknown tags uniformly).
func (s *Server) dispatch(c *Client, env inboundEnvelope) {
	ctx := context.Background()

	switch env.Type {
	case "auth":
		s.handleAuth(c, env)
	case "place_order":
		s.handlePlaceOrder(ctx, c, env)
	case "cancel_order":
		s.handleCancelOrder(ctx, c, env)
	case "get_orderbook":
		s.handleGetOrderbook(c, env)
	case "get_my_orders":
		s.handleGetMyOrders(ctx, c, env)
	case "get_order":
		s.handleGetOrder(ctx, c, env)
	case "add_liquidity":
		s.handleAddLiquidity(ctx, c, env)
	case "get_market":
		s.handleGetMarket(c, env)
	case "get_markets":
		s.handleGetMarkets(c)
	case "status":
		s.handleStatus(c)
	default:
		data := outbound("order_rejected", orderRejectedMsg{Error: "unknown message type: " + env.Type})
		s.mgr.SendToClient(c, "order_rejected", data, false)
	}
}

func (s *Server) handleAuth(c *Client, env inboundEnvelope) {
	userID, err := s.verifier.VerifyToken(env.Token)
	if err != nil || (env.UserID != "" && userID != env.UserID) {
		data := outbound("auth_error", authErrorMsg{Error: "invalid or expired token"})
		s.mgr.SendToClient(c, "auth_error", data, false)
		return
	}
	s.mgr.BindUser(c, userID)

	balance, err := s.store.GetBalanceForUpdate(context.Background(), userID)
	if err != nil {
		s.logger.Error("get balance on auth", "user", userID, "err", err)
	}
	newTok := s.verifier.IssueToken(userID, time.Now())
	data := outbound("auth_success", authSuccessMsg{UserID: userID, Token: newTok, BalanceCents: balance})
	s.mgr.SendToClient(c, "auth_success", data, false)
}

func (s *Server) requireAuth(c *Client) (string, bool) {
	uid := c.UserID()
	if uid == "" {
		data := outbound("order_rejected", orderRejectedMsg{Error: "authentication required"})
		s.mgr.SendToClient(c, "order_rejected", data, false)
		return "", false
	}
	return uid, true
}

func (s *Server) resolveRoundStart(slug string) (int64, error) {
	if slug == "" {
		return s.currentRoundStartFallback()
	}
	m, ok := s.markets.Market(slug)
	if !ok {
		return 0, errors.New("market not found")
	}
	return m.MinuteStartMillis, nil
}

func (s *Server) currentRoundStartFallback() (int64, error) {
	for _, m := range s.markets.MarketList() {
		if m.Phase == round.PhaseActive {
			return m.MinuteStartMillis, nil
		}
	}
	return 0, errors.New("no active market")
}

func (s *Server) handlePlaceOrder(ctx context.Context, c *Client, env inboundEnvelope) {
	userID, ok := s.requireAuth(c)
	if !ok {
		return
	}
	roundStart, err := s.resolveRoundStart(env.Slug)
	if err != nil {
		data := outbound("order_rejected", orderRejectedMsg{Error: err.Error()})
		s.mgr.SendToClient(c, "order_rejected", data, false)
		return
	}
	req := matching.PlaceRequest{
		UserID:     userID,
		RoundStart: roundStart,
		Side:       matching.Side(env.Side),
		Outcome:    matching.Outcome(env.Outcome),
		OrderType:  matching.OrderType(env.OrderType),
		Price:      env.Price,
		StopPrice:  env.StopPrice,
		Shares:     env.Shares,
	}
	_, _ = s.matching.Place(ctx, req)
	// OrderAccepted/OrderRejected are pushed by the matching.EventSink
	// callback (the gateway); no separate reply is sent here.
}

func (s *Server) handleCancelOrder(ctx context.Context, c *Client, env inboundEnvelope) {
	userID, ok := s.requireAuth(c)
	if !ok {
		return
	}
	o, err := s.store.GetOrder(ctx, env.OrderID)
	if err != nil {
		data := outbound("order_rejected", orderRejectedMsg{Error: "order not found"})
		s.mgr.SendToClient(c, "order_rejected", data, false)
		return
	}
	if _, err := s.matching.Cancel(ctx, userID, o.RoundStart, env.OrderID); err != nil {
		data := outbound("order_rejected", orderRejectedMsg{Error: err.Error()})
		s.mgr.SendToClient(c, "order_rejected", data, false)
	}
}

func (s *Server) handleGetOrderbook(c *Client, env inboundEnvelope) {
	roundStart, err := s.resolveRoundStart(env.Slug)
	if err != nil {
		data := outbound("order_rejected", orderRejectedMsg{Error: err.Error()})
		s.mgr.SendToClient(c, "order_rejected", data, false)
		return
	}
	s.gw.sendOrderbookTo(c, roundStart)
}

func (s *Server) handleGetMyOrders(ctx context.Context, c *Client, env inboundEnvelope) {
	userID, ok := s.requireAuth(c)
	if !ok {
		return
	}
	filter := ledger.UserOrderFilter{UserID: userID, Status: env.Status}
	if env.Slug != "" {
		if m, ok := s.markets.Market(env.Slug); ok {
			filter.RoundStart = &m.MinuteStartMillis
		}
	}
	orders, err := s.store.GetUserOrders(ctx, filter)
	if err != nil {
		s.logger.Error("get my orders", "user", userID, "err", err)
		return
	}
	views := make([]orderView, len(orders))
	for i, o := range orders {
		views[i] = toOrderView(o)
	}
	data := outbound("my_orders", myOrdersMsg{Orders: views})
	s.mgr.SendToClient(c, "my_orders", data, false)
}

func (s *Server) handleGetOrder(ctx context.Context, c *Client, env inboundEnvelope) {
	userID, ok := s.requireAuth(c)
	if !ok {
		return
	}
	o, err := s.store.GetOrder(ctx, env.OrderID)
	if err != nil || o.UserID != userID {
		data := outbound("order_rejected", orderRejectedMsg{Error: "order not found"})
		s.mgr.SendToClient(c, "order_rejected", data, false)
		return
	}
	trades, err := s.store.GetOrderTrades(ctx, env.OrderID)
	if err != nil {
		s.logger.Error("get order trades", "order", env.OrderID, "err", err)
	}
	data := outbound("order_detail", orderDetailMsg{Order: toOrderView(o), Trades: trades})
	s.mgr.SendToClient(c, "order_detail", data, false)
}

func (s *Server) handleAddLiquidity(ctx context.Context, c *Client, env inboundEnvelope) {
	userID, ok := s.requireAuth(c)
	if !ok {
		return
	}
	m, ok := s.markets.Market(env.Slug)
	if !ok {
		data := outbound("order_rejected", orderRejectedMsg{Error: "market not found"})
		s.mgr.SendToClient(c, "order_rejected", data, false)
		return
	}
	if m.Phase != round.PhaseProvision {
		data := outbound("order_rejected", orderRejectedMsg{Error: "liquidity can only be added during the provision phase"})
		s.mgr.SendToClient(c, "order_rejected", data, false)
		return
	}
	if err := s.liquidity.AddLiquidity(ctx, userID, m.MinuteStartMillis, env.Amount); err != nil {
		data := outbound("order_rejected", orderRejectedMsg{Error: err.Error()})
		s.mgr.SendToClient(c, "order_rejected", data, false)
	}
}

func (s *Server) handleGetMarket(c *Client, env inboundEnvelope) {
	m, ok := s.markets.Market(env.Slug)
	if !ok {
		data := outbound("order_rejected", orderRejectedMsg{Error: "market not found"})
		s.mgr.SendToClient(c, "order_rejected", data, false)
		return
	}
	data := outbound("market_phase_change", marketPhaseChangeMsg{Market: toMarketView(m)})
	s.mgr.SendToClient(c, "market_phase_change", data, false)
}

func (s *Server) handleGetMarkets(c *Client) {
	markets := s.markets.MarketList()
	views := make([]marketView, len(markets))
	for i, m := range markets {
		views[i] = toMarketView(m)
	}
	data := outbound("market_list", marketListMsg{Markets: views})
	s.mgr.SendToClient(c, "market_list", data, false)
}

func (s *Server) handleStatus(c *Client) {
	price := s.priceFeed.Current()
	data := outbound("status", statusMsg{
		ConnectedClients:  s.mgr.ClientCount(),
		CurrentPriceCents: price.PriceCents,
	})
	s.mgr.SendToClient(c, "status", data, false)
}
