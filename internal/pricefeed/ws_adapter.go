package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 90 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsMaxBackoff   = 30 * time.Second
)

// tickerMessage is the minimal shape this adapter understands from a
// Coinbase-style "ticker" channel message: a midpoint price plus best
// bid/ask, all as decimal-string dollars.
type tickerMessage struct {
	Type  string `json:"type"`
	Price string `json:"price"`
	Bid   string `json:"best_bid"`
	Ask   string `json:"best_ask"`
}

// WSAdapter maintains one WebSocket subscription to an upstream ticker
// channel, reconnecting with exponential backoff on any transport failure.
type WSAdapter struct {
	sourceID string
	url      string
	subscribe []byte

	samples chan PriceSample
	logger  *slog.Logger

	reconnects uint64
	attempts   int
}

// NewWSAdapter creates an adapter against a Coinbase-style ticker feed.
// subscribeMsg is sent verbatim once the socket is open.
func NewWSAdapter(sourceID, url string, subscribeMsg []byte, logger *slog.Logger) *WSAdapter {
	return &WSAdapter{
		sourceID:  sourceID,
		url:       url,
		subscribe: subscribeMsg,
		samples:   make(chan PriceSample, 256),
		logger:    logger.With("component", "pricefeed.ws", "source", sourceID),
	}
}

func (a *WSAdapter) SourceID() string               { return a.sourceID }
func (a *WSAdapter) Samples() <-chan PriceSample     { return a.samples }
func (a *WSAdapter) ReconnectCount() uint64          { return atomic.LoadUint64(&a.reconnects) }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled or the reconnect cap is hit.
func (a *WSAdapter) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := a.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.attempts++
		atomic.AddUint64(&a.reconnects, 1)
		if a.attempts > maxReconnectAttempts {
			a.logger.Error("max reconnect attempts reached, adapter inert", "attempts", a.attempts)
			return fmt.Errorf("%s: max reconnect attempts reached: %w", a.sourceID, err)
		}

		a.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff, "attempt", a.attempts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}

		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

func (a *WSAdapter) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if a.subscribe != nil {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, a.subscribe); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	a.logger.Info("websocket connected")
	a.attempts = 0 // reset on successful connect, per the adapter contract

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		a.dispatch(msg)
	}
}

func (a *WSAdapter) dispatch(data []byte) {
	var tm tickerMessage
	if err := json.Unmarshal(data, &tm); err != nil {
		a.logger.Debug("dropping unparseable sample", "error", err)
		return
	}
	if tm.Price == "" {
		return
	}

	priceCents, err := dollarsToCents(tm.Price)
	if err != nil {
		a.logger.Debug("dropping sample with bad price", "error", err)
		return
	}
	bidCents, _ := dollarsToCents(tm.Bid)
	askCents, _ := dollarsToCents(tm.Ask)

	sample := PriceSample{
		SourceID:        a.sourceID,
		PriceCents:      priceCents,
		BestBidCents:    bidCents,
		BestAskCents:    askCents,
		TimestampMillis: time.Now().UnixMilli(),
	}

	select {
	case a.samples <- sample:
	default:
		a.logger.Warn("sample channel full, dropping sample")
	}
}

func (a *WSAdapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
