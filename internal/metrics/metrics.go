// Package metrics exposes Prometheus counters and gauges for the exchange's
// observable surfaces: order flow, matching, settlement, price-feed health,
// and session fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_orders_placed_total",
			Help: "Orders accepted, by order type and side.",
		},
		[]string{"order_type", "side"},
	)

	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_orders_rejected_total",
			Help: "Orders rejected, by reason.",
		},
		[]string{"reason"},
	)

	OrdersCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_orders_cancelled_total",
			Help: "Orders cancelled by their owner.",
		},
	)

	TradesMatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_trades_matched_total",
			Help: "Trades produced by the matching engine.",
		},
	)

	TradeSharesFilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_trade_shares_filled_total",
			Help: "Total shares exchanged across all trades.",
		},
	)

	StopOrdersTriggered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_stop_orders_triggered_total",
			Help: "Parked stop-limit orders activated into the book.",
		},
	)

	SettlementPayouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_settlement_payout_cents_total",
			Help: "Cents paid out to winning positions across all settled rounds.",
		},
	)

	SettlementRefunds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_settlement_refund_cents_total",
			Help: "Cents refunded for cancelled resting orders at round close.",
		},
	)

	LiquidityProvided = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_liquidity_provided_cents_total",
			Help: "Cents contributed via manual liquidity provision.",
		},
	)

	RoundsSettled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_rounds_settled_total",
			Help: "Rounds that have completed settlement.",
		},
	)

	PriceFeedReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_pricefeed_reconnects_total",
			Help: "Reconnect attempts by reference-price source.",
		},
		[]string{"source"},
	)

	PriceFeedSourcesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_pricefeed_sources_live",
			Help: "Reference-price sources currently contributing to the aggregate.",
		},
	)

	CurrentPriceCents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_current_price_cents",
			Help: "Most recent aggregated BTC/USD reference price, in cents.",
		},
	)

	WSConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_ws_connected_clients",
			Help: "Currently connected WebSocket session clients.",
		},
	)

	WSDroppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_ws_dropped_messages_total",
			Help: "Outbound messages dropped because a client's send queue was full, by message type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced, OrdersRejected, OrdersCancelled,
		TradesMatched, TradeSharesFilled, StopOrdersTriggered,
		SettlementPayouts, SettlementRefunds, LiquidityProvided, RoundsSettled,
		PriceFeedReconnects, PriceFeedSourcesLive, CurrentPriceCents,
		WSConnectedClients, WSDroppedMessages,
	)
}

// Handler serves the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
