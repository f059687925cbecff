// Package matching implements the per-round central limit order book engine:
// order normalisation, placement, price-time matching with self-trade
// prevention and maker price-improvement refunds, market-FAK/FOK, stop-limit
// triggers, and cancellation.
package matching

import (
	"errors"
	"time"

	"github.com/btc1m/exchange/internal/orderbook"
)

// Side is the user-facing trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Outcome is the user-facing share the order is denominated in.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// OrderType selects the execution semantics of a placement.
type OrderType string

const (
	OrderTypeMarketFAK  OrderType = "marketFAK"
	OrderTypeMarketFOK  OrderType = "marketFOK"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLimit  OrderType = "stopLimit"
)

// Status is the lifecycle state of an Order.
type Status string

const (
	StatusOpen            Status = "open"
	StatusPartiallyFilled  Status = "partiallyFilled"
	StatusFilled           Status = "filled"
	StatusCancelled        Status = "cancelled"
	StatusStopped          Status = "stopped"
	StatusExpired          Status = "expired" // reserved; unreachable — see DESIGN.md
)

// Order is the full durable record of a placement. BookPrice/CostPerShare
// are always on the YES scale normalisation described in spec §4.F.
type Order struct {
	ID              uint64
	UserID          string
	RoundStart      int64
	UserSide        Side
	UserOutcome     Outcome
	BookSide        orderbook.Side
	OrderType       OrderType
	BookPrice       int // cents, [1,99]
	StopPrice       int // cents, [1,99]; zero unless OrderType == stopLimit
	Shares          int64
	FilledShares    int64
	RemainingShares int64
	CostPerShare    int // cents, [1,99]
	Status          Status
	CreatedAtMillis int64
	Seq             uint64
}

// Trade is an immutable fill record. ExecPrice always equals the resting
// (maker) order's BookPrice.
type Trade struct {
	ID         uint64
	RoundStart int64
	BidOrderID uint64
	AskOrderID uint64
	YesUserID  string
	NoUserID   string
	ExecPrice  int
	Shares     int64
	CreatedAt  time.Time
}

// Errors surfaced as order_rejected / order_cancelled reasons. They carry no
// state change with them — every placement that returns one of these has
// made no mutation.
var (
	ErrRoundNotActive       = errors.New("round is not active")
	ErrRoundUnknown         = errors.New("round not found")
	ErrInvalidShares        = errors.New("shares must be a positive integer within the per-order limit")
	ErrInvalidPrice         = errors.New("price must be an integer in [1,99]")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrOrderNotFound        = errors.New("order not found")
	ErrNotOwner             = errors.New("order not owned by caller")
	ErrNotCancellable       = errors.New("order is not in a cancellable state")
	ErrMarketOrderNotCancellable = errors.New("market orders execute synchronously and cannot be cancelled")
)

// PlaceRequest is the user-facing (side, outcome, price) triple the
// normalisation table in spec §4.F converts to a book-scale order.
type PlaceRequest struct {
	UserID     string
	RoundStart int64
	Side       Side
	Outcome    Outcome
	OrderType  OrderType
	Price      int // required for limit/stopLimit; ignored for market orders
	StopPrice  int // required for stopLimit only
	Shares     int64
}

// normalise converts the user-facing (side, outcome, price) triple into the
// book-scale (bookSide, bookPrice, costPerShare) per the table in spec §4.F.
// For market orders, the caller supplies the user-facing price whose book
// price is the sentinel (99 for a FAK/FOK bid, 1 for a FAK/FOK ask).
func normalise(side Side, outcome Outcome, price int) (bookSide orderbook.Side, bookPrice, costPerShare int) {
	switch {
	case side == SideBuy && outcome == OutcomeYes:
		return orderbook.SideBid, price, price
	case side == SideBuy && outcome == OutcomeNo:
		return orderbook.SideAsk, 100 - price, price
	case side == SideSell && outcome == OutcomeYes:
		return orderbook.SideAsk, price, 100 - price
	default: // sell, no
		return orderbook.SideBid, 100 - price, 100 - price
	}
}

// yesNoUsers maps a fill's counterparties to share holders: the bid side
// receives YES shares, the ask side NO shares.
func yesNoUsers(bidUserID, askUserID string) (yesUserID, noUserID string) {
	return bidUserID, askUserID
}
