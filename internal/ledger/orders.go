package ledger

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/btc1m/exchange/internal/matching"
	"github.com/btc1m/exchange/internal/orderbook"
)

// orderDoc is the persisted shape of a matching.Order. Every cent/share
// quantity stays an integer at this boundary too — matching.Order is
// already canonical, so no dollar conversion happens here (contrast
// balances, which are stored as decimal dollars — see balances.go).
type orderDoc struct {
	ID              uint64 `bson:"id"`
	UserID          string `bson:"user_id"`
	RoundStart      int64  `bson:"round_start"`
	UserSide        string `bson:"user_side"`
	UserOutcome     string `bson:"user_outcome"`
	BookSide        string `bson:"book_side"`
	OrderType       string `bson:"order_type"`
	BookPrice       int    `bson:"book_price"`
	StopPrice       int    `bson:"stop_price"`
	Shares          int64  `bson:"shares"`
	FilledShares    int64  `bson:"filled_shares"`
	RemainingShares int64  `bson:"remaining_shares"`
	CostPerShare    int    `bson:"cost_per_share"`
	Status          string `bson:"status"`
	CreatedAtMillis int64  `bson:"created_at_millis"`
	Seq             uint64 `bson:"seq"`
}

func toOrderDoc(o *matching.Order) orderDoc {
	return orderDoc{
		ID:              o.ID,
		UserID:          o.UserID,
		RoundStart:      o.RoundStart,
		UserSide:        string(o.UserSide),
		UserOutcome:     string(o.UserOutcome),
		BookSide:        string(o.BookSide),
		OrderType:       string(o.OrderType),
		BookPrice:       o.BookPrice,
		StopPrice:       o.StopPrice,
		Shares:          o.Shares,
		FilledShares:    o.FilledShares,
		RemainingShares: o.RemainingShares,
		CostPerShare:    o.CostPerShare,
		Status:          string(o.Status),
		CreatedAtMillis: o.CreatedAtMillis,
		Seq:             o.Seq,
	}
}

func fromOrderDoc(d orderDoc) matching.Order {
	return matching.Order{
		ID:              d.ID,
		UserID:          d.UserID,
		RoundStart:      d.RoundStart,
		UserSide:        matching.Side(d.UserSide),
		UserOutcome:     matching.Outcome(d.UserOutcome),
		BookSide:        orderbook.Side(d.BookSide[0]),
		OrderType:       matching.OrderType(d.OrderType),
		BookPrice:       d.BookPrice,
		StopPrice:       d.StopPrice,
		Shares:          d.Shares,
		FilledShares:    d.FilledShares,
		RemainingShares: d.RemainingShares,
		CostPerShare:    d.CostPerShare,
		Status:          matching.Status(d.Status),
		CreatedAtMillis: d.CreatedAtMillis,
		Seq:             d.Seq,
	}
}

// InsertOrder persists a newly placed order. Satisfies matching.Tx.
func (t *tx) InsertOrder(ctx context.Context, o *matching.Order) error {
	doc := toOrderDoc(o)
	if doc.Shares <= 0 {
		return fmt.Errorf("invalid order %d: shares must be positive", o.ID)
	}
	if doc.CostPerShare < 1 || doc.CostPerShare > 99 {
		return fmt.Errorf("invalid order %d: cost_per_share out of [1,99]", o.ID)
	}
	if doc.OrderType != string(matching.OrderTypeStopLimit) && (doc.BookPrice < 1 || doc.BookPrice > 99) {
		return fmt.Errorf("invalid order %d: book_price out of [1,99]", o.ID)
	}
	_, err := t.store.db.Collection(collOrders).InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("insert order %d: %w", o.ID, err)
	}
	return nil
}

// UpdateOrderFill sets remaining shares and status, deriving filled shares
// from the order's original share count so filled+remaining=shares holds
// by construction. Satisfies matching.Tx.
func (t *tx) UpdateOrderFill(ctx context.Context, orderID uint64, remainingShares int64, status matching.Status) error {
	if remainingShares < 0 {
		return fmt.Errorf("order %d: remaining shares cannot be negative", orderID)
	}
	var existing orderDoc
	if err := t.store.db.Collection(collOrders).FindOne(ctx, bson.M{"id": orderID}).Decode(&existing); err != nil {
		return fmt.Errorf("find order %d: %w", orderID, err)
	}
	filled := existing.Shares - remainingShares
	if filled < 0 || filled > existing.Shares {
		return fmt.Errorf("order %d: filled+remaining invariant violated", orderID)
	}
	_, err := t.store.db.Collection(collOrders).UpdateOne(ctx,
		bson.M{"id": orderID},
		bson.M{"$set": bson.M{
			"filled_shares":    filled,
			"remaining_shares": remainingShares,
			"status":           string(status),
		}},
	)
	if err != nil {
		return fmt.Errorf("update order fill %d: %w", orderID, err)
	}
	return nil
}

// CancelOrderRow marks an order cancelled/stopped-out with its remaining
// shares untouched (callers that owe a refund call CreditBalance
// separately). Satisfies matching.Tx.
func (t *tx) CancelOrderRow(ctx context.Context, orderID uint64, status matching.Status) error {
	_, err := t.store.db.Collection(collOrders).UpdateOne(ctx,
		bson.M{"id": orderID},
		bson.M{"$set": bson.M{"status": string(status)}},
	)
	if err != nil {
		return fmt.Errorf("cancel order row %d: %w", orderID, err)
	}
	return nil
}

// GetOrder retrieves a single order by ID.
func (s *Store) GetOrder(ctx context.Context, orderID uint64) (matching.Order, error) {
	var d orderDoc
	if err := s.db.Collection(collOrders).FindOne(ctx, bson.M{"id": orderID}).Decode(&d); err != nil {
		if err == mongo.ErrNoDocuments {
			return matching.Order{}, matching.ErrOrderNotFound
		}
		return matching.Order{}, fmt.Errorf("get order %d: %w", orderID, err)
	}
	return fromOrderDoc(d), nil
}

// UserOrderFilter controls get_my_orders query scope.
type UserOrderFilter struct {
	UserID string
	Status string // "open" | "all" | "filled" | "cancelled"; "" means "all"
	RoundStart *int64
}

// GetUserOrders lists a user's orders, optionally scoped by status and round.
func (s *Store) GetUserOrders(ctx context.Context, f UserOrderFilter) ([]matching.Order, error) {
	filter := bson.M{"user_id": f.UserID}
	if f.RoundStart != nil {
		filter["round_start"] = *f.RoundStart
	}
	switch f.Status {
	case "", "all":
	case "open":
		filter["status"] = bson.M{"$in": bson.A{
			string(matching.StatusOpen), string(matching.StatusPartiallyFilled), string(matching.StatusStopped),
		}}
	default:
		filter["status"] = f.Status
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at_millis", Value: -1}})
	cur, err := s.db.Collection(collOrders).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query user orders: %w", err)
	}
	defer cur.Close(ctx)

	var docs []orderDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode user orders: %w", err)
	}
	out := make([]matching.Order, len(docs))
	for i, d := range docs {
		out[i] = fromOrderDoc(d)
	}
	return out, nil
}

// GetOpenRoundOrders returns every {open, partiallyFilled} order of a round.
func (s *Store) GetOpenRoundOrders(ctx context.Context, roundStart int64) ([]matching.Order, error) {
	return s.queryRoundOrdersByStatus(ctx, roundStart,
		string(matching.StatusOpen), string(matching.StatusPartiallyFilled))
}

// GetStoppedRoundOrders returns every parked stop-limit order of a round.
func (s *Store) GetStoppedRoundOrders(ctx context.Context, roundStart int64) ([]matching.Order, error) {
	return s.queryRoundOrdersByStatus(ctx, roundStart, string(matching.StatusStopped))
}

func (s *Store) queryRoundOrdersByStatus(ctx context.Context, roundStart int64, statuses ...string) ([]matching.Order, error) {
	filter := bson.M{"round_start": roundStart, "status": bson.M{"$in": statuses}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at_millis", Value: 1}, {Key: "seq", Value: 1}})
	cur, err := s.db.Collection(collOrders).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query round orders: %w", err)
	}
	defer cur.Close(ctx)

	var docs []orderDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode round orders: %w", err)
	}
	out := make([]matching.Order, len(docs))
	for i, d := range docs {
		out[i] = fromOrderDoc(d)
	}
	return out, nil
}

// CancelAllRoundOrders marks every {open, partiallyFilled, stopped} order of
// a round cancelled inside the caller's transaction, returning the
// pre-cancel snapshot rows for the settlement engine's refund pass. Row
// locking is implicit in MongoDB's document-level write isolation within a
// transaction.
func (t *tx) CancelAllRoundOrders(ctx context.Context, roundStart int64) ([]matching.Order, error) {
	filter := bson.M{
		"round_start": roundStart,
		"status": bson.M{"$in": bson.A{
			string(matching.StatusOpen), string(matching.StatusPartiallyFilled), string(matching.StatusStopped),
		}},
	}
	cur, err := t.store.db.Collection(collOrders).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find round orders for cancel: %w", err)
	}
	var docs []orderDoc
	if err := cur.All(ctx, &docs); err != nil {
		cur.Close(ctx)
		return nil, fmt.Errorf("decode round orders for cancel: %w", err)
	}
	cur.Close(ctx)

	if _, err := t.store.db.Collection(collOrders).UpdateMany(ctx, filter,
		bson.M{"$set": bson.M{"status": string(matching.StatusCancelled)}}); err != nil {
		return nil, fmt.Errorf("cancel round orders: %w", err)
	}

	out := make([]matching.Order, len(docs))
	for i, d := range docs {
		out[i] = fromOrderDoc(d)
	}
	return out, nil
}

// ActivateStopOrder transitions a parked stop-limit order to open inside the
// caller's transaction, used by the matching engine's trigger path.
func (t *tx) ActivateStopOrder(ctx context.Context, orderID uint64) error {
	res, err := t.store.db.Collection(collOrders).UpdateOne(ctx,
		bson.M{"id": orderID, "status": string(matching.StatusStopped)},
		bson.M{"$set": bson.M{"status": string(matching.StatusOpen)}},
	)
	if err != nil {
		return fmt.Errorf("activate stop order %d: %w", orderID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("order %d not in stopped state", orderID)
	}
	return nil
}

// LoadOpenRoundState returns every {open, partiallyFilled, stopped} order,
// for restart recovery (spec §7). Rows are selected by status alone, with no
// filter on round: an order of an already-closed round that still has one
// of these statuses is returned too. The
// in-memory book and stop set are repopulated from these rows, preserving
// createdAtMillis for time priority.
func (s *Store) LoadOpenRoundState(ctx context.Context) ([]matching.Order, error) {
	filter := bson.M{"status": bson.M{"$in": bson.A{
		string(matching.StatusOpen), string(matching.StatusPartiallyFilled), string(matching.StatusStopped),
	}}}
	opts := options.Find().SetSort(bson.D{{Key: "round_start", Value: 1}, {Key: "created_at_millis", Value: 1}, {Key: "seq", Value: 1}})
	cur, err := s.db.Collection(collOrders).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("load open round state: %w", err)
	}
	defer cur.Close(ctx)

	var docs []orderDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode open round state: %w", err)
	}
	out := make([]matching.Order, len(docs))
	for i, d := range docs {
		out[i] = fromOrderDoc(d)
	}
	return out, nil
}
