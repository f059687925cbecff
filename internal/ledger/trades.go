package ledger

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/btc1m/exchange/internal/matching"
)

// tradeDoc is the persisted shape of a matching.Trade.
type tradeDoc struct {
	ID         uint64 `bson:"id"`
	RoundStart int64  `bson:"round_start"`
	BidOrderID uint64 `bson:"bid_order_id"`
	AskOrderID uint64 `bson:"ask_order_id"`
	YesUserID  string `bson:"yes_user_id"`
	NoUserID   string `bson:"no_user_id"`
	ExecPrice  int    `bson:"exec_price"`
	Shares     int64  `bson:"shares"`
	CreatedAt  int64  `bson:"created_at_millis"`
}

func toTradeDoc(t *matching.Trade) tradeDoc {
	return tradeDoc{
		ID:         t.ID,
		RoundStart: t.RoundStart,
		BidOrderID: t.BidOrderID,
		AskOrderID: t.AskOrderID,
		YesUserID:  t.YesUserID,
		NoUserID:   t.NoUserID,
		ExecPrice:  t.ExecPrice,
		Shares:     t.Shares,
		CreatedAt:  t.CreatedAt.UnixMilli(),
	}
}

// InsertTrade persists a fill record. Satisfies matching.Tx.
func (t *tx) InsertTrade(ctx context.Context, trade *matching.Trade) error {
	_, err := t.store.db.Collection(collTrades).InsertOne(ctx, toTradeDoc(trade))
	if err != nil {
		return fmt.Errorf("insert trade %d: %w", trade.ID, err)
	}
	return nil
}

// GetOrderTrades lists every trade an order participated in, newest first.
func (s *Store) GetOrderTrades(ctx context.Context, orderID uint64) ([]matching.Trade, error) {
	filter := bson.M{"$or": bson.A{bson.M{"bid_order_id": orderID}, bson.M{"ask_order_id": orderID}}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at_millis", Value: -1}})
	cur, err := s.db.Collection(collTrades).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query order trades: %w", err)
	}
	defer cur.Close(ctx)

	var docs []tradeDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode order trades: %w", err)
	}
	out := make([]matching.Trade, len(docs))
	for i, d := range docs {
		out[i] = matching.Trade{
			ID: d.ID, RoundStart: d.RoundStart, BidOrderID: d.BidOrderID, AskOrderID: d.AskOrderID,
			YesUserID: d.YesUserID, NoUserID: d.NoUserID, ExecPrice: d.ExecPrice, Shares: d.Shares,
		}
	}
	return out, nil
}
