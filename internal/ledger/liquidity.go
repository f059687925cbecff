package ledger

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// liquidityDoc records one provision event for audit/history.
type liquidityDoc struct {
	UserID      string `bson:"user_id"`
	RoundStart  int64  `bson:"round_start"`
	AmountCents int64  `bson:"amount_cents"`
}

// InsertLiquidityProvision records a liquidity add. Satisfies settlement.Tx.
func (t *tx) InsertLiquidityProvision(ctx context.Context, userID string, roundStart int64, amountCents int64) error {
	_, err := t.store.db.Collection(collLiquidity).InsertOne(ctx, liquidityDoc{
		UserID: userID, RoundStart: roundStart, AmountCents: amountCents,
	})
	if err != nil {
		return fmt.Errorf("insert liquidity provision: %w", err)
	}
	return nil
}

// GetTotalLiquidity sums every provision made for a round, in cents.
func (s *Store) GetTotalLiquidity(ctx context.Context, roundStart int64) (int64, error) {
	cur, err := s.db.Collection(collLiquidity).Find(ctx, bson.M{"round_start": roundStart},
		options.Find().SetProjection(bson.M{"amount_cents": 1}))
	if err != nil {
		return 0, fmt.Errorf("query liquidity: %w", err)
	}
	defer cur.Close(ctx)

	var docs []liquidityDoc
	if err := cur.All(ctx, &docs); err != nil {
		return 0, fmt.Errorf("decode liquidity: %w", err)
	}
	var total int64
	for _, d := range docs {
		total += d.AmountCents
	}
	return total, nil
}
