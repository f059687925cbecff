package ledger

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/btc1m/exchange/internal/settlement"
)

// positionDoc is one user's cumulative share holdings for one round.
type positionDoc struct {
	RoundStart int64  `bson:"round_start"`
	UserID     string `bson:"user_id"`
	YesShares  int64  `bson:"yes_shares"`
	NoShares   int64  `bson:"no_shares"`
}

// UpsertPosition atomically adds deltaYesShares/deltaNoShares to a user's
// round position, creating the row on first touch. Satisfies matching.Tx
// and settlement.Tx.
func (t *tx) UpsertPosition(ctx context.Context, roundStart int64, userID string, deltaYesShares, deltaNoShares int64) error {
	if deltaYesShares == 0 && deltaNoShares == 0 {
		return nil
	}
	_, err := t.store.db.Collection(collPositions).UpdateOne(ctx,
		bson.M{"round_start": roundStart, "user_id": userID},
		bson.M{
			"$inc":         bson.M{"yes_shares": deltaYesShares, "no_shares": deltaNoShares},
			"$setOnInsert": bson.M{"round_start": roundStart, "user_id": userID},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert position round=%d user=%s: %w", roundStart, userID, err)
	}
	return nil
}

// GetAllRoundPositions returns every position row for a round. Satisfies
// settlement.Tx.
func (t *tx) GetAllRoundPositions(ctx context.Context, roundStart int64) ([]settlement.Position, error) {
	cur, err := t.store.db.Collection(collPositions).Find(ctx, bson.M{"round_start": roundStart})
	if err != nil {
		return nil, fmt.Errorf("query round positions: %w", err)
	}
	defer cur.Close(ctx)

	var docs []positionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode round positions: %w", err)
	}
	out := make([]settlement.Position, len(docs))
	for i, d := range docs {
		out[i] = settlement.Position{UserID: d.UserID, YesShares: d.YesShares, NoShares: d.NoShares}
	}
	return out, nil
}

// GetPosition returns a single user's position for a round, outside any
// transaction, for display in get_my_orders / get_market responses.
func (s *Store) GetPosition(ctx context.Context, roundStart int64, userID string) (settlement.Position, error) {
	var d positionDoc
	err := s.db.Collection(collPositions).FindOne(ctx, bson.M{"round_start": roundStart, "user_id": userID}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return settlement.Position{UserID: userID}, nil
	}
	if err != nil {
		return settlement.Position{}, fmt.Errorf("get position: %w", err)
	}
	return settlement.Position{UserID: d.UserID, YesShares: d.YesShares, NoShares: d.NoShares}, nil
}
