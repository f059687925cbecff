package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// EnsureIndexes creates idempotent indexes on every collection this package
// owns.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	type idx struct {
		collection string
		model      mongo.IndexModel
	}

	indexes := []idx{
		{
			collection: collUsers,
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		{
			collection: collOrders,
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		{
			collection: collOrders,
			model: mongo.IndexModel{
				Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at_millis", Value: -1}},
			},
		},
		{
			collection: collOrders,
			model: mongo.IndexModel{
				Keys: bson.D{{Key: "round_start", Value: 1}, {Key: "status", Value: 1}},
			},
		},
		{
			collection: collTrades,
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		{
			collection: collTrades,
			model: mongo.IndexModel{
				Keys: bson.D{{Key: "bid_order_id", Value: 1}},
			},
		},
		{
			collection: collTrades,
			model: mongo.IndexModel{
				Keys: bson.D{{Key: "ask_order_id", Value: 1}},
			},
		},
		{
			collection: collPositions,
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "round_start", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		{
			collection: collLiquidity,
			model: mongo.IndexModel{
				Keys: bson.D{{Key: "round_start", Value: 1}},
			},
		},
		{
			collection: collPriceHist,
			model: mongo.IndexModel{
				Keys: bson.D{{Key: "timestamp_millis", Value: -1}},
			},
		},
		{
			collection: collOutcomes,
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "round_start", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		{
			collection: collOutcomes,
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "slug", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}

	for _, i := range indexes {
		_, err := db.Collection(i.collection).Indexes().CreateOne(ctx, i.model)
		if err != nil {
			return fmt.Errorf("create index on %s: %w", i.collection, err)
		}
	}

	slog.Default().Info("mongodb indexes ensured")
	return nil
}
