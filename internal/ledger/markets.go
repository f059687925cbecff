package ledger

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/btc1m/exchange/internal/pricefeed"
	"github.com/btc1m/exchange/internal/round"
)

// SavePriceTick implements pricefeed.Persister, archiving every aggregated
// reference-price tick to the price history collection.
func (s *Store) SavePriceTick(ctx context.Context, p pricefeed.AggregatedPrice) error {
	return s.InsertPricePoint(ctx, p.TimestampMillis, p.PriceCents)
}

// marketDoc is the persisted record of one minute's round lifecycle, the
// basis for /api/outcomes and an aged-out market lookup.
type marketDoc struct {
	RoundStart  int64  `bson:"round_start"`
	Slug        string `bson:"slug"`
	PriceToBeat int64  `bson:"price_to_beat_cents"`
	FinalPrice  *int64 `bson:"final_price_cents,omitempty"`
	Outcome     string `bson:"outcome,omitempty"`
	ClosedAt    int64  `bson:"closed_at_millis,omitempty"`
}

// SavePriceToBeat implements round.Store: upserts the provisional
// price-to-beat recorded when a round activates.
func (s *Store) SavePriceToBeat(ctx context.Context, roundStart int64, priceToBeatCents int64) error {
	_, err := s.db.Collection(collOutcomes).UpdateOne(ctx,
		bson.M{"round_start": roundStart},
		bson.M{"$set": bson.M{
			"round_start":          roundStart,
			"slug":                 round.Slug(roundStart),
			"price_to_beat_cents":  priceToBeatCents,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save price to beat round=%d: %w", roundStart, err)
	}
	return nil
}

// SaveMarketOutcome implements round.Store: records the final settled
// outcome of a closed round.
func (s *Store) SaveMarketOutcome(ctx context.Context, roundStart int64, slug string, finalPriceCents int64, outcome round.Outcome) error {
	_, err := s.db.Collection(collOutcomes).UpdateOne(ctx,
		bson.M{"round_start": roundStart},
		bson.M{"$set": bson.M{
			"round_start":        roundStart,
			"slug":               slug,
			"final_price_cents":  finalPriceCents,
			"outcome":            string(outcome),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save market outcome round=%d: %w", roundStart, err)
	}
	return nil
}

// MarketHistoryEntry is one settled round as returned to /api/outcomes.
type MarketHistoryEntry struct {
	RoundStart  int64
	Slug        string
	PriceToBeat int64
	FinalPrice  int64
	Outcome     string
}

// GetSettledMarkets returns the most recent settled rounds, newest first,
// capped at limit (the API layer enforces the ≤50 ceiling).
func (s *Store) GetSettledMarkets(ctx context.Context, limit int64) ([]MarketHistoryEntry, error) {
	filter := bson.M{"outcome": bson.M{"$exists": true, "$ne": ""}}
	opts := options.Find().SetSort(bson.D{{Key: "round_start", Value: -1}}).SetLimit(limit)
	cur, err := s.db.Collection(collOutcomes).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query settled markets: %w", err)
	}
	defer cur.Close(ctx)

	var docs []marketDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode settled markets: %w", err)
	}
	out := make([]MarketHistoryEntry, len(docs))
	for i, d := range docs {
		var final int64
		if d.FinalPrice != nil {
			final = *d.FinalPrice
		}
		out[i] = MarketHistoryEntry{
			RoundStart: d.RoundStart, Slug: d.Slug, PriceToBeat: d.PriceToBeat,
			FinalPrice: final, Outcome: d.Outcome,
		}
	}
	return out, nil
}

// GetMarketBySlug looks up an aged-out (no longer in the controller's
// in-memory window) market's settled record for /api/market/:slug.
func (s *Store) GetMarketBySlug(ctx context.Context, slug string) (MarketHistoryEntry, error) {
	var d marketDoc
	err := s.db.Collection(collOutcomes).FindOne(ctx, bson.M{"slug": slug}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return MarketHistoryEntry{}, fmt.Errorf("market %s: %w", slug, mongo.ErrNoDocuments)
	}
	if err != nil {
		return MarketHistoryEntry{}, fmt.Errorf("get market %s: %w", slug, err)
	}
	var final int64
	if d.FinalPrice != nil {
		final = *d.FinalPrice
	}
	return MarketHistoryEntry{
		RoundStart: d.RoundStart, Slug: d.Slug, PriceToBeat: d.PriceToBeat,
		FinalPrice: final, Outcome: d.Outcome,
	}, nil
}

// PricePoint is one sampled BTC reference price for /api/history.
type PricePoint struct {
	TimestampMillis int64
	PriceCents      int64
}

// InsertPricePoint archives one aggregated reference-price sample.
func (s *Store) InsertPricePoint(ctx context.Context, timestampMillis int64, priceCents int64) error {
	_, err := s.db.Collection(collPriceHist).InsertOne(ctx, bson.M{
		"timestamp_millis": timestampMillis, "price_cents": priceCents,
	})
	if err != nil {
		return fmt.Errorf("insert price point: %w", err)
	}
	return nil
}

// GetPriceHistory returns the most recent price samples, newest first,
// capped at limit (the API layer enforces the ≤500 ceiling).
func (s *Store) GetPriceHistory(ctx context.Context, limit int64) ([]PricePoint, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp_millis", Value: -1}}).SetLimit(limit)
	cur, err := s.db.Collection(collPriceHist).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer cur.Close(ctx)

	var docs []struct {
		TimestampMillis int64 `bson:"timestamp_millis"`
		PriceCents      int64 `bson:"price_cents"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode price history: %w", err)
	}
	out := make([]PricePoint, len(docs))
	for i, d := range docs {
		out[i] = PricePoint{TimestampMillis: d.TimestampMillis, PriceCents: d.PriceCents}
	}
	return out, nil
}
