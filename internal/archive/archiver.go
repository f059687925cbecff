// Package archive periodically moves settled trades out of MongoDB into
// gzipped NDJSON batches uploaded to S3, keyed by day, so the live trades
// collection stays bounded while history remains queryable out-of-band.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Archiver moves trades older than maxAge out of MongoDB into gzipped
// NDJSON objects under s3://bucket/prefix/trades/YYYY/MM/DD.jsonl.gz.
type Archiver struct {
	db       *mongo.Database
	s3Client *s3.Client
	bucket   string
	prefix   string
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
}

// New builds an Archiver from a resolved AWS config. Disabled by a caller
// checking bucket == "" before starting Run.
func New(db *mongo.Database, s3Client *s3.Client, bucket, prefix string, intervalHours, afterHours int, logger *slog.Logger) *Archiver {
	return &Archiver{
		db:       db,
		s3Client: s3Client,
		bucket:   bucket,
		prefix:   prefix,
		interval: time.Duration(intervalHours) * time.Hour,
		maxAge:   time.Duration(afterHours) * time.Hour,
		logger:   logger.With("component", "archive.archiver"),
	}
}

// LoadAWSConfig resolves the default AWS credential chain for the given
// region, used to construct the S3 client passed to New.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
}

// Run starts the periodic archive loop. Blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	a.logger.Info("trade archiver starting", "bucket", a.bucket, "prefix", a.prefix, "interval", a.interval, "age", a.maxAge)

	a.cycle(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Archiver) cycle(ctx context.Context) {
	cursor, err := a.loadCursor(ctx)
	if err != nil {
		a.logger.Error("load cursor", "error", err)
		return
	}

	cutoff := time.Now().Add(-a.maxAge)
	if !cursor.Before(cutoff) {
		return
	}

	trades, err := a.queryTrades(ctx, cursor, cutoff)
	if err != nil {
		a.logger.Error("query trades", "error", err)
		return
	}
	if len(trades) == 0 {
		a.saveCursor(ctx, cutoff)
		return
	}

	for day, batch := range groupByDay(trades) {
		if err := a.uploadBatch(ctx, day, batch); err != nil {
			a.logger.Error("upload batch", "day", day, "error", err)
			return
		}
		if err := a.deleteBatch(ctx, batch); err != nil {
			a.logger.Error("delete archived trades", "day", day, "error", err)
			return
		}
		a.logger.Info("archived trades", "day", day, "count", len(batch))
	}

	a.saveCursor(ctx, cutoff)
}

// archivedTrade mirrors the ledger trade document for archival purposes.
type archivedTrade struct {
	ID         uint64 `bson:"id"          json:"id"`
	RoundStart int64  `bson:"round_start" json:"round_start"`
	BidOrderID uint64 `bson:"bid_order_id" json:"bid_order_id"`
	AskOrderID uint64 `bson:"ask_order_id" json:"ask_order_id"`
	YesUserID  string `bson:"yes_user_id" json:"yes_user_id"`
	NoUserID   string `bson:"no_user_id"  json:"no_user_id"`
	ExecPrice  int    `bson:"exec_price"  json:"exec_price"`
	Shares     int64  `bson:"shares"      json:"shares"`
	CreatedAt  int64  `bson:"created_at_millis" json:"created_at_millis"`
}

func (a *Archiver) loadCursor(ctx context.Context) (time.Time, error) {
	var doc struct {
		ValueTime time.Time `bson:"value_time"`
	}
	err := a.db.Collection("archive_state").FindOne(ctx, bson.M{"key": "trade_archive_cursor"}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return doc.ValueTime, nil
}

func (a *Archiver) saveCursor(ctx context.Context, t time.Time) {
	_, err := a.db.Collection("archive_state").UpdateOne(ctx,
		bson.M{"key": "trade_archive_cursor"},
		bson.M{"$set": bson.M{
			"key":        "trade_archive_cursor",
			"value_time": t,
			"updated_at": time.Now(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		a.logger.Error("save cursor", "error", err)
	}
}

func (a *Archiver) queryTrades(ctx context.Context, from, to time.Time) ([]archivedTrade, error) {
	filter := bson.M{
		"created_at_millis": bson.M{"$gte": from.UnixMilli(), "$lt": to.UnixMilli()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at_millis", Value: 1}})

	cur, err := a.db.Collection("trades").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find trades: %w", err)
	}
	defer cur.Close(ctx)

	var trades []archivedTrade
	if err := cur.All(ctx, &trades); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	return trades, nil
}

func groupByDay(trades []archivedTrade) map[string][]archivedTrade {
	batches := make(map[string][]archivedTrade)
	for _, t := range trades {
		day := time.UnixMilli(t.CreatedAt).UTC().Format("2006/01/02")
		batches[day] = append(batches[day], t)
	}
	return batches
}

// uploadBatch gzips trades as NDJSON and uploads them to
// s3://bucket/prefix/trades/YYYY/MM/DD.jsonl.gz.
func (a *Archiver) uploadBatch(ctx context.Context, day string, trades []archivedTrade) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, t := range trades {
		if err := enc.Encode(t); err != nil {
			gz.Close()
			return fmt.Errorf("encode: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}

	key := fmt.Sprintf("%s/trades/%s.jsonl.gz", a.prefix, day)
	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (a *Archiver) deleteBatch(ctx context.Context, trades []archivedTrade) error {
	ids := make([]uint64, len(trades))
	for i, t := range trades {
		ids[i] = t.ID
	}

	_, err := a.db.Collection("trades").DeleteMany(ctx, bson.M{
		"id": bson.M{"$in": ids},
	})
	if err != nil {
		return fmt.Errorf("delete archived trades: %w", err)
	}
	return nil
}
