// Package ledger is the durable store adapter (component G): orders,
// trades, positions, balances, liquidity provisions, and price history,
// backed by MongoDB with transactional primitives for matching, settlement,
// and liquidity provision.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/btc1m/exchange/internal/matching"
	"github.com/btc1m/exchange/internal/settlement"
)

const (
	collUsers       = "users"
	collOrders      = "orders"
	collTrades      = "trades"
	collPositions   = "positions"
	collLiquidity   = "liquidity_provisions"
	collPriceHist   = "price_history"
	collOutcomes    = "btc_1m_outcomes"
)

// Store wraps the MongoDB client and database, implementing the ledger
// contracts the matching engine, settlement engine, round controller, and
// REST API each depend on through their own narrow interfaces.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// NewStore connects to MongoDB and returns a Store. The URI should include
// the database name (e.g. mongodb://localhost:27017/btc1m); "btc1m" is used
// if the URI carries none.
func NewStore(ctx context.Context, uri string, logger *slog.Logger) (*Store, error) {
	clientOpts := options.Client().ApplyURI(uri)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	dbName := "btc1m"
	if u, err := url.Parse(uri); err == nil {
		if name := strings.TrimPrefix(u.Path, "/"); name != "" {
			dbName = name
		}
	}

	logger = logger.With("component", "ledger.store")
	logger.Info("connected to MongoDB", "db", dbName)
	return &Store{client: client, db: client.Database(dbName), logger: logger}, nil
}

// DB exposes the underlying database handle to packages that need direct
// collection access outside the Store's own narrow interfaces (the archiver).
func (s *Store) DB() *mongo.Database { return s.db }

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Migrate creates indexes for all collections.
func (s *Store) Migrate(ctx context.Context) error {
	return EnsureIndexes(ctx, s.db)
}

// runTx opens a MongoDB session and runs fn inside one multi-document
// transaction against a single *tx, shared by every narrow Tx interface
// (matching.Tx, settlement.Tx) this package satisfies structurally. Any
// error returned by fn rolls the whole transaction back.
func (s *Store) runTx(ctx context.Context, fn func(sc context.Context, t *tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc context.Context) (any, error) {
		return nil, fn(sc, &tx{store: s, ctx: sc})
	})
	return err
}

// WithTx satisfies matching.Ledger.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx matching.Tx) error) error {
	return s.runTx(ctx, func(sc context.Context, t *tx) error { return fn(sc, t) })
}

// WithSettlementTx satisfies settlement.Ledger.
func (s *Store) WithSettlementTx(ctx context.Context, fn func(ctx context.Context, tx settlement.Tx) error) error {
	return s.runTx(ctx, func(sc context.Context, t *tx) error { return fn(sc, t) })
}

// tx implements matching.Tx and settlement.Tx inside one MongoDB
// transaction, using the session-bound context passed to each method.
type tx struct {
	store *Store
	ctx   context.Context
}
