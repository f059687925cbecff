package matching

import "context"

// Ledger is the transactional persistence boundary the matching engine
// depends on. It is a small interface — mirroring the teacher's own style of
// handing collaborators narrow contracts rather than a concrete store type —
// so this package has no import-time dependency on internal/ledger's Mongo
// driver plumbing. *ledger.Store satisfies it.
type Ledger interface {
	// WithTx runs fn inside one transaction. If fn returns an error the
	// transaction is rolled back and no durable state changes.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of mutation primitives available inside one ledger
// transaction, scoped to what order placement, matching, and cancellation
// need. All are no-ops against already-committed state if fn returns an
// error afterward — never partially applied outside a successful commit.
type Tx interface {
	DeductBalance(ctx context.Context, userID string, cents int64) error
	CreditBalance(ctx context.Context, userID string, cents int64) error

	InsertOrder(ctx context.Context, o *Order) error
	// UpdateOrderFill sets an order's remaining shares and status. The
	// store derives filledShares = shares - remainingShares itself and
	// enforces filled+remaining=shares, so callers never pass filled
	// directly — there is exactly one source of truth for the invariant.
	UpdateOrderFill(ctx context.Context, orderID uint64, remainingShares int64, status Status) error
	CancelOrderRow(ctx context.Context, orderID uint64, status Status) error

	InsertTrade(ctx context.Context, t *Trade) error
	UpsertPosition(ctx context.Context, roundStart int64, userID string, deltaYesShares, deltaNoShares int64) error
}
