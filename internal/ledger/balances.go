package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/btc1m/exchange/internal/matching"
)

// userDoc is a persisted User (spec §3): balance is stored as a
// fixed-point decimal dollar string at this boundary — shopspring/decimal
// is the conversion point between the engine's canonical integer cents and
// the store's dollar representation (spec §9 "mixed balance units").
type userDoc struct {
	UserID    string `bson:"user_id"`
	Balance   string `bson:"balance"` // decimal dollars, two places
	CreatedAt int64  `bson:"created_at_millis"`
}

func centsToDollarString(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func dollarStringToCents(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.Mul(decimal.New(100, 0)).Round(0).IntPart(), nil
}

// DeductBalance subtracts cents from userID's balance, failing if the
// pre-balance is insufficient — the sole source of "insufficient funds"
// errors (spec §4.G). Satisfies matching.Tx and settlement.Tx.
func (t *tx) DeductBalance(ctx context.Context, userID string, cents int64) error {
	if cents < 0 {
		return fmt.Errorf("deduct balance: negative amount")
	}
	if cents == 0 {
		return nil
	}
	var u userDoc
	if err := t.store.db.Collection(collUsers).FindOne(ctx, bson.M{"user_id": userID}).Decode(&u); err != nil {
		if err == mongo.ErrNoDocuments {
			return matching.ErrInsufficientBalance
		}
		return fmt.Errorf("get balance for update: %w", err)
	}
	current, err := dollarStringToCents(u.Balance)
	if err != nil {
		return fmt.Errorf("parse balance: %w", err)
	}
	if current < cents {
		return matching.ErrInsufficientBalance
	}
	_, err = t.store.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"balance": centsToDollarString(current - cents)}},
	)
	if err != nil {
		return fmt.Errorf("deduct balance: %w", err)
	}
	return nil
}

// CreditBalance adds cents to userID's balance (never fails on the
// `balance >= 0` invariant since credits only increase it). Satisfies
// matching.Tx and settlement.Tx.
func (t *tx) CreditBalance(ctx context.Context, userID string, cents int64) error {
	if cents < 0 {
		return fmt.Errorf("credit balance: negative amount")
	}
	if cents == 0 {
		return nil
	}
	var u userDoc
	err := t.store.db.Collection(collUsers).FindOne(ctx, bson.M{"user_id": userID}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		_, err = t.store.db.Collection(collUsers).InsertOne(ctx, userDoc{
			UserID: userID, Balance: centsToDollarString(cents),
		})
		if err != nil {
			return fmt.Errorf("create user on credit: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get balance for update: %w", err)
	}
	current, err := dollarStringToCents(u.Balance)
	if err != nil {
		return fmt.Errorf("parse balance: %w", err)
	}
	_, err = t.store.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"balance": centsToDollarString(current + cents)}},
	)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

// GetBalance returns a user's current balance in cents within the calling
// transaction, reflecting any credits/deductions already applied on this
// session. Satisfies settlement.Tx.
func (t *tx) GetBalance(ctx context.Context, userID string) (int64, error) {
	var u userDoc
	if err := t.store.db.Collection(collUsers).FindOne(ctx, bson.M{"user_id": userID}).Decode(&u); err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return dollarStringToCents(u.Balance)
}

// GetBalanceForUpdate returns a user's current balance in cents, outside
// any transaction — used by the REST/WS layer for display, never as the
// basis for a mutation decision (mutations always re-read inside their own
// transaction via DeductBalance/CreditBalance).
func (s *Store) GetBalanceForUpdate(ctx context.Context, userID string) (int64, error) {
	var u userDoc
	if err := s.db.Collection(collUsers).FindOne(ctx, bson.M{"user_id": userID}).Decode(&u); err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return dollarStringToCents(u.Balance)
}

// CreateUser inserts a new user with a zero balance if one does not already
// exist (idempotent upsert), called by the POST /api/auth/telegram handler
// on sign-in.
func (s *Store) CreateUser(ctx context.Context, userID string, createdAtMillis int64) error {
	_, err := s.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$setOnInsert": userDoc{UserID: userID, Balance: "0.00", CreatedAt: createdAtMillis}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", userID, err)
	}
	return nil
}
