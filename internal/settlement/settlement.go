// Package settlement closes a round at its minute boundary — cancelling
// every resting/stopped order (refunding the resting ones' reserved
// balance; stopped orders reserved nothing) and paying the winning side of
// every position — and handles liquidity provision, the only path that
// mints shares without a matched counterparty (spec §4.J).
package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/btc1m/exchange/internal/matching"
	"github.com/btc1m/exchange/internal/round"
)

// Position is one user's share holdings for a round, as read back for the
// settlement payout pass.
type Position struct {
	UserID    string
	YesShares int64
	NoShares  int64
}

// Ledger is the transactional persistence boundary this package depends on,
// scoped narrowly like matching.Ledger.
type Ledger interface {
	WithSettlementTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the mutation/read surface available inside one settlement
// transaction.
type Tx interface {
	CancelAllRoundOrders(ctx context.Context, roundStart int64) ([]matching.Order, error)
	GetAllRoundPositions(ctx context.Context, roundStart int64) ([]Position, error)
	CreditBalance(ctx context.Context, userID string, cents int64) error
	DeductBalance(ctx context.Context, userID string, cents int64) error
	GetBalance(ctx context.Context, userID string) (int64, error)
	UpsertPosition(ctx context.Context, roundStart int64, userID string, deltaYesShares, deltaNoShares int64) error
	InsertLiquidityProvision(ctx context.Context, userID string, roundStart int64, amountCents int64) error
}

// RoundDropper lets settlement tell the matching engine its in-memory book
// and stop set for a round can be discarded once settlement has committed.
type RoundDropper interface {
	DropRound(roundStart int64)
}

// EventSink is the session gateway's hook for settlement/provision pushes.
type EventSink interface {
	Settlement(userID string, roundStart int64, payoutCents int64, refundCents int64)
	BalanceUpdate(userID string, newBalanceCents int64)
	LiquidityAdded(userID string, roundStart int64, amountCents int64)
}

// Engine implements round.SettlementEngine plus liquidity provision.
type Engine struct {
	ledger  Ledger
	matching RoundDropper
	events  EventSink
	logger  *slog.Logger
}

// NewEngine builds a settlement Engine.
func NewEngine(ledger Ledger, matching RoundDropper, events EventSink, logger *slog.Logger) *Engine {
	return &Engine{
		ledger:   ledger,
		matching: matching,
		events:   events,
		logger:   logger.With("component", "settlement.engine"),
	}
}

// SettleRound implements round.SettlementEngine (spec §4.F "Settlement").
// All mutation happens in one transaction: cancel every resting order with
// a refund, then pay the winning side of every position.
func (e *Engine) SettleRound(ctx context.Context, roundStart int64, finalPriceCents int64, outcome round.Outcome) error {
	type payout struct {
		userID       string
		refundCents  int64
		paidCents    int64
		balanceCents int64
	}
	var payouts []payout

	err := e.ledger.WithSettlementTx(ctx, func(ctx context.Context, tx Tx) error {
		cancelled, err := tx.CancelAllRoundOrders(ctx, roundStart)
		if err != nil {
			return fmt.Errorf("cancel round orders: %w", err)
		}
		refundByUser := make(map[string]int64, len(cancelled))
		for _, o := range cancelled {
			if o.Status == matching.StatusStopped {
				continue // never reserved a balance; nothing to refund
			}
			refund := o.RemainingShares * int64(o.CostPerShare)
			if refund <= 0 {
				continue
			}
			if err := tx.CreditBalance(ctx, o.UserID, refund); err != nil {
				return fmt.Errorf("refund order %d: %w", o.ID, err)
			}
			refundByUser[o.UserID] += refund
		}

		positions, err := tx.GetAllRoundPositions(ctx, roundStart)
		if err != nil {
			return fmt.Errorf("read round positions: %w", err)
		}
		paidByUser := make(map[string]int64, len(positions))
		for _, p := range positions {
			var winningShares int64
			if outcome == round.OutcomeUp {
				winningShares = p.YesShares
			} else {
				winningShares = p.NoShares
			}
			if winningShares <= 0 {
				continue
			}
			payoutCents := winningShares * 100 // one dollar per winning share
			if err := tx.CreditBalance(ctx, p.UserID, payoutCents); err != nil {
				return fmt.Errorf("pay position %s: %w", p.UserID, err)
			}
			paidByUser[p.UserID] += payoutCents
		}

		seen := make(map[string]bool, len(refundByUser)+len(paidByUser))
		for u := range refundByUser {
			seen[u] = true
		}
		for u := range paidByUser {
			seen[u] = true
		}
		for u := range seen {
			balance, err := tx.GetBalance(ctx, u)
			if err != nil {
				return fmt.Errorf("read settled balance %s: %w", u, err)
			}
			payouts = append(payouts, payout{
				userID: u, refundCents: refundByUser[u], paidCents: paidByUser[u], balanceCents: balance,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range payouts {
		e.events.Settlement(p.userID, roundStart, p.paidCents, p.refundCents)
		e.events.BalanceUpdate(p.userID, p.balanceCents)
	}
	e.matching.DropRound(roundStart)
	return nil
}

// AddLiquidity implements spec §4.J: in provision phase only, debit amount
// dollars from the user, log the provision, and mint the exact complement
// (+amount yesShares, +amount noShares) — the only path that creates shares
// without a matched counterparty.
func (e *Engine) AddLiquidity(ctx context.Context, userID string, roundStart int64, amountCents int64) error {
	if amountCents <= 0 || amountCents%100 != 0 {
		return fmt.Errorf("liquidity amount must be a positive whole-dollar cent amount")
	}
	shares := amountCents / 100

	err := e.ledger.WithSettlementTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.DeductBalance(ctx, userID, amountCents); err != nil {
			return err
		}
		if err := tx.InsertLiquidityProvision(ctx, userID, roundStart, amountCents); err != nil {
			return err
		}
		return tx.UpsertPosition(ctx, roundStart, userID, shares, shares)
	})
	if err != nil {
		return err
	}
	e.events.LiquidityAdded(userID, roundStart, amountCents)
	return nil
}
