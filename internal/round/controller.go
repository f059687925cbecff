package round

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btc1m/exchange/internal/pricefeed"
)

// PriceSource is the reference price the controller watches for activation
// and boundary settlement. Satisfied by *pricefeed.ReferencePriceFeed.
type PriceSource interface {
	Current() pricefeed.AggregatedPrice
}

// MatchingEngine is notified of round transitions so it can open a fresh
// in-memory book and start accepting orders against the new priceToBeat.
type MatchingEngine interface {
	InitRound(roundStart int64)
	ActivateRound(roundStart int64, priceToBeatCents int64)
}

// SettlementEngine closes a round: cancels resting orders with refunds and
// pays the winning side of every position.
type SettlementEngine interface {
	SettleRound(ctx context.Context, roundStart int64, finalPriceCents int64, outcome Outcome) error
}

// Store persists the lifecycle facts the controller itself owns: the
// priceToBeat assigned at activation, and the final outcome at close.
type Store interface {
	SavePriceToBeat(ctx context.Context, roundStart int64, priceToBeatCents int64) error
	SaveMarketOutcome(ctx context.Context, roundStart int64, slug string, finalPriceCents int64, outcome Outcome) error
}

// EventSink is the session gateway's inbound hook for lifecycle broadcasts.
type EventSink interface {
	MarketPhaseChange(m Market)
	MarketList(markets []Market)
	OrderBookReset(roundStart int64)
}

// Controller is the single-writer round lifecycle state machine described
// in the component design: at every minute boundary it settles the
// expiring market, activates the next one, provisions a future one, and
// prunes aged-out closed markets.
type Controller struct {
	mu                sync.RWMutex
	markets           map[int64]*Market
	currentRoundStart int64

	priceSource PriceSource
	matching    MatchingEngine
	settlement  SettlementEngine
	store       Store
	events      EventSink

	provisionHorizon time.Duration
	pruneAfter       time.Duration

	ticking atomic.Bool
	logger  *slog.Logger
}

func NewController(
	priceSource PriceSource,
	matching MatchingEngine,
	settlement SettlementEngine,
	store Store,
	events EventSink,
	provisionHorizon, pruneAfter time.Duration,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		markets:          make(map[int64]*Market),
		priceSource:      priceSource,
		matching:         matching,
		settlement:       settlement,
		store:            store,
		events:           events,
		provisionHorizon: provisionHorizon,
		pruneAfter:       pruneAfter,
		logger:           logger.With("component", "round.controller"),
	}
}

// Init seeds the current minute's market plus five future provision
// markets. No market is active until the first tick observes a price.
func (c *Controller) Init(now time.Time) {
	m0 := MinuteStart(now)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.currentRoundStart = m0
	c.markets[m0] = NewMarket(m0)

	horizonMillis := int64(c.provisionHorizon / time.Millisecond)
	for t := m0 + 60000; t <= m0+horizonMillis; t += 60000 {
		c.markets[t] = NewMarket(t)
	}
}

// Run starts the tick loop: a fixed-interval safety net plus a timer armed
// to fire just after each minute boundary, for lower settlement latency.
// Blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, tickInterval time.Duration) error {
	c.events.MarketList(c.MarketList())

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	boundaryTimer := time.NewTimer(nextBoundaryArm())
	defer boundaryTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.tick(ctx, now)
		case <-boundaryTimer.C:
			c.tick(ctx, time.Now())
			boundaryTimer.Reset(nextBoundaryArm())
		}
	}
}

func nextBoundaryArm() time.Duration {
	now := time.Now().UTC()
	next := now.Truncate(time.Minute).Add(time.Minute)
	d := next.Sub(now)
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// tick runs the per-tick algorithm. Guarded against reentrancy: an
// overlapping tick (e.g. the safety-net ticker firing while the boundary
// timer's handler is still running) is a silent no-op.
func (c *Controller) tick(ctx context.Context, now time.Time) {
	if !c.ticking.CompareAndSwap(false, true) {
		return
	}
	defer c.ticking.Store(false)

	price := c.priceSource.Current()
	if !price.Valid {
		return
	}

	c.mu.RLock()
	if err := c.checkSingleActiveLocked(); err != nil {
		c.logger.Error("invariant violation", "error", err)
	}
	current := c.markets[c.currentRoundStart]
	needsActivation := current != nil && current.Phase == PhaseProvision
	crossed := MinuteStart(now) > c.currentRoundStart
	c.mu.RUnlock()

	if needsActivation {
		c.activate(ctx, current, price.PriceCents)
	}

	if crossed {
		c.boundaryCross(ctx, MinuteStart(now), price.PriceCents)
	}
}

func (c *Controller) checkSingleActiveLocked() error {
	active := 0
	for _, m := range c.markets {
		if m.Phase == PhaseActive {
			active++
		}
	}
	if active > 1 {
		return ErrMultipleActiveMarkets
	}
	return nil
}

// activate transitions the current round's pre-active market to active,
// assigning priceToBeat exactly once.
func (c *Controller) activate(ctx context.Context, mkt *Market, priceToBeat int64) {
	c.mu.Lock()
	mkt.PriceToBeat = &priceToBeat
	mkt.Phase = PhaseActive
	snapshot := *mkt
	c.mu.Unlock()

	if err := c.store.SavePriceToBeat(ctx, mkt.MinuteStartMillis, priceToBeat); err != nil {
		c.logger.Warn("failed to persist price to beat", "round", mkt.Slug, "error", err)
	}
	c.matching.InitRound(mkt.MinuteStartMillis)
	c.matching.ActivateRound(mkt.MinuteStartMillis, priceToBeat)
	c.events.MarketPhaseChange(snapshot)
}

// boundaryCross performs the settle→activate→provision→prune sequence for
// a crossed minute boundary.
func (c *Controller) boundaryCross(ctx context.Context, m int64, finalPrice int64) {
	c.mu.RLock()
	closing := c.markets[c.currentRoundStart]
	c.mu.RUnlock()

	if closing != nil {
		outcome := OutcomeDown
		if closing.PriceToBeat != nil && finalPrice >= *closing.PriceToBeat {
			outcome = OutcomeUp
		}

		c.mu.Lock()
		closing.FinalPrice = &finalPrice
		closing.Outcome = outcome
		closing.Phase = PhaseClosed
		closingSnapshot := *closing
		c.mu.Unlock()

		if err := c.settlement.SettleRound(ctx, closing.MinuteStartMillis, finalPrice, outcome); err != nil {
			c.logger.Error("settlement failed", "round", closing.Slug, "error", err)
		}
		if err := c.store.SaveMarketOutcome(ctx, closing.MinuteStartMillis, closing.Slug, finalPrice, outcome); err != nil {
			c.logger.Warn("failed to persist market outcome", "round", closing.Slug, "error", err)
		}
		c.events.MarketPhaseChange(closingSnapshot)
	}

	c.mu.Lock()
	next, ok := c.markets[m]
	if !ok {
		next = NewMarket(m)
		c.markets[m] = next
	}
	next.PriceToBeat = &finalPrice
	next.Phase = PhaseActive
	c.currentRoundStart = m

	horizonMillis := int64(c.provisionHorizon / time.Millisecond)
	future := m + horizonMillis
	if _, ok := c.markets[future]; !ok {
		c.markets[future] = NewMarket(future)
	}

	pruneMillis := int64(c.pruneAfter / time.Millisecond)
	cutoff := m - pruneMillis
	for start, mkt := range c.markets {
		if mkt.Phase == PhaseClosed && start < cutoff {
			delete(c.markets, start)
		}
	}
	snapshot := c.marketListLocked()
	nextSnapshot := *next
	c.mu.Unlock()

	c.matching.InitRound(next.MinuteStartMillis)
	c.matching.ActivateRound(next.MinuteStartMillis, finalPrice)
	if err := c.store.SavePriceToBeat(ctx, next.MinuteStartMillis, finalPrice); err != nil {
		c.logger.Warn("failed to persist price to beat", "round", next.Slug, "error", err)
	}

	c.events.MarketPhaseChange(nextSnapshot)
	c.events.MarketList(snapshot)
	c.events.OrderBookReset(next.MinuteStartMillis)
}

func (c *Controller) marketListLocked() []Market {
	out := make([]Market, 0, len(c.markets))
	for _, m := range c.markets {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinuteStartMillis < out[j].MinuteStartMillis })
	return out
}

// MarketList returns a snapshot of every market currently held in memory,
// oldest first.
func (c *Controller) MarketList() []Market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.marketListLocked()
}

// Market looks up a market by slug from the in-memory snapshot. Callers
// needing aged-out markets must fall back to the store.
func (c *Controller) Market(slug string) (Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.markets {
		if m.Slug == slug {
			return *m, true
		}
	}
	return Market{}, false
}

// CurrentRoundStart returns the minute start of the currently active round.
func (c *Controller) CurrentRoundStart() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentRoundStart
}
