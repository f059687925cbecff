package pricefeed

import (
	"context"
	"log/slog"
	"sync"
)

// Persister writes an AggregatedPrice tick to durable storage. Implemented
// by internal/ledger; write failures are logged and otherwise swallowed —
// a persistence hiccup must never stall the live feed subscribers.
type Persister interface {
	SavePriceTick(ctx context.Context, p AggregatedPrice) error
}

// ReferencePriceFeed is the single source of truth for "the current BTC
// price" inside the engine: it consumes the Aggregator's output, hands the
// latest value to Current() readers (round lifecycle, matching, API), fans
// it out to any number of subscribers (session gateway), and persists every
// tick through a Persister.
type ReferencePriceFeed struct {
	mu      sync.RWMutex
	current AggregatedPrice

	subMu sync.Mutex
	subs  []chan AggregatedPrice

	persister Persister
	logger    *slog.Logger
}

func NewReferencePriceFeed(persister Persister, logger *slog.Logger) *ReferencePriceFeed {
	return &ReferencePriceFeed{
		persister: persister,
		logger:    logger.With("component", "pricefeed.feed"),
	}
}

// Current returns the most recently published aggregated price. Valid is
// false until the aggregator has produced at least one tick with
// contributing sources.
func (f *ReferencePriceFeed) Current() AggregatedPrice {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Subscribe returns a channel that receives every published tick. The
// channel is buffered; a slow subscriber drops ticks rather than blocking
// the feed. Callers should treat Unsubscribe as mandatory cleanup.
func (f *ReferencePriceFeed) Subscribe() <-chan AggregatedPrice {
	ch := make(chan AggregatedPrice, 8)
	f.subMu.Lock()
	f.subs = append(f.subs, ch)
	f.subMu.Unlock()
	return ch
}

func (f *ReferencePriceFeed) Unsubscribe(ch <-chan AggregatedPrice) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for i, s := range f.subs {
		if s == ch {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			close(s)
			return
		}
	}
}

// Run drains aggregator's output, updating Current, persisting every tick,
// and fanning it out to subscribers. Blocks until ctx is cancelled or
// aggregator's channel closes.
func (f *ReferencePriceFeed) Run(ctx context.Context, aggregator *Aggregator) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-aggregator.Prices():
			if !ok {
				return nil
			}

			f.mu.Lock()
			f.current = p
			f.mu.Unlock()

			if f.persister != nil {
				if err := f.persister.SavePriceTick(ctx, p); err != nil {
					f.logger.Warn("failed to persist price tick", "error", err)
				}
			}

			f.subMu.Lock()
			for _, s := range f.subs {
				select {
				case s <- p:
				default:
					f.logger.Debug("subscriber channel full, dropping tick")
				}
			}
			f.subMu.Unlock()
		}
	}
}
