package pricefeed

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Aggregator fans in samples from one or more Adapters and publishes a
// single AggregatedPrice on each tick, computed as a weighted average over
// the most recent sample each source has produced. A source that has never
// reported is simply excluded from the weighted sum (its weight does not
// reduce the numerator, only the denominator). Staleness of a source's last
// sample is tracked for status reporting only — it never filters a sample
// out of the average.
type Aggregator struct {
	mu      sync.Mutex
	weights map[string]float64
	latest  map[string]PriceSample

	interval     time.Duration
	staleWarnMs  int64
	out          chan AggregatedPrice
	logger       *slog.Logger
}

// NewAggregator builds an Aggregator that publishes every interval using the
// given sourceID -> weight table (see config.ParseSourceWeights). staleWarnMs
// is the sample age above which a source is logged as stale; it never
// excludes a sample from the average.
func NewAggregator(weights map[string]float64, interval time.Duration, staleWarnMs int64, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		weights:     weights,
		latest:      make(map[string]PriceSample),
		interval:    interval,
		staleWarnMs: staleWarnMs,
		out:         make(chan AggregatedPrice, 16),
		logger:      logger.With("component", "pricefeed.aggregator"),
	}
}

// Prices returns the channel of published AggregatedPrice values.
func (a *Aggregator) Prices() <-chan AggregatedPrice { return a.out }

// Ingest feeds one adapter's sample channel into the aggregator's state.
// Call once per adapter before Run.
func (a *Aggregator) Ingest(ctx context.Context, adapter Adapter) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-adapter.Samples():
				if !ok {
					return
				}
				a.mu.Lock()
				a.latest[s.SourceID] = s
				a.mu.Unlock()
			}
		}
	}()
}

// Run publishes a weighted-average AggregatedPrice every interval until ctx
// is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(a.out)
			return ctx.Err()
		case <-ticker.C:
			a.publish()
		}
	}
}

func (a *Aggregator) publish() {
	a.mu.Lock()
	snapshot := make(map[string]PriceSample, len(a.latest))
	for id, s := range a.latest {
		snapshot[id] = s
	}
	a.mu.Unlock()

	if len(snapshot) == 0 {
		select {
		case a.out <- AggregatedPrice{Valid: false}:
		default:
		}
		return
	}

	now := time.Now().UnixMilli()
	var weightedSum, totalWeight float64
	contributing := 0
	for sourceID, sample := range snapshot {
		w, known := a.weights[sourceID]
		if !known {
			// A source not in the weight table contributes nothing; it may be
			// a newly added adapter whose weight hasn't been configured yet.
			continue
		}
		weightedSum += float64(sample.PriceCents) * w
		totalWeight += w
		contributing++

		if age := now - sample.TimestampMillis; age > a.staleWarnMs {
			a.logger.Warn("stale price source", "source", sourceID, "age_ms", age)
		}
	}

	if totalWeight == 0 {
		select {
		case a.out <- AggregatedPrice{Valid: false}:
		default:
		}
		return
	}

	priceCents := int64(weightedSum/totalWeight + 0.5)
	agg := AggregatedPrice{
		Valid:               true,
		PriceCents:          priceCents,
		ContributingSources: contributing,
		TimestampMillis:     now,
	}

	select {
	case a.out <- agg:
	default:
		a.logger.Warn("aggregated price channel full, dropping tick")
	}
}
