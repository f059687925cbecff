package pricefeed

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAggregatorNoSourcesYieldsInvalid(t *testing.T) {
	a := NewAggregator(map[string]float64{"coinbase": 1.0}, time.Second, 5000, testLogger())
	a.publish()
	select {
	case p := <-a.Prices():
		if p.Valid {
			t.Fatalf("expected invalid price with no sources, got %+v", p)
		}
	default:
		t.Fatal("expected a published tick")
	}
}

func TestAggregatorWeightedAverage(t *testing.T) {
	weights := map[string]float64{"coinbase": 0.6, "kraken": 0.4}
	a := NewAggregator(weights, time.Second, 5000, testLogger())

	now := time.Now().UnixMilli()
	a.latest["coinbase"] = PriceSample{SourceID: "coinbase", PriceCents: 10_000_00, TimestampMillis: now}
	a.latest["kraken"] = PriceSample{SourceID: "kraken", PriceCents: 10_100_00, TimestampMillis: now}

	a.publish()

	p := <-a.Prices()
	if !p.Valid {
		t.Fatal("expected valid aggregated price")
	}
	want := int64(10_000_00*0.6 + 10_100_00*0.4 + 0.5)
	if p.PriceCents != want {
		t.Fatalf("PriceCents = %d, want %d", p.PriceCents, want)
	}
	if p.ContributingSources != 2 {
		t.Fatalf("ContributingSources = %d, want 2", p.ContributingSources)
	}
}

func TestAggregatorMissingSourceReducesDenominatorOnly(t *testing.T) {
	weights := map[string]float64{"coinbase": 0.6, "kraken": 0.4}
	a := NewAggregator(weights, time.Second, 5000, testLogger())

	now := time.Now().UnixMilli()
	a.latest["coinbase"] = PriceSample{SourceID: "coinbase", PriceCents: 10_000_00, TimestampMillis: now}
	// kraken never reported.

	a.publish()

	p := <-a.Prices()
	if !p.Valid {
		t.Fatal("expected valid aggregated price from one source")
	}
	if p.PriceCents != 10_000_00 {
		t.Fatalf("PriceCents = %d, want 10000.00 unchanged by missing source", p.PriceCents)
	}
	if p.ContributingSources != 1 {
		t.Fatalf("ContributingSources = %d, want 1", p.ContributingSources)
	}
}

func TestAggregatorUnweightedSourceIgnored(t *testing.T) {
	weights := map[string]float64{"coinbase": 1.0}
	a := NewAggregator(weights, time.Second, 5000, testLogger())

	now := time.Now().UnixMilli()
	a.latest["coinbase"] = PriceSample{SourceID: "coinbase", PriceCents: 10_000_00, TimestampMillis: now}
	a.latest["unknown-source"] = PriceSample{SourceID: "unknown-source", PriceCents: 999_999_00, TimestampMillis: now}

	a.publish()

	p := <-a.Prices()
	if p.PriceCents != 10_000_00 {
		t.Fatalf("PriceCents = %d, want 10000.00 (unweighted source must not contribute)", p.PriceCents)
	}
}
