// Package pricefeed fans in price samples from multiple upstream exchange
// feeds into one canonical reference price per tick interval.
package pricefeed

// PriceSample is a transient observation from one upstream source. Only the
// newest sample per source is retained.
type PriceSample struct {
	SourceID        string
	PriceCents       int64 // BTC mid price, integer cents — the canonical unit everywhere in this package
	BestBidCents     int64
	BestAskCents     int64
	TimestampMillis  int64
}

// AggregatedPrice is published once per aggregation tick.
type AggregatedPrice struct {
	Valid               bool // false until at least one source has ever reported
	PriceCents          int64
	ContributingSources int
	TimestampMillis     int64
}
