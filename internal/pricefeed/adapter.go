package pricefeed

import "context"

// Adapter owns one upstream connection (WebSocket or REST polling) and
// emits PriceSamples on its Samples channel. Implementations reconnect
// internally with exponential backoff; Run blocks until ctx is cancelled.
type Adapter interface {
	// SourceID identifies the adapter's logical source(s); an adapter with
	// two quote currencies can still emit samples under two distinct
	// sourceIDs from Samples(), the label here is just the adapter's own name.
	SourceID() string
	Run(ctx context.Context) error
	Samples() <-chan PriceSample
	// ReconnectCount reports cumulative reconnect attempts for metrics/status.
	ReconnectCount() uint64
}

const maxReconnectAttempts = 10
