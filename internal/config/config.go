package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all exchange process configuration.
type Config struct {
	// Server
	WSPort int
	Host   string

	// Database
	MongoURI string

	// Auth
	AuthSecret string

	// Retention
	TradeRetentionDays int
	PriceRetentionDays int

	// Round lifecycle
	TickInterval      time.Duration
	ProvisionHorizon  time.Duration
	ArchivePastRounds time.Duration

	// Price aggregation
	AggregateInterval time.Duration
	StalenessWarnMs   int64

	// Exchange adapters (comma-separated "id=weight" pairs, e.g. "coinbase=0.5,kraken=0.3,binance=0.2")
	SourceWeights string

	// Coinbase-style WS adapter
	CoinbaseWSURL string
	// Kraken-style REST polling adapter
	KrakenRESTURL  string
	KrakenPollFreq time.Duration

	// Gateway
	SendBufferSize     int
	OrderBookDebounce  time.Duration
	MaxSharesPerOrder  int

	// S3 archiver (opt-in: only active when S3Bucket is set)
	S3Bucket             string
	S3Region             string
	S3Prefix             string
	ArchiveIntervalHours int
	ArchiveAfterHours    int

	// Metrics
	MetricsPort int
}

func Load() *Config {
	c := &Config{}

	flag.IntVar(&c.WSPort, "port", envInt("EXCHANGE_PORT", 8100), "WebSocket server port")
	flag.StringVar(&c.Host, "host", envStr("EXCHANGE_HOST", "0.0.0.0"), "Listen host")

	flag.StringVar(&c.MongoURI, "mongo-uri", envStr("MONGO_URI", "mongodb://localhost:27017/btc1m"), "MongoDB connection URI")
	flag.StringVar(&c.AuthSecret, "auth-secret", envStr("AUTH_SECRET", ""), "Shared HMAC secret for identity claim verification")

	flag.IntVar(&c.TradeRetentionDays, "trade-retention", envInt("TRADE_RETENTION_DAYS", 30), "Trade log retention in days (parsed only; no component reads it and nothing is pruned by age)")
	flag.IntVar(&c.PriceRetentionDays, "price-retention", envInt("PRICE_RETENTION_DAYS", 7), "Price history retention in days (parsed only; no component reads it and nothing is pruned by age)")

	flag.DurationVar(&c.TickInterval, "tick-interval", envDuration("TICK_INTERVAL", 500*time.Millisecond), "Round lifecycle safety-net tick interval")
	flag.DurationVar(&c.ProvisionHorizon, "provision-horizon", envDuration("PROVISION_HORIZON", 5*time.Minute), "How far ahead future rounds are provisioned")
	flag.DurationVar(&c.ArchivePastRounds, "prune-after", envDuration("PRUNE_AFTER", 10*time.Minute), "Prune closed rounds this long after close")

	flag.DurationVar(&c.AggregateInterval, "aggregate-interval", envDuration("AGGREGATE_INTERVAL", time.Second), "Price aggregator publish interval")
	flag.Int64Var(&c.StalenessWarnMs, "staleness-warn-ms", envInt64("STALENESS_WARN_MS", 5000), "Sample age (ms) above which a source is logged as stale (informational only)")

	flag.StringVar(&c.SourceWeights, "source-weights", envStr("SOURCE_WEIGHTS", "coinbase=0.6,kraken=0.4"), "Comma-separated sourceID=weight pairs, must sum to 1.0")

	flag.StringVar(&c.CoinbaseWSURL, "coinbase-ws-url", envStr("COINBASE_WS_URL", "wss://ws-feed.exchange.coinbase.com"), "Coinbase-style WS exchange adapter endpoint")
	flag.StringVar(&c.KrakenRESTURL, "kraken-rest-url", envStr("KRAKEN_REST_URL", "https://api.kraken.com/0/public/Ticker?pair=XBTUSD"), "Kraken-style REST polling adapter endpoint")
	flag.DurationVar(&c.KrakenPollFreq, "kraken-poll-freq", envDuration("KRAKEN_POLL_FREQ", 2*time.Second), "Minimum interval between REST polls, must respect upstream rate limits")

	flag.IntVar(&c.SendBufferSize, "send-buffer", envInt("SEND_BUFFER", 256), "Per-client outbound send buffer size")
	flag.DurationVar(&c.OrderBookDebounce, "orderbook-debounce", envDuration("ORDERBOOK_DEBOUNCE", 50*time.Millisecond), "Minimum interval between orderbook broadcasts for one round")
	flag.IntVar(&c.MaxSharesPerOrder, "max-shares-per-order", envInt("MAX_SHARES_PER_ORDER", 100000), "Maximum shares allowed on a single order")

	flag.StringVar(&c.S3Bucket, "s3-bucket", envStr("S3_BUCKET", ""), "S3 bucket for trade archival (empty = disabled)")
	flag.StringVar(&c.S3Region, "s3-region", envStr("S3_REGION", "us-east-1"), "AWS region for S3")
	flag.StringVar(&c.S3Prefix, "s3-prefix", envStr("S3_PREFIX", "btc1m"), "S3 key prefix for archived data")
	flag.IntVar(&c.ArchiveIntervalHours, "archive-interval", envInt("ARCHIVE_INTERVAL_HOURS", 6), "Hours between archive runs")
	flag.IntVar(&c.ArchiveAfterHours, "archive-after", envInt("ARCHIVE_AFTER_HOURS", 24), "Archive records older than this many hours")

	flag.IntVar(&c.MetricsPort, "metrics-port", envInt("METRICS_PORT", 9090), "Prometheus /metrics listen port (0 = disabled)")

	flag.Parse()

	return c
}

// Validate checks the config for internally-consistent, usable values.
func (c *Config) Validate() error {
	if c.WSPort <= 0 || c.WSPort > 65535 {
		return fmt.Errorf("invalid port: %d", c.WSPort)
	}
	if c.MongoURI == "" {
		return fmt.Errorf("mongo-uri is required")
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("auth-secret is required")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick-interval must be positive")
	}
	if c.AggregateInterval <= 0 {
		return fmt.Errorf("aggregate-interval must be positive")
	}
	if c.MaxSharesPerOrder <= 0 {
		return fmt.Errorf("max-shares-per-order must be positive")
	}
	if _, err := ParseSourceWeights(c.SourceWeights); err != nil {
		return fmt.Errorf("source-weights: %w", err)
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return fmt.Errorf("s3-region required when s3-bucket is set")
	}
	return nil
}

// ParseSourceWeights parses "id=weight,id=weight,..." into a map. Exported so
// the aggregator and config validation share one parser.
func ParseSourceWeights(spec string) (map[string]float64, error) {
	out := make(map[string]float64)
	if spec == "" {
		return out, nil
	}
	start := 0
	for i := 0; i <= len(spec); i++ {
		if i == len(spec) || spec[i] == ',' {
			pair := spec[start:i]
			start = i + 1
			if pair == "" {
				continue
			}
			eq := -1
			for j := 0; j < len(pair); j++ {
				if pair[j] == '=' {
					eq = j
					break
				}
			}
			if eq < 0 {
				return nil, fmt.Errorf("malformed weight pair %q", pair)
			}
			id := pair[:eq]
			w, err := strconv.ParseFloat(pair[eq+1:], 64)
			if err != nil {
				return nil, fmt.Errorf("weight for %s: %w", id, err)
			}
			out[id] = w
		}
	}
	var total float64
	for _, w := range out {
		total += w
	}
	if len(out) > 0 && (total < 0.99 || total > 1.01) {
		return nil, fmt.Errorf("source weights sum to %.4f, want 1.0", total)
	}
	return out, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
