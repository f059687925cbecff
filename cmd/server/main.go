package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/btc1m/exchange/internal/api"
	"github.com/btc1m/exchange/internal/archive"
	"github.com/btc1m/exchange/internal/auth"
	"github.com/btc1m/exchange/internal/config"
	"github.com/btc1m/exchange/internal/ledger"
	"github.com/btc1m/exchange/internal/matching"
	"github.com/btc1m/exchange/internal/metrics"
	"github.com/btc1m/exchange/internal/pricefeed"
	"github.com/btc1m/exchange/internal/round"
	"github.com/btc1m/exchange/internal/session"
	"github.com/btc1m/exchange/internal/settlement"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("exchange starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	store, err := ledger.NewStore(ctx, cfg.MongoURI, logger)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer store.Close(context.Background())

	if err := store.Migrate(ctx); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// Reference price feed: weighted aggregation of a Coinbase-style WS
	// adapter and a Kraken-style REST polling adapter, archived every tick.
	weights, err := config.ParseSourceWeights(cfg.SourceWeights)
	if err != nil {
		logger.Error("source weights", "error", err)
		os.Exit(1)
	}
	aggregator := pricefeed.NewAggregator(weights, cfg.AggregateInterval, cfg.StalenessWarnMs, logger)
	feed := pricefeed.NewReferencePriceFeed(store, logger)

	wsAdapter := pricefeed.NewWSAdapter("coinbase", cfg.CoinbaseWSURL, []byte(`{"type":"subscribe","channels":["ticker"]}`), logger)
	pollAdapter := pricefeed.NewPollAdapter("kraken", cfg.KrakenRESTURL, cfg.KrakenPollFreq, logger)
	aggregator.Ingest(ctx, wsAdapter)
	aggregator.Ingest(ctx, pollAdapter)
	go wsAdapter.Run(ctx)
	go pollAdapter.Run(ctx)
	go aggregator.Run(ctx)
	go feed.Run(ctx, aggregator)
	go reportSourceHealth(ctx, wsAdapter, pollAdapter)

	// Session gateway, constructed before the engines so they can report
	// into it; SetBookSource closes the init-order loop once the matching
	// engine exists.
	mgr := session.NewManager(cfg.SendBufferSize, logger)
	gw := session.NewGateway(mgr, cfg.OrderBookDebounce, logger)

	matchingEngine := matching.NewEngine(store, gw, int64(cfg.MaxSharesPerOrder), logger)
	gw.SetBookSource(matchingEngine)

	openOrders, err := store.LoadOpenRoundState(ctx)
	if err != nil {
		logger.Error("load open round state", "error", err)
		os.Exit(1)
	}
	matchingEngine.Restore(openOrders)

	settlementEngine := settlement.NewEngine(store, matchingEngine, gw, logger)

	verifier := auth.NewVerifier(cfg.AuthSecret)

	controller := round.NewController(
		feed, matchingEngine, settlementEngine, store, gw,
		cfg.ProvisionHorizon, cfg.ArchivePastRounds, logger,
	)
	controller.Init(time.Now())
	go func() {
		if err := controller.Run(ctx, cfg.TickInterval); err != nil && ctx.Err() == nil {
			logger.Error("round controller stopped", "error", err)
		}
	}()

	go streamPriceBroadcast(ctx, feed, gw)

	wsServer := session.NewServer(mgr, gw, matchingEngine, settlementEngine, controller, store, verifier, feed, logger)
	apiServer := api.NewServer(store, controller, verifier)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","clients":%d}`, mgr.ClientCount())
	})
	apiServer.Register(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.WSPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	if cfg.MetricsPort > 0 {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metrics.Handler())
			addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort)
			logger.Info("metrics server listening", "addr", addr)
			if err := http.ListenAndServe(addr, metricsMux); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	if cfg.S3Bucket != "" {
		awsCfg, err := archive.LoadAWSConfig(ctx, cfg.S3Region)
		if err != nil {
			logger.Error("failed to load AWS config, archival disabled", "error", err)
		} else {
			archiver := archive.New(store.DB(), s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Prefix, cfg.ArchiveIntervalHours, cfg.ArchiveAfterHours, logger)
			go archiver.Run(ctx)
		}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("exchange stopped")
}

// reportSourceHealth polls each adapter's cumulative reconnect count and
// adds the delta to the Prometheus counter, since ReconnectCount itself is
// a running total rather than an event stream.
func reportSourceHealth(ctx context.Context, wsAdapter *pricefeed.WSAdapter, pollAdapter *pricefeed.PollAdapter) {
	var lastWS, lastPoll uint64
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := wsAdapter.ReconnectCount(); n > lastWS {
				metrics.PriceFeedReconnects.WithLabelValues(wsAdapter.SourceID()).Add(float64(n - lastWS))
				lastWS = n
			}
			if n := pollAdapter.ReconnectCount(); n > lastPoll {
				metrics.PriceFeedReconnects.WithLabelValues(pollAdapter.SourceID()).Add(float64(n - lastPoll))
				lastPoll = n
			}
		}
	}
}

// streamPriceBroadcast fans the reference feed's published ticks out to
// every connected client.
func streamPriceBroadcast(ctx context.Context, feed *pricefeed.ReferencePriceFeed, gw *session.Gateway) {
	ch := feed.Subscribe()
	defer feed.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			if p.Valid {
				metrics.PriceFeedSourcesLive.Set(float64(p.ContributingSources))
				gw.BroadcastPrice(p.PriceCents, p.TimestampMillis)
			}
		}
	}
}
