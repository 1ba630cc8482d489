/*
Package main wires together the trade ingestion pipeline: the storage
gateway, the in-process trade bus, the candle aggregator, the Kalshi and
Polymarket ingesters, the WebSocket fan-out hub, and the HTTP query API.

It starts every stage in dependency order, serves the query API and the
Prometheus metrics endpoint on separate listeners, and on SIGINT/SIGTERM
tears the pipeline down in this order: ingesters stop first, then the
aggregator drains whatever the bus already queued, then the hub closes
every connection that holds a subscription, and the storage gateway's
pool closes last.

Usage:

	go run ./cmd/server
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nealsshah/dawn-trial/internal/aggregator"
	"github.com/nealsshah/dawn-trial/internal/bus"
	"github.com/nealsshah/dawn-trial/internal/config"
	"github.com/nealsshah/dawn-trial/internal/httpapi"
	"github.com/nealsshah/dawn-trial/internal/ingest/kalshi"
	"github.com/nealsshah/dawn-trial/internal/ingest/polymarket"
	"github.com/nealsshah/dawn-trial/internal/marketmeta"
	"github.com/nealsshah/dawn-trial/internal/metrics"
	"github.com/nealsshah/dawn-trial/internal/storage"
	"github.com/nealsshah/dawn-trial/internal/wshub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger isn't configured yet; this is the one place we write
		// straight to stderr.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	store, err := storage.Open(storage.Option{DSN: cfg.DatabaseURL, MaxOpenConns: cfg.DBMaxOpenConns})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	log.Info().Str("database", cfg.MaskedDatabaseURL()).Msg("storage connected")

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := aggregator.RunBackfill(rootCtx, store); err != nil {
		log.Fatal().Err(err).Msg("candle backfill failed")
	}

	tracker := metrics.New()
	meta := newMarketMetaResolver(cfg)

	b := bus.New(bus.DefaultMailboxSize, tracker)
	busCtx, busCancel := context.WithCancel(context.Background())
	var busWG sync.WaitGroup
	busWG.Add(1)
	go func() {
		defer busWG.Done()
		if err := b.Run(busCtx); err != nil {
			log.Error().Err(err).Msg("bus stopped unexpectedly")
		}
	}()

	aggSub, err := b.Subscribe()
	if err != nil {
		log.Fatal().Err(err).Msg("aggregator subscribe failed")
	}
	agg := aggregator.New(store, aggSub)
	aggCtx, aggCancel := context.WithCancel(context.Background())
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		if err := agg.Run(aggCtx); err != nil {
			log.Error().Err(err).Msg("aggregator stopped unexpectedly")
		}
	}()

	metricsSub, err := b.Subscribe()
	if err != nil {
		log.Fatal().Err(err).Msg("metrics subscribe failed")
	}
	go runMetricsCollector(metricsSub, tracker)

	hub := wshub.New(cfg.FrontendURL, tracker)
	hubSub, err := b.Subscribe()
	if err != nil {
		log.Fatal().Err(err).Msg("hub subscribe failed")
	}
	hubStopCh := make(chan struct{})
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubStopCh, hubSub)
	}()

	ingestCtx, ingestCancel := context.WithCancel(context.Background())
	var ingestWG sync.WaitGroup

	if cfg.KalshiAPIKeyID != "" {
		signer, err := kalshi.NewSigner(cfg.KalshiAPIKeyID, cfg.KalshiPrivateKey)
		if err != nil {
			log.Fatal().Err(err).Msg("kalshi signer init failed")
		}
		markets := cfg.KalshiMarketList()
		ing := kalshi.New(kalshi.Config{Markets: markets}, signer, store, b, log.Logger)
		ingestWG.Add(1)
		go func() {
			defer ingestWG.Done()
			if err := ing.Run(ingestCtx); err != nil {
				log.Error().Err(err).Msg("kalshi ingester stopped")
			}
		}()
		log.Info().Strs("markets", markets).Msg("kalshi ingester started")
	} else {
		log.Warn().Msg("KALSHI_API_KEY_ID not set, kalshi ingester disabled")
	}

	if cfg.AlchemyWSURL != "" {
		markets := cfg.PolymarketMarketList()
		ing := polymarket.New(polymarket.Config{WSURL: cfg.AlchemyWSURL, Markets: markets}, store, b, log.Logger)
		ingestWG.Add(1)
		go func() {
			defer ingestWG.Done()
			if err := ing.Run(ingestCtx); err != nil {
				log.Error().Err(err).Msg("polymarket ingester stopped")
			}
		}()
		log.Info().Strs("markets", markets).Msg("polymarket ingester started")
	} else {
		log.Warn().Msg("ALCHEMY_WS_URL not set, polymarket ingester disabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.New(store, tracker, meta, log.Logger))
	mux.Handle("/ws", hub)
	apiServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: metricsMux}

	serverErrCh := make(chan error, 2)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		log.Info().Int("port", cfg.MetricsPort).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErrCh:
		log.Error().Err(err).Msg("server failed, shutting down")
	}

	shutdown(shutdownDeps{
		grace:         cfg.ShutdownGrace(),
		apiServer:     apiServer,
		metricsServer: metricsServer,
		ingestCancel:  ingestCancel,
		ingestWG:      &ingestWG,
		aggCancel:     aggCancel,
		aggDone:       aggDone,
		hubStopCh:     hubStopCh,
		hubDone:       hubDone,
		busCancel:     busCancel,
		busWG:         &busWG,
		store:         store,
	})
}

// newMarketMetaResolver wires a Redis-shared title cache when REDIS_URL
// is configured, falling back to the in-process cache otherwise. No
// concrete title source is wired here — that lives outside this
// pipeline — so both paths wrap marketmeta.NoOp.
func newMarketMetaResolver(cfg *config.Config) marketmeta.Resolver {
	if cfg.RedisURL == "" {
		return marketmeta.NewCachingResolver(nil)
	}

	resolver, err := marketmeta.NewRedisResolver(cfg.RedisURL, cfg.MarketTitleTTL(), nil, log.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("redis market title cache unavailable, falling back to in-process cache")
		return marketmeta.NewCachingResolver(nil)
	}
	return resolver
}

// setupLogger configures the global zerolog logger's level and writer,
// grounded on mas-Avi-candles/cmd's main.go console-writer setup.
func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// runMetricsCollector feeds every trade observed on the bus into the
// performance tracker until its subscription closes. The tracker is a
// pure observer, never on the hot write path.
func runMetricsCollector(sub *bus.Subscription, tracker *metrics.Tracker) {
	for trade := range sub.Trades {
		tracker.RecordTrade(trade, time.Now())
	}
}

type shutdownDeps struct {
	grace         time.Duration
	apiServer     *http.Server
	metricsServer *http.Server
	ingestCancel  context.CancelFunc
	ingestWG      *sync.WaitGroup
	aggCancel     context.CancelFunc
	aggDone       <-chan struct{}
	hubStopCh     chan struct{}
	hubDone       <-chan struct{}
	busCancel     context.CancelFunc
	busWG         *sync.WaitGroup
	store         *storage.Gateway
}

// shutdown tears the pipeline down in order: stop accepting new HTTP
// work, stop the ingesters and wait for them to drain, let the
// aggregator drain whatever reached the bus, close every subscribed
// WebSocket connection, stop the bus, then close the storage pool last.
func shutdown(d shutdownDeps) {
	shutCtx, cancel := context.WithTimeout(context.Background(), d.grace)
	defer cancel()

	if err := d.apiServer.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("api server shutdown error")
	}
	if err := d.metricsServer.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("metrics server shutdown error")
	}

	d.ingestCancel()
	if waitWithTimeout(d.ingestWG, d.grace) {
		log.Warn().Msg("ingesters did not stop within grace period")
	}

	d.aggCancel()
	waitChanWithTimeout(d.aggDone, d.grace)

	close(d.hubStopCh)
	waitChanWithTimeout(d.hubDone, d.grace)

	d.busCancel()
	if waitWithTimeout(d.busWG, d.grace) {
		log.Warn().Msg("bus did not stop within grace period")
	}

	if err := d.store.Close(); err != nil {
		log.Error().Err(err).Msg("storage close failed")
	}

	log.Info().Msg("shutdown complete")
}

// waitWithTimeout waits for wg with a deadline, returning true if the
// deadline elapsed first.
func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		return true
	}
}

func waitChanWithTimeout(ch <-chan struct{}, timeout time.Duration) {
	select {
	case <-ch:
	case <-time.After(timeout):
		log.Warn().Msg("component did not stop within grace period")
	}
}
