/*
Package main implements the market-data aggregation and distribution server.

The server acquires 1-minute OHLCV bars and tick trades from an upstream
vendor, caches bars durably in a local SQLite database, aggregates them
into arbitrary timeframes, and serves them to websocket clients as
historical series, live-updating candles, or accelerated replay sessions.

Usage:

	go run main.go -addr=:8750

Vendor endpoints, the API key and the cache path come from the environment
(or a .env file); see internal/config for the variable names.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wieczorkowski/chronicle/internal/acquire"
	"github.com/wieczorkowski/chronicle/internal/config"
	"github.com/wieczorkowski/chronicle/internal/server"
	"github.com/wieczorkowski/chronicle/internal/session"
	"github.com/wieczorkowski/chronicle/internal/store"
	"github.com/wieczorkowski/chronicle/internal/timeframe"
	"github.com/wieczorkowski/chronicle/internal/upstream"
)

// Command-line flags override the corresponding environment settings
var (
	// addr specifies the TCP address for the websocket server to listen on
	addr = flag.String("addr", "", "Listen address (overrides APP_LISTEN_ADDR)")
	// dbPath specifies the bar cache location
	dbPath = flag.String("db", "", "Bar cache path (overrides STORE_PATH)")
)

// main wires the vendor client, bar cache, acquisition orchestrator and
// websocket server together, then serves until interrupted.
func main() {
	flag.Parse()

	// Initialize structured logger with timestamp and console output
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *addr != "" {
		cfg.App.ListenAddr = *addr
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if level, err := zerolog.ParseLevel(cfg.App.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	// Open the durable bar cache
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("failed to open bar cache")
	}
	defer st.Close()

	// Connect the upstream vendor client
	vendorClient, err := upstream.NewClient(upstream.Config{
		HistoricalURL:   cfg.Vendor.HistoricalURL,
		LiveURL:         cfg.Vendor.LiveURL,
		APIKey:          cfg.Vendor.APIKey,
		TLSInsecureSkip: cfg.Vendor.TLSInsecureSkip,
		IdleTimeout:     cfg.Vendor.IdleTimeout,
		MaxAttempts:     cfg.Vendor.MaxAttempts,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initiate vendor client")
	}

	// Session-aligned timeframe arithmetic (daily buckets open at 18:00 ET)
	aligner, err := timeframe.NewAligner()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initiate timeframe aligner")
	}

	srv := server.New(cfg.App, server.Deps{
		Store:    st,
		Acquirer: acquire.New(vendorClient, vendorClient, st),
		Trades:   tradeSubscriber{vendorClient},
		Aligner:  aligner,
	})

	httpServer := &http.Server{
		Addr:    cfg.App.ListenAddr,
		Handler: srv.Handler(),
	}

	// Set up signal handling for graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("initiating graceful shutdown")
		srv.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().
		Str("addr", cfg.App.ListenAddr).
		Str("cache", cfg.Store.Path).
		Msg("server starting")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("failed to serve")
	}
}

// tradeSubscriber adapts the vendor client's concrete trade stream to the
// session's interface.
type tradeSubscriber struct {
	client *upstream.Client
}

func (t tradeSubscriber) SubscribeTrades(ctx context.Context, instruments []string, startNs int64) (session.TradeStream, error) {
	stream, err := t.client.SubscribeTrades(ctx, instruments, startNs)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
