package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"trading-engine/internal/api"
	"trading-engine/internal/clock"
	"trading-engine/internal/config"
	"trading-engine/internal/db"
	"trading-engine/internal/engine"
	"trading-engine/internal/fanout"
	"trading-engine/internal/relay"
	"trading-engine/internal/sweep"
	"trading-engine/internal/ws"
)

func main() {
	configDir := "."
	if len(os.Args) > 1 {
		configDir = os.Args[1]
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatal("config", "err", err)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           cfg.LogLevel(),
		ReportTimestamp: true,
		Prefix:          "trading",
	})
	mainLog := logger.WithPrefix("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	store, err := openStore(ctx, cfg, mainLog)
	if err != nil {
		mainLog.Fatal("store", "err", err)
	}
	defer store.Close()

	// Fan-out, with the AMQP mirror when configured
	var sink fanout.Sink
	var mirror *relay.Relay
	if cfg.AMQP.URL != "" {
		mirror, err = relay.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange, 1024, logger)
		if err != nil {
			mainLog.Fatal("amqp relay", "err", err)
		}
		sink = mirror
		mainLog.Info("mirroring events", "exchange", cfg.AMQP.Exchange)
	}
	router := fanout.NewRouter(logger.WithPrefix("fanout"), sink)

	// Engines
	clk := clock.Real()
	cart := engine.NewCartBridge(store, clk)
	auctions := engine.NewAuctionEngine(store, router, clk, cart, logger)
	negotiations := engine.NewNegotiationEngine(store, router, clk, cart, cfg.Negotiation.DefaultTTL, logger)

	// Sweep
	job := sweep.NewJob(auctions, negotiations, router, clk, cfg.Sweep.Interval, logger)
	sweepDone := make(chan struct{})
	go func() {
		job.Run(ctx)
		close(sweepDone)
	}()

	// HTTP + WS
	auth := api.NewAuthenticator(cfg.Auth.JWTSecret)
	hub := ws.NewHub(router, auth, negotiations, ws.Options{
		SendBuffer: cfg.WS.SendBuffer,
		RateLimit:  rate.Limit(cfg.WS.RateLimit),
		RateBurst:  cfg.WS.RateBurst,
	}, logger)
	srv := api.NewServer(auctions, negotiations, cart, store, hub.HandleWS, auth, api.Options{
		RetryMaxElapsed: cfg.API.RetryMaxElapsed,
		RateLimit:       rate.Limit(cfg.API.RateLimit),
		RateBurst:       cfg.API.RateBurst,
	}, logger)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		mainLog.Info("listening", "addr", httpSrv.Addr, "store", cfg.Store.Driver)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLog.Error("server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	mainLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		mainLog.Warn("http shutdown", "err", err)
	}
	<-sweepDone
	hub.Close()
	router.Close()
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			mainLog.Warn("relay close", "err", err)
		}
	}
}

// openStore waits for Postgres to accept connections, then migrates.
func openStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (db.Store, error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn("using the in-memory store; state is lost on exit")
		return db.NewMemory(cfg.Store.StatementTimeout), nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	var pg *db.Postgres
	err := backoff.RetryNotify(func() error {
		var err error
		pg, err = db.Open(ctx, cfg.Store.DSN, db.PostgresOptions{
			MaxOpenConns:     cfg.Store.MaxOpenConns,
			StatementTimeout: cfg.Store.StatementTimeout,
		})
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Warn("database not ready", "err", err, "retry_in", next)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database")

	if err := pg.Migrate(); err != nil {
		pg.Close()
		return nil, err
	}
	logger.Info("migrations applied")
	return pg, nil
}
