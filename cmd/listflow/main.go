package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"listflow/internal/api"
	"listflow/internal/audit"
	"listflow/internal/channel"
	"listflow/internal/channel/command"
	"listflow/internal/channel/webhook"
	"listflow/internal/clock"
	"listflow/internal/config"
	"listflow/internal/dispatch"
	"listflow/internal/engine"
	"listflow/internal/lock"
	"listflow/internal/retry"
	"listflow/internal/scheduler"
	"listflow/internal/store"
	"listflow/internal/telemetry"
	"listflow/internal/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	var (
		addr  = flag.String("addr", cfg.Addr, "HTTP bind address")
		dsn   = flag.String("db", cfg.DBDSN, "database DSN or SQLite path")
		debug = flag.Bool("debug", false, "expose pprof handlers")
	)
	flag.Parse()

	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "listflow", cfg.OTelEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("setup tracing")
	}

	dialect, err := store.ParseDialect(cfg.DBDriver)
	if err != nil {
		log.Fatal().Err(err).Msg("db driver")
	}
	db, err := store.Open(dialect, *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	clk := clock.Real{}
	repo := store.NewRepo(db, dialect, clk)
	locks := lock.NewManager(repo, clk)
	registry := buildRegistry(cfg, clk)

	eng := engine.New(repo, locks, registry, engine.WithClock(clk))
	dispatcher := dispatch.New(repo, clk, dispatch.Config{
		Tolerance:  cfg.Tolerance,
		MaxPerTick: cfg.MaxPerTick,
		StaleAfter: cfg.StaleAfter,
	})
	retrier := retry.NewCoordinator(repo, eng, clk, retry.Config{Delay: cfg.RetryDelay, BatchSize: cfg.RetryBatchSize})
	svc := scheduler.NewService(dispatcher, eng, retrier, audit.NewRecorder(repo), clk)

	if n, err := dispatcher.Reconcile(ctx); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale in-progress schedules")
	} else {
		log.Error().Err(err).Msg("stale schedule reconciliation failed")
	}

	go func() {
		if err := svc.Start(ctx, cfg.TickSpec, cfg.RetrySpec); err != nil {
			log.Fatal().Err(err).Msg("schedule service")
		}
	}()

	handler := api.NewServer(svc, repo, locks, api.Options{
		Secret:      cfg.TriggerSecret,
		Production:  cfg.Production(),
		EnableDebug: *debug,
	})
	srv := &http.Server{Addr: *addr, Handler: handler}
	go func() {
		log.Info().Str("addr", *addr).Strs("channels", registry.Names()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	_ = shutdownTracing(ctxTimeout)
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if !cfg.Production() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

func buildRegistry(cfg config.Config, clk clock.Clock) *channel.Registry {
	reg := channel.NewRegistry()
	for _, ch := range cfg.Channels {
		switch ch.Kind {
		case "webhook":
			var tp webhook.TokenProvider
			if len(ch.Tokens) > 0 {
				tp = tokens.NewCache(tokens.StaticSource(ch.Tokens), cfg.TokenCacheSize, cfg.TokenCacheTTL, clk)
			}
			client := webhook.New(ch.Endpoint, ch.TimeoutDuration(), tp)
			client.Headers = ch.Headers
			reg.Register(ch.Name, client)
		case "command":
			reg.Register(ch.Name, command.Command{Path: ch.Command, Args: ch.Args})
		}
	}
	return reg
}
