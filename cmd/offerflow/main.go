package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"offerflow/internal/api"
	"offerflow/internal/breaker"
	"offerflow/internal/cache"
	"offerflow/internal/config"
	"offerflow/internal/janitor"
	"offerflow/internal/metrics"
	"offerflow/internal/notify"
	"offerflow/internal/offer"
	"offerflow/internal/push"
	"offerflow/internal/queue"
	"offerflow/internal/store"
	"offerflow/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "optional YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure offers schema")
	}
	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure jobs schema")
	}

	// Separate breakers per dependency: the cache is more tolerant, the
	// durable store stricter.
	cacheBrk := breaker.New("redis", cfg.CacheBreakerThreshold, cfg.BreakerCooldown)
	cacheBrk.OnStateChange(metrics.BreakerStateHook)
	storeBrk := breaker.New("sqlite", cfg.StoreBreakerThreshold, cfg.BreakerCooldown)
	storeBrk.OnStateChange(metrics.BreakerStateHook)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statusCache, err := cache.New(ctx, cfg.RedisAddr, cacheBrk, cfg.RedisTimeout)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
	}
	defer statusCache.Close()

	offers := store.New(db, storeBrk)
	repo := queue.NewSQLiteRepo(db)
	hub := push.NewHub()
	notifier := notify.New(cfg.NotifierURL, cfg.NotifierTimeout)

	coordinator := offer.NewCoordinator(offers, statusCache, repo, hub, notifier, cfg.Grace)

	pool := worker.NewPool(repo, offer.Handlers(coordinator), cfg.Workers, cfg.PollInterval)
	go pool.Run(ctx)

	jan, err := janitor.New(repo, cfg.JanitorSchedule, cfg.JobRetention)
	if err != nil {
		log.Fatal().Err(err).Msg("parse janitor schedule")
	}
	go jan.Run(ctx)

	handler := api.NewServer(api.Options{
		Service: coordinator,
		Reader:  offers,
		Ready: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("sqlite: %w", err)
			}
			if _, err := statusCache.Status(ctx, "readiness-probe"); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
		WS:          hub.ServeWS,
		EnableDebug: cfg.Debug,
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: handler}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	cancel()
}
