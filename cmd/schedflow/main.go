package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"schedflow/internal/api"
	"schedflow/internal/audit"
	"schedflow/internal/config"
	"schedflow/internal/dispatch"
	"schedflow/internal/executor"
	"schedflow/internal/payload"
	"schedflow/internal/queue"
	"schedflow/internal/render"
	"schedflow/internal/secret"
	"schedflow/internal/store"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML config file")
		addr         = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath       = flag.String("db", "", "SQLite DB path (overrides config)")
		workers      = flag.Int("workers", 0, "number of execution workers (overrides config)")
		interval     = flag.Duration("interval", 0, "dispatch cycle interval (overrides config)")
		dispatchOnly = flag.Bool("dispatch", false, "run the dispatch loop only, no HTTP API or workers")
		once         = flag.Bool("dispatch-once", false, "run exactly one dispatch cycle and exit")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *interval > 0 {
		cfg.DispatchInterval = *interval
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure store schema")
	}
	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure queue schema")
	}

	repo := store.NewSQLiteRepo(db)
	q := queue.NewSQLiteQueue(db)

	var codec secret.Codec = secret.Plaintext{}
	if cfg.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("decode encryption key")
		}
		codec, err = secret.NewAESGCM(key)
		if err != nil {
			log.Fatal().Err(err).Msg("init encryption")
		}
	}

	builders, err := payload.NewRegistry()
	if err != nil {
		log.Fatal().Err(err).Msg("init payload builders")
	}
	renderers := render.NewRegistry()
	sink := audit.NewStoreSink(repo)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.WebhookRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.WebhookRatePerSec), 1)
	}
	exec := executor.New(repo, builders, codec, sink,
		executor.WithTimeout(cfg.WebhookTimeout),
		executor.WithRateLimit(limiter))

	loop := dispatch.NewLoop(repo, q, cfg.DispatchInterval)

	if *once {
		n := loop.RunOnce(context.Background())
		log.Info().Int("dispatched", n).Msg("dispatch cycle complete")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	var srv *http.Server
	if !*dispatchOnly {
		if n, err := q.RecoverStale(ctx); err == nil && n > 0 {
			log.Info().Int("recovered", n).Msg("recovered stale execution jobs")
		}

		pool := executor.NewPool(repo, q, exec, cfg.Workers, cfg.QueuePoll)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()

		srv = &http.Server{Addr: cfg.Addr, Handler: api.NewServer(repo, q, exec, renderers, codec, sink)}
		go func() {
			log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("http server")
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	if srv != nil {
		ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTimeout()
		_ = srv.Shutdown(ctxTimeout)
	}
	wg.Wait()
}
