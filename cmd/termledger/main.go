package main

import (
	"TermLedger/internal/config"
	"TermLedger/internal/core"
	"TermLedger/internal/crank"
	"TermLedger/internal/ingestion"
	"TermLedger/internal/ledger"
	"TermLedger/internal/observability"
	"TermLedger/internal/persistence"
	"TermLedger/internal/query"
	"TermLedger/internal/queue"
	"TermLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func main() {
	envFile := flag.String("env", "", "path to a .env file (default ./.env)")
	flag.Parse()

	cfg := config.Load(*envFile)
	logger := observability.NewLoggerTo(os.Stdout, "termledger", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Msg("TermLedger starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	healthChecker.AddCheck("postgres", db.PingContext)
	logger.Info().Msg("postgres connected")

	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Event queues ---
	pdb, err := queue.OpenPebble(cfg.PebbleDir, nil)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.PebbleDir).Msg("open event queues")
	}
	defer pdb.Close()

	// --- NATS ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATSEnabled {
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			logger.Fatal().Err(err).Msg("ensure NATS streams")
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	}

	// --- Channels ---
	// persist blocks (backpressure), publish drops when full
	persistChan := make(chan core.Output, cfg.PersistChanSize)
	var publishChan chan core.Output
	if cfg.NATSEnabled {
		publishChan = make(chan core.Output, cfg.PublishChanSize)
	}

	// The persistence worker outlives the request context so every output
	// emitted before shutdown reaches Postgres; it stops when persistChan closes.
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, logger)
	persistDone := make(chan error, 1)
	go func() {
		persistDone <- persistWorker.Run(context.Background())
	}()

	// --- Engines ---
	notes := persistence.NewPostgresNotes(db)
	marketStore := persistence.NewMarketStore(db)
	factory := func(m ledger.Market) (*core.Engine, error) {
		events, err := queue.NewPebbleQueue(pdb, m.ID)
		if err != nil {
			return nil, fmt.Errorf("event queue %s: %w", m.ID, err)
		}
		opts := core.Options{
			Notes:         notes,
			DedupCapacity: cfg.IdempotencyLRUCapacity,
			DedupStore:    persistence.NewPostgresIdempotencyChecker(db, m.ID),
			Persist:       persistChan,
			Metrics:       metrics,
			Logger:        logger.With().Stringer("market", m.ID).Logger(),
		}
		if publishChan != nil {
			opts.Publish = publishChan
		}
		return core.NewEngine(m, events, opts)
	}
	registry := core.NewRegistry(factory, marketStore)

	snapshots := persistence.NewSnapshotStore(db)
	if err := recoverMarkets(ctx, registry, factory, marketStore, snapshots, logger); err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 8)
	var producers sync.WaitGroup
	spawn := func(name string, fn func() error) {
		producers.Add(1)
		go func() {
			defer producers.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. NATS ingest and outbound publisher
	var subscriber *ingestion.CommandSubscriber
	publishDone := make(chan struct{})
	if cfg.NATSEnabled {
		subscriber = ingestion.NewCommandSubscriber(js, registry, metrics, logger)
		if err := subscriber.Subscribe(ctx); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, logger)
		go func() {
			defer close(publishDone)
			publisher.Run(context.Background())
		}()
	} else {
		close(publishDone)
	}

	// 2. gRPC server and HTTP gateway
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Service:     server.NewService(registry),
		History:     query.NewQueryService(db),
		Health:      healthChecker,
		Metrics:     metrics,
		Gatherer:    prometheus.DefaultGatherer,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})
	spawn("grpc", func() error { return grpcServer.StartGRPC(ctx) })
	spawn("http", func() error { return grpcServer.StartHTTPGateway(ctx) })

	// 3. In-process crank
	if cfg.CrankEnabled {
		el := crank.NewEngineLedger(registry)
		q := crank.NewDedupQueue[crank.Target]()
		sweeper := crank.NewSweeper(el, q, metrics, logger.With().Str("component", "sweeper").Logger())
		crankCfg := cfg.Crank
		crankCfg.ExitWhenDone = false
		scheduler := crank.NewScheduler(q, crank.LedgerSettler{Ledger: el}, crankCfg, metrics, logger.With().Str("component", "crank").Logger())
		spawn("sweeper", func() error { return sweeper.Run(ctx, cfg.SweepInterval) })
		spawn("crank", func() error { return scheduler.Run(ctx) })
	}

	// 4. Periodic snapshots
	snapshotter := persistence.NewSnapshotter(registry, snapshots, cfg.SnapshotInterval, metrics, logger)
	spawn("snapshotter", func() error { return snapshotter.Run(ctx) })

	// 5. Channel gauges
	spawn("channels", func() error {
		watchChannels(ctx, metrics, persistChan, publishChan)
		return nil
	})

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int("markets", len(registry.Engines())).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Bool("nats", cfg.NATSEnabled).
		Bool("crank", cfg.CrankEnabled).
		Msg("TermLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Stringer("signal", sig).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop every producer of outputs, drain persistence, then take a final snapshot
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	producers.Wait()

	close(persistChan)
	if err := <-persistDone; err != nil {
		logger.Error().Err(err).Msg("persistence worker")
	}
	if publishChan != nil {
		close(publishChan)
	}
	<-publishDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	snapshotter.SnapshotAll(shutdownCtx)

	logger.Info().Msg("TermLedger shutdown complete")
}

// recoverMarkets opens every stored market and rebuilds it from its latest
// verified snapshot and the output log.
func recoverMarkets(
	ctx context.Context,
	registry *core.Registry,
	factory core.EngineFactory,
	store *persistence.MarketStore,
	log persistence.CommandLog,
	logger zerolog.Logger,
) error {
	markets, err := store.LoadMarkets(ctx)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	for _, m := range markets {
		e, err := factory(m)
		if err != nil {
			return err
		}
		if _, err := persistence.Recover(ctx, e, log, logger); err != nil {
			return fmt.Errorf("recover %s: %w", m.ID, err)
		}
		registry.Add(e)
	}
	logger.Info().Int("markets", len(markets)).Msg("markets loaded")
	return nil
}

// watchChannels samples output channel depth until ctx is done.
func watchChannels(ctx context.Context, metrics *observability.Metrics, persist, publish chan core.Output) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			if publish != nil {
				metrics.SetChannelMetrics("publish", len(publish), cap(publish))
			}
		}
	}
}
