package main

import (
	"TermLedger/internal/config"
	"TermLedger/internal/crank"
	"TermLedger/internal/observability"
	"TermLedger/internal/server"
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// crank drives event consumption, maturity handling, rolls and settlement
// of a remote ledger through its gRPC API.
func main() {
	envFile := flag.String("env", "", "path to a .env file (default ./.env)")
	target := flag.String("target", "", "ledger gRPC address (overrides TERM_LEDGER_TARGET)")
	once := flag.Bool("once", false, "sweep once, settle everything found and exit")
	metricsAddr := flag.String("metrics", "", "serve /metrics on this address")
	flag.Parse()

	cfg := config.Load(*envFile)
	if *target != "" {
		cfg.LedgerTarget = *target
	}
	if *once {
		cfg.Crank.ExitWhenDone = true
	}
	logger := observability.NewLoggerTo(os.Stdout, "crank", observability.ParseLogLevel(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
		defer srv.Close()
	}

	client, err := server.Dial(cfg.LedgerTarget)
	if err != nil {
		logger.Fatal().Err(err).Msg("dial ledger")
	}
	defer client.Close()
	logger.Info().Str("target", cfg.LedgerTarget).Bool("once", cfg.Crank.ExitWhenDone).Msg("crank starting")

	q := crank.NewDedupQueue[crank.Target]()
	sweeper := crank.NewSweeper(client, q, metrics, logger.With().Str("component", "sweeper").Logger())
	scheduler := crank.NewScheduler(q, crank.LedgerSettler{Ledger: client}, cfg.Crank, metrics, logger)

	if cfg.Crank.ExitWhenDone {
		stats := sweeper.Sweep(ctx)
		logger.Info().
			Int("consumed", stats.Consumed).
			Int("marked", stats.Marked).
			Int("rolled", stats.Rolled).
			Int("queued", stats.Queued).
			Msg("sweep done")
	} else {
		go sweeper.Run(ctx, cfg.SweepInterval)
	}

	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("crank stopped")
	}
	logger.Info().Msg("crank exited")
}
