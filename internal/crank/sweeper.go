package crank

import (
	"TermLedger/internal/observability"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxConsumeRounds bounds ConsumeEvents calls per market per sweep so one
// busy market cannot starve the others.
const maxConsumeRounds = 64

// SweepStats summarises one sweep.
type SweepStats struct {
	Consumed int
	Marked   int
	Rolled   int
	Queued   int
}

// Sweeper discovers crank work: it consumes queued events, flags matured
// loans, rolls matured auto-roll obligations and queues users whose ledger
// changed since their last settlement.
type Sweeper struct {
	ledger  Ledger
	queue   *DedupQueue[Target]
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewSweeper(ledger Ledger, queue *DedupQueue[Target], metrics *observability.Metrics, logger zerolog.Logger) *Sweeper {
	return &Sweeper{ledger: ledger, queue: queue, metrics: metrics, logger: logger}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats := s.Sweep(ctx)
		if stats != (SweepStats{}) {
			s.logger.Debug().
				Int("consumed", stats.Consumed).
				Int("marked", stats.Marked).
				Int("rolled", stats.Rolled).
				Int("queued", stats.Queued).
				Msg("sweep")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep makes one pass over every market. Errors are logged and counted;
// a failing market does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	markets, err := s.ledger.Markets(ctx)
	if err != nil {
		s.fail("markets", uuid.Nil, err)
		return stats
	}
	for _, m := range markets {
		if ctx.Err() != nil {
			return stats
		}
		s.sweepMarket(ctx, m, &stats)
	}
	return stats
}

func (s *Sweeper) sweepMarket(ctx context.Context, market uuid.UUID, stats *SweepStats) {
	for range maxConsumeRounds {
		res, err := s.ledger.ConsumeEvents(ctx, market, 0)
		if err != nil {
			s.fail("consume", market, err)
			break
		}
		stats.Consumed += res.Applied
		if res.Remaining == 0 || res.Applied == 0 {
			break
		}
	}

	marked, err := s.ledger.MarkDue(ctx, market)
	if err != nil {
		s.fail("mark_due", market, err)
	}
	stats.Marked += marked

	rollable, err := s.ledger.Rollable(ctx, market)
	if err != nil {
		s.fail("rollable", market, err)
	}
	for _, l := range rollable.Loans {
		if err := s.ledger.RollLoan(ctx, market, l.Owner, l.Seq); err != nil {
			s.rollFailed("loan", market, err)
			continue
		}
		stats.Rolled++
	}
	for _, d := range rollable.Deposits {
		if err := s.ledger.RollDeposit(ctx, market, d.Owner, d.Seq); err != nil {
			s.rollFailed("deposit", market, err)
			continue
		}
		stats.Rolled++
	}

	users, err := s.ledger.DirtyUsers(ctx, market)
	if err != nil {
		s.fail("dirty_users", market, err)
		return
	}
	for _, u := range users {
		stats.Queued += s.queue.Push(Target{Market: market, User: u})
	}
	if s.metrics != nil {
		s.metrics.CrankQueueDepth.Set(float64(s.queue.Len()))
	}
}

func (s *Sweeper) fail(stage string, market uuid.UUID, err error) {
	if s.metrics != nil {
		s.metrics.CrankSweepErrors.WithLabelValues(stage).Inc()
	}
	s.logger.Warn().Err(err).Str("stage", stage).Stringer("market", market).Msg("sweep step failed")
}

func (s *Sweeper) rollFailed(kind string, market uuid.UUID, err error) {
	if s.metrics != nil {
		s.metrics.Rolls.WithLabelValues(kind, "error").Inc()
	}
	s.logger.Info().Err(err).Str("kind", kind).Stringer("market", market).Msg("roll skipped")
}
