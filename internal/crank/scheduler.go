package crank

import (
	"TermLedger/internal/observability"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Settler performs one settlement attempt.
type Settler interface {
	Settle(ctx context.Context, t Target) error
}

// SettlerFunc adapts a function to Settler.
type SettlerFunc func(ctx context.Context, t Target) error

func (f SettlerFunc) Settle(ctx context.Context, t Target) error { return f(ctx, t) }

// Config tunes the scheduler loop.
type Config struct {
	BatchSize        int
	BatchDelay       time.Duration
	WaitForMoreDelay time.Duration
	// ExitWhenDone stops Run once the queue is drained and nothing is in
	// flight or waiting to be retried.
	ExitWhenDone bool
	RetryBase    time.Duration
	RetryMax     time.Duration
	// MaxAttempts drops a target after this many consecutive failures; 0 retries forever.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:        10,
		BatchDelay:       100 * time.Millisecond,
		WaitForMoreDelay: 2 * time.Second,
		RetryBase:        500 * time.Millisecond,
		RetryMax:         30 * time.Second,
	}
}

// Backoff returns base * 2^(attempt-1) capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt <= 1 || base <= 0 {
		return min(base, ceiling)
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	return d
}

// Scheduler pulls distinct targets from the queue in bounded batches and
// settles each in its own goroutine. A failed target goes back on the
// queue after a backoff; the loop itself never fails on a settlement error.
type Scheduler struct {
	queue   *DedupQueue[Target]
	settler Settler
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	active   map[Target]bool // in flight; true means it was popped again meanwhile
	failures map[Target]int
	timers   map[*time.Timer]Target
	inflight sync.WaitGroup
	retries  sync.WaitGroup
}

func NewScheduler(queue *DedupQueue[Target], settler Settler, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Scheduler{
		queue:    queue,
		settler:  settler,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		active:   make(map[Target]bool),
		failures: make(map[Target]int),
		timers:   make(map[*time.Timer]Target),
	}
}

// Queue is the work queue the scheduler drains.
func (s *Scheduler) Queue() *DedupQueue[Target] { return s.queue }

// Run loops until ctx is cancelled, or until the queue drains when
// ExitWhenDone is set. Cancellation is seen between batches; attempts
// already dispatched run to completion before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Int("batch_size", s.cfg.BatchSize).Bool("exit_when_done", s.cfg.ExitWhenDone).Msg("crank scheduler started")
	defer s.shutdown()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, delay := s.Step(ctx)

		if n < s.cfg.BatchSize && s.cfg.ExitWhenDone {
			s.inflight.Wait()
			s.retries.Wait()
			if s.queue.Len() == 0 {
				s.logger.Info().Msg("crank queue drained")
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Step pops one batch, dispatches it and returns the batch size and the
// delay before the next one: BatchDelay after a full batch, otherwise
// WaitForMoreDelay.
func (s *Scheduler) Step(ctx context.Context) (int, time.Duration) {
	batch := s.queue.PopMany(s.cfg.BatchSize)
	if s.metrics != nil {
		s.metrics.CrankBatches.Inc()
		s.metrics.CrankQueueDepth.Set(float64(s.queue.Len()))
	}

	for _, t := range batch {
		s.mu.Lock()
		if _, busy := s.active[t]; busy {
			s.active[t] = true
			s.mu.Unlock()
			continue
		}
		s.active[t] = false
		s.mu.Unlock()

		s.inflight.Add(1)
		if s.metrics != nil {
			s.metrics.CrankDispatched.Inc()
		}
		go s.dispatch(ctx, t)
	}

	if len(batch) < s.cfg.BatchSize {
		return len(batch), s.cfg.WaitForMoreDelay
	}
	return len(batch), s.cfg.BatchDelay
}

// Wait blocks until every dispatched attempt has finished.
func (s *Scheduler) Wait() { s.inflight.Wait() }

func (s *Scheduler) dispatch(ctx context.Context, t Target) {
	defer s.inflight.Done()

	start := time.Now()
	err := s.settler.Settle(context.WithoutCancel(ctx), t)
	if s.metrics != nil {
		s.metrics.CrankSettleDur.Observe(time.Since(start).Seconds())
	}

	s.mu.Lock()
	again := s.active[t]
	delete(s.active, t)
	if err == nil {
		delete(s.failures, t)
		s.mu.Unlock()
		if again {
			s.queue.Push(t)
		}
		return
	}
	s.failures[t]++
	attempt := s.failures[t]
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.CrankFailures.Inc()
	}
	if s.cfg.MaxAttempts > 0 && attempt >= s.cfg.MaxAttempts {
		s.mu.Lock()
		delete(s.failures, t)
		s.mu.Unlock()
		s.logger.Error().Err(err).Stringer("target", t).Int("attempts", attempt).Msg("settlement abandoned")
		return
	}
	delay := Backoff(attempt, s.cfg.RetryBase, s.cfg.RetryMax)
	s.logger.Warn().Err(err).Stringer("target", t).Int("attempt", attempt).Dur("retry_in", delay).Msg("settlement failed")
	s.requeueAfter(t, delay)
}

func (s *Scheduler) requeueAfter(t Target, delay time.Duration) {
	s.retries.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer s.retries.Done()
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()
		s.queue.Push(t)
	})
	s.timers[timer] = t
}

// shutdown waits for in-flight attempts and puts pending retries straight
// back on the queue.
func (s *Scheduler) shutdown() {
	s.inflight.Wait()
	s.mu.Lock()
	for timer, t := range s.timers {
		if timer.Stop() {
			delete(s.timers, timer)
			s.queue.Push(t)
			s.retries.Done()
		}
	}
	s.mu.Unlock()
	s.retries.Wait()
	s.logger.Info().Int("queued", s.queue.Len()).Msg("crank scheduler stopped")
}
