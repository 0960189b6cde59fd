package persistence

import (
	"TermLedger/internal/core"
	"TermLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EngineSource lists the engines to snapshot.
type EngineSource interface {
	Engines() []*core.Engine
}

type pendingSnapshot struct {
	sequence int64
	cursor   uint64
}

// Snapshotter periodically snapshots every engine. A snapshot becomes
// usable once the output at its sequence is persisted with the same state
// hash; the engine's consumed events below its cursor are then compacted.
type Snapshotter struct {
	engines  EngineSource
	store    *SnapshotStore
	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	pending map[uuid.UUID]pendingSnapshot
	taken   map[uuid.UUID]int64
}

func NewSnapshotter(engines EngineSource, store *SnapshotStore, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		engines:  engines,
		store:    store,
		interval: interval,
		metrics:  metrics,
		logger:   logger.With().Str("component", "snapshotter").Logger(),
		pending:  make(map[uuid.UUID]pendingSnapshot),
		taken:    make(map[uuid.UUID]int64),
	}
}

func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SnapshotAll(ctx)
		}
	}
}

// SnapshotAll makes one pass over every engine.
func (s *Snapshotter) SnapshotAll(ctx context.Context) {
	for _, e := range s.engines.Engines() {
		if err := s.snapshot(ctx, e); err != nil {
			if s.metrics != nil {
				s.metrics.PersistErrors.WithLabelValues("snapshot").Inc()
			}
			s.logger.Error().Err(err).Stringer("market", e.ID()).Msg("snapshot failed")
		}
	}
}

func (s *Snapshotter) snapshot(ctx context.Context, e *core.Engine) error {
	id := e.ID()
	if p, ok := s.pending[id]; ok {
		done, err := s.verify(ctx, e, p)
		if err != nil || !done {
			return err
		}
	}

	if last, ok := s.taken[id]; ok && e.Sequence()-1 == last {
		return nil
	}

	start := time.Now()
	snap := e.Snapshot()
	size, err := s.store.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}
	s.taken[id] = snap.Sequence
	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
	}

	p := pendingSnapshot{sequence: snap.Sequence, cursor: snap.QueueCursor}
	s.pending[id] = p
	_, err = s.verify(ctx, e, p)
	return err
}

// verify reports whether the pending snapshot was verified and compacted.
// A snapshot whose output is still in flight stays pending.
func (s *Snapshotter) verify(ctx context.Context, e *core.Engine, p pendingSnapshot) (bool, error) {
	err := s.store.Verify(ctx, e.ID(), p.sequence)
	if errors.Is(err, ErrNotPersisted) {
		return false, nil
	}
	if err != nil {
		delete(s.pending, e.ID())
		return false, err
	}
	delete(s.pending, e.ID())
	if err := e.CompactEvents(p.cursor); err != nil {
		return true, err
	}
	s.logger.Debug().Stringer("market", e.ID()).Int64("sequence", p.sequence).Msg("snapshot verified")
	return true, nil
}
