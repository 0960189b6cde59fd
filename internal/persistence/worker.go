package persistence

import (
	"TermLedger/internal/core"
	"TermLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	retryBase = 100 * time.Millisecond
	retryMax  = 30 * time.Second
)

// PersistenceWorker drains the engines' persist channel and batch-writes
// outputs and their journals to Postgres. Engines send on that channel with
// a blocking send, so a slow worker stalls them instead of losing outputs.
type PersistenceWorker struct {
	db           *sql.DB
	writer       OutputWriter
	input        <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	input <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger.With().Str("component", "persistence").Logger(),
	}
}

// Run batches outputs and flushes when the batch fills or the flush timeout
// fires. It returns when ctx is cancelled or the input channel is closed,
// flushing what it holds first.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.Output, 0, pw.batchSize)
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	drain := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Int("outputs", len(batch)).Msg("batch flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			drain(context.WithoutCancel(ctx))
			return ctx.Err()

		case out, ok := <-pw.input:
			if !ok {
				drain(context.WithoutCancel(ctx))
				return nil
			}
			batch = append(batch, out)
			if len(batch) >= pw.batchSize {
				drain(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			drain(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write lands.
// Nothing is dropped: once ctx is cancelled it makes one last attempt on a
// detached context and reports that result.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.Output) error {
	backoff := retryBase
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("outputs", len(batch)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.Flush(context.WithoutCancel(ctx), batch); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, retryMax)
		}

		err := pw.Flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

// Flush writes one batch in a single transaction.
func (pw *PersistenceWorker) Flush(ctx context.Context, batch []core.Output) error {
	start := time.Now()

	outputs := make([]OutputRow, 0, len(batch))
	var journals []JournalRow
	for _, out := range batch {
		row, js, err := Rows(out)
		if err != nil {
			pw.fail("encode")
			return err
		}
		outputs = append(outputs, row)
		journals = append(journals, js...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.fail("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteOutputs(ctx, tx, outputs); err != nil {
		pw.fail("write_outputs")
		return err
	}
	if err := pw.writer.WriteJournals(ctx, tx, journals); err != nil {
		pw.fail("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.fail("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(outputs)))
		pw.metrics.PersistOutputsWritten.Add(float64(len(outputs)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(outputs) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(outputs[len(outputs)-1].Sequence))
		}
	}
	return nil
}

func (pw *PersistenceWorker) fail(op string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(op).Inc()
	}
}
