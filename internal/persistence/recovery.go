package persistence

import (
	"TermLedger/internal/core"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const replayPage = 1000

// CommandLog is what recovery rebuilds an engine from.
type CommandLog interface {
	LoadLatest(ctx context.Context, market uuid.UUID) (*core.Snapshot, error)
	LoadCommandsAfter(ctx context.Context, market uuid.UUID, after int64, limit int) ([]core.Command, int64, error)
}

// Recover rebuilds a freshly constructed engine: restore the newest
// verified snapshot, then replay every logged command after it. Without a
// snapshot the engine starts from an empty state and an empty event queue
// and replays the whole log. It returns the last replayed sequence.
func Recover(ctx context.Context, e *core.Engine, log CommandLog, logger zerolog.Logger) (int64, error) {
	snap, err := log.LoadLatest(ctx, e.ID())
	if err != nil {
		return 0, err
	}
	warm := snap != nil
	if !warm {
		snap = e.Snapshot()
		snap.QueueCursor, snap.QueueHead = 0, 0
	}
	if err := e.Restore(snap); err != nil {
		return 0, fmt.Errorf("restore %s at %d: %w", e.ID(), snap.Sequence, err)
	}

	after := snap.Sequence
	replayed := 0
	for {
		cmds, last, err := log.LoadCommandsAfter(ctx, e.ID(), after, replayPage)
		if err != nil {
			return after, err
		}
		if len(cmds) == 0 {
			break
		}
		if err := e.Replay(ctx, cmds); err != nil {
			return after, err
		}
		replayed += len(cmds)
		after = last
	}

	logger.Info().
		Stringer("market", e.ID()).
		Bool("from_snapshot", warm).
		Int64("snapshot_sequence", snap.Sequence).
		Int("replayed", replayed).
		Int64("sequence", after).
		Msg("market recovered")
	return after, nil
}
