package persistence

import (
	"TermLedger/internal/core"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SnapshotStore saves engine snapshots and serves the command log replayed
// on top of them.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveSnapshot stores an unverified snapshot and returns its encoded size.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap *core.Snapshot) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger.snapshots (market_id, sequence, data, state_hash, size_bytes, verified)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (market_id, sequence) DO UPDATE
		SET data = EXCLUDED.data, state_hash = EXCLUDED.state_hash, size_bytes = EXCLUDED.size_bytes
	`, snap.Market.ID, snap.Sequence, data, snap.StateHash[:], len(data))
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// ErrNotPersisted means the output a snapshot must be checked against has
// not reached Postgres yet.
var ErrNotPersisted = errors.New("snapshot sequence not persisted yet")

// Verify checks a stored snapshot's hash against the persisted output at
// the same sequence and marks it verified when they agree.
func (s *SnapshotStore) Verify(ctx context.Context, market uuid.UUID, sequence int64) error {
	var snapHash, outHash []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state_hash FROM ledger.snapshots WHERE market_id = $1 AND sequence = $2
	`, market, sequence).Scan(&snapHash)
	if err != nil {
		return fmt.Errorf("read snapshot %d: %w", sequence, err)
	}
	if sequence > 0 {
		err = s.db.QueryRowContext(ctx, `
			SELECT state_hash FROM ledger.outputs WHERE market_id = $1 AND sequence = $2
		`, market, sequence).Scan(&outHash)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotPersisted
		}
		if err != nil {
			return fmt.Errorf("read output %d: %w", sequence, err)
		}
		if !bytes.Equal(snapHash, outHash) {
			return fmt.Errorf("snapshot %d of %s: state hash %x does not match output %x", sequence, market, snapHash, outHash)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE ledger.snapshots SET verified = TRUE WHERE market_id = $1 AND sequence = $2
	`, market, sequence)
	return err
}

// LoadLatest returns the newest verified snapshot of a market, or nil when
// there is none.
func (s *SnapshotStore) LoadLatest(ctx context.Context, market uuid.UUID) (*core.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM ledger.snapshots
		WHERE market_id = $1 AND verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`, market).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap core.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadCommandsAfter returns up to limit logged commands with sequence
// greater than after, in order.
func (s *SnapshotStore) LoadCommandsAfter(ctx context.Context, market uuid.UUID, after int64, limit int) ([]core.Command, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, command FROM ledger.outputs
		WHERE market_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, market, after, limit)
	if err != nil {
		return nil, after, err
	}
	defer rows.Close()

	var cmds []core.Command
	last := after
	for rows.Next() {
		var (
			seq  int64
			data []byte
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, after, err
		}
		if seq != last+1 {
			return nil, after, fmt.Errorf("output log of %s has a gap: %d follows %d", market, seq, last)
		}
		var cmd core.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, after, fmt.Errorf("unmarshal command %d: %w", seq, err)
		}
		cmds = append(cmds, cmd)
		last = seq
	}
	return cmds, last, rows.Err()
}

// LatestSequence returns the highest persisted output sequence of a market.
func (s *SnapshotStore) LatestSequence(ctx context.Context, market uuid.UUID) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM ledger.outputs WHERE market_id = $1
	`, market).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
