package query

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/ledger"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const (
	// DefaultLimit bounds a history page when the caller names none.
	DefaultLimit = 100
	// MaxLimit is the largest page served.
	MaxLimit = 1000
	// maxChainBreaks caps how many hash chain breaks a report lists.
	maxChainBreaks = 10
)

// QueryService answers history questions from the persisted output log and
// journal. It only reads what the persistence worker has written, so its
// answers trail the in-memory engines by the persist channel backlog.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalances returns the journal balance of every account a user holds in a
// market, ordered by account path.
func (qs *QueryService) GetBalances(ctx context.Context, market, user uuid.UUID) ([]AccountBalance, error) {
	asOf, err := qs.getWatermark(ctx, market)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account, asset, SUM(delta)
		FROM (
			SELECT debit_account AS account, asset, amount AS delta
			FROM ledger.journal
			WHERE market_id = $1 AND debit_account LIKE $2
			UNION ALL
			SELECT credit_account, asset, -amount
			FROM ledger.journal
			WHERE market_id = $1 AND credit_account LIKE $2
		) moves
		GROUP BY account, asset
		ORDER BY account
	`, market, userPrefix(user))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := []AccountBalance{}
	for rows.Next() {
		var (
			b     AccountBalance
			asset int16
		)
		if err := rows.Scan(&b.Account, &asset, &b.Balance); err != nil {
			return nil, err
		}
		b.Asset = ledger.Asset(asset).String()
		b.AsOfSequence = asOf
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetJournalHistory returns a user's journals in a market, newest first.
// Pass the smallest sequence of the previous page as before to page back;
// zero starts from the newest.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	market, user uuid.UUID,
	limit int,
	before int64,
) ([]JournalEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM ledger.journal
		WHERE market_id = $1 AND (debit_account LIKE $2 OR credit_account LIKE $2)
	`
	args := []any{market, userPrefix(user)}
	argIdx := 3

	if before > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, before)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalEntry{}
	for rows.Next() {
		var (
			e     JournalEntry
			asset int16
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Asset = ledger.Asset(asset).String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutputs returns the persisted instructions of a market with a sequence
// above after, oldest first.
func (qs *QueryService) GetOutputs(ctx context.Context, market uuid.UUID, after int64, limit int) ([]OutputEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, instruction, idempotency_key, timestamp, state_hash, source_sequence
		FROM ledger.outputs
		WHERE market_id = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3
	`, market, after, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	outputs := []OutputEntry{}
	for rows.Next() {
		var (
			o    OutputEntry
			hash []byte
		)
		if err := rows.Scan(&o.Sequence, &o.Instruction, &o.IdempotencyKey, &o.Timestamp, &hash, &o.SourceSequence); err != nil {
			return nil, err
		}
		o.StateHash = hex.EncodeToString(hash)
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain of a market's output log and looks
// for gaps in its output and journal batch sequences.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, market uuid.UUID) (*IntegrityReport, error) {
	report := &IntegrityReport{Market: market}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(sequence), 0)
		FROM ledger.outputs
		WHERE market_id = $1
	`, market).Scan(&report.Outputs, &report.LastSequence); err != nil {
		return nil, err
	}
	if report.Outputs == 0 {
		return nil, errs.ErrMarketNotFound.With("no persisted outputs for %s", market)
	}
	report.MissingSequences = report.LastSequence - report.Outputs

	rows, err := qs.db.QueryContext(ctx, `
		SELECT o.sequence
		FROM ledger.outputs o
		JOIN ledger.outputs p ON p.market_id = o.market_id AND p.sequence = o.sequence - 1
		WHERE o.market_id = $1 AND o.prev_hash <> p.state_hash
		ORDER BY o.sequence
		LIMIT $2
	`, market, maxChainBreaks)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var batches, lastBatch int64
	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT sequence), COALESCE(MAX(sequence), 0)
		FROM ledger.journal
		WHERE market_id = $1
	`, market).Scan(&batches, &lastBatch); err != nil {
		return nil, err
	}
	report.MissingBatches = lastBatch - batches

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		report.MissingSequences == 0 &&
		report.MissingBatches == 0
	return report, nil
}

// --- helpers ---

// getWatermark is the last persisted sequence of a market.
func (qs *QueryService) getWatermark(ctx context.Context, market uuid.UUID) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM ledger.outputs WHERE market_id = $1
	`, market).Scan(&seq)
	return seq, err
}

func userPrefix(user uuid.UUID) string {
	return fmt.Sprintf("user:%s:%%", user)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
