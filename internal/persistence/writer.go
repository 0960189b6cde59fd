package persistence

import (
	"TermLedger/internal/core"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Postgres caps bind parameters per statement at 65535.
const maxParams = 65535

// OutputRow is a row of ledger.outputs.
type OutputRow struct {
	MarketID       uuid.UUID
	Sequence       int64
	Instruction    string
	IdempotencyKey string
	Timestamp      int64
	Command        []byte
	Effects        []byte
	StateHash      []byte
	PrevHash       []byte
	SourceSequence int64
}

// JournalRow is a row of ledger.journal.
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	MarketID      uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         int16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// Rows flattens one engine output into its table rows.
func Rows(out core.Output) (OutputRow, []JournalRow, error) {
	command, err := json.Marshal(out.Command)
	if err != nil {
		return OutputRow{}, nil, fmt.Errorf("marshal command %d: %w", out.Sequence, err)
	}
	effects, err := json.Marshal(out.Effects)
	if err != nil {
		return OutputRow{}, nil, fmt.Errorf("marshal effects %d: %w", out.Sequence, err)
	}
	row := OutputRow{
		MarketID:       out.Market,
		Sequence:       out.Sequence,
		Instruction:    out.Instruction.String(),
		IdempotencyKey: out.IdempotencyKey,
		Timestamp:      out.Timestamp,
		Command:        command,
		Effects:        effects,
		StateHash:      out.StateHash[:],
		PrevHash:       out.PrevHash[:],
		SourceSequence: out.Command.SourceSeq,
	}
	if out.Batch == nil {
		return row, nil, nil
	}
	journals := make([]JournalRow, len(out.Batch.Journals))
	for i, j := range out.Batch.Journals {
		journals[i] = JournalRow{
			JournalID:     j.JournalID,
			BatchID:       j.BatchID,
			MarketID:      out.Market,
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         int16(j.Asset),
			Amount:        j.Amount,
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		}
	}
	return row, journals, nil
}

// OutputWriter batch-inserts outputs and journals with multi-row INSERTs.
// Writes are idempotent so a retried batch does not fail on rows that
// already landed.
type OutputWriter struct{}

// WriteOutputs inserts output rows on tx.
func (OutputWriter) WriteOutputs(ctx context.Context, tx *sql.Tx, rows []OutputRow) error {
	const cols = 10
	return insertChunks(ctx, tx, len(rows), cols,
		`INSERT INTO ledger.outputs
		(market_id, sequence, instruction, idempotency_key, timestamp, command, effects, state_hash, prev_hash, source_sequence)
		VALUES `,
		" ON CONFLICT (market_id, sequence) DO NOTHING",
		func(i int, args []any) []any {
			r := rows[i]
			return append(args,
				r.MarketID, r.Sequence, r.Instruction, r.IdempotencyKey, r.Timestamp,
				r.Command, r.Effects, r.StateHash, r.PrevHash, r.SourceSequence,
			)
		})
}

// WriteJournals inserts journal rows on tx.
func (OutputWriter) WriteJournals(ctx context.Context, tx *sql.Tx, rows []JournalRow) error {
	const cols = 11
	return insertChunks(ctx, tx, len(rows), cols,
		`INSERT INTO ledger.journal
		(journal_id, batch_id, market_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `,
		" ON CONFLICT (journal_id) DO NOTHING",
		func(i int, args []any) []any {
			j := rows[i]
			return append(args,
				j.JournalID, j.BatchID, j.MarketID, j.EventRef, j.Sequence,
				j.DebitAccount, j.CreditAccount, j.Asset, j.Amount, j.JournalType, j.Timestamp,
			)
		})
}

// insertChunks issues one INSERT per chunk of rows that fits the parameter cap.
func insertChunks(ctx context.Context, tx *sql.Tx, n, cols int, head, tail string, appendRow func(i int, args []any) []any) error {
	per := maxParams / cols
	for start := 0; start < n; start += per {
		end := min(start+per, n)
		values := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*cols)
		for i := start; i < end; i++ {
			values = append(values, placeholders((i-start)*cols, cols))
			args = appendRow(i, args)
		}
		if _, err := tx.ExecContext(ctx, head+strings.Join(values, ", ")+tail, args...); err != nil {
			return err
		}
	}
	return nil
}

// placeholders renders "($base+1, ..., $base+cols)".
func placeholders(base, cols int) string {
	var b strings.Builder
	b.WriteByte('(')
	for c := 1; c <= cols; c++ {
		if c > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+c)
	}
	b.WriteByte(')')
	return b.String()
}
