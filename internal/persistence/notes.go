package persistence

import (
	"TermLedger/internal/errs"
	"context"
	"database/sql"
	"errors"
	"strconv"
)

// PostgresNotes is a NoteLedger over ledger.notes. Balances are NUMERIC so
// the full uint64 range fits.
type PostgresNotes struct {
	db *sql.DB
}

func NewPostgresNotes(db *sql.DB) *PostgresNotes {
	return &PostgresNotes{db: db}
}

func (n *PostgresNotes) Balance(ctx context.Context, account string) (uint64, error) {
	var raw string
	err := n.db.QueryRowContext(ctx, `SELECT balance::TEXT FROM ledger.notes WHERE account = $1`, account).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrUnavailable.With("read note balance %s: %v", account, err)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errs.ErrOverflow.With("note balance %s = %s", account, raw)
	}
	return v, nil
}

func (n *PostgresNotes) Mint(ctx context.Context, account string, amount uint64) error {
	res, err := n.db.ExecContext(ctx, `
		INSERT INTO ledger.notes (account, balance)
		VALUES ($1, $2::NUMERIC)
		ON CONFLICT (account) DO UPDATE
		SET balance = ledger.notes.balance + EXCLUDED.balance, updated_at = NOW()
		WHERE ledger.notes.balance + EXCLUDED.balance <= 18446744073709551615
	`, account, strconv.FormatUint(amount, 10))
	if err != nil {
		return errs.ErrUnavailable.With("mint %d on %s: %v", amount, account, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return errs.ErrOverflow.With("mint %d on %s", amount, account)
	}
	return nil
}

func (n *PostgresNotes) Burn(ctx context.Context, account string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	res, err := n.db.ExecContext(ctx, `
		UPDATE ledger.notes
		SET balance = balance - $2::NUMERIC, updated_at = NOW()
		WHERE account = $1 AND balance >= $2::NUMERIC
	`, account, strconv.FormatUint(amount, 10))
	if err != nil {
		return errs.ErrUnavailable.With("burn %d from %s: %v", amount, account, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.ErrUnavailable.With("burn %d from %s: %v", amount, account, err)
	}
	if affected == 0 {
		return errs.ErrVaultInsufficient.With("burn %d from %s", amount, account)
	}
	return nil
}

// Set overwrites a balance. Used by operators and integration tests to
// stand in for an outside actor.
func (n *PostgresNotes) Set(ctx context.Context, account string, amount uint64) error {
	_, err := n.db.ExecContext(ctx, `
		INSERT INTO ledger.notes (account, balance)
		VALUES ($1, $2::NUMERIC)
		ON CONFLICT (account) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()
	`, account, strconv.FormatUint(amount, 10))
	return err
}
