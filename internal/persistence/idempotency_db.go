package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

const idempotencyLookupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker answers the engine's durable dedup lookups
// from the persisted outputs of one market.
type PostgresIdempotencyChecker struct {
	db     *sql.DB
	market uuid.UUID
}

func NewPostgresIdempotencyChecker(db *sql.DB, market uuid.UUID) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db, market: market}
}

// IsDuplicate reports whether the market already committed instruction
// under idempotencyKey.
func (c *PostgresIdempotencyChecker) IsDuplicate(instruction string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyLookupTimeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1
		FROM ledger.outputs
		WHERE market_id = $1 AND instruction = $2 AND idempotency_key = $3
		LIMIT 1
	`, c.market, instruction, idempotencyKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
