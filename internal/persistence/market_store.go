package persistence

import (
	"TermLedger/internal/ledger"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// MarketStore keeps market definitions so a restart can reopen every market.
type MarketStore struct {
	db *sql.DB
}

func NewMarketStore(db *sql.DB) *MarketStore {
	return &MarketStore{db: db}
}

// SaveMarket inserts or replaces a market's configuration.
func (s *MarketStore) SaveMarket(ctx context.Context, m ledger.Market) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal market: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger.markets (market_id, config)
		VALUES ($1, $2)
		ON CONFLICT (market_id) DO UPDATE SET config = $2, updated_at = NOW()
	`, m.ID, data)
	return err
}

// LoadMarkets returns every stored market, oldest first.
func (s *MarketStore) LoadMarkets(ctx context.Context) ([]ledger.Market, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config FROM ledger.markets ORDER BY created_at, market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []ledger.Market
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m ledger.Market
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("unmarshal market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}
