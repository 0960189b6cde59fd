package ledger

import (
	"TermLedger/internal/errs"

	"github.com/google/uuid"
)

// DefaultEventBatchLimit bounds ConsumeEvents when a market does not set one.
const DefaultEventBatchLimit = 64

// Market is the configuration of one (asset, tenor) lending market.
type Market struct {
	ID                uuid.UUID `json:"id"`
	Asset             string    `json:"asset"`
	TenorSeconds      int64     `json:"tenor_seconds"`
	TickSize          uint64    `json:"tick_size"`
	MinOrderSize      uint64    `json:"min_order_size"`
	OrdersPaused      bool      `json:"orders_paused"`
	RedemptionsPaused bool      `json:"redemptions_paused"`
	FeeBps            uint16    `json:"fee_bps"`
	Nonce             uint64    `json:"nonce"`
	EventBatchLimit   int       `json:"event_batch_limit"`
	MaxOrdersPerSide  int       `json:"max_orders_per_side"`
	Vault             string    `json:"vault"`
	ClaimsMint        string    `json:"claims_mint"`
	TicketMint        string    `json:"ticket_mint"`
	CreatedAt         int64     `json:"created_at"`
}

// Validate checks the configuration is usable.
func (m *Market) Validate() error {
	if m.ID == uuid.Nil {
		return errs.ErrInvalidRequest.With("market id is required")
	}
	if m.Asset == "" {
		return errs.ErrInvalidRequest.With("market asset is required")
	}
	if m.TenorSeconds <= 0 {
		return errs.ErrInvalidRequest.With("tenor must be positive, got %d", m.TenorSeconds)
	}
	if m.TickSize == 0 {
		return errs.ErrInvalidRequest.With("tick size must be positive")
	}
	if m.FeeBps >= 10_000 {
		return errs.ErrInvalidRequest.With("fee %d bps must be below 10000", m.FeeBps)
	}
	if m.EventBatchLimit < 0 || m.MaxOrdersPerSide < 0 {
		return errs.ErrInvalidRequest.With("limits must not be negative")
	}
	return nil
}

// NextNonce hands out the per-market order nonce, used as the order id.
func (m *Market) NextNonce() uint64 {
	n := m.Nonce
	m.Nonce++
	return n
}

// BatchLimit caps a requested event batch size by the market limit.
func (m *Market) BatchLimit(requested int) int {
	limit := m.EventBatchLimit
	if limit <= 0 {
		limit = DefaultEventBatchLimit
	}
	if requested > 0 && requested < limit {
		return requested
	}
	return limit
}

// Maturity returns the maturation timestamp of an obligation created at ts.
func (m *Market) Maturity(ts int64) int64 {
	return ts + m.TenorSeconds
}
