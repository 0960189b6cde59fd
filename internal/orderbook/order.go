package orderbook

import (
	"TermLedger/internal/fixedpoint"
	"TermLedger/internal/queue"
	"TermLedger/internal/tag"

	"github.com/google/uuid"
)

// SelfTradePolicy decides what happens when a taker would match its own resting order.
type SelfTradePolicy uint8

const (
	// SelfTradeAbort fails the whole placement.
	SelfTradeAbort SelfTradePolicy = iota
)

// Params are the market-level matching parameters.
type Params struct {
	TickSize         uint64
	MinBaseOrderSize uint64
	// MaxOrdersPerSide caps resting orders per side; 0 means unbounded.
	MaxOrdersPerSide int
}

// OrderParams describe one placement.
type OrderParams struct {
	OrderID    uint64
	Side       queue.Side
	MaxBase    uint64
	MaxQuote   uint64 // 0 means no quote limit
	LimitPrice fixedpoint.Price
	// MatchLimit caps the number of resting orders matched; 0 disables matching.
	MatchLimit  uint32
	PostOnly    bool
	PostAllowed bool
	SelfTrade   SelfTradePolicy
	Owner       uuid.UUID
	Tag         tag.OrderTag
}

// RestingOrder is an order on the book. For bids Quote is the reserved quote
// still available to pay for Base.
type RestingOrder struct {
	ID    uint64           `json:"id"`
	Side  queue.Side       `json:"side"`
	Price fixedpoint.Price `json:"price"`
	Base  uint64           `json:"base"`
	Quote uint64           `json:"quote"`
	Owner uuid.UUID        `json:"owner"`
	Tag   tag.OrderTag     `json:"tag"`
}

// Summary reports the outcome of a placement.
type Summary struct {
	OrderID     uint64 `json:"order_id"`
	BaseFilled  uint64 `json:"base_filled"`
	QuoteFilled uint64 `json:"quote_filled"`
	Posted      bool   `json:"posted"`
	PostedBase  uint64 `json:"posted_base"`
	PostedQuote uint64 `json:"posted_quote"`
	Matches     int    `json:"matches"`
}

// Level aggregates one price level for display.
type Level struct {
	Price  fixedpoint.Price `json:"price"`
	Base   uint64           `json:"base"`
	Orders int              `json:"orders"`
}
