package core

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/ledger"
	"fmt"
	"strings"
)

// UpdateMarket changes pause flags, fee and limits. Book parameters take
// effect for placements after the update commits.
func (e *Engine) UpdateMarket(req UpdateMarketRequest) (ledger.Market, error) {
	return e.updateMarket(req, source{})
}

func (e *Engine) updateMarket(req UpdateMarketRequest, src source) (ledger.Market, error) {
	var out ledger.Market
	err := e.exec(InstructionUpdateMarket, req.Meta, req, src, func(t *txn) error {
		m := &t.market
		var changed []string
		if req.OrdersPaused != nil {
			m.OrdersPaused = *req.OrdersPaused
			changed = append(changed, fmt.Sprintf("orders_paused=%t", m.OrdersPaused))
		}
		if req.RedemptionsPaused != nil {
			m.RedemptionsPaused = *req.RedemptionsPaused
			changed = append(changed, fmt.Sprintf("redemptions_paused=%t", m.RedemptionsPaused))
		}
		if req.FeeBps != nil {
			m.FeeBps = *req.FeeBps
			changed = append(changed, fmt.Sprintf("fee_bps=%d", m.FeeBps))
		}
		if req.EventBatchLimit != nil {
			m.EventBatchLimit = *req.EventBatchLimit
			changed = append(changed, fmt.Sprintf("event_batch_limit=%d", m.EventBatchLimit))
		}
		if req.MaxOrdersPerSide != nil {
			m.MaxOrdersPerSide = *req.MaxOrdersPerSide
			changed = append(changed, fmt.Sprintf("max_orders_per_side=%d", m.MaxOrdersPerSide))
		}
		if req.MinOrderSize != nil {
			m.MinOrderSize = *req.MinOrderSize
			changed = append(changed, fmt.Sprintf("min_order_size=%d", m.MinOrderSize))
		}
		if len(changed) == 0 {
			return errs.ErrInvalidRequest.With("update_market: nothing to change")
		}
		if err := m.Validate(); err != nil {
			return err
		}
		params := bookParams(*m)
		t.emit(Effect{Kind: EffectMarketUpdated, Detail: strings.Join(changed, " ")})
		out = *m
		return t.setFinalize(func() error {
			t.e.book.SetParams(params)
			return nil
		})
	})
	return out, err
}
