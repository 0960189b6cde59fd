package core

import (
	"TermLedger/internal/ledger"
	"TermLedger/internal/settlement"
	"context"
)

// SettleResult reports one settlement.
type SettleResult struct {
	Notes            settlement.Result `json:"notes"`
	DisbursedTokens  uint64            `json:"disbursed_tokens"`
	DisbursedTickets uint64            `json:"disbursed_tickets"`
}

// Settle brings the user's external notes in line with the ledger, then pays
// out entitled tokens and tickets to the settlement destination. If the
// notes cannot be reconciled nothing is disbursed. Settling an unchanged
// user again issues no adjustments.
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (SettleResult, error) {
	return e.settle(ctx, req, source{})
}

func (e *Engine) settle(ctx context.Context, req SettleRequest, src source) (SettleResult, error) {
	var res SettleResult
	err := e.exec(InstructionSettle, req.Meta, req, src, func(t *txn) error {
		u, err := t.user(req.User)
		if err != nil {
			return err
		}
		if err := t.e.validator.ValidateUserAssets(u.ID, u.Assets); err != nil {
			return err
		}

		claims, err := u.Debt.Total()
		if err != nil {
			return err
		}
		collateral, err := u.Assets.Collateral()
		if err != nil {
			return err
		}
		res.Notes, err = t.e.reconciler.Reconcile(ctx, settlement.Position{
			User:              u.ID,
			ClaimsAccount:     u.Notes.Claims,
			CollateralAccount: u.Notes.Collateral,
			Claims:            claims,
			Collateral:        collateral,
		})
		if err != nil {
			return err
		}
		for _, adj := range []struct {
			name string
			adj  settlement.Adjustment
		}{{"claims", res.Notes.Claims}, {"collateral", res.Notes.Collateral}} {
			if adj.adj.Changed() {
				t.emit(Effect{Kind: EffectNotesReconciled, User: u.ID, Account: adj.adj.Account, Minted: adj.adj.Minted, Burned: adj.adj.Burned, Detail: adj.name})
			}
		}

		res.DisbursedTokens = u.Assets.EntitledTokens
		res.DisbursedTickets = u.Assets.EntitledTickets
		if err := t.transfer(disbursedAcct(ledger.AssetUnderlying), userAcct(u.ID, ledger.SubTypeEntitledTokens), res.DisbursedTokens, ledger.JournalTypeDisburse); err != nil {
			return err
		}
		if err := t.transfer(disbursedAcct(ledger.AssetTicket), userAcct(u.ID, ledger.SubTypeEntitledTickets), res.DisbursedTickets, ledger.JournalTypeDisburse); err != nil {
			return err
		}
		if res.DisbursedTokens > 0 {
			t.emit(Effect{Kind: EffectDisbursed, User: u.ID, Counter: u.Destination, Base: res.DisbursedTokens, Detail: ledger.AssetUnderlying.String()})
		}
		if res.DisbursedTickets > 0 {
			t.emit(Effect{Kind: EffectDisbursed, User: u.ID, Counter: u.Destination, Base: res.DisbursedTickets, Detail: ledger.AssetTicket.String()})
		}
		t.settled[u.ID] = struct{}{}
		return nil
	})
	if e.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		e.metrics.Settlements.WithLabelValues(result).Inc()
	}
	return res, err
}
