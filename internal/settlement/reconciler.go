package settlement

import (
	"TermLedger/internal/errs"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Position is what the ledger says a user's notes should hold.
type Position struct {
	User              uuid.UUID
	ClaimsAccount     string
	CollateralAccount string
	Claims            uint64 // Debt.Total
	Collateral        uint64 // Assets.Collateral
}

// Adjustment is the change applied to one note account.
type Adjustment struct {
	Account string `json:"account"`
	Before  uint64 `json:"before"`
	Target  uint64 `json:"target"`
	Minted  uint64 `json:"minted"`
	Burned  uint64 `json:"burned"`
}

// Changed reports whether a mint or burn was issued.
func (a Adjustment) Changed() bool { return a.Minted != 0 || a.Burned != 0 }

// Result reports both adjustments of one reconciliation.
type Result struct {
	Claims     Adjustment `json:"claims"`
	Collateral Adjustment `json:"collateral"`
}

// Reconciler brings note balances in line with ledger totals by minting or
// burning exactly the difference.
type Reconciler struct {
	notes  NoteLedger
	logger zerolog.Logger
}

func NewReconciler(notes NoteLedger, logger zerolog.Logger) *Reconciler {
	return &Reconciler{notes: notes, logger: logger}
}

// Plan reads current note balances and computes the adjustments without applying them.
func (r *Reconciler) Plan(ctx context.Context, pos Position) (Result, error) {
	claims, err := r.plan(ctx, pos.ClaimsAccount, pos.Claims)
	if err != nil {
		return Result{}, err
	}
	collateral, err := r.plan(ctx, pos.CollateralAccount, pos.Collateral)
	if err != nil {
		return Result{}, err
	}
	return Result{Claims: claims, Collateral: collateral}, nil
}

func (r *Reconciler) plan(ctx context.Context, account string, target uint64) (Adjustment, error) {
	if account == "" {
		return Adjustment{}, errs.ErrNoteAdjustment.With("note account not configured")
	}
	current, err := r.notes.Balance(ctx, account)
	if err != nil {
		return Adjustment{}, noteErr(fmt.Errorf("read %s: %w", account, err))
	}
	adj := Adjustment{Account: account, Before: current, Target: target}
	switch {
	case target > current:
		adj.Minted = target - current
	case target < current:
		adj.Burned = current - target
	}
	return adj, nil
}

// Reconcile plans and applies both adjustments. A failure of the second
// adjustment leaves the first applied; since every call works from fresh
// balances, the next call converges.
func (r *Reconciler) Reconcile(ctx context.Context, pos Position) (Result, error) {
	res, err := r.Plan(ctx, pos)
	if err != nil {
		return Result{}, err
	}
	if err := r.apply(ctx, res.Claims); err != nil {
		return Result{}, err
	}
	if err := r.apply(ctx, res.Collateral); err != nil {
		return Result{}, err
	}
	if res.Claims.Changed() || res.Collateral.Changed() {
		r.logger.Debug().
			Str("user", pos.User.String()).
			Uint64("claims_minted", res.Claims.Minted).
			Uint64("claims_burned", res.Claims.Burned).
			Uint64("collateral_minted", res.Collateral.Minted).
			Uint64("collateral_burned", res.Collateral.Burned).
			Msg("notes reconciled")
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, adj Adjustment) error {
	switch {
	case adj.Minted > 0:
		if err := r.notes.Mint(ctx, adj.Account, adj.Minted); err != nil {
			return noteErr(fmt.Errorf("mint %d to %s: %w", adj.Minted, adj.Account, err))
		}
	case adj.Burned > 0:
		if err := r.notes.Burn(ctx, adj.Account, adj.Burned); err != nil {
			return noteErr(fmt.Errorf("burn %d from %s: %w", adj.Burned, adj.Account, err))
		}
	}
	return nil
}

// noteErr keeps typed errors from the note ledger and classifies the rest as
// reconciliation failures.
func noteErr(err error) error {
	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}
	return fmt.Errorf("%w: %v", errs.ErrNoteAdjustment, err)
}
