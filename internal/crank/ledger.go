package crank

import (
	"TermLedger/internal/core"
	"context"
	"time"

	"github.com/google/uuid"
)

// Ledger is the surface the crank drives. It is served in process by
// EngineLedger and remotely by the gRPC client.
type Ledger interface {
	Markets(ctx context.Context) ([]uuid.UUID, error)
	ConsumeEvents(ctx context.Context, market uuid.UUID, limit int) (core.ConsumeResult, error)
	MarkDue(ctx context.Context, market uuid.UUID) (int, error)
	Rollable(ctx context.Context, market uuid.UUID) (core.Rollable, error)
	RollLoan(ctx context.Context, market, user uuid.UUID, seq uint64) error
	RollDeposit(ctx context.Context, market, user uuid.UUID, seq uint64) error
	DirtyUsers(ctx context.Context, market uuid.UUID) ([]uuid.UUID, error)
	Settle(ctx context.Context, market, user uuid.UUID) error
}

// LedgerSettler settles targets through a Ledger.
type LedgerSettler struct {
	Ledger Ledger
}

func (s LedgerSettler) Settle(ctx context.Context, t Target) error {
	return s.Ledger.Settle(ctx, t.Market, t.User)
}

// EngineLedger runs crank work directly against in-process engines. Clock
// stamps the instructions it issues.
type EngineLedger struct {
	Registry *core.Registry
	Clock    func() time.Time
}

func NewEngineLedger(reg *core.Registry) *EngineLedger {
	return &EngineLedger{Registry: reg, Clock: time.Now}
}

func (l *EngineLedger) meta() core.Meta {
	return core.Meta{Timestamp: l.Clock().Unix()}
}

func (l *EngineLedger) Markets(context.Context) ([]uuid.UUID, error) {
	engines := l.Registry.Engines()
	ids := make([]uuid.UUID, len(engines))
	for i, e := range engines {
		ids[i] = e.ID()
	}
	return ids, nil
}

func (l *EngineLedger) ConsumeEvents(_ context.Context, market uuid.UUID, limit int) (core.ConsumeResult, error) {
	e, err := l.Registry.Engine(market)
	if err != nil {
		return core.ConsumeResult{}, err
	}
	return e.ConsumeEvents(core.ConsumeEventsRequest{Meta: l.meta(), Limit: limit})
}

func (l *EngineLedger) MarkDue(_ context.Context, market uuid.UUID) (int, error) {
	e, err := l.Registry.Engine(market)
	if err != nil {
		return 0, err
	}
	meta := l.meta()
	if e.DueLoans(meta.Timestamp) == 0 {
		return 0, nil
	}
	res, err := e.MarkDue(core.MarkDueRequest{Meta: meta})
	return res.Marked, err
}

func (l *EngineLedger) Rollable(_ context.Context, market uuid.UUID) (core.Rollable, error) {
	e, err := l.Registry.Engine(market)
	if err != nil {
		return core.Rollable{}, err
	}
	return e.MaturedRollable(l.Clock().Unix()), nil
}

func (l *EngineLedger) RollLoan(_ context.Context, market, user uuid.UUID, seq uint64) error {
	e, err := l.Registry.Engine(market)
	if err != nil {
		return err
	}
	_, err = e.RollLoan(core.RollLoanRequest{Meta: l.meta(), User: user, LoanSeq: seq})
	return err
}

func (l *EngineLedger) RollDeposit(_ context.Context, market, user uuid.UUID, seq uint64) error {
	e, err := l.Registry.Engine(market)
	if err != nil {
		return err
	}
	_, err = e.RollDeposit(core.RollDepositRequest{Meta: l.meta(), User: user, DepositSeq: seq})
	return err
}

func (l *EngineLedger) DirtyUsers(_ context.Context, market uuid.UUID) ([]uuid.UUID, error) {
	e, err := l.Registry.Engine(market)
	if err != nil {
		return nil, err
	}
	return e.DirtyUsers(), nil
}

func (l *EngineLedger) Settle(ctx context.Context, market, user uuid.UUID) error {
	e, err := l.Registry.Engine(market)
	if err != nil {
		return err
	}
	_, err = e.Settle(ctx, core.SettleRequest{Meta: l.meta(), User: user})
	return err
}
