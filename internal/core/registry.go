package core

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/ledger"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// EngineFactory builds the engine for a newly created or loaded market.
type EngineFactory func(market ledger.Market) (*Engine, error)

// MarketStore persists market definitions.
type MarketStore interface {
	SaveMarket(ctx context.Context, m ledger.Market) error
}

// Registry routes commands to the per-market engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[uuid.UUID]*Engine
	factory EngineFactory
	store   MarketStore
}

func NewRegistry(factory EngineFactory, store MarketStore) *Registry {
	return &Registry{
		engines: make(map[uuid.UUID]*Engine),
		factory: factory,
		store:   store,
	}
}

// CreateMarket validates, persists and opens a new market.
func (r *Registry) CreateMarket(ctx context.Context, m ledger.Market) (*Engine, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[m.ID]; ok {
		return nil, errs.ErrAlreadyExists.With("market %s", m.ID)
	}
	e, err := r.factory(m)
	if err != nil {
		return nil, err
	}
	if r.store != nil {
		if err := r.store.SaveMarket(ctx, m); err != nil {
			return nil, errs.ErrUnavailable.With("save market: %v", err)
		}
	}
	r.engines[m.ID] = e
	return e, nil
}

// Add registers an engine that was loaded or restored elsewhere.
func (r *Registry) Add(e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.ID()] = e
}

func (r *Registry) Engine(market uuid.UUID) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[market]
	if !ok {
		return nil, errs.ErrMarketNotFound.With("market %s", market)
	}
	return e, nil
}

// Engines returns every engine ordered by market id.
func (r *Registry) Engines() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID(), out[j].ID()
		return string(a[:]) < string(b[:])
	})
	return out
}

// Process routes a command to its market.
func (r *Registry) Process(ctx context.Context, cmd Command) (any, error) {
	e, err := r.Engine(cmd.Market)
	if err != nil {
		return nil, err
	}
	return e.Process(ctx, cmd)
}

// ID is the market the engine serves.
func (e *Engine) ID() uuid.UUID { return e.id }
