package core

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/ledger"
	"TermLedger/internal/observability"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/queue"
	"TermLedger/internal/settlement"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultDedupCapacity is the idempotency LRU size when Options leaves it unset.
const DefaultDedupCapacity = 100_000

// Options carry the collaborators of an Engine.
type Options struct {
	Notes         settlement.NoteLedger
	DedupCapacity int
	DedupStore    DBIdempotencyChecker
	// Persist receives every output with a blocking send.
	Persist chan<- Output
	// Publish receives outputs with a non-blocking send; full means dropped.
	Publish chan<- Output
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Engine owns the ledger state of one market. Every instruction runs under
// the engine mutex and either commits completely or leaves no trace.
type Engine struct {
	mu sync.Mutex
	id uuid.UUID

	market ledger.Market
	events queue.Queue
	book   *orderbook.Book
	users  map[uuid.UUID]*ledger.MarginUser
	index  *ledger.ObligationIndex
	dirty  map[uuid.UUID]struct{}

	sequence          int64
	hasher            *StateHasher
	tracker           *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	reconciler        *settlement.Reconciler
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output
}

func NewEngine(market ledger.Market, events queue.Queue, opts Options) (*Engine, error) {
	if err := market.Validate(); err != nil {
		return nil, err
	}
	if events == nil || opts.Notes == nil {
		return nil, errs.ErrInvalidRequest.With("event queue and note ledger are required")
	}
	capacity := opts.DedupCapacity
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	logger := opts.Logger.With().Str("market", market.ID.String()).Logger()
	tracker := ledger.NewBalanceTracker()

	return &Engine{
		id:                market.ID,
		market:            market,
		events:            events,
		book:              orderbook.New(bookParams(market), events),
		users:             make(map[uuid.UUID]*ledger.MarginUser),
		index:             ledger.NewObligationIndex(),
		dirty:             make(map[uuid.UUID]struct{}),
		sequence:          1,
		hasher:            NewStateHasher(),
		tracker:           tracker,
		journalGen:        ledger.NewJournalGenerator(1),
		validator:         ledger.NewInvariantValidator(tracker),
		reconciler:        settlement.NewReconciler(opts.Notes, logger),
		idempotency:       NewIdempotencyChecker(capacity, opts.DedupStore, opts.Metrics, logger),
		sequenceValidator: NewSequenceValidator(),
		metrics:           opts.Metrics,
		logger:            logger,
		persistChan:       opts.Persist,
		publishChan:       opts.Publish,
	}, nil
}

func bookParams(m ledger.Market) orderbook.Params {
	return orderbook.Params{
		TickSize:         m.TickSize,
		MinBaseOrderSize: m.MinOrderSize,
		MaxOrdersPerSide: m.MaxOrdersPerSide,
	}
}

// source identifies the ingestion stream a command arrived on.
type source struct {
	name string
	seq  int64
}

// exec is the instruction pipeline:
// dedup, source ordering, apply on a transaction, commit, emit, metrics.
func (e *Engine) exec(in Instruction, meta Meta, req any, src source, fn func(t *txn) error) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if meta.Timestamp <= 0 {
		return e.reject(in, errs.ErrInvalidRequest.With("%s: timestamp is required", in))
	}
	dup := meta.IdempotencyKey != "" && e.idempotency.IsDuplicate(in.String(), meta.IdempotencyKey)
	if err := e.sequenceValidator.Check(src.name, src.seq, dup); err != nil {
		return e.reject(in, err)
	}
	if dup {
		return e.reject(in, errs.ErrDuplicate.With("%s %q already applied", in, meta.IdempotencyKey))
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return e.reject(in, errs.ErrInvalidRequest.With("encode %s: %v", in, err))
	}

	t := e.begin(in, meta)
	if err := fn(t); err != nil {
		return e.reject(in, err)
	}
	cmd := Command{Instruction: in, Market: e.market.ID, Source: src.name, SourceSeq: src.seq, Payload: payload}
	if err := e.commit(t, cmd); err != nil {
		return e.reject(in, err)
	}

	if e.metrics != nil {
		e.metrics.InstructionDuration.WithLabelValues(in.String()).Observe(time.Since(start).Seconds())
	}
	return nil
}

func (e *Engine) reject(in Instruction, err error) error {
	if e.metrics != nil {
		e.metrics.InstructionsRejected.WithLabelValues(in.String(), errs.KindOf(err).String()).Inc()
	}
	e.logger.Debug().Err(err).Str("instruction", in.String()).Msg("instruction rejected")
	return err
}

func (e *Engine) begin(in Instruction, meta Meta) *txn {
	ref := meta.IdempotencyKey
	if ref == "" {
		ref = fmt.Sprintf("%s:%d", in, e.sequence)
	}
	return &txn{
		e:       e,
		in:      in,
		meta:    meta,
		market:  e.market,
		users:   make(map[uuid.UUID]*ledger.MarginUser),
		index:   e.index.Clone(),
		batch:   e.journalGen.Begin(ref, meta.Timestamp),
		system:  make(map[ledger.AccountKey]int64),
		settled: make(map[uuid.UUID]struct{}),
	}
}

// commit runs the transaction's external step, then swaps in its state.
// Nothing after the external step can fail except on a broken invariant,
// which is fatal.
func (e *Engine) commit(t *txn, cmd Command) error {
	if t.finalize != nil {
		if err := t.finalize(); err != nil {
			return err
		}
	}

	batch := t.batch.Commit()
	if batch != nil {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := e.tracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch: %v", err))
		}
		if e.metrics != nil {
			for _, j := range batch.Journals {
				e.metrics.Journals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	e.market = t.market
	e.index = t.index
	touched := make([]*ledger.MarginUser, 0, len(t.users))
	ids := make([]uuid.UUID, 0, len(t.users))
	for _, id := range sortedIDs(keys(t.users)) {
		u := t.users[id]
		e.users[id] = u
		touched = append(touched, u)
		ids = append(ids, id)
		if _, ok := t.settled[id]; ok {
			delete(e.dirty, id)
		} else {
			e.dirty[id] = struct{}{}
		}
	}
	for _, u := range touched {
		if err := e.validator.ValidateUserAssets(u.ID, u.Assets); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	hashStart := time.Now()
	digest := stateDigest(e.market, touched, e.index, e.events.Cursor())
	prev := e.hasher.PrevHash()
	out := Output{
		Market:         e.market.ID,
		Sequence:       e.sequence,
		Instruction:    t.in,
		IdempotencyKey: t.meta.IdempotencyKey,
		Timestamp:      t.meta.Timestamp,
		Users:          ids,
		Effects:        t.effects,
		Batch:          batch,
		Command:        cmd,
		PrevHash:       prev,
		StateHash:      e.hasher.ComputeHash(e.sequence, digest),
	}
	e.sequence++

	if t.meta.IdempotencyKey != "" {
		e.idempotency.MarkProcessed(t.in.String(), t.meta.IdempotencyKey)
	}
	e.sequenceValidator.Advance(cmd.Source, cmd.SourceSeq)

	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
		e.metrics.InstructionsApplied.WithLabelValues(t.in.String()).Inc()
		e.metrics.Sequence.Set(float64(out.Sequence))
		e.metrics.EventQueueDepth.WithLabelValues(e.market.ID.String()).Set(float64(e.events.Len()))
		e.recordEffects(out.Effects)
	}
	e.emit(out)
	return nil
}

// emit sends to persistence with backpressure and to publishers best-effort.
func (e *Engine) emit(out Output) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (e *Engine) recordEffects(effects []Effect) {
	market := e.market.ID.String()
	for _, ef := range effects {
		switch ef.Kind {
		case EffectFill, EffectOut:
			e.metrics.EventsConsumed.WithLabelValues(market, string(ef.Kind)).Inc()
		case EffectLoanCreated:
			e.metrics.LoansCreated.WithLabelValues(market).Inc()
		case EffectDepositCreated:
			e.metrics.DepositsCreated.WithLabelValues(market).Inc()
		case EffectLoanRepaid, EffectLoanClosed:
			e.metrics.Repayments.WithLabelValues(ef.Detail).Inc()
		case EffectRolled:
			e.metrics.Rolls.WithLabelValues(ef.Detail, "ok").Inc()
		case EffectNotesReconciled:
			if ef.Minted > 0 {
				e.metrics.NotesMinted.WithLabelValues(ef.Detail).Add(float64(ef.Minted))
			}
			if ef.Burned > 0 {
				e.metrics.NotesBurned.WithLabelValues(ef.Detail).Add(float64(ef.Burned))
			}
		case EffectDisbursed:
			e.metrics.Disbursed.WithLabelValues(ef.Detail).Add(float64(ef.Base))
		}
	}
}

func keys[V any](m map[uuid.UUID]V) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(m))
	for k := range m {
		set[k] = struct{}{}
	}
	return set
}
