package core

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/fixedpoint"
	"TermLedger/internal/ledger"
	"TermLedger/internal/queue"
	"TermLedger/internal/tag"
	"encoding/json"
	"time"
)

// ConsumeResult reports one ConsumeEvents call.
type ConsumeResult struct {
	Applied   int    `json:"applied"`
	Cursor    uint64 `json:"cursor"`
	Remaining int    `json:"remaining"`
}

// ConsumeEvents books queued fills and releases in order. Each event commits
// on its own together with the cursor advance, so a failure stops the batch
// with every earlier event applied and the failing one still queued.
func (e *Engine) ConsumeEvents(req ConsumeEventsRequest) (ConsumeResult, error) {
	return e.consumeEvents(req, source{})
}

func (e *Engine) consumeEvents(req ConsumeEventsRequest, src source) (ConsumeResult, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	in := InstructionConsumeEvents
	if req.Timestamp <= 0 {
		return ConsumeResult{}, e.reject(in, errs.ErrInvalidRequest.With("consume_events: timestamp is required"))
	}
	if err := e.sequenceValidator.Check(src.name, src.seq, false); err != nil {
		return ConsumeResult{}, e.reject(in, err)
	}
	if req.ExpectedCursor != nil && *req.ExpectedCursor != e.events.Cursor() {
		return ConsumeResult{}, e.reject(in, errs.ErrCursorMismatch.With("expected cursor %d, queue at %d", *req.ExpectedCursor, e.events.Cursor()))
	}

	events, err := e.events.Peek(e.market.BatchLimit(req.Limit))
	if err != nil {
		return ConsumeResult{}, e.reject(in, errs.ErrUnavailable.With("peek events: %v", err))
	}

	var res ConsumeResult
	for i, ev := range events {
		// Each event is logged as its own single-event consume pinned to the
		// cursor, so replay reproduces it exactly.
		seq := ev.Seq
		single := ConsumeEventsRequest{Meta: Meta{Timestamp: req.Timestamp}, Limit: 1, ExpectedCursor: &seq}
		payload, _ := json.Marshal(single)
		cmd := Command{Instruction: in, Market: e.market.ID, Payload: payload}
		if i == len(events)-1 {
			cmd.Source, cmd.SourceSeq = src.name, src.seq
		}

		t := e.begin(in, Meta{Timestamp: req.Timestamp})
		if err := t.applyEvent(ev); err != nil {
			e.logger.Error().Err(err).Uint64("event_seq", ev.Seq).Str("event", ev.Kind.String()).Msg("event rejected")
			return e.consumeResult(res), e.reject(in, err)
		}
		if err := t.setFinalize(func() error { return e.events.Advance(ev.Seq) }); err != nil {
			return e.consumeResult(res), e.reject(in, err)
		}
		if err := e.commit(t, cmd); err != nil {
			return e.consumeResult(res), e.reject(in, err)
		}
		res.Applied++
	}
	if len(events) == 0 {
		e.sequenceValidator.Advance(src.name, src.seq)
	}

	if e.metrics != nil {
		e.metrics.InstructionDuration.WithLabelValues(in.String()).Observe(time.Since(start).Seconds())
	}
	return e.consumeResult(res), nil
}

func (e *Engine) consumeResult(res ConsumeResult) ConsumeResult {
	res.Cursor = e.events.Cursor()
	res.Remaining = e.events.Len()
	return res
}

func (t *txn) applyEvent(ev queue.Event) error {
	switch ev.Kind {
	case queue.KindFill:
		return t.applyFill(ev)
	case queue.KindOut:
		return t.applyOut(ev)
	}
	return errs.ErrInvalidRequest.With("unknown event kind %d", ev.Kind)
}

// applyFill books one match. The bid side is the lender: it pays quote
// tokens and receives base tickets. The ask side is the borrower.
func (t *txn) applyFill(ev queue.Event) error {
	maker, err := tag.DecodeIntent(t.market.ID, ev.MakerTag)
	if err != nil {
		return err
	}
	taker, err := tag.DecodeIntent(t.market.ID, ev.TakerTag)
	if err != nil {
		return err
	}
	lender, borrower := taker, maker
	if ev.Side == queue.SideAsk {
		lender, borrower = maker, taker
	}
	if !lender.Kind.IsLend() || borrower.Kind.IsLend() {
		return errs.ErrInvalidTag.With("fill %d pairs %s with %s", ev.Seq, lender.Kind, borrower.Kind)
	}
	if _, err := t.user(lender.Owner); err != nil {
		return err
	}
	b, err := t.user(borrower.Owner)
	if err != nil {
		return err
	}

	// Token leg: the lender's reserved tokens pay the borrower, less the fee.
	fee, err := fixedpoint.BpsOf(ev.Quote, t.market.FeeBps)
	if err != nil {
		return err
	}
	lenderPosted := userAcct(lender.Owner, ledger.SubTypeTokensPosted)
	proceeds := ev.Quote - fee
	if borrower.Kind == tag.KindMarginBorrow {
		if err := t.transfer(userAcct(b.ID, ledger.SubTypeEntitledTokens), lenderPosted, proceeds, ledger.JournalTypeFillTokens); err != nil {
			return err
		}
	} else {
		if err := t.transfer(disbursedAcct(ledger.AssetUnderlying), lenderPosted, proceeds, ledger.JournalTypeFillTokens); err != nil {
			return err
		}
	}
	if err := t.transfer(t.systemAcct(ledger.SubTypeSystemFees), lenderPosted, fee, ledger.JournalTypeFee); err != nil {
		return err
	}

	// Ticket leg: margin borrows mint new tickets against a loan, plain
	// borrows deliver the tickets they posted.
	ticketSource := userAcct(b.ID, ledger.SubTypeTicketsPosted)
	if borrower.Kind == tag.KindMarginBorrow {
		ticketSource = ticketMintAcct()
		if err := t.openLoan(b, borrower, ev); err != nil {
			return err
		}
		if borrower.AutoRoll {
			if err := t.fundRoll(b, borrower.Nonce, ev.Base); err != nil {
				return err
			}
		}
	}
	switch {
	case lender.AutoStake:
		if err := t.transfer(userAcct(lender.Owner, ledger.SubTypeStakedTickets), ticketSource, ev.Base, ledger.JournalTypeFillTickets); err != nil {
			return err
		}
		if err := t.openDeposit(lender, borrower, ev); err != nil {
			return err
		}
	case lender.Kind == tag.KindMarginLend:
		if err := t.transfer(userAcct(lender.Owner, ledger.SubTypeEntitledTickets), ticketSource, ev.Base, ledger.JournalTypeFillTickets); err != nil {
			return err
		}
	default:
		if err := t.transfer(disbursedAcct(ledger.AssetTicket), ticketSource, ev.Base, ledger.JournalTypeFillTickets); err != nil {
			return err
		}
	}

	makerOwner, takerOwner := maker.Owner, taker.Owner
	t.emit(Effect{
		Kind:     EffectFill,
		User:     makerOwner,
		Counter:  takerOwner,
		OrderID:  ev.OrderID,
		TakerID:  taker.Nonce,
		Base:     ev.Base,
		Quote:    ev.Quote,
		Fee:      fee,
		EventSeq: ev.Seq,
		Detail:   ev.Side.String(),
	})
	return nil
}

func (t *txn) openLoan(b *ledger.MarginUser, borrower tag.Intent, ev queue.Event) error {
	if err := b.Debt.Commit(ev.Base); err != nil {
		return err
	}
	balance, principal, interest, err := ledger.Terms(ev.Base, ev.Quote)
	if err != nil {
		return err
	}
	loan := ledger.TermLoan{
		Owner:               b.ID,
		Seq:                 b.Debt.NewLoanSeq(),
		Market:              t.market.ID,
		OrderID:             borrower.Nonce,
		MaturationTimestamp: t.market.Maturity(t.meta.Timestamp),
		Balance:             balance,
		Principal:           principal,
		Interest:            interest,
		AutoRoll:            borrower.AutoRoll,
		CreatedAt:           t.meta.Timestamp,
	}
	t.index.PutLoan(loan)
	t.emit(Effect{Kind: EffectLoanCreated, User: b.ID, Seq: loan.Seq, Base: balance, Quote: principal, Maturity: loan.MaturationTimestamp})
	return nil
}

func (t *txn) openDeposit(lender, borrower tag.Intent, ev queue.Event) error {
	u, err := t.user(lender.Owner)
	if err != nil {
		return err
	}
	balance, principal, interest, err := ledger.Terms(ev.Base, ev.Quote)
	if err != nil {
		return err
	}
	dep := ledger.TermDeposit{
		Owner:               u.ID,
		Seq:                 u.Assets.NewDepositSeq(),
		Market:              t.market.ID,
		OrderID:             lender.Nonce,
		MaturationTimestamp: t.market.Maturity(t.meta.Timestamp),
		Balance:             balance,
		Principal:           principal,
		Interest:            interest,
		AutoRoll:            lender.AutoRoll,
		Payer:               borrower.Owner,
		CreatedAt:           t.meta.Timestamp,
	}
	t.index.PutDeposit(dep)
	t.emit(Effect{Kind: EffectDepositCreated, User: u.ID, Seq: dep.Seq, Base: balance, Quote: principal, Maturity: dep.MaturationTimestamp})
	return nil
}

// applyOut releases what a removed order still reserved.
func (t *txn) applyOut(ev queue.Event) error {
	in, err := tag.DecodeIntent(t.market.ID, ev.MakerTag)
	if err != nil {
		return err
	}
	u, err := t.user(in.Owner)
	if err != nil {
		return err
	}
	posted := userAcct(u.ID, ledger.SubTypeTokensPosted)
	switch in.Kind {
	case tag.KindMarginLend:
		err = t.transfer(userAcct(u.ID, ledger.SubTypeEntitledTokens), posted, ev.Quote, ledger.JournalTypeRelease)
	case tag.KindPlainLend:
		err = t.transfer(disbursedAcct(ledger.AssetUnderlying), posted, ev.Quote, ledger.JournalTypeRelease)
	case tag.KindMarginBorrow:
		if err = u.Debt.CancelPending(ev.Base); err == nil && in.AutoRoll {
			err = t.fundRoll(u, in.Nonce, ev.Base)
		}
	case tag.KindPlainBorrow:
		err = t.transfer(disbursedAcct(ledger.AssetTicket), userAcct(u.ID, ledger.SubTypeTicketsPosted), ev.Base, ledger.JournalTypeRelease)
	}
	if err != nil {
		return err
	}
	t.emit(Effect{
		Kind:     EffectOut,
		User:     u.ID,
		OrderID:  ev.OrderID,
		Base:     ev.Base,
		Quote:    ev.Quote,
		EventSeq: ev.Seq,
		Detail:   ev.Reason.String(),
	})
	return nil
}
