package core

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/fixedpoint"
	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/queue"
	"TermLedger/internal/tag"

	"github.com/google/uuid"
)

// RegisterUser opens a ledger for an account in this market. Every order
// owner, margin or plain, must be registered.
func (e *Engine) RegisterUser(req RegisterUserRequest) (ledger.MarginUser, error) {
	return e.registerUser(req, source{})
}

func (e *Engine) registerUser(req RegisterUserRequest, src source) (ledger.MarginUser, error) {
	var out ledger.MarginUser
	err := e.exec(InstructionRegisterUser, req.Meta, req, src, func(t *txn) error {
		if req.User == uuid.Nil {
			return errs.ErrInvalidRequest.With("user id is required")
		}
		if _, ok := t.e.users[req.User]; ok {
			return errs.ErrAlreadyExists.With("user %s already registered", req.User)
		}
		dest := req.Destination
		if dest == uuid.Nil {
			dest = req.User
		}
		u := ledger.NewMarginUser(t.market.ID, req.User, dest, req.Timestamp)
		t.users[u.ID] = u
		t.emit(Effect{Kind: EffectUserRegistered, User: u.ID, Counter: dest})
		out = *u
		return nil
	})
	return out, err
}

// ConfigureAutoRoll sets the prices used when the user's obligations roll.
func (e *Engine) ConfigureAutoRoll(req ConfigureAutoRollRequest) error {
	return e.configureAutoRoll(req, source{})
}

func (e *Engine) configureAutoRoll(req ConfigureAutoRollRequest, src source) error {
	return e.exec(InstructionConfigureAutoRoll, req.Meta, req, src, func(t *txn) error {
		for _, p := range []fixedpoint.Price{req.LendPrice, req.BorrowPrice} {
			if p > fixedpoint.One {
				return errs.ErrInvalidPrice.With("roll price %d above par", p)
			}
			if p%fixedpoint.Price(t.market.TickSize) != 0 {
				return errs.ErrInvalidTick.With("roll price %d not a multiple of tick %d", p, t.market.TickSize)
			}
		}
		u, err := t.user(req.User)
		if err != nil {
			return err
		}
		u.Roll = ledger.RollConfig{LendPrice: req.LendPrice, BorrowPrice: req.BorrowPrice}
		t.emit(Effect{Kind: EffectAutoRollSet, User: u.ID, Detail: "lend=" + req.LendPrice.String() + " borrow=" + req.BorrowPrice.String()})
		return nil
	})
}

// PlaceOrder validates and funds a placement, then hands it to the book.
// Resulting fills are booked when their events are consumed.
func (e *Engine) PlaceOrder(req PlaceOrderRequest) (orderbook.Summary, error) {
	return e.placeOrder(req, source{})
}

func (e *Engine) placeOrder(req PlaceOrderRequest, src source) (orderbook.Summary, error) {
	var sum orderbook.Summary
	err := e.exec(InstructionPlaceOrder, req.Meta, req, src, func(t *txn) error {
		kind, err := intentKind(req.Side, req.Margin)
		if err != nil {
			return err
		}
		u, err := t.user(req.User)
		if err != nil {
			return err
		}
		sum, err = t.place(placement{
			user:      u,
			kind:      kind,
			autoStake: req.AutoStake,
			autoRoll:  req.AutoRoll,
			order: orderbook.OrderParams{
				Side:        req.Side,
				MaxBase:     req.MaxBase,
				MaxQuote:    req.MaxQuote,
				LimitPrice:  req.LimitPrice,
				MatchLimit:  req.MatchLimit,
				PostOnly:    req.PostOnly,
				PostAllowed: req.PostAllowed,
			},
		})
		return err
	})
	return sum, err
}

func intentKind(side queue.Side, margin bool) (tag.Kind, error) {
	switch {
	case side == queue.SideBid && margin:
		return tag.KindMarginLend, nil
	case side == queue.SideBid:
		return tag.KindPlainLend, nil
	case side == queue.SideAsk && margin:
		return tag.KindMarginBorrow, nil
	case side == queue.SideAsk:
		return tag.KindPlainBorrow, nil
	}
	return 0, errs.ErrInvalidRequest.With("unknown side %d", side)
}

type placement struct {
	user      *ledger.MarginUser
	kind      tag.Kind
	autoStake bool
	autoRoll  bool
	order     orderbook.OrderParams
	// fromProceeds funds a lend from entitled tokens instead of the wallet.
	fromProceeds bool
}

// place tags the order, plans it against the book and reserves what the
// plan will spend: lent tokens, borrowed tickets, or pending debt.
func (t *txn) place(p placement) (orderbook.Summary, error) {
	if t.market.OrdersPaused {
		return orderbook.Summary{}, errs.ErrOrdersPaused.With("market %s", t.market.ID)
	}
	u := p.user
	nonce := t.market.NextNonce()
	in := tag.Intent{
		Kind:        p.kind,
		Owner:       u.ID,
		Destination: u.Destination,
		AutoStake:   p.autoStake,
		AutoRoll:    p.autoRoll,
		Nonce:       nonce,
	}
	tg, err := in.Encode(t.market.ID)
	if err != nil {
		return orderbook.Summary{}, err
	}

	op := p.order
	op.OrderID = nonce
	op.Owner = u.ID
	op.Tag = tg
	op.SelfTrade = orderbook.SelfTradeAbort
	plan, err := t.e.book.Prepare(op)
	if err != nil {
		return orderbook.Summary{}, err
	}
	sum := plan.Summary()

	switch {
	case p.kind.IsLend():
		amount, err := fixedpoint.Add(sum.QuoteFilled, sum.PostedQuote)
		if err != nil {
			return orderbook.Summary{}, err
		}
		from := walletAcct(ledger.AssetUnderlying)
		if p.fromProceeds {
			from = userAcct(u.ID, ledger.SubTypeEntitledTokens)
		}
		if err := t.transfer(userAcct(u.ID, ledger.SubTypeTokensPosted), from, amount, ledger.JournalTypeLendReserve); err != nil {
			return orderbook.Summary{}, err
		}
	case p.kind == tag.KindMarginBorrow:
		amount, err := fixedpoint.Add(sum.BaseFilled, sum.PostedBase)
		if err != nil {
			return orderbook.Summary{}, err
		}
		if err := u.Debt.AddPending(amount); err != nil {
			return orderbook.Summary{}, err
		}
	default:
		amount, err := fixedpoint.Add(sum.BaseFilled, sum.PostedBase)
		if err != nil {
			return orderbook.Summary{}, err
		}
		if err := t.transfer(userAcct(u.ID, ledger.SubTypeTicketsPosted), walletAcct(ledger.AssetTicket), amount, ledger.JournalTypeSellReserve); err != nil {
			return orderbook.Summary{}, err
		}
	}

	if err := t.setFinalize(func() error {
		_, err := t.e.book.Execute(plan)
		return err
	}); err != nil {
		return orderbook.Summary{}, err
	}
	t.emit(Effect{
		Kind:    EffectOrderPlaced,
		User:    u.ID,
		OrderID: nonce,
		Base:    sum.BaseFilled + sum.PostedBase,
		Quote:   sum.QuoteFilled + sum.PostedQuote,
		Detail:  p.kind.String(),
	})
	return sum, nil
}

// CancelOrder withdraws a resting order. The reservation is released when
// the queued Out event is consumed, like any other release.
func (e *Engine) CancelOrder(req CancelOrderRequest) (orderbook.RestingOrder, error) {
	return e.cancelOrder(req, source{})
}

func (e *Engine) cancelOrder(req CancelOrderRequest, src source) (orderbook.RestingOrder, error) {
	var o orderbook.RestingOrder
	err := e.exec(InstructionCancelOrder, req.Meta, req, src, func(t *txn) error {
		var ok bool
		o, ok = t.e.book.Get(req.OrderID)
		if !ok {
			return errs.ErrOrderNotFound.With("order %d", req.OrderID)
		}
		if o.Owner != req.User {
			return errs.ErrNotOwner.With("order %d belongs to %s", o.ID, o.Owner)
		}
		t.emit(Effect{Kind: EffectOrderCancelled, User: o.Owner, OrderID: o.ID, Base: o.Base, Quote: o.Quote})
		return t.setFinalize(func() error {
			if _, err := t.e.events.Push(queue.Event{
				Kind:     queue.KindOut,
				Side:     o.Side,
				OrderID:  o.ID,
				Price:    o.Price,
				Base:     o.Base,
				Quote:    o.Quote,
				Reason:   queue.OutReasonCancelled,
				MakerTag: o.Tag,
			}); err != nil {
				return err
			}
			_, err := t.e.book.Cancel(o.ID)
			return err
		})
	})
	return o, err
}
