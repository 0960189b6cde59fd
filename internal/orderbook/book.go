package orderbook

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/fixedpoint"
	"TermLedger/internal/queue"
	"container/list"
	"math"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"
)

type priceLevel struct {
	price  fixedpoint.Price
	orders *list.List // of *entry, FIFO
	base   uint64
}

type entry struct {
	order RestingOrder
	level *priceLevel
	elem  *list.Element
}

// Book is a price-time priority order book. Matching output goes to the
// event queue; the book itself keeps only resting orders.
// Not thread-safe: owned by a single market engine.
type Book struct {
	params Params
	events queue.Queue

	bids   *rbt.Tree[fixedpoint.Price, *priceLevel] // best (highest) first
	asks   *rbt.Tree[fixedpoint.Price, *priceLevel] // best (lowest) first
	orders map[uint64]*entry
	counts map[queue.Side]int

	version uint64
}

func New(params Params, events queue.Queue) *Book {
	return &Book{
		params: params,
		events: events,
		bids: rbt.NewWith[fixedpoint.Price, *priceLevel](func(a, b fixedpoint.Price) int {
			switch {
			case a > b:
				return -1
			case a < b:
				return 1
			}
			return 0
		}),
		asks:   rbt.New[fixedpoint.Price, *priceLevel](),
		orders: make(map[uint64]*entry),
		counts: make(map[queue.Side]int),
	}
}

// Params returns the matching parameters.
func (b *Book) Params() Params { return b.params }

// SetParams replaces the matching parameters. Resting orders are kept.
func (b *Book) SetParams(p Params) {
	b.params = p
	b.version++
}

func (b *Book) side(s queue.Side) *rbt.Tree[fixedpoint.Price, *priceLevel] {
	if s == queue.SideBid {
		return b.bids
	}
	return b.asks
}

type plannedFill struct {
	maker *entry
	base  uint64
	quote uint64
}

// Plan is a validated placement that has not touched the book yet.
// It is only valid until the book changes.
type Plan struct {
	params  OrderParams
	fills   []plannedFill
	evict   *entry
	post    *RestingOrder
	summary Summary
	version uint64
}

// Summary is the outcome the plan will produce.
func (p *Plan) Summary() Summary { return p.summary }

func (b *Book) validate(p OrderParams) error {
	if p.Side != queue.SideBid && p.Side != queue.SideAsk {
		return errs.ErrInvalidRequest.With("unknown side %d", p.Side)
	}
	if p.LimitPrice == 0 {
		return errs.ErrInvalidPrice.With("limit price is zero")
	}
	if b.params.TickSize > 0 && uint64(p.LimitPrice)%b.params.TickSize != 0 {
		return errs.ErrInvalidTick.With("price %d not a multiple of tick %d", p.LimitPrice, b.params.TickSize)
	}
	if p.MaxBase == 0 || p.MaxBase < b.params.MinBaseOrderSize {
		return errs.ErrOrderTooSmall.With("base %d below minimum %d", p.MaxBase, b.params.MinBaseOrderSize)
	}
	if p.SelfTrade != SelfTradeAbort {
		return errs.ErrInvalidRequest.With("unsupported self-trade policy %d", p.SelfTrade)
	}
	if _, exists := b.orders[p.OrderID]; exists {
		return errs.ErrAlreadyExists.With("order %d already resting", p.OrderID)
	}
	return nil
}

func crosses(taker queue.Side, limit, makerPrice fixedpoint.Price) bool {
	if taker == queue.SideBid {
		return makerPrice <= limit
	}
	return makerPrice >= limit
}

// Prepare runs matching against a read-only view of the book.
func (b *Book) Prepare(p OrderParams) (*Plan, error) {
	if err := b.validate(p); err != nil {
		return nil, err
	}

	opposite := b.side(p.Side.Opposite())
	if p.PostOnly {
		if best := opposite.Left(); best != nil && crosses(p.Side, p.LimitPrice, best.Key) {
			return nil, errs.ErrPostOnlyCross.With("best opposite price %d", best.Key)
		}
	}

	plan := &Plan{params: p, version: b.version}
	quoteLimited := p.MaxQuote != 0
	remainingBase := p.MaxBase
	remainingQuote := p.MaxQuote
	if !quoteLimited {
		remainingQuote = math.MaxUint64
	}

	it := opposite.Iterator()
matching:
	for it.Next() {
		level := it.Value()
		if !crosses(p.Side, p.LimitPrice, level.price) {
			break
		}
		for el := level.orders.Front(); el != nil; el = el.Next() {
			if uint32(len(plan.fills)) >= p.MatchLimit || remainingBase == 0 {
				break matching
			}
			maker := el.Value.(*entry)
			base := fixedpoint.Min(remainingBase, maker.order.Base)
			if quoteLimited {
				affordable, err := fixedpoint.BaseFromQuote(remainingQuote, level.price)
				if err != nil {
					return nil, err
				}
				base = fixedpoint.Min(base, affordable)
			}
			if base == 0 {
				break matching
			}
			// Only a maker that would actually fill counts as a self-trade.
			if maker.order.Owner == p.Owner {
				return nil, errs.ErrSelfTrade.With("order %d would match own order %d", p.OrderID, maker.order.ID)
			}
			quote, err := fixedpoint.QuoteFromBase(base, level.price)
			if err != nil {
				return nil, err
			}

			plan.fills = append(plan.fills, plannedFill{maker: maker, base: base, quote: quote})
			remainingBase -= base
			remainingQuote -= quote
			plan.summary.BaseFilled += base
			plan.summary.QuoteFilled += quote
		}
	}
	plan.summary.Matches = len(plan.fills)
	plan.summary.OrderID = p.OrderID

	if p.PostAllowed && remainingBase > 0 {
		if err := b.planPost(plan, remainingBase, remainingQuote, quoteLimited); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func (b *Book) planPost(plan *Plan, remainingBase, remainingQuote uint64, quoteLimited bool) error {
	p := plan.params
	postBase := remainingBase
	var postQuote uint64
	if p.Side == queue.SideBid {
		if quoteLimited {
			affordable, err := fixedpoint.BaseFromQuote(remainingQuote, p.LimitPrice)
			if err != nil {
				return err
			}
			postBase = fixedpoint.Min(postBase, affordable)
		}
		var err error
		if postQuote, err = fixedpoint.QuoteFromBase(postBase, p.LimitPrice); err != nil {
			return err
		}
		if postQuote == 0 {
			return nil
		}
	}
	if postBase == 0 {
		return nil
	}

	if limit := b.params.MaxOrdersPerSide; limit > 0 && b.counts[p.Side] >= limit {
		worst := b.worst(p.Side)
		better := worst != nil && ((p.Side == queue.SideBid && p.LimitPrice > worst.order.Price) ||
			(p.Side == queue.SideAsk && p.LimitPrice < worst.order.Price))
		if !better {
			return errs.ErrBookFull.With("%s side holds %d orders", p.Side, limit)
		}
		plan.evict = worst
	}

	plan.post = &RestingOrder{
		ID:    p.OrderID,
		Side:  p.Side,
		Price: p.LimitPrice,
		Base:  postBase,
		Quote: postQuote,
		Owner: p.Owner,
		Tag:   p.Tag,
	}
	plan.summary.Posted = true
	plan.summary.PostedBase = postBase
	plan.summary.PostedQuote = postQuote
	return nil
}

// worst returns the newest order at the worst price of a side.
func (b *Book) worst(s queue.Side) *entry {
	node := b.side(s).Right()
	if node == nil {
		return nil
	}
	el := node.Value.orders.Back()
	if el == nil {
		return nil
	}
	return el.Value.(*entry)
}

// Execute publishes the plan's events and applies it to the book. Events are
// pushed before any mutation, so a queue failure leaves the book untouched.
func (b *Book) Execute(plan *Plan) (Summary, error) {
	if plan.version != b.version {
		return Summary{}, errs.ErrStaleState.With("book changed since plan was prepared")
	}
	p := plan.params

	var events []queue.Event
	for _, f := range plan.fills {
		m := f.maker.order
		done := m.Base == f.base
		events = append(events, queue.Event{
			Kind:      queue.KindFill,
			Side:      p.Side,
			OrderID:   m.ID,
			Price:     m.Price,
			Base:      f.base,
			Quote:     f.quote,
			MakerDone: done,
			MakerTag:  m.Tag,
			TakerTag:  p.Tag,
		})
		if done && m.Side == queue.SideBid && m.Quote > f.quote {
			events = append(events, queue.Event{
				Kind:     queue.KindOut,
				Side:     m.Side,
				OrderID:  m.ID,
				Price:    m.Price,
				Quote:    m.Quote - f.quote,
				Reason:   queue.OutReasonDust,
				MakerTag: m.Tag,
			})
		}
	}
	if plan.evict != nil {
		ev := plan.evict.order
		events = append(events, queue.Event{
			Kind:     queue.KindOut,
			Side:     ev.Side,
			OrderID:  ev.ID,
			Price:    ev.Price,
			Base:     ev.Base,
			Quote:    ev.Quote,
			Reason:   queue.OutReasonEvicted,
			MakerTag: ev.Tag,
		})
	}
	if len(events) > 0 {
		if _, err := b.events.Push(events...); err != nil {
			return Summary{}, err
		}
	}

	for _, f := range plan.fills {
		f.maker.order.Base -= f.base
		f.maker.level.base -= f.base
		if f.maker.order.Side == queue.SideBid {
			f.maker.order.Quote -= f.quote
		}
		if f.maker.order.Base == 0 {
			b.remove(f.maker)
		}
	}
	if plan.evict != nil {
		b.remove(plan.evict)
	}
	if plan.post != nil {
		b.insert(*plan.post)
	}
	b.version++
	return plan.summary, nil
}

// Place prepares and executes a placement in one step.
func (b *Book) Place(p OrderParams) (Summary, error) {
	plan, err := b.Prepare(p)
	if err != nil {
		return Summary{}, err
	}
	return b.Execute(plan)
}

// Cancel removes a resting order and returns what it still held.
func (b *Book) Cancel(id uint64) (RestingOrder, error) {
	e, ok := b.orders[id]
	if !ok {
		return RestingOrder{}, errs.ErrOrderNotFound.With("order %d", id)
	}
	b.remove(e)
	b.version++
	return e.order, nil
}

// Get returns a resting order by id.
func (b *Book) Get(id uint64) (RestingOrder, bool) {
	e, ok := b.orders[id]
	if !ok {
		return RestingOrder{}, false
	}
	return e.order, true
}

func (b *Book) insert(o RestingOrder) {
	tree := b.side(o.Side)
	level, found := tree.Get(o.Price)
	if !found {
		level = &priceLevel{price: o.Price, orders: list.New()}
		tree.Put(o.Price, level)
	}
	e := &entry{order: o, level: level}
	e.elem = level.orders.PushBack(e)
	level.base += o.Base
	b.orders[o.ID] = e
	b.counts[o.Side]++
}

func (b *Book) remove(e *entry) {
	level := e.level
	level.orders.Remove(e.elem)
	level.base -= e.order.Base
	if level.orders.Len() == 0 {
		b.side(e.order.Side).Remove(level.price)
	}
	delete(b.orders, e.order.ID)
	b.counts[e.order.Side]--
}

// Best returns the best price on a side.
func (b *Book) Best(s queue.Side) (fixedpoint.Price, bool) {
	node := b.side(s).Left()
	if node == nil {
		return 0, false
	}
	return node.Key, true
}

// Levels returns up to depth aggregated levels, best first.
func (b *Book) Levels(s queue.Side, depth int) []Level {
	var out []Level
	it := b.side(s).Iterator()
	for it.Next() && len(out) < depth {
		lvl := it.Value()
		out = append(out, Level{Price: lvl.price, Base: lvl.base, Orders: lvl.orders.Len()})
	}
	return out
}

// Orders returns every resting order in priority order, bids first.
func (b *Book) Orders() []RestingOrder {
	out := make([]RestingOrder, 0, len(b.orders))
	for _, tree := range []*rbt.Tree[fixedpoint.Price, *priceLevel]{b.bids, b.asks} {
		it := tree.Iterator()
		for it.Next() {
			for el := it.Value().orders.Front(); el != nil; el = el.Next() {
				out = append(out, el.Value.(*entry).order)
			}
		}
	}
	return out
}

// Restore loads orders produced by Orders into an empty book.
func (b *Book) Restore(orders []RestingOrder) error {
	if len(b.orders) != 0 {
		return errs.ErrInvalidRequest.With("restore into non-empty book")
	}
	for _, o := range orders {
		if _, exists := b.orders[o.ID]; exists {
			return errs.ErrAlreadyExists.With("order %d duplicated in snapshot", o.ID)
		}
		b.insert(o)
	}
	b.version++
	return nil
}

// Len is the number of resting orders.
func (b *Book) Len() int { return len(b.orders) }
