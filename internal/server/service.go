package server

import (
	"TermLedger/internal/core"
	"TermLedger/internal/errs"
	"TermLedger/internal/fixedpoint"
	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/queue"
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultBookDepth is used when a book query does not name a depth.
const DefaultBookDepth = 20

// Empty is the request of methods that take no arguments.
type Empty struct{}

type MarketQuery struct {
	Market uuid.UUID `json:"market"`
}

type UserQuery struct {
	Market uuid.UUID `json:"market"`
	User   uuid.UUID `json:"user"`
}

type BookQuery struct {
	Market uuid.UUID `json:"market"`
	Depth  int       `json:"depth,omitempty"`
}

type OrderQuery struct {
	Market  uuid.UUID `json:"market"`
	OrderID uint64    `json:"order_id"`
}

// TimeQuery asks about obligations as of Timestamp; zero means now.
type TimeQuery struct {
	Market    uuid.UUID `json:"market"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// OrderCall places Order on Market.
type OrderCall struct {
	Market uuid.UUID              `json:"market"`
	Order  core.PlaceOrderRequest `json:"order"`
}

// RepayCall applies Repay on Market.
type RepayCall struct {
	Market uuid.UUID         `json:"market"`
	Repay  core.RepayRequest `json:"repay"`
}

// SubmitResponse carries the typed result of an instruction as JSON.
type SubmitResponse struct {
	Instruction core.Instruction `json:"instruction"`
	Result      json.RawMessage  `json:"result"`
}

type MarketView struct {
	Market       ledger.Market `json:"market"`
	Sequence     int64         `json:"sequence"`
	StateHash    string        `json:"state_hash"`
	QueueCursor  uint64        `json:"queue_cursor"`
	QueuePending int           `json:"queue_pending"`
	DirtyUsers   int           `json:"dirty_users"`
}

type ListMarketsResponse struct {
	Markets []MarketView `json:"markets"`
}

type UserView struct {
	User     ledger.MarginUser    `json:"user"`
	Loans    []ledger.TermLoan    `json:"loans"`
	Deposits []ledger.TermDeposit `json:"deposits"`
}

// LevelView is a price level with its price rendered as a decimal and as
// the implied tenor rate and annual yield.
type LevelView struct {
	Price       fixedpoint.Price `json:"price"`
	Display     string           `json:"display"`
	Rate        string           `json:"rate"`
	AnnualYield string           `json:"annual_yield"`
	Base        uint64           `json:"base"`
	Orders      int              `json:"orders"`
}

type BookView struct {
	Market uuid.UUID   `json:"market"`
	Bids   []LevelView `json:"bids"`
	Asks   []LevelView `json:"asks"`
}

type UsersResponse struct {
	Users []uuid.UUID `json:"users"`
}

type CountResponse struct {
	Count int `json:"count"`
}

// LedgerServer is the handler set served under termledger.v1.Ledger.
type LedgerServer interface {
	Submit(context.Context, *core.Command) (*SubmitResponse, error)
	PlaceOrder(context.Context, *OrderCall) (*orderbook.Summary, error)
	Repay(context.Context, *RepayCall) (*core.RepayResult, error)
	CreateMarket(context.Context, *ledger.Market) (*MarketView, error)
	ListMarkets(context.Context, *Empty) (*ListMarketsResponse, error)
	GetMarket(context.Context, *MarketQuery) (*MarketView, error)
	GetUser(context.Context, *UserQuery) (*UserView, error)
	GetBook(context.Context, *BookQuery) (*BookView, error)
	GetOrder(context.Context, *OrderQuery) (*orderbook.RestingOrder, error)
	Rollable(context.Context, *TimeQuery) (*core.Rollable, error)
	DueLoans(context.Context, *TimeQuery) (*CountResponse, error)
	DirtyUsers(context.Context, *MarketQuery) (*UsersResponse, error)
}

// Service answers ledger requests against in-process engines. Instructions
// submitted without a timestamp are stamped with Clock.
type Service struct {
	Registry *core.Registry
	Clock    func() time.Time
}

func NewService(reg *core.Registry) *Service {
	return &Service{Registry: reg, Clock: time.Now}
}

var _ LedgerServer = (*Service)(nil)

func (s *Service) Submit(ctx context.Context, cmd *core.Command) (*SubmitResponse, error) {
	return s.submit(ctx, *cmd, "")
}

func (s *Service) PlaceOrder(ctx context.Context, c *OrderCall) (*orderbook.Summary, error) {
	var sum orderbook.Summary
	if err := s.apply(ctx, c.Market, core.InstructionPlaceOrder, c.Order, "", &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *Service) Repay(ctx context.Context, c *RepayCall) (*core.RepayResult, error) {
	var res core.RepayResult
	if err := s.apply(ctx, c.Market, core.InstructionRepay, c.Repay, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// apply submits a typed request and decodes the typed result into out.
func (s *Service) apply(ctx context.Context, market uuid.UUID, in core.Instruction, req any, key string, out any) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return errs.ErrInvalidRequest.With("encode %s: %v", in, err)
	}
	resp, err := s.submit(ctx, core.Command{Instruction: in, Market: market, Payload: raw}, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(resp.Result, out)
}

// submit stamps missing request metadata, applies the command and encodes
// its result.
func (s *Service) submit(ctx context.Context, cmd core.Command, key string) (*SubmitResponse, error) {
	if len(cmd.Payload) == 0 {
		cmd.Payload = json.RawMessage(`{}`)
	}
	payload, err := core.StampMeta(cmd.Payload, s.Clock().Unix(), key)
	if err != nil {
		return nil, errs.ErrInvalidRequest.With("%s: %v", cmd.Instruction, err)
	}
	cmd.Payload = payload

	res, err := s.Registry.Process(ctx, cmd)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{Instruction: cmd.Instruction, Result: raw}, nil
}

// CreateMarket opens a market. A missing id is generated and a missing
// creation time is stamped.
func (s *Service) CreateMarket(ctx context.Context, m *ledger.Market) (*MarketView, error) {
	market := *m
	if market.ID == uuid.Nil {
		market.ID = uuid.New()
	}
	if market.CreatedAt == 0 {
		market.CreatedAt = s.Clock().Unix()
	}
	e, err := s.Registry.CreateMarket(ctx, market)
	if err != nil {
		return nil, err
	}
	view := marketView(e)
	return &view, nil
}

func (s *Service) ListMarkets(context.Context, *Empty) (*ListMarketsResponse, error) {
	engines := s.Registry.Engines()
	resp := &ListMarketsResponse{Markets: make([]MarketView, len(engines))}
	for i, e := range engines {
		resp.Markets[i] = marketView(e)
	}
	return resp, nil
}

func (s *Service) GetMarket(_ context.Context, q *MarketQuery) (*MarketView, error) {
	e, err := s.Registry.Engine(q.Market)
	if err != nil {
		return nil, err
	}
	view := marketView(e)
	return &view, nil
}

func (s *Service) GetUser(_ context.Context, q *UserQuery) (*UserView, error) {
	e, err := s.Registry.Engine(q.Market)
	if err != nil {
		return nil, err
	}
	u, err := e.User(q.User)
	if err != nil {
		return nil, err
	}
	return &UserView{User: u, Loans: e.Loans(q.User), Deposits: e.Deposits(q.User)}, nil
}

func (s *Service) GetBook(_ context.Context, q *BookQuery) (*BookView, error) {
	e, err := s.Registry.Engine(q.Market)
	if err != nil {
		return nil, err
	}
	depth := q.Depth
	if depth <= 0 {
		depth = DefaultBookDepth
	}
	tenor := e.Market().TenorSeconds
	return &BookView{
		Market: q.Market,
		Bids:   levelViews(e.Levels(queue.SideBid, depth), tenor),
		Asks:   levelViews(e.Levels(queue.SideAsk, depth), tenor),
	}, nil
}

func (s *Service) GetOrder(_ context.Context, q *OrderQuery) (*orderbook.RestingOrder, error) {
	e, err := s.Registry.Engine(q.Market)
	if err != nil {
		return nil, err
	}
	o, err := e.Order(q.OrderID)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Service) Rollable(_ context.Context, q *TimeQuery) (*core.Rollable, error) {
	e, err := s.Registry.Engine(q.Market)
	if err != nil {
		return nil, err
	}
	r := e.MaturedRollable(s.at(q.Timestamp))
	return &r, nil
}

func (s *Service) DueLoans(_ context.Context, q *TimeQuery) (*CountResponse, error) {
	e, err := s.Registry.Engine(q.Market)
	if err != nil {
		return nil, err
	}
	return &CountResponse{Count: e.DueLoans(s.at(q.Timestamp))}, nil
}

func (s *Service) DirtyUsers(_ context.Context, q *MarketQuery) (*UsersResponse, error) {
	e, err := s.Registry.Engine(q.Market)
	if err != nil {
		return nil, err
	}
	return &UsersResponse{Users: e.DirtyUsers()}, nil
}

func (s *Service) at(ts int64) int64 {
	if ts > 0 {
		return ts
	}
	return s.Clock().Unix()
}

func marketView(e *core.Engine) MarketView {
	cursor, pending := e.QueueState()
	hash := e.StateHash()
	return MarketView{
		Market:       e.Market(),
		Sequence:     e.Sequence(),
		StateHash:    hex.EncodeToString(hash[:]),
		QueueCursor:  cursor,
		QueuePending: pending,
		DirtyUsers:   len(e.DirtyUsers()),
	}
}

func levelViews(levels []orderbook.Level, tenor int64) []LevelView {
	out := make([]LevelView, len(levels))
	for i, l := range levels {
		out[i] = LevelView{
			Price:       l.Price,
			Display:     l.Price.String(),
			Rate:        l.Price.Rate().StringFixed(6),
			AnnualYield: l.Price.AnnualYield(tenor).StringFixed(6),
			Base:        l.Base,
			Orders:      l.Orders,
		}
	}
	return out
}
