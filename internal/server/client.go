package server

import (
	"TermLedger/internal/core"
	"TermLedger/internal/crank"
	"TermLedger/internal/errs"
	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Client calls a remote ledger over gRPC. It implements crank.Ledger so a
// standalone crank can drive a ledger process.
type Client struct {
	conn  *grpc.ClientConn
	Clock func() time.Time
}

var _ crank.Ledger = (*Client)(nil)

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, Clock: time.Now}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if err := c.conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return FromStatus(err)
	}
	return nil
}

// FromStatus turns a gRPC status back into the ledger error it carries.
// Unreachable servers surface as ErrUnavailable so callers retry them.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if e := errs.Parse(st.Message()); e != nil {
		return e
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return errs.ErrUnavailable.With("%s", st.Message())
	}
	return err
}

// Submit applies one instruction. The payload is the instruction's request
// and result, when non-nil, receives its decoded result.
func (c *Client) Submit(ctx context.Context, market uuid.UUID, in core.Instruction, payload, result any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var resp SubmitResponse
	cmd := core.Command{Instruction: in, Market: market, Payload: raw}
	if err := c.invoke(ctx, "Submit", &cmd, &resp); err != nil {
		return err
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

func (c *Client) PlaceOrder(ctx context.Context, market uuid.UUID, req core.PlaceOrderRequest) (orderbook.Summary, error) {
	var sum orderbook.Summary
	err := c.invoke(ctx, "PlaceOrder", &OrderCall{Market: market, Order: req}, &sum)
	return sum, err
}

func (c *Client) Repay(ctx context.Context, market uuid.UUID, req core.RepayRequest) (core.RepayResult, error) {
	var res core.RepayResult
	err := c.invoke(ctx, "Repay", &RepayCall{Market: market, Repay: req}, &res)
	return res, err
}

func (c *Client) CreateMarket(ctx context.Context, m ledger.Market) (MarketView, error) {
	var view MarketView
	err := c.invoke(ctx, "CreateMarket", &m, &view)
	return view, err
}

func (c *Client) meta() core.Meta {
	return core.Meta{Timestamp: c.Clock().Unix()}
}

func (c *Client) Markets(ctx context.Context) ([]uuid.UUID, error) {
	var resp ListMarketsResponse
	if err := c.invoke(ctx, "ListMarkets", &Empty{}, &resp); err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(resp.Markets))
	for i, m := range resp.Markets {
		ids[i] = m.Market.ID
	}
	return ids, nil
}

func (c *Client) ConsumeEvents(ctx context.Context, market uuid.UUID, limit int) (core.ConsumeResult, error) {
	var res core.ConsumeResult
	err := c.Submit(ctx, market, core.InstructionConsumeEvents, core.ConsumeEventsRequest{Meta: c.meta(), Limit: limit}, &res)
	return res, err
}

// MarkDue only issues the instruction when some loan is due.
func (c *Client) MarkDue(ctx context.Context, market uuid.UUID) (int, error) {
	meta := c.meta()
	var due CountResponse
	if err := c.invoke(ctx, "DueLoans", &TimeQuery{Market: market, Timestamp: meta.Timestamp}, &due); err != nil {
		return 0, err
	}
	if due.Count == 0 {
		return 0, nil
	}
	var res core.MarkDueResult
	err := c.Submit(ctx, market, core.InstructionMarkDue, core.MarkDueRequest{Meta: meta}, &res)
	return res.Marked, err
}

func (c *Client) Rollable(ctx context.Context, market uuid.UUID) (core.Rollable, error) {
	var r core.Rollable
	err := c.invoke(ctx, "Rollable", &TimeQuery{Market: market, Timestamp: c.Clock().Unix()}, &r)
	return r, err
}

func (c *Client) RollLoan(ctx context.Context, market, user uuid.UUID, seq uint64) error {
	return c.Submit(ctx, market, core.InstructionRollLoan, core.RollLoanRequest{Meta: c.meta(), User: user, LoanSeq: seq}, nil)
}

func (c *Client) RollDeposit(ctx context.Context, market, user uuid.UUID, seq uint64) error {
	return c.Submit(ctx, market, core.InstructionRollDeposit, core.RollDepositRequest{Meta: c.meta(), User: user, DepositSeq: seq}, nil)
}

func (c *Client) DirtyUsers(ctx context.Context, market uuid.UUID) ([]uuid.UUID, error) {
	var resp UsersResponse
	if err := c.invoke(ctx, "DirtyUsers", &MarketQuery{Market: market}, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) Settle(ctx context.Context, market, user uuid.UUID) error {
	return c.Submit(ctx, market, core.InstructionSettle, core.SettleRequest{Meta: c.meta(), User: user}, nil)
}
