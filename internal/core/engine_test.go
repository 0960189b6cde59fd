package core_test

import (
	"TermLedger/internal/core"
	"TermLedger/internal/errs"
	"TermLedger/internal/fixedpoint"
	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/queue"
	"TermLedger/internal/settlement"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"pgregory.net/rapid"
)

// --- Test helpers ---

const (
	tenor  = 86_400
	start  = int64(1_700_000_000)
	noFees = 0
)

var tenPercent, _ = fixedpoint.PriceFromRatio(9091, 10_000)

type harness struct {
	t       *testing.T
	e       *core.Engine
	q       *queue.MemoryQueue
	notes   *settlement.MemoryNotes
	persist chan core.Output
	market  ledger.Market
	ts      int64
}

func newMarket(feeBps uint16) ledger.Market {
	return ledger.Market{
		ID:           uuid.New(),
		Asset:        "USDC",
		TenorSeconds: tenor,
		TickSize:     1,
		MinOrderSize: 1,
		FeeBps:       feeBps,
	}
}

func newHarness(t *testing.T, market ledger.Market) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		q:       queue.NewMemoryQueue(),
		notes:   settlement.NewMemoryNotes(),
		persist: make(chan core.Output, 4096),
		market:  market,
		ts:      start,
	}
	e, err := core.NewEngine(market, h.q, core.Options{
		Notes:   h.notes,
		Persist: h.persist,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.e = e
	return h
}

func (h *harness) meta() core.Meta { return core.Meta{Timestamp: h.ts} }

func (h *harness) register() uuid.UUID {
	h.t.Helper()
	id := uuid.New()
	if _, err := h.e.RegisterUser(core.RegisterUserRequest{Meta: h.meta(), User: id}); err != nil {
		h.t.Fatalf("register: %v", err)
	}
	return id
}

type order struct {
	side   queue.Side
	base   uint64
	price  fixedpoint.Price
	margin bool
	stake  bool
	roll   bool
}

func (h *harness) place(user uuid.UUID, o order) (orderbook.Summary, error) {
	return h.e.PlaceOrder(core.PlaceOrderRequest{
		Meta:        h.meta(),
		User:        user,
		Side:        o.side,
		Margin:      o.margin,
		AutoStake:   o.stake,
		AutoRoll:    o.roll,
		MaxBase:     o.base,
		LimitPrice:  o.price,
		MatchLimit:  16,
		PostAllowed: true,
	})
}

func (h *harness) mustPlace(user uuid.UUID, o order) orderbook.Summary {
	h.t.Helper()
	sum, err := h.place(user, o)
	if err != nil {
		h.t.Fatalf("place %+v: %v", o, err)
	}
	return sum
}

func (h *harness) consumeAll() core.ConsumeResult {
	h.t.Helper()
	var total core.ConsumeResult
	for {
		res, err := h.e.ConsumeEvents(core.ConsumeEventsRequest{Meta: h.meta()})
		if err != nil {
			h.t.Fatalf("consume: %v", err)
		}
		total.Applied += res.Applied
		total.Cursor = res.Cursor
		if res.Remaining == 0 {
			return total
		}
	}
}

func (h *harness) user(id uuid.UUID) ledger.MarginUser {
	h.t.Helper()
	u, err := h.e.User(id)
	if err != nil {
		h.t.Fatalf("user: %v", err)
	}
	return u
}

func (h *harness) drain() []core.Output {
	var outs []core.Output
	for {
		select {
		case o := <-h.persist:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

// lendAndBorrow books one margin borrow of 1000 tickets at a 10% discount
// against an auto-staking margin lender.
func (h *harness) lendAndBorrow(roll bool) (lender, borrower uuid.UUID) {
	h.t.Helper()
	lender, borrower = h.register(), h.register()
	h.mustPlace(lender, order{side: queue.SideBid, base: 1000, price: tenPercent, margin: true, stake: true})
	h.mustPlace(borrower, order{side: queue.SideAsk, base: 1000, price: tenPercent, margin: true, roll: roll})
	h.consumeAll()
	return lender, borrower
}

// ============================================================================
// Test: fills become obligations
// ============================================================================

func TestLendBorrow_CreatesLoanAndDeposit(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	lender, borrower := h.register(), h.register()

	bid := h.mustPlace(lender, order{side: queue.SideBid, base: 1000, price: tenPercent, margin: true, stake: true})
	if bid.PostedQuote != 909 {
		t.Fatalf("bid summary: %+v", bid)
	}
	if got := h.user(lender).Assets.TokensPosted; got != 909 {
		t.Fatalf("lender tokens posted = %d, want 909", got)
	}

	ask := h.mustPlace(borrower, order{side: queue.SideAsk, base: 1000, price: tenPercent, margin: true})
	if ask.BaseFilled != 1000 || ask.QuoteFilled != 909 {
		t.Fatalf("ask summary: %+v", ask)
	}
	if got := h.user(borrower).Debt.Pending; got != 1000 {
		t.Fatalf("pending debt before consume = %d", got)
	}

	if res := h.consumeAll(); res.Applied != 1 {
		t.Fatalf("applied %d events, want 1", res.Applied)
	}

	b := h.user(borrower)
	if b.Debt.Pending != 0 || b.Debt.Committed != 1000 || b.Assets.EntitledTokens != 909 {
		t.Errorf("borrower after fill: debt=%+v assets=%+v", b.Debt, b.Assets)
	}
	loans := h.e.Loans(borrower)
	if len(loans) != 1 {
		t.Fatalf("loans: %+v", loans)
	}
	l := loans[0]
	if l.Seq != 0 || l.Balance != 1000 || l.Principal != 909 || l.Interest != 91 || l.MaturationTimestamp != start+tenor {
		t.Errorf("loan: %+v", l)
	}

	lu := h.user(lender)
	if lu.Assets.TokensPosted != 0 || lu.Assets.TicketsStaked != 1000 {
		t.Errorf("lender after fill: %+v", lu.Assets)
	}
	deps := h.e.Deposits(lender)
	if len(deps) != 1 || deps[0].Balance != 1000 || deps[0].Payer != borrower {
		t.Errorf("deposits: %+v", deps)
	}
}

func TestFill_FeeChargedOnBorrowProceeds(t *testing.T) {
	h := newHarness(t, newMarket(100))
	lender, borrower := h.lendAndBorrow(false)

	if got := h.user(borrower).Assets.EntitledTokens; got != 900 {
		t.Errorf("borrower proceeds = %d, want 900", got)
	}
	fees := ledger.NewSystemAccountKey(h.market.ID, ledger.SubTypeSystemFees, ledger.AssetUnderlying)
	if got := h.e.Balance(fees); got != 9 {
		t.Errorf("fees = %d, want 9", got)
	}
	if got := h.user(lender).Assets.TokensPosted; got != 0 {
		t.Errorf("lender tokens posted = %d", got)
	}
}

func TestPlainOrders_SettleToDestination(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	seller, buyer := h.register(), h.register()

	h.mustPlace(seller, order{side: queue.SideAsk, base: 500, price: tenPercent})
	if got := h.user(seller).Assets.TicketsPosted; got != 500 {
		t.Fatalf("tickets posted = %d", got)
	}
	h.mustPlace(buyer, order{side: queue.SideBid, base: 500, price: tenPercent})
	h.consumeAll()

	if s := h.user(seller); s.Assets.TicketsPosted != 0 || s.Debt.Committed != 0 {
		t.Errorf("seller: %+v %+v", s.Assets, s.Debt)
	}
	if len(h.e.Loans(seller)) != 0 {
		t.Error("plain borrow must not create a loan")
	}
	if got := h.e.Balance(ledger.NewExternalAccountKey(ledger.SubTypeExternalDisbursed, ledger.AssetTicket)); got != 500 {
		t.Errorf("tickets disbursed = %d, want 500", got)
	}
}

// ============================================================================
// Test: atomic rejection
// ============================================================================

func TestPlaceOrder_SelfTradeLeavesNoTrace(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	u := h.register()
	h.mustPlace(u, order{side: queue.SideBid, base: 1000, price: tenPercent, margin: true})
	before := h.user(u)
	seq := h.e.Sequence()
	h.drain()

	_, err := h.place(u, order{side: queue.SideAsk, base: 400, price: tenPercent, margin: true})
	if !errors.Is(err, errs.ErrSelfTrade) {
		t.Fatalf("expected self trade, got %v", err)
	}
	after := h.user(u)
	if after.Debt != before.Debt || after.Assets != before.Assets {
		t.Errorf("user changed: %+v -> %+v", before, after)
	}
	if h.e.Sequence() != seq || len(h.drain()) != 0 {
		t.Error("rejected instruction must not emit an output")
	}
	if h.e.Market().Nonce != 1 {
		t.Errorf("nonce consumed by rejected order: %d", h.e.Market().Nonce)
	}
}

func TestPlaceOrder_Rejections(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	u := h.register()

	if _, err := h.place(uuid.New(), order{side: queue.SideBid, base: 10, price: tenPercent}); !errors.Is(err, errs.ErrUserNotFound) {
		t.Errorf("unregistered owner: %v", err)
	}
	if _, err := h.place(u, order{side: queue.SideAsk, base: 10, price: tenPercent, stake: true, margin: true}); !errors.Is(err, errs.ErrInvalidTag) {
		t.Errorf("auto-stake on a borrow: %v", err)
	}

	paused := true
	if _, err := h.e.UpdateMarket(core.UpdateMarketRequest{Meta: h.meta(), OrdersPaused: &paused}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.place(u, order{side: queue.SideBid, base: 10, price: tenPercent}); !errors.Is(err, errs.ErrOrdersPaused) {
		t.Errorf("paused market: %v", err)
	}
	if _, err := h.e.PlaceOrder(core.PlaceOrderRequest{User: u, Side: queue.SideBid, MaxBase: 1, LimitPrice: tenPercent}); !errors.Is(err, errs.ErrInvalidRequest) {
		t.Errorf("missing timestamp: %v", err)
	}
}

func TestIdempotencyKey_DuplicateRejected(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	u := h.register()
	req := core.PlaceOrderRequest{
		Meta:        core.Meta{IdempotencyKey: "client-1", Timestamp: h.ts},
		User:        u,
		Side:        queue.SideBid,
		MaxBase:     100,
		LimitPrice:  tenPercent,
		PostAllowed: true,
	}
	if _, err := h.e.PlaceOrder(req); err != nil {
		t.Fatal(err)
	}
	if _, err := h.e.PlaceOrder(req); !errors.Is(err, errs.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if n := len(h.e.Orders()); n != 1 {
		t.Errorf("resting orders = %d, want 1", n)
	}
}

// ============================================================================
// Test: cancellation
// ============================================================================

func TestCancelOrder_ReleasesThroughQueue(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	lender, other := h.register(), h.register()
	sum := h.mustPlace(lender, order{side: queue.SideBid, base: 1000, price: tenPercent, margin: true})

	cancel := core.CancelOrderRequest{Meta: h.meta(), User: other, OrderID: sum.OrderID}
	if _, err := h.e.CancelOrder(cancel); !errors.Is(err, errs.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	cancel.User = lender
	if _, err := h.e.CancelOrder(cancel); err != nil {
		t.Fatal(err)
	}
	if _, err := h.e.CancelOrder(cancel); !errors.Is(err, errs.ErrOrderNotFound) {
		t.Errorf("second cancel: %v", err)
	}

	if got := h.user(lender).Assets.TokensPosted; got != 909 {
		t.Fatalf("released before consume: posted=%d", got)
	}
	h.consumeAll()
	a := h.user(lender).Assets
	if a.TokensPosted != 0 || a.EntitledTokens != 909 {
		t.Errorf("after release: %+v", a)
	}
}

func TestCancelOrder_MarginBorrowDropsPendingDebt(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	b := h.register()
	sum := h.mustPlace(b, order{side: queue.SideAsk, base: 700, price: tenPercent, margin: true})
	if _, err := h.e.CancelOrder(core.CancelOrderRequest{Meta: h.meta(), User: b, OrderID: sum.OrderID}); err != nil {
		t.Fatal(err)
	}
	h.consumeAll()
	if d := h.user(b).Debt; d.Pending != 0 {
		t.Errorf("pending after cancel = %d", d.Pending)
	}
}

// ============================================================================
// Test: event consumption
// ============================================================================

func TestConsumeEvents_BatchLimitAndCursor(t *testing.T) {
	market := newMarket(noFees)
	market.EventBatchLimit = 2
	h := newHarness(t, market)
	borrower := h.register()
	for range 3 {
		h.mustPlace(h.register(), order{side: queue.SideBid, base: 100, price: tenPercent, margin: true})
	}
	h.mustPlace(borrower, order{side: queue.SideAsk, base: 300, price: tenPercent, margin: true})

	res, err := h.e.ConsumeEvents(core.ConsumeEventsRequest{Meta: h.meta(), Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 2 || res.Cursor != 2 || res.Remaining != 1 {
		t.Fatalf("first batch: %+v", res)
	}

	stale := uint64(0)
	if _, err := h.e.ConsumeEvents(core.ConsumeEventsRequest{Meta: h.meta(), ExpectedCursor: &stale}); !errors.Is(err, errs.ErrCursorMismatch) {
		t.Fatalf("expected cursor mismatch, got %v", err)
	}
	cur := uint64(2)
	res, err = h.e.ConsumeEvents(core.ConsumeEventsRequest{Meta: h.meta(), ExpectedCursor: &cur})
	if err != nil || res.Applied != 1 || res.Remaining != 0 {
		t.Fatalf("second batch: %+v %v", res, err)
	}
	if n := len(h.e.Loans(borrower)); n != 3 {
		t.Errorf("loans = %d, want 3", n)
	}
}

// ============================================================================
// Test: repayment sequencing
// ============================================================================

func twoLoans(t *testing.T) (*harness, uuid.UUID) {
	h := newHarness(t, newMarket(noFees))
	lender, borrower := h.register(), h.register()
	h.mustPlace(lender, order{side: queue.SideBid, base: 2000, price: tenPercent, margin: true})
	h.mustPlace(borrower, order{side: queue.SideAsk, base: 1000, price: tenPercent, margin: true})
	h.mustPlace(borrower, order{side: queue.SideAsk, base: 1000, price: tenPercent, margin: true})
	h.consumeAll()
	if n := len(h.e.Loans(borrower)); n != 2 {
		t.Fatalf("loans = %d", n)
	}
	return h, borrower
}

func TestRepay_OnlyNextObligation(t *testing.T) {
	h, b := twoLoans(t)
	_, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 1, Amount: 10})
	if !errors.Is(err, errs.ErrNotNextObligation) {
		t.Fatalf("expected not next obligation, got %v", err)
	}
	if _, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 0}); !errors.Is(err, errs.ErrZeroAmount) {
		t.Errorf("zero amount: %v", err)
	}
}

func TestRepay_SuccessorRequiredToClose(t *testing.T) {
	h, b := twoLoans(t)

	res, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 0, Amount: 400})
	if err != nil || res.Balance != 600 || res.Closed {
		t.Fatalf("partial: %+v %v", res, err)
	}

	_, err = h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 0, Amount: 5000})
	if !errors.Is(err, errs.ErrInvalidSuccessor) {
		t.Fatalf("expected invalid successor, got %v", err)
	}
	if l := h.e.Loans(b)[0]; l.Balance != 600 {
		t.Errorf("failed repayment changed balance: %d", l.Balance)
	}
	wrongOwner := &core.LoanRef{Owner: uuid.New(), Seq: 1}
	if _, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 0, Amount: 600, Successor: wrongOwner}); !errors.Is(err, errs.ErrInvalidSuccessor) {
		t.Errorf("foreign successor: %v", err)
	}

	res, err = h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 0, Amount: 5000, Successor: &core.LoanRef{Owner: b, Seq: 1}})
	if err != nil || !res.Closed || res.Repaid != 600 {
		t.Fatalf("close: %+v %v", res, err)
	}
	if next, _ := h.user(b).Debt.NextObligationToRepay(); next != 1 {
		t.Errorf("repay pointer = %d, want 1", next)
	}

	last := &core.LoanRef{Owner: b, Seq: 2}
	if _, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 1, Amount: 1000, Successor: last}); !errors.Is(err, errs.ErrInvalidSuccessor) {
		t.Errorf("successor past the last loan: %v", err)
	}
	if _, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 1, Amount: 1000}); err != nil {
		t.Fatal(err)
	}
	d := h.user(b).Debt
	if total, _ := d.Total(); total != 0 {
		t.Errorf("debt after full repayment: %+v", d)
	}
	pool := ledger.NewSystemAccountKey(h.market.ID, ledger.SubTypeSystemRepaymentPool, ledger.AssetUnderlying)
	if got := h.e.Balance(pool); got != 2000 {
		t.Errorf("repayment pool = %d, want 2000", got)
	}
}

func TestRepay_FromProceeds(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	_, b := h.lendAndBorrow(false)

	res, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 0, Amount: 1000, Origin: core.OriginProceeds})
	if !errors.Is(err, errs.ErrInsufficient) {
		t.Fatalf("proceeds of 909 cannot cover 1000: %+v %v", res, err)
	}
	res, err = h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 0, Amount: 909, Origin: core.OriginProceeds})
	if err != nil || res.Balance != 91 {
		t.Fatalf("repay from proceeds: %+v %v", res, err)
	}
	if got := h.user(b).Assets.EntitledTokens; got != 0 {
		t.Errorf("entitled tokens = %d", got)
	}
}

func TestRepay_AutoRollOriginReserved(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	_, b := h.lendAndBorrow(true)

	_, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 0, Amount: 500, Origin: core.OriginAutoRoll})
	if !errors.Is(err, errs.ErrInvalidRequest) {
		t.Fatalf("external repay with the roll origin: %v", err)
	}
	if l := h.e.Loans(b)[0]; l.Balance != 1000 {
		t.Errorf("rejected repayment changed balance: %d", l.Balance)
	}
	if got := h.user(b).Assets.EntitledTokens; got != 909 {
		t.Errorf("entitled tokens = %d, want 909", got)
	}
}

func TestRepay_SuccessorCheckedOnPartialRepayment(t *testing.T) {
	h, b := twoLoans(t)

	for name, successor := range map[string]*core.LoanRef{
		"foreign owner": {Owner: uuid.New(), Seq: 1},
		"wrong seq":     {Owner: b, Seq: 7},
	} {
		_, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 0, Amount: 100, Successor: successor})
		if !errors.Is(err, errs.ErrInvalidSuccessor) {
			t.Errorf("%s: expected invalid successor, got %v", name, err)
		}
	}
	if l := h.e.Loans(b)[0]; l.Balance != 1000 {
		t.Errorf("rejected repayments changed balance: %d", l.Balance)
	}

	res, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 0, Amount: 100, Successor: &core.LoanRef{Owner: b, Seq: 1}})
	if err != nil || res.Closed || res.Balance != 900 {
		t.Fatalf("partial with a valid successor: %+v %v", res, err)
	}
}

// ============================================================================
// Test: maturity
// ============================================================================

func TestMaturity_MarkDueRepayRedeem(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	lender, b := h.lendAndBorrow(false)

	if _, err := h.e.RedeemDeposit(core.RedeemDepositRequest{Meta: h.meta(), User: lender, DepositSeq: 0}); !errors.Is(err, errs.ErrNotMatured) {
		t.Fatalf("early redeem: %v", err)
	}
	if res, _ := h.e.MarkDue(core.MarkDueRequest{Meta: h.meta()}); res.Marked != 0 {
		t.Errorf("marked before maturity: %d", res.Marked)
	}

	h.ts = start + tenor
	if _, err := h.e.RedeemDeposit(core.RedeemDepositRequest{Meta: h.meta(), User: lender, DepositSeq: 0}); !errors.Is(err, errs.ErrVaultInsufficient) {
		t.Fatalf("redeem against empty pool: %v", err)
	}

	res, err := h.e.MarkDue(core.MarkDueRequest{Meta: h.meta()})
	if err != nil || res.Marked != 1 {
		t.Fatalf("mark due: %+v %v", res, err)
	}
	if d := h.user(b).Debt; d.PastDue != 1000 || d.Committed != 0 {
		t.Errorf("debt after mark due: %+v", d)
	}
	if res, _ := h.e.MarkDue(core.MarkDueRequest{Meta: h.meta()}); res.Marked != 0 {
		t.Error("mark due must be idempotent")
	}

	if _, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 0, Amount: 1000}); err != nil {
		t.Fatal(err)
	}
	if d := h.user(b).Debt; d.PastDue != 0 {
		t.Errorf("past due after repay: %+v", d)
	}

	red, err := h.e.RedeemDeposit(core.RedeemDepositRequest{Meta: h.meta(), User: lender, DepositSeq: 0})
	if err != nil || red.Amount != 1000 {
		t.Fatalf("redeem: %+v %v", red, err)
	}
	a := h.user(lender).Assets
	if a.EntitledTokens != 1000 || a.TicketsStaked != 0 {
		t.Errorf("lender after redeem: %+v", a)
	}
	if len(h.e.Deposits(lender)) != 0 {
		t.Error("deposit should be removed")
	}
}

// ============================================================================
// Test: auto-roll
// ============================================================================

func TestRollLoan_AtomicOnFailure(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	_, b := h.lendAndBorrow(true)

	roll := core.RollLoanRequest{Meta: h.meta(), User: b, LoanSeq: 0}
	if _, err := h.e.RollLoan(roll); !errors.Is(err, errs.ErrRollNotEnabled) {
		t.Fatalf("roll without a configured price: %v", err)
	}
	if err := h.e.ConfigureAutoRoll(core.ConfigureAutoRollRequest{Meta: h.meta(), User: b, BorrowPrice: tenPercent}); err != nil {
		t.Fatal(err)
	}
	roll.Meta = h.meta()
	if _, err := h.e.RollLoan(roll); !errors.Is(err, errs.ErrNotMatured) {
		t.Fatalf("roll before maturity: %v", err)
	}

	// the 909 entitled tokens repay first, then placing the roll order fails
	h.ts = start + tenor
	paused := true
	if _, err := h.e.UpdateMarket(core.UpdateMarketRequest{Meta: h.meta(), OrdersPaused: &paused}); err != nil {
		t.Fatal(err)
	}
	before := h.user(b)
	roll.Meta = h.meta()
	if _, err := h.e.RollLoan(roll); !errors.Is(err, errs.ErrOrdersPaused) {
		t.Fatalf("roll while orders are paused: %v", err)
	}
	after := h.user(b)
	loans := h.e.Loans(b)
	if after.Debt != before.Debt || after.Assets != before.Assets || len(loans) != 1 || loans[0].Balance != 1000 || loans[0].Rolling() {
		t.Fatalf("failed roll left changes: %+v -> %+v, loans %+v", before, after, loans)
	}
}

func TestRollLoan_SettledBorrowerFundedByRollOrder(t *testing.T) {
	h := newHarness(t, newMarket(100))
	_, b := h.lendAndBorrow(true)
	if res, err := h.e.Settle(context.Background(), core.SettleRequest{Meta: h.meta(), User: b}); err != nil || res.DisbursedTokens != 900 {
		t.Fatalf("settle: %+v %v", res, err)
	}

	h.ts = start + tenor
	if err := h.e.ConfigureAutoRoll(core.ConfigureAutoRollRequest{Meta: h.meta(), User: b, BorrowPrice: tenPercent}); err != nil {
		t.Fatal(err)
	}
	refi := h.register()
	h.mustPlace(refi, order{side: queue.SideBid, base: 1200, price: tenPercent, margin: true, stake: true})

	res, err := h.e.RollLoan(core.RollLoanRequest{Meta: h.meta(), User: b, LoanSeq: 0})
	if err != nil {
		t.Fatalf("roll with no entitled tokens: %v", err)
	}
	// 1000 owed grossed up for the 1% fee is 1011 tokens, 1113 tickets at the roll price
	if res.Retired != 0 || res.Order.BaseFilled != 1113 || res.Order.QuoteFilled != 1011 || res.Order.Posted {
		t.Fatalf("roll result: %+v", res)
	}
	l := h.e.Loans(b)[0]
	if !l.Rolling() || l.RollOrder != res.Order.OrderID || l.RollPending != 1113 {
		t.Errorf("loan not marked rolling: %+v", l)
	}
	if got := h.e.MaturedRollable(h.ts); len(got.Loans) != 0 {
		t.Errorf("rolling loan listed as rollable: %+v", got.Loans)
	}
	if _, err := h.e.RollLoan(core.RollLoanRequest{Meta: h.meta(), User: b, LoanSeq: 0}); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Errorf("second roll of the same loan: %v", err)
	}

	h.consumeAll()
	loans := h.e.Loans(b)
	if len(loans) != 1 {
		t.Fatalf("loans after roll: %+v", loans)
	}
	if nl := loans[0]; nl.Seq != 1 || nl.Balance != 1113 || nl.Principal != 1011 || !nl.AutoRoll || nl.Rolling() {
		t.Errorf("new loan: %+v", nl)
	}
	u := h.user(b)
	if u.Debt.Committed != 1113 || u.Debt.Pending != 0 || u.Debt.PastDue != 0 || u.Assets.EntitledTokens != 1 {
		t.Errorf("after roll: debt=%+v assets=%+v", u.Debt, u.Assets)
	}
	if next, _ := u.Debt.NextObligationToRepay(); next != 1 {
		t.Errorf("repay pointer = %d, want 1", next)
	}
	pool := ledger.NewSystemAccountKey(h.market.ID, ledger.SubTypeSystemRepaymentPool, ledger.AssetUnderlying)
	if got := h.e.Balance(pool); got != 1000 {
		t.Errorf("repayment pool = %d, want 1000", got)
	}
}

func TestRollLoan_CancelledRollOrderStopsRolling(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	_, b := h.lendAndBorrow(true)
	if _, err := h.e.Settle(context.Background(), core.SettleRequest{Meta: h.meta(), User: b}); err != nil {
		t.Fatal(err)
	}
	h.ts = start + tenor
	if err := h.e.ConfigureAutoRoll(core.ConfigureAutoRollRequest{Meta: h.meta(), User: b, BorrowPrice: tenPercent}); err != nil {
		t.Fatal(err)
	}

	res, err := h.e.RollLoan(core.RollLoanRequest{Meta: h.meta(), User: b, LoanSeq: 0})
	if err != nil || !res.Order.Posted || res.Order.PostedBase != 1100 {
		t.Fatalf("roll: %+v %v", res, err)
	}
	if _, err := h.e.CancelOrder(core.CancelOrderRequest{Meta: h.meta(), User: b, OrderID: res.Order.OrderID}); err != nil {
		t.Fatal(err)
	}
	h.consumeAll()

	l := h.e.Loans(b)[0]
	if l.Rolling() || l.Balance != 1000 {
		t.Errorf("loan after cancelled roll: %+v", l)
	}
	if d := h.user(b).Debt; d.Pending != 0 || d.Committed != 1000 {
		t.Errorf("debt after cancelled roll: %+v", d)
	}
	if got := h.e.MaturedRollable(h.ts); len(got.Loans) != 1 {
		t.Errorf("loan should be rollable again: %+v", got)
	}
}

func TestRollDeposit_RelendsProceeds(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	lender := h.register()
	borrower := h.register()
	h.mustPlace(lender, order{side: queue.SideBid, base: 1000, price: tenPercent, margin: true, stake: true, roll: true})
	h.mustPlace(borrower, order{side: queue.SideAsk, base: 1000, price: tenPercent, margin: true})
	h.consumeAll()

	h.ts = start + tenor
	if _, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: borrower, LoanSeq: 0, Amount: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := h.e.ConfigureAutoRoll(core.ConfigureAutoRollRequest{Meta: h.meta(), User: lender, LendPrice: tenPercent}); err != nil {
		t.Fatal(err)
	}
	if got := h.e.MaturedRollable(h.ts); len(got.Deposits) != 1 {
		t.Fatalf("rollable deposits: %+v", got)
	}

	res, err := h.e.RollDeposit(core.RollDepositRequest{Meta: h.meta(), User: lender, DepositSeq: 0})
	if err != nil {
		t.Fatalf("roll deposit: %v", err)
	}
	if res.Retired != 1000 || !res.Order.Posted {
		t.Errorf("roll result: %+v", res)
	}
	a := h.user(lender).Assets
	if a.TicketsStaked != 0 || a.TokensPosted != res.Order.PostedQuote || a.EntitledTokens != 1000-res.Order.PostedQuote {
		t.Errorf("lender after roll: %+v (order %+v)", a, res.Order)
	}
}

// ============================================================================
// Test: settlement
// ============================================================================

func TestSettle_ReconcilesAndDisburses(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	lender, b := h.lendAndBorrow(false)
	ctx := context.Background()

	if dirty := h.e.DirtyUsers(); len(dirty) != 2 {
		t.Fatalf("dirty users: %v", dirty)
	}

	res, err := h.e.Settle(ctx, core.SettleRequest{Meta: h.meta(), User: b})
	if err != nil {
		t.Fatal(err)
	}
	if res.Notes.Claims.Minted != 1000 || res.DisbursedTokens != 909 {
		t.Errorf("settle borrower: %+v", res)
	}
	u := h.user(b)
	if bal, _ := h.notes.Balance(ctx, u.Notes.Claims); bal != 1000 {
		t.Errorf("claims note = %d", bal)
	}
	if u.Assets.EntitledTokens != 0 {
		t.Errorf("entitled tokens after settle: %d", u.Assets.EntitledTokens)
	}

	again, err := h.e.Settle(ctx, core.SettleRequest{Meta: h.meta(), User: b})
	if err != nil {
		t.Fatal(err)
	}
	if again.Notes.Claims.Changed() || again.Notes.Collateral.Changed() || again.DisbursedTokens != 0 {
		t.Errorf("second settle must be a no-op: %+v", again)
	}

	lres, err := h.e.Settle(ctx, core.SettleRequest{Meta: h.meta(), User: lender})
	if err != nil {
		t.Fatal(err)
	}
	if lres.Notes.Collateral.Minted != 1000 || lres.Notes.Claims.Changed() {
		t.Errorf("settle lender: %+v", lres)
	}
	if dirty := h.e.DirtyUsers(); len(dirty) != 0 {
		t.Errorf("dirty after settle: %v", dirty)
	}
}

type brokenNotes struct{ *settlement.MemoryNotes }

func (brokenNotes) Mint(context.Context, string, uint64) error {
	return errors.New("note program unavailable")
}

func TestSettle_FailedReconciliationDisbursesNothing(t *testing.T) {
	market := newMarket(noFees)
	e, err := core.NewEngine(market, queue.NewMemoryQueue(), core.Options{
		Notes:  brokenNotes{settlement.NewMemoryNotes()},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{t: t, e: e, market: market, ts: start}
	_, b := h.lendAndBorrow(false)

	_, err = e.Settle(context.Background(), core.SettleRequest{Meta: h.meta(), User: b})
	if errs.KindOf(err) != errs.KindReconciliation {
		t.Fatalf("expected reconciliation error, got %v", err)
	}
	if got := h.user(b).Assets.EntitledTokens; got != 909 {
		t.Errorf("entitled tokens = %d, want 909 kept", got)
	}
	if dirty := e.DirtyUsers(); len(dirty) != 2 {
		t.Errorf("user must stay dirty: %v", dirty)
	}
}

// ============================================================================
// Test: outputs and recovery
// ============================================================================

func TestOutputs_HashChain(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	h.lendAndBorrow(false)

	outs := h.drain()
	if len(outs) == 0 {
		t.Fatal("no outputs")
	}
	for i, o := range outs {
		if o.Sequence != int64(i+1) {
			t.Errorf("output %d has sequence %d", i, o.Sequence)
		}
		if i > 0 && o.PrevHash != outs[i-1].StateHash {
			t.Errorf("output %d does not chain to its predecessor", i)
		}
	}
	last := outs[len(outs)-1]
	if last.Instruction != core.InstructionConsumeEvents || last.Batch == nil {
		t.Errorf("last output: %+v", last)
	}
	if h.e.StateHash() != last.StateHash {
		t.Error("engine tip differs from the last output")
	}
}

func TestSnapshotRestoreReplay_ReproducesState(t *testing.T) {
	market := newMarket(noFees)
	h := newHarness(t, market)
	lender, b := h.register(), h.register()
	h.mustPlace(lender, order{side: queue.SideBid, base: 3000, price: tenPercent, margin: true, stake: true})
	h.mustPlace(b, order{side: queue.SideAsk, base: 1000, price: tenPercent, margin: true})
	h.consumeAll()

	snap := h.e.Snapshot()
	h.drain()

	h.mustPlace(b, order{side: queue.SideAsk, base: 500, price: tenPercent, margin: true})
	h.consumeAll()
	if _, err := h.e.Repay(core.RepayRequest{Meta: h.meta(), User: b, LoanSeq: 0, Amount: 250}); err != nil {
		t.Fatal(err)
	}
	outs := h.drain()

	restored, err := core.NewEngine(market, h.q, core.Options{Notes: settlement.NewMemoryNotes(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	cmds := make([]core.Command, len(outs))
	for i, o := range outs {
		cmds[i] = o.Command
	}
	if err := restored.Replay(context.Background(), cmds); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if restored.StateHash() != h.e.StateHash() {
		t.Error("replayed engine diverged from the original")
	}
	got, _ := restored.User(b)
	want := h.user(b)
	if got.Debt != want.Debt || got.Assets != want.Assets {
		t.Errorf("borrower: got %+v, want %+v", got, want)
	}
}

func TestProcess_RoutesCommands(t *testing.T) {
	h := newHarness(t, newMarket(noFees))
	id := uuid.New()
	payload := []byte(`{"timestamp":1700000000,"user":"` + id.String() + `"}`)

	res, err := h.e.Process(context.Background(), core.Command{
		Instruction: core.InstructionRegisterUser,
		Market:      h.market.ID,
		Source:      "test",
		SourceSeq:   1,
		Payload:     payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	if u, ok := res.(ledger.MarginUser); !ok || u.ID != id {
		t.Errorf("result: %#v", res)
	}

	_, err = h.e.Process(context.Background(), core.Command{
		Instruction: core.InstructionRegisterUser,
		Market:      h.market.ID,
		Source:      "test",
		SourceSeq:   3,
		Payload:     payload,
	})
	if !errors.Is(err, errs.ErrSequenceGap) {
		t.Errorf("expected sequence gap, got %v", err)
	}
	if _, err := h.e.Process(context.Background(), core.Command{Instruction: core.InstructionRegisterUser, Market: uuid.New()}); !errors.Is(err, errs.ErrMarketNotFound) {
		t.Errorf("foreign market: %v", err)
	}
}

// ============================================================================
// Property: reservations and debt mirror the book and the loans
// ============================================================================

func TestProperty_ReservationsMatchBook(t *testing.T) {
	prices := []fixedpoint.Price{tenPercent}
	for _, r := range [][2]uint64{{90, 100}, {95, 100}} {
		p, err := fixedpoint.PriceFromRatio(r[0], r[1])
		if err != nil {
			t.Fatal(err)
		}
		prices = append(prices, p)
	}

	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, newMarket(uint16(rapid.IntRange(0, 50).Draw(rt, "fee"))))
		users := []uuid.UUID{h.register(), h.register(), h.register()}
		margin := make(map[uint64]bool)

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			u := rapid.SampledFrom(users).Draw(rt, "user")
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0, 1:
				side := rapid.SampledFrom([]queue.Side{queue.SideBid, queue.SideAsk}).Draw(rt, "side")
				o := order{
					side:   side,
					base:   rapid.Uint64Range(1, 500).Draw(rt, "base"),
					price:  rapid.SampledFrom(prices).Draw(rt, "price"),
					margin: rapid.Bool().Draw(rt, "margin"),
				}
				o.stake = side == queue.SideBid && o.margin && rapid.Bool().Draw(rt, "stake")
				sum, err := h.place(u, o)
				if err != nil {
					if !errors.Is(err, errs.ErrSelfTrade) {
						rt.Fatalf("place: %v", err)
					}
					continue
				}
				margin[sum.OrderID] = o.margin
			case 2:
				for _, o := range h.e.Orders() {
					if o.Owner == u {
						if _, err := h.e.CancelOrder(core.CancelOrderRequest{Meta: h.meta(), User: u, OrderID: o.ID}); err != nil {
							rt.Fatalf("cancel: %v", err)
						}
						break
					}
				}
			case 3:
				h.consumeAll()
			}
		}
		h.consumeAll()

		type reserved struct{ pending, tokens, tickets uint64 }
		want := make(map[uuid.UUID]*reserved)
		for _, id := range users {
			want[id] = &reserved{}
		}
		for _, o := range h.e.Orders() {
			r := want[o.Owner]
			switch {
			case o.Side == queue.SideBid:
				r.tokens += o.Quote
			case margin[o.ID]:
				r.pending += o.Base
			default:
				r.tickets += o.Base
			}
		}
		for _, id := range users {
			u := h.user(id)
			var loans uint64
			for _, l := range h.e.Loans(id) {
				loans += l.Balance
			}
			r := want[id]
			if u.Debt.Committed != loans {
				rt.Fatalf("committed %d != loan balances %d", u.Debt.Committed, loans)
			}
			if u.Debt.Pending != r.pending {
				rt.Fatalf("pending %d != resting margin asks %d", u.Debt.Pending, r.pending)
			}
			if u.Assets.TokensPosted != r.tokens {
				rt.Fatalf("tokens posted %d != resting bid quote %d", u.Assets.TokensPosted, r.tokens)
			}
			if u.Assets.TicketsPosted != r.tickets {
				rt.Fatalf("tickets posted %d != resting plain asks %d", u.Assets.TicketsPosted, r.tickets)
			}
		}
	})
}
