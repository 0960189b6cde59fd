package core

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/fixedpoint"
	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/queue"
	"TermLedger/internal/tag"
)

// RollResult reports the order placed by a roll.
type RollResult struct {
	Retired uint64            `json:"retired"`
	Order   orderbook.Summary `json:"order"`
}

// RollLoan refinances a matured auto-roll loan. Entitled tokens repay what
// they cover at once. The rest is borrowed again at the configured roll
// price, and the roll order's fill proceeds repay the loan as they are
// booked. The repayment and the order commit together or not at all.
func (e *Engine) RollLoan(req RollLoanRequest) (RollResult, error) {
	return e.rollLoan(req, source{})
}

func (e *Engine) rollLoan(req RollLoanRequest, src source) (RollResult, error) {
	var res RollResult
	err := e.exec(InstructionRollLoan, req.Meta, req, src, func(t *txn) error {
		u, err := t.user(req.User)
		if err != nil {
			return err
		}
		loan, err := t.ownedLoan(u.ID, req.LoanSeq)
		if err != nil {
			return err
		}
		if !loan.AutoRoll || u.Roll.BorrowPrice == 0 {
			return errs.ErrRollNotEnabled.With("loan %d of %s", loan.Seq, u.ID)
		}
		if !loan.Matured(req.Timestamp) {
			return errs.ErrNotMatured.With("loan %d matures at %d", loan.Seq, loan.MaturationTimestamp)
		}
		if loan.Rolling() {
			return errs.ErrAlreadyExists.With("loan %d is rolling into order %d", loan.Seq, loan.RollOrder)
		}
		if next, ok := u.Debt.NextObligationToRepay(); !ok || next != loan.Seq {
			return errs.ErrNotNextObligation.With("loan %d is not next to repay", loan.Seq)
		}

		if cover := min(u.Assets.EntitledTokens, loan.Balance); cover > 0 {
			repaid, err := t.repayLoan(u, loan.Seq, cover, OriginAutoRoll, successorOf(u, loan.Seq))
			if err != nil {
				return err
			}
			res.Retired = repaid.Repaid
			if repaid.Closed {
				t.emit(Effect{Kind: EffectRolled, User: u.ID, Seq: loan.Seq, Base: repaid.Repaid, Detail: "loan"})
				return nil
			}
			loan, _ = t.index.Loan(u.ID, loan.Seq)
		}

		maxBase, err := rollBorrowBase(loan.Balance, u.Roll.BorrowPrice, t.market.FeeBps)
		if err != nil {
			return err
		}
		res.Order, err = t.place(placement{
			user:     u,
			kind:     tag.KindMarginBorrow,
			autoRoll: true,
			order: orderbook.OrderParams{
				Side:        queue.SideAsk,
				MaxBase:     maxBase,
				LimitPrice:  u.Roll.BorrowPrice,
				MatchLimit:  rollMatchLimit(req.MatchLimit),
				PostAllowed: true,
			},
		})
		if err != nil {
			return err
		}
		loan.RollOrder = res.Order.OrderID
		loan.RollPending = res.Order.BaseFilled + res.Order.PostedBase
		if loan.RollPending == 0 {
			loan.RollOrder = 0
		}
		t.index.PutLoan(loan)
		t.emit(Effect{Kind: EffectRolled, User: u.ID, Seq: loan.Seq, OrderID: res.Order.OrderID, Base: loan.Balance, Detail: "loan"})
		return nil
	})
	return res, err
}

// rollBorrowBase sizes a roll borrow so that its proceeds after fees cover
// owed when filled at price or better.
func rollBorrowBase(owed uint64, price fixedpoint.Price, feeBps uint16) (uint64, error) {
	gross, err := fixedpoint.MulDiv(owed, 10_000, 10_000-uint64(feeBps), fixedpoint.RoundUp)
	if err != nil {
		return 0, err
	}
	return fixedpoint.MulDiv(gross, uint64(fixedpoint.One), uint64(price), fixedpoint.RoundUp)
}

// fundRoll books base of roll order orderID as filled or released and repays
// the loan it is rolling from the owner's entitled tokens. The loan stops
// rolling once the order has nothing left to fill.
func (t *txn) fundRoll(u *ledger.MarginUser, orderID, base uint64) error {
	next, ok := u.Debt.NextObligationToRepay()
	if !ok {
		return nil
	}
	loan, ok := t.index.Loan(u.ID, next)
	if !ok || !loan.Rolling() || loan.RollOrder != orderID {
		return nil
	}
	loan.RollPending -= min(base, loan.RollPending)
	if loan.RollPending == 0 {
		loan.RollOrder = 0
	}
	t.index.PutLoan(loan)

	amount := min(u.Assets.EntitledTokens, loan.Balance)
	if amount == 0 {
		return nil
	}
	_, err := t.repayLoan(u, loan.Seq, amount, OriginAutoRoll, successorOf(u, loan.Seq))
	return err
}

// RollDeposit redeems a matured auto-roll deposit and lends the proceeds
// again at the configured roll price, staking the new tickets.
func (e *Engine) RollDeposit(req RollDepositRequest) (RollResult, error) {
	return e.rollDeposit(req, source{})
}

func (e *Engine) rollDeposit(req RollDepositRequest, src source) (RollResult, error) {
	var res RollResult
	err := e.exec(InstructionRollDeposit, req.Meta, req, src, func(t *txn) error {
		u, err := t.user(req.User)
		if err != nil {
			return err
		}
		d, ok := t.index.Deposit(u.ID, req.DepositSeq)
		if !ok {
			return errs.ErrObligationNotFound.With("deposit %d of %s", req.DepositSeq, u.ID)
		}
		if !d.AutoRoll || u.Roll.LendPrice == 0 {
			return errs.ErrRollNotEnabled.With("deposit %d of %s", d.Seq, u.ID)
		}

		amount, err := t.redeem(u, d.Seq)
		if err != nil {
			return err
		}
		maxBase, err := fixedpoint.BaseFromQuote(amount, u.Roll.LendPrice)
		if err != nil {
			return err
		}
		res.Retired = amount
		res.Order, err = t.place(placement{
			user:         u,
			kind:         tag.KindMarginLend,
			autoStake:    true,
			autoRoll:     true,
			fromProceeds: true,
			order: orderbook.OrderParams{
				Side:        queue.SideBid,
				MaxBase:     maxBase,
				MaxQuote:    amount,
				LimitPrice:  u.Roll.LendPrice,
				MatchLimit:  rollMatchLimit(req.MatchLimit),
				PostAllowed: true,
			},
		})
		if err != nil {
			return err
		}
		t.emit(Effect{Kind: EffectRolled, User: u.ID, Seq: d.Seq, OrderID: res.Order.OrderID, Quote: amount, Detail: "deposit"})
		return nil
	})
	return res, err
}

func rollMatchLimit(requested uint32) uint32 {
	if requested == 0 {
		return DefaultRollMatchLimit
	}
	return requested
}

// Rollable lists matured obligations with auto-roll set whose owner has a
// roll price configured for that side.
type Rollable struct {
	Loans    []ledger.TermLoan    `json:"loans"`
	Deposits []ledger.TermDeposit `json:"deposits"`
}

// MaturedRollable returns the obligations a crank should roll at ts.
func (e *Engine) MaturedRollable(ts int64) Rollable {
	e.mu.Lock()
	defer e.mu.Unlock()

	var r Rollable
	e.index.AllLoans(func(l ledger.TermLoan) bool {
		u := e.users[l.Owner]
		if l.AutoRoll && !l.Rolling() && l.Matured(ts) && u != nil && u.Roll.BorrowPrice != 0 {
			if next, ok := u.Debt.NextObligationToRepay(); ok && next == l.Seq {
				r.Loans = append(r.Loans, l)
			}
		}
		return true
	})
	e.index.AllDeposits(func(d ledger.TermDeposit) bool {
		u := e.users[d.Owner]
		if d.AutoRoll && d.Matured(ts) && u != nil && u.Roll.LendPrice != 0 {
			r.Deposits = append(r.Deposits, d)
		}
		return true
	})
	return r
}
