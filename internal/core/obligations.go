package core

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/ledger"

	"github.com/google/uuid"
)

// RepayResult reports what a repayment did to the loan.
type RepayResult struct {
	Repaid  uint64 `json:"repaid"`
	Balance uint64 `json:"balance"`
	Closed  bool   `json:"closed"`
}

// Repay pays down the user's oldest outstanding loan. Amounts above the
// balance are clamped.
func (e *Engine) Repay(req RepayRequest) (RepayResult, error) {
	return e.repay(req, source{})
}

func (e *Engine) repay(req RepayRequest, src source) (RepayResult, error) {
	var res RepayResult
	err := e.exec(InstructionRepay, req.Meta, req, src, func(t *txn) error {
		if req.Amount == 0 {
			return errs.ErrZeroAmount.With("repay amount")
		}
		if req.Origin == OriginAutoRoll {
			return errs.ErrInvalidRequest.With("repay: origin %s is reserved for rolls", req.Origin)
		}
		u, err := t.user(req.User)
		if err != nil {
			return err
		}
		res, err = t.repayLoan(u, req.LoanSeq, req.Amount, req.Origin, req.Successor)
		return err
	})
	return res, err
}

// repayLoan moves tokens into the repayment pool and retires debt. Closing a
// loan advances the repay pointer to the successor, which must be the next
// loan of the same user when one exists.
func (t *txn) repayLoan(u *ledger.MarginUser, seq, amount uint64, origin RepaymentOrigin, successor *LoanRef) (RepayResult, error) {
	next, ok := u.Debt.NextObligationToRepay()
	if !ok || next != seq {
		return RepayResult{}, errs.ErrNotNextObligation.With("loan %d is not next to repay", seq)
	}
	loan, ok := t.index.Loan(u.ID, seq)
	if !ok {
		return RepayResult{}, errs.ErrObligationNotFound.With("loan %d of %s", seq, u.ID)
	}
	amount = min(amount, loan.Balance)

	from := walletAcct(ledger.AssetUnderlying)
	switch origin {
	case OriginExternal:
	case OriginProceeds, OriginAutoRoll:
		from = userAcct(u.ID, ledger.SubTypeEntitledTokens)
	default:
		return RepayResult{}, errs.ErrInvalidRequest.With("unknown repayment origin %d", origin)
	}
	if err := t.transfer(t.systemAcct(ledger.SubTypeSystemRepaymentPool), from, amount, ledger.JournalTypeRepay); err != nil {
		return RepayResult{}, err
	}

	var err error
	if loan.PastDue {
		err = u.Debt.RepayPastDue(amount)
	} else {
		err = u.Debt.RepayCommitted(amount)
	}
	if err != nil {
		return RepayResult{}, err
	}
	loan.Balance -= amount
	res := RepayResult{Repaid: amount, Balance: loan.Balance}

	if loan.Balance > 0 {
		if successor != nil {
			if err := t.checkSuccessor(u, seq, successor); err != nil {
				return RepayResult{}, err
			}
		}
		t.index.PutLoan(loan)
		t.emit(Effect{Kind: EffectLoanRepaid, User: u.ID, Seq: seq, Base: amount, Detail: origin.String()})
		return res, nil
	}

	if err := t.checkSuccessor(u, seq, successor); err != nil {
		return RepayResult{}, err
	}
	t.index.DeleteLoan(u.ID, seq)
	if err := u.Debt.AdvanceRepayPointer(seq); err != nil {
		return RepayResult{}, err
	}
	res.Closed = true
	t.emit(Effect{Kind: EffectLoanClosed, User: u.ID, Seq: seq, Base: amount, Detail: origin.String()})
	return res, nil
}

func (t *txn) checkSuccessor(u *ledger.MarginUser, seq uint64, successor *LoanRef) error {
	if seq+1 >= u.Debt.NextLoanSeq {
		if successor != nil {
			return errs.ErrInvalidSuccessor.With("loan %d is the last loan, got successor %d", seq, successor.Seq)
		}
		return nil
	}
	if successor == nil {
		return errs.ErrInvalidSuccessor.With("closing loan %d requires successor %d", seq, seq+1)
	}
	if successor.Owner != u.ID {
		return errs.ErrInvalidSuccessor.With("successor belongs to %s, not %s", successor.Owner, u.ID)
	}
	if successor.Seq != seq+1 {
		return errs.ErrInvalidSuccessor.With("successor of %d is %d, got %d", seq, seq+1, successor.Seq)
	}
	if _, ok := t.index.Loan(u.ID, successor.Seq); !ok {
		return errs.ErrInvalidSuccessor.With("successor loan %d not found", successor.Seq)
	}
	return nil
}

// successorOf names the loan following seq, for repayments the engine
// drives itself.
func successorOf(u *ledger.MarginUser, seq uint64) *LoanRef {
	if seq+1 >= u.Debt.NextLoanSeq {
		return nil
	}
	return &LoanRef{Owner: u.ID, Seq: seq + 1}
}

// MarkDueResult counts the loans flagged past due.
type MarkDueResult struct {
	Marked int `json:"marked"`
}

// MarkDue moves matured loans' balances from committed to past-due debt.
func (e *Engine) MarkDue(req MarkDueRequest) (MarkDueResult, error) {
	return e.markDue(req, source{})
}

func (e *Engine) markDue(req MarkDueRequest, src source) (MarkDueResult, error) {
	var res MarkDueResult
	err := e.exec(InstructionMarkDue, req.Meta, req, src, func(t *txn) error {
		var due []ledger.TermLoan
		collect := func(l ledger.TermLoan) bool {
			if !l.PastDue && l.Matured(req.Timestamp) {
				due = append(due, l)
			}
			return true
		}
		if req.User != nil {
			for _, l := range t.index.Loans(*req.User) {
				collect(l)
			}
		} else {
			t.index.AllLoans(collect)
		}

		for _, l := range due {
			u, err := t.user(l.Owner)
			if err != nil {
				return err
			}
			if err := u.Debt.MarkDue(l.Balance); err != nil {
				return err
			}
			l.PastDue = true
			t.index.PutLoan(l)
			t.emit(Effect{Kind: EffectLoanPastDue, User: l.Owner, Seq: l.Seq, Base: l.Balance})
		}
		res.Marked = len(due)
		return nil
	})
	return res, err
}

// RedeemResult reports a redemption.
type RedeemResult struct {
	Amount uint64 `json:"amount"`
}

// RedeemDeposit pays a matured deposit out of the repayment pool into the
// owner's entitled tokens and burns the staked tickets.
func (e *Engine) RedeemDeposit(req RedeemDepositRequest) (RedeemResult, error) {
	return e.redeemDeposit(req, source{})
}

func (e *Engine) redeemDeposit(req RedeemDepositRequest, src source) (RedeemResult, error) {
	var res RedeemResult
	err := e.exec(InstructionRedeemDeposit, req.Meta, req, src, func(t *txn) error {
		u, err := t.user(req.User)
		if err != nil {
			return err
		}
		res.Amount, err = t.redeem(u, req.DepositSeq)
		return err
	})
	return res, err
}

func (t *txn) redeem(u *ledger.MarginUser, seq uint64) (uint64, error) {
	if t.market.RedemptionsPaused {
		return 0, errs.ErrRedemptionPaused.With("market %s", t.market.ID)
	}
	d, ok := t.index.Deposit(u.ID, seq)
	if !ok {
		return 0, errs.ErrObligationNotFound.With("deposit %d of %s", seq, u.ID)
	}
	if !d.Matured(t.meta.Timestamp) {
		return 0, errs.ErrNotMatured.With("deposit %d matures at %d", seq, d.MaturationTimestamp)
	}

	if err := t.transfer(userAcct(u.ID, ledger.SubTypeEntitledTokens), t.systemAcct(ledger.SubTypeSystemRepaymentPool), d.Balance, ledger.JournalTypeRedeem); err != nil {
		return 0, err
	}
	if err := t.transfer(ticketBurnAcct(), userAcct(u.ID, ledger.SubTypeStakedTickets), d.Balance, ledger.JournalTypeTicketBurn); err != nil {
		return 0, err
	}
	t.index.DeleteDeposit(u.ID, seq)
	t.emit(Effect{Kind: EffectDepositRedeemed, User: u.ID, Seq: seq, Base: d.Balance})
	return d.Balance, nil
}

// ownedLoan fetches a loan that must exist.
func (t *txn) ownedLoan(owner uuid.UUID, seq uint64) (ledger.TermLoan, error) {
	l, ok := t.index.Loan(owner, seq)
	if !ok {
		return ledger.TermLoan{}, errs.ErrObligationNotFound.With("loan %d of %s", seq, owner)
	}
	return l, nil
}
