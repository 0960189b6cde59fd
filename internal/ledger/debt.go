package ledger

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/fixedpoint"
)

// Debt tracks what a margin user owes, in tickets (tokens due at maturity).
//
//	Pending   behind open borrow orders, not yet matched
//	Committed from fills, not yet due
//	PastDue   from fills whose loan matured before being repaid
//
// Every transition is checked and leaves the value untouched on error.
type Debt struct {
	Pending   uint64 `json:"pending"`
	Committed uint64 `json:"committed"`
	PastDue   uint64 `json:"past_due"`

	// NextLoanSeq is the sequence number the next TermLoan will get.
	NextLoanSeq uint64 `json:"next_loan_seq"`
	// NextLoanToRepay is the lowest outstanding loan sequence number.
	NextLoanToRepay uint64 `json:"next_loan_to_repay"`
}

// Total returns pending + committed + past_due.
func (d Debt) Total() (uint64, error) {
	sum, err := fixedpoint.Add(d.Pending, d.Committed)
	if err != nil {
		return 0, err
	}
	return fixedpoint.Add(sum, d.PastDue)
}

// IsPastDue holds iff some debt is past due.
func (d Debt) IsPastDue() bool { return d.PastDue > 0 }

// AddPending records debt behind a newly placed borrow order.
func (d *Debt) AddPending(amount uint64) error {
	v, err := fixedpoint.Add(d.Pending, amount)
	if err != nil {
		return err
	}
	d.Pending = v
	return nil
}

// CancelPending reverses pending debt of an unmatched order.
func (d *Debt) CancelPending(amount uint64) error {
	v, err := fixedpoint.Sub(d.Pending, amount)
	if err != nil {
		return errs.ErrUnderflow.With("cancel pending %d of %d", amount, d.Pending)
	}
	d.Pending = v
	return nil
}

// Commit moves matched debt from pending to committed.
func (d *Debt) Commit(amount uint64) error {
	pending, err := fixedpoint.Sub(d.Pending, amount)
	if err != nil {
		return errs.ErrUnderflow.With("commit %d of pending %d", amount, d.Pending)
	}
	committed, err := fixedpoint.Add(d.Committed, amount)
	if err != nil {
		return err
	}
	d.Pending, d.Committed = pending, committed
	return nil
}

// MarkDue moves matured debt from committed to past due.
func (d *Debt) MarkDue(amount uint64) error {
	committed, err := fixedpoint.Sub(d.Committed, amount)
	if err != nil {
		return errs.ErrUnderflow.With("mark due %d of committed %d", amount, d.Committed)
	}
	pastDue, err := fixedpoint.Add(d.PastDue, amount)
	if err != nil {
		return err
	}
	d.Committed, d.PastDue = committed, pastDue
	return nil
}

// RepayCommitted reduces committed debt.
func (d *Debt) RepayCommitted(amount uint64) error {
	v, err := fixedpoint.Sub(d.Committed, amount)
	if err != nil {
		return errs.ErrUnderflow.With("repay %d of committed %d", amount, d.Committed)
	}
	d.Committed = v
	return nil
}

// RepayPastDue reduces past due debt.
func (d *Debt) RepayPastDue(amount uint64) error {
	v, err := fixedpoint.Sub(d.PastDue, amount)
	if err != nil {
		return errs.ErrUnderflow.With("repay %d of past due %d", amount, d.PastDue)
	}
	d.PastDue = v
	return nil
}

// NewLoanSeq reserves the next loan sequence number.
func (d *Debt) NewLoanSeq() uint64 {
	seq := d.NextLoanSeq
	d.NextLoanSeq++
	return seq
}

// NextObligationToRepay returns the only loan sequence number currently
// eligible for repayment, and false when no loan is outstanding.
func (d Debt) NextObligationToRepay() (uint64, bool) {
	return d.NextLoanToRepay, d.NextLoanToRepay < d.NextLoanSeq
}

// AdvanceRepayPointer moves past a fully repaid loan.
func (d *Debt) AdvanceRepayPointer(repaid uint64) error {
	if repaid != d.NextLoanToRepay {
		return errs.ErrNotNextObligation.With("loan %d repaid, next is %d", repaid, d.NextLoanToRepay)
	}
	d.NextLoanToRepay++
	return nil
}
