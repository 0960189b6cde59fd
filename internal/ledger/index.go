package ledger

import (
	"bytes"

	"github.com/google/btree"
	"github.com/google/uuid"
)

const indexDegree = 32

func loanLess(a, b TermLoan) bool {
	if c := bytes.Compare(a.Owner[:], b.Owner[:]); c != 0 {
		return c < 0
	}
	return a.Seq < b.Seq
}

func depositLess(a, b TermDeposit) bool {
	if c := bytes.Compare(a.Owner[:], b.Owner[:]); c != 0 {
		return c < 0
	}
	return a.Seq < b.Seq
}

// ObligationIndex keeps loans and deposits ordered by (owner, seq), so a
// user's repayment chain is a range scan and a successor is a point lookup.
// Values are stored by copy; Clone is copy-on-write.
type ObligationIndex struct {
	loans    *btree.BTreeG[TermLoan]
	deposits *btree.BTreeG[TermDeposit]
}

func NewObligationIndex() *ObligationIndex {
	return &ObligationIndex{
		loans:    btree.NewG(indexDegree, loanLess),
		deposits: btree.NewG(indexDegree, depositLess),
	}
}

// Clone returns an independent index sharing unchanged nodes.
func (x *ObligationIndex) Clone() *ObligationIndex {
	return &ObligationIndex{
		loans:    x.loans.Clone(),
		deposits: x.deposits.Clone(),
	}
}

func (x *ObligationIndex) PutLoan(l TermLoan)       { x.loans.ReplaceOrInsert(l) }
func (x *ObligationIndex) PutDeposit(d TermDeposit) { x.deposits.ReplaceOrInsert(d) }

func (x *ObligationIndex) Loan(owner uuid.UUID, seq uint64) (TermLoan, bool) {
	return x.loans.Get(TermLoan{Owner: owner, Seq: seq})
}

func (x *ObligationIndex) Deposit(owner uuid.UUID, seq uint64) (TermDeposit, bool) {
	return x.deposits.Get(TermDeposit{Owner: owner, Seq: seq})
}

func (x *ObligationIndex) DeleteLoan(owner uuid.UUID, seq uint64) {
	x.loans.Delete(TermLoan{Owner: owner, Seq: seq})
}

func (x *ObligationIndex) DeleteDeposit(owner uuid.UUID, seq uint64) {
	x.deposits.Delete(TermDeposit{Owner: owner, Seq: seq})
}

// Loans returns the owner's loans in sequence order.
func (x *ObligationIndex) Loans(owner uuid.UUID) []TermLoan {
	var out []TermLoan
	x.loans.AscendGreaterOrEqual(TermLoan{Owner: owner}, func(l TermLoan) bool {
		if l.Owner != owner {
			return false
		}
		out = append(out, l)
		return true
	})
	return out
}

// Deposits returns the owner's deposits in sequence order.
func (x *ObligationIndex) Deposits(owner uuid.UUID) []TermDeposit {
	var out []TermDeposit
	x.deposits.AscendGreaterOrEqual(TermDeposit{Owner: owner}, func(d TermDeposit) bool {
		if d.Owner != owner {
			return false
		}
		out = append(out, d)
		return true
	})
	return out
}

// AllLoans visits every loan in (owner, seq) order until fn returns false.
func (x *ObligationIndex) AllLoans(fn func(TermLoan) bool) { x.loans.Ascend(fn) }

// AllDeposits visits every deposit in (owner, seq) order until fn returns false.
func (x *ObligationIndex) AllDeposits(fn func(TermDeposit) bool) { x.deposits.Ascend(fn) }

func (x *ObligationIndex) LoanCount() int    { return x.loans.Len() }
func (x *ObligationIndex) DepositCount() int { return x.deposits.Len() }
