package core

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/ledger"

	"github.com/google/uuid"
)

// txn is the working state of one instruction. Users are cloned on first
// touch and the obligation index is a copy-on-write clone, so dropping a txn
// discards every change.
type txn struct {
	e       *Engine
	in      Instruction
	meta    Meta
	market  ledger.Market
	users   map[uuid.UUID]*ledger.MarginUser
	index   *ledger.ObligationIndex
	batch   *ledger.BatchBuilder
	system  map[ledger.AccountKey]int64
	settled map[uuid.UUID]struct{}
	effects []Effect

	// finalize is the single step with effects outside the engine (book or
	// queue). It runs first at commit; its failure aborts the instruction.
	finalize func() error
}

func (t *txn) user(id uuid.UUID) (*ledger.MarginUser, error) {
	if u, ok := t.users[id]; ok {
		return u, nil
	}
	u, ok := t.e.users[id]
	if !ok {
		return nil, errs.ErrUserNotFound.With("user %s in market %s", id, t.market.ID)
	}
	c := u.Clone()
	t.users[id] = c
	return c, nil
}

func (t *txn) emit(ef Effect) {
	t.effects = append(t.effects, ef)
}

func (t *txn) setFinalize(fn func() error) error {
	if t.finalize != nil {
		return errs.ErrInvalidRequest.With("%s: more than one book mutation", t.in)
	}
	t.finalize = fn
	return nil
}

// transfer journals amount from credit to debit and keeps the user
// accumulators and system balances in step with the journal.
func (t *txn) transfer(debit, credit ledger.AccountKey, amount uint64, jt ledger.JournalType) error {
	if amount == 0 {
		return nil
	}
	switch credit.Scope {
	case ledger.AccountScopeUser:
		u, err := t.user(uuid.UUID(credit.EntityID))
		if err != nil {
			return err
		}
		if err := u.Assets.Decrease(credit.SubType, amount); err != nil {
			return err
		}
	case ledger.AccountScopeSystem:
		if have := t.systemBalance(credit); have < 0 || uint64(have) < amount {
			return errs.ErrVaultInsufficient.With("%s holds %d, need %d", credit.AccountPath(), have, amount)
		}
		t.system[credit] -= int64(amount)
	}
	switch debit.Scope {
	case ledger.AccountScopeUser:
		u, err := t.user(uuid.UUID(debit.EntityID))
		if err != nil {
			return err
		}
		if err := u.Assets.Increase(debit.SubType, amount); err != nil {
			return err
		}
	case ledger.AccountScopeSystem:
		t.system[debit] += int64(amount)
	}
	return t.batch.Move(debit, credit, amount, jt)
}

func (t *txn) systemBalance(key ledger.AccountKey) int64 {
	return t.e.tracker.GetBalance(key) + t.system[key]
}

// --- accounts ---

func assetOf(sub ledger.AccountSubType) ledger.Asset {
	switch sub {
	case ledger.SubTypeTokensPosted, ledger.SubTypeEntitledTokens,
		ledger.SubTypeSystemFees, ledger.SubTypeSystemRepaymentPool:
		return ledger.AssetUnderlying
	default:
		return ledger.AssetTicket
	}
}

func userAcct(id uuid.UUID, sub ledger.AccountSubType) ledger.AccountKey {
	return ledger.NewUserAccountKey(id, sub, assetOf(sub))
}

func (t *txn) systemAcct(sub ledger.AccountSubType) ledger.AccountKey {
	return ledger.NewSystemAccountKey(t.market.ID, sub, assetOf(sub))
}

func walletAcct(asset ledger.Asset) ledger.AccountKey {
	return ledger.NewExternalAccountKey(ledger.SubTypeExternalWallet, asset)
}

func disbursedAcct(asset ledger.Asset) ledger.AccountKey {
	return ledger.NewExternalAccountKey(ledger.SubTypeExternalDisbursed, asset)
}

func ticketMintAcct() ledger.AccountKey {
	return ledger.NewExternalAccountKey(ledger.SubTypeExternalTicketMint, ledger.AssetTicket)
}

func ticketBurnAcct() ledger.AccountKey {
	return ledger.NewExternalAccountKey(ledger.SubTypeExternalTicketBurn, ledger.AssetTicket)
}
