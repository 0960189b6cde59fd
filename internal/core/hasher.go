package core

import (
	"TermLedger/internal/ledger"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/google/uuid"
)

const GenesisHashSeed = "TermLedger:genesis:v1"

// StateHasher chains per-instruction state digests:
// state_hash[N] = SHA-256(prev_hash || sequence LE || digest[N]).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])
	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// PrevHash returns the current chain tip.
func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes the chain from a snapshot.
func (h *StateHasher) SetPrevHash(tip [32]byte) {
	h.prevHash = tip
}

// stateDigest covers the market nonce, every touched user's counters and
// their obligations, in a fixed byte order.
func stateDigest(market ledger.Market, users []*ledger.MarginUser, index *ledger.ObligationIndex, cursor uint64) []byte {
	sorted := append([]*ledger.MarginUser(nil), users...)
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i].ID[:]) < string(sorted[j].ID[:])
	})

	buf := make([]byte, 0, 32+len(sorted)*160)
	buf = append(buf, market.ID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, market.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, cursor)
	for _, u := range sorted {
		buf = appendUser(buf, u)
		for _, l := range index.Loans(u.ID) {
			buf = binary.BigEndian.AppendUint64(buf, l.Seq)
			buf = binary.BigEndian.AppendUint64(buf, l.Balance)
			buf = append(buf, boolByte(l.PastDue))
			buf = binary.BigEndian.AppendUint64(buf, l.RollOrder)
			buf = binary.BigEndian.AppendUint64(buf, l.RollPending)
		}
		for _, d := range index.Deposits(u.ID) {
			buf = binary.BigEndian.AppendUint64(buf, d.Seq)
			buf = binary.BigEndian.AppendUint64(buf, d.Balance)
		}
	}
	return buf
}

func appendUser(buf []byte, u *ledger.MarginUser) []byte {
	buf = append(buf, u.ID[:]...)
	for _, v := range []uint64{
		u.Debt.Pending, u.Debt.Committed, u.Debt.PastDue,
		u.Debt.NextLoanSeq, u.Debt.NextLoanToRepay,
		u.Assets.EntitledTokens, u.Assets.EntitledTickets, u.Assets.TicketsStaked,
		u.Assets.TokensPosted, u.Assets.TicketsPosted, u.Assets.NextDepositSeq,
		uint64(u.Roll.LendPrice), uint64(u.Roll.BorrowPrice),
	} {
		buf = binary.BigEndian.AppendUint64(buf, v)
	}
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return string(ids[i][:]) < string(ids[j][:]) })
	return ids
}
