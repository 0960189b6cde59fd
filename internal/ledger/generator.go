package ledger

import (
	"TermLedger/internal/errs"
	"math"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for ledger instructions.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// Sequence is the sequence the next committed batch will carry.
func (jg *JournalGenerator) Sequence() int64 { return jg.sequence }

// Begin starts a batch for one instruction. Nothing is assigned until Commit,
// so an instruction that fails midway simply drops its builder.
func (jg *JournalGenerator) Begin(eventRef string, timestamp int64) *BatchBuilder {
	return &BatchBuilder{
		gen: jg,
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Timestamp: timestamp,
		},
	}
}

// BatchBuilder accumulates the journals of one instruction.
type BatchBuilder struct {
	gen   *JournalGenerator
	batch *Batch
}

// Move records amount of asset moving from credit to debit. Zero amounts are skipped.
func (b *BatchBuilder) Move(debit, credit AccountKey, amount uint64, jt JournalType) error {
	if amount == 0 {
		return nil
	}
	if amount > math.MaxInt64 {
		return errs.ErrOverflow.With("journal amount %d", amount)
	}
	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         debit.Asset,
		Amount:        int64(amount),
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	})
	return nil
}

// Len is the number of journals recorded so far.
func (b *BatchBuilder) Len() int { return len(b.batch.Journals) }

// Commit stamps the batch with the next sequence and returns it, or nil when
// the instruction moved nothing.
func (b *BatchBuilder) Commit() *Batch {
	if len(b.batch.Journals) == 0 {
		return nil
	}
	seq := b.gen.sequence
	b.gen.sequence++
	b.batch.Sequence = seq
	for i := range b.batch.Journals {
		b.batch.Journals[i].Sequence = seq
	}
	return b.batch
}
