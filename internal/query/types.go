package query

import "github.com/google/uuid"

// AccountBalance is the journal balance of one account: debits minus
// credits over every persisted journal that touches it.
type AccountBalance struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"` // last persisted output of the market
}

// JournalEntry is one persisted journal row.
type JournalEntry struct {
	JournalID     uuid.UUID `json:"journal_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Asset         string    `json:"asset"`
	Amount        int64     `json:"amount"`
	JournalType   int32     `json:"journal_type"`
	Timestamp     int64     `json:"timestamp"`
}

// OutputEntry is one persisted instruction without its command body.
type OutputEntry struct {
	Sequence       int64  `json:"sequence"`
	Instruction    string `json:"instruction"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	StateHash      string `json:"state_hash"`
	SourceSequence int64  `json:"source_sequence,omitempty"`
}

// IntegrityReport lists what VerifyIntegrity found wrong with a market's
// persisted log.
type IntegrityReport struct {
	Market           uuid.UUID `json:"market"`
	Outputs          int64     `json:"outputs"`
	LastSequence     int64     `json:"last_sequence"`
	HashChainBreaks  []int64   `json:"hash_chain_breaks,omitempty"`
	MissingSequences int64     `json:"missing_sequences"`
	MissingBatches   int64     `json:"missing_batches"` // gaps in the journal batch sequence
	IsHealthy        bool      `json:"is_healthy"`
}
