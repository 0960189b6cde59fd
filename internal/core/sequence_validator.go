package core

import (
	"TermLedger/internal/errs"
	"maps"
)

// SequenceValidator enforces per-source ordering of commands. Each ingestion
// source (a NATS subject, a gateway client) numbers its commands from 1;
// commands without a source are not checked.
// Not safe for concurrent use; the engine mutex guards it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{expectedNextSeq: make(map[string]int64)}
}

// Check validates the sequence without advancing. A stale sequence of a
// duplicate command is accepted so redeliveries can be acknowledged.
func (sv *SequenceValidator) Check(source string, seq int64, isDuplicate bool) error {
	if source == "" {
		return nil
	}
	expected := sv.expected(source)
	switch {
	case seq == expected:
		return nil
	case seq < expected && isDuplicate:
		return nil
	case seq < expected:
		return errs.ErrSequenceGap.With("out-of-order command: source=%s expected=%d got=%d", source, expected, seq)
	default:
		return errs.ErrSequenceGap.With("sequence gap: source=%s expected=%d got=%d", source, expected, seq)
	}
}

// Advance records seq as applied.
func (sv *SequenceValidator) Advance(source string, seq int64) {
	if source == "" {
		return
	}
	if seq >= sv.expected(source) {
		sv.expectedNextSeq[source] = seq + 1
	}
}

func (sv *SequenceValidator) expected(source string) int64 {
	if next, ok := sv.expectedNextSeq[source]; ok {
		return next
	}
	return 1
}

// Expected returns the next sequence accepted from source.
func (sv *SequenceValidator) Expected(source string) int64 { return sv.expected(source) }

// State returns a copy of the per-source positions for snapshots.
func (sv *SequenceValidator) State() map[string]int64 { return maps.Clone(sv.expectedNextSeq) }

// Restore replaces the per-source positions.
func (sv *SequenceValidator) Restore(state map[string]int64) {
	sv.expectedNextSeq = make(map[string]int64, len(state))
	maps.Copy(sv.expectedNextSeq, state)
}
