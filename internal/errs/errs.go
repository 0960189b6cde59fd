package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind groups error codes by how the caller is expected to react.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindArithmetic: overflow, underflow or division by zero in counter or price math.
	KindArithmetic
	// KindSequencing: wrong obligation, stale pointer, cursor mismatch, foreign tag.
	KindSequencing
	// KindPolicy: the request breaks a market rule and is rejected verbatim.
	KindPolicy
	// KindTransient: off-chain operational failure, retried by re-queueing.
	KindTransient
	// KindReconciliation: external balances cannot be brought in line with the ledger.
	KindReconciliation
	// KindNotFound: the referenced entity does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindArithmetic:
		return "arithmetic"
	case KindSequencing:
		return "sequencing"
	case KindPolicy:
		return "policy"
	case KindTransient:
		return "transient"
	case KindReconciliation:
		return "reconciliation"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Code is a stable identifier surfaced to clients.
type Code string

// Error is the typed error returned by ledger instructions.
// Two errors are equal under errors.Is when their codes match, so a
// detailed error still matches its sentinel.
type Error struct {
	Code   Code
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of the sentinel carrying a formatted detail.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Code: e.Code, Kind: e.Kind, Detail: fmt.Sprintf(format, args...)}
}

var byCode = make(map[Code]*Error)

func newErr(kind Kind, code Code) *Error {
	e := &Error{Code: code, Kind: kind}
	byCode[code] = e
	return e
}

// Lookup returns the sentinel registered under code.
func Lookup(code Code) (*Error, bool) {
	e, ok := byCode[code]
	return e, ok
}

// Parse rebuilds an error from its Error() text, as carried across a
// process boundary. It returns nil when the text does not start with a
// known code.
func Parse(text string) *Error {
	code, detail, _ := strings.Cut(text, ": ")
	e, ok := byCode[Code(code)]
	if !ok {
		return nil
	}
	if detail == "" {
		return e
	}
	return &Error{Code: e.Code, Kind: e.Kind, Detail: detail}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf reports the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Arithmetic
var (
	ErrOverflow       = newErr(KindArithmetic, "overflow")
	ErrUnderflow      = newErr(KindArithmetic, "underflow")
	ErrDivideByZero   = newErr(KindArithmetic, "divide_by_zero")
	ErrInsufficient   = newErr(KindArithmetic, "insufficient_balance")
	ErrNegativeAmount = newErr(KindArithmetic, "negative_amount")
)

// Sequencing
var (
	ErrNotNextObligation = newErr(KindSequencing, "not_next_obligation")
	ErrInvalidSuccessor  = newErr(KindSequencing, "invalid_successor")
	ErrCursorMismatch    = newErr(KindSequencing, "cursor_mismatch")
	ErrTagVersion        = newErr(KindSequencing, "tag_version_mismatch")
	ErrTagMarket         = newErr(KindSequencing, "tag_market_mismatch")
	ErrNotMatured        = newErr(KindSequencing, "not_matured")
	ErrAlreadyExists     = newErr(KindSequencing, "already_exists")
	ErrDuplicate         = newErr(KindSequencing, "duplicate_command")
	ErrSequenceGap       = newErr(KindSequencing, "source_sequence_gap")
)

// Policy
var (
	ErrInvalidTag       = newErr(KindPolicy, "invalid_tag")
	ErrInvalidPrice     = newErr(KindPolicy, "invalid_price")
	ErrInvalidTick      = newErr(KindPolicy, "invalid_tick")
	ErrOrderTooSmall    = newErr(KindPolicy, "order_too_small")
	ErrSelfTrade        = newErr(KindPolicy, "self_trade")
	ErrPostOnlyCross    = newErr(KindPolicy, "post_only_would_cross")
	ErrBookFull         = newErr(KindPolicy, "book_full")
	ErrOrdersPaused     = newErr(KindPolicy, "orders_paused")
	ErrRedemptionPaused = newErr(KindPolicy, "redemptions_paused")
	ErrNotOwner         = newErr(KindPolicy, "not_owner")
	ErrInvalidRequest   = newErr(KindPolicy, "invalid_request")
	ErrRollNotEnabled   = newErr(KindPolicy, "auto_roll_not_enabled")
	ErrZeroAmount       = newErr(KindPolicy, "zero_amount")
)

// Not found
var (
	ErrOrderNotFound      = newErr(KindNotFound, "order_not_found")
	ErrObligationNotFound = newErr(KindNotFound, "obligation_not_found")
	ErrUserNotFound       = newErr(KindNotFound, "user_not_found")
	ErrMarketNotFound     = newErr(KindNotFound, "market_not_found")
)

// Transient
var (
	ErrUnavailable = newErr(KindTransient, "unavailable")
	ErrStaleState  = newErr(KindTransient, "stale_state")
)

// Reconciliation
var (
	ErrNoteAdjustment    = newErr(KindReconciliation, "note_adjustment_failed")
	ErrVaultInsufficient = newErr(KindReconciliation, "vault_insufficient")
	ErrJournalDivergence = newErr(KindReconciliation, "journal_divergence")
)
