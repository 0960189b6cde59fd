package tag

import (
	"TermLedger/internal/errs"
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
)

// Version is the current tag layout version.
const Version byte = 1

// Size is the encoded length of an OrderTag.
//
// Layout: version(1) | market(16) | owner(16) | destination(16) | flags(1) | nonce(8, BE)
const Size = 1 + 16 + 16 + 16 + 1 + 8

const (
	offVersion     = 0
	offMarket      = 1
	offOwner       = 17
	offDestination = 33
	offFlags       = 49
	offNonce       = 50
)

// OrderTag is the opaque metadata attached to a resting order.
type OrderTag [Size]byte

// Flags describe how fills of an order are booked.
type Flags uint8

const (
	// FlagMargin marks an order placed on behalf of a margin account.
	FlagMargin Flags = 1 << iota
	// FlagNewDebt marks a margin borrow that creates a TermLoan on fill.
	FlagNewDebt
	// FlagAutoStake turns bought tickets into a TermDeposit on fill.
	FlagAutoStake
	// FlagAutoRoll marks obligations created by this order for auto-roll.
	FlagAutoRoll
	// FlagLend marks the lending (bid) side.
	FlagLend

	knownFlags = FlagMargin | FlagNewDebt | FlagAutoStake | FlagAutoRoll | FlagLend
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Validate rejects flag sets that do not map to an Intent.
func (f Flags) Validate() error {
	if f&^knownFlags != 0 {
		return errs.ErrInvalidTag.With("unknown flag bits %#x", uint8(f&^knownFlags))
	}
	lend := f.Has(FlagLend)
	margin := f.Has(FlagMargin)

	if f.Has(FlagNewDebt) && (lend || !margin) {
		return errs.ErrInvalidTag.With("new-debt requires a margin borrow")
	}
	if margin && !lend && !f.Has(FlagNewDebt) {
		return errs.ErrInvalidTag.With("margin borrow must create debt")
	}
	if f.Has(FlagAutoStake) && !lend {
		return errs.ErrInvalidTag.With("auto-stake requires the lend side")
	}
	if f.Has(FlagAutoRoll) && !margin {
		return errs.ErrInvalidTag.With("auto-roll requires a margin account")
	}
	return nil
}

// Encode packs order metadata for market into an OrderTag.
func Encode(market, owner, destination uuid.UUID, flags Flags, nonce uint64) (OrderTag, error) {
	var t OrderTag
	if err := flags.Validate(); err != nil {
		return t, err
	}
	t[offVersion] = Version
	copy(t[offMarket:offOwner], market[:])
	copy(t[offOwner:offDestination], owner[:])
	copy(t[offDestination:offFlags], destination[:])
	t[offFlags] = byte(flags)
	binary.BigEndian.PutUint64(t[offNonce:], nonce)
	return t, nil
}

// Decode unpacks a tag, rejecting tags written by another version or market.
func Decode(market uuid.UUID, t OrderTag) (owner, destination uuid.UUID, flags Flags, nonce uint64, err error) {
	if t[offVersion] != Version {
		err = errs.ErrTagVersion.With("got version %d, want %d", t[offVersion], Version)
		return
	}
	if !bytes.Equal(t[offMarket:offOwner], market[:]) {
		err = errs.ErrTagMarket.With("tag belongs to market %s", uuid.UUID(t[offMarket:offOwner]))
		return
	}
	flags = Flags(t[offFlags])
	if err = flags.Validate(); err != nil {
		return
	}
	copy(owner[:], t[offOwner:offDestination])
	copy(destination[:], t[offDestination:offFlags])
	nonce = binary.BigEndian.Uint64(t[offNonce:])
	return
}

// IsZero reports whether the tag is unset.
func (t OrderTag) IsZero() bool {
	return t == OrderTag{}
}
