package queue

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/fixedpoint"
	"TermLedger/internal/tag"
	"encoding/binary"
)

// Side of the book. Bids lend (buy tickets), asks borrow (sell tickets).
type Side uint8

const (
	SideBid Side = 1
	SideAsk Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// Kind discriminates queue records.
type Kind uint8

const (
	KindFill Kind = 1
	KindOut  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindFill:
		return "Fill"
	case KindOut:
		return "Out"
	default:
		return "Unknown"
	}
}

// OutReason records why reserved quantity was released.
type OutReason uint8

const (
	OutReasonNone OutReason = iota
	// OutReasonDust: a bid's base is exhausted but rounding left reserved quote.
	OutReasonDust
	// OutReasonEvicted: the order was pushed out of a full book side.
	OutReasonEvicted
	// OutReasonCancelled: the owner withdrew the order.
	OutReasonCancelled
)

func (r OutReason) String() string {
	switch r {
	case OutReasonDust:
		return "dust"
	case OutReasonEvicted:
		return "evicted"
	case OutReasonCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Event is one record of the matching primitive's output.
//
// For a Fill, OrderID/Price/MakerTag describe the resting order, Side is the
// taker's side, Base/Quote are the filled amounts and MakerDone is set when the
// maker has nothing left on the book.
// For an Out, OrderID/Side/Price/MakerTag describe the released order and
// Base/Quote are the released amounts.
type Event struct {
	Seq       uint64
	Kind      Kind
	Side      Side
	OrderID   uint64
	Price     fixedpoint.Price
	Base      uint64
	Quote     uint64
	MakerDone bool
	Reason    OutReason
	MakerTag  tag.OrderTag
	TakerTag  tag.OrderTag
}

// RecordSize is the fixed encoded length of every Event.
//
// Layout: kind(1) | seq(8) | side(1) | order_id(8) | price(8) | base(8) | quote(8) |
// aux(1) | maker_tag(tag.Size) | taker_tag(tag.Size). aux holds MakerDone for
// fills and the OutReason for outs.
const RecordSize = 43 + 2*tag.Size

// Encode writes the fixed-layout record for e.
func Encode(e Event) []byte {
	buf := make([]byte, RecordSize)
	buf[0] = byte(e.Kind)
	binary.BigEndian.PutUint64(buf[1:9], e.Seq)
	buf[9] = byte(e.Side)
	binary.BigEndian.PutUint64(buf[10:18], e.OrderID)
	binary.BigEndian.PutUint64(buf[18:26], uint64(e.Price))
	binary.BigEndian.PutUint64(buf[26:34], e.Base)
	binary.BigEndian.PutUint64(buf[34:42], e.Quote)
	switch e.Kind {
	case KindFill:
		if e.MakerDone {
			buf[42] = 1
		}
	case KindOut:
		buf[42] = byte(e.Reason)
	}
	copy(buf[43:43+tag.Size], e.MakerTag[:])
	copy(buf[43+tag.Size:], e.TakerTag[:])
	return buf
}

// Decode parses a record written by Encode.
func Decode(buf []byte) (Event, error) {
	var e Event
	if len(buf) != RecordSize {
		return e, errs.ErrInvalidRequest.With("event record has %d bytes, want %d", len(buf), RecordSize)
	}
	e.Kind = Kind(buf[0])
	if e.Kind != KindFill && e.Kind != KindOut {
		return e, errs.ErrInvalidRequest.With("unknown event kind %d", buf[0])
	}
	e.Seq = binary.BigEndian.Uint64(buf[1:9])
	e.Side = Side(buf[9])
	e.OrderID = binary.BigEndian.Uint64(buf[10:18])
	e.Price = fixedpoint.Price(binary.BigEndian.Uint64(buf[18:26]))
	e.Base = binary.BigEndian.Uint64(buf[26:34])
	e.Quote = binary.BigEndian.Uint64(buf[34:42])
	if e.Kind == KindFill {
		e.MakerDone = buf[42] == 1
	} else {
		e.Reason = OutReason(buf[42])
		if e.Reason > OutReasonCancelled {
			return e, errs.ErrInvalidRequest.With("unknown out reason %d", buf[42])
		}
	}
	copy(e.MakerTag[:], buf[43:43+tag.Size])
	copy(e.TakerTag[:], buf[43+tag.Size:])
	return e, nil
}
