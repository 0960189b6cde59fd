package ingestion

import (
	"TermLedger/internal/core"
	"TermLedger/internal/errs"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// CommandPrefix is the subject space commands arrive on:
	// term.cmd.<instruction>.<market>.
	CommandPrefix = "term.cmd"
	// EventPrefix is the subject space outputs are published on:
	// term.ledger.events.<instruction>.<market>.
	EventPrefix = "term.ledger.events"
)

// RawCommand is one message as it came off the bus.
type RawCommand struct {
	Subject  string
	Data     []byte
	MsgID    string // Nats-Msg-Id header, if the producer set one
	Received time.Time
}

// envelope is the wire format of a command message. Payload is the
// instruction's request object.
type envelope struct {
	Source    string          `json:"source,omitempty"`
	SourceSeq int64           `json:"source_seq,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// ingestible lists what may arrive over the bus. Market administration is
// only accepted through the gRPC API.
var ingestible = map[core.Instruction]bool{
	core.InstructionRegisterUser:      true,
	core.InstructionConfigureAutoRoll: true,
	core.InstructionPlaceOrder:        true,
	core.InstructionCancelOrder:       true,
	core.InstructionConsumeEvents:     true,
	core.InstructionRepay:             true,
	core.InstructionMarkDue:           true,
	core.InstructionRedeemDeposit:     true,
	core.InstructionRollLoan:          true,
	core.InstructionRollDeposit:       true,
	core.InstructionSettle:            true,
}

// CommandSubject builds the subject a command for market is sent on.
func CommandSubject(in core.Instruction, market uuid.UUID) string {
	return fmt.Sprintf("%s.%s.%s", CommandPrefix, in, market)
}

// EventSubject builds the subject an output is published on.
func EventSubject(out core.Output) string {
	return fmt.Sprintf("%s.%s.%s", EventPrefix, out.Instruction, out.Market)
}

// ParseCommand validates a raw message and turns it into an engine command.
// The request's timestamp defaults to the receive time and its idempotency
// key to the message id, so redeliveries of an unkeyed command still dedup.
func ParseCommand(raw RawCommand) (core.Command, error) {
	rest, ok := strings.CutPrefix(raw.Subject, CommandPrefix+".")
	if !ok {
		return core.Command{}, errs.ErrInvalidRequest.With("subject %q is not a command subject", raw.Subject)
	}
	name, marketID, ok := strings.Cut(rest, ".")
	if !ok {
		return core.Command{}, errs.ErrInvalidRequest.With("subject %q lacks a market", raw.Subject)
	}
	in := core.ParseInstruction(name)
	if !ingestible[in] {
		return core.Command{}, errs.ErrInvalidRequest.With("instruction %q is not accepted from the bus", name)
	}
	market, err := uuid.Parse(marketID)
	if err != nil {
		return core.Command{}, errs.ErrInvalidRequest.With("market %q: %v", marketID, err)
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(raw.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return core.Command{}, errs.ErrInvalidRequest.With("%s envelope: %v", in, err)
	}
	if env.SourceSeq < 0 || (env.SourceSeq > 0 && env.Source == "") {
		return core.Command{}, errs.ErrInvalidRequest.With("source_seq %d needs a source", env.SourceSeq)
	}

	var now int64
	if !raw.Received.IsZero() {
		now = raw.Received.Unix()
	}
	payload, err := core.StampMeta(env.Payload, now, raw.MsgID)
	if err != nil {
		return core.Command{}, errs.ErrInvalidRequest.With("%s payload: %v", in, err)
	}
	return core.Command{
		Instruction: in,
		Market:      market,
		Source:      env.Source,
		SourceSeq:   env.SourceSeq,
		Payload:     payload,
	}, nil
}
