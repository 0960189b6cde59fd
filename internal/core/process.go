package core

import (
	"TermLedger/internal/errs"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Process decodes and applies one command. The result is the instruction's
// typed result value.
func (e *Engine) Process(ctx context.Context, cmd Command) (any, error) {
	if cmd.Market != e.id {
		return nil, errs.ErrMarketNotFound.With("command for market %s sent to %s", cmd.Market, e.id)
	}
	src := source{name: cmd.Source, seq: cmd.SourceSeq}

	switch cmd.Instruction {
	case InstructionRegisterUser:
		var req RegisterUserRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return e.registerUser(req, src)
	case InstructionConfigureAutoRoll:
		var req ConfigureAutoRollRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return nil, e.configureAutoRoll(req, src)
	case InstructionPlaceOrder:
		var req PlaceOrderRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return e.placeOrder(req, src)
	case InstructionCancelOrder:
		var req CancelOrderRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return e.cancelOrder(req, src)
	case InstructionConsumeEvents:
		var req ConsumeEventsRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return e.consumeEvents(req, src)
	case InstructionRepay:
		var req RepayRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return e.repay(req, src)
	case InstructionMarkDue:
		var req MarkDueRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return e.markDue(req, src)
	case InstructionRedeemDeposit:
		var req RedeemDepositRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return e.redeemDeposit(req, src)
	case InstructionRollLoan:
		var req RollLoanRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return e.rollLoan(req, src)
	case InstructionRollDeposit:
		var req RollDepositRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return e.rollDeposit(req, src)
	case InstructionSettle:
		var req SettleRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return e.settle(ctx, req, src)
	case InstructionUpdateMarket:
		var req UpdateMarketRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return e.updateMarket(req, src)
	}
	return nil, errs.ErrInvalidRequest.With("unknown instruction %q", cmd.Instruction)
}

func decode(cmd Command, dst any) error {
	if len(cmd.Payload) == 0 {
		return errs.ErrInvalidRequest.With("%s: empty payload", cmd.Instruction)
	}
	if err := json.Unmarshal(cmd.Payload, dst); err != nil {
		return errs.ErrInvalidRequest.With("%s: %v", cmd.Instruction, err)
	}
	return nil
}

// Replay applies logged commands after a restore. Commands that failed when
// first applied were never logged, so any failure here means the log and the
// snapshot disagree.
func (e *Engine) Replay(ctx context.Context, cmds []Command) error {
	e.setReplaying(true)
	defer e.setReplaying(false)

	for i, cmd := range cmds {
		if _, err := e.Process(ctx, cmd); err != nil {
			if errors.Is(err, errs.ErrDuplicate) {
				continue
			}
			return errs.ErrStaleState.With("replay command %d (%s): %v", i, cmd.Instruction, err)
		}
	}
	return nil
}

func (e *Engine) setReplaying(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.replaying = on
}

// StampMeta fills a request payload's timestamp with now and its
// idempotency key with key when the caller left them out. A zero now makes
// the timestamp mandatory.
func StampMeta(payload json.RawMessage, now int64, key string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("payload must be an object")
	}

	var ts int64
	if v, ok := fields["timestamp"]; ok {
		if err := json.Unmarshal(v, &ts); err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
	}
	if ts <= 0 {
		if now <= 0 {
			return nil, fmt.Errorf("timestamp is required")
		}
		fields["timestamp"] = json.RawMessage(strconv.FormatInt(now, 10))
	}

	var current string
	if v, ok := fields["idempotency_key"]; ok {
		if err := json.Unmarshal(v, &current); err != nil {
			return nil, fmt.Errorf("idempotency_key: %w", err)
		}
	}
	if current == "" && key != "" {
		b, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		fields["idempotency_key"] = b
	}
	return json.Marshal(fields)
}
