package ingestion

import (
	"TermLedger/internal/core"
	"TermLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes engine outputs for downstream consumers on
// term.ledger.events.<instruction>.<market>. The message id is
// <market>:<sequence>, so outputs re-emitted by a recovery replay are
// dropped by the stream's duplicate window.
type OutboundPublisher struct {
	js      jetstream.JetStream
	input   <-chan core.Output
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, input <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		input:   input,
		metrics: metrics,
		logger:  logger.With().Str("component", "publisher").Logger(),
	}
}

// Run publishes until ctx is cancelled or the input is closed. A failed
// publish is logged and skipped; the output log in Postgres stays the
// source of truth.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-op.input:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Sequence).Stringer("market", out.Market).Msg("publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.Output) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = op.js.Publish(ctx, EventSubject(out), data, jetstream.WithMsgID(MessageID(out)))
	return err
}

// MessageID is the dedup id of a published output.
func MessageID(out core.Output) string {
	return fmt.Sprintf("%s:%d", out.Market, out.Sequence)
}
