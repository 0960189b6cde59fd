package ingestion

import (
	"TermLedger/internal/core"
	"TermLedger/internal/errs"
	"TermLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream   = "TERM_COMMANDS"
	EventStream     = "TERM_LEDGER_EVENTS"
	CommandConsumer = "termledger-commands"

	retryDelay = 2 * time.Second
)

// Processor applies a command. core.Registry implements it.
type Processor interface {
	Process(ctx context.Context, cmd core.Command) (any, error)
}

// Outcome is what the subscriber does with a message after processing.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeRetry     Outcome = "retry"
)

// Classify maps a processing result to its outcome. Transient failures and
// commands that arrived ahead of their source sequence are redelivered;
// every other rejection is final.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, errs.ErrDuplicate):
		return OutcomeDuplicate
	case errors.Is(err, errs.ErrSequenceGap), errs.KindOf(err) == errs.KindTransient:
		return OutcomeRetry
	default:
		return OutcomeRejected
	}
}

// CommandSubscriber consumes term.cmd.> from JetStream and applies each
// command to its market engine.
type CommandSubscriber struct {
	js        jetstream.JetStream
	processor Processor
	metrics   *observability.Metrics
	logger    zerolog.Logger
	consumer  jetstream.ConsumeContext
}

func NewCommandSubscriber(js jetstream.JetStream, processor Processor, metrics *observability.Metrics, logger zerolog.Logger) *CommandSubscriber {
	return &CommandSubscriber{
		js:        js,
		processor: processor,
		metrics:   metrics,
		logger:    logger.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates the durable consumer and starts consuming. Consumers
// use explicit ack, max_deliver=5, ack_wait=30s.
func (s *CommandSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       CommandConsumer,
		FilterSubject: CommandPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", CommandConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawCommand{
			Subject:  msg.Subject(),
			Data:     msg.Data(),
			MsgID:    msg.Headers().Get(nats.MsgIdHdr),
			Received: time.Now(),
		}
		s.settle(msg, s.Handle(ctx, raw))
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", CommandConsumer, err)
	}
	s.consumer = cc
	s.logger.Info().Str("subject", CommandPrefix+".>").Str("consumer", CommandConsumer).Msg("subscribed")
	return nil
}

// Handle parses and applies one message and reports its outcome.
func (s *CommandSubscriber) Handle(ctx context.Context, raw RawCommand) Outcome {
	cmd, err := ParseCommand(raw)
	if err != nil {
		s.record("unknown", OutcomeInvalid)
		s.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("invalid command")
		return OutcomeInvalid
	}

	_, err = s.processor.Process(ctx, cmd)
	outcome := Classify(err)
	s.record(cmd.Instruction.String(), outcome)
	switch outcome {
	case OutcomeRejected:
		s.logger.Info().Err(err).Str("subject", raw.Subject).Msg("command rejected")
	case OutcomeRetry:
		s.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("command deferred")
	}
	return outcome
}

func (s *CommandSubscriber) settle(msg jetstream.Msg, outcome Outcome) {
	var err error
	switch outcome {
	case OutcomeRetry:
		err = msg.NakWithDelay(retryDelay)
	case OutcomeInvalid:
		err = msg.Term()
	default:
		err = msg.Ack()
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack failed")
	}
}

func (s *CommandSubscriber) record(instruction string, outcome Outcome) {
	if s.metrics != nil {
		s.metrics.IngestMessages.WithLabelValues(instruction, string(outcome)).Inc()
	}
}

// Stop stops the consumer.
func (s *CommandSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.logger.Info().Msg("subscriber stopped")
}

// EnsureStreams creates the command and ledger event streams if missing.
// Both use file storage and limits retention with a 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       CommandStream,
			Subjects:   []string{CommandPrefix + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{EventPrefix + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("stream ensured")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
