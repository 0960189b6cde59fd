package ingestion_test

import (
	"TermLedger/internal/core"
	"TermLedger/internal/errs"
	"TermLedger/internal/ingestion"
	"TermLedger/internal/testutil"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

func connect(t *testing.T) jetstream.JetStream {
	t.Helper()
	testutil.RequireIntegration(t)
	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ingestion.EnsureStreams(ctx, js, zerolog.Nop()); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}
	return js
}

// flakyProcessor fails the first command of its market as unavailable and
// hands every later one to seen. Commands of other markets are ignored.
type flakyProcessor struct {
	market uuid.UUID
	seen   chan core.Command

	mu     sync.Mutex
	failed bool
}

func (p *flakyProcessor) Process(_ context.Context, cmd core.Command) (any, error) {
	if cmd.Market != p.market {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.failed {
		p.failed = true
		return nil, errs.ErrUnavailable.With("first attempt")
	}
	select {
	case p.seen <- cmd:
	default:
	}
	return nil, nil
}

// ============================================================================
// Test: NATS (integration)
// ============================================================================

func TestCommandSubscriber_RedeliversTransientFailures(t *testing.T) {
	js := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	p := &flakyProcessor{market: uuid.New(), seen: make(chan core.Command, 1)}
	sub := ingestion.NewCommandSubscriber(js, p, nil, zerolog.Nop())
	if err := sub.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	user := uuid.New()
	data, err := json.Marshal(map[string]any{"payload": map[string]any{"user": user}})
	if err != nil {
		t.Fatal(err)
	}
	subject := ingestion.CommandSubject(core.InstructionRegisterUser, p.market)
	if _, err := js.Publish(ctx, subject, data, jetstream.WithMsgID("reg-"+user.String())); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case cmd := <-p.seen:
		var req core.RegisterUserRequest
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			t.Fatal(err)
		}
		if req.IdempotencyKey != "reg-"+user.String() || req.Timestamp == 0 {
			t.Errorf("meta not stamped: %+v", req.Meta)
		}
	case <-ctx.Done():
		t.Fatal("command was not redelivered")
	}
}

func TestOutboundPublisher_DedupsReplayedOutputs(t *testing.T) {
	js := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := core.Output{Market: uuid.New(), Sequence: 1, Instruction: core.InstructionRegisterUser, Timestamp: 1_700_000_000}
	input := make(chan core.Output, 2)
	input <- out
	input <- out
	close(input)

	pub := ingestion.NewOutboundPublisher(js, input, nil, zerolog.Nop())
	if err := pub.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	stream, err := js.Stream(ctx, ingestion.EventStream)
	if err != nil {
		t.Fatal(err)
	}
	cons, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ingestion.EventSubject(out)},
	})
	if err != nil {
		t.Fatal(err)
	}
	batch, err := cons.Fetch(2, jetstream.FetchMaxWait(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for msg := range batch.Messages() {
		var got core.Output
		if err := json.Unmarshal(msg.Data(), &got); err != nil {
			t.Fatal(err)
		}
		if got.Market != out.Market || got.Sequence != 1 {
			t.Errorf("published %+v", got)
		}
		n++
	}
	if n != 1 {
		t.Errorf("published %d copies, want 1", n)
	}
}
