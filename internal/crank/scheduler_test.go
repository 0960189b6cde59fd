package crank_test

import (
	"TermLedger/internal/crank"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func targets(n int) []crank.Target {
	market := uuid.New()
	out := make([]crank.Target, n)
	for i := range out {
		out[i] = crank.Target{Market: market, User: uuid.New()}
	}
	return out
}

func fastConfig() crank.Config {
	return crank.Config{
		BatchSize:        10,
		BatchDelay:       time.Millisecond,
		WaitForMoreDelay: 50 * time.Millisecond,
		RetryBase:        time.Millisecond,
		RetryMax:         5 * time.Millisecond,
	}
}

// recorder counts attempts per target and flags overlapping attempts.
type recorder struct {
	mu       sync.Mutex
	attempts map[crank.Target]int
	running  map[crank.Target]bool
	overlap  bool
	failN    int // fail the first failN attempts of every target
}

func newRecorder(failN int) *recorder {
	return &recorder{attempts: make(map[crank.Target]int), running: make(map[crank.Target]bool), failN: failN}
}

func (r *recorder) Settle(_ context.Context, t crank.Target) error {
	r.mu.Lock()
	if r.running[t] {
		r.overlap = true
	}
	r.running[t] = true
	r.attempts[t]++
	n := r.attempts[t]
	r.mu.Unlock()

	time.Sleep(time.Millisecond)

	r.mu.Lock()
	r.running[t] = false
	r.mu.Unlock()
	if n <= r.failN {
		return errors.New("transient")
	}
	return nil
}

// ============================================================================
// Test: DedupQueue
// ============================================================================

func TestDedupQueue_PushIsIdempotent(t *testing.T) {
	q := crank.NewDedupQueue[int]()
	if n := q.Push(1, 2, 2, 3); n != 3 {
		t.Fatalf("added %d, want 3", n)
	}
	if n := q.Push(1); n != 0 {
		t.Errorf("re-push added %d", n)
	}
	got := q.PopMany(2)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("pop: %v", got)
	}
	if q.Contains(1) || !q.Contains(3) {
		t.Error("presence not tracked")
	}
	if n := q.Push(1); n != 1 {
		t.Error("popped item should be pushable again")
	}
	if q.Len() != 2 {
		t.Errorf("len = %d", q.Len())
	}
	if q.PopMany(0) != nil {
		t.Error("pop 0 should return nothing")
	}
}

func TestDedupQueue_ConcurrentPopsAreDisjoint(t *testing.T) {
	q := crank.NewDedupQueue[int]()
	for i := range 1000 {
		q.Push(i)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int]int)
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch := q.PopMany(7)
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, v := range batch {
					seen[v]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 1000 {
		t.Fatalf("popped %d distinct items, want 1000", len(seen))
	}
	for v, n := range seen {
		if n != 1 {
			t.Fatalf("item %d popped %d times", v, n)
		}
	}
}

// ============================================================================
// Test: Scheduler
// ============================================================================

func TestScheduler_BatchesThenWaitsForMore(t *testing.T) {
	cfg := fastConfig()
	q := crank.NewDedupQueue[crank.Target]()
	q.Push(targets(25)...)
	rec := newRecorder(0)
	s := crank.NewScheduler(q, rec, cfg, nil, zerolog.Nop())
	ctx := context.Background()

	wantSizes := []int{10, 10, 5}
	wantDelays := []time.Duration{cfg.BatchDelay, cfg.BatchDelay, cfg.WaitForMoreDelay}
	for i := range wantSizes {
		n, delay := s.Step(ctx)
		if n != wantSizes[i] || delay != wantDelays[i] {
			t.Errorf("pass %d: popped %d with delay %v, want %d and %v", i+1, n, delay, wantSizes[i], wantDelays[i])
		}
	}
	s.Wait()

	if len(rec.attempts) != 25 {
		t.Errorf("settled %d targets, want 25", len(rec.attempts))
	}
	if q.Len() != 0 {
		t.Errorf("queue not drained: %d", q.Len())
	}
}

func TestScheduler_RetriesFailuresUntilDrained(t *testing.T) {
	cfg := fastConfig()
	cfg.ExitWhenDone = true
	q := crank.NewDedupQueue[crank.Target]()
	q.Push(targets(12)...)
	rec := newRecorder(2)
	s := crank.NewScheduler(q, rec, cfg, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for tg, n := range rec.attempts {
		if n != 3 {
			t.Errorf("%s attempted %d times, want 3", tg, n)
		}
	}
	if rec.overlap {
		t.Error("a target was settled twice concurrently")
	}
}

func TestScheduler_AbandonsAfterMaxAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.ExitWhenDone = true
	cfg.MaxAttempts = 2
	q := crank.NewDedupQueue[crank.Target]()
	q.Push(targets(3)...)
	var calls atomic.Int32
	s := crank.NewScheduler(q, crank.SettlerFunc(func(context.Context, crank.Target) error {
		calls.Add(1)
		return errors.New("permanent")
	}), cfg, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := calls.Load(); got != 6 {
		t.Errorf("attempts = %d, want 6", got)
	}
}

func TestScheduler_NoConcurrentAttemptsPerTarget(t *testing.T) {
	q := crank.NewDedupQueue[crank.Target]()
	tg := targets(1)[0]
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var calls atomic.Int32
	s := crank.NewScheduler(q, crank.SettlerFunc(func(context.Context, crank.Target) error {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}), fastConfig(), nil, zerolog.Nop())
	ctx := context.Background()

	q.Push(tg)
	s.Step(ctx)
	<-started

	q.Push(tg)
	if n, _ := s.Step(ctx); n != 1 {
		t.Fatalf("second pass popped %d", n)
	}
	if q.Len() != 0 {
		t.Fatal("target should be held back while in flight")
	}

	close(release)
	s.Wait()
	if calls.Load() != 1 {
		t.Errorf("settled %d times concurrently", calls.Load())
	}
	if !q.Contains(tg) {
		t.Error("held-back target should be queued again after the attempt")
	}
}

func TestScheduler_CancelWaitsForInFlight(t *testing.T) {
	cfg := fastConfig()
	cfg.WaitForMoreDelay = time.Hour
	q := crank.NewDedupQueue[crank.Target]()
	q.Push(targets(3)...)

	var done atomic.Int32
	started := make(chan struct{}, 3)
	s := crank.NewScheduler(q, crank.SettlerFunc(func(ctx context.Context, _ crank.Target) error {
		started <- struct{}{}
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		done.Add(1)
		return nil
	}), cfg, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	for range 3 {
		<-started
	}
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	if done.Load() != 3 {
		t.Errorf("completed %d attempts, want 3", done.Load())
	}
}

func TestBackoff(t *testing.T) {
	base, ceiling := 100*time.Millisecond, time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, base},
		{1, base},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, ceiling},
		{64, ceiling},
	}
	for _, c := range cases {
		if got := crank.Backoff(c.attempt, base, ceiling); got != c.want {
			t.Errorf("attempt %d: got %v, want %v", c.attempt, got, c.want)
		}
	}
}
