package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/agentops/governor/internal/limits"
	"github.com/agentops/governor/internal/monthkey"
	"github.com/agentops/governor/internal/policy"
	"github.com/agentops/governor/internal/usage"
)

func testLimits(primary, fallback int64) usage.LimitFunc {
	return func(_ usage.AgentID, provider usage.ProviderID) int64 {
		if provider == "anthropic" {
			return primary
		}
		return fallback
	}
}

func newTestGovernor(t *testing.T, store usage.Store, opts Options) *Governor {
	t.Helper()
	opts.Store = store
	if opts.Primary == "" {
		opts.Primary = "anthropic"
	}
	if opts.Fallback == "" {
		opts.Fallback = "openai"
	}
	g, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestAcquireCommitHappyPath(t *testing.T) {
	store := usage.NewMemoryStore(testLimits(1000, 1000), usage.DefaultThresholds())
	g := newTestGovernor(t, store, Options{})
	ctx := context.Background()

	lease, err := g.Acquire(ctx, "imperium", 100)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Provider != "anthropic" || lease.Decision.Reason != policy.ReasonNormal {
		t.Fatalf("unexpected lease: %+v", lease.Decision)
	}

	if err := g.Commit(ctx, lease, 80, 40); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	key, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	rec, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.TotalTokens != 120 || rec.RequestCount != 1 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestCommitTwiceIsRejected(t *testing.T) {
	store := usage.NewMemoryStore(testLimits(1000, 1000), usage.DefaultThresholds())
	g := newTestGovernor(t, store, Options{})
	ctx := context.Background()

	lease, err := g.Acquire(ctx, "imperium", 10)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := g.Commit(ctx, lease, 10, 0); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if err := g.Commit(ctx, lease, 10, 0); !errors.Is(err, ErrLeaseCommitted) {
		t.Fatalf("second Commit err = %v, want ErrLeaseCommitted", err)
	}

	key, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	rec, _ := store.Get(ctx, key)
	if rec.TotalTokens != 10 {
		t.Fatalf("double commit changed counters: %d", rec.TotalTokens)
	}
}

func TestAbortAfterCommitIsRejected(t *testing.T) {
	store := usage.NewMemoryStore(testLimits(1000, 1000), usage.DefaultThresholds())
	g := newTestGovernor(t, store, Options{})
	ctx := context.Background()

	lease, _ := g.Acquire(ctx, "imperium", 10)
	if err := g.Commit(ctx, lease, 10, 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := g.Abort(ctx, lease); !errors.Is(err, ErrLeaseCommitted) {
		t.Fatalf("Abort after Commit err = %v, want ErrLeaseCommitted", err)
	}
}

func TestAbortReleasesReservationWithoutCounting(t *testing.T) {
	store := usage.NewMemoryStore(testLimits(100, 100), usage.DefaultThresholds())
	g := newTestGovernor(t, store, Options{})
	ctx := context.Background()

	lease, err := g.Acquire(ctx, "imperium", 90)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := g.Abort(ctx, lease); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	// The aborted reservation must not count against the next acquire.
	lease2, err := g.Acquire(ctx, "imperium", 90)
	if err != nil {
		t.Fatalf("Acquire after abort: %v", err)
	}
	if lease2.Provider != "anthropic" {
		t.Fatalf("provider = %s", lease2.Provider)
	}

	key, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	rec, _ := store.Get(ctx, key)
	if rec.TotalTokens != 0 {
		t.Fatalf("abort recorded usage: %d", rec.TotalTokens)
	}
}

func TestAcquireRateLimited(t *testing.T) {
	store := usage.NewMemoryStore(testLimits(1000, 1000), usage.DefaultThresholds())
	g := newTestGovernor(t, store, Options{Limiter: limits.NewWindowLimiter(1)})
	ctx := context.Background()

	if _, err := g.Acquire(ctx, "imperium", 10); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	_, err := g.Acquire(ctx, "imperium", 10)
	re, ok := AsRejected(err)
	if !ok || re.Reason != ReasonRateLimited {
		t.Fatalf("expected rate_limited rejection, got %v", err)
	}
	if re.RetryAfter <= 0 {
		t.Fatalf("retryAfter = %s, want > 0", re.RetryAfter)
	}
	if !re.Retryable() {
		t.Fatalf("rate-limited rejection should be retryable")
	}
}

type failingStore struct{ usage.Store }

func (s failingStore) Get(context.Context, usage.Key) (usage.Record, error) {
	return usage.Record{}, &usage.StorageError{Op: "get", Err: errors.New("connection refused")}
}

func TestAcquireFailsClosedOnStorageError(t *testing.T) {
	inner := usage.NewMemoryStore(testLimits(1000, 1000), usage.DefaultThresholds())
	g := newTestGovernor(t, failingStore{inner}, Options{})

	_, err := g.Acquire(context.Background(), "imperium", 10)
	re, ok := AsRejected(err)
	if !ok || re.Reason != ReasonStorageFailure {
		t.Fatalf("expected storage_failure rejection, got %v", err)
	}
	if !usage.IsStorageError(re.Err) {
		t.Fatalf("rejection should carry the storage error: %v", re.Err)
	}
	if re.Retryable() {
		t.Fatalf("storage failure must not advertise as retryable")
	}
}

func TestAcquireExhaustedBudgets(t *testing.T) {
	// Both providers past the emergency ceiling reject terminally.
	store := usage.NewMemoryStore(testLimits(1000, 1000), usage.DefaultThresholds())
	g := newTestGovernor(t, store, Options{})
	ctx := context.Background()

	pk, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	fk, _ := usage.NewKey("imperium", "openai", monthkey.Current())
	if _, err := store.Increment(ctx, pk, 990, 0); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if _, err := store.Increment(ctx, fk, 990, 0); err != nil {
		t.Fatalf("seed fallback: %v", err)
	}

	_, err := g.Acquire(ctx, "imperium", 100)
	re, ok := AsRejected(err)
	if !ok || re.Reason != ReasonEmergencyExhaust {
		t.Fatalf("expected emergency_exhausted, got %v", err)
	}
	if re.Retryable() {
		t.Fatalf("exhausted budget must not advertise as retryable")
	}
}

func TestConcurrentAcquireCommitBoundedOvershoot(t *testing.T) {
	// Twenty workers race 10-token calls against a 150-token
	// primary with no fallback capacity. Exactly 15 may commit and the
	// final counter never exceeds the limit by more than one call.
	store := usage.NewMemoryStore(testLimits(150, 0), usage.DefaultThresholds())
	g := newTestGovernor(t, store, Options{})
	ctx := context.Background()

	var committed, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := g.Acquire(ctx, "imperium", 10)
			if err != nil {
				if _, ok := AsRejected(err); !ok {
					t.Errorf("unexpected acquire error: %v", err)
				}
				rejected.Add(1)
				return
			}
			if err := g.Commit(ctx, lease, 6, 4); err != nil {
				t.Errorf("Commit: %v", err)
				return
			}
			committed.Add(1)
		}()
	}
	wg.Wait()

	if got := committed.Load(); got != 15 {
		t.Fatalf("committed = %d, want exactly 15", got)
	}
	if got := rejected.Load(); got != 5 {
		t.Fatalf("rejected = %d, want 5", got)
	}

	key, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	rec, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.TotalTokens > 160 {
		t.Fatalf("totalTokens = %d, overshoot beyond one call", rec.TotalTokens)
	}
	if rec.TotalTokens != 150 {
		t.Fatalf("totalTokens = %d, want 150", rec.TotalTokens)
	}
	if rec.Status != usage.StatusSuspended {
		t.Fatalf("status = %s, want suspended at the ceiling", rec.Status)
	}
}

func TestUnlimitedOverrideAdmitsAndRecords(t *testing.T) {
	store := usage.NewMemoryStore(testLimits(100, 100), usage.DefaultThresholds())
	g := newTestGovernor(t, store, Options{UnlimitedOverride: true})
	ctx := context.Background()

	key, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	if _, err := store.Increment(ctx, key, 100, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	lease, err := g.Acquire(ctx, "imperium", 50)
	if err != nil {
		t.Fatalf("override Acquire: %v", err)
	}
	if lease.Decision.Reason != policy.ReasonUnlimitedOverride {
		t.Fatalf("reason = %s", lease.Decision.Reason)
	}
	if err := g.Commit(ctx, lease, 50, 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rec, _ := store.Get(ctx, key)
	if rec.TotalTokens != 150 {
		t.Fatalf("override usage not recorded: %d", rec.TotalTokens)
	}
}

func TestAcquireIndependentAgentsDoNotContend(t *testing.T) {
	store := usage.NewMemoryStore(testLimits(1000, 1000), usage.DefaultThresholds())
	g := newTestGovernor(t, store, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	agents := []usage.AgentID{"alpha", "beta", "gamma", "delta"}
	for _, agent := range agents {
		wg.Add(1)
		go func(agent usage.AgentID) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				lease, err := g.Acquire(ctx, agent, 10)
				if err != nil {
					t.Errorf("%s: Acquire: %v", agent, err)
					return
				}
				if err := g.Commit(ctx, lease, 10, 0); err != nil {
					t.Errorf("%s: Commit: %v", agent, err)
					return
				}
			}
		}(agent)
	}
	wg.Wait()

	for _, agent := range agents {
		key, _ := usage.NewKey(agent, "anthropic", monthkey.Current())
		rec, _ := store.Get(ctx, key)
		if rec.TotalTokens != 250 {
			t.Fatalf("%s: totalTokens = %d, want 250", agent, rec.TotalTokens)
		}
	}
}
