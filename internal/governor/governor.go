package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentops/governor/internal/alerts"
	"github.com/agentops/governor/internal/limits"
	"github.com/agentops/governor/internal/monthkey"
	"github.com/agentops/governor/internal/policy"
	"github.com/agentops/governor/internal/usage"
)

// Metrics receives governor-level counters. Implementations must be safe
// for concurrent use; a nil Metrics disables instrumentation.
type Metrics interface {
	Decision(slot, reason string)
	Rejection(reason string)
	TokensCommitted(agent, provider string, tokens int64)
	AcquireDuration(d time.Duration)
}

// Options wire the governor's collaborators. Store, Primary, and Fallback
// are required; everything else degrades gracefully when absent.
type Options struct {
	Store    usage.Store
	Limiter  *limits.WindowLimiter
	Throttle *limits.AgentThrottle
	Engine   *policy.Engine

	Primary  usage.ProviderID
	Fallback usage.ProviderID

	// UnlimitedOverride admits every call regardless of budget. Usage is
	// still recorded and every grant is logged with an audit marker. The
	// flag is fixed at construction; it is never mutable at runtime.
	UnlimitedOverride bool

	Alerts  *alerts.Dispatcher
	Metrics Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Governor arbitrates provider calls against monthly budgets and the
// short-window rate limiter, handing out single-call leases.
//
// Admission for one agent is serialized so that in-flight reservations are
// counted exactly; unrelated agents never contend on the same lock.
type Governor struct {
	store    usage.Store
	limiter  *limits.WindowLimiter
	throttle *limits.AgentThrottle
	engine   *policy.Engine

	primary  usage.ProviderID
	fallback usage.ProviderID
	override bool

	alerts  *alerts.Dispatcher
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	agents  map[usage.AgentID]*agentGate
	pending map[usage.Key]int64
}

// agentGate serializes admission and settlement for one agent.
type agentGate struct{ mu sync.Mutex }

func New(opts Options) (*Governor, error) {
	if opts.Store == nil {
		return nil, errors.New("governor: store required")
	}
	if opts.Primary == "" || opts.Fallback == "" {
		return nil, errors.New("governor: primary and fallback providers required")
	}
	if opts.Engine == nil {
		opts.Engine = policy.NewEngine(usage.DefaultThresholds())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Governor{
		store:    opts.Store,
		limiter:  opts.Limiter,
		throttle: opts.Throttle,
		engine:   opts.Engine,
		primary:  opts.Primary,
		fallback: opts.Fallback,
		override: opts.UnlimitedOverride,
		alerts:   opts.Alerts,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
		agents:   make(map[usage.AgentID]*agentGate),
		pending:  make(map[usage.Key]int64),
	}, nil
}

func (g *Governor) gate(agent usage.AgentID) *agentGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	ga, ok := g.agents[agent]
	if !ok {
		ga = &agentGate{}
		g.agents[agent] = ga
	}
	return ga
}

// Acquire arbitrates one prospective call of estimatedTokens for the agent.
// It returns a Lease naming the provider that will serve it, or a
// RejectedError explaining why no provider may.
func (g *Governor) Acquire(ctx context.Context, agent usage.AgentID, estimatedTokens int64) (*Lease, error) {
	return g.acquire(ctx, agent, estimatedTokens, false)
}

func (g *Governor) acquire(ctx context.Context, agent usage.AgentID, estimatedTokens int64, forceFallback bool) (*Lease, error) {
	start := g.now()
	lease, err := g.acquireLocked(ctx, agent, estimatedTokens, forceFallback)
	if g.metrics != nil {
		g.metrics.AcquireDuration(g.now().Sub(start))
		if err == nil {
			g.metrics.Decision(string(lease.Decision.Slot), lease.Decision.Reason)
		} else if re, ok := AsRejected(err); ok {
			g.metrics.Rejection(re.Reason)
		}
	}
	return lease, err
}

func (g *Governor) acquireLocked(ctx context.Context, agent usage.AgentID, estimatedTokens int64, forceFallback bool) (*Lease, error) {
	if agent == "" {
		return nil, &RejectedError{Reason: ReasonUnknownAgent}
	}
	if estimatedTokens < 0 {
		return nil, &RejectedError{Reason: ReasonInvalidEstimate}
	}

	if wait, err := g.throttle.Admit(ctx, agent); err != nil {
		if errors.Is(err, limits.ErrLimitExceeded) {
			return nil, &RejectedError{Reason: ReasonAgentCooldown, RetryAfter: wait, Err: err}
		}
		return nil, fmt.Errorf("throttle admit: %w", err)
	}

	gate := g.gate(agent)
	gate.mu.Lock()
	defer gate.mu.Unlock()

	month := monthkey.Of(g.now())
	primaryKey, err := usage.NewKey(agent, g.primary, month)
	if err != nil {
		g.throttle.Release(ctx)
		return nil, &RejectedError{Reason: ReasonUnknownAgent, Err: err}
	}
	fallbackKey, _ := usage.NewKey(agent, g.fallback, month)

	primaryRec, err := g.store.Get(ctx, primaryKey)
	if err != nil {
		g.throttle.Release(ctx)
		return nil, &RejectedError{Reason: ReasonStorageFailure, Err: err}
	}
	fallbackRec, err := g.store.Get(ctx, fallbackKey)
	if err != nil {
		g.throttle.Release(ctx)
		return nil, &RejectedError{Reason: ReasonStorageFailure, Err: err}
	}

	// Overlay in-flight reservations so racing acquires see each other's
	// estimates before any of them commits.
	g.mu.Lock()
	primaryRec.TotalTokens += g.pending[primaryKey]
	fallbackRec.TotalTokens += g.pending[fallbackKey]
	g.mu.Unlock()

	decision := g.decide(ctx, agent, primaryRec, fallbackRec, estimatedTokens, forceFallback)
	if !decision.Allowed() {
		g.throttle.Release(ctx)
		return nil, &RejectedError{Reason: decision.Reason}
	}

	if g.limiter != nil {
		if ok, retryAfter := g.limiter.TryAcquire(decision.Provider); !ok {
			g.throttle.Release(ctx)
			return nil, &RejectedError{Reason: ReasonRateLimited, RetryAfter: retryAfter, Err: limits.ErrLimitExceeded}
		}
	}

	key := primaryKey
	if decision.Slot == policy.SlotFallback {
		key = fallbackKey
	}

	g.mu.Lock()
	g.pending[key] += estimatedTokens
	g.mu.Unlock()

	lease := &Lease{
		ID:              uuid.New(),
		Agent:           agent,
		Provider:        decision.Provider,
		Decision:        decision,
		EstimatedTokens: estimatedTokens,
		key:             key,
	}
	g.logger.DebugContext(ctx, "lease acquired",
		slog.String("lease_id", lease.ID.String()),
		slog.String("agent", string(agent)),
		slog.String("provider", string(decision.Provider)),
		slog.String("reason", decision.Reason),
		slog.Int64("estimated_tokens", estimatedTokens),
	)
	return lease, nil
}

func (g *Governor) decide(ctx context.Context, agent usage.AgentID, primaryRec, fallbackRec usage.Record, estimatedTokens int64, forceFallback bool) policy.Decision {
	if g.override {
		provider, slot := g.primary, policy.SlotPrimary
		if forceFallback {
			provider, slot = g.fallback, policy.SlotFallback
		}
		g.logger.WarnContext(ctx, "unlimited override grant",
			slog.String("audit", "enforcement.unlimited_override"),
			slog.String("agent", string(agent)),
			slog.String("provider", string(provider)),
			slog.Int64("estimated_tokens", estimatedTokens),
		)
		return policy.Decision{Slot: slot, Provider: provider, Reason: policy.ReasonUnlimitedOverride}
	}
	if forceFallback {
		// Re-decision after a primary provider failure: treat primary as
		// suspended so only the fallback's headroom matters.
		suspended := primaryRec
		suspended.Status = usage.StatusSuspended
		return g.engine.Decide(suspended, fallbackRec, estimatedTokens)
	}
	return g.engine.Decide(primaryRec, fallbackRec, estimatedTokens)
}

// Commit settles the lease with the actual token counts reported by the
// provider. The increment is atomic; a second settlement of the same lease
// is rejected without touching counters.
func (g *Governor) Commit(ctx context.Context, lease *Lease, tokensIn, tokensOut int64) error {
	if lease == nil {
		return ErrNilLease
	}
	if err := lease.transition(leaseCommitted); err != nil {
		return err
	}
	defer g.throttle.Release(ctx)

	gate := g.gate(lease.Agent)
	gate.mu.Lock()
	rec, err := g.store.Increment(ctx, lease.key, tokensIn, tokensOut)
	g.releaseReservation(lease)
	gate.mu.Unlock()
	if err != nil {
		return fmt.Errorf("commit lease %s: %w", lease.ID, err)
	}

	if g.metrics != nil {
		g.metrics.TokensCommitted(string(lease.Agent), string(lease.Provider), tokensIn+tokensOut)
	}
	if g.alerts != nil {
		if err := g.alerts.Observe(ctx, rec, g.now()); err != nil {
			g.logger.ErrorContext(ctx, "alert dispatch failed",
				slog.String("key", rec.Key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	g.logger.InfoContext(ctx, "usage committed",
		slog.String("lease_id", lease.ID.String()),
		slog.String("key", lease.key.String()),
		slog.Int64("tokens_in", tokensIn),
		slog.Int64("tokens_out", tokensOut),
		slog.Int64("total_tokens", rec.TotalTokens),
		slog.String("status", string(rec.Status)),
	)
	return nil
}

// Abort releases the lease without recording usage, for calls that failed
// before producing a countable response. Aborting a committed lease is an
// error and never un-counts anything.
func (g *Governor) Abort(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return ErrNilLease
	}
	if err := lease.transition(leaseAborted); err != nil {
		return err
	}
	g.throttle.Release(ctx)

	gate := g.gate(lease.Agent)
	gate.mu.Lock()
	g.releaseReservation(lease)
	gate.mu.Unlock()

	g.logger.DebugContext(ctx, "lease aborted",
		slog.String("lease_id", lease.ID.String()),
		slog.String("key", lease.key.String()),
	)
	return nil
}

func (g *Governor) releaseReservation(lease *Lease) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[lease.key] -= lease.EstimatedTokens
	if g.pending[lease.key] <= 0 {
		delete(g.pending, lease.key)
	}
}
