package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentops/governor/internal/usage"
)

// Request is one prompt dispatched to an external provider.
type Request struct {
	Agent     usage.AgentID
	System    string
	Prompt    string
	MaxTokens int
}

// Response carries the provider's answer and the actual token counts it
// reported. Actual counts, not the pre-call estimate, are what gets
// committed against the budget.
type Response struct {
	Text       string
	Model      string
	StopReason string
	TokensIn   int64
	TokensOut  int64
}

func (r Response) TotalTokens() int64 { return r.TokensIn + r.TokensOut }

// ErrorKind classifies provider failures for retry and policy decisions.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindTimeout     ErrorKind = "timeout"
	KindUnknown     ErrorKind = "unknown"
)

// ProviderError is the typed failure returned by any adapter.
type ProviderError struct {
	Provider usage.ProviderID
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AsProviderError extracts the typed provider failure when present.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Provider is one concrete upstream LLM API.
type Provider interface {
	ID() usage.ProviderID
	Call(ctx context.Context, req Request) (Response, error)
}

// Gateway fronts the configured providers with a bounded per-call timeout
// and a single retry on timeouts and transient transport errors. Auth and
// rate-limit failures are never retried; those belong to the policy engine,
// not to a blind retry loop.
type Gateway struct {
	providers map[usage.ProviderID]Provider
	timeout   time.Duration
	logger    *slog.Logger
}

func New(timeout time.Duration, logger *slog.Logger, providers ...Provider) *Gateway {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[usage.ProviderID]Provider, len(providers))
	for _, p := range providers {
		if p != nil {
			byID[p.ID()] = p
		}
	}
	return &Gateway{providers: byID, timeout: timeout, logger: logger}
}

var ErrUnknownProvider = errors.New("unknown provider")

// Call dispatches the request to the named provider.
func (g *Gateway) Call(ctx context.Context, providerID usage.ProviderID, req Request) (Response, error) {
	provider, ok := g.providers[providerID]
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	resp, err := g.callOnce(ctx, provider, req)
	if err == nil {
		return resp, nil
	}
	if !retryable(err) {
		return Response{}, err
	}

	g.logger.WarnContext(ctx, "provider call retry",
		slog.String("provider", string(providerID)),
		slog.String("agent", string(req.Agent)),
		slog.String("error", err.Error()),
	)
	return g.callOnce(ctx, provider, req)
}

func (g *Gateway) callOnce(ctx context.Context, provider Provider, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := provider.Call(callCtx, req)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

// retryable permits exactly one retry for timeouts and transient transport
// failures.
func retryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Kind == KindTimeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}
