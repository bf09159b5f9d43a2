package governor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agentops/governor/internal/gateway"
	"github.com/agentops/governor/internal/policy"
	"github.com/agentops/governor/internal/usage"
)

// Dispatcher performs the outbound provider call for Execute. It is
// satisfied by *gateway.Gateway.
type Dispatcher interface {
	Call(ctx context.Context, provider usage.ProviderID, req gateway.Request) (gateway.Response, error)
}

// Execute runs the full arbitration loop for one prompt: acquire a lease,
// dispatch to the leased provider, and settle the lease with the actual
// token counts. A provider failure on the primary aborts that lease and
// re-decides once onto the fallback before giving up.
func (g *Governor) Execute(ctx context.Context, dispatcher Dispatcher, agent usage.AgentID, estimatedTokens int64, req gateway.Request) (gateway.Response, error) {
	if dispatcher == nil {
		return gateway.Response{}, errors.New("execute: dispatcher required")
	}
	req.Agent = agent

	lease, err := g.Acquire(ctx, agent, estimatedTokens)
	if err != nil {
		return gateway.Response{}, err
	}

	resp, err := dispatcher.Call(ctx, lease.Provider, req)
	if err == nil {
		if cerr := g.Commit(ctx, lease, resp.TokensIn, resp.TokensOut); cerr != nil {
			return gateway.Response{}, cerr
		}
		return resp, nil
	}

	if aerr := g.Abort(ctx, lease); aerr != nil {
		g.logger.ErrorContext(ctx, "abort after provider failure",
			slog.String("lease_id", lease.ID.String()),
			slog.String("error", aerr.Error()),
		)
	}

	pe, ok := gateway.AsProviderError(err)
	if !ok || lease.Decision.Slot != policy.SlotPrimary {
		return gateway.Response{}, err
	}
	g.logger.WarnContext(ctx, "primary provider failed, re-deciding onto fallback",
		slog.String("agent", string(agent)),
		slog.String("provider", string(pe.Provider)),
		slog.String("kind", string(pe.Kind)),
	)

	retryLease, rerr := g.acquire(ctx, agent, estimatedTokens, true)
	if rerr != nil {
		return gateway.Response{}, errors.Join(err, rerr)
	}
	resp, err = dispatcher.Call(ctx, retryLease.Provider, req)
	if err != nil {
		if aerr := g.Abort(ctx, retryLease); aerr != nil {
			g.logger.ErrorContext(ctx, "abort after fallback failure",
				slog.String("lease_id", retryLease.ID.String()),
				slog.String("error", aerr.Error()),
			)
		}
		return gateway.Response{}, err
	}
	if cerr := g.Commit(ctx, retryLease, resp.TokensIn, resp.TokensOut); cerr != nil {
		return gateway.Response{}, cerr
	}
	return resp, nil
}
