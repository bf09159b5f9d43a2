package governor

import (
	"context"
	"errors"
	"testing"

	"github.com/agentops/governor/internal/gateway"
	"github.com/agentops/governor/internal/monthkey"
	"github.com/agentops/governor/internal/usage"
)

type fakeDispatcher struct {
	responses map[usage.ProviderID]gateway.Response
	failures  map[usage.ProviderID]error
	calls     []usage.ProviderID
}

func (d *fakeDispatcher) Call(_ context.Context, provider usage.ProviderID, _ gateway.Request) (gateway.Response, error) {
	d.calls = append(d.calls, provider)
	if err, ok := d.failures[provider]; ok {
		return gateway.Response{}, err
	}
	return d.responses[provider], nil
}

func TestExecuteCommitsActualCounts(t *testing.T) {
	store := usage.NewMemoryStore(testLimits(1000, 1000), usage.DefaultThresholds())
	g := newTestGovernor(t, store, Options{})

	dispatcher := &fakeDispatcher{responses: map[usage.ProviderID]gateway.Response{
		"anthropic": {Text: "done", TokensIn: 37, TokensOut: 13},
	}}

	resp, err := g.Execute(context.Background(), dispatcher, "imperium", 100, gateway.Request{Prompt: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Text != "done" {
		t.Fatalf("text = %q", resp.Text)
	}

	// Actual counts are committed, never the 100-token estimate.
	key, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	rec, _ := store.Get(context.Background(), key)
	if rec.TotalTokens != 50 {
		t.Fatalf("totalTokens = %d, want 50", rec.TotalTokens)
	}
}

func TestExecuteFailsOverToFallbackOnProviderError(t *testing.T) {
	store := usage.NewMemoryStore(testLimits(1000, 1000), usage.DefaultThresholds())
	g := newTestGovernor(t, store, Options{})

	dispatcher := &fakeDispatcher{
		failures: map[usage.ProviderID]error{
			"anthropic": &gateway.ProviderError{Provider: "anthropic", Kind: gateway.KindAuth, Status: 401, Err: errors.New("key revoked")},
		},
		responses: map[usage.ProviderID]gateway.Response{
			"openai": {Text: "fallback answer", TokensIn: 20, TokensOut: 10},
		},
	}

	resp, err := g.Execute(context.Background(), dispatcher, "imperium", 50, gateway.Request{Prompt: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Text != "fallback answer" {
		t.Fatalf("text = %q", resp.Text)
	}
	if len(dispatcher.calls) != 2 || dispatcher.calls[0] != "anthropic" || dispatcher.calls[1] != "openai" {
		t.Fatalf("calls = %v", dispatcher.calls)
	}

	ctx := context.Background()
	pk, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	fk, _ := usage.NewKey("imperium", "openai", monthkey.Current())
	prec, _ := store.Get(ctx, pk)
	frec, _ := store.Get(ctx, fk)
	if prec.TotalTokens != 0 {
		t.Fatalf("failed primary call was counted: %d", prec.TotalTokens)
	}
	if frec.TotalTokens != 30 {
		t.Fatalf("fallback totalTokens = %d, want 30", frec.TotalTokens)
	}
}

func TestExecuteSurfacesErrorWhenBothProvidersFail(t *testing.T) {
	store := usage.NewMemoryStore(testLimits(1000, 1000), usage.DefaultThresholds())
	g := newTestGovernor(t, store, Options{})

	dispatcher := &fakeDispatcher{failures: map[usage.ProviderID]error{
		"anthropic": &gateway.ProviderError{Provider: "anthropic", Kind: gateway.KindTimeout, Err: errors.New("deadline")},
		"openai":    &gateway.ProviderError{Provider: "openai", Kind: gateway.KindUnknown, Err: errors.New("boom")},
	}}

	_, err := g.Execute(context.Background(), dispatcher, "imperium", 50, gateway.Request{Prompt: "go"})
	pe, ok := gateway.AsProviderError(err)
	if !ok || pe.Provider != "openai" {
		t.Fatalf("expected fallback provider error, got %v", err)
	}

	ctx := context.Background()
	for _, provider := range []usage.ProviderID{"anthropic", "openai"} {
		key, _ := usage.NewKey("imperium", provider, monthkey.Current())
		rec, _ := store.Get(ctx, key)
		if rec.TotalTokens != 0 {
			t.Fatalf("%s: failed call was counted: %d", provider, rec.TotalTokens)
		}
	}
}
