package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentops/governor/internal/config"
	"github.com/agentops/governor/internal/gateway"
	"github.com/agentops/governor/internal/governor"
	"github.com/agentops/governor/internal/limits"
	"github.com/agentops/governor/internal/monthkey"
	"github.com/agentops/governor/internal/reporting"
	"github.com/agentops/governor/internal/usage"
)

type stubDispatcher struct {
	resp gateway.Response
	err  error
}

func (d *stubDispatcher) Call(context.Context, usage.ProviderID, gateway.Request) (gateway.Response, error) {
	return d.resp, d.err
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":0", BodyLimitMB: 4},
		Providers: config.ProvidersConfig{
			Primary:  config.ProviderSlot{Kind: config.KindAnthropic, Model: "claude-sonnet-4", APIKey: "k", MonthlyLimit: 1000},
			Fallback: config.ProviderSlot{Kind: config.KindOpenAI, Model: "gpt-4o", APIKey: "k", MonthlyLimit: 1000},
		},
		Admin: config.AdminConfig{JWTSecret: "test-secret"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts governor.Options) (*Server, *usage.MemoryStore) {
	t.Helper()
	store := usage.NewMemoryStore(cfg.LimitFunc(), usage.DefaultThresholds())
	opts.Store = store
	opts.Primary = cfg.Providers.Primary.ProviderID()
	opts.Fallback = cfg.Providers.Fallback.ProviderID()
	gov, err := governor.New(opts)
	if err != nil {
		t.Fatalf("governor.New: %v", err)
	}

	srv, err := New(Deps{
		Config:   cfg,
		Governor: gov,
		Store:    store,
		Reporter: reporting.New(store, map[usage.ProviderID]reporting.Pricing{}),
		Dispatcher: &stubDispatcher{resp: gateway.Response{
			Text: "ok", Model: "claude-sonnet-4", TokensIn: 10, TokensOut: 5,
		}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, store
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestLeaseProtocolRoundTrip(t *testing.T) {
	srv, store := newTestServer(t, testConfig(), governor.Options{})

	resp, body := doJSON(t, srv, http.MethodPost, "/v1/leases", map[string]any{
		"agent": "imperium", "estimated_tokens": 100,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("acquire status = %d: %v", resp.StatusCode, body)
	}
	leaseID, _ := body["lease_id"].(string)
	if leaseID == "" || body["provider"] != "anthropic" {
		t.Fatalf("acquire body = %v", body)
	}

	resp, body = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/leases/%s/commit", leaseID), map[string]any{
		"tokens_in": 30, "tokens_out": 20,
	}, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "committed" {
		t.Fatalf("commit = %d %v", resp.StatusCode, body)
	}

	key, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	rec, _ := store.Get(context.Background(), key)
	if rec.TotalTokens != 50 {
		t.Fatalf("totalTokens = %d, want 50", rec.TotalTokens)
	}

	// A settled lease id is gone from the registry.
	resp, _ = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/leases/%s/commit", leaseID), map[string]any{
		"tokens_in": 1,
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second commit status = %d, want 404", resp.StatusCode)
	}
}

func TestAcquireRejectionStatusCodes(t *testing.T) {
	srv, store := newTestServer(t, testConfig(), governor.Options{})
	ctx := context.Background()

	for _, provider := range []usage.ProviderID{"anthropic", "openai"} {
		key, _ := usage.NewKey("imperium", provider, monthkey.Current())
		if _, err := store.Increment(ctx, key, 1000, 0); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	resp, body := doJSON(t, srv, http.MethodPost, "/v1/leases", map[string]any{
		"agent": "imperium", "estimated_tokens": 100,
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if body["reason"] != "all_providers_exhausted" && body["reason"] != "emergency_exhausted" {
		t.Fatalf("reason = %v", body["reason"])
	}
}

func TestAcquireRateLimitedSetsRetryAfter(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), governor.Options{
		Limiter: limits.NewWindowLimiter(1),
	})

	resp, _ := doJSON(t, srv, http.MethodPost, "/v1/leases", map[string]any{
		"agent": "imperium", "estimated_tokens": 10,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first acquire = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, srv, http.MethodPost, "/v1/leases", map[string]any{
		"agent": "imperium", "estimated_tokens": 10,
	}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second acquire = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	if body["reason"] != "rate_limited" {
		t.Fatalf("reason = %v", body["reason"])
	}
}

func TestChatExecutesAndRecordsUsage(t *testing.T) {
	srv, store := newTestServer(t, testConfig(), governor.Options{})

	resp, body := doJSON(t, srv, http.MethodPost, "/v1/agents/imperium/chat", map[string]any{
		"prompt": "summarize the fleet logs",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d: %v", resp.StatusCode, body)
	}
	if body["text"] != "ok" {
		t.Fatalf("text = %v", body["text"])
	}

	key, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	rec, _ := store.Get(context.Background(), key)
	if rec.TotalTokens != 15 {
		t.Fatalf("totalTokens = %d, want 15", rec.TotalTokens)
	}
}

func TestUsageMonthEndpoint(t *testing.T) {
	srv, store := newTestServer(t, testConfig(), governor.Options{})
	ctx := context.Background()

	key, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	if _, err := store.Increment(ctx, key, 100, 50); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, body := doJSON(t, srv, http.MethodGet, "/v1/usage", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage status = %d", resp.StatusCode)
	}
	if body["total_tokens"] != float64(150) {
		t.Fatalf("total_tokens = %v", body["total_tokens"])
	}
}

func TestAgentUsageEndpointsUseWireFieldNames(t *testing.T) {
	srv, store := newTestServer(t, testConfig(), governor.Options{})
	ctx := context.Background()
	month := monthkey.Current()

	key, _ := usage.NewKey("imperium", "anthropic", month)
	if _, err := store.Increment(ctx, key, 100, 50); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, body := doJSON(t, srv, http.MethodGet, "/v1/usage/imperium", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage status = %d", resp.StatusCode)
	}
	if body["month"] != month.String() {
		t.Fatalf("month = %v, want %q", body["month"], month.String())
	}
	records, _ := body["records"].([]any)
	if len(records) != 2 {
		t.Fatalf("records = %v", body["records"])
	}
	first, _ := records[0].(map[string]any)
	if first["tokens_in"] != float64(100) || first["total_tokens"] != float64(150) {
		t.Fatalf("record fields = %v", first)
	}
	if first["month"] != month.String() {
		t.Fatalf("record month = %v, want %q", first["month"], month.String())
	}
	if _, pascal := first["TokensIn"]; pascal {
		t.Fatalf("record leaked unserialized field names: %v", first)
	}

	resp, body = doJSON(t, srv, http.MethodGet, "/v1/usage/imperium/history?provider=anthropic", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	history, _ := body["history"].([]any)
	if len(history) != 1 {
		t.Fatalf("history = %v", body["history"])
	}
	entry, _ := history[0].(map[string]any)
	if entry["month"] != month.String() || entry["monthly_limit"] != float64(1000) {
		t.Fatalf("history entry = %v", entry)
	}
}

func TestAlertsEndpointFiltersActive(t *testing.T) {
	srv, store := newTestServer(t, testConfig(), governor.Options{})
	ctx := context.Background()

	warnKey, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	okKey, _ := usage.NewKey("scout", "anthropic", monthkey.Current())
	if _, err := store.Increment(ctx, warnKey, 850, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Increment(ctx, okKey, 10, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, body := doJSON(t, srv, http.MethodGet, "/v1/alerts", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alerts status = %d", resp.StatusCode)
	}
	alerts, _ := body["alerts"].([]any)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %v", body["alerts"])
	}
}

func TestEstimateTokensIncludesResponseAllowance(t *testing.T) {
	prompt := strings.Repeat("x", 400)

	if got := estimateTokens(prompt, "", 0); got != 100 {
		t.Fatalf("estimate without allowance = %d, want 100", got)
	}
	if got := estimateTokens(prompt, "", 256); got != 356 {
		t.Fatalf("estimate with allowance = %d, want 356", got)
	}
	if got := estimateTokens("", "", 0); got != 1 {
		t.Fatalf("empty prompt estimate = %d, want 1", got)
	}
}

func TestAdminResetRequiresJWT(t *testing.T) {
	srv, store := newTestServer(t, testConfig(), governor.Options{})
	ctx := context.Background()

	key, _ := usage.NewKey("imperium", "anthropic", monthkey.Current())
	if _, err := store.Increment(ctx, key, 500, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	payload := map[string]any{"agent": "imperium", "provider": "anthropic"}

	resp, _ := doJSON(t, srv, http.MethodPost, "/admin/usage/reset", payload, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp, body := doJSON(t, srv, http.MethodPost, "/admin/usage/reset", payload, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d: %v", resp.StatusCode, body)
	}

	rec, _ := store.Get(ctx, key)
	if rec.TotalTokens != 0 || rec.Status != usage.StatusActive {
		t.Fatalf("reset record = %+v", rec)
	}
}
