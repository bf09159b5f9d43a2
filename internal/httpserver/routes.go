package httpserver

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/agentops/governor/internal/alerts"
	"github.com/agentops/governor/internal/gateway"
	"github.com/agentops/governor/internal/governor"
	"github.com/agentops/governor/internal/httpserver/httputil"
	"github.com/agentops/governor/internal/monthkey"
	"github.com/agentops/governor/internal/usage"
)

// leaseRegistry tracks unsettled leases handed to remote agents so a later
// commit/abort request can find them by id.
type leaseRegistry struct {
	mu     sync.Mutex
	leases map[uuid.UUID]*governor.Lease
}

func newLeaseRegistry() *leaseRegistry {
	return &leaseRegistry{leases: make(map[uuid.UUID]*governor.Lease)}
}

func (r *leaseRegistry) put(lease *governor.Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leases[lease.ID] = lease
}

func (r *leaseRegistry) take(id uuid.UUID) (*governor.Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lease, ok := r.leases[id]
	if ok {
		delete(r.leases, id)
	}
	return lease, ok
}

func (s *Server) registerRoutes() {
	registry := newLeaseRegistry()

	v1 := s.app.Group("/v1")
	v1.Post("/leases", s.handleAcquire(registry))
	v1.Post("/leases/:id/commit", s.handleCommit(registry))
	v1.Post("/leases/:id/abort", s.handleAbort(registry))
	v1.Post("/agents/:agent/chat", s.handleChat)

	v1.Get("/usage", s.handleUsageMonth)
	v1.Get("/usage/distribution", s.handleUsageDistribution)
	v1.Get("/usage/:agent", s.handleUsageAgent)
	v1.Get("/usage/:agent/history", s.handleUsageHistory)
	v1.Get("/alerts", s.handleAlerts)
	v1.Get("/status", s.handleStatus)

	admin := s.app.Group("/admin", s.requireAdminJWT)
	admin.Post("/usage/reset", s.handleUsageReset)
}

type acquireRequest struct {
	Agent           string `json:"agent"`
	EstimatedTokens int64  `json:"estimated_tokens"`
}

func (s *Server) handleAcquire(registry *leaseRegistry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req acquireRequest
		if err := c.BodyParser(&req); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
		}
		if req.Agent == "" {
			return httputil.WriteError(c, fiber.StatusBadRequest, "agent is required")
		}

		lease, err := s.deps.Governor.Acquire(c.UserContext(), usage.AgentID(req.Agent), req.EstimatedTokens)
		if err != nil {
			return s.writeAcquireError(c, err)
		}
		registry.put(lease)

		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"lease_id":         lease.ID.String(),
			"provider":         lease.Provider,
			"slot":             lease.Decision.Slot,
			"reason":           lease.Decision.Reason,
			"estimated_tokens": lease.EstimatedTokens,
		})
	}
}

type commitRequest struct {
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
}

func (s *Server) handleCommit(registry *leaseRegistry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid lease id")
		}
		var req commitRequest
		if err := c.BodyParser(&req); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
		}
		if req.TokensIn < 0 || req.TokensOut < 0 {
			return httputil.WriteError(c, fiber.StatusBadRequest, "token counts must be >= 0")
		}

		lease, ok := registry.take(id)
		if !ok {
			return httputil.WriteError(c, fiber.StatusNotFound, "unknown or settled lease")
		}
		if err := s.deps.Governor.Commit(c.UserContext(), lease, req.TokensIn, req.TokensOut); err != nil {
			if errors.Is(err, governor.ErrLeaseCommitted) || errors.Is(err, governor.ErrLeaseAborted) {
				return httputil.WriteError(c, fiber.StatusConflict, err.Error())
			}
			return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"status": "committed"})
	}
}

func (s *Server) handleAbort(registry *leaseRegistry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid lease id")
		}
		lease, ok := registry.take(id)
		if !ok {
			return httputil.WriteError(c, fiber.StatusNotFound, "unknown or settled lease")
		}
		if err := s.deps.Governor.Abort(c.UserContext(), lease); err != nil {
			if errors.Is(err, governor.ErrLeaseCommitted) || errors.Is(err, governor.ErrLeaseAborted) {
				return httputil.WriteError(c, fiber.StatusConflict, err.Error())
			}
			return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"status": "aborted"})
	}
}

type chatRequest struct {
	Prompt          string `json:"prompt"`
	System          string `json:"system"`
	MaxTokens       int    `json:"max_tokens"`
	EstimatedTokens int64  `json:"estimated_tokens"`
}

func (s *Server) handleChat(c *fiber.Ctx) error {
	if s.deps.Dispatcher == nil {
		return httputil.WriteError(c, fiber.StatusServiceUnavailable, "no provider gateway configured")
	}
	agent := usage.AgentID(c.Params("agent"))

	var req chatRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Prompt == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "prompt is required")
	}
	estimate := req.EstimatedTokens
	if estimate <= 0 {
		estimate = estimateTokens(req.Prompt, req.System, req.MaxTokens)
	}

	resp, err := s.deps.Governor.Execute(c.UserContext(), s.deps.Dispatcher, agent, estimate, gateway.Request{
		System:    req.System,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		if _, ok := governor.AsRejected(err); ok {
			return s.writeAcquireError(c, err)
		}
		if pe, ok := gateway.AsProviderError(err); ok {
			s.deps.Logger.ErrorContext(c.UserContext(), "provider call failed",
				slog.String("agent", string(agent)),
				slog.String("provider", string(pe.Provider)),
				slog.String("kind", string(pe.Kind)),
			)
			return httputil.WriteError(c, fiber.StatusBadGateway, "provider call failed")
		}
		return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(fiber.Map{
		"text":        resp.Text,
		"model":       resp.Model,
		"stop_reason": resp.StopReason,
		"tokens_in":   resp.TokensIn,
		"tokens_out":  resp.TokensOut,
	})
}

// estimateTokens is the pre-call heuristic used when the caller supplies no
// estimate: roughly four characters per token, plus the response allowance.
func estimateTokens(prompt, system string, maxTokens int) int64 {
	est := int64(len(prompt)+len(system))/4 + int64(maxTokens)
	if est < 1 {
		est = 1
	}
	return est
}

func (s *Server) writeAcquireError(c *fiber.Ctx, err error) error {
	re, ok := governor.AsRejected(err)
	if !ok {
		return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
	}

	status := fiber.StatusForbidden
	switch re.Reason {
	case governor.ReasonRateLimited, governor.ReasonAgentCooldown:
		status = fiber.StatusTooManyRequests
		c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(int64(re.RetryAfter.Seconds())+1, 10))
	case governor.ReasonStorageFailure:
		status = fiber.StatusServiceUnavailable
	case governor.ReasonInvalidEstimate, governor.ReasonUnknownAgent:
		status = fiber.StatusBadRequest
	}

	return c.Status(status).JSON(fiber.Map{
		"error":               "acquire rejected",
		"reason":              re.Reason,
		"retry_after_seconds": re.RetryAfter.Seconds(),
	})
}

func (s *Server) handleUsageMonth(c *fiber.Ctx) error {
	if s.deps.Reporter == nil {
		return httputil.WriteError(c, fiber.StatusServiceUnavailable, "reporting not configured")
	}
	month, err := monthParam(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}
	report, err := s.deps.Reporter.Month(c.UserContext(), month)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(report)
}

func (s *Server) handleUsageDistribution(c *fiber.Ctx) error {
	if s.deps.Reporter == nil {
		return httputil.WriteError(c, fiber.StatusServiceUnavailable, "reporting not configured")
	}
	month, err := monthParam(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}
	dist, err := s.deps.Reporter.Distribution(c.UserContext(), month)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(dist)
}

// usageRecordBody is the wire form of a usage record; the domain type stays
// free of serialization concerns.
type usageRecordBody struct {
	Agent         usage.AgentID    `json:"agent"`
	Provider      usage.ProviderID `json:"provider"`
	Month         monthkey.Key     `json:"month"`
	TokensIn      int64            `json:"tokens_in"`
	TokensOut     int64            `json:"tokens_out"`
	TotalTokens   int64            `json:"total_tokens"`
	RequestCount  int64            `json:"request_count"`
	MonthlyLimit  int64            `json:"monthly_limit"`
	UsagePercent  float64          `json:"usage_percent"`
	Status        usage.Status     `json:"status"`
	LastRequestAt *time.Time       `json:"last_request_at,omitempty"`
}

func recordBody(rec usage.Record) usageRecordBody {
	body := usageRecordBody{
		Agent:        rec.Key.Agent,
		Provider:     rec.Key.Provider,
		Month:        rec.Key.Month,
		TokensIn:     rec.TokensIn,
		TokensOut:    rec.TokensOut,
		TotalTokens:  rec.TotalTokens,
		RequestCount: rec.RequestCount,
		MonthlyLimit: rec.MonthlyLimit,
		UsagePercent: rec.UsagePercent(),
		Status:       rec.Status,
	}
	if !rec.LastRequestAt.IsZero() {
		ts := rec.LastRequestAt
		body.LastRequestAt = &ts
	}
	return body
}

func (s *Server) handleUsageAgent(c *fiber.Ctx) error {
	agent := usage.AgentID(c.Params("agent"))
	month, err := monthParam(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}

	providers := []usage.ProviderID{
		s.deps.Config.Providers.Primary.ProviderID(),
		s.deps.Config.Providers.Fallback.ProviderID(),
	}
	records := make([]usageRecordBody, 0, len(providers))
	for _, provider := range providers {
		key, err := usage.NewKey(agent, provider, month)
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid agent id")
		}
		rec, err := s.deps.Store.Get(c.UserContext(), key)
		if err != nil {
			return httputil.WriteError(c, fiber.StatusServiceUnavailable, err.Error())
		}
		records = append(records, recordBody(rec))
	}

	return c.JSON(fiber.Map{
		"agent":   agent,
		"month":   month,
		"records": records,
	})
}

func (s *Server) handleUsageHistory(c *fiber.Ctx) error {
	if s.deps.Reporter == nil {
		return httputil.WriteError(c, fiber.StatusServiceUnavailable, "reporting not configured")
	}
	agent := usage.AgentID(c.Params("agent"))
	provider := usage.ProviderID(c.Query("provider"))
	if provider == "" {
		provider = s.deps.Config.Providers.Primary.ProviderID()
	}
	months := c.QueryInt("months", 6)

	records, err := s.deps.Reporter.History(c.UserContext(), agent, provider, months)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
	}
	history := make([]usageRecordBody, 0, len(records))
	for _, rec := range records {
		history = append(history, recordBody(rec))
	}
	return c.JSON(fiber.Map{
		"agent":    agent,
		"provider": provider,
		"history":  history,
	})
}

func (s *Server) handleAlerts(c *fiber.Ctx) error {
	month, err := monthParam(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}
	records, err := s.deps.Store.ListMonth(c.UserContext(), month)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusServiceUnavailable, err.Error())
	}

	active := make([]fiber.Map, 0)
	for _, rec := range records {
		level := alerts.LevelFor(rec.Status)
		if level == alerts.LevelNone {
			continue
		}
		active = append(active, fiber.Map{
			"agent":         rec.Key.Agent,
			"provider":      rec.Key.Provider,
			"month":         rec.Key.Month,
			"level":         level,
			"usage_percent": rec.UsagePercent(),
			"total_tokens":  rec.TotalTokens,
			"monthly_limit": rec.MonthlyLimit,
			"remaining":     rec.Remaining(),
		})
	}
	return c.JSON(fiber.Map{"month": month, "alerts": active})
}

// handleStatus reports whether any budget is in an emergency state this
// month, for dashboards and agent schedulers that poll before dispatching.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	month := monthkey.Current()
	records, err := s.deps.Store.ListMonth(c.UserContext(), month)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusServiceUnavailable, err.Error())
	}

	suspended := 0
	critical := 0
	for _, rec := range records {
		switch rec.Status {
		case usage.StatusSuspended:
			suspended++
		case usage.StatusCritical:
			critical++
		}
	}
	return c.JSON(fiber.Map{
		"month":     month,
		"emergency": suspended > 0,
		"suspended": suspended,
		"critical":  critical,
		"tracked":   len(records),
	})
}

type resetRequest struct {
	Agent    string `json:"agent"`
	Provider string `json:"provider"`
	Month    string `json:"month"`
}

func (s *Server) handleUsageReset(c *fiber.Ctx) error {
	var req resetRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}
	month := monthkey.Current()
	if req.Month != "" {
		parsed, err := monthkey.Parse(req.Month)
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "month must be YYYY-MM")
		}
		month = parsed
	}
	key, err := usage.NewKey(usage.AgentID(req.Agent), usage.ProviderID(req.Provider), month)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "agent and provider are required")
	}

	if err := s.deps.Store.ResetMonth(c.UserContext(), key); err != nil {
		if errors.Is(err, usage.ErrNotFound) {
			return httputil.WriteError(c, fiber.StatusNotFound, "no usage recorded for that key")
		}
		return httputil.WriteError(c, fiber.StatusServiceUnavailable, err.Error())
	}

	s.deps.Logger.WarnContext(c.UserContext(), "usage reset",
		slog.String("audit", "admin.usage_reset"),
		slog.String("key", key.String()),
	)
	return c.JSON(fiber.Map{"status": "reset", "key": key.String()})
}

func monthParam(c *fiber.Ctx) (monthkey.Key, error) {
	raw := c.Query("month")
	if raw == "" {
		return monthkey.Current(), nil
	}
	month, err := monthkey.Parse(raw)
	if err != nil {
		return monthkey.Key{}, errors.New("month must be YYYY-MM")
	}
	return month, nil
}
