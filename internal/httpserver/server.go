package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/agentops/governor/internal/config"
	"github.com/agentops/governor/internal/governor"
	"github.com/agentops/governor/internal/observability"
	"github.com/agentops/governor/internal/reporting"
	"github.com/agentops/governor/internal/usage"
)

// Deps carries everything the HTTP surface needs. Config, Governor, and
// Store are required; the rest degrade to disabled features when nil.
type Deps struct {
	Config        *config.Config
	Governor      *governor.Governor
	Dispatcher    governor.Dispatcher
	Store         usage.Store
	Reporter      *reporting.Reporter
	Observability *observability.Provider
	DBPool        *pgxpool.Pool
	Redis         *redis.Client
	Logger        *slog.Logger
}

// Server wraps the Fiber app and configuration.
type Server struct {
	app  *fiber.App
	deps Deps
}

// New constructs a server with baseline middleware and all routes mounted.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Governor == nil {
		return nil, fmt.Errorf("governor is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("usage store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	bodyLimit := deps.Config.Server.BodyLimitMB * 1024 * 1024
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ServerHeader:          "governor",
		BodyLimit:             bodyLimit,
		ReadBufferSize:        4 * 1024,
		WriteBufferSize:       4 * 1024,
	})

	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(recover.New())

	if deps.Observability != nil {
		app.Use(func(c *fiber.Ctx) error {
			start := time.Now()
			err := c.Next()
			route := ""
			if r := c.Route(); r != nil {
				route = r.Path
			}
			if route == "" {
				route = c.Path()
			}
			deps.Observability.RecordHTTPRequest(c.UserContext(), c.Method(), route, c.Response().StatusCode(), time.Since(start))
			return err
		})

		if handler := deps.Observability.PrometheusHandler(); handler != nil {
			app.Get("/metrics", adaptor.HTTPHandler(handler))
		}
	}

	srv := &Server{app: app, deps: deps}
	srv.registerHealthRoutes()
	srv.registerRoutes()

	return srv, nil
}

// App exposes the underlying Fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen blocks until context cancellation or a fatal listen error occurs.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.deps.Config.Server.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		timeout := s.deps.Config.Server.GracefulShutdownDelay
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := s.app.ShutdownWithContext(shutdownCtx)
		if err == nil {
			err = <-errCh
		}
		return err
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerHealthRoutes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]fiber.Map)
		overall := "ok"

		if s.deps.DBPool != nil {
			start := time.Now()
			err := s.deps.DBPool.Ping(ctx)
			check := fiber.Map{
				"status":     "ok",
				"latency_ms": time.Since(start).Milliseconds(),
			}
			if err != nil {
				check["status"] = "error"
				check["error"] = err.Error()
				overall = "degraded"
			}
			checks["postgres"] = check
		}

		if s.deps.Redis != nil {
			start := time.Now()
			err := s.deps.Redis.Ping(ctx).Err()
			check := fiber.Map{
				"status":     "ok",
				"latency_ms": time.Since(start).Milliseconds(),
			}
			if err != nil {
				check["status"] = "error"
				check["error"] = err.Error()
				overall = "degraded"
			}
			checks["redis"] = check
		}

		status := fiber.StatusOK
		if overall != "ok" {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status": overall,
			"checks": checks,
		})
	})
}
