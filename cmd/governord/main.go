package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentops/governor/internal/alerts"
	"github.com/agentops/governor/internal/config"
	"github.com/agentops/governor/internal/database"
	"github.com/agentops/governor/internal/gateway"
	"github.com/agentops/governor/internal/governor"
	"github.com/agentops/governor/internal/httpserver"
	"github.com/agentops/governor/internal/limits"
	"github.com/agentops/governor/internal/observability"
	"github.com/agentops/governor/internal/redisclient"
	"github.com/agentops/governor/internal/reporting"
	"github.com/agentops/governor/internal/usage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := database.RunMigrations(ctx, cfg.Database); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	dbPool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer dbPool.Close()

	redisClient := redisclient.New(cfg.Redis)
	if redisClient != nil {
		if err := redisclient.Ping(ctx, redisClient); err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer redisClient.Close()
	}

	obs, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		log.Fatalf("setup observability: %v", err)
	}
	if obs != nil {
		defer obs.Shutdown(ctx)
	}

	store := usage.NewPostgresStore(dbPool, cfg.LimitFunc(), cfg.Thresholds.Thresholds())

	var throttle *limits.AgentThrottle
	if redisClient != nil {
		throttle = limits.NewAgentThrottle(redisClient, limits.ThrottleConfig{
			AgentCooldown: cfg.RateLimits.AgentCooldown,
			MaxInFlight:   cfg.RateLimits.MaxInFlight,
		})
	}

	gov, err := governor.New(governor.Options{
		Store:             store,
		Limiter:           limits.NewWindowLimiter(cfg.RateLimits.MaxCallsPerWindow),
		Throttle:          throttle,
		Primary:           cfg.Providers.Primary.ProviderID(),
		Fallback:          cfg.Providers.Fallback.ProviderID(),
		UnlimitedOverride: cfg.Enforcement.UnlimitedOverride,
		Alerts:            buildAlerts(cfg.Alerting, logger),
		Metrics:           obs,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("build governor: %v", err)
	}

	dispatcher, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("build provider gateway: %v", err)
	}

	server, err := httpserver.New(httpserver.Deps{
		Config:        cfg,
		Governor:      gov,
		Dispatcher:    dispatcher,
		Store:         store,
		Reporter:      reporting.New(store, pricingTable(cfg)),
		Observability: obs,
		DBPool:        dbPool,
		Redis:         redisClient,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	if err := server.Listen(ctx); err != nil && err != context.Canceled {
		log.Fatalf("server stopped: %v", err)
	}
}

// buildGateway constructs one adapter per configured slot and wraps them in
// the retrying gateway.
func buildGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway.Gateway, error) {
	providers := make([]gateway.Provider, 0, 2)
	for _, slot := range []config.ProviderSlot{cfg.Providers.Primary, cfg.Providers.Fallback} {
		p, err := buildProvider(ctx, slot)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", slot.ProviderID(), err)
		}
		providers = append(providers, p)
	}
	return gateway.New(cfg.Server.ProviderTimeout, logger, providers...), nil
}

func buildProvider(ctx context.Context, slot config.ProviderSlot) (gateway.Provider, error) {
	switch slot.Kind {
	case config.KindAnthropic:
		return gateway.NewAnthropic(gateway.AnthropicOptions{
			ID:      slot.ProviderID(),
			APIKey:  slot.APIKey,
			BaseURL: slot.BaseURL,
			Model:   slot.Model,
		})
	case config.KindOpenAI:
		return gateway.NewOpenAI(gateway.OpenAIOptions{
			ID:           slot.ProviderID(),
			APIKey:       slot.APIKey,
			BaseURL:      slot.BaseURL,
			Organization: slot.Organization,
			Model:        slot.Model,
		})
	case config.KindBedrock:
		return gateway.NewBedrock(ctx, gateway.BedrockOptions{
			ID:              slot.ProviderID(),
			Region:          slot.Region,
			Profile:         slot.Profile,
			AccessKeyID:     slot.AccessKeyID,
			SecretAccessKey: slot.SecretAccessKey,
			SessionToken:    slot.SessionToken,
			ModelID:         slot.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider kind %q", slot.Kind)
	}
}

func buildAlerts(cfg config.AlertConfig, logger *slog.Logger) *alerts.Dispatcher {
	sinks := []alerts.Sink{alerts.NewLogSink(logger)}
	if cfg.SMTP.Host != "" {
		sinks = append(sinks, alerts.NewSMTPSink(alerts.SMTPOptions{
			Host:           cfg.SMTP.Host,
			Port:           cfg.SMTP.Port,
			Username:       cfg.SMTP.Username,
			Password:       cfg.SMTP.Password,
			From:           cfg.SMTP.From,
			UseTLS:         cfg.SMTP.UseTLS,
			SkipTLSVerify:  cfg.SMTP.SkipTLSVerify,
			ConnectTimeout: cfg.SMTP.ConnectTimeout,
		}, logger))
	}
	if len(cfg.Webhooks) > 0 {
		sinks = append(sinks, alerts.NewWebhookSink(alerts.WebhookOptions{
			Timeout:    cfg.Webhook.Timeout,
			MaxRetries: cfg.Webhook.MaxRetries,
		}, logger))
	}
	return alerts.NewDispatcher(alerts.NewCompositeSink(sinks...), alerts.DispatcherOptions{
		Enabled:  cfg.Enabled,
		Cooldown: cfg.Cooldown,
		Channels: alerts.Channels{Emails: cfg.Emails, Webhooks: cfg.Webhooks},
	})
}

func pricingTable(cfg *config.Config) map[usage.ProviderID]reporting.Pricing {
	table := make(map[usage.ProviderID]reporting.Pricing, 2)
	for _, slot := range []config.ProviderSlot{cfg.Providers.Primary, cfg.Providers.Fallback} {
		table[slot.ProviderID()] = reporting.PricingFromFloats(
			slot.PriceInputPer1K, slot.PriceOutputPer1K, slot.Currency)
	}
	return table
}
