package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentops/governor/internal/monthkey"
	"github.com/agentops/governor/internal/usage"
)

type Level string

const (
	LevelNone      Level = "none"
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelSuspended Level = "suspended"
)

// LevelFor maps a record status to the alert tier it should page at.
func LevelFor(status usage.Status) Level {
	switch status {
	case usage.StatusWarning:
		return LevelWarning
	case usage.StatusCritical:
		return LevelCritical
	case usage.StatusSuspended:
		return LevelSuspended
	default:
		return LevelNone
	}
}

func severity(level Level) int {
	switch level {
	case LevelSuspended:
		return 3
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

// Channels lists the delivery targets for one alert.
type Channels struct {
	Emails   []string
	Webhooks []string
}

// Payload carries everything a sink needs to render a budget alert.
type Payload struct {
	Agent           usage.AgentID
	Provider        usage.ProviderID
	Month           monthkey.Key
	Level           Level
	UsagePercent    float64
	TotalTokens     int64
	MonthlyLimit    int64
	RemainingTokens int64
	Channels        Channels
	Timestamp       time.Time
}

// Sink delivers alert payloads to one channel type.
type Sink interface {
	Notify(ctx context.Context, payload Payload) error
}

// LogSink writes alerts to the structured log; it backstops the composite
// sink so threshold crossings are never silent.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, payload Payload) error {
	if s == nil || s.logger == nil {
		return nil
	}
	s.logger.WarnContext(ctx, "budget alert",
		slog.String("agent", string(payload.Agent)),
		slog.String("provider", string(payload.Provider)),
		slog.String("month", payload.Month.String()),
		slog.String("level", string(payload.Level)),
		slog.Float64("usage_percentage", payload.UsagePercent),
		slog.Int64("total_tokens", payload.TotalTokens),
		slog.Int64("monthly_limit", payload.MonthlyLimit),
		slog.Int64("remaining_tokens", payload.RemainingTokens),
		slog.Time("timestamp", payload.Timestamp.UTC()),
	)
	return nil
}
