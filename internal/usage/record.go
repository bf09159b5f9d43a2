package usage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentops/governor/internal/monthkey"
)

// AgentID names an autonomous caller with its own monthly budget.
type AgentID string

// ProviderID names an external LLM API slot.
type ProviderID string

var ErrInvalidKey = errors.New("invalid usage key")

// Key addresses one usage row: (agent, provider, calendar month).
type Key struct {
	Agent    AgentID
	Provider ProviderID
	Month    monthkey.Key
}

// NewKey validates the composite key at construction time.
func NewKey(agent AgentID, provider ProviderID, month monthkey.Key) (Key, error) {
	if strings.TrimSpace(string(agent)) == "" {
		return Key{}, fmt.Errorf("%w: empty agent id", ErrInvalidKey)
	}
	if strings.TrimSpace(string(provider)) == "" {
		return Key{}, fmt.Errorf("%w: empty provider id", ErrInvalidKey)
	}
	if month.IsZero() {
		return Key{}, fmt.Errorf("%w: zero month", ErrInvalidKey)
	}
	return Key{Agent: agent, Provider: provider, Month: month}, nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Agent, k.Provider, k.Month)
}

// Status tracks how close a record is to its monthly ceiling. Transitions are
// monotonic within a month; only ResetMonth or a rollover returns a record to
// StatusActive.
type Status string

const (
	StatusActive    Status = "active"
	StatusWarning   Status = "warning"
	StatusCritical  Status = "critical"
	StatusSuspended Status = "suspended"
)

func (s Status) rank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	case StatusSuspended:
		return 3
	default:
		return 0
	}
}

// Atleast keeps the higher of the two statuses, enforcing monotonicity.
func (s Status) Atleast(other Status) Status {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// Thresholds configure the status ladder and the failover trigger, expressed
// as percentages of the monthly limit.
type Thresholds struct {
	WarningPct         float64
	CriticalPct        float64
	EmergencyPct       float64
	FallbackTriggerPct float64
}

// DefaultThresholds mirror the production defaults: warn at 80%, page at 95%,
// hard-stop at 100%, shift to the fallback provider at 95%.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningPct:         80,
		CriticalPct:        95,
		EmergencyPct:       100,
		FallbackTriggerPct: 95,
	}
}

// StatusFor derives the status for a usage percentage. Suspension kicks in at
// 100% of the monthly limit regardless of the emergency threshold, which only
// governs admission decisions.
func (t Thresholds) StatusFor(pct float64) Status {
	switch {
	case pct >= 100:
		return StatusSuspended
	case pct >= t.CriticalPct:
		return StatusCritical
	case pct >= t.WarningPct:
		return StatusWarning
	default:
		return StatusActive
	}
}

// Record is the durable counter row for one (agent, provider, month) tuple.
// TokensIn + TokensOut always equals TotalTokens, and TotalTokens never
// decreases except through ResetMonth.
type Record struct {
	Key           Key
	TokensIn      int64
	TokensOut     int64
	TotalTokens   int64
	RequestCount  int64
	MonthlyLimit  int64
	Status        Status
	LastRequestAt time.Time
}

// UsagePercent is derived on read, never stored. A zero or negative limit
// reads as fully consumed.
func (r Record) UsagePercent() float64 {
	if r.MonthlyLimit <= 0 {
		return 100
	}
	return float64(r.TotalTokens) / float64(r.MonthlyLimit) * 100
}

// Remaining reports the unspent budget, floored at zero.
func (r Record) Remaining() int64 {
	left := r.MonthlyLimit - r.TotalTokens
	if left < 0 {
		return 0
	}
	return left
}

// zeroRecord is what Get returns for a key with no committed usage yet.
func zeroRecord(key Key, limit int64) Record {
	return Record{Key: key, MonthlyLimit: limit, Status: StatusActive}
}
