package policy

import (
	"math"

	"github.com/agentops/governor/internal/usage"
)

// Slot identifies which configured provider a decision selected.
type Slot string

const (
	SlotNone     Slot = "none"
	SlotPrimary  Slot = "primary"
	SlotFallback Slot = "fallback"
)

// Decision reasons, suitable for logging and alerting.
const (
	ReasonNormal                = "normal"
	ReasonPrimaryNearLimit      = "primary_near_limit"
	ReasonEmergencyExhausted    = "emergency_exhausted"
	ReasonAllProvidersExhausted = "all_providers_exhausted"
	ReasonUnlimitedOverride     = "unlimited_override"
)

// Decision is the outcome of arbitrating one prospective call.
type Decision struct {
	Slot     Slot
	Provider usage.ProviderID
	Reason   string
}

// Allowed reports whether a provider was granted.
func (d Decision) Allowed() bool { return d.Slot != SlotNone }

// Engine maps current usage to a provider selection. It holds only
// configuration; Decide performs no I/O and identical inputs always produce
// identical decisions.
type Engine struct {
	thresholds usage.Thresholds
}

func NewEngine(thresholds usage.Thresholds) *Engine {
	return &Engine{thresholds: thresholds}
}

// Decide selects a provider for a call with the given estimated token cost.
//
// The fallback provider is reserved capacity, not a load-balancing target:
// primary keeps serving past the warning and critical thresholds, and only
// the fallback trigger (or suspension, or a projected breach of the
// emergency ceiling) shifts traffic over.
func (e *Engine) Decide(primary, fallback usage.Record, estimatedTokens int64) Decision {
	t := e.thresholds
	primaryProj := projectedPercent(primary, estimatedTokens)
	fallbackProj := projectedPercent(fallback, estimatedTokens)

	// The emergency ceiling is exclusive: a call that lands exactly on the
	// limit is still admitted, and the resulting suspension blocks the next
	// one. This keeps budget consumption exact instead of stranding the
	// final call's worth of tokens.
	if primaryProj > t.EmergencyPct && fallbackProj > t.EmergencyPct {
		return Decision{Slot: SlotNone, Reason: ReasonEmergencyExhausted}
	}

	primaryDrained := primary.UsagePercent() >= t.FallbackTriggerPct ||
		primary.Status == usage.StatusSuspended ||
		primaryProj > t.EmergencyPct
	if primaryDrained {
		if fallbackProj <= t.EmergencyPct {
			return Decision{Slot: SlotFallback, Provider: fallback.Key.Provider, Reason: ReasonPrimaryNearLimit}
		}
		return Decision{Slot: SlotNone, Reason: ReasonAllProvidersExhausted}
	}

	return Decision{Slot: SlotPrimary, Provider: primary.Key.Provider, Reason: ReasonNormal}
}

// projectedPercent is the usage percentage after charging the estimate. A
// record with no configured limit projects as already past any ceiling.
func projectedPercent(rec usage.Record, estimatedTokens int64) float64 {
	if rec.MonthlyLimit <= 0 {
		return math.Inf(1)
	}
	return float64(rec.TotalTokens+estimatedTokens) / float64(rec.MonthlyLimit) * 100
}
