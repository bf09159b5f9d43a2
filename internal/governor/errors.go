package governor

import (
	"errors"
	"fmt"
	"time"
)

// Rejection reasons carried by RejectedError. They extend the policy
// decision reasons with the pacing-layer refusals.
const (
	ReasonRateLimited       = "rate_limited"
	ReasonAgentCooldown     = "agent_cooldown"
	ReasonStorageFailure    = "storage_failure"
	ReasonEmergencyExhaust  = "emergency_exhausted"
	ReasonAllExhausted      = "all_providers_exhausted"
	ReasonInvalidEstimate   = "invalid_estimate"
	ReasonUnknownAgent      = "unknown_agent"
	ReasonProviderUnhealthy = "provider_unhealthy"
)

// RejectedError is the structured refusal returned by Acquire. RetryAfter
// is non-zero only for short-window refusals that will clear on their own.
type RejectedError struct {
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *RejectedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("acquire rejected: %s (retry after %s)", e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("acquire rejected: %s", e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Retryable reports whether waiting RetryAfter and calling again can
// succeed without operator intervention.
func (e *RejectedError) Retryable() bool {
	return e.Reason == ReasonRateLimited || e.Reason == ReasonAgentCooldown
}

// AsRejected extracts the structured rejection when present.
func AsRejected(err error) (*RejectedError, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Lease lifecycle errors.
var (
	ErrLeaseCommitted = errors.New("lease already committed")
	ErrLeaseAborted   = errors.New("lease already aborted")
	ErrNilLease       = errors.New("nil lease")
)
