package governor

import (
	"sync"

	"github.com/google/uuid"

	"github.com/agentops/governor/internal/policy"
	"github.com/agentops/governor/internal/usage"
)

type leaseState int

const (
	leasePending leaseState = iota
	leaseCommitted
	leaseAborted
)

// Lease is permission to make exactly one provider call. It must be settled
// with either Commit (actual token counts) or Abort (no counters touched);
// settling it twice is a programming error.
type Lease struct {
	ID       uuid.UUID
	Agent    usage.AgentID
	Provider usage.ProviderID
	Decision policy.Decision

	// EstimatedTokens is the pre-call reservation charged against the
	// month until the lease settles.
	EstimatedTokens int64

	key usage.Key

	mu    sync.Mutex
	state leaseState
}

// transition moves the lease out of pending, reporting the terminal state
// it was already in if the caller lost the race.
func (l *Lease) transition(to leaseState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case leaseCommitted:
		return ErrLeaseCommitted
	case leaseAborted:
		return ErrLeaseAborted
	}
	l.state = to
	return nil
}
