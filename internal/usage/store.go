package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentops/governor/internal/monthkey"
)

// ErrNotFound is returned by operations that require an existing row.
var ErrNotFound = errors.New("usage record not found")

// StorageError wraps persistence failures. The governor treats any storage
// error as a reason to fail closed rather than assume unlimited budget.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("usage storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err originated in the persistence layer.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// LimitFunc resolves the monthly token ceiling for a key. Rows are created
// lazily, so the resolver supplies the limit stamped onto fresh rows.
type LimitFunc func(AgentID, ProviderID) int64

// Store is the single source of truth for monthly token counters.
//
// Increment must be atomic with respect to concurrent callers on the same
// key: two racing increments never lose an update. Reads may be served
// without coordination.
type Store interface {
	// Get returns the current record, or a zero-valued one if the key has
	// no committed usage this month.
	Get(ctx context.Context, key Key) (Record, error)

	// Increment atomically adds the token counts, bumps the request count,
	// recomputes the status from the configured thresholds, and returns the
	// post-update record. The row is created on first use.
	Increment(ctx context.Context, key Key, tokensIn, tokensOut int64) (Record, error)

	// ResetMonth zeroes an existing record and returns its status to
	// active. Administrative use only; rollover never calls this.
	ResetMonth(ctx context.Context, key Key) error

	// ListMonth returns every record for the month, for monitoring and
	// reporting. Eventually consistent reads are acceptable.
	ListMonth(ctx context.Context, month monthkey.Key) ([]Record, error)

	// History returns up to months of retained records for one
	// (agent, provider) pair, newest first.
	History(ctx context.Context, agent AgentID, provider ProviderID, months int) ([]Record, error)
}
