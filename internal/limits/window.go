package limits

import (
	"errors"
	"sync"
	"time"

	"github.com/agentops/governor/internal/usage"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

const windowSpan = time.Minute

// WindowLimiter bounds call frequency per provider over a sliding 60-second
// window, independent of the monthly token ledger. State is in-memory only
// and ages out as entries expire.
//
// Each provider has its own lock so limiter contention on one provider never
// stalls calls to another.
type WindowLimiter struct {
	mu        sync.Mutex
	providers map[usage.ProviderID]*providerWindow
	maxCalls  int
	now       func() time.Time
}

type providerWindow struct {
	mu    sync.Mutex
	calls []time.Time
}

func NewWindowLimiter(maxCallsPerWindow int) *WindowLimiter {
	return &WindowLimiter{
		providers: make(map[usage.ProviderID]*providerWindow),
		maxCalls:  maxCallsPerWindow,
		now:       time.Now,
	}
}

func (l *WindowLimiter) window(provider usage.ProviderID) *providerWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.providers[provider]
	if !ok {
		w = &providerWindow{}
		l.providers[provider] = w
	}
	return w
}

// TryAcquire checks capacity and, when available, records the call in the
// same critical section so two callers can never both observe the last free
// slot. On refusal retryAfter is the wait until the oldest call in the
// window expires.
func (l *WindowLimiter) TryAcquire(provider usage.ProviderID) (bool, time.Duration) {
	if l.maxCalls <= 0 {
		return true, 0
	}

	w := l.window(provider)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	w.evict(now)

	if len(w.calls) >= l.maxCalls {
		retryAfter := w.calls[0].Add(windowSpan).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	w.calls = append(w.calls, now)
	return true, 0
}

// InWindow reports how many calls currently count against the limit.
func (l *WindowLimiter) InWindow(provider usage.ProviderID) int {
	w := l.window(provider)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(l.now())
	return len(w.calls)
}

func (w *providerWindow) evict(now time.Time) {
	cutoff := now.Add(-windowSpan)
	idx := 0
	for idx < len(w.calls) && !w.calls[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.calls = append(w.calls[:0], w.calls[idx:]...)
	}
}
