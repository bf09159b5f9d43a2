package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentops/governor/internal/monthkey"
)

// MemoryStore keeps counters in process memory. It backs the "memory"
// storage mode and the test suite; the mutex is held only for short
// read-modify-write sections, matching the single-UPDATE discipline of the
// Postgres store.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[Key]*Record
	limits     LimitFunc
	thresholds Thresholds
	now        func() time.Time
}

func NewMemoryStore(limits LimitFunc, thresholds Thresholds) *MemoryStore {
	return &MemoryStore{
		records:    make(map[Key]*Record),
		limits:     limits,
		thresholds: thresholds,
		now:        time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		return *rec, nil
	}
	return zeroRecord(key, s.limits(key.Agent, key.Provider)), nil
}

func (s *MemoryStore) Increment(_ context.Context, key Key, tokensIn, tokensOut int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		fresh := zeroRecord(key, s.limits(key.Agent, key.Provider))
		rec = &fresh
		s.records[key] = rec
	}

	rec.TokensIn += tokensIn
	rec.TokensOut += tokensOut
	rec.TotalTokens += tokensIn + tokensOut
	rec.RequestCount++
	rec.LastRequestAt = s.now().UTC()
	rec.Status = rec.Status.Atleast(s.thresholds.StatusFor(rec.UsagePercent()))

	return *rec, nil
}

func (s *MemoryStore) ResetMonth(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	rec.TokensIn = 0
	rec.TokensOut = 0
	rec.TotalTokens = 0
	rec.RequestCount = 0
	rec.Status = StatusActive
	rec.LastRequestAt = time.Time{}
	return nil
}

func (s *MemoryStore) ListMonth(_ context.Context, month monthkey.Key) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0)
	for key, rec := range s.records {
		if key.Month == month {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Agent != out[j].Key.Agent {
			return out[i].Key.Agent < out[j].Key.Agent
		}
		return out[i].Key.Provider < out[j].Key.Provider
	})
	return out, nil
}

func (s *MemoryStore) History(_ context.Context, agent AgentID, provider ProviderID, months int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0)
	for key, rec := range s.records {
		if key.Agent == agent && key.Provider == provider {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[j].Key.Month.Before(out[i].Key.Month)
	})
	if months > 0 && len(out) > months {
		out = out[:months]
	}
	return out, nil
}
