package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/agentops/governor/internal/usage"
)

// DispatcherOptions bound how often one (agent, provider) pair may page.
type DispatcherOptions struct {
	Enabled  bool
	Cooldown time.Duration
	Channels Channels
}

// Dispatcher turns usage records into tiered alerts with per-key cooldown:
// repeats of the same level inside the cooldown are suppressed, escalations
// always go out.
type Dispatcher struct {
	sink Sink
	opts DispatcherOptions

	mu   sync.Mutex
	sent map[usage.Key]sentState
}

type sentState struct {
	level Level
	at    time.Time
}

func NewDispatcher(sink Sink, opts DispatcherOptions) *Dispatcher {
	if sink == nil {
		sink = NewLogSink(nil)
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Hour
	}
	return &Dispatcher{
		sink: sink,
		opts: opts,
		sent: make(map[usage.Key]sentState),
	}
}

// Observe inspects a freshly updated record and dispatches an alert when its
// status sits at warning tier or above.
func (d *Dispatcher) Observe(ctx context.Context, rec usage.Record, ts time.Time) error {
	if d == nil || !d.opts.Enabled {
		return nil
	}
	level := LevelFor(rec.Status)
	if level == LevelNone {
		return nil
	}

	if !d.shouldSend(rec.Key, level, ts) {
		return nil
	}

	payload := Payload{
		Agent:           rec.Key.Agent,
		Provider:        rec.Key.Provider,
		Month:           rec.Key.Month,
		Level:           level,
		UsagePercent:    rec.UsagePercent(),
		TotalTokens:     rec.TotalTokens,
		MonthlyLimit:    rec.MonthlyLimit,
		RemainingTokens: rec.Remaining(),
		Channels:        d.opts.Channels,
		Timestamp:       ts,
	}
	if err := d.sink.Notify(ctx, payload); err != nil {
		// A failed delivery does not consume the cooldown slot.
		d.forget(rec.Key)
		return err
	}
	return nil
}

func (d *Dispatcher) shouldSend(key usage.Key, level Level, ts time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.sent[key]
	if ok && ts.Sub(state.at) < d.opts.Cooldown && severity(level) <= severity(state.level) {
		return false
	}
	d.sent[key] = sentState{level: level, at: ts}
	return true
}

func (d *Dispatcher) forget(key usage.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sent, key)
}
