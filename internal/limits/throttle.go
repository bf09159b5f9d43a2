package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentops/governor/internal/usage"
)

// ThrottleConfig bounds agent pacing beyond the per-provider window: a
// cooldown between consecutive calls from the same agent, and a global cap
// on in-flight provider calls across the fleet.
type ThrottleConfig struct {
	AgentCooldown time.Duration
	MaxInFlight   int
}

// AgentThrottle coordinates pacing across governor replicas through Redis.
// A nil throttle (or one without a client) allows everything, so single-node
// deployments can run without Redis.
type AgentThrottle struct {
	client *redis.Client
	cfg    ThrottleConfig
}

func NewAgentThrottle(client *redis.Client, cfg ThrottleConfig) *AgentThrottle {
	return &AgentThrottle{client: client, cfg: cfg}
}

// Admit enforces the agent cooldown and acquires an in-flight slot. On
// refusal it reports how long the caller should wait. Callers that were
// admitted must Release exactly once.
func (t *AgentThrottle) Admit(ctx context.Context, agent usage.AgentID) (time.Duration, error) {
	if t == nil || t.client == nil {
		return 0, nil
	}

	if t.cfg.AgentCooldown > 0 {
		key := fmt.Sprintf("governor:cooldown:%s", agent)
		ok, err := t.client.SetNX(ctx, key, time.Now().UTC().Unix(), t.cfg.AgentCooldown).Result()
		if err != nil {
			return 0, fmt.Errorf("throttle cooldown: %w", err)
		}
		if !ok {
			ttl, err := t.client.TTL(ctx, key).Result()
			if err != nil || ttl < 0 {
				ttl = t.cfg.AgentCooldown
			}
			return ttl, ErrLimitExceeded
		}
	}

	if t.cfg.MaxInFlight > 0 {
		cnt, err := t.client.Incr(ctx, inflightKey).Result()
		if err != nil {
			return 0, fmt.Errorf("throttle inflight: %w", err)
		}
		if cnt == 1 {
			// Safety TTL so a crashed replica cannot wedge the semaphore.
			t.client.Expire(ctx, inflightKey, 5*time.Minute)
		}
		if int(cnt) > t.cfg.MaxInFlight {
			t.client.Decr(ctx, inflightKey)
			return t.cfg.AgentCooldown, ErrLimitExceeded
		}
	}

	return 0, nil
}

// Release returns an in-flight slot after Commit or Abort.
func (t *AgentThrottle) Release(ctx context.Context) {
	if t == nil || t.client == nil || t.cfg.MaxInFlight <= 0 {
		return
	}
	t.client.Decr(ctx, inflightKey)
}

const inflightKey = "governor:inflight"
