package limits

import (
	"sync"
	"testing"
	"time"
)

func TestWindowLimiterRefusesSixthCall(t *testing.T) {
	// Five calls per minute: six calls inside one second must refuse the
	// sixth with a positive retryAfter.
	limiter := NewWindowLimiter(5)
	base := time.Now()
	limiter.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		ok, _ := limiter.TryAcquire("anthropic")
		if !ok {
			t.Fatalf("call %d should pass", i+1)
		}
	}

	limiter.now = func() time.Time { return base.Add(time.Second) }
	ok, retryAfter := limiter.TryAcquire("anthropic")
	if ok {
		t.Fatal("sixth call should be refused")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retryAfter, got %v", retryAfter)
	}
	if want := 59 * time.Second; retryAfter != want {
		t.Fatalf("retryAfter %v, want %v (oldest call expiry)", retryAfter, want)
	}
}

func TestWindowLimiterEntriesAgeOut(t *testing.T) {
	limiter := NewWindowLimiter(2)
	base := time.Now()
	limiter.now = func() time.Time { return base }

	limiter.TryAcquire("anthropic")
	limiter.TryAcquire("anthropic")
	if ok, _ := limiter.TryAcquire("anthropic"); ok {
		t.Fatal("third call should be refused")
	}

	limiter.now = func() time.Time { return base.Add(61 * time.Second) }
	if ok, _ := limiter.TryAcquire("anthropic"); !ok {
		t.Fatal("window should be clear after 61s")
	}
	if got := limiter.InWindow("anthropic"); got != 1 {
		t.Fatalf("expected 1 call in window, got %d", got)
	}
}

func TestWindowLimiterProvidersAreIndependent(t *testing.T) {
	limiter := NewWindowLimiter(1)
	if ok, _ := limiter.TryAcquire("anthropic"); !ok {
		t.Fatal("anthropic should have capacity")
	}
	if ok, _ := limiter.TryAcquire("anthropic"); ok {
		t.Fatal("anthropic should be saturated")
	}
	if ok, _ := limiter.TryAcquire("openai"); !ok {
		t.Fatal("saturating anthropic must not affect openai")
	}
}

func TestWindowLimiterNoOverAdmissionUnderRace(t *testing.T) {
	limiter := NewWindowLimiter(10)
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.TryAcquire("anthropic"); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Fatalf("admitted %d calls, want exactly 10", admitted)
	}
}

func TestWindowLimiterZeroLimitDisablesThrottle(t *testing.T) {
	limiter := NewWindowLimiter(0)
	for i := 0; i < 50; i++ {
		if ok, _ := limiter.TryAcquire("anthropic"); !ok {
			t.Fatal("unlimited window should always admit")
		}
	}
}
