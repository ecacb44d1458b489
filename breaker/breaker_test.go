package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	cb := New(Config{
		FailureThreshold: 3,
		RecoveryTimeout:  300 * time.Second,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop().Sugar())
	return cb.WithClock(clock.Now)
}

func TestStartsClosed(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	assert.Equal(t, StateClosed, cb.State("tiktok"))
	assert.True(t, cb.Allow("tiktok"))
}

func TestOpensAtThreshold(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	cb.RecordFailure("tiktok")
	cb.RecordFailure("tiktok")
	assert.Equal(t, StateClosed, cb.State("tiktok"), "below threshold stays closed")

	cb.RecordFailure("tiktok")
	assert.Equal(t, StateOpen, cb.State("tiktok"))
	assert.False(t, cb.Allow("tiktok"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	cb.RecordFailure("etsy")
	cb.RecordFailure("etsy")
	cb.RecordSuccess("etsy")
	cb.RecordFailure("etsy")
	cb.RecordFailure("etsy")

	assert.Equal(t, StateClosed, cb.State("etsy"),
		"threshold-1 failures, a success, then threshold-1 more must not open")
}

func TestHalfOpenAfterRecoveryTimeout(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure("pinterest")
	}
	assert.Equal(t, StateOpen, cb.State("pinterest"))

	clock.Advance(300 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State("pinterest"))

	// Exactly one probe allowed, further calls denied.
	assert.True(t, cb.Allow("pinterest"))
	assert.False(t, cb.Allow("pinterest"))
}

func TestFailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure("twitter")
	}
	clock.Advance(300 * time.Second)
	assert.True(t, cb.Allow("twitter"))

	cb.RecordFailure("twitter")
	assert.Equal(t, StateOpen, cb.State("twitter"))
	assert.False(t, cb.Allow("twitter"))
}

func TestSuccessfulProbeCloses(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure("instagram")
	}
	clock.Advance(300 * time.Second)
	assert.True(t, cb.Allow("instagram"))

	cb.RecordSuccess("instagram")
	assert.Equal(t, StateClosed, cb.State("instagram"))
	assert.True(t, cb.Allow("instagram"))

	// Failure count cleared: two more failures must not open.
	cb.RecordFailure("instagram")
	cb.RecordFailure("instagram")
	assert.Equal(t, StateClosed, cb.State("instagram"))
}

func TestPlatformsAreIndependent(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	for i := 0; i < 3; i++ {
		cb.RecordFailure("tiktok")
	}

	assert.Equal(t, StateOpen, cb.State("tiktok"))
	assert.Equal(t, StateClosed, cb.State("etsy"))
	assert.True(t, cb.Allow("etsy"))
}

func TestReset(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure("etsy")
	}
	assert.Equal(t, StateOpen, cb.State("etsy"))

	cb.Reset("etsy")
	assert.Equal(t, StateClosed, cb.State("etsy"))
	assert.True(t, cb.Allow("etsy"))
}

func TestSnapshot(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	for i := 0; i < 3; i++ {
		cb.RecordFailure("tiktok")
	}

	snap := cb.Snapshot([]string{"tiktok", "etsy"})
	assert.Equal(t, StateOpen, snap["tiktok"])
	assert.Equal(t, StateClosed, snap["etsy"])
}

func TestConcurrentAccess(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := []string{"tiktok", "etsy", "pinterest", "twitter"}[n%4]
			for j := 0; j < 100; j++ {
				cb.Allow(key)
				cb.RecordFailure(key)
				cb.RecordSuccess(key)
				cb.State(key)
			}
		}(i)
	}
	wg.Wait()

	// Interleaving makes the final state nondeterministic; it must still be
	// a coherent value and Reset must return the key to closed.
	for _, key := range []string{"tiktok", "etsy", "pinterest", "twitter"} {
		state := cb.State(key)
		assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, state)
		cb.Reset(key)
		assert.Equal(t, StateClosed, cb.State(key))
	}
}
