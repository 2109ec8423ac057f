package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/core/counter"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(t *testing.T, policy Policy) (*Tracker, *fixedClock) {
	t.Helper()

	clock := &fixedClock{now: time.Date(2025, 1, 1, 12, 0, 5, 0, time.UTC)}
	store := counter.NewMemoryStore()
	store.Clock = clock.Now

	tracker, err := NewTracker(store, map[string]Policy{"amazon": policy})
	require.NoError(t, err)
	tracker.Clock = clock.Now
	return tracker, clock
}

func roomyPolicy() Policy {
	return Policy{PerMinute: 100, PerHour: 1000, PerDay: 10000, Burst: 100, Cooldown: time.Minute}
}

func TestAdmitDeniesAfterMinuteLimit(t *testing.T) {
	ctx := context.Background()
	policy := roomyPolicy()
	policy.PerMinute = 3
	tracker, _ := newTestTracker(t, policy)

	for i := 0; i < 3; i++ {
		decision := tracker.Admit(ctx, "amazon")
		require.True(t, decision.Allowed, "request %d should be admitted", i+1)
	}

	decision := tracker.Admit(ctx, "amazon")
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonMinute, decision.Reason)
	require.Equal(t, 55*time.Second, decision.RetryAfter)
}

func TestCheckAdmissionDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	policy := roomyPolicy()
	policy.PerMinute = 1
	tracker, _ := newTestTracker(t, policy)

	for i := 0; i < 5; i++ {
		require.True(t, tracker.CheckAdmission(ctx, "amazon").Allowed)
	}
	require.True(t, tracker.Admit(ctx, "amazon").Allowed)
	require.False(t, tracker.CheckAdmission(ctx, "amazon").Allowed)
}

func TestDenialReasonPriority(t *testing.T) {
	ctx := context.Background()
	policy := roomyPolicy()
	policy.PerMinute = 2
	policy.Burst = 1
	tracker, _ := newTestTracker(t, policy)

	require.True(t, tracker.Admit(ctx, "amazon").Allowed)

	decision := tracker.Admit(ctx, "amazon")
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonBurst, decision.Reason)

	require.False(t, tracker.Admit(ctx, "AMAZON ").Allowed)
	_, err := tracker.IncrementCounters(ctx, "amazon")
	require.NoError(t, err)

	decision = tracker.CheckAdmission(ctx, "amazon")
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonMinute, decision.Reason)
	// burst resets first, so retry-after follows the earliest failing reset.
	require.Equal(t, 5*time.Second, decision.RetryAfter)
}

func TestBlockedFailureDoublesCooldown(t *testing.T) {
	ctx := context.Background()
	tracker, clock := newTestTracker(t, roomyPolicy())

	require.NoError(t, tracker.ReportFailure(ctx, "amazon", core.ErrorClassBlocked))

	decision := tracker.CheckAdmission(ctx, "amazon")
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonCooldown, decision.Reason)
	require.Equal(t, 2*time.Minute, decision.RetryAfter)

	clock.Advance(2*time.Minute - time.Second)
	require.False(t, tracker.CheckAdmission(ctx, "amazon").Allowed)

	clock.Advance(time.Second)
	require.True(t, tracker.CheckAdmission(ctx, "amazon").Allowed)
}

func TestTimeoutFailureUsesBaseCooldown(t *testing.T) {
	ctx := context.Background()
	tracker, clock := newTestTracker(t, roomyPolicy())

	require.NoError(t, tracker.ReportFailure(ctx, "amazon", core.ErrorClassTimeout))
	require.Equal(t, time.Minute, tracker.CheckAdmission(ctx, "amazon").RetryAfter)

	clock.Advance(time.Minute)
	require.True(t, tracker.CheckAdmission(ctx, "amazon").Allowed)
}

func TestAdaptiveShrinkIsFloorBounded(t *testing.T) {
	ctx := context.Background()
	policy := roomyPolicy()
	policy.PerMinute = 20
	policy.AdaptiveScaling = true
	tracker, _ := newTestTracker(t, policy)

	require.NoError(t, tracker.ReportFailure(ctx, "amazon", core.ErrorClassTimeout))
	current, ok := tracker.Policy("amazon")
	require.True(t, ok)
	require.Equal(t, 16, current.PerMinute)

	for i := 0; i < 50; i++ {
		require.NoError(t, tracker.ReportFailure(ctx, "amazon", core.ErrorClassTimeout))
	}
	current, _ = tracker.Policy("amazon")
	require.Equal(t, 5, current.PerMinute)
	require.Equal(t, 25, current.Burst)
}

func TestAdaptiveGrowthIsCeilingBounded(t *testing.T) {
	ctx := context.Background()
	policy := roomyPolicy()
	policy.PerMinute = 20
	policy.AdaptiveScaling = true
	tracker, _ := newTestTracker(t, policy)

	require.NoError(t, tracker.ReportFailure(ctx, "amazon", core.ErrorClassTimeout))
	for i := 0; i < 100; i++ {
		require.NoError(t, tracker.ReportSuccess(ctx, "amazon", 200*time.Millisecond))
	}

	current, _ := tracker.Policy("amazon")
	require.Equal(t, 20, current.PerMinute)
}

func TestTickFollowsSystemHealth(t *testing.T) {
	policy := roomyPolicy()
	policy.PerMinute = 20
	policy.AdaptiveScaling = true
	tracker, _ := newTestTracker(t, policy)

	tracker.Tick(HealthSignal{Poor: true})
	current, _ := tracker.Policy("amazon")
	require.Equal(t, 16, current.PerMinute)

	tracker.Tick(HealthSignal{SuccessRate: 90})
	current, _ = tracker.Policy("amazon")
	require.Equal(t, 16, current.PerMinute)

	tracker.Tick(HealthSignal{SuccessRate: 99})
	current, _ = tracker.Policy("amazon")
	require.Equal(t, 17, current.PerMinute)
}

func TestNonAdaptivePolicyIsUntouched(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTestTracker(t, roomyPolicy())

	require.NoError(t, tracker.ReportFailure(ctx, "amazon", core.ErrorClassBlocked))
	tracker.Tick(HealthSignal{Poor: true})

	current, _ := tracker.Policy("amazon")
	require.Equal(t, roomyPolicy(), current)
}

func TestUnknownPlatformIsDenied(t *testing.T) {
	tracker, _ := newTestTracker(t, roomyPolicy())

	decision := tracker.Admit(context.Background(), "target")
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonUnknownPlatform, decision.Reason)

	err := tracker.ReportFailure(context.Background(), "target", core.ErrorClassBlocked)
	require.ErrorIs(t, err, ErrUnknownPlatform)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (int64, bool, error) {
	return 0, false, errors.New("connection refused")
}
func (brokenStore) Set(context.Context, string, int64, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestStoreFailureDeniesConservatively(t *testing.T) {
	tracker, err := NewTracker(brokenStore{}, map[string]Policy{"amazon": roomyPolicy()})
	require.NoError(t, err)

	decision := tracker.Admit(context.Background(), "amazon")
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonStoreUnavailable, decision.Reason)
	require.Positive(t, decision.RetryAfter)
}

func TestConcurrentAdmitNeverOvershoots(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 1, 1, 12, 0, 5, 0, time.UTC)}
	store := counter.NewMemoryStore()
	store.Clock = clock.Now

	policy := roomyPolicy()
	policy.PerMinute = 5

	// Two trackers model two processes sharing one counter store.
	first, err := NewTracker(store, map[string]Policy{"amazon": policy})
	require.NoError(t, err)
	first.Clock = clock.Now
	second, err := NewTracker(store, map[string]Policy{"amazon": policy})
	require.NoError(t, err)
	second.Clock = clock.Now

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 40; i++ {
		tracker := first
		if i%2 == 1 {
			tracker = second
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tracker.Admit(ctx, "amazon").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 5, allowed)
}

// racingStore lets a rival process take a unit between the admission check
// and the increment.
type racingStore struct {
	*counter.MemoryStore
	once  sync.Once
	rival func()
}

func (s *racingStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.once.Do(s.rival)
	return s.MemoryStore.Increment(ctx, key, ttl)
}

func TestAdmitLoserReleasesUnits(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 1, 1, 12, 0, 5, 0, time.UTC)}
	memory := counter.NewMemoryStore()
	memory.Clock = clock.Now
	store := &racingStore{MemoryStore: memory}
	store.rival = func() {
		_, err := memory.Increment(ctx, windowKey("amazon", WindowMinute, clock.Now()), time.Minute)
		require.NoError(t, err)
	}

	policy := roomyPolicy()
	policy.PerMinute = 1
	tracker, err := NewTracker(store, map[string]Policy{"amazon": policy})
	require.NoError(t, err)
	tracker.Clock = clock.Now

	decision := tracker.Admit(ctx, "amazon")
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonMinute, decision.Reason)

	for _, w := range Windows {
		value, _, err := memory.Get(ctx, windowKey("amazon", w, clock.Now()))
		require.NoError(t, err)
		want := int64(0)
		if w == WindowMinute {
			want = 1
		}
		require.Equal(t, want, value, "window %s", w)
	}
}

func TestStatusReportsWindows(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTestTracker(t, roomyPolicy())

	require.True(t, tracker.Admit(ctx, "amazon").Allowed)
	status, err := tracker.Status(ctx, "amazon")
	require.NoError(t, err)
	require.Len(t, status.Windows, 4)
	require.Equal(t, int64(1), status.Windows[0].Used)
	require.Nil(t, status.CooldownUntil)
	require.True(t, status.Decision.Allowed)
}

func TestPolicyValidation(t *testing.T) {
	tracker, _ := newTestTracker(t, roomyPolicy())

	err := tracker.UpdatePolicy("amazon", Policy{PerMinute: 0, PerHour: 1, PerDay: 1, Burst: 1})
	require.Error(t, err)

	require.NoError(t, tracker.UpdatePolicy("target", roomyPolicy()))
	require.Equal(t, []string{"amazon", "target"}, tracker.Platforms())
}

func TestWithMargin(t *testing.T) {
	policy := Policy{PerMinute: 10, PerHour: 100, PerDay: 1000, Burst: 1}.WithMargin(0.9)
	require.Equal(t, 9, policy.PerMinute)
	require.Equal(t, 90, policy.PerHour)
	require.Equal(t, 1, policy.Burst)
}
