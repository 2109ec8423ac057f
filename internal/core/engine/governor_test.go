package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/core/counter"
	"github.com/shopvet/shopvet/internal/core/egress"
	"github.com/shopvet/shopvet/internal/core/queue"
	"github.com/shopvet/shopvet/internal/core/quota"
	"github.com/shopvet/shopvet/internal/core/retry"
)

func tightPolicy() quota.Policy {
	return quota.Policy{PerMinute: 2, PerHour: 100, PerDay: 1000, Burst: 10, Cooldown: time.Second}
}

func newTestGovernor(t *testing.T, opts Options) *Governor {
	t.Helper()
	if opts.Counters == nil {
		opts.Counters = counter.NewMemoryStore()
	}
	if opts.Policies == nil {
		opts.Policies = map[string]quota.Policy{"amazon": tightPolicy()}
	}
	if opts.RetryPolicies == nil {
		opts.RetryPolicies = map[string]retry.Policy{
			"amazon": {MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2},
		}
	}
	if opts.Queue.TickInterval == 0 {
		opts.Queue.TickInterval = 5 * time.Millisecond
	}
	g, err := New(opts)
	require.NoError(t, err)
	g.Retry.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return g
}

func runGovernor(t *testing.T, g *Governor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("governor did not stop")
		}
	})
	return cancel
}

func TestNewRequiresCounterStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNewRejectsInvalidRetryPolicy(t *testing.T) {
	_, err := New(Options{
		Counters:      counter.NewMemoryStore(),
		RetryPolicies: map[string]retry.Policy{"ebay": {BackoffMultiplier: 0.5}},
	})
	require.Error(t, err)
}

func TestSafetyMarginScalesLimits(t *testing.T) {
	g := newTestGovernor(t, Options{
		Policies:     map[string]quota.Policy{"walmart": {PerMinute: 10, PerHour: 100, PerDay: 1000, Burst: 4}},
		SafetyMargin: 0.5,
	})
	policy, ok := g.Quota.Policy("walmart")
	require.True(t, ok)
	assert.Equal(t, 5, policy.PerMinute)
	assert.Equal(t, 2, policy.Burst)
}

func TestRetryPolicyFallsBackToPreset(t *testing.T) {
	g := newTestGovernor(t, Options{})
	assert.Equal(t, 2, g.RetryPolicy("Amazon").MaxRetries)
	assert.Equal(t, retry.PolicyFor("ebay"), g.RetryPolicy("ebay"))
}

func TestExecuteNowDeniesPastQuota(t *testing.T) {
	g := newTestGovernor(t, Options{})
	ctx := context.Background()
	op := func(context.Context, *egress.Identity) (any, error) { return "ok", nil }

	for i := 0; i < 2; i++ {
		result, decision, err := g.ExecuteNow(ctx, "amazon", op)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, "ok", result.Value)
	}

	_, decision, err := g.ExecuteNow(ctx, "amazon", op)
	require.ErrorIs(t, err, ErrAdmissionDenied)
	assert.False(t, decision.Allowed)
	assert.Positive(t, decision.RetryAfter)
}

func TestSubmitRunsThroughQueue(t *testing.T) {
	g := newTestGovernor(t, Options{})
	runGovernor(t, g)

	var calls atomic.Int32
	op := func(context.Context, *egress.Identity) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return "listing", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := g.Submit(ctx, "amazon", queue.PriorityHigh, op, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, "listing", result.Value)
}

func TestSubmitFailureCoolsDownPlatform(t *testing.T) {
	g := newTestGovernor(t, Options{})
	runGovernor(t, g)

	op := func(context.Context, *egress.Identity) (any, error) {
		return nil, errors.New("request blocked by upstream")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := g.Submit(ctx, "amazon", queue.PriorityNormal, op, time.Second)
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, core.ErrorClassBlocked, retry.Classify(err))

	decision := g.Quota.CheckAdmission(ctx, "amazon")
	assert.False(t, decision.Allowed)
}

func TestFetchThroughGovernance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>offer</html>"))
	}))
	defer server.Close()

	g := newTestGovernor(t, Options{})
	g.Fetcher.Direct = server.Client()
	runGovernor(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	page, result, err := g.Fetch(ctx, "amazon", server.URL+"/dp/1", queue.PriorityNormal, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "<html>offer</html>", string(page.Body))
}

func TestSubmitUnknownPlatformIsRejected(t *testing.T) {
	g := newTestGovernor(t, Options{})
	runGovernor(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	op := func(context.Context, *egress.Identity) (any, error) { return nil, nil }
	_, err := g.Submit(ctx, "etsy", queue.PriorityLow, op, time.Second)
	require.ErrorIs(t, err, quota.ErrUnknownPlatform)
}
