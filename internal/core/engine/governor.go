package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/core/counter"
	"github.com/shopvet/shopvet/internal/core/egress"
	"github.com/shopvet/shopvet/internal/core/fetch"
	"github.com/shopvet/shopvet/internal/core/monitor"
	"github.com/shopvet/shopvet/internal/core/queue"
	"github.com/shopvet/shopvet/internal/core/quota"
	"github.com/shopvet/shopvet/internal/core/retry"
	"github.com/shopvet/shopvet/internal/metrics"
	"github.com/shopvet/shopvet/internal/observability"
)

// ErrAdmissionDenied is returned by ExecuteNow when quota refuses the attempt.
var ErrAdmissionDenied = errors.New("admission denied")

// Options wires a Governor. Counters is required; everything else has
// defaults.
type Options struct {
	Counters      counter.Store
	Logs          monitor.LogStore
	Policies      map[string]quota.Policy
	RetryPolicies map[string]retry.Policy
	Identities    []egress.Identity
	Egress        egress.Config
	Queue         queue.Config
	Monitor       monitor.Config
	Fetcher       *fetch.Fetcher

	// AdaptiveInterval drives the quota tracker's health tick.
	AdaptiveInterval time.Duration
	// PoolCleanupInterval drives ephemeral identity eviction.
	PoolCleanupInterval time.Duration
	// SafetyMargin scales every configured limit; 0 or 1 leaves them as is.
	SafetyMargin float64

	Logger observability.Logger
	Clock  func() time.Time
}

// Governor is the composition root for the governance layer. Each component
// is constructed once here and shared through it.
type Governor struct {
	Quota   *quota.Tracker
	Pool    *egress.Pool
	Retry   *retry.Orchestrator
	Queue   *queue.Queue
	Monitor *monitor.Monitor
	Fetcher *fetch.Fetcher

	logger              observability.Logger
	retryPolicies       map[string]retry.Policy
	adaptiveInterval    time.Duration
	poolCleanupInterval time.Duration
}

// New constructs every component and wires them together.
func New(opts Options) (*Governor, error) {
	if opts.Counters == nil {
		return nil, errors.New("counter store is required")
	}
	logger := observability.LoggerOrNop(opts.Logger)

	policies := opts.Policies
	if len(policies) == 0 {
		policies = quota.DefaultPolicies
	}
	if opts.SafetyMargin > 0 && opts.SafetyMargin < 1 {
		scaled := make(map[string]quota.Policy, len(policies))
		for name, policy := range policies {
			scaled[name] = policy.WithMargin(opts.SafetyMargin)
		}
		policies = scaled
	}

	tracker, err := quota.NewTracker(opts.Counters, policies)
	if err != nil {
		return nil, fmt.Errorf("quota tracker: %w", err)
	}
	tracker.Logger = logger
	tracker.Clock = opts.Clock

	pool, err := egress.NewPool(opts.Egress, opts.Identities)
	if err != nil {
		return nil, fmt.Errorf("egress pool: %w", err)
	}
	pool.Logger = logger
	pool.Clock = opts.Clock

	retryPolicies := make(map[string]retry.Policy, len(opts.RetryPolicies))
	for name, policy := range opts.RetryPolicies {
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("retry policy for %s: %w", name, err)
		}
		retryPolicies[core.NormalizePlatform(name)] = policy
	}

	g := &Governor{
		Quota:               tracker,
		Pool:                pool,
		Fetcher:             opts.Fetcher,
		logger:              logger,
		retryPolicies:       retryPolicies,
		adaptiveInterval:    opts.AdaptiveInterval,
		poolCleanupInterval: opts.PoolCleanupInterval,
	}
	if g.Fetcher == nil {
		g.Fetcher = &fetch.Fetcher{Clock: opts.Clock}
	}
	if g.adaptiveInterval <= 0 {
		g.adaptiveInterval = time.Minute
	}
	if g.poolCleanupInterval <= 0 {
		g.poolCleanupInterval = 5 * time.Minute
	}

	orchestrator := retry.New(pool, tracker, retry.ObserverFunc(recordAttemptMetric))
	orchestrator.Logger = logger
	orchestrator.Clock = opts.Clock

	q := queue.New(admissionRecorder{tracker: tracker}, executionRecorder{orchestrator: orchestrator}, opts.Queue)
	q.Logger = logger
	q.Clock = opts.Clock
	q.Policies = g.RetryPolicy
	q.OnExpired = metrics.RecordQueueExpired

	mon := monitor.New(opts.Monitor, monitor.Dependencies{
		Counters: opts.Counters,
		Logs:     opts.Logs,
		Pool:     pool,
		Queue:    q,
	})
	mon.Logger = logger
	mon.Clock = opts.Clock
	mon.OnAlert = func(alert monitor.Alert) {
		metrics.RecordAlert(string(alert.Severity), alert.Platform)
	}
	// The monitor observes the queue, so it joins the orchestrator's
	// observers only once the queue exists.
	orchestrator.Observers = append(orchestrator.Observers, mon)

	g.Retry = orchestrator
	g.Queue = q
	g.Monitor = mon

	return g, nil
}

// RetryPolicy returns the configured policy for a platform, then its preset.
func (g *Governor) RetryPolicy(platform string) retry.Policy {
	if policy, ok := g.retryPolicies[core.NormalizePlatform(platform)]; ok {
		return policy
	}
	return retry.PolicyFor(platform)
}

// Run starts the background loops and blocks until ctx is done or one of
// them fails.
func (g *Governor) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return g.Queue.Run(ctx) })
	group.Go(func() error { return g.Monitor.Run(ctx) })
	group.Go(func() error {
		return g.Quota.Run(ctx, g.adaptiveInterval, func() quota.HealthSignal {
			g.publishGauges()
			return g.Monitor.HealthSignal()
		})
	})
	group.Go(func() error { return g.cleanupLoop(ctx) })

	g.logger.Info("Governance loops started",
		zap.Strings("platforms", g.Quota.Platforms()),
		zap.Int("identities", len(g.Pool.Snapshot())))

	err := group.Wait()
	g.Fetcher.CloseIdle()
	return err
}

// Submit queues an operation for a platform and waits for its outcome.
func (g *Governor) Submit(ctx context.Context, platform string, priority queue.Priority, op retry.Operation, timeout time.Duration) (retry.Result, error) {
	return g.Queue.Enqueue(ctx, platform, priority, op, timeout)
}

// ExecuteNow bypasses the queue: it admits one attempt and runs the operation
// immediately. A denial is returned as the decision plus ErrAdmissionDenied.
func (g *Governor) ExecuteNow(ctx context.Context, platform string, op retry.Operation) (retry.Result, quota.Decision, error) {
	decision := g.Quota.Admit(ctx, platform)
	metrics.RecordAdmission(core.NormalizePlatform(platform), decision.Allowed, decision.Reason)
	if !decision.Allowed {
		return retry.Result{}, decision, fmt.Errorf("%w: %s", ErrAdmissionDenied, decision.Reason)
	}
	result := executionRecorder{orchestrator: g.Retry}.Execute(ctx, platform, op, g.RetryPolicy(platform))
	return result, decision, result.Err
}

// Fetch queues an HTTP GET for a platform through the governance layer.
func (g *Governor) Fetch(ctx context.Context, platform, target string, priority queue.Priority, timeout time.Duration) (*fetch.Page, retry.Result, error) {
	result, err := g.Submit(ctx, platform, priority, g.Fetcher.Operation(target), timeout)
	if err != nil {
		return nil, result, err
	}
	page, ok := result.Value.(*fetch.Page)
	if !ok {
		return nil, result, errors.New("fetch returned no page")
	}
	return page, result, nil
}

func (g *Governor) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(g.poolCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := g.Pool.Cleanup(); removed > 0 {
				g.logger.Info("Egress pool cleaned", zap.Int("removed", removed))
			}
		}
	}
}

func (g *Governor) publishGauges() {
	stats := g.Queue.Stats()
	metrics.SetQueueDepth(stats.Size, stats.OldestAge)

	health := g.Pool.HealthCheck()
	metrics.SetPoolHealth(health.Total, health.Active, health.Healthy, health.SuccessRate)

	metrics.SetSystemHealth(string(g.Monitor.GetSystemHealth().Status))
	for _, platform := range g.Quota.Platforms() {
		if policy, ok := g.Quota.Policy(platform); ok {
			metrics.SetQuotaLimit(platform, policy.PerMinute)
		}
	}
}

type admissionRecorder struct {
	tracker *quota.Tracker
}

func (a admissionRecorder) Admit(ctx context.Context, platform string) quota.Decision {
	decision := a.tracker.Admit(ctx, platform)
	metrics.RecordAdmission(core.NormalizePlatform(platform), decision.Allowed, decision.Reason)
	return decision
}

type executionRecorder struct {
	orchestrator *retry.Orchestrator
}

func (e executionRecorder) Execute(ctx context.Context, platform string, op retry.Operation, policy retry.Policy) retry.Result {
	result := e.orchestrator.Execute(ctx, platform, op, policy)
	class := ""
	if result.Err != nil {
		class = string(retry.Classify(result.Err))
	}
	metrics.RecordExecution(core.NormalizePlatform(platform), result.Success, result.Attempts, class)
	return result
}

func recordAttemptMetric(_ context.Context, record core.AttemptRecord) {
	metrics.RecordAttempt(record.Platform, string(record.Outcome), time.Duration(record.DurationMs)*time.Millisecond)
}
