// Package retry executes outbound operations with identity rotation,
// error classification and jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/core/egress"
	"github.com/shopvet/shopvet/internal/observability"
)

// Operation is one outbound unit of work. identity is nil when the request
// should go out directly.
type Operation func(ctx context.Context, identity *egress.Identity) (any, error)

// IdentityPool is the subset of the egress pool the orchestrator drives.
type IdentityPool interface {
	SelectBest(platform string) (egress.Identity, bool)
	Rotate(platform string) (egress.Identity, bool)
	ReportSuccess(id string, responseTime time.Duration) error
	ReportFailure(id string, reason string) error
}

// QuotaReporter receives the final outcome of each execution.
type QuotaReporter interface {
	ReportSuccess(ctx context.Context, platform string, responseTime time.Duration) error
	ReportFailure(ctx context.Context, platform string, class core.ErrorClass) error
}

// AttemptObserver is notified of every individual attempt.
type AttemptObserver interface {
	RecordAttempt(ctx context.Context, record core.AttemptRecord)
}

// ObserverFunc adapts a function to AttemptObserver.
type ObserverFunc func(ctx context.Context, record core.AttemptRecord)

// RecordAttempt calls f.
func (f ObserverFunc) RecordAttempt(ctx context.Context, record core.AttemptRecord) {
	f(ctx, record)
}

// Result is the outcome of Execute.
type Result struct {
	Success  bool
	Value    any
	Err      error
	Attempts int
	Elapsed  time.Duration
	Identity *egress.Identity
}

// AttemptError wraps the last failure once retries are exhausted or the
// failure was not retryable.
type AttemptError struct {
	Platform  string
	Class     core.ErrorClass
	Attempts  int
	Retryable bool
	Err       error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %d attempt(s) failed (%s): %v", e.Platform, e.Attempts, e.Class, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// ErrorClass exposes the classification to callers up the stack.
func (e *AttemptError) ErrorClass() core.ErrorClass {
	return e.Class
}

// Orchestrator runs operations under a retry policy. Pool and Quota are
// optional.
type Orchestrator struct {
	Pool      IdentityPool
	Quota     QuotaReporter
	Observers []AttemptObserver
	Logger    observability.Logger
	Clock     func() time.Time

	// Sleep waits between attempts; it must return early with ctx.Err()
	// when ctx is done. Random returns a value in [0, 1) for jitter.
	Sleep  func(ctx context.Context, d time.Duration) error
	Random func() float64
}

// New returns an orchestrator wired to a pool and a quota reporter.
func New(pool IdentityPool, quota QuotaReporter, observers ...AttemptObserver) *Orchestrator {
	return &Orchestrator{Pool: pool, Quota: quota, Observers: observers}
}

// Execute runs op up to policy.MaxRetries+1 times. It stops at the first
// success. Each attempt after the first goes out through a freshly rotated
// identity.
func (o *Orchestrator) Execute(ctx context.Context, platform string, op Operation, policy Policy) Result {
	platform = core.NormalizePlatform(platform)
	if op == nil {
		return Result{Err: errors.New("operation is required")}
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}

	start := o.now()
	maxAttempts := policy.MaxRetries + 1
	var (
		identity *egress.Identity
		lastErr  error
		class    core.ErrorClass
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt == 1 {
			identity = o.selectIdentity(platform)
		} else {
			identity = o.rotateIdentity(platform)
		}

		attemptStart := o.now()
		value, err := op(ctx, identity)
		duration := o.now().Sub(attemptStart)

		if err == nil {
			o.recordSuccess(ctx, platform, identity, duration)
			return Result{
				Success:  true,
				Value:    value,
				Attempts: attempt,
				Elapsed:  o.now().Sub(start),
				Identity: identity,
			}
		}

		lastErr = err
		class = Classify(err)
		retryable := Retryable(err, policy)
		o.recordFailure(ctx, platform, identity, duration, err)

		if !retryable || attempt == maxAttempts || ctx.Err() != nil {
			o.reportQuotaFailure(ctx, platform, class)
			return Result{
				Err: &AttemptError{
					Platform:  platform,
					Class:     class,
					Attempts:  attempt,
					Retryable: retryable,
					Err:       lastErr,
				},
				Attempts: attempt,
				Elapsed:  o.now().Sub(start),
				Identity: identity,
			}
		}

		delay := policy.jittered(attempt, o.random())
		o.logger().Debug("Retrying operation",
			zap.String("platform", platform),
			zap.Int("attempt", attempt),
			zap.String("error_class", string(class)),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := o.sleep(ctx, delay); err != nil {
			o.reportQuotaFailure(ctx, platform, class)
			return Result{
				Err: &AttemptError{
					Platform:  platform,
					Class:     class,
					Attempts:  attempt,
					Retryable: true,
					Err:       errors.Join(lastErr, err),
				},
				Attempts: attempt,
				Elapsed:  o.now().Sub(start),
				Identity: identity,
			}
		}
	}

	// unreachable: the loop always returns on its last attempt
	return Result{Err: lastErr, Attempts: maxAttempts, Elapsed: o.now().Sub(start)}
}

func (o *Orchestrator) selectIdentity(platform string) *egress.Identity {
	if o.Pool == nil {
		return nil
	}
	identity, ok := o.Pool.SelectBest(platform)
	if !ok {
		return nil
	}
	return &identity
}

func (o *Orchestrator) rotateIdentity(platform string) *egress.Identity {
	if o.Pool == nil {
		return nil
	}
	identity, ok := o.Pool.Rotate(platform)
	if !ok {
		return nil
	}
	return &identity
}

func (o *Orchestrator) recordSuccess(ctx context.Context, platform string, identity *egress.Identity, duration time.Duration) {
	if identity != nil && o.Pool != nil {
		if err := o.Pool.ReportSuccess(identity.ID, duration); err != nil {
			o.logger().Debug("Identity success not recorded", zap.String("identity", identity.ID), zap.Error(err))
		}
	}
	if o.Quota != nil {
		if err := o.Quota.ReportSuccess(ctx, platform, duration); err != nil {
			o.logger().Warn("Quota success not recorded", zap.String("platform", platform), zap.Error(err))
		}
	}
	o.notify(ctx, core.AttemptRecord{
		Platform:   platform,
		Outcome:    core.OutcomeSuccess,
		DurationMs: duration.Milliseconds(),
		Identity:   identityID(identity),
		Timestamp:  o.now(),
	})
}

func (o *Orchestrator) recordFailure(ctx context.Context, platform string, identity *egress.Identity, duration time.Duration, err error) {
	if identity != nil && o.Pool != nil {
		if reportErr := o.Pool.ReportFailure(identity.ID, err.Error()); reportErr != nil {
			o.logger().Debug("Identity failure not recorded", zap.String("identity", identity.ID), zap.Error(reportErr))
		}
	}
	o.notify(ctx, core.AttemptRecord{
		Platform:   platform,
		Outcome:    core.OutcomeFailure,
		DurationMs: duration.Milliseconds(),
		Error:      err.Error(),
		Identity:   identityID(identity),
		Timestamp:  o.now(),
	})
}

func (o *Orchestrator) reportQuotaFailure(ctx context.Context, platform string, class core.ErrorClass) {
	if o.Quota == nil {
		return
	}
	// The caller's context may already be done; the cooldown must still land.
	if err := o.Quota.ReportFailure(context.WithoutCancel(ctx), platform, class); err != nil {
		o.logger().Warn("Quota failure not recorded", zap.String("platform", platform), zap.Error(err))
	}
}

func (o *Orchestrator) notify(ctx context.Context, record core.AttemptRecord) {
	for _, observer := range o.Observers {
		if observer != nil {
			observer.RecordAttempt(ctx, record)
		}
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) random() float64 {
	if o.Random != nil {
		return o.Random()
	}
	return rand.Float64()
}

func (o *Orchestrator) now() time.Time {
	if o != nil && o.Clock != nil {
		return o.Clock().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) logger() observability.Logger {
	return observability.LoggerOrNop(o.Logger)
}

func identityID(identity *egress.Identity) string {
	if identity == nil {
		return ""
	}
	return identity.ID
}
