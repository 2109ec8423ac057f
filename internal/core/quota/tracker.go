// Package quota tracks per-platform request budgets across fixed minute, hour,
// day and burst windows held in a shared counter store, plus a cooldown
// marker that blocks a platform after it pushes back.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/core/counter"
	"github.com/shopvet/shopvet/internal/observability"
)

// Denial reasons, in check priority order.
const (
	ReasonMinute           = "minute limit exceeded"
	ReasonHour             = "hour limit exceeded"
	ReasonDay              = "day limit exceeded"
	ReasonBurst            = "burst limit exceeded"
	ReasonCooldown         = "platform in cooldown"
	ReasonStoreUnavailable = "counter store unavailable"
	ReasonUnknownPlatform  = "unknown platform"
)

// ErrUnknownPlatform is returned by operations on unconfigured platforms.
var ErrUnknownPlatform = errors.New("unknown platform")

const (
	successAlpha     = 0.1
	storeRetryHint   = 5 * time.Second
	defaultShrink    = 0.8
	defaultGrow      = 1.05
	defaultFloor     = 0.25
	sustainedSuccess = 90.0
	excellentHealth  = 95.0
)

// Decision is the structured answer to an admission request. A denial is not
// an error.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
	Reason     string        `json:"reason,omitempty"`
}

// HealthSignal summarizes system health for the periodic adaptive tick.
type HealthSignal struct {
	Poor        bool
	SuccessRate float64
}

type platformState struct {
	base        Policy
	current     Policy
	successRate float64
	avgResponse time.Duration
	samples     int64
}

// Tracker owns every platform's policy and evaluates admission against the
// shared counter store. It is safe for concurrent use.
type Tracker struct {
	Store  counter.Store
	Clock  func() time.Time
	Logger observability.Logger

	// ShrinkFactor and GrowFactor scale limits under adaptive scaling.
	// FloorRatio bounds shrinking relative to the configured policy.
	ShrinkFactor float64
	GrowFactor   float64
	FloorRatio   float64

	mu        sync.RWMutex
	platforms map[string]*platformState
}

// NewTracker creates a tracker for the given policies. Every policy must
// validate.
func NewTracker(store counter.Store, policies map[string]Policy) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	t := &Tracker{
		Store:        store,
		ShrinkFactor: defaultShrink,
		GrowFactor:   defaultGrow,
		FloorRatio:   defaultFloor,
		platforms:    make(map[string]*platformState, len(policies)),
	}
	for name, policy := range policies {
		if err := t.UpdatePolicy(name, policy); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// CheckAdmission evaluates the five admission checks without consuming
// quota. Store failures produce a conservative denial.
func (t *Tracker) CheckAdmission(ctx context.Context, platform string) Decision {
	platform = core.NormalizePlatform(platform)
	policy, ok := t.Policy(platform)
	if !ok {
		return Decision{Reason: ReasonUnknownPlatform}
	}

	now := t.now()
	counts := make(map[Window]int64, len(Windows))
	for _, w := range Windows {
		value, _, err := t.Store.Get(ctx, windowKey(platform, w, now))
		if err != nil {
			return t.storeDenial(platform, "read window", err, now)
		}
		counts[w] = value
	}

	until, err := t.cooldownUntil(ctx, platform)
	if err != nil {
		return t.storeDenial(platform, "read cooldown", err, now)
	}

	return evaluate(policy, counts, until, now)
}

// IncrementCounters atomically bumps all four window counters and returns
// the post-increment values.
func (t *Tracker) IncrementCounters(ctx context.Context, platform string) (map[Window]int64, error) {
	platform = core.NormalizePlatform(platform)
	if _, ok := t.Policy(platform); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return t.incrementAt(ctx, platform, t.now())
}

// incrementAt bumps each window keyed at now. On error the windows already
// bumped are returned alongside it.
func (t *Tracker) incrementAt(ctx context.Context, platform string, now time.Time) (map[Window]int64, error) {
	counts := make(map[Window]int64, len(Windows))
	for _, w := range Windows {
		value, err := t.Store.Increment(ctx, windowKey(platform, w, now), w.Length())
		if err != nil {
			return counts, fmt.Errorf("increment %s window: %w", w, err)
		}
		counts[w] = value
	}
	return counts, nil
}

// Admit checks admission and consumes one unit of quota for a single
// logical attempt. The post-increment counts are checked again so that
// callers racing on a shared store cannot jointly overshoot a limit. A
// caller denied at that point gives its units back when the store is a
// counter.Releaser.
func (t *Tracker) Admit(ctx context.Context, platform string) Decision {
	platform = core.NormalizePlatform(platform)
	decision := t.CheckAdmission(ctx, platform)
	if !decision.Allowed {
		return decision
	}

	policy, _ := t.Policy(platform)
	now := t.now()
	counts, err := t.incrementAt(ctx, platform, now)
	if err != nil {
		t.release(ctx, platform, counts, now)
		return t.storeDenial(platform, "increment", err, now)
	}

	// counts are post-increment: the caller's own unit is included, so a
	// value equal to the limit is still within budget.
	adjusted := make(map[Window]int64, len(counts))
	for w, value := range counts {
		adjusted[w] = value - 1
	}
	decision = evaluate(policy, adjusted, time.Time{}, now).consumeOne()
	if !decision.Allowed {
		t.release(ctx, platform, counts, now)
	}
	return decision
}

// release hands back the windows in taken. Stores without Decrement keep
// the units, which only over-counts.
func (t *Tracker) release(ctx context.Context, platform string, taken map[Window]int64, now time.Time) {
	releaser, ok := t.Store.(counter.Releaser)
	if !ok || len(taken) == 0 {
		return
	}
	for _, w := range Windows {
		if _, ok := taken[w]; !ok {
			continue
		}
		if _, err := releaser.Decrement(ctx, windowKey(platform, w, now)); err != nil {
			t.logger().Warn("Quota release failed",
				zap.String("platform", platform),
				zap.String("window", string(w)),
				zap.Error(err))
		}
	}
}

// ReportFailure records a failed attempt. It sets the cooldown marker,
// doubling the cooldown for blocking classes, and shrinks limits when
// adaptive scaling is on.
func (t *Tracker) ReportFailure(ctx context.Context, platform string, class core.ErrorClass) error {
	platform = core.NormalizePlatform(platform)

	t.mu.Lock()
	state, ok := t.platforms[platform]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	state.successRate = ewma(state.successRate, 0)
	state.samples++
	cooldown := state.current.Cooldown
	if state.current.AdaptiveScaling {
		t.shrinkLocked(platform, state, "failure")
	}
	t.mu.Unlock()

	if class.Blocking() {
		cooldown *= 2
	}
	if cooldown <= 0 {
		return nil
	}

	until := t.now().Add(cooldown)
	if err := t.Store.Set(ctx, cooldownKey(platform), until.UnixMilli(), cooldown); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}

	t.logger().Info("Platform cooldown started",
		zap.String("platform", platform),
		zap.String("error_class", string(class)),
		zap.Duration("cooldown", cooldown))
	return nil
}

// ReportSuccess records a successful attempt and, under sustained success,
// grows limits back toward the configured policy.
func (t *Tracker) ReportSuccess(ctx context.Context, platform string, responseTime time.Duration) error {
	platform = core.NormalizePlatform(platform)

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.platforms[platform]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	state.successRate = ewma(state.successRate, 100)
	state.samples++
	if state.avgResponse == 0 {
		state.avgResponse = responseTime
	} else {
		state.avgResponse = time.Duration(float64(state.avgResponse)*(1-successAlpha) + float64(responseTime)*successAlpha)
	}

	if state.current.AdaptiveScaling && state.successRate > sustainedSuccess {
		t.growLocked(platform, state, "sustained success")
	}
	return nil
}

// Tick re-evaluates every adaptive platform against overall health,
// independent of traffic.
func (t *Tracker) Tick(signal HealthSignal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for name, state := range t.platforms {
		if !state.current.AdaptiveScaling {
			continue
		}
		switch {
		case signal.Poor:
			t.shrinkLocked(name, state, "poor system health")
		case signal.SuccessRate >= excellentHealth:
			t.growLocked(name, state, "excellent system health")
		}
	}
}

// Run calls Tick on every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, signal func() HealthSignal) error {
	if interval <= 0 || signal == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Tick(signal())
		}
	}
}

// UpdatePolicy installs an operator-supplied policy. It becomes the new
// baseline for adaptive bounds.
func (t *Tracker) UpdatePolicy(platform string, policy Policy) error {
	platform = core.NormalizePlatform(platform)
	if platform == "" {
		return errors.New("platform is required")
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy for %s: %w", platform, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.platforms == nil {
		t.platforms = make(map[string]*platformState)
	}
	if state, ok := t.platforms[platform]; ok {
		state.base = policy
		state.current = policy
		return nil
	}
	t.platforms[platform] = &platformState{base: policy, current: policy, successRate: 100}
	return nil
}

// Policy returns the current effective policy.
func (t *Tracker) Policy(platform string) (Policy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.platforms[core.NormalizePlatform(platform)]
	if !ok {
		return Policy{}, false
	}
	return state.current, true
}

// Platforms lists configured platforms in name order.
func (t *Tracker) Platforms() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.platforms))
	for name := range t.platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WindowStatus is one window's usage.
type WindowStatus struct {
	Window  Window    `json:"window"`
	Used    int64     `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// Status is a read-only snapshot of a platform's quota state.
type Status struct {
	Platform        string         `json:"platform"`
	Policy          Policy         `json:"policy"`
	BasePolicy      Policy         `json:"base_policy"`
	Windows         []WindowStatus `json:"windows"`
	CooldownUntil   *time.Time     `json:"cooldown_until,omitempty"`
	SuccessRate     float64        `json:"success_rate"`
	AvgResponseTime time.Duration  `json:"avg_response_time"`
	Samples         int64          `json:"samples"`
	Decision        Decision       `json:"decision"`
}

// Status reads the platform's counters fresh from the store.
func (t *Tracker) Status(ctx context.Context, platform string) (Status, error) {
	platform = core.NormalizePlatform(platform)

	t.mu.RLock()
	state, ok := t.platforms[platform]
	var snapshot platformState
	if ok {
		snapshot = *state
	}
	t.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	now := t.now()
	status := Status{
		Platform:        platform,
		Policy:          snapshot.current,
		BasePolicy:      snapshot.base,
		SuccessRate:     snapshot.successRate,
		AvgResponseTime: snapshot.avgResponse,
		Samples:         snapshot.samples,
	}
	for _, w := range Windows {
		used, _, err := t.Store.Get(ctx, windowKey(platform, w, now))
		if err != nil {
			return Status{}, fmt.Errorf("read %s window: %w", w, err)
		}
		status.Windows = append(status.Windows, WindowStatus{
			Window:  w,
			Used:    used,
			Limit:   snapshot.current.Limit(w),
			ResetAt: windowStart(w, now).Add(w.Length()),
		})
	}
	until, err := t.cooldownUntil(ctx, platform)
	if err != nil {
		return Status{}, fmt.Errorf("read cooldown: %w", err)
	}
	if until.After(now) {
		status.CooldownUntil = &until
	}
	status.Decision = t.CheckAdmission(ctx, platform)
	return status, nil
}

// KeyPrefix returns the counter-store prefix for a platform, or for every
// platform when platform is empty.
func KeyPrefix(platform string) string {
	platform = core.NormalizePlatform(platform)
	if platform == "" {
		return "quota:"
	}
	return "quota:" + platform + ":"
}

func (t *Tracker) cooldownUntil(ctx context.Context, platform string) (time.Time, error) {
	value, ok, err := t.Store.Get(ctx, cooldownKey(platform))
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.UnixMilli(value).UTC(), nil
}

func (t *Tracker) storeDenial(platform, op string, err error, now time.Time) Decision {
	t.logger().Warn("Quota check failed closed",
		zap.String("platform", platform),
		zap.String("op", op),
		zap.Error(err))
	return Decision{
		Reason:     ReasonStoreUnavailable,
		RetryAfter: storeRetryHint,
		ResetAt:    now.Add(storeRetryHint),
	}
}

// shrinkLocked and growLocked require t.mu.
func (t *Tracker) shrinkLocked(platform string, state *platformState, cause string) {
	factor := t.ShrinkFactor
	if factor <= 0 || factor >= 1 {
		factor = defaultShrink
	}
	ratio := t.FloorRatio
	if ratio <= 0 || ratio > 1 {
		ratio = defaultFloor
	}

	before := state.current
	state.current = state.current.mapLimits(func(w Window, limit int) int {
		floor := atLeastOne(int(math.Ceil(float64(state.base.Limit(w)) * ratio)))
		next := int(math.Floor(float64(limit) * factor))
		if next < floor {
			next = floor
		}
		return next
	})
	if before != state.current {
		t.logger().Info("Quota limits reduced",
			zap.String("platform", platform),
			zap.String("cause", cause),
			zap.Int("per_minute", state.current.PerMinute))
	}
}

func (t *Tracker) growLocked(platform string, state *platformState, cause string) {
	factor := t.GrowFactor
	if factor <= 1 {
		factor = defaultGrow
	}

	before := state.current
	state.current = state.current.mapLimits(func(w Window, limit int) int {
		ceiling := state.base.Limit(w)
		next := int(math.Ceil(float64(limit) * factor))
		if next > ceiling {
			next = ceiling
		}
		return next
	})
	if before != state.current {
		t.logger().Debug("Quota limits raised",
			zap.String("platform", platform),
			zap.String("cause", cause),
			zap.Int("per_minute", state.current.PerMinute))
	}
}

func (t *Tracker) now() time.Time {
	if t != nil && t.Clock != nil {
		return t.Clock().UTC()
	}
	return time.Now().UTC()
}

func (t *Tracker) logger() observability.Logger {
	return observability.LoggerOrNop(t.Logger)
}

// evaluate applies the five checks to already-read state.
func evaluate(policy Policy, counts map[Window]int64, cooldownUntil time.Time, now time.Time) Decision {
	var (
		reason    string
		earliest  time.Time
		remaining = math.MaxInt
	)
	fail := func(r string, reset time.Time) {
		if reason == "" {
			reason = r
		}
		if earliest.IsZero() || reset.Before(earliest) {
			earliest = reset
		}
	}

	for _, w := range Windows {
		limit := policy.Limit(w)
		used := counts[w]
		reset := windowStart(w, now).Add(w.Length())
		if used >= int64(limit) {
			fail(windowReason(w), reset)
		}
		if left := limit - int(used); left < remaining {
			remaining = left
		}
	}
	if cooldownUntil.After(now) {
		fail(ReasonCooldown, cooldownUntil)
	}
	if remaining < 0 {
		remaining = 0
	}

	if reason != "" {
		return Decision{
			Remaining:  remaining,
			ResetAt:    earliest,
			RetryAfter: earliest.Sub(now),
			Reason:     reason,
		}
	}
	return Decision{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   windowStart(WindowMinute, now).Add(WindowMinute.Length()),
	}
}

// consumeOne accounts for the unit just taken by an admitted caller.
func (d Decision) consumeOne() Decision {
	if d.Allowed && d.Remaining > 0 {
		d.Remaining--
	}
	return d
}

func windowReason(w Window) string {
	switch w {
	case WindowMinute:
		return ReasonMinute
	case WindowHour:
		return ReasonHour
	case WindowDay:
		return ReasonDay
	default:
		return ReasonBurst
	}
}

func windowStart(w Window, now time.Time) time.Time {
	return now.Truncate(w.Length())
}

func windowKey(platform string, w Window, now time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%d", platform, w, windowStart(w, now).Unix())
}

func cooldownKey(platform string) string {
	return fmt.Sprintf("quota:%s:cooldown", platform)
}

func ewma(current, sample float64) float64 {
	return current*(1-successAlpha) + sample*successAlpha
}
