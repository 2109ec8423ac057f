// Package queue holds outbound operations until their platform has quota and
// capacity, then hands them to the retry orchestrator in priority order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/core/quota"
	"github.com/shopvet/shopvet/internal/core/retry"
	"github.com/shopvet/shopvet/internal/observability"
)

// Priority orders queued work; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 50
	PriorityHigh   Priority = 100
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("%d", int(p))
	}
}

// ParsePriority accepts low, normal or high. Empty means normal.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", value)
	}
}

var (
	// ErrExpired matches every *ExpiredError.
	ErrExpired = errors.New("queued operation expired")
	// ErrStopped resolves items still queued when the processor stops and
	// rejects submissions that arrive after it.
	ErrStopped = errors.New("queue stopped")
)

// ExpiredError means the operation never ran because it aged out.
type ExpiredError struct {
	ID       string
	Platform string
	Age      time.Duration
	Timeout  time.Duration
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("%s operation %s expired after %s in queue (timeout %s)",
		e.Platform, e.ID, e.Age.Round(time.Millisecond), e.Timeout)
}

// Is lets errors.Is(err, ErrExpired) match.
func (e *ExpiredError) Is(target error) bool {
	return target == ErrExpired
}

// Admitter decides whether one attempt may go out now.
type Admitter interface {
	Admit(ctx context.Context, platform string) quota.Decision
}

// Executor runs an admitted operation.
type Executor interface {
	Execute(ctx context.Context, platform string, op retry.Operation, policy retry.Policy) retry.Result
}

// Config tunes the processor.
type Config struct {
	TickInterval    time.Duration  `mapstructure:"tick_interval"`
	CleanupInterval time.Duration  `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration  `mapstructure:"max_age"`
	DefaultTimeout  time.Duration  `mapstructure:"default_timeout"`
	MaxConcurrent   int            `mapstructure:"max_concurrent"`
	PlatformLimits  map[string]int `mapstructure:"platform_limits"`
}

// DefaultConfig returns the stock processor settings.
func DefaultConfig() Config {
	return Config{
		TickInterval:    100 * time.Millisecond,
		CleanupInterval: 10 * time.Second,
		MaxAge:          5 * time.Minute,
		DefaultTimeout:  time.Minute,
		MaxConcurrent:   2,
	}
}

// Request describes one operation to queue.
type Request struct {
	Platform  string
	Priority  Priority
	Operation retry.Operation
	Timeout   time.Duration
	// Policy overrides the platform's retry policy when set.
	Policy *retry.Policy
}

// Outcome resolves a queued operation.
type Outcome struct {
	ID     string
	Result retry.Result
	Err    error
}

// Entry is a read-only view of a queued item.
type Entry struct {
	ID        string        `json:"id"`
	Platform  string        `json:"platform"`
	Priority  Priority      `json:"priority"`
	Age       time.Duration `json:"age"`
	Timeout   time.Duration `json:"timeout"`
	NotBefore *time.Time    `json:"not_before,omitempty"`
}

// Stats summarizes queue state.
type Stats struct {
	Size             int            `json:"size"`
	ActiveByPlatform map[string]int `json:"active_by_platform"`
	OldestAge        time.Duration  `json:"oldest_age"`
}

type item struct {
	id         string
	ctx        context.Context
	platform   string
	priority   Priority
	op         retry.Operation
	policy     retry.Policy
	enqueuedAt time.Time
	timeout    time.Duration
	notBefore  time.Time
	admitting  bool
	done       chan Outcome
}

// Queue is a priority queue with a single tick-driven processor.
type Queue struct {
	Clock    func() time.Time
	Logger   observability.Logger
	Policies func(platform string) retry.Policy

	// OnExpired and OnDenied are optional hooks for metrics.
	OnExpired func(platform string)
	OnDenied  func(platform string, decision quota.Decision)

	admitter Admitter
	executor Executor
	cfg      Config

	tickMu   sync.Mutex
	mu       sync.Mutex
	items    []*item
	active   map[string]int
	stopped  bool
	inflight sync.WaitGroup
}

// New creates a queue. Zero config values fall back to DefaultConfig.
func New(admitter Admitter, executor Executor, cfg Config) *Queue {
	defaults := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaults.MaxAge
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	limits := make(map[string]int, len(cfg.PlatformLimits))
	for name, limit := range cfg.PlatformLimits {
		limits[core.NormalizePlatform(name)] = limit
	}
	cfg.PlatformLimits = limits

	return &Queue{
		admitter: admitter,
		executor: executor,
		cfg:      cfg,
		active:   make(map[string]int),
	}
}

// Submit queues an operation and returns a channel that receives exactly one
// Outcome.
func (q *Queue) Submit(ctx context.Context, req Request) (<-chan Outcome, error) {
	it, err := q.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return it.done, nil
}

// Enqueue queues an operation and waits for it to finish, expire, or for ctx
// to end. Callers under saturation wait longer rather than fail early.
func (q *Queue) Enqueue(ctx context.Context, platform string, priority Priority, op retry.Operation, timeout time.Duration) (retry.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	it, err := q.submit(ctx, Request{Platform: platform, Priority: priority, Operation: op, Timeout: timeout})
	if err != nil {
		return retry.Result{}, err
	}

	select {
	case outcome := <-it.done:
		return outcome.Result, outcome.Err
	case <-ctx.Done():
		if q.remove(it) {
			return retry.Result{}, ctx.Err()
		}
		// Already started or resolved: the operation sees the same ctx.
		outcome := <-it.done
		return outcome.Result, outcome.Err
	}
}

func (q *Queue) submit(ctx context.Context, req Request) (*item, error) {
	platform := core.NormalizePlatform(req.Platform)
	if platform == "" {
		return nil, errors.New("platform is required")
	}
	if req.Operation == nil {
		return nil, errors.New("operation is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}
	policy := q.policyFor(platform)
	if req.Policy != nil {
		policy = *req.Policy
	}

	it := &item{
		id:         uuid.NewString(),
		ctx:        ctx,
		platform:   platform,
		priority:   req.Priority,
		op:         req.Operation,
		policy:     policy,
		enqueuedAt: q.now(),
		timeout:    timeout,
		done:       make(chan Outcome, 1),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	// First item with strictly lower priority: keeps FIFO among equals.
	index := slices.IndexFunc(q.items, func(existing *item) bool {
		return existing.priority < it.priority
	})
	if index < 0 {
		index = len(q.items)
	}
	q.items = slices.Insert(q.items, index, it)
	q.mu.Unlock()

	return it, nil
}

// remove takes a still-queued item out without resolving it.
func (q *Queue) remove(it *item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	index := slices.Index(q.items, it)
	if index < 0 || it.admitting {
		return false
	}
	q.items = slices.Delete(q.items, index, index+1)
	return true
}

// Tick starts at most one queued operation. Expired and abandoned items met
// on the way are resolved and removed. Items whose platform is at capacity
// or whose reschedule time has not arrived keep their place.
func (q *Queue) Tick(ctx context.Context) bool {
	q.tickMu.Lock()
	defer q.tickMu.Unlock()

	candidate := q.nextCandidate()
	if candidate == nil {
		return false
	}

	decision := q.admitter.Admit(ctx, candidate.platform)

	q.mu.Lock()
	candidate.admitting = false
	index := slices.Index(q.items, candidate)
	if index < 0 {
		q.mu.Unlock()
		return false
	}

	if !decision.Allowed {
		if decision.Reason == quota.ReasonUnknownPlatform {
			q.items = slices.Delete(q.items, index, index+1)
			q.mu.Unlock()
			q.resolve(candidate, Outcome{Err: fmt.Errorf("%w: %s", quota.ErrUnknownPlatform, candidate.platform)})
			return false
		}
		wait := decision.RetryAfter
		if wait <= 0 {
			wait = q.cfg.TickInterval
		}
		candidate.notBefore = q.now().Add(wait)
		q.mu.Unlock()

		if q.OnDenied != nil {
			q.OnDenied(candidate.platform, decision)
		}
		q.logger().Debug("Queued operation rescheduled",
			zap.String("id", candidate.id),
			zap.String("platform", candidate.platform),
			zap.String("reason", decision.Reason),
			zap.Duration("retry_after", wait))
		return false
	}

	q.items = slices.Delete(q.items, index, index+1)
	q.active[candidate.platform]++
	q.inflight.Add(1)
	q.mu.Unlock()

	go q.run(candidate)
	return true
}

// Cleanup rejects every entry older than the smaller of its timeout and
// MaxAge. It returns the number of entries removed.
func (q *Queue) Cleanup() int {
	now := q.now()

	q.mu.Lock()
	var expired []*item
	kept := q.items[:0]
	for _, it := range q.items {
		if !it.admitting && now.Sub(it.enqueuedAt) > min(it.timeout, q.cfg.MaxAge) {
			expired = append(expired, it)
			continue
		}
		kept = append(kept, it)
	}
	clear(q.items[len(kept):])
	q.items = kept
	q.mu.Unlock()

	for _, it := range expired {
		q.expire(it, now)
	}
	return len(expired)
}

// Run drives Tick and Cleanup until ctx is done, then resolves anything
// still queued with ErrStopped, rejects later submissions and waits for in-flight
// operations.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = false
	q.mu.Unlock()

	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()
	sweeper := time.NewTicker(q.cfg.CleanupInterval)
	defer sweeper.Stop()

	for {
		select {
		case <-ctx.Done():
			q.drain()
			q.inflight.Wait()
			return nil
		case <-ticker.C:
			q.Tick(ctx)
		case <-sweeper.C:
			q.Cleanup()
		}
	}
}

// Stats returns queue size, in-flight counts and the age of the oldest entry.
func (q *Queue) Stats() Stats {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{Size: len(q.items), ActiveByPlatform: make(map[string]int, len(q.active))}
	for platform, count := range q.active {
		if count > 0 {
			stats.ActiveByPlatform[platform] = count
		}
	}
	for _, it := range q.items {
		if age := now.Sub(it.enqueuedAt); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	return stats
}

// Pending returns queued entries in dequeue order.
func (q *Queue) Pending() []Entry {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.items))
	for _, it := range q.items {
		entry := Entry{
			ID:       it.id,
			Platform: it.platform,
			Priority: it.priority,
			Age:      now.Sub(it.enqueuedAt),
			Timeout:  it.timeout,
		}
		if !it.notBefore.IsZero() {
			notBefore := it.notBefore
			entry.NotBefore = &notBefore
		}
		out = append(out, entry)
	}
	return out
}

// nextCandidate walks the queue in order, resolving expired and abandoned
// items, and marks the first runnable one as admitting.
func (q *Queue) nextCandidate() *item {
	now := q.now()

	q.mu.Lock()
	var (
		expired   []*item
		abandoned []*item
		candidate *item
	)
	kept := q.items[:0]
	for _, it := range q.items {
		switch {
		case candidate != nil:
		case now.Sub(it.enqueuedAt) > it.timeout:
			expired = append(expired, it)
			continue
		case it.ctx.Err() != nil:
			abandoned = append(abandoned, it)
			continue
		case now.Before(it.notBefore):
		case q.active[it.platform] >= q.limitFor(it.platform):
		default:
			it.admitting = true
			candidate = it
		}
		kept = append(kept, it)
	}
	clear(q.items[len(kept):])
	q.items = kept
	q.mu.Unlock()

	for _, it := range expired {
		q.expire(it, now)
	}
	for _, it := range abandoned {
		q.resolve(it, Outcome{Err: it.ctx.Err()})
	}
	return candidate
}

func (q *Queue) run(it *item) {
	defer q.inflight.Done()

	result := q.executor.Execute(it.ctx, it.platform, it.op, it.policy)

	q.mu.Lock()
	q.active[it.platform]--
	if q.active[it.platform] <= 0 {
		delete(q.active, it.platform)
	}
	q.mu.Unlock()

	q.resolve(it, Outcome{Result: result, Err: result.Err})
}

func (q *Queue) expire(it *item, now time.Time) {
	err := &ExpiredError{ID: it.id, Platform: it.platform, Age: now.Sub(it.enqueuedAt), Timeout: it.timeout}
	q.logger().Info("Queued operation expired",
		zap.String("id", it.id),
		zap.String("platform", it.platform),
		zap.Duration("age", err.Age),
		zap.Duration("timeout", it.timeout))
	if q.OnExpired != nil {
		q.OnExpired(it.platform)
	}
	q.resolve(it, Outcome{Err: err})
}

func (q *Queue) drain() {
	q.mu.Lock()
	q.stopped = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range pending {
		q.resolve(it, Outcome{Err: ErrStopped})
	}
}

func (q *Queue) resolve(it *item, outcome Outcome) {
	outcome.ID = it.id
	it.done <- outcome
	close(it.done)
}

func (q *Queue) limitFor(platform string) int {
	if limit, ok := q.cfg.PlatformLimits[platform]; ok && limit > 0 {
		return limit
	}
	return q.cfg.MaxConcurrent
}

func (q *Queue) policyFor(platform string) retry.Policy {
	if q.Policies != nil {
		return q.Policies(platform)
	}
	return retry.PolicyFor(platform)
}

func (q *Queue) now() time.Time {
	if q != nil && q.Clock != nil {
		return q.Clock().UTC()
	}
	return time.Now().UTC()
}

func (q *Queue) logger() observability.Logger {
	return observability.LoggerOrNop(q.Logger)
}
