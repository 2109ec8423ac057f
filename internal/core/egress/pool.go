// Package egress manages the pool of proxy identities used for outbound
// requests: scoring, selection, rotation, and failure-driven retirement.
package egress

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/observability"
)

// ErrUnknownIdentity is returned when reporting on an identity not in the pool.
var ErrUnknownIdentity = errors.New("unknown identity")

const (
	rateAlpha      = 0.1
	failurePenalty = 10.0
	idleBonusCap   = 10.0
	premiumBonus   = 5.0
)

// Config controls selection and retirement.
type Config struct {
	MaxFailures          int           `mapstructure:"max_failures"`
	RotationInterval     time.Duration `mapstructure:"rotation_interval"`
	ReactivationCooldown time.Duration `mapstructure:"reactivation_cooldown"`
}

// DefaultConfig returns the stock pool settings.
func DefaultConfig() Config {
	return Config{
		MaxFailures:          3,
		RotationInterval:     30 * time.Second,
		ReactivationCooldown: 30 * time.Minute,
	}
}

// Health summarizes the pool for the monitor.
type Health struct {
	Total       int     `json:"total"`
	Active      int     `json:"active"`
	Healthy     int     `json:"healthy"`
	SuccessRate float64 `json:"success_rate"`
}

// Pool is the sole owner of identity state. Callers receive copies.
type Pool struct {
	Clock  func() time.Time
	Logger observability.Logger

	cfg        Config
	mu         sync.Mutex
	identities map[string]*Identity
	order      []string
	current    map[string]string
}

// NewPool creates a pool seeded with identities. Duplicate IDs are rejected.
func NewPool(cfg Config, identities []Identity) (*Pool, error) {
	defaults := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaults.MaxFailures
	}
	if cfg.RotationInterval < 0 {
		cfg.RotationInterval = 0
	}
	if cfg.ReactivationCooldown <= 0 {
		cfg.ReactivationCooldown = defaults.ReactivationCooldown
	}

	p := &Pool{
		cfg:        cfg,
		identities: make(map[string]*Identity, len(identities)),
		current:    make(map[string]string),
	}
	for _, id := range identities {
		if err := p.Add(id); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add registers an identity in the active state.
func (p *Pool) Add(id Identity) error {
	if id.Host == "" || id.Port <= 0 {
		return errors.New("identity host and port are required")
	}
	if id.ID == "" {
		id.ID = id.Address()
	}
	if id.Tier == "" {
		id.Tier = TierStandard
	}
	if id.Protocol == "" {
		id.Protocol = "http"
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.identities[id.ID]; exists {
		return fmt.Errorf("duplicate identity %s", id.ID)
	}
	id.SuccessRate = 100
	id.FailureCount = 0
	id.Active = true
	id.DeactivatedAt = nil
	p.identities[id.ID] = &id
	p.order = append(p.order, id.ID)
	return nil
}

// SelectBest returns the highest-scoring eligible identity and marks it used.
// The boolean is false when none qualifies; callers then go direct.
func (p *Pool) SelectBest(platform string) (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.selectLocked(core.NormalizePlatform(platform), "")
}

// Rotate marks the platform's current identity as freshly used and selects
// again, so the next attempt goes out through a different identity when one
// is available.
func (p *Pool) Rotate(platform string) (Identity, bool) {
	platform = core.NormalizePlatform(platform)

	p.mu.Lock()
	defer p.mu.Unlock()

	previous := p.current[platform]
	if id, ok := p.identities[previous]; ok {
		id.LastUsedAt = p.now()
	}
	return p.selectLocked(platform, previous)
}

// Current returns the identity last handed out for a platform.
func (p *Pool) Current(platform string) (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.identities[p.current[core.NormalizePlatform(platform)]]
	if !ok {
		return Identity{}, false
	}
	return *id, true
}

// ReportSuccess records a successful request through an identity.
func (p *Pool) ReportSuccess(id string, responseTime time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	identity, ok := p.identities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}

	identity.SuccessRate = smooth(identity.SuccessRate, 100)
	identity.FailureCount = 0
	identity.Stats.Total++
	identity.Stats.Successful++
	if identity.Stats.AvgResponseTime == 0 {
		identity.Stats.AvgResponseTime = responseTime
	} else {
		n := time.Duration(identity.Stats.Successful)
		identity.Stats.AvgResponseTime += (responseTime - identity.Stats.AvgResponseTime) / n
	}
	return nil
}

// ReportFailure records a failed request and retires the identity once it
// reaches MaxFailures consecutive failures.
func (p *Pool) ReportFailure(id string, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	identity, ok := p.identities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}

	now := p.now()
	identity.SuccessRate = smooth(identity.SuccessRate, 0)
	identity.FailureCount++
	identity.Stats.Total++
	identity.Stats.Failed++
	identity.Stats.LastFailureAt = &now
	identity.Stats.LastError = reason

	if identity.Active && identity.FailureCount >= p.cfg.MaxFailures {
		identity.Active = false
		identity.DeactivatedAt = &now
		p.logger().Warn("Egress identity deactivated",
			zap.String("identity", identity.ID),
			zap.Int("failure_count", identity.FailureCount),
			zap.String("last_error", reason),
			zap.Duration("reactivation_cooldown", p.cfg.ReactivationCooldown))
	}
	return nil
}

// HealthCheck reports active, healthy and total counts plus the mean
// success rate of active identities.
func (p *Pool) HealthCheck() Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reactivateLocked()

	health := Health{Total: len(p.identities)}
	var rateSum float64
	for _, identity := range p.identities {
		if !identity.Active {
			continue
		}
		health.Active++
		rateSum += identity.SuccessRate
		if identity.FailureCount < p.cfg.MaxFailures {
			health.Healthy++
		}
	}
	if health.Active > 0 {
		health.SuccessRate = rateSum / float64(health.Active)
	}
	return health
}

// Cleanup evicts ephemeral identities that have stayed deactivated for twice
// the reactivation cooldown. Configured identities are never evicted.
func (p *Pool) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	horizon := 2 * p.cfg.ReactivationCooldown
	removed := 0
	kept := p.order[:0]
	for _, key := range p.order {
		identity := p.identities[key]
		if identity.Ephemeral && !identity.Active && identity.DeactivatedAt != nil &&
			now.Sub(*identity.DeactivatedAt) >= horizon {
			delete(p.identities, key)
			for platform, current := range p.current {
				if current == key {
					delete(p.current, platform)
				}
			}
			removed++
			continue
		}
		kept = append(kept, key)
	}
	p.order = kept

	if removed > 0 {
		p.logger().Info("Evicted stale egress identities", zap.Int("count", removed))
	}
	return removed
}

// Snapshot returns copies of every identity in registration order.
func (p *Pool) Snapshot() []Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Identity, 0, len(p.order))
	for _, key := range p.order {
		out = append(out, *p.identities[key])
	}
	return out
}

// Config returns the pool settings.
func (p *Pool) Config() Config {
	return p.cfg
}

func (p *Pool) selectLocked(platform, exclude string) (Identity, bool) {
	p.reactivateLocked()

	now := p.now()
	type candidate struct {
		identity *Identity
		score    float64
		index    int
	}
	var candidates []candidate
	for index, key := range p.order {
		identity := p.identities[key]
		if !identity.Active || identity.FailureCount >= p.cfg.MaxFailures {
			continue
		}
		if key == exclude && len(p.order) > 1 {
			continue
		}
		if !identity.LastUsedAt.IsZero() && now.Sub(identity.LastUsedAt) < p.cfg.RotationInterval {
			continue
		}
		candidates = append(candidates, candidate{identity: identity, score: p.score(identity, now), index: index})
	}
	if len(candidates) == 0 {
		delete(p.current, platform)
		return Identity{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].index < candidates[j].index
	})

	best := candidates[0].identity
	best.LastUsedAt = now
	p.current[platform] = best.ID
	return *best, true
}

// reactivateLocked reinstates identities whose deactivation cooldown has
// elapsed, giving them a fresh failure budget.
func (p *Pool) reactivateLocked() {
	now := p.now()
	for _, key := range p.order {
		identity := p.identities[key]
		if identity.Active || identity.DeactivatedAt == nil {
			continue
		}
		if now.Sub(*identity.DeactivatedAt) < p.cfg.ReactivationCooldown {
			continue
		}
		identity.Active = true
		identity.FailureCount = 0
		identity.DeactivatedAt = nil
		p.logger().Info("Egress identity reactivated", zap.String("identity", identity.ID))
	}
}

func (p *Pool) score(identity *Identity, now time.Time) float64 {
	score := identity.SuccessRate - failurePenalty*float64(identity.FailureCount)
	if identity.LastUsedAt.IsZero() {
		score += idleBonusCap
	} else {
		score += math.Min(now.Sub(identity.LastUsedAt).Minutes(), idleBonusCap)
	}
	if identity.Tier == TierPremium {
		score += premiumBonus
	}
	return score
}

func (p *Pool) now() time.Time {
	if p != nil && p.Clock != nil {
		return p.Clock().UTC()
	}
	return time.Now().UTC()
}

func (p *Pool) logger() observability.Logger {
	return observability.LoggerOrNop(p.Logger)
}

func smooth(current, sample float64) float64 {
	return current*(1-rateAlpha) + sample*rateAlpha
}
