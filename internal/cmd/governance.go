package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/config"
	"github.com/shopvet/shopvet/internal/core/counter"
	"github.com/shopvet/shopvet/internal/core/egress"
	"github.com/shopvet/shopvet/internal/core/engine"
	"github.com/shopvet/shopvet/internal/core/fetch"
	"github.com/shopvet/shopvet/internal/core/monitor"
	"github.com/shopvet/shopvet/internal/core/queue"
	"github.com/shopvet/shopvet/internal/core/quota"
	"github.com/shopvet/shopvet/internal/core/retry"
	"github.com/shopvet/shopvet/internal/core/store"
	"github.com/shopvet/shopvet/internal/observability"
)

// governance is a governor plus the resources it holds open.
type governance struct {
	Governor *engine.Governor
	Store    *store.Store
	Counters counter.Store

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (g *governance) Close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}

// openGovernance builds the full governance layer from configuration. The
// persistence store is optional unless it also backs the counters.
func openGovernance(ctx context.Context, cfg *config.Config, logger observability.Logger) (*governance, error) {
	logger = observability.LoggerOrNop(logger)
	g := &governance{}

	st, err := openStoreWith(ctx, cfg.Store)
	switch {
	case err == nil:
		g.Store = st
		g.closers = append(g.closers, st.Close)
	case cfg.Counter.Driver == config.CounterDriverSQL:
		return nil, fmt.Errorf("open store for sql counters: %w", err)
	default:
		logger.Warn("Persistence store unavailable; attempt log disabled", zap.Error(err))
	}

	counters, err := openCounters(ctx, cfg, g.Store)
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	g.Counters = counters
	if closer, ok := counters.(counter.Closer); ok && counters != counter.Store(g.Store) {
		g.closers = append(g.closers, closer.Close)
	}

	opts, err := engineOptions(cfg)
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	opts.Counters = counters
	opts.Logger = logger
	if g.Store != nil {
		opts.Logs = g.Store
	}

	governor, err := engine.New(opts)
	if err != nil {
		_ = g.Close()
		return nil, fmt.Errorf("build governor: %w", err)
	}
	governor.Quota.ShrinkFactor = cfg.Adaptive.ShrinkFactor
	governor.Quota.GrowFactor = cfg.Adaptive.GrowFactor
	governor.Quota.FloorRatio = cfg.Adaptive.FloorRatio
	g.Governor = governor

	logger.Debug("Governance layer assembled",
		zap.String("counter_driver", cfg.Counter.Driver),
		zap.Bool("persistence", g.Store != nil),
		zap.Strings("platforms", governor.Quota.Platforms()))
	return g, nil
}

func openStoreWith(ctx context.Context, cfg config.StoreConfig) (*store.Store, error) {
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func openCounters(ctx context.Context, cfg *config.Config, st *store.Store) (counter.Store, error) {
	switch cfg.Counter.Driver {
	case config.CounterDriverMemory:
		return counter.NewMemoryStore(), nil
	case config.CounterDriverRedis:
		redisStore, err := counter.NewRedisStore(ctx, counter.RedisOptions{
			URL:       cfg.Counter.RedisURL,
			KeyPrefix: cfg.Counter.KeyPrefix,
			Timeout:   cfg.Counter.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis counters: %w", err)
		}
		return redisStore, nil
	case config.CounterDriverSQL:
		if st == nil {
			return nil, errors.New("sql counters need the persistence store")
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown counter driver %q", cfg.Counter.Driver)
	}
}

// engineOptions translates configuration into governor options, without
// the stores.
func engineOptions(cfg *config.Config) (engine.Options, error) {
	identities, err := configuredIdentities(cfg.Egress)
	if err != nil {
		return engine.Options{}, err
	}

	policies := make(map[string]quota.Policy, len(cfg.Platforms))
	retryPolicies := make(map[string]retry.Policy)
	limits := make(map[string]int)
	for name, platform := range cfg.Platforms {
		policies[name] = platform.RateLimit
		if platform.Retry != nil {
			retryPolicies[name] = *platform.Retry
		}
		if platform.MaxConcurrent > 0 {
			limits[name] = platform.MaxConcurrent
		}
	}

	return engine.Options{
		Policies:      policies,
		RetryPolicies: retryPolicies,
		Identities:    identities,
		Egress: egress.Config{
			MaxFailures:          cfg.Egress.MaxFailures,
			RotationInterval:     cfg.Egress.RotationInterval,
			ReactivationCooldown: cfg.Egress.ReactivationCooldown,
		},
		Queue: queue.Config{
			TickInterval:    cfg.Queue.TickInterval,
			CleanupInterval: cfg.Queue.CleanupInterval,
			MaxAge:          cfg.Queue.MaxAge,
			DefaultTimeout:  cfg.Queue.DefaultTimeout,
			MaxConcurrent:   cfg.Queue.MaxConcurrent,
			PlatformLimits:  limits,
		},
		Monitor: monitor.Config(cfg.Monitor),
		Fetcher: &fetch.Fetcher{
			Timeout:   cfg.Fetch.Timeout,
			MaxBody:   cfg.Fetch.MaxBody,
			UserAgent: cfg.Fetch.UserAgent,
		},
		AdaptiveInterval:    cfg.Adaptive.Interval,
		PoolCleanupInterval: cfg.Egress.CleanupInterval,
		SafetyMargin:        cfg.SafetyMargin,
	}, nil
}

// configuredIdentities parses both proxy tiers. Duplicates across tiers
// keep the first occurrence.
func configuredIdentities(cfg config.EgressConfig) ([]egress.Identity, error) {
	var identities []egress.Identity
	seen := make(map[string]bool)
	for _, tier := range []struct {
		raw  []string
		tier egress.Tier
	}{
		{cfg.Proxies, egress.TierStandard},
		{cfg.PremiumProxies, egress.TierPremium},
	} {
		for _, raw := range tier.raw {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			identity, err := egress.ParseIdentity(raw, tier.tier)
			if err != nil {
				return nil, fmt.Errorf("%s proxy: %w", tier.tier, err)
			}
			if seen[identity.ID] {
				continue
			}
			seen[identity.ID] = true
			identities = append(identities, identity)
		}
	}
	return identities, nil
}
