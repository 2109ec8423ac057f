package config

import (
	"fmt"
	"sort"
	"strings"
)

// Validate rejects configurations the governance layer cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}

	switch strings.ToLower(strings.TrimSpace(c.Counter.Driver)) {
	case CounterDriverMemory, CounterDriverSQL:
	case CounterDriverRedis:
		if strings.TrimSpace(c.Counter.RedisURL) == "" {
			return fmt.Errorf("%w: counter.redis_url is required for the redis driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown counter driver %q", ErrInvalid, c.Counter.Driver)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.SafetyMargin < 0 || c.SafetyMargin > 1 {
		return fmt.Errorf("%w: safety_margin must be within (0, 1]", ErrInvalid)
	}

	names := make([]string, 0, len(c.Platforms))
	for name := range c.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		platform := c.Platforms[name]
		if err := platform.RateLimit.Validate(); err != nil {
			return fmt.Errorf("%w: platforms.%s.rate_limit: %v", ErrInvalid, name, err)
		}
		if platform.Retry != nil {
			if err := platform.Retry.Validate(); err != nil {
				return fmt.Errorf("%w: platforms.%s.retry: %v", ErrInvalid, name, err)
			}
		}
		if platform.MaxConcurrent < 0 {
			return fmt.Errorf("%w: platforms.%s.max_concurrent must not be negative", ErrInvalid, name)
		}
	}

	if c.Adaptive.ShrinkFactor <= 0 || c.Adaptive.ShrinkFactor >= 1 {
		return fmt.Errorf("%w: adaptive.shrink_factor must be within (0, 1)", ErrInvalid)
	}
	if c.Adaptive.GrowFactor < 1 {
		return fmt.Errorf("%w: adaptive.grow_factor must be at least 1", ErrInvalid)
	}
	if c.Adaptive.FloorRatio <= 0 || c.Adaptive.FloorRatio > 1 {
		return fmt.Errorf("%w: adaptive.floor_ratio must be within (0, 1]", ErrInvalid)
	}

	if c.Egress.MaxFailures < 0 {
		return fmt.Errorf("%w: egress.max_failures must not be negative", ErrInvalid)
	}
	if c.Queue.MaxConcurrent < 0 {
		return fmt.Errorf("%w: queue.max_concurrent must not be negative", ErrInvalid)
	}
	return nil
}
