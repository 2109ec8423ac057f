package retry

import (
	"errors"
	"math"
	"time"

	"github.com/shopvet/shopvet/internal/core"
)

// Policy controls how many times and how patiently an operation is retried.
type Policy struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelay         time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	// RetryableErrors are extra case-insensitive signatures on top of the
	// built-in network and blocking set.
	RetryableErrors []string `json:"retryable_errors" yaml:"retryable_errors" mapstructure:"retryable_errors"`
}

// DefaultPolicy is used for platforms without a preset or override.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		RetryableErrors:   []string{"bad gateway", "service unavailable", "gateway timeout"},
	}
}

// Presets are tuned per platform. Platforms that challenge aggressively
// with verification flows get more attempts and a slower backoff.
var Presets = map[string]Policy{
	"amazon": {
		MaxRetries:        5,
		BaseDelay:         2 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.5,
		RetryableErrors:   []string{"robot check", "bad gateway", "service unavailable"},
	},
	"walmart": {
		MaxRetries:        4,
		BaseDelay:         1500 * time.Millisecond,
		MaxDelay:          45 * time.Second,
		BackoffMultiplier: 2,
		RetryableErrors:   []string{"press & hold", "bad gateway", "service unavailable"},
	},
	"ebay": {
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          20 * time.Second,
		BackoffMultiplier: 2,
		RetryableErrors:   []string{"bad gateway", "service unavailable"},
	},
}

// PolicyFor returns the preset for a platform, or the default policy.
func PolicyFor(platform string) Policy {
	if preset, ok := Presets[core.NormalizePlatform(platform)]; ok {
		return preset
	}
	return DefaultPolicy()
}

// Validate rejects policies that cannot produce a sane schedule.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("delays must not be negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return errors.New("base_delay must not exceed max_delay")
	}
	if p.BackoffMultiplier < 1 {
		return errors.New("backoff_multiplier must be at least 1")
	}
	return nil
}

// Delay returns the un-jittered wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// jittered adds up to maxJitter of extra wait to the base delay and caps
// the sum at MaxDelay. random must be in [0, 1).
func (p Policy) jittered(attempt int, random float64) time.Duration {
	delay := p.Delay(attempt)
	delay += time.Duration(float64(delay) * maxJitter * random)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

const maxJitter = 0.1
