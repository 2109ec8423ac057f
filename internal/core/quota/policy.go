package quota

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Window identifies one of the fixed counting windows.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
	WindowBurst  Window = "burst"
)

// Windows lists the windows in denial-priority order.
var Windows = []Window{WindowMinute, WindowHour, WindowDay, WindowBurst}

// Length returns the window duration.
func (w Window) Length() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	case WindowBurst:
		return 10 * time.Second
	default:
		return 0
	}
}

// Policy is the per-platform admission budget.
type Policy struct {
	PerMinute       int           `json:"per_minute" yaml:"per_minute" mapstructure:"per_minute"`
	PerHour         int           `json:"per_hour" yaml:"per_hour" mapstructure:"per_hour"`
	PerDay          int           `json:"per_day" yaml:"per_day" mapstructure:"per_day"`
	Burst           int           `json:"burst" yaml:"burst" mapstructure:"burst"`
	Cooldown        time.Duration `json:"cooldown" yaml:"cooldown" mapstructure:"cooldown"`
	AdaptiveScaling bool          `json:"adaptive_scaling" yaml:"adaptive_scaling" mapstructure:"adaptive_scaling"`
}

// DefaultPolicies are conservative budgets for the platforms we know about.
var DefaultPolicies = map[string]Policy{
	"amazon":  {PerMinute: 10, PerHour: 300, PerDay: 3000, Burst: 3, Cooldown: 2 * time.Minute, AdaptiveScaling: true},
	"walmart": {PerMinute: 20, PerHour: 600, PerDay: 6000, Burst: 5, Cooldown: time.Minute, AdaptiveScaling: true},
	"ebay":    {PerMinute: 30, PerHour: 1000, PerDay: 10000, Burst: 8, Cooldown: 30 * time.Second, AdaptiveScaling: true},
}

// DefaultPolicy applies to platforms configured without explicit limits.
var DefaultPolicy = Policy{PerMinute: 20, PerHour: 500, PerDay: 5000, Burst: 5, Cooldown: time.Minute, AdaptiveScaling: true}

// Limit returns the limit for a window.
func (p Policy) Limit(w Window) int {
	switch w {
	case WindowMinute:
		return p.PerMinute
	case WindowHour:
		return p.PerHour
	case WindowDay:
		return p.PerDay
	case WindowBurst:
		return p.Burst
	default:
		return 0
	}
}

// Validate rejects policies that could never admit a request.
func (p Policy) Validate() error {
	for _, w := range Windows {
		if p.Limit(w) <= 0 {
			return fmt.Errorf("%s limit must be positive", w)
		}
	}
	if p.Cooldown < 0 {
		return errors.New("cooldown must not be negative")
	}
	return nil
}

// WithMargin scales every limit by margin in (0, 1], keeping each limit at
// least 1.
func (p Policy) WithMargin(margin float64) Policy {
	if margin <= 0 || margin > 1 {
		return p
	}
	return p.mapLimits(func(_ Window, limit int) int {
		return atLeastOne(int(math.Floor(float64(limit) * margin)))
	})
}

func (p Policy) withLimit(w Window, value int) Policy {
	switch w {
	case WindowMinute:
		p.PerMinute = value
	case WindowHour:
		p.PerHour = value
	case WindowDay:
		p.PerDay = value
	case WindowBurst:
		p.Burst = value
	}
	return p
}

func (p Policy) mapLimits(fn func(Window, int) int) Policy {
	out := p
	for _, w := range Windows {
		out = out.withLimit(w, fn(w, p.Limit(w)))
	}
	return out
}

func atLeastOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
