package core

import (
	"strings"
	"time"
)

// Outcome is the result of a single outbound attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AttemptRecord is one row of the durable attempt log.
type AttemptRecord struct {
	Platform   string    `json:"platform"`
	Outcome    Outcome   `json:"outcome"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Identity   string    `json:"identity,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Succeeded reports whether the attempt ended in success.
func (r AttemptRecord) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// NormalizePlatform lower-cases and trims a platform name so map keys and
// counter keys stay stable regardless of caller input.
func NormalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

// ErrorClass is the coarse category assigned to a failed attempt.
type ErrorClass string

const (
	ErrorClassBlocked     ErrorClass = "blocked"
	ErrorClassCaptcha     ErrorClass = "captcha"
	ErrorClassRateLimited ErrorClass = "rate_limited"
	ErrorClassTimeout     ErrorClass = "timeout"
	ErrorClassNetwork     ErrorClass = "network"
	ErrorClassProxy       ErrorClass = "proxy"
	ErrorClassUpstream    ErrorClass = "upstream"
	ErrorClassUnknown     ErrorClass = "unknown"
)

// Blocking reports whether the class means the platform is actively pushing
// back on us rather than failing incidentally.
func (c ErrorClass) Blocking() bool {
	switch c {
	case ErrorClassBlocked, ErrorClassCaptcha, ErrorClassRateLimited:
		return true
	default:
		return false
	}
}

// ParseErrorClass maps free-form input onto a known class.
func ParseErrorClass(value string) ErrorClass {
	switch ErrorClass(strings.ToLower(strings.TrimSpace(value))) {
	case ErrorClassBlocked:
		return ErrorClassBlocked
	case ErrorClassCaptcha:
		return ErrorClassCaptcha
	case ErrorClassRateLimited, "rate_limit", "ratelimited":
		return ErrorClassRateLimited
	case ErrorClassTimeout:
		return ErrorClassTimeout
	case ErrorClassNetwork:
		return ErrorClassNetwork
	case ErrorClassProxy:
		return ErrorClassProxy
	case ErrorClassUpstream:
		return ErrorClassUpstream
	default:
		return ErrorClassUnknown
	}
}
