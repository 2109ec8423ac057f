package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shopvet/shopvet/internal/core"
)

// Classified is implemented by errors that already know their class, such as
// the ones produced by the fetch operation.
type Classified interface {
	ErrorClass() core.ErrorClass
}

type signature struct {
	class   core.ErrorClass
	needles []string
}

// Order matters: the first match wins, so the most specific pushback
// signals come before generic transport failures.
var builtinSignatures = []signature{
	{core.ErrorClassCaptcha, []string{"captcha", "verify you are human", "are you a robot"}},
	{core.ErrorClassRateLimited, []string{"rate limit", "rate-limit", "ratelimit", "too many requests", "status 429"}},
	{core.ErrorClassBlocked, []string{"blocked", "access denied", "forbidden", "status 403"}},
	{core.ErrorClassProxy, []string{"proxy", "proxyconnect"}},
	{core.ErrorClassTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{core.ErrorClassNetwork, []string{"connection reset", "econnreset", "connection refused", "econnrefused", "broken pipe", "no such host", "unexpected eof"}},
}

var retryableClasses = map[core.ErrorClass]bool{
	core.ErrorClassCaptcha:     true,
	core.ErrorClassRateLimited: true,
	core.ErrorClassBlocked:     true,
	core.ErrorClassProxy:       true,
	core.ErrorClassTimeout:     true,
	core.ErrorClassNetwork:     true,
}

// Classify assigns an error class from typed errors first and then from the
// error text, including any %+v detail such as a stack trace.
func Classify(err error) core.ErrorClass {
	if err == nil {
		return core.ErrorClassUnknown
	}

	var classified Classified
	if errors.As(err, &classified) {
		if class := classified.ErrorClass(); class != "" {
			return class
		}
	}
	if errors.Is(err, context.Canceled) {
		return core.ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.ErrorClassTimeout
	}

	text := errorText(err)
	for _, sig := range builtinSignatures {
		if containsAny(text, sig.needles) {
			return sig.class
		}
	}
	return core.ErrorClassUnknown
}

// Retryable reports whether err should be retried under policy: either its
// class is in the built-in transient set or its text matches one of the
// policy's signatures.
func Retryable(err error, policy Policy) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if retryableClasses[Classify(err)] {
		return true
	}
	return containsAny(errorText(err), policy.RetryableErrors)
}

func errorText(err error) string {
	message := err.Error()
	detail := fmt.Sprintf("%+v", err)
	if detail != message {
		message += "\n" + detail
	}
	return strings.ToLower(message)
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		needle = strings.ToLower(strings.TrimSpace(needle))
		if needle != "" && strings.Contains(text, needle) {
			return true
		}
	}
	return false
}
