// Package fetch provides the generic HTTP operation the governance layer runs:
// a GET through the selected egress identity with the response classified
// into rate-limited, blocked, captcha and upstream failures.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/core/egress"
	"github.com/shopvet/shopvet/internal/core/retry"
)

const (
	defaultTimeout  = 20 * time.Second
	defaultMaxBody  = 2 << 20
	captchaScanSize = 64 << 10
)

var captchaMarkers = []string{
	"captcha",
	"robot check",
	"verify you are human",
	"are you a robot",
	"press & hold",
}

// Page is a successfully fetched response.
type Page struct {
	URL         string        `json:"url"`
	StatusCode  int           `json:"status_code"`
	ContentType string        `json:"content_type,omitempty"`
	Body        []byte        `json:"-"`
	Size        int           `json:"size"`
	Truncated   bool          `json:"truncated"`
	Duration    time.Duration `json:"duration"`
	FetchedAt   time.Time     `json:"fetched_at"`
	Identity    string        `json:"identity,omitempty"`
}

// StatusError is a classified non-success response.
type StatusError struct {
	URL        string
	StatusCode int
	Class      core.ErrorClass
	RetryAfter time.Duration
	Detail     string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("fetch %s: status %d (%s)", e.URL, e.StatusCode, e.Class)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter.Round(time.Second))
	}
	return msg
}

// ErrorClass satisfies retry.Classified.
func (e *StatusError) ErrorClass() core.ErrorClass {
	return e.Class
}

var _ retry.Classified = (*StatusError)(nil)

// Fetcher issues GET requests, one transport per egress identity.
type Fetcher struct {
	Timeout   time.Duration
	MaxBody   int64
	UserAgent string
	Headers   http.Header
	Clock     func() time.Time

	// Direct is used when no identity is selected. Tests inject it.
	Direct *http.Client

	mu      sync.Mutex
	clients map[string]*http.Client
}

// Operation returns a retry.Operation that fetches target.
func (f *Fetcher) Operation(target string) retry.Operation {
	return func(ctx context.Context, identity *egress.Identity) (any, error) {
		return f.Get(ctx, target, identity)
	}
}

// Get fetches target through identity, or directly when identity is nil.
func (f *Fetcher) Get(ctx context.Context, target string, identity *egress.Identity) (*Page, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(strings.TrimSpace(target))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid fetch url %q", target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, err
	}
	for key, values := range f.Headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	}

	started := f.now()
	resp, err := f.client(identity).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", parsed.Redacted(), err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	limit := f.MaxBody
	if limit <= 0 {
		limit = defaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", parsed.Redacted(), err)
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}

	if statusErr := classifyResponse(parsed.Redacted(), resp, body, f.now()); statusErr != nil {
		return nil, statusErr
	}

	page := &Page{
		URL:         parsed.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Size:        len(body),
		Truncated:   truncated,
		Duration:    f.now().Sub(started),
		FetchedAt:   f.now(),
	}
	if identity != nil {
		page.Identity = identity.ID
	}
	return page, nil
}

func classifyResponse(target string, resp *http.Response, body []byte, now time.Time) *StatusError {
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		wait, _ := retryAfter(resp, now)
		return &StatusError{URL: target, StatusCode: status, Class: core.ErrorClassRateLimited, RetryAfter: wait, Detail: "too many requests"}
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		class := core.ErrorClassBlocked
		if hasCaptchaMarker(body) {
			class = core.ErrorClassCaptcha
		}
		return &StatusError{URL: target, StatusCode: status, Class: class, Detail: "access denied"}
	case status == http.StatusProxyAuthRequired:
		return &StatusError{URL: target, StatusCode: status, Class: core.ErrorClassProxy, Detail: "proxy authentication required"}
	case status == http.StatusServiceUnavailable:
		wait, _ := retryAfter(resp, now)
		class := core.ErrorClassUpstream
		if hasCaptchaMarker(body) {
			class = core.ErrorClassCaptcha
		}
		return &StatusError{URL: target, StatusCode: status, Class: class, RetryAfter: wait, Detail: http.StatusText(status)}
	case status >= 500:
		return &StatusError{URL: target, StatusCode: status, Class: core.ErrorClassUpstream, Detail: http.StatusText(status)}
	case status >= 400:
		return &StatusError{URL: target, StatusCode: status, Class: core.ErrorClassUnknown, Detail: http.StatusText(status)}
	case hasCaptchaMarker(body):
		return &StatusError{URL: target, StatusCode: status, Class: core.ErrorClassCaptcha, Detail: "verification challenge served"}
	default:
		return nil
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(resp *http.Response, now time.Time) (time.Duration, bool) {
	if resp == nil || resp.Header == nil {
		return 0, false
	}
	value := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if seconds, err := time.ParseDuration(value + "s"); err == nil && seconds >= 0 {
		return seconds, true
	}
	if parsed, err := http.ParseTime(value); err == nil {
		if wait := parsed.Sub(now); wait > 0 {
			return wait, true
		}
		return 0, true
	}
	return 0, false
}

func hasCaptchaMarker(body []byte) bool {
	if len(body) > captchaScanSize {
		body = body[:captchaScanSize]
	}
	lower := bytes.ToLower(body)
	for _, marker := range captchaMarkers {
		if bytes.Contains(lower, []byte(marker)) {
			return true
		}
	}
	return false
}

func (f *Fetcher) client(identity *egress.Identity) *http.Client {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if identity == nil {
		if f.Direct != nil {
			return f.Direct
		}
		return &http.Client{Timeout: timeout}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.clients == nil {
		f.clients = make(map[string]*http.Client)
	}
	if client, ok := f.clients[identity.ID]; ok {
		return client
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(identity.ProxyURL())
	client := &http.Client{Timeout: timeout, Transport: transport}
	f.clients[identity.ID] = client
	return client
}

// CloseIdle releases idle proxy connections.
func (f *Fetcher) CloseIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, client := range f.clients {
		client.CloseIdleConnections()
	}
	if f.Direct != nil {
		f.Direct.CloseIdleConnections()
	}
}

func (f *Fetcher) now() time.Time {
	if f != nil && f.Clock != nil {
		return f.Clock().UTC()
	}
	return time.Now().UTC()
}

// IsStatus reports whether err carries a response with the given status.
func IsStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == status
}
