package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/core/egress"
	"github.com/shopvet/shopvet/internal/core/engine"
	"github.com/shopvet/shopvet/internal/core/fetch"
	"github.com/shopvet/shopvet/internal/core/monitor"
	"github.com/shopvet/shopvet/internal/core/queue"
	"github.com/shopvet/shopvet/internal/core/quota"
	"github.com/shopvet/shopvet/internal/core/retry"
	apperrors "github.com/shopvet/shopvet/internal/errors"
	"github.com/shopvet/shopvet/internal/metrics"
)

const (
	maxRequestBody  = 64 << 10
	maxBodyInResult = 256 << 10
)

// GovernanceAPI serves the /v1 governance endpoints.
type GovernanceAPI struct {
	Governor *engine.Governor
}

// NewGovernanceAPI binds the API to a governor.
func NewGovernanceAPI(governor *engine.Governor) *GovernanceAPI {
	return &GovernanceAPI{Governor: governor}
}

// Routes mounts every endpoint on r.
func (a *GovernanceAPI) Routes(r chi.Router) {
	r.Get("/quota", a.ListQuota)
	r.Get("/quota/{platform}", a.GetQuota)
	r.Put("/quota/{platform}/policy", a.UpdatePolicy)
	r.Post("/quota/{platform}/admit", a.Admit)
	r.Post("/quota/{platform}/success", a.ReportSuccess)
	r.Post("/quota/{platform}/failure", a.ReportFailure)

	r.Get("/egress", a.Egress)
	r.Get("/queue", a.Queue)
	r.Post("/platforms/{platform}/fetch", a.Fetch)

	r.Get("/monitor/summary", a.MonitorSummary)
	r.Get("/monitor/metrics", a.MonitorMetrics)
	r.Get("/monitor/health", a.MonitorHealth)

	r.Get("/alerts", a.Alerts)
	r.Post("/alerts/{id}/resolve", a.ResolveAlert)
}

// QuotaList is the response for GET /v1/quota.
type QuotaList struct {
	Platforms []quota.Status `json:"platforms"`
}

// ListQuota reports every configured platform.
func (a *GovernanceAPI) ListQuota(w http.ResponseWriter, r *http.Request) {
	list := QuotaList{Platforms: []quota.Status{}}
	for _, platform := range a.Governor.Quota.Platforms() {
		status, err := a.Governor.Quota.Status(r.Context(), platform)
		if err != nil {
			respondWithError(w, r, apperrors.WrapServiceUnavailable(r.Context(), err, "counter store unavailable"))
			return
		}
		list.Platforms = append(list.Platforms, status)
	}
	writeJSON(w, http.StatusOK, list)
}

// GetQuota reports one platform.
func (a *GovernanceAPI) GetQuota(w http.ResponseWriter, r *http.Request) {
	status, err := a.Governor.Quota.Status(r.Context(), chi.URLParam(r, "platform"))
	if err != nil {
		respondWithError(w, r, apperrors.FromGovernance(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// PolicyRequest updates a platform's policy. Zero fields keep their current
// value; Cooldown is a Go duration string.
type PolicyRequest struct {
	PerMinute       int    `json:"per_minute"`
	PerHour         int    `json:"per_hour"`
	PerDay          int    `json:"per_day"`
	Burst           int    `json:"burst"`
	Cooldown        string `json:"cooldown"`
	AdaptiveScaling *bool  `json:"adaptive_scaling"`
}

// UpdatePolicy replaces a platform's base policy, registering the platform
// when it is new.
func (a *GovernanceAPI) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	platform := core.NormalizePlatform(chi.URLParam(r, "platform"))
	var req PolicyRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid policy body"))
		return
	}

	policy := quota.DefaultPolicy
	if status, err := a.Governor.Quota.Status(r.Context(), platform); err == nil {
		policy = status.BasePolicy
	}
	if req.PerMinute != 0 {
		policy.PerMinute = req.PerMinute
	}
	if req.PerHour != 0 {
		policy.PerHour = req.PerHour
	}
	if req.PerDay != 0 {
		policy.PerDay = req.PerDay
	}
	if req.Burst != 0 {
		policy.Burst = req.Burst
	}
	if req.Cooldown != "" {
		cooldown, err := time.ParseDuration(req.Cooldown)
		if err != nil {
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid cooldown"))
			return
		}
		policy.Cooldown = cooldown
	}
	if req.AdaptiveScaling != nil {
		policy.AdaptiveScaling = *req.AdaptiveScaling
	}

	if err := a.Governor.Quota.UpdatePolicy(platform, policy); err != nil {
		respondWithError(w, r, apperrors.WrapValidationError(r.Context(), err, "policy rejected"))
		return
	}
	status, err := a.Governor.Quota.Status(r.Context(), platform)
	if err != nil {
		respondWithError(w, r, apperrors.FromGovernance(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Admit consumes one unit of quota for callers that run their own requests.
// A denial answers 429 with Retry-After.
func (a *GovernanceAPI) Admit(w http.ResponseWriter, r *http.Request) {
	platform := core.NormalizePlatform(chi.URLParam(r, "platform"))
	if _, ok := a.Governor.Quota.Policy(platform); !ok {
		respondWithError(w, r, apperrors.FromGovernance(r.Context(), fmt.Errorf("%w: %s", quota.ErrUnknownPlatform, platform)))
		return
	}

	decision := a.Governor.Quota.Admit(r.Context(), platform)
	metrics.RecordAdmission(platform, decision.Allowed, decision.Reason)
	if !decision.Allowed {
		if seconds := int(math.Ceil(decision.RetryAfter.Seconds())); seconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
		respondWithError(w, r, apperrors.NewAdmissionDenied(r.Context(), platform, decision))
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// SuccessReport is the body of POST /v1/quota/{platform}/success.
type SuccessReport struct {
	ResponseTimeMs int64 `json:"response_time_ms"`
}

// ReportSuccess records a success observed outside the queue.
func (a *GovernanceAPI) ReportSuccess(w http.ResponseWriter, r *http.Request) {
	var req SuccessReport
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid success report"))
		return
	}
	if req.ResponseTimeMs < 0 {
		respondWithError(w, r, apperrors.NewValidationError("response_time_ms must not be negative"))
		return
	}
	platform := chi.URLParam(r, "platform")
	if err := a.Governor.Quota.ReportSuccess(r.Context(), platform, time.Duration(req.ResponseTimeMs)*time.Millisecond); err != nil {
		respondWithError(w, r, apperrors.FromGovernance(r.Context(), err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FailureReport is the body of POST /v1/quota/{platform}/failure.
type FailureReport struct {
	ErrorClass string `json:"error_class"`
	Message    string `json:"message"`
}

// ReportFailure records a failure observed outside the queue. The class is
// taken from error_class, or derived from message when absent.
func (a *GovernanceAPI) ReportFailure(w http.ResponseWriter, r *http.Request) {
	var req FailureReport
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid failure report"))
		return
	}
	class := core.ParseErrorClass(req.ErrorClass)
	if strings.TrimSpace(req.ErrorClass) == "" && req.Message != "" {
		class = retry.Classify(errors.New(req.Message))
	}

	platform := chi.URLParam(r, "platform")
	if err := a.Governor.Quota.ReportFailure(r.Context(), platform, class); err != nil {
		respondWithError(w, r, apperrors.FromGovernance(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"platform": core.NormalizePlatform(platform), "error_class": string(class)})
}

// EgressResponse is the response for GET /v1/egress.
type EgressResponse struct {
	Health     egress.Health     `json:"health"`
	Identities []egress.Identity `json:"identities"`
}

// Egress reports the identity pool.
func (a *GovernanceAPI) Egress(w http.ResponseWriter, r *http.Request) {
	identities := a.Governor.Pool.Snapshot()
	if identities == nil {
		identities = []egress.Identity{}
	}
	writeJSON(w, http.StatusOK, EgressResponse{Health: a.Governor.Pool.HealthCheck(), Identities: identities})
}

// QueueResponse is the response for GET /v1/queue.
type QueueResponse struct {
	Stats   queue.Stats   `json:"stats"`
	Pending []queue.Entry `json:"pending"`
}

// Queue reports queue depth and pending entries in dispatch order.
func (a *GovernanceAPI) Queue(w http.ResponseWriter, r *http.Request) {
	pending := a.Governor.Queue.Pending()
	if pending == nil {
		pending = []queue.Entry{}
	}
	writeJSON(w, http.StatusOK, QueueResponse{Stats: a.Governor.Queue.Stats(), Pending: pending})
}

// FetchRequest is the body of POST /v1/platforms/{platform}/fetch.
type FetchRequest struct {
	URL      string `json:"url"`
	Priority string `json:"priority"`
	Timeout  string `json:"timeout"`
}

// FetchResponse carries the fetched page and how it was obtained.
type FetchResponse struct {
	Page      *fetch.Page `json:"page"`
	Body      string      `json:"body,omitempty"`
	Attempts  int         `json:"attempts"`
	ElapsedMs int64       `json:"elapsed_ms"`
}

// Fetch queues a governed HTTP GET and waits for its outcome.
func (a *GovernanceAPI) Fetch(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid fetch body"))
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		respondWithError(w, r, apperrors.NewValidationError("url is required"))
		return
	}
	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		respondWithError(w, r, apperrors.WrapValidationError(r.Context(), err, "invalid priority"))
		return
	}
	var timeout time.Duration
	if req.Timeout != "" {
		if timeout, err = time.ParseDuration(req.Timeout); err != nil || timeout <= 0 {
			respondWithError(w, r, apperrors.NewValidationError("timeout must be a positive duration"))
			return
		}
	}

	platform := chi.URLParam(r, "platform")
	page, result, err := a.Governor.Fetch(r.Context(), platform, req.URL, priority, timeout)
	if err != nil {
		respondWithError(w, r, apperrors.FromGovernance(r.Context(), err))
		return
	}

	body := page.Body
	if len(body) > maxBodyInResult {
		body = body[:maxBodyInResult]
	}
	writeJSON(w, http.StatusOK, FetchResponse{
		Page:      page,
		Body:      string(body),
		Attempts:  result.Attempts,
		ElapsedMs: result.Elapsed.Milliseconds(),
	})
}

// MonitorSummary reports the performance summary.
func (a *GovernanceAPI) MonitorSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Governor.Monitor.GetPerformanceSummary())
}

// MonitorMetrics reports per-platform metrics from the last refresh.
func (a *GovernanceAPI) MonitorMetrics(w http.ResponseWriter, _ *http.Request) {
	platforms := a.Governor.Monitor.GetMetrics()
	if platforms == nil {
		platforms = []monitor.PlatformMetrics{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"platforms": platforms})
}

// MonitorHealth runs a health check and reports the verdict. Unhealthy
// answers 503 so load balancers can act on it.
func (a *GovernanceAPI) MonitorHealth(w http.ResponseWriter, r *http.Request) {
	health := a.Governor.Monitor.CheckHealth(r.Context())
	status := http.StatusOK
	if health.Status == monitor.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// Alerts lists alerts, newest first. ?active=true hides resolved ones.
func (a *GovernanceAPI) Alerts(w http.ResponseWriter, r *http.Request) {
	var alerts []monitor.Alert
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		alerts = a.Governor.Monitor.GetActiveAlerts()
	} else {
		alerts = a.Governor.Monitor.Alerts()
	}
	if alerts == nil {
		alerts = []monitor.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// ResolveAlert marks an alert resolved.
func (a *GovernanceAPI) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.Governor.Monitor.ResolveAlert(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, apperrors.FromGovernance(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
