package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopvet/shopvet/internal/core/counter"
	"github.com/shopvet/shopvet/internal/core/egress"
	"github.com/shopvet/shopvet/internal/core/engine"
	"github.com/shopvet/shopvet/internal/core/queue"
	"github.com/shopvet/shopvet/internal/core/quota"
	"github.com/shopvet/shopvet/internal/core/retry"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 10, 0, time.UTC)

type apiFixture struct {
	governor *engine.Governor
	router   http.Handler
}

func newAPIFixture(t *testing.T, identities ...egress.Identity) *apiFixture {
	t.Helper()
	return newAPIFixtureAt(t, fixedNow, identities...)
}

func newAPIFixtureAt(t *testing.T, now time.Time, identities ...egress.Identity) *apiFixture {
	t.Helper()
	ResetHTTPErrorResponder()

	governor, err := engine.New(engine.Options{
		Counters: counter.NewMemoryStore(),
		Policies: map[string]quota.Policy{
			"amazon": {PerMinute: 2, PerHour: 100, PerDay: 1000, Burst: 10, Cooldown: 30 * time.Second},
		},
		RetryPolicies: map[string]retry.Policy{
			"amazon": {MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1},
		},
		Identities: identities,
		Queue:      queue.Config{TickInterval: 5 * time.Millisecond},
		Clock:      func() time.Time { return now },
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/v1", NewGovernanceAPI(governor).Routes)
	return &apiFixture{governor: governor, router: r}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestListAndGetQuota(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/quota", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[QuotaList](t, rec)
	require.Len(t, list.Platforms, 1)
	assert.Equal(t, "amazon", list.Platforms[0].Platform)

	rec = f.do(t, http.MethodGet, "/v1/quota/Amazon", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[quota.Status](t, rec)
	assert.Equal(t, 2, status.Policy.PerMinute)
	assert.True(t, status.Decision.Allowed)

	rec = f.do(t, http.MethodGet, "/v1/quota/etsy", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmitDeniesPastLimit(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/v1/quota/amazon/admit", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode[quota.Decision](t, rec).Allowed)
	}

	rec := f.do(t, http.MethodPost, "/v1/quota/amazon/admit", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "50", rec.Header().Get("Retry-After"))
	body := decode[errorBody](t, rec)
	assert.Equal(t, "ADMISSION_DENIED", body.Error.Code)
	assert.Equal(t, "amazon", body.Error.Details["platform"])
	assert.EqualValues(t, 50000, body.Error.Details["retry_after_ms"])

	rec = f.do(t, http.MethodPost, "/v1/quota/etsy/admit", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmitDeniedNearWindowEnd(t *testing.T) {
	f := newAPIFixtureAt(t, time.Date(2026, 3, 2, 10, 0, 59, 700_000_000, time.UTC))

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/quota/amazon/admit", "").Code)
	}

	rec := f.do(t, http.MethodPost, "/v1/quota/amazon/admit", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	body := decode[errorBody](t, rec)
	assert.EqualValues(t, 300, body.Error.Details["retry_after_ms"])
	assert.Equal(t, "minute limit exceeded", body.Error.Details["reason"])
}

func TestUpdatePolicy(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/quota/amazon/policy", `{"per_minute": 7, "cooldown": "45s"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[quota.Status](t, rec)
	assert.Equal(t, 7, status.BasePolicy.PerMinute)
	assert.Equal(t, 100, status.BasePolicy.PerHour)
	assert.Equal(t, 45*time.Second, status.BasePolicy.Cooldown)

	rec = f.do(t, http.MethodPut, "/v1/quota/etsy/policy", `{"per_minute": 3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, f.governor.Quota.Platforms(), "etsy")

	rec = f.do(t, http.MethodPut, "/v1/quota/amazon/policy", `{"cooldown": "soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/quota/amazon/policy", `{"per_minute": -4}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/quota/amazon/policy", `{"per_second": 4}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportFailureStartsCooldown(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/quota/amazon/failure", `{"message": "status 403: access denied"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "blocked", decode[map[string]string](t, rec)["error_class"])

	rec = f.do(t, http.MethodGet, "/v1/quota/amazon", "")
	status := decode[quota.Status](t, rec)
	require.NotNil(t, status.CooldownUntil)
	assert.False(t, status.Decision.Allowed)

	rec = f.do(t, http.MethodPost, "/v1/quota/etsy/failure", `{"error_class": "network"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportSuccess(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/quota/amazon/success", `{"response_time_ms": 320}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	status, err := f.governor.Quota.Status(context.Background(), "amazon")
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.Samples)

	rec = f.do(t, http.MethodPost, "/v1/quota/amazon/success", `{"response_time_ms": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEgressAndQueue(t *testing.T) {
	identity, err := egress.ParseIdentity("user:secret@10.0.0.1:3128", egress.TierStandard)
	require.NoError(t, err)
	f := newAPIFixture(t, identity)

	rec := f.do(t, http.MethodGet, "/v1/egress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	egressBody := decode[EgressResponse](t, rec)
	assert.Equal(t, 1, egressBody.Health.Total)
	require.Len(t, egressBody.Identities, 1)
	assert.Equal(t, "10.0.0.1", egressBody.Identities[0].Host)

	rec = f.do(t, http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	queueBody := decode[QueueResponse](t, rec)
	assert.Equal(t, 0, queueBody.Stats.Size)
	assert.Empty(t, queueBody.Pending)
}

func TestFetchThroughQueue(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>listing</html>"))
	}))
	defer target.Close()

	f := newAPIFixture(t)
	f.governor.Fetcher.Direct = target.Client()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.governor.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	rec := f.do(t, http.MethodPost, "/v1/platforms/amazon/fetch", `{"url": "`+target.URL+`", "priority": "high", "timeout": "5s"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[FetchResponse](t, rec)
	assert.Equal(t, 1, body.Attempts)
	assert.Equal(t, "<html>listing</html>", body.Body)
	require.NotNil(t, body.Page)
	assert.Equal(t, http.StatusOK, body.Page.StatusCode)
}

func TestFetchValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := map[string]string{
		"missing url":  `{}`,
		"bad priority": `{"url": "http://example.com", "priority": "urgent"}`,
		"bad timeout":  `{"url": "http://example.com", "timeout": "-1s"}`,
		"bad json":     `{"url": `,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/platforms/amazon/fetch", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestMonitorEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/monitor/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = f.do(t, http.MethodGet, "/v1/monitor/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/monitor/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"platforms": []}`, rec.Body.String())
}

func TestAlertsEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/alerts?active=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"alerts": []}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/alerts/missing/resolve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
