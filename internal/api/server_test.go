package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/idrisk/internal/falsepositive"
	"github.com/lvonguyen/idrisk/internal/indicator"
	"github.com/lvonguyen/idrisk/internal/observability"
	"github.com/lvonguyen/idrisk/internal/remediation"
	"github.com/lvonguyen/idrisk/internal/report"
	"github.com/lvonguyen/idrisk/internal/scoring"
)

const accountScope = "account:alice@contoso.com"

var ur01 = indicator.FindingKey{IndicatorID: indicator.UR01, Scope: accountScope}

func finding(id indicator.ID, scope string, points int, triggered bool) indicator.Finding {
	fam, _ := id.Family()
	return indicator.Finding{IndicatorID: id, Family: fam, Scope: scope, Points: points, Triggered: triggered}
}

type testEnv struct {
	server    *Server
	handler   http.Handler
	doc       *report.Document
	marks     falsepositive.Store
	telemetry *observability.Telemetry
}

func newTestEnv(t *testing.T, mutate ...func(o *Options)) *testEnv {
	t.Helper()
	store, err := report.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	doc, err := report.New("alice@contoso.com", indicator.DefaultCatalog(), scoring.DefaultConfig(), []indicator.Finding{
		finding(indicator.UR01, accountScope, 3, true),
		finding(indicator.UR02, accountScope, 4, false),
		finding(indicator.SR01, "signin:s1", 3, true),
		finding(indicator.SR09, "signin:s1", 4, true),
		finding(indicator.SR15, "signin:s1", -1, true),
	})
	require.NoError(t, err)
	_, err = store.Save(doc)
	require.NoError(t, err)

	opts := Options{
		Reports:   store,
		Marks:     falsepositive.NewMemoryStore(),
		Telemetry: observability.NewNop(),
		Version:   "1.2.3",
	}
	for _, m := range mutate {
		m(&opts)
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)

	return &testEnv{server: srv, handler: srv.Router(), doc: doc, marks: opts.Marks, telemetry: opts.Telemetry}
}

func (e *testEnv) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) markURL(key indicator.FindingKey) string {
	return "/api/v1/reports/" + e.doc.ReportID + "/false-positives/" + url.PathEscape(key.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

// =============================================================================
// Construction and health
// =============================================================================

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(Options{})
	assert.ErrorIs(t, err, ErrMissingDep)
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])

	rec = env.do(t, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health")

	rec := env.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	out, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(out), `idrisk_http_requests_total{method="GET",path="/health",status="200"} 1`)
}

// =============================================================================
// Reports
// =============================================================================

func TestListReports(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/reports")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Reports []report.Summary `json:"reports"`
		Count   int              `json:"count"`
	}](t, rec)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, env.doc.ReportID, body.Reports[0].ReportID)
	assert.Equal(t, env.doc.Result.Summary.OverallScore, body.Reports[0].Overall)
}

func TestGetReport(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/reports/"+env.doc.ReportID)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decode[report.Document](t, rec)
	assert.Equal(t, env.doc.ReportID, doc.ReportID)
	assert.Equal(t, 3, doc.Result.Account.RawPoints)
	assert.Empty(t, doc.Exclusions)
	assert.NoError(t, report.Verify(&doc))
}

func TestGetReport_NotFound(t *testing.T) {
	env := newTestEnv(t)

	tests := []string{
		"/api/v1/reports/6f1c2a9e-0d4b-4f7e-9a55-1f1f1f1f1f1f",
		"/api/v1/reports/not-a-report",
		"/api/v1/reports/6f1c2a9e-0d4b-4f7e-9a55-1f1f1f1f1f1f/score",
	}
	for _, target := range tests {
		t.Run(target, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, target)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Contains(t, decode[map[string]string](t, rec)["error"], "report not found")
		})
	}
}

// =============================================================================
// False positives
// =============================================================================

func TestMarkAndUnmark(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, env.markURL(ur01))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	marked := decode[ScoreResponse](t, rec)
	assert.Equal(t, 0, marked.Result.Account.RawPoints)
	assert.Equal(t, scoring.None, marked.Result.Account.Level)
	require.Len(t, marked.Exclusions, 1)
	assert.Equal(t, ur01, marked.Exclusions[0].Key)

	// Marking twice keeps the first mark.
	rec = env.do(t, http.MethodPut, env.markURL(ur01))
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[ScoreResponse](t, rec)
	assert.Equal(t, marked.Exclusions[0].MarkedAt, again.Exclusions[0].MarkedAt)

	rec = env.do(t, http.MethodGet, "/api/v1/reports/"+env.doc.ReportID+"/score")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, marked.Result, decode[ScoreResponse](t, rec).Result)

	rec = env.do(t, http.MethodDelete, env.markURL(ur01))
	require.Equal(t, http.StatusOK, rec.Code)
	restored := decode[ScoreResponse](t, rec)
	assert.Equal(t, env.doc.Result, restored.Result)
	assert.Empty(t, restored.Exclusions)

	stored, err := env.server.reports.Get(env.doc.ReportID)
	require.NoError(t, err)
	assert.Empty(t, stored.Exclusions, "the stored document is never rewritten")
}

func TestMark_SignInFinding(t *testing.T) {
	env := newTestEnv(t)
	key := indicator.FindingKey{IndicatorID: indicator.SR09, Scope: "signin:s1"}

	rec := env.do(t, http.MethodPut, env.markURL(key))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[ScoreResponse](t, rec)
	require.Len(t, res.Result.SignIns, 1)
	assert.Equal(t, 2, res.Result.SignIns[0].RawPoints)
	assert.Equal(t, 3, res.Result.Account.RawPoints)
}

func TestMark_Errors(t *testing.T) {
	env := newTestEnv(t)
	base := "/api/v1/reports/" + env.doc.ReportID + "/false-positives/"

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"malformed key", base + "UR-01", http.StatusBadRequest},
		{"unknown scope", base + url.PathEscape("UR-01|tenant:x"), http.StatusBadRequest},
		{"finding not in report", base + url.PathEscape("SR-02|signin:s2"), http.StatusNotFound},
		{"unknown key hash", base + "00000000000000000000000000000000", http.StatusNotFound},
		{"unknown report", "/api/v1/reports/6f1c2a9e-0d4b-4f7e-9a55-1f1f1f1f1f1f/false-positives/" + url.PathEscape(ur01.String()), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, tt.target)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	set, err := env.marks.Marks(context.Background(), env.doc.ReportID)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestMark_ByKeyHash(t *testing.T) {
	env := newTestEnv(t)
	base := "/api/v1/reports/" + env.doc.ReportID + "/false-positives/"

	rec := env.do(t, http.MethodPut, base+ur01.Hash())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, decode[ScoreResponse](t, rec).Result.Account.RawPoints)

	rec = env.do(t, http.MethodGet, "/api/v1/reports/"+env.doc.ReportID+"/remediation")
	require.Equal(t, http.StatusOK, rec.Code)
	plan := decode[remediation.Plan](t, rec)
	require.NotEmpty(t, plan.Actions)
	require.Equal(t, indicator.SR09, plan.Actions[0].IndicatorID)

	rec = env.do(t, http.MethodPut, base+plan.Actions[0].FindingIDs[0])
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ScoreResponse](t, rec)
	require.Len(t, res.Result.SignIns, 1)
	assert.Equal(t, 2, res.Result.SignIns[0].RawPoints)
	assert.Len(t, res.Exclusions, 2)
}

func TestMark_MitigatingFindingRejected(t *testing.T) {
	env := newTestEnv(t)
	sr15 := indicator.FindingKey{IndicatorID: indicator.SR15, Scope: "signin:s1"}

	rec := env.do(t, http.MethodPut, env.markURL(sr15))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "cannot be marked")

	rec = env.do(t, http.MethodGet, "/api/v1/reports/"+env.doc.ReportID+"/score")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[ScoreResponse](t, rec)
	require.Len(t, res.Result.SignIns, 1)
	assert.Equal(t, 6, res.Result.SignIns[0].RawPoints)
	assert.Equal(t, scoring.Medium, res.Result.SignIns[0].Level)

	set, err := env.marks.Marks(context.Background(), env.doc.ReportID)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestGetReport_TamperedDocument(t *testing.T) {
	env := newTestEnv(t)

	doc, err := report.New("bob@contoso.com", indicator.DefaultCatalog(), scoring.DefaultConfig(), []indicator.Finding{
		finding(indicator.UR01, "account:bob@contoso.com", 3, true),
	})
	require.NoError(t, err)
	doc.Result.Account.RawPoints = 9
	_, err = report.Write(env.server.reports.Path(), doc)
	require.NoError(t, err)

	for _, target := range []string{
		"/api/v1/reports/" + doc.ReportID,
		"/api/v1/reports/" + doc.ReportID + "/score",
		"/api/v1/reports/" + doc.ReportID + "/false-positives/" + url.PathEscape("UR-01|account:bob@contoso.com"),
	} {
		method := http.MethodGet
		if strings.Contains(target, "false-positives") {
			method = http.MethodPut
		}
		rec := env.do(t, method, target)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, target)
		assert.Contains(t, decode[map[string]string](t, rec)["error"], "recomputed score differs", target)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/reports")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])
}

func TestMark_StoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, func(o *Options) { o.Marks = falsepositive.NewRedisStore(client, nil) })
	mr.Close()

	rec := env.do(t, http.MethodPut, env.markURL(ur01))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/reports/"+env.doc.ReportID)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRemediation_FollowsMarks(t *testing.T) {
	env := newTestEnv(t)
	target := "/api/v1/reports/" + env.doc.ReportID + "/remediation"

	rec := env.do(t, http.MethodGet, target)
	require.Equal(t, http.StatusOK, rec.Code)
	plan := decode[remediation.Plan](t, rec)
	require.Len(t, plan.Actions, 3)
	assert.Equal(t, indicator.SR09, plan.Actions[0].IndicatorID)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, env.markURL(ur01)).Code)

	rec = env.do(t, http.MethodGet, target)
	require.Equal(t, http.StatusOK, rec.Code)
	plan = decode[remediation.Plan](t, rec)
	assert.Len(t, plan.Actions, 2)
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestMark_RateLimited(t *testing.T) {
	limiter := NewRateLimiter(nil, RateLimitConfig{Enabled: true, RequestsPerMinute: 1, IncludeHeaders: true}, nil)
	env := newTestEnv(t, func(o *Options) { o.Limiter = limiter })

	rec := env.do(t, http.MethodPut, env.markURL(ur01))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = env.do(t, http.MethodDelete, env.markURL(ur01))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Reads are not limited.
	rec = env.do(t, http.MethodGet, "/api/v1/reports/"+env.doc.ReportID+"/score")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter_LocalWindow(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{RequestsPerMinute: 2}, nil)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, rl.Check(ctx, "10.0.0.1").Allowed)
	assert.True(t, rl.Check(ctx, "10.0.0.1").Allowed)
	denied := rl.Check(ctx, "10.0.0.1")
	assert.False(t, denied.Allowed)
	assert.Equal(t, time.Minute, denied.RetryAfter)
	assert.True(t, rl.Check(ctx, "10.0.0.2").Allowed, "clients are counted separately")

	now = now.Add(time.Minute)
	assert.True(t, rl.Check(ctx, "10.0.0.1").Allowed, "window resets")
}

func TestRateLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerMinute: 1}, nil)
	ctx := context.Background()

	first := rl.Check(ctx, "10.0.0.1")
	assert.True(t, first.Allowed)
	assert.Equal(t, 0, first.Remaining)
	assert.False(t, rl.Check(ctx, "10.0.0.1").Allowed)
	assert.True(t, mr.Exists("idrisk:ratelimit:10.0.0.1:minute"))

	mr.FastForward(time.Minute)
	assert.True(t, rl.Check(ctx, "10.0.0.1").Allowed)
}

func TestRateLimiter_RedisFailureAllows(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerMinute: 1}, nil)
	assert.True(t, rl.Check(context.Background(), "10.0.0.1").Allowed)
}
