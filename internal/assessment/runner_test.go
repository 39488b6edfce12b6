package assessment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/idrisk/internal/enrichment"
	"github.com/lvonguyen/idrisk/internal/indicator"
	"github.com/lvonguyen/idrisk/internal/observability"
	"github.com/lvonguyen/idrisk/internal/report"
	"github.com/lvonguyen/idrisk/internal/scoring"
	"github.com/lvonguyen/idrisk/internal/telemetry"
	"github.com/lvonguyen/idrisk/internal/telemetry/ingestion"
)

const hostingIP = "203.0.113.9"

// aliceExport has a password-only account and one successful single factor
// sign-in from a hosting address.
const aliceExport = `{
  "account": "alice@contoso.com",
  "user": {"id": "u-1", "userPrincipalName": "alice@contoso.com", "accountEnabled": true},
  "authenticationMethods": [{"@odata.type": "#microsoft.graph.passwordAuthenticationMethod", "id": "1"}],
  "signIns": [
    {
      "id": "s1",
      "createdDateTime": "2024-03-01T08:00:00Z",
      "appDisplayName": "Office 365 Exchange Online",
      "clientAppUsed": "Browser",
      "ipAddress": "203.0.113.9",
      "status": {"errorCode": 0},
      "location": {"countryOrRegion": "US"}
    }
  ]
}`

const bobExport = `{
  "account": "bob@contoso.com",
  "user": {"id": "u-2", "userPrincipalName": "bob@contoso.com", "accountEnabled": true},
  "signIns": [
    {"id": "b1", "createdDateTime": "2024-03-01T09:00:00Z", "clientAppUsed": "Browser", "ipAddress": "203.0.113.9", "status": {"errorCode": 0}}
  ]
}`

// carolExport signs in from the same address, which is a trusted range, and
// trusts one country.
const carolExport = `{
  "account": "carol@contoso.com",
  "user": {"id": "u-3", "userPrincipalName": "carol@contoso.com", "accountEnabled": true},
  "signIns": [
    {"id": "c1", "createdDateTime": "2024-03-01T09:00:00Z", "clientAppUsed": "Browser", "ipAddress": "203.0.113.9", "status": {"errorCode": 0}}
  ],
  "conditionalAccess": {
    "namedLocations": [
      {"@odata.type": "#microsoft.graph.ipNamedLocation", "id": "l1", "displayName": "HQ", "isTrusted": true, "ipRanges": [{"cidrAddress": "203.0.113.0/24"}]},
      {"@odata.type": "#microsoft.graph.countryNamedLocation", "id": "l2", "displayName": "Home", "isTrusted": true, "countriesAndRegions": ["ca"]}
    ]
  }
}`

type fakeProvider struct {
	calls map[string]int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CheckIP(ctx context.Context, ip string) (*enrichment.Reputation, error) {
	f.calls[ip]++
	return &enrichment.Reputation{
		IP:         ip,
		AbuseScore: 90,
		UsageType:  "Data Center/Web Hosting/Transit",
		Source:     "fake",
		QueriedAt:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

type panicSource struct{}

func (panicSource) Name() string { return "panic" }

func (panicSource) Fetch(ctx context.Context, account string) (*telemetry.RawSnapshot, error) {
	panic("collector exploded")
}

func (panicSource) HealthCheck(ctx context.Context) error { return nil }

type fixture struct {
	snapshots string
	provider  *fakeProvider
	reports   *report.Store
	telemetry *observability.Telemetry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	snapshots := filepath.Join(dir, "snapshots")
	require.NoError(t, os.MkdirAll(snapshots, 0o750))
	for name, body := range map[string]string{
		"alice@contoso.com.json": aliceExport,
		"bob@contoso.com.json":   bobExport,
		"carol@contoso.com.json": carolExport,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(snapshots, name), []byte(body), 0o600))
	}

	store, err := report.NewStore(filepath.Join(dir, "reports"), nil)
	require.NoError(t, err)
	return &fixture{
		snapshots: snapshots,
		provider:  &fakeProvider{calls: make(map[string]int)},
		reports:   store,
		telemetry: observability.NewNop(),
	}
}

func (f *fixture) runner(t *testing.T, mutate ...func(d *Dependencies)) *Runner {
	t.Helper()
	engine, err := indicator.NewEngine(indicator.DefaultCatalog(), indicator.DefaultSettings(), nil)
	require.NoError(t, err)
	scorer, err := scoring.NewScorer(scoring.DefaultConfig())
	require.NoError(t, err)

	deps := Dependencies{
		Source:    ingestion.NewFileSource(f.snapshots),
		Engine:    engine,
		Scorer:    scorer,
		Provider:  f.provider,
		Reports:   f.reports,
		Telemetry: f.telemetry,
	}
	for _, m := range mutate {
		m(&deps)
	}
	r, err := NewRunner(deps)
	require.NoError(t, err)
	return r
}

func triggered(doc *report.Document) map[string]bool {
	out := make(map[string]bool)
	for _, f := range doc.Findings {
		if f.Triggered {
			out[f.Key().String()] = true
		}
	}
	return out
}

// =============================================================================
// Validation
// =============================================================================

func TestValidateAccount(t *testing.T) {
	valid := []string{"alice@contoso.com", "first.last+tag@sub.contoso.co.uk", "o'brien@contoso.com"}
	invalid := []string{"", "alice", "alice@", "@contoso.com", "alice@contoso", "a b@contoso.com", "../x@contoso.com/.."}

	for _, s := range valid {
		assert.NoError(t, ValidateAccount(s), s)
	}
	for _, s := range invalid {
		assert.ErrorIs(t, ValidateAccount(s), ErrInvalidAccount, s)
	}
}

func TestNewRunner_RequiresDependencies(t *testing.T) {
	_, err := NewRunner(Dependencies{})
	assert.ErrorIs(t, err, ErrMissingDep)
}

// =============================================================================
// Pipeline
// =============================================================================

func TestAssess_ProducesVerifiedReport(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t)

	out, err := r.Assess(context.Background(), "alice@contoso.com")
	require.NoError(t, err)

	doc := out.Document
	require.NotNil(t, doc)
	assert.Equal(t, "alice@contoso.com", doc.Account)
	assert.NoError(t, report.Verify(doc))

	keys := triggered(doc)
	assert.True(t, keys["UR-01|account:alice@contoso.com"], "password only")
	assert.True(t, keys["SR-02|signin:s1"], "single factor success")
	assert.True(t, keys["SR-09|signin:s1"], "high abuse hosting address")
	assert.True(t, keys["SR-10|signin:s1"], "hosting address")
	assert.Equal(t, len(keys), out.Triggered)
	assert.Empty(t, doc.Degradations)
	assert.Equal(t, report.LookupStats{Addresses: 1, Misses: 1}, doc.Lookups)
	assert.Equal(t, doc.Lookups, out.Lookups)
	assert.Equal(t, []string{}, doc.TrustedCountries)

	stored, err := f.reports.Get(out.ReportID)
	require.NoError(t, err)
	assert.Equal(t, doc.Result.Summary, stored.Result.Summary)
	assert.FileExists(t, out.ReportPath)

	m := f.telemetry.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccountsAssessed.WithLabelValues(StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FindingsTriggered.WithLabelValues("SR-09")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReputationLookups.WithLabelValues(enrichment.LookupMiss)))
}

func TestRun_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t)

	res := r.Run(context.Background(), []string{
		"alice@contoso.com",
		"not-an-account",
		"missing@contoso.com",
		"bob@contoso.com",
	})

	require.Len(t, res.Succeeded, 2)
	assert.Equal(t, "alice@contoso.com", res.Succeeded[0].Account)
	assert.Equal(t, "bob@contoso.com", res.Succeeded[1].Account)

	require.Len(t, res.Failed, 2)
	assert.ErrorIs(t, res.Failed[0].Err, ErrInvalidAccount)
	assert.ErrorIs(t, res.Failed[1].Err, ErrConnectivity)
	assert.ErrorIs(t, res.Failed[1].Err, ingestion.ErrSnapshotNotFound)
	assert.Contains(t, res.FailureSummary(), "2 of 4 accounts failed")
	assert.Contains(t, res.FailureSummary(), "missing@contoso.com")

	assert.Equal(t, 2.0, testutil.ToFloat64(f.telemetry.Metrics().AccountsAssessed.WithLabelValues(StatusSuccess)))
}

func TestRun_RecoversPanics(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, func(d *Dependencies) { d.Source = panicSource{} })

	res := r.Run(context.Background(), []string{"alice@contoso.com", "bob@contoso.com"})

	assert.Empty(t, res.Succeeded)
	require.Len(t, res.Failed, 2)
	assert.ErrorIs(t, res.Failed[0].Err, ErrAssessment)
	assert.Contains(t, res.Failed[0].Error, "collector exploded")
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Run(ctx, []string{"alice@contoso.com"})

	require.Len(t, res.Failed, 1)
	assert.True(t, errors.Is(res.Failed[0].Err, context.Canceled))
}

func TestRun_ReputationCacheIsPerAccount(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t)

	res := r.Run(context.Background(), []string{"alice@contoso.com", "bob@contoso.com"})
	require.Len(t, res.Succeeded, 2)

	assert.Equal(t, 2, f.provider.calls[hostingIP], "each account queries its own cache")
}

func TestAssess_TrustedRangeSkipsReputation(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t)

	out, err := r.Assess(context.Background(), "carol@contoso.com")
	require.NoError(t, err)

	assert.Zero(t, f.provider.calls[hostingIP])
	keys := triggered(out.Document)
	assert.False(t, keys["SR-09|signin:c1"])
	assert.False(t, keys["SR-10|signin:c1"])
	assert.Equal(t, []string{"203.0.113.0/24"}, out.Document.TrustedRanges)
	assert.Equal(t, []string{"CA"}, out.Document.TrustedCountries)
	assert.Equal(t, report.LookupStats{}, out.Lookups)
}

func TestAssess_DegradesWithoutProvider(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, func(d *Dependencies) { d.Provider = nil; d.Reports = nil })

	out, err := r.Assess(context.Background(), "alice@contoso.com")
	require.NoError(t, err)

	assert.Empty(t, out.ReportPath)
	assert.Equal(t, []report.Degradation{{IP: hostingIP, Reason: enrichment.ReasonNoProvider}}, out.Document.Degradations)
	assert.Equal(t, 1, out.Degraded)
	assert.Equal(t, report.LookupStats{Addresses: 1, Misses: 1, Degraded: 1}, out.Lookups)

	keys := triggered(out.Document)
	assert.False(t, keys["SR-09|signin:s1"], "unknown reputation never triggers")
	assert.True(t, keys["SR-02|signin:s1"])
}

func TestWriteSummary(t *testing.T) {
	dir := t.TempDir()
	res := BatchResult{
		Succeeded: []Outcome{{Account: "alice@contoso.com", ReportID: "r1"}},
		Failed:    []Failure{{Account: "bob@contoso.com", Error: "boom"}},
	}

	path, err := WriteSummary(dir, res)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"report_id": "r1"`)
	assert.Contains(t, string(data), `"error": "boom"`)
	assert.Empty(t, BatchResult{}.FailureSummary())
}
