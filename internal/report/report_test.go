package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/idrisk/internal/falsepositive"
	"github.com/lvonguyen/idrisk/internal/indicator"
	"github.com/lvonguyen/idrisk/internal/scoring"
)

const account = "account:alice@contoso.com"

func finding(id indicator.ID, scope string, points int, triggered bool) indicator.Finding {
	fam, _ := id.Family()
	return indicator.Finding{IndicatorID: id, Family: fam, Scope: scope, Points: points, Triggered: triggered}
}

func sampleFindings() []indicator.Finding {
	return []indicator.Finding{
		finding(indicator.UR01, account, 3, true),
		finding(indicator.UR02, account, 4, false),
		finding(indicator.SR01, "signin:s1", 3, true),
		finding(indicator.SR09, "signin:s1", 4, true),
		finding(indicator.SR15, "signin:s1", -1, true),
		finding(indicator.SR02, "signin:s2", 2, false),
	}
}

func newDocument(t *testing.T) *Document {
	t.Helper()
	doc, err := New("alice@contoso.com", indicator.DefaultCatalog(), scoring.DefaultConfig(), sampleFindings())
	require.NoError(t, err)
	return doc
}

// =============================================================================
// Document
// =============================================================================

func TestNew(t *testing.T) {
	doc := newDocument(t)

	_, err := uuid.Parse(doc.ReportID)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, doc.SchemaVersion)
	assert.Equal(t, indicator.DefaultCatalog().Version, doc.CatalogVersion)
	assert.Len(t, doc.Catalog, indicator.DefaultCatalog().Len())
	assert.Len(t, doc.Findings, 5, "untriggered sign-in findings are dropped")

	assert.Equal(t, 3, doc.Result.Account.RawPoints)
	assert.Equal(t, scoring.Low, doc.Result.Account.Level)
	require.Len(t, doc.Result.SignIns, 1)
	assert.Equal(t, 6, doc.Result.SignIns[0].RawPoints)
	assert.Equal(t, scoring.Medium, doc.Result.SignIns[0].Level)
	assert.NoError(t, Verify(doc))
}

func TestApply_FalsePositiveClearsScore(t *testing.T) {
	doc := newDocument(t)
	marks := falsepositive.NewSet(falsepositive.Mark{
		Key:      indicator.FindingKey{IndicatorID: indicator.UR01, Scope: account},
		MarkedAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	})

	marked, err := Apply(doc, marks)
	require.NoError(t, err)

	assert.Equal(t, 0, marked.Result.Account.RawPoints)
	assert.Equal(t, scoring.None, marked.Result.Account.Level)
	assert.Len(t, marked.Exclusions, 1)
	assert.NoError(t, Verify(marked))
	assert.Equal(t, 3, doc.Result.Account.RawPoints, "original is untouched")

	again, err := Apply(marked, marks)
	require.NoError(t, err)
	assert.Equal(t, marked.Result, again.Result)
}

func TestVerify_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Document)
	}{
		{"account points", func(d *Document) { d.Result.Account.RawPoints = 9 }},
		{"sign-in level", func(d *Document) { d.Result.SignIns[0].Level = scoring.Critical }},
		{"dropped sign-in", func(d *Document) { d.Result.SignIns = nil }},
		{"summary", func(d *Document) { d.Result.Summary.OverallScore++ }},
		{"unrecorded exclusion", func(d *Document) {
			d.Exclusions = []falsepositive.Mark{{Key: d.Findings[0].Key()}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := newDocument(t)
			tt.mutate(doc)
			assert.ErrorIs(t, Verify(doc), ErrConsistencyViolation)
		})
	}
}

func TestRecompute_InvalidScoring(t *testing.T) {
	doc := newDocument(t)
	doc.Scoring.Thresholds = scoring.Thresholds{{Level: scoring.Low, MinPoints: 1}, {Level: scoring.High, MinPoints: 7}}

	_, err := Recompute(doc, nil)
	assert.ErrorIs(t, err, ErrInvalidDocument)

	_, err = Recompute(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

// =============================================================================
// Files
// =============================================================================

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	doc := newDocument(t)

	path, err := Write(dir, doc)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, doc.ReportID+".json"), path)

	loaded, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, doc.ReportID, loaded.ReportID)
	assert.Equal(t, doc.Result.Summary, loaded.Result.Summary)
	assert.Equal(t, doc.Scoring, loaded.Scoring)
	assert.NoError(t, Verify(loaded))
}

func TestRead_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Read(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrReportNotFound)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"schema_version": 99}`), 0o600))
	_, err = Read(bad)
	assert.ErrorIs(t, err, ErrInvalidDocument)

	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o600))
	_, err = Read(bad)
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

// =============================================================================
// Store
// =============================================================================

func TestStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	require.NoError(t, err)

	older := newDocument(t)
	older.GeneratedAt = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := newDocument(t)
	newer.GeneratedAt = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	_, err = store.Save(older)
	require.NoError(t, err)
	_, err = store.Save(newer)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{"), 0o600))

	fresh, err := NewStore(dir, nil)
	require.NoError(t, err)

	got, err := fresh.Get(older.ReportID)
	require.NoError(t, err)
	assert.Equal(t, older.Account, got.Account)

	list, err := fresh.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ReportID, list[0].ReportID)
	assert.Equal(t, older.Result.Summary.OverallScore, list[1].Overall)

	_, err = fresh.Get("not-a-uuid")
	assert.ErrorIs(t, err, ErrReportNotFound)
	_, err = fresh.Get(uuid.NewString())
	assert.ErrorIs(t, err, ErrReportNotFound)
}

func TestStore_RejectsTamperedDocument(t *testing.T) {
	dir := t.TempDir()
	doc := newDocument(t)
	doc.Result.SignIns[0].RawPoints = 7
	doc.Result.SignIns[0].Level = scoring.High
	_, err := Write(dir, doc)
	require.NoError(t, err)

	store, err := NewStore(dir, nil)
	require.NoError(t, err)

	_, err = store.Get(doc.ReportID)
	assert.ErrorIs(t, err, ErrConsistencyViolation)

	list, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestApply_MitigatingMarkKeepsScore(t *testing.T) {
	doc := newDocument(t)
	sr15 := indicator.FindingKey{IndicatorID: indicator.SR15, Scope: "signin:s1"}

	marked, err := Apply(doc, falsepositive.NewSet(falsepositive.Mark{
		Key:      sr15,
		MarkedAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, err)

	assert.Equal(t, doc.Result, marked.Result)
	assert.Contains(t, marked.Result.SignIns[0].ContributingFindings, sr15)
	assert.NoError(t, Verify(marked))
}
