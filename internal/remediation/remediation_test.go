package remediation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/idrisk/internal/falsepositive"
	"github.com/lvonguyen/idrisk/internal/indicator"
	"github.com/lvonguyen/idrisk/internal/report"
	"github.com/lvonguyen/idrisk/internal/scoring"
)

const account = "account:alice@contoso.com"

func finding(id indicator.ID, scope string, points int) indicator.Finding {
	fam, _ := id.Family()
	return indicator.Finding{IndicatorID: id, Family: fam, Scope: scope, Points: points, Triggered: true}
}

func newDocument(t *testing.T) *report.Document {
	t.Helper()
	doc, err := report.New("alice@contoso.com", indicator.DefaultCatalog(), scoring.DefaultConfig(), []indicator.Finding{
		finding(indicator.UR01, account, 3),
		finding(indicator.SR01, "signin:s1", 3),
		finding(indicator.SR09, "signin:s1", 4),
		finding(indicator.SR15, "signin:s1", -1),
		finding(indicator.SR09, "signin:s2", 4),
	})
	require.NoError(t, err)
	return doc
}

func TestBuild_OrdersByLevelThenPoints(t *testing.T) {
	doc := newDocument(t)

	plan := NewPlanner().Build(doc)

	assert.Equal(t, doc.ReportID, plan.ReportID)
	assert.Equal(t, doc.Result.Summary.Level, plan.Level)
	require.Len(t, plan.Actions, 3, "mitigating findings produce no action")

	sr09 := plan.Actions[0]
	assert.Equal(t, indicator.SR09, sr09.IndicatorID)
	assert.Equal(t, 8, sr09.Points)
	assert.Equal(t, scoring.Medium, sr09.Level)
	assert.Equal(t, []string{"signin:s1", "signin:s2"}, sr09.Scopes)
	assert.Contains(t, sr09.Guidance, "Revoke sessions")
	require.Len(t, sr09.Techniques, 2)
	assert.Equal(t, "T1090.003", sr09.Techniques[0].ID)
	require.Len(t, sr09.Tactics, 5)
	assert.Equal(t, "Initial Access", sr09.Tactics[0].Name)
	assert.Equal(t, "Command and Control", sr09.Tactics[4].Name)
	assert.Equal(t, []string{
		indicator.FindingKey{IndicatorID: indicator.SR09, Scope: "signin:s1"}.Hash(),
		indicator.FindingKey{IndicatorID: indicator.SR09, Scope: "signin:s2"}.Hash(),
	}, sr09.FindingIDs)

	assert.Equal(t, indicator.SR01, plan.Actions[1].IndicatorID)
	assert.Equal(t, indicator.UR01, plan.Actions[2].IndicatorID)
	assert.Equal(t, scoring.Low, plan.Actions[2].Level)
}

func TestBuild_SkipsExcludedFindings(t *testing.T) {
	doc := newDocument(t)
	marked, err := report.Apply(doc, falsepositive.NewSet(falsepositive.Mark{
		Key:      indicator.FindingKey{IndicatorID: indicator.UR01, Scope: account},
		MarkedAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, err)

	plan := NewPlanner().Build(marked)

	for _, a := range plan.Actions {
		assert.NotEqual(t, indicator.UR01, a.IndicatorID)
	}
	assert.Len(t, plan.Actions, 2)
}

func TestBuild_EmptyReport(t *testing.T) {
	doc, err := report.New("bob@contoso.com", indicator.DefaultCatalog(), scoring.DefaultConfig(), nil)
	require.NoError(t, err)

	plan := NewPlanner().Build(doc)
	assert.NotNil(t, plan.Actions)
	assert.Empty(t, plan.Actions)
	assert.Equal(t, scoring.None, plan.Level)
}
