package scoring

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/idrisk/internal/indicator"
)

const account = "account:alice@contoso.com"

func finding(id indicator.ID, scope string, points int, triggered bool) indicator.Finding {
	fam, _ := id.Family()
	return indicator.Finding{IndicatorID: id, Family: fam, Scope: scope, Points: points, Triggered: triggered}
}

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(DefaultConfig())
	require.NoError(t, err)
	return s
}

// =============================================================================
// Scenarios
// =============================================================================

func TestScore_SingleUserRiskIsLow(t *testing.T) {
	s := newScorer(t)
	findings := []indicator.Finding{
		finding(indicator.UR01, account, 3, true),
		finding(indicator.UR02, account, 4, false),
	}

	score := s.Score(account, findings, nil)

	assert.Equal(t, 3, score.RawPoints)
	assert.Equal(t, Low, score.Level)
	assert.Equal(t, []indicator.FindingKey{{IndicatorID: indicator.UR01, Scope: account}}, score.ContributingFindings)
}

func TestScore_MitigatingIndicatorIsMedium(t *testing.T) {
	s := newScorer(t)
	scope := "signin:s1"
	findings := []indicator.Finding{
		finding(indicator.SR01, scope, 3, true),
		finding(indicator.SR09, scope, 4, true),
		finding(indicator.SR15, scope, -1, true),
	}

	score := s.Score(scope, findings, nil)

	assert.Equal(t, 6, score.RawPoints)
	assert.Equal(t, Medium, score.Level)
	assert.Len(t, score.ContributingFindings, 3)
}

func TestOverall_SummaryFormula(t *testing.T) {
	s := newScorer(t)
	assert.Equal(t, 9, s.Overall(1, 1, 5))
	assert.Equal(t, High, s.Level(9))
}

func TestScore_FalsePositiveMarkClearsScore(t *testing.T) {
	s := newScorer(t)
	findings := []indicator.Finding{finding(indicator.UR01, account, 3, true)}
	excl := KeySet{findings[0].Key(): true}

	first := s.Score(account, findings, excl)
	second := s.Score(account, findings, excl)

	assert.Equal(t, 0, first.RawPoints)
	assert.Equal(t, None, first.Level)
	assert.Empty(t, first.ContributingFindings)
	assert.Equal(t, first, second)
}

// =============================================================================
// Properties
// =============================================================================

func TestScore_FloorsAtZero(t *testing.T) {
	findings := []indicator.Finding{finding(indicator.SR15, "signin:s1", -1, true)}

	assert.Equal(t, 0, newScorer(t).Score("signin:s1", findings, nil).RawPoints)

	cfg := DefaultConfig()
	cfg.AllowNegativeTotals = true
	s, err := NewScorer(cfg)
	require.NoError(t, err)
	score := s.Score("signin:s1", findings, nil)
	assert.Equal(t, -1, score.RawPoints)
	assert.Equal(t, None, score.Level)
}

func TestScore_OrderIndependent(t *testing.T) {
	s := newScorer(t)
	findings := []indicator.Finding{
		finding(indicator.SR01, "signin:s1", 3, true),
		finding(indicator.SR02, "signin:s1", 2, true),
		finding(indicator.SR08, "signin:s2", 4, true),
		finding(indicator.UR01, account, 3, true),
		finding(indicator.UR04, account, 2, true),
		finding(indicator.UR02, account, 4, false),
		finding(indicator.SR15, "signin:s2", -1, true),
	}
	want := s.ScoreAll(findings, nil)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]indicator.Finding(nil), findings...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, s.ScoreAll(shuffled, nil))
	}
}

func TestScore_AddingExclusionNeverIncreases(t *testing.T) {
	s := newScorer(t)
	findings := []indicator.Finding{
		finding(indicator.SR01, "signin:s1", 3, true),
		finding(indicator.SR09, "signin:s1", 4, true),
		finding(indicator.SR15, "signin:s1", -1, true),
		finding(indicator.SR02, "signin:s1", 2, true),
		finding(indicator.UR01, account, 3, true),
	}
	keys := make([]indicator.FindingKey, 0, len(findings))
	for _, f := range findings {
		keys = append(keys, f.Key())
	}

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 25; i++ {
		rng.Shuffle(len(keys), func(a, b int) { keys[a], keys[b] = keys[b], keys[a] })
		excl := KeySet{}
		prev := s.ScoreAll(findings, excl)
		for _, key := range keys {
			excl[key] = true
			next := s.ScoreAll(findings, excl)
			assert.LessOrEqual(t, next.Account.RawPoints, prev.Account.RawPoints, key.String())
			require.Len(t, next.SignIns, 1)
			assert.LessOrEqual(t, next.SignIns[0].RawPoints, prev.SignIns[0].RawPoints, key.String())
			assert.LessOrEqual(t, next.Summary.OverallScore, prev.Summary.OverallScore, key.String())
			assert.Equal(t, next, s.ScoreAll(findings, excl))
			prev = next
		}
		assert.Equal(t, 0, prev.SignIns[0].RawPoints)
		assert.Equal(t, 0, prev.Account.RawPoints)
	}
}

func TestScore_MitigatingFindingIgnoresExclusion(t *testing.T) {
	s := newScorer(t)
	scope := "signin:s1"
	findings := []indicator.Finding{
		finding(indicator.SR01, scope, 3, true),
		finding(indicator.SR09, scope, 4, true),
		finding(indicator.SR15, scope, -1, true),
	}

	before := s.Score(scope, findings, KeySet{})
	after := s.Score(scope, findings, KeySet{{IndicatorID: indicator.SR15, Scope: scope}: true})

	assert.Equal(t, 6, after.RawPoints)
	assert.Equal(t, Medium, after.Level)
	assert.Equal(t, before, after)
}

func TestThresholds_Monotonic(t *testing.T) {
	th := DefaultThresholds()
	for p := -5; p < 30; p++ {
		assert.LessOrEqual(t, th.LevelFor(p), th.LevelFor(p+1), p)
	}
	assert.Equal(t, None, th.LevelFor(0))
	assert.Equal(t, Low, th.LevelFor(1))
	assert.Equal(t, Medium, th.LevelFor(4))
	assert.Equal(t, High, th.LevelFor(7))
	assert.Equal(t, Critical, th.LevelFor(10))
}

func TestThresholds_Configurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds = Thresholds{{Critical, 9}, {High, 7}, {Medium, 4}, {Low, 1}}
	s, err := NewScorer(cfg)
	require.NoError(t, err)

	assert.Equal(t, Critical, s.Level(9))
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name string
		th   Thresholds
	}{
		{"empty", Thresholds{}},
		{"ascending bound", Thresholds{{High, 4}, {Medium, 7}}},
		{"equal bound", Thresholds{{High, 4}, {Medium, 4}}},
		{"ascending level", Thresholds{{Medium, 7}, {High, 4}}},
		{"none level", Thresholds{{High, 7}, {None, 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.th.Validate(), ErrInvalidThresholds)
		})
	}
	assert.NoError(t, DefaultThresholds().Validate())
}

func TestNewScorer_RejectsNegativeWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Summary.HighSignIn = -1
	_, err := NewScorer(cfg)
	assert.ErrorIs(t, err, ErrInvalidWeights)
}

func TestScoreAll(t *testing.T) {
	s := newScorer(t)
	findings := []indicator.Finding{
		finding(indicator.UR01, account, 3, true),
		finding(indicator.UR02, account, 4, false),
		// s1: 3+4 = 7 -> High
		finding(indicator.SR01, "signin:s1", 3, true),
		finding(indicator.SR09, "signin:s1", 4, true),
		// s2: 2 -> Low
		finding(indicator.SR02, "signin:s2", 2, true),
		// s3: nothing triggered, not scored
		finding(indicator.SR02, "signin:s3", 2, false),
		// s4: mitigating only, floored to 0
		finding(indicator.SR15, "signin:s4", -1, true),
	}

	res := s.ScoreAll(findings, nil)

	assert.Equal(t, account, res.Account.Scope)
	assert.Equal(t, 3, res.Account.RawPoints)
	require.Len(t, res.SignIns, 3)
	assert.Equal(t, "signin:s1", res.SignIns[0].Scope)
	assert.Equal(t, High, res.SignIns[0].Level)
	assert.Equal(t, ExecutiveSummary{
		UserRiskCount:       1,
		HighSignInRiskCount: 1,
		SignInCount:         2,
		OverallScore:        2 + 4 + 2,
		Level:               High,
	}, res.Summary)

	// Excluding the high sign-in keeps its scope but drops it from the summary.
	excl := KeySet{
		{IndicatorID: indicator.SR01, Scope: "signin:s1"}: true,
		{IndicatorID: indicator.SR09, Scope: "signin:s1"}: true,
	}
	res = s.ScoreAll(findings, excl)
	require.Len(t, res.SignIns, 3)
	assert.Equal(t, 0, res.SignIns[0].RawPoints)
	assert.Equal(t, 1, res.Summary.SignInCount)
	assert.Equal(t, 0, res.Summary.HighSignInRiskCount)
	assert.Equal(t, 3, res.Summary.OverallScore)
}

func TestLevel_Text(t *testing.T) {
	data, err := json.Marshal(struct{ L Level }{High})
	require.NoError(t, err)
	assert.JSONEq(t, `{"L":"High"}`, string(data))

	var out struct{ L Level }
	require.NoError(t, json.Unmarshal([]byte(`{"L":"critical"}`), &out))
	assert.Equal(t, Critical, out.L)

	_, err = ParseLevel("severe")
	assert.ErrorIs(t, err, ErrUnknownLevel)
}
