// Package scoring reduces findings into per-entity risk scores, severity
// levels and the executive summary. Scoring reads only the key, triggered flag
// and points of a finding, so a stored report can be re-scored without the
// telemetry it was built from.
package scoring

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lvonguyen/idrisk/internal/indicator"
)

// Level is a categorical severity.
type Level int

const (
	None Level = iota
	Low
	Medium
	High
	Critical
)

var levelNames = [...]string{"None", "Low", "Medium", "High", "Critical"}

func (l Level) String() string {
	if l < None || l > Critical {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Common errors.
var (
	ErrUnknownLevel      = errors.New("unknown risk level")
	ErrInvalidThresholds = errors.New("invalid threshold table")
	ErrInvalidWeights    = errors.New("invalid summary weights")
)

// Threshold is the lower bound of one level.
type Threshold struct {
	Level     Level `yaml:"level" json:"level"`
	MinPoints int   `yaml:"min_points" json:"min_points"`
}

// Thresholds is ordered from the highest level to the lowest; the first
// bound a score reaches wins.
type Thresholds []Threshold

// DefaultThresholds returns Critical>=10, High>=7, Medium>=4, Low>=1.
func DefaultThresholds() Thresholds {
	return Thresholds{
		{Level: Critical, MinPoints: 10},
		{Level: High, MinPoints: 7},
		{Level: Medium, MinPoints: 4},
		{Level: Low, MinPoints: 1},
	}
}

// Validate checks the table is non-empty and strictly descending in both level
// and bound, which makes level assignment monotonic in points.
func (t Thresholds) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidThresholds)
	}
	for i, th := range t {
		if th.Level <= None || th.Level > Critical {
			return fmt.Errorf("%w: entry %d has level %s", ErrInvalidThresholds, i, th.Level)
		}
		if i == 0 {
			continue
		}
		prev := t[i-1]
		if th.Level >= prev.Level || th.MinPoints >= prev.MinPoints {
			return fmt.Errorf("%w: entry %d (%s>=%d) does not descend from %s>=%d",
				ErrInvalidThresholds, i, th.Level, th.MinPoints, prev.Level, prev.MinPoints)
		}
	}
	return nil
}

// LevelFor maps points to a level.
func (t Thresholds) LevelFor(points int) Level {
	for _, th := range t {
		if points >= th.MinPoints {
			return th.Level
		}
	}
	return None
}

// SummaryWeights parameterize the executive summary:
// Overall = UserRiskCount*UserRisk + HighSignInRiskCount*HighSignIn + min(SignInCount, SignInCap).
type SummaryWeights struct {
	UserRisk           int   `yaml:"user_risk_weight" json:"user_risk_weight"`
	HighSignIn         int   `yaml:"high_signin_weight" json:"high_signin_weight"`
	SignInCap          int   `yaml:"signin_count_cap" json:"signin_count_cap"`
	HighSignInMinLevel Level `yaml:"high_signin_min_level" json:"high_signin_min_level"`
}

// DefaultSummaryWeights returns 2, 4, 3 with High as the high sign-in level.
func DefaultSummaryWeights() SummaryWeights {
	return SummaryWeights{UserRisk: 2, HighSignIn: 4, SignInCap: 3, HighSignInMinLevel: High}
}

// Validate rejects negative weights.
func (w SummaryWeights) Validate() error {
	if w.UserRisk < 0 || w.HighSignIn < 0 || w.SignInCap < 0 {
		return fmt.Errorf("%w: weights must not be negative", ErrInvalidWeights)
	}
	if w.HighSignInMinLevel <= None || w.HighSignInMinLevel > Critical {
		return fmt.Errorf("%w: high sign-in level %s", ErrInvalidWeights, w.HighSignInMinLevel)
	}
	return nil
}

// ExclusionLookup answers whether an analyst marked a finding as a false
// positive.
type ExclusionLookup interface {
	IsExcluded(key indicator.FindingKey) bool
}

// KeySet is an in-memory ExclusionLookup.
type KeySet map[indicator.FindingKey]bool

// IsExcluded implements ExclusionLookup.
func (s KeySet) IsExcluded(key indicator.FindingKey) bool {
	return s[key]
}

// RiskScore is the score of one entity.
type RiskScore struct {
	Scope                string                 `json:"scope"`
	RawPoints            int                    `json:"raw_points"`
	Level                Level                  `json:"level"`
	ContributingFindings []indicator.FindingKey `json:"contributing_findings"`
}

// ExecutiveSummary combines an account's scores into one figure.
type ExecutiveSummary struct {
	UserRiskCount       int   `json:"user_risk_count"`
	HighSignInRiskCount int   `json:"high_signin_risk_count"`
	SignInCount         int   `json:"signin_count"`
	OverallScore        int   `json:"overall_score"`
	Level               Level `json:"level"`
}

// Result is the full scoring of one account's findings.
type Result struct {
	Account RiskScore        `json:"account"`
	SignIns []RiskScore      `json:"sign_ins"`
	Summary ExecutiveSummary `json:"summary"`
}

// Config holds the scoring configuration.
type Config struct {
	Thresholds          Thresholds     `yaml:"thresholds" json:"thresholds"`
	Summary             SummaryWeights `yaml:"summary" json:"summary"`
	AllowNegativeTotals bool           `yaml:"allow_negative_totals" json:"allow_negative_totals"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{Thresholds: DefaultThresholds(), Summary: DefaultSummaryWeights()}
}

// Scorer is stateless; the same instance may be shared freely.
type Scorer struct {
	config Config
}

// NewScorer validates cfg. Empty thresholds and zero weights take defaults.
func NewScorer(cfg Config) (*Scorer, error) {
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Summary == (SummaryWeights{}) {
		cfg.Summary = DefaultSummaryWeights()
	}
	if cfg.Summary.HighSignInMinLevel == None {
		cfg.Summary.HighSignInMinLevel = High
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Summary.Validate(); err != nil {
		return nil, err
	}
	cfg.Thresholds = append(Thresholds(nil), cfg.Thresholds...)
	return &Scorer{config: cfg}, nil
}

// Config returns the effective configuration.
func (s *Scorer) Config() Config {
	cfg := s.config
	cfg.Thresholds = append(Thresholds(nil), s.config.Thresholds...)
	return cfg
}

// Level maps points through the threshold table.
func (s *Scorer) Level(points int) Level {
	return s.config.Thresholds.LevelFor(points)
}

// Score sums the triggered, non-excluded findings of one scope. Exclusions
// only apply to excludable findings, so adding one never raises the total.
// The result does not depend on the order of findings and excl may be nil.
func (s *Scorer) Score(scope string, findings []indicator.Finding, excl ExclusionLookup) RiskScore {
	score := RiskScore{Scope: scope, ContributingFindings: []indicator.FindingKey{}}
	for _, f := range findings {
		if f.Scope != scope || !f.Triggered {
			continue
		}
		key := f.Key()
		if excl != nil && f.Excludable() && excl.IsExcluded(key) {
			continue
		}
		score.RawPoints += f.Points
		score.ContributingFindings = append(score.ContributingFindings, key)
	}
	indicator.SortKeys(score.ContributingFindings)
	if score.RawPoints < 0 && !s.config.AllowNegativeTotals {
		score.RawPoints = 0
	}
	score.Level = s.Level(score.RawPoints)
	return score
}

// ScoreAll scores the account scope and every sign-in scope with at least one
// triggered finding, then derives the executive summary. The set of sign-in
// scopes does not depend on exclusions.
func (s *Scorer) ScoreAll(findings []indicator.Finding, excl ExclusionLookup) Result {
	var accountScope string
	signInScopes := make(map[string]bool)
	for _, f := range findings {
		switch {
		case indicator.IsAccountScope(f.Scope):
			if accountScope == "" || f.Scope < accountScope {
				accountScope = f.Scope
			}
		case indicator.IsSignInScope(f.Scope) && f.Triggered:
			signInScopes[f.Scope] = true
		}
	}

	res := Result{
		Account: s.Score(accountScope, findings, excl),
		SignIns: make([]RiskScore, 0, len(signInScopes)),
	}
	scopes := make([]string, 0, len(signInScopes))
	for scope := range signInScopes {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	for _, scope := range scopes {
		res.SignIns = append(res.SignIns, s.Score(scope, findings, excl))
	}

	for _, key := range res.Account.ContributingFindings {
		if fam, _ := key.IndicatorID.Family(); fam == indicator.UserRisk {
			res.Summary.UserRiskCount++
		}
	}
	for _, sc := range res.SignIns {
		if sc.RawPoints > 0 {
			res.Summary.SignInCount++
		}
		if sc.RawPoints > 0 && sc.Level >= s.config.Summary.HighSignInMinLevel {
			res.Summary.HighSignInRiskCount++
		}
	}
	res.Summary.OverallScore = s.Overall(res.Summary.UserRiskCount, res.Summary.HighSignInRiskCount, res.Summary.SignInCount)
	res.Summary.Level = s.Level(res.Summary.OverallScore)
	return res
}

// Overall applies the executive summary formula.
func (s *Scorer) Overall(userRiskCount, highSignInRiskCount, signInCount int) int {
	w := s.config.Summary
	return userRiskCount*w.UserRisk + highSignInRiskCount*w.HighSignIn + min(signInCount, w.SignInCap)
}
