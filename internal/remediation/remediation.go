// Package remediation turns a scored report into a prioritized list of
// analyst actions, one per indicator still contributing to a score.
package remediation

import (
	"sort"

	"github.com/lvonguyen/idrisk/internal/indicator"
	"github.com/lvonguyen/idrisk/internal/mitre"
	"github.com/lvonguyen/idrisk/internal/report"
	"github.com/lvonguyen/idrisk/internal/scoring"
)

// Action is the recommended response to one indicator. FindingIDs holds the
// URL form of each finding key, aligned with Scopes.
type Action struct {
	IndicatorID indicator.ID      `json:"indicator_id"`
	Description string            `json:"description"`
	Guidance    string            `json:"guidance"`
	Scopes      []string          `json:"scopes"`
	FindingIDs  []string          `json:"finding_ids"`
	Points      int               `json:"points"`
	Level       scoring.Level     `json:"level"` // highest level among Scopes
	Techniques  []mitre.Technique `json:"techniques,omitempty"`
	Tactics     []mitre.Tactic    `json:"tactics,omitempty"`
}

// Plan is the ordered action list for one report.
type Plan struct {
	ReportID string        `json:"report_id"`
	Account  string        `json:"account"`
	Level    scoring.Level `json:"level"`
	Actions  []Action      `json:"actions"`
}

// Planner builds plans. It is safe for concurrent use.
type Planner struct {
	attack *mitre.AttackFramework
}

// NewPlanner creates a planner with the identity ATT&CK techniques loaded.
func NewPlanner() *Planner {
	return &Planner{attack: mitre.NewAttackFramework()}
}

// Build derives the plan from doc's result, so excluded findings produce no
// action. Findings with zero or negative points are mitigating signals and
// are skipped too. Actions are ordered by level, then points, then id.
func (p *Planner) Build(doc *report.Document) Plan {
	plan := Plan{
		ReportID: doc.ReportID,
		Account:  doc.Account,
		Level:    doc.Result.Summary.Level,
		Actions:  []Action{},
	}

	points := make(map[indicator.FindingKey]int, len(doc.Findings))
	for _, f := range doc.Findings {
		points[f.Key()] = f.Points
	}
	defs := make(map[indicator.ID]indicator.Definition, len(doc.Catalog))
	for _, d := range doc.Catalog {
		defs[d.ID] = d
	}

	byID := make(map[indicator.ID]*Action)
	add := func(score scoring.RiskScore) {
		for _, key := range score.ContributingFindings {
			pts := points[key]
			if pts <= 0 {
				continue
			}
			a, ok := byID[key.IndicatorID]
			if !ok {
				def := defs[key.IndicatorID]
				techniques := p.attack.Resolve(def.MITRE)
				a = &Action{
					IndicatorID: key.IndicatorID,
					Description: def.Description,
					Guidance:    def.Remediation,
					Scopes:      []string{},
					Techniques:  techniques,
					Tactics:     p.attack.TacticsFor(techniques),
				}
				byID[key.IndicatorID] = a
			}
			a.Scopes = append(a.Scopes, key.Scope)
			a.Points += pts
			a.Level = max(a.Level, score.Level)
		}
	}

	add(doc.Result.Account)
	for _, s := range doc.Result.SignIns {
		add(s)
	}

	for _, a := range byID {
		sort.Strings(a.Scopes)
		a.FindingIDs = make([]string, 0, len(a.Scopes))
		for _, scope := range a.Scopes {
			a.FindingIDs = append(a.FindingIDs, indicator.FindingKey{IndicatorID: a.IndicatorID, Scope: scope}.Hash())
		}
		plan.Actions = append(plan.Actions, *a)
	}
	sort.Slice(plan.Actions, func(i, j int) bool {
		ai, aj := plan.Actions[i], plan.Actions[j]
		if ai.Level != aj.Level {
			return ai.Level > aj.Level
		}
		if ai.Points != aj.Points {
			return ai.Points > aj.Points
		}
		return ai.IndicatorID < aj.IndicatorID
	})
	return plan
}
