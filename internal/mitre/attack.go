// Package mitre provides the MITRE ATT&CK techniques referenced by the
// identity compromise indicators.
package mitre

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// AttackFramework provides MITRE ATT&CK framework functionality
type AttackFramework struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	mu         sync.RWMutex
}

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID      string   `json:"id"`   // e.g., "T1078.004"
	Name    string   `json:"name"` // e.g., "Cloud Accounts"
	Tactics []string `json:"tactics"`
	URL     string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0006"
	Name      string `json:"name"`       // e.g., "Credential Access"
	ShortName string `json:"short_name"` // e.g., "credential-access"
	URL       string `json:"url"`
}

// NewAttackFramework creates a framework preloaded with identity techniques.
func NewAttackFramework() *AttackFramework {
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
	}

	af.initializeIdentityTechniques()
	af.initializeTactics()

	return af
}

// GetTechnique returns a technique by ID
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.tactics[strings.ToLower(id)]
	return t, ok
}

// TacticsFor returns the distinct tactics of techniques ordered by tactic ID.
func (af *AttackFramework) TacticsFor(techniques []Technique) []Tactic {
	seen := make(map[string]bool)
	out := make([]Tactic, 0)
	for _, t := range techniques {
		for _, name := range t.Tactics {
			tactic, ok := af.GetTactic(name)
			if !ok || seen[tactic.ID] {
				continue
			}
			seen[tactic.ID] = true
			out = append(out, *tactic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate reports the first unknown technique ID.
func (af *AttackFramework) Validate(ids []string) error {
	for _, id := range ids {
		if _, ok := af.GetTechnique(id); !ok {
			return fmt.Errorf("unknown MITRE ATT&CK technique %q", id)
		}
	}
	return nil
}

// Resolve returns the techniques for ids, skipping unknown ones.
func (af *AttackFramework) Resolve(ids []string) []Technique {
	out := make([]Technique, 0, len(ids))
	for _, id := range ids {
		if t, ok := af.GetTechnique(id); ok {
			out = append(out, *t)
		}
	}
	return out
}

func (af *AttackFramework) initializeIdentityTechniques() {
	af.mu.Lock()
	defer af.mu.Unlock()

	techniques := []*Technique{
		{ID: "T1078", Name: "Valid Accounts", Tactics: []string{"initial-access", "persistence", "defense-evasion", "privilege-escalation"}},
		{ID: "T1078.004", Name: "Cloud Accounts", Tactics: []string{"initial-access", "persistence", "defense-evasion", "privilege-escalation"}},
		{ID: "T1090.003", Name: "Multi-hop Proxy", Tactics: []string{"command-and-control"}},
		{ID: "T1098", Name: "Account Manipulation", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1098.002", Name: "Additional Email Delegate Permissions", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1098.003", Name: "Additional Cloud Roles", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1098.005", Name: "Device Registration", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		{ID: "T1114.003", Name: "Email Forwarding Rule", Tactics: []string{"collection"}},
		{ID: "T1528", Name: "Steal Application Access Token", Tactics: []string{"credential-access"}},
		{ID: "T1550.004", Name: "Web Session Cookie", Tactics: []string{"defense-evasion", "lateral-movement"}},
		{ID: "T1556.006", Name: "Multi-Factor Authentication", Tactics: []string{"credential-access", "defense-evasion", "persistence"}},
		{ID: "T1564.008", Name: "Email Hiding Rules", Tactics: []string{"defense-evasion"}},
		{ID: "T1621", Name: "Multi-Factor Authentication Request Generation", Tactics: []string{"credential-access"}},
	}

	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		af.techniques[t.ID] = t
	}
}

func (af *AttackFramework) initializeTactics() {
	af.mu.Lock()
	defer af.mu.Unlock()

	tactics := []*Tactic{
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[t.ShortName] = t
		af.tactics[strings.ToLower(t.ID)] = t
	}
}
