// Package correlation groups an account's sign-ins into session chains and flags
// sessions that span an implausible spread of addresses or countries.
package correlation

import (
	"sort"
	"time"

	"github.com/lvonguyen/idrisk/internal/telemetry"
)

// SessionChain represents the sign-ins that share one session
type SessionChain struct {
	SessionID string    `json:"session_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	SignInIDs []string  `json:"sign_in_ids"`
	IPs       []string  `json:"ips"`
	Countries []string  `json:"countries"`
	Anomalous bool      `json:"anomalous"`
}

// CorrelatorConfig holds configuration for the correlator
type CorrelatorConfig struct {
	// MaxIPs is the number of distinct addresses a session may use before it
	// is anomalous.
	MaxIPs int `yaml:"max_ips"`
	// MaxCountries is the equivalent limit for countries.
	MaxCountries int `yaml:"max_countries"`
	// TimeWindowMinutes bounds how far apart sign-ins grouped only by
	// correlation id may be.
	TimeWindowMinutes int `yaml:"time_window_minutes"`
}

// DefaultCorrelatorConfig returns the limits used when none are configured.
func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{MaxIPs: 2, MaxCountries: 1, TimeWindowMinutes: 60}
}

// Correlator correlates sign-ins into session chains
type Correlator struct {
	config CorrelatorConfig
}

// NewCorrelator creates a new correlator
func NewCorrelator(cfg CorrelatorConfig) *Correlator {
	def := DefaultCorrelatorConfig()
	if cfg.MaxIPs <= 0 {
		cfg.MaxIPs = def.MaxIPs
	}
	if cfg.MaxCountries <= 0 {
		cfg.MaxCountries = def.MaxCountries
	}
	if cfg.TimeWindowMinutes <= 0 {
		cfg.TimeWindowMinutes = def.TimeWindowMinutes
	}
	return &Correlator{config: cfg}
}

// Correlate builds session chains from successful and failed sign-ins alike.
// Sign-ins without a session id fall back to their correlation id; those with
// neither are left uncorrelated. Output is sorted by start time then session id.
func (c *Correlator) Correlate(signIns []telemetry.SignIn) []*SessionChain {
	bySession := make(map[string][]telemetry.SignIn)
	for _, s := range signIns {
		key := c.sessionKey(s)
		if key == "" {
			continue
		}
		bySession[key] = append(bySession[key], s)
	}

	chains := make([]*SessionChain, 0, len(bySession))
	for key, group := range bySession {
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].Time.Equal(group[j].Time) {
				return group[i].Time.Before(group[j].Time)
			}
			return group[i].ID < group[j].ID
		})
		for _, part := range c.split(key, group) {
			chains = append(chains, c.buildChain(key, part))
		}
	}

	sort.Slice(chains, func(i, j int) bool {
		if !chains[i].StartTime.Equal(chains[j].StartTime) {
			return chains[i].StartTime.Before(chains[j].StartTime)
		}
		return chains[i].SessionID < chains[j].SessionID
	})
	return chains
}

func (c *Correlator) sessionKey(s telemetry.SignIn) string {
	if s.SessionID != "" {
		return s.SessionID
	}
	if s.CorrelationID != "" {
		return "correlation:" + s.CorrelationID
	}
	return ""
}

// split breaks correlation-id groups on gaps wider than the time window.
// Real session ids are never split.
func (c *Correlator) split(key string, group []telemetry.SignIn) [][]telemetry.SignIn {
	if len(group) == 0 {
		return nil
	}
	if len(key) < len("correlation:") || key[:len("correlation:")] != "correlation:" {
		return [][]telemetry.SignIn{group}
	}
	window := time.Duration(c.config.TimeWindowMinutes) * time.Minute
	var parts [][]telemetry.SignIn
	start := 0
	for i := 1; i < len(group); i++ {
		if group[i].Time.Sub(group[i-1].Time) > window {
			parts = append(parts, group[start:i])
			start = i
		}
	}
	return append(parts, group[start:])
}

func (c *Correlator) buildChain(key string, group []telemetry.SignIn) *SessionChain {
	chain := &SessionChain{
		SessionID: key,
		StartTime: group[0].Time,
		EndTime:   group[len(group)-1].Time,
	}
	ips := make(map[string]bool)
	countries := make(map[string]bool)
	for _, s := range group {
		chain.SignInIDs = append(chain.SignInIDs, s.ID)
		if s.IP != "" {
			ips[s.IP] = true
		}
		if s.Country != "" {
			countries[s.Country] = true
		}
	}
	chain.IPs = sortedKeys(ips)
	chain.Countries = sortedKeys(countries)
	chain.Anomalous = len(chain.IPs) > c.config.MaxIPs || len(chain.Countries) > c.config.MaxCountries
	return chain
}

// AnomalousSignIns returns the ids of sign-ins that belong to anomalous chains.
func AnomalousSignIns(chains []*SessionChain) map[string]string {
	out := make(map[string]string)
	for _, ch := range chains {
		if !ch.Anomalous {
			continue
		}
		for _, id := range ch.SignInIDs {
			out[id] = ch.SessionID
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
