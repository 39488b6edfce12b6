// Package oauth classifies OAuth consent grants by risk.
package oauth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lvonguyen/idrisk/internal/telemetry"
)

// Level is an OAuth grant risk classification.
type Level int

const (
	Low Level = iota
	Medium
	High
)

func (l Level) String() string {
	switch l {
	case High:
		return "High"
	case Medium:
		return "Medium"
	default:
		return "Low"
	}
}

// MarshalText renders the level for export.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses an exported level.
func (l *Level) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "high":
		*l = High
	case "medium":
		*l = Medium
	case "low":
		*l = Low
	default:
		return fmt.Errorf("unknown oauth level %q", string(b))
	}
	return nil
}

// Microsoft first-party application owner tenants.
var firstPartyTenants = []string{
	"f8cdef31-a31e-4b4a-93e4-5f571e91255a",
	"72f988bf-86f1-41af-91ab-2d7cd011db47",
}

// Config holds the classification rule set.
type Config struct {
	HighScopes   []string `yaml:"high_scopes"`
	MediumScopes []string `yaml:"medium_scopes"`
	AllowedApps  []string `yaml:"allowed_app_ids"`
	AllowedTags  []string `yaml:"allowed_tags"`
}

// DefaultConfig returns the built-in scope sensitivity lists.
func DefaultConfig() Config {
	return Config{
		HighScopes: []string{
			"Mail.ReadWrite", "Mail.Send", "Mail.Read", "Mail.ReadWrite.All", "Mail.Read.All",
			"MailboxSettings.ReadWrite", "Files.ReadWrite.All", "Files.Read.All",
			"Sites.ReadWrite.All", "Sites.FullControl.All", "Directory.ReadWrite.All",
			"Directory.AccessAsUser.All", "RoleManagement.ReadWrite.Directory",
			"Application.ReadWrite.All", "AppRoleAssignment.ReadWrite.All",
			"User.ReadWrite.All", "full_access_as_user", "EWS.AccessAsUser.All",
			"Exchange.Manage", "Contacts.ReadWrite",
		},
		MediumScopes: []string{
			"Files.ReadWrite", "Files.Read", "Calendars.ReadWrite", "Calendars.Read",
			"Contacts.Read", "Notes.ReadWrite", "Notes.Read.All", "Directory.Read.All",
			"User.Read.All", "Group.Read.All", "Group.ReadWrite.All", "Chat.Read",
			"ChannelMessage.Read.All", "Tasks.ReadWrite", "People.Read.All",
			"offline_access", "IMAP.AccessAsUser.All", "POP.AccessAsUser.All",
			"SMTP.Send",
		},
	}
}

// Classification is the verdict for one grant.
type Classification struct {
	ClientID string   `json:"client_id"`
	AppName  string   `json:"app_name,omitempty"`
	Level    Level    `json:"level"`
	Reasons  []string `json:"reasons"`
}

// Classifier applies the rule set. It has no mutable state.
type Classifier struct {
	high    map[string]bool
	medium  map[string]bool
	allowed map[string]bool
	tags    map[string]bool
}

// NewClassifier creates a classifier. Empty scope lists fall back to the
// defaults.
func NewClassifier(cfg Config) *Classifier {
	def := DefaultConfig()
	if len(cfg.HighScopes) == 0 {
		cfg.HighScopes = def.HighScopes
	}
	if len(cfg.MediumScopes) == 0 {
		cfg.MediumScopes = def.MediumScopes
	}
	return &Classifier{
		high:    lowerSet(cfg.HighScopes),
		medium:  lowerSet(cfg.MediumScopes),
		allowed: lowerSet(cfg.AllowedApps),
		tags:    lowerSet(cfg.AllowedTags),
	}
}

// Classify votes independently on scope sensitivity, consent type and
// publisher verification; the final level is the highest vote. Allow-listed
// and first-party apps lower only the consent and publisher votes.
func (c *Classifier) Classify(g telemetry.OAuthGrant) Classification {
	out := Classification{ClientID: g.ClientID, AppName: g.AppName}
	trusted, trustReason := c.trusted(g)

	scopeVote, scopeReason := c.scopeVote(g.Scopes)
	out.Reasons = append(out.Reasons, scopeReason)

	consentVote := Low
	switch g.ConsentType {
	case telemetry.ConsentUser:
		if scopeVote >= Medium {
			consentVote = High
			out.Reasons = append(out.Reasons, "user consent to sensitive scopes")
		} else {
			out.Reasons = append(out.Reasons, "user consent to low sensitivity scopes")
		}
	case telemetry.ConsentAdmin:
		out.Reasons = append(out.Reasons, "admin consent")
	default:
		consentVote = Medium
		out.Reasons = append(out.Reasons, "consent type unknown")
	}

	publisherVote := Low
	switch g.PublisherVerified {
	case telemetry.True:
		out.Reasons = append(out.Reasons, "publisher verified")
	case telemetry.False:
		publisherVote = Medium
		out.Reasons = append(out.Reasons, "publisher not verified")
	default:
		publisherVote = Medium
		out.Reasons = append(out.Reasons, "publisher verification unknown")
	}

	if trusted {
		consentVote, publisherVote = Low, Low
		out.Reasons = append(out.Reasons, trustReason)
	}

	out.Level = max(scopeVote, consentVote, publisherVote)
	return out
}

// ClassifyAll classifies grants in client id order.
func (c *Classifier) ClassifyAll(grants []telemetry.OAuthGrant) []Classification {
	out := make([]Classification, 0, len(grants))
	for _, g := range grants {
		out = append(out, c.Classify(g))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (c *Classifier) scopeVote(scopes []string) (Level, string) {
	var high, medium []string
	for _, s := range scopes {
		switch key := strings.ToLower(s); {
		case c.high[key]:
			high = append(high, s)
		case c.medium[key]:
			medium = append(medium, s)
		}
	}
	switch {
	case len(high) > 0:
		return High, "high sensitivity scopes: " + strings.Join(high, ", ")
	case len(medium) > 0:
		return Medium, "medium sensitivity scopes: " + strings.Join(medium, ", ")
	default:
		return Low, "no sensitive scopes"
	}
}

func (c *Classifier) trusted(g telemetry.OAuthGrant) (bool, string) {
	if g.AppID != "" && c.allowed[strings.ToLower(g.AppID)] {
		return true, "application is allow-listed"
	}
	for _, t := range firstPartyTenants {
		if strings.EqualFold(g.OwnerTenantID, t) {
			return true, "first-party application"
		}
	}
	for _, t := range g.Tags {
		if c.tags[strings.ToLower(t)] {
			return true, "application carries trusted tag " + t
		}
	}
	return false, ""
}

func lowerSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[strings.ToLower(strings.TrimSpace(v))] = true
	}
	return m
}
