// Package enrichment provides IP reputation and offline geolocation signals for
// sign-in origins.
package enrichment

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrRateLimited     = errors.New("reputation provider rate limited")
	ErrMissingAPIKey   = errors.New("reputation provider API key not found")
	ErrInvalidResponse = errors.New("invalid reputation response")
)

// Reputation is a provider verdict for one IP address.
type Reputation struct {
	IP           string    `json:"ip"`
	AbuseScore   int       `json:"abuse_score"`
	CountryCode  string    `json:"country_code,omitempty"`
	ISP          string    `json:"isp,omitempty"`
	UsageType    string    `json:"usage_type,omitempty"`
	IsTor        bool      `json:"is_tor"`
	TotalReports int       `json:"total_reports"`
	Source       string    `json:"source"`
	QueriedAt    time.Time `json:"queried_at"`
}

// ReputationProvider is the interface for IP reputation sources.
type ReputationProvider interface {
	Name() string
	CheckIP(ctx context.Context, ip string) (*Reputation, error)
	HealthCheck(ctx context.Context) error
}

// RateLimitStatus represents API rate limiting.
type RateLimitStatus struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

// ProviderConfig holds common provider configuration.
type ProviderConfig struct {
	APIKey  string        `yaml:"api_key_env"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 10 * time.Second,
	}
}
