package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	abuseIPDBDefaultBaseURL = "https://api.abuseipdb.com"
	abuseIPDBAPIPath        = "/api/v2"
)

// AbuseIPDBProvider implements ReputationProvider for AbuseIPDB.
type AbuseIPDBProvider struct {
	config     AbuseIPDBConfig
	apiKey     string
	httpClient *http.Client
	rateLimit  RateLimitStatus
	mu         sync.RWMutex
	now        func() time.Time
}

// AbuseIPDBConfig holds AbuseIPDB-specific configuration.
type AbuseIPDBConfig struct {
	ProviderConfig `yaml:",inline"`
	MaxAgeInDays   int `yaml:"max_age_days"`
}

// DefaultAbuseIPDBConfig returns sensible defaults for AbuseIPDB.
func DefaultAbuseIPDBConfig() AbuseIPDBConfig {
	return AbuseIPDBConfig{
		ProviderConfig: ProviderConfig{
			APIKey:  "ABUSEIPDB_API_KEY",
			BaseURL: abuseIPDBDefaultBaseURL,
			Timeout: 10 * time.Second,
		},
		MaxAgeInDays: 90,
	}
}

// abuseIPDBCheckResponse is the /check payload.
type abuseIPDBCheckResponse struct {
	Data struct {
		IPAddress            string `json:"ipAddress"`
		IsPublic             bool   `json:"isPublic"`
		AbuseConfidenceScore *int   `json:"abuseConfidenceScore"`
		CountryCode          string `json:"countryCode"`
		UsageType            string `json:"usageType"`
		ISP                  string `json:"isp"`
		Domain               string `json:"domain"`
		IsTor                bool   `json:"isTor"`
		TotalReports         int    `json:"totalReports"`
	} `json:"data"`
}

// NewAbuseIPDBProvider creates a new AbuseIPDB provider.
func NewAbuseIPDBProvider(config AbuseIPDBConfig) (*AbuseIPDBProvider, error) {
	apiKey := os.Getenv(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w in env var: %s", ErrMissingAPIKey, config.APIKey)
	}

	if config.BaseURL == "" {
		config.BaseURL = abuseIPDBDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProviderConfig().Timeout
	}
	if config.MaxAgeInDays <= 0 {
		config.MaxAgeInDays = 90
	}

	return &AbuseIPDBProvider{
		config: config,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		now: time.Now,
	}, nil
}

// Name returns the provider identifier.
func (p *AbuseIPDBProvider) Name() string {
	return "abuseipdb"
}

// HealthCheck verifies connectivity by checking a well-known public address.
func (p *AbuseIPDBProvider) HealthCheck(ctx context.Context) error {
	_, err := p.CheckIP(ctx, "8.8.8.8")
	if err != nil {
		return fmt.Errorf("AbuseIPDB health check failed: %w", err)
	}
	return nil
}

// RateLimit returns current rate limit status.
func (p *AbuseIPDBProvider) RateLimit() RateLimitStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rateLimit
}

// CheckIP queries the reputation of one address.
func (p *AbuseIPDBProvider) CheckIP(ctx context.Context, ip string) (*Reputation, error) {
	query := url.Values{}
	query.Set("ipAddress", ip)
	query.Set("maxAgeInDays", strconv.Itoa(p.config.MaxAgeInDays))

	req, err := p.newRequest(ctx, http.MethodGet, "/check?"+query.Encode())
	if err != nil {
		return nil, fmt.Errorf("creating check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("AbuseIPDB lookup failed: %w", err)
	}
	defer resp.Body.Close()

	p.updateRateLimit(resp)

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("AbuseIPDB returned %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var checkResp abuseIPDBCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&checkResp); err != nil {
		return nil, fmt.Errorf("%w: decoding AbuseIPDB response: %v", ErrInvalidResponse, err)
	}

	score := checkResp.Data.AbuseConfidenceScore
	if score == nil || *score < 0 || *score > 100 {
		return nil, fmt.Errorf("%w: missing or out of range abuseConfidenceScore", ErrInvalidResponse)
	}

	return &Reputation{
		IP:           ip,
		AbuseScore:   *score,
		CountryCode:  checkResp.Data.CountryCode,
		ISP:          checkResp.Data.ISP,
		UsageType:    checkResp.Data.UsageType,
		IsTor:        checkResp.Data.IsTor,
		TotalReports: checkResp.Data.TotalReports,
		Source:       p.Name(),
		QueriedAt:    p.now().UTC(),
	}, nil
}

// newRequest creates an authenticated AbuseIPDB API request.
func (p *AbuseIPDBProvider) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	fullURL := strings.TrimSuffix(p.config.BaseURL, "/") + abuseIPDBAPIPath + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Key", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "idrisk/1.0")

	return req, nil
}

// updateRateLimit updates rate limit from response headers.
func (p *AbuseIPDBProvider) updateRateLimit(resp *http.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		if r, err := strconv.Atoi(remaining); err == nil {
			p.rateLimit.Remaining = r
		}
	}

	if limit := resp.Header.Get("X-RateLimit-Limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			p.rateLimit.Limit = l
		}
	}

	if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
		if ts, err := strconv.ParseInt(reset, 10, 64); err == nil {
			p.rateLimit.ResetAt = time.Unix(ts, 0).UTC()
		}
	}
}

var _ ReputationProvider = (*AbuseIPDBProvider)(nil)
