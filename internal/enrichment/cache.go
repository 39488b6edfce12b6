package enrichment

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"go.uber.org/zap"
)

// Lookup results reported to a LookupRecorder.
const (
	LookupHit             = "hit"
	LookupMiss            = "miss"
	LookupDegraded        = "degraded"
	LookupBudgetExhausted = "budget_exhausted"
	LookupSkipped         = "skipped"
)

// Degradation reasons recorded on Unknown entries.
const (
	ReasonNoProvider      = "no reputation provider configured"
	ReasonBudgetExhausted = "reputation budget exhausted"
	ReasonRateLimited     = "reputation provider rate limited"
	ReasonProviderError   = "reputation provider error"
	ReasonNotPublic       = "address is not publicly routable"
	ReasonInvalidIP       = "invalid address"
)

// Entry is the cached reputation of one IP address for one account's run.
type Entry struct {
	IP             string    `json:"ip"`
	AbuseScore     int       `json:"abuse_score"`
	Known          bool      `json:"known"`
	Degraded       bool      `json:"degraded"`
	DegradedReason string    `json:"degraded_reason,omitempty"`
	QueriedAt      time.Time `json:"queried_at"`
	CountryCode    string    `json:"country_code,omitempty"`
	ISP            string    `json:"isp,omitempty"`
	UsageType      string    `json:"usage_type,omitempty"`
	IsTor          bool      `json:"is_tor"`
	TotalReports   int       `json:"total_reports"`

	MFASignInCount             int `json:"mfa_sign_in_count"`
	CompliantDeviceSignInCount int `json:"compliant_device_sign_in_count"`
}

// CacheStats summarises cache activity for one account.
type CacheStats struct {
	Hits     int `json:"hits"`
	Misses   int `json:"misses"`
	Degraded int `json:"degraded"`
}

// LookupRecorder receives one result label per lookup.
type LookupRecorder interface {
	RecordReputationLookup(result string)
}

// Cache holds reputation entries for exactly one account's run. It is not
// safe for concurrent use and must not be shared between accounts.
type Cache struct {
	provider ReputationProvider
	budget   Budget
	recorder LookupRecorder
	logger   *zap.Logger
	entries  map[string]*Entry
	stats    CacheStats
}

// NewCache creates an empty cache. provider, budget and recorder may be nil.
func NewCache(provider ReputationProvider, budget Budget, recorder LookupRecorder, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		provider: provider,
		budget:   budget,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "reputation_cache")),
		entries:  make(map[string]*Entry),
	}
}

// Lookup returns the entry for ip, querying the provider at most once per
// address. It never fails: any problem yields an Unknown entry.
func (c *Cache) Lookup(ctx context.Context, ip string) Entry {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		c.record(LookupSkipped)
		return Entry{IP: ip, Degraded: ip != "", DegradedReason: reasonIf(ip != "", ReasonInvalidIP)}
	}
	addr = addr.Unmap()
	key := addr.String()

	if e, ok := c.entries[key]; ok {
		c.stats.Hits++
		c.record(LookupHit)
		return *e
	}

	if !isPublic(addr) {
		c.record(LookupSkipped)
		e := &Entry{IP: key}
		c.entries[key] = e
		return *e
	}

	c.stats.Misses++
	e := c.query(ctx, key)
	c.entries[key] = e
	return *e
}

func (c *Cache) query(ctx context.Context, ip string) *Entry {
	if c.provider == nil {
		return c.degrade(ip, ReasonNoProvider, LookupDegraded, nil)
	}

	if c.budget != nil {
		allowed, err := c.budget.Allow(ctx)
		switch {
		case err != nil:
			c.logger.Warn("Budget check failed, allowing lookup", zap.Error(err))
		case !allowed:
			return c.degrade(ip, ReasonBudgetExhausted, LookupBudgetExhausted, nil)
		}
	}

	rep, err := c.provider.CheckIP(ctx, ip)
	if err != nil {
		reason := ReasonProviderError
		if errors.Is(err, ErrRateLimited) {
			reason = ReasonRateLimited
		}
		return c.degrade(ip, reason, LookupDegraded, err)
	}

	c.record(LookupMiss)
	return &Entry{
		IP:           ip,
		AbuseScore:   rep.AbuseScore,
		Known:        true,
		QueriedAt:    rep.QueriedAt,
		CountryCode:  rep.CountryCode,
		ISP:          rep.ISP,
		UsageType:    rep.UsageType,
		IsTor:        rep.IsTor,
		TotalReports: rep.TotalReports,
	}
}

func (c *Cache) degrade(ip, reason, result string, err error) *Entry {
	c.stats.Degraded++
	c.record(result)
	fields := []zap.Field{zap.String("ip", ip), zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Warn("Reputation lookup degraded", fields...)
	return &Entry{IP: ip, Degraded: true, DegradedReason: reason}
}

// RecordSignIn accumulates per-address sign-in counters. Only addresses
// already looked up are tracked.
func (c *Cache) RecordSignIn(ip string, mfa, compliant bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return
	}
	e, ok := c.entries[addr.Unmap().String()]
	if !ok {
		return
	}
	if mfa {
		e.MFASignInCount++
	}
	if compliant {
		e.CompliantDeviceSignInCount++
	}
}

// Entries returns a copy of every cached entry keyed by address.
func (c *Cache) Entries() map[string]Entry {
	out := make(map[string]Entry, len(c.entries))
	for k, e := range c.entries {
		out[k] = *e
	}
	return out
}

// Reset clears all entries and counters.
func (c *Cache) Reset() {
	c.entries = make(map[string]*Entry)
	c.stats = CacheStats{}
}

// Stats returns hit, miss and degradation counts.
func (c *Cache) Stats() CacheStats {
	return c.stats
}

// Len returns the number of cached addresses.
func (c *Cache) Len() int {
	return len(c.entries)
}

func (c *Cache) record(result string) {
	if c.recorder != nil {
		c.recorder.RecordReputationLookup(result)
	}
}

func isPublic(addr netip.Addr) bool {
	return addr.IsValid() &&
		!addr.IsPrivate() &&
		!addr.IsLoopback() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsMulticast() &&
		!addr.IsUnspecified()
}

func reasonIf(cond bool, reason string) string {
	if cond {
		return reason
	}
	return ""
}
