package enrichment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	calls   map[string]int
	scores  map[string]int
	errs    map[string]error
	queried time.Time
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calls:   make(map[string]int),
		scores:  make(map[string]int),
		errs:    make(map[string]error),
		queried: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CheckIP(ctx context.Context, ip string) (*Reputation, error) {
	f.calls[ip]++
	if err := f.errs[ip]; err != nil {
		return nil, err
	}
	return &Reputation{IP: ip, AbuseScore: f.scores[ip], QueriedAt: f.queried, Source: "fake"}, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

type countingRecorder map[string]int

func (r countingRecorder) RecordReputationLookup(result string) { r[result]++ }

type failingBudget struct{}

func (failingBudget) Allow(ctx context.Context) (bool, error) {
	return false, errors.New("redis unavailable")
}

func TestCache_QueriesOncePerAddress(t *testing.T) {
	provider := newFakeProvider()
	provider.scores["203.0.113.7"] = 80
	rec := countingRecorder{}
	cache := NewCache(provider, nil, rec, nil)
	ctx := context.Background()

	first := cache.Lookup(ctx, "203.0.113.7")
	second := cache.Lookup(ctx, "203.0.113.7")

	assert.Equal(t, 1, provider.calls["203.0.113.7"])
	assert.Equal(t, first, second)
	assert.True(t, first.Known)
	assert.Equal(t, 80, first.AbuseScore)
	assert.Equal(t, CacheStats{Hits: 1, Misses: 1}, cache.Stats())
	assert.Equal(t, 1, rec[LookupHit])
	assert.Equal(t, 1, rec[LookupMiss])
}

func TestCache_NonPublicAndInvalidAddressesSkipProvider(t *testing.T) {
	provider := newFakeProvider()
	cache := NewCache(provider, nil, nil, nil)
	ctx := context.Background()

	for _, ip := range []string{"", "not-an-ip", "10.1.2.3", "192.168.0.1", "127.0.0.1", "fe80::1", "::"} {
		e := cache.Lookup(ctx, ip)
		assert.False(t, e.Known, ip)
		assert.Zero(t, e.AbuseScore, ip)
	}
	assert.Empty(t, provider.calls)
}

func TestCache_ProviderFailureIsDegradedAndNotRetried(t *testing.T) {
	provider := newFakeProvider()
	provider.errs["198.51.100.4"] = ErrRateLimited
	provider.errs["198.51.100.5"] = errors.New("timeout")
	cache := NewCache(provider, nil, nil, nil)
	ctx := context.Background()

	e := cache.Lookup(ctx, "198.51.100.4")
	assert.False(t, e.Known)
	assert.True(t, e.Degraded)
	assert.Equal(t, ReasonRateLimited, e.DegradedReason)

	e = cache.Lookup(ctx, "198.51.100.5")
	assert.Equal(t, ReasonProviderError, e.DegradedReason)

	cache.Lookup(ctx, "198.51.100.4")
	assert.Equal(t, 1, provider.calls["198.51.100.4"])
	assert.Equal(t, 2, cache.Stats().Degraded)
}

func TestCache_NoProvider(t *testing.T) {
	cache := NewCache(nil, nil, nil, nil)
	e := cache.Lookup(context.Background(), "203.0.113.7")
	assert.True(t, e.Degraded)
	assert.Equal(t, ReasonNoProvider, e.DegradedReason)
}

func TestCache_BudgetExhausted(t *testing.T) {
	provider := newFakeProvider()
	rec := countingRecorder{}
	cache := NewCache(provider, NewMemoryBudget(1), rec, nil)
	ctx := context.Background()

	assert.True(t, cache.Lookup(ctx, "203.0.113.7").Known)
	e := cache.Lookup(ctx, "203.0.113.8")
	assert.False(t, e.Known)
	assert.Equal(t, ReasonBudgetExhausted, e.DegradedReason)
	assert.Zero(t, provider.calls["203.0.113.8"])
	assert.Equal(t, 1, rec[LookupBudgetExhausted])
}

func TestCache_BudgetErrorFailsOpen(t *testing.T) {
	provider := newFakeProvider()
	cache := NewCache(provider, failingBudget{}, nil, nil)

	e := cache.Lookup(context.Background(), "203.0.113.7")
	assert.True(t, e.Known)
	assert.Equal(t, 1, provider.calls["203.0.113.7"])
}

func TestCache_RecordSignInAndReset(t *testing.T) {
	provider := newFakeProvider()
	cache := NewCache(provider, nil, nil, nil)
	ctx := context.Background()

	cache.RecordSignIn("203.0.113.7", true, true)
	cache.Lookup(ctx, "203.0.113.7")
	cache.RecordSignIn("203.0.113.7", true, false)
	cache.RecordSignIn("203.0.113.7", true, true)

	e := cache.Lookup(ctx, "203.0.113.7")
	assert.Equal(t, 2, e.MFASignInCount)
	assert.Equal(t, 1, e.CompliantDeviceSignInCount)
	require.Equal(t, 1, cache.Len())

	cache.Reset()
	assert.Zero(t, cache.Len())
	assert.Equal(t, CacheStats{}, cache.Stats())

	cache.Lookup(ctx, "203.0.113.7")
	assert.Equal(t, 2, provider.calls["203.0.113.7"])
}

func TestCache_IPv4MappedAddressesShareEntry(t *testing.T) {
	provider := newFakeProvider()
	cache := NewCache(provider, nil, nil, nil)
	ctx := context.Background()

	cache.Lookup(ctx, "203.0.113.7")
	cache.Lookup(ctx, "::ffff:203.0.113.7")
	assert.Equal(t, 1, provider.calls["203.0.113.7"])
}
