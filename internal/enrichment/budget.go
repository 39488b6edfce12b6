package enrichment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Budget caps the number of reputation calls spent in a window.
type Budget interface {
	// Allow consumes one unit. It reports false once the window is exhausted.
	Allow(ctx context.Context) (bool, error)
}

// BudgetConfig configures the daily reputation budget.
type BudgetConfig struct {
	Backend    string `yaml:"backend"` // memory, redis
	DailyLimit int    `yaml:"daily_limit"`
}

// MemoryBudget is a process-local daily budget. A non-positive limit is
// unlimited.
type MemoryBudget struct {
	mu     sync.Mutex
	limit  int
	used   int
	window string
	now    func() time.Time
}

// NewMemoryBudget creates an in-process budget.
func NewMemoryBudget(limit int) *MemoryBudget {
	return &MemoryBudget{limit: limit, now: time.Now}
}

// Allow implements Budget.
func (b *MemoryBudget) Allow(ctx context.Context) (bool, error) {
	if b.limit <= 0 {
		return true, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	window := b.now().UTC().Format("20060102")
	if window != b.window {
		b.window = window
		b.used = 0
	}
	if b.used >= b.limit {
		return false, nil
	}
	b.used++
	return true, nil
}

// budgetScript increments the window counter and arms its expiry on first use.
var budgetScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisBudget shares a daily budget across processes through a Redis counter.
type RedisBudget struct {
	redis    redis.Scripter
	provider string
	limit    int
	now      func() time.Time
}

// NewRedisBudget creates a Redis backed budget for one provider.
func NewRedisBudget(client redis.Scripter, provider string, limit int) *RedisBudget {
	return &RedisBudget{redis: client, provider: provider, limit: limit, now: time.Now}
}

// Allow implements Budget. Redis failures are returned to the caller, which
// decides whether to fail open.
func (b *RedisBudget) Allow(ctx context.Context) (bool, error) {
	if b.limit <= 0 {
		return true, nil
	}
	now := b.now().UTC()
	key := fmt.Sprintf("idrisk:reputation:budget:%s:%s", b.provider, now.Format("20060102"))

	// Expire at the end of the UTC day, plus a minute of slack.
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	ttl := endOfDay.Sub(now) + time.Minute

	count, err := budgetScript.Run(ctx, b.redis, []string{key}, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("budget counter: %w", err)
	}
	return count <= b.limit, nil
}

var (
	_ Budget = (*MemoryBudget)(nil)
	_ Budget = (*RedisBudget)(nil)
)
