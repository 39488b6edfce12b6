// Package falsepositive holds analyst false-positive marks. Marks are keyed by
// report and finding identity and are only ever created or removed by their
// holder; scoring consumes them through the read-only Set.
package falsepositive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lvonguyen/idrisk/internal/indicator"
)

// Common errors.
var (
	ErrInvalidReportID = errors.New("invalid report id")
	ErrStoreFailure    = errors.New("false positive store failure")
)

// Mark records that an analyst excluded a finding.
type Mark struct {
	Key      indicator.FindingKey `json:"key"`
	MarkedAt time.Time            `json:"marked_at"`
}

// Set is the set of marks for one report. It satisfies scoring.ExclusionLookup.
type Set map[indicator.FindingKey]time.Time

// NewSet builds a set from marks; the earliest time wins for duplicates.
func NewSet(marks ...Mark) Set {
	s := make(Set, len(marks))
	for _, m := range marks {
		if at, ok := s[m.Key]; ok && !m.MarkedAt.Before(at) {
			continue
		}
		s[m.Key] = m.MarkedAt
	}
	return s
}

// IsExcluded reports whether key is marked.
func (s Set) IsExcluded(key indicator.FindingKey) bool {
	_, ok := s[key]
	return ok
}

// Marks returns the marks sorted by key.
func (s Set) Marks() []Mark {
	out := make([]Mark, 0, len(s))
	for k, at := range s {
		out = append(out, Mark{Key: k, MarkedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Store persists marks outside the lifetime of one run.
type Store interface {
	// Marks returns the marks of a report; an unknown report has none.
	Marks(ctx context.Context, reportID string) (Set, error)
	// Mark adds a mark. Marking twice keeps the original time.
	Mark(ctx context.Context, reportID string, key indicator.FindingKey) (Mark, error)
	// Unmark removes a mark. Removing an absent mark is not an error.
	Unmark(ctx context.Context, reportID string, key indicator.FindingKey) error
}

func validateReportID(reportID string) error {
	if strings.TrimSpace(reportID) == "" || strings.ContainsAny(reportID, "/\\ ") {
		return fmt.Errorf("%w: %q", ErrInvalidReportID, reportID)
	}
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]Set
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[string]Set),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Marks implements Store.
func (m *MemoryStore) Marks(ctx context.Context, reportID string) (Set, error) {
	if err := validateReportID(reportID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(Set, len(m.reports[reportID]))
	for k, at := range m.reports[reportID] {
		out[k] = at
	}
	return out, nil
}

// Mark implements Store.
func (m *MemoryStore) Mark(ctx context.Context, reportID string, key indicator.FindingKey) (Mark, error) {
	if err := validateReportID(reportID); err != nil {
		return Mark{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.reports[reportID]
	if !ok {
		set = make(Set)
		m.reports[reportID] = set
	}
	if at, ok := set[key]; ok {
		return Mark{Key: key, MarkedAt: at}, nil
	}
	at := m.now().Truncate(time.Second)
	set[key] = at
	return Mark{Key: key, MarkedAt: at}, nil
}

// Unmark implements Store.
func (m *MemoryStore) Unmark(ctx context.Context, reportID string, key indicator.FindingKey) error {
	if err := validateReportID(reportID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.reports[reportID], key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
