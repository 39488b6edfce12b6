package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/scoring"
)

// Summary is the listing entry of a stored report.
type Summary struct {
	ReportID    string        `json:"report_id"`
	Account     string        `json:"account"`
	GeneratedAt time.Time     `json:"generated_at"`
	Overall     int           `json:"overall_score"`
	Level       scoring.Level `json:"level"`
}

// Store manages the report documents of one output directory. Documents are
// cached after the first read; the directory is the source of truth.
type Store struct {
	mu       sync.RWMutex
	basePath string
	cache    map[string]*Document
	logger   *zap.Logger
}

// NewStore creates a store rooted at basePath, creating the directory if
// needed.
func NewStore(basePath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	return &Store{
		basePath: basePath,
		cache:    make(map[string]*Document),
		logger:   logger.With(zap.String("component", "report_store")),
	}, nil
}

// Path returns the directory the store writes to.
func (s *Store) Path() string {
	return s.basePath
}

// Save writes doc and returns its path.
func (s *Store) Save(doc *Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := Write(s.basePath, doc)
	if err != nil {
		return "", err
	}
	s.cache[doc.ReportID] = doc
	s.logger.Debug("Report saved", zap.String("report_id", doc.ReportID), zap.String("path", path))
	return path, nil
}

// Get returns the stored document with the given id. Documents read from disk
// must pass Verify.
func (s *Store) Get(reportID string) (*Document, error) {
	if _, err := uuid.Parse(reportID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrReportNotFound, reportID)
	}

	s.mu.RLock()
	doc, ok := s.cache[reportID]
	s.mu.RUnlock()
	if ok {
		return doc, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := Read(filepath.Join(s.basePath, FileName(reportID)))
	if err != nil {
		return nil, err
	}
	if doc.ReportID != reportID {
		return nil, fmt.Errorf("%w: file %s holds report %s", ErrInvalidDocument, FileName(reportID), doc.ReportID)
	}
	if err := Verify(doc); err != nil {
		s.logger.Warn("Stored report failed verification", zap.String("report_id", reportID), zap.Error(err))
		return nil, err
	}
	s.cache[reportID] = doc
	return doc, nil
}

// List returns a summary of every readable report, newest first. Unreadable
// files are skipped.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		doc, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Debug("Skipping unreadable report", zap.String("file", name), zap.Error(err))
			continue
		}
		summaries = append(summaries, Summary{
			ReportID:    doc.ReportID,
			Account:     doc.Account,
			GeneratedAt: doc.GeneratedAt,
			Overall:     doc.Result.Summary.OverallScore,
			Level:       doc.Result.Summary.Level,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].GeneratedAt.Equal(summaries[j].GeneratedAt) {
			return summaries[i].GeneratedAt.After(summaries[j].GeneratedAt)
		}
		return summaries[i].ReportID < summaries[j].ReportID
	})
	return summaries, nil
}
