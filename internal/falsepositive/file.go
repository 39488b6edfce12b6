package falsepositive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/idrisk/internal/indicator"
)

// markFile is the on-disk form of one report's marks.
type markFile struct {
	ReportID string      `yaml:"report_id"`
	Marks    []markEntry `yaml:"marks"`
}

type markEntry struct {
	Key      string    `yaml:"key"`
	MarkedAt time.Time `yaml:"marked_at"`
}

// FileStore keeps each report's marks in <dir>/<report id>.marks.yaml, next to
// the exported report.
type FileStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewFileStore creates a store rooted at dir. The directory is created on the
// first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, now: func() time.Time { return time.Now().UTC() }}
}

func (f *FileStore) path(reportID string) string {
	return filepath.Join(f.dir, reportID+".marks.yaml")
}

// Marks implements Store.
func (f *FileStore) Marks(ctx context.Context, reportID string) (Set, error) {
	if err := validateReportID(reportID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load(reportID)
}

// Mark implements Store.
func (f *FileStore) Mark(ctx context.Context, reportID string, key indicator.FindingKey) (Mark, error) {
	if err := validateReportID(reportID); err != nil {
		return Mark{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	set, err := f.load(reportID)
	if err != nil {
		return Mark{}, err
	}
	if at, ok := set[key]; ok {
		return Mark{Key: key, MarkedAt: at}, nil
	}
	at := f.now().Truncate(time.Second)
	set[key] = at
	if err := f.save(reportID, set); err != nil {
		return Mark{}, err
	}
	return Mark{Key: key, MarkedAt: at}, nil
}

// Unmark implements Store.
func (f *FileStore) Unmark(ctx context.Context, reportID string, key indicator.FindingKey) error {
	if err := validateReportID(reportID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	set, err := f.load(reportID)
	if err != nil {
		return err
	}
	if _, ok := set[key]; !ok {
		return nil
	}
	delete(set, key)
	return f.save(reportID, set)
}

func (f *FileStore) load(reportID string) (Set, error) {
	set, err := LoadFile(f.path(reportID))
	if errors.Is(err, os.ErrNotExist) {
		return make(Set), nil
	}
	return set, err
}

func (f *FileStore) save(reportID string, set Set) error {
	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return SaveFile(f.path(reportID), reportID, set)
}

// LoadFile reads a marks file. A missing file is reported with an error
// matching os.ErrNotExist.
func LoadFile(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	var mf markFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrStoreFailure, path, err)
	}
	set := make(Set, len(mf.Marks))
	for _, e := range mf.Marks {
		key, err := indicator.ParseFindingKey(e.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrStoreFailure, path, err)
		}
		set[key] = e.MarkedAt
	}
	return set, nil
}

// SaveFile writes set to path, replacing any previous content atomically.
func SaveFile(path, reportID string, set Set) error {
	mf := markFile{ReportID: reportID, Marks: make([]markEntry, 0, len(set))}
	for _, m := range set.Marks() {
		mf.Marks = append(mf.Marks, markEntry{Key: m.Key.String(), MarkedAt: m.MarkedAt})
	}
	data, err := yaml.Marshal(&mf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
