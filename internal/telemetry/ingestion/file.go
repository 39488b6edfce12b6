// Package ingestion retrieves raw per-account telemetry exports produced by the
// Graph/Exchange collection layer.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lvonguyen/idrisk/internal/telemetry"
)

// Common errors.
var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrInvalidSnapshot  = errors.New("invalid snapshot")
	ErrInvalidDirectory = errors.New("invalid snapshot directory")
)

// FileSource reads snapshots written by the collection layer as
// <dir>/<account>.json.
type FileSource struct {
	Dir string
}

// NewFileSource creates a file backed source.
func NewFileSource(dir string) *FileSource {
	return &FileSource{Dir: dir}
}

// Name returns the source name
func (s *FileSource) Name() string { return "file" }

// Fetch reads and decodes the account's export.
func (s *FileSource) Fetch(ctx context.Context, account string) (*telemetry.RawSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.pathFor(account)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, path)
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var raw telemetry.RawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSnapshot, path, err)
	}
	if raw.Account == "" {
		raw.Account = account
	}
	return &raw, nil
}

// HealthCheck verifies the snapshot directory is readable.
func (s *FileSource) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(s.Dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDirectory, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidDirectory, s.Dir)
	}
	return nil
}

// pathFor rejects account names that would escape the snapshot directory.
func (s *FileSource) pathFor(account string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(account))
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSnapshot, account)
	}
	return filepath.Join(s.Dir, name+".json"), nil
}

var _ telemetry.Source = (*FileSource)(nil)
