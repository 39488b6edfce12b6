package assessment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BatchSummaryFile is the name of the batch summary written next to the
// reports.
const BatchSummaryFile = "batch-summary.json"

// FailureSummary renders the failed accounts one per line, or an empty
// string when every account succeeded.
func (b BatchResult) FailureSummary() string {
	if len(b.Failed) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d of %d accounts failed:\n", len(b.Failed), len(b.Failed)+len(b.Succeeded))
	for _, f := range b.Failed {
		fmt.Fprintf(&sb, "  %s: %s\n", f.Account, f.Error)
	}
	return sb.String()
}

// WriteSummary stores the batch result as JSON in dir.
func WriteSummary(dir string, b BatchResult) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding batch summary: %w", err)
	}
	path := filepath.Join(dir, BatchSummaryFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing batch summary: %w", err)
	}
	return path, nil
}
