// Package report defines the exported assessment document. A document carries
// everything needed to re-score the account offline: the catalog it was
// evaluated with, the scoring configuration and the findings themselves.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/idrisk/internal/conditionalaccess"
	"github.com/lvonguyen/idrisk/internal/falsepositive"
	"github.com/lvonguyen/idrisk/internal/indicator"
	"github.com/lvonguyen/idrisk/internal/oauth"
	"github.com/lvonguyen/idrisk/internal/scoring"
)

// SchemaVersion is the document format written by this package.
const SchemaVersion = 1

// Common errors.
var (
	ErrConsistencyViolation = errors.New("recomputed score differs from stored score")
	ErrInvalidDocument      = errors.New("invalid report document")
	ErrReportNotFound       = errors.New("report not found")
)

// Degradation records an external signal that could not be obtained.
type Degradation struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

// LookupStats summarises the reputation lookups behind a document.
type LookupStats struct {
	Addresses int `json:"addresses"`
	Hits      int `json:"hits"`
	Misses    int `json:"misses"`
	Degraded  int `json:"degraded"`
}

// Document is one account's exported assessment. TrustedCountries is
// evidence only; no finding depends on it.
type Document struct {
	SchemaVersion    int                          `json:"schema_version"`
	ReportID         string                       `json:"report_id"`
	Account          string                       `json:"account"`
	GeneratedAt      time.Time                    `json:"generated_at"`
	CatalogVersion   string                       `json:"catalog_version"`
	Catalog          []indicator.Definition       `json:"catalog"`
	Scoring          scoring.Config               `json:"scoring"`
	Findings         []indicator.Finding          `json:"findings"`
	Result           scoring.Result               `json:"result"`
	Exclusions       []falsepositive.Mark         `json:"exclusions"`
	TrustedRanges    []string                     `json:"trusted_ranges"`
	TrustedCountries []string                     `json:"trusted_countries"`
	Protection       conditionalaccess.Protection `json:"protection"`
	OAuth            []oauth.Classification       `json:"oauth"`
	Lookups          LookupStats                  `json:"lookups"`
	Degradations     []Degradation                `json:"degradations,omitempty"`
	Warnings         []string                     `json:"warnings,omitempty"`
}

// New builds a scored document for account. Every account-scope finding is
// kept; sign-in findings are kept only when triggered since untriggered ones
// never contribute to a score.
func New(account string, catalog *indicator.Catalog, cfg scoring.Config, findings []indicator.Finding) (*Document, error) {
	doc := &Document{
		SchemaVersion:    SchemaVersion,
		ReportID:         uuid.NewString(),
		Account:          account,
		GeneratedAt:      time.Now().UTC(),
		CatalogVersion:   catalog.Version,
		Catalog:          catalog.Definitions(),
		Scoring:          cfg,
		Findings:         make([]indicator.Finding, 0, len(findings)),
		Exclusions:       []falsepositive.Mark{},
		TrustedRanges:    []string{},
		TrustedCountries: []string{},
		OAuth:            []oauth.Classification{},
	}
	for _, f := range findings {
		if f.Triggered || indicator.IsAccountScope(f.Scope) {
			doc.Findings = append(doc.Findings, f)
		}
	}

	res, err := Recompute(doc, nil)
	if err != nil {
		return nil, err
	}
	doc.Result = res
	return doc, nil
}

// Recompute scores the document's findings under excl. It reads nothing but
// the document, so it gives the same answer wherever it runs.
func Recompute(doc *Document, excl scoring.ExclusionLookup) (scoring.Result, error) {
	if doc == nil {
		return scoring.Result{}, fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	scorer, err := scoring.NewScorer(doc.Scoring)
	if err != nil {
		return scoring.Result{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return scorer.ScoreAll(doc.Findings, excl), nil
}

// Apply returns a copy of doc with marks as its exclusions and the result
// recomputed under them. doc itself is not modified.
func Apply(doc *Document, marks falsepositive.Set) (*Document, error) {
	res, err := Recompute(doc, marks)
	if err != nil {
		return nil, err
	}
	out := *doc
	out.Exclusions = marks.Marks()
	out.Result = res
	return &out, nil
}

// Verify recomputes the document under its own exclusions and reports
// ErrConsistencyViolation when the stored result disagrees.
func Verify(doc *Document) error {
	res, err := Recompute(doc, falsepositive.NewSet(doc.Exclusions...))
	if err != nil {
		return err
	}
	if !sameScore(res.Account, doc.Result.Account) {
		return fmt.Errorf("%w: account score %d, stored %d", ErrConsistencyViolation, res.Account.RawPoints, doc.Result.Account.RawPoints)
	}
	if len(res.SignIns) != len(doc.Result.SignIns) {
		return fmt.Errorf("%w: %d scored sign-ins, stored %d", ErrConsistencyViolation, len(res.SignIns), len(doc.Result.SignIns))
	}
	for i := range res.SignIns {
		if !sameScore(res.SignIns[i], doc.Result.SignIns[i]) {
			return fmt.Errorf("%w: sign-in %s", ErrConsistencyViolation, res.SignIns[i].Scope)
		}
	}
	if res.Summary != doc.Result.Summary {
		return fmt.Errorf("%w: overall %d, stored %d", ErrConsistencyViolation, res.Summary.OverallScore, doc.Result.Summary.OverallScore)
	}
	return nil
}

func sameScore(a, b scoring.RiskScore) bool {
	return a.Scope == b.Scope &&
		a.RawPoints == b.RawPoints &&
		a.Level == b.Level &&
		slices.Equal(a.ContributingFindings, b.ContributingFindings)
}

// Validate checks the fields a reader relies on.
func (d *Document) Validate() error {
	if d.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema version %d", ErrInvalidDocument, d.SchemaVersion)
	}
	if _, err := uuid.Parse(d.ReportID); err != nil {
		return fmt.Errorf("%w: report id %q", ErrInvalidDocument, d.ReportID)
	}
	if d.Account == "" {
		return fmt.Errorf("%w: missing account", ErrInvalidDocument)
	}
	return nil
}

// FileName is the name Write gives a document.
func FileName(reportID string) string {
	return reportID + ".json"
}

// Write stores doc as indented JSON in dir and returns the file path.
func Write(dir string, doc *Document) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}

	path := filepath.Join(dir, FileName(doc.ReportID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}

// Read loads and validates a document.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}
