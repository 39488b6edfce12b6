// Package assessment runs the per-account pipeline over a batch of accounts:
// fetch, normalize, resolve facts, evaluate, score and export. Accounts are
// processed one at a time and a failure in one never stops the batch.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/conditionalaccess"
	"github.com/lvonguyen/idrisk/internal/enrichment"
	"github.com/lvonguyen/idrisk/internal/indicator"
	"github.com/lvonguyen/idrisk/internal/location"
	"github.com/lvonguyen/idrisk/internal/oauth"
	"github.com/lvonguyen/idrisk/internal/observability"
	"github.com/lvonguyen/idrisk/internal/report"
	"github.com/lvonguyen/idrisk/internal/scoring"
	"github.com/lvonguyen/idrisk/internal/telemetry"
	"github.com/lvonguyen/idrisk/internal/telemetry/correlation"
	"github.com/lvonguyen/idrisk/internal/telemetry/normalization"
)

// Common errors.
var (
	ErrInvalidAccount = errors.New("invalid account identifier")
	ErrConnectivity   = errors.New("telemetry source unavailable")
	ErrAssessment     = errors.New("assessment failed")
	ErrMissingDep     = errors.New("missing runner dependency")
)

// Assessment statuses reported to metrics.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var accountPattern = regexp.MustCompile(`^[A-Za-z0-9._%+'\-]+@[A-Za-z0-9\-]+(\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}$`)

// ValidateAccount checks that s looks like a user principal name.
func ValidateAccount(s string) error {
	if len(s) > 256 || !accountPattern.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, s)
	}
	return nil
}

// Dependencies are the collaborators of a Runner. Source, Engine and Scorer
// are required; the rest default or are skipped when nil.
type Dependencies struct {
	Source     telemetry.Source
	Normalizer *normalization.Normalizer
	Engine     *indicator.Engine
	Scorer     *scoring.Scorer
	Classifier *oauth.Classifier
	Correlator *correlation.Correlator
	// Provider may be nil, in which case every reputation is Unknown.
	Provider enrichment.ReputationProvider
	Budget   enrichment.Budget
	// Reports may be nil, in which case documents are returned but not saved.
	Reports   *report.Store
	Telemetry *observability.Telemetry
	Logger    *zap.Logger
}

// RunContext is the state of one account's run. A new one is built for every
// account so nothing leaks between accounts.
type RunContext struct {
	Account string
	Cache   *enrichment.Cache
	Started time.Time
	Logger  *zap.Logger
}

// Outcome is a successfully assessed account.
type Outcome struct {
	Account    string                   `json:"account"`
	ReportID   string                   `json:"report_id"`
	ReportPath string                   `json:"report_path,omitempty"`
	Summary    scoring.ExecutiveSummary `json:"summary"`
	Triggered  int                      `json:"triggered_findings"`
	Degraded   int                      `json:"degraded_signals"`
	Lookups    report.LookupStats       `json:"lookups"`
	Duration   time.Duration            `json:"duration"`
	Document   *report.Document         `json:"-"`
}

// Failure is an account that could not be assessed.
type Failure struct {
	Account string `json:"account"`
	Error   string `json:"error"`
	Err     error  `json:"-"`
}

// BatchResult partitions a batch by outcome.
type BatchResult struct {
	Succeeded []Outcome `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

// Runner assesses accounts sequentially.
type Runner struct {
	deps          Dependencies
	scoringConfig scoring.Config
	logger        *zap.Logger
}

// NewRunner validates deps and fills defaults.
func NewRunner(deps Dependencies) (*Runner, error) {
	if deps.Source == nil || deps.Engine == nil || deps.Scorer == nil {
		return nil, fmt.Errorf("%w: source, engine and scorer are required", ErrMissingDep)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalization.NewNormalizer(normalization.NormalizerConfig{}, nil, deps.Logger)
	}
	if deps.Classifier == nil {
		deps.Classifier = oauth.NewClassifier(oauth.DefaultConfig())
	}
	if deps.Correlator == nil {
		deps.Correlator = correlation.NewCorrelator(correlation.DefaultCorrelatorConfig())
	}

	cfg := deps.Scorer.Config()
	if deps.Engine.Catalog().AllowNegativeTotals && !cfg.AllowNegativeTotals {
		cfg.AllowNegativeTotals = true
		scorer, err := scoring.NewScorer(cfg)
		if err != nil {
			return nil, err
		}
		deps.Scorer = scorer
	}

	return &Runner{
		deps:          deps,
		scoringConfig: cfg,
		logger:        deps.Logger.With(zap.String("component", "assessment_runner")),
	}, nil
}

// Run assesses every account in order. Cancelling ctx fails the accounts not
// yet started.
func (r *Runner) Run(ctx context.Context, accounts []string) BatchResult {
	res := BatchResult{Succeeded: []Outcome{}, Failed: []Failure{}}
	r.logger.Info("Starting batch", zap.Int("accounts", len(accounts)))

	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			res.Failed = append(res.Failed, Failure{Account: account, Error: err.Error(), Err: err})
			continue
		}

		out, err := r.Assess(ctx, account)
		if err != nil {
			r.logger.Error("Account assessment failed", zap.String("account", account), zap.Error(err))
			res.Failed = append(res.Failed, Failure{Account: account, Error: err.Error(), Err: err})
			continue
		}
		res.Succeeded = append(res.Succeeded, out)
	}

	r.logger.Info("Batch complete",
		zap.Int("succeeded", len(res.Succeeded)),
		zap.Int("failed", len(res.Failed)),
	)
	return res
}

// Assess runs the full pipeline for one account. Panics are converted to
// errors.
func (r *Runner) Assess(ctx context.Context, account string) (out Outcome, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrAssessment, account, rec)
		}
		status := StatusSuccess
		if err != nil {
			status = StatusFailed
		}
		r.deps.Telemetry.RecordAssessment(status, time.Since(start))
	}()

	if err := ValidateAccount(account); err != nil {
		return Outcome{}, err
	}
	rc := r.newRunContext(account, start)

	raw, err := r.deps.Source.Fetch(ctx, account)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrConnectivity, r.deps.Source.Name(), err)
	}
	snap, err := r.deps.Normalizer.Normalize(raw)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: normalizing %s: %w", ErrAssessment, account, err)
	}
	for _, w := range snap.Warnings {
		rc.Logger.Warn("Telemetry normalization warning", zap.String("warning", w))
	}

	trusted := location.Resolve(snap.NamedLocations, rc.Logger)
	protection := conditionalaccess.Evaluate(snap.Policies, conditionalaccess.AccountRefFor(snap))
	if !protection.Configured {
		rc.Logger.Warn("No Conditional Access policies in snapshot, treating account as unprotected")
	}
	grants := r.deps.Classifier.ClassifyAll(snap.Grants)
	reputation, degradations := r.resolveReputation(ctx, rc, snap, trusted)
	sessions := r.deps.Correlator.Correlate(snap.SignIns)

	findings := r.deps.Engine.Evaluate(indicator.Input{
		Snapshot: snap,
		Facts: indicator.Facts{
			Reputation: reputation,
			Trusted:    trusted,
			Protection: protection,
			OAuth:      grants,
			Sessions:   sessions,
		},
	})

	upn := snap.Account.UserPrincipalName
	if upn == "" {
		upn = strings.ToLower(account)
	}
	doc, err := report.New(upn, r.deps.Engine.Catalog(), r.scoringConfig, findings)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: scoring %s: %w", ErrAssessment, account, err)
	}
	doc.TrustedRanges = trusted.Prefixes()
	doc.TrustedCountries = trusted.TrustedCountries()
	doc.Lookups = lookupStats(rc.Cache)
	doc.Protection = protection
	doc.OAuth = grants
	doc.Degradations = degradations
	doc.Warnings = snap.Warnings

	out = Outcome{
		Account:  upn,
		ReportID: doc.ReportID,
		Summary:  doc.Result.Summary,
		Degraded: len(degradations),
		Lookups:  doc.Lookups,
		Document: doc,
	}
	for _, f := range findings {
		if f.Triggered {
			out.Triggered++
			r.deps.Telemetry.RecordFindingTriggered(string(f.IndicatorID))
		}
	}

	if r.deps.Reports != nil {
		path, err := r.deps.Reports.Save(doc)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: exporting %s: %w", ErrAssessment, account, err)
		}
		out.ReportPath = path
	}
	out.Duration = time.Since(start)

	rc.Logger.Info("Account assessed",
		zap.String("report_id", doc.ReportID),
		zap.Int("overall_score", doc.Result.Summary.OverallScore),
		zap.Stringer("level", doc.Result.Summary.Level),
		zap.Int("triggered", out.Triggered),
		zap.Int("degraded", out.Degraded),
		zap.Int("lookup_misses", out.Lookups.Misses),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

func (r *Runner) newRunContext(account string, start time.Time) *RunContext {
	logger := r.logger.With(zap.String("account", account))
	var recorder enrichment.LookupRecorder
	if r.deps.Telemetry != nil {
		recorder = r.deps.Telemetry
	}
	return &RunContext{
		Account: account,
		Cache:   enrichment.NewCache(r.deps.Provider, r.deps.Budget, recorder, logger),
		Started: start,
		Logger:  logger,
	}
}

// resolveReputation looks up every untrusted sign-in address once and
// accumulates the per-address MFA and compliant device counters.
func (r *Runner) resolveReputation(ctx context.Context, rc *RunContext, snap *telemetry.Snapshot, trusted *location.TrustedSet) (indicator.ReputationMap, []report.Degradation) {
	for _, s := range snap.SignIns {
		if s.IP == "" || trusted.IsTrusted(s.IP) {
			continue
		}
		rc.Cache.Lookup(ctx, s.IP)
		rc.Cache.RecordSignIn(s.IP, indicator.MFASatisfied(s), s.DeviceCompliant.IsTrue())
	}

	entries := rc.Cache.Entries()
	reputation := make(indicator.ReputationMap, len(snap.SignIns))
	for _, s := range snap.SignIns {
		e, ok := entries[canonicalIP(s.IP)]
		if !ok {
			continue
		}
		reputation[s.IP] = indicator.IPReputation{
			Known:            e.Known,
			AbuseScore:       e.AbuseScore,
			IsTor:            e.IsTor,
			UsageType:        e.UsageType,
			Degraded:         e.DegradedReason,
			MFASignIns:       e.MFASignInCount,
			CompliantSignIns: e.CompliantDeviceSignInCount,
		}
	}

	degradations := make([]report.Degradation, 0)
	for ip, e := range entries {
		if e.Degraded {
			degradations = append(degradations, report.Degradation{IP: ip, Reason: e.DegradedReason})
		}
	}
	sort.Slice(degradations, func(i, j int) bool { return degradations[i].IP < degradations[j].IP })
	return reputation, degradations
}

func lookupStats(c *enrichment.Cache) report.LookupStats {
	st := c.Stats()
	return report.LookupStats{
		Addresses: c.Len(),
		Hits:      st.Hits,
		Misses:    st.Misses,
		Degraded:  st.Degraded,
	}
}

func canonicalIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().String()
}
