package indicator

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/conditionalaccess"
	"github.com/lvonguyen/idrisk/internal/location"
	"github.com/lvonguyen/idrisk/internal/oauth"
	"github.com/lvonguyen/idrisk/internal/telemetry"
	"github.com/lvonguyen/idrisk/internal/telemetry/correlation"
)

// IPReputation is the resolved reputation of one address. An unknown
// reputation never triggers an indicator.
type IPReputation struct {
	Known            bool   `json:"known"`
	AbuseScore       int    `json:"abuse_score"`
	IsTor            bool   `json:"is_tor"`
	UsageType        string `json:"usage_type,omitempty"`
	Degraded         string `json:"degraded,omitempty"`
	MFASignIns       int    `json:"mfa_sign_ins"`
	CompliantSignIns int    `json:"compliant_sign_ins"`
}

// ReputationLookup returns pre-fetched reputation facts.
type ReputationLookup interface {
	Reputation(ip string) (IPReputation, bool)
}

// ReputationMap is a ReputationLookup backed by a map keyed by address.
type ReputationMap map[string]IPReputation

// Reputation implements ReputationLookup.
func (m ReputationMap) Reputation(ip string) (IPReputation, bool) {
	r, ok := m[ip]
	return r, ok
}

// Facts are resolved before evaluation so every evaluator is a pure function
// of its inputs.
type Facts struct {
	Reputation ReputationLookup
	Trusted    *location.TrustedSet
	Protection conditionalaccess.Protection
	OAuth      []oauth.Classification
	// Sessions may be nil, in which case the engine correlates sign-ins
	// itself with the default limits.
	Sessions []*correlation.SessionChain
}

// Input is one account's evaluation input.
type Input struct {
	Snapshot *telemetry.Snapshot
	Facts    Facts
}

// outcome is what an evaluator reports for one entity.
type outcome struct {
	triggered   bool
	occurrences int
	summary     string
	items       []string
}

type (
	accountFunc func(c *evalContext) outcome
	signInFunc  func(c *evalContext, s *signInFacts) outcome
)

// evaluator binds the logic of one indicator.
type evaluator struct {
	account accountFunc
	signIn  signInFunc
	// softened findings read "possible" instead of "likely" when Conditional
	// Access protects the sign-in.
	softened bool
	// reputation marks evaluators whose signal depends on IP reputation.
	reputation bool
}

var evaluators = map[ID]evaluator{
	UR01: {account: evalNoMFARegistered},
	UR02: {account: evalMailboxForwarding},
	UR03: {account: evalSuspiciousInboxRules},
	UR04: {account: evalAdminRole},
	UR05: {account: evalPasswordResetByOther},
	UR06: {account: evalSecurityInfoRegistered},
	UR07: {account: evalRiskyOAuthGrant},
	UR08: {account: evalRiskyUser},
	UR09: {account: evalMailboxDelegate},

	SR01: {signIn: evalLegacyAuth},
	SR02: {signIn: evalNoMFA, softened: true},
	SR03: {signIn: evalPlatformRisk},
	SR04: {signIn: evalAnonymizer, reputation: true},
	SR05: {signIn: evalElevatedReputation, reputation: true},
	SR06: {signIn: evalUnusualCountry},
	SR07: {signIn: evalImpossibleTravel},
	SR08: {signIn: evalSessionAnomaly},
	SR09: {signIn: evalSuspiciousIPAndASN, reputation: true},
	SR10: {signIn: evalHostingASN, reputation: true},
	SR11: {signIn: evalMFADenied},
	SR12: {signIn: evalUnmanagedDevice, softened: true},
	SR13: {signIn: evalSuspiciousUserAgent},
	SR14: {signIn: evalNoConditionalAccess, softened: true},
	SR15: {signIn: evalSafeCountry},
}

// Engine evaluates a catalog against normalized telemetry.
type Engine struct {
	catalog  *Catalog
	settings Settings
	logger   *zap.Logger
}

// NewEngine binds a catalog to its evaluators. Every catalog entry must have
// an evaluator of the matching family.
func NewEngine(catalog *Catalog, settings Settings, logger *zap.Logger) (*Engine, error) {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, d := range catalog.Definitions() {
		ev, ok := evaluators[d.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoEvaluator, d.ID)
		}
		if (d.Family == UserRisk && ev.account == nil) || (d.Family == SignInRisk && ev.signIn == nil) {
			return nil, fmt.Errorf("%w: %s has no %s evaluator", ErrNoEvaluator, d.ID, d.Family)
		}
	}
	return &Engine{
		catalog:  catalog,
		settings: settings.withDefaults(),
		logger:   logger.With(zap.String("component", "indicator_engine")),
	}, nil
}

// Catalog returns the bound catalog.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// Settings returns the effective settings.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Evaluate runs every catalog indicator against the account (user risk) and
// against every sign-in (sign-in risk). Output order is account findings by
// indicator id, then sign-ins by (time, id) with their findings by indicator id.
func (e *Engine) Evaluate(in Input) []Finding {
	c := newEvalContext(in, e.settings)

	userDefs := e.catalog.Family(UserRisk)
	signInDefs := e.catalog.Family(SignInRisk)
	findings := make([]Finding, 0, len(userDefs)+len(signInDefs)*len(c.signIns))

	scope := AccountScope(c.upn)
	for _, def := range userDefs {
		out := evaluators[def.ID].account(c)
		findings = append(findings, Finding{
			IndicatorID: def.ID,
			Family:      def.Family,
			Scope:       scope,
			Triggered:   out.triggered,
			Points:      pointsFor(def, out),
			Occurrences: occurrencesOf(out),
			Evidence: Evidence{
				Kind:    EvidenceAccount,
				Summary: summaryOf(def, out),
				Account: &AccountEvidence{UserPrincipalName: c.upn, Items: out.items},
			},
		})
	}

	for i := range c.signIns {
		sf := &c.signIns[i]
		for _, def := range signInDefs {
			ev := evaluators[def.ID]
			out := ev.signIn(c, sf)
			findings = append(findings, Finding{
				IndicatorID: def.ID,
				Family:      def.Family,
				Scope:       SignInScope(sf.ID),
				Triggered:   out.triggered,
				Points:      pointsFor(def, out),
				Occurrences: occurrencesOf(out),
				Evidence:    signInEvidence(def, ev, sf, out),
			})
		}
	}

	e.logger.Debug("Indicators evaluated",
		zap.String("account", c.upn),
		zap.Int("sign_ins", len(c.signIns)),
		zap.Int("findings", len(findings)),
	)
	return findings
}

func pointsFor(def Definition, out outcome) int {
	if !out.triggered {
		return def.BasePoints
	}
	return def.PointsFor(occurrencesOf(out))
}

func occurrencesOf(out outcome) int {
	if !out.triggered {
		return 0
	}
	if out.occurrences < 1 {
		return 1
	}
	return out.occurrences
}

func summaryOf(def Definition, out outcome) string {
	if out.triggered && out.summary != "" {
		return out.summary
	}
	return def.Description
}

func signInEvidence(def Definition, ev evaluator, sf *signInFacts, out outcome) Evidence {
	detail := &SignInEvidence{
		SignInID:  sf.ID,
		Time:      sf.Time,
		IP:        sf.IP,
		Country:   sf.Country,
		App:       sf.App,
		ClientApp: sf.ClientApp,
		Protected: sf.protected,
		Details:   out.items,
	}
	if ev.softened && out.triggered {
		detail.Qualifier = QualifierLikely
		if sf.protected {
			detail.Qualifier = QualifierPossible
		}
	}
	if ev.reputation && sf.rep.Degraded != "" {
		detail.Degraded = sf.rep.Degraded
	}
	return Evidence{Kind: EvidenceSignIn, Summary: summaryOf(def, out), SignIn: detail}
}

// signInFacts is a sign-in with the facts resolved for it.
type signInFacts struct {
	telemetry.SignIn
	rep       IPReputation
	trusted   bool
	protected bool
	mfa       bool
	// prev is the previous successful sign-in with coordinates.
	prev *telemetry.SignIn
	// session is the anomalous session the sign-in belongs to, if any.
	session string
}

// evalContext is the per-evaluation state shared by evaluators. It is built
// fresh for every call to Evaluate.
type evalContext struct {
	settings    Settings
	snap        *telemetry.Snapshot
	facts       Facts
	upn         string
	domain      string
	signIns     []signInFacts
	predominant string
	safe        map[string]bool
	hostingASN  map[int]bool
	privileged  map[string]bool
	mfaFailures map[int]bool
}

func newEvalContext(in Input, settings Settings) *evalContext {
	snap := in.Snapshot
	if snap == nil {
		snap = &telemetry.Snapshot{}
	}
	c := &evalContext{
		settings:    settings,
		snap:        snap,
		facts:       in.Facts,
		upn:         snap.Account.UserPrincipalName,
		safe:        upperSet(settings.SafeCountries),
		hostingASN:  make(map[int]bool, len(settings.HostingASNs)),
		privileged:  lowerSet(settings.PrivilegedRoleTemplates),
		mfaFailures: make(map[int]bool, len(settings.MFAFailureCodes)),
	}
	if at := strings.LastIndexByte(c.upn, '@'); at >= 0 {
		c.domain = c.upn[at+1:]
	}
	for _, asn := range settings.HostingASNs {
		c.hostingASN[asn] = true
	}
	for _, code := range settings.MFAFailureCodes {
		c.mfaFailures[code] = true
	}

	sorted := append([]telemetry.SignIn(nil), snap.SignIns...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Time.Equal(sorted[j].Time) {
			return sorted[i].Time.Before(sorted[j].Time)
		}
		return sorted[i].ID < sorted[j].ID
	})

	sessions := in.Facts.Sessions
	if sessions == nil {
		sessions = correlation.NewCorrelator(correlation.DefaultCorrelatorConfig()).Correlate(sorted)
	}
	anomalous := correlation.AnomalousSignIns(sessions)

	c.signIns = make([]signInFacts, len(sorted))
	var lastGeo *telemetry.SignIn
	for i := range sorted {
		s := sorted[i]
		sf := signInFacts{
			SignIn:  s,
			trusted: in.Facts.Trusted.IsTrusted(s.IP),
			mfa:     MFASatisfied(s),
			prev:    lastGeo,
			session: anomalous[s.ID],
		}
		if in.Facts.Reputation != nil && s.IP != "" {
			if rep, ok := in.Facts.Reputation.Reputation(s.IP); ok {
				sf.rep = rep
			}
		}
		sf.protected = in.Facts.Protection.EffectivelyProtected ||
			conditionalaccess.ForSignIn(s).EffectivelyProtected
		c.signIns[i] = sf
		if s.Success && s.HasCoordinates {
			lastGeo = &sorted[i]
		}
	}

	c.predominant = predominantCountry(sorted, settings.PredominantCountryMinSignIns)
	return c
}

// predominantCountry returns the most frequent country of successful
// sign-ins, ties broken lexicographically, or "" below the minimum sample.
func predominantCountry(signIns []telemetry.SignIn, minSignIns int) string {
	counts := make(map[string]int)
	total := 0
	for _, s := range signIns {
		if s.Success && s.Country != "" {
			counts[s.Country]++
			total++
		}
	}
	if total < minSignIns {
		return ""
	}
	best, bestCount := "", 0
	for country, n := range counts {
		if n > bestCount || (n == bestCount && country < best) {
			best, bestCount = country, n
		}
	}
	return best
}
