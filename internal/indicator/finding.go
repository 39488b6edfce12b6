package indicator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scope prefixes.
const (
	accountScopePrefix = "account:"
	signInScopePrefix  = "signin:"
)

// AccountScope returns the scope string of an account.
func AccountScope(upn string) string {
	return accountScopePrefix + strings.ToLower(upn)
}

// SignInScope returns the scope string of a sign-in.
func SignInScope(id string) string {
	return signInScopePrefix + id
}

// IsAccountScope reports whether scope names an account.
func IsAccountScope(scope string) bool {
	return strings.HasPrefix(scope, accountScopePrefix)
}

// IsSignInScope reports whether scope names a sign-in.
func IsSignInScope(scope string) bool {
	return strings.HasPrefix(scope, signInScopePrefix)
}

// ErrInvalidFindingKey is returned when a key string cannot be parsed.
var ErrInvalidFindingKey = errors.New("invalid finding key")

// FindingKey is the stable identity of a finding across runs of the same
// report: the indicator plus the entity it was evaluated against.
type FindingKey struct {
	IndicatorID ID     `json:"indicator_id"`
	Scope       string `json:"scope"`
}

// String returns the canonical "ID|scope" form.
func (k FindingKey) String() string {
	return string(k.IndicatorID) + "|" + k.Scope
}

// Hash returns a compact identifier suitable for URLs.
func (k FindingKey) Hash() string {
	h := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(h[:16])
}

// MarshalText implements encoding.TextMarshaler so keys work as map keys.
func (k FindingKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *FindingKey) UnmarshalText(b []byte) error {
	parsed, err := ParseFindingKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseFindingKey parses the canonical form.
func ParseFindingKey(s string) (FindingKey, error) {
	id, scope, ok := strings.Cut(s, "|")
	if !ok || id == "" || scope == "" {
		return FindingKey{}, fmt.Errorf("%w: %q", ErrInvalidFindingKey, s)
	}
	if !IsAccountScope(scope) && !IsSignInScope(scope) {
		return FindingKey{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidFindingKey, scope)
	}
	return FindingKey{IndicatorID: ID(id), Scope: scope}, nil
}

// SortKeys orders keys by their canonical form.
func SortKeys(keys []FindingKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}

// Finding is the result of evaluating one indicator against one entity.
// Findings are never mutated after the engine returns them.
type Finding struct {
	IndicatorID ID       `json:"indicator_id"`
	Family      Family   `json:"family"`
	Scope       string   `json:"scope"`
	Triggered   bool     `json:"triggered"`
	Points      int      `json:"points"`
	Occurrences int      `json:"occurrences,omitempty"`
	Evidence    Evidence `json:"evidence"`
}

// Key returns the finding identity.
func (f Finding) Key() FindingKey {
	return FindingKey{IndicatorID: f.IndicatorID, Scope: f.Scope}
}

// Excludable reports whether a false-positive mark can remove f from a
// score. Mitigating findings carry zero or negative points and stay counted.
func (f Finding) Excludable() bool {
	return f.Triggered && f.Points > 0
}

// EvidenceKind tags the populated branch of Evidence.
type EvidenceKind string

const (
	EvidenceAccount EvidenceKind = "account"
	EvidenceSignIn  EvidenceKind = "signin"
)

// Evidence qualifiers used when Conditional Access protection applies.
const (
	QualifierLikely   = "likely"
	QualifierPossible = "possible"
)

// Evidence is display-only detail of a finding. Scoring never reads it.
type Evidence struct {
	Kind    EvidenceKind     `json:"kind"`
	Summary string           `json:"summary"`
	Account *AccountEvidence `json:"account,omitempty"`
	SignIn  *SignInEvidence  `json:"sign_in,omitempty"`
}

// AccountEvidence lists the account level items behind a finding.
type AccountEvidence struct {
	UserPrincipalName string   `json:"user_principal_name"`
	Items             []string `json:"items,omitempty"`
}

// SignInEvidence describes the sign-in behind a finding.
type SignInEvidence struct {
	SignInID  string    `json:"sign_in_id"`
	Time      time.Time `json:"time"`
	IP        string    `json:"ip,omitempty"`
	Country   string    `json:"country,omitempty"`
	App       string    `json:"app,omitempty"`
	ClientApp string    `json:"client_app,omitempty"`
	Protected bool      `json:"protected"`
	Qualifier string    `json:"qualifier,omitempty"`
	Details   []string  `json:"details,omitempty"`
	Degraded  string    `json:"degraded,omitempty"`
}
