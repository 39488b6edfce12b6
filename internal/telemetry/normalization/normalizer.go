// Package normalization shapes raw identity platform exports into the engine's
// normalized telemetry records.
package normalization

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/telemetry"
)

// ErrNilSnapshot is returned when there is nothing to normalize.
var ErrNilSnapshot = errors.New("nil raw snapshot")

// timeLayouts are tried in order when parsing platform timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"1/2/2006 3:04:05 PM",
}

// legacyClientApps are clientAppUsed values that bypass modern authentication.
var legacyClientApps = []string{
	"exchange activesync",
	"imap4",
	"imap",
	"pop3",
	"pop",
	"smtp",
	"authenticated smtp",
	"mapi over http",
	"autodiscover",
	"exchange web services",
	"offline address book",
	"other clients",
	"exchange online powershell",
	"outlook anywhere (rpc over http)",
	"outlook anywhere",
	"reporting web services",
}

// authMethodKinds maps Graph authentication method OData types to short names.
var authMethodKinds = map[string]string{
	"#microsoft.graph.passwordAuthenticationMethod":                           "password",
	"#microsoft.graph.microsoftAuthenticatorAuthenticationMethod":             "microsoftAuthenticator",
	"#microsoft.graph.phoneAuthenticationMethod":                              "phone",
	"#microsoft.graph.fido2AuthenticationMethod":                              "fido2",
	"#microsoft.graph.softwareOathAuthenticationMethod":                       "softwareOath",
	"#microsoft.graph.windowsHelloForBusinessAuthenticationMethod":            "windowsHelloForBusiness",
	"#microsoft.graph.emailAuthenticationMethod":                              "email",
	"#microsoft.graph.temporaryAccessPassAuthenticationMethod":                "temporaryAccessPass",
	"#microsoft.graph.platformCredentialAuthenticationMethod":                 "platformCredential",
	"#microsoft.graph.x509CertificateAuthenticationMethod":                    "x509Certificate",
	"#microsoft.graph.hardwareOathAuthenticationMethod":                       "hardwareOath",
	"#microsoft.graph.passwordlessMicrosoftAuthenticatorAuthenticationMethod": "passwordlessMicrosoftAuthenticator",
}

// NormalizerConfig holds configuration for normalization
type NormalizerConfig struct {
	// ExtraLegacyClientApps extends the built-in legacy protocol list.
	ExtraLegacyClientApps []string `yaml:"extra_legacy_client_apps"`
}

// Normalizer converts raw exports to normalized snapshots
type Normalizer struct {
	config NormalizerConfig
	geo    telemetry.GeoResolver
	legacy map[string]bool
	logger *zap.Logger
}

// NewNormalizer creates a new normalizer. geo may be nil, in which case missing
// ASN and country values stay absent.
func NewNormalizer(cfg NormalizerConfig, geo telemetry.GeoResolver, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	legacy := make(map[string]bool, len(legacyClientApps)+len(cfg.ExtraLegacyClientApps))
	for _, app := range legacyClientApps {
		legacy[app] = true
	}
	for _, app := range cfg.ExtraLegacyClientApps {
		legacy[strings.ToLower(strings.TrimSpace(app))] = true
	}
	return &Normalizer{
		config: cfg,
		geo:    geo,
		legacy: legacy,
		logger: logger.With(zap.String("component", "normalizer")),
	}
}

// Normalize converts a raw snapshot. It never fails on absent optional fields;
// only a nil snapshot is an error.
func (n *Normalizer) Normalize(raw *telemetry.RawSnapshot) (*telemetry.Snapshot, error) {
	if raw == nil {
		return nil, ErrNilSnapshot
	}

	snap := &telemetry.Snapshot{
		AuthMethods:    []string{},
		Roles:          []telemetry.Role{},
		InboxRules:     []telemetry.InboxRule{},
		SignIns:        []telemetry.SignIn{},
		Audit:          []telemetry.AuditEntry{},
		Policies:       []telemetry.CAPolicy{},
		NamedLocations: []telemetry.NamedLocation{},
		Grants:         []telemetry.OAuthGrant{},
	}

	snap.Account = n.normalizeAccount(raw)
	snap.AuthMethods = n.normalizeAuthMethods(raw.AuthenticationMethods)
	for _, r := range raw.DirectoryRoles {
		snap.Roles = append(snap.Roles, telemetry.Role{Name: r.DisplayName, TemplateID: strings.ToLower(r.RoleTemplateID)})
	}
	sort.Slice(snap.Roles, func(i, j int) bool { return snap.Roles[i].TemplateID < snap.Roles[j].TemplateID })

	if raw.RiskyUser != nil {
		snap.Risk = telemetry.UserRisk{
			Level:  strings.ToLower(raw.RiskyUser.RiskLevel),
			State:  raw.RiskyUser.RiskState,
			Detail: raw.RiskyUser.RiskDetail,
		}
	}
	if raw.Mailbox != nil {
		snap.Mailbox = telemetry.Mailbox{
			ForwardingSMTP:    strings.TrimSpace(raw.Mailbox.ForwardingSmtpAddress),
			ForwardingAddress: strings.TrimSpace(raw.Mailbox.ForwardingAddress),
			KeepCopy:          telemetry.TristateOf(raw.Mailbox.DeliverToMailboxAndForward),
		}
	}

	for _, r := range raw.InboxRules {
		snap.InboxRules = append(snap.InboxRules, normalizeInboxRule(r))
	}
	sort.SliceStable(snap.InboxRules, func(i, j int) bool { return snap.InboxRules[i].ID < snap.InboxRules[j].ID })

	n.addSignIns(snap, raw.SignIns)
	sort.SliceStable(snap.SignIns, func(i, j int) bool {
		a, b := snap.SignIns[i], snap.SignIns[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		return a.ID < b.ID
	})

	for _, a := range raw.AuditLogs {
		snap.Audit = append(snap.Audit, n.normalizeAudit(a, snap))
	}
	sort.SliceStable(snap.Audit, func(i, j int) bool {
		a, b := snap.Audit[i], snap.Audit[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		return a.ID < b.ID
	})

	if raw.ConditionalAccess != nil {
		for _, p := range raw.ConditionalAccess.Policies {
			snap.Policies = append(snap.Policies, normalizePolicy(p))
		}
		for _, l := range raw.ConditionalAccess.NamedLocations {
			snap.NamedLocations = append(snap.NamedLocations, normalizeNamedLocation(l))
		}
	}
	sort.SliceStable(snap.Policies, func(i, j int) bool { return snap.Policies[i].ID < snap.Policies[j].ID })
	sort.SliceStable(snap.NamedLocations, func(i, j int) bool { return snap.NamedLocations[i].ID < snap.NamedLocations[j].ID })

	for _, g := range raw.OAuthGrants {
		snap.Grants = append(snap.Grants, normalizeGrant(g))
	}
	sort.SliceStable(snap.Grants, func(i, j int) bool { return snap.Grants[i].ClientID < snap.Grants[j].ClientID })

	if len(snap.Warnings) > 0 {
		n.logger.Warn("Normalization completed with warnings",
			zap.String("account", snap.Account.UserPrincipalName),
			zap.Int("warnings", len(snap.Warnings)),
		)
	}

	return snap, nil
}

func (n *Normalizer) normalizeAccount(raw *telemetry.RawSnapshot) telemetry.Account {
	acct := telemetry.Account{UserPrincipalName: strings.ToLower(strings.TrimSpace(raw.Account))}
	if raw.User == nil {
		return acct
	}
	acct.ID = raw.User.ID
	acct.DisplayName = raw.User.DisplayName
	acct.Enabled = telemetry.TristateOf(raw.User.AccountEnabled)
	acct.UsageLocation = strings.ToUpper(raw.User.UsageLocation)
	if upn := strings.ToLower(strings.TrimSpace(raw.User.UserPrincipalName)); upn != "" {
		acct.UserPrincipalName = upn
	}
	acct.GroupIDs = sortedLower(raw.User.MemberOf)
	return acct
}

func (n *Normalizer) normalizeAuthMethods(methods []telemetry.RawAuthMethod) []string {
	kinds := make(map[string]bool)
	for _, m := range methods {
		kind, ok := authMethodKinds[m.ODataType]
		if !ok {
			kind = strings.TrimPrefix(m.ODataType, "#microsoft.graph.")
			kind = strings.TrimSuffix(kind, "AuthenticationMethod")
		}
		if kind != "" {
			kinds[kind] = true
		}
	}
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeInboxRule(r telemetry.RawInboxRule) telemetry.InboxRule {
	rule := telemetry.InboxRule{
		ID:            r.Identity,
		Name:          r.Name,
		Enabled:       telemetry.TristateOf(r.Enabled),
		ForwardTo:     append(append([]string{}, r.ForwardTo...), r.ForwardAsAttachmentTo...),
		RedirectTo:    append([]string{}, r.RedirectTo...),
		DeleteMessage: r.DeleteMessage != nil && *r.DeleteMessage,
		MarkAsRead:    r.MarkAsRead != nil && *r.MarkAsRead,
		MoveToFolder:  r.MoveToFolder,
	}
	if rule.ID == "" {
		rule.ID = r.Name
	}
	var words []string
	words = append(words, r.SubjectContainsWords...)
	words = append(words, r.BodyContainsWords...)
	words = append(words, r.SubjectOrBodyContainsWords...)
	rule.Keywords = sortedLower(words)
	return rule
}

func (n *Normalizer) normalizeSignIn(r telemetry.RawSignIn, snap *telemetry.Snapshot) telemetry.SignIn {
	s := telemetry.SignIn{
		ID:                r.ID,
		UserPrincipalName: strings.ToLower(r.UserPrincipalName),
		App:               r.AppDisplayName,
		ClientApp:         r.ClientAppUsed,
		LegacyAuth:        n.legacy[strings.ToLower(strings.TrimSpace(r.ClientAppUsed))],
		IP:                strings.TrimSpace(r.IPAddress),
		UserAgent:         r.UserAgent,
		SessionID:         r.SessionID,
		CorrelationID:     r.CorrelationID,
		AuthRequirement:   r.AuthenticationRequirement,
		RiskLevel:         strings.ToLower(r.RiskLevelDuringSignIn),
		RiskState:         r.RiskState,
		RiskEventTypes:    sortedLower(r.RiskEventTypes),
		CAStatus:          r.ConditionalAccessStatus,
		DeviceCompliant:   telemetry.Unknown,
		DeviceManaged:     telemetry.Unknown,
	}
	s.Time = n.parseTime(r.CreatedDateTime, "sign-in "+r.ID, snap)

	if r.Status != nil && r.Status.ErrorCode != nil {
		s.StatusKnown = true
		s.ErrorCode = *r.Status.ErrorCode
		s.Success = s.ErrorCode == 0
		s.FailureReason = r.Status.FailureReason
	}

	if r.AutonomousSystemNumber != nil {
		s.ASN = *r.AutonomousSystemNumber
	}
	if r.Location != nil {
		s.Country = strings.ToUpper(r.Location.CountryOrRegion)
		s.City = r.Location.City
		if c := r.Location.GeoCoordinates; c != nil && c.Latitude != nil && c.Longitude != nil {
			s.Latitude, s.Longitude = *c.Latitude, *c.Longitude
			s.HasCoordinates = true
		}
	}
	if n.geo != nil && s.IP != "" && (s.ASN == 0 || s.Country == "") {
		if info, ok := n.geo.Lookup(s.IP); ok {
			if s.ASN == 0 {
				s.ASN = info.ASN
				s.ASNOrg = info.ASNOrg
			}
			if s.Country == "" {
				s.Country = strings.ToUpper(info.CountryCode)
			}
		}
	}

	factors := make(map[string]bool)
	for _, d := range r.AuthenticationDetails {
		if d.AuthenticationStepResultDetail != "" {
			s.StepDetails = append(s.StepDetails, d.AuthenticationStepResultDetail)
		}
		if d.Succeeded != nil && *d.Succeeded && d.AuthenticationMethod != "" &&
			!strings.EqualFold(d.AuthenticationMethod, "Previously satisfied") {
			factors[strings.ToLower(d.AuthenticationMethod)] = true
		}
	}
	s.AuthFactorCount = len(factors)
	if r.MFADetail != nil {
		s.MFAMethod = r.MFADetail.AuthMethod
	}

	if d := r.DeviceDetail; d != nil {
		s.DeviceID = d.DeviceID
		s.DeviceCompliant = telemetry.TristateOf(d.IsCompliant)
		s.DeviceManaged = telemetry.TristateOf(d.IsManaged)
		s.TrustType = d.TrustType
	}

	for _, p := range r.AppliedConditionalAccessPolicies {
		s.AppliedPolicies = append(s.AppliedPolicies, telemetry.AppliedPolicy{
			ID:            p.ID,
			Name:          p.DisplayName,
			Result:        p.Result,
			GrantControls: sortedLower(p.EnforcedGrantControls),
		})
	}
	sort.SliceStable(s.AppliedPolicies, func(i, j int) bool { return s.AppliedPolicies[i].ID < s.AppliedPolicies[j].ID })

	return s
}

func (n *Normalizer) normalizeAudit(a telemetry.RawAuditLog, snap *telemetry.Snapshot) telemetry.AuditEntry {
	e := telemetry.AuditEntry{
		ID:       a.ID,
		Activity: a.ActivityDisplayName,
		Category: a.Category,
		Result:   a.Result,
	}
	e.Time = n.parseTime(a.ActivityDateTime, "audit "+a.ID, snap)
	if a.InitiatedBy != nil {
		switch {
		case a.InitiatedBy.User != nil && a.InitiatedBy.User.UserPrincipalName != "":
			e.InitiatedBy = strings.ToLower(a.InitiatedBy.User.UserPrincipalName)
		case a.InitiatedBy.User != nil:
			e.InitiatedBy = a.InitiatedBy.User.ID
		case a.InitiatedBy.App != nil:
			e.InitiatedBy = "app:" + a.InitiatedBy.App.DisplayName
		}
	}
	for _, t := range a.TargetResources {
		switch {
		case t.UserPrincipalName != "":
			e.Targets = append(e.Targets, strings.ToLower(t.UserPrincipalName))
		case t.DisplayName != "":
			e.Targets = append(e.Targets, t.DisplayName)
		case t.ID != "":
			e.Targets = append(e.Targets, t.ID)
		}
		for _, m := range t.ModifiedProperties {
			e.Modified = append(e.Modified, telemetry.ModifiedValue{
				Name:     m.DisplayName,
				OldValue: m.OldValue,
				NewValue: m.NewValue,
			})
		}
	}
	return e
}

func normalizePolicy(p telemetry.RawCAPolicy) telemetry.CAPolicy {
	pol := telemetry.CAPolicy{
		ID:    p.ID,
		Name:  p.DisplayName,
		State: p.State,
	}
	if c := p.Conditions; c != nil {
		if u := c.Users; u != nil {
			pol.IncludeUsers = sortedLower(u.IncludeUsers)
			pol.ExcludeUsers = sortedLower(u.ExcludeUsers)
			pol.IncludeGroups = sortedLower(u.IncludeGroups)
			pol.ExcludeGroups = sortedLower(u.ExcludeGroups)
			pol.IncludeRoles = sortedLower(u.IncludeRoles)
			pol.ExcludeRoles = sortedLower(u.ExcludeRoles)
		}
		if a := c.Applications; a != nil {
			pol.IncludeApps = sortedLower(a.IncludeApplications)
			pol.ExcludeApps = sortedLower(a.ExcludeApplications)
		}
		pol.ClientAppTypes = sortedLower(c.ClientAppTypes)
	}
	if g := p.GrantControls; g != nil {
		pol.GrantOperator = strings.ToUpper(g.Operator)
		pol.GrantControls = sortedLower(g.BuiltInControls)
		if g.AuthenticationStrength != nil {
			pol.AuthStrength = g.AuthenticationStrength.ID
			if pol.AuthStrength == "" {
				pol.AuthStrength = g.AuthenticationStrength.DisplayName
			}
		}
	}
	return pol
}

func normalizeNamedLocation(l telemetry.RawNamedLocation) telemetry.NamedLocation {
	loc := telemetry.NamedLocation{
		ID:      l.ID,
		Name:    l.DisplayName,
		Trusted: telemetry.TristateOf(l.IsTrusted),
	}
	switch {
	case strings.Contains(strings.ToLower(l.ODataType), "ipnamedlocation") || len(l.IPRanges) > 0:
		loc.Kind = telemetry.LocationKindIP
	case strings.Contains(strings.ToLower(l.ODataType), "countrynamedlocation") || len(l.CountriesAndRegions) > 0:
		loc.Kind = telemetry.LocationKindCountry
	default:
		loc.Kind = telemetry.LocationKindUnknown
	}
	for _, r := range l.IPRanges {
		if c := strings.TrimSpace(r.CIDRAddress); c != "" {
			loc.Ranges = append(loc.Ranges, c)
		}
	}
	for _, c := range l.CountriesAndRegions {
		loc.Countries = append(loc.Countries, strings.ToUpper(c))
	}
	sort.Strings(loc.Countries)
	return loc
}

func normalizeGrant(g telemetry.RawOAuthGrant) telemetry.OAuthGrant {
	grant := telemetry.OAuthGrant{
		ClientID:          g.ClientID,
		AppID:             strings.ToLower(g.AppID),
		AppName:           g.AppDisplayName,
		PublisherVerified: telemetry.TristateOf(g.PublisherVerified),
		OwnerTenantID:     strings.ToLower(g.AppOwnerOrganizationID),
		Tags:              sortedLower(g.Tags),
	}
	switch strings.ToLower(g.ConsentType) {
	case "allprincipals", "admin":
		grant.ConsentType = telemetry.ConsentAdmin
	case "principal", "user":
		grant.ConsentType = telemetry.ConsentUser
	default:
		grant.ConsentType = telemetry.ConsentUnknown
	}
	scopes := make(map[string]bool)
	for _, s := range strings.Fields(g.Scope) {
		scopes[s] = true
	}
	for s := range scopes {
		grant.Scopes = append(grant.Scopes, s)
	}
	sort.Strings(grant.Scopes)
	return grant
}

// parseTime parses a platform timestamp; failures yield the zero time and a
// snapshot warning rather than an error.
func (n *Normalizer) parseTime(value, what string, snap *telemetry.Snapshot) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	n.addWarning(snap, fmt.Sprintf("%s: unparsable timestamp %q", what, value))
	return time.Time{}
}

func (n *Normalizer) addWarning(snap *telemetry.Snapshot, msg string) {
	snap.Warnings = append(snap.Warnings, msg)
}

// addSignIns normalizes sign-ins and makes their ids unique. Every record
// sharing an id gets a suffix derived from its content, so the result does
// not depend on export order. Identical records are kept once.
func (n *Normalizer) addSignIns(snap *telemetry.Snapshot, raws []telemetry.RawSignIn) {
	signIns := make([]telemetry.SignIn, 0, len(raws))
	counts := make(map[string]int)
	for _, r := range raws {
		s := n.normalizeSignIn(r, snap)
		if s.ID == "" {
			s.ID = syntheticSignInID(r)
		}
		counts[s.ID]++
		signIns = append(signIns, s)
	}

	kept := make(map[string]bool, len(signIns))
	dropped := 0
	for i, s := range signIns {
		if counts[s.ID] > 1 {
			s.ID += "#" + signInDigest(raws[i])
		}
		if kept[s.ID] {
			dropped++
			continue
		}
		kept[s.ID] = true
		snap.SignIns = append(snap.SignIns, s)
	}

	dups := make([]string, 0)
	for id, c := range counts {
		if c > 1 {
			dups = append(dups, id)
		}
	}
	sort.Strings(dups)
	for _, id := range dups {
		n.addWarning(snap, fmt.Sprintf("duplicate sign-in id %s on %d records", id, counts[id]))
	}
	if dropped > 0 {
		n.addWarning(snap, fmt.Sprintf("%d identical sign-in records dropped", dropped))
	}
}

func signInDigest(r telemetry.RawSignIn) string {
	data, _ := json.Marshal(r)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:4])
}

// syntheticSignInID derives a stable identity for sign-ins exported without an id.
func syntheticSignInID(r telemetry.RawSignIn) string {
	parts := []string{r.CreatedDateTime, r.IPAddress, r.AppDisplayName, r.ClientAppUsed, r.UserAgent, r.CorrelationID}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "synthetic-" + hex.EncodeToString(sum[:8])
}

func sortedLower(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
