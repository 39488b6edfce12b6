// Package conditionalaccess decides whether Conditional Access policies
// effectively require MFA or a compliant device for an account or sign-in.
package conditionalaccess

import (
	"sort"
	"strings"

	"github.com/lvonguyen/idrisk/internal/telemetry"
)

// Policy states and well known assignment values.
const (
	StateEnabled    = "enabled"
	StateReportOnly = "enabledforreportingbutnotenforced"

	assignAll         = "all"
	appOffice365      = "office365"
	resultSuccess     = "success"
	controlMFA        = "mfa"
	controlDevice     = "compliantdevice"
	controlJoined     = "domainjoineddevice"
	controlBlock      = "block"
	operatorAND       = "AND"
	clientBrowser     = "browser"
	clientModern      = "mobileappsanddesktopclients"
	clientEAS         = "exchangeactivesync"
	clientOtherLegacy = "other"
)

// AccountRef identifies the account a policy set is evaluated for.
type AccountRef struct {
	UserID          string
	GroupIDs        []string
	RoleTemplateIDs []string
}

// Protection is the effective Conditional Access coverage. MFAEnforced and
// CompliantDeviceEnforced are set only when that control is always required.
// A policy granting access on mfa OR compliantDevice requires neither one on
// its own, so it sets only EffectivelyProtected.
type Protection struct {
	Configured              bool     `json:"configured"`
	MFAEnforced             bool     `json:"mfa_enforced"`
	CompliantDeviceEnforced bool     `json:"compliant_device_enforced"`
	EffectivelyProtected    bool     `json:"effectively_protected"`
	LegacyAuthBlocked       bool     `json:"legacy_auth_blocked"`
	Policies                []string `json:"policies,omitempty"`
}

// AccountRefFor derives the assignment identity of a normalized account.
func AccountRefFor(snap *telemetry.Snapshot) AccountRef {
	ref := AccountRef{
		UserID:   strings.ToLower(snap.Account.ID),
		GroupIDs: snap.Account.GroupIDs,
	}
	for _, r := range snap.Roles {
		if r.TemplateID != "" {
			ref.RoleTemplateIDs = append(ref.RoleTemplateIDs, r.TemplateID)
		}
	}
	return ref
}

// Evaluate returns the protection the enabled policies give the account.
// Report-only and disabled policies never count. No policies means no
// protection, which is not an error.
func Evaluate(policies []telemetry.CAPolicy, account AccountRef) Protection {
	prot := Protection{Configured: len(policies) > 0}
	names := make(map[string]bool)

	for _, p := range policies {
		if !strings.EqualFold(p.State, StateEnabled) {
			continue
		}
		if !appliesToAccount(p, account) || !appliesToCloudApps(p) {
			continue
		}

		if blocksLegacy(p) {
			prot.LegacyAuthBlocked = true
			names[p.Name] = true
			continue
		}
		if !appliesToModernClients(p) {
			continue
		}

		g := grantStrength(p)
		if g.strong {
			names[p.Name] = true
			prot.EffectivelyProtected = true
		}
		prot.MFAEnforced = prot.MFAEnforced || g.mfa
		prot.CompliantDeviceEnforced = prot.CompliantDeviceEnforced || g.device
	}

	prot.Policies = sortedKeys(names)
	return prot
}

// ForSignIn derives protection from the policies recorded as applied to a
// sign-in.
func ForSignIn(s telemetry.SignIn) Protection {
	var prot Protection
	names := make(map[string]bool)
	for _, ap := range s.AppliedPolicies {
		if !strings.EqualFold(ap.Result, resultSuccess) {
			continue
		}
		prot.Configured = true
		for _, g := range ap.GrantControls {
			switch normalizeControl(g) {
			case controlMFA:
				prot.MFAEnforced = true
				names[ap.Name] = true
			case controlDevice, controlJoined:
				prot.CompliantDeviceEnforced = true
				names[ap.Name] = true
			}
		}
	}
	prot.EffectivelyProtected = prot.MFAEnforced || prot.CompliantDeviceEnforced
	prot.Policies = sortedKeys(names)
	return prot
}

func appliesToAccount(p telemetry.CAPolicy, a AccountRef) bool {
	user := strings.ToLower(a.UserID)
	included := contains(p.IncludeUsers, assignAll) ||
		(user != "" && contains(p.IncludeUsers, user)) ||
		intersects(p.IncludeGroups, a.GroupIDs) ||
		intersects(p.IncludeRoles, a.RoleTemplateIDs)
	if !included {
		return false
	}
	excluded := (user != "" && contains(p.ExcludeUsers, user)) ||
		intersects(p.ExcludeGroups, a.GroupIDs) ||
		intersects(p.ExcludeRoles, a.RoleTemplateIDs)
	return !excluded
}

func appliesToCloudApps(p telemetry.CAPolicy) bool {
	if contains(p.ExcludeApps, appOffice365) {
		return false
	}
	return contains(p.IncludeApps, assignAll) || contains(p.IncludeApps, appOffice365)
}

// appliesToModernClients reports whether the policy covers browser or modern
// client sign-ins. An empty client app list covers every client.
func appliesToModernClients(p telemetry.CAPolicy) bool {
	if len(p.ClientAppTypes) == 0 {
		return true
	}
	for _, c := range p.ClientAppTypes {
		switch strings.ToLower(c) {
		case assignAll, clientBrowser, clientModern:
			return true
		}
	}
	return false
}

func blocksLegacy(p telemetry.CAPolicy) bool {
	if !contains(p.GrantControls, controlBlock) {
		return false
	}
	return contains(p.ClientAppTypes, clientEAS) || contains(p.ClientAppTypes, clientOtherLegacy)
}

type grant struct {
	mfa    bool
	device bool
	strong bool
}

// grantStrength reports which strong controls the policy guarantees. With AND
// every listed control is required, so each strong control is enforced. With OR
// the user picks one control: the policy is strong only when every alternative
// is, and a specific control is guaranteed only when it is the sole kind.
func grantStrength(p telemetry.CAPolicy) grant {
	var hasMFA, hasDevice bool
	allStrong := true
	controls := 0
	for _, c := range p.GrantControls {
		controls++
		switch normalizeControl(c) {
		case controlMFA:
			hasMFA = true
		case controlDevice, controlJoined:
			hasDevice = true
		default:
			allStrong = false
		}
	}
	if p.AuthStrength != "" {
		controls++
		hasMFA = true
	}
	if controls == 0 {
		return grant{}
	}

	if strings.EqualFold(p.GrantOperator, operatorAND) || controls == 1 {
		return grant{mfa: hasMFA, device: hasDevice, strong: hasMFA || hasDevice}
	}
	if !allStrong {
		return grant{}
	}
	return grant{
		mfa:    hasMFA && !hasDevice,
		device: hasDevice && !hasMFA,
		strong: true,
	}
}

func normalizeControl(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
