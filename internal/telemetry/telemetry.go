// Package telemetry defines the identity telemetry consumed by the risk engine:
// the raw per-account export from the collection layer and its normalized form.
package telemetry

import (
	"context"
	"time"
)

// Tristate is a boolean that may be absent from the source record.
type Tristate int8

const (
	Unknown Tristate = iota
	True
	False
)

// TristateOf converts an optional boolean.
func TristateOf(b *bool) Tristate {
	if b == nil {
		return Unknown
	}
	if *b {
		return True
	}
	return False
}

// IsTrue reports whether the value is known and true.
func (t Tristate) IsTrue() bool { return t == True }

// IsFalse reports whether the value is known and false.
func (t Tristate) IsFalse() bool { return t == False }

func (t Tristate) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalText renders the tristate for JSON/YAML export.
func (t Tristate) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses the exported form; anything unrecognised is Unknown.
func (t *Tristate) UnmarshalText(b []byte) error {
	switch string(b) {
	case "true":
		*t = True
	case "false":
		*t = False
	default:
		*t = Unknown
	}
	return nil
}

// Snapshot is the normalized telemetry of one account.
type Snapshot struct {
	Account        Account         `json:"account"`
	AuthMethods    []string        `json:"auth_methods"`
	Roles          []Role          `json:"roles"`
	Risk           UserRisk        `json:"risk"`
	Mailbox        Mailbox         `json:"mailbox"`
	InboxRules     []InboxRule     `json:"inbox_rules"`
	SignIns        []SignIn        `json:"sign_ins"`
	Audit          []AuditEntry    `json:"audit"`
	Policies       []CAPolicy      `json:"policies"`
	NamedLocations []NamedLocation `json:"named_locations"`
	Grants         []OAuthGrant    `json:"grants"`
	Warnings       []string        `json:"warnings,omitempty"`
}

// Account identifies the assessed user.
type Account struct {
	ID                string   `json:"id"`
	UserPrincipalName string   `json:"user_principal_name"`
	DisplayName       string   `json:"display_name"`
	Enabled           Tristate `json:"enabled"`
	UsageLocation     string   `json:"usage_location,omitempty"`
	GroupIDs          []string `json:"group_ids,omitempty"`
}

// Role is an active directory role held by the account.
type Role struct {
	Name       string `json:"name"`
	TemplateID string `json:"template_id"`
}

// UserRisk is the identity protection verdict for the account.
type UserRisk struct {
	Level  string `json:"level,omitempty"`
	State  string `json:"state,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Mailbox holds mailbox level forwarding.
type Mailbox struct {
	ForwardingSMTP    string   `json:"forwarding_smtp,omitempty"`
	ForwardingAddress string   `json:"forwarding_address,omitempty"`
	KeepCopy          Tristate `json:"keep_copy"`
}

// InboxRule is a normalized inbox rule.
type InboxRule struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Enabled       Tristate `json:"enabled"`
	ForwardTo     []string `json:"forward_to,omitempty"`
	RedirectTo    []string `json:"redirect_to,omitempty"`
	DeleteMessage bool     `json:"delete_message"`
	MarkAsRead    bool     `json:"mark_as_read"`
	MoveToFolder  string   `json:"move_to_folder,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
}

// SignIn is a normalized sign-in event.
type SignIn struct {
	ID                string    `json:"id"`
	Time              time.Time `json:"time"`
	UserPrincipalName string    `json:"user_principal_name,omitempty"`
	App               string    `json:"app,omitempty"`
	ClientApp         string    `json:"client_app,omitempty"`
	LegacyAuth        bool      `json:"legacy_auth"`

	IP             string  `json:"ip,omitempty"`
	ASN            int     `json:"asn,omitempty"`
	ASNOrg         string  `json:"asn_org,omitempty"`
	Country        string  `json:"country,omitempty"`
	City           string  `json:"city,omitempty"`
	Latitude       float64 `json:"latitude,omitempty"`
	Longitude      float64 `json:"longitude,omitempty"`
	HasCoordinates bool    `json:"has_coordinates"`

	UserAgent     string `json:"user_agent,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	StatusKnown   bool   `json:"status_known"`
	Success       bool   `json:"success"`
	ErrorCode     int    `json:"error_code,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	AuthRequirement string   `json:"auth_requirement,omitempty"`
	AuthFactorCount int      `json:"auth_factor_count"`
	StepDetails     []string `json:"step_details,omitempty"`
	MFAMethod       string   `json:"mfa_method,omitempty"`

	DeviceID        string   `json:"device_id,omitempty"`
	DeviceCompliant Tristate `json:"device_compliant"`
	DeviceManaged   Tristate `json:"device_managed"`
	TrustType       string   `json:"trust_type,omitempty"`

	RiskLevel      string   `json:"risk_level,omitempty"`
	RiskState      string   `json:"risk_state,omitempty"`
	RiskEventTypes []string `json:"risk_event_types,omitempty"`

	CAStatus        string          `json:"ca_status,omitempty"`
	AppliedPolicies []AppliedPolicy `json:"applied_policies,omitempty"`
}

// AppliedPolicy is a Conditional Access policy evaluated for a sign-in.
type AppliedPolicy struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Result        string   `json:"result"`
	GrantControls []string `json:"grant_controls,omitempty"`
}

// AuditEntry is a normalized directory audit record.
type AuditEntry struct {
	ID          string          `json:"id"`
	Activity    string          `json:"activity"`
	Category    string          `json:"category,omitempty"`
	Result      string          `json:"result,omitempty"`
	Time        time.Time       `json:"time"`
	InitiatedBy string          `json:"initiated_by,omitempty"`
	Targets     []string        `json:"targets,omitempty"`
	Modified    []ModifiedValue `json:"modified,omitempty"`
}

// ModifiedValue is a changed attribute on an audited target.
type ModifiedValue struct {
	Name     string `json:"name"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value,omitempty"`
}

// CAPolicy is a normalized Conditional Access policy.
type CAPolicy struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	State          string   `json:"state"`
	IncludeUsers   []string `json:"include_users,omitempty"`
	ExcludeUsers   []string `json:"exclude_users,omitempty"`
	IncludeGroups  []string `json:"include_groups,omitempty"`
	ExcludeGroups  []string `json:"exclude_groups,omitempty"`
	IncludeRoles   []string `json:"include_roles,omitempty"`
	ExcludeRoles   []string `json:"exclude_roles,omitempty"`
	IncludeApps    []string `json:"include_apps,omitempty"`
	ExcludeApps    []string `json:"exclude_apps,omitempty"`
	ClientAppTypes []string `json:"client_app_types,omitempty"`
	GrantOperator  string   `json:"grant_operator,omitempty"`
	GrantControls  []string `json:"grant_controls,omitempty"`
	AuthStrength   string   `json:"auth_strength,omitempty"`
}

// Named location kinds.
const (
	LocationKindIP      = "ip"
	LocationKindCountry = "country"
	LocationKindUnknown = "unknown"
)

// NamedLocation is a Conditional Access named location.
type NamedLocation struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Trusted   Tristate `json:"trusted"`
	Ranges    []string `json:"ranges,omitempty"`
	Countries []string `json:"countries,omitempty"`
}

// Consent types of an OAuth grant.
const (
	ConsentAdmin   = "admin"
	ConsentUser    = "user"
	ConsentUnknown = "unknown"
)

// OAuthGrant is a normalized application consent.
type OAuthGrant struct {
	ClientID          string   `json:"client_id"`
	AppID             string   `json:"app_id,omitempty"`
	AppName           string   `json:"app_name,omitempty"`
	ConsentType       string   `json:"consent_type"`
	Scopes            []string `json:"scopes,omitempty"`
	PublisherVerified Tristate `json:"publisher_verified"`
	OwnerTenantID     string   `json:"owner_tenant_id,omitempty"`
	Tags              []string `json:"tags,omitempty"`
}

// GeoInfo is the offline IP enrichment used to fill missing sign-in fields.
type GeoInfo struct {
	CountryCode string
	ASN         int
	ASNOrg      string
}

// GeoResolver looks up offline geolocation data for an IP address.
type GeoResolver interface {
	Lookup(ip string) (GeoInfo, bool)
}

// Source retrieves the raw telemetry export of one account.
type Source interface {
	// Name returns the source name
	Name() string
	// Fetch retrieves the account's snapshot
	Fetch(ctx context.Context, account string) (*RawSnapshot, error)
	// HealthCheck verifies connectivity
	HealthCheck(ctx context.Context) error
}
