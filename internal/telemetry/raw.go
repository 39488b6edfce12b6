package telemetry

// RawSnapshot is the per-account export produced by the Graph/Exchange collection
// layer. Every field is optional; the normalizer tolerates any of them being absent.
type RawSnapshot struct {
	Account               string                `json:"account"`
	CollectedAt           string                `json:"collectedAt,omitempty"`
	User                  *RawUser              `json:"user,omitempty"`
	AuthenticationMethods []RawAuthMethod       `json:"authenticationMethods,omitempty"`
	DirectoryRoles        []RawDirectoryRole    `json:"directoryRoles,omitempty"`
	RiskyUser             *RawRiskyUser         `json:"riskyUser,omitempty"`
	Mailbox               *RawMailbox           `json:"mailbox,omitempty"`
	InboxRules            []RawInboxRule        `json:"inboxRules,omitempty"`
	SignIns               []RawSignIn           `json:"signIns,omitempty"`
	AuditLogs             []RawAuditLog         `json:"auditLogs,omitempty"`
	ConditionalAccess     *RawConditionalAccess `json:"conditionalAccess,omitempty"`
	OAuthGrants           []RawOAuthGrant       `json:"oauthGrants,omitempty"`
}

// RawUser is the directory user object.
type RawUser struct {
	ID                string   `json:"id"`
	UserPrincipalName string   `json:"userPrincipalName"`
	DisplayName       string   `json:"displayName"`
	AccountEnabled    *bool    `json:"accountEnabled,omitempty"`
	UsageLocation     string   `json:"usageLocation,omitempty"`
	MemberOf          []string `json:"memberOf,omitempty"`
}

// RawAuthMethod is one registered authentication method.
type RawAuthMethod struct {
	ODataType string `json:"@odata.type"`
	ID        string `json:"id"`
}

// RawDirectoryRole is an active directory role assignment.
type RawDirectoryRole struct {
	ID             string `json:"id"`
	DisplayName    string `json:"displayName"`
	RoleTemplateID string `json:"roleTemplateId"`
}

// RawRiskyUser is the identity protection state of the account.
type RawRiskyUser struct {
	RiskLevel               string `json:"riskLevel"`
	RiskState               string `json:"riskState"`
	RiskDetail              string `json:"riskDetail"`
	RiskLastUpdatedDateTime string `json:"riskLastUpdatedDateTime,omitempty"`
}

// RawMailbox holds the mailbox forwarding configuration.
type RawMailbox struct {
	ForwardingSmtpAddress      string `json:"ForwardingSmtpAddress,omitempty"`
	ForwardingAddress          string `json:"ForwardingAddress,omitempty"`
	DeliverToMailboxAndForward *bool  `json:"DeliverToMailboxAndForward,omitempty"`
}

// RawInboxRule is an Exchange inbox rule as returned by Get-InboxRule.
type RawInboxRule struct {
	Identity                   string   `json:"Identity"`
	Name                       string   `json:"Name"`
	Enabled                    *bool    `json:"Enabled,omitempty"`
	ForwardTo                  []string `json:"ForwardTo,omitempty"`
	ForwardAsAttachmentTo      []string `json:"ForwardAsAttachmentTo,omitempty"`
	RedirectTo                 []string `json:"RedirectTo,omitempty"`
	DeleteMessage              *bool    `json:"DeleteMessage,omitempty"`
	MarkAsRead                 *bool    `json:"MarkAsRead,omitempty"`
	MoveToFolder               string   `json:"MoveToFolder,omitempty"`
	SubjectContainsWords       []string `json:"SubjectContainsWords,omitempty"`
	BodyContainsWords          []string `json:"BodyContainsWords,omitempty"`
	SubjectOrBodyContainsWords []string `json:"SubjectOrBodyContainsWords,omitempty"`
}

// RawSignIn is an Entra ID sign-in log record.
type RawSignIn struct {
	ID                               string             `json:"id"`
	CreatedDateTime                  string             `json:"createdDateTime"`
	UserPrincipalName                string             `json:"userPrincipalName"`
	AppDisplayName                   string             `json:"appDisplayName"`
	ClientAppUsed                    string             `json:"clientAppUsed"`
	IPAddress                        string             `json:"ipAddress"`
	UserAgent                        string             `json:"userAgent,omitempty"`
	CorrelationID                    string             `json:"correlationId,omitempty"`
	SessionID                        string             `json:"sessionId,omitempty"`
	AutonomousSystemNumber           *int               `json:"autonomousSystemNumber,omitempty"`
	Status                           *RawSignInStatus   `json:"status,omitempty"`
	AuthenticationRequirement        string             `json:"authenticationRequirement,omitempty"`
	AuthenticationDetails            []RawAuthDetail    `json:"authenticationDetails,omitempty"`
	MFADetail                        *RawMFADetail      `json:"mfaDetail,omitempty"`
	DeviceDetail                     *RawDeviceDetail   `json:"deviceDetail,omitempty"`
	Location                         *RawLocation       `json:"location,omitempty"`
	RiskLevelDuringSignIn            string             `json:"riskLevelDuringSignIn,omitempty"`
	RiskState                        string             `json:"riskState,omitempty"`
	RiskEventTypes                   []string           `json:"riskEventTypes_v2,omitempty"`
	ConditionalAccessStatus          string             `json:"conditionalAccessStatus,omitempty"`
	AppliedConditionalAccessPolicies []RawAppliedPolicy `json:"appliedConditionalAccessPolicies,omitempty"`
}

// RawSignInStatus is the sign-in result.
type RawSignInStatus struct {
	ErrorCode         *int   `json:"errorCode,omitempty"`
	FailureReason     string `json:"failureReason,omitempty"`
	AdditionalDetails string `json:"additionalDetails,omitempty"`
}

// RawAuthDetail is one authentication step of a sign-in.
type RawAuthDetail struct {
	AuthenticationMethod           string `json:"authenticationMethod"`
	Succeeded                      *bool  `json:"succeeded,omitempty"`
	AuthenticationStepResultDetail string `json:"authenticationStepResultDetail,omitempty"`
	AuthenticationStepDateTime     string `json:"authenticationStepDateTime,omitempty"`
}

// RawMFADetail is the legacy MFA summary of a sign-in.
type RawMFADetail struct {
	AuthMethod string `json:"authMethod,omitempty"`
	AuthDetail string `json:"authDetail,omitempty"`
}

// RawDeviceDetail describes the device used for a sign-in.
type RawDeviceDetail struct {
	DeviceID        string `json:"deviceId,omitempty"`
	DisplayName     string `json:"displayName,omitempty"`
	OperatingSystem string `json:"operatingSystem,omitempty"`
	Browser         string `json:"browser,omitempty"`
	IsCompliant     *bool  `json:"isCompliant,omitempty"`
	IsManaged       *bool  `json:"isManaged,omitempty"`
	TrustType       string `json:"trustType,omitempty"`
}

// RawLocation is the sign-in geolocation.
type RawLocation struct {
	City            string          `json:"city,omitempty"`
	State           string          `json:"state,omitempty"`
	CountryOrRegion string          `json:"countryOrRegion,omitempty"`
	GeoCoordinates  *RawCoordinates `json:"geoCoordinates,omitempty"`
}

// RawCoordinates are latitude and longitude of a sign-in.
type RawCoordinates struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// RawAppliedPolicy is a Conditional Access policy evaluated for a sign-in.
type RawAppliedPolicy struct {
	ID                    string   `json:"id"`
	DisplayName           string   `json:"displayName"`
	Result                string   `json:"result"`
	EnforcedGrantControls []string `json:"enforcedGrantControls,omitempty"`
}

// RawAuditLog is a directory audit record.
type RawAuditLog struct {
	ID                  string              `json:"id"`
	ActivityDisplayName string              `json:"activityDisplayName"`
	Category            string              `json:"category,omitempty"`
	Result              string              `json:"result,omitempty"`
	ActivityDateTime    string              `json:"activityDateTime"`
	InitiatedBy         *RawInitiatedBy     `json:"initiatedBy,omitempty"`
	TargetResources     []RawTargetResource `json:"targetResources,omitempty"`
}

// RawInitiatedBy identifies the actor of an audit record.
type RawInitiatedBy struct {
	User *RawAuditUser `json:"user,omitempty"`
	App  *RawAuditApp  `json:"app,omitempty"`
}

// RawAuditUser is a user actor.
type RawAuditUser struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// RawAuditApp is an application actor.
type RawAuditApp struct {
	DisplayName string `json:"displayName"`
}

// RawTargetResource is a resource affected by an audited activity.
type RawTargetResource struct {
	ID                 string                `json:"id"`
	DisplayName        string                `json:"displayName,omitempty"`
	Type               string                `json:"type,omitempty"`
	UserPrincipalName  string                `json:"userPrincipalName,omitempty"`
	ModifiedProperties []RawModifiedProperty `json:"modifiedProperties,omitempty"`
}

// RawModifiedProperty is a changed attribute in an audit record.
type RawModifiedProperty struct {
	DisplayName string `json:"displayName"`
	OldValue    string `json:"oldValue,omitempty"`
	NewValue    string `json:"newValue,omitempty"`
}

// RawConditionalAccess is the tenant Conditional Access export.
type RawConditionalAccess struct {
	Policies       []RawCAPolicy      `json:"policies,omitempty"`
	NamedLocations []RawNamedLocation `json:"namedLocations,omitempty"`
}

// RawCAPolicy is a Conditional Access policy definition.
type RawCAPolicy struct {
	ID            string            `json:"id"`
	DisplayName   string            `json:"displayName"`
	State         string            `json:"state"`
	Conditions    *RawCAConditions  `json:"conditions,omitempty"`
	GrantControls *RawGrantControls `json:"grantControls,omitempty"`
}

// RawCAConditions are the assignment conditions of a policy.
type RawCAConditions struct {
	Users          *RawCAUsers        `json:"users,omitempty"`
	Applications   *RawCAApplications `json:"applications,omitempty"`
	ClientAppTypes []string           `json:"clientAppTypes,omitempty"`
}

// RawCAUsers is the user assignment of a policy.
type RawCAUsers struct {
	IncludeUsers  []string `json:"includeUsers,omitempty"`
	ExcludeUsers  []string `json:"excludeUsers,omitempty"`
	IncludeGroups []string `json:"includeGroups,omitempty"`
	ExcludeGroups []string `json:"excludeGroups,omitempty"`
	IncludeRoles  []string `json:"includeRoles,omitempty"`
	ExcludeRoles  []string `json:"excludeRoles,omitempty"`
}

// RawCAApplications is the application assignment of a policy.
type RawCAApplications struct {
	IncludeApplications []string `json:"includeApplications,omitempty"`
	ExcludeApplications []string `json:"excludeApplications,omitempty"`
}

// RawGrantControls are the grant controls of a policy.
type RawGrantControls struct {
	Operator               string           `json:"operator,omitempty"`
	BuiltInControls        []string         `json:"builtInControls,omitempty"`
	AuthenticationStrength *RawAuthStrength `json:"authenticationStrength,omitempty"`
}

// RawAuthStrength references an authentication strength policy.
type RawAuthStrength struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// RawNamedLocation is an IP or country named location.
type RawNamedLocation struct {
	ODataType           string       `json:"@odata.type"`
	ID                  string       `json:"id"`
	DisplayName         string       `json:"displayName"`
	IsTrusted           *bool        `json:"isTrusted,omitempty"`
	IPRanges            []RawIPRange `json:"ipRanges,omitempty"`
	CountriesAndRegions []string     `json:"countriesAndRegions,omitempty"`
}

// RawIPRange is a CIDR range of an IP named location.
type RawIPRange struct {
	CIDRAddress string `json:"cidrAddress"`
}

// RawOAuthGrant is a delegated or application permission grant joined with its
// service principal metadata.
type RawOAuthGrant struct {
	ClientID               string   `json:"clientId"`
	AppID                  string   `json:"appId,omitempty"`
	AppDisplayName         string   `json:"appDisplayName,omitempty"`
	ConsentType            string   `json:"consentType,omitempty"`
	Scope                  string   `json:"scope,omitempty"`
	PublisherVerified      *bool    `json:"publisherVerified,omitempty"`
	AppOwnerOrganizationID string   `json:"appOwnerOrganizationId,omitempty"`
	Tags                   []string `json:"tags,omitempty"`
}
