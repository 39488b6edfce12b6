package indicator

// Settings are the tunable thresholds and lists the evaluators consult.
type Settings struct {
	SafeCountries        []string `yaml:"safe_countries"`
	HostingASNs          []int    `yaml:"hosting_asns"`
	HostingUsageTypes    []string `yaml:"hosting_usage_types"`
	SuspiciousUserAgents []string `yaml:"suspicious_user_agents"`
	AnonymizerRiskEvents []string `yaml:"anonymizer_risk_events"`

	AbuseMediumScore int `yaml:"abuse_medium_score"`
	AbuseHighScore   int `yaml:"abuse_high_score"`

	MaxTravelSpeedKmh   float64 `yaml:"max_travel_speed_kmh"`
	MinTravelDistanceKm float64 `yaml:"min_travel_distance_km"`

	PredominantCountryMinSignIns int `yaml:"predominant_country_min_sign_ins"`

	MFAFailureCodes []int `yaml:"mfa_failure_codes"`

	FinanceKeywords         []string `yaml:"finance_keywords"`
	SuspiciousFolders       []string `yaml:"suspicious_folders"`
	PrivilegedRoleTemplates []string `yaml:"privileged_role_templates"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		SafeCountries: []string{},
		HostingASNs: []int{
			14061,  // DigitalOcean
			16509,  // Amazon
			14618,  // Amazon
			15169,  // Google
			396982, // Google Cloud
			16276,  // OVH
			24940,  // Hetzner
			20473,  // Vultr
			63949,  // Linode
			9009,   // M247
			212238, // Datacamp
			60068,  // CDN77
			136787, // PacketHub
		},
		HostingUsageTypes: []string{
			"Data Center/Web Hosting/Transit",
			"Content Delivery Network",
		},
		SuspiciousUserAgents: []string{
			"python-requests", "python-urllib", "curl/", "wget/", "axios/",
			"go-http-client", "okhttp", "postmanruntime", "powershell",
			"bav2ropc", "fasthttp", "node-fetch", "java/",
		},
		AnonymizerRiskEvents: []string{"anonymizedipaddress", "tor"},
		AbuseMediumScore:     25,
		AbuseHighScore:       75,
		MaxTravelSpeedKmh:    900,
		MinTravelDistanceKm:  500,

		PredominantCountryMinSignIns: 3,

		MFAFailureCodes: []int{500121, 50074, 50088, 50158, 53004},

		FinanceKeywords: []string{
			"invoice", "payment", "wire", "transfer", "bank", "remittance",
			"payroll", "swift", "iban", "w-2",
		},
		SuspiciousFolders: []string{
			"rss feeds", "rss subscriptions", "archive", "conversation history",
			"junk email", "deleted items",
		},
		PrivilegedRoleTemplates: []string{
			"62e90394-69f5-4237-9190-012177145e10", // Global Administrator
			"e8611ab8-c189-46e8-94e1-60213ab1f814", // Privileged Role Administrator
			"7be44c8a-adaf-4e2a-84d6-ab2649e08a13", // Privileged Authentication Administrator
			"194ae4cb-b126-40b2-bd5b-6091b380977d", // Security Administrator
			"29232cdf-9323-42fd-ade2-1d097af3e4de", // Exchange Administrator
			"f28a1f50-f6e7-4571-818b-6a12f2af6b6c", // SharePoint Administrator
			"fe930be7-5e62-47db-91af-98c3a49a38b1", // User Administrator
			"9b895d92-2cd3-44c7-9d02-a6ac2d5ea5c3", // Application Administrator
			"158c047a-c907-4556-b7ef-446551a6b5f7", // Cloud Application Administrator
			"729827e3-9c14-49f7-bb1b-9608f156bbb8", // Helpdesk Administrator
			"c4e39bd9-1100-46d3-8c65-fb160da0071f", // Authentication Administrator
			"b1be1c3e-b65d-4f19-8427-f6fa0d97feb9", // Conditional Access Administrator
			"3a2c62db-5318-420d-8d74-23affee5d9d5", // Intune Administrator
			"17315797-102d-40b4-93e0-432062caca18", // Compliance Administrator
		},
	}
}

// withDefaults fills unset numeric settings.
func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.AbuseMediumScore <= 0 {
		s.AbuseMediumScore = def.AbuseMediumScore
	}
	if s.AbuseHighScore <= 0 {
		s.AbuseHighScore = def.AbuseHighScore
	}
	if s.MaxTravelSpeedKmh <= 0 {
		s.MaxTravelSpeedKmh = def.MaxTravelSpeedKmh
	}
	if s.MinTravelDistanceKm < 0 {
		s.MinTravelDistanceKm = def.MinTravelDistanceKm
	}
	if s.PredominantCountryMinSignIns <= 0 {
		s.PredominantCountryMinSignIns = def.PredominantCountryMinSignIns
	}
	return s
}
