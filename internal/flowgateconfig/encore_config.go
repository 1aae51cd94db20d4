package flowgateconfig

// EngineDefaultsConfig configures the proxied workflow engine.
type EngineDefaultsConfig struct {
	URL            string
	OwnerEmail     string
	OwnerFirstName string
	OwnerLastName  string
	// EmailDomain is used for generated per-workspace engine identities.
	EmailDomain string

	TimeoutSeconds  int
	SessionTTL      string
	OwnerSessionTTL string
	ProbeGrace      string

	AllowOwnerFallback              bool
	ReprovisionOnInvalidCredentials bool
	HydrateRegistry                 bool
}

// EncoreConfig is the schema of the Encore-managed config defaults. It is
// loaded by the service package and normalized by LoadConfig.
type EncoreConfig struct {
	PublicURL string

	DataDir       string
	PlatformStore string

	SessionCookie        string
	SessionTTL           string
	CookieSecure         string
	CookieDomain         string
	SignupEnabled        bool
	PruneIntervalMinutes int

	MaxBodyMB int

	Engine EngineDefaultsConfig
}
