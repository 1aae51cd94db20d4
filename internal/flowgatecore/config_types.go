package flowgatecore

import "time"

const (
	PlatformStoreFile     = "file"
	PlatformStorePostgres = "postgres"
)

// Config is the normalized runtime configuration shared by the service and
// its internal packages. Secret-bearing fields must never be logged.
type Config struct {
	PublicURL string

	EngineURL            string
	EngineOwnerEmail     string
	EngineOwnerPassword  string
	EngineOwnerFirstName string
	EngineOwnerLastName  string
	EngineEmailDomain    string
	EngineTimeout        time.Duration
	EngineSessionTTL     time.Duration
	OwnerSessionTTL      time.Duration
	// ProbeGrace skips the liveness probe for a cached engine session that
	// was confirmed within this window. Zero probes on every reuse.
	ProbeGrace time.Duration

	AllowOwnerFallback              bool
	ReprovisionOnInvalidCredentials bool
	HydrateRegistry                 bool

	AutomationSecret       string
	SessionSecret          string
	PreviousSessionSecrets []string

	DataDir       string
	PlatformStore string

	SessionCookie    string
	CookieDomain     string
	CookieSecureMode string
	SessionTTL       time.Duration
	SignupEnabled    bool
	PruneInterval    time.Duration

	MaxBodyBytes int64
}
