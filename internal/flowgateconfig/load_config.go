package flowgateconfig

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/flowgate/flowgate/internal/flowgatecore"
)

func getenv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseDuration(name, raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed < 0 {
		log.Printf("invalid %s (%s), defaulting to %s", name, raw, fallback)
		return fallback
	}
	return parsed
}

func positiveInt(name, raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Printf("invalid %s (%s), defaulting to %d", name, raw, fallback)
		return fallback
	}
	return n
}

// LoadConfig merges the Encore-managed defaults, FLOWGATE_* environment
// overrides and secrets into a normalized runtime config.
//
// The Encore-managed config values must be passed in from a service package,
// since config.Load cannot be called from a non-service library.
func LoadConfig(enc EncoreConfig, sec Secrets) flowgatecore.Config {
	engine := enc.Engine

	timeoutSeconds := engine.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 15
	}
	timeoutSeconds = positiveInt("FLOWGATE_ENGINE_TIMEOUT_SECONDS", os.Getenv("FLOWGATE_ENGINE_TIMEOUT_SECONDS"), timeoutSeconds)

	maxBodyMB := enc.MaxBodyMB
	if maxBodyMB <= 0 {
		maxBodyMB = 16
	}
	maxBodyMB = positiveInt("FLOWGATE_MAX_BODY_MB", os.Getenv("FLOWGATE_MAX_BODY_MB"), maxBodyMB)

	pruneMinutes := enc.PruneIntervalMinutes
	if pruneMinutes <= 0 {
		pruneMinutes = 60
	}

	dataDir := getenv("FLOWGATE_DATA_DIR", strings.TrimSpace(enc.DataDir))
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), "flowgate")
	}

	platformStore := strings.ToLower(getenv("FLOWGATE_PLATFORM_STORE", strings.TrimSpace(enc.PlatformStore)))
	if platformStore == "" {
		platformStore = flowgatecore.PlatformStoreFile
	}

	emailDomain := getenv("FLOWGATE_ENGINE_EMAIL_DOMAIN", strings.TrimSpace(engine.EmailDomain))
	if emailDomain == "" {
		emailDomain = "workspaces.flowgate.local"
	}

	ownerFirst := strings.TrimSpace(engine.OwnerFirstName)
	if ownerFirst == "" {
		ownerFirst = "Flowgate"
	}
	ownerLast := strings.TrimSpace(engine.OwnerLastName)
	if ownerLast == "" {
		ownerLast = "Owner"
	}

	sessionCookie := getenv("FLOWGATE_SESSION_COOKIE", strings.TrimSpace(enc.SessionCookie))
	if sessionCookie == "" {
		sessionCookie = "flowgate_session"
	}

	var previous []string
	if p := strings.TrimSpace(sec.PreviousSessionSecret); p != "" {
		previous = append(previous, p)
	}

	return flowgatecore.Config{
		PublicURL: strings.TrimRight(getenv("FLOWGATE_PUBLIC_URL", strings.TrimSpace(enc.PublicURL)), "/"),

		EngineURL:            strings.TrimRight(getenv("FLOWGATE_ENGINE_URL", strings.TrimSpace(engine.URL)), "/"),
		EngineOwnerEmail:     getenv("FLOWGATE_ENGINE_OWNER_EMAIL", strings.TrimSpace(engine.OwnerEmail)),
		EngineOwnerPassword:  strings.TrimSpace(sec.EngineOwnerPassword),
		EngineOwnerFirstName: ownerFirst,
		EngineOwnerLastName:  ownerLast,
		EngineEmailDomain:    emailDomain,
		EngineTimeout:        time.Duration(timeoutSeconds) * time.Second,
		EngineSessionTTL:     parseDuration("Engine.SessionTTL", getenv("FLOWGATE_ENGINE_SESSION_TTL", engine.SessionTTL), 30*time.Minute),
		OwnerSessionTTL:      parseDuration("Engine.OwnerSessionTTL", getenv("FLOWGATE_ENGINE_OWNER_SESSION_TTL", engine.OwnerSessionTTL), 10*time.Minute),
		ProbeGrace:           parseDuration("Engine.ProbeGrace", getenv("FLOWGATE_ENGINE_PROBE_GRACE", engine.ProbeGrace), 0),

		AllowOwnerFallback:              getenvBool("FLOWGATE_ALLOW_OWNER_FALLBACK", engine.AllowOwnerFallback),
		ReprovisionOnInvalidCredentials: getenvBool("FLOWGATE_REPROVISION_ON_INVALID_CREDENTIALS", engine.ReprovisionOnInvalidCredentials),
		HydrateRegistry:                 getenvBool("FLOWGATE_HYDRATE_REGISTRY", engine.HydrateRegistry),

		AutomationSecret:       strings.TrimSpace(sec.AutomationSecret),
		SessionSecret:          strings.TrimSpace(sec.SessionSecret),
		PreviousSessionSecrets: previous,

		DataDir:       dataDir,
		PlatformStore: platformStore,

		SessionCookie:    sessionCookie,
		CookieDomain:     getenv("FLOWGATE_COOKIE_DOMAIN", strings.TrimSpace(enc.CookieDomain)),
		CookieSecureMode: strings.ToLower(getenv("FLOWGATE_COOKIE_SECURE", strings.TrimSpace(enc.CookieSecure))),
		SessionTTL:       parseDuration("SessionTTL", getenv("FLOWGATE_SESSION_TTL", enc.SessionTTL), 30*24*time.Hour),
		SignupEnabled:    getenvBool("FLOWGATE_SIGNUP_ENABLED", enc.SignupEnabled),
		PruneInterval:    time.Duration(pruneMinutes) * time.Minute,

		MaxBodyBytes: int64(maxBodyMB) << 20,
	}
}
