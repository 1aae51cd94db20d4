package flowgateconfig

import (
	"log"
	"os"
	"strings"

	secretreader "github.com/flowgate/flowgate/internal/secrets"
)

// Encore-managed secrets fallback. Encore populates this struct at runtime.
var secrets struct {
	FLOWGATE_SESSION_SECRET          string
	FLOWGATE_SESSION_SECRET_PREVIOUS string
	FLOWGATE_ENGINE_OWNER_PASSWORD   string
	FLOWGATE_AUTOMATION_SECRET       string
}

// Secrets holds the secret inputs to LoadConfig.
type Secrets struct {
	SessionSecret         string
	PreviousSessionSecret string
	EngineOwnerPassword   string
	AutomationSecret      string
}

func getEncoreSecret(key string) string {
	switch key {
	case "FLOWGATE_SESSION_SECRET":
		return strings.TrimSpace(secrets.FLOWGATE_SESSION_SECRET)
	case "FLOWGATE_SESSION_SECRET_PREVIOUS":
		return strings.TrimSpace(secrets.FLOWGATE_SESSION_SECRET_PREVIOUS)
	case "FLOWGATE_ENGINE_OWNER_PASSWORD":
		return strings.TrimSpace(secrets.FLOWGATE_ENGINE_OWNER_PASSWORD)
	case "FLOWGATE_AUTOMATION_SECRET":
		return strings.TrimSpace(secrets.FLOWGATE_AUTOMATION_SECRET)
	default:
		return ""
	}
}

func secretFileNameForEnv(key string) string {
	switch key {
	case "FLOWGATE_SESSION_SECRET":
		return "flowgate-session-secret"
	case "FLOWGATE_SESSION_SECRET_PREVIOUS":
		return "flowgate-session-secret-previous"
	case "FLOWGATE_ENGINE_OWNER_PASSWORD":
		return "flowgate-engine-owner-password"
	case "FLOWGATE_AUTOMATION_SECRET":
		return "flowgate-automation-secret"
	default:
		return ""
	}
}

func OptionalSecret(key string) string {
	val, ok, err := secretreader.Lookup(key, secretFileNameForEnv(key))
	if err != nil {
		log.Printf("secret %s unreadable: %v", key, err)
	}
	if ok {
		return val
	}
	return getEncoreSecret(key)
}

func MustSecret(key string) string {
	if val := OptionalSecret(key); val != "" {
		return val
	}
	log.Fatalf("missing required secret env var %s", key)
	return ""
}

// HydrateSecretEnv copies resolved secrets into the environment so child
// processes and later lookups see a single source.
func HydrateSecretEnv(keys ...string) {
	for _, key := range keys {
		if strings.TrimSpace(os.Getenv(key)) != "" {
			continue
		}
		if val := OptionalSecret(key); val != "" {
			_ = os.Setenv(key, val)
		}
	}
}

// LoadSecrets resolves every secret LoadConfig needs. Missing values are left
// empty; flowgatecore.ValidateConfig reports them.
func LoadSecrets() Secrets {
	return Secrets{
		SessionSecret:         OptionalSecret("FLOWGATE_SESSION_SECRET"),
		PreviousSessionSecret: OptionalSecret("FLOWGATE_SESSION_SECRET_PREVIOUS"),
		EngineOwnerPassword:   OptionalSecret("FLOWGATE_ENGINE_OWNER_PASSWORD"),
		AutomationSecret:      OptionalSecret("FLOWGATE_AUTOMATION_SECRET"),
	}
}
