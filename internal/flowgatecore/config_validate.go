package flowgatecore

import (
	"fmt"
	"net/url"
	"strings"
)

type ConfigValidation struct {
	Errors   []string
	Warnings []string
}

func (v *ConfigValidation) addError(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

func (v *ConfigValidation) addWarning(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

func (v ConfigValidation) OK() bool {
	return len(v.Errors) == 0
}

// ValidateConfig returns a safe-to-display validation summary. It must never
// include secret values.
func ValidateConfig(cfg Config) ConfigValidation {
	var v ConfigValidation

	engineURL := strings.TrimSpace(cfg.EngineURL)
	if engineURL == "" {
		v.addError("engine URL is not configured (EngineURL)")
	} else if u, err := url.Parse(engineURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.addError("engine URL %q must be an absolute http(s) URL", engineURL)
	}

	if strings.TrimSpace(cfg.EngineOwnerEmail) == "" || strings.TrimSpace(cfg.EngineOwnerPassword) == "" {
		v.addError("engine owner credentials are incomplete (workspace provisioning will not work)")
	}
	if strings.TrimSpace(cfg.SessionSecret) == "" {
		v.addError("session secret is empty (FLOWGATE_SESSION_SECRET)")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		v.addError("data directory is not configured (DataDir)")
	}

	switch cfg.PlatformStore {
	case PlatformStoreFile, PlatformStorePostgres:
	default:
		v.addError("invalid platform store %q (expected %q or %q)", cfg.PlatformStore, PlatformStoreFile, PlatformStorePostgres)
	}

	if secret := strings.TrimSpace(cfg.AutomationSecret); secret != "" && len(secret) < 24 {
		v.addWarning("automation secret is shorter than 24 characters")
	}
	if cfg.AllowOwnerFallback {
		v.addWarning("owner fallback is enabled: unprovisioned tenants are served with the engine owner's session")
	}
	if cfg.ReprovisionOnInvalidCredentials {
		v.addWarning("automatic re-provisioning is enabled: rejected workspace credentials create a new engine identity")
	}
	if cfg.ProbeGrace > 0 && cfg.EngineSessionTTL > 0 && cfg.ProbeGrace >= cfg.EngineSessionTTL {
		v.addWarning("probe grace (%s) is not shorter than the engine session TTL (%s); cached sessions are never probed", cfg.ProbeGrace, cfg.EngineSessionTTL)
	}
	if cfg.MaxBodyBytes <= 0 {
		v.addWarning("max body size is not set; proxied bodies are unbounded")
	}

	return v
}
