package flowgate

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"encore.dev"
	"encore.dev/rlog"

	"github.com/flowgate/flowgate/internal/engineauth"
	"github.com/flowgate/flowgate/internal/engineproxy"
	"github.com/flowgate/flowgate/internal/flowgateconfig"
	"github.com/flowgate/flowgate/internal/flowgatecore"
	"github.com/flowgate/flowgate/internal/flowgatedb"
	"github.com/flowgate/flowgate/internal/gateway"
	"github.com/flowgate/flowgate/internal/platformauth"
	"github.com/flowgate/flowgate/internal/secretbox"
	"github.com/flowgate/flowgate/internal/tenanttags"
	"github.com/flowgate/flowgate/internal/webhookguard"
)

//encore:service
type Service struct {
	cfg     flowgatecore.Config
	auth    *platformauth.Manager
	bridge  *engineauth.Bridge
	gateway *gateway.Gateway
	// db is set when the platform store is Postgres.
	db *sql.DB

	stop context.CancelFunc
}

func initService() (*Service, error) {
	flowgateconfig.HydrateSecretEnv(
		"FLOWGATE_SESSION_SECRET",
		"FLOWGATE_SESSION_SECRET_PREVIOUS",
		"FLOWGATE_ENGINE_OWNER_PASSWORD",
		"FLOWGATE_AUTOMATION_SECRET",
	)

	meta := encore.Meta()
	rlog.Info("initializing flowgate service",
		"environment_name", meta.Environment.Name,
		"environment_type", meta.Environment.Type,
		"cloud", meta.Environment.Cloud,
		"app_id", meta.AppID,
	)

	cfg := flowgateconfig.LoadConfig(flowgateEncoreCfg, flowgateconfig.LoadSecrets())
	validation := flowgatecore.ValidateConfig(cfg)
	for _, w := range validation.Warnings {
		rlog.Warn("config warning", "detail", w)
	}
	if !validation.OK() {
		for _, e := range validation.Errors {
			rlog.Error("config error", "detail", e)
		}
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(validation.Errors, "; "))
	}

	store, db, err := openPlatformStore(cfg)
	if err != nil {
		return nil, err
	}
	return newService(cfg, store, db)
}

func openPlatformStore(cfg flowgatecore.Config) (platformauth.Store, *sql.DB, error) {
	switch cfg.PlatformStore {
	case flowgatecore.PlatformStorePostgres:
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		db, err := flowgatedb.Open(ctx, flowgatedb.PlatformDB, flowgatedb.Options{})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres open failed: %w", err)
		}
		return platformauth.NewPGStore(db), db, nil
	default:
		store, err := platformauth.OpenFileStore(filepath.Join(cfg.DataDir, "platform", "users.json"))
		if err != nil {
			return nil, nil, fmt.Errorf("platform store open failed: %w", err)
		}
		return store, nil, nil
	}
}

// newService wires every component from a normalized config. Background
// loops start here and stop on Shutdown.
func newService(cfg flowgatecore.Config, store platformauth.Store, db *sql.DB) (*Service, error) {
	auth := platformauth.NewManager(platformauth.Config{
		CookieName:       cfg.SessionCookie,
		CookieDomain:     cfg.CookieDomain,
		CookieSecureMode: cfg.CookieSecureMode,
		SessionTTL:       cfg.SessionTTL,
		AutomationSecret: cfg.AutomationSecret,
	}, store)

	box := secretbox.New(cfg.SessionSecret, cfg.PreviousSessionSecrets...)
	bridge := engineauth.New(engineauth.Config{
		OwnerEmail:                      cfg.EngineOwnerEmail,
		OwnerPassword:                   cfg.EngineOwnerPassword,
		OwnerFirstName:                  cfg.EngineOwnerFirstName,
		OwnerLastName:                   cfg.EngineOwnerLastName,
		EmailDomain:                     cfg.EngineEmailDomain,
		SessionTTL:                      cfg.EngineSessionTTL,
		OwnerSessionTTL:                 cfg.OwnerSessionTTL,
		ProbeGrace:                      cfg.ProbeGrace,
		Timeout:                         cfg.EngineTimeout,
		AllowOwnerFallback:              cfg.AllowOwnerFallback,
		ReprovisionOnInvalidCredentials: cfg.ReprovisionOnInvalidCredentials,
		OnProvision:                     observeProvision,
		OnProbeFailure:                  func(string) { inc(engineProbeFailures) },
	}, engineauth.NewIdentityStore(cfg.DataDir, box))

	gw, err := gateway.New(gateway.Deps{
		EngineURL: cfg.EngineURL,
		Auth:      auth,
		Bridge:    bridge,
		Tags:      tenanttags.NewIsolator(),
		Registry:  webhookguard.NewRegistry(),
		Proxy: engineproxy.NewForwarder(engineproxy.Options{
			Timeout:        cfg.EngineTimeout,
			MaxBodyBytes:   cfg.MaxBodyBytes,
			PlatformCookie: cfg.SessionCookie,
		}),
		Hooks: gatewayHooks(),
	})
	if err != nil {
		auth.Close()
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	svc := &Service{cfg: cfg, auth: auth, bridge: bridge, gateway: gw, db: db, stop: stop}
	go svc.pruneLoop(ctx, cfg.PruneInterval)
	if cfg.HydrateRegistry {
		go gw.HydrateWithRetry(ctx, 15*time.Second)
	}
	rlog.Info("flowgate ready",
		"engine", cfg.EngineURL,
		"platform_store", cfg.PlatformStore,
		"owner_fallback", cfg.AllowOwnerFallback,
		"automation_bearer", cfg.AutomationSecret != "",
	)
	return svc, nil
}

// Shutdown is called by Encore on graceful shutdown.
func (s *Service) Shutdown(force context.Context) {
	s.stop()
	s.auth.Close()
}

func (s *Service) pruneLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.pruneSessions(ctx)
	}
}

// pruneSessions deletes expired platform sessions. With a shared Postgres
// store only the replica holding the advisory lock prunes.
func (s *Service) pruneSessions(ctx context.Context) {
	if s.db == nil {
		s.pruneExpired(ctx)
		return
	}
	ran, err := flowgatedb.RunExclusive(ctx, s.db, "session-prune", func(ctx context.Context) error {
		s.pruneExpired(ctx)
		return nil
	})
	if err != nil {
		rlog.Warn("session prune lock failed", "err", err)
		return
	}
	if !ran {
		rlog.Debug("session prune skipped, another replica holds the lock")
	}
}

func (s *Service) pruneExpired(ctx context.Context) {
	n, err := s.auth.Prune(ctx)
	if err != nil {
		rlog.Warn("session prune failed", "err", err)
		return
	}
	if n > 0 {
		rlog.Info("expired platform sessions pruned", "count", n)
		add(sessionsPruned, uint64(n))
	}
}
