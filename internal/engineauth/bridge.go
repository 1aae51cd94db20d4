// Package engineauth bridges platform principals to engine sessions: owner
// bootstrap, per-workspace identity provisioning, cookie caching with live
// revalidation, and the ordered auth-header fallback.
package engineauth

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flowgate/flowgate/integrations/n8n"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnprovisioned means no working engine identity exists for the
	// workspace and none could be created.
	ErrUnprovisioned = errors.New("engine access is not configured yet for this workspace")
	// ErrUpstreamUnreachable means the engine could not be reached at all.
	ErrUpstreamUnreachable = errors.New("engine unreachable")
	// ErrUpstreamRejected means the engine answered with an unexpected error.
	ErrUpstreamRejected = errors.New("engine rejected request")
)

type Config struct {
	OwnerEmail     string
	OwnerPassword  string
	OwnerFirstName string
	OwnerLastName  string
	// EmailDomain is used for generated workspace identity addresses.
	EmailDomain string

	SessionTTL      time.Duration
	OwnerSessionTTL time.Duration
	// ProbeGrace skips the liveness probe for cookies confirmed this recently.
	ProbeGrace time.Duration
	Timeout    time.Duration

	AllowOwnerFallback              bool
	ReprovisionOnInvalidCredentials bool

	// Transport overrides the engine HTTP transport.
	Transport http.RoundTripper

	// Optional observers, called synchronously.
	OnProvision    func(workspaceID string, err error)
	OnProbeFailure func(workspaceID string)
}

type Bridge struct {
	cfg   Config
	store *IdentityStore
	now   func() time.Time

	clientsMu sync.Mutex
	clients   map[string]*n8n.Client

	ownerMu        sync.Mutex
	owners         map[string]cacheEntry
	setupAttempted map[string]bool
	ownerFlight    singleflight.Group

	sessionsMu      sync.Mutex
	sessions        map[string]cacheEntry
	provisionFlight singleflight.Group
}

func New(cfg Config, store *IdentityStore) *Bridge {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.OwnerSessionTTL <= 0 {
		cfg.OwnerSessionTTL = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.EmailDomain) == "" {
		cfg.EmailDomain = "workspaces.flowgate.local"
	}
	if strings.TrimSpace(cfg.OwnerFirstName) == "" {
		cfg.OwnerFirstName = "Flowgate"
	}
	if strings.TrimSpace(cfg.OwnerLastName) == "" {
		cfg.OwnerLastName = "Owner"
	}
	return &Bridge{
		cfg:            cfg,
		store:          store,
		now:            time.Now,
		clients:        map[string]*n8n.Client{},
		owners:         map[string]cacheEntry{},
		setupAttempted: map[string]bool{},
		sessions:       map[string]cacheEntry{},
	}
}

func normalizeURL(engineURL string) string {
	return strings.TrimRight(strings.TrimSpace(engineURL), "/")
}

// Client returns the shared engine client for engineURL.
func (b *Bridge) Client(engineURL string) *n8n.Client {
	engineURL = normalizeURL(engineURL)
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	c, ok := b.clients[engineURL]
	if !ok {
		c = n8n.New(n8n.Config{BaseURL: engineURL, Timeout: b.cfg.Timeout, Transport: b.cfg.Transport})
		b.clients[engineURL] = c
	}
	return c
}

func (b *Bridge) Store() *IdentityStore { return b.store }
