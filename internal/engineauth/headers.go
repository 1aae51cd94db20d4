package engineauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"encore.dev/rlog"
	"github.com/golang-jwt/jwt/v5"

	"github.com/flowgate/flowgate/integrations/n8n"
	"github.com/flowgate/flowgate/internal/platformauth"
)

// Source names the tier that produced a header set.
type Source string

const (
	SourceNone      Source = ""
	SourceWorkspace Source = "workspace"
	SourceOwner     Source = "owner"
	SourceAPIKey    Source = "api-key"
)

// AuthHeaders is the engine credential chosen for one proxied request.
type AuthHeaders struct {
	Header http.Header
	Source Source
	// Cookie is the engine session cookie ("n8n-auth=..."), empty for the
	// API-key tier.
	Cookie string
}

func (a AuthHeaders) Empty() bool { return len(a.Header) == 0 }

// BuildAuthHeaders picks engine credentials for p, trying in order: the
// workspace identity (provisioned on demand), the owner session for elevated
// callers or when owner fallback is enabled, and the workspace API key when
// it was issued for engineURL. A nil principal yields an empty set and no
// error. When every tier fails the returned error joins each tier's reason.
func (b *Bridge) BuildAuthHeaders(ctx context.Context, p *platformauth.Principal, engineURL string) (AuthHeaders, error) {
	if p == nil {
		return AuthHeaders{}, nil
	}
	engineURL = normalizeURL(engineURL)
	var tierErrs []error

	cookie, err := b.WorkspaceCookie(ctx, engineURL, p.WorkspaceID, Hint{Email: p.Email, Name: p.Name})
	if err == nil {
		return cookieHeaders(SourceWorkspace, cookie), nil
	}
	tierErrs = append(tierErrs, fmt.Errorf("workspace identity: %w", err))

	if p.Elevated() || b.cfg.AllowOwnerFallback {
		cookie, err := b.OwnerCookie(ctx, engineURL)
		if err == nil {
			rlog.Debug("using engine owner session", "workspace", p.WorkspaceID, "user", p.UserID)
			return cookieHeaders(SourceOwner, cookie), nil
		}
		tierErrs = append(tierErrs, fmt.Errorf("owner fallback: %w", err))
	}

	key, err := b.workspaceAPIKey(p.WorkspaceID, engineURL)
	if err == nil {
		h := http.Header{}
		h.Set(n8n.APIKeyHeader, key)
		return AuthHeaders{Header: h, Source: SourceAPIKey}, nil
	}
	tierErrs = append(tierErrs, fmt.Errorf("api key: %w", err))

	return AuthHeaders{}, errors.Join(tierErrs...)
}

func cookieHeaders(source Source, cookie string) AuthHeaders {
	h := http.Header{}
	h.Set("Cookie", cookie)
	return AuthHeaders{Header: h, Source: source, Cookie: cookie}
}

func (b *Bridge) workspaceAPIKey(workspaceID, engineURL string) (string, error) {
	key, err := b.store.LoadAPIKey(workspaceID)
	if errors.Is(err, ErrIdentityNotFound) {
		return "", fmt.Errorf("%w: no api key stored", ErrUnprovisioned)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(key.Key) == "" {
		return "", fmt.Errorf("%w: empty api key", ErrUnprovisioned)
	}
	// Exact match only; a key issued for one engine is never replayed to another.
	if normalizeURL(key.BaseURL) != engineURL {
		return "", fmt.Errorf("%w: api key was issued for a different engine", ErrUnprovisioned)
	}
	if apiKeyExpired(key.Key, b.now()) {
		return "", fmt.Errorf("%w: api key expired", ErrUnprovisioned)
	}
	return key.Key, nil
}

// apiKeyExpired reports whether a JWT-shaped key carries an exp claim in the
// past. Opaque keys never expire from our point of view.
func apiKeyExpired(key string, now time.Time) bool {
	if strings.Count(key, ".") != 2 {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(key, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.Time.After(now)
}

// SetAPIKey stores the workspace API key together with the engine it belongs to.
func (b *Bridge) SetAPIKey(workspaceID, key, baseURL string) error {
	key = strings.TrimSpace(key)
	baseURL = normalizeURL(baseURL)
	if key == "" || baseURL == "" {
		return errors.New("api key and base url are required")
	}
	return b.store.SaveAPIKey(workspaceID, APIKey{Key: key, BaseURL: baseURL, UpdatedAt: b.now().UTC()})
}

// IdentityState summarizes what the bridge knows about a workspace.
type IdentityState struct {
	Provisioned   bool   `json:"provisioned"`
	Email         string `json:"email,omitempty"`
	SessionCached bool   `json:"sessionCached"`
	APIKey        bool   `json:"apiKeyConfigured"`
	APIKeyBaseURL string `json:"apiKeyBaseUrl,omitempty"`
}

func (b *Bridge) State(engineURL, workspaceID string) (IdentityState, error) {
	var st IdentityState
	ident, err := b.store.Load(workspaceID)
	switch {
	case err == nil:
		st.Provisioned, st.Email = true, ident.Email
	case !errors.Is(err, ErrIdentityNotFound):
		return st, err
	}
	_, st.SessionCached = b.cachedSession(sessionKey(engineURL, workspaceID))
	key, err := b.store.LoadAPIKey(workspaceID)
	switch {
	case err == nil:
		st.APIKey, st.APIKeyBaseURL = key.Key != "", key.BaseURL
	case !errors.Is(err, ErrIdentityNotFound):
		return st, err
	}
	return st, nil
}
