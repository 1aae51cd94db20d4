package engineauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"encore.dev/rlog"

	"github.com/flowgate/flowgate/integrations/n8n"
	"github.com/flowgate/flowgate/internal/tenanttags"
)

// Hint carries the platform user's details, preferred when naming a new
// engine identity.
type Hint struct {
	Email string
	Name  string
}

// AuthCookie returns a cached workspace cookie after confirming it with a
// live probe, or logs in again with the stored credentials. It never
// provisions; a workspace without stored credentials yields ErrUnprovisioned.
func (b *Bridge) AuthCookie(ctx context.Context, engineURL, workspaceID string) (string, error) {
	if cookie, ok, err := b.validCachedCookie(ctx, engineURL, workspaceID); err != nil || ok {
		return cookie, err
	}
	ident, err := b.store.Load(workspaceID)
	if errors.Is(err, ErrIdentityNotFound) {
		return "", fmt.Errorf("%w: no stored engine identity", ErrUnprovisioned)
	}
	if err != nil {
		return "", err
	}
	return b.loginStored(ctx, engineURL, ident)
}

// WorkspaceCookie is AuthCookie with auto-provisioning.
func (b *Bridge) WorkspaceCookie(ctx context.Context, engineURL, workspaceID string, hint Hint) (string, error) {
	if cookie, ok, err := b.validCachedCookie(ctx, engineURL, workspaceID); err != nil || ok {
		return cookie, err
	}
	return b.EnsureWorkspaceUser(ctx, engineURL, workspaceID, hint)
}

func (b *Bridge) validCachedCookie(ctx context.Context, engineURL, workspaceID string) (string, bool, error) {
	key := sessionKey(engineURL, workspaceID)
	entry, ok := b.cachedSession(key)
	if !ok {
		return "", false, nil
	}
	if b.cfg.ProbeGrace > 0 && b.now().Sub(entry.confirmed) < b.cfg.ProbeGrace {
		return entry.cookie, true, nil
	}
	_, err := b.Client(engineURL).Me(ctx, entry.cookie)
	if err == nil {
		b.confirmSession(key)
		return entry.cookie, true, nil
	}
	// Any failed probe drops the session; the caller logs in afresh and
	// surfaces the engine error from there if it is still unreachable.
	rlog.Debug("engine session probe failed; re-authenticating",
		"workspace", workspaceID,
		"status", n8n.StatusCode(err),
		"unreachable", n8n.IsUnreachable(err),
	)
	if b.cfg.OnProbeFailure != nil {
		b.cfg.OnProbeFailure(workspaceID)
	}
	b.invalidateSession(key)
	return "", false, nil
}

func (b *Bridge) loginStored(ctx context.Context, engineURL string, ident Identity) (string, error) {
	cookie, err := b.Client(engineURL).Login(ctx, ident.Email, ident.Password)
	switch {
	case err == nil:
		b.storeSession(sessionKey(engineURL, ident.WorkspaceID), cookie)
		return cookie, nil
	case n8n.IsUnreachable(err):
		return "", fmt.Errorf("%w: workspace login: %v", ErrUpstreamUnreachable, err)
	case errors.Is(err, n8n.ErrInvalidCredentials):
		return "", fmt.Errorf("%w: stored engine credentials for workspace %s were rejected: %w", ErrUnprovisioned, ident.WorkspaceID, err)
	default:
		return "", fmt.Errorf("%w: workspace login: %v", ErrUpstreamRejected, err)
	}
}

// EnsureWorkspaceUser returns a session for the workspace's engine identity,
// provisioning the identity through the owner account when none is stored.
// At most one attempt per workspace and engine runs at a time; concurrent
// callers share its result.
func (b *Bridge) EnsureWorkspaceUser(ctx context.Context, engineURL, workspaceID string, hint Hint) (string, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return "", fmt.Errorf("%w: workspace id is required", ErrUnprovisioned)
	}
	engineURL = normalizeURL(engineURL)
	key := sessionKey(engineURL, workspaceID)
	v, err, _ := b.provisionFlight.Do(key, func() (any, error) {
		return b.ensureWorkspaceUser(context.WithoutCancel(ctx), engineURL, workspaceID, hint)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Bridge) ensureWorkspaceUser(ctx context.Context, engineURL, workspaceID string, hint Hint) (string, error) {
	var previousEmail string
	ident, err := b.store.Load(workspaceID)
	switch {
	case err == nil:
		cookie, err := b.loginStored(ctx, engineURL, ident)
		if err == nil {
			return cookie, nil
		}
		if !errors.Is(err, n8n.ErrInvalidCredentials) {
			return "", err
		}
		if !b.cfg.ReprovisionOnInvalidCredentials {
			rlog.Warn("stored engine credentials rejected; workspace identity needs an operator reset",
				"workspace", workspaceID, "email", ident.Email)
			return "", err
		}
		rlog.Warn("stored engine credentials rejected; re-provisioning", "workspace", workspaceID, "email", ident.Email)
		previousEmail = ident.Email
	case errors.Is(err, ErrIdentityNotFound):
	default:
		return "", fmt.Errorf("load engine identity: %w", err)
	}

	cookie, err := b.provision(ctx, engineURL, workspaceID, hint, previousEmail)
	if b.cfg.OnProvision != nil {
		b.cfg.OnProvision(workspaceID, err)
	}
	if err != nil {
		rlog.Warn("engine identity provisioning failed", "workspace", workspaceID, "engine", engineURL, "err", err)
		if errors.Is(err, ErrUpstreamUnreachable) || errors.Is(err, ErrUnprovisioned) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrUnprovisioned, err)
	}
	return cookie, nil
}

func (b *Bridge) provision(ctx context.Context, engineURL, workspaceID string, hint Hint, previousEmail string) (string, error) {
	ownerCookie, ownerID, err := b.ownerIdentity(ctx, engineURL)
	if err != nil {
		return "", err
	}
	client := b.Client(engineURL)

	password, err := generatePassword()
	if err != nil {
		return "", err
	}
	candidates, err := b.candidateEmails(workspaceID, hint.Email, previousEmail)
	if err != nil {
		return "", err
	}

	var (
		email     string
		inviteeID string
		lastErr   error
	)
	for _, candidate := range candidates {
		id, err := client.Invite(ctx, ownerCookie, candidate)
		if err == nil {
			email, inviteeID = candidate, id
			break
		}
		if n8n.IsUnreachable(err) {
			return "", fmt.Errorf("%w: invite: %v", ErrUpstreamUnreachable, err)
		}
		lastErr = err
		if !errors.Is(err, n8n.ErrInviteRejected) && !isCollisionStatus(n8n.StatusCode(err)) {
			return "", fmt.Errorf("invite %s: %w", candidate, err)
		}
		rlog.Debug("engine invitation candidate rejected", "workspace", workspaceID, "candidate", candidate, "err", err)
	}
	if inviteeID == "" {
		return "", fmt.Errorf("no invitation candidate accepted: %w", lastErr)
	}

	first, last := identityName(workspaceID, hint.Name)
	cookie, err := client.AcceptInvitation(ctx, inviteeID, n8n.AcceptInvitation{
		InviterID: ownerID,
		FirstName: first,
		LastName:  last,
		Password:  password,
	})
	if err != nil {
		if n8n.IsUnreachable(err) {
			return "", fmt.Errorf("%w: accept invitation: %v", ErrUpstreamUnreachable, err)
		}
		return "", fmt.Errorf("accept invitation: %w", err)
	}
	if cookie == "" {
		if cookie, err = client.Login(ctx, email, password); err != nil {
			return "", fmt.Errorf("login after accepting invitation: %w", err)
		}
	}

	if err := b.store.Save(Identity{
		WorkspaceID:  workspaceID,
		Email:        email,
		Password:     password,
		EngineUserID: inviteeID,
		EngineURL:    engineURL,
		CreatedAt:    b.now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("persist engine identity: %w", err)
	}
	b.storeSession(sessionKey(engineURL, workspaceID), cookie)
	rlog.Info("engine identity provisioned", "workspace", workspaceID, "engine", engineURL, "email", email)
	return cookie, nil
}

func isCollisionStatus(status int) bool {
	return status == http.StatusBadRequest || status == http.StatusConflict
}

// candidateEmails orders the addresses tried for a new identity: hint,
// previously used address, deterministic fallback, randomized fallback.
func (b *Bridge) candidateEmails(workspaceID, hintEmail, previousEmail string) ([]string, error) {
	base := tenanttags.TagName(workspaceID)
	domain := strings.TrimPrefix(strings.TrimSpace(b.cfg.EmailDomain), "@")
	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		return nil, err
	}
	raw := []string{
		hintEmail,
		previousEmail,
		base + "@" + domain,
		base + "-" + hex.EncodeToString(suffix) + "@" + domain,
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(raw))
	for _, email := range raw {
		email = strings.ToLower(strings.TrimSpace(email))
		if !strings.Contains(email, "@") || seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, email)
	}
	return out, nil
}

// generatePassword returns 24 random bytes, base64url-encoded, plus a suffix
// that satisfies the engine's complexity rules.
func generatePassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf) + "Aa1!", nil
}

func identityName(workspaceID, hintName string) (string, string) {
	short := workspaceID
	if len(short) > 8 {
		short = short[:8]
	}
	fields := strings.Fields(hintName)
	switch len(fields) {
	case 0:
		return "Workspace", short
	case 1:
		return fields[0], "Workspace"
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

// ResetWorkspace forgets the workspace's stored identity and cached sessions
// so the next request provisions a new engine account. Cached sessions are
// also logged out on their engine; logout failures are only logged.
func (b *Bridge) ResetWorkspace(ctx context.Context, workspaceID string) error {
	if err := b.store.Delete(workspaceID); err != nil {
		return err
	}
	for engineURL, cookie := range b.invalidateWorkspace(workspaceID) {
		if err := b.Client(engineURL).Logout(ctx, cookie); err != nil {
			rlog.Warn("engine logout failed", "workspace", workspaceID, "engine", engineURL, "error", err)
		}
	}
	rlog.Info("engine identity reset", "workspace", workspaceID)
	return nil
}
