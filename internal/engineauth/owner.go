package engineauth

import (
	"context"
	"fmt"
	"strings"

	"encore.dev/rlog"

	"github.com/flowgate/flowgate/integrations/n8n"
)

func (b *Bridge) cachedOwner(engineURL string) (string, bool) {
	b.ownerMu.Lock()
	defer b.ownerMu.Unlock()
	e, ok := b.owners[engineURL]
	if !ok || !b.now().Before(e.expires) {
		return "", false
	}
	return e.cookie, true
}

// InvalidateOwner forgets the cached owner session for engineURL.
func (b *Bridge) InvalidateOwner(engineURL string) {
	b.ownerMu.Lock()
	defer b.ownerMu.Unlock()
	delete(b.owners, normalizeURL(engineURL))
}

// OwnerCookie returns a session for the engine's owner account, bootstrapping
// the owner on a fresh engine. Concurrent refreshes share one attempt.
func (b *Bridge) OwnerCookie(ctx context.Context, engineURL string) (string, error) {
	engineURL = normalizeURL(engineURL)
	if cookie, ok := b.cachedOwner(engineURL); ok {
		return cookie, nil
	}
	v, err, _ := b.ownerFlight.Do(engineURL, func() (any, error) {
		if cookie, ok := b.cachedOwner(engineURL); ok {
			return cookie, nil
		}
		return b.refreshOwner(context.WithoutCancel(ctx), engineURL)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Bridge) refreshOwner(ctx context.Context, engineURL string) (string, error) {
	email := strings.TrimSpace(b.cfg.OwnerEmail)
	if email == "" || b.cfg.OwnerPassword == "" {
		return "", fmt.Errorf("%w: engine owner credentials are not configured", ErrUnprovisioned)
	}
	client := b.Client(engineURL)

	cookie, err := client.Login(ctx, email, b.cfg.OwnerPassword)
	if err == nil {
		b.storeOwner(engineURL, cookie)
		return cookie, nil
	}
	if n8n.IsUnreachable(err) {
		return "", fmt.Errorf("%w: owner login: %v", ErrUpstreamUnreachable, err)
	}

	b.ownerMu.Lock()
	attempted := b.setupAttempted[engineURL]
	b.ownerMu.Unlock()
	if attempted {
		return "", fmt.Errorf("%w: owner login: %v", ErrUpstreamRejected, err)
	}

	rlog.Info("engine owner login failed; attempting owner setup", "engine", engineURL, "err", err)
	setupErr := client.SetupOwner(ctx, n8n.OwnerSetup{
		Email:     email,
		FirstName: b.cfg.OwnerFirstName,
		LastName:  b.cfg.OwnerLastName,
		Password:  b.cfg.OwnerPassword,
	})
	if n8n.IsUnreachable(setupErr) {
		// Engine still starting; a later request retries setup.
		return "", fmt.Errorf("%w: owner setup: %v", ErrUpstreamUnreachable, setupErr)
	}
	b.ownerMu.Lock()
	b.setupAttempted[engineURL] = true
	b.ownerMu.Unlock()
	if setupErr != nil {
		rlog.Warn("engine owner setup rejected", "engine", engineURL, "err", setupErr)
	} else {
		rlog.Info("engine owner setup completed", "engine", engineURL)
	}

	cookie, err = client.Login(ctx, email, b.cfg.OwnerPassword)
	if err != nil {
		if n8n.IsUnreachable(err) {
			return "", fmt.Errorf("%w: owner login: %v", ErrUpstreamUnreachable, err)
		}
		return "", fmt.Errorf("%w: owner login after setup: %v", ErrUpstreamRejected, err)
	}
	b.storeOwner(engineURL, cookie)
	return cookie, nil
}

func (b *Bridge) storeOwner(engineURL, cookie string) {
	b.ownerMu.Lock()
	defer b.ownerMu.Unlock()
	b.owners[engineURL] = cacheEntry{cookie: cookie, expires: b.now().Add(b.cfg.OwnerSessionTTL), confirmed: b.now()}
}

// ownerIdentity returns a live owner cookie and the owner's engine user id.
// A cached cookie the engine no longer accepts is refreshed once.
func (b *Bridge) ownerIdentity(ctx context.Context, engineURL string) (string, string, error) {
	client := b.Client(engineURL)
	for attempt := 0; attempt < 2; attempt++ {
		cookie, err := b.OwnerCookie(ctx, engineURL)
		if err != nil {
			return "", "", err
		}
		me, err := client.Me(ctx, cookie)
		if err == nil {
			return cookie, me.ID.String(), nil
		}
		if n8n.IsUnreachable(err) {
			return "", "", fmt.Errorf("%w: owner whoami: %v", ErrUpstreamUnreachable, err)
		}
		b.InvalidateOwner(engineURL)
		if attempt == 1 {
			return "", "", fmt.Errorf("%w: owner whoami: %v", ErrUpstreamRejected, err)
		}
	}
	return "", "", ErrUpstreamRejected
}
