package engineauth

import (
	"strings"
	"time"
)

// cacheEntry is one cached engine session. confirmed records the last
// successful liveness probe.
type cacheEntry struct {
	cookie    string
	expires   time.Time
	confirmed time.Time
}

func sessionKey(engineURL, workspaceID string) string {
	return normalizeURL(engineURL) + "|" + strings.TrimSpace(workspaceID)
}

func (b *Bridge) cachedSession(key string) (cacheEntry, bool) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	e, ok := b.sessions[key]
	if !ok {
		return cacheEntry{}, false
	}
	if !b.now().Before(e.expires) {
		delete(b.sessions, key)
		return cacheEntry{}, false
	}
	return e, true
}

func (b *Bridge) storeSession(key, cookie string) {
	now := b.now()
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	b.sessions[key] = cacheEntry{cookie: cookie, expires: now.Add(b.cfg.SessionTTL), confirmed: now}
}

func (b *Bridge) confirmSession(key string) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	if e, ok := b.sessions[key]; ok {
		e.confirmed = b.now()
		b.sessions[key] = e
	}
}

func (b *Bridge) invalidateSession(key string) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	delete(b.sessions, key)
}

// invalidateWorkspace drops cached sessions for the workspace on every engine
// and returns the dropped cookies keyed by engine URL.
func (b *Bridge) invalidateWorkspace(workspaceID string) map[string]string {
	suffix := "|" + strings.TrimSpace(workspaceID)
	dropped := map[string]string{}
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	for key, e := range b.sessions {
		if strings.HasSuffix(key, suffix) {
			dropped[strings.TrimSuffix(key, suffix)] = e.cookie
			delete(b.sessions, key)
		}
	}
	return dropped
}
