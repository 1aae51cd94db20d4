package engineauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flowgate/flowgate/integrations/n8n"
	"github.com/flowgate/flowgate/integrations/n8n/n8ntest"
	"github.com/flowgate/flowgate/internal/platformauth"
	"github.com/flowgate/flowgate/internal/secretbox"
	"github.com/flowgate/flowgate/internal/tenanttags"
)

const (
	testOwnerEmail    = "owner@flowgate.test"
	testOwnerPassword = "Owner-Password1"
	testDomain        = "tenants.flowgate.test"
)

func newTestBridge(t *testing.T, opts n8ntest.Options, cfg Config) (*Bridge, *n8ntest.Server, string) {
	t.Helper()
	engine := n8ntest.New(opts)
	t.Cleanup(engine.Close)
	dataDir := t.TempDir()
	if cfg.OwnerEmail == "" {
		cfg.OwnerEmail = testOwnerEmail
	}
	if cfg.OwnerPassword == "" {
		cfg.OwnerPassword = testOwnerPassword
	}
	cfg.EmailDomain = testDomain
	return New(cfg, NewIdentityStore(dataDir, secretbox.New("test-session-secret"))), engine, dataDir
}

func reopen(b *Bridge, cfg Config) *Bridge {
	cfg.EmailDomain = testDomain
	if cfg.OwnerEmail == "" {
		cfg.OwnerEmail = testOwnerEmail
	}
	if cfg.OwnerPassword == "" {
		cfg.OwnerPassword = testOwnerPassword
	}
	return New(cfg, b.Store())
}

func TestOwnerCookie_BootstrapsOnce(t *testing.T) {
	b, engine, _ := newTestBridge(t, n8ntest.Options{}, Config{})
	ctx := context.Background()

	cookie, err := b.OwnerCookie(ctx, engine.URL)
	if err != nil {
		t.Fatalf("OwnerCookie: %v", err)
	}
	if !strings.HasPrefix(cookie, n8n.AuthCookieName+"=") || !engine.HasOwner() {
		t.Fatalf("expected owner bootstrap, cookie=%q", cookie)
	}
	if got := engine.Count("setup"); got != 1 {
		t.Fatalf("unexpected setup count: got %d want 1", got)
	}

	again, err := b.OwnerCookie(ctx, engine.URL+"/")
	if err != nil {
		t.Fatalf("OwnerCookie cached: %v", err)
	}
	if again != cookie || engine.Count("login") != 2 {
		t.Fatalf("expected cached owner cookie; logins=%d", engine.Count("login"))
	}

	// Once the engine has answered setup it is never retried for this URL.
	b.InvalidateOwner(engine.URL)
	engine.SetPassword(testOwnerEmail, "Rotated-Password1")
	if _, err := b.OwnerCookie(ctx, engine.URL); !errors.Is(err, ErrUpstreamRejected) {
		t.Fatalf("expected ErrUpstreamRejected, got %v", err)
	}
	if got := engine.Count("setup"); got != 1 {
		t.Fatalf("setup must not be retried: got %d", got)
	}
}

func TestOwnerCookie_UnreachableLeavesSetupRetryable(t *testing.T) {
	dead := httptest.NewServer(nil)
	deadURL := dead.URL
	dead.Close()

	b, _, _ := newTestBridge(t, n8ntest.Options{}, Config{Timeout: 2 * time.Second})
	if _, err := b.OwnerCookie(context.Background(), deadURL); !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("expected ErrUpstreamUnreachable, got %v", err)
	}
	b.ownerMu.Lock()
	attempted := b.setupAttempted[deadURL]
	b.ownerMu.Unlock()
	if attempted {
		t.Fatalf("unreachable engine must leave setup retryable")
	}
}

func TestOwnerCookie_RequiresCredentials(t *testing.T) {
	engine := n8ntest.New(n8ntest.Options{})
	defer engine.Close()
	b := New(Config{}, NewIdentityStore(t.TempDir(), secretbox.New("s")))
	if _, err := b.OwnerCookie(context.Background(), engine.URL); !errors.Is(err, ErrUnprovisioned) {
		t.Fatalf("expected ErrUnprovisioned, got %v", err)
	}
	if engine.Count("login") != 0 {
		t.Fatalf("no engine call expected without owner credentials")
	}
}

func TestEnsureWorkspaceUser_ProvisionsAndPersists(t *testing.T) {
	b, engine, dataDir := newTestBridge(t, n8ntest.Options{}, Config{})
	ctx := context.Background()

	cookie, err := b.EnsureWorkspaceUser(ctx, engine.URL, "ws-1", Hint{Email: "ada@example.com", Name: "Ada Lovelace"})
	if err != nil {
		t.Fatalf("EnsureWorkspaceUser: %v", err)
	}
	me, err := b.Client(engine.URL).Me(ctx, cookie)
	if err != nil {
		t.Fatalf("fresh cookie must pass its own probe: %v", err)
	}
	if me.Email != "ada@example.com" || me.FirstName != "Ada" || me.LastName != "Lovelace" {
		t.Fatalf("unexpected engine user: %+v", me)
	}

	path := filepath.Join(dataDir, "workspaces", "ws-1", "engine-identity.json")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat identity: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("unexpected identity file mode: %o", perm)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	ident, err := b.Store().Load("ws-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if strings.Contains(string(raw), ident.Password) || !strings.Contains(string(raw), `"enc:`) {
		t.Fatalf("engine password must be sealed at rest")
	}
	if !strings.HasSuffix(ident.Password, "Aa1!") || len(ident.Password) < 32 {
		t.Fatalf("generated password does not meet complexity rules")
	}

	// A restarted bridge reuses the stored identity.
	restarted := reopen(b, Config{})
	if _, err := restarted.EnsureWorkspaceUser(ctx, engine.URL, "ws-1", Hint{}); err != nil {
		t.Fatalf("EnsureWorkspaceUser after restart: %v", err)
	}
	if got := engine.Count("invite"); got != 1 {
		t.Fatalf("identity must be created once: invite count %d", got)
	}
}

func TestEnsureWorkspaceUser_ConcurrentCallersShareOneAttempt(t *testing.T) {
	b, engine, _ := newTestBridge(t, n8ntest.Options{}, Config{})
	ctx := context.Background()

	const n = 12
	var wg sync.WaitGroup
	cookies := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cookies[i], errs[i] = b.WorkspaceCookie(ctx, engine.URL, "ws-1", Hint{})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := engine.Count("invite"); got != 1 {
		t.Fatalf("expected exactly one invitation, got %d", got)
	}
	if got := engine.Count("accept"); got != 1 {
		t.Fatalf("expected exactly one acceptance, got %d", got)
	}
}

func TestEnsureWorkspaceUser_CandidateFallbackAndLegacyEngine(t *testing.T) {
	opts := n8ntest.Options{
		LegacyLogin:         true,
		LegacyInvitations:   true,
		AcceptWithoutCookie: true,
		TakenEmails:         []string{"ada@example.com"},
	}
	b, engine, _ := newTestBridge(t, opts, Config{})
	engine.SeedOwner(testOwnerEmail, testOwnerPassword)
	ctx := context.Background()

	cookie, err := b.EnsureWorkspaceUser(ctx, engine.URL, "ws-1", Hint{Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("EnsureWorkspaceUser: %v", err)
	}
	ident, err := b.Store().Load("ws-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := tenanttags.TagName("ws-1") + "@" + testDomain
	if ident.Email != want {
		t.Fatalf("unexpected fallback email: got %q want %q", ident.Email, want)
	}
	if _, err := b.Client(engine.URL).Me(ctx, cookie); err != nil {
		t.Fatalf("cookie from login-after-accept must be valid: %v", err)
	}
	if engine.Count("setup") != 0 {
		t.Fatalf("seeded owner must not trigger setup")
	}
}

func TestWorkspaceCookie_RevalidatesExpiredSession(t *testing.T) {
	b, engine, _ := newTestBridge(t, n8ntest.Options{}, Config{})
	ctx := context.Background()
	probeFailures := 0
	b.cfg.OnProbeFailure = func(string) { probeFailures++ }

	first, err := b.WorkspaceCookie(ctx, engine.URL, "ws-1", Hint{})
	if err != nil {
		t.Fatalf("WorkspaceCookie: %v", err)
	}
	same, err := b.WorkspaceCookie(ctx, engine.URL, "ws-1", Hint{})
	if err != nil || same != first {
		t.Fatalf("valid cached cookie should be reused: %v", err)
	}

	// The tenant logged out of the engine directly.
	engine.Expire(first)
	second, err := b.WorkspaceCookie(ctx, engine.URL, "ws-1", Hint{})
	if err != nil {
		t.Fatalf("WorkspaceCookie after expiry: %v", err)
	}
	if second == first {
		t.Fatalf("expected a fresh cookie after the probe failed")
	}
	if probeFailures != 1 {
		t.Fatalf("unexpected probe failure count: %d", probeFailures)
	}
	if got := engine.Count("invite"); got != 1 {
		t.Fatalf("re-login must reuse stored credentials, invites=%d", got)
	}
}

// resettingTransport fails every round trip while broken is set.
type resettingTransport struct {
	broken atomic.Bool
}

func (rt *resettingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.broken.Load() {
		return nil, errors.New("read tcp: connection reset by peer")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestWorkspaceCookie_NetworkProbeFailureClearsCache(t *testing.T) {
	rt := &resettingTransport{}
	b, engine, _ := newTestBridge(t, n8ntest.Options{}, Config{Transport: rt})
	ctx := context.Background()
	probeFailures := 0
	b.cfg.OnProbeFailure = func(string) { probeFailures++ }

	first, err := b.WorkspaceCookie(ctx, engine.URL, "ws-1", Hint{})
	if err != nil {
		t.Fatalf("WorkspaceCookie: %v", err)
	}
	key := sessionKey(engine.URL, "ws-1")
	if _, ok := b.cachedSession(key); !ok {
		t.Fatalf("expected a cached session after provisioning")
	}

	rt.broken.Store(true)
	if _, err := b.WorkspaceCookie(ctx, engine.URL, "ws-1", Hint{}); !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("expected ErrUpstreamUnreachable while the engine is down, got %v", err)
	}
	if _, ok := b.cachedSession(key); ok {
		t.Fatalf("a failed probe must drop the cached session")
	}
	if probeFailures != 1 {
		t.Fatalf("unexpected probe failure count: %d", probeFailures)
	}

	rt.broken.Store(false)
	again, err := b.WorkspaceCookie(ctx, engine.URL, "ws-1", Hint{})
	if err != nil {
		t.Fatalf("WorkspaceCookie after recovery: %v", err)
	}
	if again == first {
		t.Fatalf("expected a fresh login after the cache was cleared")
	}
	if got := engine.Count("invite"); got != 1 {
		t.Fatalf("recovery must reuse stored credentials, invites=%d", got)
	}
}

func TestAuthCookie_NeverProvisions(t *testing.T) {
	b, engine, _ := newTestBridge(t, n8ntest.Options{}, Config{})
	if _, err := b.AuthCookie(context.Background(), engine.URL, "ws-9"); !errors.Is(err, ErrUnprovisioned) {
		t.Fatalf("expected ErrUnprovisioned, got %v", err)
	}
	if engine.Count("invite") != 0 {
		t.Fatalf("AuthCookie must not provision")
	}
}

func TestEnsureWorkspaceUser_RejectedCredentials(t *testing.T) {
	b, engine, _ := newTestBridge(t, n8ntest.Options{}, Config{})
	ctx := context.Background()
	if _, err := b.EnsureWorkspaceUser(ctx, engine.URL, "ws-1", Hint{}); err != nil {
		t.Fatalf("EnsureWorkspaceUser: %v", err)
	}
	ident, err := b.Store().Load("ws-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	engine.SetPassword(ident.Email, "Changed-Elsewhere1")

	strict := reopen(b, Config{})
	_, err = strict.EnsureWorkspaceUser(ctx, engine.URL, "ws-1", Hint{})
	if !errors.Is(err, ErrUnprovisioned) || !errors.Is(err, n8n.ErrInvalidCredentials) {
		t.Fatalf("expected ErrUnprovisioned wrapping invalid credentials, got %v", err)
	}
	if got := engine.Count("invite"); got != 1 {
		t.Fatalf("must not re-provision silently, invites=%d", got)
	}

	lenient := reopen(b, Config{ReprovisionOnInvalidCredentials: true})
	if _, err := lenient.EnsureWorkspaceUser(ctx, engine.URL, "ws-1", Hint{}); err != nil {
		t.Fatalf("EnsureWorkspaceUser with re-provisioning: %v", err)
	}
	replaced, err := lenient.Store().Load("ws-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if replaced.Email == ident.Email {
		t.Fatalf("re-provisioned identity must use a new address")
	}
}

func TestResetWorkspace(t *testing.T) {
	b, engine, _ := newTestBridge(t, n8ntest.Options{}, Config{})
	ctx := context.Background()
	if _, err := b.EnsureWorkspaceUser(ctx, engine.URL, "ws-1", Hint{}); err != nil {
		t.Fatalf("EnsureWorkspaceUser: %v", err)
	}
	cookie, err := b.WorkspaceCookie(ctx, engine.URL, "ws-1", Hint{})
	if err != nil {
		t.Fatalf("WorkspaceCookie: %v", err)
	}
	if err := b.ResetWorkspace(ctx, "ws-1"); err != nil {
		t.Fatalf("ResetWorkspace: %v", err)
	}
	if got := engine.Count("logout"); got != 1 {
		t.Fatalf("cached session must be logged out on the engine, logout count %d", got)
	}
	if _, err := b.Client(engine.URL).Me(ctx, cookie); err == nil {
		t.Fatalf("old workspace session must no longer be accepted by the engine")
	}
	st, err := b.State(engine.URL, "ws-1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Provisioned || st.SessionCached {
		t.Fatalf("unexpected state after reset: %+v", st)
	}
	if _, err := b.EnsureWorkspaceUser(ctx, engine.URL, "ws-1", Hint{}); err != nil {
		t.Fatalf("EnsureWorkspaceUser after reset: %v", err)
	}
	if got := len(engine.UserEmails()); got != 3 {
		t.Fatalf("expected owner plus two workspace identities, got %d", got)
	}
}

func TestBuildAuthHeaders_TierOrder(t *testing.T) {
	b, engine, _ := newTestBridge(t, n8ntest.Options{}, Config{})
	ctx := context.Background()

	if h, err := b.BuildAuthHeaders(ctx, nil, engine.URL); err != nil || !h.Empty() {
		t.Fatalf("nil principal must yield no headers: %+v %v", h, err)
	}

	// A stored identity the engine rejects disables the workspace tier.
	if err := b.Store().Save(Identity{WorkspaceID: "ws-1", Email: "ghost@example.com", Password: "Nope-Password1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	member := &platformauth.Principal{UserID: "u1", WorkspaceID: "ws-1", Role: platformauth.RoleMember}
	admin := &platformauth.Principal{UserID: "u2", WorkspaceID: "ws-1", Role: platformauth.RoleAdmin}

	h, err := b.BuildAuthHeaders(ctx, member, engine.URL)
	if !errors.Is(err, ErrUnprovisioned) || !h.Empty() {
		t.Fatalf("member without credentials must get not-configured: %+v %v", h, err)
	}

	h, err = b.BuildAuthHeaders(ctx, admin, engine.URL)
	if err != nil || h.Source != SourceOwner {
		t.Fatalf("admin should fall back to the owner session: %+v %v", h, err)
	}

	fallback := reopen(b, Config{AllowOwnerFallback: true})
	h, err = fallback.BuildAuthHeaders(ctx, member, engine.URL)
	if err != nil || h.Source != SourceOwner {
		t.Fatalf("owner fallback flag should apply to members: %+v %v", h, err)
	}

	if err := b.SetAPIKey("ws-1", "opaque-key", engine.URL+"/other"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	if h, err := b.BuildAuthHeaders(ctx, member, engine.URL); err == nil || !h.Empty() {
		t.Fatalf("key for another engine must not be used: %+v", h)
	}
	if err := b.SetAPIKey("ws-1", "opaque-key", engine.URL); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	h, err = b.BuildAuthHeaders(ctx, member, engine.URL)
	if err != nil || h.Source != SourceAPIKey || h.Header.Get(n8n.APIKeyHeader) != "opaque-key" {
		t.Fatalf("expected api key tier: %+v %v", h, err)
	}
}

func TestBuildAuthHeaders_PrefersWorkspaceIdentity(t *testing.T) {
	b, engine, _ := newTestBridge(t, n8ntest.Options{}, Config{AllowOwnerFallback: true})
	owner := &platformauth.Principal{UserID: "u1", WorkspaceID: "ws-1", Role: platformauth.RoleOwner}
	h, err := b.BuildAuthHeaders(context.Background(), owner, engine.URL)
	if err != nil {
		t.Fatalf("BuildAuthHeaders: %v", err)
	}
	if h.Source != SourceWorkspace || !strings.HasPrefix(h.Header.Get("Cookie"), "n8n-auth=") {
		t.Fatalf("workspace identity must win over owner fallback: %+v", h)
	}
}

func TestAPIKeyExpired(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sign := func(exp time.Time) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "k", "exp": exp.Unix()}).SignedString([]byte("irrelevant"))
		if err != nil {
			t.Fatalf("SignedString: %v", err)
		}
		return tok
	}
	if !apiKeyExpired(sign(now.Add(-time.Minute)), now) {
		t.Fatalf("past exp must be expired")
	}
	if apiKeyExpired(sign(now.Add(time.Hour)), now) {
		t.Fatalf("future exp must not be expired")
	}
	if apiKeyExpired("n8n_api_opaque", now) || apiKeyExpired("a.b.c", now) {
		t.Fatalf("non-JWT keys never expire")
	}
}

func TestSanitizeWorkspaceID(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"ws-1":      "ws-1",
		"a/b":       "a_b",
		"../escape": ".._escape",
	}
	for in, want := range cases {
		got, err := sanitizeWorkspaceID(in)
		if err != nil || got != want {
			t.Fatalf("sanitizeWorkspaceID(%q): got %q, %v want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "  ", "..", "."} {
		if _, err := sanitizeWorkspaceID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
