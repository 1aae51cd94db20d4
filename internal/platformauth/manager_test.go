package platformauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "platform", "users.json")
	store, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	m := NewManager(cfg, store)
	t.Cleanup(m.Close)
	return m, path
}

func cookieHeader(name, token string) string {
	return name + "=" + token
}

func TestSignup_FirstUserIsOwner(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	first, _, err := m.Signup(ctx, SignupInput{Name: "Ada", Email: "Ada@Example.com", Password: "password-1"})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	second, _, err := m.Signup(ctx, SignupInput{Email: "bob@example.com", Password: "password-2"})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if first.Role != RoleOwner || second.Role != RoleMember {
		t.Fatalf("unexpected roles: got %q/%q want owner/member", first.Role, second.Role)
	}
	if first.Email != "ada@example.com" {
		t.Fatalf("unexpected email: got %q want %q", first.Email, "ada@example.com")
	}
	if first.WorkspaceID == "" || first.WorkspaceID == second.WorkspaceID {
		t.Fatalf("each user needs its own workspace: %q %q", first.WorkspaceID, second.WorkspaceID)
	}
	if second.Name != "bob" {
		t.Fatalf("unexpected default name: got %q want %q", second.Name, "bob")
	}
	if _, _, err := m.Signup(ctx, SignupInput{Email: "ADA@example.com", Password: "password-3"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if _, _, err := m.Signup(ctx, SignupInput{Email: "c@example.com", Password: "short"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short password, got %v", err)
	}
}

func TestLoginAndResolve(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()
	if _, _, err := m.Signup(ctx, SignupInput{Email: "ada@example.com", Password: "password-1"}); err != nil {
		t.Fatalf("Signup: %v", err)
	}

	if _, _, err := m.Login(ctx, "ada@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := m.Login(ctx, "nobody@example.com", "password-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}

	p, token, err := m.Login(ctx, "ada@example.com", "password-1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	got, err := m.ResolveHeaders(ctx, cookieHeader(m.CookieName(), token)+"; other=1", "")
	if err != nil {
		t.Fatalf("ResolveHeaders: %v", err)
	}
	if got.UserID != p.UserID || got.WorkspaceID != p.WorkspaceID {
		t.Fatalf("unexpected principal: %+v", got)
	}

	if err := m.Logout(ctx, token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := m.ResolveToken(ctx, token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated after logout, got %v", err)
	}
}

func TestResolve_SlidingExpiry(t *testing.T) {
	m, _ := newTestManager(t, Config{SessionTTL: time.Hour, TouchInterval: time.Minute})
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, token, err := m.Signup(ctx, SignupInput{Email: "ada@example.com", Password: "password-1"})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	// Each use inside the TTL pushes expiry forward, so the session outlives
	// its original hour.
	for i := 0; i < 3; i++ {
		now = now.Add(50 * time.Minute)
		if _, err := m.ResolveToken(ctx, token); err != nil {
			t.Fatalf("ResolveToken after %d slides: %v", i+1, err)
		}
	}
	sess, err := m.store.GetSessionByHash(ctx, hashToken(token))
	if err != nil {
		t.Fatalf("GetSessionByHash: %v", err)
	}
	if want := now.Add(time.Hour); !sess.ExpiresAt.Equal(want) {
		t.Fatalf("unexpected expiry: got %s want %s", sess.ExpiresAt, want)
	}

	now = now.Add(2 * time.Hour)
	if _, err := m.ResolveToken(ctx, token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected expired session to be rejected, got %v", err)
	}
	removed, err := m.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("unexpected pruned count: got %d want 1", removed)
	}
}

func TestResolve_AutomationBearer(t *testing.T) {
	m, _ := newTestManager(t, Config{AutomationSecret: "automation-secret-value-0123456789"})
	ctx := context.Background()
	owner, _, err := m.Signup(ctx, SignupInput{Email: "owner@example.com", Password: "password-1"})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	member, _, err := m.Signup(ctx, SignupInput{Email: "member@example.com", Password: "password-2"})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if err := m.SetRole(ctx, member.UserID, RoleAdmin); err != nil {
		t.Fatalf("SetRole: %v", err)
	}

	p, err := m.ResolveHeaders(ctx, "", "Bearer automation-secret-value-0123456789")
	if err != nil {
		t.Fatalf("ResolveHeaders: %v", err)
	}
	if p.UserID != owner.UserID || !p.Automation {
		t.Fatalf("bearer should resolve to the top-privilege user: %+v", p)
	}
	if _, err := m.ResolveHeaders(ctx, "", "Bearer automation-secret-value-012345678X"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for wrong secret, got %v", err)
	}
	if _, err := m.ResolveHeaders(ctx, cookieHeader(m.CookieName(), "garbage"), ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for unknown cookie, got %v", err)
	}
}

func TestResolve_AutomationDisabledWithoutSecret(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()
	if _, _, err := m.Signup(ctx, SignupInput{Email: "owner@example.com", Password: "password-1"}); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if _, err := m.ResolveHeaders(ctx, "", "Bearer "); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestSignup_ConcurrentWritesAreSerialized(t *testing.T) {
	m, path := newTestManager(t, Config{})
	ctx := context.Background()

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := m.Signup(ctx, SignupInput{Email: fmt.Sprintf("user%d@example.com", i), Password: "password-1"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Signup: %v", err)
		}
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	users, err := reopened.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != n {
		t.Fatalf("lost update: got %d users want %d", len(users), n)
	}
	owners := 0
	for _, u := range users {
		if u.Role == RoleOwner {
			owners++
		}
	}
	if owners != 1 {
		t.Fatalf("unexpected owner count: got %d want 1", owners)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("unexpected users file mode: got %o want 600", perm)
	}
}

func TestSessionCookie(t *testing.T) {
	m, _ := newTestManager(t, Config{CookieDomain: "flowgate.example.com"})

	plain := httptest.NewRequest(http.MethodPost, "http://flowgate.example.com/api/auth/login", nil)
	c := m.SessionCookie(plain, "tok")
	if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode || c.Secure {
		t.Fatalf("unexpected cookie attributes over http: %+v", c)
	}
	if c.Domain != "flowgate.example.com" {
		t.Fatalf("unexpected cookie domain: got %q", c.Domain)
	}

	proxied := httptest.NewRequest(http.MethodPost, "http://flowgate.example.com/api/auth/login", nil)
	proxied.Header.Set("X-Forwarded-Proto", "https")
	if !m.SessionCookie(proxied, "tok").Secure {
		t.Fatalf("expected Secure cookie behind TLS-terminating proxy")
	}
	if m.ClearCookie().MaxAge != -1 {
		t.Fatalf("clear cookie must expire immediately")
	}
}

func TestLogin_PersistsOnlyTokenDigest(t *testing.T) {
	m, path := newTestManager(t, Config{})
	ctx := context.Background()
	if _, _, err := m.Signup(ctx, SignupInput{Email: "ada@example.com", Password: "password-1"}); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	_, token, err := m.Login(ctx, "ada@example.com", "password-1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(raw), token) {
		t.Fatalf("raw session token must never reach the store")
	}
	if !strings.Contains(string(raw), hashToken(token)) {
		t.Fatalf("session must be stored under the token digest")
	}
}
