package platformauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"encore.dev/rlog"
	"github.com/google/uuid"
)

type Config struct {
	CookieName       string
	CookieDomain     string
	CookieSecureMode string
	SessionTTL       time.Duration
	// TouchInterval throttles sliding-expiry writes per session.
	TouchInterval    time.Duration
	AutomationSecret string
}

// Principal is a resolved platform identity.
type Principal struct {
	UserID      string `json:"userId"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Role        Role   `json:"role"`
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"-"`
	// Automation is set when the shared automation secret was presented.
	Automation bool `json:"automation,omitempty"`
}

func (p *Principal) Elevated() bool {
	return p != nil && p.Role.Elevated()
}

func principalFor(u User, sessionID string) *Principal {
	return &Principal{
		UserID:      u.ID,
		Name:        u.Name,
		Email:       u.Email,
		Role:        u.Role,
		WorkspaceID: u.WorkspaceID,
		SessionID:   sessionID,
	}
}

// Manager owns platform signup, login and session resolution. Every
// read-modify-write on the store runs on one FIFO queue.
type Manager struct {
	cfg   Config
	store Store
	queue *Queue
	now   func() time.Time
}

func NewManager(cfg Config, store Store) *Manager {
	if strings.TrimSpace(cfg.CookieName) == "" {
		cfg.CookieName = "flowgate_session"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * 24 * time.Hour
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = time.Minute
	}
	return &Manager{cfg: cfg, store: store, queue: NewQueue(), now: time.Now}
}

func (m *Manager) Close() {
	m.queue.Close()
	_ = m.store.Close()
}

func (m *Manager) CookieName() string { return m.cfg.CookieName }

type SignupInput struct {
	Name     string
	Email    string
	Password string
}

// Signup creates a user in a fresh workspace and opens a session. The first
// user on an empty store becomes the owner.
func (m *Manager) Signup(ctx context.Context, in SignupInput) (*Principal, string, error) {
	email := normalizeEmail(in.Email)
	if !strings.Contains(email, "@") || len(email) < 3 {
		return nil, "", fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = email[:strings.Index(email, "@")]
	}
	hash, salt, err := HashPassword(in.Password)
	if err != nil {
		return nil, "", err
	}

	var (
		principal *Principal
		token     string
	)
	err = m.queue.Do(ctx, func(ctx context.Context) error {
		if _, err := m.store.GetUserByEmail(ctx, email); err == nil {
			return ErrEmailTaken
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		existing, err := m.store.ListUsers(ctx)
		if err != nil {
			return err
		}
		role := RoleMember
		if len(existing) == 0 {
			role = RoleOwner
		}
		now := m.now().UTC()
		u := User{
			ID:           uuid.NewString(),
			Name:         name,
			Email:        email,
			PasswordHash: hash,
			PasswordSalt: salt,
			Role:         role,
			WorkspaceID:  uuid.NewString(),
			CreatedAt:    now,
			UpdatedAt:    now,
			LastLoginAt:  &now,
		}
		if err := m.store.CreateUser(ctx, u); err != nil {
			return err
		}
		sess, tok, err := m.createSessionLocked(ctx, u.ID, now)
		if err != nil {
			return err
		}
		principal, token = principalFor(u, sess.ID), tok
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	rlog.Info("platform user created", "user", principal.UserID, "workspace", principal.WorkspaceID, "role", principal.Role)
	return principal, token, nil
}

// dummyHash equalizes login timing for unknown emails.
var dummyHash, dummySalt, _ = HashPassword("flowgate-timing-equalizer")

func (m *Manager) Login(ctx context.Context, email, password string) (*Principal, string, error) {
	u, err := m.store.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		VerifyPassword(password, dummyHash, dummySalt)
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if !VerifyPassword(password, u.PasswordHash, u.PasswordSalt) {
		return nil, "", ErrInvalidCredentials
	}

	var (
		principal *Principal
		token     string
	)
	err = m.queue.Do(ctx, func(ctx context.Context) error {
		current, err := m.store.GetUser(ctx, u.ID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		current.LastLoginAt = &now
		current.UpdatedAt = now
		if err := m.store.UpdateUser(ctx, current); err != nil {
			return err
		}
		sess, tok, err := m.createSessionLocked(ctx, current.ID, now)
		if err != nil {
			return err
		}
		principal, token = principalFor(current, sess.ID), tok
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return principal, token, nil
}

// createSessionLocked must run on the queue.
func (m *Manager) createSessionLocked(ctx context.Context, userID string, now time.Time) (Session, string, error) {
	token, hash, err := newSessionToken()
	if err != nil {
		return Session{}, "", err
	}
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: hash,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.cfg.SessionTTL),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return Session{}, "", err
	}
	return sess, token, nil
}

func (m *Manager) Logout(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return m.queue.Do(ctx, func(ctx context.Context) error {
		sess, err := m.store.GetSessionByHash(ctx, hashToken(token))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return m.store.DeleteSession(ctx, sess.ID)
	})
}

// Prune removes expired sessions in one serialized cycle.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	var removed int
	err := m.queue.Do(ctx, func(ctx context.Context) error {
		n, err := m.store.DeleteExpiredSessions(ctx, m.now().UTC())
		removed = n
		return err
	})
	return removed, err
}

func (m *Manager) Users(ctx context.Context) ([]User, error) {
	return m.store.ListUsers(ctx)
}

// SetRole changes a user's role.
func (m *Manager) SetRole(ctx context.Context, userID string, role Role) error {
	if role.Rank() == 0 {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	return m.queue.Do(ctx, func(ctx context.Context) error {
		u, err := m.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		u.Role = role
		u.UpdatedAt = m.now().UTC()
		return m.store.UpdateUser(ctx, u)
	})
}

// Resolve maps a request to a principal using the session cookie or, when
// that is absent or invalid, the automation bearer token.
func (m *Manager) Resolve(ctx context.Context, r *http.Request) (*Principal, error) {
	return m.ResolveHeaders(ctx, r.Header.Get("Cookie"), r.Header.Get("Authorization"))
}

func (m *Manager) ResolveHeaders(ctx context.Context, cookieHeader, authorization string) (*Principal, error) {
	if token := m.tokenFromCookieHeader(cookieHeader); token != "" {
		p, err := m.ResolveToken(ctx, token)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrUnauthenticated) {
			return nil, err
		}
	}
	if bearer := bearerToken(authorization); bearer != "" {
		return m.resolveAutomation(ctx, bearer)
	}
	return nil, ErrUnauthenticated
}

func (m *Manager) tokenFromCookieHeader(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	req := &http.Request{Header: http.Header{"Cookie": []string{raw}}}
	c, err := req.Cookie(m.cfg.CookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

// TokenFromRequest returns the raw platform session token, if any.
func (m *Manager) TokenFromRequest(r *http.Request) string {
	return m.tokenFromCookieHeader(r.Header.Get("Cookie"))
}

func bearerToken(authorization string) string {
	authorization = strings.TrimSpace(authorization)
	if len(authorization) < 7 || !strings.EqualFold(authorization[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authorization[7:])
}

// ResolveToken validates a session token and slides its expiry forward.
func (m *Manager) ResolveToken(ctx context.Context, token string) (*Principal, error) {
	hash := hashToken(token)
	sess, err := m.store.GetSessionByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if !sess.ExpiresAt.After(now) {
		return nil, ErrUnauthenticated
	}
	u, err := m.store.GetUser(ctx, sess.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	if now.Sub(sess.UpdatedAt) >= m.cfg.TouchInterval {
		if err := m.touch(ctx, hash); err != nil {
			rlog.Warn("session touch failed", "session", sess.ID, "err", err)
		}
	}
	return principalFor(u, sess.ID), nil
}

func (m *Manager) touch(ctx context.Context, hash string) error {
	return m.queue.Do(ctx, func(ctx context.Context) error {
		current, err := m.store.GetSessionByHash(ctx, hash)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		if now.Sub(current.UpdatedAt) < m.cfg.TouchInterval {
			return nil
		}
		current.UpdatedAt = now
		current.ExpiresAt = now.Add(m.cfg.SessionTTL)
		return m.store.UpdateSession(ctx, current)
	})
}

func (m *Manager) resolveAutomation(ctx context.Context, bearer string) (*Principal, error) {
	secret := strings.TrimSpace(m.cfg.AutomationSecret)
	if secret == "" {
		return nil, ErrUnauthenticated
	}
	got := sha256.Sum256([]byte(bearer))
	want := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return nil, ErrUnauthenticated
	}
	users, err := m.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrUnauthenticated
	}
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].Role.Rank() != users[j].Role.Rank() {
			return users[i].Role.Rank() > users[j].Role.Rank()
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	p := principalFor(users[0], "")
	p.Automation = true
	return p, nil
}

func (m *Manager) cookieSecure(r *http.Request) bool {
	switch m.cfg.CookieSecureMode {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("X-Forwarded-Proto")), "https")
}

// SessionCookie builds the platform cookie for a freshly issued token.
func (m *Manager) SessionCookie(r *http.Request, token string) *http.Cookie {
	expires := m.now().Add(m.cfg.SessionTTL)
	cookie := &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.cookieSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
		MaxAge:   int(m.cfg.SessionTTL.Seconds()),
	}
	if m.cfg.CookieDomain != "" {
		cookie.Domain = m.cfg.CookieDomain
	}
	return cookie
}

func (m *Manager) ClearCookie() *http.Cookie {
	cookie := &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if m.cfg.CookieDomain != "" {
		cookie.Domain = m.cfg.CookieDomain
	}
	return cookie
}
