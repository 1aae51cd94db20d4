package flowgate

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"encore.dev"
	"encore.dev/beta/errs"
	"encore.dev/rlog"

	"github.com/flowgate/flowgate/internal/platformauth"
)

type SignupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	SetCookie string                 `header:"Set-Cookie" json:"-"`
	User      platformauth.Principal `json:"user"`
}

type LogoutResponse struct {
	SetCookie string `header:"Set-Cookie" json:"-"`
	Status    string `json:"status"`
}

type SessionResponse struct {
	Authenticated bool                    `json:"authenticated"`
	User          *platformauth.Principal `json:"user,omitempty"`
}

func currentHeaders() http.Header {
	if req := encore.CurrentRequest(); req != nil && req.Headers != nil {
		return req.Headers
	}
	return http.Header{}
}

// currentHTTPRequest builds just enough of a request for cookie decisions.
func currentHTTPRequest() *http.Request {
	return &http.Request{Header: currentHeaders()}
}

func platformError(err error) error {
	switch {
	case errors.Is(err, platformauth.ErrInvalidInput):
		return errs.B().Code(errs.InvalidArgument).Msg(err.Error()).Err()
	case errors.Is(err, platformauth.ErrEmailTaken):
		return errs.B().Code(errs.AlreadyExists).Msg("email already registered").Err()
	case errors.Is(err, platformauth.ErrInvalidCredentials):
		return errs.B().Code(errs.Unauthenticated).Msg("invalid email or password").Err()
	case errors.Is(err, platformauth.ErrUnauthenticated):
		return errs.B().Code(errs.Unauthenticated).Msg("authentication required").Err()
	case errors.Is(err, platformauth.ErrNotFound):
		return errs.B().Code(errs.NotFound).Msg("not found").Err()
	}
	return err
}

//encore:api public method=POST path=/api/auth/signup
func (s *Service) Signup(ctx context.Context, req *SignupRequest) (*LoginResponse, error) {
	if req == nil {
		return nil, errs.B().Code(errs.InvalidArgument).Msg("invalid payload").Err()
	}
	if !s.cfg.SignupEnabled {
		users, err := s.auth.Users(ctx)
		if err != nil {
			return nil, err
		}
		// The first account can always be created so the platform has an owner.
		if len(users) > 0 {
			return nil, errs.B().Code(errs.PermissionDenied).Msg("signup is disabled").Err()
		}
	}
	p, token, err := s.auth.Signup(ctx, platformauth.SignupInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		return nil, platformError(err)
	}
	inc(signups)
	return &LoginResponse{
		SetCookie: s.auth.SessionCookie(currentHTTPRequest(), token).String(),
		User:      *p,
	}, nil
}

//encore:api public method=POST path=/api/auth/login
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	inc(loginAttempts)
	if req == nil || strings.TrimSpace(req.Email) == "" {
		inc(loginFailures)
		return nil, errs.B().Code(errs.InvalidArgument).Msg("invalid payload").Err()
	}
	p, token, err := s.auth.Login(ctx, req.Email, req.Password)
	if err != nil {
		inc(loginFailures)
		rlog.Info("login failed", "email", strings.ToLower(strings.TrimSpace(req.Email)), "error", err)
		return nil, platformError(err)
	}
	return &LoginResponse{
		SetCookie: s.auth.SessionCookie(currentHTTPRequest(), token).String(),
		User:      *p,
	}, nil
}

// Logout ends the platform session. Engine sessions are left alone; they are
// per workspace and shared across the workspace's browser sessions.
//
//encore:api public method=POST path=/api/auth/logout
func (s *Service) Logout(ctx context.Context) (*LogoutResponse, error) {
	if token := s.auth.TokenFromRequest(currentHTTPRequest()); token != "" {
		if err := s.auth.Logout(ctx, token); err != nil {
			rlog.Warn("logout failed", "error", err)
		}
	}
	return &LogoutResponse{
		SetCookie: s.auth.ClearCookie().String(),
		Status:    "logged out",
	}, nil
}

//encore:api public method=GET path=/api/auth/session
func (s *Service) Session(ctx context.Context) (*SessionResponse, error) {
	h := currentHeaders()
	p, err := s.auth.ResolveHeaders(ctx, h.Get("Cookie"), h.Get("Authorization"))
	if err != nil {
		if errors.Is(err, platformauth.ErrUnauthenticated) {
			return &SessionResponse{Authenticated: false}, nil
		}
		return nil, err
	}
	return &SessionResponse{Authenticated: true, User: p}, nil
}
