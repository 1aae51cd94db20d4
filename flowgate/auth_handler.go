package flowgate

import (
	"context"
	"errors"

	"encore.dev/beta/auth"
	"encore.dev/beta/errs"
	"encore.dev/rlog"

	"github.com/flowgate/flowgate/internal/platformauth"
)

// AuthParams defines the parameters for authentication.
type AuthParams struct {
	Cookie        string `header:"Cookie"`
	Authorization string `header:"Authorization"`
}

// AuthUser is the authenticated principal stored in auth.Data().
type AuthUser struct {
	UserID      string `json:"userId"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	WorkspaceID string `json:"workspaceId"`
	Automation  bool   `json:"automation,omitempty"`
	IsAdmin     bool   `json:"isAdmin"`
}

func authUserFor(p *platformauth.Principal) *AuthUser {
	return &AuthUser{
		UserID:      p.UserID,
		Name:        p.Name,
		Email:       p.Email,
		Role:        string(p.Role),
		WorkspaceID: p.WorkspaceID,
		Automation:  p.Automation,
		IsAdmin:     p.Elevated(),
	}
}

// Principal converts back to the platform identity used by internal packages.
func (u *AuthUser) Principal() *platformauth.Principal {
	return &platformauth.Principal{
		UserID:      u.UserID,
		Name:        u.Name,
		Email:       u.Email,
		Role:        platformauth.Role(u.Role),
		WorkspaceID: u.WorkspaceID,
		Automation:  u.Automation,
	}
}

// AuthHandler authenticates requests with the platform session cookie or the
// automation bearer secret.
//
//encore:authhandler
func (s *Service) AuthHandler(ctx context.Context, p *AuthParams) (auth.UID, *AuthUser, error) {
	principal, err := s.auth.ResolveHeaders(ctx, p.Cookie, p.Authorization)
	if err != nil {
		if !errors.Is(err, platformauth.ErrUnauthenticated) {
			rlog.Error("auth handler session lookup failed", "error", err)
			return "", nil, errs.B().Code(errs.Unavailable).Msg("session store unavailable").Err()
		}
		return "", nil, &errs.Error{
			Code:    errs.Unauthenticated,
			Message: "invalid session",
		}
	}
	return auth.UID(principal.UserID), authUserFor(principal), nil
}

func requireAuthUser() (*AuthUser, error) {
	data := auth.Data()
	if data == nil {
		return nil, errs.B().Code(errs.Unauthenticated).Msg("authentication required").Err()
	}
	user, ok := data.(*AuthUser)
	if !ok || user == nil {
		return nil, errs.B().Code(errs.Internal).Msg("invalid auth data").Err()
	}
	return user, nil
}
