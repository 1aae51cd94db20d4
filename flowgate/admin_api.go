package flowgate

import (
	"context"
	"strings"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/rlog"

	"github.com/flowgate/flowgate/internal/platformauth"
)

type AdminUser struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Email       string            `json:"email"`
	Role        platformauth.Role `json:"role"`
	WorkspaceID string            `json:"workspaceId"`
	CreatedAt   time.Time         `json:"createdAt"`
	LastLoginAt *time.Time        `json:"lastLoginAt,omitempty"`
}

type AdminUsersResponse struct {
	Users []AdminUser `json:"users"`
}

//encore:api auth method=GET path=/api/admin/users tag:admin
func (s *Service) AdminListUsers(ctx context.Context) (*AdminUsersResponse, error) {
	users, err := s.auth.Users(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AdminUser, 0, len(users))
	for _, u := range users {
		out = append(out, AdminUser{
			ID:          u.ID,
			Name:        u.Name,
			Email:       u.Email,
			Role:        u.Role,
			WorkspaceID: u.WorkspaceID,
			CreatedAt:   u.CreatedAt,
			LastLoginAt: u.LastLoginAt,
		})
	}
	return &AdminUsersResponse{Users: out}, nil
}

type SetRoleRequest struct {
	Role string `json:"role"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

//encore:api auth method=PUT path=/api/admin/users/:id/role tag:admin
func (s *Service) AdminSetUserRole(ctx context.Context, id string, req *SetRoleRequest) (*StatusResponse, error) {
	if req == nil {
		return nil, errs.B().Code(errs.InvalidArgument).Msg("invalid payload").Err()
	}
	role, ok := platformauth.ParseRole(req.Role)
	if !ok {
		return nil, errs.B().Code(errs.InvalidArgument).Msg("unknown role").Err()
	}
	if err := s.auth.SetRole(ctx, id, role); err != nil {
		return nil, platformError(err)
	}
	actor, _ := requireAuthUser()
	if actor != nil {
		rlog.Info("user role changed", "user", id, "role", role, "by", actor.Email)
	}
	return &StatusResponse{Status: "updated"}, nil
}

// AdminResetEngineIdentity discards the stored engine identity of a workspace.
// The next proxied request provisions a fresh engine account.
//
//encore:api auth method=DELETE path=/api/admin/workspaces/:id/engine-identity tag:admin
func (s *Service) AdminResetEngineIdentity(ctx context.Context, id string) (*StatusResponse, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errs.B().Code(errs.InvalidArgument).Msg("workspace id is required").Err()
	}
	if err := s.bridge.ResetWorkspace(ctx, id); err != nil {
		return nil, errs.B().Code(errs.InvalidArgument).Msg(err.Error()).Err()
	}
	return &StatusResponse{Status: "reset"}, nil
}

type RegistryResponse struct {
	Workflows  map[string]string `json:"workflows"`
	Workspaces []string          `json:"workspaces"`
	Entries    int               `json:"entries"`
}

//encore:api auth method=GET path=/api/admin/registry tag:admin
func (s *Service) AdminRegistry(ctx context.Context) (*RegistryResponse, error) {
	reg := s.gateway.Registry()
	return &RegistryResponse{
		Workflows:  reg.Snapshot(),
		Workspaces: reg.Workspaces(),
		Entries:    reg.Len(),
	}, nil
}

//encore:api auth method=POST path=/api/admin/registry/hydrate tag:admin
func (s *Service) AdminHydrateRegistry(ctx context.Context) (*RegistryResponse, error) {
	if _, err := s.gateway.Hydrate(ctx); err != nil {
		return nil, errs.B().Code(errs.Unavailable).Msg(err.Error()).Err()
	}
	return s.AdminRegistry(ctx)
}
