package flowgate

import (
	"context"
	"strings"

	"encore.dev/beta/errs"
	"encore.dev/rlog"

	"github.com/flowgate/flowgate/internal/gateway"
)

//encore:api auth method=GET path=/api/engine/status
func (s *Service) EngineStatus(ctx context.Context) (*gateway.EngineStatus, error) {
	user, err := requireAuthUser()
	if err != nil {
		return nil, err
	}
	st, err := s.gateway.Status(ctx, user.Principal())
	if err != nil {
		return nil, err
	}
	return &st, nil
}

type SetAPIKeyRequest struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type SetAPIKeyResponse struct {
	Status  string `json:"status"`
	BaseURL string `json:"baseUrl"`
}

// SetEngineAPIKey stores an engine API key for the caller's workspace. The key
// is used in place of the session cookie while it targets the current engine.
//
//encore:api auth method=PUT path=/api/engine/api-key
func (s *Service) SetEngineAPIKey(ctx context.Context, req *SetAPIKeyRequest) (*SetAPIKeyResponse, error) {
	user, err := requireAuthUser()
	if err != nil {
		return nil, err
	}
	if req == nil || strings.TrimSpace(req.APIKey) == "" {
		return nil, errs.B().Code(errs.InvalidArgument).Msg("apiKey is required").Err()
	}
	baseURL := strings.TrimSpace(req.BaseURL)
	if baseURL == "" {
		baseURL = s.gateway.EngineURL()
	}
	if err := s.bridge.SetAPIKey(user.WorkspaceID, req.APIKey, baseURL); err != nil {
		return nil, errs.B().Code(errs.InvalidArgument).Msg(err.Error()).Err()
	}
	rlog.Info("engine api key stored", "workspace", user.WorkspaceID, "user", user.Email)
	return &SetAPIKeyResponse{Status: "stored", BaseURL: baseURL}, nil
}

type EngineHealthResponse struct {
	EngineURL  string `json:"engineUrl"`
	Reachable  bool   `json:"reachable"`
	Registered int    `json:"registeredWorkflows"`
	Error      string `json:"error,omitempty"`
}

// EngineHealth probes the engine's liveness endpoint.
//
//encore:api public method=GET path=/api/engine/health
func (s *Service) EngineHealth(ctx context.Context) (*EngineHealthResponse, error) {
	out := &EngineHealthResponse{
		EngineURL:  s.gateway.EngineURL(),
		Registered: len(s.gateway.Registry().Snapshot()),
	}
	if err := s.bridge.Client(s.gateway.EngineURL()).Healthz(ctx); err != nil {
		out.Error = err.Error()
		return out, nil
	}
	out.Reachable = true
	return out, nil
}
