package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"encore.dev/rlog"

	"github.com/flowgate/flowgate/internal/engineauth"
	"github.com/flowgate/flowgate/internal/platformauth"
	"github.com/flowgate/flowgate/internal/tenanttags"
	"github.com/flowgate/flowgate/internal/webhookguard"
)

// Hydrate rebuilds the workflow registry from the engine's workflow list,
// using the owner session. It returns the number of registry entries.
func (g *Gateway) Hydrate(ctx context.Context) (int, error) {
	since := g.registry.Mark()
	users, err := g.auth.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("list platform users: %w", err)
	}
	workspaces := make([]string, 0, len(users))
	for _, u := range users {
		workspaces = append(workspaces, u.WorkspaceID)
	}
	cookie, err := g.bridge.OwnerCookie(ctx, g.engineURL)
	if err != nil {
		return 0, err
	}
	workflows, err := g.bridge.Client(g.engineURL).ListWorkflows(ctx, cookie)
	if err != nil {
		return 0, fmt.Errorf("list engine workflows: %w", err)
	}
	idx := webhookguard.BuildIndex(workflows, workspaces)
	g.registry.Replace(idx, since)
	rlog.Info("workflow registry hydrated", "entries", len(idx), "workflows", len(workflows), "workspaces", len(idx.WorkspaceCounts()))
	if g.hooks.OnRegistryHydrated != nil {
		g.hooks.OnRegistryHydrated(len(idx))
	}
	return len(idx), nil
}

// HydrateWithRetry keeps trying Hydrate until it succeeds or ctx ends. The
// engine often starts after the proxy.
func (g *Gateway) HydrateWithRetry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	for {
		_, err := g.Hydrate(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, engineauth.ErrUnprovisioned) {
			rlog.Warn("registry hydration skipped: owner credentials not configured", "err", err)
			return
		}
		rlog.Warn("registry hydration failed; retrying", "err", err, "in", interval.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// EngineStatus summarises the engine side of one workspace.
type EngineStatus struct {
	EngineURL   string                   `json:"engineUrl"`
	WorkspaceID string                   `json:"workspaceId"`
	TagName     string                   `json:"tagName"`
	TagID       string                   `json:"tagId,omitempty"`
	Identity    engineauth.IdentityState `json:"identity"`
	Reachable   bool                     `json:"reachable"`
	Credentials int                      `json:"credentials"`
	Workflows   int                      `json:"workflows"`
	Error       string                   `json:"error,omitempty"`
}

// Status reports the caller's workspace identity state without provisioning.
func (g *Gateway) Status(ctx context.Context, p *platformauth.Principal) (EngineStatus, error) {
	if p == nil {
		return EngineStatus{}, platformauth.ErrUnauthenticated
	}
	state, err := g.bridge.State(g.engineURL, p.WorkspaceID)
	if err != nil {
		return EngineStatus{}, err
	}
	out := EngineStatus{
		EngineURL:   g.engineURL,
		WorkspaceID: p.WorkspaceID,
		TagName:     tenanttags.TagName(p.WorkspaceID),
		Identity:    state,
	}
	if id, ok := g.tags.Cached(g.engineURL, p.WorkspaceID); ok {
		out.TagID = id.String()
	}
	for _, ws := range g.registry.Snapshot() {
		if ws == p.WorkspaceID {
			out.Workflows++
		}
	}
	if !state.Provisioned {
		return out, nil
	}
	cookie, err := g.bridge.AuthCookie(ctx, g.engineURL, p.WorkspaceID)
	if err != nil {
		out.Reachable = !errors.Is(err, engineauth.ErrUpstreamUnreachable)
		out.Error = err.Error()
		return out, nil
	}
	out.Reachable = true
	creds, err := g.bridge.Client(g.engineURL).ListCredentials(ctx, cookie)
	if err != nil {
		out.Error = err.Error()
		return out, nil
	}
	out.Credentials = len(creds)
	return out, nil
}
