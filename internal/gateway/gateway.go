// Package gateway composes platform session resolution, engine identity
// bridging, tag isolation and the reverse proxy into the request handlers
// mounted by the flowgate service.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"encore.dev/rlog"

	"github.com/flowgate/flowgate/integrations/n8n"
	"github.com/flowgate/flowgate/internal/engineauth"
	"github.com/flowgate/flowgate/internal/engineproxy"
	"github.com/flowgate/flowgate/internal/flowgatecore"
	"github.com/flowgate/flowgate/internal/platformauth"
	"github.com/flowgate/flowgate/internal/tenanttags"
	"github.com/flowgate/flowgate/internal/webhookguard"
)

// Hooks observe request outcomes. Nil hooks are skipped.
type Hooks struct {
	OnProxied          func(status int, source engineauth.Source)
	OnUpstreamError    func()
	OnWebhookMismatch  func()
	OnNotConfigured    func()
	OnRegistryHydrated func(entries int)
}

type Gateway struct {
	engineURL string
	target    *url.URL

	auth     *platformauth.Manager
	bridge   *engineauth.Bridge
	tags     *tenanttags.Isolator
	proxy    *engineproxy.Forwarder
	registry *webhookguard.Registry
	hooks    Hooks
}

type Deps struct {
	EngineURL string
	Auth      *platformauth.Manager
	Bridge    *engineauth.Bridge
	Tags      *tenanttags.Isolator
	Proxy     *engineproxy.Forwarder
	Registry  *webhookguard.Registry
	Hooks     Hooks
}

func New(d Deps) (*Gateway, error) {
	engineURL := strings.TrimRight(strings.TrimSpace(d.EngineURL), "/")
	target, err := url.Parse(engineURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid engine url %q", d.EngineURL)
	}
	if d.Auth == nil || d.Bridge == nil || d.Proxy == nil {
		return nil, errors.New("gateway requires auth, bridge and proxy")
	}
	if d.Tags == nil {
		d.Tags = tenanttags.NewIsolator()
	}
	if d.Registry == nil {
		d.Registry = webhookguard.NewRegistry()
	}
	return &Gateway{
		engineURL: engineURL,
		target:    target,
		auth:      d.Auth,
		bridge:    d.Bridge,
		tags:      d.Tags,
		proxy:     d.Proxy,
		registry:  d.Registry,
		hooks:     d.Hooks,
	}, nil
}

func (g *Gateway) EngineURL() string                { return g.engineURL }
func (g *Gateway) Registry() *webhookguard.Registry { return g.registry }

// EnginePath strips the proxy mount prefix from an inbound path.
func EnginePath(path string) string {
	rest := strings.TrimPrefix(path, flowgatecore.EnginePathPrefix)
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}

func isPushPath(path string) bool {
	path = "/" + strings.Trim(path, "/")
	for _, p := range flowgatecore.PushPaths {
		if path == p {
			return true
		}
	}
	return false
}

// ServeEngine proxies an authenticated request to the engine. path is the
// engine-relative path.
func (g *Gateway) ServeEngine(w http.ResponseWriter, r *http.Request, path string) {
	ctx := r.Context()
	p, err := g.auth.Resolve(ctx, r)
	if err != nil {
		if !errors.Is(err, platformauth.ErrUnauthenticated) {
			rlog.Error("platform session lookup failed", "err", err)
		}
		engineproxy.WriteError(w, http.StatusUnauthorized, flowgatecore.CodeUnauthenticated, "authentication required")
		return
	}

	auth, err := g.bridge.BuildAuthHeaders(ctx, p, g.engineURL)
	if err != nil {
		g.writeAuthFailure(w, p, err)
		return
	}

	if engineproxy.IsWebSocketUpgrade(r) {
		if !isPushPath(path) {
			rlog.Warn("websocket upgrade refused", "workspace", p.WorkspaceID, "path", path)
			engineproxy.WriteError(w, http.StatusBadRequest, flowgatecore.CodeBadRequest, "websocket upgrades are only allowed on the push channel")
			return
		}
		if err := g.proxy.Tunnel(w, r, g.target, path, r.URL.RawQuery, auth.Header); err != nil {
			rlog.Warn("engine push tunnel closed with error", "workspace", p.WorkspaceID, "err", err)
		}
		return
	}

	workflowID, addressesWorkflow := tenanttags.WorkflowID(path)
	if addressesWorkflow {
		if err := g.registry.Check(workflowID, callerOf(p)); err != nil {
			g.writeMismatch(w, p, workflowID)
			return
		}
	}

	body, err := g.proxy.ReadBody(r)
	if err != nil {
		if errors.Is(err, engineproxy.ErrBodyTooLarge) {
			engineproxy.WriteError(w, http.StatusRequestEntityTooLarge, flowgatecore.CodeBodyTooLarge, "request body too large")
			return
		}
		engineproxy.WriteError(w, http.StatusBadRequest, flowgatecore.CodeBadRequest, "could not read request body")
		return
	}

	req := engineproxy.Request{
		Target:   g.target,
		Path:     path,
		RawQuery: r.URL.RawQuery,
		Auth:     auth.Header,
		Body:     body,
		Embed:    engineproxy.IsEmbedded(r),
	}

	switch {
	case tenanttags.IsListRequest(r.Method, path):
		tagName := tenanttags.TagName(p.WorkspaceID)
		req.Rewrite = func(b []byte) ([]byte, error) { return tenanttags.FilterList(b, tagName) }
	case tenanttags.IsWriteRequest(r.Method, path):
		tag, err := g.workspaceTag(ctx, p, auth)
		if err != nil {
			rlog.Warn("workspace tag unavailable", "workspace", p.WorkspaceID, "err", err)
			g.writeEngineFailure(w, err)
			return
		}
		injected, err := tenanttags.InjectTag(body, tag.ID.String())
		if err != nil {
			engineproxy.WriteError(w, http.StatusBadRequest, flowgatecore.CodeBadRequest, "workflow body must be a JSON object")
			return
		}
		req.Body = injected
		workspaceID := p.WorkspaceID
		req.Rewrite = func(b []byte) ([]byte, error) {
			g.registerWritten(b, workspaceID)
			return b, nil
		}
	}

	rlog.Debug("proxying engine request",
		"method", r.Method,
		"path", path,
		"workspace", p.WorkspaceID,
		"source", string(auth.Source),
		"cookies", engineproxy.CookieNames(r.Header),
	)
	status, err := g.proxy.Forward(w, r, req)
	if err != nil && errors.Is(err, engineproxy.ErrUpstream) && status != 0 {
		g.hook(g.hooks.OnUpstreamError)
	}
	if tenanttags.IsDeleteRequest(r.Method, path) && status >= 200 && status < 300 {
		g.registry.Remove(workflowID)
	}
	if g.hooks.OnProxied != nil && status != 0 {
		g.hooks.OnProxied(status, auth.Source)
	}
}

// workspaceTag resolves the workspace tag with the caller's engine session,
// or the owner session when the caller authenticated with an API key.
func (g *Gateway) workspaceTag(ctx context.Context, p *platformauth.Principal, auth engineauth.AuthHeaders) (n8n.Tag, error) {
	cookie := auth.Cookie
	if cookie == "" {
		owner, err := g.bridge.OwnerCookie(ctx, g.engineURL)
		if err != nil {
			return n8n.Tag{}, err
		}
		cookie = owner
	}
	return g.tags.EnsureTag(ctx, g.bridge.Client(g.engineURL), cookie, p.WorkspaceID)
}

// registerWritten records the workflow returned by a create or update.
func (g *Gateway) registerWritten(body []byte, workspaceID string) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	raw := json.RawMessage(body)
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && bytes.HasPrefix(bytes.TrimSpace(env.Data), []byte("{")) {
		raw = env.Data
	}
	var wf n8n.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil || wf.ID == "" {
		return
	}
	g.registry.Register(wf, workspaceID)
}

// ServeWebhook forwards a public webhook or form call. Engine credentials
// are never attached. A signed-in caller from another workspace is refused.
func (g *Gateway) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := r.URL.Path
	var caller webhookguard.Caller
	if p, err := g.auth.Resolve(ctx, r); err == nil {
		caller = callerOf(p)
	}
	target := webhookguard.TargetID(path)
	if err := g.registry.Check(target, caller); err != nil {
		g.hook(g.hooks.OnWebhookMismatch)
		rlog.Warn("cross-workspace webhook call refused", "target", target, "workspace", caller.WorkspaceID)
		engineproxy.WriteError(w, http.StatusForbidden, flowgatecore.CodeWorkspaceMismatch, "workflow belongs to another workspace")
		return
	}
	body, err := g.proxy.ReadBody(r)
	if err != nil {
		if errors.Is(err, engineproxy.ErrBodyTooLarge) {
			engineproxy.WriteError(w, http.StatusRequestEntityTooLarge, flowgatecore.CodeBodyTooLarge, "request body too large")
			return
		}
		engineproxy.WriteError(w, http.StatusBadRequest, flowgatecore.CodeBadRequest, "could not read request body")
		return
	}
	status, err := g.proxy.Forward(w, r, engineproxy.Request{
		Target:   g.target,
		Path:     path,
		RawQuery: r.URL.RawQuery,
		Body:     body,
	})
	if err != nil && status != 0 {
		g.hook(g.hooks.OnUpstreamError)
	}
}

func callerOf(p *platformauth.Principal) webhookguard.Caller {
	if p == nil {
		return webhookguard.Caller{}
	}
	return webhookguard.Caller{WorkspaceID: p.WorkspaceID, Elevated: p.Elevated()}
}

func (g *Gateway) writeAuthFailure(w http.ResponseWriter, p *platformauth.Principal, err error) {
	if errors.Is(err, engineauth.ErrUpstreamUnreachable) {
		g.hook(g.hooks.OnUpstreamError)
		rlog.Warn("engine unreachable while resolving credentials", "workspace", p.WorkspaceID, "err", err)
		engineproxy.WriteError(w, http.StatusBadGateway, flowgatecore.CodeUpstreamUnreachable, "engine unreachable")
		return
	}
	g.hook(g.hooks.OnNotConfigured)
	rlog.Warn("no engine credentials for workspace", "workspace", p.WorkspaceID, "err", err)
	engineproxy.WriteError(w, http.StatusPreconditionFailed, flowgatecore.CodeNotConfigured, engineauth.ErrUnprovisioned.Error())
}

func (g *Gateway) writeEngineFailure(w http.ResponseWriter, err error) {
	g.hook(g.hooks.OnUpstreamError)
	if errors.Is(err, n8n.ErrUnreachable) || errors.Is(err, engineauth.ErrUpstreamUnreachable) {
		engineproxy.WriteError(w, http.StatusBadGateway, flowgatecore.CodeUpstreamUnreachable, "engine unreachable")
		return
	}
	engineproxy.WriteError(w, http.StatusBadGateway, flowgatecore.CodeUpstreamRejected, "engine rejected request")
}

func (g *Gateway) writeMismatch(w http.ResponseWriter, p *platformauth.Principal, workflowID string) {
	g.hook(g.hooks.OnWebhookMismatch)
	rlog.Warn("cross-workspace workflow access refused", "workflow", workflowID, "workspace", p.WorkspaceID)
	engineproxy.WriteError(w, http.StatusForbidden, flowgatecore.CodeWorkspaceMismatch, "workflow belongs to another workspace")
}

func (g *Gateway) hook(fn func()) {
	if fn != nil {
		fn()
	}
}
