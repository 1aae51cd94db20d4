package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/flowgate/flowgate/integrations/n8n/n8ntest"
	"github.com/flowgate/flowgate/internal/engineauth"
	"github.com/flowgate/flowgate/internal/engineproxy"
	"github.com/flowgate/flowgate/internal/platformauth"
	"github.com/flowgate/flowgate/internal/secretbox"
	"github.com/flowgate/flowgate/internal/tenanttags"
	"github.com/flowgate/flowgate/internal/webhookguard"
)

const sessionCookie = "flowgate_session"

type fixture struct {
	gw     *Gateway
	engine *n8ntest.Server
	auth   *platformauth.Manager
	srv    *httptest.Server
}

type tenant struct {
	principal *platformauth.Principal
	token     string
}

func newFixture(t *testing.T, ownerPassword string) *fixture {
	t.Helper()
	dir := t.TempDir()
	engine := n8ntest.New(n8ntest.Options{})
	t.Cleanup(engine.Close)

	store, err := platformauth.OpenFileStore(filepath.Join(dir, "platform", "users.json"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	auth := platformauth.NewManager(platformauth.Config{CookieName: sessionCookie}, store)
	t.Cleanup(auth.Close)

	bridge := engineauth.New(engineauth.Config{
		OwnerEmail:    "owner@flowgate.test",
		OwnerPassword: ownerPassword,
		EmailDomain:   "tenants.flowgate.test",
	}, engineauth.NewIdentityStore(dir, secretbox.New("gateway-test-secret")))

	gw, err := New(Deps{
		EngineURL: engine.URL,
		Auth:      auth,
		Bridge:    bridge,
		Proxy:     engineproxy.NewForwarder(engineproxy.Options{PlatformCookie: sessionCookie}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/engine/", func(w http.ResponseWriter, r *http.Request) {
		gw.ServeEngine(w, r, EnginePath(r.URL.Path))
	})
	for _, prefix := range []string{"/webhook/", "/webhook-test/", "/form/"} {
		mux.HandleFunc(prefix, gw.ServeWebhook)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{gw: gw, engine: engine, auth: auth, srv: srv}
}

func (f *fixture) signup(t *testing.T, email string) tenant {
	t.Helper()
	p, token, err := f.auth.Signup(context.Background(), platformauth.SignupInput{Email: email, Password: "platform-password"})
	if err != nil {
		t.Fatalf("Signup(%s): %v", email, err)
	}
	return tenant{principal: p, token: token}
}

// tenants signs up a platform admin first so ws-1 and ws-2 are ordinary members.
func (f *fixture) tenants(t *testing.T) (tenant, tenant) {
	t.Helper()
	f.signup(t, "admin@example.com")
	return f.signup(t, "ws1@example.com"), f.signup(t, "ws2@example.com")
}

func (f *fixture) do(t *testing.T, method, path string, who *tenant, body string) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if who != nil {
		req.Header.Set("Cookie", sessionCookie+"="+who.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

type listBody struct {
	Count int `json:"count"`
	Data  []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Active bool   `json:"active"`
	} `json:"data"`
}

func decodeList(t *testing.T, data []byte) listBody {
	t.Helper()
	var out listBody
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode list %s: %v", data, err)
	}
	return out
}

func createdID(t *testing.T, data []byte) string {
	t.Helper()
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Data.ID == "" {
		t.Fatalf("decode created workflow %s: %v", data, err)
	}
	return out.Data.ID
}

func TestServeEngine_RequiresPlatformSession(t *testing.T) {
	f := newFixture(t, "Owner-Password1")
	status, body := f.do(t, http.MethodGet, "/engine/rest/workflows", nil, "")
	if status != http.StatusUnauthorized || !strings.Contains(string(body), "unauthenticated") {
		t.Fatalf("unexpected response: %d %s", status, body)
	}
	if f.engine.Count("listWorkflows") != 0 {
		t.Fatalf("unauthenticated request must not reach the engine")
	}
}

func TestScenario_FirstListProvisionsAndFilters(t *testing.T) {
	f := newFixture(t, "Owner-Password1")
	ws1, ws2 := f.tenants(t)
	f.engine.AddWorkflow("mine", tenanttags.TagName(ws1.principal.WorkspaceID))
	f.engine.AddWorkflow("theirs", tenanttags.TagName(ws2.principal.WorkspaceID))
	f.engine.AddWorkflow("untagged")

	status, body := f.do(t, http.MethodGet, "/engine/rest/workflows", &ws1, "")
	if status != http.StatusOK {
		t.Fatalf("list: %d %s", status, body)
	}
	list := decodeList(t, body)
	if list.Count != 1 || len(list.Data) != 1 || list.Data[0].Name != "mine" {
		t.Fatalf("unexpected filtered list: %+v", list)
	}
	if f.engine.Count("invite") != 1 || f.engine.Count("accept") != 1 {
		t.Fatalf("first request must provision once: invite=%d accept=%d", f.engine.Count("invite"), f.engine.Count("accept"))
	}
	cookie := f.engine.LastHeaders("listWorkflows").Get("Cookie")
	if !strings.HasPrefix(cookie, "n8n-auth=") || strings.Contains(cookie, sessionCookie) {
		t.Fatalf("engine must see only the workspace session, got %q", cookie)
	}

	st, err := f.gw.Status(context.Background(), ws1.principal)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Identity.Provisioned || st.Identity.Email != "ws1@example.com" || !st.Reachable || st.Credentials != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestScenario_CreateInjectsTagAndInactive(t *testing.T) {
	f := newFixture(t, "Owner-Password1")
	ws1, ws2 := f.tenants(t)

	status, body := f.do(t, http.MethodPost, "/engine/rest/workflows", &ws1, `{"name":"fresh","nodes":[]}`)
	if status != http.StatusOK {
		t.Fatalf("create: %d %s", status, body)
	}
	id := createdID(t, body)
	wf, ok := f.engine.Workflow(id)
	if !ok {
		t.Fatalf("workflow %s not stored", id)
	}
	if wf.Active || len(wf.Tags) != 1 || wf.Tags[0].Name != tenanttags.TagName(ws1.principal.WorkspaceID) {
		t.Fatalf("unexpected stored workflow: %+v", wf)
	}
	if owner, _ := f.gw.Registry().Owner(id); owner != ws1.principal.WorkspaceID {
		t.Fatalf("created workflow not registered to ws-1: %q", owner)
	}

	status, _ = f.do(t, http.MethodGet, "/engine/rest/workflows/"+id, &ws2, "")
	if status != http.StatusForbidden {
		t.Fatalf("ws-2 reading ws-1 workflow: got %d want 403", status)
	}
	status, _ = f.do(t, http.MethodPatch, "/engine/rest/workflows/"+id, &ws1, `{"name":"renamed"}`)
	if status != http.StatusOK {
		t.Fatalf("owner update: %d", status)
	}
	status, _ = f.do(t, http.MethodDelete, "/engine/rest/workflows/"+id, &ws1, "")
	if status != http.StatusOK {
		t.Fatalf("delete: %d", status)
	}
	if _, ok := f.gw.Registry().Owner(id); ok {
		t.Fatalf("deleted workflow must leave the registry")
	}
	if f.engine.Count("createTag") != 1 {
		t.Fatalf("tag must be created once, got %d", f.engine.Count("createTag"))
	}
}

func TestScenario_IsolationSymmetry(t *testing.T) {
	f := newFixture(t, "Owner-Password1")
	ws1, ws2 := f.tenants(t)

	_, a := f.do(t, http.MethodPost, "/engine/rest/workflows", &ws1, `{"name":"a"}`)
	_, b := f.do(t, http.MethodPost, "/engine/rest/workflows", &ws2, `{"name":"b"}`)
	idA, idB := createdID(t, a), createdID(t, b)

	for _, tc := range []struct {
		who  *tenant
		want string
	}{{&ws1, idA}, {&ws2, idB}} {
		status, body := f.do(t, http.MethodGet, "/engine/rest/workflows", tc.who, "")
		list := decodeList(t, body)
		if status != http.StatusOK || len(list.Data) != 1 || list.Data[0].ID != tc.want {
			t.Fatalf("workspace %s sees %+v, want only %s", tc.who.principal.WorkspaceID, list, tc.want)
		}
	}
}

func TestServeEngine_UpgradeOnlyOnPushChannel(t *testing.T) {
	f := newFixture(t, "Owner-Password1")
	ws1, ws2 := f.tenants(t)
	_, b := f.do(t, http.MethodPost, "/engine/rest/workflows", &ws2, `{"name":"secret-of-ws2"}`)
	idB := createdID(t, b)
	listsBefore := f.engine.Count("listWorkflows")

	for _, path := range []string{"/engine/rest/workflows", "/engine/rest/workflows/" + idB, "/engine/rest/pushx"} {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Header.Set("Cookie", sessionCookie+"="+ws1.token)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		req.Header.Set("Sec-WebSocket-Version", "13")
		req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusSwitchingProtocols {
			t.Fatalf("upgrade on %s must be refused, got %d %s", path, resp.StatusCode, body)
		}
		if strings.Contains(string(body), "secret-of-ws2") {
			t.Fatalf("upgrade on %s leaked another workspace's workflow: %s", path, body)
		}
	}
	if got := f.engine.Count("listWorkflows"); got != listsBefore {
		t.Fatalf("refused upgrades must not reach the engine, lists=%d", got-listsBefore)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/engine/rest/push", &websocket.DialOptions{
		HTTPHeader: http.Header{"Cookie": []string{sessionCookie + "=" + ws1.token}},
	})
	if err != nil {
		t.Fatalf("push channel dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	if err := conn.Write(ctx, websocket.MessageText, []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, data, err := conn.Read(ctx); err != nil || string(data) != "echo:hi" {
		t.Fatalf("Read: %q %v", data, err)
	}
}

func TestScenario_LogoutThenRelogin(t *testing.T) {
	f := newFixture(t, "Owner-Password1")
	ws1, _ := f.tenants(t)

	if status, _ := f.do(t, http.MethodGet, "/engine/rest/workflows", &ws1, ""); status != http.StatusOK {
		t.Fatalf("first list: %d", status)
	}
	logins := f.engine.Count("login")
	f.engine.ExpireAll()

	if status, body := f.do(t, http.MethodGet, "/engine/rest/workflows", &ws1, ""); status != http.StatusOK {
		t.Fatalf("list after engine logout: %d %s", status, body)
	}
	if f.engine.Count("login") != logins+1 {
		t.Fatalf("expected one fresh login, got %d more", f.engine.Count("login")-logins)
	}
	if f.engine.Count("invite") != 1 {
		t.Fatalf("relogin must not re-provision: invites=%d", f.engine.Count("invite"))
	}
}

func TestScenario_WebhookIsolation(t *testing.T) {
	f := newFixture(t, "Owner-Password1")
	ws1, ws2 := f.tenants(t)

	status, body := f.do(t, http.MethodPost, "/engine/rest/workflows", &ws2,
		`{"name":"hooked","nodes":[{"name":"Hook","type":"n8n-nodes-base.webhook","parameters":{"path":"orders-2"}}]}`)
	if status != http.StatusOK {
		t.Fatalf("create: %d %s", status, body)
	}

	if status, body := f.do(t, http.MethodPost, "/webhook/orders-2", &ws1, `{"x":1}`); status != http.StatusForbidden || !strings.Contains(string(body), "workspace_mismatch") {
		t.Fatalf("ws-1 calling ws-2 webhook: %d %s", status, body)
	}
	if f.engine.Count("webhook") != 0 {
		t.Fatalf("refused webhook must not reach the engine")
	}

	if status, _ := f.do(t, http.MethodPost, "/webhook/orders-2", nil, `{"x":1}`); status != http.StatusOK {
		t.Fatalf("public webhook call: %d", status)
	}
	if got := f.engine.LastHeaders("webhook").Get("Cookie"); got != "" {
		t.Fatalf("public webhook must carry no engine credentials, got %q", got)
	}
	if status, _ := f.do(t, http.MethodPost, "/webhook/orders-2", &ws2, `{"x":1}`); status != http.StatusOK {
		t.Fatalf("owning workspace webhook call: %d", status)
	}
	if got := f.engine.LastHeaders("webhook").Get("Cookie"); got != "" {
		t.Fatalf("platform session must not reach the engine, got %q", got)
	}
	if status, _ := f.do(t, http.MethodPost, "/webhook-test/unknown", &ws1, `{}`); status != http.StatusOK {
		t.Fatalf("unregistered webhook must pass through: %d", status)
	}
}

func TestScenario_ConcurrentFirstRequestsProvisionOnce(t *testing.T) {
	f := newFixture(t, "Owner-Password1")
	ws1, _ := f.tenants(t)

	const n = 10
	var wg sync.WaitGroup
	statuses := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/engine/rest/workflows", nil)
			req.Header.Set("Cookie", sessionCookie+"="+ws1.token)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()
	for i, s := range statuses {
		if s != http.StatusOK {
			t.Fatalf("request %d: status %d", i, s)
		}
	}
	if f.engine.Count("invite") != 1 {
		t.Fatalf("expected exactly one invitation, got %d", f.engine.Count("invite"))
	}
}

func TestServeEngine_NotConfigured(t *testing.T) {
	f := newFixture(t, "Owner-Password1")
	f.engine.SeedOwner("owner@flowgate.test", "Rotated-Password9")
	ws1, _ := f.tenants(t)

	status, body := f.do(t, http.MethodGet, "/engine/rest/workflows", &ws1, "")
	if status != http.StatusPreconditionFailed {
		t.Fatalf("got %d %s want 412", status, body)
	}
	var e engineproxy.ErrorBody
	if err := json.Unmarshal(body, &e); err != nil || e.Code != "engine_not_configured" {
		t.Fatalf("unexpected error body: %s", body)
	}
}

func TestHydrate(t *testing.T) {
	f := newFixture(t, "Owner-Password1")
	ws1, ws2 := f.tenants(t)
	id1 := f.engine.AddWorkflow("one", tenanttags.TagName(ws1.principal.WorkspaceID))
	id2 := f.engine.AddWorkflow("two", tenanttags.TagName(ws2.principal.WorkspaceID))
	f.engine.AddWorkflow("orphan", "someone-else")

	n, err := f.gw.Hydrate(context.Background())
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if n != 2 {
		t.Fatalf("unexpected entry count: %d", n)
	}
	if err := f.gw.Registry().Check(id1, webhookguard.Caller{WorkspaceID: ws2.principal.WorkspaceID}); err == nil {
		t.Fatalf("hydrated registry must refuse ws-2 on ws-1's workflow")
	}
	if owner, _ := f.gw.Registry().Owner(id2); owner != ws2.principal.WorkspaceID {
		t.Fatalf("unexpected owner for %s: %q", id2, owner)
	}
}

func TestEnginePath(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"/engine/rest/workflows": "/rest/workflows",
		"/engine":                "/",
		"/engine/":               "/",
	}
	for in, want := range cases {
		if got := EnginePath(in); got != want {
			t.Errorf("EnginePath(%q): got %q want %q", in, got, want)
		}
	}
}
