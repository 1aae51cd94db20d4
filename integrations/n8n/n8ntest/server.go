// Package n8ntest runs an in-memory stand-in for the n8n REST and push
// surface. It implements just enough of the engine for proxy and
// provisioning tests.
package n8ntest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

type user struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Password  string
	Role      string
	Pending   bool
}

type tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type workflow struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Active bool             `json:"active"`
	Tags   []tag            `json:"tags"`
	Nodes  []map[string]any `json:"nodes,omitempty"`
}

// Options toggle version-specific behaviour.
type Options struct {
	// LegacyLogin rejects the emailOrLdapLoginId body shape with 400.
	LegacyLogin bool
	// LegacyInvitations serves invitations only under /rest/users.
	LegacyInvitations bool
	// AcceptWithoutCookie omits Set-Cookie on invitation acceptance.
	AcceptWithoutCookie bool
	// TakenEmails are rejected by the invitation endpoint.
	TakenEmails []string
}

type Server struct {
	*httptest.Server

	opts Options

	mu          sync.Mutex
	nextID      int
	users       map[string]*user
	sessions    map[string]string
	tags        []tag
	workflows   map[string]*workflow
	counts      map[string]int
	lastHeaders map[string]http.Header
}

func New(opts Options) *Server {
	s := &Server{
		opts:        opts,
		users:       map[string]*user{},
		sessions:    map[string]string{},
		workflows:   map[string]*workflow{},
		counts:      map[string]int{},
		lastHeaders: map[string]http.Header{},
	}
	for _, email := range opts.TakenEmails {
		id := s.newIDLocked()
		s.users[id] = &user{ID: id, Email: strings.ToLower(email), Password: "taken-Password1", Role: "global:member"}
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Count returns how many times the named operation was served: "login",
// "whoami", "setup", "invite", "accept", "listTags", "createTag",
// "listWorkflows", "createWorkflow", "webhook", "push", "healthz".
func (s *Server) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// LastHeaders returns the request headers of the most recent call to op.
func (s *Server) LastHeaders(op string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeaders[op].Clone()
}

// HasOwner reports whether owner setup has completed.
func (s *Server) HasOwner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerLocked() != nil
}

// SeedOwner creates the owner account directly, bypassing setup.
func (s *Server) SeedOwner(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newIDLocked()
	s.users[id] = &user{ID: id, Email: strings.ToLower(email), Password: password, Role: "global:owner", FirstName: "Owner"}
}

// Expire drops an engine session, as when a tenant logs out directly.
func (s *Server) Expire(cookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, strings.TrimPrefix(cookie, "n8n-auth="))
}

// ExpireAll drops every engine session.
func (s *Server) ExpireAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = map[string]string{}
}

// SetPassword rotates a user's password out from under any stored copy.
func (s *Server) SetPassword(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.userByEmailLocked(email); u != nil {
		u.Password = password
	}
}

// UserEmails lists every active user's email, sorted.
func (s *Server) UserEmails() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, u := range s.users {
		if !u.Pending {
			out = append(out, u.Email)
		}
	}
	sort.Strings(out)
	return out
}

// TagNames lists every tag name, sorted.
func (s *Server) TagNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tags))
	for _, t := range s.tags {
		out = append(out, t.Name)
	}
	sort.Strings(out)
	return out
}

// AddWorkflow stores a workflow tagged with the given tag names and returns its id.
func (s *Server) AddWorkflow(name string, tagNames ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf := &workflow{ID: s.newIDLocked(), Name: name}
	for _, n := range tagNames {
		wf.Tags = append(wf.Tags, s.ensureTagLocked(n))
	}
	s.workflows[wf.ID] = wf
	return wf.ID
}

// Workflow returns a copy of a stored workflow.
func (s *Server) Workflow(id string) (workflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return workflow{}, false
	}
	return *wf, true
}

func (s *Server) newIDLocked() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

func (s *Server) ownerLocked() *user {
	for _, u := range s.users {
		if u.Role == "global:owner" {
			return u
		}
	}
	return nil
}

func (s *Server) userByEmailLocked(email string) *user {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func (s *Server) ensureTagLocked(name string) tag {
	for _, t := range s.tags {
		if t.Name == name {
			return t
		}
	}
	t := tag{ID: "t" + s.newIDLocked(), Name: name}
	s.tags = append(s.tags, t)
	return t
}

func (s *Server) issueSessionLocked(w http.ResponseWriter, userID string) {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	token := hex.EncodeToString(buf)
	s.sessions[token] = userID
	http.SetCookie(w, &http.Cookie{Name: "n8n-auth", Value: token, Path: "/", HttpOnly: true})
}

func (s *Server) sessionUserLocked(r *http.Request) *user {
	c, err := r.Cookie("n8n-auth")
	if err != nil {
		return nil
	}
	id, ok := s.sessions[c.Value]
	if !ok {
		return nil
	}
	return s.users[id]
}

func (s *Server) note(op string, r *http.Request) {
	s.counts[op]++
	s.lastHeaders[op] = r.Header.Clone()
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": status, "message": msg})
}

func userJSON(u *user) map[string]any {
	return map[string]any{"id": u.ID, "email": u.Email, "firstName": u.FirstName, "lastName": u.LastName, "role": u.Role}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/rest/push":
		s.servePush(w, r)
		return
	case strings.HasPrefix(path, "/webhook/"), strings.HasPrefix(path, "/webhook-test/"),
		strings.HasPrefix(path, "/webhook-waiting/"), strings.HasPrefix(path, "/form/"):
		s.serveWebhook(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case path == "/healthz":
		s.note("healthz", r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case path == "/rest/login" && r.Method == http.MethodPost:
		s.login(w, r, body)
	case path == "/rest/login" && r.Method == http.MethodGet:
		s.note("whoami", r)
		u := s.sessionUserLocked(r)
		if u == nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		writeData(w, http.StatusOK, userJSON(u))
	case path == "/rest/logout" && r.Method == http.MethodPost:
		s.note("logout", r)
		if c, err := r.Cookie("n8n-auth"); err == nil {
			delete(s.sessions, c.Value)
		}
		writeData(w, http.StatusOK, map[string]any{"loggedOut": true})
	case path == "/rest/owner/setup" && r.Method == http.MethodPost:
		s.setup(w, r, body)
	case (path == "/rest/invitations" && !s.opts.LegacyInvitations) || (path == "/rest/users" && s.opts.LegacyInvitations):
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.invite(w, r, body)
	case strings.HasPrefix(path, "/rest/invitations/") && strings.HasSuffix(path, "/accept") && !s.opts.LegacyInvitations:
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/rest/invitations/"), "/accept")
		s.accept(w, r, id, body)
	case strings.HasPrefix(path, "/rest/users/") && s.opts.LegacyInvitations && r.Method == http.MethodPost:
		s.accept(w, r, strings.TrimPrefix(path, "/rest/users/"), body)
	case path == "/rest/tags":
		s.serveTags(w, r, body)
	case path == "/rest/workflows" || path == "/api/v1/workflows":
		s.serveWorkflows(w, r, body)
	case strings.HasPrefix(path, "/rest/workflows/") || strings.HasPrefix(path, "/api/v1/workflows/"):
		id := path[strings.LastIndex(path, "/")+1:]
		s.serveWorkflow(w, r, id, body)
	case path == "/rest/credentials" && r.Method == http.MethodGet:
		if s.sessionUserLocked(r) == nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		writeData(w, http.StatusOK, []map[string]any{{"id": "c1", "name": "Example", "type": "httpBasicAuth"}})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, body []byte) {
	s.note("login", r)
	var in map[string]string
	_ = json.Unmarshal(body, &in)
	email, hasNew := in["emailOrLdapLoginId"]
	if hasNew && s.opts.LegacyLogin {
		writeError(w, http.StatusBadRequest, "request/body must have required property 'email'")
		return
	}
	if !hasNew {
		email = in["email"]
	}
	u := s.userByEmailLocked(email)
	if u == nil || u.Pending || u.Password != in["password"] {
		writeError(w, http.StatusUnauthorized, "Wrong username or password. Do you have caps lock on?")
		return
	}
	s.issueSessionLocked(w, u.ID)
	writeData(w, http.StatusOK, userJSON(u))
}

func (s *Server) setup(w http.ResponseWriter, r *http.Request, body []byte) {
	s.note("setup", r)
	if s.ownerLocked() != nil {
		writeError(w, http.StatusBadRequest, "Instance owner already setup")
		return
	}
	var in struct {
		Email     string `json:"email"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Password  string `json:"password"`
	}
	_ = json.Unmarshal(body, &in)
	if in.Email == "" || len(in.Password) < 8 {
		writeError(w, http.StatusBadRequest, "invalid owner payload")
		return
	}
	id := s.newIDLocked()
	u := &user{ID: id, Email: strings.ToLower(in.Email), Password: in.Password, FirstName: in.FirstName, LastName: in.LastName, Role: "global:owner"}
	s.users[id] = u
	s.issueSessionLocked(w, id)
	writeData(w, http.StatusOK, userJSON(u))
}

func (s *Server) invite(w http.ResponseWriter, r *http.Request, body []byte) {
	s.note("invite", r)
	caller := s.sessionUserLocked(r)
	if caller == nil || caller.Role != "global:owner" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var in []struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	out := make([]map[string]any, 0, len(in))
	for _, item := range in {
		if existing := s.userByEmailLocked(item.Email); existing != nil {
			out = append(out, map[string]any{"user": map[string]any{"id": existing.ID, "email": existing.Email}, "error": "The user already exists"})
			continue
		}
		id := s.newIDLocked()
		s.users[id] = &user{ID: id, Email: strings.ToLower(item.Email), Role: item.Role, Pending: true}
		out = append(out, map[string]any{"user": map[string]any{"id": id, "email": strings.ToLower(item.Email), "emailSent": false}, "error": ""})
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, id string, body []byte) {
	s.note("accept", r)
	var in struct {
		InviterID string `json:"inviterId"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Password  string `json:"password"`
	}
	_ = json.Unmarshal(body, &in)
	u, ok := s.users[id]
	if !ok || !u.Pending {
		writeError(w, http.StatusBadRequest, "Invalid invite URL")
		return
	}
	if inviter, ok := s.users[in.InviterID]; !ok || inviter.Role != "global:owner" {
		writeError(w, http.StatusBadRequest, "Invalid inviter")
		return
	}
	u.Pending = false
	u.FirstName, u.LastName, u.Password = in.FirstName, in.LastName, in.Password
	if !s.opts.AcceptWithoutCookie {
		s.issueSessionLocked(w, u.ID)
	}
	writeData(w, http.StatusOK, userJSON(u))
}

func (s *Server) serveTags(w http.ResponseWriter, r *http.Request, body []byte) {
	if s.sessionUserLocked(r) == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.note("listTags", r)
		writeData(w, http.StatusOK, s.tags)
	case http.MethodPost:
		s.note("createTag", r)
		var in struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(body, &in)
		if in.Name == "" || len(in.Name) > 24 {
			writeError(w, http.StatusBadRequest, "tag name must be 1-24 characters")
			return
		}
		for _, t := range s.tags {
			if t.Name == in.Name {
				writeError(w, http.StatusConflict, "Tag already exists")
				return
			}
		}
		writeData(w, http.StatusOK, s.ensureTagLocked(in.Name))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.sessionUserLocked(r) != nil {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/api/v1/") && strings.TrimSpace(r.Header.Get("X-N8N-API-KEY")) != ""
}

func (s *Server) serveWorkflows(w http.ResponseWriter, r *http.Request, body []byte) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.note("listWorkflows", r)
		ids := make([]string, 0, len(s.workflows))
		for id := range s.workflows {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			a, _ := strconv.Atoi(ids[i])
			b, _ := strconv.Atoi(ids[j])
			return a < b
		})
		data := make([]*workflow, 0, len(ids))
		for _, id := range ids {
			data = append(data, s.workflows[id])
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"count": len(data), "data": data})
	case http.MethodPost:
		s.note("createWorkflow", r)
		wf, status, msg := s.decodeWorkflowLocked(body, &workflow{ID: s.newIDLocked()})
		if status != 0 {
			writeError(w, status, msg)
			return
		}
		s.workflows[wf.ID] = wf
		writeData(w, http.StatusOK, wf)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) serveWorkflow(w http.ResponseWriter, r *http.Request, id string, body []byte) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	existing, ok := s.workflows[id]
	if !ok {
		writeError(w, http.StatusNotFound, "Could not find workflow")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.note("getWorkflow", r)
		writeData(w, http.StatusOK, existing)
	case http.MethodPatch, http.MethodPut:
		s.note("updateWorkflow", r)
		copyWF := *existing
		wf, status, msg := s.decodeWorkflowLocked(body, &copyWF)
		if status != 0 {
			writeError(w, status, msg)
			return
		}
		s.workflows[id] = wf
		writeData(w, http.StatusOK, wf)
	case http.MethodDelete:
		s.note("deleteWorkflow", r)
		delete(s.workflows, id)
		writeData(w, http.StatusOK, true)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// decodeWorkflowLocked mirrors the engine's write contract: "active" must be
// present, tags are sent as ids and come back as objects.
func (s *Server) decodeWorkflowLocked(body []byte, base *workflow) (*workflow, int, string) {
	var in map[string]json.RawMessage
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, http.StatusBadRequest, "invalid JSON"
	}
	raw, ok := in["active"]
	if !ok || string(raw) == "null" {
		return nil, http.StatusInternalServerError, `SQLITE_CONSTRAINT: NOT NULL constraint failed: workflow_entity.active`
	}
	_ = json.Unmarshal(raw, &base.Active)
	if v, ok := in["name"]; ok {
		_ = json.Unmarshal(v, &base.Name)
	}
	if v, ok := in["nodes"]; ok {
		_ = json.Unmarshal(v, &base.Nodes)
	}
	if v, ok := in["tags"]; ok {
		var ids []json.RawMessage
		_ = json.Unmarshal(v, &ids)
		base.Tags = nil
		for _, rawID := range ids {
			var id string
			if err := json.Unmarshal(rawID, &id); err != nil {
				var obj struct {
					ID string `json:"id"`
				}
				_ = json.Unmarshal(rawID, &obj)
				id = obj.ID
			}
			found := false
			for _, t := range s.tags {
				if t.ID == id {
					base.Tags = append(base.Tags, t)
					found = true
				}
			}
			if !found {
				return nil, http.StatusBadRequest, fmt.Sprintf("unknown tag id %q", id)
			}
		}
	}
	return base, 0, ""
}

func (s *Server) serveWebhook(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.note("webhook", r)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "path": r.URL.Path})
}

func (s *Server) servePush(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.note("push", r)
	authorized := s.sessionUserLocked(r) != nil
	s.mu.Unlock()
	if !authorized {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := conn.Write(ctx, typ, append([]byte("echo:"), data...)); err != nil {
			return
		}
	}
}
