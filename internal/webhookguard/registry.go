// Package webhookguard tracks which workspace owns each engine workflow and
// rejects cross-workspace calls to workflow webhooks.
package webhookguard

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/flowgate/flowgate/integrations/n8n"
	"github.com/flowgate/flowgate/internal/tenanttags"
)

// ErrWorkspaceMismatch is returned when an authenticated caller targets a
// workflow registered to another workspace.
var ErrWorkspaceMismatch = errors.New("workflow belongs to another workspace")

var webhookPrefixes = []string{"/webhook/", "/webhook-test/", "/webhook-waiting/", "/form/"}

type entry struct {
	workspaceID string
	workflowID  string
}

// Registry maps workflow ids and webhook path segments to workspace ids.
// Entries are best-effort: a missing entry means "unknown", not "public".
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry

	// seq counts mutations. touched holds the seq of the last Set, Register
	// or Remove per workflow so Replace can keep changes made while an index
	// was being built.
	seq     uint64
	touched map[string]uint64
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}, touched: map[string]uint64{}}
}

func (r *Registry) touchLocked(workflowID string) {
	r.seq++
	r.touched[workflowID] = r.seq
}

// Mark returns the current mutation sequence. Pass it to Replace after
// building an index that started at this point.
func (r *Registry) Mark() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// Set records workflowID as owned by workspaceID.
func (r *Registry) Set(workflowID, workspaceID string) {
	workflowID = strings.TrimSpace(workflowID)
	workspaceID = strings.TrimSpace(workspaceID)
	if workflowID == "" || workspaceID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked(workflowID)
	r.entries[workflowID] = entry{workspaceID: workspaceID, workflowID: workflowID}
}

// Register records a workflow together with the webhook paths of its trigger
// nodes.
func (r *Registry) Register(wf n8n.Workflow, workspaceID string) {
	id := strings.TrimSpace(wf.ID.String())
	workspaceID = strings.TrimSpace(workspaceID)
	if id == "" || workspaceID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked(id)
	r.removeLocked(id)
	for key, e := range indexWorkflow(wf, workspaceID) {
		r.entries[key] = e
	}
}

// Remove forgets a workflow and every webhook path registered with it.
func (r *Registry) Remove(workflowID string) {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked(workflowID)
	r.removeLocked(workflowID)
}

func (r *Registry) removeLocked(workflowID string) {
	for key, e := range r.entries {
		if e.workflowID == workflowID {
			delete(r.entries, key)
		}
	}
}

// Owner returns the workspace registered for a workflow id or webhook path.
func (r *Registry) Owner(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.TrimSpace(id)]
	return e.workspaceID, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Replace swaps the registry for a freshly built index. Workflows set,
// registered or removed after since (see Mark) keep their live state instead
// of the index's possibly stale view.
func (r *Registry) Replace(idx Index, since uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]entry, len(idx))
	for k, e := range idx {
		if r.touched[e.workflowID] > since {
			continue
		}
		next[k] = e
	}
	for k, e := range r.entries {
		if r.touched[e.workflowID] > since {
			next[k] = e
		}
	}
	for id, seq := range r.touched {
		if seq <= since {
			delete(r.touched, id)
		}
	}
	r.entries = next
}

// Index is a registry snapshot built from an engine workflow listing.
type Index map[string]entry

// BuildIndex assigns each workflow to the workspace whose tag it carries.
// Workflows with no known workspace tag are left out.
func BuildIndex(workflows []n8n.Workflow, workspaceIDs []string) Index {
	byTag := make(map[string]string, len(workspaceIDs))
	for _, ws := range workspaceIDs {
		if ws = strings.TrimSpace(ws); ws != "" {
			byTag[tenanttags.TagName(ws)] = ws
		}
	}
	idx := Index{}
	for _, wf := range workflows {
		owner := ""
		for _, t := range wf.Tags {
			if ws, ok := byTag[t.Name]; ok {
				owner = ws
				break
			}
		}
		if owner == "" || wf.ID == "" {
			continue
		}
		for key, e := range indexWorkflow(wf, owner) {
			idx[key] = e
		}
	}
	return idx
}

// WorkspaceCounts reports how many workflows each workspace owns.
func (idx Index) WorkspaceCounts() map[string]int {
	seen := map[string]bool{}
	out := map[string]int{}
	for _, e := range idx {
		if seen[e.workflowID] {
			continue
		}
		seen[e.workflowID] = true
		out[e.workspaceID]++
	}
	return out
}

func indexWorkflow(wf n8n.Workflow, workspaceID string) map[string]entry {
	id := wf.ID.String()
	out := map[string]entry{id: {workspaceID: workspaceID, workflowID: id}}
	for _, node := range wf.Nodes {
		if p := node.WebhookPath(); p != "" {
			out[p] = entry{workspaceID: workspaceID, workflowID: id}
		}
	}
	return out
}

// IsWebhookPath reports whether path is served by the engine's public
// webhook or form endpoints.
func IsWebhookPath(path string) bool {
	for _, prefix := range webhookPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// TargetID extracts the first path segment after the webhook prefix, or "".
func TargetID(path string) string {
	for _, prefix := range webhookPrefixes {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		return strings.TrimSpace(rest)
	}
	return ""
}

// Caller is the platform identity behind a request. A zero Caller is an
// anonymous public call.
type Caller struct {
	WorkspaceID string
	Elevated    bool
}

func (c Caller) anonymous() bool { return strings.TrimSpace(c.WorkspaceID) == "" }

// Check enforces ownership of targetID. Anonymous and elevated callers and
// unregistered targets pass.
func (r *Registry) Check(targetID string, c Caller) error {
	if targetID == "" || c.anonymous() || c.Elevated {
		return nil
	}
	owner, ok := r.Owner(targetID)
	if !ok || owner == c.WorkspaceID {
		return nil
	}
	return ErrWorkspaceMismatch
}

// Workspaces lists the distinct workspace ids currently registered.
func (r *Registry) Workspaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := map[string]bool{}
	for _, e := range r.entries {
		set[e.workspaceID] = true
	}
	out := make([]string, 0, len(set))
	for ws := range set {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns workflow id → workspace id, without webhook path keys.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]string{}
	for key, e := range r.entries {
		if key == e.workflowID {
			out[key] = e.workspaceID
		}
	}
	return out
}
