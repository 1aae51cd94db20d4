package n8n

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ID accepts both string and numeric identifiers; older engine releases
// used integer primary keys for tags and workflows.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

type User struct {
	ID        ID     `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Tag is an engine tag. A bare JSON string decodes as a tag name.
type Tag struct {
	ID   ID     `json:"id,omitempty"`
	Name string `json:"name"`
}

func (t *Tag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*t = Tag{Name: name}
		return nil
	}
	type plain Tag
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Tag(p)
	return nil
}

type Node struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	WebhookID  string         `json:"webhookId,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// WebhookPath returns the path segment the engine registers for a trigger
// node, or "" for non-trigger nodes.
func (n Node) WebhookPath() string {
	if !strings.HasSuffix(n.Type, ".webhook") && !strings.HasSuffix(n.Type, ".formTrigger") {
		return ""
	}
	if p, ok := n.Parameters["path"].(string); ok {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if i := strings.Index(p, "/"); i >= 0 {
			p = p[:i]
		}
		if p != "" {
			return p
		}
	}
	return strings.TrimSpace(n.WebhookID)
}

type Workflow struct {
	ID     ID     `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Tags   []Tag  `json:"tags,omitempty"`
	Nodes  []Node `json:"nodes,omitempty"`
}

// HasTag reports whether the workflow carries a tag with the given name.
func (w Workflow) HasTag(name string) bool {
	for _, t := range w.Tags {
		if t.Name == name {
			return true
		}
	}
	return false
}

type Credential struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type OwnerSetup struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Password  string `json:"password"`
}

type AcceptInvitation struct {
	InviterID string `json:"inviterId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Password  string `json:"password"`
}
