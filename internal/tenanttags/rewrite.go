package tenanttags

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var ErrNotObject = errors.New("workflow payload is not a JSON object")

var workflowCollections = []string{"/rest/workflows", "/api/v1/workflows"}

func collectionOf(path string) (string, string, bool) {
	path = "/" + strings.Trim(path, "/")
	for _, prefix := range workflowCollections {
		if path == prefix {
			return prefix, "", true
		}
		if rest, ok := strings.CutPrefix(path, prefix+"/"); ok {
			return prefix, rest, true
		}
	}
	return "", "", false
}

// IsListRequest matches workflow collection reads.
func IsListRequest(method, path string) bool {
	_, rest, ok := collectionOf(path)
	return ok && rest == "" && method == http.MethodGet
}

// IsWriteRequest matches workflow creates and full/partial updates.
func IsWriteRequest(method, path string) bool {
	prefix, rest, ok := collectionOf(path)
	if !ok || strings.Contains(rest, "/") {
		return false
	}
	if rest == "" {
		return method == http.MethodPost
	}
	if rest == "new" {
		return false
	}
	switch method {
	case http.MethodPut:
		return true
	case http.MethodPatch:
		return prefix == "/rest/workflows"
	}
	return false
}

// IsDeleteRequest matches deletion of a single workflow.
func IsDeleteRequest(method, path string) bool {
	_, rest, ok := collectionOf(path)
	return ok && method == http.MethodDelete && rest != "" && rest != "new" && !strings.Contains(rest, "/")
}

// WorkflowID returns the workflow id addressed by path, including sub-routes
// such as /rest/workflows/{id}/run.
func WorkflowID(path string) (string, bool) {
	_, rest, ok := collectionOf(path)
	if !ok || rest == "" {
		return "", false
	}
	id, _, _ := strings.Cut(rest, "/")
	if id == "" || id == "new" {
		return "", false
	}
	return id, true
}

func decodeLoose(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// FilterList keeps only items carrying tagName. It accepts {"data":[...]},
// {"data":{"data":[...]}} or a bare array and rewrites "count" when present.
// Bodies it does not recognise are returned unchanged.
func FilterList(body []byte, tagName string) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return body, nil
	}
	v, err := decodeLoose(body)
	if err != nil {
		return nil, err
	}
	if !filterValue(v, tagName, 0) {
		return body, nil
	}
	switch list := v.(type) {
	case []any:
		return json.Marshal(filterItems(list, tagName))
	default:
		return json.Marshal(v)
	}
}

// filterValue filters object-wrapped lists in place and reports whether the
// value had a recognised shape.
func filterValue(v any, tagName string, depth int) bool {
	switch t := v.(type) {
	case []any:
		return depth == 0
	case map[string]any:
		switch data := t["data"].(type) {
		case []any:
			filtered := filterItems(data, tagName)
			t["data"] = filtered
			if _, ok := t["count"]; ok {
				t["count"] = len(filtered)
			}
			return true
		case map[string]any:
			if depth > 0 {
				return false
			}
			return filterValue(data, tagName, depth+1)
		}
	}
	return false
}

func filterItems(items []any, tagName string) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		if itemHasTag(item, tagName) {
			out = append(out, item)
		}
	}
	return out
}

func itemHasTag(item any, tagName string) bool {
	obj, ok := item.(map[string]any)
	if !ok {
		return false
	}
	tags, _ := obj["tags"].([]any)
	for _, t := range tags {
		switch tag := t.(type) {
		case string:
			if tag == tagName {
				return true
			}
		case map[string]any:
			if name, _ := tag["name"].(string); name == tagName {
				return true
			}
		}
	}
	return false
}

// InjectTag adds tagID to a workflow write payload and defaults "active" to
// false, which the engine requires on create. An empty body is treated as {}.
func InjectTag(body []byte, tagID string) ([]byte, error) {
	obj := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		v, err := decodeLoose(body)
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, ErrNotObject
		}
		obj = m
	}
	if active, ok := obj["active"]; !ok || active == nil {
		obj["active"] = false
	}
	tags, _ := obj["tags"].([]any)
	if !containsTagID(tags, tagID) {
		var entry any = tagID
		if len(tags) > 0 {
			if _, isObj := tags[0].(map[string]any); isObj {
				entry = map[string]any{"id": tagID}
			}
		}
		tags = append(tags, entry)
	}
	obj["tags"] = tags
	return json.Marshal(obj)
}

func containsTagID(tags []any, tagID string) bool {
	for _, t := range tags {
		switch tag := t.(type) {
		case string:
			if tag == tagID {
				return true
			}
		case json.Number:
			if tag.String() == tagID {
				return true
			}
		case map[string]any:
			switch id := tag["id"].(type) {
			case string:
				if id == tagID {
					return true
				}
			case json.Number:
				if id.String() == tagID {
					return true
				}
			}
		}
	}
	return false
}
