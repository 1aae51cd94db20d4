package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// tagListPaths are tried in order; some releases reject the bare list call
// without the usage-count flag.
var tagListPaths = []string{
	"/rest/tags",
	"/rest/tags?withUsageCount=false",
}

func (c *Client) ListTags(ctx context.Context, cookie string) ([]Tag, error) {
	var lastErr error
	for _, path := range tagListPaths {
		resp, body, err := c.Do(ctx, http.MethodGet, path, nil, cookie)
		if err != nil {
			return nil, err
		}
		if !isOK(resp.StatusCode) {
			lastErr = &StatusError{Op: "list tags", Status: resp.StatusCode, Body: string(body)}
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, lastErr
			}
			continue
		}
		var tags []Tag
		if err := decodeData(body, &tags); err != nil {
			return nil, fmt.Errorf("decode n8n tags: %w", err)
		}
		return tags, nil
	}
	return nil, lastErr
}

func (c *Client) CreateTag(ctx context.Context, cookie, name string) (Tag, error) {
	resp, body, err := c.Do(ctx, http.MethodPost, "/rest/tags", map[string]string{"name": name}, cookie)
	if err != nil {
		return Tag{}, err
	}
	if !isOK(resp.StatusCode) {
		return Tag{}, &StatusError{Op: "create tag", Status: resp.StatusCode, Body: string(body)}
	}
	var tag Tag
	if err := decodeData(body, &tag); err != nil {
		return Tag{}, fmt.Errorf("decode n8n tag: %w", err)
	}
	if tag.ID == "" {
		return Tag{}, fmt.Errorf("n8n create tag %q returned no id", name)
	}
	return tag, nil
}

type workflowList struct {
	Count int        `json:"count"`
	Data  []Workflow `json:"data"`
}

// ListWorkflows returns every workflow visible to the cookie's identity.
func (c *Client) ListWorkflows(ctx context.Context, cookie string) ([]Workflow, error) {
	resp, body, err := c.Do(ctx, http.MethodGet, "/rest/workflows", nil, cookie)
	if err != nil {
		return nil, err
	}
	if !isOK(resp.StatusCode) {
		return nil, &StatusError{Op: "list workflows", Status: resp.StatusCode, Body: string(body)}
	}
	var list workflowList
	if err := decodeWorkflowList(body, &list); err != nil {
		return nil, fmt.Errorf("decode n8n workflows: %w", err)
	}
	return list.Data, nil
}

func (c *Client) GetWorkflow(ctx context.Context, cookie, id string) (*Workflow, error) {
	resp, body, err := c.Do(ctx, http.MethodGet, "/rest/workflows/"+url.PathEscape(id), nil, cookie)
	if err != nil {
		return nil, err
	}
	if !isOK(resp.StatusCode) {
		return nil, &StatusError{Op: "get workflow", Status: resp.StatusCode, Body: string(body)}
	}
	var wf Workflow
	if err := decodeData(body, &wf); err != nil {
		return nil, fmt.Errorf("decode n8n workflow: %w", err)
	}
	return &wf, nil
}

func (c *Client) ListCredentials(ctx context.Context, cookie string) ([]Credential, error) {
	resp, body, err := c.Do(ctx, http.MethodGet, "/rest/credentials", nil, cookie)
	if err != nil {
		return nil, err
	}
	if !isOK(resp.StatusCode) {
		return nil, &StatusError{Op: "list credentials", Status: resp.StatusCode, Body: string(body)}
	}
	var creds []Credential
	if err := decodeData(body, &creds); err != nil {
		return nil, fmt.Errorf("decode n8n credentials: %w", err)
	}
	return creds, nil
}

// decodeWorkflowList accepts {"count","data":[...]}, the same object nested
// under "data", or a bare array.
func decodeWorkflowList(body []byte, out *workflowList) error {
	inner := bytes.TrimSpace(unwrapData(body))
	if len(inner) > 0 && inner[0] == '[' {
		return json.Unmarshal(inner, &out.Data)
	}
	return json.Unmarshal(inner, out)
}
