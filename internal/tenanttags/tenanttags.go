// Package tenanttags partitions engine workflows between workspaces using one
// deterministic engine tag per workspace.
package tenanttags

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/flowgate/flowgate/integrations/n8n"
	"golang.org/x/sync/singleflight"
)

const (
	Prefix = "ws-"
	// The engine caps tag names at 24 characters.
	digestChars = 21
)

// TagName returns the workspace's tag: "ws-" plus the first 21 hex
// characters of sha256(workspaceID).
func TagName(workspaceID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(workspaceID)))
	return Prefix + hex.EncodeToString(sum[:])[:digestChars]
}

// Isolator caches tag ids per engine and workspace. Losing the cache is
// harmless; the next EnsureTag re-lists.
type Isolator struct {
	mu     sync.Mutex
	ids    map[string]n8n.ID
	flight singleflight.Group
}

func NewIsolator() *Isolator {
	return &Isolator{ids: map[string]n8n.ID{}}
}

func cacheKey(engineURL, name string) string {
	return strings.TrimRight(engineURL, "/") + "|" + name
}

// Cached returns the tag id already resolved for the workspace, if any.
func (i *Isolator) Cached(engineURL, workspaceID string) (n8n.ID, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	id, ok := i.ids[cacheKey(engineURL, TagName(workspaceID))]
	return id, ok
}

// Forget drops the cached id, e.g. after the tag was deleted in the engine.
func (i *Isolator) Forget(engineURL, workspaceID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.ids, cacheKey(engineURL, TagName(workspaceID)))
}

// EnsureTag returns the workspace tag, creating it in the engine when it
// does not exist yet. cookie is any engine session allowed to manage tags.
func (i *Isolator) EnsureTag(ctx context.Context, client *n8n.Client, cookie, workspaceID string) (n8n.Tag, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return n8n.Tag{}, errors.New("workspace id is required")
	}
	name := TagName(workspaceID)
	key := cacheKey(client.BaseURL(), name)
	if id, ok := i.Cached(client.BaseURL(), workspaceID); ok {
		return n8n.Tag{ID: id, Name: name}, nil
	}
	v, err, _ := i.flight.Do(key, func() (any, error) {
		tag, err := resolveTag(ctx, client, cookie, name)
		if err != nil {
			return n8n.Tag{}, err
		}
		i.mu.Lock()
		i.ids[key] = tag.ID
		i.mu.Unlock()
		return tag, nil
	})
	if err != nil {
		return n8n.Tag{}, err
	}
	return v.(n8n.Tag), nil
}

func resolveTag(ctx context.Context, client *n8n.Client, cookie, name string) (n8n.Tag, error) {
	if tag, ok, err := findTag(ctx, client, cookie, name); err != nil || ok {
		return tag, err
	}
	tag, err := client.CreateTag(ctx, cookie, name)
	if err == nil {
		return tag, nil
	}
	// Lost a creation race with another replica.
	if n8n.StatusCode(err) == http.StatusConflict {
		if existing, ok, lerr := findTag(ctx, client, cookie, name); lerr == nil && ok {
			return existing, nil
		}
	}
	return n8n.Tag{}, fmt.Errorf("create workspace tag %s: %w", name, err)
}

func findTag(ctx context.Context, client *n8n.Client, cookie, name string) (n8n.Tag, bool, error) {
	tags, err := client.ListTags(ctx, cookie)
	if err != nil {
		return n8n.Tag{}, false, fmt.Errorf("list tags: %w", err)
	}
	for _, t := range tags {
		if t.Name == name && t.ID != "" {
			return t, true, nil
		}
	}
	return n8n.Tag{}, false, nil
}
