package engineauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flowgate/flowgate/internal/secretbox"
)

var ErrIdentityNotFound = errors.New("engine identity not found")

const (
	identityFile = "engine-identity.json"
	apiKeyFile   = "engine-api-key.json"
)

// Identity is the engine account provisioned for one workspace.
type Identity struct {
	WorkspaceID  string    `json:"workspaceId"`
	Email        string    `json:"email"`
	Password     string    `json:"password"`
	EngineUserID string    `json:"engineUserId,omitempty"`
	EngineURL    string    `json:"engineUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// APIKey is a workspace-scoped public-API key and the engine it was issued by.
type APIKey struct {
	Key       string    `json:"key"`
	BaseURL   string    `json:"baseUrl"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IdentityStore persists per-workspace engine credentials under
// <root>/workspaces/<id>/. Secrets are sealed with the box before writing.
type IdentityStore struct {
	root string
	box  *secretbox.Box
	mu   sync.Mutex
}

func NewIdentityStore(dataDir string, box *secretbox.Box) *IdentityStore {
	return &IdentityStore{root: filepath.Join(dataDir, "workspaces"), box: box}
}

// sanitizeWorkspaceID maps an id onto a single safe path segment.
func sanitizeWorkspaceID(id string) (string, error) {
	id = strings.TrimSpace(id)
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return "", fmt.Errorf("invalid workspace id %q", id)
	}
	return out, nil
}

func (s *IdentityStore) path(workspaceID, name string) (string, error) {
	dir, err := sanitizeWorkspaceID(workspaceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, dir, name), nil
}

func (s *IdentityStore) Load(workspaceID string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ident Identity
	if err := s.readLocked(workspaceID, identityFile, &ident); err != nil {
		return Identity{}, err
	}
	password, err := s.box.Open(ident.Password)
	if err != nil {
		return Identity{}, fmt.Errorf("open engine password for workspace %s: %w", workspaceID, err)
	}
	ident.Password = password
	if strings.TrimSpace(ident.Email) == "" || ident.Password == "" {
		return Identity{}, fmt.Errorf("%w: incomplete record for workspace %s", ErrIdentityNotFound, workspaceID)
	}
	return ident, nil
}

func (s *IdentityStore) Save(ident Identity) error {
	sealed, err := s.box.Seal(ident.Password)
	if err != nil {
		return fmt.Errorf("seal engine password: %w", err)
	}
	ident.Password = sealed
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ident.WorkspaceID, identityFile, ident)
}

// Delete removes the workspace identity. Deleting a missing identity is not
// an error.
func (s *IdentityStore) Delete(workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.path(workspaceID, identityFile)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *IdentityStore) LoadAPIKey(workspaceID string) (APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var key APIKey
	if err := s.readLocked(workspaceID, apiKeyFile, &key); err != nil {
		return APIKey{}, err
	}
	plain, err := s.box.Open(key.Key)
	if err != nil {
		return APIKey{}, fmt.Errorf("open engine api key for workspace %s: %w", workspaceID, err)
	}
	key.Key = plain
	return key, nil
}

func (s *IdentityStore) SaveAPIKey(workspaceID string, key APIKey) error {
	sealed, err := s.box.Seal(key.Key)
	if err != nil {
		return fmt.Errorf("seal engine api key: %w", err)
	}
	key.Key = sealed
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(workspaceID, apiKeyFile, key)
}

func (s *IdentityStore) readLocked(workspaceID, name string, out any) error {
	path, err := s.path(workspaceID, name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrIdentityNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (s *IdentityStore) writeLocked(workspaceID, name string, v any) error {
	path, err := s.path(workspaceID, name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
