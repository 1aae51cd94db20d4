package platformauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

const usersFileVersion = 1

const usersFileSchema = `{
  "type": "object",
  "required": ["users", "sessions"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "users": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "email", "passwordHash", "passwordSalt", "role", "workspaceId"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "email": {"type": "string", "minLength": 3},
          "role": {"enum": ["viewer", "member", "admin", "owner"]},
          "workspaceId": {"type": "string", "minLength": 1}
        }
      }
    },
    "sessions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "userId", "tokenHash", "expiresAt"],
        "properties": {
          "tokenHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
        }
      }
    }
  }
}`

var compileUsersSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(usersFileSchema))
})

type usersFile struct {
	Version  int       `json:"version"`
	Users    []User    `json:"users"`
	Sessions []Session `json:"sessions"`
}

// FileStore keeps every user and session in one JSON document. Each
// mutation re-reads the file when it changed on disk, applies the change and
// replaces the file atomically.
type FileStore struct {
	path string

	mu      sync.Mutex
	state   *usersFile
	modTime time.Time
	size    int64
}

func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create users dir: %w", err)
	}
	s := &FileStore{path: path}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) loadLocked() (*usersFile, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		if s.state == nil {
			s.state = &usersFile{Version: usersFileVersion}
		}
		return s.state, nil
	}
	if err != nil {
		return nil, err
	}
	if s.state != nil && info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return s.state, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if err := validateUsersFile(data); err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	var state usersFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	s.state, s.modTime, s.size = &state, info.ModTime(), info.Size()
	return s.state, nil
}

func validateUsersFile(data []byte) error {
	schema, err := compileUsersSchema()
	if err != nil {
		return fmt.Errorf("compile users schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("validate users file: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("users file failed schema validation: %s", strings.Join(msgs, "; "))
}

func (s *FileStore) read(fn func(*usersFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	return fn(state)
}

func (s *FileStore) mutate(fn func(*usersFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		// Drop the possibly half-applied change; the next call re-reads disk.
		s.state = nil
		return err
	}
	return s.writeLocked(state)
}

func (s *FileStore) writeLocked(state *usersFile) error {
	state.Version = usersFileVersion
	if state.Users == nil {
		state.Users = []User{}
	}
	if state.Sessions == nil {
		state.Sessions = []Session{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".users-*.json")
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
	if err := os.Rename(tmpName, s.path); err != nil {
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		s.state = nil
		return err
	}
	s.state, s.modTime, s.size = state, info.ModTime(), info.Size()
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *FileStore) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	err := s.read(func(state *usersFile) error {
		out = append([]User(nil), state.Users...)
		return nil
	})
	return out, err
}

func (s *FileStore) GetUser(ctx context.Context, id string) (User, error) {
	var out User
	err := s.read(func(state *usersFile) error {
		for _, u := range state.Users {
			if u.ID == id {
				out = u
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s *FileStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	email = normalizeEmail(email)
	var out User
	err := s.read(func(state *usersFile) error {
		for _, u := range state.Users {
			if u.Email == email {
				out = u
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s *FileStore) CreateUser(ctx context.Context, u User) error {
	u.Email = normalizeEmail(u.Email)
	return s.mutate(func(state *usersFile) error {
		for _, existing := range state.Users {
			if existing.Email == u.Email {
				return ErrEmailTaken
			}
		}
		state.Users = append(state.Users, u)
		return nil
	})
}

func (s *FileStore) UpdateUser(ctx context.Context, u User) error {
	return s.mutate(func(state *usersFile) error {
		for i := range state.Users {
			if state.Users[i].ID == u.ID {
				state.Users[i] = u
				return nil
			}
		}
		return ErrNotFound
	})
}

func (s *FileStore) CreateSession(ctx context.Context, sess Session) error {
	return s.mutate(func(state *usersFile) error {
		state.Sessions = append(state.Sessions, sess)
		return nil
	})
}

func (s *FileStore) GetSessionByHash(ctx context.Context, tokenHash string) (Session, error) {
	var out Session
	err := s.read(func(state *usersFile) error {
		found := false
		for _, sess := range state.Sessions {
			if hashesEqual(sess.TokenHash, tokenHash) && !found {
				out, found = sess, true
			}
		}
		if !found {
			return ErrNotFound
		}
		return nil
	})
	return out, err
}

func (s *FileStore) UpdateSession(ctx context.Context, sess Session) error {
	return s.mutate(func(state *usersFile) error {
		for i := range state.Sessions {
			if state.Sessions[i].ID == sess.ID {
				state.Sessions[i] = sess
				return nil
			}
		}
		return ErrNotFound
	})
}

func (s *FileStore) DeleteSession(ctx context.Context, id string) error {
	return s.mutate(func(state *usersFile) error {
		kept := state.Sessions[:0]
		for _, sess := range state.Sessions {
			if sess.ID != id {
				kept = append(kept, sess)
			}
		}
		state.Sessions = kept
		return nil
	})
}

func (s *FileStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.mutate(func(state *usersFile) error {
		kept := state.Sessions[:0]
		for _, sess := range state.Sessions {
			if sess.ExpiresAt.After(now) {
				kept = append(kept, sess)
				continue
			}
			removed++
		}
		state.Sessions = kept
		return nil
	})
	return removed, err
}
