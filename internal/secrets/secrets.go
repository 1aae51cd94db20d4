package secrets

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Dir holds mounted secret files (one value per file).
var Dir = "/run/secrets"

// Lookup resolves a secret from, in order: the KEY env var, the file named by
// KEY_FILE, and Dir/name. A missing mounted file is reported as not found; an
// unreadable KEY_FILE is an error because it was explicitly configured.
func Lookup(key, name string) (string, bool, error) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val, true, nil
	}
	if file := strings.TrimSpace(os.Getenv(key + "_FILE")); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", false, err
		}
		val := strings.TrimSpace(string(data))
		return val, val != "", nil
	}
	if strings.TrimSpace(name) == "" {
		return "", false, nil
	}
	data, err := os.ReadFile(filepath.Join(Dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	val := strings.TrimSpace(string(data))
	return val, val != "", nil
}
