package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const sealedPrefix = "enc:"

var (
	ErrDecryptFailed = errors.New("decrypt failed; re-save credentials")
	errUnavailable   = errors.New("secret box unavailable")
)

// Box seals short secrets (engine passwords, API keys) before they are
// written to workspace storage.
type Box struct {
	// keys[0] seals; all keys are tried in order when opening so a rotated
	// FLOWGATE_SESSION_SECRET can still read values sealed under the old one.
	keys [][32]byte
}

func New(secret string, previous ...string) *Box {
	keys := make([][32]byte, 0, 1+len(previous))
	keys = append(keys, sha256.Sum256([]byte(secret)))
	for _, p := range previous {
		if strings.TrimSpace(p) == "" {
			continue
		}
		keys = append(keys, sha256.Sum256([]byte(p)))
	}
	return &Box{keys: keys}
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), sealedPrefix)
}

func (b *Box) Seal(plaintext string) (string, error) {
	if b == nil || len(b.keys) == 0 {
		return "", errUnavailable
	}
	if plaintext == "" {
		return "", nil
	}
	gcm, err := newGCM(b.keys[0])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as-is.
func (b *Box) Open(value string) (string, error) {
	if b == nil || len(b.keys) == 0 {
		return "", errUnavailable
	}
	value = strings.TrimSpace(value)
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("invalid sealed secret: %w", err)
	}
	for _, key := range b.keys {
		gcm, err := newGCM(key)
		if err != nil {
			return "", err
		}
		if len(raw) < gcm.NonceSize() {
			return "", fmt.Errorf("invalid sealed secret")
		}
		plaintext, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
		if err == nil {
			return string(plaintext), nil
		}
	}
	return "", ErrDecryptFailed
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
