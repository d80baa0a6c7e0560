// Package auth provides capability-based API keys for the HTTP API.
//
// Keys are loaded from a TOML file at startup. Each key grants operations
// (read, write) on request path patterns. The file stores SHA-256 hashes
// only; clients send the raw key.
//
// TOML format:
//
//	[keys]
//	"sha256-abc123..." = { paths = ["/api/*"], operations = ["read"] }
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// Operations a key can grant. Reads leave the graph untouched; writes
// expand it, fetch titles, run health checks or toggle external nodes.
const (
	OpRead  = "read"
	OpWrite = "write"
)

// Key is the set of permissions of one API key.
type Key struct {
	Paths      []string `toml:"paths"`
	Operations []string `toml:"operations"`
}

type keysFile struct {
	Keys map[string]Key `toml:"keys"`
}

// KeyStore holds loaded keys and answers authorization checks.
type KeyStore struct {
	keys map[string]Key
}

// Sentinel errors for authorization results.
var (
	ErrNoKey        = errors.New("no API key provided")
	ErrInvalidKey   = errors.New("invalid API key")
	ErrNotPermitted = errors.New("insufficient permissions")
)

// LoadKeys reads a TOML keys file.
func LoadKeys(path string) (*KeyStore, error) {
	var kf keysFile
	if _, err := toml.DecodeFile(path, &kf); err != nil {
		return nil, fmt.Errorf("load keys file %q: %w", path, err)
	}
	if kf.Keys == nil {
		kf.Keys = make(map[string]Key)
	}
	return &KeyStore{keys: kf.Keys}, nil
}

// NewKeyStore creates a KeyStore from hashed keys.
func NewKeyStore(keys map[string]Key) *KeyStore {
	return &KeyStore{keys: keys}
}

// HashKey returns the SHA-256 hash of a raw key as "sha256-<hex>", the form
// keys are stored under.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return "sha256-" + hex.EncodeToString(h[:])
}

// Authorize checks whether the raw key may perform operation on reqPath.
// It returns nil, ErrNoKey, ErrInvalidKey or ErrNotPermitted.
func (ks *KeyStore) Authorize(raw, reqPath, operation string) error {
	if raw == "" {
		return ErrNoKey
	}
	k, ok := ks.keys[HashKey(raw)]
	if !ok {
		return ErrInvalidKey
	}
	if !slices.Contains(k.Operations, operation) || !matchesAnyPath(k.Paths, reqPath) {
		return ErrNotPermitted
	}
	return nil
}

// matchesAnyPath matches reqPath against glob patterns. A pattern ending in
// "/*" also matches everything below it.
func matchesAnyPath(patterns []string, reqPath string) bool {
	for _, pattern := range patterns {
		if prefix, ok := strings.CutSuffix(pattern, "/*"); ok && strings.HasPrefix(reqPath, prefix+"/") {
			return true
		}
		if matched, _ := path.Match(pattern, reqPath); matched {
			return true
		}
	}
	return false
}

// Generate returns a new random raw key and its hash.
func Generate() (raw, hashed string, err error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("generate random bytes: %w", err)
	}
	raw = hex.EncodeToString(secret)
	return raw, HashKey(raw), nil
}

// Entry formats a keys-file line for a hashed key.
func Entry(hashed string, paths, operations []string) string {
	return fmt.Sprintf("%q = { paths = [%s], operations = [%s] }\n", hashed, quotedList(paths), quotedList(operations))
}

func quotedList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}
	return strings.Join(quoted, ", ")
}
