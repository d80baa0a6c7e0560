// Package tokens stores session tokens per ServiceNow instance.
//
// Tokens live in a TOML file (default ~/.kbgraph/tokens.toml) keyed by the
// instance host name, so the CLI can attach the right X-UserToken header
// without the token appearing on the command line.
//
// TOML format:
//
//	["acme.service-now.com"]
//	token = "abc123..."
//	added = 2024-03-01T10:00:00Z
package tokens

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type entry struct {
	Token string    `toml:"token"`
	Added time.Time `toml:"added"`
}

// Store manages session tokens keyed by instance host.
type Store struct {
	path   string
	tokens map[string]entry
	now    func() time.Time
}

// DefaultPath returns the default tokens file path (~/.kbgraph/tokens.toml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kbgraph", "tokens.toml")
}

// HostKey reduces an instance reference to the key tokens are stored
// under. It accepts a full URL ("https://acme.service-now.com/") or a bare
// host name.
func HostKey(instance string) (string, error) {
	s := strings.TrimSpace(instance)
	if s == "" {
		return "", fmt.Errorf("empty instance")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid instance %q: %w", instance, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid instance %q: no host", instance)
	}
	return strings.ToLower(u.Host), nil
}

// Load reads a tokens file from disk. Returns an empty store if the file
// does not exist yet. Returns an error if path is empty.
func Load(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("tokens file path is empty (could not determine home directory)")
	}
	s := &Store{path: path, tokens: make(map[string]entry), now: time.Now}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read tokens file %q: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if _, err := toml.Decode(string(data), &s.tokens); err != nil {
		return nil, fmt.Errorf("parse tokens file %q: %w", path, err)
	}
	return s, nil
}

// Get returns the token for the given instance, or empty string if none is
// stored or the instance cannot be parsed.
func (s *Store) Get(instance string) string {
	key, err := HostKey(instance)
	if err != nil {
		return ""
	}
	return s.tokens[key].Token
}

// Set stores a token for the given instance and writes to disk.
func (s *Store) Set(instance, token string) error {
	key, err := HostKey(instance)
	if err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("empty token for %s", key)
	}
	s.tokens[key] = entry{Token: token, Added: s.now().UTC().Truncate(time.Second)}
	return s.save()
}

// Remove deletes the token for the given instance and writes to disk. It
// reports whether a token was stored.
func (s *Store) Remove(instance string) (bool, error) {
	key, err := HostKey(instance)
	if err != nil {
		return false, err
	}
	if _, ok := s.tokens[key]; !ok {
		return false, nil
	}
	delete(s.tokens, key)
	return true, s.save()
}

// Hosts returns a sorted list of all stored instance hosts.
func (s *Store) Hosts() []string {
	hosts := make([]string, 0, len(s.tokens))
	for h := range s.tokens {
		hosts = append(hosts, h)
	}
	slices.Sort(hosts)
	return hosts
}

// Added returns when the token for instance was stored.
func (s *Store) Added(instance string) (time.Time, bool) {
	key, err := HostKey(instance)
	if err != nil {
		return time.Time{}, false
	}
	e, ok := s.tokens[key]
	return e.Added, ok
}

// save writes through a temporary file so a crash never leaves a truncated
// tokens file behind.
func (s *Store) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create tokens directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".tokens-*.toml")
	if err != nil {
		return fmt.Errorf("open tokens file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return fmt.Errorf("chmod tokens file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(s.tokens); err != nil {
		_ = f.Close()
		return fmt.Errorf("write tokens file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write tokens file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace tokens file: %w", err)
	}
	return nil
}
