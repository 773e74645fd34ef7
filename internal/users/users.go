// Package users implements the filesystem-backed user registry (C2):
// persisting per-user metadata and data-directory layout under a root path.
package users

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/pixelated/dispatcher/internal/apperr"
	"github.com/pixelated/dispatcher/internal/logging"
	"github.com/pixelated/dispatcher/internal/srp"
)

// nameRE enforces the login-name grammar from §3: ASCII, [A-Za-z0-9_.-]+,
// length 1..64.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidateName reports whether name satisfies the login-name grammar.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return apperr.Newf(apperr.ValidationError, "invalid user name %q", name)
	}
	return nil
}

// Config is the on-disk layout handle for one user (§4.2's UserConfig).
type Config struct {
	Name string
	Path string // <root>/<name>
}

// DataDir is the agent-private subdirectory within the user's path.
func (c Config) DataDir() string { return filepath.Join(c.Path, "data") }

// CAFilePath is where a copied provider CA certificate lives, if configured.
func (c Config) CAFilePath() string {
	return filepath.Join(c.DataDir(), "dispatcher-leap-provider-ca.crt")
}

// credentialPath holds the salt/verifier pair the manager's own
// POST /agents/{n}/authenticate check derives from. It lives beside, not
// inside, data/ so a reset_data call never disturbs it.
func (c Config) credentialPath() string {
	return filepath.Join(c.Path, ".credential")
}

// Registry persists user rows as directories under root. Per-user mutations
// are serialized by a per-name lock so concurrent add/remove/reset calls on
// distinct users never contend, while calls on the same user never race.
type Registry struct {
	root string
	log  *logging.Logger

	mu    sync.Mutex // protects locks and the in-memory name set
	names map[string]struct{}
	locks map[string]*sync.Mutex
}

// New creates a Registry rooted at root, creating root itself if needed, and
// populates the in-memory name set from any pre-existing directories (so a
// restarted manager picks up previously-added users).
func New(root string, log *logging.Logger) (*Registry, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	r := &Registry{
		root:  root,
		log:   log,
		names: make(map[string]struct{}),
		locks: make(map[string]*sync.Mutex),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read root path: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && nameRE.MatchString(e.Name()) {
			r.names[e.Name()] = struct{}{}
		}
	}
	return r, nil
}

func (r *Registry) lockFor(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// Add creates <root>/<name>/data/ with restrictive permissions and registers
// the user. Fails with apperr.Exists if the user already exists.
func (r *Registry) Add(name string) (Config, error) {
	if err := ValidateName(name); err != nil {
		return Config{}, err
	}

	l := r.lockFor(name)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	_, exists := r.names[name]
	r.mu.Unlock()
	if exists {
		return Config{}, apperr.Newf(apperr.Exists, "user %q already exists", name)
	}

	cfg := Config{Name: name, Path: filepath.Join(r.root, name)}
	if err := os.MkdirAll(cfg.DataDir(), 0o700); err != nil {
		return Config{}, fmt.Errorf("create user data dir: %w", err)
	}

	r.mu.Lock()
	r.names[name] = struct{}{}
	r.mu.Unlock()

	r.log.Info("user added", "name", name)
	return cfg, nil
}

// Get returns the Config for name, failing with apperr.NotFound if unknown.
func (r *Registry) Get(name string) (Config, error) {
	r.mu.Lock()
	_, exists := r.names[name]
	r.mu.Unlock()
	if !exists {
		return Config{}, apperr.Newf(apperr.NotFound, "user %q not found", name)
	}
	return Config{Name: name, Path: filepath.Join(r.root, name)}, nil
}

// List returns all registered user names, unordered.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.names))
	for n := range r.names {
		out = append(out, n)
	}
	return out
}

// Remove deletes data/ then the user row. The caller (lifecycle supervisor)
// is responsible for enforcing invariant 4 (state = stopped) before calling.
func (r *Registry) Remove(name string) error {
	l := r.lockFor(name)
	l.Lock()
	defer l.Unlock()

	cfg, err := r.Get(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(cfg.Path); err != nil {
		return fmt.Errorf("remove user directory: %w", err)
	}

	r.mu.Lock()
	delete(r.names, name)
	delete(r.locks, name)
	r.mu.Unlock()

	r.log.Info("user removed", "name", name)
	return nil
}

// Reset empties data/ contents but keeps the user row, per §3's reset_data.
func (r *Registry) Reset(name string) error {
	l := r.lockFor(name)
	l.Lock()
	defer l.Unlock()

	cfg, err := r.Get(name)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(cfg.DataDir())
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(cfg.DataDir(), e.Name())); err != nil {
			return fmt.Errorf("reset data dir: %w", err)
		}
	}

	r.log.Info("user data reset", "name", name)
	return nil
}

// SetCredential derives a fresh SRP salt/verifier pair for password and
// persists it for name, so a later CheckPassword call can validate a
// submitted password without the plaintext ever being stored. Called once
// at "add" time.
func (r *Registry) SetCredential(name, password string) error {
	l := r.lockFor(name)
	l.Lock()
	defer l.Unlock()

	cfg, err := r.Get(name)
	if err != nil {
		return err
	}

	salt, verifier, err := srp.NewCredential(name, password)
	if err != nil {
		return fmt.Errorf("derive credential: %w", err)
	}
	body := salt + "\n" + verifier + "\n"
	if err := os.WriteFile(cfg.credentialPath(), []byte(body), 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// CheckPassword reports whether password matches the credential stored by
// SetCredential for name. Fails with apperr.NotFound if name has never had a
// credential staged.
func (r *Registry) CheckPassword(name, password string) (bool, error) {
	cfg, err := r.Get(name)
	if err != nil {
		return false, err
	}

	raw, err := os.ReadFile(cfg.credentialPath())
	if err != nil {
		if os.IsNotExist(err) {
			return false, apperr.Newf(apperr.NotFound, "no credential staged for %q", name)
		}
		return false, fmt.Errorf("read credential: %w", err)
	}
	lines := strings.SplitN(string(raw), "\n", 2)
	if len(lines) < 2 {
		return false, fmt.Errorf("malformed credential file for %q", name)
	}
	salt, verifier := lines[0], strings.TrimSpace(lines[1])

	return srp.CheckCredential(name, password, salt, verifier)
}
