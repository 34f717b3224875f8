package identity

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pkt.systems/editlock/internal/svcfields"
	"pkt.systems/pslog"
)

// TokenEntry is one bearer token in a token file.
type TokenEntry struct {
	Token    string `yaml:"token"`
	Identity `yaml:",inline"`
}

type tokenFile struct {
	Tokens []TokenEntry `yaml:"tokens"`
}

// Tokens authenticates static bearer tokens loaded from a YAML file:
//
//	tokens:
//	  - token: s3cret
//	    id: alice
//	    name: Alice
//	    roles: [admin]
type Tokens struct {
	path   string
	logger pslog.Logger

	mu     sync.RWMutex
	tokens map[[sha256.Size]byte]Identity
}

// LoadTokens reads path and returns the provider.
func LoadTokens(path string, logger pslog.Logger) (*Tokens, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	t := &Tokens{path: path, logger: svcfields.WithSubsystem(logger, "identity.tokens")}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the token file. The previous tokens stay active when the
// file cannot be parsed.
func (t *Tokens) Reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("identity: read token file: %w", err)
	}
	var file tokenFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("identity: parse token file %s: %w", t.path, err)
	}
	tokens := make(map[[sha256.Size]byte]Identity, len(file.Tokens))
	for i, entry := range file.Tokens {
		if entry.Token == "" || entry.ID == "" {
			return fmt.Errorf("identity: token file %s: entry %d needs token and id", t.path, i)
		}
		tokens[sha256.Sum256([]byte(entry.Token))] = entry.Identity
	}
	t.mu.Lock()
	t.tokens = tokens
	t.mu.Unlock()
	return nil
}

// Len returns the number of loaded tokens.
func (t *Tokens) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tokens)
}

// Authenticate implements Authenticator. An unknown bearer token is passed
// on to the next provider.
func (t *Tokens) Authenticate(_ context.Context, r *http.Request) (Identity, bool, error) {
	token, ok := BearerToken(r)
	if !ok {
		return Identity{}, false, nil
	}
	t.mu.RLock()
	id, found := t.tokens[sha256.Sum256([]byte(token))]
	t.mu.RUnlock()
	return id, found, nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are picked up.
// changed, when non-nil, is signalled after each reload attempt.
func (t *Tokens) Watch(ctx context.Context, changed chan<- error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("identity: create token watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("identity: watch %s: %w", t.path, err)
	}
	go func() {
		defer watcher.Close()
		target := filepath.Clean(t.path)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target || !evt.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				err := t.Reload()
				if err != nil {
					t.logger.Warn("identity.tokens.reload_failed", "path", t.path, "error", err)
				} else {
					t.logger.Info("identity.tokens.reloaded", "path", t.path, "tokens", t.Len())
				}
				if changed != nil {
					select {
					case changed <- err:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, fsnotify.ErrEventOverflow) {
					t.logger.Warn("identity.tokens.watch_error", "error", err)
				}
			}
		}
	}()
	return nil
}
