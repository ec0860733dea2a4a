// Package session owns the authenticated identity triple and its persistence
// across client restarts. The store is the Go counterpart of the browser's
// sessionStorage: three fixed keys in a single TOML file, written atomically.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"chatline/internal/types"
)

const (
	sessionFileMode = 0o600
	sessionDirMode  = 0o700
	sessionDir      = ".chatline"
	sessionFile     = "session.toml"
	sessionPathKey  = "session.path"
	tempFilePattern = ".session-*.toml.tmp"
)

// ErrNoSession reports that no complete session triple is persisted. A partial
// or unreadable file is treated the same as an absent one.
var ErrNoSession = errors.New("no stored session")

type fileSchema struct {
	Token    string `toml:"token"`
	Username string `toml:"username"`
	UserID   int64  `toml:"user_id"`
}

type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore resolves the session file path, defaulting to
// ~/.chatline/session.toml when the config carries no override.
func NewStore(cfg *viper.Viper) (*Store, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	cfg.SetDefault(sessionPathKey, filepath.Join(homeDir, sessionDir, sessionFile))

	path := cfg.GetString(sessionPathKey)
	if path == "" {
		return nil, errors.New("session path is empty")
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve session path: %w", err)
	}

	return &Store{path: filepath.Clean(path)}, nil
}

// Restore reads the persisted triple. It returns ErrNoSession unless token,
// username and user id are all present. Token well-formedness is not checked
// here; an invalid token is discovered when the backend rejects it.
func (s *Store) Restore() (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.Session{}, ErrNoSession
		}
		return types.Session{}, fmt.Errorf("read session file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return types.Session{}, fmt.Errorf("decode session file: %w", err)
	}

	if file.Token == "" || file.Username == "" || file.UserID == 0 {
		return types.Session{}, ErrNoSession
	}

	return types.Session{
		Token:    file.Token,
		UserID:   file.UserID,
		Username: file.Username,
	}, nil
}

// Save persists the triple, replacing any prior value.
func (s *Store) Save(sess types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := toml.Marshal(fileSchema{
		Token:    sess.Token,
		Username: sess.Username,
		UserID:   sess.UserID,
	})
	if err != nil {
		return fmt.Errorf("encode session file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), sessionDirMode); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := tempFile.Chmod(sessionFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp session file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp session file: %w", err)
	}

	if err := os.Rename(tempName, s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	cleanup = false

	return nil
}

// Clear removes the persisted data, returning the store to the empty state.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
