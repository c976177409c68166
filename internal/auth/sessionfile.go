package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/omochice/duo-chat/internal/chat"
)

// ErrNoSession means no persisted session exists.
var ErrNoSession = errors.New("no persisted session")

// SessionFile persists one session to disk so a restart can rehydrate
// it without re-authenticating. Cleared on logout.
type SessionFile struct {
	path string
}

// NewSessionFile uses the given path.
func NewSessionFile(path string) *SessionFile {
	return &SessionFile{path: path}
}

// DefaultSessionPath returns the per-user default location.
func DefaultSessionPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config dir: %w", err)
	}
	return filepath.Join(dir, "duo-chat", "session.json"), nil
}

// Load reads the persisted session. Returns ErrNoSession when absent.
func (f *SessionFile) Load() (chat.Session, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return chat.Session{}, ErrNoSession
		}
		return chat.Session{}, fmt.Errorf("failed to read session file: %w", err)
	}
	var sess chat.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return chat.Session{}, fmt.Errorf("failed to decode session file: %w", err)
	}
	if sess.Token == "" || sess.UserID == "" {
		return chat.Session{}, ErrNoSession
	}
	return sess, nil
}

// Save writes the session with owner-only permissions.
func (f *SessionFile) Save(sess chat.Session) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// Clear removes the persisted session. Missing file is not an error.
func (f *SessionFile) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
