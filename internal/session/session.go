// Package session persists the logged-in user between CLI invocations.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cerdas-survey/fieldsync/internal/gateway"
	"github.com/cerdas-survey/fieldsync/internal/schema"
)

// FileName is the session file inside the data directory.
const FileName = "session.toml"

// ErrNoSession is returned when nobody is logged in.
var ErrNoSession = errors.New("not logged in")

// Session identifies the current user and carries the bearer token.
type Session struct {
	UserID     string    `toml:"user_id"`
	Name       string    `toml:"name"`
	Email      string    `toml:"email"`
	SatkerID   string    `toml:"satker_id,omitempty"`
	Token      string    `toml:"token"`
	BaseURL    string    `toml:"base_url,omitempty"`
	LoggedInAt time.Time `toml:"logged_in_at"`
}

// Path returns the session file location for a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Load reads the session file. A missing file yields ErrNoSession.
func Load(path string) (*Session, error) {
	var s Session
	if _, err := toml.DecodeFile(path, &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if s.UserID == "" || s.Token == "" {
		return nil, ErrNoSession
	}
	return &s, nil
}

// Save writes the session with owner-only permissions.
func (s *Session) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(s); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to install session file: %w", err)
	}
	return nil
}

// Authenticator is the login call of the gateway.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*gateway.LoginResult, error)
}

// Login authenticates against the backend and persists the new session.
func Login(ctx context.Context, auth Authenticator, path, email, password string) (*Session, error) {
	res, err := auth.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	s := &Session{
		UserID:     res.User.ID,
		Name:       res.User.Name,
		Email:      res.User.Email,
		SatkerID:   res.User.SatkerID,
		Token:      res.Token,
		LoggedInAt: time.Now().UTC().Truncate(time.Second),
	}
	if s.Email == "" {
		s.Email = email
	}
	if err := s.Save(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Logout removes the session file. Logging out twice is not an error.
func Logout(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// ActivityStore is the lookup used to resolve a role.
type ActivityStore interface {
	GetActivity(ctx context.Context, userID, id string) (*schema.Activity, error)
}

// RoleFor returns the session user's role in an activity as stored by the
// last activity fetch.
func (s *Session) RoleFor(ctx context.Context, st ActivityStore, activityID string) (schema.Role, error) {
	a, err := st.GetActivity(ctx, s.UserID, activityID)
	if err != nil {
		return "", err
	}
	if !a.UserRole.Valid() {
		return "", fmt.Errorf("activity %s has no role for user %s", activityID, s.UserID)
	}
	return a.UserRole, nil
}
