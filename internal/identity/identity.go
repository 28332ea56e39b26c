// Package identity supplies access tokens for backend calls. The session
// exchange protocol itself lives outside this module; this layer only loads,
// caches, and persists the resulting session.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"textbridge/internal/logging"
	"textbridge/internal/protocol"
)

// Provider yields an access token for the current session.
type Provider interface {
	// AccessToken returns a bearer token, or protocol.ErrNoSession when no
	// session is present.
	AccessToken(ctx context.Context) (string, error)
	// IdentityID returns the stable id of the signed-in identity, or ""
	// when signed out.
	IdentityID() string
}

// Session is the persisted identity state.
type Session struct {
	IdentityID   string    `json:"identityId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"-"`
	CreatedAt    time.Time `json:"-"`
}

// sessionJSON mirrors Session with millisecond timestamps on disk. Named
// fields rather than an embedded Session, so decoding it cannot re-enter
// Session's own UnmarshalJSON.
type sessionJSON struct {
	IdentityID   string `json:"identityId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Expiry       int64  `json:"expiry,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

func (s *Session) MarshalJSON() ([]byte, error) {
	aux := sessionJSON{
		IdentityID:   s.IdentityID,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		CreatedAt:    s.CreatedAt.UnixMilli(),
	}
	if !s.Expiry.IsZero() {
		aux.Expiry = s.Expiry.UnixMilli()
	}
	return json.Marshal(aux)
}

func (s *Session) UnmarshalJSON(data []byte) error {
	var aux sessionJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.IdentityID = aux.IdentityID
	s.AccessToken = aux.AccessToken
	s.RefreshToken = aux.RefreshToken
	s.Expiry = time.Time{}
	s.CreatedAt = time.Time{}
	if aux.Expiry > 0 {
		s.Expiry = time.UnixMilli(aux.Expiry)
	}
	if aux.CreatedAt > 0 {
		s.CreatedAt = time.UnixMilli(aux.CreatedAt)
	}
	return nil
}

// FileSession loads and persists the session under
// <workspace>/.textbridge/session.json.
type FileSession struct {
	mu       sync.RWMutex
	path     string
	session  *Session
	loadOnce sync.Once
}

// NewFileSession creates a provider reading from the given workspace.
func NewFileSession(workspace string) *FileSession {
	return &FileSession{
		path: filepath.Join(workspace, ".textbridge", "session.json"),
	}
}

func (f *FileSession) load() {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Auth("Failed to read session file: %v", err)
		}
		return
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		logging.Auth("Corrupt session file %s: %v", f.path, err)
		return
	}
	f.session = &s
	logging.AuthDebug("Loaded session for identity %s", s.IdentityID)
}

// AccessToken returns the stored token. An absent or expired session yields
// protocol.ErrNoSession; the caller is expected to trigger re-auth.
func (f *FileSession) AccessToken(ctx context.Context) (string, error) {
	f.loadOnce.Do(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.load()
	})

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.session == nil || f.session.AccessToken == "" {
		return "", protocol.ErrNoSession
	}
	if !f.session.Expiry.IsZero() && time.Now().After(f.session.Expiry) {
		return "", fmt.Errorf("session for %s expired: %w", f.session.IdentityID, protocol.ErrNoSession)
	}
	return f.session.AccessToken, nil
}

// IdentityID returns the signed-in identity, or "" when signed out.
func (f *FileSession) IdentityID() string {
	f.loadOnce.Do(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.load()
	})

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.session == nil {
		return ""
	}
	return f.session.IdentityID
}

// Save persists a new session, replacing any existing one.
func (f *FileSession) Save(s Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	data, err := json.MarshalIndent(&s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}

	f.mu.Lock()
	f.session = &s
	f.mu.Unlock()
	logging.Auth("Saved session for identity %s", s.IdentityID)
	return nil
}

// Clear removes the stored session.
func (f *FileSession) Clear() error {
	f.mu.Lock()
	f.session = nil
	f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

var _ Provider = (*FileSession)(nil)

// Static is a fixed-token provider for tests and embedded use.
type Static struct {
	Token string
	ID    string
}

func (s Static) AccessToken(ctx context.Context) (string, error) {
	if s.Token == "" {
		return "", protocol.ErrNoSession
	}
	return s.Token, nil
}

func (s Static) IdentityID() string { return s.ID }

var _ Provider = Static{}
