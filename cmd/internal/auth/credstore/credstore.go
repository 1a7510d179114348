// Package credstore abstracts persistence of the Pulse access credential.
//
// Only the short-lived access credential is ever stored. The refresh credential
// stays server-held behind an HttpOnly cookie; the client can trigger a refresh
// but never read it, so there is nothing of it to persist here.
package credstore

import (
	"sync"
	"time"
)

// Credential is the short-lived bearer credential authorizing API calls.
type Credential struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// IsZero reports whether the credential carries no token.
func (c Credential) IsZero() bool { return c.AccessToken == "" }

// Store abstracts persistence for the access credential.
//
// Implementations must be safe for concurrent use and must be callable when no
// storage backend exists: in that case Get reports not-found and Set/Clear are
// no-ops rather than errors.
type Store interface {
	// Get returns the stored credential, if any.
	Get() (Credential, bool)

	// Set replaces the stored credential.
	Set(Credential) error

	// Clear removes the stored credential. Clearing an empty store is not an error.
	Clear() error
}

// MemoryStore is the in-process Store used by default and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	cred Credential
	ok   bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.ok
}

func (s *MemoryStore) Set(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = c
	s.ok = !c.IsZero()
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = Credential{}
	s.ok = false
	return nil
}

// NopStore is used when no storage backend is available (e.g. ephemeral
// environments). Get reports not-found; Set and Clear succeed silently.
type NopStore struct{}

func (NopStore) Get() (Credential, bool) { return Credential{}, false }
func (NopStore) Set(Credential) error    { return nil }
func (NopStore) Clear() error            { return nil }
