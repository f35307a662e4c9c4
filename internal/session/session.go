// Package session holds the process-wide credential used by every outbound call.
package session

import (
	"context"
	"strings"
	"sync"
)

// Storage persists the credential across process restarts.
type Storage interface {
	LoadToken(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
	DeleteToken(ctx context.Context) error
}

// Credential is an immutable view of the session token. Gen increases on
// every Set or Clear, so a caller can tell whether the token it used is
// still the current one.
type Credential struct {
	Token string
	Gen   uint64
}

func (c Credential) Present() bool { return c.Token != "" }

// Session is safe for concurrent use. Writers always replace the whole
// credential.
type Session struct {
	mu      sync.RWMutex
	cur     Credential
	expired bool
	storage Storage
}

// New returns a session backed by storage. storage may be nil for an
// in-process only session.
func New(storage Storage) *Session {
	return &Session{storage: storage}
}

// Restore loads the persisted credential, if any.
func (s *Session) Restore(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	token, err := s.storage.LoadToken(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cur = Credential{Token: strings.TrimSpace(token), Gen: s.cur.Gen + 1}
	s.expired = false
	s.mu.Unlock()
	return nil
}

// Expired reports whether the last credential was dropped by Expire.
func (s *Session) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expired
}

func (s *Session) Get() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Session) Set(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return s.Clear(ctx)
	}
	s.mu.Lock()
	s.cur = Credential{Token: token, Gen: s.cur.Gen + 1}
	s.expired = false
	s.mu.Unlock()
	if s.storage != nil {
		return s.storage.SaveToken(ctx, token)
	}
	return nil
}

func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.cur = Credential{Gen: s.cur.Gen + 1}
	s.expired = false
	s.mu.Unlock()
	if s.storage != nil {
		return s.storage.DeleteToken(ctx)
	}
	return nil
}

// Expire clears the credential only if it is still generation gen and
// reports whether it did. Concurrent callers that observed the same
// generation race for a single winner. Once expired, the session stays
// expired until the next Set, Restore or Clear, so later rejected calls
// made without a credential report no winner.
func (s *Session) Expire(ctx context.Context, gen uint64) (bool, error) {
	s.mu.Lock()
	if s.cur.Gen != gen || s.expired {
		s.mu.Unlock()
		return false, nil
	}
	s.cur = Credential{Gen: s.cur.Gen + 1}
	s.expired = true
	s.mu.Unlock()
	if s.storage != nil {
		return true, s.storage.DeleteToken(ctx)
	}
	return true, nil
}

// MemoryStorage keeps the token in memory.
type MemoryStorage struct {
	mu      sync.Mutex
	token   string
	deletes int
}

func (m *MemoryStorage) LoadToken(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemoryStorage) SaveToken(_ context.Context, token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) DeleteToken(context.Context) error {
	m.mu.Lock()
	m.token = ""
	m.deletes++
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) DeleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}
