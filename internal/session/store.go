package session

import (
	"context"
	"strings"
	"sync"
)

// Store is the durable mirror of the live session table. Saves carry a
// monotonically increasing Version; a store must ignore a save whose version
// is not newer than what it holds.
type Store interface {
	SaveSession(ctx context.Context, s Session) error
	LoadSession(ctx context.Context, sessionID string) (Session, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// InMemoryStore keeps snapshots in process; used for local/dev and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]Session)}
}

func (s *InMemoryStore) SaveSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sess.ID]; ok && cur.Version >= sess.Version {
		return nil
	}
	s.sessions[sess.ID] = *clone(&sess)
	return nil
}

func (s *InMemoryStore) LoadSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *clone(&sess), nil
}

func (s *InMemoryStore) Close() error { return nil }
