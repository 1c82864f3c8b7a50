package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joescharf/advisor/internal/models"
)

// MemoryStore implements Store in process memory. Sessions are copied on the
// way in and out so callers never share state with the map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess.Clone(), nil
	}
	sess := models.NewSession(id, s.now())
	s.sessions[id] = sess
	return sess.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, id string, expected int64, next *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("compare and swap %s: %w", id, ErrNotFound)
	}
	if cur.Version != expected {
		return fmt.Errorf("compare and swap %s (have %d, want %d): %w", id, cur.Version, expected, ErrVersionConflict)
	}

	stored := next.Clone()
	stored.ID = id
	stored.CreatedAt = cur.CreatedAt
	stored.Version = expected + 1
	stored.UpdatedAt = s.now()
	s.sessions[id] = stored

	next.Version = stored.Version
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]models.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.SessionSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Summary())
	}
	return sortSummaries(out, opts.limit()), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
