package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/models"
)

// MemoryStore is an in-memory implementation of the SessionStore interface.
type MemoryStore struct {
	sessions map[string]models.WorkflowSession
	progress map[string]models.WorkflowProgress
	mu       sync.RWMutex
}

// NewMemoryStore creates a new MemoryStore instance.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.WorkflowSession),
		progress: make(map[string]models.WorkflowProgress),
	}
}

// withContext runs fn unless the context is already cancelled.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	default:
		return fn()
	}
}

func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

func (s *MemoryStore) SaveSession(ctx context.Context, sess models.WorkflowSession) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.sessions[sess.ID] = sess
		return struct{}{}, nil
	})
	return err
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (models.WorkflowSession, error) {
	return getItem(ctx, &s.mu, s.sessions, id, ErrSessionNotFound)
}

func (s *MemoryStore) ListSessions(ctx context.Context, userID string) ([]models.WorkflowSession, error) {
	return withContext(ctx, func() ([]models.WorkflowSession, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]models.WorkflowSession, 0, len(s.sessions))
		for _, sess := range s.sessions {
			if userID != "" && sess.UserID != userID {
				continue
			}
			out = append(out, sess)
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
		return out, nil
	})
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.sessions[id]; !ok {
			return struct{}{}, fmt.Errorf("%w: id=%s", ErrSessionNotFound, id)
		}
		delete(s.sessions, id)
		return struct{}{}, nil
	})
	return err
}

func (s *MemoryStore) CreateProgress(ctx context.Context, p models.WorkflowProgress) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.progress[p.SessionID]; ok {
			return struct{}{}, fmt.Errorf("%w: id=%s", ErrProgressExists, p.SessionID)
		}
		s.progress[p.SessionID] = p.Clone()
		return struct{}{}, nil
	})
	return err
}

func (s *MemoryStore) SaveProgress(ctx context.Context, p models.WorkflowProgress) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.progress[p.SessionID] = p.Clone()
		return struct{}{}, nil
	})
	return err
}

func (s *MemoryStore) GetProgress(ctx context.Context, sessionID string) (models.WorkflowProgress, error) {
	p, err := getItem(ctx, &s.mu, s.progress, sessionID, ErrProgressNotFound)
	if err != nil {
		return models.WorkflowProgress{}, err
	}
	return p.Clone(), nil
}

func (s *MemoryStore) DeleteProgress(ctx context.Context, sessionID string) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.progress, sessionID)
		return struct{}{}, nil
	})
	return err
}

func (s *MemoryStore) Close() error {
	return nil
}
