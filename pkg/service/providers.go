package service

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Logger defines the logging interface shared by the services in this
// package, so tests can inject a no-op implementation.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Prospect is one contact being worked through a campaign.
type Prospect struct {
	ID         string                 `json:"id"`
	Email      string                 `json:"email"`
	FirstName  string                 `json:"first_name,omitempty"`
	LastName   string                 `json:"last_name,omitempty"`
	Company    string                 `json:"company,omitempty"`
	ProfileURL string                 `json:"profile_url,omitempty"`
	Domain     string                 `json:"domain,omitempty"`
	Enrichment map[string]interface{} `json:"enrichment,omitempty"`
}

// Enricher is the external enrichment provider contract. Implementations
// resolve a prospect's profile URL, company, or email domain into structured
// enrichment data, or return a typed failure. Calls are synchronous; the
// engine awaits each one per item under its own timeout.
type Enricher interface {
	Enrich(ctx context.Context, p Prospect, capabilities []string) (map[string]interface{}, error)
}

// GeneratedEmail is the output of one text-generation call.
type GeneratedEmail struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// GenerationRequest carries one email-generation call to a provider.
type GenerationRequest struct {
	Prospect  Prospect `json:"prospect"`
	Prompt    string   `json:"prompt"`
	Provider  string   `json:"provider,omitempty"`
	Model     string   `json:"model,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty"`
}

// EmailGenerator is the external text-generation provider contract.
type EmailGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (GeneratedEmail, error)
}

// ContactStore is the entity-store contract for prospect records. The
// engine only needs bulk import with duplicate skipping plus simple reads;
// the real persistence layer lives elsewhere.
type ContactStore interface {
	// CreateMany inserts prospects, skipping any whose email (natural key)
	// already exists. Returns how many were created and skipped.
	CreateMany(ctx context.Context, prospects []Prospect) (created, skipped int, err error)
	Get(ctx context.Context, id string) (Prospect, error)
	List(ctx context.Context) ([]Prospect, error)
	Update(ctx context.Context, p Prospect) error
}

// ErrContactNotFound is returned by ContactStore reads for unknown ids.
var ErrContactNotFound = errors.New("contact not found")

// MemoryContactStore is an in-memory ContactStore used by tests and the
// single-process deployment.
type MemoryContactStore struct {
	byID    map[string]Prospect
	byEmail map[string]string
	order   []string
	mu      sync.RWMutex
}

func NewMemoryContactStore() *MemoryContactStore {
	return &MemoryContactStore{
		byID:    make(map[string]Prospect),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryContactStore) CreateMany(ctx context.Context, prospects []Prospect) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created, skipped := 0, 0
	for _, p := range prospects {
		if _, dup := s.byEmail[p.Email]; dup {
			skipped++
			continue
		}
		s.byID[p.ID] = p
		s.byEmail[p.Email] = p.ID
		s.order = append(s.order, p.ID)
		created++
	}
	return created, skipped, nil
}

func (s *MemoryContactStore) Get(ctx context.Context, id string) (Prospect, error) {
	if err := ctx.Err(); err != nil {
		return Prospect{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return Prospect{}, errors.Wrapf(ErrContactNotFound, "id=%s", id)
	}
	return p, nil
}

func (s *MemoryContactStore) List(ctx context.Context) ([]Prospect, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Prospect, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out, nil
}

func (s *MemoryContactStore) Update(ctx context.Context, p Prospect) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; !ok {
		return errors.Wrapf(ErrContactNotFound, "id=%s", p.ID)
	}
	s.byID[p.ID] = p
	return nil
}
