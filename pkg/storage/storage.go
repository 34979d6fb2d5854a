package storage

import (
	"context"
	"errors"

	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/models"
)

// Errors
var (
	ErrSessionNotFound  = errors.New("workflow session not found")
	ErrProgressNotFound = errors.New("workflow progress not found")
	ErrProgressExists   = errors.New("workflow progress already initialized")
)

// SessionStore defines the storage operations for workflow sessions and
// their progress records. Job state is engine-owned and deliberately kept
// in memory; see pkg/service.
type SessionStore interface {
	SaveSession(ctx context.Context, s models.WorkflowSession) error
	GetSession(ctx context.Context, id string) (models.WorkflowSession, error)
	ListSessions(ctx context.Context, userID string) ([]models.WorkflowSession, error)
	DeleteSession(ctx context.Context, id string) error

	// CreateProgress fails with ErrProgressExists if a record is already
	// present for the session.
	CreateProgress(ctx context.Context, p models.WorkflowProgress) error
	SaveProgress(ctx context.Context, p models.WorkflowProgress) error
	GetProgress(ctx context.Context, sessionID string) (models.WorkflowProgress, error)
	DeleteProgress(ctx context.Context, sessionID string) error

	Close() error
}
