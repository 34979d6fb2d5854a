package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/models"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/notify"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/recovery"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/storage"
)

// WorkflowService drives campaign workflow sessions through their ordered
// steps. All mutation of a session and its progress record goes through
// this service, serialized per session id; different sessions proceed in
// parallel.
type WorkflowService struct {
	store    storage.SessionStore
	hub      *notify.Hub
	recovery *recovery.Handler
	logger   Logger
	locks    sync.Map // session id -> *sync.Mutex
}

// NewWorkflowService wires the state machine to its store, hub, and
// recovery handler.
func NewWorkflowService(store storage.SessionStore, hub *notify.Hub, rec *recovery.Handler, logger Logger) *WorkflowService {
	return &WorkflowService{
		store:    store,
		hub:      hub,
		recovery: rec,
		logger:   logger,
	}
}

func (s *WorkflowService) lock(sessionID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// stepProgress returns the step's record, materializing it when a stored
// progress blob predates a newly added step.
func stepProgress(p *models.WorkflowProgress, step models.WorkflowStep) *models.StepProgress {
	sp, ok := p.Steps[step]
	if !ok || sp == nil {
		sp = &models.StepProgress{Status: models.PendingStepStatus}
		p.Steps[step] = sp
	}
	return sp
}

// CreateSession starts a new workflow session for a user and initializes
// its progress record.
func (s *WorkflowService) CreateSession(ctx context.Context, userID string, campaignID *int64) (models.WorkflowSession, error) {
	if userID == "" {
		return models.WorkflowSession{}, errors.New("user id cannot be empty")
	}
	now := time.Now()
	sess := models.WorkflowSession{
		ID:             uuid.NewString(),
		UserID:         userID,
		CampaignID:     campaignID,
		CurrentStep:    models.StepUploadCSV,
		Status:         models.ActiveSessionStatus,
		StepConfigs:    make(map[models.WorkflowStep]models.StepConfig),
		CompletedSteps: []models.WorkflowStep{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return models.WorkflowSession{}, errors.Wrap(err, "failed to save session")
	}
	if err := s.InitializeProgress(ctx, sess.ID); err != nil {
		return models.WorkflowSession{}, err
	}
	s.logger.Infof("Created workflow session %s for user %s", sess.ID, userID)
	return sess, nil
}

// InitializeProgress creates a fresh progress record with every step
// pending. It fails if one already exists for the session.
func (s *WorkflowService) InitializeProgress(ctx context.Context, sessionID string) error {
	p := models.NewWorkflowProgress(sessionID)
	if err := s.store.CreateProgress(ctx, *p); err != nil {
		return errors.Wrapf(err, "failed to initialize progress for session %s", sessionID)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *WorkflowService) GetSession(ctx context.Context, sessionID string) (models.WorkflowSession, error) {
	return s.store.GetSession(ctx, sessionID)
}

// ListSessions lists sessions, optionally filtered by owner.
func (s *WorkflowService) ListSessions(ctx context.Context, userID string) ([]models.WorkflowSession, error) {
	return s.store.ListSessions(ctx, userID)
}

// GetProgress fetches the progress record for a session.
func (s *WorkflowService) GetProgress(ctx context.Context, sessionID string) (models.WorkflowProgress, error) {
	return s.store.GetProgress(ctx, sessionID)
}

// ConfigureStep validates and stores the configuration payload for a step.
// Every missing required key is reported; nothing is defaulted silently.
func (s *WorkflowService) ConfigureStep(ctx context.Context, sessionID string, step models.WorkflowStep, config models.StepConfig) error {
	if errs := ValidateStep(step, config); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return errors.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}

	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.StepConfigs == nil {
		sess.StepConfigs = make(map[models.WorkflowStep]models.StepConfig)
	}
	sess.StepConfigs[step] = config
	sess.UpdatedAt = time.Now()
	return s.store.SaveSession(ctx, sess)
}

// StartStep transitions the named step to in_progress and makes it the
// session's current step. Moving to a new step is validated against the
// current step's successor set; re-starting the current step is always
// allowed. Advancement is the moment the previous step joins the session's
// completed list.
func (s *WorkflowService) StartStep(ctx context.Context, sessionID string, step models.WorkflowStep) error {
	if !step.IsValid() {
		return errors.Errorf("unknown workflow step '%s'", step)
	}

	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.ActiveSessionStatus {
		return errors.Errorf("session %s is %s, not active", sessionID, sess.Status)
	}

	progress, err := s.store.GetProgress(ctx, sessionID)
	if err != nil {
		return err
	}

	if step != sess.CurrentStep {
		if err := ValidateTransition(sess.CurrentStep, step); err != nil {
			return err
		}
		prev := progress.Steps[sess.CurrentStep]
		if prev != nil && (prev.Status == models.CompletedStepStatus || prev.Status == models.SkippedStepStatus) &&
			!sess.HasCompleted(sess.CurrentStep) {
			sess.CompletedSteps = append(sess.CompletedSteps, sess.CurrentStep)
		}
		sess.CurrentStep = step
	}

	now := time.Now()
	sp := stepProgress(&progress, step)
	sp.Status = models.InProgressStepStatus
	sp.StartedAt = &now
	sp.Message = ""
	progress.Recompute()
	progress.UpdatedAt = now

	if step == models.StepCompleted {
		// Terminal marker: entering it completes the whole session.
		sp.Status = models.CompletedStepStatus
		sp.Progress = 100
		sp.CompletedAt = &now
		sess.Status = models.CompletedSessionStatus
		progress.Recompute()
	}
	sess.UpdatedAt = now

	if err := s.store.SaveProgress(ctx, progress); err != nil {
		return err
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return err
	}

	s.hub.PublishStepProgress(sess.UserID, sessionID, string(step), notify.EventStepStarted, sp.Progress, sp.Message)
	s.logger.Infof("Session %s started step %s (overall %d%%)", sessionID, step, progress.Overall)
	return nil
}

// UpdateStepProgress overwrites a step's percent and message. The percent
// is clamped to [0,100].
func (s *WorkflowService) UpdateStepProgress(ctx context.Context, sessionID string, step models.WorkflowStep, percent int, message string) error {
	if !step.IsValid() {
		return errors.Errorf("unknown workflow step '%s'", step)
	}
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}

	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	progress, err := s.store.GetProgress(ctx, sessionID)
	if err != nil {
		return err
	}
	sp := stepProgress(&progress, step)
	sp.Progress = percent
	sp.Message = message
	progress.Recompute()
	progress.UpdatedAt = time.Now()
	if err := s.store.SaveProgress(ctx, progress); err != nil {
		return err
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	s.hub.PublishStepProgress(sess.UserID, sessionID, string(step), notify.EventProgressUpdated, percent, message)
	return nil
}

// CompleteStep marks a step completed with full progress. The session's
// current step is left in place; advancement happens on the next StartStep.
func (s *WorkflowService) CompleteStep(ctx context.Context, sessionID string, step models.WorkflowStep, message string) error {
	return s.finishStep(ctx, sessionID, step, models.CompletedStepStatus, message)
}

// SkipStep marks a skippable step skipped. Skips count as completion for
// progress purposes, so the same event is emitted.
func (s *WorkflowService) SkipStep(ctx context.Context, sessionID string, step models.WorkflowStep, reason string) error {
	def, err := GetStepDefinition(step)
	if err != nil {
		return err
	}
	if !def.Skippable {
		return errors.Errorf("step '%s' cannot be skipped", step)
	}
	return s.finishStep(ctx, sessionID, step, models.SkippedStepStatus, reason)
}

func (s *WorkflowService) finishStep(ctx context.Context, sessionID string, step models.WorkflowStep, status models.StepStatus, message string) error {
	if !step.IsValid() {
		return errors.Errorf("unknown workflow step '%s'", step)
	}

	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	progress, err := s.store.GetProgress(ctx, sessionID)
	if err != nil {
		return err
	}
	now := time.Now()
	sp := stepProgress(&progress, step)
	sp.Status = status
	sp.Progress = 100
	sp.CompletedAt = &now
	if message != "" {
		sp.Message = message
	}
	progress.Recompute()
	progress.UpdatedAt = now
	if err := s.store.SaveProgress(ctx, progress); err != nil {
		return err
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.UpdatedAt = now
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return err
	}

	s.hub.PublishStepProgress(sess.UserID, sessionID, string(step), notify.EventStepCompleted, 100, message)
	s.logger.Infof("Session %s finished step %s as %s (overall %d%%)", sessionID, step, status, progress.Overall)
	return nil
}

// FailStep appends the failure to the step's error list and freezes the
// workflow there: the current step is not cleared and advancement stops
// until the user retries, skips, or abandons. The failure is classified
// through the error taxonomy and the suggested recovery action is returned
// along with the definition.
func (s *WorkflowService) FailStep(ctx context.Context, sessionID string, step models.WorkflowStep, failure error) (recovery.Definition, recovery.Action, error) {
	if !step.IsValid() {
		return recovery.Definition{}, recovery.Action{}, errors.Errorf("unknown workflow step '%s'", step)
	}
	if failure == nil {
		return recovery.Definition{}, recovery.Action{}, errors.New("failure cannot be nil")
	}

	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	progress, err := s.store.GetProgress(ctx, sessionID)
	if err != nil {
		return recovery.Definition{}, recovery.Action{}, err
	}
	now := time.Now()
	sp := stepProgress(&progress, step)
	sp.Status = models.FailedStepStatus
	sp.Errors = append(sp.Errors, failure.Error())
	progress.Recompute()
	progress.UpdatedAt = now
	if err := s.store.SaveProgress(ctx, progress); err != nil {
		return recovery.Definition{}, recovery.Action{}, err
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return recovery.Definition{}, recovery.Action{}, err
	}
	sess.LastError = failure.Error()
	sess.UpdatedAt = now
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return recovery.Definition{}, recovery.Action{}, err
	}

	def, action := s.recovery.HandleError(recovery.Context{SessionID: sessionID, Err: failure})
	s.hub.Publish(sess.UserID, notify.EventStepFailed, map[string]interface{}{
		"session_id":       sessionID,
		"step":             string(step),
		"message":          def.UserFacing,
		"recoverable":      def.Recoverable,
		"suggested_action": string(action.Type),
	})
	s.logger.Errorf("Session %s failed step %s: %v (classified %s)", sessionID, step, failure, def.Code)
	return def, action, nil
}

// PauseSession freezes an active session without rolling back progress.
func (s *WorkflowService) PauseSession(ctx context.Context, sessionID string) error {
	return s.setSessionStatus(ctx, sessionID, models.ActiveSessionStatus, models.PausedSessionStatus)
}

// ResumeSession reactivates a paused session.
func (s *WorkflowService) ResumeSession(ctx context.Context, sessionID string) error {
	return s.setSessionStatus(ctx, sessionID, models.PausedSessionStatus, models.ActiveSessionStatus)
}

// AbandonSession terminates a session at the user's request.
func (s *WorkflowService) AbandonSession(ctx context.Context, sessionID string) error {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == models.CompletedSessionStatus || sess.Status == models.AbandonedSessionStatus {
		return errors.Errorf("session %s is already %s", sessionID, sess.Status)
	}
	sess.Status = models.AbandonedSessionStatus
	sess.UpdatedAt = time.Now()
	return s.store.SaveSession(ctx, sess)
}

// DeleteSession removes a session and its bookkeeping. Deletion is an
// explicit user action; active and paused sessions must be abandoned first.
func (s *WorkflowService) DeleteSession(ctx context.Context, sessionID string) error {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == models.ActiveSessionStatus || sess.Status == models.PausedSessionStatus {
		return errors.Errorf("cannot delete session %s while %s; abandon it first", sessionID, sess.Status)
	}
	if err := s.store.DeleteProgress(ctx, sessionID); err != nil {
		return err
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.recovery.ClearSession(sessionID)
	s.locks.Delete(sessionID)
	s.logger.Infof("Deleted workflow session %s", sessionID)
	return nil
}

func (s *WorkflowService) setSessionStatus(ctx context.Context, sessionID string, from, to models.SessionStatus) error {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != from {
		return fmt.Errorf("session %s is %s, expected %s", sessionID, sess.Status, from)
	}
	sess.Status = to
	sess.UpdatedAt = time.Now()
	return s.store.SaveSession(ctx, sess)
}
