package models

import "time"

type StepStatus string

const (
	PendingStepStatus    StepStatus = "pending"
	InProgressStepStatus StepStatus = "in_progress"
	CompletedStepStatus  StepStatus = "completed"
	FailedStepStatus     StepStatus = "failed"
	SkippedStepStatus    StepStatus = "skipped"
)

// StepProgress tracks one step's sub-progress inside a workflow session.
type StepProgress struct {
	Status      StepStatus `json:"status"`
	Progress    int        `json:"progress"` // 0-100
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Message     string     `json:"message,omitempty"`
	Errors      []string   `json:"errors,omitempty"`
}

// WorkflowProgress is the 1:1 progress record for a workflow session.
// Overall is derived from the per-step progress and never set directly.
type WorkflowProgress struct {
	SessionID string                         `json:"session_id"`
	Steps     map[WorkflowStep]*StepProgress `json:"steps"`
	Overall   int                            `json:"overall"` // 0-100, derived
	UpdatedAt time.Time                      `json:"updated_at"`
}

// NewWorkflowProgress returns a progress record with every step pending.
func NewWorkflowProgress(sessionID string) *WorkflowProgress {
	steps := make(map[WorkflowStep]*StepProgress, len(WorkflowSteps))
	for _, step := range WorkflowSteps {
		steps[step] = &StepProgress{Status: PendingStepStatus}
	}
	return &WorkflowProgress{
		SessionID: sessionID,
		Steps:     steps,
		UpdatedAt: time.Now(),
	}
}

// Clone returns a deep copy, so callers can hand progress records across
// goroutine boundaries without sharing the step map.
func (p *WorkflowProgress) Clone() WorkflowProgress {
	out := *p
	out.Steps = make(map[WorkflowStep]*StepProgress, len(p.Steps))
	for step, sp := range p.Steps {
		cp := *sp
		if len(sp.Errors) > 0 {
			cp.Errors = append([]string(nil), sp.Errors...)
		}
		out.Steps[step] = &cp
	}
	return out
}

// Recompute recalculates Overall as the mean over all non-terminal steps:
// 100 for completed or skipped steps, the step's own percent while in
// progress, 0 otherwise, rounded to the nearest integer.
func (p *WorkflowProgress) Recompute() {
	total := 0
	count := 0
	for _, step := range WorkflowSteps {
		if step == StepCompleted {
			continue
		}
		count++
		sp, ok := p.Steps[step]
		if !ok {
			continue
		}
		switch sp.Status {
		case CompletedStepStatus, SkippedStepStatus:
			total += 100
		case InProgressStepStatus:
			total += sp.Progress
		}
	}
	if count == 0 {
		p.Overall = 0
		return
	}
	p.Overall = (total + count/2) / count
}
