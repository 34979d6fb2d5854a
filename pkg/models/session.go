package models

import "time"

type SessionStatus string

const (
	ActiveSessionStatus    SessionStatus = "active"
	PausedSessionStatus    SessionStatus = "paused"
	CompletedSessionStatus SessionStatus = "completed"
	AbandonedSessionStatus SessionStatus = "abandoned"
	ErrorSessionStatus     SessionStatus = "error"
)

// StepConfig is the caller-supplied configuration payload for a single step.
type StepConfig map[string]interface{}

// WorkflowSession represents one end-to-end campaign run for a user.
type WorkflowSession struct {
	ID             string                      `json:"id"`                    // Opaque session identifier (UUID)
	UserID         string                      `json:"user_id"`               // Owning user
	CampaignID     *int64                      `json:"campaign_id,omitempty"` // Optional linked campaign
	CurrentStep    WorkflowStep                `json:"current_step"`
	Status         SessionStatus               `json:"status"`
	StepConfigs    map[WorkflowStep]StepConfig `json:"step_configs,omitempty"` // Per-step configuration payloads
	CompletedSteps []WorkflowStep              `json:"completed_steps"`        // Steps already advanced past, in order
	LastError      string                      `json:"last_error,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// HasCompleted reports whether the session already advanced past the step.
func (s *WorkflowSession) HasCompleted(step WorkflowStep) bool {
	for _, done := range s.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}
