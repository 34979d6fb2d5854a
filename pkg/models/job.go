package models

import "time"

type JobStatus string

const (
	PendingJobStatus           JobStatus = "pending"
	ProcessingJobStatus        JobStatus = "processing"
	RunningJobStatus           JobStatus = "running"
	PausedJobStatus            JobStatus = "paused"
	CompletedJobStatus         JobStatus = "completed"
	CompletedWithErrsJobStatus JobStatus = "completed_with_errors"
	FailedJobStatus            JobStatus = "failed"
	CancelledJobStatus         JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further processing.
func (s JobStatus) Terminal() bool {
	switch s {
	case CompletedJobStatus, CompletedWithErrsJobStatus, FailedJobStatus, CancelledJobStatus:
		return true
	}
	return false
}

// JobKind distinguishes what the per-item operation does.
type JobKind string

const (
	EnrichmentJobKind JobKind = "enrichment"
	EmailJobKind      JobKind = "email_generation"
)

type ItemStatus string

const (
	PendingItemStatus    ItemStatus = "pending"
	ProcessingItemStatus ItemStatus = "processing"
	CompletedItemStatus  ItemStatus = "completed"
	FailedItemStatus     ItemStatus = "failed"
)

// ItemRecord tracks one unit of work inside a batch job.
type ItemRecord struct {
	ID       string                 `json:"id"`
	Index    int                    `json:"index"` // Original submission position
	Status   ItemStatus             `json:"status"`
	Progress int                    `json:"progress"` // 0-100
	Retries  int                    `json:"retries"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Errors   []string               `json:"errors,omitempty"`
}

type ErrorSeverity string

const (
	WarningSeverity ErrorSeverity = "warning"
	ErrSeverity     ErrorSeverity = "error"
)

// JobError records one structured failure raised during a job.
type JobError struct {
	ID        string        `json:"id"`
	Message   string        `json:"message"`
	Severity  ErrorSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
	ItemID    string        `json:"item_id,omitempty"`
}

// JobConfig is the configuration snapshot taken when a job is created.
type JobConfig struct {
	ChunkSize      int           `json:"chunk_size"`
	MaxConcurrency int           `json:"max_concurrency"`
	RetryAttempts  int           `json:"retry_attempts"`
	RetryDelay     time.Duration `json:"retry_delay"`
	Capabilities   []string      `json:"capabilities,omitempty"` // Selected enrichment/generation capabilities
}

// BatchJob represents one invocation of the batch processing engine.
type BatchJob struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	SessionID   string       `json:"session_id,omitempty"` // Owning workflow session, if any
	Kind        JobKind      `json:"kind"`
	Status      JobStatus    `json:"status"`
	Total       int          `json:"total"`
	Processed   int          `json:"processed"`
	Completed   int          `json:"completed"`
	Failed      int          `json:"failed"`
	Items       []ItemRecord `json:"items"`
	Errors      []JobError   `json:"errors,omitempty"`
	Config      JobConfig    `json:"config"`
	SuccessRate float64      `json:"success_rate"` // Set when the job reaches a terminal state
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
}

// Percent returns the aggregate progress as processed/total*100.
func (j *BatchJob) Percent() int {
	if j.Total == 0 {
		return 0
	}
	return j.Processed * 100 / j.Total
}
