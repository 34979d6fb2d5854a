package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Logger defines the logging interface for the recovery handler.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ErrNotAutomated is returned when AttemptRecovery is asked to execute an
// action that requires user involvement.
var ErrNotAutomated = errors.New("recovery action is not automated")

// Record is the classification of one raised failure, kept in the
// per-session error log. It is transient state and never persisted.
type Record struct {
	SessionID   string    `json:"session_id"`
	Message     string    `json:"message"`
	Code        Code      `json:"code"`
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`
	Recoverable bool      `json:"recoverable"`
	Actions     []Action  `json:"actions"`
	ItemID      string    `json:"item_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Context carries one raised failure into classification.
type Context struct {
	SessionID string
	ItemID    string
	Err       error
}

// Handler classifies failures against a registry, keeps a per-session error
// log, and executes automated recovery actions. Safe for concurrent use.
type Handler struct {
	registry *Registry
	logger   Logger

	mu          sync.RWMutex
	sessionLogs map[string][]Record
	attempts    int
	recovered   int
}

// NewHandler creates a Handler over the given registry.
func NewHandler(registry *Registry, logger Logger) *Handler {
	return &Handler{
		registry:    registry,
		logger:      logger,
		sessionLogs: make(map[string][]Record),
	}
}

// HandleError classifies the failure in ctx, appends a record to the
// session's error log, and returns the definition together with the
// suggested (first) recovery action.
func (h *Handler) HandleError(ctx Context) (Definition, Action) {
	msg := ""
	if ctx.Err != nil {
		msg = ctx.Err.Error()
	}
	def := h.registry.Match(msg)

	record := Record{
		SessionID:   ctx.SessionID,
		Message:     msg,
		Code:        def.Code,
		Category:    def.Category,
		Severity:    def.Severity,
		Recoverable: def.Recoverable,
		Actions:     def.Actions,
		ItemID:      ctx.ItemID,
		OccurredAt:  time.Now(),
	}

	h.mu.Lock()
	h.sessionLogs[ctx.SessionID] = append(h.sessionLogs[ctx.SessionID], record)
	h.mu.Unlock()

	h.logger.Infof("Classified error for session %s as %s (%s/%s): %s",
		ctx.SessionID, def.Code, def.Category, def.Severity, msg)
	return def, def.SuggestedAction()
}

// AttemptRecovery executes an automated recovery action. A retry waits out
// the action's delay (interruptible through ctx) and then reports success,
// leaving the actual re-invocation to the batch engine's own retry path. A
// skip always succeeds and tells the caller to advance past the failing
// unit. Non-automated actions are rejected with ErrNotAutomated.
func (h *Handler) AttemptRecovery(ctx context.Context, ec Context, action Action) (bool, error) {
	if !action.Automated {
		return false, errors.Wrapf(ErrNotAutomated, "action %s", action.Type)
	}

	h.mu.Lock()
	h.attempts++
	h.mu.Unlock()

	switch action.Type {
	case RetryAction:
		delay := action.Delay
		if delay <= 0 {
			delay = time.Second
		}
		h.logger.Infof("Waiting %s before retry for session %s", delay, ec.SessionID)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		h.markRecovered()
		return true, nil
	case SkipAction:
		h.logger.Infof("Skipping failed unit %s for session %s", ec.ItemID, ec.SessionID)
		h.markRecovered()
		return true, nil
	default:
		return false, errors.Errorf("no automated handler for action %s", action.Type)
	}
}

func (h *Handler) markRecovered() {
	h.mu.Lock()
	h.recovered++
	h.mu.Unlock()
}

// SessionLog returns a copy of the error log for a session.
func (h *Handler) SessionLog(sessionID string) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Record(nil), h.sessionLogs[sessionID]...)
}

// ClearSession drops the error log for a session.
func (h *Handler) ClearSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessionLogs, sessionID)
}

// Stats summarizes classified errors for operator dashboards.
type Stats struct {
	Total         int              `json:"total"`
	ByCategory    map[Category]int `json:"by_category"`
	BySeverity    map[Severity]int `json:"by_severity"`
	TopCodes      []CodeCount      `json:"top_codes"`      // Most frequent codes, at most five
	RecoveryRatio float64          `json:"recovery_ratio"` // recovered / attempted, 0 when nothing attempted
}

// CodeCount pairs an error code with its occurrence count.
type CodeCount struct {
	Code  Code `json:"code"`
	Count int  `json:"count"`
}

// Statistics aggregates over one session, or over every session when
// sessionID is empty.
func (h *Handler) Statistics(sessionID string) Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
	}
	codeCounts := make(map[Code]int)

	collect := func(records []Record) {
		for _, r := range records {
			stats.Total++
			stats.ByCategory[r.Category]++
			stats.BySeverity[r.Severity]++
			codeCounts[r.Code]++
		}
	}
	if sessionID != "" {
		collect(h.sessionLogs[sessionID])
	} else {
		for _, records := range h.sessionLogs {
			collect(records)
		}
	}

	for code, count := range codeCounts {
		stats.TopCodes = append(stats.TopCodes, CodeCount{Code: code, Count: count})
	}
	sort.Slice(stats.TopCodes, func(i, j int) bool {
		if stats.TopCodes[i].Count != stats.TopCodes[j].Count {
			return stats.TopCodes[i].Count > stats.TopCodes[j].Count
		}
		return stats.TopCodes[i].Code < stats.TopCodes[j].Code
	})
	if len(stats.TopCodes) > 5 {
		stats.TopCodes = stats.TopCodes[:5]
	}

	if h.attempts > 0 {
		stats.RecoveryRatio = float64(h.recovered) / float64(h.attempts)
	}
	return stats
}
