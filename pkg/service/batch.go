package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/models"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/notify"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/recovery"
)

const (
	DefaultChunkSize      = 500
	DefaultMaxConcurrency = 3
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = time.Second
	DefaultItemTimeout    = 30 * time.Second
	DefaultRetention      = time.Hour

	// completedRateThreshold separates "completed" from
	// "completed_with_errors". Fixed on purpose; the source system had no
	// configuration surface for it.
	completedRateThreshold = 0.8
)

// ErrJobNotFound is returned for job ids the engine does not know,
// including jobs already purged by the janitor.
var ErrJobNotFound = errors.New("batch job not found")

// WorkItem is one unit of work submitted to a batch job.
type WorkItem struct {
	ID       string
	Prospect Prospect
}

// ItemFunc is the caller-supplied per-item operation. It runs once per item
// under the engine's item timeout and returns the item's result payload.
type ItemFunc func(ctx context.Context, item WorkItem) (map[string]interface{}, error)

// JobHooks lets a caller observe a job it created. OnProgress fires after
// every chunk, OnDone once with the terminal snapshot.
type JobHooks struct {
	OnProgress func(job models.BatchJob)
	OnDone     func(job models.BatchJob)
}

// Metrics is the instrumentation hook for the engine. The prometheus
// implementation lives in internal/observability.
type Metrics interface {
	JobStarted(kind string)
	JobFinished(status string)
	ItemProcessed(status string)
}

type noopMetrics struct{}

func (noopMetrics) JobStarted(string)    {}
func (noopMetrics) JobFinished(string)   {}
func (noopMetrics) ItemProcessed(string) {}

// jobState is the engine-owned record for one job. The embedded mutex
// serializes all mutation of the job; chunk workers of the same job touch
// disjoint item indices but share the aggregate counters.
type jobState struct {
	job   models.BatchJob
	items []WorkItem
	op    ItemFunc
	hooks JobHooks

	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	cancelled bool
	cancelCh  chan struct{} // closed exactly once on cancel
}

func (st *jobState) snapshotLocked() models.BatchJob {
	out := st.job
	out.Items = append([]models.ItemRecord(nil), st.job.Items...)
	out.Errors = append([]models.JobError(nil), st.job.Errors...)
	return out
}

func (st *jobState) snapshot() models.BatchJob {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked()
}

// BatchService is the chunked, bounded-concurrency job engine. Job state is
// held in memory for the life of the process; terminal jobs are purged by
// the janitor after the retention window.
type BatchService struct {
	hub      *notify.Hub
	recovery *recovery.Handler
	logger   Logger
	metrics  Metrics

	defaults    models.JobConfig
	itemTimeout time.Duration
	retention   time.Duration

	jobs map[string]*jobState
	pool *WorkerPool
	mu   sync.RWMutex
	wg   sync.WaitGroup

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// BatchOption configures a BatchService.
type BatchOption func(*BatchService)

// WithJobDefaults overrides the default job configuration snapshot.
func WithJobDefaults(cfg models.JobConfig) BatchOption {
	return func(s *BatchService) {
		if cfg.ChunkSize > 0 {
			s.defaults.ChunkSize = cfg.ChunkSize
		}
		if cfg.MaxConcurrency > 0 {
			s.defaults.MaxConcurrency = cfg.MaxConcurrency
		}
		if cfg.RetryAttempts >= 0 {
			s.defaults.RetryAttempts = cfg.RetryAttempts
		}
		if cfg.RetryDelay > 0 {
			s.defaults.RetryDelay = cfg.RetryDelay
		}
	}
}

// WithItemTimeout bounds every provider call made for a single item.
func WithItemTimeout(d time.Duration) BatchOption {
	return func(s *BatchService) {
		if d > 0 {
			s.itemTimeout = d
		}
	}
}

// WithRetention sets how long terminal jobs are kept before the janitor
// purges them.
func WithRetention(d time.Duration) BatchOption {
	return func(s *BatchService) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithMetrics plugs in an instrumentation implementation.
func WithMetrics(m Metrics) BatchOption {
	return func(s *BatchService) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewBatchService wires the engine to the hub and recovery handler and
// starts the retention janitor.
func NewBatchService(hub *notify.Hub, rec *recovery.Handler, logger Logger, opts ...BatchOption) *BatchService {
	s := &BatchService{
		hub:      hub,
		recovery: rec,
		logger:   logger,
		metrics:  noopMetrics{},
		defaults: models.JobConfig{
			ChunkSize:      DefaultChunkSize,
			MaxConcurrency: DefaultMaxConcurrency,
			RetryAttempts:  DefaultRetryAttempts,
			RetryDelay:     DefaultRetryDelay,
		},
		itemTimeout: DefaultItemTimeout,
		retention:   DefaultRetention,
		jobs:        make(map[string]*jobState),
		janitorStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = NewWorkerPool(s.defaults.MaxConcurrency, logger)
	s.wg.Add(1)
	go s.janitor()
	return s
}

// CreateJobParams describes one job submission.
type CreateJobParams struct {
	UserID    string
	SessionID string
	Kind      models.JobKind
	Items     []WorkItem
	Config    *models.JobConfig // Optional overrides of the service defaults
	Op        ItemFunc
	Hooks     JobHooks
}

// CreateJob registers a job and starts processing it in the background. The
// returned snapshot reflects the job at dispatch time; the caller is never
// blocked past initial chunk dispatch.
func (s *BatchService) CreateJob(params CreateJobParams) (models.BatchJob, error) {
	if len(params.Items) == 0 {
		return models.BatchJob{}, errors.New("job must have at least one item")
	}
	if params.Op == nil {
		return models.BatchJob{}, errors.New("job must have a per-item operation")
	}

	cfg := s.defaults
	if params.Config != nil {
		if params.Config.ChunkSize > 0 {
			cfg.ChunkSize = params.Config.ChunkSize
		}
		if params.Config.MaxConcurrency > 0 {
			cfg.MaxConcurrency = params.Config.MaxConcurrency
		}
		if params.Config.RetryAttempts > 0 {
			cfg.RetryAttempts = params.Config.RetryAttempts
		}
		if params.Config.RetryDelay > 0 {
			cfg.RetryDelay = params.Config.RetryDelay
		}
		cfg.Capabilities = params.Config.Capabilities
	}

	now := time.Now()
	records := make([]models.ItemRecord, len(params.Items))
	for i, item := range params.Items {
		records[i] = models.ItemRecord{
			ID:     item.ID,
			Index:  i,
			Status: models.PendingItemStatus,
		}
	}
	st := &jobState{
		job: models.BatchJob{
			ID:        uuid.NewString(),
			UserID:    params.UserID,
			SessionID: params.SessionID,
			Kind:      params.Kind,
			Status:    models.PendingJobStatus,
			Total:     len(params.Items),
			Items:     records,
			Config:    cfg,
			CreatedAt: now,
			UpdatedAt: now,
		},
		items:    params.Items,
		op:       params.Op,
		hooks:    params.Hooks,
		cancelCh: make(chan struct{}),
	}
	st.cond = sync.NewCond(&st.mu)

	s.mu.Lock()
	s.jobs[st.job.ID] = st
	s.mu.Unlock()

	indices := make([]int, len(params.Items))
	for i := range indices {
		indices[i] = i
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runIndices(st, indices)
		s.finalize(st)
	}()

	s.metrics.JobStarted(string(params.Kind))
	s.logger.Infof("Created %s job %s with %d items (chunk %d, concurrency %d)",
		params.Kind, st.job.ID, len(params.Items), cfg.ChunkSize, cfg.MaxConcurrency)
	return st.snapshot(), nil
}

// runIndices chunks the given item indices and runs the chunks with bounded
// concurrency, gating new dispatch while the job is paused.
func (s *BatchService) runIndices(st *jobState, indices []int) {
	st.mu.Lock()
	if st.cancelled {
		st.mu.Unlock()
		return
	}
	st.job.Status = models.RunningJobStatus
	if st.job.StartedAt == nil {
		startedAt := time.Now()
		st.job.StartedAt = &startedAt
	}
	chunkSize := st.job.Config.ChunkSize
	maxConcurrency := st.job.Config.MaxConcurrency
	jobID := st.job.ID
	st.mu.Unlock()

	var chunks [][]int
	for start := 0; start < len(indices); start += chunkSize {
		end := start + chunkSize
		if end > len(indices) {
			end = len(indices)
		}
		chunks = append(chunks, indices[start:end])
	}

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for ci, chunk := range chunks {
		if !st.awaitDispatch() {
			s.logger.Infof("Job %s cancelled before chunk %d/%d dispatch", jobID, ci+1, len(chunks))
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(chunkNum int, chunk []int) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runChunk(st, chunkNum, len(chunks), chunk)
		}(ci+1, chunk)
	}
	wg.Wait()
}

// awaitDispatch blocks while the job is paused. It returns false once the
// job is cancelled.
func (st *jobState) awaitDispatch() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for st.paused && !st.cancelled {
		st.cond.Wait()
	}
	return !st.cancelled
}

// runChunk executes one chunk, retrying the whole chunk with a linearly
// increasing delay when the chunk itself blows up (as opposed to individual
// items failing, which never aborts their siblings).
func (s *BatchService) runChunk(st *jobState, chunkNum, chunkCount int, chunk []int) {
	st.mu.Lock()
	attempts := st.job.Config.RetryAttempts
	baseDelay := st.job.Config.RetryDelay
	jobID := st.job.ID
	st.mu.Unlock()

	var chunkErr error
	for attempt := 0; attempt <= attempts; attempt++ {
		chunkErr = s.runChunkOnce(st, chunk)
		if chunkErr == nil {
			break
		}
		if attempt < attempts {
			delay := baseDelay * time.Duration(attempt+1)
			s.logger.Errorf("Job %s chunk %d failed (attempt %d/%d), retrying in %s: %v",
				jobID, chunkNum, attempt+1, attempts, delay, chunkErr)
			if !sleepUnlessCancelled(st, delay) {
				chunkErr = errors.New("job cancelled during chunk retry backoff")
				break
			}
		}
	}
	if chunkErr != nil {
		s.failChunk(st, chunk, chunkErr)
	}

	st.mu.Lock()
	cancelled := st.cancelled
	st.job.UpdatedAt = time.Now()
	if !cancelled {
		// Same locking rule as item updates: progress events must not
		// slip in behind Cancel's terminal event.
		s.hub.PublishBatchProgress(jobID, chunkNum, chunkCount, st.job.Completed, st.job.Failed)
		s.hub.PublishJobProgress(jobID, string(st.job.Status), st.job.Percent(), st.job.Processed, st.job.Total)
	}
	snap := st.snapshotLocked()
	st.mu.Unlock()

	if cancelled {
		return
	}
	if st.hooks.OnProgress != nil {
		st.hooks.OnProgress(snap)
	}
}

func sleepUnlessCancelled(st *jobState, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-st.cancelCh:
		return false
	}
}

// runChunkOnce processes every item in the chunk. A panic out of the item
// operation is treated as a chunk-level failure and surfaces as the
// returned error; per-item errors are recorded and do not stop siblings.
func (s *BatchService) runChunkOnce(st *jobState, chunk []int) (chunkErr error) {
	defer func() {
		if r := recover(); r != nil {
			chunkErr = errors.Errorf("chunk processing panicked: %v", r)
		}
	}()

	for _, idx := range chunk {
		st.mu.Lock()
		if st.cancelled {
			st.mu.Unlock()
			return nil
		}
		record := &st.job.Items[idx]
		if record.Status == models.CompletedItemStatus || record.Status == models.FailedItemStatus {
			// Settled on a previous chunk attempt; counting it again
			// would push the aggregates past the item count.
			st.mu.Unlock()
			continue
		}
		record.Status = models.ProcessingItemStatus
		record.Progress = 0
		item := st.items[idx]
		kind := st.job.Kind
		jobID := st.job.ID
		sessionID := st.job.SessionID
		// Published under the state lock so that no item event can land
		// after Cancel has emitted the terminal event.
		s.publishItemUpdate(kind, jobID, item.ID, string(models.ProcessingItemStatus), "")
		st.mu.Unlock()

		result, err := s.runItem(st, item)

		var panicked *opPanic
		if errors.As(err, &panicked) {
			return errors.Errorf("chunk processing panicked: %v", panicked.value)
		}

		st.mu.Lock()
		if st.cancelled {
			// Results of in-flight work are discarded for aggregate
			// counting once the job is cancelled.
			st.mu.Unlock()
			return nil
		}
		record = &st.job.Items[idx]
		if err != nil {
			record.Status = models.FailedItemStatus
			record.Errors = append(record.Errors, err.Error())
			st.job.Errors = append(st.job.Errors, models.JobError{
				ID:        uuid.NewString(),
				Message:   err.Error(),
				Severity:  models.ErrSeverity,
				Timestamp: time.Now(),
				ItemID:    item.ID,
			})
			st.job.Failed++
			st.job.Processed++
			s.publishItemUpdate(kind, jobID, item.ID, string(models.FailedItemStatus), err.Error())
		} else {
			record.Status = models.CompletedItemStatus
			record.Progress = 100
			record.Result = result
			st.job.Completed++
			st.job.Processed++
			s.publishItemUpdate(kind, jobID, item.ID, string(models.CompletedItemStatus), "")
		}
		st.mu.Unlock()

		if err != nil {
			s.metrics.ItemProcessed("failed")
			sid := sessionID
			if sid == "" {
				sid = jobID
			}
			s.recovery.HandleError(recovery.Context{SessionID: sid, ItemID: item.ID, Err: err})
		} else {
			s.metrics.ItemProcessed("completed")
		}
	}
	return nil
}

// opPanic carries a panic recovered out of the per-item operation. It is
// escalated to a chunk-level failure by the caller, never recorded as an
// ordinary item error.
type opPanic struct {
	value interface{}
}

func (p *opPanic) Error() string {
	return fmt.Sprintf("item operation panicked: %v", p.value)
}

func (s *BatchService) runItem(st *jobState, item WorkItem) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.itemTimeout)
	defer cancel()

	type outcome struct {
		result map[string]interface{}
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		// The recover must live in this goroutine: a panic in the
		// operation cannot be caught by the chunk worker that spawned it.
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &opPanic{value: r}}
			}
		}()
		res, err := st.op(ctx, item)
		ch <- outcome{res, err}
	}()
	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		// A provider call overrunning its timeout is an item-level
		// failure, never a crash of the chunk worker.
		return nil, errors.Errorf("item %s timed out after %s", item.ID, s.itemTimeout)
	}
}

func (s *BatchService) publishItemUpdate(kind models.JobKind, jobID, itemID, status, errMsg string) {
	switch kind {
	case models.EmailJobKind:
		s.hub.PublishGenerationUpdate(jobID, itemID, status, errMsg)
	default:
		s.hub.PublishEnrichmentUpdate(jobID, itemID, status, errMsg)
	}
}

// failChunk marks every unfinished item of a chunk failed after the chunk
// exhausted its retries.
func (s *BatchService) failChunk(st *jobState, chunk []int, chunkErr error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancelled {
		return
	}
	for _, idx := range chunk {
		record := &st.job.Items[idx]
		if record.Status == models.CompletedItemStatus || record.Status == models.FailedItemStatus {
			continue
		}
		record.Status = models.FailedItemStatus
		record.Errors = append(record.Errors, chunkErr.Error())
		st.job.Failed++
		st.job.Processed++
	}
	st.job.Errors = append(st.job.Errors, models.JobError{
		ID:        uuid.NewString(),
		Message:   chunkErr.Error(),
		Severity:  models.ErrSeverity,
		Timestamp: time.Now(),
	})
}

// finalize classifies the job outcome, resequences the items into original
// submission order, and publishes the terminal event, which is always the
// last event published for the job id.
func (s *BatchService) finalize(st *jobState) {
	st.mu.Lock()
	if st.cancelled {
		st.mu.Unlock()
		return
	}
	sort.Slice(st.job.Items, func(i, j int) bool {
		return st.job.Items[i].Index < st.job.Items[j].Index
	})
	rate := 0.0
	if st.job.Total > 0 {
		rate = float64(st.job.Completed) / float64(st.job.Total)
	}
	st.job.SuccessRate = rate
	switch {
	case st.job.Completed == 0:
		st.job.Status = models.FailedJobStatus
	case rate >= completedRateThreshold:
		st.job.Status = models.CompletedJobStatus
	default:
		st.job.Status = models.CompletedWithErrsJobStatus
	}
	finishedAt := time.Now()
	st.job.FinishedAt = &finishedAt
	st.job.UpdatedAt = finishedAt
	jobID := st.job.ID
	status := st.job.Status
	snap := st.snapshotLocked()
	st.mu.Unlock()

	s.metrics.JobFinished(string(status))
	s.hub.PublishJobCompleted(jobID, string(status), rate)
	if st.hooks.OnDone != nil {
		st.hooks.OnDone(snap)
	}
	s.logger.Infof("Job %s finished as %s (success rate %.2f)", jobID, status, rate)
}

func (s *BatchService) state(jobID string) (*jobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[jobID]
	if !ok {
		return nil, errors.Wrap(ErrJobNotFound, jobID)
	}
	return st, nil
}

// GetJob returns a snapshot of the job.
func (s *BatchService) GetJob(jobID string) (models.BatchJob, error) {
	st, err := s.state(jobID)
	if err != nil {
		return models.BatchJob{}, err
	}
	return st.snapshot(), nil
}

// ListJobs returns one page of job snapshots matching the filter, newest
// first, along with page metadata.
func (s *BatchService) ListJobs(filter models.JobFilter, page, pageSize int) ([]models.BatchJob, models.PageMeta) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page <= 0 {
		page = 1
	}

	s.mu.RLock()
	all := make([]models.BatchJob, 0, len(s.jobs))
	for _, st := range s.jobs {
		snap := st.snapshot()
		if filter.UserID != "" && snap.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		all = append(all, snap)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	meta := models.NewPageMeta(page, pageSize, len(all))
	start := (page - 1) * pageSize
	if start >= len(all) {
		return []models.BatchJob{}, meta
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], meta
}

// Pause freezes a running job between chunk dispatches. Partial progress is
// kept, not rolled back.
func (s *BatchService) Pause(jobID string) error {
	st, err := s.state(jobID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.job.Status != models.RunningJobStatus {
		return errors.Errorf("cannot pause job %s in status %s", jobID, st.job.Status)
	}
	st.job.Status = models.PausedJobStatus
	st.paused = true
	st.job.UpdatedAt = time.Now()
	s.logger.Infof("Paused job %s", jobID)
	return nil
}

// Resume continues a paused job from its frozen item-level state.
func (s *BatchService) Resume(jobID string) error {
	st, err := s.state(jobID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.job.Status != models.PausedJobStatus {
		return errors.Errorf("cannot resume job %s in status %s", jobID, st.job.Status)
	}
	st.job.Status = models.RunningJobStatus
	st.paused = false
	st.job.UpdatedAt = time.Now()
	st.cond.Broadcast()
	s.logger.Infof("Resumed job %s", jobID)
	return nil
}

// Cancel terminally stops a pending, running, or paused job. In-flight
// chunk workers finish but their results are discarded for counting, and
// every notification subscription for the job id is closed after the
// terminal event.
func (s *BatchService) Cancel(jobID string) error {
	st, err := s.state(jobID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	switch st.job.Status {
	case models.PendingJobStatus, models.RunningJobStatus, models.PausedJobStatus:
	default:
		st.mu.Unlock()
		return errors.Errorf("cannot cancel job %s in status %s", jobID, st.job.Status)
	}
	st.cancelled = true
	st.paused = false
	close(st.cancelCh)
	st.job.Status = models.CancelledJobStatus
	finishedAt := time.Now()
	st.job.FinishedAt = &finishedAt
	st.job.UpdatedAt = finishedAt
	rate := 0.0
	if st.job.Total > 0 {
		rate = float64(st.job.Completed) / float64(st.job.Total)
	}
	st.job.SuccessRate = rate
	st.cond.Broadcast()
	st.mu.Unlock()

	s.metrics.JobFinished(string(models.CancelledJobStatus))
	s.hub.PublishJobCompleted(jobID, string(models.CancelledJobStatus), rate)
	s.hub.CloseKey(jobID)
	s.logger.Infof("Cancelled job %s", jobID)
	return nil
}

// Retry resets every failed item to pending and reprocesses it. Calling
// Retry on a job with no failed items is an explicit error, not a silent
// no-op.
func (s *BatchService) Retry(jobID string) error {
	st, err := s.state(jobID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.job.Status == models.CancelledJobStatus {
		st.mu.Unlock()
		return errors.Errorf("cannot retry cancelled job %s", jobID)
	}
	if st.job.Status == models.RunningJobStatus || st.job.Status == models.PausedJobStatus || st.job.Status == models.PendingJobStatus {
		st.mu.Unlock()
		return errors.Errorf("cannot retry job %s while it is still %s", jobID, st.job.Status)
	}
	var indices []int
	for i := range st.job.Items {
		if st.job.Items[i].Status != models.FailedItemStatus {
			continue
		}
		st.job.Items[i].Status = models.PendingItemStatus
		st.job.Items[i].Progress = 0
		st.job.Items[i].Result = nil
		st.job.Items[i].Retries++
		indices = append(indices, st.job.Items[i].Index)
	}
	if len(indices) == 0 {
		st.mu.Unlock()
		return errors.Errorf("job %s has no failed items to retry", jobID)
	}
	st.job.Failed -= len(indices)
	st.job.Processed -= len(indices)
	st.job.Status = models.RunningJobStatus
	st.job.FinishedAt = nil
	st.job.SuccessRate = 0
	st.job.UpdatedAt = time.Now()
	st.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runIndices(st, indices)
		s.finalize(st)
	}()
	s.logger.Infof("Retrying %d failed items of job %s", len(indices), jobID)
	return nil
}

// DeleteJob removes a terminal job and closes any lingering subscriptions.
func (s *BatchService) DeleteJob(jobID string) error {
	st, err := s.state(jobID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	terminal := st.job.Status.Terminal()
	st.mu.Unlock()
	if !terminal {
		return fmt.Errorf("cannot delete job %s before it is terminal", jobID)
	}
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
	s.hub.CloseKey(jobID)
	return nil
}

// CreateSingleJob registers a one-item ad-hoc job and hands it to the
// background worker pool instead of the chunked dispatch path.
func (s *BatchService) CreateSingleJob(params CreateJobParams) (models.BatchJob, error) {
	if len(params.Items) != 1 {
		return models.BatchJob{}, errors.Errorf("single job must have exactly one item, got %d", len(params.Items))
	}
	if params.Op == nil {
		return models.BatchJob{}, errors.New("job must have a per-item operation")
	}

	cfg := s.defaults
	cfg.ChunkSize = 1
	cfg.MaxConcurrency = 1
	if params.Config != nil && params.Config.RetryAttempts > 0 {
		cfg.RetryAttempts = params.Config.RetryAttempts
	}

	now := time.Now()
	st := &jobState{
		job: models.BatchJob{
			ID:        uuid.NewString(),
			UserID:    params.UserID,
			SessionID: params.SessionID,
			Kind:      params.Kind,
			Status:    models.PendingJobStatus,
			Total:     1,
			Items:     []models.ItemRecord{{ID: params.Items[0].ID, Status: models.PendingItemStatus}},
			Config:    cfg,
			CreatedAt: now,
			UpdatedAt: now,
		},
		items:    params.Items,
		op:       params.Op,
		hooks:    params.Hooks,
		cancelCh: make(chan struct{}),
	}
	st.cond = sync.NewCond(&st.mu)

	s.mu.Lock()
	s.jobs[st.job.ID] = st
	s.mu.Unlock()

	if err := s.pool.Submit(func() {
		s.runIndices(st, []int{0})
		s.finalize(st)
	}); err != nil {
		s.mu.Lock()
		delete(s.jobs, st.job.ID)
		s.mu.Unlock()
		return models.BatchJob{}, err
	}
	s.metrics.JobStarted(string(params.Kind))
	s.logger.Infof("Queued single %s job %s", params.Kind, st.job.ID)
	return st.snapshot(), nil
}

// janitor purges terminal jobs past the retention window.
func (s *BatchService) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.purgeExpired(time.Now())
		case <-s.janitorStop:
			return
		}
	}
}

func (s *BatchService) purgeExpired(now time.Time) {
	var expired []string
	s.mu.RLock()
	for id, st := range s.jobs {
		st.mu.Lock()
		if st.job.Status.Terminal() && st.job.FinishedAt != nil && now.Sub(*st.job.FinishedAt) > s.retention {
			expired = append(expired, id)
		}
		st.mu.Unlock()
	}
	s.mu.RUnlock()

	for _, id := range expired {
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
		s.hub.CloseKey(id)
		s.logger.Infof("Purged expired job %s", id)
	}
}

// Stop halts the janitor and the worker pool and waits for running jobs to
// drain.
func (s *BatchService) Stop() {
	s.janitorOnce.Do(func() {
		close(s.janitorStop)
	})
	s.pool.Stop()
	s.wg.Wait()
}
