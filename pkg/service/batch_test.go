package service_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/models"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/notify"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/recovery"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/service"
)

func newBatchService(t *testing.T, opts ...service.BatchOption) *service.BatchService {
	t.Helper()
	hub := notify.NewHub()
	rec := recovery.NewHandler(recovery.NewRegistry(), logger{})
	base := []service.BatchOption{
		service.WithJobDefaults(models.JobConfig{
			ChunkSize:      4,
			MaxConcurrency: 3,
			RetryAttempts:  1,
			RetryDelay:     time.Millisecond,
		}),
	}
	svc := service.NewBatchService(hub, rec, logger{}, append(base, opts...)...)
	t.Cleanup(func() {
		svc.Stop()
		hub.Stop()
	})
	return svc
}

func makeItems(n int) []service.WorkItem {
	items := make([]service.WorkItem, n)
	for i := range items {
		id := fmt.Sprintf("item-%d", i)
		items[i] = service.WorkItem{ID: id, Prospect: service.Prospect{ID: id, Email: id + "@example.com"}}
	}
	return items
}

// okOp succeeds for every item and echoes its id back as the result.
func okOp(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
	return map[string]interface{}{"id": item.ID}, nil
}

// failFor builds an op failing exactly the given item ids.
func failFor(ids ...string) service.ItemFunc {
	failing := make(map[string]bool, len(ids))
	for _, id := range ids {
		failing[id] = true
	}
	return func(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
		if failing[item.ID] {
			return nil, errors.New("enrichment provider returned 503")
		}
		return map[string]interface{}{"id": item.ID}, nil
	}
}

func waitTerminal(t *testing.T, svc *service.BatchService, jobID string) models.BatchJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.GetJob(jobID)
		assert.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status", jobID)
	return models.BatchJob{}
}

func TestBatchJobProcessing(t *testing.T) {
	t.Run("AllItemsSucceed", func(t *testing.T) {
		svc := newBatchService(t)
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(10),
			Op:     okOp,
		})
		assert.NoError(t, err)

		final := waitTerminal(t, svc, job.ID)
		assert.Equal(t, models.CompletedJobStatus, final.Status)
		assert.Equal(t, 10, final.Total)
		assert.Equal(t, 10, final.Completed)
		assert.Equal(t, 0, final.Failed)
		assert.Equal(t, final.Completed+final.Failed, final.Processed)
		assert.Equal(t, 1.0, final.SuccessRate)
		assert.NotNil(t, final.FinishedAt)
		for i, item := range final.Items {
			assert.Equal(t, i, item.Index)
			assert.Equal(t, models.CompletedItemStatus, item.Status)
			assert.Equal(t, fmt.Sprintf("item-%d", i), item.Result["id"])
		}
	})

	t.Run("RejectsEmptyJob", func(t *testing.T) {
		svc := newBatchService(t)
		_, err := svc.CreateJob(service.CreateJobParams{UserID: "user-1", Op: okOp})
		assert.Error(t, err)

		_, err = svc.CreateJob(service.CreateJobParams{UserID: "user-1", Items: makeItems(1)})
		assert.Error(t, err)
	})

	t.Run("ChunkedScenario", func(t *testing.T) {
		// 10 contacts, chunks of 4, items 3 and 7 fail: 8 of 10 succeed,
		// exactly the 80% boundary, so the job still counts as completed.
		svc := newBatchService(t)
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(10),
			Config: &models.JobConfig{ChunkSize: 4, MaxConcurrency: 3},
			Op:     failFor("item-3", "item-7"),
		})
		assert.NoError(t, err)

		final := waitTerminal(t, svc, job.ID)
		assert.Equal(t, models.CompletedJobStatus, final.Status)
		assert.Equal(t, 8, final.Completed)
		assert.Equal(t, 2, final.Failed)
		assert.Equal(t, 10, final.Processed)
		assert.InDelta(t, 0.8, final.SuccessRate, 1e-9)
		assert.Equal(t, models.FailedItemStatus, final.Items[3].Status)
		assert.Equal(t, models.FailedItemStatus, final.Items[7].Status)
		assert.NotEmpty(t, final.Items[3].Errors)
		assert.Len(t, final.Errors, 2)
	})

	t.Run("OutcomeThresholds", func(t *testing.T) {
		cases := []struct {
			name     string
			failing  []string
			expected models.JobStatus
		}{
			{"FourOfFive", []string{"item-0"}, models.CompletedJobStatus},
			{"ThreeOfFive", []string{"item-0", "item-1"}, models.CompletedWithErrsJobStatus},
			{"NoneOfFive", []string{"item-0", "item-1", "item-2", "item-3", "item-4"}, models.FailedJobStatus},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				svc := newBatchService(t)
				job, err := svc.CreateJob(service.CreateJobParams{
					UserID: "user-1",
					Kind:   models.EnrichmentJobKind,
					Items:  makeItems(5),
					Op:     failFor(tc.failing...),
				})
				assert.NoError(t, err)
				final := waitTerminal(t, svc, job.ID)
				assert.Equal(t, tc.expected, final.Status)
			})
		}
	})

	t.Run("OrderPreservedUnderRandomDelays", func(t *testing.T) {
		svc := newBatchService(t)
		op := func(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
			time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
			return map[string]interface{}{"id": item.ID}, nil
		}
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(20),
			Config: &models.JobConfig{ChunkSize: 1, MaxConcurrency: 4},
			Op:     op,
		})
		assert.NoError(t, err)

		final := waitTerminal(t, svc, job.ID)
		for i, item := range final.Items {
			assert.Equal(t, i, item.Index)
			assert.Equal(t, fmt.Sprintf("item-%d", i), item.ID)
			assert.Equal(t, item.ID, item.Result["id"])
		}
	})

	t.Run("ConcurrencyBounded", func(t *testing.T) {
		var current, max int64
		op := func(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
			n := atomic.AddInt64(&current, 1)
			for {
				prev := atomic.LoadInt64(&max)
				if n <= prev || atomic.CompareAndSwapInt64(&max, prev, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil, nil
		}
		svc := newBatchService(t)
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(12),
			Config: &models.JobConfig{ChunkSize: 1, MaxConcurrency: 2},
			Op:     op,
		})
		assert.NoError(t, err)
		waitTerminal(t, svc, job.ID)
		assert.LessOrEqual(t, atomic.LoadInt64(&max), int64(2))
	})

	t.Run("PanicFailsChunkNotJob", func(t *testing.T) {
		svc := newBatchService(t)
		op := func(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
			if item.ID == "item-1" {
				panic("provider client blew up")
			}
			return map[string]interface{}{"id": item.ID}, nil
		}
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(4),
			Config: &models.JobConfig{ChunkSize: 2, MaxConcurrency: 1, RetryAttempts: 1, RetryDelay: time.Millisecond},
			Op:     op,
		})
		assert.NoError(t, err)

		final := waitTerminal(t, svc, job.ID)
		// The second chunk is untouched by the first chunk's panic.
		assert.Equal(t, models.CompletedItemStatus, final.Items[2].Status)
		assert.Equal(t, models.CompletedItemStatus, final.Items[3].Status)
		assert.Equal(t, models.FailedItemStatus, final.Items[1].Status)
		assert.Equal(t, 4, final.Processed)
		assert.Equal(t, final.Completed+final.Failed, final.Processed)
	})

	t.Run("ChunkRetryNeverRecountsSettledItems", func(t *testing.T) {
		// item-0 fails on its own before item-1 panics the chunk, so the
		// chunk is re-attempted with item-0 already counted as failed.
		op := func(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
			if item.ID == "item-0" {
				return nil, errors.New("enrichment provider returned 503")
			}
			panic("provider client blew up")
		}
		svc := newBatchService(t)
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(2),
			Config: &models.JobConfig{ChunkSize: 2, MaxConcurrency: 1, RetryAttempts: 1, RetryDelay: time.Millisecond},
			Op:     op,
		})
		assert.NoError(t, err)

		final := waitTerminal(t, svc, job.ID)
		assert.Equal(t, models.FailedJobStatus, final.Status)
		assert.Equal(t, 2, final.Total)
		assert.Equal(t, 2, final.Processed)
		assert.Equal(t, 2, final.Failed)
		assert.Equal(t, 0, final.Completed)
		assert.LessOrEqual(t, final.Processed, final.Total)
		assert.Len(t, final.Items[0].Errors, 1)
	})

	t.Run("ItemTimeoutIsItemFailure", func(t *testing.T) {
		svc := newBatchService(t, service.WithItemTimeout(20*time.Millisecond))
		op := func(ctx context.Context, item service.WorkItem) (map[string]interface{}, error) {
			if item.ID == "item-0" {
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
				}
				return nil, ctx.Err()
			}
			return map[string]interface{}{"id": item.ID}, nil
		}
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(3),
			Config: &models.JobConfig{RetryAttempts: 1},
			Op:     op,
		})
		assert.NoError(t, err)

		final := waitTerminal(t, svc, job.ID)
		assert.Equal(t, models.FailedItemStatus, final.Items[0].Status)
		assert.Contains(t, final.Items[0].Errors[0], "timed out")
		assert.Equal(t, 2, final.Completed)
	})
}

func TestBatchJobRetry(t *testing.T) {
	t.Run("RetryWithNoFailedItemsIsAnError", func(t *testing.T) {
		svc := newBatchService(t)
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(3),
			Op:     okOp,
		})
		assert.NoError(t, err)
		waitTerminal(t, svc, job.ID)

		err = svc.Retry(job.ID)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no failed items")
	})

	t.Run("RetryReprocessesOnlyFailedItems", func(t *testing.T) {
		var mu sync.Mutex
		attempts := map[string]int{}
		op := func(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
			mu.Lock()
			attempts[item.ID]++
			n := attempts[item.ID]
			mu.Unlock()
			// Item failures never trigger in-job chunk re-attempts, so
			// item-1 fails its single first-pass attempt and succeeds on
			// the explicit Retry call.
			if item.ID == "item-1" && n == 1 {
				return nil, errors.New("enrichment provider returned 503")
			}
			return map[string]interface{}{"id": item.ID}, nil
		}
		svc := newBatchService(t)
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(3),
			Config: &models.JobConfig{RetryAttempts: 1, RetryDelay: time.Millisecond},
			Op:     op,
		})
		assert.NoError(t, err)

		first := waitTerminal(t, svc, job.ID)
		assert.Equal(t, models.CompletedWithErrsJobStatus, first.Status)
		assert.Equal(t, 1, first.Failed)

		assert.NoError(t, svc.Retry(job.ID))
		second := waitTerminal(t, svc, job.ID)
		assert.Equal(t, models.CompletedJobStatus, second.Status)
		assert.Equal(t, 3, second.Completed)
		assert.Equal(t, 0, second.Failed)
		assert.Equal(t, 1, second.Items[1].Retries)

		mu.Lock()
		defer mu.Unlock()
		// Succeeded items are not reprocessed by Retry.
		assert.Equal(t, 1, attempts["item-0"])
		assert.Equal(t, 1, attempts["item-2"])
	})

	t.Run("RetryRejectedWhileRunning", func(t *testing.T) {
		release := make(chan struct{})
		op := func(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
			<-release
			return nil, nil
		}
		svc := newBatchService(t)
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(2),
			Config: &models.JobConfig{ChunkSize: 1, MaxConcurrency: 1},
			Op:     op,
		})
		assert.NoError(t, err)

		err = svc.Retry(job.ID)
		assert.Error(t, err)
		close(release)
		waitTerminal(t, svc, job.ID)
	})

	t.Run("RetryRejectedAfterCancel", func(t *testing.T) {
		release := make(chan struct{})
		op := func(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
			<-release
			return nil, nil
		}
		svc := newBatchService(t)
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(2),
			Config: &models.JobConfig{ChunkSize: 1, MaxConcurrency: 1},
			Op:     op,
		})
		assert.NoError(t, err)

		assert.NoError(t, svc.Cancel(job.ID))
		close(release)

		err = svc.Retry(job.ID)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cancelled")
	})
}

func TestBatchJobLifecycle(t *testing.T) {
	t.Run("PauseAndResume", func(t *testing.T) {
		started := make(chan struct{}, 64)
		release := make(chan struct{})
		op := func(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		}
		svc := newBatchService(t)
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(6),
			Config: &models.JobConfig{ChunkSize: 1, MaxConcurrency: 1},
			Op:     op,
		})
		assert.NoError(t, err)

		<-started
		assert.NoError(t, svc.Pause(job.ID))
		snap, err := svc.GetJob(job.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.PausedJobStatus, snap.Status)

		// Pausing twice and resuming a running job are both rejected.
		assert.Error(t, svc.Pause(job.ID))

		assert.NoError(t, svc.Resume(job.ID))
		snap, err = svc.GetJob(job.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.RunningJobStatus, snap.Status)
		assert.Error(t, svc.Resume(job.ID))

		close(release)
		final := waitTerminal(t, svc, job.ID)
		assert.Equal(t, models.CompletedJobStatus, final.Status)
		assert.Equal(t, 6, final.Completed)
	})

	t.Run("CancelStopsDispatchAndClosesStreams", func(t *testing.T) {
		hub := notify.NewHub()
		rec := recovery.NewHandler(recovery.NewRegistry(), logger{})
		svc := service.NewBatchService(hub, rec, logger{})
		t.Cleanup(func() {
			svc.Stop()
			hub.Stop()
		})

		started := make(chan struct{}, 64)
		op := func(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
			started <- struct{}{}
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		}
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(50),
			Config: &models.JobConfig{ChunkSize: 1, MaxConcurrency: 1},
			Op:     op,
		})
		assert.NoError(t, err)

		sub, err := hub.Subscribe(job.ID)
		assert.NoError(t, err)

		<-started
		assert.NoError(t, svc.Cancel(job.ID))

		snap, err := svc.GetJob(job.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.CancelledJobStatus, snap.Status)
		assert.NotNil(t, snap.FinishedAt)

		// The terminal event is the last one delivered before the hub
		// closes the job's subscriptions.
		var last notify.Event
		sawTerminal := false
		for event := range sub.C {
			last = event
			if event.Type == notify.EventJobCompleted {
				sawTerminal = true
			}
		}
		assert.True(t, sawTerminal)
		assert.Equal(t, notify.EventJobCompleted, last.Type)

		// Cancelling again is rejected.
		assert.Error(t, svc.Cancel(job.ID))
	})

	t.Run("CancelWithItemInFlightKeepsTerminalEventLast", func(t *testing.T) {
		hub := notify.NewHub()
		rec := recovery.NewHandler(recovery.NewRegistry(), logger{})
		svc := service.NewBatchService(hub, rec, logger{})
		t.Cleanup(func() {
			svc.Stop()
			hub.Stop()
		})

		started := make(chan struct{}, 1)
		release := make(chan struct{})
		op := func(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
			if item.ID == "item-0" {
				started <- struct{}{}
				<-release
			}
			return map[string]interface{}{"id": item.ID}, nil
		}
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(3),
			Config: &models.JobConfig{ChunkSize: 1, MaxConcurrency: 1},
			Op:     op,
		})
		assert.NoError(t, err)

		sub, err := hub.Subscribe(job.ID)
		assert.NoError(t, err)

		// Cancel while item-0's provider call is still in flight, then let
		// it finish. Its late result must neither be counted nor produce
		// an event behind the terminal one.
		<-started
		assert.NoError(t, svc.Cancel(job.ID))
		close(release)

		var last notify.Event
		for event := range sub.C {
			last = event
		}
		assert.Equal(t, notify.EventJobCompleted, last.Type)

		final, err := svc.GetJob(job.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.CancelledJobStatus, final.Status)
		assert.Equal(t, 0, final.Completed)
		assert.Equal(t, 0, final.Processed)
	})

	t.Run("DeleteOnlyTerminalJobs", func(t *testing.T) {
		release := make(chan struct{})
		op := func(_ context.Context, item service.WorkItem) (map[string]interface{}, error) {
			<-release
			return nil, nil
		}
		svc := newBatchService(t)
		job, err := svc.CreateJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(2),
			Config: &models.JobConfig{ChunkSize: 1, MaxConcurrency: 1},
			Op:     op,
		})
		assert.NoError(t, err)

		err = svc.DeleteJob(job.ID)
		assert.Error(t, err)

		close(release)
		waitTerminal(t, svc, job.ID)
		assert.NoError(t, svc.DeleteJob(job.ID))

		_, err = svc.GetJob(job.ID)
		assert.ErrorIs(t, err, service.ErrJobNotFound)
	})

	t.Run("SingleJobRunsOnPool", func(t *testing.T) {
		svc := newBatchService(t)
		job, err := svc.CreateSingleJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EmailJobKind,
			Items:  makeItems(1),
			Op:     okOp,
		})
		assert.NoError(t, err)

		final := waitTerminal(t, svc, job.ID)
		assert.Equal(t, models.CompletedJobStatus, final.Status)
		assert.Equal(t, 1, final.Completed)

		_, err = svc.CreateSingleJob(service.CreateJobParams{
			UserID: "user-1",
			Kind:   models.EmailJobKind,
			Items:  makeItems(2),
			Op:     okOp,
		})
		assert.Error(t, err)
	})
}

func TestListJobs(t *testing.T) {
	svc := newBatchService(t)
	for i := 0; i < 5; i++ {
		owner := "user-a"
		if i >= 3 {
			owner = "user-b"
		}
		_, err := svc.CreateJob(service.CreateJobParams{
			UserID: owner,
			Kind:   models.EnrichmentJobKind,
			Items:  makeItems(1),
			Op:     okOp,
		})
		assert.NoError(t, err)
	}

	// Let everything settle so status filters are deterministic.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		jobs, _ := svc.ListJobs(models.JobFilter{Status: models.CompletedJobStatus}, 1, 50)
		if len(jobs) == 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Run("FilterByOwner", func(t *testing.T) {
		jobs, meta := svc.ListJobs(models.JobFilter{UserID: "user-a"}, 1, 50)
		assert.Len(t, jobs, 3)
		assert.Equal(t, 3, meta.TotalItems)
	})

	t.Run("Paginated", func(t *testing.T) {
		jobs, meta := svc.ListJobs(models.JobFilter{}, 1, 2)
		assert.Len(t, jobs, 2)
		assert.Equal(t, 5, meta.TotalItems)
		assert.Equal(t, 3, meta.TotalPages)

		jobs, _ = svc.ListJobs(models.JobFilter{}, 3, 2)
		assert.Len(t, jobs, 1)

		jobs, _ = svc.ListJobs(models.JobFilter{}, 9, 2)
		assert.Empty(t, jobs)
	})

	t.Run("NewestFirst", func(t *testing.T) {
		jobs, _ := svc.ListJobs(models.JobFilter{}, 1, 50)
		for i := 1; i < len(jobs); i++ {
			assert.False(t, jobs[i].CreatedAt.After(jobs[i-1].CreatedAt))
		}
	})
}
