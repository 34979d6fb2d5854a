package http_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	internal_http "github.com/giada-tronca/cold-outreach-2-sub004/internal/http"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/models"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/notify"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/recovery"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/service"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	hub := notify.NewHub(notify.WithHeartbeat(0))
	rec := recovery.NewHandler(recovery.NewRegistry(), logger{})
	workflows := service.NewWorkflowService(storage.NewMemoryStore(), hub, rec, logger{})
	batches := service.NewBatchService(hub, rec, logger{},
		service.WithJobDefaults(models.JobConfig{RetryAttempts: 0, RetryDelay: time.Millisecond}),
	)
	runner := service.NewCampaignRunner(
		workflows, batches,
		service.NewMemoryContactStore(),
		service.NewStubEnricher(),
		service.NewStubEmailGenerator(),
		logger{},
	)
	srv := internal_http.New(":0", internal_http.Deps{
		Workflows: workflows,
		Batches:   batches,
		Runner:    runner,
		Hub:       hub,
		Recovery:  rec,
		Logger:    logger{},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		batches.Stop()
		hub.Stop()
	})
	return ts
}

func doJSON(t *testing.T, method, url string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		assert.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	assert.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func createSession(t *testing.T, ts *httptest.Server) models.WorkflowSession {
	t.Helper()
	status, env := doJSON(t, http.MethodPost, ts.URL+"/sessions", map[string]interface{}{"user_id": "user-1"})
	assert.Equal(t, http.StatusCreated, status)
	var sess models.WorkflowSession
	assert.NoError(t, json.Unmarshal(env.Data, &sess))
	return sess
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	status, env := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
}

func TestSessionEndpoints(t *testing.T) {
	t.Run("CreateAndGet", func(t *testing.T) {
		ts := newTestServer(t)
		sess := createSession(t, ts)
		assert.NotEmpty(t, sess.ID)
		assert.Equal(t, models.StepUploadCSV, sess.CurrentStep)

		status, env := doJSON(t, http.MethodGet, ts.URL+"/sessions/"+sess.ID, nil)
		assert.Equal(t, http.StatusOK, status)
		var got models.WorkflowSession
		assert.NoError(t, json.Unmarshal(env.Data, &got))
		assert.Equal(t, sess.ID, got.ID)
	})

	t.Run("CreateWithoutUser", func(t *testing.T) {
		ts := newTestServer(t)
		status, env := doJSON(t, http.MethodPost, ts.URL+"/sessions", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "MISSING_USER", env.Error.Code)
	})

	t.Run("GetUnknownIs404", func(t *testing.T) {
		ts := newTestServer(t)
		status, env := doJSON(t, http.MethodGet, ts.URL+"/sessions/nope", nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "NOT_FOUND", env.Error.Code)
	})

	t.Run("ConfigureStepValidation", func(t *testing.T) {
		ts := newTestServer(t)
		sess := createSession(t, ts)

		status, env := doJSON(t, http.MethodPut, ts.URL+"/sessions/"+sess.ID+"/steps/upload_csv/config", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, env.Error.Message, "file_name")

		status, _ = doJSON(t, http.MethodPut, ts.URL+"/sessions/"+sess.ID+"/steps/upload_csv/config", map[string]interface{}{
			"file_name":     "contacts.csv",
			"contact_count": 3,
		})
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("UnknownStepRejected", func(t *testing.T) {
		ts := newTestServer(t)
		sess := createSession(t, ts)
		status, env := doJSON(t, http.MethodPost, ts.URL+"/sessions/"+sess.ID+"/steps/reticulate/start", nil)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "UNKNOWN_STEP", env.Error.Code)
	})

	t.Run("StepFlowAndProgress", func(t *testing.T) {
		ts := newTestServer(t)
		sess := createSession(t, ts)
		base := ts.URL + "/sessions/" + sess.ID

		status, _ := doJSON(t, http.MethodPost, base+"/steps/upload_csv/start", map[string]interface{}{})
		assert.Equal(t, http.StatusOK, status)

		status, _ = doJSON(t, http.MethodPost, base+"/steps/upload_csv/progress", map[string]interface{}{"percent": 50, "message": "halfway"})
		assert.Equal(t, http.StatusOK, status)

		status, _ = doJSON(t, http.MethodPost, base+"/steps/upload_csv/complete", map[string]interface{}{"message": "done"})
		assert.Equal(t, http.StatusOK, status)

		status, env := doJSON(t, http.MethodGet, base+"/progress", nil)
		assert.Equal(t, http.StatusOK, status)
		var progress models.WorkflowProgress
		assert.NoError(t, json.Unmarshal(env.Data, &progress))
		assert.Equal(t, models.CompletedStepStatus, progress.Steps[models.StepUploadCSV].Status)
		assert.Equal(t, 20, progress.Overall)

		// Jumping two steps ahead is rejected.
		status, _ = doJSON(t, http.MethodPost, base+"/steps/email_generation/start", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("FailStepReturnsTaxonomy", func(t *testing.T) {
		ts := newTestServer(t)
		sess := createSession(t, ts)
		base := ts.URL + "/sessions/" + sess.ID

		status, env := doJSON(t, http.MethodPost, base+"/steps/upload_csv/fail", map[string]interface{}{
			"error": "upload rejected: payload too large",
		})
		assert.Equal(t, http.StatusOK, status)

		var data map[string]interface{}
		assert.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, string(recovery.CodeUploadFileTooLarge), data["code"])
		assert.Equal(t, true, data["recoverable"])
		assert.NotEmpty(t, env.Message)

		// The failure lands in the session error log.
		status, env = doJSON(t, http.MethodGet, base+"/errors", nil)
		assert.Equal(t, http.StatusOK, status)
		var records []recovery.Record
		assert.NoError(t, json.Unmarshal(env.Data, &records))
		assert.Len(t, records, 1)
	})

	t.Run("PauseResumeAbandonDelete", func(t *testing.T) {
		ts := newTestServer(t)
		sess := createSession(t, ts)
		base := ts.URL + "/sessions/" + sess.ID

		status, _ := doJSON(t, http.MethodPost, base+"/pause", nil)
		assert.Equal(t, http.StatusOK, status)
		status, _ = doJSON(t, http.MethodPost, base+"/resume", nil)
		assert.Equal(t, http.StatusOK, status)

		// Active sessions cannot be deleted.
		status, _ = doJSON(t, http.MethodDelete, base, nil)
		assert.Equal(t, http.StatusBadRequest, status)

		status, _ = doJSON(t, http.MethodPost, base+"/abandon", nil)
		assert.Equal(t, http.StatusOK, status)
		status, _ = doJSON(t, http.MethodDelete, base, nil)
		assert.Equal(t, http.StatusOK, status)
	})
}

func TestJobEndpoints(t *testing.T) {
	prospects := []map[string]interface{}{
		{"id": "p1", "email": "ada@example.com", "company": "Example Corp"},
		{"id": "p2", "email": "grace@example.io", "company": "Example IO"},
	}

	waitJob := func(t *testing.T, ts *httptest.Server, jobID string) models.BatchJob {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			status, env := doJSON(t, http.MethodGet, ts.URL+"/jobs/"+jobID, nil)
			assert.Equal(t, http.StatusOK, status)
			var job models.BatchJob
			assert.NoError(t, json.Unmarshal(env.Data, &job))
			if job.Status.Terminal() {
				return job
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatal("job never became terminal")
		return models.BatchJob{}
	}

	t.Run("CreateEnrichmentJob", func(t *testing.T) {
		ts := newTestServer(t)
		status, env := doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]interface{}{
			"user_id":      "user-1",
			"kind":         "enrichment",
			"prospects":    prospects,
			"capabilities": []string{"company", "domain"},
		})
		assert.Equal(t, http.StatusAccepted, status)
		var job models.BatchJob
		assert.NoError(t, json.Unmarshal(env.Data, &job))
		assert.NotEmpty(t, job.ID)

		final := waitJob(t, ts, job.ID)
		assert.Equal(t, models.CompletedJobStatus, final.Status)
		assert.Equal(t, 2, final.Completed)
		assert.Equal(t, "example.io", final.Items[1].Result["domain"])
	})

	t.Run("CreateJobValidation", func(t *testing.T) {
		ts := newTestServer(t)
		status, _ := doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]interface{}{
			"user_id": "user-1",
			"kind":    "enrichment",
		})
		assert.Equal(t, http.StatusBadRequest, status)

		status, _ = doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]interface{}{
			"user_id":   "user-1",
			"kind":      "mining",
			"prospects": prospects,
		})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("ListJobsFilterAndPagination", func(t *testing.T) {
		ts := newTestServer(t)
		for i := 0; i < 3; i++ {
			status, _ := doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]interface{}{
				"user_id":   fmt.Sprintf("user-%d", i%2),
				"kind":      "enrichment",
				"prospects": prospects,
			})
			assert.Equal(t, http.StatusAccepted, status)
		}

		status, env := doJSON(t, http.MethodGet, ts.URL+"/jobs?user_id=user-0&page=1&page_size=10", nil)
		assert.Equal(t, http.StatusOK, status)
		var listing struct {
			Jobs []models.BatchJob `json:"jobs"`
			Page models.PageMeta   `json:"page"`
		}
		assert.NoError(t, json.Unmarshal(env.Data, &listing))
		assert.Len(t, listing.Jobs, 2)
		assert.Equal(t, 2, listing.Page.TotalItems)
	})

	t.Run("UnknownJobIs404", func(t *testing.T) {
		ts := newTestServer(t)
		status, env := doJSON(t, http.MethodGet, ts.URL+"/jobs/ghost", nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "NOT_FOUND", env.Error.Code)
	})

	t.Run("RetryWithoutFailuresRejected", func(t *testing.T) {
		ts := newTestServer(t)
		status, env := doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]interface{}{
			"user_id":   "user-1",
			"kind":      "enrichment",
			"prospects": prospects,
		})
		assert.Equal(t, http.StatusAccepted, status)
		var job models.BatchJob
		assert.NoError(t, json.Unmarshal(env.Data, &job))
		waitJob(t, ts, job.ID)

		status, env = doJSON(t, http.MethodPost, ts.URL+"/jobs/"+job.ID+"/retry", nil)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, env.Error.Message, "no failed items")
	})

	t.Run("DeleteTerminalJob", func(t *testing.T) {
		ts := newTestServer(t)
		status, env := doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]interface{}{
			"user_id":   "user-1",
			"kind":      "enrichment",
			"prospects": prospects,
		})
		assert.Equal(t, http.StatusAccepted, status)
		var job models.BatchJob
		assert.NoError(t, json.Unmarshal(env.Data, &job))
		waitJob(t, ts, job.ID)

		status, _ = doJSON(t, http.MethodDelete, ts.URL+"/jobs/"+job.ID, nil)
		assert.Equal(t, http.StatusOK, status)
		status, _ = doJSON(t, http.MethodGet, ts.URL+"/jobs/"+job.ID, nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestCampaignEndpoints(t *testing.T) {
	ts := newTestServer(t)
	sess := createSession(t, ts)
	base := ts.URL + "/sessions/" + sess.ID

	prospects := []map[string]interface{}{
		{"id": "p1", "email": "ada@example.com", "first_name": "Ada", "company": "Example Corp"},
		{"id": "p2", "email": "grace@example.io", "first_name": "Grace", "company": "Example IO"},
	}

	status, env := doJSON(t, http.MethodPost, base+"/import", map[string]interface{}{"prospects": prospects})
	assert.Equal(t, http.StatusOK, status)
	var counts map[string]int
	assert.NoError(t, json.Unmarshal(env.Data, &counts))
	assert.Equal(t, 2, counts["created"])
	assert.Equal(t, 0, counts["skipped"])

	// Re-importing the same prospects only skips duplicates, which keeps
	// uploads idempotent.
	status, env = doJSON(t, http.MethodPost, base+"/import", map[string]interface{}{"prospects": prospects})
	assert.Equal(t, http.StatusOK, status)
	assert.NoError(t, json.Unmarshal(env.Data, &counts))
	assert.Equal(t, 0, counts["created"])
	assert.Equal(t, 2, counts["skipped"])
}

func TestStreamEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/stream/user-1")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		assert.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	assert.Equal(t, notify.EventConnected, eventLine)

	var event notify.Event
	assert.NoError(t, json.Unmarshal([]byte(dataLine), &event))
	assert.Equal(t, notify.EventConnected, event.Type)
}
