package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/models"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/notify"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/recovery"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/service"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/storage"
)

type handlers struct {
	workflows *service.WorkflowService
	batches   *service.BatchService
	runner    *service.CampaignRunner
	hub       *notify.Hub
	recovery  *recovery.Handler
	logger    Logger
}

type successEnvelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *handlers) respond(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(successEnvelope{Success: true, Message: message, Data: data}); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}

func (h *handlers) respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Code: code, Message: message}}); err != nil {
		h.logger.Errorf("Failed to encode error response: %v", err)
	}
}

// serviceError translates service failures into HTTP responses. Known
// not-found sentinels map to 404, everything else is treated as a request
// the current state cannot satisfy.
func (h *handlers) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, storage.ErrProgressNotFound),
		errors.Is(err, service.ErrJobNotFound),
		errors.Is(err, service.ErrContactNotFound):
		h.respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, storage.ErrProgressExists):
		h.respondError(w, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	default:
		h.respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	}
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON: "+err.Error())
		return false
	}
	return true
}

func (h *handlers) pathStep(w http.ResponseWriter, r *http.Request) (models.WorkflowStep, bool) {
	step := models.WorkflowStep(r.PathValue("step"))
	if !step.IsValid() {
		h.respondError(w, http.StatusBadRequest, "UNKNOWN_STEP", "unknown workflow step: "+string(step))
		return "", false
	}
	return step, true
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, "outreach engine is running", nil)
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"user_id"`
		CampaignID *int64 `json:"campaign_id,omitempty"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		h.respondError(w, http.StatusBadRequest, "MISSING_USER", "user_id is required")
		return
	}
	sess, err := h.workflows.CreateSession(r.Context(), req.UserID, req.CampaignID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, "workflow session created", sess)
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.workflows.ListSessions(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "", sessions)
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.workflows.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "", sess)
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "workflow session deleted", nil)
}

func (h *handlers) getProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.workflows.GetProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "", progress)
}

func (h *handlers) pauseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.PauseSession(r.Context(), r.PathValue("id")); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "workflow session paused", nil)
}

func (h *handlers) resumeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.ResumeSession(r.Context(), r.PathValue("id")); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "workflow session resumed", nil)
}

func (h *handlers) abandonSession(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.AbandonSession(r.Context(), r.PathValue("id")); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "workflow session abandoned", nil)
}

func (h *handlers) configureStep(w http.ResponseWriter, r *http.Request) {
	step, ok := h.pathStep(w, r)
	if !ok {
		return
	}
	var cfg models.StepConfig
	if !h.decode(w, r, &cfg) {
		return
	}
	if err := h.workflows.ConfigureStep(r.Context(), r.PathValue("id"), step, cfg); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "step configuration saved", nil)
}

func (h *handlers) startStep(w http.ResponseWriter, r *http.Request) {
	step, ok := h.pathStep(w, r)
	if !ok {
		return
	}
	if err := h.workflows.StartStep(r.Context(), r.PathValue("id"), step); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "step started", nil)
}

func (h *handlers) updateStepProgress(w http.ResponseWriter, r *http.Request) {
	step, ok := h.pathStep(w, r)
	if !ok {
		return
	}
	var req struct {
		Percent int    `json:"percent"`
		Message string `json:"message,omitempty"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.workflows.UpdateStepProgress(r.Context(), r.PathValue("id"), step, req.Percent, req.Message); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "step progress updated", nil)
}

func (h *handlers) completeStep(w http.ResponseWriter, r *http.Request) {
	step, ok := h.pathStep(w, r)
	if !ok {
		return
	}
	var req struct {
		Message string `json:"message,omitempty"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.workflows.CompleteStep(r.Context(), r.PathValue("id"), step, req.Message); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "step completed", nil)
}

func (h *handlers) skipStep(w http.ResponseWriter, r *http.Request) {
	step, ok := h.pathStep(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.workflows.SkipStep(r.Context(), r.PathValue("id"), step, req.Reason); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "step skipped", nil)
}

func (h *handlers) failStep(w http.ResponseWriter, r *http.Request) {
	step, ok := h.pathStep(w, r)
	if !ok {
		return
	}
	var req struct {
		Error string `json:"error"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Error == "" {
		h.respondError(w, http.StatusBadRequest, "MISSING_ERROR", "error description is required")
		return
	}
	def, action, err := h.workflows.FailStep(r.Context(), r.PathValue("id"), step, errors.New(req.Error))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, def.UserFacing, map[string]interface{}{
		"code":             def.Code,
		"category":         def.Category,
		"severity":         def.Severity,
		"recoverable":      def.Recoverable,
		"user_message":     def.UserFacing,
		"suggested_action": action,
	})
}

func (h *handlers) importProspects(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prospects []service.Prospect `json:"prospects"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	created, skipped, err := h.runner.ImportProspects(r.Context(), r.PathValue("id"), req.Prospects)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "prospects imported", map[string]int{
		"created": created,
		"skipped": skipped,
	})
}

func (h *handlers) runEnrichment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prospects []service.Prospect `json:"prospects"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	job, err := h.runner.RunEnrichmentStep(r.Context(), r.PathValue("id"), req.Prospects)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusAccepted, "enrichment started", job)
}

func (h *handlers) runGeneration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prospects []service.Prospect `json:"prospects"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	job, err := h.runner.RunEmailStep(r.Context(), r.PathValue("id"), req.Prospects)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusAccepted, "email generation started", job)
}

func (h *handlers) sessionErrors(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, "", h.recovery.SessionLog(r.PathValue("id")))
}

func (h *handlers) sessionErrorStats(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, "", h.recovery.Statistics(r.PathValue("id")))
}

func (h *handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string             `json:"user_id"`
		Kind         models.JobKind     `json:"kind"`
		Prospects    []service.Prospect `json:"prospects"`
		Config       *models.JobConfig  `json:"config,omitempty"`
		Single       bool               `json:"single,omitempty"`
		Template     string             `json:"template,omitempty"`
		Provider     string             `json:"provider,omitempty"`
		Model        string             `json:"model,omitempty"`
		MaxTokens    int                `json:"max_tokens,omitempty"`
		Capabilities []string           `json:"capabilities,omitempty"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		h.respondError(w, http.StatusBadRequest, "MISSING_USER", "user_id is required")
		return
	}
	job, err := h.runner.RunAdhocJob(service.AdhocJobParams{
		UserID:       req.UserID,
		Kind:         req.Kind,
		Prospects:    req.Prospects,
		Config:       req.Config,
		Single:       req.Single,
		Template:     req.Template,
		Provider:     req.Provider,
		Model:        req.Model,
		MaxTokens:    req.MaxTokens,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusAccepted, "batch job started", job)
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := queryInt(query.Get("page"), 1)
	pageSize := queryInt(query.Get("page_size"), 20)
	filter := models.JobFilter{
		UserID: query.Get("user_id"),
		Status: models.JobStatus(query.Get("status")),
	}
	jobs, meta := h.batches.ListJobs(filter, page, pageSize)
	h.respond(w, http.StatusOK, "", map[string]interface{}{
		"jobs": jobs,
		"page": meta,
	})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.batches.GetJob(r.PathValue("id"))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "", job)
}

func (h *handlers) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.batches.DeleteJob(r.PathValue("id")); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "batch job deleted", nil)
}

func (h *handlers) pauseJob(w http.ResponseWriter, r *http.Request) {
	if err := h.batches.Pause(r.PathValue("id")); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "batch job paused", nil)
}

func (h *handlers) resumeJob(w http.ResponseWriter, r *http.Request) {
	if err := h.batches.Resume(r.PathValue("id")); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "batch job resumed", nil)
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.batches.Cancel(r.PathValue("id")); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "batch job cancelled", nil)
}

func (h *handlers) retryJob(w http.ResponseWriter, r *http.Request) {
	if err := h.batches.Retry(r.PathValue("id")); err != nil {
		h.serviceError(w, err)
		return
	}
	h.respond(w, http.StatusOK, "retrying failed items", nil)
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
