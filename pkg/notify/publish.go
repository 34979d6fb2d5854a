package notify

// Convenience publishers. Each shapes a payload for one well-known event and
// delegates to Publish; they exist so callers do not hand-roll payload maps.

// PublishJobProgress pushes aggregate job progress to the job's subscribers.
func (h *Hub) PublishJobProgress(jobID string, status string, percent, processed, total int) int {
	return h.Publish(jobID, EventJobProgress, map[string]interface{}{
		"job_id":    jobID,
		"status":    status,
		"percent":   percent,
		"processed": processed,
		"total":     total,
	})
}

// PublishJobCompleted pushes the terminal event for a job, carrying the
// computed success rate. It is always the last event published for the job.
func (h *Hub) PublishJobCompleted(jobID string, status string, successRate float64) int {
	return h.Publish(jobID, EventJobCompleted, map[string]interface{}{
		"job_id":       jobID,
		"status":       status,
		"success_rate": successRate,
	})
}

// PublishBatchProgress pushes per-chunk progress for a job.
func (h *Hub) PublishBatchProgress(jobID string, chunk, chunks, completed, failed int) int {
	return h.Publish(jobID, EventBatchProgress, map[string]interface{}{
		"job_id":    jobID,
		"chunk":     chunk,
		"chunks":    chunks,
		"completed": completed,
		"failed":    failed,
	})
}

// PublishStepProgress pushes workflow step progress to the session owner.
func (h *Hub) PublishStepProgress(userID, sessionID, step, eventType string, percent int, message string) int {
	return h.Publish(userID, eventType, map[string]interface{}{
		"session_id": sessionID,
		"step":       step,
		"percent":    percent,
		"message":    message,
	})
}

// PublishEnrichmentUpdate pushes a per-prospect enrichment status change.
func (h *Hub) PublishEnrichmentUpdate(jobID, itemID, status string, errMsg string) int {
	payload := map[string]interface{}{
		"job_id":  jobID,
		"item_id": itemID,
		"status":  status,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	return h.Publish(jobID, EventEnrichmentUpdate, payload)
}

// PublishGenerationUpdate pushes a per-prospect email generation status change.
func (h *Hub) PublishGenerationUpdate(jobID, itemID, status string, errMsg string) int {
	payload := map[string]interface{}{
		"job_id":  jobID,
		"item_id": itemID,
		"status":  status,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	return h.Publish(jobID, EventGenerationUpdate, payload)
}
