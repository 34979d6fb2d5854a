package http

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// stream pushes the subscriber key's events to the client as Server-Sent
// Events until the client disconnects or the subscription is closed.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer does not support streaming")
		return
	}

	sub, err := h.hub.Subscribe(key)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	defer h.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Errorf("Failed to marshal event for stream %s: %v", key, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
