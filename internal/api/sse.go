package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskmesh/taskmesh/pkg/types"
)

// StreamEvents handles GET /api/v1/events/stream
// It implements Server-Sent Events (SSE) for streaming the live event log.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context(), r)

	h.logger.Info("SSE connection opened",
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "streaming not supported", nil)
		return
	}
	flusher.Flush()

	events, cleanup, err := h.log.Subscribe(r.Context())
	if err != nil {
		h.logger.Error("subscribe to event log", "error", err)
		return
	}
	defer cleanup()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.logger.Info("SSE connection closed",
				slog.String("request_id", requestID))
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			h.writeSSE(w, flusher, ev)

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// writeSSE writes a single event in SSE wire format.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, ev *types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event for SSE", "error", err)
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	flusher.Flush()
}
