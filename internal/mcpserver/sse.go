package mcpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Deprecated SSE binding: one session per GET /sse connection, with the
// client posting requests to the side channel announced in the first event.
// Kept for older clients; new ones should use the streamable-HTTP endpoint.

// handleSSE opens a legacy SSE session. The first event names the side
// channel; responses follow as data events.
func (t *HTTPTransport) handleSSE(w http.ResponseWriter, r *http.Request) {
	t.log.Warn("SSE transport is deprecated; prefer the streamable-HTTP endpoint")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess := t.startSession()
	defer t.reg.remove(sess.ID())
	// Fresh session, so the claim cannot fail; taking it keeps a concurrent
	// GET /messages with this id from consuming the same queue.
	sess.attachStream()
	defer sess.detachStream()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: endpoint\ndata: /sse/message?sessionId=%s\n\n", sess.ID())
	flusher.Flush()

	t.streamLoop(w, flusher, r, sess)
}

// handleSSEMessage is the client→server side channel for SSE sessions.
func (t *HTTPTransport) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		http.Error(w, "sessionId query parameter required", http.StatusBadRequest)
		return
	}
	sess, ok := t.reg.get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "parse error"))
		return
	}
	if !sess.Push(&req) {
		writeRPCError(w, http.StatusConflict, errorResponse(req.ID, CodeInternalError, "session is closed"))
		return
	}
	t.log.Debug("sse message accepted", slog.String("session_id", sess.ID()))
	w.WriteHeader(http.StatusAccepted)
}
