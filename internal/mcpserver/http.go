package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// SessionHeader correlates streamable-HTTP requests with their session.
const SessionHeader = "Mcp-Session-Id"

const (
	keepAliveInterval  = 15 * time.Second
	defaultIdleTimeout = 5 * time.Minute
	sweepInterval      = time.Minute
)

// HTTPTransport serves the streamable-HTTP and legacy SSE transports on top
// of the shared dispatch core. POST and GET on the messages endpoint share
// each session's paired queues; one dispatch goroutine per session consumes
// the inbound queue.
type HTTPTransport struct {
	srv         *Server
	reg         *registry
	log         *slog.Logger
	idleTimeout time.Duration
}

// NewHTTPTransport creates the transport.
func NewHTTPTransport(srv *Server, log *slog.Logger) *HTTPTransport {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPTransport{
		srv:         srv,
		reg:         newRegistry(),
		log:         log,
		idleTimeout: defaultIdleTimeout,
	}
}

// Routes mounts the transport endpoints: POST/GET/DELETE /messages for
// streamable HTTP and GET /sse + POST /sse/message for the deprecated SSE
// binding.
func (t *HTTPTransport) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/messages", t.handlePost)
	r.Get("/messages", t.handleStream)
	r.Delete("/messages", t.handleDelete)
	r.Get("/sse", t.handleSSE)
	r.Post("/sse/message", t.handleSSEMessage)
	return r
}

// Run sweeps idle sessions until ctx is cancelled, then closes everything.
func (t *HTTPTransport) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.reg.sweep(0)
			return nil
		case <-ticker.C:
			if n := t.reg.sweep(t.idleTimeout); n > 0 {
				t.log.Debug("swept idle sessions", slog.Int("count", n))
			}
		}
	}
}

// startSession registers a new session and its dispatch goroutine. The
// goroutine owns the inbound queue; closing the session stops it and any
// in-flight result is discarded by Send.
func (t *HTTPTransport) startSession() *Session {
	sess := NewSession()
	t.reg.add(sess)
	go func() {
		for {
			select {
			case <-sess.Done():
				return
			case req := <-sess.inbound:
				if resp := t.srv.Handle(context.Background(), sess, req); resp != nil {
					sess.Send(resp)
				}
			}
		}
	}()
	return sess
}

// handlePost accepts one client→server JSON-RPC message. The first contact
// creates the session; its id travels back in the response header. Ping is
// answered inline as a liveness check, independent of full dispatch.
func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "parse error"))
		return
	}

	if req.Method == "ping" && !req.IsNotification() {
		w.Header().Set("Content-Type", "application/json")
		if id := r.Header.Get(SessionHeader); id != "" {
			w.Header().Set(SessionHeader, id)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resultResponse(req.ID, "pong"))
		return
	}

	var sess *Session
	if id := r.Header.Get(SessionHeader); id != "" {
		known, ok := t.reg.get(id)
		if !ok {
			writeRPCError(w, http.StatusNotFound, errorResponse(req.ID, CodeInvalidRequest, "unknown session"))
			return
		}
		sess = known
	} else {
		sess = t.startSession()
	}

	if !sess.Push(&req) {
		writeRPCError(w, http.StatusConflict, errorResponse(req.ID, CodeInternalError, "session is closed"))
		return
	}

	w.Header().Set(SessionHeader, sess.ID())
	w.WriteHeader(http.StatusAccepted)
}

// handleStream opens the server→client event stream for a session: each
// outbound response becomes one SSE data event, with keep-alive comments in
// between.
func (t *HTTPTransport) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		http.Error(w, SessionHeader+" header required", http.StatusBadRequest)
		return
	}
	sess, ok := t.reg.get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if !sess.attachStream() {
		http.Error(w, "session already has an event stream", http.StatusConflict)
		return
	}
	defer sess.detachStream()
	t.stream(w, r, sess)
}

func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		http.Error(w, SessionHeader+" header required", http.StatusBadRequest)
		return
	}
	t.reg.remove(id)
	w.WriteHeader(http.StatusNoContent)
}

// stream writes a session's outbound queue as an SSE stream until the
// client disconnects or the session closes.
func (t *HTTPTransport) stream(w http.ResponseWriter, r *http.Request, sess *Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionHeader, sess.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	t.streamLoop(w, flusher, r, sess)
}

// streamLoop pumps outbound responses to an already-started event stream.
func (t *HTTPTransport) streamLoop(w http.ResponseWriter, flusher http.Flusher, r *http.Request, sess *Session) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			return
		case resp := <-sess.outbound:
			data, err := json.Marshal(resp)
			if err != nil {
				t.log.Error("marshal response", slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeRPCError(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
