// Package mcpserver implements the JSON-RPC protocol surface of the vault:
// the session handshake state machine, method dispatch, and the stdio, SSE,
// and streamable-HTTP transports, all sharing one dispatch core.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/laguz/internal/pagination"
	"github.com/starford/laguz/internal/ratelimit"
	"github.com/starford/laguz/internal/vault"
)

const (
	serverName    = "laguz"
	serverVersion = "1.0.0"

	defaultResourcePage = 10
	defaultToolPage     = 20
)

// SupportedVersions is the fixed set the strict handshake checks against,
// newest last.
var SupportedVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18"}

// VersionPolicy selects how the handshake treats an unsupported protocol
// version.
type VersionPolicy int

const (
	// PolicyStrict rejects unsupported versions with a version-mismatch
	// error so the client can retry. Silent downgrading is unsafe for
	// protocol-compliance testing.
	PolicyStrict VersionPolicy = iota
	// PolicyPermissive downgrades to the latest supported version, the way
	// most SDK implementations behave.
	PolicyPermissive
)

// Server is the dispatch core shared by all transports.
type Server struct {
	vault   *vault.Service
	limiter *ratelimit.Limiter
	uri     URICodec
	policy  VersionPolicy
	tools   []mcp.Tool
	log     *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithVersionPolicy overrides the default strict handshake policy.
func WithVersionPolicy(p VersionPolicy) ServerOption {
	return func(s *Server) { s.policy = p }
}

// New creates the dispatch core. vaultID scopes the note URI scheme.
func New(v *vault.Service, limiter *ratelimit.Limiter, vaultID string, log *slog.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		vault:   v,
		limiter: limiter,
		uri:     NewURICodec(vaultID),
		policy:  PolicyStrict,
		tools:   toolCatalog(),
		log:     log,
	}
	sort.Slice(s.tools, func(i, j int) bool { return s.tools[i].Name < s.tools[j].Name })
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle dispatches one request on a session and returns the response, or
// nil for notifications. A panic in a handler becomes an internal-error
// response; the session survives.
func (s *Server) Handle(ctx context.Context, sess *Session, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic",
				slog.String("method", req.Method),
				slog.Any("panic", r))
			resp = errorResponse(req.ID, CodeInternalError, "internal error")
		}
	}()

	sess.touch()

	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, `jsonrpc must be "2.0"`)
	}

	if req.Method == "initialize" {
		return s.handleInitialize(sess, req)
	}
	if req.Method == "notifications/initialized" {
		return nil
	}
	if req.IsNotification() {
		// No other notifications are defined; drop silently.
		return nil
	}

	if sess.State() != StateInitialized {
		return errorResponse(req.ID, CodeInvalidRequest,
			fmt.Sprintf("received %s before initialization was complete", req.Method))
	}

	if !s.limiter.Allow(req.Method) {
		s.log.Warn("rate limit exceeded", slog.String("method", req.Method))
		return errorResponse(req.ID, CodeRateLimited, "rate limit exceeded")
	}

	switch req.Method {
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "resources/list":
		return s.handleListResources(ctx, req)
	case "resources/read":
		return s.handleReadResource(ctx, req)
	case "tools/list":
		return s.handleListTools(req)
	case "tools/call":
		return s.handleCallTool(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}
}

// capabilityObject marshals as {} so clients can always detect feature
// availability; listChanged notifications are not emitted.
type capabilityObject struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type serverCapabilities struct {
	Resources capabilityObject `json:"resources"`
	Tools     capabilityObject `json:"tools"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
}

// handleInitialize runs the handshake. New moves to Initializing on receipt;
// only a version match advances to Initialized. A mismatch under the strict
// policy answers with a version-mismatch error and leaves the state
// untouched so the client may retry with a different version.
func (s *Server) handleInitialize(sess *Session, req *Request) *Response {
	if sess.State() == StateClosed {
		return errorResponse(req.ID, CodeInvalidRequest, "session is closed")
	}
	if sess.State() == StateNew {
		sess.setState(StateInitializing)
	}

	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "malformed initialize params")
		}
	}

	version, ok := s.negotiate(params.ProtocolVersion)
	if !ok {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &RPCError{
				Code:    CodeVersionMismatch,
				Message: "unsupported protocol version",
				Data: map[string]any{
					"requested": params.ProtocolVersion,
					"supported": SupportedVersions,
				},
			},
		}
	}

	sess.setVersion(version)
	sess.setState(StateInitialized)
	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities:    serverCapabilities{},
		ServerInfo:      serverInfo{Name: serverName, Version: serverVersion},
	})
}

func (s *Server) negotiate(requested string) (string, bool) {
	for _, v := range SupportedVersions {
		if v == requested {
			return v, true
		}
	}
	if s.policy == PolicyPermissive {
		return SupportedVersions[len(SupportedVersions)-1], true
	}
	return "", false
}

// pageParams are shared by both cursor-paginated list methods.
type pageParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  *int   `json:"limit,omitempty"`
}

// decodePage resolves cursor+limit into (skip, limit). Cursor and limit
// faults surface as invalid-params, never silently corrected.
func decodePage(raw json.RawMessage, defaultLimit int) (int, int, error) {
	var p pageParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return 0, 0, fmt.Errorf("%w: malformed params", pagination.ErrCursor)
		}
	}
	limit, err := pagination.ValidateLimit(p.Limit, defaultLimit)
	if err != nil {
		return 0, 0, err
	}
	skip := 0
	if p.Cursor != "" {
		payload, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return 0, 0, err
		}
		if skip, err = pagination.Skip(payload); err != nil {
			return 0, 0, err
		}
	}
	return skip, limit, nil
}

func nextCursor(skip, limit int) (string, error) {
	return pagination.EncodeCursor(map[string]any{"skip": skip + limit})
}

type listResourcesResult struct {
	Resources  []mcp.Resource `json:"resources"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

func (s *Server) handleListResources(ctx context.Context, req *Request) *Response {
	skip, limit, err := decodePage(req.Params, defaultResourcePage)
	if err != nil {
		return errorResponse(req.ID, CodeInvalidParams, err.Error())
	}

	// One extra row tells us whether another page exists.
	docs := s.vault.List(ctx, limit+1, skip, "mtime", "desc")
	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	resources := make([]mcp.Resource, 0, len(docs))
	for _, doc := range docs {
		note, ok := s.vault.Process(ctx, doc)
		if !ok {
			continue
		}
		resources = append(resources, mcp.NewResource(
			s.uri.Encode(note.Path),
			note.Title,
			mcp.WithResourceDescription(fmt.Sprintf("Last modified: %d", note.ModifiedAt)),
			mcp.WithMIMEType("text/markdown"),
		))
	}

	result := listResourcesResult{Resources: resources}
	if hasMore {
		cursor, err := nextCursor(skip, limit)
		if err != nil {
			return errorResponse(req.ID, CodeInternalError, "failed to encode cursor")
		}
		result.NextCursor = cursor
	}
	return resultResponse(req.ID, result)
}

type readResourceResult struct {
	Contents []mcp.ResourceContents `json:"contents"`
}

func (s *Server) handleReadResource(ctx context.Context, req *Request) *Response {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return errorResponse(req.ID, CodeInvalidParams, "uri is required")
	}

	path, ok := s.uri.Decode(params.URI)
	if !ok {
		return errorResponse(req.ID, CodeResourceNotFound, "resource not found: "+params.URI)
	}
	content, ok := s.vault.Content(ctx, path)
	if !ok {
		return errorResponse(req.ID, CodeResourceNotFound, "resource not found: "+params.URI)
	}

	return resultResponse(req.ID, readResourceResult{
		Contents: []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      params.URI,
				MIMEType: "text/markdown",
				Text:     content,
			},
		},
	})
}

type listToolsResult struct {
	Tools      []mcp.Tool `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

func (s *Server) handleListTools(req *Request) *Response {
	skip, limit, err := decodePage(req.Params, defaultToolPage)
	if err != nil {
		return errorResponse(req.ID, CodeInvalidParams, err.Error())
	}

	if skip > len(s.tools) {
		skip = len(s.tools)
	}
	page := s.tools[skip:]
	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}

	result := listToolsResult{Tools: page}
	if hasMore {
		cursor, err := nextCursor(skip, limit)
		if err != nil {
			return errorResponse(req.ID, CodeInternalError, "failed to encode cursor")
		}
		result.NextCursor = cursor
	}
	return resultResponse(req.ID, result)
}

func (s *Server) handleCallTool(ctx context.Context, req *Request) *Response {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "tool name is required")
	}

	var (
		result *mcp.CallToolResult
		err    error
	)
	switch params.Name {
	case "ping":
		result = mcp.NewToolResultText("pong")
	case "find_notes":
		result, err = s.findNotes(ctx, params.Arguments)
	case "summarise_note":
		result, err = s.summariseNote(ctx, params.Arguments)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "unknown tool: "+params.Name)
	}
	if err != nil {
		var notFound *notFoundError
		if errors.As(err, &notFound) {
			return errorResponse(req.ID, CodeResourceNotFound, err.Error())
		}
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	return resultResponse(req.ID, result)
}
