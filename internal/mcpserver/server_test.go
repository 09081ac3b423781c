package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/starford/laguz/internal/ratelimit"
	"github.com/starford/laguz/internal/store"
	"github.com/starford/laguz/internal/testutil"
	"github.com/starford/laguz/internal/vault"
)

func testServer(t *testing.T, opts ...ServerOption) (*Server, *testutil.FakeCouch) {
	t.Helper()
	couch := testutil.NewFakeCouch(t, "obsidian")
	st := store.New(store.Config{
		BaseURL:  couch.URL(),
		Database: "obsidian",
		User:     "admin",
		Password: "secret",
	}, nil)
	t.Cleanup(st.Close)
	svc := vault.NewService(st, vault.Config{}, nil)
	limiter := ratelimit.New(6000, 1000)
	return New(svc, limiter, "default", nil, opts...), couch
}

func request(id int, method string, params any) *Request {
	req := &Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprint(id)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			panic(err)
		}
		req.Params = raw
	}
	return req
}

func initialized(t *testing.T, s *Server) *Session {
	t.Helper()
	sess := NewSession()
	resp := s.Handle(context.Background(), sess, request(1, "initialize",
		map[string]any{"protocolVersion": "2025-06-18"}))
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	s.Handle(context.Background(), sess, &Request{JSONRPC: "2.0", Method: "notifications/initialized"})
	return sess
}

func resultJSON(t *testing.T, resp *Response) string {
	t.Helper()
	if resp == nil {
		t.Fatal("nil response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	out, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	return string(out)
}

func TestInitializeSupported(t *testing.T) {
	s, _ := testServer(t)
	sess := NewSession()

	resp := s.Handle(context.Background(), sess, request(1, "initialize",
		map[string]any{"protocolVersion": "2025-03-26"}))

	body := resultJSON(t, resp)
	if !strings.Contains(body, `"protocolVersion":"2025-03-26"`) {
		t.Errorf("negotiated version not echoed: %s", body)
	}
	// Capability objects must be present even when empty.
	if !strings.Contains(body, `"resources":{}`) || !strings.Contains(body, `"tools":{}`) {
		t.Errorf("capabilities missing or null: %s", body)
	}
	if sess.State() != StateInitialized {
		t.Errorf("state = %v, want initialized", sess.State())
	}
	if sess.Version() != "2025-03-26" {
		t.Errorf("version = %q", sess.Version())
	}
}

func TestInitializeStrictMismatch(t *testing.T) {
	s, _ := testServer(t)
	sess := NewSession()

	resp := s.Handle(context.Background(), sess, request(1, "initialize",
		map[string]any{"protocolVersion": "1999-01-01"}))

	if resp.Error == nil || resp.Error.Code != CodeVersionMismatch {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeVersionMismatch)
	}
	data, ok := resp.Error.Data.(map[string]any)
	if !ok {
		t.Fatalf("error data = %T", resp.Error.Data)
	}
	if data["requested"] != "1999-01-01" {
		t.Errorf("requested = %v", data["requested"])
	}
	if sess.State() == StateInitialized {
		t.Error("session initialized despite version mismatch")
	}

	// The client may retry on the same session with a supported version.
	retry := s.Handle(context.Background(), sess, request(2, "initialize",
		map[string]any{"protocolVersion": "2024-11-05"}))
	if retry.Error != nil {
		t.Fatalf("retry rejected: %+v", retry.Error)
	}
	if sess.State() != StateInitialized {
		t.Error("retry did not initialize the session")
	}
}

func TestInitializePermissiveDowngrade(t *testing.T) {
	s, _ := testServer(t, WithVersionPolicy(PolicyPermissive))
	sess := NewSession()

	resp := s.Handle(context.Background(), sess, request(1, "initialize",
		map[string]any{"protocolVersion": "2030-01-01"}))

	body := resultJSON(t, resp)
	latest := SupportedVersions[len(SupportedVersions)-1]
	if !strings.Contains(body, `"protocolVersion":"`+latest+`"`) {
		t.Errorf("permissive policy did not downgrade to %s: %s", latest, body)
	}
}

func TestRequestBeforeInitialize(t *testing.T) {
	s, _ := testServer(t)
	sess := NewSession()

	resp := s.Handle(context.Background(), sess, request(1, "tools/list", nil))
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeInvalidRequest)
	}
}

func TestBadJSONRPCVersion(t *testing.T) {
	s, _ := testServer(t)
	sess := initialized(t, s)

	resp := s.Handle(context.Background(), sess, &Request{
		JSONRPC: "1.0",
		ID:      json.RawMessage("9"),
		Method:  "ping",
	})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeInvalidRequest)
	}
}

func TestMethodNotFound(t *testing.T) {
	s, _ := testServer(t)
	sess := initialized(t, s)

	resp := s.Handle(context.Background(), sess, request(2, "prompts/list", nil))
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeMethodNotFound)
	}
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	s, _ := testServer(t)
	sess := initialized(t, s)

	resp := s.Handle(context.Background(), sess, &Request{JSONRPC: "2.0", Method: "notifications/cancelled"})
	if resp != nil {
		t.Fatalf("notification answered: %+v", resp)
	}
}

func TestPing(t *testing.T) {
	s, _ := testServer(t)
	sess := initialized(t, s)

	resp := s.Handle(context.Background(), sess, request(2, "ping", nil))
	if resp.Error != nil {
		t.Fatalf("ping error: %+v", resp.Error)
	}
}

func TestRateLimited(t *testing.T) {
	couch := testutil.NewFakeCouch(t, "obsidian")
	st := store.New(store.Config{BaseURL: couch.URL(), Database: "obsidian", User: "u", Password: "p"}, nil)
	t.Cleanup(st.Close)
	svc := vault.NewService(st, vault.Config{}, nil)
	s := New(svc, ratelimit.New(60, 2), "default", nil)
	sess := initialized(t, s)

	for i := 0; i < 2; i++ {
		if resp := s.Handle(context.Background(), sess, request(i+2, "ping", nil)); resp.Error != nil {
			t.Fatalf("ping %d: %+v", i+1, resp.Error)
		}
	}
	resp := s.Handle(context.Background(), sess, request(5, "ping", nil))
	if resp.Error == nil || resp.Error.Code != CodeRateLimited {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeRateLimited)
	}
}

func seedVault(t *testing.T, couch *testutil.FakeCouch, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("note-%02d.md", i)
		couch.Put(t, testutil.NoteDoc(id, id, fmt.Sprintf("# Note %02d\n\nbody %02d", i, i), int64(1000+i)))
	}
}

func TestListResourcesPagination(t *testing.T) {
	s, couch := testServer(t)
	seedVault(t, couch, 6)
	sess := initialized(t, s)

	page1 := s.Handle(context.Background(), sess, request(2, "resources/list",
		map[string]any{"limit": 3}))
	var r1 listResourcesResult
	mustRemarshal(t, page1.Result, &r1)
	if len(r1.Resources) != 3 {
		t.Fatalf("page 1 has %d resources, want 3", len(r1.Resources))
	}
	if r1.NextCursor == "" {
		t.Fatal("page 1 missing nextCursor")
	}

	page2 := s.Handle(context.Background(), sess, request(3, "resources/list",
		map[string]any{"limit": 3, "cursor": r1.NextCursor}))
	var r2 listResourcesResult
	mustRemarshal(t, page2.Result, &r2)
	if len(r2.Resources) != 3 {
		t.Fatalf("page 2 has %d resources, want 3", len(r2.Resources))
	}
	if r2.NextCursor != "" {
		t.Errorf("page 2 has nextCursor %q on the last page", r2.NextCursor)
	}

	if r1.Resources[0].URI == r2.Resources[0].URI {
		t.Error("pages overlap")
	}
}

func TestListResourcesInvalidCursor(t *testing.T) {
	s, _ := testServer(t)
	sess := initialized(t, s)

	resp := s.Handle(context.Background(), sess, request(2, "resources/list",
		map[string]any{"cursor": "!!junk!!"}))
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeInvalidParams)
	}
}

func TestListResourcesInvalidLimit(t *testing.T) {
	s, _ := testServer(t)
	sess := initialized(t, s)

	for _, bad := range []int{0, 51} {
		resp := s.Handle(context.Background(), sess, request(2, "resources/list",
			map[string]any{"limit": bad}))
		if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
			t.Fatalf("limit %d: error = %+v, want code %d", bad, resp.Error, CodeInvalidParams)
		}
	}
}

func TestReadResource(t *testing.T) {
	s, couch := testServer(t)
	couch.Put(t, testutil.NoteDoc("notes/a note.md", "notes/a note.md", "# A\n\ncontent", 1))
	sess := initialized(t, s)

	uri := s.uri.Encode("notes/a note.md")
	resp := s.Handle(context.Background(), sess, request(2, "resources/read",
		map[string]any{"uri": uri}))
	body := resultJSON(t, resp)
	if !strings.Contains(body, "content") {
		t.Errorf("result = %s", body)
	}
}

func TestReadResourceNotFound(t *testing.T) {
	s, _ := testServer(t)
	sess := initialized(t, s)

	cases := []string{
		"obsidian://default/missing.md",
		"obsidian://othervault/x.md",
		"file:///etc/passwd",
	}
	for _, uri := range cases {
		resp := s.Handle(context.Background(), sess, request(2, "resources/read",
			map[string]any{"uri": uri}))
		if resp.Error == nil || resp.Error.Code != CodeResourceNotFound {
			t.Errorf("uri %q: error = %+v, want code %d", uri, resp.Error, CodeResourceNotFound)
		}
	}
}

func TestListTools(t *testing.T) {
	s, _ := testServer(t)
	sess := initialized(t, s)

	resp := s.Handle(context.Background(), sess, request(2, "tools/list", nil))
	var r listToolsResult
	mustRemarshal(t, resp.Result, &r)
	if len(r.Tools) != 3 {
		t.Fatalf("got %d tools, want 3", len(r.Tools))
	}
	want := []string{"find_notes", "ping", "summarise_note"}
	for i, name := range want {
		if r.Tools[i].Name != name {
			t.Errorf("tools[%d] = %q, want %q", i, r.Tools[i].Name, name)
		}
	}
	if r.NextCursor != "" {
		t.Errorf("unexpected nextCursor %q", r.NextCursor)
	}
}

func TestListToolsPaginated(t *testing.T) {
	s, _ := testServer(t)
	sess := initialized(t, s)

	resp := s.Handle(context.Background(), sess, request(2, "tools/list",
		map[string]any{"limit": 2}))
	var r listToolsResult
	mustRemarshal(t, resp.Result, &r)
	if len(r.Tools) != 2 || r.NextCursor == "" {
		t.Fatalf("page 1: %d tools, cursor %q", len(r.Tools), r.NextCursor)
	}

	resp = s.Handle(context.Background(), sess, request(3, "tools/list",
		map[string]any{"limit": 2, "cursor": r.NextCursor}))
	r = listToolsResult{}
	mustRemarshal(t, resp.Result, &r)
	if len(r.Tools) != 1 || r.NextCursor != "" {
		t.Fatalf("page 2: %d tools, cursor %q", len(r.Tools), r.NextCursor)
	}
}

func TestCallUnknownTool(t *testing.T) {
	s, _ := testServer(t)
	sess := initialized(t, s)

	resp := s.Handle(context.Background(), sess, request(2, "tools/call",
		map[string]any{"name": "delete_everything"}))
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeMethodNotFound)
	}
}

func mustRemarshal(t *testing.T, from any, to any) {
	t.Helper()
	raw, err := json.Marshal(from)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, to); err != nil {
		t.Fatal(err)
	}
}
