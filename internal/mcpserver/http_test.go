package mcpserver

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testTransport(t *testing.T) (*HTTPTransport, *httptest.Server) {
	t.Helper()
	srv, _ := testServer(t)
	transport := NewHTTPTransport(srv, nil)
	ts := httptest.NewServer(transport.Routes())
	t.Cleanup(ts.Close)
	return transport, ts
}

func postJSON(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// readEvent scans an SSE stream until the next data event and returns its
// payload.
func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			return data
		}
	}
	t.Fatal("no data event before deadline")
	return ""
}

func TestHTTPInitializeFlow(t *testing.T) {
	_, ts := testTransport(t)

	resp := postJSON(t, ts.URL+"/messages", "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	sessionID := resp.Header.Get(SessionHeader)
	if sessionID == "" {
		t.Fatal("no session header on first contact")
	}

	streamReq, err := http.NewRequest(http.MethodGet, ts.URL+"/messages", nil)
	if err != nil {
		t.Fatal(err)
	}
	streamReq.Header.Set(SessionHeader, sessionID)
	stream, err := http.DefaultClient.Do(streamReq)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("stream content type = %q", ct)
	}

	var initResp Response
	if err := json.Unmarshal([]byte(readEvent(t, bufio.NewReader(stream.Body))), &initResp); err != nil {
		t.Fatalf("bad event payload: %v", err)
	}
	if initResp.Error != nil {
		t.Fatalf("initialize failed: %+v", initResp.Error)
	}

	// Follow-up request on the same session.
	resp2 := postJSON(t, ts.URL+"/messages", sessionID,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp2.StatusCode)
	}
}

func TestHTTPInlinePing(t *testing.T) {
	_, ts := testTransport(t)

	resp := postJSON(t, ts.URL+"/messages", "", `{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Error != nil || out.Result != "pong" {
		t.Errorf("response = %+v", out)
	}
}

func TestHTTPUnknownSession(t *testing.T) {
	_, ts := testTransport(t)

	resp := postJSON(t, ts.URL+"/messages", "no-such-session",
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHTTPParseError(t *testing.T) {
	_, ts := testTransport(t)

	resp := postJSON(t, ts.URL+"/messages", "", `{broken`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Error == nil || out.Error.Code != CodeParseError {
		t.Errorf("response = %+v", out)
	}
}

func TestHTTPDeleteSession(t *testing.T) {
	transport, ts := testTransport(t)

	resp := postJSON(t, ts.URL+"/messages", "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	resp.Body.Close()
	sessionID := resp.Header.Get(SessionHeader)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/messages", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(SessionHeader, sessionID)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", del.StatusCode)
	}

	if _, ok := transport.reg.get(sessionID); ok {
		t.Error("session survived DELETE")
	}
}

// getStream opens GET /messages for a session and returns the response
// without reading the body.
func getStream(t *testing.T, url, sessionID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url+"/messages", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(SessionHeader, sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHTTPDuplicateStreamRejected(t *testing.T) {
	_, ts := testTransport(t)

	resp := postJSON(t, ts.URL+"/messages", "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	resp.Body.Close()
	sessionID := resp.Header.Get(SessionHeader)

	first := getStream(t, ts.URL, sessionID)
	defer first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first stream status = %d, want 200", first.StatusCode)
	}

	// The outbound queue already has a consumer.
	second := getStream(t, ts.URL, sessionID)
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second stream status = %d, want 409", second.StatusCode)
	}

	// Dropping the first stream frees the claim for a reconnect.
	first.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		retry := getStream(t, ts.URL, sessionID)
		code := retry.StatusCode
		retry.Body.Close()
		if code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reconnect status = %d, want 200", code)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSSELegacyFlow(t *testing.T) {
	_, ts := testTransport(t)

	stream, err := http.Get(ts.URL + "/sse")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()

	reader := bufio.NewReader(stream.Body)
	endpoint := readEvent(t, reader)
	if !strings.HasPrefix(endpoint, "/sse/message?sessionId=") {
		t.Fatalf("endpoint event = %q", endpoint)
	}

	resp := postJSON(t, ts.URL+endpoint, "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var initResp Response
	if err := json.Unmarshal([]byte(readEvent(t, reader)), &initResp); err != nil {
		t.Fatalf("bad event payload: %v", err)
	}
	if initResp.Error != nil {
		t.Fatalf("initialize failed: %+v", initResp.Error)
	}
}
