package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// recordingBackend captures forwarded requests so tests can assert on
// method, path, and token injection.
type recordingBackend struct {
	mu     sync.Mutex
	method string
	path   string
	query  string
	body   map[string]any
	status int
	reply  string
}

func (b *recordingBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.method = r.Method
		b.path = r.URL.Path
		b.query = r.URL.RawQuery
		b.body = nil
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			json.Unmarshal(data, &b.body)
		}
		status, reply := b.status, b.reply
		b.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		if reply == "" {
			reply = `{"ok":true}`
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(reply))
	}
}

func testAdapter(t *testing.T) (*Server, *bytes.Buffer, *recordingBackend) {
	t.Helper()
	backend := &recordingBackend{}
	httpSrv := httptest.NewServer(backend.handler())
	t.Cleanup(httpSrv.Close)

	var out bytes.Buffer
	srv := New("chorus-rpc", "1.0.0", httpSrv.URL, "entity-secret",
		WithStreams(strings.NewReader(""), &out))
	return srv, &out, backend
}

func sendAndReceive(t *testing.T, srv *Server, out *bytes.Buffer, msg string) response {
	t.Helper()
	out.Reset()
	srv.reader = strings.NewReader(msg + "\n")
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	var resp response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (raw: %s)", err, out.String())
	}
	return resp
}

func TestInitializeHandshake(t *testing.T) {
	srv, out, _ := testAdapter(t)

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	raw, _ := json.Marshal(resp.Result)
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ProtocolVersion != protocolVersion {
		t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, protocolVersion)
	}
	if result.ServerInfo.Name != "chorus-rpc" {
		t.Errorf("serverInfo.name = %q", result.ServerInfo.Name)
	}
	if result.Capabilities.Tools == nil {
		t.Error("expected tools capability to be set")
	}
}

func TestToolsListCoversSurface(t *testing.T) {
	srv, out, _ := testAdapter(t)

	resp := sendAndReceive(t, srv, out, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	raw, _ := json.Marshal(resp.Result)
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	names := make(map[string]bool, len(result.Tools))
	for _, d := range result.Tools {
		names[d.Name] = true
	}
	for _, want := range []string{"ambient_recall", "raw_search", "store_message",
		"anchor_search", "texture_add_triplet", "crystallize", "pps_health"} {
		if !names[want] {
			t.Errorf("tool %q missing from tools/list", want)
		}
	}

	// No schema may ask the client for the token; the adapter owns it.
	for _, d := range result.Tools {
		raw, _ := json.Marshal(d.InputSchema)
		if strings.Contains(string(raw), `"token"`) {
			t.Errorf("tool %q schema exposes the token field", d.Name)
		}
	}
}

func TestToolCallInjectsToken(t *testing.T) {
	srv, out, backend := testAdapter(t)

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"raw_search","arguments":{"query":"reactor","limit":5}}}`)
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %v", resp.Error)
	}

	if backend.path != "/tools/raw_search" || backend.method != http.MethodPost {
		t.Fatalf("forwarded %s %s", backend.method, backend.path)
	}
	if backend.body["token"] != "entity-secret" {
		t.Fatalf("token not injected: %v", backend.body)
	}
	if backend.body["query"] != "reactor" {
		t.Fatalf("arguments not forwarded: %v", backend.body)
	}
}

func TestToolCallPathPlaceholder(t *testing.T) {
	srv, out, backend := testAdapter(t)

	sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"texture_delete","arguments":{"uuid":"abc-123"}}}`)

	if backend.path != "/tools/texture_delete/abc-123" {
		t.Fatalf("path = %s, want placeholder filled", backend.path)
	}
	if backend.method != http.MethodDelete {
		t.Fatalf("method = %s, want DELETE", backend.method)
	}
	if !strings.Contains(backend.query, "token=entity-secret") {
		t.Fatalf("token missing from delete query: %s", backend.query)
	}
}

func TestToolCallDaemonError(t *testing.T) {
	srv, out, backend := testAdapter(t)
	backend.status = http.StatusForbidden
	backend.reply = `{"error":"auth rejected: invalid token"}`

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"crystallize","arguments":{"content":"x"}}}`)

	raw, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Fatal("daemon 403 should surface as a tool error")
	}
	if !strings.Contains(result.Content[0].Text, "403") {
		t.Fatalf("error text = %q", result.Content[0].Text)
	}
}

func TestUnknownToolAndMethod(t *testing.T) {
	srv, out, _ := testAdapter(t)

	resp := sendAndReceive(t, srv, out,
		`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"teleport"}}`)
	raw, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	json.Unmarshal(raw, &result)
	if !result.IsError {
		t.Error("unknown tool should return a tool error")
	}

	resp = sendAndReceive(t, srv, out, `{"jsonrpc":"2.0","id":7,"method":"frobnicate"}`)
	if resp.Error == nil || resp.Error.Code != errCodeMethodNotFound {
		t.Errorf("unknown method: got %+v", resp.Error)
	}
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	srv, out, _ := testAdapter(t)

	out.Reset()
	srv.reader = strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("notification produced output: %s", out.String())
	}
}

func TestParseError(t *testing.T) {
	srv, out, _ := testAdapter(t)

	resp := sendAndReceive(t, srv, out, `{not json`)
	if resp.Error == nil || resp.Error.Code != errCodeParse {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
}
