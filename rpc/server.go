package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// tool maps one exposed tool onto a daemon HTTP endpoint.
type tool struct {
	def    ToolDefinition
	method string
	path   string // may contain {uuid}-style placeholders filled from args
}

// Server bridges stdio JSON-RPC clients to the daemon's /tools/*
// surface. Every forwarded body gets the entity token injected, so
// local clients never handle the secret themselves.
type Server struct {
	name    string
	version string
	baseURL string
	token   string
	client  *http.Client
	tools   []tool

	reader io.Reader
	writer io.Writer
	mu     sync.Mutex // protects writes

	logger *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStreams overrides stdin/stdout. Tests only, mostly.
func WithStreams(r io.Reader, w io.Writer) ServerOption {
	return func(s *Server) { s.reader = r; s.writer = w }
}

// WithRPCLogger sets a structured logger. Output must never go to
// stdout: that is the protocol channel.
func WithRPCLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// New creates a stdio adapter forwarding to baseURL with token.
func New(name, version, baseURL, token string, opts ...ServerOption) *Server {
	s := &Server{
		name:    name,
		version: version,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
		tools:   defaultTools(),
		reader:  os.Stdin,
		writer:  os.Stdout,
		logger:  slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve reads JSON-RPC messages until the input closes or ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(ctx, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("rpc: read input: %w", err)
	}
	return nil
}

func (s *Server) handleMessage(ctx context.Context, data []byte) {
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.write(response{JSONRPC: "2.0", ID: json.RawMessage("null"),
				Error: &rpcError{Code: errCodeParse, Message: "parse error"}})
			return
		}
		for _, raw := range batch {
			s.handleSingle(ctx, raw)
		}
		return
	}
	s.handleSingle(ctx, data)
}

func (s *Server) handleSingle(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.write(response{JSONRPC: "2.0", ID: json.RawMessage("null"),
			Error: &rpcError{Code: errCodeParse, Message: "parse error"}})
		return
	}
	if resp := s.dispatch(ctx, &req); resp != nil {
		s.write(*resp)
	}
}

func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.respond(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    serverCapabilities{Tools: &capability{}},
			ServerInfo:      serverInfo{Name: s.name, Version: s.version},
		})
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return s.respond(req.ID, struct{}{})
	case "tools/list":
		defs := make([]ToolDefinition, len(s.tools))
		for i, t := range s.tools {
			defs[i] = t.def
		}
		return s.respond(req.ID, toolsListResult{Tools: defs})
	case "tools/call":
		return s.handleToolCall(ctx, req)
	default:
		if req.isNotification() {
			return nil
		}
		return s.respondError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleToolCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}
	for _, t := range s.tools {
		if t.def.Name == params.Name {
			return s.respond(req.ID, s.forward(ctx, t, params.Arguments))
		}
	}
	return s.respond(req.ID, errorResult("unknown tool: "+params.Name))
}

// forward relays a tool call to the daemon, injecting the entity token
// into the body. Path placeholders ({uuid}) are filled from same-named
// args and removed from the forwarded body.
func (s *Server) forward(ctx context.Context, t tool, rawArgs json.RawMessage) ToolCallResult {
	args := make(map[string]any)
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("invalid arguments: " + err.Error())
		}
	}
	args["token"] = s.token

	path := t.path
	for key, val := range args {
		placeholder := "{" + key + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, fmt.Sprint(val))
			delete(args, key)
		}
	}

	var httpReq *http.Request
	var err error
	switch t.method {
	case http.MethodDelete:
		httpReq, err = http.NewRequestWithContext(ctx, t.method,
			s.baseURL+path+"?token="+s.token, nil)
	case http.MethodGet:
		httpReq, err = http.NewRequestWithContext(ctx, t.method, s.baseURL+path, nil)
	default:
		body, merr := json.Marshal(args)
		if merr != nil {
			return errorResult("encode arguments: " + merr.Error())
		}
		httpReq, err = http.NewRequestWithContext(ctx, t.method, s.baseURL+path, bytes.NewReader(body))
		if httpReq != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return errorResult("build request: " + err.Error())
	}

	started := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.logger.Warn("forward failed", "tool", t.def.Name, "error", err)
		return errorResult("daemon unreachable: " + err.Error())
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errorResult("read response: " + err.Error())
	}
	s.logger.Debug("forwarded tool call",
		"tool", t.def.Name,
		"status", resp.StatusCode,
		"duration", time.Since(started))

	if resp.StatusCode >= 400 {
		return errorResult(fmt.Sprintf("daemon returned %d: %s", resp.StatusCode, payload))
	}
	return textResult(string(payload))
}

func (s *Server) respond(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *Server) write(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
