package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ironsheep/pillcount/internal/log"
	"github.com/ironsheep/pillcount/internal/pipeline"
)

// HealthChecker reports whether the detection service is reachable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	// Name and Version are reported in serverInfo.
	Name    string
	Version string

	// MaxBytes rejects image files larger than this before reading them.
	MaxBytes int64

	// In and Out default to stdin and stdout.
	In  io.Reader
	Out io.Writer

	Logger *slog.Logger
}

// Server handles MCP protocol communication
type Server struct {
	session *pipeline.Session
	health  HealthChecker
	opts    Options
	logger  *slog.Logger

	// writeMu serializes responses and progress notifications.
	writeMu sync.Mutex
	encoder *json.Encoder
}

// MCPRequest represents an incoming JSON-RPC request
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an outgoing JSON-RPC response
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

// MCPError represents a JSON-RPC error
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MCPNotification represents an outgoing notification (no ID)
type MCPNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// New creates a new MCP server bound to one pipeline session. health may be
// nil, in which case pill_check_service reports the service as unchecked.
func New(session *pipeline.Session, health HealthChecker, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "pillcount"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.L()
	}
	return &Server{
		session: session,
		health:  health,
		opts:    opts,
		logger:  logger.With("component", "mcp"),
		encoder: json.NewEncoder(opts.Out),
	}
}

// Run reads requests until the input closes or ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.opts.In)
	// Increase buffer size for large requests
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req MCPRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("failed to parse request", "error", err)
			s.write(s.errorResponse(nil, -32700, "Parse error", err.Error()))
			continue
		}

		if resp := s.handleRequest(ctx, &req); resp != nil {
			s.write(resp)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}

// write encodes one message to the output stream.
func (s *Server) write(v interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.encoder.Encode(v); err != nil {
		s.logger.Error("failed to encode message", "error", err)
	}
}

// notify sends a JSON-RPC notification.
func (s *Server) notify(method string, params interface{}) {
	s.write(&MCPNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// handleRequest routes requests to appropriate handlers
func (s *Server) handleRequest(ctx context.Context, req *MCPRequest) *MCPResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		// Notifications get no response
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]interface{}{},
		}
	default:
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32601,
				Message: fmt.Sprintf("Method not found: %s", req.Method),
			},
		}
	}
}

// handleInitialize responds to the initialize request
func (s *Server) handleInitialize(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    s.opts.Name,
				"version": s.opts.Version,
			},
		},
	}
}
