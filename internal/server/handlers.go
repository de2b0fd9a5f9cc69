package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ironsheep/pillcount/internal/failure"
	"github.com/ironsheep/pillcount/internal/imaging"
	"github.com/ironsheep/pillcount/internal/pipeline"
	"github.com/ironsheep/pillcount/internal/present"
)

// ToolCallParams represents the parameters for a tools/call MCP request.
type ToolCallParams struct {
	// Name is the tool to invoke (e.g., "pill_count", "pill_save").
	Name string `json:"name"`

	// Arguments contains the tool-specific parameters as JSON.
	Arguments json.RawMessage `json:"arguments"`

	Meta *struct {
		ProgressToken interface{} `json:"progressToken,omitempty"`
	} `json:"_meta,omitempty"`
}

// imageReply is a tool result that also carries the annotated JPEG.
type imageReply struct {
	value    interface{}
	artifact *present.Artifact
}

// handleToolsCall processes a tools/call request and executes the specified tool.
//
// The response wraps the tool result in MCP's content format:
//
//	{
//	  "content": [{"type": "text", "text": "<JSON result>"}]
//	}
//
// Results with an image add a second {"type": "image"} entry. Tool execution
// errors return a JSON-RPC error response with code -32000.
func (s *Server) handleToolsCall(ctx context.Context, req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	token := req.ID
	if params.Meta != nil && params.Meta.ProgressToken != nil {
		token = params.Meta.ProgressToken
	}

	result, err := s.executeTool(ctx, params.Name, params.Arguments, token)
	if err != nil {
		var unknown *unknownToolError
		if errors.As(err, &unknown) {
			return s.errorResponse(req.ID, -32602, "Unknown tool", err.Error())
		}
		return s.errorResponse(req.ID, -32000, "Tool execution failed", toolErrorData(err))
	}

	content := []map[string]interface{}{}
	if img, ok := result.(*imageReply); ok {
		content = append(content, map[string]interface{}{
			"type": "text",
			"text": mustMarshalJSON(img.value),
		})
		if img.artifact != nil {
			content = append(content, map[string]interface{}{
				"type":     "image",
				"data":     base64.StdEncoding.EncodeToString(img.artifact.Data),
				"mimeType": img.artifact.MimeType,
			})
		}
	} else {
		content = append(content, map[string]interface{}{
			"type": "text",
			"text": mustMarshalJSON(result),
		})
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": content,
		},
	}
}

type unknownToolError struct {
	name string
}

func (e *unknownToolError) Error() string {
	return "unknown tool: " + e.name
}

// executeTool dispatches tool execution to the appropriate handler function.
//
// Each tool handler:
//  1. Unmarshals arguments from JSON
//  2. Applies default values for optional parameters
//  3. Calls into the pipeline session or its presenter
//  4. Returns the result or a typed failure
func (s *Server) executeTool(ctx context.Context, name string, args json.RawMessage, token interface{}) (interface{}, error) {
	switch name {
	case "pill_count":
		return s.handlePillCount(ctx, args, token)
	case "pill_result":
		return s.handlePillResult(args)
	case "pill_save":
		return s.handlePillSave(args)
	case "pill_share":
		return s.handlePillShare(ctx)
	case "pill_retake":
		return s.handlePillRetake()
	case "pill_check_service":
		return s.handleCheckService(ctx)
	default:
		return nil, &unknownToolError{name: name}
	}
}

// errorResponse creates a JSON-RPC error response with the given details.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// toolErrorData describes a failure by kind, with the user-facing message.
func toolErrorData(err error) map[string]interface{} {
	kind := failure.KindOf(err)
	return map[string]interface{}{
		"kind":    kind.String(),
		"message": failure.Message(kind),
		"detail":  err.Error(),
	}
}

// mustMarshalJSON converts a value to pretty-printed JSON string.
// On marshal failure, returns an empty string.
func mustMarshalJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// parseArgs unmarshals optional tool arguments.
func parseArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return failure.New(failure.Internal, "arguments", err)
	}
	return nil
}

// === Capture ===

type pillCountArgs struct {
	Path         string   `json:"path"`
	Threshold    *float64 `json:"threshold"`
	Style        string   `json:"style"`
	IncludeImage *bool    `json:"include_image"`
}

type countReply struct {
	Message string             `json:"message"`
	Source  *imaging.ImageInfo `json:"source,omitempty"`
	*pipeline.Outcome
}

func (s *Server) handlePillCount(ctx context.Context, args json.RawMessage, token interface{}) (interface{}, error) {
	var a pillCountArgs
	if err := parseArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Path == "" {
		return nil, failure.Newf(failure.Internal, "pill_count", "path is required")
	}

	data, err := imaging.ReadFile(a.Path, s.opts.MaxBytes)
	if err != nil {
		return nil, err
	}

	progress := func(percent int, message string) {
		s.notify("notifications/progress", map[string]interface{}{
			"progressToken": token,
			"progress":      percent,
			"total":         pipeline.StepDone,
			"message":       message,
		})
	}

	out, err := s.session.Capture(ctx, data, pipeline.Params{Threshold: a.Threshold, Style: a.Style}, progress)
	if err != nil {
		return nil, err
	}

	reply := &countReply{
		Message: fmt.Sprintf("Counted %d pills", out.Count),
		Outcome: out,
	}
	if info, err := imaging.Inspect(data); err == nil {
		reply.Source = info
	}
	if a.IncludeImage != nil && !*a.IncludeImage {
		return reply, nil
	}
	return &imageReply{value: reply, artifact: s.session.Presenter().Current()}, nil
}

// === Result ===

type pillResultArgs struct {
	IncludeImage bool `json:"include_image"`
}

type resultReply struct {
	Status  pipeline.Status   `json:"status"`
	Outcome *pipeline.Outcome `json:"outcome,omitempty"`
	Error   interface{}       `json:"error,omitempty"`
}

func (s *Server) handlePillResult(args json.RawMessage) (interface{}, error) {
	var a pillResultArgs
	if err := parseArgs(args, &a); err != nil {
		return nil, err
	}

	st := s.session.State()
	reply := &resultReply{Status: st.Status, Outcome: st.Outcome}
	if st.Err != nil {
		reply.Error = toolErrorData(st.Err)
	}
	if a.IncludeImage && st.Status == pipeline.StatusReady {
		return &imageReply{value: reply, artifact: s.session.Presenter().Current()}, nil
	}
	return reply, nil
}

// === Save / Share ===

type pillSaveArgs struct {
	Dir string `json:"dir"`
}

func (s *Server) handlePillSave(args json.RawMessage) (interface{}, error) {
	var a pillSaveArgs
	if err := parseArgs(args, &a); err != nil {
		return nil, err
	}
	path, err := s.session.Presenter().Save(a.Dir)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": path}, nil
}

func (s *Server) handlePillShare(ctx context.Context) (interface{}, error) {
	return s.session.Presenter().Share(ctx)
}

// === Retake ===

func (s *Server) handlePillRetake() (interface{}, error) {
	s.session.Retake()
	return map[string]interface{}{"status": s.session.Status()}, nil
}

// === Service ===

func (s *Server) handleCheckService(ctx context.Context) (interface{}, error) {
	if s.health == nil {
		return map[string]interface{}{"reachable": false, "checked": false}, nil
	}

	start := time.Now()
	err := s.health.CheckHealth(ctx)
	reply := map[string]interface{}{
		"reachable":  err == nil,
		"checked":    true,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		reply["error"] = toolErrorData(err)
	}
	return reply, nil
}
