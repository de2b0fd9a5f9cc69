package server

import (
	"strings"

	"github.com/ironsheep/pillcount/internal/render"
)

// Tool represents an MCP tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// GetToolDefinitions returns all available tools
func GetToolDefinitions() []Tool {
	return []Tool{
		{
			Name: "pill_count",
			Description: "Count the pills in a photo. The image is validated, downscaled for detection, sent to the " +
				"detection service, and annotated at full resolution with numbered boxes. Replaces any previous result. " +
				"Returns the count, the boxes in original image coordinates, and the annotated JPEG.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path to the photo (JPEG, PNG or GIF)",
					},
					"threshold": map[string]interface{}{
						"type":        "number",
						"description": "Minimum detection confidence (0.0-1.0). Defaults to the configured threshold",
						"minimum":     0,
						"maximum":     1,
					},
					"style": map[string]interface{}{
						"type":        "string",
						"description": "Annotation style: " + strings.Join(render.StyleNames(), ", "),
						"enum":        render.StyleNames(),
					},
					"include_image": map[string]interface{}{
						"type":        "boolean",
						"description": "Return the annotated JPEG with the result. Default true",
						"default":     true,
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "pill_result",
			Description: "Get the current status (idle, processing, ready, failed) and the latest result.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"include_image": map[string]interface{}{
						"type":        "boolean",
						"description": "Return the annotated JPEG when a result is ready. Default false",
						"default":     false,
					},
				},
			},
		},
		{
			Name:        "pill_save",
			Description: "Save the annotated JPEG as <prefix>-<count>-<timestamp>.jpg and return its path.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"dir": map[string]interface{}{
						"type":        "string",
						"description": "Directory to write into. Defaults to the configured output directory",
					},
				},
			},
		},
		{
			Name:        "pill_share",
			Description: "Send the annotated JPEG to the configured share target. Saves it to disk instead when sharing is not configured or fails.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "pill_retake",
			Description: "Discard the current result and release its image so a new photo can be counted.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "pill_check_service",
			Description: "Check whether the detection service is reachable.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

// handleToolsList returns the list of available tools
func (s *Server) handleToolsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": GetToolDefinitions(),
		},
	}
}
