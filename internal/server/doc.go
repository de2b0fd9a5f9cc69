// Package server implements the MCP (Model Context Protocol) server for pill counting.
//
// The server speaks JSON-RPC 2.0 over stdio and exposes the capture pipeline as
// tools. It owns a single pipeline session, so it behaves like one presenting
// view: every pill_count replaces the previous result and releases its
// artifact handle.
//
// # Protocol
//
// The server communicates over stdio using JSON-RPC 2.0:
//   - Input: JSON-RPC requests on stdin (one per line)
//   - Output: JSON-RPC responses and notifications on stdout
//
// Supported MCP methods:
//   - initialize: Protocol handshake
//   - tools/list: Enumerate available tools
//   - tools/call: Execute a tool with arguments
//   - ping: Health check
//
// # Available Tools
//
//   - pill_count: Count pills in a photo and annotate it
//   - pill_result: Report the current status and result
//   - pill_save: Write the annotated JPEG to disk
//   - pill_share: Send the annotated JPEG to the share target, or save it
//   - pill_retake: Discard the current result
//   - pill_check_service: Check that the detection service is reachable
//
// pill_count sends notifications/progress while it runs. The progress token
// is taken from params._meta.progressToken, or the request id when absent.
//
// # Error Handling
//
// Tool failures are returned as JSON-RPC errors with code -32000 and data
// {"kind", "message", "detail"}, where kind is one of too_large,
// decode_error, load_timeout, network_error, parse_error, canceled or
// internal, and message is the user-facing text for that kind.
//
// # Usage
//
//	srv := server.New(session, client, server.Options{})
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
