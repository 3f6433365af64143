package mcpserver

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coderelay/relay/pkg/errkind"
)

// errorPayload is the error shape every tool response carries instead of
// throwing across the RPC boundary.
type errorPayload struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// toolError converts a classified failure into an error-flagged tool result.
// Cancellation is the one case surfaced as a protocol error, matching the
// host's expectation for aborted requests.
func toolError(err error) (*mcp.CallToolResult, any, error) {
	kind := errkind.KindOf(err)
	if kind == errkind.Cancelled {
		return nil, nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInternalError,
			Message: "request cancelled",
		}
	}

	payload, marshalErr := json.Marshal(errorPayload{
		ErrorKind: string(kind),
		Message:   err.Error(),
	})
	if marshalErr != nil {
		payload = []byte(`{"error_kind":"permanent","message":"internal error"}`)
	}
	mcpLog.Errorf("Tool call failed (%s): %v", kind, err)
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}, nil, nil
}

// toolJSON wraps a successful payload as a JSON text result.
func toolJSON(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInternalError,
			Message: "failed to marshal tool result",
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
