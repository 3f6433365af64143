package mcpserver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coderelay/relay/pkg/executor"
	"github.com/coderelay/relay/pkg/fileutil"
	"github.com/coderelay/relay/pkg/permission"
	"github.com/coderelay/relay/pkg/store"
)

// askArgs is the shared input shape of every direct-ask tool.
type askArgs struct {
	Prompt       string   `json:"prompt" jsonschema:"The prompt to send to the backend"`
	Files        []string `json:"files,omitempty" jsonschema:"Project-relative files to attach for analysis"`
	Autonomy     string   `json:"autonomy,omitempty" jsonschema:"Autonomy level: read-only, low, medium, high, or auto"`
	OutputFormat string   `json:"output_format,omitempty" jsonschema:"Output format: text or json"`
	Sandbox      bool     `json:"sandbox,omitempty" jsonschema:"Run the backend in its sandboxed mode when supported"`
	AutoApprove  bool     `json:"auto_approve,omitempty" jsonschema:"Request the backend's native auto-approve mode (gated by server policy)"`
	SessionID    string   `json:"session_id,omitempty" jsonschema:"Provider session to resume when supported"`
}

// askResponse is the success payload of a direct-ask tool.
type askResponse struct {
	Text       string   `json:"text"`
	Backend    string   `json:"backend"`
	DurationMs int64    `json:"duration_ms"`
	Attempts   int      `json:"attempts"`
	FellBack   bool     `json:"fell_back,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// registerAskTools registers one direct-ask tool per backend adapter.
func (s *Server) registerAskTools(server *mcp.Server) {
	for _, b := range s.registry.All() {
		backendID := b.ID()
		mcp.AddTool(server, &mcp.Tool{
			Name: "ask-" + backendID,
			Annotations: &mcp.ToolAnnotations{
				ReadOnlyHint:  false,
				OpenWorldHint: boolPtr(true),
			},
			Description: fmt.Sprintf(`Send a prompt to %s (%s specialization) through the relay.

Attachments are validated against the project root and adapted to the backend's
file handling. The prompt is sanitized before dispatch; injection patterns are
blocked and secrets are redacted. Failures return an {error_kind, message}
payload: validation, permission, sanitization, transient, quota, permanent, or
unavailable (circuit open).`, b.DisplayName(), b.Specialization()),
		}, func(ctx context.Context, req *mcp.CallToolRequest, args askArgs) (*mcp.CallToolResult, any, error) {
			return s.handleAsk(ctx, backendID, args)
		})
	}
}

func (s *Server) handleAsk(ctx context.Context, backendID string, args askArgs) (*mcp.CallToolResult, any, error) {
	requestID := uuid.NewString()
	mcpLog.Printf("ask-%s: request=%s files=%d autonomy=%s", backendID, requestID, len(args.Files), args.Autonomy)

	res, err := s.exec.Execute(ctx, executor.Options{
		Backend:      backendID,
		Prompt:       args.Prompt,
		Files:        args.Files,
		OutputFormat: args.OutputFormat,
		Sandbox:      args.Sandbox,
		Autonomy:     permission.Level(args.Autonomy),
		AutoApprove:  args.AutoApprove,
		SessionID:    args.SessionID,
		RequestID:    requestID,
		OnProgress: func(chunk string) {
			mcpLog.Printf("ask-%s progress: %d bytes", backendID, len(chunk))
		},
	})
	if err != nil {
		return toolError(err)
	}
	s.recordTokenSavings(backendID, args.Files)
	return toolJSON(askResponse{
		Text:       res.Text,
		Backend:    res.Backend,
		DurationMs: res.DurationMs,
		Attempts:   res.Attempts,
		FellBack:   res.FellBack,
		Warnings:   res.Warnings,
	})
}

// recordTokenSavings estimates the tokens saved by attaching files instead of
// inlining their contents into the conversation.
func (s *Server) recordTokenSavings(backendID string, files []string) {
	for _, file := range files {
		abs, err := s.validator.ValidatePath(file)
		if err != nil {
			continue
		}
		lines := fileutil.CountLines(abs)
		s.deps.TokenMetrics.Record(store.TokenSaving{
			SuggestedTool:    "ask-" + backendID,
			EstimatedSavings: int64(lines) * 8, // rough tokens-per-line estimate
			FileClass:        store.ClassifyFileSize(lines),
		})
	}
}
