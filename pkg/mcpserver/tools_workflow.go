package mcpserver

import (
	"context"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coderelay/relay/pkg/workflow"
)

type workflowArgs struct {
	Workflow string         `json:"workflow" jsonschema:"Workflow to run: parallel-review, validate-last-commit, pre-commit-validate, bug-hunt, feature-design, init-session, or run-plan"`
	Params   map[string]any `json:"params,omitempty" jsonschema:"Workflow parameters (files, focus, depth, symptom, description, plan, autonomy, ...)"`
}

type workflowResponse struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Workflow   string         `json:"workflow"`
	Text       string         `json:"text"`
	Verdict    string         `json:"verdict,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// registerWorkflowTool registers the single workflow entry point.
func (s *Server) registerWorkflowTool(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "workflow",
		Annotations: &mcp.ToolAnnotations{
			OpenWorldHint: boolPtr(true),
		},
		Description: `Run one of the relay's multi-stage workflows: ` + strings.Join(s.library.Names(), ", ") + `.

Each workflow runs inside a fresh scoped context that is torn down when the
run ends. Parameters go in the params bag; every workflow accepts an optional
autonomy level (read-only, low, medium, high, auto). Verdict-producing
workflows return pass, warn, or fail with finding lists; review and analysis
workflows return synthesized markdown. Failures return an
{error_kind, message} payload.`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args workflowArgs) (*mcp.CallToolResult, any, error) {
		mcpLog.Printf("workflow tool: name=%s params=%d", args.Workflow, len(args.Params))

		res, err := s.library.Run(ctx, args.Workflow, workflow.Params(args.Params))
		if err != nil {
			return toolError(err)
		}
		return toolJSON(workflowResponse{
			WorkflowID: res.WorkflowID,
			Workflow:   res.Workflow,
			Text:       res.Text,
			Verdict:    res.Verdict,
			Warnings:   res.Warnings,
			Errors:     res.Errors,
			Metadata:   res.Metadata,
		})
	})
}
