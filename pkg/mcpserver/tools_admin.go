package mcpserver

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/store"
)

type auditQueryArgs struct {
	WorkflowName  string `json:"workflow_name,omitempty" jsonschema:"Filter by workflow name"`
	AutonomyLevel string `json:"autonomy_level,omitempty" jsonschema:"Filter by autonomy level"`
	Operation     string `json:"operation,omitempty" jsonschema:"Filter by operation class"`
	Outcome       string `json:"outcome,omitempty" jsonschema:"Filter by outcome: success or failure"`
	SinceHours    int    `json:"since_hours,omitempty" jsonschema:"Only entries from the last N hours"`
	Limit         int    `json:"limit,omitempty" jsonschema:"Maximum entries to return (default 100)"`
}

type auditExportArgs struct {
	Format     string `json:"format,omitempty" jsonschema:"Export format: json, csv, or html (default json)"`
	SinceHours int    `json:"since_hours,omitempty" jsonschema:"Only entries from the last N hours"`
}

// registerAuditTools registers the read-only audit trail tools.
func (s *Server) registerAuditTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "audit-query",
		Annotations: &mcp.ToolAnnotations{
			ReadOnlyHint:   true,
			IdempotentHint: true,
			OpenWorldHint:  boolPtr(false),
		},
		Description: `Query the permission audit trail, newest first.

Every permission decision the relay ever made is recorded: operation, target,
autonomy level, approved flag, outcome, and attribution. Use the filters to
narrow by workflow, level, operation, outcome, or time window.`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args auditQueryArgs) (*mcp.CallToolResult, any, error) {
		query := store.AuditQuery{
			WorkflowName:  args.WorkflowName,
			AutonomyLevel: args.AutonomyLevel,
			Operation:     args.Operation,
			Outcome:       args.Outcome,
			Limit:         args.Limit,
		}
		if query.Limit <= 0 {
			query.Limit = 100
		}
		if args.SinceHours > 0 {
			query.Since = time.Now().Add(-time.Duration(args.SinceHours) * time.Hour).UnixMilli()
		}

		s.deps.Audit.Flush()
		entries, err := s.deps.Audit.Query(query)
		if err != nil {
			return toolError(err)
		}
		return toolJSON(map[string]any{"entries": entries, "count": len(entries)})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name: "audit-export",
		Annotations: &mcp.ToolAnnotations{
			ReadOnlyHint:   true,
			IdempotentHint: true,
			OpenWorldHint:  boolPtr(false),
		},
		Description: `Export the audit trail as json, csv, or html for compliance review.`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args auditExportArgs) (*mcp.CallToolResult, any, error) {
		format := store.ExportFormat(args.Format)
		if format == "" {
			format = store.ExportJSON
		}
		if format != store.ExportJSON && format != store.ExportCSV && format != store.ExportHTML {
			return toolError(errkind.New(errkind.Validation,
				"invalid format %q: must be json, csv, or html", args.Format))
		}

		var query store.AuditQuery
		if args.SinceHours > 0 {
			query.Since = time.Now().Add(-time.Duration(args.SinceHours) * time.Hour).UnixMilli()
		}

		s.deps.Audit.Flush()
		out, err := s.deps.Audit.Export(query, format)
		if err != nil {
			return toolError(err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: out}},
		}, nil, nil
	})
}

type statusArgs struct{}

type backendStatus struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization"`
	State          string `json:"state"`
	Failures       int    `json:"failures"`
	Available      bool   `json:"available"`
}

// registerStatusTool registers the relay status tool.
func (s *Server) registerStatusTool(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "status",
		Annotations: &mcp.ToolAnnotations{
			ReadOnlyHint:   true,
			IdempotentHint: true,
			OpenWorldHint:  boolPtr(false),
		},
		Description: `Show relay health: per-backend circuit state, 24h activity statistics, and token savings by file class.`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args statusArgs) (*mcp.CallToolResult, any, error) {
		var backends []backendStatus
		for _, b := range s.registry.All() {
			br := s.deps.Breakers.Get(b.ID())
			backends = append(backends, backendStatus{
				ID:             b.ID(),
				Name:           b.DisplayName(),
				Specialization: b.Specialization(),
				State:          br.State().String(),
				Failures:       br.Failures(),
				Available:      br.IsAvailable(),
			})
		}

		since := time.Now().Add(-24 * time.Hour).UnixMilli()
		stats, err := s.deps.Activity.Stats(since)
		if err != nil {
			return toolError(err)
		}
		savings, err := s.deps.TokenMetrics.Report(since)
		if err != nil {
			return toolError(err)
		}

		return toolJSON(map[string]any{
			"version":  Version,
			"backends": backends,
			"activity": stats,
			"savings":  savings,
		})
	})
}
