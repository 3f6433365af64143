// Package mcpserver exposes the relay's tool surface to the host over MCP
// stdio: one direct-ask tool per backend, a workflow tool, and read-only
// audit and status tools.
package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coderelay/relay/pkg/backend"
	"github.com/coderelay/relay/pkg/config"
	"github.com/coderelay/relay/pkg/deps"
	"github.com/coderelay/relay/pkg/executor"
	"github.com/coderelay/relay/pkg/fileutil"
	"github.com/coderelay/relay/pkg/gitops"
	"github.com/coderelay/relay/pkg/logger"
	"github.com/coderelay/relay/pkg/permission"
	"github.com/coderelay/relay/pkg/runner"
	"github.com/coderelay/relay/pkg/workflow"
)

var mcpLog = logger.New("mcpserver:server")

// Version is stamped at build time.
var Version = "dev"

// Server wires the full relay stack behind the MCP tool surface.
type Server struct {
	cfg       config.Config
	deps      *deps.Container
	registry  *backend.Registry
	perms     *permission.Manager
	exec      *executor.Executor
	library   *workflow.Library
	validator *fileutil.Validator
}

// New builds the relay stack on top of an initialized dependency container.
func New(cfg config.Config, container *deps.Container) (*Server, error) {
	validator, err := fileutil.NewValidator(cfg.ProjectRoot)
	if err != nil {
		return nil, err
	}

	registry := backend.Global()
	perms := permission.NewManager(container.Audit)
	run := runner.New(validator)
	exec := executor.New(cfg, registry, container.Breakers, perms, run, validator, container.Activity)
	git := gitops.New(run)
	library := workflow.NewLibrary(cfg, exec, git, perms, validator, container.Activity)

	return &Server{
		cfg:       cfg,
		deps:      container,
		registry:  registry,
		perms:     perms,
		exec:      exec,
		library:   library,
		validator: validator,
	}, nil
}

// mcpServer assembles the MCP server with every tool registered.
func (s *Server) mcpServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "relay",
		Version: Version,
	}, &mcp.ServerOptions{
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{
				ListChanged: false, // tool set is static
			},
		},
		Logger: logger.NewSlogLoggerWithHandler(mcpLog),
	})

	s.registerAskTools(server)
	s.registerWorkflowTool(server)
	s.registerAuditTools(server)
	s.registerStatusTool(server)
	return server
}

// Run serves the tool surface over stdio until the context ends.
func (s *Server) Run(ctx context.Context) error {
	server := s.mcpServer()
	mcpLog.Print("Relay MCP server ready on stdio")
	return server.Run(ctx, &mcp.StdioTransport{})
}

func boolPtr(b bool) *bool { return &b }
