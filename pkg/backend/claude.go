package backend

import (
	"encoding/json"
	"strings"

	"github.com/coderelay/relay/pkg/logger"
)

var claudeLog = logger.New("backend:claude")

// ClaudeBackend drives the claude CLI. Files ride as repeated --file flags;
// auto-approve maps to the permission bypass flag, which is dropped unless
// the production gate allows it.
type ClaudeBackend struct {
	BaseBackend
}

// NewClaudeBackend returns the claude adapter.
func NewClaudeBackend() *ClaudeBackend {
	return &ClaudeBackend{BaseBackend{
		id:             "claude",
		displayName:    "Claude Code",
		specialization: "deep-analysis",
		caps: Capabilities{
			SupportsFiles:      true,
			SupportsStreaming:  true,
			SupportsSandbox:    true,
			SupportsJSONOutput: true,
			FileMode:           FileModeCLIFlag,
		},
	}}
}

func (b *ClaudeBackend) BuildArgv(opts BuildOptions) Argv {
	argv := Argv{Binary: "claude", Args: []string{"-p", opts.Prompt}}
	for _, f := range opts.Files {
		argv.Args = append(argv.Args, "--file", f)
	}
	if opts.OutputFormat == "json" {
		argv.Args = append(argv.Args, "--output-format", "json")
	}
	if opts.Sandbox {
		argv.Args = append(argv.Args, "--sandbox")
	}
	if opts.SessionID != "" {
		argv.Args = append(argv.Args, "--resume", opts.SessionID)
	}
	if opts.AutoApprove {
		if opts.AllowAutoApprove {
			argv.Args = append(argv.Args, "--dangerously-bypass-permissions")
		} else {
			claudeLog.Warnf("Dropping permission bypass: auto-approve is not permitted in production")
			argv.Warnings = append(argv.Warnings, "auto-approve requested but not permitted; flag dropped")
		}
	}
	return argv
}

// ParseOutput unwraps claude's JSON envelope when present, else returns the
// raw text.
func (b *ClaudeBackend) ParseOutput(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var envelope struct {
			Result string `json:"result"`
		}
		if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && envelope.Result != "" {
			return envelope.Result
		}
	}
	return trimmed
}

func (b *ClaudeBackend) SupportsOperation(kind string) bool {
	if kind == OpSessionRestore {
		return true
	}
	return b.BaseBackend.SupportsOperation(kind)
}
