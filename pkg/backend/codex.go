package backend

import (
	"encoding/json"
	"strings"

	"github.com/coderelay/relay/pkg/permission"
)

// CodexBackend drives the codex CLI in exec mode. Files are embedded into
// the prompt by the executor; the native knob is a three-step approval mode
// derived from the autonomy level.
type CodexBackend struct {
	BaseBackend
}

// NewCodexBackend returns the codex adapter.
func NewCodexBackend() *CodexBackend {
	return &CodexBackend{BaseBackend{
		id:             "codex",
		displayName:    "Codex CLI",
		specialization: "code-quality",
		caps: Capabilities{
			SupportsFiles:      false,
			SupportsStreaming:  true,
			SupportsSandbox:    true,
			SupportsJSONOutput: true,
			FileMode:           FileModeEmbed,
		},
	}}
}

func (b *CodexBackend) BuildArgv(opts BuildOptions) Argv {
	argv := Argv{Binary: "codex", Args: []string{"exec"}}
	if mode := approvalMode(opts.Autonomy); mode != "" {
		argv.Args = append(argv.Args, "--approval-mode", mode)
	}
	if opts.Sandbox {
		argv.Args = append(argv.Args, "--sandbox", "workspace-write")
	}
	if opts.OutputFormat == "json" {
		argv.Args = append(argv.Args, "--json")
	}
	argv.Args = append(argv.Args, opts.Prompt)
	return argv
}

// approvalMode folds the four autonomy levels onto codex's three-step knob.
func approvalMode(level permission.Level) string {
	switch level {
	case permission.ReadOnly, permission.Low:
		return "low"
	case permission.Medium:
		return "medium"
	case permission.High:
		return "high"
	default:
		return ""
	}
}

// ParseOutput extracts the final message from codex's JSON-lines output when
// requested, else returns the raw text.
func (b *CodexBackend) ParseOutput(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed
	}
	var last string
	for _, line := range strings.Split(trimmed, "\n") {
		var event struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &event); err == nil && event.Message != "" {
			last = event.Message
		}
	}
	if last != "" {
		return last
	}
	return trimmed
}
