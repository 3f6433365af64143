package executor

import (
	"strings"

	"github.com/coderelay/relay/pkg/permission"
	"github.com/coderelay/relay/pkg/runner"
)

// filesHeaderPrefix opens the bracketed block that embeds attachment paths
// into the prompt for backends without native file support.
const filesHeaderPrefix = "[Files to analyze: "

// Options is the executor's entry contract.
type Options struct {
	Backend      string               `json:"backend"`
	Prompt       string               `json:"prompt"`
	Files        []string             `json:"files,omitempty"`
	OutputFormat string               `json:"output_format,omitempty"` // text | json
	Sandbox      bool                 `json:"sandbox,omitempty"`
	Autonomy     permission.Level     `json:"autonomy,omitempty"`
	AutoApprove  bool                 `json:"auto_approve,omitempty"`
	SessionID    string               `json:"session_id,omitempty"`
	RequestID    string               `json:"request_id,omitempty"`
	WorkflowName string               `json:"workflow_name,omitempty"`
	WorkflowID   string               `json:"workflow_id,omitempty"`
	// FilesEmbedded marks options whose attachments have already been
	// folded into the prompt; the transform is a no-op on them.
	FilesEmbedded bool `json:"files_embedded,omitempty"`
	// NoFallback suppresses the quota/availability fallback hop. Set
	// internally once a dispatch has already been re-routed.
	NoFallback bool `json:"-"`

	OnProgress runner.ProgressFunc `json:"-"`
}

// embedded reports whether the options already carry embedded attachments.
// The structural flag is authoritative; the prefix check covers options that
// round-tripped through JSON before the flag existed.
func (o *Options) embedded() bool {
	return o.FilesEmbedded || (len(o.Files) == 0 && strings.HasPrefix(o.Prompt, filesHeaderPrefix))
}

// Result is a completed dispatch.
type Result struct {
	Text       string   `json:"text"`
	Backend    string   `json:"backend"`
	DurationMs int64    `json:"duration_ms"`
	Attempts   int      `json:"attempts"`
	FellBack   bool     `json:"fell_back,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}
