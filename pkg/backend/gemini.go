package backend

import (
	"github.com/coderelay/relay/pkg/logger"
)

var geminiLog = logger.New("backend:gemini")

// GeminiBackend drives the gemini CLI. Files are embedded into the prompt;
// the native auto-approve knob is the yolo flag, production-gated.
type GeminiBackend struct {
	BaseBackend
}

// NewGeminiBackend returns the gemini adapter.
func NewGeminiBackend() *GeminiBackend {
	return &GeminiBackend{BaseBackend{
		id:             "gemini",
		displayName:    "Gemini CLI",
		specialization: "fast-scan",
		caps: Capabilities{
			SupportsFiles:      false,
			SupportsStreaming:  true,
			SupportsSandbox:    false,
			SupportsJSONOutput: true,
			FileMode:           FileModeEmbed,
		},
	}}
}

func (b *GeminiBackend) BuildArgv(opts BuildOptions) Argv {
	argv := Argv{Binary: "gemini", Args: []string{"-p", opts.Prompt}}
	if opts.OutputFormat == "json" {
		argv.Args = append(argv.Args, "--output-format", "json")
	}
	if opts.AutoApprove {
		if opts.AllowAutoApprove {
			argv.Args = append(argv.Args, "--yolo")
		} else {
			geminiLog.Warnf("Dropping yolo flag: auto-approve is not permitted in production")
			argv.Warnings = append(argv.Warnings, "auto-approve requested but not permitted; flag dropped")
		}
	}
	return argv
}
