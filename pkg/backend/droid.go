package backend

import (
	"github.com/coderelay/relay/pkg/logger"
	"github.com/coderelay/relay/pkg/permission"
)

var droidLog = logger.New("backend:droid")

// DroidBackend drives the droid CLI. It takes no file flags at all; the
// executor downgrades attachments to prompt embedding with a warning. Its
// native knob is a three-step --auto level; auto-approve maps to high and is
// production-gated.
type DroidBackend struct {
	BaseBackend
}

// NewDroidBackend returns the droid adapter.
func NewDroidBackend() *DroidBackend {
	return &DroidBackend{BaseBackend{
		id:             "droid",
		displayName:    "Droid",
		specialization: "execution",
		caps: Capabilities{
			SupportsFiles:      false,
			SupportsStreaming:  false,
			SupportsSandbox:    false,
			SupportsJSONOutput: true,
			FileMode:           FileModeNone,
		},
	}}
}

func (b *DroidBackend) BuildArgv(opts BuildOptions) Argv {
	argv := Argv{Binary: "droid", Args: []string{"exec"}}
	auto := droidAutoLevel(opts.Autonomy)
	if opts.AutoApprove {
		if opts.AllowAutoApprove {
			auto = "high"
		} else {
			droidLog.Warnf("Dropping auto=high: auto-approve is not permitted in production")
			argv.Warnings = append(argv.Warnings, "auto-approve requested but not permitted; flag dropped")
		}
	}
	if auto != "" {
		argv.Args = append(argv.Args, "--auto", auto)
	}
	if opts.OutputFormat == "json" {
		argv.Args = append(argv.Args, "--output-format", "json")
	}
	argv.Args = append(argv.Args, opts.Prompt)
	return argv
}

func droidAutoLevel(level permission.Level) string {
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
