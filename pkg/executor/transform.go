package executor

import (
	"strings"

	"github.com/coderelay/relay/pkg/backend"
	"github.com/coderelay/relay/pkg/fileutil"
	"github.com/coderelay/relay/pkg/logger"
)

var transformLog = logger.New("executor:transform")

// Transform rewrites options for the target backend's file-handling mode.
// cli-flag backends get validated absolute paths on the attachment list;
// embed and none backends get the paths folded into a bracketed prompt
// header and the list cleared. The function is idempotent: options already
// bearing embedded attachments pass through unchanged.
func Transform(opts Options, target backend.Backend, validator *fileutil.Validator) (Options, error) {
	if len(opts.Files) == 0 || opts.embedded() {
		return opts, nil
	}

	abs, err := validator.ValidatePaths(opts.Files)
	if err != nil {
		return Options{}, err
	}

	switch target.Capabilities().FileMode {
	case backend.FileModeCLIFlag:
		opts.Files = abs
		return opts, nil
	case backend.FileModeNone:
		transformLog.Warnf("Backend %s does not support files; embedding %d paths into the prompt",
			target.ID(), len(abs))
		fallthrough
	case backend.FileModeEmbed:
		opts.Prompt = filesHeaderPrefix + strings.Join(abs, ", ") + "]\n\n" + opts.Prompt
		opts.Files = nil
		opts.FilesEmbedded = true
		return opts, nil
	default:
		opts.Files = abs
		return opts, nil
	}
}
