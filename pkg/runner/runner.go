// Package runner spawns whitelisted external processes without a shell,
// streams their stdout, and enforces working-directory confinement and a hard
// timeout. It is the only place in the relay that calls exec.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/coderelay/relay/pkg/constants"
	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/fileutil"
	"github.com/coderelay/relay/pkg/logger"
)

var runnerLog = logger.New("runner:runner")

// dangerousArgFragments fail utility-binary arguments before the syscall.
// Pipes and redirection are harmless without a shell; terminators and
// traversal are not.
var dangerousArgFragments = []string{";", "&", "`", "$("}

// ProgressFunc receives stdout chunks as they arrive.
type ProgressFunc func(chunk string)

// Request describes one process invocation.
type Request struct {
	Binary     string
	Args       []string
	Dir        string // working directory, confined to the project root
	Stdin      string // optional; stdin is closed right after spawn either way
	Timeout    time.Duration
	OnProgress ProgressFunc
}

// Result carries the captured output of a completed process.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes whitelisted binaries inside the project root.
type Runner struct {
	validator *fileutil.Validator
}

// New returns a runner confined to the validator's project root.
func New(validator *fileutil.Validator) *Runner {
	return &Runner{validator: validator}
}

// Run spawns the requested process and waits for completion. A non-zero exit
// resolves to an error carrying the exit code and captured stderr; a timeout
// kills the child and resolves to a transient timed-out error.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := r.validate(req); err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultCommandTimeout
	}
	dir, err := r.validator.ValidateDir(req.Dir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Binary, req.Args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(req.Stdin)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err, "failed to open stdout pipe")
	}

	runnerLog.Printf("Spawning: %s %s (dir=%s, timeout=%s)", req.Binary, strings.Join(req.Args, " "), dir, timeout)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errkind.Wrap(errkind.Transient, err, "failed to spawn %s", req.Binary)
	}

	var out strings.Builder
	buf := make([]byte, 32*1024)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			out.WriteString(chunk)
			if req.OnProgress != nil {
				req.OnProgress(chunk)
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				runnerLog.Printf("stdout read ended: %v", readErr)
			}
			break
		}
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	result := &Result{Stdout: out.String(), Stderr: stderr.String(), Duration: elapsed}

	if waitErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			runnerLog.Errorf("%s timed out after %s", req.Binary, timeout)
			return nil, errkind.New(errkind.Transient, "%s timed out after %s", req.Binary, timeout)
		}
		if ctx.Err() == context.Canceled {
			return nil, errkind.Wrap(errkind.Cancelled, ctx.Err(), "%s cancelled", req.Binary)
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			runnerLog.Errorf("%s exited with code %d: %s", req.Binary, exitErr.ExitCode(), truncate(result.Stderr, 500))
			return nil, &ExitError{
				Binary:   req.Binary,
				Code:     exitErr.ExitCode(),
				Stderr:   result.Stderr,
				Duration: elapsed,
			}
		}
		return nil, errkind.Wrap(errkind.Transient, waitErr, "%s failed", req.Binary)
	}

	runnerLog.Printf("%s completed in %s (%d bytes stdout)", req.Binary, elapsed, out.Len())
	return result, nil
}

func (r *Runner) validate(req Request) error {
	if !constants.AllowedBinaries[req.Binary] {
		return errkind.New(errkind.Validation, "binary %q is not allowed", req.Binary)
	}
	if constants.ProviderBinaries[req.Binary] {
		return nil
	}
	for _, arg := range req.Args {
		for _, frag := range dangerousArgFragments {
			if strings.Contains(arg, frag) {
				return errkind.New(errkind.Validation, "argument %q contains forbidden fragment %q", arg, frag)
			}
		}
		for _, seg := range strings.Split(arg, "/") {
			if seg == ".." {
				return errkind.New(errkind.Validation, "argument %q contains a traversal segment", arg)
			}
		}
	}
	return nil
}

// ExitError reports a process that ran but exited non-zero.
type ExitError struct {
	Binary   string
	Code     int
	Stderr   string
	Duration time.Duration
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Binary, e.Code, truncate(e.Stderr, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
