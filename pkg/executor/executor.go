// Package executor is the dispatch and reliability layer between the tool
// surface / workflow library and the provider adapters. It transforms options
// for the target backend, sanitizes prompts, asserts permissions, gates on
// the circuit breaker, spawns the provider, and applies the retry and
// fallback policy.
package executor

import (
	"context"
	"strconv"
	"time"

	"github.com/coderelay/relay/pkg/backend"
	"github.com/coderelay/relay/pkg/breaker"
	"github.com/coderelay/relay/pkg/config"
	"github.com/coderelay/relay/pkg/constants"
	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/fileutil"
	"github.com/coderelay/relay/pkg/logger"
	"github.com/coderelay/relay/pkg/permission"
	"github.com/coderelay/relay/pkg/runner"
	"github.com/coderelay/relay/pkg/sanitize"
	"github.com/coderelay/relay/pkg/store"
)

var execLog = logger.New("executor:executor")

// CommandRunner is the slice of the command runner the executor needs.
// *runner.Runner satisfies it; tests substitute a scripted fake.
type CommandRunner interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// Executor dispatches prompts to provider backends.
type Executor struct {
	cfg       config.Config
	registry  *backend.Registry
	breakers  *breaker.Registry
	perms     *permission.Manager
	runner    CommandRunner
	validator *fileutil.Validator
	activity  *store.ActivityStore

	// sleep is injectable so retry tests do not wait out the schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an executor. activity may be nil (metrics disabled).
func New(cfg config.Config, reg *backend.Registry, brk *breaker.Registry,
	perms *permission.Manager, run CommandRunner, validator *fileutil.Validator,
	activity *store.ActivityStore) *Executor {
	return &Executor{
		cfg:       cfg,
		registry:  reg,
		breakers:  brk,
		perms:     perms,
		runner:    run,
		validator: validator,
		activity:  activity,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errkind.Wrap(errkind.Cancelled, ctx.Err(), "retry wait cancelled")
	case <-timer.C:
		return nil
	}
}

// Execute dispatches one prompt and returns the parsed provider output.
func (e *Executor) Execute(ctx context.Context, opts Options) (*Result, error) {
	target, err := e.registry.Get(opts.Backend)
	if err != nil {
		return nil, errkind.New(errkind.Validation, "unknown backend %q", opts.Backend)
	}
	// Autonomy must be a concrete level before it reaches the permission
	// asserts, the audit rows, and the backend knob mappers.
	switch {
	case opts.Autonomy == "" || opts.Autonomy == permission.Auto:
		opts.Autonomy = permission.ResolveAutonomy(permission.Auto, opts.WorkflowName)
	case !opts.Autonomy.Valid():
		return nil, errkind.New(errkind.Validation,
			"invalid autonomy level %q: must be read-only, low, medium, high, or auto", opts.Autonomy)
	}

	// Attachment permission asserts use the caller-supplied targets, not
	// the transformed prompt.
	attachments := append([]string(nil), opts.Files...)

	opts, err = Transform(opts, target, e.validator)
	if err != nil {
		return nil, err
	}

	sanitized, err := sanitize.Sanitize(opts.Prompt, sanitize.Options{})
	if err != nil {
		return nil, err
	}
	opts.Prompt = sanitized.Prompt

	permCtx := permission.Context{
		WorkflowName: opts.WorkflowName,
		WorkflowID:   opts.WorkflowID,
	}
	for _, file := range attachments {
		permCtx.Target = file
		if err := e.perms.Assert(opts.Autonomy, permission.OpReadFile, permCtx); err != nil {
			return nil, err
		}
	}

	if !e.breakers.IsAvailable(target.ID()) {
		if fb := e.fallbackFor(opts); fb != "" {
			execLog.Warnf("Backend %s unavailable, falling back to %s", target.ID(), fb)
			opts.Backend = fb
			opts.NoFallback = true
			res, err := e.Execute(ctx, opts)
			if res != nil {
				res.FellBack = true
			}
			return res, err
		}
		return nil, errkind.New(errkind.Unavailable, "backend %s is unavailable (circuit open)", target.ID())
	}

	res, err := e.dispatchWithRetry(ctx, target, opts)
	if err == nil {
		res.Warnings = append(res.Warnings, sanitized.Warnings...)
		return res, nil
	}

	// Quota failures get exactly one hop to the configured fallback.
	if errkind.KindOf(err) == errkind.Quota {
		if fb := e.fallbackFor(opts); fb != "" {
			execLog.Warnf("Backend %s exhausted, one-shot fallback to %s", target.ID(), fb)
			opts.Backend = fb
			opts.NoFallback = true
			res, fberr := e.Execute(ctx, opts)
			if fberr == nil {
				res.FellBack = true
				return res, nil
			}
			return nil, errkind.MostSevere(err, fberr)
		}
	}
	return nil, err
}

func (e *Executor) fallbackFor(opts Options) string {
	if opts.NoFallback || e.cfg.FallbackBackend == "" || e.cfg.FallbackBackend == opts.Backend {
		return ""
	}
	if !e.registry.IsValid(e.cfg.FallbackBackend) {
		return ""
	}
	if !e.breakers.IsAvailable(e.cfg.FallbackBackend) {
		return ""
	}
	return e.cfg.FallbackBackend
}

func (e *Executor) dispatchWithRetry(ctx context.Context, target backend.Backend, opts Options) (*Result, error) {
	var lastErr error
	attempts := 0
	for {
		attempts++
		res, err := e.dispatchOnce(ctx, target, opts)
		if err == nil {
			res.Attempts = attempts
			return res, nil
		}
		lastErr = err
		kind := errkind.KindOf(err)
		if kind.AffectsBreaker() {
			e.breakers.OnFailure(target.ID())
		}
		if !kind.Retryable() || attempts > len(constants.RetryBackoff) {
			return nil, err
		}
		delay := constants.RetryBackoff[attempts-1]
		execLog.Warnf("Attempt %d against %s failed (%s), retrying in %s: %v",
			attempts, target.ID(), kind, delay, err)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
		if !e.breakers.IsAvailable(target.ID()) {
			return nil, errkind.Wrap(errkind.Unavailable, lastErr,
				"backend %s opened its circuit during retries", target.ID())
		}
	}
}

func (e *Executor) dispatchOnce(ctx context.Context, target backend.Backend, opts Options) (*Result, error) {
	argv := target.BuildArgv(backend.BuildOptions{
		Prompt:           opts.Prompt,
		Files:            opts.Files,
		OutputFormat:     opts.OutputFormat,
		Sandbox:          opts.Sandbox,
		Autonomy:         opts.Autonomy,
		AutoApprove:      opts.AutoApprove,
		AllowAutoApprove: e.cfg.AllowAutoApproveInProd,
		SessionID:        opts.SessionID,
	})

	start := time.Now()
	res, err := e.runner.Run(ctx, runner.Request{
		Binary:     argv.Binary,
		Args:       argv.Args,
		OnProgress: opts.OnProgress,
	})
	elapsed := time.Since(start)

	if err != nil {
		classified := classify(err)
		e.recordMetric(target.ID(), opts, elapsed, false, classified.Error())
		return nil, classified
	}

	e.breakers.OnSuccess(target.ID())
	e.recordMetric(target.ID(), opts, elapsed, true, "")
	return &Result{
		Text:       target.ParseOutput(res.Stdout),
		Backend:    target.ID(),
		DurationMs: elapsed.Milliseconds(),
		Warnings:   argv.Warnings,
	}, nil
}

func (e *Executor) recordMetric(tag string, opts Options, elapsed time.Duration, ok bool, errMsg string) {
	if e.activity == nil {
		return
	}
	e.activity.Record(store.ActivityEvent{
		EventType:    store.EventToolInvocation,
		Name:         "dispatch:" + tag,
		Success:      ok,
		DurationMs:   elapsed.Milliseconds(),
		ErrorMessage: errMsg,
		Metadata: `{"workflow":` + strconv.Quote(opts.WorkflowName) +
			`,"request_id":` + strconv.Quote(opts.RequestID) + `}`,
	})
}

// SelectParallelBackends picks up to k available backends whose
// specializations are pairwise distinct, honoring the preferred
// specialization order first and filling from the remaining tags.
func (e *Executor) SelectParallelBackends(preferred []string, k int) []backend.Backend {
	if k <= 0 {
		return nil
	}
	var picked []backend.Backend
	seen := make(map[string]bool)

	consider := func(b backend.Backend) {
		if len(picked) >= k || seen[b.Specialization()] {
			return
		}
		if !e.breakers.IsAvailable(b.ID()) {
			return
		}
		seen[b.Specialization()] = true
		picked = append(picked, b)
	}

	for _, spec := range preferred {
		for _, b := range e.registry.All() {
			if b.Specialization() == spec {
				consider(b)
			}
		}
	}
	for _, b := range e.registry.All() {
		consider(b)
	}
	execLog.Printf("Selected %d/%d parallel backends", len(picked), k)
	return picked
}
