package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coderelay/relay/pkg/backend"
	"github.com/coderelay/relay/pkg/config"
	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/executor"
	"github.com/coderelay/relay/pkg/fileutil"
	"github.com/coderelay/relay/pkg/gitops"
	"github.com/coderelay/relay/pkg/logger"
	"github.com/coderelay/relay/pkg/permission"
	"github.com/coderelay/relay/pkg/store"
)

var libLog = logger.New("workflow:library")

// Result is a completed workflow run.
type Result struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Workflow   string         `json:"workflow"`
	Text       string         `json:"text"`
	Verdict    string         `json:"verdict,omitempty"` // pass | warn | fail
	Warnings   []string       `json:"warnings,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AIExecutor is the slice of the dispatch layer the workflows consume.
// *executor.Executor satisfies it; tests substitute a scripted fake.
type AIExecutor interface {
	Execute(ctx context.Context, opts executor.Options) (*executor.Result, error)
	SelectParallelBackends(preferred []string, k int) []backend.Backend
}

// GitReader is the read-only repository access the workflows consume.
// *gitops.Git satisfies it.
type GitReader interface {
	IsRepo(ctx context.Context) bool
	CurrentBranch(ctx context.Context) (string, error)
	StagedFiles(ctx context.Context) ([]string, error)
	ModifiedFiles(ctx context.Context) ([]string, error)
	StagedDiff(ctx context.Context) (string, error)
	RecentCommits(ctx context.Context, n int) ([]gitops.Commit, error)
	Show(ctx context.Context, ref string) (*gitops.CommitInfo, error)
	GrepReferences(ctx context.Context, needle string) ([]string, error)
}

// Library holds the fixed set of workflows and their shared collaborators.
type Library struct {
	cfg       config.Config
	ai        AIExecutor
	git       GitReader
	perms     *permission.Manager
	validator *fileutil.Validator
	activity  *store.ActivityStore
	cache     *resultCache
	handlers  map[string]ContextFn
}

// NewLibrary wires the workflow library. activity may be nil.
func NewLibrary(cfg config.Config, ai AIExecutor, git GitReader, perms *permission.Manager,
	validator *fileutil.Validator, activity *store.ActivityStore) *Library {
	l := &Library{
		cfg:       cfg,
		ai:        ai,
		git:       git,
		perms:     perms,
		validator: validator,
		activity:  activity,
		cache:     newResultCache(0),
	}
	l.handlers = map[string]ContextFn{
		"parallel-review":      l.parallelReview,
		"validate-last-commit": l.validateLastCommit,
		"pre-commit-validate":  l.preCommitValidate,
		"bug-hunt":             l.bugHunt,
		"feature-design":       l.featureDesign,
		"init-session":         l.initSession,
		"run-plan":             l.runPlan,
	}
	libLog.Printf("Workflow library ready with %d workflows", len(l.handlers))
	return l
}

// Names lists the registered workflow names, sorted.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.handlers))
	for name := range l.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run dispatches one workflow by name inside a fresh run context and records
// the invocation to the activity store.
func (l *Library) Run(ctx context.Context, name string, params Params) (*Result, error) {
	handler, ok := l.handlers[name]
	if !ok {
		return nil, errkind.New(errkind.Validation, "unknown workflow %q (have: %s)",
			name, strings.Join(l.Names(), ", "))
	}

	start := time.Now()
	res, err := RunWithContext(ctx, name, WithContext(handler), params)
	l.recordActivity(name, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	res.Workflow = name
	return res, nil
}

func (l *Library) recordActivity(name string, elapsed time.Duration, err error) {
	if l.activity == nil {
		return
	}
	event := store.ActivityEvent{
		EventType:  store.EventWorkflowExecution,
		Name:       name,
		Success:    err == nil,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	l.activity.Record(event)
}

// autonomyFor resolves the run's autonomy level from params at workflow entry.
func (l *Library) autonomyFor(params Params, workflowName string) permission.Level {
	raw, _ := params["autonomy"].(string)
	return permission.ResolveAutonomy(permission.Level(raw), workflowName)
}

// ask runs a single backend dispatch on behalf of a workflow stage.
func (l *Library) ask(ctx context.Context, wc *Context, opts executor.Options) (*executor.Result, error) {
	if opts.Backend == "" {
		opts.Backend = l.cfg.PrimaryBackend
	}
	if wc != nil {
		opts.WorkflowID = wc.WorkflowID
		opts.WorkflowName = wc.WorkflowName
	}
	return l.ai.Execute(ctx, opts)
}

// legResult is one branch of a fan-out.
type legResult struct {
	Backend string
	Text    string
	Err     error
}

// fanOut runs one dispatch per backend concurrently and returns every leg,
// successful or not, in completion-independent order (one slot per backend).
func (l *Library) fanOut(ctx context.Context, wc *Context, backends []backend.Backend,
	optsFor func(b backend.Backend) executor.Options) []legResult {
	p := pool.NewWithResults[legResult]().WithMaxGoroutines(len(backends))
	for _, b := range backends {
		b := b
		p.Go(func() legResult {
			opts := optsFor(b)
			opts.Backend = b.ID()
			opts.NoFallback = true
			if wc != nil {
				opts.WorkflowID = wc.WorkflowID
				opts.WorkflowName = wc.WorkflowName
			}
			res, err := l.ai.Execute(ctx, opts)
			if err != nil {
				libLog.Warnf("Fan-out leg %s failed: %v", b.ID(), err)
				return legResult{Backend: b.ID(), Err: err}
			}
			return legResult{Backend: b.ID(), Text: res.Text}
		})
	}
	return p.Wait()
}

// joinError folds leg failures into the most severe one.
func joinError(legs []legResult) error {
	var worst error
	for _, leg := range legs {
		if leg.Err == nil {
			continue
		}
		if worst == nil {
			worst = leg.Err
		} else {
			worst = errkind.MostSevere(worst, leg.Err)
		}
	}
	return worst
}

// fingerprint hashes the contents of the given project-relative files. Any
// edit to a file changes the fingerprint, which keys the result cache.
func (l *Library) fingerprint(files []string) (string, error) {
	abs, err := l.validator.ValidatePaths(files)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, path := range abs {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", errkind.Wrap(errkind.Validation, err, "failed to read %s", path)
		}
		h.Write([]byte(path))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verdictFrom scans analyzer output for structured findings. Analyzer prompts
// ask for one finding per line prefixed ERROR: or WARNING:.
func verdictFrom(texts []string) (verdict string, warnings, errors []string) {
	for _, text := range texts {
		for _, line := range strings.Split(text, "\n") {
			trimmed := strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(trimmed, "ERROR:"):
				errors = append(errors, strings.TrimSpace(strings.TrimPrefix(trimmed, "ERROR:")))
			case strings.HasPrefix(trimmed, "WARNING:"):
				warnings = append(warnings, strings.TrimSpace(strings.TrimPrefix(trimmed, "WARNING:")))
			}
		}
	}
	switch {
	case len(errors) > 0:
		return "fail", warnings, errors
	case len(warnings) > 0:
		return "warn", warnings, errors
	default:
		return "pass", warnings, errors
	}
}

func paramString(params Params, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func paramBool(params Params, key string) bool {
	v, ok := params[key].(bool)
	return ok && v
}

// paramStrings accepts both []string and the []any produced by JSON decoding.
func paramStrings(params Params, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func findingLinesPrompt(task string) string {
	return fmt.Sprintf("%s Report each finding on its own line prefixed with ERROR: or WARNING: depending on severity. If there are no findings, reply with exactly: CLEAN.", task)
}
