package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/backend"
	"github.com/coderelay/relay/pkg/config"
	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/executor"
	"github.com/coderelay/relay/pkg/fileutil"
	"github.com/coderelay/relay/pkg/gitops"
	"github.com/coderelay/relay/pkg/permission"
	"github.com/coderelay/relay/pkg/store"
)

// fakeAI scripts the dispatch layer per backend id.
type fakeAI struct {
	mu       sync.Mutex
	calls    []executor.Options
	respond  func(opts executor.Options) (*executor.Result, error)
	backends []backend.Backend
}

func (f *fakeAI) Execute(_ context.Context, opts executor.Options) (*executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(opts)
	}
	return &executor.Result{Text: "ok", Backend: opts.Backend}, nil
}

func (f *fakeAI) SelectParallelBackends(preferred []string, k int) []backend.Backend {
	if k > len(f.backends) {
		k = len(f.backends)
	}
	return f.backends[:k]
}

func (f *fakeAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAI) promptsSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	prompts := make([]string, len(f.calls))
	for i, c := range f.calls {
		prompts[i] = c.Prompt
	}
	return prompts
}

// fakeGit serves canned repository state.
type fakeGit struct {
	isRepo     bool
	branch     string
	staged     []string
	modified   []string
	stagedDiff string
	commits    []gitops.Commit
	commit     *gitops.CommitInfo
	references []string
	showErr    error
}

func (g *fakeGit) IsRepo(context.Context) bool                          { return g.isRepo }
func (g *fakeGit) CurrentBranch(context.Context) (string, error)        { return g.branch, nil }
func (g *fakeGit) StagedFiles(context.Context) ([]string, error)        { return g.staged, nil }
func (g *fakeGit) ModifiedFiles(context.Context) ([]string, error)      { return g.modified, nil }
func (g *fakeGit) StagedDiff(context.Context) (string, error)           { return g.stagedDiff, nil }
func (g *fakeGit) RecentCommits(context.Context, int) ([]gitops.Commit, error) {
	return g.commits, nil
}
func (g *fakeGit) Show(_ context.Context, ref string) (*gitops.CommitInfo, error) {
	if g.showErr != nil {
		return nil, g.showErr
	}
	return g.commit, nil
}
func (g *fakeGit) GrepReferences(context.Context, string) ([]string, error) {
	return g.references, nil
}

type libEnv struct {
	lib  *Library
	ai   *fakeAI
	git  *fakeGit
	root string
}

func newLibEnv(t *testing.T) *libEnv {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	cfg := config.Defaults(root)
	cfg.FallbackBackend = ""

	validator, err := fileutil.NewValidator(root)
	require.NoError(t, err)
	audit, err := store.OpenAuditStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	ai := &fakeAI{backends: []backend.Backend{
		backend.NewClaudeBackend(),
		backend.NewCodexBackend(),
		backend.NewGeminiBackend(),
	}}
	git := &fakeGit{isRepo: true, branch: "main"}
	lib := NewLibrary(cfg, ai, git, permission.NewManager(audit), validator, nil)
	return &libEnv{lib: lib, ai: ai, git: git, root: root}
}

func (env *libEnv) writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(env.root, name), []byte(content), 0o644))
}

func TestRunUnknownWorkflow(t *testing.T) {
	env := newLibEnv(t)
	_, err := env.lib.Run(context.Background(), "made-up", Params{})
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

func TestNamesListsAllWorkflows(t *testing.T) {
	env := newLibEnv(t)
	assert.Equal(t, []string{
		"bug-hunt", "feature-design", "init-session", "parallel-review",
		"pre-commit-validate", "run-plan", "validate-last-commit",
	}, env.lib.Names())
}

func TestParallelReviewSynthesizesBothLegs(t *testing.T) {
	env := newLibEnv(t)
	env.writeFile(t, "a.go", "package a")
	env.ai.respond = func(opts executor.Options) (*executor.Result, error) {
		if opts.Backend == "claude" && strings.Contains(opts.Prompt, "Merge the following") {
			return &executor.Result{Text: "merged review", Backend: opts.Backend}, nil
		}
		return &executor.Result{Text: "findings from " + opts.Backend, Backend: opts.Backend}, nil
	}

	res, err := env.lib.Run(context.Background(), "parallel-review",
		Params{"files": []string{"a.go"}, "focus": "security"})
	require.NoError(t, err)
	assert.Equal(t, "merged review", res.Text)
	assert.Equal(t, false, res.Metadata["cacheHit"])
	assert.Equal(t, 3, env.ai.callCount(), "two legs plus synthesis")
	assert.NotEmpty(t, res.WorkflowID)
}

func TestParallelReviewToleratesOneFailedLeg(t *testing.T) {
	env := newLibEnv(t)
	env.writeFile(t, "a.go", "package a")
	env.ai.respond = func(opts executor.Options) (*executor.Result, error) {
		if opts.Backend == "codex" && !strings.Contains(opts.Prompt, "Merge the following") {
			return nil, errkind.New(errkind.Transient, "codex timed out after retries")
		}
		return &executor.Result{Text: "text", Backend: opts.Backend}, nil
	}

	res, err := env.lib.Run(context.Background(), "parallel-review",
		Params{"files": []string{"a.go"}})
	require.NoError(t, err)
	assert.Equal(t, false, res.Metadata["cacheHit"])
	assert.Equal(t, []string{"codex"}, res.Metadata["failedLegs"])
}

func TestParallelReviewBothLegsFailingIsFatal(t *testing.T) {
	env := newLibEnv(t)
	env.writeFile(t, "a.go", "package a")
	env.ai.backends = env.ai.backends[:2]
	env.ai.respond = func(opts executor.Options) (*executor.Result, error) {
		if opts.Backend == "claude" {
			return nil, errkind.New(errkind.Transient, "timed out")
		}
		return nil, errkind.New(errkind.Quota, "quota exhausted")
	}

	_, err := env.lib.Run(context.Background(), "parallel-review",
		Params{"files": []string{"a.go"}})
	require.Error(t, err)
	// Quota outranks transient as the reported kind.
	assert.Equal(t, errkind.Quota, errkind.KindOf(err))
}

func TestParallelReviewServesSecondRunFromCache(t *testing.T) {
	env := newLibEnv(t)
	env.writeFile(t, "a.go", "package a")

	first, err := env.lib.Run(context.Background(), "parallel-review",
		Params{"files": []string{"a.go"}})
	require.NoError(t, err)
	assert.Equal(t, false, first.Metadata["cacheHit"])
	callsAfterFirst := env.ai.callCount()

	second, err := env.lib.Run(context.Background(), "parallel-review",
		Params{"files": []string{"a.go"}})
	require.NoError(t, err)
	assert.Equal(t, true, second.Metadata["cacheHit"])
	assert.Equal(t, callsAfterFirst, env.ai.callCount(), "cache hit must not dispatch")

	// Editing the file invalidates the cache.
	env.writeFile(t, "a.go", "package a // edited")
	third, err := env.lib.Run(context.Background(), "parallel-review",
		Params{"files": []string{"a.go"}})
	require.NoError(t, err)
	assert.Equal(t, false, third.Metadata["cacheHit"])
}

func TestParallelReviewRejectsBadInput(t *testing.T) {
	env := newLibEnv(t)
	_, err := env.lib.Run(context.Background(), "parallel-review", Params{})
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))

	env.writeFile(t, "a.go", "package a")
	_, err = env.lib.Run(context.Background(), "parallel-review",
		Params{"files": []string{"a.go"}, "focus": "vibes"})
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

func TestValidateLastCommitVerdicts(t *testing.T) {
	env := newLibEnv(t)
	env.git.commit = &gitops.CommitInfo{Hash: "abc123", Author: "dev", Subject: "fix parser", Diff: "diff text"}
	env.ai.backends = env.ai.backends[:2]
	env.ai.respond = func(opts executor.Options) (*executor.Result, error) {
		return &executor.Result{Text: "WARNING: missing test for edge case", Backend: opts.Backend}, nil
	}

	res, err := env.lib.Run(context.Background(), "validate-last-commit", Params{})
	require.NoError(t, err)
	assert.Equal(t, "warn", res.Verdict)
	assert.Len(t, res.Warnings, 2)
	assert.Empty(t, res.Errors)
}

func TestValidateLastCommitDegradesOnAnalyzerFailure(t *testing.T) {
	env := newLibEnv(t)
	env.git.commit = &gitops.CommitInfo{Hash: "abc123", Subject: "fix parser"}
	env.ai.respond = func(opts executor.Options) (*executor.Result, error) {
		return nil, errkind.New(errkind.Transient, "timed out")
	}

	res, err := env.lib.Run(context.Background(), "validate-last-commit", Params{})
	require.NoError(t, err, "verdict is returned even when every analyzer fails")
	assert.Equal(t, "pass", res.Verdict)
	assert.Empty(t, res.Warnings)
	assert.Empty(t, res.Errors)
}

func TestPreCommitValidateEmptyStagingPasses(t *testing.T) {
	env := newLibEnv(t)
	env.git.stagedDiff = ""

	res, err := env.lib.Run(context.Background(), "pre-commit-validate", Params{"depth": "thorough"})
	require.NoError(t, err)
	assert.Equal(t, "pass", res.Verdict)
	assert.Zero(t, env.ai.callCount(), "empty staging must not dispatch")
}

func TestPreCommitValidateQuickFindsSecret(t *testing.T) {
	env := newLibEnv(t)
	env.git.stagedDiff = "+const apiKey = \"sk-123\""
	env.ai.respond = func(opts executor.Options) (*executor.Result, error) {
		return &executor.Result{Text: "ERROR: hardcoded API key in diff", Backend: opts.Backend}, nil
	}

	res, err := env.lib.Run(context.Background(), "pre-commit-validate", Params{})
	require.NoError(t, err)
	assert.Equal(t, "fail", res.Verdict)
	assert.Len(t, res.Errors, 1)
	assert.Equal(t, 1, env.ai.callCount(), "quick depth runs one check")
}

func TestPreCommitValidateThoroughFansOutThreeChecks(t *testing.T) {
	env := newLibEnv(t)
	env.git.stagedDiff = "+x := 1"

	res, err := env.lib.Run(context.Background(), "pre-commit-validate", Params{"depth": "thorough"})
	require.NoError(t, err)
	assert.Equal(t, "pass", res.Verdict)
	assert.Equal(t, 3, env.ai.callCount())
}

func TestPreCommitValidateRejectsUnknownDepth(t *testing.T) {
	env := newLibEnv(t)
	_, err := env.lib.Run(context.Background(), "pre-commit-validate", Params{"depth": "casual"})
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

func TestBugHuntAnalyzesSuspectsAndReferences(t *testing.T) {
	env := newLibEnv(t)
	env.writeFile(t, "store.go", "package store")
	env.writeFile(t, "audit.go", "package store")
	env.git.references = []string{"audit.go"}
	env.ai.respond = func(opts executor.Options) (*executor.Result, error) {
		switch {
		case strings.Contains(opts.Prompt, "Synthesize a root-cause report"):
			return &executor.Result{Text: "root cause: unlocked map", Backend: opts.Backend}, nil
		case len(opts.Files) == 1 && opts.Files[0] == "store.go":
			return &executor.Result{Text: "PROBLEM: concurrent map write", Backend: opts.Backend}, nil
		default:
			return &executor.Result{Text: "CLEAR", Backend: opts.Backend}, nil
		}
	}

	res, err := env.lib.Run(context.Background(), "bug-hunt",
		Params{"symptom": "crash on save", "suspects": []string{"store.go", "audit.go"}})
	require.NoError(t, err)
	assert.Equal(t, "root cause: unlocked map", res.Text)
	assert.Equal(t, []string{"store.go"}, res.Metadata["problematic"])
}

func TestBugHuntRequiresSymptom(t *testing.T) {
	env := newLibEnv(t)
	_, err := env.lib.Run(context.Background(), "bug-hunt", Params{})
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

func TestBugHuntDiscoveryKeepsOnlyRealFiles(t *testing.T) {
	env := newLibEnv(t)
	env.writeFile(t, "real.go", "package real")
	env.ai.respond = func(opts executor.Options) (*executor.Result, error) {
		if strings.Contains(opts.Prompt, "List up to") {
			return &executor.Result{Text: "real.go\nimaginary.go\n../escape.go", Backend: opts.Backend}, nil
		}
		if strings.Contains(opts.Prompt, "Synthesize a root-cause report") {
			return &executor.Result{Text: "report", Backend: opts.Backend}, nil
		}
		return &executor.Result{Text: "CLEAR", Backend: opts.Backend}, nil
	}

	res, err := env.lib.Run(context.Background(), "bug-hunt", Params{"symptom": "flaky test"})
	require.NoError(t, err)
	assert.Equal(t, []string{"real.go"}, res.Metadata["suspects"])
}

func TestFeatureDesignRunsRolesInOrderWithAccumulation(t *testing.T) {
	env := newLibEnv(t)
	env.ai.respond = func(opts executor.Options) (*executor.Result, error) {
		return &executor.Result{Text: "output for call " + fmt.Sprint(len(env.ai.calls)), Backend: opts.Backend}, nil
	}

	res, err := env.lib.Run(context.Background(), "feature-design",
		Params{"description": "add rate limiting", "include_tests": true})
	require.NoError(t, err)
	require.Equal(t, 3, env.ai.callCount())

	prompts := env.ai.promptsSent()
	assert.Contains(t, prompts[0], "You are the architect")
	assert.Contains(t, prompts[1], "You are the implementer")
	assert.Contains(t, prompts[1], "Output of architect")
	assert.Contains(t, prompts[2], "You are the tester")
	assert.Contains(t, prompts[2], "Output of architect")
	assert.Contains(t, prompts[2], "Output of implementer")
	assert.Equal(t, []any{"architect", "implementer", "tester"}, res.Metadata["roles"])
}

func TestFeatureDesignStageFailureAborts(t *testing.T) {
	env := newLibEnv(t)
	env.ai.respond = func(opts executor.Options) (*executor.Result, error) {
		if strings.Contains(opts.Prompt, "You are the implementer") {
			return nil, errkind.New(errkind.Unavailable, "circuit open")
		}
		return &executor.Result{Text: "x", Backend: opts.Backend}, nil
	}

	_, err := env.lib.Run(context.Background(), "feature-design",
		Params{"description": "add rate limiting"})
	require.Error(t, err)
	assert.Equal(t, errkind.Unavailable, errkind.KindOf(err))
	assert.Equal(t, 2, env.ai.callCount(), "tester stage never runs")
}

func TestInitSessionSynthesizesRepoState(t *testing.T) {
	env := newLibEnv(t)
	env.git.staged = []string{"a.go"}
	env.git.modified = []string{"b.go"}
	env.git.commits = []gitops.Commit{{Hash: "abcdef1234", Author: "dev", Subject: "initial"}}
	env.ai.respond = func(opts executor.Options) (*executor.Result, error) {
		assert.Contains(t, opts.Prompt, "Branch: main")
		assert.Contains(t, opts.Prompt, "a.go")
		return &executor.Result{Text: "session briefing", Backend: opts.Backend}, nil
	}

	res, err := env.lib.Run(context.Background(), "init-session", Params{})
	require.NoError(t, err)
	assert.Equal(t, "session briefing", res.Text)
	assert.Equal(t, true, res.Metadata["synthesized"])
}

func TestInitSessionDegradesToRawReport(t *testing.T) {
	env := newLibEnv(t)
	env.ai.respond = func(opts executor.Options) (*executor.Result, error) {
		return nil, errkind.New(errkind.Unavailable, "all circuits open")
	}

	res, err := env.lib.Run(context.Background(), "init-session", Params{})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Branch: main")
	assert.Equal(t, false, res.Metadata["synthesized"])
	assert.NotEmpty(t, res.Warnings)
}
