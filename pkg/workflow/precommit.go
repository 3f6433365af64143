package workflow

import (
	"context"
	"fmt"

	"github.com/coderelay/relay/pkg/backend"
	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/executor"
	"github.com/coderelay/relay/pkg/permission"
)

var precommitChecks = map[string]string{
	"secrets":  "Scan this staged diff for committed secrets: API keys, tokens, passwords, private keys.",
	"quality":  "Scan this staged diff for code quality problems: dead code, missing error handling, debugging leftovers.",
	"breaking": "Scan this staged diff for breaking changes: removed or renamed public identifiers, changed signatures, altered wire formats.",
	"extended": "Scan this staged diff for dependency risks and style drift: new unvetted imports, license changes, inconsistent formatting.",
}

// preCommitValidate scans the staged diff before a commit. Depth controls
// how many checks run: quick is a single secrets scan, thorough fans three
// checks out across distinct backends, paranoid adds extended checks on top.
// An empty staging area passes immediately.
func (l *Library) preCommitValidate(ctx context.Context, wc *Context, params Params) (*Result, error) {
	depth := paramString(params, "depth", "quick")
	if depth != "quick" && depth != "thorough" && depth != "paranoid" {
		return nil, errkind.New(errkind.Validation,
			"invalid depth %q: must be one of quick, thorough, paranoid", depth)
	}
	autonomy := l.autonomyFor(params, "pre-commit-validate")

	permCtx := permission.Context{WorkflowName: wc.WorkflowName, WorkflowID: wc.WorkflowID, Target: "staged"}
	if err := l.perms.Assert(autonomy, permission.OpGitRead, permCtx); err != nil {
		return nil, err
	}

	diff, err := l.git.StagedDiff(ctx)
	if err != nil {
		return nil, err
	}
	if diff == "" {
		return &Result{
			Text:     "Nothing staged; nothing to validate.",
			Verdict:  "pass",
			Metadata: map[string]any{"depth": depth, "staged": false},
		}, nil
	}

	var texts []string
	runCheck := func(check string, res *executor.Result, err error) {
		if err != nil {
			wc.Append("failed_checks", check)
			return
		}
		wc.Append("checks", check)
		texts = append(texts, res.Text)
	}

	switch depth {
	case "quick":
		res, err := l.ask(ctx, wc, executor.Options{
			Backend:  l.pickBackend("fast-scan"),
			Prompt:   checkPrompt("secrets", diff),
			Autonomy: autonomy,
		})
		if err != nil {
			return nil, err
		}
		runCheck("secrets", res, nil)

	case "thorough", "paranoid":
		checks := []string{"secrets", "quality", "breaking"}
		backends := l.ai.SelectParallelBackends([]string{"fast-scan", "code-quality", "deep-analysis"}, len(checks))
		if len(backends) == 0 {
			return nil, errkind.New(errkind.Unavailable, "no backends available for pre-commit checks")
		}
		checkFor := make(map[string]string, len(backends))
		for i, b := range backends {
			checkFor[b.ID()] = checks[i%len(checks)]
		}
		legs := l.fanOut(ctx, wc, backends, func(b backend.Backend) executor.Options {
			return executor.Options{
				Prompt:   checkPrompt(checkFor[b.ID()], diff),
				Autonomy: autonomy,
			}
		})
		if err := requireAnyLeg(legs); err != nil {
			return nil, err
		}
		for _, leg := range legs {
			runCheck(checkFor[leg.Backend], &executor.Result{Text: leg.Text}, leg.Err)
		}
		if depth == "paranoid" {
			res, err := l.ask(ctx, wc, executor.Options{
				Prompt:   checkPrompt("extended", diff),
				Autonomy: autonomy,
			})
			runCheck("extended", res, err)
		}
	}

	verdict, warnings, errors := verdictFrom(texts)
	return &Result{
		Text:     fmt.Sprintf("Pre-commit validation (%s): %s", depth, verdict),
		Verdict:  verdict,
		Warnings: warnings,
		Errors:   errors,
		Metadata: map[string]any{
			"depth":  depth,
			"staged": true,
			"checks": wc.GetAll("checks"),
		},
	}, nil
}

func checkPrompt(check, diff string) string {
	return findingLinesPrompt(precommitChecks[check]) + "\n\nStaged diff:\n" + diff
}

// pickBackend returns the available backend with the given specialization,
// or "" to let the executor use the configured primary.
func (l *Library) pickBackend(specialization string) string {
	picked := l.ai.SelectParallelBackends([]string{specialization}, 1)
	if len(picked) == 0 {
		return ""
	}
	return picked[0].ID()
}

func requireAnyLeg(legs []legResult) error {
	for _, leg := range legs {
		if leg.Err == nil {
			return nil
		}
	}
	return joinError(legs)
}
