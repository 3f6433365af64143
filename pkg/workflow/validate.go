package workflow

import (
	"context"
	"fmt"

	"github.com/coderelay/relay/pkg/backend"
	"github.com/coderelay/relay/pkg/executor"
	"github.com/coderelay/relay/pkg/permission"
)

// validateLastCommit analyzes one commit with two analyzers (code quality and
// a quick scan) and always returns a verdict. Individual analyzer failures
// degrade to empty finding lists instead of failing the workflow.
func (l *Library) validateLastCommit(ctx context.Context, wc *Context, params Params) (*Result, error) {
	ref := paramString(params, "ref", "HEAD")
	autonomy := l.autonomyFor(params, "validate-last-commit")

	permCtx := permission.Context{WorkflowName: wc.WorkflowName, WorkflowID: wc.WorkflowID, Target: ref}
	if err := l.perms.Assert(autonomy, permission.OpGitRead, permCtx); err != nil {
		return nil, err
	}

	commit, err := l.git.Show(ctx, ref)
	if err != nil {
		return nil, err
	}
	wc.Set("commit", commit.Hash)

	backends := l.ai.SelectParallelBackends([]string{"code-quality", "fast-scan"}, 2)
	task := fmt.Sprintf("Validate this commit.\n\nCommit: %s\nAuthor: %s\nSubject: %s\n\nDiff:\n%s\n\n",
		commit.Hash, commit.Author, commit.Subject, commit.Diff)

	var texts []string
	if len(backends) > 0 {
		legs := l.fanOut(ctx, wc, backends, func(b backend.Backend) executor.Options {
			return executor.Options{
				Prompt:   findingLinesPrompt(task),
				Autonomy: autonomy,
			}
		})
		for _, leg := range legs {
			if leg.Err != nil {
				// Degrade to an empty finding list for this analyzer.
				continue
			}
			texts = append(texts, leg.Text)
		}
	}

	verdict, warnings, errors := verdictFrom(texts)
	wc.Set("verdict", verdict)
	return &Result{
		Text:     fmt.Sprintf("Commit %s (%s): %s", commit.Hash, commit.Subject, verdict),
		Verdict:  verdict,
		Warnings: warnings,
		Errors:   errors,
		Metadata: map[string]any{
			"commit":    commit.Hash,
			"analyzers": len(texts),
		},
	}, nil
}
