package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/coderelay/relay/pkg/executor"
	"github.com/coderelay/relay/pkg/permission"
)

// initSession gathers repository state and synthesizes a session-opening
// context report. It reads only; nothing about the repository changes.
func (l *Library) initSession(ctx context.Context, wc *Context, params Params) (*Result, error) {
	autonomy := l.autonomyFor(params, "init-session")

	permCtx := permission.Context{WorkflowName: wc.WorkflowName, WorkflowID: wc.WorkflowID, Target: "repository"}
	if err := l.perms.Assert(autonomy, permission.OpGitRead, permCtx); err != nil {
		return nil, err
	}

	var report strings.Builder
	if !l.git.IsRepo(ctx) {
		report.WriteString("Not a git repository.\n")
	} else {
		if branch, err := l.git.CurrentBranch(ctx); err == nil {
			wc.Set("branch", branch)
			fmt.Fprintf(&report, "Branch: %s\n", branch)
		}
		if staged, err := l.git.StagedFiles(ctx); err == nil {
			fmt.Fprintf(&report, "Staged files (%d): %s\n", len(staged), strings.Join(staged, ", "))
		}
		if modified, err := l.git.ModifiedFiles(ctx); err == nil {
			fmt.Fprintf(&report, "Modified files (%d): %s\n", len(modified), strings.Join(modified, ", "))
		}
		if commits, err := l.git.RecentCommits(ctx, 5); err == nil {
			report.WriteString("Recent commits:\n")
			for _, c := range commits {
				fmt.Fprintf(&report, "  %.8s %s (%s)\n", c.Hash, c.Subject, c.Author)
			}
		}
	}

	res, err := l.ask(ctx, wc, executor.Options{
		Prompt: "Summarize this repository state as a short orientation for a coding session: what is in flight, what looks risky, what to check first.\n\n" +
			report.String(),
		Autonomy: autonomy,
	})
	if err != nil {
		// The raw facts still make a usable session report.
		return &Result{
			Text:     report.String(),
			Warnings: []string{"synthesis unavailable: " + err.Error()},
			Metadata: map[string]any{"synthesized": false},
		}, nil
	}
	return &Result{
		Text:     res.Text,
		Metadata: map[string]any{"synthesized": true, "backend": res.Backend},
	}, nil
}
