// Package gitops reads repository state for the workflow library. All
// access goes through the command runner; nothing here mutates the repo.
package gitops

import (
	"context"
	"strconv"
	"strings"

	"github.com/coderelay/relay/pkg/logger"
	"github.com/coderelay/relay/pkg/runner"
)

var gitLog = logger.New("gitops:git")

// Git runs read-only git commands inside the project root.
type Git struct {
	runner *runner.Runner
}

// New returns a git reader over the given runner.
func New(r *runner.Runner) *Git {
	return &Git{runner: r}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	res, err := g.runner.Run(ctx, runner.Request{Binary: "git", Args: args})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// IsRepo reports whether the project root is a git work tree.
func (g *Git) IsRepo(ctx context.Context) bool {
	_, err := g.run(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// StagedFiles lists the paths staged for commit.
func (g *Git) StagedFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ModifiedFiles lists tracked paths with unstaged modifications.
func (g *Git) ModifiedFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// StagedDiff returns the full staged diff.
func (g *Git) StagedDiff(ctx context.Context) (string, error) {
	return g.run(ctx, "diff", "--cached")
}

// Commit is one entry of the recent history.
type Commit struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Subject string `json:"subject"`
}

// RecentCommits returns the last n commits, newest first.
func (g *Git) RecentCommits(ctx context.Context, n int) ([]Commit, error) {
	out, err := g.run(ctx, "log", "-n", strconv.Itoa(n), "--pretty=format:%H%x1f%an%x1f%s")
	if err != nil {
		return nil, err
	}
	var commits []Commit
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, "\x1f", 3)
		if len(parts) == 3 {
			commits = append(commits, Commit{Hash: parts[0], Author: parts[1], Subject: parts[2]})
		}
	}
	return commits, nil
}

// CommitInfo describes one commit plus its diff.
type CommitInfo struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Subject string `json:"subject"`
	Diff    string `json:"diff"`
}

// Show fetches metadata and diff for a commit ref (HEAD by default).
func (g *Git) Show(ctx context.Context, ref string) (*CommitInfo, error) {
	if ref == "" {
		ref = "HEAD"
	}
	meta, err := g.run(ctx, "show", "--no-patch", "--pretty=format:%H%x1f%an%x1f%s", ref)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(meta, "\x1f", 3)
	info := &CommitInfo{Hash: ref}
	if len(parts) == 3 {
		info.Hash, info.Author, info.Subject = parts[0], parts[1], parts[2]
	}
	diff, err := g.run(ctx, "show", "--pretty=format:", ref)
	if err != nil {
		return nil, err
	}
	info.Diff = diff
	gitLog.Printf("Fetched commit %s (%d byte diff)", info.Hash, len(diff))
	return info, nil
}

// GrepReferences lists files referencing the given symbol or path fragment.
func (g *Git) GrepReferences(ctx context.Context, needle string) ([]string, error) {
	out, err := g.run(ctx, "grep", "-l", "--", needle)
	if err != nil {
		// git grep exits 1 on no matches; treat that as empty.
		return nil, nil
	}
	return splitLines(out), nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
