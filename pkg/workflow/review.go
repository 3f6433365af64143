package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/coderelay/relay/pkg/backend"
	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/executor"
	"github.com/coderelay/relay/pkg/permission"
)

var reviewFocuses = map[string]string{
	"all":          "Review the code for correctness, security, performance, and architecture.",
	"security":     "Review the code for security vulnerabilities: injection, authentication gaps, secret leakage, unsafe deserialization.",
	"performance":  "Review the code for performance problems: unnecessary allocations, N+1 queries, blocking calls on hot paths.",
	"architecture": "Review the code for architectural issues: coupling, layering violations, unclear ownership, missing abstractions.",
}

// parallelReview fans a file review out to two backends with complementary
// specializations and synthesizes their findings into one markdown review.
// One leg may fail; both failing is fatal. Results are cached for an hour on
// the file contents and focus.
func (l *Library) parallelReview(ctx context.Context, wc *Context, params Params) (*Result, error) {
	files := paramStrings(params, "files")
	if len(files) == 0 {
		return nil, errkind.New(errkind.Validation, "parallel-review requires a non-empty files list")
	}
	focus := paramString(params, "focus", "all")
	focusPrompt, ok := reviewFocuses[focus]
	if !ok {
		return nil, errkind.New(errkind.Validation,
			"invalid focus %q: must be one of all, security, performance, architecture", focus)
	}
	autonomy := l.autonomyFor(params, "parallel-review")

	permCtx := permission.Context{WorkflowName: wc.WorkflowName, WorkflowID: wc.WorkflowID}
	for _, file := range files {
		permCtx.Target = file
		if err := l.perms.Assert(autonomy, permission.OpReadFile, permCtx); err != nil {
			return nil, err
		}
	}

	fp, err := l.fingerprint(files)
	if err != nil {
		return nil, err
	}
	key := cacheKey("parallel-review", map[string]any{"focus": focus}, fp)
	if !l.cfg.CacheDisabled {
		if cached, hit := l.cache.get(key); hit {
			cached.Metadata["cacheHit"] = true
			return cached, nil
		}
	}

	backends := l.ai.SelectParallelBackends([]string{"deep-analysis", "code-quality"}, 2)
	if len(backends) == 0 {
		return nil, errkind.New(errkind.Unavailable, "no backends available for parallel review")
	}

	legs := l.fanOut(ctx, wc, backends, func(b backend.Backend) executor.Options {
		return executor.Options{
			Prompt:   focusPrompt,
			Files:    files,
			Autonomy: autonomy,
		}
	})

	var sections []string
	var failed []string
	for _, leg := range legs {
		if leg.Err != nil {
			failed = append(failed, leg.Backend)
			sections = append(sections,
				fmt.Sprintf("### %s\n\n_Analysis unavailable: backend failed._", leg.Backend))
			continue
		}
		wc.Append("reviews", leg.Text)
		sections = append(sections, fmt.Sprintf("### %s\n\n%s", leg.Backend, leg.Text))
	}
	if len(failed) == len(legs) {
		return nil, joinError(legs)
	}

	synthesis, err := l.ask(ctx, wc, executor.Options{
		Prompt: "Merge the following independent code reviews into a single prioritized markdown review. Deduplicate findings and keep concrete file references.\n\n" +
			strings.Join(sections, "\n\n"),
		Autonomy: autonomy,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		Text: synthesis.Text,
		Metadata: map[string]any{
			"cacheHit":   false,
			"focus":      focus,
			"backends":   backendIDs(legs),
			"failedLegs": failed,
		},
	}
	if !l.cfg.CacheDisabled {
		l.cache.put(key, *result)
	}
	return result, nil
}

func backendIDs(legs []legResult) []string {
	ids := make([]string, 0, len(legs))
	for _, leg := range legs {
		ids = append(ids, leg.Backend)
	}
	return ids
}
