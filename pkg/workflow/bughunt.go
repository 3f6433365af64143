package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/executor"
	"github.com/coderelay/relay/pkg/permission"
)

const maxBugHuntSuspects = 5

// bugHunt tracks a reported symptom down to a root cause. Suspect files are
// either supplied by the caller or discovered with a fast backend; each is
// analyzed with a deep backend, problematic files get their referencing files
// pulled into a second pass, and a final call synthesizes the report.
func (l *Library) bugHunt(ctx context.Context, wc *Context, params Params) (*Result, error) {
	symptom := paramString(params, "symptom", "")
	if symptom == "" {
		return nil, errkind.New(errkind.Validation, "bug-hunt requires a symptom description")
	}
	autonomy := l.autonomyFor(params, "bug-hunt")
	wc.Set("symptom", symptom)

	suspects := paramStrings(params, "suspects")
	if len(suspects) == 0 {
		discovered, err := l.discoverSuspects(ctx, wc, symptom, autonomy)
		if err != nil {
			return nil, err
		}
		suspects = discovered
	}
	if len(suspects) == 0 {
		return nil, errkind.New(errkind.Validation,
			"no suspect files found for symptom; pass suspects explicitly")
	}
	if len(suspects) > maxBugHuntSuspects {
		suspects = suspects[:maxBugHuntSuspects]
	}

	deep := l.pickBackend("deep-analysis")
	var problematic []string
	for _, file := range suspects {
		res, err := l.ask(ctx, wc, executor.Options{
			Backend: deep,
			Prompt: fmt.Sprintf("Symptom: %s\n\nAnalyze the attached file for causes of this symptom. If the file likely contributes, start your answer with PROBLEM and explain; otherwise start with CLEAR.",
				symptom),
			Files:    []string{file},
			Autonomy: autonomy,
		})
		if err != nil {
			wc.Append("analysis_failures", file)
			continue
		}
		wc.Increment("analyzed", 1)
		wc.Set("analysis:"+file, res.Text)
		if strings.HasPrefix(strings.TrimSpace(res.Text), "PROBLEM") {
			problematic = append(problematic, file)
		}
	}
	if wc.GetCounter("analyzed") == 0 {
		return nil, errkind.New(errkind.Unavailable, "all suspect analyses failed")
	}

	// Second pass: fold in files that reference the problematic ones.
	for _, file := range problematic {
		refs, err := l.git.GrepReferences(ctx, file)
		if err != nil || len(refs) == 0 {
			continue
		}
		if len(refs) > maxBugHuntSuspects {
			refs = refs[:maxBugHuntSuspects]
		}
		res, err := l.ask(ctx, wc, executor.Options{
			Backend: deep,
			Prompt: fmt.Sprintf("Symptom: %s\n\nThe file %s looks problematic. The attached files reference it; check whether they propagate or trigger the fault.",
				symptom, file),
			Files:    refs,
			Autonomy: autonomy,
		})
		if err == nil {
			wc.Set("references:"+file, res.Text)
		}
	}

	var findings []string
	for _, file := range suspects {
		if text := wc.GetString("analysis:" + file); text != "" {
			findings = append(findings, fmt.Sprintf("## %s\n\n%s", file, text))
		}
	}
	for _, file := range problematic {
		if text := wc.GetString("references:" + file); text != "" {
			findings = append(findings, fmt.Sprintf("## References of %s\n\n%s", file, text))
		}
	}

	report, err := l.ask(ctx, wc, executor.Options{
		Prompt: fmt.Sprintf("Symptom: %s\n\nSynthesize a root-cause report from these per-file analyses. Name the most likely cause first, then contributing factors, then a suggested fix.\n\n%s",
			symptom, strings.Join(findings, "\n\n")),
		Autonomy: autonomy,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Text: report.Text,
		Metadata: map[string]any{
			"suspects":    suspects,
			"problematic": problematic,
			"analyzed":    wc.GetCounter("analyzed"),
		},
	}, nil
}

// discoverSuspects asks a fast backend to name candidate files for a symptom.
// Only lines naming files that actually exist inside the project survive.
func (l *Library) discoverSuspects(ctx context.Context, wc *Context, symptom string, autonomy permission.Level) ([]string, error) {
	res, err := l.ask(ctx, wc, executor.Options{
		Backend: l.pickBackend("fast-scan"),
		Prompt: fmt.Sprintf("Symptom: %s\n\nList up to %d project-relative file paths most likely involved, one per line, nothing else.",
			symptom, maxBugHuntSuspects),
		Autonomy: autonomy,
	})
	if err != nil {
		return nil, err
	}
	var suspects []string
	for _, line := range strings.Split(res.Text, "\n") {
		candidate := strings.TrimSpace(line)
		if candidate == "" {
			continue
		}
		if _, err := l.validator.ValidatePath(candidate); err != nil {
			continue
		}
		suspects = append(suspects, candidate)
		if len(suspects) == maxBugHuntSuspects {
			break
		}
	}
	return suspects, nil
}
