package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/executor"
)

type designRole struct {
	name    string
	backend string // specialization preference
	brief   string
}

var designRoles = []designRole{
	{
		name:    "architect",
		backend: "deep-analysis",
		brief:   "You are the architect. Produce a component-level design: responsibilities, interfaces, data flow, and the order of implementation.",
	},
	{
		name:    "implementer",
		backend: "code-quality",
		brief:   "You are the implementer. Turn the architecture into concrete implementation steps with file-level detail, following the existing code conventions.",
	},
	{
		name:    "tester",
		backend: "fast-scan",
		brief:   "You are the tester. Derive a test plan from the architecture and implementation steps: cases, edge cases, and what must be covered before merge.",
	},
}

// featureDesign runs three agent roles in sequence, each seeing the
// accumulated output of the roles before it through the run context.
func (l *Library) featureDesign(ctx context.Context, wc *Context, params Params) (*Result, error) {
	description := paramString(params, "description", "")
	if description == "" {
		return nil, errkind.New(errkind.Validation, "feature-design requires a description")
	}
	autonomy := l.autonomyFor(params, "feature-design")
	files := paramStrings(params, "target_files")

	var scope []string
	for _, flag := range []string{"tests", "api", "db", "ui"} {
		if paramBool(params, "include_"+flag) {
			scope = append(scope, flag)
		}
	}
	wc.Set("description", description)

	var sections []string
	for _, role := range designRoles {
		prompt := fmt.Sprintf("%s\n\nFeature: %s", role.brief, description)
		if len(scope) > 0 {
			prompt += "\nIn scope: " + strings.Join(scope, ", ")
		}
		for _, done := range wc.GetAll("completed_roles") {
			prev, _ := done.(string)
			prompt += fmt.Sprintf("\n\n--- Output of %s ---\n%s", prev, wc.GetString("output:"+prev))
		}

		res, err := l.ask(ctx, wc, executor.Options{
			Backend:  l.pickBackend(role.backend),
			Prompt:   prompt,
			Files:    files,
			Autonomy: autonomy,
		})
		if err != nil {
			return nil, errkind.Wrap(errkind.KindOf(err), err, "%s stage failed", role.name)
		}
		wc.Set("output:"+role.name, res.Text)
		wc.Append("completed_roles", role.name)
		title := strings.ToUpper(role.name[:1]) + role.name[1:]
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", title, res.Text))
	}

	return &Result{
		Text: strings.Join(sections, "\n\n"),
		Metadata: map[string]any{
			"roles": wc.GetAll("completed_roles"),
			"scope": scope,
		},
	}, nil
}
