package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/coderelay/relay/pkg/backend"
	"github.com/coderelay/relay/pkg/constants"
	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/executor"
	"github.com/coderelay/relay/pkg/permission"
)

// PlanStep is one node of a caller-supplied execution plan.
type PlanStep struct {
	ID        string   `json:"id" validate:"required"`
	Type      string   `json:"type" validate:"required,oneof=ai_analysis git_read file_read parallel_group"`
	DependsOn []string `json:"depends_on,omitempty"`
	OnError   string   `json:"on_error,omitempty" validate:"omitempty,oneof=fail continue retry"`
	Prompt    string   `json:"prompt,omitempty"`
	Prompts   []string `json:"prompts,omitempty"`
	Ref       string   `json:"ref,omitempty"`
	Files     []string `json:"files,omitempty"`
}

// Plan is a small DAG of steps executed in dependency order.
type Plan struct {
	Steps []PlanStep `json:"steps" validate:"required,min=1,max=20,dive"`
}

var planValidate = validator.New(validator.WithRequiredStructEnabled())

var stepOps = map[string]permission.Operation{
	"ai_analysis":    permission.OpMCPCall,
	"parallel_group": permission.OpMCPCall,
	"git_read":       permission.OpGitRead,
	"file_read":      permission.OpReadFile,
}

// runPlan executes a caller-supplied step DAG. The plan is validated up
// front (shape, size, acyclicity) and permission-checked per step type
// before anything runs; each step's output lands in the run context for its
// dependents.
func (l *Library) runPlan(ctx context.Context, wc *Context, params Params) (*Result, error) {
	plan, err := parsePlan(params)
	if err != nil {
		return nil, err
	}
	autonomy := l.autonomyFor(params, "run-plan")

	order, err := topoSort(plan.Steps)
	if err != nil {
		return nil, err
	}

	// Pre-flight: every step type must be permitted before the first one runs.
	for _, step := range plan.Steps {
		if decision := permission.Check(autonomy, stepOps[step.Type]); !decision.Allowed {
			return nil, errkind.New(errkind.Permission,
				"plan step %q (%s): %s", step.ID, step.Type, decision.Reason)
		}
	}

	stepsByID := make(map[string]PlanStep, len(plan.Steps))
	for _, step := range plan.Steps {
		stepsByID[step.ID] = step
	}

	var failed []string
	for _, id := range order {
		step := stepsByID[id]
		text, err := l.runStep(ctx, wc, step, autonomy)
		if err != nil && step.OnError == "retry" {
			text, err = l.runStep(ctx, wc, step, autonomy)
		}
		if err != nil {
			if step.OnError == "continue" {
				libLog.Warnf("Plan step %s failed, continuing: %v", step.ID, err)
				failed = append(failed, step.ID)
				wc.Append("failed_steps", step.ID)
				continue
			}
			return nil, errkind.Wrap(errkind.KindOf(err), err, "plan step %q failed", step.ID)
		}
		wc.Set("step:"+step.ID, text)
		wc.Append("completed_steps", step.ID)
	}

	var sections []string
	for _, id := range order {
		if text := wc.GetString("step:" + id); text != "" {
			sections = append(sections, fmt.Sprintf("## %s\n\n%s", id, text))
		}
	}
	return &Result{
		Text: strings.Join(sections, "\n\n"),
		Metadata: map[string]any{
			"steps":       len(plan.Steps),
			"order":       order,
			"failedSteps": failed,
		},
	}, nil
}

func parsePlan(params Params) (*Plan, error) {
	raw, ok := params["plan"]
	if !ok {
		return nil, errkind.New(errkind.Validation, "run-plan requires a plan object")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "plan is not serializable")
	}
	var plan Plan
	if err := json.Unmarshal(encoded, &plan); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "plan does not match the step schema")
	}
	if err := planValidate.Struct(&plan); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "invalid plan")
	}
	if len(plan.Steps) > constants.MaxPlanSteps {
		return nil, errkind.New(errkind.Validation, "plan exceeds %d steps", constants.MaxPlanSteps)
	}
	return &plan, nil
}

// topoSort orders steps so every dependency precedes its dependents, and
// rejects unknown dependencies and cycles.
func topoSort(steps []PlanStep) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)
	for _, step := range steps {
		if _, dup := indegree[step.ID]; dup {
			return nil, errkind.New(errkind.Validation, "duplicate step id %q", step.ID)
		}
		indegree[step.ID] = 0
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, known := indegree[dep]; !known {
				return nil, errkind.New(errkind.Validation,
					"step %q depends on unknown step %q", step.ID, dep)
			}
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var ready []string
	for _, step := range steps {
		if indegree[step.ID] == 0 {
			ready = append(ready, step.ID)
		}
	}
	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, errkind.New(errkind.Validation, "plan contains a dependency cycle")
	}
	return order, nil
}

func (l *Library) runStep(ctx context.Context, wc *Context, step PlanStep, autonomy permission.Level) (string, error) {
	switch step.Type {
	case "ai_analysis":
		prompt := step.Prompt
		for _, dep := range step.DependsOn {
			if text := wc.GetString("step:" + dep); text != "" {
				prompt += fmt.Sprintf("\n\n--- Output of step %s ---\n%s", dep, text)
			}
		}
		res, err := l.ask(ctx, wc, executor.Options{
			Prompt:   prompt,
			Files:    step.Files,
			Autonomy: autonomy,
		})
		if err != nil {
			return "", err
		}
		return res.Text, nil

	case "git_read":
		permCtx := permission.Context{WorkflowName: wc.WorkflowName, WorkflowID: wc.WorkflowID, Target: step.Ref}
		if err := l.perms.Assert(autonomy, permission.OpGitRead, permCtx); err != nil {
			return "", err
		}
		commit, err := l.git.Show(ctx, step.Ref)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s\n\n%s", commit.Hash, commit.Subject, commit.Diff), nil

	case "file_read":
		abs, err := l.validator.ValidatePaths(step.Files)
		if err != nil {
			return "", err
		}
		permCtx := permission.Context{WorkflowName: wc.WorkflowName, WorkflowID: wc.WorkflowID}
		var out strings.Builder
		for i, path := range abs {
			permCtx.Target = step.Files[i]
			if err := l.perms.Assert(autonomy, permission.OpReadFile, permCtx); err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", errkind.Wrap(errkind.Validation, err, "failed to read %s", path)
			}
			fmt.Fprintf(&out, "--- %s ---\n%s\n", step.Files[i], data)
		}
		return out.String(), nil

	case "parallel_group":
		if len(step.Prompts) == 0 {
			return "", errkind.New(errkind.Validation, "parallel_group step %q has no prompts", step.ID)
		}
		backends := l.ai.SelectParallelBackends(nil, len(step.Prompts))
		if len(backends) == 0 {
			return "", errkind.New(errkind.Unavailable, "no backends available for parallel group")
		}
		promptFor := make(map[string]string, len(backends))
		for i, b := range backends {
			promptFor[b.ID()] = step.Prompts[i%len(step.Prompts)]
		}
		legs := l.fanOut(ctx, wc, backends, func(b backend.Backend) executor.Options {
			return executor.Options{Prompt: promptFor[b.ID()], Autonomy: autonomy}
		})
		if err := requireAnyLeg(legs); err != nil {
			return "", err
		}
		var parts []string
		for _, leg := range legs {
			if leg.Err == nil {
				parts = append(parts, leg.Text)
			}
		}
		return strings.Join(parts, "\n\n"), nil

	default:
		return "", errkind.New(errkind.Validation, "unknown step type %q", step.Type)
	}
}
