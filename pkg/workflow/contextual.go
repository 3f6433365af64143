package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/relay/pkg/constants"
	"github.com/coderelay/relay/pkg/logger"
)

var contextualLog = logger.New("workflow:contextual")

// Params is the untyped parameter bag a workflow receives from the tool
// surface.
type Params map[string]any

// Fn is a workflow body. The run-scoped context travels inside params under
// constants.ContextParamKey; use WithContext to receive it as an argument.
type Fn func(ctx context.Context, params Params) (*Result, error)

// RunWithContext creates a fresh run context, injects it into params, invokes
// fn, and tears the context down on every exit path. The context never
// outlives the call.
func RunWithContext(ctx context.Context, workflowName string, fn Fn, params Params) (*Result, error) {
	workflowID := uuid.NewString()
	wc := NewContext(workflowID, workflowName)

	if params == nil {
		params = Params{}
	}
	params[constants.ContextParamKey] = wc

	start := time.Now()
	defer func() {
		contextualLog.Printf("Workflow %s finished in %s: %s", workflowName, time.Since(start), wc.Summary())
		wc.Clear()
		delete(params, constants.ContextParamKey)
	}()

	res, err := fn(ctx, params)
	if err != nil {
		contextualLog.Errorf("Workflow %s (%s) failed: %v", workflowName, workflowID, err)
		return nil, err
	}
	if res != nil && res.WorkflowID == "" {
		res.WorkflowID = workflowID
	}
	return res, nil
}

// ContextFn is a workflow body that takes the run context explicitly.
type ContextFn func(ctx context.Context, wc *Context, params Params) (*Result, error)

// WithContext adapts a ContextFn into a Fn by pulling the run context out of
// the params bag.
func WithContext(fn ContextFn) Fn {
	return func(ctx context.Context, params Params) (*Result, error) {
		wc, _ := params[constants.ContextParamKey].(*Context)
		return fn(ctx, wc, params)
	}
}
