// Package constants centralizes the fixed limits and identifiers shared across
// the relay. Values here are deliberate policy, not tunables; runtime knobs
// live in pkg/config.
package constants

import "time"

// DefaultCommandTimeout bounds every spawned provider or git process.
const DefaultCommandTimeout = 10 * time.Minute

// MaxAttachmentBytes is the largest file the path validator will accept.
const MaxAttachmentBytes = 10 * 1024 * 1024

// MaxPromptLength is the character cap applied by the prompt sanitizer;
// longer prompts are truncated with a warning.
const MaxPromptLength = 50_000

// Circuit breaker defaults (see pkg/breaker).
const (
	BreakerFailureThreshold = 3
	BreakerResetTimeout     = 5 * time.Minute
)

// RetryBackoff is the schedule for transient backend failures: attempt n
// sleeps RetryBackoff[n] before retrying. Length is the retry budget.
var RetryBackoff = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// WorkflowCacheTTL bounds how long a workflow result may be served from cache.
const WorkflowCacheTTL = time.Hour

// MaxPlanSteps bounds the generic execution-plan workflow.
const MaxPlanSteps = 20

// AllowedBinaries is the closed set of executables the command runner may
// spawn. Everything else is rejected before the syscall.
var AllowedBinaries = map[string]bool{
	"claude": true,
	"codex":  true,
	"gemini": true,
	"droid":  true,
	"git":    true,
	"npm":    true,
	"which":  true,
}

// ProviderBinaries identifies which allowed binaries are AI providers.
// Provider argv is built by trusted adapters and skips the per-argument
// metacharacter checks applied to utility binaries.
var ProviderBinaries = map[string]bool{
	"claude": true,
	"codex":  true,
	"gemini": true,
	"droid":  true,
}

// ContextParamKey is the reserved params key under which the contextual
// workflow executor injects the run-scoped context.
const ContextParamKey = "_workflow_context"

// File size classification buckets for token-savings metrics, in lines.
const (
	SmallFileMaxLines  = 300
	MediumFileMaxLines = 600
	LargeFileMaxLines  = 1000
)
