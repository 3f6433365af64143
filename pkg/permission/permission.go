// Package permission implements the four-level autonomy ladder that gates
// every side-effectful operation, and records each decision to the audit
// trail.
package permission

import (
	"encoding/json"
	"fmt"

	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/logger"
	"github.com/coderelay/relay/pkg/store"
)

var permLog = logger.New("permission:permission")

// Level is one of the four autonomy levels, totally ordered.
type Level string

const (
	ReadOnly Level = "read-only"
	Low      Level = "low"
	Medium   Level = "medium"
	High     Level = "high"
	// Auto is not a concrete level; it resolves per workflow at entry.
	Auto Level = "auto"
)

var levelRank = map[Level]int{ReadOnly: 0, Low: 1, Medium: 2, High: 3}

// Valid reports whether l is a concrete level or auto.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok || l == Auto
}

// AtLeast reports whether l permits operations requiring min.
func (l Level) AtLeast(min Level) bool {
	return levelRank[l] >= levelRank[min]
}

// Operation is a coarse side-effect class used for permission checks.
type Operation string

const (
	OpReadFile          Operation = "read_file"
	OpWriteFile         Operation = "write_file"
	OpGitRead           Operation = "git_read"
	OpGitCommit         Operation = "git_commit"
	OpGitPush           Operation = "git_push"
	OpGitBranch         Operation = "git_branch"
	OpInstallDependency Operation = "install_dependency"
	OpExecuteCommand    Operation = "execute_command"
	OpExternalAPI       Operation = "external_api"
	OpMCPCall           Operation = "mcp_call"
)

// requiredLevel is total over the operation set and monotone: permitting an
// operation permits everything of strictly lower required level.
var requiredLevel = map[Operation]Level{
	OpReadFile:          ReadOnly,
	OpGitRead:           ReadOnly,
	OpMCPCall:           ReadOnly,
	OpWriteFile:         Low,
	OpExecuteCommand:    Low,
	OpGitCommit:         Medium,
	OpGitBranch:         Medium,
	OpInstallDependency: Medium,
	OpGitPush:           High,
	OpExternalAPI:       High,
}

// Operations returns the closed operation set.
func Operations() []Operation {
	ops := make([]Operation, 0, len(requiredLevel))
	for op := range requiredLevel {
		ops = append(ops, op)
	}
	return ops
}

// RequiredLevel returns the minimum autonomy level for op.
func RequiredLevel(op Operation) (Level, bool) {
	l, ok := requiredLevel[op]
	return l, ok
}

// workflowDefaults resolves Auto at workflow entry.
var workflowDefaults = map[string]Level{
	"parallel-review":      ReadOnly,
	"validate-last-commit": ReadOnly,
	"pre-commit-validate":  ReadOnly,
	"bug-hunt":             ReadOnly,
	"feature-design":       Medium,
	"init-session":         ReadOnly,
	"run-plan":             Medium,
}

// Decision is the result of a permission check.
type Decision struct {
	Allowed       bool
	RequiredLevel Level
	Reason        string
}

// Check is the pure policy function: does level permit op?
func Check(level Level, op Operation) Decision {
	required, ok := requiredLevel[op]
	if !ok {
		return Decision{Allowed: false, RequiredLevel: High,
			Reason: fmt.Sprintf("unknown operation %q", op)}
	}
	if level.AtLeast(required) {
		return Decision{Allowed: true, RequiredLevel: required}
	}
	return Decision{
		Allowed:       false,
		RequiredLevel: required,
		Reason: fmt.Sprintf("%s requires autonomy level %s; grant level %s to allow",
			op, required, required),
	}
}

// ResolveAutonomy maps Auto to the workflow's default level (MEDIUM if the
// workflow has no entry) and passes concrete levels through unchanged.
func ResolveAutonomy(level Level, workflowName string) Level {
	if level != Auto && level != "" {
		return level
	}
	if def, ok := workflowDefaults[workflowName]; ok {
		permLog.Printf("Resolved auto -> %s for workflow %s", def, workflowName)
		return def
	}
	permLog.Printf("Resolved auto -> %s (fallback) for workflow %s", Medium, workflowName)
	return Medium
}

// Context carries the audit attribution for an Assert call.
type Context struct {
	WorkflowName string
	WorkflowID   string
	Target       string
	ExecutedBy   string // system | user; defaults to system
	Metadata     map[string]any
}

// Manager checks permissions and records every decision to the audit store.
type Manager struct {
	audit *store.AuditStore
}

// NewManager returns a manager writing decisions to audit.
func NewManager(audit *store.AuditStore) *Manager {
	return &Manager{audit: audit}
}

// Check delegates to the pure policy function without auditing. Use it for
// advisory can_* predicates.
func (m *Manager) Check(level Level, op Operation) Decision {
	return Check(level, op)
}

// Assert checks level against op and records exactly one audit entry either
// way. On denial it returns a permission error naming the required level.
func (m *Manager) Assert(level Level, op Operation, ctx Context) error {
	decision := Check(level, op)

	entry := store.AuditEntry{
		WorkflowName:  ctx.WorkflowName,
		WorkflowID:    ctx.WorkflowID,
		AutonomyLevel: string(level),
		Operation:     string(op),
		Target:        ctx.Target,
		Approved:      decision.Allowed,
		ExecutedBy:    ctx.ExecutedBy,
	}
	if entry.ExecutedBy == "" {
		entry.ExecutedBy = "system"
	}
	if len(ctx.Metadata) > 0 {
		if data, err := json.Marshal(ctx.Metadata); err == nil {
			entry.Metadata = string(data)
		}
	}
	if decision.Allowed {
		entry.Outcome = "success"
	} else {
		entry.Outcome = "failure"
		entry.ErrorMessage = decision.Reason
	}
	m.audit.Record(entry)

	if !decision.Allowed {
		permLog.Warnf("Denied %s at level %s (target=%s): %s", op, level, ctx.Target, decision.Reason)
		return errkind.New(errkind.Permission, "%s", decision.Reason)
	}
	permLog.Printf("Allowed %s at level %s (target=%s)", op, level, ctx.Target)
	return nil
}

// Git is a thin façade over the manager for git operation checks.
type Git struct{ m *Manager }

// GitOps returns the git façade.
func (m *Manager) GitOps() Git { return Git{m: m} }

func (g Git) CanRead(level Level) bool   { return Check(level, OpGitRead).Allowed }
func (g Git) CanCommit(level Level) bool { return Check(level, OpGitCommit).Allowed }
func (g Git) CanPush(level Level) bool   { return Check(level, OpGitPush).Allowed }
func (g Git) CanBranch(level Level) bool { return Check(level, OpGitBranch).Allowed }

func (g Git) AssertRead(level Level, ctx Context) error {
	return g.m.Assert(level, OpGitRead, ctx)
}

func (g Git) AssertCommit(level Level, ctx Context) error {
	return g.m.Assert(level, OpGitCommit, ctx)
}

func (g Git) AssertPush(level Level, ctx Context) error {
	return g.m.Assert(level, OpGitPush, ctx)
}

// File is a thin façade over the manager for file operation checks.
type File struct{ m *Manager }

// FileOps returns the file façade.
func (m *Manager) FileOps() File { return File{m: m} }

func (f File) CanRead(level Level) bool  { return Check(level, OpReadFile).Allowed }
func (f File) CanWrite(level Level) bool { return Check(level, OpWriteFile).Allowed }

func (f File) AssertRead(level Level, ctx Context) error {
	return f.m.Assert(level, OpReadFile, ctx)
}

func (f File) AssertWrite(level Level, ctx Context) error {
	return f.m.Assert(level, OpWriteFile, ctx)
}
