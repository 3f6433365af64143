package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/store"
)

func TestCheckMonotonicity(t *testing.T) {
	// A level that permits an operation permits every operation of
	// strictly lower required level.
	levels := []Level{ReadOnly, Low, Medium, High}
	for _, level := range levels {
		for _, op := range Operations() {
			required, ok := RequiredLevel(op)
			require.True(t, ok)
			decision := Check(level, op)
			assert.Equal(t, level.AtLeast(required), decision.Allowed,
				"level=%s op=%s required=%s", level, op, required)
		}
	}
}

func TestCheckDeniedCarriesRequiredLevel(t *testing.T) {
	d := Check(ReadOnly, OpGitPush)
	assert.False(t, d.Allowed)
	assert.Equal(t, High, d.RequiredLevel)
	assert.Contains(t, d.Reason, "grant level high to allow")
}

func TestCheckUnknownOperationDenied(t *testing.T) {
	d := Check(High, Operation("format_disk"))
	assert.False(t, d.Allowed)
}

func TestResolveAutonomy(t *testing.T) {
	assert.Equal(t, High, ResolveAutonomy(High, "parallel-review"))
	assert.Equal(t, ReadOnly, ResolveAutonomy(Auto, "init-session"))
	assert.Equal(t, Medium, ResolveAutonomy(Auto, "feature-design"))
	assert.Equal(t, Medium, ResolveAutonomy(Auto, "unknown-workflow"))
	assert.Equal(t, Medium, ResolveAutonomy("", "unknown-workflow"))
}

func newTestManager(t *testing.T) (*Manager, *store.AuditStore) {
	t.Helper()
	audit, err := store.OpenAuditStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })
	return NewManager(audit), audit
}

func TestAssertDenialIsAudited(t *testing.T) {
	m, audit := newTestManager(t)

	err := m.Assert(ReadOnly, OpWriteFile, Context{Target: "notes.md"})
	require.Error(t, err)
	assert.Equal(t, errkind.Permission, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "low")

	audit.Flush()
	entries, qerr := audit.Query(store.AuditQuery{Operation: string(OpWriteFile)})
	require.NoError(t, qerr)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.False(t, e.Approved)
	assert.Equal(t, "failure", e.Outcome)
	assert.Equal(t, "write_file", e.Operation)
	assert.Equal(t, "notes.md", e.Target)
	assert.Equal(t, "read-only", e.AutonomyLevel)
	assert.Equal(t, "system", e.ExecutedBy)
}

func TestAssertAllowedIsAuditedToo(t *testing.T) {
	m, audit := newTestManager(t)

	require.NoError(t, m.Assert(Medium, OpGitCommit, Context{
		WorkflowName: "feature-design",
		Target:       "HEAD",
		Metadata:     map[string]any{"files": 3},
	}))

	audit.Flush()
	entries, err := audit.Query(store.AuditQuery{WorkflowName: "feature-design"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Approved)
	assert.Equal(t, "success", entries[0].Outcome)
	assert.Contains(t, entries[0].Metadata, "files")
}

func TestEveryAssertWritesExactlyOneRow(t *testing.T) {
	m, audit := newTestManager(t)
	_ = m.Assert(ReadOnly, OpReadFile, Context{Target: "a"})
	_ = m.Assert(ReadOnly, OpGitPush, Context{Target: "b"})
	_ = m.Assert(High, OpGitPush, Context{Target: "c"})
	audit.Flush()

	entries, err := audit.Query(store.AuditQuery{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestFacades(t *testing.T) {
	m, _ := newTestManager(t)
	git := m.GitOps()
	files := m.FileOps()

	assert.True(t, git.CanRead(ReadOnly))
	assert.False(t, git.CanCommit(Low))
	assert.True(t, git.CanCommit(Medium))
	assert.False(t, git.CanPush(Medium))
	assert.True(t, git.CanPush(High))
	assert.True(t, files.CanRead(ReadOnly))
	assert.False(t, files.CanWrite(ReadOnly))
	assert.True(t, files.CanWrite(Low))

	require.Error(t, files.AssertWrite(ReadOnly, Context{Target: "x"}))
	require.NoError(t, git.AssertRead(ReadOnly, Context{Target: "y"}))
}
