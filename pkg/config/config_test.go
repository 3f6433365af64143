package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults("/tmp/project")
	assert.Equal(t, "/tmp/project", cfg.ProjectRoot)
	assert.Equal(t, filepath.Join("/tmp/project", ".relay"), cfg.DataDir)
	assert.Equal(t, "claude", cfg.PrimaryBackend)
	assert.Equal(t, "gemini", cfg.FallbackBackend)
	assert.False(t, cfg.AllowAutoApproveInProd)
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	yml := "primary_backend: codex\nfallback_backend: droid\ncache_disabled: true\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.yml"), []byte(yml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "codex", cfg.PrimaryBackend)
	assert.Equal(t, "droid", cfg.FallbackBackend)
	assert.True(t, cfg.CacheDisabled)
	assert.Equal(t, dir, cfg.ProjectRoot)
}

func TestEnvBeatsYAML(t *testing.T) {
	dir := t.TempDir()
	yml := "primary_backend: codex\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.yml"), []byte(yml), 0o644))
	t.Setenv("RELAY_PRIMARY_BACKEND", "gemini")
	t.Setenv("RELAY_ALLOW_AUTO_APPROVE", "true")
	t.Setenv("RELAY_AUDIT_RETENTION_DAYS", "30")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.PrimaryBackend)
	assert.True(t, cfg.AllowAutoApproveInProd)
	assert.Equal(t, 30, cfg.AuditRetentionDays)
}

func TestRelativeDataDirResolvesUnderRoot(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RELAY_DATA_DIR", "state")
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.DataDir)
}
