package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/errkind"
)

func newTestValidator(t *testing.T) (*Validator, string) {
	t.Helper()
	dir := t.TempDir()
	// Resolve through symlinks so expectations match validator output on
	// platforms where TempDir itself sits behind a symlink.
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	v, err := NewValidator(resolved)
	require.NoError(t, err)
	return v, resolved
}

func TestValidatePathAcceptsFileInRoot(t *testing.T) {
	v, dir := newTestValidator(t)
	target := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(target, []byte("package a\n"), 0o644))

	got, err := v.ValidatePath("a.go")
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	v, _ := newTestValidator(t)
	_, err := v.ValidatePath("../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

func TestValidatePathRejectsSymlinkEscape(t *testing.T) {
	v, dir := newTestValidator(t)
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o644))
	link := filepath.Join(dir, "link.txt")
	require.NoError(t, os.Symlink(secret, link))

	_, err := v.ValidatePath("link.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the project root")
}

func TestValidatePathRejectsMissingFile(t *testing.T) {
	v, _ := newTestValidator(t)
	_, err := v.ValidatePath("nope.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestValidatePathRejectsOversizeFile(t *testing.T) {
	v, dir := newTestValidator(t)
	big := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(big, []byte(strings.Repeat("a", 10*1024*1024+1)), 0o644))

	_, err := v.ValidatePath("big.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "byte limit")
}

func TestValidatePathsShortCircuits(t *testing.T) {
	v, dir := newTestValidator(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.txt"), []byte("x"), 0o644))

	_, err := v.ValidatePaths([]string{"ok.txt", "missing.txt", "also-missing.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.txt")
}

func TestValidateDir(t *testing.T) {
	v, dir := newTestValidator(t)
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	got, err := v.ValidateDir("sub")
	require.NoError(t, err)
	assert.Equal(t, sub, got)

	_, err = v.ValidateDir("/")
	require.Error(t, err)
}

func TestFileAndDirExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(file, []byte("package a\n"), 0o644))

	assert.True(t, FileExists(file))
	assert.False(t, FileExists(dir), "directories are not files")
	assert.False(t, FileExists(filepath.Join(dir, "missing.go")))

	assert.True(t, DirExists(dir))
	assert.False(t, DirExists(file))
	assert.False(t, DirExists(filepath.Join(dir, "missing")))
}
