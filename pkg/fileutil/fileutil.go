// Package fileutil validates file paths against the project root before any
// attachment is read or passed to a provider.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coderelay/relay/pkg/constants"
	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/logger"
)

var fileLog = logger.New("runner:fileutil")

// Validator checks candidate paths against a fixed project root. Paths that
// escape the root (directly or through symlinks), contain traversal segments,
// do not exist, or exceed the attachment size cap are rejected.
type Validator struct {
	root string
}

// NewValidator returns a validator rooted at projectRoot. The root itself is
// resolved through symlinks once so later containment checks compare resolved
// paths on both sides.
func NewValidator(projectRoot string) (*Validator, error) {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("project root does not exist: %w", err)
	}
	return &Validator{root: resolved}, nil
}

// Root returns the resolved project root.
func (v *Validator) Root() string { return v.root }

// ValidatePath validates one candidate path and returns its resolved absolute
// form. Relative candidates are interpreted against the project root.
func (v *Validator) ValidatePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errkind.New(errkind.Validation, "path cannot be empty")
	}
	// Traversal segments are rejected before any resolution so a symlink
	// cannot launder them.
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return "", errkind.New(errkind.Validation, "path %q contains a traversal segment", path)
		}
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(v.root, candidate)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errkind.New(errkind.Validation, "file does not exist: %s", path)
		}
		return "", errkind.Wrap(errkind.Validation, err, "failed to resolve %s", path)
	}
	if !v.Contains(resolved) {
		fileLog.Printf("Rejected path outside project root: %s -> %s", path, resolved)
		return "", errkind.New(errkind.Validation, "path %q resolves outside the project root", path)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", errkind.Wrap(errkind.Validation, err, "failed to stat %s", path)
	}
	if info.IsDir() {
		return "", errkind.New(errkind.Validation, "path %q is a directory, expected a file", path)
	}
	if info.Size() > constants.MaxAttachmentBytes {
		return "", errkind.New(errkind.Validation, "file %s is %d bytes, over the %d byte limit",
			path, info.Size(), constants.MaxAttachmentBytes)
	}
	return resolved, nil
}

// ValidatePaths validates each entry, short-circuiting on the first failure.
// On success it returns the resolved absolute paths in input order.
func (v *Validator) ValidatePaths(paths []string) ([]string, error) {
	resolved := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := v.ValidatePath(p)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, abs)
	}
	return resolved, nil
}

// ValidateDir validates that dir resolves to a directory inside the project
// root and returns its resolved form. Used for caller-supplied working
// directories.
func (v *Validator) ValidateDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return v.root, nil
	}
	candidate := dir
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(v.root, candidate)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", errkind.Wrap(errkind.Validation, err, "working directory %s", dir)
	}
	if !v.Contains(resolved) {
		return "", errkind.New(errkind.Validation, "working directory %q is outside the project root", dir)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", errkind.New(errkind.Validation, "working directory %q is not a directory", dir)
	}
	return resolved, nil
}

// Contains reports whether the resolved path sits at or under the root.
func (v *Validator) Contains(resolved string) bool {
	rel, err := filepath.Rel(v.root, resolved)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

// FileExists checks if a file exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// CountLines returns the number of newline-terminated lines in the file.
// Used for token-savings file classification; errors report zero lines.
func CountLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return strings.Count(string(data), "\n")
}
