// Package logger provides scoped debug loggers in the DEBUG-pattern style.
//
// Every file that wants logging declares a package-level scoped logger:
//
//	var gitLog = logger.New("gitops:git")
//
// Output is controlled by the RELAY_DEBUG environment variable, a comma-separated
// list of scope patterns where a trailing '*' matches any suffix (for example
// RELAY_DEBUG=mcp:* enables all mcp scopes). Enabled scopes echo to stderr;
// stdout is never written to because it carries the MCP stdio framing.
//
// Independently of RELAY_DEBUG, once Configure has been called every line is
// appended to a per-category rotating file under <dataDir>/logs. The category
// is the scope segment before the first colon, mapped onto one of the fixed
// log files (workflow, backend, permission, git, errors, debug).
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log file categories. Scopes route to these by their first segment.
const (
	CategoryWorkflow   = "workflow"
	CategoryBackend    = "backend"
	CategoryPermission = "permission"
	CategoryGit        = "git"
	CategoryErrors     = "errors"
	CategoryDebug      = "debug"
)

const (
	maxLogFileMB    = 10
	maxLogFileCount = 5
)

var categoryAliases = map[string]string{
	"workflow":   CategoryWorkflow,
	"backend":    CategoryBackend,
	"executor":   CategoryBackend,
	"breaker":    CategoryBackend,
	"runner":     CategoryBackend,
	"permission": CategoryPermission,
	"audit":      CategoryPermission,
	"gitops":     CategoryGit,
}

type sinks struct {
	mu      sync.Mutex
	files   map[string]*lumberjack.Logger
	dir     string
	stderr  bool
	enabled func(scope string) bool
}

var global = &sinks{
	files:   make(map[string]*lumberjack.Logger),
	enabled: compilePatterns(os.Getenv("RELAY_DEBUG")),
	stderr:  true,
}

// Configure points the file sinks at dataDir/logs and sets whether enabled
// scopes echo to stderr. It is safe to call more than once; later calls win.
func Configure(dataDir string, echoStderr bool) error {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	for _, f := range global.files {
		_ = f.Close()
	}
	global.files = make(map[string]*lumberjack.Logger)
	global.dir = logDir
	global.stderr = echoStderr
	return nil
}

// SetDebugPattern overrides the RELAY_DEBUG pattern at runtime (tests, flags).
func SetDebugPattern(pattern string) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.enabled = compilePatterns(pattern)
}

func compilePatterns(spec string) func(string) bool {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return func(string) bool { return false }
	}
	if spec == "*" || spec == "1" || spec == "true" {
		return func(string) bool { return true }
	}
	patterns := strings.Split(spec, ",")
	return func(scope string) bool {
		for _, p := range patterns {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if prefix, ok := strings.CutSuffix(p, "*"); ok {
				if strings.HasPrefix(scope, prefix) {
					return true
				}
			} else if p == scope {
				return true
			}
		}
		return false
	}
}

func (s *sinks) fileFor(category string) *lumberjack.Logger {
	if s.dir == "" {
		return nil
	}
	f, ok := s.files[category]
	if !ok {
		f = &lumberjack.Logger{
			Filename:   filepath.Join(s.dir, category+".log"),
			MaxSize:    maxLogFileMB,
			MaxBackups: maxLogFileCount,
		}
		s.files[category] = f
	}
	return f
}

func (s *sinks) write(scope, category, line string) {
	stamped := fmt.Sprintf("%s [%s] %s\n", time.Now().UTC().Format(time.RFC3339), scope, line)
	s.mu.Lock()
	defer s.mu.Unlock()
	if f := s.fileFor(category); f != nil {
		_, _ = f.Write([]byte(stamped))
	}
	if category != CategoryErrors {
		if f := s.fileFor(CategoryDebug); f != nil && category != CategoryDebug {
			_, _ = f.Write([]byte(stamped))
		}
	}
	if s.stderr && s.enabled(scope) {
		_, _ = os.Stderr.WriteString(stamped)
	}
}

// Logger is a scoped logger. The zero value is unusable; use New.
type Logger struct {
	scope    string
	category string
}

// New returns a logger for the given scope, typically "package:file".
func New(scope string) *Logger {
	category := scope
	if i := strings.IndexByte(scope, ':'); i >= 0 {
		category = scope[:i]
	}
	if mapped, ok := categoryAliases[category]; ok {
		category = mapped
	} else {
		category = CategoryDebug
	}
	return &Logger{scope: scope, category: category}
}

// Print logs its arguments in the manner of fmt.Sprint.
func (l *Logger) Print(args ...any) {
	global.write(l.scope, l.category, fmt.Sprint(args...))
}

// Printf logs a formatted message.
func (l *Logger) Printf(format string, args ...any) {
	global.write(l.scope, l.category, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message and mirrors it to the errors category so
// failures are findable without RELAY_DEBUG enabled.
func (l *Logger) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	global.write(l.scope, l.category, msg)
	global.write(l.scope, CategoryErrors, msg)
}

// Warnf logs a formatted message prefixed as a warning.
func (l *Logger) Warnf(format string, args ...any) {
	global.write(l.scope, l.category, "warning: "+fmt.Sprintf(format, args...))
}

// Enabled reports whether this logger's scope matches the debug pattern.
func (l *Logger) Enabled() bool {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.enabled(l.scope)
}
