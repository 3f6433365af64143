// Package backend defines the provider adapters. Each adapter pins one CLI
// binary, declares its capability record, builds argv for a dispatch, and
// parses the binary's stdout back into canonical text. Registration happens
// once at startup; lookups are read-only afterwards.
package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coderelay/relay/pkg/logger"
	"github.com/coderelay/relay/pkg/permission"
)

var backendLog = logger.New("backend:registry")

// FileMode describes how a backend accepts file attachments.
type FileMode string

const (
	// FileModeCLIFlag passes one path flag per file on the argv.
	FileModeCLIFlag FileMode = "cli-flag"
	// FileModeEmbed inlines files into the prompt under a bracketed header.
	FileModeEmbed FileMode = "embed-in-prompt"
	// FileModeNone does not support files; dispatches are downgraded to
	// embed-in-prompt with a warning.
	FileModeNone FileMode = "none"
)

// Capabilities is a backend's static capability record.
type Capabilities struct {
	SupportsFiles      bool
	SupportsStreaming  bool
	SupportsSandbox    bool
	SupportsJSONOutput bool
	FileMode           FileMode
}

// Operation kinds probed via SupportsOperation.
const (
	OpSessionRestore = "session-restore"
	OpSandbox        = "sandbox"
	OpStreaming      = "streaming"
)

// BuildOptions carries everything an adapter needs to assemble argv. Files
// are already validated absolute paths; for embed-mode backends the executor
// has folded them into the prompt and left Files empty.
type BuildOptions struct {
	Prompt       string
	Files        []string
	OutputFormat string // text | json
	Sandbox      bool
	Autonomy     permission.Level
	AutoApprove  bool
	// AllowAutoApprove mirrors the production config gate. When false, any
	// native auto-approve knob is dropped with a warning.
	AllowAutoApprove bool
	SessionID        string
}

// Argv is a built invocation plus any warnings produced while building it.
type Argv struct {
	Binary   string
	Args     []string
	Warnings []string
}

// Backend is one provider adapter.
type Backend interface {
	// ID returns the backend tag (also the binary name).
	ID() string
	// DisplayName returns the human-readable provider name.
	DisplayName() string
	// Specialization tags the provider's strength, used to pick
	// complementary sets for parallel dispatch.
	Specialization() string
	// Capabilities returns the static capability record.
	Capabilities() Capabilities
	// BuildArgv assembles the invocation for the given options.
	BuildArgv(opts BuildOptions) Argv
	// ParseOutput converts raw provider stdout into canonical text.
	ParseOutput(raw string) string
	// SupportsOperation probes optional behaviours (session restore,
	// sandboxing, streaming).
	SupportsOperation(kind string) bool
}

// BaseBackend supplies defaults shared by all adapters.
type BaseBackend struct {
	id             string
	displayName    string
	specialization string
	caps           Capabilities
}

func (b *BaseBackend) ID() string                 { return b.id }
func (b *BaseBackend) DisplayName() string        { return b.displayName }
func (b *BaseBackend) Specialization() string     { return b.specialization }
func (b *BaseBackend) Capabilities() Capabilities { return b.caps }

func (b *BaseBackend) SupportsOperation(kind string) bool {
	switch kind {
	case OpSandbox:
		return b.caps.SupportsSandbox
	case OpStreaming:
		return b.caps.SupportsStreaming
	default:
		return false
	}
}

// ParseOutput defaults to the raw text unchanged.
func (b *BaseBackend) ParseOutput(raw string) string { return raw }

// Registry maps backend tags to adapters.
type Registry struct {
	backends map[string]Backend
}

var (
	globalRegistry *Registry
	registryOnce   sync.Once
)

// NewRegistry returns a registry with the built-in adapters registered.
func NewRegistry() *Registry {
	r := &Registry{backends: make(map[string]Backend)}
	r.Register(NewClaudeBackend())
	r.Register(NewCodexBackend())
	r.Register(NewGeminiBackend())
	r.Register(NewDroidBackend())
	backendLog.Printf("Registered %d backends", len(r.backends))
	return r
}

// Global returns the singleton registry.
func Global() *Registry {
	registryOnce.Do(func() { globalRegistry = NewRegistry() })
	return globalRegistry
}

// Register adds an adapter.
func (r *Registry) Register(b Backend) {
	backendLog.Printf("Registering backend: id=%s name=%s", b.ID(), b.DisplayName())
	r.backends[b.ID()] = b
}

// Get retrieves an adapter by tag.
func (r *Registry) Get(id string) (Backend, error) {
	b, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", id)
	}
	return b, nil
}

// IsValid reports whether the tag names a registered backend.
func (r *Registry) IsValid(id string) bool {
	_, ok := r.backends[id]
	return ok
}

// Tags returns the registered backend tags, sorted.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.backends))
	for id := range r.backends {
		tags = append(tags, id)
	}
	sort.Strings(tags)
	return tags
}

// All returns every registered adapter in tag order.
func (r *Registry) All() []Backend {
	all := make([]Backend, 0, len(r.backends))
	for _, tag := range r.Tags() {
		all = append(all, r.backends[tag])
	}
	return all
}
