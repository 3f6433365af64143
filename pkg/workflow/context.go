// Package workflow implements the orchestration layer: a per-run scoped
// context with checkpoint and rollback, a contextual executor that owns the
// context lifecycle, a result cache, and the fixed library of workflows
// composed from backend dispatches.
package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/logger"
)

var contextLog = logger.New("workflow:context")

// Context is the scratch memory owned by exactly one workflow run. It holds
// scalar data, ordered arrays, and integer counters, plus named checkpoints
// that snapshot all three. It is never shared across runs; fan-out branches
// should return results and let the awaiting parent merge them in.
type Context struct {
	WorkflowID   string
	WorkflowName string
	StartedAt    time.Time

	mu          sync.Mutex
	data        map[string]any
	arrays      map[string][]any
	counters    map[string]int64
	checkpoints map[string]snapshot
}

type snapshot struct {
	data     map[string]any
	arrays   map[string][]any
	counters map[string]int64
}

// NewContext returns an empty context for one workflow run.
func NewContext(workflowID, workflowName string) *Context {
	return &Context{
		WorkflowID:   workflowID,
		WorkflowName: workflowName,
		StartedAt:    time.Now(),
		data:         make(map[string]any),
		arrays:       make(map[string][]any),
		counters:     make(map[string]int64),
		checkpoints:  make(map[string]snapshot),
	}
}

// Set stores a scalar or object value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Get returns the value for key and whether it exists.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// GetString returns the value for key as a string, or "" when absent or not
// a string.
func (c *Context) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Has reports whether key is present in the data map.
func (c *Context) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// Delete removes key from the data map.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Keys lists the data keys in sorted order.
func (c *Context) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Append adds a value to the named array, preserving insertion order. No
// deduplication is applied.
func (c *Context) Append(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arrays[key] = append(c.arrays[key], value)
}

// GetAll returns a copy of the named array, nil when absent.
func (c *Context) GetAll(key string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	arr, ok := c.arrays[key]
	if !ok {
		return nil
	}
	return append([]any(nil), arr...)
}

// ClearArray removes the named array entirely.
func (c *Context) ClearArray(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.arrays, key)
}

// Increment adds delta to the named counter and returns the new value.
func (c *Context) Increment(key string, delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key] += delta
	return c.counters[key]
}

// Decrement subtracts delta from the named counter and returns the new value.
func (c *Context) Decrement(key string, delta int64) int64 {
	return c.Increment(key, -delta)
}

// GetCounter returns the named counter, zero when never touched.
func (c *Context) GetCounter(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[key]
}

// ResetCounter removes the named counter.
func (c *Context) ResetCounter(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, key)
}

// Merge folds the fields of value into the object stored at key, creating it
// when absent. Merging onto an existing non-object value is an error.
func (c *Context) Merge(key string, value map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.data[key]
	if !ok {
		c.data[key] = deepCopyMap(value)
		return nil
	}
	obj, ok := existing.(map[string]any)
	if !ok {
		return errkind.New(errkind.Validation,
			"cannot merge into %q: existing value is %T, not an object", key, existing)
	}
	for k, v := range value {
		obj[k] = deepCopyValue(v)
	}
	return nil
}

// Checkpoint captures a deep copy of data, arrays, and counters under name.
// Checkpoints themselves are not part of the snapshot. An existing checkpoint
// with the same name is overwritten.
func (c *Context) Checkpoint(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints[name] = snapshot{
		data:     deepCopyMap(c.data),
		arrays:   deepCopyArrays(c.arrays),
		counters: copyCounters(c.counters),
	}
	contextLog.Printf("Checkpoint %q captured for workflow %s", name, c.WorkflowName)
}

// Rollback restores data, arrays, and counters to the named checkpoint,
// discarding every intervening change. An unknown name returns false and
// leaves the context untouched.
func (c *Context) Rollback(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.checkpoints[name]
	if !ok {
		return false
	}
	c.data = deepCopyMap(snap.data)
	c.arrays = deepCopyArrays(snap.arrays)
	c.counters = copyCounters(snap.counters)
	contextLog.Printf("Rolled back workflow %s to checkpoint %q", c.WorkflowName, name)
	return true
}

// DeleteCheckpoint discards the named checkpoint.
func (c *Context) DeleteCheckpoint(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checkpoints, name)
}

type contextExport struct {
	WorkflowID   string           `json:"workflow_id"`
	WorkflowName string           `json:"workflow_name"`
	StartedAt    int64            `json:"started_at"`
	Data         map[string]any   `json:"data"`
	Arrays       map[string][]any `json:"arrays"`
	Counters     map[string]int64 `json:"counters"`
}

// Export serializes identity, data, arrays, and counters to JSON. Checkpoints
// do not survive the round trip.
func (c *Context) Export() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(contextExport{
		WorkflowID:   c.WorkflowID,
		WorkflowName: c.WorkflowName,
		StartedAt:    c.StartedAt.UnixMilli(),
		Data:         c.data,
		Arrays:       c.arrays,
		Counters:     c.counters,
	})
}

// Import reconstructs a context from an Export payload. The result carries no
// checkpoints.
func Import(data []byte) (*Context, error) {
	var payload contextExport
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "invalid context payload")
	}
	c := NewContext(payload.WorkflowID, payload.WorkflowName)
	if payload.StartedAt > 0 {
		c.StartedAt = time.UnixMilli(payload.StartedAt)
	}
	for k, v := range payload.Data {
		c.data[k] = v
	}
	for k, v := range payload.Arrays {
		c.arrays[k] = v
	}
	for k, v := range payload.Counters {
		c.counters[k] = v
	}
	return c, nil
}

// Summary describes the context population in one line.
func (c *Context) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("workflow=%s id=%s data=%d arrays=%d counters=%d checkpoints=%d",
		c.WorkflowName, c.WorkflowID, len(c.data), len(c.arrays), len(c.counters), len(c.checkpoints))
}

// Clear empties every map, including checkpoints. Called by the contextual
// executor when the run ends.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]any)
	c.arrays = make(map[string][]any)
	c.counters = make(map[string]int64)
	c.checkpoints = make(map[string]snapshot)
}

// Size returns the total number of entries across data, arrays, and counters.
func (c *Context) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.data) + len(c.counters)
	for _, arr := range c.arrays {
		n += len(arr)
	}
	return n
}

// deepCopyValue copies maps and slices recursively; scalars and other types
// are returned as-is.
func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyArrays(m map[string][]any) map[string][]any {
	out := make(map[string][]any, len(m))
	for k, arr := range m {
		copied := make([]any, len(arr))
		for i, v := range arr {
			copied[i] = deepCopyValue(v)
		}
		out[k] = copied
	}
	return out
}

func copyCounters(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
