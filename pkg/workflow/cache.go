package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/coderelay/relay/pkg/constants"
	"github.com/coderelay/relay/pkg/logger"
)

var cacheLog = logger.New("workflow:cache")

// resultCache memoizes workflow results for a bounded TTL. Keys hash the
// workflow name, its parameters, and a fingerprint of the analyzed content,
// so any edit to an input file misses the cache.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = constants.WorkflowCacheTTL
	}
	return &resultCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// cacheKey derives a stable key from the workflow name, its parameters, and
// the content fingerprint. Parameter order does not matter.
func cacheKey(workflow string, params map[string]any, contentFingerprint string) string {
	h := sha256.New()
	h.Write([]byte(workflow))
	h.Write([]byte{0})

	keys := make([]string, 0, len(params))
	for k := range params {
		if k == constants.ContextParamKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		if encoded, err := json.Marshal(params[k]); err == nil {
			h.Write(encoded)
		}
		h.Write([]byte{0})
	}

	h.Write([]byte(contentFingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// get returns a copy of the cached result when present and fresh.
func (c *resultCache) get(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	result := entry.result
	if entry.result.Metadata != nil {
		result.Metadata = make(map[string]any, len(entry.result.Metadata))
		for k, v := range entry.result.Metadata {
			result.Metadata[k] = v
		}
	}
	cacheLog.Printf("Cache hit for key %s", key[:12])
	return &result, true
}

// put stores a result under key for the cache TTL.
func (c *resultCache) put(key string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: result, expires: c.now().Add(c.ttl)}
}
