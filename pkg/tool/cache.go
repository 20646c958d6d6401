package tool

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// CacheInterceptor serves repeated invocations of the same tool with
// identical input from memory. Only successful results are cached;
// errors and short-circuited results are not. It sits near the inside
// of the chain so guardrails still apply to cached calls.
type CacheInterceptor struct {
	Base
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	output    map[string]any
	expiresAt time.Time
}

// NewCacheInterceptor creates a cache with the given TTL. A
// non-positive TTL disables expiry.
func NewCacheInterceptor(ttl time.Duration) *CacheInterceptor {
	return &CacheInterceptor{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Name implements Interceptor.
func (c *CacheInterceptor) Name() string { return "cache" }

// Order implements Interceptor.
func (c *CacheInterceptor) Order() int { return MaxOrder - 100 }

// BeforeExecute implements Interceptor. A hit short-circuits the call.
func (c *CacheInterceptor) BeforeExecute(ctx context.Context, inv *Invocation) (context.Context, *Result, error) {
	key, ok := cacheKey(inv)
	if !ok {
		return ctx, nil, nil
	}
	inv.SetMeta("cache.key", key)

	c.mu.Lock()
	entry, hit := c.entries[key]
	if hit && !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		hit = false
	}
	c.mu.Unlock()

	if !hit {
		return ctx, nil, nil
	}
	return ctx, &Result{Output: entry.output, Cached: true}, nil
}

// AfterExecute implements Interceptor. Fresh successes are written
// back; cached results are not re-stored.
func (c *CacheInterceptor) AfterExecute(ctx context.Context, inv *Invocation, result *Result) {
	if result.Cached {
		return
	}
	v, ok := inv.Meta("cache.key")
	if !ok {
		return
	}
	key := v.(string)

	entry := cacheEntry{output: result.Output}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Size returns the number of cached entries, including expired ones
// not yet evicted.
func (c *CacheInterceptor) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops all cached entries.
func (c *CacheInterceptor) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// cacheKey builds a canonical key from the tool name and input. Inputs
// that cannot be serialized are not cacheable.
func cacheKey(inv *Invocation) (string, bool) {
	var sb strings.Builder
	sb.WriteString(inv.Tool)
	sb.WriteByte('\x00')
	if err := writeCanonical(&sb, inv.Input); err != nil {
		return "", false
	}
	return sb.String(), true
}

// writeCanonical renders a value with sorted map keys so equal inputs
// always produce equal keys.
func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for _, k := range keys {
			sb.WriteString(k)
			sb.WriteByte('=')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
			sb.WriteByte(';')
		}
		sb.WriteByte('}')
		return nil
	case []any:
		sb.WriteByte('[')
		for _, item := range val {
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
			sb.WriteByte(',')
		}
		sb.WriteByte(']')
		return nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		sb.Write(raw)
		return nil
	}
}
