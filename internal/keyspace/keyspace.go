// Package keyspace maps caller keys onto the namespaced backing-store keyspace.
//
// Cached values and lock records live under disjoint sub-namespaces of the
// configured prefix, so a cache key can never collide with a lock resource:
//
//	<prefix>c:<key>       cached values
//	<prefix>l:<resource>  lock records
package keyspace

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

const (
	cacheSegment = "c:"
	lockSegment  = "l:"

	// maxCompiledPatterns bounds the glob cache.
	maxCompiledPatterns = 256
)

// ErrInvalidKey is returned for empty or oversized keys.
var ErrInvalidKey = errors.New("invalid cache key")

// Codec normalises caller keys into the namespaced keyspace.
type Codec struct {
	prefix       string
	maxKeyLength int

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

// NewCodec creates a codec. A maxKeyLength of zero disables the length check.
func NewCodec(prefix string, maxKeyLength int) *Codec {
	return &Codec{
		prefix:       prefix,
		maxKeyLength: maxKeyLength,
		compiled:     make(map[string]*regexp.Regexp),
	}
}

// Prefix returns the root prefix shared by every namespace.
func (c *Codec) Prefix() string {
	return c.prefix
}

// Validate checks a caller key.
func (c *Codec) Validate(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if c.maxKeyLength > 0 && len(key) > c.maxKeyLength {
		return fmt.Errorf("%w: length %d exceeds %d", ErrInvalidKey, len(key), c.maxKeyLength)
	}
	return nil
}

// CacheKey returns the backing-store key for a cached value.
func (c *Codec) CacheKey(key string) string {
	return c.prefix + cacheSegment + key
}

// LockKey returns the backing-store key for a lock record.
func (c *Codec) LockKey(resource string) string {
	return c.prefix + lockSegment + resource
}

// CacheNamespace returns the prefix shared by all cached values.
func (c *Codec) CacheNamespace() string {
	return c.prefix + cacheSegment
}

// DecodeCacheKey strips the cache namespace from a backing-store key.
func (c *Codec) DecodeCacheKey(storeKey string) (string, bool) {
	ns := c.CacheNamespace()
	if !strings.HasPrefix(storeKey, ns) {
		return "", false
	}
	return storeKey[len(ns):], true
}

// Glob returns the anchored matcher for a glob pattern, compiling it on
// first use. '*' matches any run of characters, '?' exactly one.
func (c *Codec) Glob(pattern string) *regexp.Regexp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.compiled[pattern]; ok {
		return re
	}
	re := CompileGlob(pattern)
	if len(c.compiled) >= maxCompiledPatterns {
		c.compiled = make(map[string]*regexp.Regexp)
	}
	c.compiled[pattern] = re
	return re
}

// CompileGlob translates a glob into an anchored regular expression.
// Every other character is matched literally.
func CompileGlob(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.Grow(len(pattern) + 8)
	b.WriteString(`^`)
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(`(?s:.*)`)
		case '?':
			b.WriteString(`(?s:.)`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)
	return regexp.MustCompile(b.String())
}

// ScanPattern converts a glob into a Redis SCAN MATCH pattern restricted to
// the cache namespace. Redis glob syntax is a superset, so characters with
// special meaning to Redis ([, ], \) are escaped.
func (c *Codec) ScanPattern(glob string) string {
	var b strings.Builder
	b.WriteString(escapeRedisGlob(c.CacheNamespace()))
	for _, r := range glob {
		switch r {
		case '*', '?':
			b.WriteRune(r)
		case '[', ']', '\\':
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func escapeRedisGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
