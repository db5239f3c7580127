// Package cache memoises capability results keyed by a stable fingerprint of
// the capability name and the canonical serialization of its input.
package cache

import (
	"container/list"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
)

// entry is one cached result.
type entry struct {
	fn        string
	key       string
	value     any
	expiresAt time.Time
	hits      int64
	elem      *list.Element
}

// Cache is a bounded TTL result cache. Eviction is oldest-first when the
// bound is exceeded.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	suffix  string
	rules   map[string]time.Duration
	now     func() time.Time

	hitCount  int64
	missCount int64
}

// New creates a Cache. suffix marks cacheable names (".Cached"); rules map
// capability names to per-capability TTL overrides.
func New(ttl time.Duration, maxSize int, suffix string, rules map[string]time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		suffix:  suffix,
		rules:   rules,
		now:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.now = clock
	return c
}

// IsCacheable reports whether results for this name are cached: either the
// name carries the configured suffix or an explicit per-capability rule
// exists.
func (c *Cache) IsCacheable(name string) bool {
	if c.suffix != "" && strings.HasSuffix(name, c.suffix) {
		return true
	}
	_, ok := c.rules[name]
	return ok
}

// Fingerprint returns the stable content hash of (name, canonical input).
func Fingerprint(name string, input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns the cached value for (name, input) when present and
// non-expired.
func (c *Cache) Get(name string, input any) (any, bool) {
	key, err := Fingerprint(name, input)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.missCount++
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.removeLocked(e)
		c.missCount++
		return nil, false
	}
	e.hits++
	c.hitCount++
	return e.value, true
}

// Set stores a result, evicting the oldest entry when the bound is hit.
func (c *Cache) Set(name string, input any, value any) {
	key, err := Fingerprint(name, input)
	if err != nil {
		return
	}

	ttl := c.ttl
	if override, ok := c.rules[name]; ok && override > 0 {
		ttl = override
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
	for len(c.entries) >= c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
	}

	e := &entry{fn: name, key: key, value: value, expiresAt: c.now().Add(ttl)}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
}

// Invalidate drops a single (name, input) entry.
func (c *Cache) Invalidate(name string, input any) {
	key, err := Fingerprint(name, input)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// InvalidateFn drops every entry whose capability name matches name exactly
// or by "Ns." prefix.
func (c *Cache) InvalidateFn(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.collectLocked(func(e *entry) bool {
		return e.fn == name || strings.HasPrefix(e.fn, name+".")
	}) {
		c.removeLocked(e)
	}
}

// InvalidatePattern drops every entry whose capability name matches the
// regular expression.
func (c *Cache) InvalidatePattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.collectLocked(func(e *entry) bool {
		return re.MatchString(e.fn)
	}) {
		c.removeLocked(e)
	}
	return nil
}

// Stats reports lifetime hit and miss counts.
func (c *Cache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hitCount, c.missCount, len(c.entries)
}

func (c *Cache) collectLocked(match func(*entry) bool) []*entry {
	var out []*entry
	for _, e := range c.entries {
		if match(e) {
			out = append(out, e)
		}
	}
	return out
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.order.Remove(e.elem)
}
