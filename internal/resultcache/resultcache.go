// Package resultcache is an in-memory cache for single-query response
// bodies, keyed by query text and variables. Entry lifetime comes from
// the response's own cache metadata: the max-age sets the TTL, the tags
// drive invalidation, and uncacheable responses are never stored.
package resultcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/hanmaum/graphbatch/internal/cachemeta"
	"github.com/hanmaum/graphbatch/internal/eventbus"
	"github.com/hanmaum/graphbatch/internal/events"
)

type entry struct {
	key      string
	body     []byte
	md       cachemeta.Metadata
	storedAt time.Time
}

// Cache wraps a ristretto cache with a tag index for purging.
type Cache struct {
	c            *ristretto.Cache[string, entry]
	permanentTTL time.Duration
	now          func() time.Time

	mu    sync.Mutex
	byTag map[string]map[string]struct{}
}

// New creates a cache bounded to roughly maxBytes of stored bodies.
// permanentTTL caps how long a Permanent response may live; entries
// with a finite max-age expire after exactly that many seconds.
func New(maxBytes int64, permanentTTL time.Duration) (*Cache, error) {
	c := &Cache{permanentTTL: permanentTTL, now: time.Now, byTag: map[string]map[string]struct{}{}}
	rc, err := ristretto.NewCache(&ristretto.Config[string, entry]{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
		OnEvict:     c.onEvict,
	})
	if err != nil {
		return nil, err
	}
	c.c = rc
	return c, nil
}

// onEvict drops the evicted entry from the tag index. Ristretto hands
// back only the hashed key, so the entry carries its own string key.
func (c *Cache) onEvict(it *ristretto.Item[entry]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range it.Value.md.Tags() {
		keys := c.byTag[tag]
		delete(keys, it.Value.key)
		if len(keys) == 0 {
			delete(c.byTag, tag)
		}
	}
}

// Key derives the cache key for one operation. Variables are canonical
// because encoding/json sorts map keys.
func Key(query string, variables map[string]any) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	if len(variables) > 0 {
		vb, _ := json.Marshal(variables)
		h.Write(vb)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Store saves body under key for as long as md allows. Uncacheable
// metadata (max-age 0) is not stored. Store reports whether the entry
// was accepted.
func (c *Cache) Store(key string, body []byte, md cachemeta.Metadata) bool {
	var ttl time.Duration
	switch md.MaxAge() {
	case 0:
		return false
	case cachemeta.Permanent:
		ttl = c.permanentTTL
	default:
		ttl = time.Duration(md.MaxAge()) * time.Second
	}
	stored := append([]byte(nil), body...)
	e := entry{key: key, body: stored, md: md, storedAt: c.now()}
	if !c.c.SetWithTTL(key, e, int64(len(stored)), ttl) {
		return false
	}

	c.mu.Lock()
	for _, tag := range md.Tags() {
		keys, ok := c.byTag[tag]
		if !ok {
			keys = map[string]struct{}{}
			c.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
	c.mu.Unlock()
	return true
}

// Get returns the cached body and its metadata. A finite max-age is
// reduced by the entry's age, so replaying the headers never extends the
// response's lifetime past what the original max-age allowed. An entry
// whose remaining lifetime has run out is a miss.
func (c *Cache) Get(key string) ([]byte, cachemeta.Metadata, bool) {
	e, ok := c.c.Get(key)
	if !ok {
		return nil, cachemeta.New(), false
	}
	md := e.md
	if md.MaxAge() != cachemeta.Permanent {
		remaining := md.MaxAge() - int64(c.now().Sub(e.storedAt)/time.Second)
		if remaining <= 0 {
			c.c.Del(key)
			return nil, cachemeta.New(), false
		}
		md = md.WithMaxAge(remaining)
	}
	return e.body, md, true
}

// indexed reports whether tag currently maps to any keys.
func (c *Cache) indexed(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byTag[tag]) > 0
}

// Invalidate purges every entry carrying tag and reports how many keys
// were dropped.
func (c *Cache) Invalidate(ctx context.Context, tag string) int {
	c.mu.Lock()
	keys := c.byTag[tag]
	delete(c.byTag, tag)
	c.mu.Unlock()

	for key := range keys {
		c.c.Del(key)
	}
	eventbus.Publish(ctx, events.CacheInvalidate{Tag: tag, Entries: len(keys)})
	return len(keys)
}

// Wait blocks until pending writes are applied. Tests need this because
// ristretto admits entries asynchronously.
func (c *Cache) Wait() { c.c.Wait() }

// Close releases the underlying cache.
func (c *Cache) Close() { c.c.Close() }
