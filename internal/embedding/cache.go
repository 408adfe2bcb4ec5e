package embedding

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"memoryengine/internal/logging"
)

// DefaultCacheSize bounds the process-wide embedding cache.
const DefaultCacheSize = 5000

// Cache is a bounded, content-hash-keyed LRU in front of an EmbeddingEngine.
// Exactly one exists per process, owned by the engine handle. Repeated
// queries for the same text skip the embedder call entirely.
type Cache struct {
	mu      sync.Mutex
	inner   EmbeddingEngine
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	max     int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key string
	vec []float32
}

// NewCache wraps inner with an LRU of at most max entries (DefaultCacheSize
// if max <= 0). inner may be nil; Embed then fails the same way a nil engine
// would, and callers degrade per the embedder contract.
func NewCache(inner EmbeddingEngine, max int) *Cache {
	if max <= 0 {
		max = DefaultCacheSize
	}
	return &Cache{
		inner:   inner,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		max:     max,
	}
}

func hashKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the cached vector for text, or calls the inner engine and
// caches the result. Failures are never cached.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashKey(text)

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		c.hits++
		vec := el.Value.(*cacheEntry).vec
		c.mu.Unlock()
		return vec, nil
	}
	c.misses++
	c.mu.Unlock()

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		// Lost a race with a concurrent Embed of the same text.
		c.order.MoveToFront(el)
	} else {
		c.entries[key] = c.order.PushFront(&cacheEntry{key: key, vec: vec})
		for c.order.Len() > c.max {
			oldest := c.order.Back()
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	c.mu.Unlock()
	return vec, nil
}

// EmbedBatch embeds each text through the cache.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (c *Cache) Dimensions() int { return c.inner.Dimensions() }
func (c *Cache) Name() string    { return c.inner.Name() + "+cache" }

// Stats reports (hits, misses, size) for observability.
func (c *Cache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.order.Len()
}

// LogStats emits a one-line cache summary at debug level.
func (c *Cache) LogStats() {
	hits, misses, size := c.Stats()
	logging.EmbeddingDebug("embedding cache: hits=%d misses=%d size=%d", hits, misses, size)
}
