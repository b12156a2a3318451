package settings

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultPrefixCacheSize = 4096

// PrefixCache memoizes room prefixes between writes. Readers take a
// generation before querying and only store the result if no invalidation
// happened in between.
type PrefixCache struct {
	mu         sync.Mutex
	generation uint64
	entries    *lru.Cache[string, string]
}

func NewPrefixCache(size int) *PrefixCache {
	if size <= 0 {
		size = defaultPrefixCacheSize
	}
	entries, _ := lru.New[string, string](size)
	return &PrefixCache{entries: entries}
}

func (c *PrefixCache) Get(room string) (string, bool) { return c.entries.Get(room) }

// Generation is the token to pass to PutIfCurrent.
func (c *PrefixCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// PutIfCurrent stores prefix unless the cache was invalidated after gen was
// taken. It reports whether the value was stored.
func (c *PrefixCache) PutIfCurrent(room, prefix string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	c.entries.Add(room, prefix)
	return true
}

func (c *PrefixCache) Invalidate(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.entries.Remove(room)
}

func (c *PrefixCache) Len() int { return c.entries.Len() }
