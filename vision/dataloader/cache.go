package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
)

// CacheManager is an LRU cache of preprocessed images keyed by path. Only deterministic
// preprocessing output may be cached.
type CacheManager struct {
	mu       sync.Mutex
	maxItems int
	lru      *list.List
	items    map[string]*list.Element
	bytes    int64

	hits   int64
	misses int64
}

type cacheEntry struct {
	key  string
	data []float32
}

// NewCacheManager creates a new cache holding at most maxItems images.
func NewCacheManager(maxItems int) *CacheManager {
	return &CacheManager{
		maxItems: maxItems,
		lru:      list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached data for key. Callers must not modify it.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.items[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).data, true
	}
	cm.misses++
	return nil, false
}

// Put stores data under key, evicting the least recently used entries beyond capacity.
func (cm *CacheManager) Put(key string, data []float32) {
	if cm.maxItems <= 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.items[key]; ok {
		cm.lru.MoveToFront(elem)
		return
	}
	cm.items[key] = cm.lru.PushFront(&cacheEntry{key: key, data: data})
	cm.bytes += int64(4 * len(data))

	for cm.lru.Len() > cm.maxItems {
		oldest := cm.lru.Back()
		entry := cm.lru.Remove(oldest).(*cacheEntry)
		delete(cm.items, entry.key)
		cm.bytes -= int64(4 * len(entry.data))
	}
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxItems,
		Bytes:   cm.bytes,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Bytes   int64
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("cache: %d/%d images (%s), hits %d, misses %d, hit rate %.1f%%",
		cs.Size, cs.MaxSize, humanize.Bytes(uint64(cs.Bytes)), cs.Hits, cs.Misses, cs.HitRate)
}
