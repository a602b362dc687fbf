package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/utils/clock"
)

// Stats 缓存统计
type Stats struct {
	Name        string  `json:"name"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"maxSize"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	HitRate     float64 `json:"hitRate"`
}

type entry[V any] struct {
	value      V
	lastAccess time.Time
}

// Cache 带容量上限与空闲TTL的LRU缓存
//
// 容量溢出时淘汰最久未访问的条目；ttl > 0 时，空闲超过ttl的条目在读取或Cleanup时移除。
type Cache[K comparable, V any] struct {
	name  string
	ttl   time.Duration
	clock clock.PassiveClock

	mu          sync.Mutex
	lru         *lru.Cache[K, *entry[V]]
	maxSize     int
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// New 创建缓存实例，clk 为 nil 时使用真实时钟
func New[K comparable, V any](name string, maxSize int, ttl time.Duration, clk clock.PassiveClock) (*Cache[K, V], error) {
	l, err := lru.New[K, *entry[V]](maxSize)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", name, err)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Cache[K, V]{
		name:    name,
		ttl:     ttl,
		clock:   clk,
		lru:     l,
		maxSize: maxSize,
	}, nil
}

// Get 读取并刷新访问时间
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return zero, false
	}
	now := c.clock.Now()
	if c.idle(e, now) {
		c.lru.Remove(key)
		c.expirations++
		c.misses++
		return zero, false
	}
	e.lastAccess = now
	c.hits++
	return e.value, true
}

// Set 写入，返回是否因此淘汰了其他条目
func (c *Cache[K, V]) Set(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(key, value)
}

func (c *Cache[K, V]) setLocked(key K, value V) bool {
	now := c.clock.Now()
	if e, ok := c.lru.Get(key); ok {
		e.value = value
		e.lastAccess = now
		return false
	}
	evicted := c.lru.Add(key, &entry[V]{value: value, lastAccess: now})
	if evicted {
		c.evictions++
	}
	return evicted
}

// Compute 在锁内完成读-改-写，fn 收到当前值（不存在或已过期时 ok=false）
func (c *Cache[K, V]) Compute(key K, fn func(current V, ok bool) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	var current V
	e, ok := c.lru.Peek(key)
	if ok && c.idle(e, c.clock.Now()) {
		c.lru.Remove(key)
		c.expirations++
		ok = false
	}
	if ok {
		current = e.value
	}
	next := fn(current, ok)
	c.setLocked(key, next)
	return next
}

// Has 判断是否存在，不影响LRU顺序
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	if c.idle(e, c.clock.Now()) {
		c.lru.Remove(key)
		c.expirations++
		return false
	}
	return true
}

// Peek 读取但不刷新访问时间
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Peek(key)
	if !ok || c.idle(e, c.clock.Now()) {
		return zero, false
	}
	return e.value, true
}

// Delete 删除条目
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Cleanup 移除所有空闲超时的条目，返回移除数量
func (c *Cache[K, V]) Cleanup() int {
	if c.ttl <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && c.idle(e, now) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.expirations += uint64(removed)
	return removed
}

// Resize 调整容量，缩容时按LRU顺序淘汰
func (c *Cache[K, V]) Resize(maxSize int) (int, error) {
	if maxSize <= 0 {
		return 0, fmt.Errorf("cache %s: size must be positive, got %d", c.name, maxSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := c.lru.Resize(maxSize)
	c.maxSize = maxSize
	c.evictions += uint64(evicted)
	return evicted, nil
}

// Range 按从旧到新的顺序遍历，不刷新访问时间；fn 返回 false 时停止
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	now := c.clock.Now()
	type kv struct {
		k K
		v V
	}
	items := make([]kv, 0, c.lru.Len())
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && !c.idle(e, now) {
			items = append(items, kv{key, e.value})
		}
	}
	c.mu.Unlock()

	for _, it := range items {
		if !fn(it.k, it.v) {
			return
		}
	}
}

// Len 当前条目数
func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// Purge 清空
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Stats 获取统计信息
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Name:        c.name,
		Size:        c.lru.Len(),
		MaxSize:     c.maxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache[K, V]) idle(e *entry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.lastAccess) > c.ttl
}
