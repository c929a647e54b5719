package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type entry[V any] struct {
	key      string
	value    V
	storedAt time.Time
	ttl      time.Duration
}

// Cache is a size-bounded LRU with per-entry expiry. The zero TTL means the
// entry never expires on its own.
type Cache[V any] struct {
	items      map[string]*list.Element
	evictList  *list.List
	mutex      sync.Mutex
	capacity   int
	defaultTTL time.Duration
	now        func() time.Time
	cancel     context.CancelFunc
}

var (
	hits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_recipient_cache_hits_total",
		Help: "Total number of recipient cache hits",
	})
	misses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_recipient_cache_misses_total",
		Help: "Total number of recipient cache misses",
	})
	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_recipient_cache_evictions_total",
		Help: "Entries dropped for capacity or expiry",
	})
	size = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_recipient_cache_size",
		Help: "Current size of the recipient cache",
	})
)

func New[V any](capacity int, defaultTTL time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache[V]{
		items:      make(map[string]*list.Element),
		evictList:  list.New(),
		capacity:   capacity,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// StartCleanup sweeps expired entries every interval until ctx ends or Stop
// is called.
func (c *Cache[V]) StartCleanup(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	c.mutex.Lock()
	c.cancel = cancel
	c.mutex.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.cleanupExpired()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var zero V
	element, exists := c.items[key]
	if !exists {
		misses.Inc()
		return zero, false
	}
	e := element.Value.(*entry[V])
	if c.expired(e) {
		c.evictElement(element)
		misses.Inc()
		return zero, false
	}
	c.evictList.MoveToFront(element)
	hits.Inc()
	return e.value, true
}

// Set stores value under key using the cache's default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if element, exists := c.items[key]; exists {
		c.evictList.MoveToFront(element)
		e := element.Value.(*entry[V])
		e.value = value
		e.storedAt = c.now()
		e.ttl = ttl
		return
	}

	element := c.evictList.PushFront(&entry[V]{key: key, value: value, storedAt: c.now(), ttl: ttl})
	c.items[key] = element
	size.Inc()

	if c.evictList.Len() > c.capacity {
		if oldest := c.evictList.Back(); oldest != nil {
			c.evictElement(oldest)
		}
	}
}

func (c *Cache[V]) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if element, exists := c.items[key]; exists {
		c.evictList.Remove(element)
		delete(c.items, key)
		size.Dec()
	}
}

func (c *Cache[V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	size.Sub(float64(c.evictList.Len()))
	c.items = make(map[string]*list.Element)
	c.evictList.Init()
}

func (c *Cache[V]) Stop() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Cache[V]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.evictList.Len()
}

func (c *Cache[V]) expired(e *entry[V]) bool {
	return e.ttl > 0 && c.now().Sub(e.storedAt) > e.ttl
}

func (c *Cache[V]) evictElement(element *list.Element) {
	c.evictList.Remove(element)
	delete(c.items, element.Value.(*entry[V]).key)
	size.Dec()
	evictions.Inc()
}

func (c *Cache[V]) cleanupExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, element := range c.items {
		if c.expired(element.Value.(*entry[V])) {
			c.evictElement(element)
		}
	}
}
