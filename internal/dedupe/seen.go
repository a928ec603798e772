// ABOUTME: TTL and size bounded seen-set for suppressing duplicate events
// ABOUTME: Mailbox watchers mark announced mail here and release keys as mail leaves

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Options configures a Cache. Zero values fall back to defaults.
type Options struct {
	TTL             time.Duration // how long a key stays seen (default 10m)
	MaxSize         int           // entries kept before the oldest is evicted (default 10000)
	CleanupInterval time.Duration // sweep period for expired keys (default 1m)
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 10 * time.Minute
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 10000
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Minute
	}
	return o
}

type entry struct {
	key    string
	marked time.Time
}

// Cache remembers keys for a bounded time. Keys are kept in mark order in a
// linked list so both expiry sweeps and capacity eviction start at the front.
type Cache struct {
	mu    sync.Mutex
	index map[string]*list.Element
	order *list.List
	opts  Options
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New(opts Options) *Cache {
	c := &Cache{
		index: make(map[string]*list.Element),
		order: list.New(),
		opts:  opts.withDefaults(),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether key was marked within the TTL, and marks it if it was not.
// The check and the mark happen under one lock.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.marked) < c.opts.TTL {
			return true
		}
		c.order.Remove(el)
		delete(c.index, key)
	}

	for len(c.index) >= c.opts.MaxSize {
		c.removeFront()
	}
	c.index[key] = c.order.PushBack(&entry{key: key, marked: now})
	return false
}

// contains reports whether key is currently seen without marking it.
func (c *Cache) contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry).marked) < c.opts.TTL
}

// Forget drops key so the next Seen reports it as new.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.order.Remove(el)
		delete(c.index, key)
	}
}

// Len returns the number of keys held, including ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep drops expired keys. Marks only ever append, so it stops at the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).marked) < c.opts.TTL {
			return
		}
		c.removeFront()
	}
}

func (c *Cache) removeFront() {
	el := c.order.Front()
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
