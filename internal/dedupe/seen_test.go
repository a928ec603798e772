// ABOUTME: Tests for the dedupe seen-set
// ABOUTME: Validates TTL expiry, eviction order, sweeping and concurrent marking

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, opts Options) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := New(opts)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestSeen_FirstThenDuplicate(t *testing.T) {
	c, _ := newTestCache(t, Options{})

	assert.False(t, c.Seen("mail-1"), "first sighting is new")
	assert.True(t, c.Seen("mail-1"), "second sighting is a duplicate")
	assert.False(t, c.Seen("mail-2"))
	assert.Equal(t, 2, c.Len())
}

func TestSeen_ExpiresAfterTTL(t *testing.T) {
	c, clock := newTestCache(t, Options{TTL: time.Minute})

	c.Seen("k")
	clock.Advance(59 * time.Second)
	assert.True(t, c.contains("k"))

	clock.Advance(2 * time.Second)
	assert.False(t, c.contains("k"))
	assert.False(t, c.Seen("k"), "expired key is new again")
	assert.Equal(t, 1, c.Len())
}

func TestSeen_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(t, Options{MaxSize: 3})

	c.Seen("a")
	c.Seen("b")
	c.Seen("c")
	c.Seen("d")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.contains("a"))
	assert.True(t, c.contains("b"))
	assert.True(t, c.contains("d"))
}

func TestForget(t *testing.T) {
	c, _ := newTestCache(t, Options{})

	c.Seen("k")
	c.Forget("k")
	c.Forget("never-marked")
	assert.False(t, c.Seen("k"))
}

func TestSweep_DropsExpiredPrefix(t *testing.T) {
	c, clock := newTestCache(t, Options{TTL: time.Minute})

	c.Seen("old-1")
	c.Seen("old-2")
	clock.Advance(45 * time.Second)
	c.Seen("fresh")
	clock.Advance(30 * time.Second)

	c.sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.contains("fresh"))
}

func TestClose_Idempotent(t *testing.T) {
	c := New(Options{CleanupInterval: time.Millisecond})
	c.Close()
	c.Close()
}

func TestSeen_ConcurrentSingleWinner(t *testing.T) {
	c, _ := newTestCache(t, Options{})

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("shared") {
				fresh.Add(1)
			}
			c.Seen(fmt.Sprintf("own-%d", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
	assert.Equal(t, 51, c.Len())
}
