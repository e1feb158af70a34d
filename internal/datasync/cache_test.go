package datasync

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/biolink/internal/log"
	"github.com/mmcdole/biolink/internal/store"
)

// fakeClock is a manually advanced clock shared by the components under test
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(t *testing.T, max int, ttl time.Duration, clk *fakeClock) *Cache {
	t.Helper()
	c := NewCache(max, ttl, nil, log.NullLogger())
	c.now = clk.Now
	return c
}

func TestCache_TTL(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(t, 10, time.Minute, clk)

	c.Set("a", []byte(`1`), 0)
	c.Set("b", []byte(`2`), 10*time.Second)

	data, ok := c.Get("a")
	require.True(t, ok)
	assert.JSONEq(t, `1`, string(data))

	clk.Advance(10 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok, "entry expires exactly at its deadline")

	stale, ok := c.GetStale("b")
	assert.True(t, ok, "expired entries stay readable as stale")
	assert.JSONEq(t, `2`, string(stale))

	clk.Advance(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCache_EvictsExpiredThenOldest(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(t, 10, time.Hour, clk)

	c.Set("short", []byte(`0`), time.Second)
	for i := range 9 {
		clk.Advance(time.Millisecond)
		c.Set(fmt.Sprintf("k%d", i), []byte(`0`), 0)
	}
	require.Equal(t, 10, c.Len())

	clk.Advance(2 * time.Second)
	c.Set("new", []byte(`0`), 0)

	// Frees down to 80% of capacity: the expired entry first, then the
	// oldest valid ones
	assert.Equal(t, 8, c.Len())
	_, ok := c.GetStale("short")
	assert.False(t, ok)
	_, ok = c.GetStale("k0")
	assert.False(t, ok)
	_, ok = c.GetStale("k1")
	assert.False(t, ok)
	_, ok = c.GetStale("k2")
	assert.True(t, ok)
	_, ok = c.Get("new")
	assert.True(t, ok, "the entry being written is never evicted")
}

func TestCache_PinnedEntriesSurviveEviction(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(t, 5, time.Hour, clk)
	c.pinned = func(key string) bool { return key == "k0" || key == "k1" }

	for i := range 5 {
		clk.Advance(time.Millisecond)
		c.Set(fmt.Sprintf("k%d", i), []byte(`0`), 0)
	}
	clk.Advance(time.Millisecond)
	c.Set("new", []byte(`0`), 0)

	_, ok := c.GetStale("k0")
	assert.True(t, ok)
	_, ok = c.GetStale("k1")
	assert.True(t, ok)
	_, ok = c.GetStale("k2")
	assert.False(t, ok, "oldest unpinned entry goes first")
	assert.Equal(t, 4, c.Len())

	// Everything pinned: the cache grows past capacity instead
	c.pinned = func(string) bool { return true }
	for i := range 3 {
		c.Set(fmt.Sprintf("p%d", i), []byte(`0`), 0)
	}
	assert.Equal(t, 7, c.Len())
}

func TestCache_EvictionTieBreaksOnInsertionOrder(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(t, 2, time.Hour, clk)

	c.Set("first", []byte(`0`), 0)
	c.Set("second", []byte(`0`), 0)
	c.Set("third", []byte(`0`), 0)

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("third")
	assert.True(t, ok)
}

func TestCache_InvalidatePrefix(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(t, 10, time.Hour, clk)

	c.Set("links:1", []byte(`{}`), 0)
	c.Set("links:query:abc", []byte(`[]`), 0)
	c.Set("profiles:1", []byte(`{}`), 0)

	assert.Equal(t, 1, c.InvalidatePrefix("links:query:"))
	assert.Equal(t, 2, c.Len())

	c.Invalidate("links:1")
	assert.Equal(t, 1, c.Len())

	assert.Equal(t, 1, c.InvalidatePrefix(""))
	assert.Equal(t, 0, c.Len())
}

func TestCache_PersistRestore(t *testing.T) {
	clk := newFakeClock()
	storage, err := store.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	defer storage.Close()

	c := NewCache(10, time.Minute, storage, log.NullLogger())
	c.now = clk.Now
	c.Set("keep", []byte(`{"a":1}`), 0)
	c.Set("short", []byte(`{}`), 5*time.Second)
	c.Set("gone", []byte(`{}`), time.Second)

	clk.Advance(2 * time.Second)
	c.Persist()

	restored := NewCache(10, time.Minute, storage, log.NullLogger())
	clk.Advance(5 * time.Second)
	restored.now = clk.Now
	restored.Restore()

	data, ok := restored.Get("keep")
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(data))

	_, ok = restored.GetStale("short")
	assert.False(t, ok, "expired while down")
	_, ok = restored.GetStale("gone")
	assert.False(t, ok, "expired before persist")
}

func TestCache_RestoreWithoutSnapshot(t *testing.T) {
	storage, err := store.NewLocalStore("", "")
	require.NoError(t, err)

	c := NewCache(10, time.Minute, storage, log.NullLogger())
	c.Restore()
	assert.Equal(t, 0, c.Len())

	require.NoError(t, storage.Set(StorageKeyCache, []byte("not json")))
	c.Restore()
	assert.Equal(t, 0, c.Len())
}
