package datasync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/biolink/internal/domain"
	"github.com/mmcdole/biolink/internal/log"
	"github.com/mmcdole/biolink/internal/network"
	"github.com/mmcdole/biolink/internal/remote"
	"github.com/mmcdole/biolink/internal/store"
)

type harness struct {
	mem  *remote.Memory
	conn *network.Monitor
	clk  *fakeClock
	m    *Manager

	mu      sync.Mutex
	dropped []*SyncError
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		mem:  remote.NewMemory(),
		conn: network.NewMonitor(true),
		clk:  newFakeClock(),
	}
	h.mem.SetClock(h.clk.Now)

	base := []Option{
		WithLogger(log.NullLogger()),
		WithConnectivity(h.conn),
		WithClock(h.clk.Now),
		WithRetryPolicy(RetryPolicy{MaxRetries: 2}),
		WithErrorHandler(func(e *SyncError) {
			h.mu.Lock()
			h.dropped = append(h.dropped, e)
			h.mu.Unlock()
		}),
	}
	h.m = NewManager(h.mem, append(base, opts...)...)
	t.Cleanup(func() { _ = h.m.Close() })
	return h
}

func (h *harness) drops() []*SyncError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*SyncError(nil), h.dropped...)
}

func (h *harness) flush(t *testing.T) DrainResult {
	t.Helper()
	result, err := h.m.Flush(context.Background())
	require.NoError(t, err)
	return result
}

func (h *harness) remoteDoc(t *testing.T, ref domain.Ref) domain.Document {
	t.Helper()
	doc, err := h.mem.ReadOne(context.Background(), ref)
	require.NoError(t, err)
	return doc
}

var (
	profileRef = domain.Ref{Collection: domain.CollectionProfiles, ID: "p1"}
	statsRef   = domain.Ref{Collection: domain.CollectionAnalytics, ID: "p1"}
)

func TestManager_OfflineRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.conn.Set(false)

	require.NoError(t, h.m.Create(ctx, profileRef, domain.Document{"username": "alice"}, SetOptions{}))

	doc, err := h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "alice", doc["username"])
	assert.Equal(t, StatePendingWrite, h.m.State(profileRef))
	assert.Equal(t, 1, h.m.Stats().QueueSize)

	_, err = h.m.Flush(ctx)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, 0, h.mem.Calls("write"))

	h.conn.Set(true)
	result := h.flush(t)
	assert.Equal(t, 1, result.Sent)

	assert.Equal(t, "alice", h.remoteDoc(t, profileRef)["username"])
	assert.Equal(t, StateSynced, h.m.State(profileRef))
	assert.Equal(t, 0, h.m.Stats().QueueSize)
	assert.Equal(t, 0, h.m.Stats().PendingKeys)
}

func TestManager_CreateGetsServerTimestamps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.m.Create(ctx, profileRef, domain.Document{
		"user_id":  "u1",
		"username": "alice",
	}, SetOptions{SyncImmediately: true}))

	doc, err := h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	stamp := h.clk.Now().Format(time.RFC3339Nano)
	assert.Equal(t, "p1", doc["id"])
	assert.Equal(t, stamp, doc["created_at"])
	assert.Equal(t, stamp, doc["updated_at"])
	assert.Equal(t, 1, h.mem.Calls("read"), "refresh after write, then served from cache")
}

func TestManager_CollapsesToLatest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.conn.Set(false)

	require.NoError(t, h.m.Set(ctx, profileRef, domain.Document{"bio": "v1", "theme": "dark"}, SetOptions{}))
	_, err := h.m.Update(ctx, profileRef, domain.Document{"bio": "v2"}, UpdateOptions{})
	require.NoError(t, err)
	local, err := h.m.Update(ctx, profileRef, domain.Document{"bio": "v3"}, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v3", local["bio"])
	assert.Equal(t, "dark", local["theme"])

	h.conn.Set(true)
	result := h.flush(t)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, h.mem.Calls("write"))
	assert.Equal(t, 0, h.mem.Calls("update"))

	doc := h.remoteDoc(t, profileRef)
	assert.Equal(t, "v3", doc["bio"])
	assert.Equal(t, "dark", doc["theme"])
}

func TestManager_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.m.Delete(ctx, profileRef))
	require.NoError(t, h.m.Delete(ctx, profileRef))
	assert.Equal(t, StatePendingDelete, h.m.State(profileRef))

	doc, err := h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, doc)

	result := h.flush(t)
	assert.Equal(t, 1, result.Sent, "deletes collapse")
	assert.Empty(t, h.drops())

	doc, err = h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.Equal(t, StateAbsent, h.m.State(profileRef))
}

func TestManager_StalePushLosesToPendingWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.mem.WriteOne(ctx, profileRef, domain.Document{"bio": "v1"}, false))

	var snaps []Snapshot
	unsub := h.m.Subscribe(profileRef, func(s Snapshot) { snaps = append(snaps, s) })
	defer unsub()
	require.Len(t, snaps, 1)
	assert.Equal(t, "v1", snaps[0].Doc["bio"])

	h.clk.Advance(2 * time.Second)
	require.NoError(t, h.m.Set(ctx, profileRef, domain.Document{"bio": "local"}, SetOptions{}))
	require.Len(t, snaps, 2)
	assert.True(t, snaps[1].Local)

	// Another writer lands with a timestamp older than the local write
	earlier := h.clk.Now().Add(-time.Second)
	h.mem.SetClock(func() time.Time { return earlier })
	require.NoError(t, h.mem.WriteOne(ctx, profileRef, domain.Document{"bio": "remote"}, false))

	assert.Len(t, snaps, 2, "stale push is not delivered")
	doc, err := h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "local", doc["bio"])

	h.mem.SetClock(h.clk.Now)
	h.flush(t)

	require.Len(t, snaps, 3)
	assert.False(t, snaps[2].Local)
	assert.Equal(t, "local", snaps[2].Doc["bio"])
	assert.Equal(t, "local", h.remoteDoc(t, profileRef)["bio"])
}

func TestManager_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.m.Create(ctx, statsRef, domain.Document{"views": 0.0, "clicks": 0.0}, SetOptions{SyncImmediately: true}))

	h.conn.Set(false)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.m.Increment(ctx, statsRef, "views", 1))
		}()
	}
	wg.Wait()

	local, err := h.m.Get(ctx, statsRef, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 50.0, local["views"])

	writes := h.mem.Calls("write")
	h.conn.Set(true)
	h.flush(t)

	assert.Equal(t, writes+1, h.mem.Calls("write"), "increments collapse into one write")
	assert.Equal(t, 50.0, h.remoteDoc(t, statsRef)["views"])
	assert.Equal(t, 0.0, h.remoteDoc(t, statsRef)["clicks"])
}

func TestManager_IncrementWithoutCachedBase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.mem.WriteOne(ctx, statsRef, domain.Document{"views": 10.0}, false))

	require.NoError(t, h.m.Increment(ctx, statsRef, "views", 2))
	require.NoError(t, h.m.Increment(ctx, statsRef, "views", 3))
	h.flush(t)

	assert.Equal(t, 15.0, h.remoteDoc(t, statsRef)["views"])
	doc, err := h.m.Get(ctx, statsRef, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 15.0, doc["views"])
}

func TestManager_BatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	linkRef := domain.Ref{Collection: domain.CollectionLinks, ID: "missing"}

	require.NoError(t, h.m.BatchWrite(ctx, []domain.WriteOp{
		{Kind: domain.WriteSet, Ref: profileRef, Data: domain.Document{"bio": "x"}},
		{Kind: domain.WriteUpdate, Ref: linkRef, Data: domain.Document{"title": "y"}},
	}))

	doc, err := h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "x", doc["bio"], "batch is applied locally before sync")

	result := h.flush(t)
	assert.Equal(t, 1, result.Dropped)

	drops := h.drops()
	require.Len(t, drops, 1)
	assert.ErrorIs(t, drops[0], domain.ErrNotFound)
	assert.Equal(t, OpBatch, drops[0].Item.Op)

	_, err = h.mem.ReadOne(ctx, profileRef)
	assert.ErrorIs(t, err, domain.ErrNotFound, "no partial application")

	doc, err = h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, doc, "rolled back locally")
}

func TestManager_BatchValidatesEveryOp(t *testing.T) {
	h := newHarness(t)
	err := h.m.BatchWrite(context.Background(), []domain.WriteOp{
		{Kind: domain.WriteSet, Ref: profileRef, Data: domain.Document{}},
		{Kind: domain.WriteSet, Ref: domain.Ref{Collection: "links"}, Data: domain.Document{}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRef)
	assert.Equal(t, 0, h.m.Stats().QueueSize)
	assert.Equal(t, StateAbsent, h.m.State(profileRef))
}

func TestManager_GetFallsBackToStaleCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithCacheLimits(100, time.Minute, 0))
	require.NoError(t, h.mem.WriteOne(ctx, profileRef, domain.Document{"bio": "cached"}, false))

	_, err := h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateSynced, h.m.State(profileRef))

	h.clk.Advance(2 * time.Minute)
	assert.Equal(t, StateCachedOnly, h.m.State(profileRef))
	h.conn.Set(false)

	doc, err := h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cached", doc["bio"])

	_, err = h.m.Get(ctx, profileRef, GetOptions{NoCacheFallback: true})
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	_, err = h.m.Get(ctx, domain.Ref{Collection: "profiles", ID: "other"}, GetOptions{})
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestManager_GetMissingDocument(t *testing.T) {
	h := newHarness(t)
	doc, err := h.m.Get(context.Background(), profileRef, GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestManager_GetRejectsInvalidRef(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Get(context.Background(), domain.Ref{Collection: "profiles"}, GetOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidRef)
}

func TestManager_UpdateSemantics(t *testing.T) {
	ctx := context.Background()

	t.Run("require exists", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Update(ctx, profileRef, domain.Document{"bio": "x"}, UpdateOptions{RequireExists: true})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Equal(t, 0, h.m.Stats().QueueSize)
	})

	t.Run("require exists offline", func(t *testing.T) {
		h := newHarness(t)
		h.conn.Set(false)
		_, err := h.m.Update(ctx, profileRef, domain.Document{"bio": "x"}, UpdateOptions{RequireExists: true})
		assert.ErrorIs(t, err, domain.ErrUnavailable)
	})

	t.Run("missing document is reported at sync", func(t *testing.T) {
		h := newHarness(t)
		local, err := h.m.Update(ctx, profileRef, domain.Document{"bio": "x"}, UpdateOptions{})
		require.NoError(t, err)
		assert.Nil(t, local, "base not cached")

		h.flush(t)
		drops := h.drops()
		require.Len(t, drops, 1)
		assert.ErrorIs(t, drops[0], domain.ErrNotFound)
	})

	t.Run("upsert creates", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Update(ctx, profileRef, domain.Document{"bio": "x"}, UpdateOptions{Upsert: true, SyncImmediately: true})
		require.NoError(t, err)
		assert.Equal(t, "x", h.remoteDoc(t, profileRef)["bio"])
	})

	t.Run("pending delete", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.m.Delete(ctx, profileRef))
		_, err := h.m.Update(ctx, profileRef, domain.Document{"bio": "x"}, UpdateOptions{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestManager_RetryExhaustionRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mem.SetAvailable(false)

	require.NoError(t, h.m.Set(ctx, profileRef, domain.Document{"bio": "x"}, SetOptions{}))
	for range 3 {
		h.flush(t)
	}

	drops := h.drops()
	require.Len(t, drops, 1)
	assert.ErrorIs(t, drops[0], domain.ErrRetryExhausted)
	assert.Equal(t, 3, h.mem.Calls("write"))
	assert.Equal(t, 0, h.m.Stats().QueueSize)
	assert.Equal(t, StateAbsent, h.m.State(profileRef))
}

func TestManager_Query(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i := range 3 {
		ref := domain.Ref{Collection: domain.CollectionLinks, ID: fmt.Sprintf("l%d", i)}
		require.NoError(t, h.mem.WriteOne(ctx, ref, domain.Document{
			"profile_id": "p1",
			"title":      fmt.Sprintf("link %d", i),
			"position":   float64(i),
		}, false))
	}
	byProfile := []domain.Filter{domain.Where("profile_id", domain.OpEqual, "p1")}
	order := &domain.OrderBy{Field: "position"}

	docs, err := h.m.Query(ctx, domain.CollectionLinks, byProfile, order, 0)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "l0", docs[0]["id"])

	// Offline serves the cached result for the same query only
	h.conn.Set(false)
	docs, err = h.m.Query(ctx, domain.CollectionLinks, byProfile, order, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
	_, err = h.m.Query(ctx, domain.CollectionLinks, byProfile, order, 1)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	h.conn.Set(true)

	// Pending local edits overlay live results
	l1 := domain.Ref{Collection: domain.CollectionLinks, ID: "l1"}
	_, err = h.m.Get(ctx, l1, GetOptions{})
	require.NoError(t, err)
	_, err = h.m.Update(ctx, l1, domain.Document{"title": "edited"}, UpdateOptions{})
	require.NoError(t, err)
	require.NoError(t, h.m.Delete(ctx, domain.Ref{Collection: domain.CollectionLinks, ID: "l2"}))

	docs, err = h.m.Query(ctx, domain.CollectionLinks, byProfile, order, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "edited", docs[1]["title"])
	assert.Equal(t, "l1", docs[1]["id"])

	// A local write drops cached queries for its collection
	h.conn.Set(false)
	require.NoError(t, h.m.Create(ctx, domain.Ref{Collection: domain.CollectionLinks, ID: "l9"}, domain.Document{"profile_id": "p1"}, SetOptions{}))
	_, err = h.m.Query(ctx, domain.CollectionLinks, byProfile, order, 0)
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	_, err = h.m.Query(ctx, "bad:collection", nil, nil, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRef)
}

func TestManager_SubscribeSeesLocalAndRemote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var snaps []Snapshot
	unsub := h.m.Subscribe(profileRef, func(s Snapshot) { snaps = append(snaps, s) })

	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].Exists)

	require.NoError(t, h.m.Set(ctx, profileRef, domain.Document{"bio": "x"}, SetOptions{}))
	require.Len(t, snaps, 2)
	assert.True(t, snaps[1].Local)
	assert.True(t, snaps[1].Exists)

	h.flush(t)
	require.Len(t, snaps, 3)
	assert.False(t, snaps[2].Local)
	assert.Equal(t, 1, h.m.Stats().ListenerCount)

	unsub()
	assert.Equal(t, 0, h.mem.ListenerCount())
	assert.Equal(t, 0, h.m.Stats().SubscriberCount)

	require.NoError(t, h.m.Set(ctx, profileRef, domain.Document{"bio": "y"}, SetOptions{}))
	assert.Len(t, snaps, 3)
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithSyncInterval(time.Hour))

	require.NoError(t, h.m.Start(ctx))
	assert.ErrorIs(t, h.m.Start(ctx), domain.ErrAlreadyStarted)

	require.NoError(t, h.m.Close())
	require.NoError(t, h.m.Close())

	assert.ErrorIs(t, h.m.Start(ctx), domain.ErrClosed)
	assert.ErrorIs(t, h.m.Set(ctx, profileRef, domain.Document{}, SetOptions{}), domain.ErrClosed)
	_, err := h.m.Get(ctx, profileRef, GetOptions{})
	assert.ErrorIs(t, err, domain.ErrClosed)
	_, err = h.m.Flush(ctx)
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestManager_SyncsWhenConnectivityReturns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithSyncInterval(time.Hour))
	h.conn.Set(false)
	require.NoError(t, h.m.Start(ctx))

	require.NoError(t, h.m.Create(ctx, profileRef, domain.Document{"bio": "x"}, SetOptions{}))
	h.conn.Set(true)

	assert.Eventually(t, func() bool {
		_, err := h.mem.ReadOne(ctx, profileRef)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	storage, err := store.NewLocalStore(t.TempDir(), "memory://test")
	require.NoError(t, err)
	defer storage.Close()

	mem := remote.NewMemory()
	conn := network.NewMonitor(false)

	first := NewManager(mem, WithLogger(log.NullLogger()), WithConnectivity(conn), WithLocalStorage(storage))
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.Create(ctx, profileRef, domain.Document{"bio": "offline"}, SetOptions{}))
	require.NoError(t, first.Increment(ctx, statsRef, "views", 2))
	require.NoError(t, first.Close())

	second := NewManager(mem, WithLogger(log.NullLogger()), WithConnectivity(conn), WithLocalStorage(storage))
	defer second.Close()
	require.NoError(t, second.Start(ctx))

	assert.Equal(t, StatePendingWrite, second.State(profileRef))
	doc, err := second.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "offline", doc["bio"])
	assert.Equal(t, 2, second.Stats().QueueSize)

	conn.Set(true)
	_, err = second.Flush(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		doc, err := mem.ReadOne(ctx, statsRef)
		return err == nil && doc["views"] == 2.0
	}, 2*time.Second, 10*time.Millisecond)
	_, err = mem.ReadOne(ctx, profileRef)
	assert.NoError(t, err)
}

func TestManager_InvalidateCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.mem.WriteOne(ctx, profileRef, domain.Document{"bio": "v1"}, false))

	_, err := h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	require.NoError(t, h.mem.WriteOne(ctx, profileRef, domain.Document{"bio": "v2"}, false))

	doc, err := h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v1", doc["bio"], "served from cache")

	assert.Equal(t, 1, h.m.InvalidateCache("profiles:"))
	doc, err = h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v2", doc["bio"])

	doc, err = h.m.Get(ctx, profileRef, GetOptions{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, "v2", doc["bio"])
}

func TestManager_EvictionKeepsPendingWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithCacheLimits(5, time.Minute, time.Second))
	h.conn.Set(false)

	for i := range 10 {
		ref := domain.Ref{Collection: domain.CollectionLinks, ID: fmt.Sprintf("l%d", i)}
		require.NoError(t, h.m.Set(ctx, ref, domain.Document{"title": fmt.Sprintf("link %d", i)}, SetOptions{}))
	}
	assert.Equal(t, 10, h.m.Stats().CacheSize, "unsynced writes are never evicted")

	first := domain.Ref{Collection: domain.CollectionLinks, ID: "l0"}
	assert.Equal(t, StatePendingWrite, h.m.State(first))
	doc, err := h.m.Get(ctx, first, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "link 0", doc["title"])

	h.conn.Set(true)
	assert.Equal(t, 10, h.flush(t).Sent)

	// Synced entries are ordinary cache entries again
	require.NoError(t, h.m.Set(ctx, profileRef, domain.Document{"bio": "x"}, SetOptions{}))
	assert.LessOrEqual(t, h.m.Stats().CacheSize, 5)
}

// quietConnectivity reports online without notifying watchers, leaving
// the periodic timer as the only drain trigger
type quietConnectivity struct {
	online atomic.Bool
}

func (c *quietConnectivity) Online() bool { return c.online.Load() }

func (c *quietConnectivity) Watch(func(bool)) func() { return func() {} }

func TestManager_PeriodicSyncDrainsQueue(t *testing.T) {
	ctx := context.Background()
	conn := &quietConnectivity{}
	h := newHarness(t, WithConnectivity(conn), WithSyncInterval(20*time.Millisecond))
	require.NoError(t, h.m.Start(ctx))

	require.NoError(t, h.m.Set(ctx, profileRef, domain.Document{"bio": "queued"}, SetOptions{}))
	assert.Equal(t, 1, h.m.Stats().QueueSize)

	conn.online.Store(true)
	assert.Eventually(t, func() bool {
		doc, err := h.mem.ReadOne(ctx, profileRef)
		return err == nil && doc["bio"] == "queued"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.m.Stats().QueueSize == 0 }, time.Second, 10*time.Millisecond)
}

func TestManager_WriteWhileOnlineSyncsInBackground(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithSyncInterval(time.Hour))
	require.NoError(t, h.m.Start(ctx))

	require.NoError(t, h.m.Set(ctx, profileRef, domain.Document{"bio": "now"}, SetOptions{}))
	assert.Eventually(t, func() bool {
		doc, err := h.mem.ReadOne(ctx, profileRef)
		return err == nil && doc["bio"] == "now"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return h.m.State(profileRef) == StateSynced
	}, time.Second, 10*time.Millisecond)
}

// blockingRemote holds every write until its context ends
type blockingRemote struct {
	*remote.Memory
	entered chan struct{}
	once    sync.Once
}

func (b *blockingRemote) WriteOne(ctx context.Context, _ domain.Ref, _ domain.Document, _ bool) error {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func TestManager_CloseDuringFlushKeepsQueue(t *testing.T) {
	ctx := context.Background()
	storage, err := store.NewLocalStore(t.TempDir(), "memory://test")
	require.NoError(t, err)
	defer storage.Close()

	rem := &blockingRemote{Memory: remote.NewMemory(), entered: make(chan struct{})}
	conn := &quietConnectivity{}
	m := NewManager(rem, WithLogger(log.NullLogger()), WithConnectivity(conn), WithLocalStorage(storage))
	require.NoError(t, m.Set(ctx, profileRef, domain.Document{"bio": "queued"}, SetOptions{}))

	conn.online.Store(true)
	flushed := make(chan struct{})
	go func() {
		_, _ = m.Flush(ctx)
		close(flushed)
	}()
	<-rem.entered

	require.NoError(t, m.Close())
	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("flush still running after Close")
	}

	next := NewManager(remote.NewMemory(), WithLogger(log.NullLogger()), WithConnectivity(network.NewMonitor(false)), WithLocalStorage(storage))
	defer next.Close()
	require.NoError(t, next.Start(ctx))
	assert.Equal(t, 1, next.Stats().QueueSize)
	assert.Equal(t, StatePendingWrite, next.State(profileRef))
}
