package datasync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/biolink/internal/domain"
	"github.com/mmcdole/biolink/internal/log"
	"github.com/mmcdole/biolink/internal/remote"
)

func newTestRegistry(t *testing.T, mem *remote.Memory) *Registry {
	t.Helper()
	r := NewRegistry(context.Background(), mem, nil, log.NullLogger())
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_OneListenPerDocument(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	require.NoError(t, mem.WriteOne(ctx, refA, domain.Document{"v": 1.0}, false))
	r := newTestRegistry(t, mem)

	var order []string
	unsubFirst := r.Subscribe(refA, func(s Snapshot) { order = append(order, "first") })
	unsubSecond := r.Subscribe(refA, func(s Snapshot) { order = append(order, "second") })

	assert.Equal(t, 1, mem.Calls("listen"))
	assert.Equal(t, 1, r.ListenerCount())
	assert.Equal(t, 2, r.SubscriberCount())
	assert.Equal(t, []string{"first", "second"}, order, "late joiner gets the last snapshot")

	order = nil
	require.NoError(t, mem.WriteOne(ctx, refA, domain.Document{"v": 2.0}, false))
	assert.Equal(t, []string{"first", "second"}, order, "fan-out follows registration order")

	unsubFirst()
	assert.Equal(t, 1, mem.ListenerCount())
	unsubSecond()
	unsubSecond()
	assert.Equal(t, 0, mem.ListenerCount(), "last unsubscribe closes the remote listen")
	assert.Equal(t, 0, r.ListenerCount())
}

func TestRegistry_NoCallbackAfterUnsubscribe(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	r := newTestRegistry(t, mem)

	var got []Snapshot
	unsub := r.Subscribe(refA, func(s Snapshot) { got = append(got, s) })
	keep := r.Subscribe(refA, func(Snapshot) {})
	defer keep()

	require.Len(t, got, 1)
	assert.False(t, got[0].Exists)

	unsub()
	require.NoError(t, mem.WriteOne(ctx, refA, domain.Document{"v": 1.0}, false))
	r.Notify(Snapshot{Ref: refA, Exists: true, Local: true})
	assert.Len(t, got, 1)
}

func TestRegistry_UnsubscribeWaitsForConcurrentPush(t *testing.T) {
	doc := make(domain.Document, 5000)
	for i := range 5000 {
		doc["k"+strconv.Itoa(i)] = i
	}

	for range 50 {
		r := newTestRegistry(t, remote.NewMemory())

		var (
			returned  atomic.Bool
			late      atomic.Int32
			delivered = make(chan struct{}, 1)
		)
		unsub := r.Subscribe(refA, func(s Snapshot) {
			if !s.Local {
				return
			}
			if returned.Load() {
				late.Add(1)
			}
			select {
			case delivered <- struct{}{}:
			default:
			}
		})
		keep := r.Subscribe(refA, func(Snapshot) {})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				r.Notify(Snapshot{Ref: refA, Doc: doc, Exists: true, Local: true})
			}
		}()

		<-delivered
		unsub()
		returned.Store(true)
		wg.Wait()
		keep()

		require.Zero(t, late.Load(), "callback ran after unsubscribe returned")
	}
}

func TestRegistry_NestedNotifyFromCallback(t *testing.T) {
	r := newTestRegistry(t, remote.NewMemory())

	var got []bool
	defer r.Subscribe(refA, func(s Snapshot) {
		got = append(got, s.Local)
		if s.Local && s.Exists {
			r.Notify(Snapshot{Ref: refA, Local: true})
		}
	})()

	r.Notify(Snapshot{Ref: refA, Doc: domain.Document{"v": 1}, Exists: true, Local: true})
	assert.Equal(t, []bool{false, true, true}, got)
}

func TestRegistry_UnsubscribeInsideCallback(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	r := newTestRegistry(t, mem)

	calls := 0
	var unsub func()
	unsub = r.Subscribe(refA, func(Snapshot) {
		calls++
		if unsub != nil {
			unsub()
		}
	})

	require.NoError(t, mem.WriteOne(ctx, refA, domain.Document{"v": 1.0}, false))
	require.NoError(t, mem.WriteOne(ctx, refA, domain.Document{"v": 2.0}, false))
	assert.Equal(t, 2, calls, "initial state, then the write that unsubscribed")
	assert.Equal(t, 0, mem.ListenerCount())
}

func TestRegistry_PanickingCallbackDoesNotStopFanOut(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	r := newTestRegistry(t, mem)

	defer r.Subscribe(refA, func(Snapshot) { panic("boom") })()
	var got []Snapshot
	defer r.Subscribe(refA, func(s Snapshot) { got = append(got, s) })()

	require.NoError(t, mem.WriteOne(ctx, refA, domain.Document{"v": 1.0}, false))
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[1].Doc["v"])
}

func TestRegistry_ListenFailureDetaches(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	r := newTestRegistry(t, mem)

	var got []Snapshot
	unsub := r.Subscribe(refA, func(s Snapshot) { got = append(got, s) })
	defer unsub()
	require.Len(t, got, 1)

	mem.BreakListeners(errors.New("stream reset"))
	assert.Equal(t, 0, r.ListenerCount())

	require.NoError(t, mem.WriteOne(ctx, refA, domain.Document{"v": 1.0}, false))
	assert.Len(t, got, 1)

	// A new subscription opens a fresh listen
	again := r.Subscribe(refA, func(Snapshot) {})
	defer again()
	assert.Equal(t, 2, mem.Calls("listen"))
	assert.Equal(t, 1, r.ListenerCount())
}

func TestRegistry_ListenRefused(t *testing.T) {
	mem := remote.NewMemory()
	mem.SetAvailable(false)
	r := newTestRegistry(t, mem)

	called := false
	unsub := r.Subscribe(refA, func(Snapshot) { called = true })
	unsub()

	assert.False(t, called)
	assert.Equal(t, 0, r.ListenerCount())
}

func TestRegistry_CloseStopsEverything(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	r := NewRegistry(ctx, mem, nil, log.NullLogger())

	calls := 0
	r.Subscribe(refA, func(Snapshot) { calls++ })
	r.Subscribe(refB, func(Snapshot) { calls++ })
	require.Equal(t, 2, calls)

	r.Close()
	assert.Equal(t, 0, mem.ListenerCount())
	require.NoError(t, mem.WriteOne(ctx, refA, domain.Document{"v": 1.0}, false))
	assert.Equal(t, 2, calls)
}
