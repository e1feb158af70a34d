package datasync

import (
	"bytes"
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/mmcdole/biolink/internal/domain"
)

// Snapshot is the state of one document as seen by subscribers.
// Doc is nil when the document is absent.
type Snapshot struct {
	Ref    domain.Ref
	Doc    domain.Document
	Exists bool

	// Local is true for optimistic changes that have not reached the
	// remote store yet
	Local bool
}

// Callback receives document snapshots
type Callback func(Snapshot)

// applyFunc folds a server push into local state. When fresh is false the
// push lost to a newer local write and snap is the local view instead.
type applyFunc func(domain.Change) (snap Snapshot, fresh bool)

type listener struct {
	cb     Callback
	active atomic.Bool

	// mu is held while cb runs so unsubscribe can wait out a delivery in
	// flight on another goroutine. owner is that goroutine, 0 when idle.
	mu    sync.Mutex
	owner atomic.Uint64
}

// wait blocks until no callback for l is running, unless the caller is
// the callback itself
func (l *listener) wait() {
	if l.owner.Load() == goid() {
		return
	}
	l.mu.Lock()
	l.mu.Unlock()
}

// goid returns the current goroutine id, parsed from the stack header
// ("goroutine 42 [running]:")
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

type subscription struct {
	ref       domain.Ref
	listeners []*listener
	last      *Snapshot

	cancel func() // nil while the remote listen is opening
	closed bool
}

// Registry keeps one remote listen per document and fans pushes out to
// every local callback in registration order.
type Registry struct {
	mu   sync.Mutex
	subs map[domain.Ref]*subscription

	ctx    context.Context
	remote domain.RemoteStore
	apply  applyFunc

	logger  *slog.Logger
	metrics *Metrics
}

// NewRegistry creates a registry. Listens live until their last callback
// unsubscribes or ctx is cancelled.
func NewRegistry(ctx context.Context, remote domain.RemoteStore, apply applyFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if apply == nil {
		apply = func(c domain.Change) (Snapshot, bool) {
			return Snapshot{Ref: c.Ref, Doc: c.Doc, Exists: c.Exists}, true
		}
	}
	return &Registry{
		subs:   make(map[domain.Ref]*subscription),
		ctx:    ctx,
		remote: remote,
		apply:  apply,
		logger: logger,
	}
}

// Subscribe registers cb for ref. The first callback for a document opens
// the remote listen; later callbacks immediately receive the latest known
// snapshot. No callback runs after the returned function returns.
func (r *Registry) Subscribe(ref domain.Ref, cb Callback) (unsubscribe func()) {
	l := &listener{cb: cb}
	l.active.Store(true)

	r.mu.Lock()
	sub, exists := r.subs[ref]
	if !exists {
		sub = &subscription{ref: ref}
		r.subs[ref] = sub
	}
	sub.listeners = append(sub.listeners, l)
	last := sub.last
	r.updateMetricsLocked()
	r.mu.Unlock()

	if !exists {
		r.open(sub)
	} else if last != nil {
		r.deliver(l, *last)
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(sub, l) })
	}
}

// open starts the remote listen outside the lock; the adapter may deliver
// the initial state before Listen returns.
func (r *Registry) open(sub *subscription) {
	ctx, cancelCtx := context.WithCancel(r.ctx)

	stop, err := r.remote.Listen(ctx, sub.ref, func(change domain.Change, err error) {
		r.handle(sub, change, err)
	})
	if err != nil {
		cancelCtx()
		r.logger.Warn("failed to open listener", "key", sub.ref.Key(), "error", err)
		r.mu.Lock()
		r.detachLocked(sub)
		r.mu.Unlock()
		return
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			cancelCtx()
		})
	}

	r.mu.Lock()
	if sub.closed {
		// Every callback left while the listen was opening
		r.mu.Unlock()
		cancel()
		return
	}
	sub.cancel = cancel
	r.mu.Unlock()
}

func (r *Registry) handle(sub *subscription, change domain.Change, err error) {
	if err != nil {
		// Cached data stays; callers re-subscribe to reconnect
		r.logger.Warn("listener failed", "key", sub.ref.Key(), "error", err)
		r.mu.Lock()
		cancel := sub.cancel
		r.detachLocked(sub)
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}

	r.mu.Lock()
	closed := sub.closed
	r.mu.Unlock()
	if closed {
		return
	}

	snap, fresh := r.apply(change)
	r.metrics.recordPush(!fresh)
	if !fresh {
		r.logger.Debug("discarded stale push", "key", sub.ref.Key())
		r.mu.Lock()
		seen := sub.last != nil
		r.mu.Unlock()
		if seen {
			return
		}
	}
	r.fanOut(sub, snap)
}

// Notify fans a local change out to the document's callbacks, if any
func (r *Registry) Notify(snap Snapshot) {
	r.mu.Lock()
	sub := r.subs[snap.Ref]
	r.mu.Unlock()
	if sub != nil {
		r.fanOut(sub, snap)
	}
}

func (r *Registry) fanOut(sub *subscription, snap Snapshot) {
	r.mu.Lock()
	s := snap
	sub.last = &s
	listeners := make([]*listener, len(sub.listeners))
	copy(listeners, sub.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		r.deliver(l, snap)
	}
}

func (r *Registry) deliver(l *listener, snap Snapshot) {
	if !l.active.Load() {
		return
	}
	snap.Doc = snap.Doc.Clone()

	// A callback that causes another change to the same document is
	// delivered the nested snapshot directly
	self := goid()
	if l.owner.Load() != self {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.owner.Store(self)
		defer l.owner.Store(0)
	}

	// Re-check under the lock: unsubscribe may have returned meanwhile
	if !l.active.Load() {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("subscriber callback panicked", "key", snap.Ref.Key(), "panic", p)
		}
	}()
	l.cb(snap)
}

func (r *Registry) unsubscribe(sub *subscription, l *listener) {
	l.active.Store(false)

	r.mu.Lock()
	for i, cur := range sub.listeners {
		if cur == l {
			sub.listeners = append(sub.listeners[:i], sub.listeners[i+1:]...)
			break
		}
	}
	var cancel func()
	if len(sub.listeners) == 0 && !sub.closed {
		cancel = sub.cancel
		r.detachLocked(sub)
	}
	r.updateMetricsLocked()
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		r.logger.Debug("closed listener", "key", sub.ref.Key())
	}
	l.wait()
}

// detachLocked marks sub closed and removes it from the map if current
func (r *Registry) detachLocked(sub *subscription) {
	sub.closed = true
	if r.subs[sub.ref] == sub {
		delete(r.subs, sub.ref)
	}
	r.updateMetricsLocked()
}

func (r *Registry) updateMetricsLocked() {
	r.metrics.updateSubscriptions(len(r.subs))
}

// SubscriberCount returns the number of registered callbacks
func (r *Registry) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sub := range r.subs {
		n += len(sub.listeners)
	}
	return n
}

// ListenerCount returns the number of open remote listens
func (r *Registry) ListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close deactivates every callback and stops every remote listen
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[domain.Ref]*subscription)
	var (
		cancels   []func()
		listeners []*listener
	)
	for _, sub := range subs {
		sub.closed = true
		for _, l := range sub.listeners {
			l.active.Store(false)
			listeners = append(listeners, l)
		}
		sub.listeners = nil
		if sub.cancel != nil {
			cancels = append(cancels, sub.cancel)
		}
	}
	r.updateMetricsLocked()
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, l := range listeners {
		l.wait()
	}
}
