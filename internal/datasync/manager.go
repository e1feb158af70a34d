// Package datasync keeps a local, offline-capable view of documents in a
// remote store. Writes are applied to the local cache immediately and
// queued for the remote; reads prefer the cache; server pushes are fanned
// out to local subscribers.
package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mmcdole/biolink/internal/domain"
)

// DocState is the sync state of one document key
type DocState int

const (
	StateAbsent DocState = iota
	StateCachedOnly
	StateSynced
	StatePendingWrite
	StatePendingDelete
)

func (s DocState) String() string {
	switch s {
	case StateCachedOnly:
		return "cached-only"
	case StateSynced:
		return "synced"
	case StatePendingWrite:
		return "pending-write"
	case StatePendingDelete:
		return "pending-delete"
	default:
		return "absent"
	}
}

// GetOptions controls a point read
type GetOptions struct {
	// ForceRefresh skips a valid cache entry and reads the remote store
	ForceRefresh bool

	// NoCacheFallback disables returning an expired cache entry when the
	// remote read misses or fails
	NoCacheFallback bool
}

// SetOptions controls a write
type SetOptions struct {
	// Merge overlays fields instead of replacing the document (Set only)
	Merge bool

	// SyncImmediately drains the queue as part of the call when online
	SyncImmediately bool
}

// UpdateOptions controls a partial update
type UpdateOptions struct {
	// RequireExists checks the remote store synchronously and returns
	// ErrNotFound when the document is absent
	RequireExists bool

	// Upsert creates the document if it is absent
	Upsert bool

	SyncImmediately bool
}

// Stats is a diagnostic snapshot of the manager
type Stats struct {
	CacheSize       int
	QueueSize       int
	IsOnline        bool
	SubscriberCount int
	ListenerCount   int
	PendingKeys     int
}

type pendingWrite struct {
	stagedAt time.Time
	deleted  bool
}

// localChange is the optimistic result of a staged write for one document.
// A nil doc with exists=true means the resulting value is unknown locally.
type localChange struct {
	ref    domain.Ref
	doc    domain.Document
	exists bool
}

// Manager is the facade over the cache, the sync queue and the
// subscription registry. Construct one per remote store and share it.
type Manager struct {
	remote   domain.RemoteStore
	conn     domain.Connectivity
	storage  domain.LocalStorage
	cache    *Cache
	queue    *Queue
	registry *Registry
	reads    singleflight.Group

	mu      sync.Mutex
	pending map[domain.Ref]pendingWrite
	synced  map[domain.Ref]bool

	// stageMu orders local writes: overlay, cache update and enqueue
	stageMu sync.Mutex

	maxEntries        int
	ttl               time.Duration
	queryTTL          time.Duration
	interval          time.Duration
	timeout           time.Duration
	policy            RetryPolicy
	refreshAfterWrite bool
	now               func() time.Time
	logger            *slog.Logger
	metrics           *Metrics
	onSyncError       func(*SyncError)

	ctx       context.Context
	cancel    context.CancelFunc
	kick      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	unwatch   func()
}

// NewManager creates a manager over remote. Call Start to restore
// persisted state and begin background sync, and Close on shutdown.
func NewManager(remote domain.RemoteStore, opts ...Option) *Manager {
	m := &Manager{
		remote:            remote,
		conn:              alwaysOnline{},
		pending:           make(map[domain.Ref]pendingWrite),
		synced:            make(map[domain.Ref]bool),
		maxEntries:        DefaultMaxEntries,
		ttl:               DefaultTTL,
		queryTTL:          DefaultQueryTTL,
		interval:          DefaultSyncInterval,
		timeout:           DefaultTimeout,
		policy:            DefaultRetryPolicy(),
		refreshAfterWrite: true,
		now:               time.Now,
		logger:            slog.Default(),
		kick:              make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.cache = NewCache(m.maxEntries, m.ttl, m.storage, m.logger)
	m.cache.now = m.now
	m.cache.metrics = m.metrics
	m.cache.pinned = m.pinned

	m.queue = NewQueue(m.policy, m.storage, m.logger)
	m.queue.now = m.now
	m.queue.metrics = m.metrics
	m.queue.onDrop = m.handleDrop

	m.registry = NewRegistry(m.ctx, remote, m.applyChange, m.logger)
	m.registry.metrics = m.metrics

	return m
}

// Start restores persisted cache and queue state and starts the sync loop.
// It may be called once.
func (m *Manager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return domain.ErrClosed
	}

	err := domain.ErrAlreadyStarted
	m.startOnce.Do(func() {
		err = nil

		m.cache.Restore()
		m.queue.Restore()
		m.rebuildPending()

		m.unwatch = m.conn.Watch(func(online bool) {
			if online {
				m.logger.Info("connectivity restored, syncing", "queued", m.queue.Len())
				m.trigger()
			} else {
				m.logger.Info("connectivity lost, queuing writes")
			}
		})

		m.wg.Add(1)
		go m.run(ctx)

		m.trigger()
	})
	return err
}

// rebuildPending marks documents touched by restored queue items
func (m *Manager) rebuildPending() {
	items := m.queue.Items()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		for _, ch := range itemChanges(it) {
			m.pending[ch.ref] = pendingWrite{stagedAt: it.StagedAt, deleted: !ch.exists}
		}
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.drain(m.ctx)
		case <-m.kick:
			m.drain(m.ctx)
		}
	}
}

// trigger requests a drain pass from the sync loop without blocking
func (m *Manager) trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) drain(ctx context.Context) DrainResult {
	if !m.conn.Online() || m.queue.Len() == 0 {
		return DrainResult{}
	}

	// Close cancels sends still in flight
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	result := m.queue.Drain(ctx, m.send)

	if result.Sent > 0 || result.Dropped > 0 || result.Requeued > 0 {
		m.logger.Debug("drained sync queue",
			"sent", result.Sent,
			"requeued", result.Requeued,
			"deferred", result.Deferred,
			"dropped", result.Dropped)
	}
	return result
}

// Flush drains the queue now. Returns ErrUnavailable when offline.
func (m *Manager) Flush(ctx context.Context) (DrainResult, error) {
	if m.closed.Load() {
		return DrainResult{}, domain.ErrClosed
	}
	if !m.conn.Online() {
		return DrainResult{}, domain.ErrUnavailable
	}
	return m.drain(ctx), nil
}

// Close stops background sync, persists the cache and queue, and closes
// every remote listen. Safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		if m.unwatch != nil {
			m.unwatch()
		}
		m.cancel()
		m.wg.Wait()
		m.queue.Close()

		m.registry.Close()
		m.cache.Persist()
		m.queue.Persist()
		m.logger.Debug("sync manager closed", "queued", m.queue.Len())
	})
	return nil
}

// Get returns the document at ref, nil if it does not exist. A valid cache
// entry is returned without contacting the remote store.
func (m *Manager) Get(ctx context.Context, ref domain.Ref, opts GetOptions) (domain.Document, error) {
	if err := m.check(ref); err != nil {
		return nil, err
	}

	if m.State(ref) == StatePendingDelete {
		return nil, nil
	}

	if !opts.ForceRefresh {
		if doc, ok := m.cachedDoc(ref, false); ok {
			return doc, nil
		}
	}

	doc, err := m.readRemote(ctx, ref)
	if err == nil {
		return m.applyRead(ref, doc), nil
	}

	// Unconfirmed local writes are authoritative
	if m.isPendingWrite(ref) {
		if local, ok := m.cachedDoc(ref, true); ok {
			return local, nil
		}
	}

	if !opts.NoCacheFallback {
		if stale, ok := m.cachedDoc(ref, true); ok {
			m.logger.Debug("serving stale cache entry", "key", ref.Key(), "error", err)
			return stale, nil
		}
	}

	if errors.Is(err, domain.ErrNotFound) {
		m.cache.Invalidate(ref.Key())
		m.mu.Lock()
		delete(m.synced, ref)
		m.mu.Unlock()
		return nil, nil
	}
	return nil, err
}

// readRemote reads through singleflight so concurrent reads of one key
// share a round trip
func (m *Manager) readRemote(ctx context.Context, ref domain.Ref) (domain.Document, error) {
	if !m.conn.Online() {
		return nil, domain.ErrUnavailable
	}

	ch := m.reads.DoChan(ref.Key(), func() (any, error) {
		rctx, cancel := context.WithTimeout(m.ctx, m.timeout)
		defer cancel()
		doc, err := m.remote.ReadOne(rctx, ref)
		return doc, remoteErr(err)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		doc, _ := res.Val.(domain.Document)
		return doc.Clone(), nil
	}
}

// applyRead caches a remote read unless an unconfirmed local write is
// newer, in which case the local view wins.
func (m *Manager) applyRead(ref domain.Ref, doc domain.Document) domain.Document {
	m.mu.Lock()
	p, pending := m.pending[ref]
	if pending && doc.UpdatedAt().Before(p.stagedAt) {
		m.mu.Unlock()
		if p.deleted {
			return nil
		}
		if local, ok := m.cachedDoc(ref, true); ok {
			return local
		}
		return doc
	}
	m.synced[ref] = true
	m.mu.Unlock()

	m.cacheDoc(ref, doc, 0)
	return doc
}

// applyChange folds a server push into the cache. A push older than an
// unconfirmed local write is discarded.
func (m *Manager) applyChange(c domain.Change) (Snapshot, bool) {
	m.mu.Lock()
	p, pending := m.pending[c.Ref]
	if pending && c.UpdatedAt.Before(p.stagedAt) {
		m.mu.Unlock()
		if p.deleted {
			return Snapshot{Ref: c.Ref, Local: true}, false
		}
		if local, ok := m.cachedDoc(c.Ref, true); ok {
			return Snapshot{Ref: c.Ref, Doc: local, Exists: true, Local: true}, false
		}
		// Local value unknown; the push is the best view, but stays uncached
		return Snapshot{Ref: c.Ref, Doc: c.Doc, Exists: c.Exists}, false
	}
	if c.Exists {
		m.synced[c.Ref] = true
	} else {
		delete(m.synced, c.Ref)
	}
	m.mu.Unlock()

	if c.Exists {
		m.cacheDoc(c.Ref, c.Doc, 0)
	} else {
		m.cache.Invalidate(c.Ref.Key())
	}
	return Snapshot{Ref: c.Ref, Doc: c.Doc, Exists: c.Exists}, true
}

// Set replaces the document at ref, or overlays fields with opts.Merge.
// The local cache and subscribers see the write before it is synced.
func (m *Manager) Set(ctx context.Context, ref domain.Ref, doc domain.Document, opts SetOptions) error {
	return m.write(ctx, OpSet, ref, doc, opts.Merge, opts.SyncImmediately)
}

// Create writes a new document at ref
func (m *Manager) Create(ctx context.Context, ref domain.Ref, doc domain.Document, opts SetOptions) error {
	return m.write(ctx, OpCreate, ref, doc, false, opts.SyncImmediately)
}

func (m *Manager) write(ctx context.Context, op Operation, ref domain.Ref, doc domain.Document, merge, immediate bool) error {
	if err := m.check(ref); err != nil {
		return err
	}

	item := NewItem(op, ref, doc.Clone(), time.Time{})
	item.Merge = merge

	m.stage(item, func() []localChange {
		local := domain.ResolveSentinels(nil, doc)
		if merge {
			local = m.overlay(ref, doc)
		}
		return []localChange{{ref: ref, doc: local, exists: true}}
	})
	if immediate {
		m.drain(ctx)
	}
	return nil
}

// Update overlays fields on an existing document. By default the existence
// check happens when the queued update reaches the remote store; a missing
// document is then reported through the error handler. The returned value
// is the optimistic local document, nil when it is not cached.
func (m *Manager) Update(ctx context.Context, ref domain.Ref, fields domain.Document, opts UpdateOptions) (domain.Document, error) {
	if err := m.check(ref); err != nil {
		return nil, err
	}

	if m.State(ref) == StatePendingDelete && !opts.Upsert {
		return nil, fmt.Errorf("update %s: %w", ref, domain.ErrNotFound)
	}

	// A local write that has not synced yet already proves existence
	if opts.RequireExists && !m.isPendingWrite(ref) {
		doc, err := m.readRemote(ctx, ref)
		switch {
		case err == nil:
			m.applyRead(ref, doc)
		case errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("update %s: %w", ref, domain.ErrNotFound)
		default:
			return nil, fmt.Errorf("update %s: %w", ref, err)
		}
	}

	op := OpUpdate
	if opts.Upsert {
		op = OpSet
	}
	item := NewItem(op, ref, fields.Clone(), time.Time{})
	item.Merge = opts.Upsert

	var local domain.Document
	m.stage(item, func() []localChange {
		local = m.overlay(ref, fields)
		return []localChange{{ref: ref, doc: local, exists: true}}
	})

	if opts.SyncImmediately {
		m.drain(ctx)
	}
	return local.Clone(), nil
}

// Delete removes the document at ref. Deleting an absent document is not
// an error.
func (m *Manager) Delete(ctx context.Context, ref domain.Ref) error {
	if err := m.check(ref); err != nil {
		return err
	}
	item := NewItem(OpDelete, ref, nil, time.Time{})
	m.stage(item, func() []localChange {
		return []localChange{{ref: ref, exists: false}}
	})
	return nil
}

// Increment adds delta to a numeric field. Increments commute, so queued
// increments replay correctly in any order.
func (m *Manager) Increment(ctx context.Context, ref domain.Ref, field string, delta float64) error {
	if err := m.check(ref); err != nil {
		return err
	}
	fields := domain.Document{field: domain.Increment{Delta: delta}}
	item := NewItem(OpIncrement, ref, fields, time.Time{})
	m.stage(item, func() []localChange {
		return []localChange{{ref: ref, doc: m.overlay(ref, fields), exists: true}}
	})
	return nil
}

// BatchWrite stages every operation as one unit: either all are applied
// locally and queued together, or none are. The remote store applies the
// batch atomically.
func (m *Manager) BatchWrite(ctx context.Context, ops []domain.WriteOp) error {
	if m.closed.Load() {
		return domain.ErrClosed
	}
	if len(ops) == 0 {
		return nil
	}

	batch := make([]domain.WriteOp, len(ops))
	for n, op := range ops {
		if err := op.Ref.Validate(); err != nil {
			return fmt.Errorf("batch op %d: %w", n, err)
		}
		switch op.Kind {
		case domain.WriteSet, domain.WriteUpdate, domain.WriteDelete:
		default:
			return fmt.Errorf("batch op %d: unknown kind %q", n, op.Kind)
		}
		op.Data = op.Data.Clone()
		batch[n] = op
	}

	item := NewItem(OpBatch, domain.Ref{}, nil, time.Time{})
	item.Batch = batch

	m.stage(item, func() []localChange {
		return m.batchChanges(batch)
	})
	return nil
}

// batchChanges computes the optimistic result of each document touched
// by a batch, applying operations in order
func (m *Manager) batchChanges(ops []domain.WriteOp) []localChange {
	type docState struct {
		doc    domain.Document
		exists bool
		absent bool // known not to exist, as opposed to not cached
	}

	var order []domain.Ref
	state := make(map[domain.Ref]*docState)

	for _, op := range ops {
		st, seen := state[op.Ref]
		if !seen {
			base, ok := m.cachedDoc(op.Ref, true)
			st = &docState{doc: base, exists: ok, absent: m.State(op.Ref) == StatePendingDelete}
			state[op.Ref] = st
			order = append(order, op.Ref)
		}

		switch {
		case op.Kind == domain.WriteDelete:
			st.doc, st.exists, st.absent = nil, false, true
			continue
		case op.Kind == domain.WriteSet && !op.Merge:
			st.doc = domain.ResolveSentinels(nil, op.Data)
		case st.doc != nil:
			st.doc = st.doc.Merge(op.Data)
		case st.absent && op.Kind == domain.WriteSet:
			st.doc = domain.ResolveSentinels(nil, op.Data)
		default:
			st.doc = nil // base unknown
		}
		st.exists, st.absent = true, false
	}

	out := make([]localChange, len(order))
	for n, ref := range order {
		st := state[ref]
		out[n] = localChange{ref: ref, doc: st.doc, exists: st.exists || st.doc != nil}
	}
	return out
}

// overlay returns the cached document with fields applied. A document
// pending deletion counts as empty; otherwise an uncached base makes the
// result unknown (nil).
func (m *Manager) overlay(ref domain.Ref, fields domain.Document) domain.Document {
	if base, ok := m.cachedDoc(ref, true); ok {
		return base.Merge(fields)
	}
	if m.State(ref) == StatePendingDelete {
		return domain.ResolveSentinels(nil, fields)
	}
	return nil
}

// stage computes and applies the local result of item, queues it and
// notifies subscribers. Subscribers run after stageMu is released so they
// may write.
func (m *Manager) stage(item *Item, compute func() []localChange) {
	m.stageMu.Lock()
	item.StagedAt = m.now()
	changes := compute()

	m.mu.Lock()
	for _, ch := range changes {
		m.pending[ch.ref] = pendingWrite{stagedAt: item.StagedAt, deleted: !ch.exists}
		delete(m.synced, ch.ref)
	}
	m.mu.Unlock()

	for _, ch := range changes {
		if ch.exists && ch.doc != nil {
			m.cacheDoc(ch.ref, ch.doc, 0)
		} else {
			m.cache.Invalidate(ch.ref.Key())
		}
	}
	m.invalidateQueries(item)

	m.queue.Enqueue(item)
	m.stageMu.Unlock()

	for _, ch := range changes {
		if ch.exists && ch.doc == nil {
			// Resulting value unknown until the remote confirms
			continue
		}
		m.registry.Notify(Snapshot{Ref: ch.ref, Doc: ch.doc, Exists: ch.exists, Local: true})
	}

	if m.conn.Online() {
		m.trigger()
	}
}

func (m *Manager) invalidateQueries(item *Item) {
	for _, collection := range collectionsTouched(item) {
		m.cache.InvalidatePrefix(QueryPrefix(collection))
	}
}

// send applies one queued item to the remote store
func (m *Manager) send(ctx context.Context, item *Item) error {
	rctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var err error
	switch item.Op {
	case OpCreate:
		err = m.remote.WriteOne(rctx, item.Ref, item.Data, false)
	case OpSet:
		err = m.remote.WriteOne(rctx, item.Ref, item.Data, item.Merge)
	case OpIncrement:
		err = m.remote.WriteOne(rctx, item.Ref, item.Data, true)
	case OpUpdate:
		err = m.remote.UpdateOne(rctx, item.Ref, item.Data)
	case OpDelete:
		err = m.remote.DeleteOne(rctx, item.Ref)
	case OpBatch:
		err = m.remote.BatchWrite(rctx, item.Batch)
	default:
		err = fmt.Errorf("%w: unknown operation %q", domain.ErrInvalidRef, item.Op)
	}
	if err != nil {
		return remoteErr(err)
	}

	m.confirm(ctx, item)
	return nil
}

// confirm clears pending state for a synced item and, unless a newer
// local write is waiting, re-reads the documents so server-assigned
// fields reach the cache.
func (m *Manager) confirm(ctx context.Context, item *Item) {
	m.invalidateQueries(item)

	for _, ch := range itemChanges(item) {
		m.mu.Lock()
		p, ok := m.pending[ch.ref]
		newer := ok && p.stagedAt.After(item.StagedAt)
		if ok && !newer {
			delete(m.pending, ch.ref)
		}
		m.mu.Unlock()

		if newer || !ch.exists || !m.refreshAfterWrite {
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, m.timeout)
		doc, err := m.remote.ReadOne(rctx, ch.ref)
		cancel()
		if err != nil {
			m.logger.Debug("post-write refresh failed", "key", ch.ref.Key(), "error", err)
			m.cache.Invalidate(ch.ref.Key())
			continue
		}
		m.applyRead(ch.ref, doc)
	}
}

// handleDrop rolls back local state for a write the remote store will
// never see, then reports it
func (m *Manager) handleDrop(syncErr *SyncError) {
	item := syncErr.Item
	for _, ch := range itemChanges(item) {
		m.mu.Lock()
		if p, ok := m.pending[ch.ref]; ok && !p.stagedAt.After(item.StagedAt) {
			delete(m.pending, ch.ref)
		}
		delete(m.synced, ch.ref)
		m.mu.Unlock()
		m.cache.Invalidate(ch.ref.Key())
	}

	m.logger.Error("dropped queued write",
		"op", item.Op, "key", item.Key(), "retries", item.RetryCount, "error", syncErr.Err)
	if m.onSyncError != nil {
		m.onSyncError(syncErr)
	}
}

// itemChanges lists the documents an item touches and whether each
// exists afterwards
func itemChanges(item *Item) []localChange {
	switch item.Op {
	case OpBatch:
		last := make(map[domain.Ref]int)
		var out []localChange
		for _, op := range item.Batch {
			ch := localChange{ref: op.Ref, exists: op.Kind != domain.WriteDelete}
			if idx, ok := last[op.Ref]; ok {
				out[idx] = ch
				continue
			}
			last[op.Ref] = len(out)
			out = append(out, ch)
		}
		return out
	case OpDelete:
		return []localChange{{ref: item.Ref, exists: false}}
	default:
		return []localChange{{ref: item.Ref, exists: true}}
	}
}

// Query runs a live query when online and caches the results with a
// shorter TTL. Offline or on failure, the last cached results for the
// same query are returned; without them the error is returned.
func (m *Manager) Query(ctx context.Context, collection string, filters []domain.Filter, orderBy *domain.OrderBy, limit int) ([]domain.Document, error) {
	if m.closed.Load() {
		return nil, domain.ErrClosed
	}
	if collection == "" || strings.Contains(collection, ":") {
		return nil, fmt.Errorf("%w: collection %q", domain.ErrInvalidRef, collection)
	}

	key := QueryKey(collection, filters, orderBy, limit)

	var err error
	if m.conn.Online() {
		var docs []domain.Document
		qctx, cancel := context.WithTimeout(ctx, m.timeout)
		docs, err = m.remote.QueryMany(qctx, collection, filters, orderBy, limit)
		cancel()
		if err == nil {
			docs = m.overlayPending(collection, docs)
			m.cache.SetJSON(key, docs, m.queryTTL)
			return docs, nil
		}
		err = remoteErr(err)
		m.logger.Warn("query failed", "collection", collection, "error", err)
	} else {
		err = domain.ErrUnavailable
	}

	if data, ok := m.cache.GetStale(key); ok {
		var docs []domain.Document
		if jerr := json.Unmarshal(data, &docs); jerr == nil {
			return docs, nil
		}
	}
	return nil, err
}

// overlayPending swaps in local versions of documents with unconfirmed
// writes and hides ones pending deletion. New documents that would match
// the query are not added.
func (m *Manager) overlayPending(collection string, docs []domain.Document) []domain.Document {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return docs
	}
	pending := make(map[string]pendingWrite)
	for ref, p := range m.pending {
		if ref.Collection == collection {
			pending[ref.ID] = p
		}
	}
	m.mu.Unlock()

	out := docs[:0]
	for _, doc := range docs {
		id, _ := doc[domain.FieldID].(string)
		p, ok := pending[id]
		if !ok {
			out = append(out, doc)
			continue
		}
		if p.deleted {
			continue
		}
		ref := domain.Ref{Collection: collection, ID: id}
		if local, ok := m.cachedDoc(ref, true); ok {
			local[domain.FieldID] = id
			out = append(out, local)
			continue
		}
		out = append(out, doc)
	}
	return out
}

// Subscribe calls cb with the document's state now and on every change,
// local or remote, until the returned function is called.
func (m *Manager) Subscribe(ref domain.Ref, cb Callback) (unsubscribe func()) {
	if err := m.check(ref); err != nil {
		m.logger.Warn("subscribe rejected", "key", ref.Key(), "error", err)
		return func() {}
	}
	return m.registry.Subscribe(ref, cb)
}

// Invalidate drops the cached copy of one document
func (m *Manager) Invalidate(ref domain.Ref) {
	m.cache.Invalidate(ref.Key())
	m.mu.Lock()
	delete(m.synced, ref)
	m.mu.Unlock()
}

// InvalidateCache drops every cache entry whose key starts with prefix;
// an empty prefix clears the cache
func (m *Manager) InvalidateCache(prefix string) int {
	return m.cache.InvalidatePrefix(prefix)
}

// State reports the sync state of one document
func (m *Manager) State(ref domain.Ref) DocState {
	m.mu.Lock()
	p, pending := m.pending[ref]
	synced := m.synced[ref]
	m.mu.Unlock()

	switch {
	case pending && p.deleted:
		return StatePendingDelete
	case pending:
		return StatePendingWrite
	}
	if _, ok := m.cache.GetStale(ref.Key()); !ok {
		return StateAbsent
	}
	if _, ok := m.cache.Get(ref.Key()); ok && synced {
		return StateSynced
	}
	return StateCachedOnly
}

// Stats returns a diagnostic snapshot
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	pending := len(m.pending)
	m.mu.Unlock()

	return Stats{
		CacheSize:       m.cache.Len(),
		QueueSize:       m.queue.Len(),
		IsOnline:        m.conn.Online(),
		SubscriberCount: m.registry.SubscriberCount(),
		ListenerCount:   m.registry.ListenerCount(),
		PendingKeys:     pending,
	}
}

func (m *Manager) isPendingWrite(ref domain.Ref) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[ref]
	return ok && !p.deleted
}

// pinned keeps unconfirmed local writes in the cache; until the remote
// store confirms them the cache holds the only readable copy
func (m *Manager) pinned(key string) bool {
	ref, err := domain.ParseRef(key)
	if err != nil {
		return false
	}
	return m.isPendingWrite(ref)
}

func (m *Manager) check(ref domain.Ref) error {
	if m.closed.Load() {
		return domain.ErrClosed
	}
	return ref.Validate()
}

func (m *Manager) cacheDoc(ref domain.Ref, doc domain.Document, ttl time.Duration) {
	m.cache.SetJSON(ref.Key(), doc, ttl)
}

func (m *Manager) cachedDoc(ref domain.Ref, stale bool) (domain.Document, bool) {
	var (
		data []byte
		ok   bool
	)
	if stale {
		data, ok = m.cache.GetStale(ref.Key())
	} else {
		data, ok = m.cache.Get(ref.Key())
	}
	if !ok {
		return nil, false
	}

	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		m.logger.Warn("dropping undecodable cache entry", "key", ref.Key(), "error", err)
		m.cache.Invalidate(ref.Key())
		return nil, false
	}
	return doc, true
}

// remoteErr maps timeouts to ErrUnavailable
func remoteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrUnavailable) {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return err
}
