package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmcdole/biolink/internal/domain"
)

// Operation identifies the kind of queued mutation
type Operation string

const (
	OpCreate    Operation = "create"    // full write of a new document
	OpSet       Operation = "set"       // full write, or field overlay when Merge
	OpUpdate    Operation = "update"    // field overlay on an existing document
	OpDelete    Operation = "delete"    // removal, idempotent
	OpIncrement Operation = "increment" // commutative counter deltas
	OpBatch     Operation = "batch"     // atomic multi-document write
)

// Item is a mutation staged locally and not yet confirmed by the remote store
type Item struct {
	ID    string           `json:"id"`
	Op    Operation        `json:"op"`
	Ref   domain.Ref       `json:"ref"`
	Data  domain.Document  `json:"data,omitempty"`
	Merge bool             `json:"merge,omitempty"`
	Batch []domain.WriteOp `json:"batch,omitempty"`

	StagedAt      time.Time `json:"staged_at"`
	RetryCount    int       `json:"retry_count"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
}

// NewItem creates an item with a fresh id
func NewItem(op Operation, ref domain.Ref, data domain.Document, stagedAt time.Time) *Item {
	return &Item{
		ID:       uuid.NewString(),
		Op:       op,
		Ref:      ref,
		Data:     data,
		StagedAt: stagedAt,
	}
}

// Refs returns every document the item touches
func (i *Item) Refs() []domain.Ref {
	if i.Op != OpBatch {
		return []domain.Ref{i.Ref}
	}
	refs := make([]domain.Ref, len(i.Batch))
	for n, op := range i.Batch {
		refs[n] = op.Ref
	}
	return refs
}

// Key identifies the item's document for logs; batches list their size
func (i *Item) Key() string {
	if i.Op == OpBatch {
		return fmt.Sprintf("batch(%d)", len(i.Batch))
	}
	return i.Ref.Key()
}

func (i *Item) fullWrite() bool {
	return i.Op == OpCreate || (i.Op == OpSet && !i.Merge)
}

func (i *Item) clone() *Item {
	out := *i
	out.Data = i.Data.Clone()
	if i.Batch != nil {
		out.Batch = make([]domain.WriteOp, len(i.Batch))
		for n, op := range i.Batch {
			op.Data = op.Data.Clone()
			out.Batch[n] = op
		}
	}
	return &out
}

// restoreSentinels rehydrates increment values after a JSON round trip
func (i *Item) restoreSentinels() {
	domain.RestoreSentinels(i.Data)
	for n := range i.Batch {
		domain.RestoreSentinels(i.Batch[n].Data)
	}
}

// SyncError reports a mutation dropped from the queue
type SyncError struct {
	Item *Item
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %s: %v", e.Item.Op, e.Item.Key(), e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Sender applies one item to the remote store
type Sender func(ctx context.Context, item *Item) error

// DrainResult summarizes one drain pass
type DrainResult struct {
	Sent     int
	Requeued int
	Deferred int
	Dropped  int
}

// RetryPolicy bounds redelivery of failed items
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns a ceiling of 3 retries with capped exponential backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Backoff returns the delay before the given retry (1-based)
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if p.InitialBackoff <= 0 || retry <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2.0
	}
	delay := float64(p.InitialBackoff)
	for n := 1; n < retry; n++ {
		delay *= mult
		if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(delay)
}

// isPermanent reports errors that a retry cannot fix
func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidRef)
}

// Queue is an ordered list of pending mutations. Drain passes are
// serialized; items enqueued during a pass wait for the next one.
type Queue struct {
	mu    sync.Mutex
	items []*Item

	drainMu sync.Mutex
	closed  bool // guarded by drainMu
	policy  RetryPolicy

	storage domain.LocalStorage
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics

	onDrop func(*SyncError)
}

// NewQueue creates a queue. storage may be nil.
func NewQueue(policy RetryPolicy, storage domain.LocalStorage, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		policy:  policy,
		storage: storage,
		now:     time.Now,
		logger:  logger,
	}
}

// Enqueue appends an item. Never blocks on I/O.
func (q *Queue) Enqueue(item *Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items)
	q.mu.Unlock()
	q.metrics.updateQueueDepth(n)
}

// Len returns the number of queued items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queued items in order
func (q *Queue) Items() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Item, len(q.items))
	for n, it := range q.items {
		out[n] = it.clone()
	}
	return out
}

// Pending reports whether any queued item touches ref
func (q *Queue) Pending(ref domain.Ref) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		for _, r := range it.Refs() {
			if r == ref {
				return true
			}
		}
	}
	return false
}

// Drain collapses the queue and sends every due item once, in order.
// Successful items are removed. Failed items are requeued with backoff
// until the retry ceiling, then dropped. After an item fails, later items
// for the same document wait for the next pass without spending a retry.
// The resulting queue is persisted before the pass ends.
func (q *Queue) Drain(ctx context.Context, send Sender) DrainResult {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	if q.closed {
		return DrainResult{}
	}

	q.mu.Lock()
	batch := collapse(q.items)
	q.items = nil
	q.mu.Unlock()

	var (
		result  DrainResult
		kept    []*Item
		blocked = make(map[domain.Ref]bool)
		now     = q.now()
	)

	for n, item := range batch {
		if ctx.Err() != nil {
			kept = append(kept, batch[n:]...)
			result.Deferred += len(batch) - n
			break
		}

		if item.NextAttemptAt.After(now) || touchesAny(item, blocked) {
			kept = append(kept, item)
			result.Deferred++
			for _, r := range item.Refs() {
				blocked[r] = true
			}
			continue
		}

		err := send(ctx, item)
		switch {
		case err != nil && ctx.Err() != nil:
			// Shutting down; not the item's fault
			kept = append(kept, item)
			result.Deferred++

		case err == nil:
			result.Sent++
			q.metrics.recordSynced(item.Op)

		case isPermanent(err):
			result.Dropped++
			q.drop(item, err, "rejected")

		case item.RetryCount >= q.policy.MaxRetries:
			result.Dropped++
			q.drop(item, fmt.Errorf("%w after %d attempts: %v", domain.ErrRetryExhausted, item.RetryCount+1, err), "exhausted")

		default:
			item.RetryCount++
			item.NextAttemptAt = q.now().Add(q.policy.Backoff(item.RetryCount))
			kept = append(kept, item)
			result.Requeued++
			q.metrics.recordRetry()
			q.logger.Debug("requeued sync item",
				"op", item.Op, "key", item.Key(), "retry", item.RetryCount, "error", err)
			for _, r := range item.Refs() {
				blocked[r] = true
			}
		}
	}

	// Kept items go ahead of anything staged during the pass so writes to
	// one document stay in staging order
	q.mu.Lock()
	q.items = append(kept, q.items...)
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.recordDrain()
	q.metrics.updateQueueDepth(depth)
	q.Persist()
	return result
}

// Close waits for a drain pass in progress and refuses later ones. Queued
// items stay in place for Persist.
func (q *Queue) Close() {
	q.drainMu.Lock()
	q.closed = true
	q.drainMu.Unlock()
}

func (q *Queue) drop(item *Item, err error, reason string) {
	q.metrics.recordDropped(reason)
	syncErr := &SyncError{Item: item, Err: err}
	if q.onDrop != nil {
		q.onDrop(syncErr)
		return
	}
	q.logger.Error("dropped sync item", "op", item.Op, "key", item.Key(), "error", err)
}

func touchesAny(item *Item, refs map[domain.Ref]bool) bool {
	for _, r := range item.Refs() {
		if refs[r] {
			return true
		}
	}
	return false
}

// Persist writes the queue to local storage
func (q *Queue) Persist() {
	if q.storage == nil {
		return
	}

	q.mu.Lock()
	data, err := json.Marshal(q.items)
	n := len(q.items)
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn("failed to encode sync queue", "error", err)
		return
	}
	if err := q.storage.Set(StorageKeyQueue, data); err != nil {
		q.logger.Warn("failed to persist sync queue", "error", err)
		return
	}
	q.logger.Debug("persisted sync queue", "items", n)
}

// Restore loads persisted items ahead of anything enqueued since startup
func (q *Queue) Restore() {
	if q.storage == nil {
		return
	}

	data, ok, err := q.storage.Get(StorageKeyQueue)
	if err != nil {
		q.logger.Warn("failed to read sync queue", "error", err)
		return
	}
	if !ok {
		return
	}

	var restored []*Item
	if err := json.Unmarshal(data, &restored); err != nil {
		q.logger.Warn("discarding corrupt sync queue", "error", err)
		return
	}
	for _, it := range restored {
		it.restoreSentinels()
	}

	q.mu.Lock()
	q.items = append(restored, q.items...)
	n := len(q.items)
	q.mu.Unlock()

	q.metrics.updateQueueDepth(n)
	if len(restored) > 0 {
		q.logger.Info("restored sync queue", "items", len(restored))
	}
}

// collapse folds queued writes to the same document into one item so the
// latest staged state is what reaches the remote store. Batches are
// barriers: nothing folds across a batch touching the same document.
func collapse(items []*Item) []*Item {
	out := make([]*Item, 0, len(items))
	last := make(map[domain.Ref]int) // ref -> index in out of its foldable item

	for _, item := range items {
		if item.Op == OpBatch {
			for _, r := range item.Refs() {
				delete(last, r)
			}
			out = append(out, item)
			continue
		}

		if idx, ok := last[item.Ref]; ok {
			if merged, ok := fold(out[idx], item); ok {
				out[idx] = merged
				continue
			}
		}
		last[item.Ref] = len(out)
		out = append(out, item)
	}
	return out
}

// fold combines earlier item e with later item l for the same document.
// The result carries l's identity, timestamp and retry state.
func fold(e, l *Item) (*Item, bool) {
	var merged *Item

	switch {
	case l.Op == OpDelete || l.fullWrite():
		// Supersedes everything before it
		merged = l.clone()

	case e.Op == OpDelete:
		if l.Op == OpUpdate {
			// Update of a deleted document must still fail remotely
			return nil, false
		}
		// Overlay onto an absent document is a full write
		merged = l.clone()
		merged.Op = OpSet
		merged.Merge = false
		merged.Data = foldFields(nil, l.Data, true)

	case e.fullWrite():
		merged = l.clone()
		merged.Op = e.Op
		merged.Merge = false
		merged.Data = foldFields(e.Data, l.Data, true)

	case e.Op == OpUpdate && (l.Op == OpUpdate || l.Op == OpIncrement):
		merged = l.clone()
		merged.Op = OpUpdate
		merged.Data = foldFields(e.Data, l.Data, false)

	case e.Op == OpIncrement && l.Op == OpIncrement:
		merged = l.clone()
		merged.Data = foldFields(e.Data, l.Data, false)

	default:
		// Remaining pairs are overlays that create the document if needed
		merged = l.clone()
		merged.Op = OpSet
		merged.Merge = true
		merged.Data = foldFields(e.Data, l.Data, false)
	}

	return merged, true
}

// foldFields overlays fields on base. Increments combine with earlier
// increments, apply to concrete values, and stay as deltas when the base
// value is unknown (full=false) or absent from a full write (full=true,
// where absent means zero).
func foldFields(base, fields domain.Document, full bool) domain.Document {
	out := base.Clone()
	if out == nil {
		out = make(domain.Document, len(fields))
	}
	for k, v := range fields {
		inc, ok := v.(domain.Increment)
		if !ok {
			out[k] = v
			continue
		}
		prev, had := out[k]
		switch p := prev.(type) {
		case domain.Increment:
			out[k] = domain.Increment{Delta: p.Delta + inc.Delta}
		default:
			if had || full {
				out[k] = inc.Apply(prev)
			} else {
				out[k] = inc
			}
		}
	}
	return out
}
