package remote

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mmcdole/biolink/internal/domain"
)

// Memory is an in-process RemoteStore. It stamps server timestamps,
// pushes changes synchronously and can simulate an outage, which makes
// it the store used by tests and the offline demo.
type Memory struct {
	mu        sync.Mutex
	docs      map[domain.Ref]domain.Document
	listeners map[domain.Ref]map[uint64]domain.ChangeFunc
	nextID    uint64
	available bool
	now       func() time.Time
	calls     map[string]int
}

// NewMemory creates an empty, available store
func NewMemory() *Memory {
	return &Memory{
		docs:      make(map[domain.Ref]domain.Document),
		listeners: make(map[domain.Ref]map[uint64]domain.ChangeFunc),
		available: true,
		now:       time.Now,
		calls:     make(map[string]int),
	}
}

// SetClock replaces the server clock
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetAvailable simulates losing or regaining the network path. Open
// listeners survive an outage.
func (m *Memory) SetAvailable(available bool) {
	m.mu.Lock()
	m.available = available
	m.mu.Unlock()
}

// Calls returns how many times an operation was attempted
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// ListenerCount returns the number of open listens
func (m *Memory) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ls := range m.listeners {
		n += len(ls)
	}
	return n
}

// BreakListeners fails every open listen with err and removes it
func (m *Memory) BreakListeners(err error) {
	m.mu.Lock()
	var fns []domain.ChangeFunc
	for _, ls := range m.listeners {
		for _, fn := range ls {
			fns = append(fns, fn)
		}
	}
	m.listeners = make(map[domain.Ref]map[uint64]domain.ChangeFunc)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(domain.Change{}, err)
	}
}

// enter records the call and fails when unavailable; caller holds mu
func (m *Memory) enter(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.available {
		return fmt.Errorf("%s: %w", op, domain.ErrUnavailable)
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(ctx, "ping")
}

func (m *Memory) ReadOne(ctx context.Context, ref domain.Ref) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "read"); err != nil {
		return nil, err
	}
	doc, ok := m.docs[ref]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", ref, domain.ErrNotFound)
	}
	return withID(doc, ref.ID), nil
}

func (m *Memory) WriteOne(ctx context.Context, ref domain.Ref, doc domain.Document, merge bool) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.enter(ctx, "write"); err != nil {
		m.mu.Unlock()
		return err
	}
	stored := applyWrite(m.docs[ref], doc, merge, m.now())
	m.docs[ref] = stored
	notify := m.collectLocked(ref, stored)
	m.mu.Unlock()

	notify()
	return nil
}

func (m *Memory) UpdateOne(ctx context.Context, ref domain.Ref, fields domain.Document) error {
	m.mu.Lock()
	if err := m.enter(ctx, "update"); err != nil {
		m.mu.Unlock()
		return err
	}
	existing, ok := m.docs[ref]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update %s: %w", ref, domain.ErrNotFound)
	}
	stored := applyUpdate(existing, fields, m.now())
	m.docs[ref] = stored
	notify := m.collectLocked(ref, stored)
	m.mu.Unlock()

	notify()
	return nil
}

func (m *Memory) DeleteOne(ctx context.Context, ref domain.Ref) error {
	m.mu.Lock()
	if err := m.enter(ctx, "delete"); err != nil {
		m.mu.Unlock()
		return err
	}
	if _, ok := m.docs[ref]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.docs, ref)
	notify := m.collectLocked(ref, nil)
	m.mu.Unlock()

	notify()
	return nil
}

func (m *Memory) QueryMany(ctx context.Context, collection string, filters []domain.Filter, orderBy *domain.OrderBy, limit int) ([]domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "query"); err != nil {
		return nil, err
	}

	var candidates []domain.Document
	for ref, doc := range m.docs {
		if ref.Collection == collection {
			candidates = append(candidates, withID(doc, ref.ID))
		}
	}
	return selectDocs(candidates, filters, orderBy, limit), nil
}

// BatchWrite validates every operation against the staged result of the
// ones before it, then commits all of them or none.
func (m *Memory) BatchWrite(ctx context.Context, ops []domain.WriteOp) error {
	if err := validateOps(ops); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.enter(ctx, "batch"); err != nil {
		m.mu.Unlock()
		return err
	}

	now := m.now()
	staged := make(map[domain.Ref]domain.Document)
	var order []domain.Ref
	current := func(ref domain.Ref) domain.Document {
		if doc, ok := staged[ref]; ok {
			return doc
		}
		return m.docs[ref]
	}

	for n, op := range ops {
		if _, seen := staged[op.Ref]; !seen {
			order = append(order, op.Ref)
		}
		switch op.Kind {
		case domain.WriteSet:
			staged[op.Ref] = applyWrite(current(op.Ref), op.Data, op.Merge, now)
		case domain.WriteUpdate:
			existing := current(op.Ref)
			if existing == nil {
				m.mu.Unlock()
				return fmt.Errorf("batch op %d: update %s: %w", n, op.Ref, domain.ErrNotFound)
			}
			staged[op.Ref] = applyUpdate(existing, op.Data, now)
		case domain.WriteDelete:
			staged[op.Ref] = nil
		}
	}

	var notifies []func()
	for _, ref := range order {
		doc := staged[ref]
		if doc == nil {
			if _, ok := m.docs[ref]; !ok {
				continue
			}
			delete(m.docs, ref)
		} else {
			m.docs[ref] = doc
		}
		notifies = append(notifies, m.collectLocked(ref, doc))
	}
	m.mu.Unlock()

	for _, notify := range notifies {
		notify()
	}
	return nil
}

// Listen delivers the current state before returning, then every change
// until stop is called or ctx is done.
func (m *Memory) Listen(ctx context.Context, ref domain.Ref, onChange domain.ChangeFunc) (func(), error) {
	m.mu.Lock()
	if err := m.enter(ctx, "listen"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.nextID++
	id := m.nextID
	if m.listeners[ref] == nil {
		m.listeners[ref] = make(map[uint64]domain.ChangeFunc)
	}
	m.listeners[ref][id] = onChange
	initial := change(ref, m.docs[ref])
	m.mu.Unlock()

	onChange(initial, nil)

	stop := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners[ref], id)
		if len(m.listeners[ref]) == 0 {
			delete(m.listeners, ref)
		}
	}
	release := context.AfterFunc(ctx, stop)
	return func() {
		release()
		stop()
	}, nil
}

// collectLocked snapshots the listeners for ref and returns a function
// that notifies them, to be called after mu is released
func (m *Memory) collectLocked(ref domain.Ref, doc domain.Document) func() {
	ls := m.listeners[ref]
	if len(ls) == 0 {
		return func() {}
	}
	// Deliver in subscription order
	ids := make([]uint64, 0, len(ls))
	for id := range ls {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]domain.ChangeFunc, len(ids))
	for n, id := range ids {
		fns[n] = ls[id]
	}

	c := change(ref, doc)
	return func() {
		for _, fn := range fns {
			push := c
			push.Doc = c.Doc.Clone()
			fn(push, nil)
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.listeners = make(map[domain.Ref]map[uint64]domain.ChangeFunc)
	m.mu.Unlock()
	return nil
}
