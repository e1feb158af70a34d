package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mmcdole/biolink/internal/domain"
)

// documentRow is one stored document
type documentRow struct {
	Namespace  string `gorm:"primaryKey"`
	Collection string `gorm:"primaryKey"`
	ID         string `gorm:"primaryKey"`
	Data       string `gorm:"not null"`
	Created    string `gorm:"column:created_at"`
	Updated    string `gorm:"column:updated_at;index"`
}

// TableName specifies the table name for documentRow
func (documentRow) TableName() string {
	return "documents"
}

// SQLConfig configures the SQLite backend
type SQLConfig struct {
	Path      string // empty or ":memory:" for an in-memory database
	Namespace string
}

// SQL stores documents in one SQLite table. Every write runs in a
// transaction; listeners in this process are notified after commit.
type SQL struct {
	db        *gorm.DB
	namespace string
	hub       *hub
	logger    *slog.Logger
	now       func() time.Time
}

// NewSQL opens the database and migrates the documents table
func NewSQL(cfg SQLConfig, log *slog.Logger) (*SQL, error) {
	if log == nil {
		log = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// One connection: SQLite serializes writers anyway, and each
	// connection to :memory: would see its own database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&documentRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQL{
		db:        db,
		namespace: cfg.Namespace,
		hub:       newHub(),
		logger:    log,
		now:       time.Now,
	}, nil
}

// sqlErr maps context expiry and a busy database to ErrUnavailable
func sqlErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return err
}

func (s *SQL) scope(tx *gorm.DB, ref domain.Ref) *gorm.DB {
	return tx.Where("namespace = ? AND collection = ? AND id = ?", s.namespace, ref.Collection, ref.ID)
}

// load returns the stored document, nil when absent
func (s *SQL) load(tx *gorm.DB, ref domain.Ref) (domain.Document, error) {
	var row documentRow
	err := s.scope(tx, ref).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowDocument(row)
}

func rowDocument(row documentRow) (domain.Document, error) {
	var doc domain.Document
	if err := json.Unmarshal([]byte(row.Data), &doc); err != nil {
		return nil, fmt.Errorf("decode %s:%s: %w", row.Collection, row.ID, err)
	}
	return doc, nil
}

// store upserts doc, or deletes the row when doc is nil
func (s *SQL) store(tx *gorm.DB, ref domain.Ref, doc domain.Document) error {
	if doc == nil {
		return s.scope(tx, ref).Delete(&documentRow{}).Error
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ref, err)
	}
	created, _ := doc[domain.FieldCreatedAt].(string)
	updated, _ := doc[domain.FieldUpdatedAt].(string)
	row := documentRow{
		Namespace:  s.namespace,
		Collection: ref.Collection,
		ID:         ref.ID,
		Data:       string(data),
		Created:    created,
		Updated:    updated,
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// mutate reads, computes and stores one document in a transaction and
// notifies listeners once committed
func (s *SQL) mutate(ctx context.Context, ref domain.Ref, fn func(existing domain.Document) (domain.Document, error)) error {
	var next domain.Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.load(tx, ref)
		if err != nil {
			return err
		}
		next, err = fn(existing)
		if err != nil {
			return err
		}
		return s.store(tx, ref, next)
	})
	if err != nil {
		return sqlErr(err)
	}
	s.hub.publish(ref, next)
	return nil
}

func (s *SQL) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlErr(sqlDB.PingContext(ctx))
}

func (s *SQL) ReadOne(ctx context.Context, ref domain.Ref) (domain.Document, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	doc, err := s.load(s.db.WithContext(ctx), ref)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, sqlErr(err))
	}
	if doc == nil {
		return nil, fmt.Errorf("read %s: %w", ref, domain.ErrNotFound)
	}
	return withID(doc, ref.ID), nil
}

func (s *SQL) WriteOne(ctx context.Context, ref domain.Ref, doc domain.Document, merge bool) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, ref, func(existing domain.Document) (domain.Document, error) {
		return applyWrite(existing, doc, merge, s.now()), nil
	})
}

func (s *SQL) UpdateOne(ctx context.Context, ref domain.Ref, fields domain.Document) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, ref, func(existing domain.Document) (domain.Document, error) {
		if existing == nil {
			return nil, fmt.Errorf("update %s: %w", ref, domain.ErrNotFound)
		}
		return applyUpdate(existing, fields, s.now()), nil
	})
}

func (s *SQL) DeleteOne(ctx context.Context, ref domain.Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	res := s.scope(s.db.WithContext(ctx), ref).Delete(&documentRow{})
	if res.Error != nil {
		return fmt.Errorf("delete %s: %w", ref, sqlErr(res.Error))
	}
	if res.RowsAffected > 0 {
		s.hub.publish(ref, nil)
	}
	return nil
}

func (s *SQL) QueryMany(ctx context.Context, collection string, filters []domain.Filter, orderBy *domain.OrderBy, limit int) ([]domain.Document, error) {
	var rows []documentRow
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND collection = ?", s.namespace, collection).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, sqlErr(err))
	}

	candidates := make([]domain.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := rowDocument(row)
		if err != nil {
			s.logger.Warn("skipping undecodable document", "collection", row.Collection, "id", row.ID, "error", err)
			continue
		}
		candidates = append(candidates, withID(doc, row.ID))
	}
	return selectDocs(candidates, filters, orderBy, limit), nil
}

// BatchWrite applies every operation in one transaction
func (s *SQL) BatchWrite(ctx context.Context, ops []domain.WriteOp) error {
	if err := validateOps(ops); err != nil {
		return err
	}

	staged := make(map[domain.Ref]domain.Document)
	var order []domain.Ref
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		for i, op := range ops {
			current, seen := staged[op.Ref]
			if !seen {
				var err error
				if current, err = s.load(tx, op.Ref); err != nil {
					return err
				}
				order = append(order, op.Ref)
			}
			switch op.Kind {
			case domain.WriteSet:
				current = applyWrite(current, op.Data, op.Merge, now)
			case domain.WriteUpdate:
				if current == nil {
					return fmt.Errorf("batch op %d: update %s: %w", i, op.Ref, domain.ErrNotFound)
				}
				current = applyUpdate(current, op.Data, now)
			case domain.WriteDelete:
				current = nil
			}
			staged[op.Ref] = current
		}
		for _, ref := range order {
			if err := s.store(tx, ref, staged[ref]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return sqlErr(err)
	}

	for _, ref := range order {
		s.hub.publish(ref, staged[ref])
	}
	return nil
}

// Listen delivers the current state, then every committed change made
// through this store
func (s *SQL) Listen(ctx context.Context, ref domain.Ref, onChange domain.ChangeFunc) (func(), error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	// Registered before the load so no commit falls between the two.
	// Pushes wait on gate until the initial state is delivered.
	var gate sync.Mutex
	gate.Lock()
	id := s.hub.register(ref, func(c domain.Change, err error) {
		gate.Lock()
		defer gate.Unlock()
		onChange(c, err)
	})

	doc, err := s.load(s.db.WithContext(ctx), ref)
	if err != nil {
		gate.Unlock()
		s.hub.unregister(ref, id)
		return nil, fmt.Errorf("listen %s: %w", ref, sqlErr(err))
	}
	onChange(change(ref, doc), nil)
	gate.Unlock()

	stop := func() { s.hub.unregister(ref, id) }
	release := context.AfterFunc(ctx, stop)
	return func() {
		release()
		stop()
	}, nil
}

func (s *SQL) Close() error {
	s.hub.close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// hub fans committed changes out to listeners, keyed by document
type hub struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[domain.Ref]map[uint64]domain.ChangeFunc
}

func newHub() *hub {
	return &hub{listeners: make(map[domain.Ref]map[uint64]domain.ChangeFunc)}
}

func (h *hub) register(ref domain.Ref, fn domain.ChangeFunc) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	if _, ok := h.listeners[ref]; !ok {
		h.listeners[ref] = make(map[uint64]domain.ChangeFunc)
	}
	h.listeners[ref][h.nextID] = fn
	return h.nextID
}

func (h *hub) unregister(ref domain.Ref, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ls, ok := h.listeners[ref]; ok {
		delete(ls, id)
		if len(ls) == 0 {
			delete(h.listeners, ref)
		}
	}
}

// publish calls listeners outside the lock, in registration order
func (h *hub) publish(ref domain.Ref, doc domain.Document) {
	h.mu.RLock()
	ls := h.listeners[ref]
	ids := make([]uint64, 0, len(ls))
	for id := range ls {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]domain.ChangeFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, ls[id])
	}
	h.mu.RUnlock()

	c := change(ref, doc)
	for _, fn := range fns {
		push := c
		push.Doc = c.Doc.Clone()
		fn(push, nil)
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, ls := range h.listeners {
		n += len(ls)
	}
	return n
}

func (h *hub) close() {
	h.mu.Lock()
	h.listeners = make(map[domain.Ref]map[uint64]domain.ChangeFunc)
	h.mu.Unlock()
}
