package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mmcdole/biolink/internal/domain"
)

// NATSConfig configures the JetStream key-value backend
type NATSConfig struct {
	URL       string
	Bucket    string
	Namespace string // appended to the bucket name, isolating apps
	Name      string // client connection name

	MaxCASRetries int
	RetryDelay    time.Duration
}

// BucketName returns the KV bucket holding this namespace's documents
func (c NATSConfig) BucketName() string {
	bucket := c.Bucket
	if bucket == "" {
		bucket = "biolink"
	}
	if c.Namespace != "" {
		bucket += "_" + c.Namespace
	}
	return bucket
}

// NATS stores documents in a JetStream key-value bucket, one key per
// document ({collection}.{id}). Updates use revision compare-and-set and
// Listen is backed by a key watcher.
type NATS struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	cfg    NATSConfig
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNATS connects to the server and opens (or creates) the bucket
func NewNATS(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "biolink"
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w: %v", cfg.URL, domain.ErrUnavailable, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.BucketName(),
		Description: "biolink documents",
		History:     1,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open bucket %s: %w", cfg.BucketName(), natsErr(err))
	}

	n := &NATS{
		conn:   conn,
		kv:     kv,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

// kvKey maps a ref to a bucket key. KV keys are dot-separated tokens, so
// neither part may contain a dot or characters outside the key alphabet.
func kvKey(ref domain.Ref) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	for _, part := range []string{ref.Collection, ref.ID} {
		for _, r := range part {
			if !validKeyRune(r) {
				return "", fmt.Errorf("%w: %q is not a valid key", domain.ErrInvalidRef, ref.Key())
			}
		}
	}
	return ref.Collection + "." + ref.ID, nil
}

func validKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '=', r == '/':
		return true
	}
	return false
}

func refFromKey(key string) (domain.Ref, bool) {
	collection, id, ok := strings.Cut(key, ".")
	if !ok {
		return domain.Ref{}, false
	}
	return domain.Ref{Collection: collection, ID: id}, true
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// natsErr maps transport failures to ErrUnavailable
func natsErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, jetstream.ErrNoStreamResponse),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return err
}

func (n *NATS) online() error {
	if !n.conn.IsConnected() {
		return fmt.Errorf("nats %s: %w", n.conn.Status(), domain.ErrUnavailable)
	}
	return nil
}

// get returns the stored document and its revision; nil and 0 when absent
func (n *NATS) get(ctx context.Context, key string) (domain.Document, uint64, error) {
	entry, err := n.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, nil
		}
		return nil, 0, natsErr(err)
	}
	doc, err := decodeEntry(entry.Value())
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, entry.Revision(), nil
}

func decodeEntry(data []byte) (domain.Document, error) {
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// put stores doc at key if the revision still matches; rev 0 means the
// key must not exist. A nil doc deletes.
func (n *NATS) put(ctx context.Context, key string, doc domain.Document, rev uint64) (uint64, error) {
	if doc == nil {
		if rev == 0 {
			return 0, nil
		}
		return 0, n.kv.Delete(ctx, key, jetstream.LastRevision(rev))
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	if rev == 0 {
		return n.kv.Create(ctx, key, data)
	}
	return n.kv.Update(ctx, key, data, rev)
}

// mutate runs a compare-and-set loop: read, compute, write at revision
func (n *NATS) mutate(ctx context.Context, key string, fn func(existing domain.Document) (domain.Document, error)) error {
	delay := n.cfg.RetryDelay
	for attempt := 0; ; attempt++ {
		existing, rev, err := n.get(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(existing)
		if err != nil {
			return err
		}
		_, err = n.put(ctx, key, next, rev)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return natsErr(err)
		}
		if attempt >= n.cfg.MaxCASRetries {
			return fmt.Errorf("%s: %w after %d attempts", key, domain.ErrConflict, attempt+1)
		}

		n.logger.Debug("kv revision conflict, retrying", "key", key, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return natsErr(ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, time.Second)
	}
}

func (n *NATS) Ping(ctx context.Context) error {
	if err := n.online(); err != nil {
		return err
	}
	return natsErr(n.conn.FlushWithContext(ctx))
}

func (n *NATS) ReadOne(ctx context.Context, ref domain.Ref) (domain.Document, error) {
	key, err := kvKey(ref)
	if err != nil {
		return nil, err
	}
	if err := n.online(); err != nil {
		return nil, err
	}
	doc, _, err := n.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("read %s: %w", ref, domain.ErrNotFound)
	}
	return withID(doc, ref.ID), nil
}

func (n *NATS) WriteOne(ctx context.Context, ref domain.Ref, doc domain.Document, merge bool) error {
	key, err := kvKey(ref)
	if err != nil {
		return err
	}
	if err := n.online(); err != nil {
		return err
	}
	return n.mutate(ctx, key, func(existing domain.Document) (domain.Document, error) {
		return applyWrite(existing, doc, merge, n.now()), nil
	})
}

func (n *NATS) UpdateOne(ctx context.Context, ref domain.Ref, fields domain.Document) error {
	key, err := kvKey(ref)
	if err != nil {
		return err
	}
	if err := n.online(); err != nil {
		return err
	}
	return n.mutate(ctx, key, func(existing domain.Document) (domain.Document, error) {
		if existing == nil {
			return nil, fmt.Errorf("update %s: %w", ref, domain.ErrNotFound)
		}
		return applyUpdate(existing, fields, n.now()), nil
	})
}

func (n *NATS) DeleteOne(ctx context.Context, ref domain.Ref) error {
	key, err := kvKey(ref)
	if err != nil {
		return err
	}
	if err := n.online(); err != nil {
		return err
	}
	if err := n.kv.Delete(ctx, key); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", ref, natsErr(err))
	}
	return nil
}

func (n *NATS) QueryMany(ctx context.Context, collection string, filters []domain.Filter, orderBy *domain.OrderBy, limit int) ([]domain.Document, error) {
	if err := n.online(); err != nil {
		return nil, err
	}
	lister, err := n.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, natsErr(err))
	}
	defer func() { _ = lister.Stop() }()

	prefix := collection + "."
	var candidates []domain.Document
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		ref, _ := refFromKey(key)
		doc, _, err := n.get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", collection, err)
		}
		if doc == nil {
			continue // deleted between list and get
		}
		candidates = append(candidates, withID(doc, ref.ID))
	}
	return selectDocs(candidates, filters, orderBy, limit), nil
}

type batchEntry struct {
	key      string
	previous domain.Document
	rev      uint64
	next     domain.Document
}

// BatchWrite reads every target, stages all operations, then writes each
// key at its read revision. If a write fails part way, keys already
// written are put back to their previous content.
func (n *NATS) BatchWrite(ctx context.Context, ops []domain.WriteOp) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	if err := n.online(); err != nil {
		return err
	}

	entries := make(map[domain.Ref]*batchEntry)
	var order []domain.Ref
	for _, op := range ops {
		if _, ok := entries[op.Ref]; ok {
			continue
		}
		key, err := kvKey(op.Ref)
		if err != nil {
			return err
		}
		doc, rev, err := n.get(ctx, key)
		if err != nil {
			return fmt.Errorf("batch read %s: %w", op.Ref, err)
		}
		entries[op.Ref] = &batchEntry{key: key, previous: doc, rev: rev, next: doc}
		order = append(order, op.Ref)
	}

	now := n.now()
	for i, op := range ops {
		e := entries[op.Ref]
		switch op.Kind {
		case domain.WriteSet:
			e.next = applyWrite(e.next, op.Data, op.Merge, now)
		case domain.WriteUpdate:
			if e.next == nil {
				return fmt.Errorf("batch op %d: update %s: %w", i, op.Ref, domain.ErrNotFound)
			}
			e.next = applyUpdate(e.next, op.Data, now)
		case domain.WriteDelete:
			e.next = nil
		}
	}

	var written []*batchEntry
	for _, ref := range order {
		e := entries[ref]
		rev, err := n.put(ctx, e.key, e.next, e.rev)
		if err != nil {
			n.rollback(written)
			if isConflict(err) {
				return fmt.Errorf("batch write %s: %w", ref, domain.ErrConflict)
			}
			return fmt.Errorf("batch write %s: %w", ref, natsErr(err))
		}
		e.rev = rev
		written = append(written, e)
	}
	return nil
}

// rollback restores entries written by a failed batch, best effort
func (n *NATS) rollback(written []*batchEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, e := range written {
		var err error
		switch {
		case e.previous == nil:
			err = n.kv.Delete(ctx, e.key)
		default:
			var data []byte
			data, err = json.Marshal(e.previous)
			if err == nil {
				_, err = n.kv.Put(ctx, e.key, data)
			}
		}
		if err != nil {
			n.logger.Error("batch rollback failed", "key", e.key, "error", err)
		}
	}
}

// Listen watches one key. The watcher replays the current value (or
// nothing) followed by a nil marker, so absence is reported on the marker.
func (n *NATS) Listen(ctx context.Context, ref domain.Ref, onChange domain.ChangeFunc) (func(), error) {
	key, err := kvKey(ref)
	if err != nil {
		return nil, err
	}
	if err := n.online(); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(n.ctx)
	stopAfter := context.AfterFunc(ctx, cancel)

	watcher, err := n.kv.Watch(watchCtx, key)
	if err != nil {
		stopAfter()
		cancel()
		return nil, fmt.Errorf("listen %s: %w", ref, natsErr(err))
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() { _ = watcher.Stop() }()

		seen := false
		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					if watchCtx.Err() == nil {
						onChange(domain.Change{}, fmt.Errorf("listen %s: watcher closed: %w", ref, domain.ErrUnavailable))
					}
					return
				}
				if entry == nil {
					if !seen {
						onChange(domain.Change{Ref: ref}, nil)
					}
					seen = true
					continue
				}
				seen = true
				onChange(n.entryChange(ref, entry), nil)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopAfter()
			cancel()
		})
	}, nil
}

func (n *NATS) entryChange(ref domain.Ref, entry jetstream.KeyValueEntry) domain.Change {
	if entry.Operation() != jetstream.KeyValuePut {
		return domain.Change{Ref: ref}
	}
	doc, err := decodeEntry(entry.Value())
	if err != nil {
		n.logger.Warn("undecodable kv entry", "key", entry.Key(), "error", err)
		return domain.Change{Ref: ref}
	}
	return change(ref, doc)
}

func (n *NATS) Close() error {
	n.cancel()
	n.wg.Wait()
	n.conn.Close()
	return nil
}
