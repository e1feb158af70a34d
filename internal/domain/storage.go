package domain

import (
	"context"
	"time"
)

// FilterOp is a query comparison operator.
type FilterOp string

const (
	OpEqual         FilterOp = "=="
	OpNotEqual      FilterOp = "!="
	OpLess          FilterOp = "<"
	OpLessEqual     FilterOp = "<="
	OpGreater       FilterOp = ">"
	OpGreaterEqual  FilterOp = ">="
	OpIn            FilterOp = "in"
	OpArrayContains FilterOp = "array-contains"
)

// Filter restricts a query to documents whose Field compares to Value.
type Filter struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value any      `json:"value"`
}

// Where is shorthand for building a Filter.
func Where(field string, op FilterOp, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// OrderBy sorts query results by a single field.
type OrderBy struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// WriteKind identifies a document mutation.
type WriteKind string

const (
	WriteSet    WriteKind = "set"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// WriteOp is one document mutation inside a batch.
// Data is absent for deletes; Merge only applies to sets.
type WriteOp struct {
	Kind  WriteKind `json:"kind"`
	Ref   Ref       `json:"ref"`
	Data  Document  `json:"data,omitempty"`
	Merge bool      `json:"merge,omitempty"`
}

// Change is a server-pushed document state.
// Exists is false when the document was deleted or never existed.
type Change struct {
	Ref       Ref
	Doc       Document
	Exists    bool
	UpdatedAt time.Time
}

// ChangeFunc receives pushed document states. A non-nil error means the
// underlying listen connection failed and no further changes will arrive.
type ChangeFunc func(change Change, err error)

// RemoteStore is the document database the sync layer talks to.
// All operations return ErrUnavailable when there is no network path.
type RemoteStore interface {
	// ReadOne returns the document or ErrNotFound
	ReadOne(ctx context.Context, ref Ref) (Document, error)

	// WriteOne creates or replaces a document; with merge, fields are overlaid
	WriteOne(ctx context.Context, ref Ref, doc Document, merge bool) error

	// UpdateOne overlays fields on an existing document, ErrNotFound if absent
	UpdateOne(ctx context.Context, ref Ref, fields Document) error

	// DeleteOne removes a document; deleting an absent document succeeds
	DeleteOne(ctx context.Context, ref Ref) error

	// QueryMany returns matching documents, each including its "id" field
	QueryMany(ctx context.Context, collection string, filters []Filter, orderBy *OrderBy, limit int) ([]Document, error)

	// BatchWrite applies all operations or none
	BatchWrite(ctx context.Context, ops []WriteOp) error

	// Listen pushes the current state once immediately, then on every change.
	// The returned function stops delivery.
	Listen(ctx context.Context, ref Ref, onChange ChangeFunc) (func(), error)

	// Close releases the connection
	Close() error
}

// Pinger is implemented by stores that can cheaply check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
