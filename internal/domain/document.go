package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Server-assigned document fields
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Document is an opaque JSON object stored under a Ref.
type Document map[string]any

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

// Merge returns a copy of d with fields overlaid. Increment sentinels in
// fields are applied numerically to the existing value.
func (d Document) Merge(fields Document) Document {
	out := d.Clone()
	if out == nil {
		out = make(Document, len(fields))
	}
	for k, v := range fields {
		if inc, ok := v.(Increment); ok {
			out[k] = inc.Apply(out[k])
			continue
		}
		out[k] = v
	}
	return out
}

// UpdatedAt parses the server timestamp, zero if absent or malformed.
func (d Document) UpdatedAt() time.Time {
	s, ok := d[FieldUpdatedAt].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Ref identifies a document by collection and id.
type Ref struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// Key returns the cache key for the document: {collection}:{id}
func (r Ref) Key() string {
	return r.Collection + ":" + r.ID
}

func (r Ref) String() string {
	return r.Key()
}

// Validate checks that both parts are present and contain no separator.
func (r Ref) Validate() error {
	if r.Collection == "" || r.ID == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRef, r.Key())
	}
	if strings.Contains(r.Collection, ":") || strings.Contains(r.ID, ":") {
		return fmt.Errorf("%w: %q contains ':'", ErrInvalidRef, r.Key())
	}
	return nil
}

// ParseRef splits a {collection}:{id} cache key.
func ParseRef(key string) (Ref, error) {
	collection, id, ok := strings.Cut(key, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, key)
	}
	ref := Ref{Collection: collection, ID: id}
	return ref, ref.Validate()
}

// Increment is a field value that adds Delta to the stored number instead
// of overwriting it. Commutative, so queued increments replay safely in
// any order.
type Increment struct {
	Delta float64
}

const incrementKey = "$increment"

// Apply adds the delta to current, treating non-numbers as zero.
func (i Increment) Apply(current any) float64 {
	return ToFloat(current) + i.Delta
}

func (i Increment) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]float64{incrementKey: i.Delta})
}

// RestoreSentinels converts {"$increment": n} objects produced by a JSON
// round-trip back into Increment values.
func RestoreSentinels(doc Document) Document {
	for k, v := range doc {
		m, ok := v.(map[string]any)
		if !ok || len(m) != 1 {
			continue
		}
		if n, ok := m[incrementKey]; ok {
			doc[k] = Increment{Delta: ToFloat(n)}
		}
	}
	return doc
}

// ResolveSentinels replaces Increment values with plain numbers applied
// against base. Used when a write must store concrete values.
func ResolveSentinels(base, fields Document) Document {
	out := make(Document, len(fields))
	for k, v := range fields {
		if inc, ok := v.(Increment); ok {
			out[k] = inc.Apply(base[k])
			continue
		}
		out[k] = v
	}
	return out
}

// ToFloat converts JSON-ish numbers to float64; anything else is zero.
func ToFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

// EncodeDocument marshals a Go value (entity struct or map) into a Document.
func EncodeDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// DecodeDocument unmarshals a Document into dest.
func DecodeDocument(doc Document, dest any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
