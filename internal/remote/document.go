// Package remote implements domain.RemoteStore over several backends:
// an in-process memory store, NATS JetStream key-value buckets and SQLite.
package remote

import (
	"fmt"
	"time"

	"github.com/mmcdole/biolink/internal/domain"
)

// clean drops fields the store assigns itself
func clean(doc domain.Document) domain.Document {
	out := doc.Clone()
	if out == nil {
		out = make(domain.Document)
	}
	delete(out, domain.FieldID)
	delete(out, domain.FieldCreatedAt)
	delete(out, domain.FieldUpdatedAt)
	return out
}

// applyWrite computes the stored document for a set. existing is nil when
// the document is absent.
func applyWrite(existing, doc domain.Document, merge bool, now time.Time) domain.Document {
	var out domain.Document
	if merge && existing != nil {
		out = existing.Merge(clean(doc))
	} else {
		out = domain.ResolveSentinels(nil, clean(doc))
	}
	return stamp(out, existing, now)
}

// applyUpdate computes the stored document for an update of an existing one
func applyUpdate(existing, fields domain.Document, now time.Time) domain.Document {
	return stamp(existing.Merge(clean(fields)), existing, now)
}

// stamp sets server timestamps, keeping the original creation time
func stamp(doc, existing domain.Document, now time.Time) domain.Document {
	ts := now.UTC().Format(time.RFC3339Nano)
	created, ok := existing[domain.FieldCreatedAt]
	if !ok {
		created = ts
	}
	doc[domain.FieldCreatedAt] = created
	doc[domain.FieldUpdatedAt] = ts
	delete(doc, domain.FieldID)
	return doc
}

// withID returns a copy of the stored document including its id
func withID(doc domain.Document, id string) domain.Document {
	out := doc.Clone()
	out[domain.FieldID] = id
	return out
}

// change builds the push payload for a stored document, nil when deleted
func change(ref domain.Ref, doc domain.Document) domain.Change {
	if doc == nil {
		return domain.Change{Ref: ref}
	}
	return domain.Change{
		Ref:       ref,
		Doc:       withID(doc, ref.ID),
		Exists:    true,
		UpdatedAt: doc.UpdatedAt(),
	}
}

func validateOps(ops []domain.WriteOp) error {
	for n, op := range ops {
		if err := op.Ref.Validate(); err != nil {
			return fmt.Errorf("batch op %d: %w", n, err)
		}
		switch op.Kind {
		case domain.WriteSet, domain.WriteUpdate, domain.WriteDelete:
		default:
			return fmt.Errorf("batch op %d: %w: unknown kind %q", n, domain.ErrInvalidRef, op.Kind)
		}
	}
	return nil
}
