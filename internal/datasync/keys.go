package datasync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/mmcdole/biolink/internal/domain"
)

// Local storage keys for persisted snapshots
const (
	// StorageKeyCache holds the cache snapshot
	StorageKeyCache = "data_cache"

	// StorageKeyQueue holds the sync queue snapshot
	StorageKeyQueue = "sync_queue"
)

// querySegment separates a collection from a query hash. Document keys
// contain exactly one ':' so they never collide with query keys.
const querySegment = ":query:"

// QueryPrefix returns the prefix shared by every cached query of a
// collection (links:query:)
func QueryPrefix(collection string) string {
	return collection + querySegment
}

// QueryKey derives a stable cache key from the query parameters
// (links:query:{hash})
func QueryKey(collection string, filters []domain.Filter, orderBy *domain.OrderBy, limit int) string {
	payload, _ := json.Marshal(struct {
		Filters []domain.Filter `json:"f"`
		OrderBy *domain.OrderBy `json:"o,omitempty"`
		Limit   int             `json:"l,omitempty"`
	}{filters, orderBy, limit})

	hash := sha256.Sum256(payload)
	return QueryPrefix(collection) + hex.EncodeToString(hash[:8])
}

// collectionsTouched returns the distinct collections an item mutates
func collectionsTouched(item *Item) []string {
	if item.Op != OpBatch {
		return []string{item.Ref.Collection}
	}
	seen := make(map[string]bool)
	var out []string
	for _, op := range item.Batch {
		if !seen[op.Ref.Collection] {
			seen[op.Ref.Collection] = true
			out = append(out, op.Ref.Collection)
		}
	}
	return out
}
