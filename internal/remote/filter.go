package remote

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"github.com/mmcdole/biolink/internal/domain"
)

// matches reports whether doc satisfies every filter. A filter on a
// missing field never matches.
func matches(doc domain.Document, filters []domain.Filter) bool {
	for _, f := range filters {
		v, ok := doc[f.Field]
		if !ok || !matchOne(v, f.Op, f.Value) {
			return false
		}
	}
	return true
}

func matchOne(v any, op domain.FilterOp, want any) bool {
	switch op {
	case domain.OpEqual:
		return equal(v, want)
	case domain.OpNotEqual:
		return !equal(v, want)
	case domain.OpLess:
		c, ok := compare(v, want)
		return ok && c < 0
	case domain.OpLessEqual:
		c, ok := compare(v, want)
		return ok && c <= 0
	case domain.OpGreater:
		c, ok := compare(v, want)
		return ok && c > 0
	case domain.OpGreaterEqual:
		c, ok := compare(v, want)
		return ok && c >= 0
	case domain.OpIn:
		for _, candidate := range toSlice(want) {
			if equal(v, candidate) {
				return true
			}
		}
		return false
	case domain.OpArrayContains:
		for _, elem := range toSlice(v) {
			if equal(elem, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

func equal(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		return domain.ToFloat(a) == domain.ToFloat(b)
	}
	return reflect.DeepEqual(a, b)
}

// compare orders numbers, strings and bools; mixed types do not compare
func compare(a, b any) (int, bool) {
	if isNumber(a) && isNumber(b) {
		fa, fb := domain.ToFloat(a), domain.ToFloat(b)
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func toSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// sortDocs orders docs by one field; documents missing the field sort
// first, ties keep their id order
func sortDocs(docs []domain.Document, orderBy *domain.OrderBy) {
	sort.SliceStable(docs, func(i, j int) bool {
		if orderBy == nil {
			return idOf(docs[i]) < idOf(docs[j])
		}
		a, aok := docs[i][orderBy.Field]
		b, bok := docs[j][orderBy.Field]
		if aok != bok {
			return !aok != orderBy.Desc
		}
		c, ok := compare(a, b)
		if !ok || c == 0 {
			return idOf(docs[i]) < idOf(docs[j])
		}
		if orderBy.Desc {
			return c > 0
		}
		return c < 0
	})
}

func idOf(doc domain.Document) string {
	id, _ := doc[domain.FieldID].(string)
	return id
}

// selectDocs applies filters, ordering and limit to candidate documents
func selectDocs(docs []domain.Document, filters []domain.Filter, orderBy *domain.OrderBy, limit int) []domain.Document {
	out := make([]domain.Document, 0, len(docs))
	for _, doc := range docs {
		if matches(doc, filters) {
			out = append(out, doc)
		}
	}
	sortDocs(out, orderBy)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
