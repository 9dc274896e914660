package memstore

import (
	"context"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/domain/docstore"
)

// Query evaluates a structured query against the container. The whole
// result is materialised under the lock; result sets are bounded by the
// query limit in every caller.
func (s *Store) Query(ctx context.Context, container string, q docstore.Query) (docstore.Cursor, error) {
	if err := checkContext(ctx, "query"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	type candidate struct {
		item   docstore.Item
		fields map[string]any
	}
	var matches []candidate
	for _, d := range s.container(container) {
		if q.Partition != "" && d.partition != q.Partition {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(d.doc, &fields); err != nil {
			s.mu.Unlock()
			return nil, errs.New("docstore/query", errs.CodeFatal,
				errs.WithMessage("decode stored document"), errs.WithCause(err))
		}
		if !matchesConditions(fields, q.Where) {
			continue
		}
		matches = append(matches, candidate{item: d.item(), fields: fields})
	}
	s.mu.Unlock()

	if q.OrderBy != nil {
		order := *q.OrderBy
		sort.SliceStable(matches, func(i, j int) bool {
			cmp := compareAtPath(matches[i].fields, matches[j].fields, order)
			if order.Descending {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	items := make([]docstore.Item, len(matches))
	for i, m := range matches {
		items[i] = m.item
	}
	return &sliceCursor{items: items, index: -1}, nil
}

func matchesConditions(fields map[string]any, conds []docstore.Condition) bool {
	for _, cond := range conds {
		value, ok := lookupPath(fields, docstore.PathSegments(cond.Path))
		if !ok {
			return false
		}
		s, isString := value.(string)
		if !isString || s != cond.Equals {
			return false
		}
	}
	return true
}

func lookupPath(fields map[string]any, segments []string) (any, bool) {
	var current any = fields
	for _, segment := range segments {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// compareAtPath three-way compares two documents at the order path.
// Missing values compare lowest so they never displace real entries from a
// descending top-N result.
func compareAtPath(a, b map[string]any, order docstore.Order) int {
	segments := docstore.PathSegments(order.Path)
	av, aok := lookupPath(a, segments)
	bv, bok := lookupPath(b, segments)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	if order.Numeric {
		an, _ := av.(float64)
		bn, _ := bv.(float64)
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as, _ := av.(string)
	bs, _ := bv.(string)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

type sliceCursor struct {
	items []docstore.Item
	index int
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if ctx != nil && ctx.Err() != nil {
		return false
	}
	if c.index+1 >= len(c.items) {
		return false
	}
	c.index++
	return true
}

func (c *sliceCursor) Item() docstore.Item {
	if c.index < 0 || c.index >= len(c.items) {
		return docstore.Item{}
	}
	return c.items[c.index]
}

func (c *sliceCursor) Err() error { return nil }

func (c *sliceCursor) Close() {}
