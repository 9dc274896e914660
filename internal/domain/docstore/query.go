package docstore

import (
	"context"
	"strings"
)

// Condition is an equality filter on a top-level document field.
type Condition struct {
	Path   string
	Equals string
}

// Order describes the sort applied to a query. Path is a "."-separated JSON
// path; Numeric selects numeric comparison instead of lexicographic. Time
// ordering must go through a numeric key: marshaled timestamps trim
// trailing fractional zeros, so their string order diverges from
// chronological order.
type Order struct {
	Path       string
	Numeric    bool
	Descending bool
}

// Query is a structured query over one container. An empty Partition spans
// all partitions. Limit bounds the result set; zero means no limit.
type Query struct {
	Partition string
	Where     []Condition
	OrderBy   *Order
	Limit     int
}

// PathSegments splits a "."-separated JSON path into its segments. Both
// query ordering and patch ops address documents with these paths.
func PathSegments(path string) []string {
	trimmed := strings.Trim(path, ".")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, ".")
}

// Cursor iterates a finite query result. Usage mirrors database row
// iteration: Next advances, Item returns the current document, Err reports
// the terminal error after Next returns false, Close releases resources.
type Cursor interface {
	Next(ctx context.Context) bool
	Item() Item
	Err() error
	Close()
}

// Drain exhausts the cursor into a slice and closes it.
func Drain(ctx context.Context, cur Cursor) ([]Item, error) {
	defer cur.Close()
	var items []Item
	for cur.Next(ctx) {
		items = append(items, cur.Item())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
