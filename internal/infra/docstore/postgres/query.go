package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/domain/docstore"
)

// Query compiles a structured query into SQL over the JSONB column and
// returns a cursor over the matching rows. Filter paths and values travel as
// bind parameters; ties and unordered queries fall back to commit order.
func (s *Store) Query(ctx context.Context, container string, q docstore.Query) (docstore.Cursor, error) {
	if s.pool == nil {
		return nil, errs.New("docstore/query", errs.CodeFatal, errs.WithMessage("nil pool"))
	}
	sql, args := compileQuery(container, q)
	var rows pgx.Rows
	err := s.retry.run(ctx, func(ctx context.Context) error {
		var queryErr error
		rows, queryErr = s.pool.Query(ctx, sql, args...)
		if queryErr != nil {
			return classify("docstore/query", queryErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rowCursor{rows: rows}, nil
}

func compileQuery(container string, q docstore.Query) (string, []any) {
	var sb strings.Builder
	args := []any{container}
	sb.WriteString("SELECT id, partition_key, doc, etag\nFROM documents\nWHERE container = $1")
	if q.Partition != "" {
		args = append(args, q.Partition)
		sb.WriteString("\n  AND partition_key = $2")
	}
	for _, cond := range q.Where {
		args = append(args, docstore.PathSegments(cond.Path), cond.Equals)
		fmt.Fprintf(&sb, "\n  AND doc #>> $%d::text[] = $%d", len(args)-1, len(args))
	}
	if q.OrderBy != nil {
		args = append(args, docstore.PathSegments(q.OrderBy.Path))
		expr := fmt.Sprintf("doc #>> $%d::text[]", len(args))
		if q.OrderBy.Numeric {
			expr = "(" + expr + ")::numeric"
		}
		// Missing values sort below present ones in either direction.
		direction := " ASC NULLS FIRST"
		if q.OrderBy.Descending {
			direction = " DESC NULLS LAST"
		}
		sb.WriteString("\nORDER BY " + expr + direction + ", commit_seq ASC")
	} else {
		sb.WriteString("\nORDER BY commit_seq ASC")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, "\nLIMIT $%d", len(args))
	}
	sb.WriteString(";")
	return sb.String(), args
}

// rowCursor adapts pgx rows to the store cursor contract.
type rowCursor struct {
	rows    pgx.Rows
	current docstore.Item
	err     error
}

func (c *rowCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = errs.New("docstore/query", errs.CodeTransient, errs.WithCause(err))
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			c.err = classify("docstore/query", err)
		}
		return false
	}
	var doc []byte
	var item docstore.Item
	if err := c.rows.Scan(&item.ID, &item.PartitionKey, &doc, &item.ETag); err != nil {
		c.err = classify("docstore/query", err)
		return false
	}
	item.Doc = doc
	c.current = item
	return true
}

func (c *rowCursor) Item() docstore.Item { return c.current }

func (c *rowCursor) Err() error { return c.err }

func (c *rowCursor) Close() { c.rows.Close() }

var _ docstore.Cursor = (*rowCursor)(nil)
