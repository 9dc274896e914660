package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/domain/docstore"
)

const (
	docInsertSQL = `
INSERT INTO documents (container, partition_key, id, doc, etag)
VALUES ($1, $2, $3, $4::jsonb, $5);
`

	docReplaceSQL = `
UPDATE documents
SET doc = $4::jsonb,
    etag = $5,
    commit_seq = nextval('documents_commit_seq'),
    updated_at = now()
WHERE container = $1
  AND partition_key = $2
  AND id = $3
  AND etag = $6;
`

	docExistsSQL = `
SELECT 1
FROM documents
WHERE container = $1
  AND partition_key = $2
  AND id = $3;
`
)

// feedLockSQL serialises the window between commit_seq assignment and
// commit for one container. The lock is held until the transaction ends,
// so a feed reader can never observe a sequence while an earlier one is
// still uncommitted: without it, a slow writer's sequence would become
// visible after the reader checkpointed past it and its documents would
// never be delivered.
const feedLockSQL = `SELECT pg_advisory_xact_lock(hashtext('documents'), hashtext($1));`

type batchOpKind int

const (
	opCreate batchOpKind = iota
	opUpsert
	opReplace
)

type batchOp struct {
	kind    batchOpKind
	id      string
	doc     any
	ifMatch string
}

// batch accumulates operations for one partition and executes them in a
// single transaction. Operations run in the order they were queued, so a
// document written twice lands in the feed at its last operation's commit
// position.
type batch struct {
	store     *Store
	container string
	partition string
	ops       []batchOp
}

func (b *batch) Create(id string, doc any) {
	b.ops = append(b.ops, batchOp{kind: opCreate, id: id, doc: doc})
}

func (b *batch) Upsert(id string, doc any) {
	b.ops = append(b.ops, batchOp{kind: opUpsert, id: id, doc: doc})
}

func (b *batch) Replace(id string, doc any, ifMatchETag string) {
	b.ops = append(b.ops, batchOp{kind: opReplace, id: id, doc: doc, ifMatch: ifMatchETag})
}

// Execute runs the batch atomically. A Create colliding with an existing id
// rolls the whole batch back with errs.CodeConflict; a Replace whose ETag no
// longer matches rolls it back with errs.CodePrecondition.
func (b *batch) Execute(ctx context.Context) error {
	if b.store == nil || b.store.pool == nil {
		return errs.New("docstore/batch", errs.CodeFatal, errs.WithMessage("nil pool"))
	}
	if len(b.ops) == 0 {
		return errs.New("docstore/batch", errs.CodeInvalid, errs.WithMessage("empty batch"))
	}
	payloads := make([][]byte, len(b.ops))
	for i, op := range b.ops {
		payload, err := encodeDoc(op.doc)
		if err != nil {
			return errs.New("docstore/batch", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("encode %s", op.id)), errs.WithCause(err))
		}
		payloads[i] = payload
	}
	return b.store.retry.run(ctx, func(ctx context.Context) error {
		tx, err := b.store.pool.Begin(ctx)
		if err != nil {
			return classify("docstore/batch", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, feedLockSQL, b.container); err != nil {
			return classify("docstore/batch", err)
		}
		for i, op := range b.ops {
			if err := b.apply(ctx, tx, op, payloads[i]); err != nil {
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return classify("docstore/batch", err)
		}
		return nil
	})
}

func (b *batch) apply(ctx context.Context, tx pgx.Tx, op batchOp, payload []byte) error {
	etag := newETag()
	switch op.kind {
	case opCreate:
		if _, err := tx.Exec(ctx, docInsertSQL, b.container, b.partition, op.id, payload, etag); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return errs.New("docstore/batch", errs.CodeConflict,
					errs.WithMessage(fmt.Sprintf("create %s: already exists", op.id)),
					errs.WithStoreCode(pgErr.Code), errs.WithCause(err))
			}
			return classify("docstore/batch", err)
		}
	case opUpsert:
		if _, err := tx.Exec(ctx, docUpsertSQL, b.container, b.partition, op.id, payload, etag); err != nil {
			return classify("docstore/batch", err)
		}
	case opReplace:
		tag, err := tx.Exec(ctx, docReplaceSQL, b.container, b.partition, op.id, payload, etag, op.ifMatch)
		if err != nil {
			return classify("docstore/batch", err)
		}
		if tag.RowsAffected() == 0 {
			return b.replaceFailure(ctx, tx, op.id)
		}
	}
	return nil
}

// replaceFailure distinguishes a missing document from a stale ETag after a
// conditional update matched no rows.
func (b *batch) replaceFailure(ctx context.Context, tx pgx.Tx, id string) error {
	row := tx.QueryRow(ctx, docExistsSQL, b.container, b.partition, id)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.New("docstore/batch", errs.CodeNotFound,
				errs.WithMessage(fmt.Sprintf("replace %s: not found", id)))
		}
		return classify("docstore/batch", err)
	}
	return errs.New("docstore/batch", errs.CodePrecondition,
		errs.WithMessage(fmt.Sprintf("replace %s: etag mismatch", id)))
}

func encodeDoc(doc any) ([]byte, error) {
	if raw, ok := doc.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func newETag() string {
	return uuid.NewString()
}

var _ docstore.Batch = (*batch)(nil)
