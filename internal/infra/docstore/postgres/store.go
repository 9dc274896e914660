// Package postgres implements the document store on a PostgreSQL documents
// table. Every write rotates the row's etag and reassigns its commit
// sequence from a shared sequence, so updated documents re-enter the change
// feed at their latest commit position. Writes hold a per-container
// advisory lock from sequence assignment through commit, so sequences
// become visible in order and a feed checkpoint can never run past an
// uncommitted write.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/domain/docstore"
)

// Store is a docstore.Store backed by a PostgreSQL pool.
type Store struct {
	pool  *pgxpool.Pool
	retry retryPolicy
}

// New constructs a Store over the provided pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, retry: defaultRetryPolicy()}
}

const (
	docReadSQL = `
SELECT doc, etag
FROM documents
WHERE container = $1
  AND partition_key = $2
  AND id = $3;
`

	docUpsertSQL = `
INSERT INTO documents (container, partition_key, id, doc, etag)
VALUES ($1, $2, $3, $4::jsonb, $5)
ON CONFLICT (container, partition_key, id) DO UPDATE
SET doc = EXCLUDED.doc,
    etag = EXCLUDED.etag,
    commit_seq = nextval('documents_commit_seq'),
    updated_at = now();
`

	docPatchSetSQL = `
UPDATE documents
SET doc = jsonb_set(doc, $4::text[], $5::jsonb, true)
WHERE container = $1
  AND partition_key = $2
  AND id = $3;
`

	docPatchRemoveSQL = `
UPDATE documents
SET doc = doc #- $4::text[]
WHERE container = $1
  AND partition_key = $2
  AND id = $3;
`

	docPatchCommitSQL = `
UPDATE documents
SET etag = $4,
    commit_seq = nextval('documents_commit_seq'),
    updated_at = now()
WHERE container = $1
  AND partition_key = $2
  AND id = $3;
`

	docDeleteSQL = `
DELETE FROM documents
WHERE container = $1
  AND partition_key = $2
  AND id = $3;
`

	docFeedSQL = `
SELECT id, partition_key, doc, etag, commit_seq
FROM documents
WHERE container = $1
  AND commit_seq > $2
ORDER BY commit_seq ASC
LIMIT $3;
`

	docTailSQL = `
SELECT COALESCE(MAX(commit_seq), 0)
FROM documents
WHERE container = $1;
`
)

// ReadItem fetches one document by id within a partition.
func (s *Store) ReadItem(ctx context.Context, container, id, partitionKey string) (docstore.Item, error) {
	if s.pool == nil {
		return docstore.Item{}, errs.New("docstore/read", errs.CodeFatal, errs.WithMessage("nil pool"))
	}
	var item docstore.Item
	err := s.retry.run(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, docReadSQL, container, partitionKey, id)
		var doc []byte
		var etag string
		if err := row.Scan(&doc, &etag); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.New("docstore/read", errs.CodeNotFound,
					errs.WithMessage(fmt.Sprintf("%s/%s/%s not found", container, partitionKey, id)))
			}
			return classify("docstore/read", err)
		}
		item = docstore.Item{ID: id, PartitionKey: partitionKey, ETag: etag, Doc: doc}
		return nil
	})
	if err != nil {
		return docstore.Item{}, err
	}
	return item, nil
}

// UpsertItem writes a document unconditionally and returns the new ETag.
func (s *Store) UpsertItem(ctx context.Context, container, partitionKey, id string, doc any) (string, error) {
	if s.pool == nil {
		return "", errs.New("docstore/upsert", errs.CodeFatal, errs.WithMessage("nil pool"))
	}
	payload, err := encodeDoc(doc)
	if err != nil {
		return "", errs.New("docstore/upsert", errs.CodeInvalid, errs.WithCause(err))
	}
	etag := newETag()
	err = s.retry.run(ctx, func(ctx context.Context) error {
		tx, txErr := s.pool.Begin(ctx)
		if txErr != nil {
			return classify("docstore/upsert", txErr)
		}
		defer tx.Rollback(ctx)

		if _, execErr := tx.Exec(ctx, feedLockSQL, container); execErr != nil {
			return classify("docstore/upsert", execErr)
		}
		if _, execErr := tx.Exec(ctx, docUpsertSQL, container, partitionKey, id, payload, etag); execErr != nil {
			return classify("docstore/upsert", execErr)
		}
		if execErr := tx.Commit(ctx); execErr != nil {
			return classify("docstore/upsert", execErr)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return etag, nil
}

// PatchItem applies the ops to an existing document inside one transaction.
// The etag rotates once per call regardless of how many ops it carries.
func (s *Store) PatchItem(ctx context.Context, container, id, partitionKey string, ops []docstore.PatchOp) error {
	if s.pool == nil {
		return errs.New("docstore/patch", errs.CodeFatal, errs.WithMessage("nil pool"))
	}
	if len(ops) == 0 {
		return errs.New("docstore/patch", errs.CodeInvalid, errs.WithMessage("empty patch"))
	}
	return s.retry.run(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return classify("docstore/patch", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, feedLockSQL, container); err != nil {
			return classify("docstore/patch", err)
		}
		for _, op := range ops {
			segments := docstore.PathSegments(op.Path)
			if len(segments) == 0 {
				return errs.New("docstore/patch", errs.CodeInvalid, errs.WithMessage("empty patch path"))
			}
			var tag pgconn.CommandTag
			switch op.Kind {
			case docstore.PatchSet:
				tag, err = tx.Exec(ctx, docPatchSetSQL, container, partitionKey, id, segments, string(op.Value))
			case docstore.PatchRemove:
				tag, err = tx.Exec(ctx, docPatchRemoveSQL, container, partitionKey, id, segments)
			default:
				return errs.New("docstore/patch", errs.CodeInvalid,
					errs.WithMessage(fmt.Sprintf("unsupported patch kind %q", op.Kind)))
			}
			if err != nil {
				return classify("docstore/patch", err)
			}
			if tag.RowsAffected() == 0 {
				return errs.New("docstore/patch", errs.CodeNotFound,
					errs.WithMessage(fmt.Sprintf("%s/%s/%s not found", container, partitionKey, id)))
			}
		}
		if _, err := tx.Exec(ctx, docPatchCommitSQL, container, partitionKey, id, newETag()); err != nil {
			return classify("docstore/patch", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return classify("docstore/patch", err)
		}
		return nil
	})
}

// DeleteItem removes a document. Missing documents report errs.CodeNotFound.
func (s *Store) DeleteItem(ctx context.Context, container, id, partitionKey string) error {
	if s.pool == nil {
		return errs.New("docstore/delete", errs.CodeFatal, errs.WithMessage("nil pool"))
	}
	return s.retry.run(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, docDeleteSQL, container, partitionKey, id)
		if err != nil {
			return classify("docstore/delete", err)
		}
		if tag.RowsAffected() == 0 {
			return errs.New("docstore/delete", errs.CodeNotFound,
				errs.WithMessage(fmt.Sprintf("%s/%s/%s not found", container, partitionKey, id)))
		}
		return nil
	})
}

// NewBatch opens a transactional batch scoped to one partition.
func (s *Store) NewBatch(container, partitionKey string) docstore.Batch {
	return &batch{store: s, container: container, partition: partitionKey}
}

// ReadFeed returns up to limit documents with commit_seq > afterSeq in commit
// order. Rows carry the document's latest committed version only.
func (s *Store) ReadFeed(ctx context.Context, container string, afterSeq int64, limit int) ([]docstore.FeedDoc, error) {
	if s.pool == nil {
		return nil, errs.New("docstore/feed", errs.CodeFatal, errs.WithMessage("nil pool"))
	}
	if limit <= 0 {
		limit = defaultFeedLimit
	} else if limit > maxFeedLimit {
		limit = maxFeedLimit
	}
	var out []docstore.FeedDoc
	err := s.retry.run(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, docFeedSQL, container, afterSeq, limit)
		if err != nil {
			return classify("docstore/feed", err)
		}
		defer rows.Close()

		docs := make([]docstore.FeedDoc, 0, limit)
		for rows.Next() {
			var fd docstore.FeedDoc
			var doc []byte
			if err := rows.Scan(&fd.ID, &fd.PartitionKey, &doc, &fd.ETag, &fd.CommitSeq); err != nil {
				return classify("docstore/feed", err)
			}
			fd.Doc = doc
			docs = append(docs, fd)
		}
		if err := rows.Err(); err != nil {
			return classify("docstore/feed", err)
		}
		out = docs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const (
	defaultFeedLimit = 128
	maxFeedLimit     = 1024
)

// Tail reports the container's highest assigned commit sequence.
func (s *Store) Tail(ctx context.Context, container string) (int64, error) {
	if s.pool == nil {
		return 0, errs.New("docstore/feed", errs.CodeFatal, errs.WithMessage("nil pool"))
	}
	var tail int64
	err := s.retry.run(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, docTailSQL, container)
		if err := row.Scan(&tail); err != nil {
			return classify("docstore/feed", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return tail, nil
}

// Ping verifies the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return errs.New("docstore/pool", errs.CodeFatal, errs.WithMessage("nil pool"))
	}
	if err := s.pool.Ping(ctx); err != nil {
		return classify("docstore/pool", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// classify maps a driver error onto the store error taxonomy. Unique
// violations surface as conflicts, serialization and connection failures as
// transient, and resource exhaustion as throttling.
func classify(component string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.New(component, errs.CodeTransient, errs.WithCause(err))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := errs.CodeFatal
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			code = errs.CodeConflict
		case pgErr.Code == pgerrcode.SerializationFailure,
			pgErr.Code == pgerrcode.DeadlockDetected:
			code = errs.CodeTransient
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgErr.Code == pgerrcode.AdminShutdown,
			pgErr.Code == pgerrcode.CrashShutdown,
			pgErr.Code == pgerrcode.CannotConnectNow:
			code = errs.CodeTransient
		case pgerrcode.IsInsufficientResources(pgErr.Code):
			code = errs.CodeThrottled
		}
		return errs.New(component, code, errs.WithStoreCode(pgErr.Code), errs.WithCause(err))
	}
	if strings.Contains(err.Error(), "closed pool") {
		return errs.New(component, errs.CodeTransient, errs.WithCause(err))
	}
	return errs.New(component, errs.CodeFatal, errs.WithCause(err))
}

var _ docstore.Store = (*Store)(nil)
