// Package docstore defines the typed contracts over the partitioned
// document store backing FanRide: point reads and writes, per-partition
// transactional batches, structured queries, and the change-feed surface.
package docstore

import (
	"context"

	json "github.com/goccy/go-json"
)

// Item is one stored document plus its store-level identity.
type Item struct {
	ID           string
	PartitionKey string
	ETag         string
	Doc          json.RawMessage
}

// Decode unmarshals the document body into v.
func (it Item) Decode(v any) error {
	return json.Unmarshal(it.Doc, v)
}

// FeedDoc is an item observed on the change feed together with the commit
// sequence that ordered it.
type FeedDoc struct {
	Item
	CommitSeq int64
}

// Store is the capability set required from a document-store backend. All
// implementations are safe for concurrent use; one instance is shared for
// the process lifetime.
type Store interface {
	// ReadItem fetches a document by id within a partition. A missing
	// document reports errs.CodeNotFound.
	ReadItem(ctx context.Context, container, id, partitionKey string) (Item, error)

	// UpsertItem creates or replaces a document unconditionally and returns
	// the new ETag.
	UpsertItem(ctx context.Context, container, partitionKey, id string, doc any) (string, error)

	// PatchItem applies the ops to an existing document. A missing document
	// reports errs.CodeNotFound; callers decide whether that is tolerable.
	PatchItem(ctx context.Context, container, id, partitionKey string, ops []PatchOp) error

	// DeleteItem removes a document. Only lease documents are deleted in
	// normal operation; events and outbox entries are append-only.
	DeleteItem(ctx context.Context, container, id, partitionKey string) error

	// Query runs a structured query and returns a finite cursor.
	Query(ctx context.Context, container string, q Query) (Cursor, error)

	// NewBatch opens a transactional batch scoped to one partition. The
	// batch applies atomically: every operation succeeds or none does.
	NewBatch(container, partitionKey string) Batch

	// ReadFeed returns up to limit documents with CommitSeq > afterSeq in
	// commit order. Updated documents re-enter the feed at their latest
	// commit position.
	ReadFeed(ctx context.Context, container string, afterSeq int64, limit int) ([]FeedDoc, error)

	// Tail reports the container's highest assigned commit sequence, or 0
	// when the container is empty. Feed consumers starting "from now" begin
	// after this point.
	Tail(ctx context.Context, container string) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close()
}

// Batch accumulates operations for one partition and executes them
// atomically. Operation order is preserved; a Create colliding with an
// existing id fails the batch with errs.CodeConflict, and a Replace whose
// ETag no longer matches fails it with errs.CodePrecondition.
type Batch interface {
	Create(id string, doc any)
	Upsert(id string, doc any)
	Replace(id string, doc any, ifMatchETag string)
	Execute(ctx context.Context) error
}

// PatchOpKind enumerates supported patch operations.
type PatchOpKind string

const (
	// PatchSet sets a field at the path, creating it when absent.
	PatchSet PatchOpKind = "set"
	// PatchRemove removes the field at the path when present.
	PatchRemove PatchOpKind = "remove"
)

// PatchOp is one mutation applied by PatchItem. Path segments are separated
// by "." and address nested objects, e.g. "processedAt" or "score.home".
type PatchOp struct {
	Kind  PatchOpKind
	Path  string
	Value json.RawMessage
}

// SetOp builds a PatchSet op, marshalling value into the op.
func SetOp(path string, value any) (PatchOp, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return PatchOp{}, err
	}
	return PatchOp{Kind: PatchSet, Path: path, Value: raw}, nil
}

// RemoveOp builds a PatchRemove op.
func RemoveOp(path string) PatchOp {
	return PatchOp{Kind: PatchRemove, Path: path}
}
