// Package memstore provides an in-memory document store backend with the
// same batch, ETag, and change-feed semantics as the Postgres backend. It
// serves unit tests and the memory store driver.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/domain/docstore"
)

type docKey struct {
	partition string
	id        string
}

type memDoc struct {
	partition string
	id        string
	doc       []byte
	etag      string
	commitSeq int64
}

// Store is the in-memory docstore backend. A single mutex guards all
// containers; the commit counter orders every write across the store the
// way the Postgres sequence does per container.
type Store struct {
	mu         sync.Mutex
	containers map[string]map[docKey]*memDoc
	commitSeq  int64
}

var _ docstore.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	store := new(Store)
	store.containers = make(map[string]map[docKey]*memDoc)
	return store
}

func checkContext(ctx context.Context, op string) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("memstore %s context: %w", op, ctx.Err())
		default:
		}
	}
	return nil
}

func (s *Store) container(name string) map[docKey]*memDoc {
	c, ok := s.containers[name]
	if !ok {
		c = make(map[docKey]*memDoc)
		s.containers[name] = c
	}
	return c
}

func (s *Store) nextCommitSeq() int64 {
	s.commitSeq++
	return s.commitSeq
}

// ReadItem fetches one document by id within a partition.
func (s *Store) ReadItem(ctx context.Context, container, id, partitionKey string) (docstore.Item, error) {
	if err := checkContext(ctx, "read"); err != nil {
		return docstore.Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.container(container)[docKey{partition: partitionKey, id: id}]
	if !ok {
		return docstore.Item{}, errs.New("docstore/read", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("document %s not found in %s", id, container)))
	}
	return d.item(), nil
}

// UpsertItem creates or replaces a document and returns the new ETag.
func (s *Store) UpsertItem(ctx context.Context, container, partitionKey, id string, doc any) (string, error) {
	if err := checkContext(ctx, "upsert"); err != nil {
		return "", err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", errs.New("docstore/upsert", errs.CodeInvalid, errs.WithMessage("encode document"), errs.WithCause(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.container(container)
	key := docKey{partition: partitionKey, id: id}
	c[key] = &memDoc{
		partition: partitionKey,
		id:        id,
		doc:       body,
		etag:      uuid.NewString(),
		commitSeq: s.nextCommitSeq(),
	}
	return c[key].etag, nil
}

// PatchItem applies ops to an existing document.
func (s *Store) PatchItem(ctx context.Context, container, id, partitionKey string, ops []docstore.PatchOp) error {
	if err := checkContext(ctx, "patch"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.container(container)
	key := docKey{partition: partitionKey, id: id}
	d, ok := c[key]
	if !ok {
		return errs.New("docstore/patch", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("document %s not found in %s", id, container)))
	}
	patched, err := applyPatchOps(d.doc, ops)
	if err != nil {
		return err
	}
	d.doc = patched
	d.etag = uuid.NewString()
	d.commitSeq = s.nextCommitSeq()
	return nil
}

// DeleteItem removes a document.
func (s *Store) DeleteItem(ctx context.Context, container, id, partitionKey string) error {
	if err := checkContext(ctx, "delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.container(container)
	key := docKey{partition: partitionKey, id: id}
	if _, ok := c[key]; !ok {
		return errs.New("docstore/delete", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("document %s not found in %s", id, container)))
	}
	delete(c, key)
	return nil
}

// ReadFeed returns documents with commitSeq beyond afterSeq in commit order.
func (s *Store) ReadFeed(ctx context.Context, container string, afterSeq int64, limit int) ([]docstore.FeedDoc, error) {
	if err := checkContext(ctx, "feed"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []docstore.FeedDoc
	for _, d := range s.container(container) {
		if d.commitSeq > afterSeq {
			out = append(out, docstore.FeedDoc{Item: d.item(), CommitSeq: d.commitSeq})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommitSeq < out[j].CommitSeq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Tail reports the container's highest assigned commit sequence.
func (s *Store) Tail(ctx context.Context, container string) (int64, error) {
	if err := checkContext(ctx, "tail"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var tail int64
	for _, d := range s.container(container) {
		if d.commitSeq > tail {
			tail = d.commitSeq
		}
	}
	return tail, nil
}

// NewBatch opens a transactional batch for one partition.
func (s *Store) NewBatch(container, partitionKey string) docstore.Batch {
	return &batch{store: s, container: container, partition: partitionKey}
}

// Ping reports the store as reachable.
func (s *Store) Ping(context.Context) error { return nil }

// Close releases nothing; the memory backend holds no external resources.
func (s *Store) Close() {}

func (d *memDoc) item() docstore.Item {
	body := make([]byte, len(d.doc))
	copy(body, d.doc)
	return docstore.Item{
		ID:           d.id,
		PartitionKey: d.partition,
		ETag:         d.etag,
		Doc:          body,
	}
}

func applyPatchOps(doc []byte, ops []docstore.PatchOp) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, errs.New("docstore/patch", errs.CodeFatal, errs.WithMessage("decode stored document"), errs.WithCause(err))
	}
	for _, op := range ops {
		segments := docstore.PathSegments(op.Path)
		if len(segments) == 0 {
			return nil, errs.New("docstore/patch", errs.CodeInvalid, errs.WithMessage("empty patch path"))
		}
		parent := fields
		for _, segment := range segments[:len(segments)-1] {
			child, ok := parent[segment].(map[string]any)
			if !ok {
				child = make(map[string]any)
				parent[segment] = child
			}
			parent = child
		}
		leaf := segments[len(segments)-1]
		switch op.Kind {
		case docstore.PatchSet:
			var value any
			if err := json.Unmarshal(op.Value, &value); err != nil {
				return nil, errs.New("docstore/patch", errs.CodeInvalid, errs.WithMessage("decode patch value"), errs.WithCause(err))
			}
			parent[leaf] = value
		case docstore.PatchRemove:
			delete(parent, leaf)
		default:
			return nil, errs.New("docstore/patch", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("unsupported patch op %q", op.Kind)))
		}
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, errs.New("docstore/patch", errs.CodeFatal, errs.WithMessage("encode patched document"), errs.WithCause(err))
	}
	return out, nil
}
