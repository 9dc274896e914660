package memstore

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fanride/fanride/errs"
)

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

// Execute applies all operations atomically. Ops run against a staged copy
// of the partition; the real container is swapped only after every op
// passed its eligibility check, so a failed guard leaves no trace.
func (b *batch) Execute(ctx context.Context) error {
	if err := checkContext(ctx, "batch"); err != nil {
		return err
	}
	if len(b.ops) == 0 {
		return errs.New("docstore/batch", errs.CodeInvalid, errs.WithMessage("empty batch"))
	}

	encoded := make([][]byte, len(b.ops))
	for i, op := range b.ops {
		body, err := json.Marshal(op.doc)
		if err != nil {
			return errs.New("docstore/batch", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("encode document %s", op.id)), errs.WithCause(err))
		}
		encoded[i] = body
	}

	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	c := b.store.container(b.container)
	staged := make(map[string]*memDoc, len(b.ops))
	for _, op := range b.ops {
		key := docKey{partition: b.partition, id: op.id}
		if existing, ok := c[key]; ok {
			if _, already := staged[op.id]; !already {
				copied := *existing
				staged[op.id] = &copied
			}
		}
	}

	for i, op := range b.ops {
		current := staged[op.id]
		switch op.kind {
		case opCreate:
			if current != nil {
				return errs.New("docstore/batch", errs.CodeConflict,
					errs.WithMessage(fmt.Sprintf("document %s already exists", op.id)))
			}
		case opReplace:
			if current == nil {
				return errs.New("docstore/batch", errs.CodeNotFound,
					errs.WithMessage(fmt.Sprintf("document %s not found for replace", op.id)))
			}
			if op.ifMatch != "" && current.etag != op.ifMatch {
				return errs.New("docstore/batch", errs.CodePrecondition,
					errs.WithMessage(fmt.Sprintf("etag mismatch on %s", op.id)))
			}
		case opUpsert:
		}
		staged[op.id] = &memDoc{
			partition: b.partition,
			id:        op.id,
			doc:       encoded[i],
			etag:      uuid.NewString(),
		}
	}

	// Commit order follows op order; a document touched twice (guard then
	// upsert) lands at the position of its last op, so the feed observes a
	// snapshot only after the events committed alongside it.
	for _, op := range b.ops {
		staged[op.id].commitSeq = b.store.nextCommitSeq()
	}
	for id, d := range staged {
		c[docKey{partition: b.partition, id: id}] = d
	}
	return nil
}
