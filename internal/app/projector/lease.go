package projector

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/domain/docstore"
	"github.com/fanride/fanride/internal/domain/schema"
	"github.com/fanride/fanride/internal/observability"
)

// leaseKeeper owns one feed range lease: it acquires the lease document,
// renews it while batches flow, checkpoints the continuation after each
// handled batch, and releases on shutdown. All writes are ETag-guarded so
// two instances never both believe they hold the range.
type leaseKeeper struct {
	store          docstore.Store
	leaseContainer string
	feedName       string
	rangeID        string
	instanceName   string
	ttl            time.Duration
	clock          func() time.Time
	logger         *log.Logger

	// bootstrap resolves the initial continuation for a brand-new lease.
	bootstrap func(ctx context.Context) (int64, error)

	held bool
	etag string
	doc  schema.LeaseDoc
}

func (k *leaseKeeper) leaseID() string {
	return schema.LeaseID(k.feedName, k.rangeID)
}

func (k *leaseKeeper) continuation() int64 {
	return k.doc.Continuation
}

// acquire attempts to take ownership of the lease. It returns false without
// error when another live owner holds the range.
func (k *leaseKeeper) acquire(ctx context.Context) (bool, error) {
	now := k.clock().UTC()
	id := k.leaseID()
	item, err := k.store.ReadItem(ctx, k.leaseContainer, id, id)
	if errs.IsNotFound(err) {
		return k.create(ctx, now)
	}
	if err != nil {
		return false, fmt.Errorf("lease read: %w", err)
	}

	var doc schema.LeaseDoc
	if decodeErr := item.Decode(&doc); decodeErr != nil {
		return false, fmt.Errorf("lease decode: %w", decodeErr)
	}
	if doc.Owner == k.instanceName {
		// Our own document, e.g. after a transient loss of tracking.
		k.adopt(doc, item.ETag)
		if renewErr := k.renew(ctx); renewErr != nil {
			k.held = false
			if errs.IsConcurrency(renewErr) {
				return false, nil
			}
			return false, renewErr
		}
		return true, nil
	}
	if !doc.Expired(now) {
		return false, nil
	}

	// Expired or released: steal ownership but keep the continuation so the
	// new owner resumes where the previous one checkpointed.
	doc.Owner = k.instanceName
	doc.ExpiresAt = now.Add(k.ttl)
	if err := k.write(ctx, doc, item.ETag); err != nil {
		if errs.IsConcurrency(err) {
			return false, nil
		}
		return false, err
	}
	return k.confirm(ctx)
}

func (k *leaseKeeper) create(ctx context.Context, now time.Time) (bool, error) {
	continuation, err := k.bootstrap(ctx)
	if err != nil {
		return false, fmt.Errorf("lease bootstrap: %w", err)
	}
	id := k.leaseID()
	doc := schema.LeaseDoc{
		ID:           id,
		Type:         schema.DocTypeLease,
		FeedName:     k.feedName,
		RangeID:      k.rangeID,
		Owner:        k.instanceName,
		Continuation: continuation,
		ExpiresAt:    now.Add(k.ttl),
	}
	batch := k.store.NewBatch(k.leaseContainer, id)
	batch.Create(id, doc)
	if err := batch.Execute(ctx); err != nil {
		if errs.IsConcurrency(err) {
			return false, nil
		}
		return false, fmt.Errorf("lease create: %w", err)
	}
	return k.confirm(ctx)
}

// confirm re-reads the lease after a guarded write. Batches do not return
// the new ETag, so the read refreshes it and verifies ownership stuck.
func (k *leaseKeeper) confirm(ctx context.Context) (bool, error) {
	id := k.leaseID()
	item, err := k.store.ReadItem(ctx, k.leaseContainer, id, id)
	if err != nil {
		return false, fmt.Errorf("lease confirm: %w", err)
	}
	var doc schema.LeaseDoc
	if err := item.Decode(&doc); err != nil {
		return false, fmt.Errorf("lease confirm decode: %w", err)
	}
	if doc.Owner != k.instanceName {
		k.held = false
		return false, nil
	}
	k.adopt(doc, item.ETag)
	return true, nil
}

func (k *leaseKeeper) adopt(doc schema.LeaseDoc, etag string) {
	k.doc = doc
	k.etag = etag
	k.held = true
}

// renew extends the lease expiry without moving the continuation.
func (k *leaseKeeper) renew(ctx context.Context) error {
	doc := k.doc
	doc.ExpiresAt = k.clock().UTC().Add(k.ttl)
	return k.persist(ctx, doc)
}

// maybeRenew extends the lease when less than half the TTL remains. Idle
// polls call this so a quiet feed does not let the lease lapse.
func (k *leaseKeeper) maybeRenew(ctx context.Context) error {
	if !k.held {
		return nil
	}
	if k.doc.ExpiresAt.Sub(k.clock().UTC()) > k.ttl/2 {
		return nil
	}
	return k.renew(ctx)
}

// checkpoint advances the continuation past a fully handled batch and
// extends the expiry in the same write.
func (k *leaseKeeper) checkpoint(ctx context.Context, seq int64) error {
	doc := k.doc
	doc.Continuation = seq
	doc.ExpiresAt = k.clock().UTC().Add(k.ttl)
	return k.persist(ctx, doc)
}

func (k *leaseKeeper) persist(ctx context.Context, doc schema.LeaseDoc) error {
	if err := k.write(ctx, doc, k.etag); err != nil {
		if errs.IsConcurrency(err) {
			k.held = false
		}
		return err
	}
	ok, err := k.confirm(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New("projector/lease", errs.CodePrecondition,
			errs.WithMessage("lease moved to another owner"))
	}
	return nil
}

func (k *leaseKeeper) write(ctx context.Context, doc schema.LeaseDoc, etag string) error {
	id := k.leaseID()
	batch := k.store.NewBatch(k.leaseContainer, id)
	batch.Replace(id, doc, etag)
	if err := batch.Execute(ctx); err != nil {
		return fmt.Errorf("lease write: %w", err)
	}
	return nil
}

// release hands the lease back on shutdown so a successor can take over
// without waiting for expiry. Best effort: failures are only logged.
func (k *leaseKeeper) release(ctx context.Context) {
	if !k.held {
		return
	}
	doc := k.doc
	doc.Owner = ""
	doc.ExpiresAt = k.clock().UTC()
	if err := k.write(ctx, doc, k.etag); err != nil {
		k.logger.Printf("lease release failed: %v", err)
	}
	k.held = false
}

// DeleteAllLeases removes every lease document for the feed name. Run this
// before a rebuild so the processor starts from the beginning of the feed.
func DeleteAllLeases(ctx context.Context, store docstore.Store, leaseContainer, feedName string) error {
	cur, err := store.Query(ctx, leaseContainer, docstore.Query{
		Partition: "",
		Where: []docstore.Condition{
			{Path: "type", Equals: string(schema.DocTypeLease)},
			{Path: "feedName", Equals: feedName},
		},
		OrderBy: nil,
		Limit:   0,
	})
	if err != nil {
		return fmt.Errorf("lease query: %w", err)
	}
	items, err := docstore.Drain(ctx, cur)
	if err != nil {
		return fmt.Errorf("lease drain: %w", err)
	}
	var failures []error
	for _, item := range items {
		if err := store.DeleteItem(ctx, leaseContainer, item.ID, item.PartitionKey); err != nil {
			if errs.IsNotFound(err) {
				continue
			}
			failures = append(failures, fmt.Errorf("lease %s: %w", item.ID, err))
		}
	}
	return observability.AggregateErrors("delete leases", failures,
		observability.Field{Key: "feed_name", Value: feedName})
}
