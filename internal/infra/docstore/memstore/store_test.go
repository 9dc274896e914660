package memstore

import (
	"context"
	"testing"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/domain/docstore"
)

type testDoc struct {
	ID    string  `json:"id"`
	Type  string  `json:"type"`
	Label string  `json:"label,omitempty"`
	Watts float64 `json:"watts,omitempty"`
	TS    string  `json:"ts,omitempty"`
}

func TestReadItemAfterUpsert(t *testing.T) {
	store := New()
	ctx := context.Background()

	etag, err := store.UpsertItem(ctx, "es", "m1", "doc1", testDoc{ID: "doc1", Type: "event"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if etag == "" {
		t.Fatal("expected non-empty etag")
	}

	item, err := store.ReadItem(ctx, "es", "doc1", "m1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if item.ETag != etag {
		t.Fatalf("etag mismatch: read %q, upsert returned %q", item.ETag, etag)
	}
	var decoded testDoc
	if err := item.Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "doc1" || decoded.Type != "event" {
		t.Fatalf("unexpected document %+v", decoded)
	}
}

func TestReadItemMissingReportsNotFound(t *testing.T) {
	store := New()
	_, err := store.ReadItem(context.Background(), "es", "nope", "m1")
	if !errs.IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestUpsertRotatesETag(t *testing.T) {
	store := New()
	ctx := context.Background()

	first, err := store.UpsertItem(ctx, "es", "m1", "doc1", testDoc{ID: "doc1"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := store.UpsertItem(ctx, "es", "m1", "doc1", testDoc{ID: "doc1", Label: "v2"})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first == second {
		t.Fatal("expected etag to change on rewrite")
	}
}

func TestBatchReplaceWithStaleETagFailsAtomically(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.UpsertItem(ctx, "es", "m1", "snap-m1", testDoc{ID: "snap-m1", Type: "snapshot"}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	b := store.NewBatch("es", "m1")
	b.Replace("snap-m1", testDoc{ID: "snap-m1", Type: "snapshot"}, "stale-etag")
	b.Create("ev1", testDoc{ID: "ev1", Type: "event"})
	err := b.Execute(ctx)
	if errs.CodeOf(err) != errs.CodePrecondition {
		t.Fatalf("expected precondition_failed, got %v", err)
	}

	if _, err := store.ReadItem(ctx, "es", "ev1", "m1"); !errs.IsNotFound(err) {
		t.Fatalf("failed batch leaked a write: %v", err)
	}
}

func TestBatchCreateConflictFailsAtomically(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.UpsertItem(ctx, "es", "m1", "snap-m1", testDoc{ID: "snap-m1", Type: "snapshot"}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	b := store.NewBatch("es", "m1")
	b.Create("snap-m1", testDoc{ID: "snap-m1", Type: "snapshot"})
	b.Create("ev1", testDoc{ID: "ev1", Type: "event"})
	err := b.Execute(ctx)
	if errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !errs.IsConcurrency(err) {
		t.Fatal("create conflict must classify as concurrency")
	}

	if _, err := store.ReadItem(ctx, "es", "ev1", "m1"); !errs.IsNotFound(err) {
		t.Fatalf("failed batch leaked a write: %v", err)
	}
}

func TestBatchReplaceMissingReportsNotFound(t *testing.T) {
	store := New()
	b := store.NewBatch("es", "m1")
	b.Replace("snap-m1", testDoc{ID: "snap-m1"}, "etag")
	if err := b.Execute(context.Background()); !errs.IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestBatchCommitOrderEventsBeforeSnapshot(t *testing.T) {
	store := New()
	ctx := context.Background()

	b := store.NewBatch("es", "m1")
	b.Create("snap-m1", testDoc{ID: "snap-m1", Type: "snapshot"})
	b.Create("ev1", testDoc{ID: "ev1", Type: "event"})
	b.Create("ev2", testDoc{ID: "ev2", Type: "event"})
	b.Upsert("snap-m1", testDoc{ID: "snap-m1", Type: "snapshot", Label: "final"})
	b.Create("out-ev2", testDoc{ID: "out-ev2", Type: "outbox"})
	if err := b.Execute(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}

	feed, err := store.ReadFeed(ctx, "es", 0, 0)
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	order := make([]string, len(feed))
	for i, fd := range feed {
		order[i] = fd.ID
	}
	want := []string{"ev1", "ev2", "snap-m1", "out-ev2"}
	if len(order) != len(want) {
		t.Fatalf("feed size %d, want %d (%v)", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("feed order %v, want %v", order, want)
		}
	}

	var snap testDoc
	if err := feed[2].Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Label != "final" {
		t.Fatalf("expected upsert to override guard body, got %+v", snap)
	}
}

func TestPatchItemSetsNestedField(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.UpsertItem(ctx, "es", "m1", "out-ev1", testDoc{ID: "out-ev1", Type: "outbox"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	op, err := docstore.SetOp("processedAt", "2026-03-01T10:00:00Z")
	if err != nil {
		t.Fatalf("set op: %v", err)
	}
	if err := store.PatchItem(ctx, "es", "out-ev1", "m1", []docstore.PatchOp{op}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	item, err := store.ReadItem(ctx, "es", "out-ev1", "m1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var fields map[string]any
	if err := item.Decode(&fields); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fields["processedAt"] != "2026-03-01T10:00:00Z" {
		t.Fatalf("processedAt = %v", fields["processedAt"])
	}

	// Patching again simply overwrites the marker.
	op2, _ := docstore.SetOp("processedAt", "2026-03-01T11:00:00Z")
	if err := store.PatchItem(ctx, "es", "out-ev1", "m1", []docstore.PatchOp{op2}); err != nil {
		t.Fatalf("second patch: %v", err)
	}
}

func TestPatchItemMissingReportsNotFound(t *testing.T) {
	store := New()
	op, _ := docstore.SetOp("processedAt", "now")
	err := store.PatchItem(context.Background(), "es", "ghost", "m1", []docstore.PatchOp{op})
	if !errs.IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestReadFeedResurfacesUpdatedDocuments(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.UpsertItem(ctx, "es", "m1", "a", testDoc{ID: "a"}); err != nil {
		t.Fatalf("seed a: %v", err)
	}
	if _, err := store.UpsertItem(ctx, "es", "m1", "b", testDoc{ID: "b"}); err != nil {
		t.Fatalf("seed b: %v", err)
	}
	if _, err := store.UpsertItem(ctx, "es", "m1", "a", testDoc{ID: "a", Label: "v2"}); err != nil {
		t.Fatalf("rewrite a: %v", err)
	}

	feed, err := store.ReadFeed(ctx, "es", 0, 0)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(feed) != 2 {
		t.Fatalf("expected latest version per doc, got %d entries", len(feed))
	}
	if feed[0].ID != "b" || feed[1].ID != "a" {
		t.Fatalf("expected rewritten doc at tail, got %s then %s", feed[0].ID, feed[1].ID)
	}

	tail, err := store.ReadFeed(ctx, "es", feed[0].CommitSeq, 0)
	if err != nil {
		t.Fatalf("tail feed: %v", err)
	}
	if len(tail) != 1 || tail[0].ID != "a" {
		t.Fatalf("afterSeq filter broken: %+v", tail)
	}
}

func TestDeleteItem(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.UpsertItem(ctx, "leases", "l1", "l1", testDoc{ID: "l1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.DeleteItem(ctx, "leases", "l1", "l1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteItem(ctx, "leases", "l1", "l1"); !errs.IsNotFound(err) {
		t.Fatalf("expected not_found on second delete, got %v", err)
	}
}

func TestQueryPartitionFilterAndOrder(t *testing.T) {
	store := New()
	ctx := context.Background()

	rows := []struct {
		partition string
		doc       testDoc
	}{
		{"m1", testDoc{ID: "m1-1", Type: "row", TS: "2026-03-01T10:00:00Z"}},
		{"m1", testDoc{ID: "m1-2", Type: "row", TS: "2026-03-01T12:00:00Z"}},
		{"m1", testDoc{ID: "m1-3", Type: "row", TS: "2026-03-01T11:00:00Z"}},
		{"m2", testDoc{ID: "m2-1", Type: "row", TS: "2026-03-01T13:00:00Z"}},
	}
	for _, r := range rows {
		if _, err := store.UpsertItem(ctx, "rm_tes_history", r.partition, r.doc.ID, r.doc); err != nil {
			t.Fatalf("seed %s: %v", r.doc.ID, err)
		}
	}

	cur, err := store.Query(ctx, "rm_tes_history", docstore.Query{
		Partition: "m1",
		OrderBy:   &docstore.Order{Path: "ts", Descending: true},
		Limit:     2,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	items, err := docstore.Drain(ctx, cur)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "m1-2" || items[1].ID != "m1-3" {
		t.Fatalf("unexpected order: %s, %s", items[0].ID, items[1].ID)
	}
}

func TestQueryNumericDescendingAcrossPartitions(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, r := range []testDoc{
		{ID: "a", Watts: 300},
		{ID: "b", Watts: 400},
		{ID: "c", Watts: 350},
	} {
		if _, err := store.UpsertItem(ctx, "rm_leaderboard", r.ID, r.ID, r); err != nil {
			t.Fatalf("seed %s: %v", r.ID, err)
		}
	}

	cur, err := store.Query(ctx, "rm_leaderboard", docstore.Query{
		OrderBy: &docstore.Order{Path: "watts", Numeric: true, Descending: true},
		Limit:   10,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	items, err := docstore.Drain(ctx, cur)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	got := make([]string, len(items))
	for i, it := range items {
		got[i] = it.ID
	}
	if len(got) != 3 || got[0] != "b" || got[1] != "c" || got[2] != "a" {
		t.Fatalf("ranking order %v, want [b c a]", got)
	}
}

func TestQueryWhereEquality(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.UpsertItem(ctx, "es", "m1", "ev1", testDoc{ID: "ev1", Type: "event"}); err != nil {
		t.Fatalf("seed ev1: %v", err)
	}
	if _, err := store.UpsertItem(ctx, "es", "m1", "snap-m1", testDoc{ID: "snap-m1", Type: "snapshot"}); err != nil {
		t.Fatalf("seed snap: %v", err)
	}

	cur, err := store.Query(ctx, "es", docstore.Query{
		Partition: "m1",
		Where:     []docstore.Condition{{Path: "type", Equals: "event"}},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	items, err := docstore.Drain(ctx, cur)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(items) != 1 || items[0].ID != "ev1" {
		t.Fatalf("where filter broken: %+v", items)
	}
}
