package projector

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/app/eventstore"
	"github.com/fanride/fanride/internal/app/readmodel"
	"github.com/fanride/fanride/internal/domain/docstore"
	"github.com/fanride/fanride/internal/domain/schema"
	"github.com/fanride/fanride/internal/infra/docstore/memstore"
)

type recordingNotifier struct {
	mu           sync.Mutex
	matchStates  []schema.MatchStateView
	momentum     []schema.MomentumView
	leaderboards []schema.LeaderboardView
	effects      []json.RawMessage
}

func (n *recordingNotifier) NotifyMatchState(_ string, view schema.MatchStateView) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.matchStates = append(n.matchStates, view)
}

func (n *recordingNotifier) NotifyMomentum(_ string, view schema.MomentumView) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.momentum = append(n.momentum, view)
}

func (n *recordingNotifier) NotifyLeaderboard(view schema.LeaderboardView) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.leaderboards = append(n.leaderboards, view)
}

func (n *recordingNotifier) NotifyTrainerEffect(_ string, payload json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.effects = append(n.effects, payload)
}

func (n *recordingNotifier) effectCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.effects)
}

func (n *recordingNotifier) lastMatchState() (schema.MatchStateView, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.matchStates) == 0 {
		return schema.MatchStateView{}, false
	}
	return n.matchStates[len(n.matchStates)-1], true
}

type projectorEnv struct {
	store    *memstore.Store
	events   *eventstore.EventStore
	views    *readmodel.Service
	notifier *recordingNotifier
	proj     *Projector
}

func newProjectorEnv(t *testing.T) *projectorEnv {
	t.Helper()
	store := memstore.New()
	t.Cleanup(store.Close)
	views, err := readmodel.New(store, readmodel.DefaultContainers())
	if err != nil {
		t.Fatalf("new readmodel: %v", err)
	}
	notifier := &recordingNotifier{}
	proj, err := New(store, views, DefaultContainers(),
		WithNotifier(notifier),
		WithProjectorLogger(testLogger()))
	if err != nil {
		t.Fatalf("new projector: %v", err)
	}
	return &projectorEnv{
		store:    store,
		events:   eventstore.New(store, "es", eventstore.WithLogger(testLogger())),
		views:    views,
		notifier: notifier,
		proj:     proj,
	}
}

func (e *projectorEnv) append(t *testing.T, req eventstore.AppendRequest) eventstore.AppendResult {
	t.Helper()
	res, err := e.events.AppendWithSnapshot(context.Background(), req)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return res
}

func (e *projectorEnv) feedFrom(t *testing.T, after int64) []docstore.FeedDoc {
	t.Helper()
	docs, err := e.store.ReadFeed(context.Background(), "es", after, 1024)
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	return docs
}

func TestProjectorSnapshotUpdatesMatchState(t *testing.T) {
	env := newProjectorEnv(t)
	state := json.RawMessage(`{"score":{"home":2,"away":1},"quarter":1,"clock":"05:00"}`)
	env.append(t, eventstore.AppendRequest{
		StreamID:      "match-1",
		SnapshotState: state,
		Events: []schema.EventInput{{
			Kind:    string(schema.KindMatchStateUpdated),
			Payload: state,
		}},
	})

	if err := env.proj.HandleBatch(context.Background(), env.feedFrom(t, 0)); err != nil {
		t.Fatalf("handle batch: %v", err)
	}

	view, err := env.views.GetMatchState(context.Background(), "match-1")
	if err != nil {
		t.Fatalf("get match state: %v", err)
	}
	if view.ScoreHome != 2 || view.ScoreAway != 1 || view.Quarter != 1 || view.Clock != "05:00" {
		t.Fatalf("unexpected view: %+v", view)
	}
	notified, ok := env.notifier.lastMatchState()
	if !ok {
		t.Fatal("match state not broadcast")
	}
	if notified != view {
		t.Fatalf("broadcast %+v differs from served view %+v", notified, view)
	}
}

func TestProjectorTrainerEventFlow(t *testing.T) {
	env := newProjectorEnv(t)
	payload := json.RawMessage(`{"riderId":"rider-9","watts":275,"cadence":93,"heartRate":151,"capturedAt":"2026-03-14T10:00:00Z"}`)
	env.append(t, eventstore.AppendRequest{
		StreamID: "match-1",
		Events: []schema.EventInput{{
			ID:      "ev-1",
			Kind:    string(schema.KindTrainerMetricsCaptured),
			Payload: payload,
		}},
	})

	if err := env.proj.HandleBatch(context.Background(), env.feedFrom(t, 0)); err != nil {
		t.Fatalf("handle batch: %v", err)
	}

	momentum, err := env.views.GetMomentum(context.Background(), "match-1", 10)
	if err != nil {
		t.Fatalf("get momentum: %v", err)
	}
	if len(momentum.Points) != 1 || momentum.Points[0].Watts != 275 {
		t.Fatalf("unexpected momentum: %+v", momentum)
	}
	leaderboard, err := env.views.GetLeaderboard(context.Background(), 10)
	if err != nil {
		t.Fatalf("get leaderboard: %v", err)
	}
	if len(leaderboard.Entries) != 1 || leaderboard.Entries[0].RiderID != "rider-9" {
		t.Fatalf("unexpected leaderboard: %+v", leaderboard)
	}

	if env.notifier.effectCount() != 1 {
		t.Fatalf("effects = %d, want 1", env.notifier.effectCount())
	}
	outbox, err := env.store.ReadItem(context.Background(), "es", schema.OutboxID("ev-1"), "match-1")
	if err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	var doc schema.OutboxDoc
	if err := outbox.Decode(&doc); err != nil {
		t.Fatalf("decode outbox: %v", err)
	}
	if doc.ProcessedAt == nil {
		t.Fatal("outbox not marked processed")
	}
}

func TestProjectorOutboxRedeliverySkipsEffect(t *testing.T) {
	env := newProjectorEnv(t)
	env.append(t, eventstore.AppendRequest{
		StreamID: "match-1",
		Events: []schema.EventInput{{
			ID:      "ev-1",
			Kind:    string(schema.KindTrainerMetricsCaptured),
			Payload: json.RawMessage(`{"watts":100}`),
		}},
	})

	first := env.feedFrom(t, 0)
	if err := env.proj.HandleBatch(context.Background(), first); err != nil {
		t.Fatalf("handle first batch: %v", err)
	}
	if env.notifier.effectCount() != 1 {
		t.Fatalf("effects = %d, want 1", env.notifier.effectCount())
	}

	// The processedAt patch re-enters the feed; handling it again must not
	// re-trigger the effect.
	redelivered := env.feedFrom(t, first[len(first)-1].CommitSeq)
	if len(redelivered) == 0 {
		t.Fatal("expected the patched outbox back on the feed")
	}
	if err := env.proj.HandleBatch(context.Background(), redelivered); err != nil {
		t.Fatalf("handle redelivered batch: %v", err)
	}
	if env.notifier.effectCount() != 1 {
		t.Fatalf("effects = %d after redelivery, want 1", env.notifier.effectCount())
	}
}

func TestProjectorReplayConverges(t *testing.T) {
	env := newProjectorEnv(t)
	stateA := json.RawMessage(`{"score":{"home":3,"away":2},"quarter":2,"clock":"10:00"}`)
	env.append(t, eventstore.AppendRequest{
		StreamID:      "match-a",
		SnapshotState: stateA,
		Events: []schema.EventInput{
			{Kind: string(schema.KindTrainerMetricsCaptured), Payload: json.RawMessage(`{"watts":240}`)},
			{Kind: string(schema.KindMatchStateUpdated), Payload: stateA},
		},
	})
	env.append(t, eventstore.AppendRequest{
		StreamID: "match-b",
		Events: []schema.EventInput{
			{Kind: string(schema.KindTrainerMetricsCaptured), Payload: json.RawMessage(`{"watts":310}`)},
		},
	})

	if err := env.proj.HandleBatch(context.Background(), env.feedFrom(t, 0)); err != nil {
		t.Fatalf("handle batch: %v", err)
	}
	stateBefore, err := env.views.GetMatchState(context.Background(), "match-a")
	if err != nil {
		t.Fatalf("get match state: %v", err)
	}
	boardBefore, err := env.views.GetLeaderboard(context.Background(), 10)
	if err != nil {
		t.Fatalf("get leaderboard: %v", err)
	}

	// Replaying the whole feed reproduces identical rows: every write is
	// deterministic in its inputs.
	if err := env.proj.HandleBatch(context.Background(), env.feedFrom(t, 0)); err != nil {
		t.Fatalf("replay batch: %v", err)
	}
	stateAfter, err := env.views.GetMatchState(context.Background(), "match-a")
	if err != nil {
		t.Fatalf("get match state after replay: %v", err)
	}
	if stateAfter.ScoreHome != stateBefore.ScoreHome || stateAfter.ScoreAway != stateBefore.ScoreAway ||
		stateAfter.Quarter != stateBefore.Quarter || stateAfter.Clock != stateBefore.Clock {
		t.Fatalf("match state diverged: %+v vs %+v", stateBefore, stateAfter)
	}
	boardAfter, err := env.views.GetLeaderboard(context.Background(), 10)
	if err != nil {
		t.Fatalf("get leaderboard after replay: %v", err)
	}
	if len(boardAfter.Entries) != len(boardBefore.Entries) {
		t.Fatalf("leaderboard size diverged: %d vs %d", len(boardBefore.Entries), len(boardAfter.Entries))
	}
	for i := range boardAfter.Entries {
		if boardAfter.Entries[i].RiderID != boardBefore.Entries[i].RiderID ||
			boardAfter.Entries[i].Watts != boardBefore.Entries[i].Watts {
			t.Fatalf("leaderboard entry %d diverged", i)
		}
	}
	momentum, err := env.views.GetMomentum(context.Background(), "match-a", 10)
	if err != nil {
		t.Fatalf("get momentum: %v", err)
	}
	if len(momentum.Points) != 1 {
		t.Fatalf("momentum points = %d after replay, want 1", len(momentum.Points))
	}
	if env.notifier.effectCount() != 2 {
		t.Fatalf("effects = %d, want one per trainer event", env.notifier.effectCount())
	}
}

func TestProjectorIgnoresUnknownDocuments(t *testing.T) {
	env := newProjectorEnv(t)
	if _, err := env.store.UpsertItem(context.Background(), "es", "stream-x", "mystery-1",
		map[string]string{"id": "mystery-1", "type": "mystery"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := env.proj.HandleBatch(context.Background(), env.feedFrom(t, 0)); err != nil {
		t.Fatalf("handle batch: %v", err)
	}
	if _, ok := env.notifier.lastMatchState(); ok {
		t.Fatal("unexpected broadcast for unknown document")
	}
}

func TestProjectorSkipsMalformedDocuments(t *testing.T) {
	env := newProjectorEnv(t)
	if _, err := env.store.UpsertItem(context.Background(), "es", "stream-x", "broken-1",
		json.RawMessage(`{"type":12345}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := env.proj.HandleBatch(context.Background(), env.feedFrom(t, 0)); err != nil {
		t.Fatalf("malformed document must not wedge the feed: %v", err)
	}
}

type flakyStore struct {
	docstore.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) UpsertItem(ctx context.Context, container, partitionKey, id string, doc any) (string, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return "", errs.New("docstore/upsert", errs.CodeTransient, errs.WithMessage("induced failure"))
	}
	return s.Store.UpsertItem(ctx, container, partitionKey, id, doc)
}

func TestProjectorRetriesTransientUpsert(t *testing.T) {
	inner := memstore.New()
	defer inner.Close()
	flaky := &flakyStore{Store: inner, failures: 1}
	views, err := readmodel.New(inner, readmodel.DefaultContainers())
	if err != nil {
		t.Fatalf("new readmodel: %v", err)
	}
	proj, err := New(flaky, views, DefaultContainers(), WithProjectorLogger(testLogger()))
	if err != nil {
		t.Fatalf("new projector: %v", err)
	}
	events := eventstore.New(inner, "es", eventstore.WithLogger(testLogger()))
	if _, err := events.AppendWithSnapshot(context.Background(), eventstore.AppendRequest{
		StreamID:      "match-1",
		SnapshotState: json.RawMessage(`{"score":{"home":1,"away":0},"quarter":1,"clock":"01:00"}`),
		Events:        []schema.EventInput{{Kind: string(schema.KindMatchStateUpdated), Payload: json.RawMessage(`{}`)}},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	docs, err := inner.ReadFeed(context.Background(), "es", 0, 100)
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}

	if err := proj.HandleBatch(context.Background(), docs); err != nil {
		t.Fatalf("transient failure should be retried: %v", err)
	}
	view, err := views.GetMatchState(context.Background(), "match-1")
	if err != nil {
		t.Fatalf("get match state: %v", err)
	}
	if view.ScoreHome != 1 {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestProjectorAbortsBatchOnPersistentFailure(t *testing.T) {
	inner := memstore.New()
	defer inner.Close()
	flaky := &flakyStore{Store: inner, failures: 1 << 20}
	views, err := readmodel.New(inner, readmodel.DefaultContainers())
	if err != nil {
		t.Fatalf("new readmodel: %v", err)
	}
	proj, err := New(flaky, views, DefaultContainers(), WithProjectorLogger(testLogger()))
	if err != nil {
		t.Fatalf("new projector: %v", err)
	}
	events := eventstore.New(inner, "es", eventstore.WithLogger(testLogger()))
	if _, err := events.AppendWithSnapshot(context.Background(), eventstore.AppendRequest{
		StreamID: "match-1",
		Events:   []schema.EventInput{{Kind: string(schema.KindMatchStateUpdated), Payload: json.RawMessage(`{}`)}},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	docs, err := inner.ReadFeed(context.Background(), "es", 0, 100)
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}

	if err := proj.HandleBatch(context.Background(), docs); err == nil {
		t.Fatal("expected batch abort after exhausted retries")
	}
}

func TestProcessorProjectsEndToEnd(t *testing.T) {
	env := newProjectorEnv(t)
	proc, err := NewFeedProcessor(env.store, env.proj.HandleBatch, FeedOptions{
		FeedName:           "fanride-projector",
		InstanceName:       "e2e-1",
		PollInterval:       5 * time.Millisecond,
		LeaseTTL:           time.Second,
		StartFromBeginning: true,
	}, WithFeedLogger(testLogger()))
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := proc.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("processor did not stop")
		}
	}()

	env.append(t, eventstore.AppendRequest{
		StreamID:      "match-1",
		SnapshotState: json.RawMessage(`{"score":{"home":1,"away":0},"quarter":1,"clock":"15:00"}`),
		Events: []schema.EventInput{
			{Kind: string(schema.KindMatchStateUpdated), Payload: json.RawMessage(`{}`)},
			{Kind: string(schema.KindTrainerMetricsCaptured), Payload: json.RawMessage(`{"watts":222}`)},
		},
	})

	waitFor(t, func() bool {
		view, err := env.views.GetMatchState(context.Background(), "match-1")
		return err == nil && view.ScoreHome == 1
	})
	waitFor(t, func() bool {
		momentum, err := env.views.GetMomentum(context.Background(), "match-1", 10)
		return err == nil && len(momentum.Points) == 1
	})
	waitFor(t, func() bool { return env.notifier.effectCount() == 1 })

	// A second append keeps flowing through the live processor.
	envelope, err := env.events.GetEnvelope(context.Background(), "match-1")
	if err != nil {
		t.Fatalf("get envelope: %v", err)
	}
	if _, err := env.events.AppendWithSnapshot(context.Background(), eventstore.AppendRequest{
		StreamID:        "match-1",
		ExpectedVersion: envelope.AggregateVersion,
		ExpectedETag:    envelope.ETag,
		SnapshotState:   json.RawMessage(`{"score":{"home":2,"away":0},"quarter":1,"clock":"12:00"}`),
		Events:          []schema.EventInput{{Kind: string(schema.KindMatchStateUpdated), Payload: json.RawMessage(`{}`)}},
	}); err != nil {
		t.Fatalf("second append: %v", err)
	}
	waitFor(t, func() bool {
		view, err := env.views.GetMatchState(context.Background(), "match-1")
		return err == nil && view.ScoreHome == 2
	})
}
