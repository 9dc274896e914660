// Package projector consumes the event container change feed and maintains
// the denormalised read models: current match state, momentum history, and
// the cross-stream leaderboard. Delivery is at least once; every write is
// deterministic in its inputs, so redelivery and rebuilds converge on the
// same rows.
package projector

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/domain/docstore"
	"github.com/fanride/fanride/internal/domain/schema"
	"github.com/fanride/fanride/internal/infra/telemetry"
)

const (
	defaultMomentumPoints = 60
	defaultLeaderboardTop = 10
	maxWriteAttempts      = 3
)

// Views is the read-back seam over the read-model service. The projector
// broadcasts the same views clients would fetch, never raw rows.
type Views interface {
	GetMatchState(ctx context.Context, streamID string) (schema.MatchStateView, error)
	GetMomentum(ctx context.Context, streamID string, maxPoints int) (schema.MomentumView, error)
	GetLeaderboard(ctx context.Context, top int) (schema.LeaderboardView, error)
}

// Notifier receives refreshed views after read-model writes. The hub
// implements this to fan results out to connected clients.
type Notifier interface {
	NotifyMatchState(streamID string, view schema.MatchStateView)
	NotifyMomentum(streamID string, view schema.MomentumView)
	NotifyLeaderboard(view schema.LeaderboardView)
	NotifyTrainerEffect(streamID string, payload json.RawMessage)
}

// Containers names the containers the projector reads and writes.
type Containers struct {
	// Events is the monitored container holding events, snapshots, and
	// outbox documents.
	Events string
	// MatchState holds current-match-state rows.
	MatchState string
	// Momentum holds momentum-history rows.
	Momentum string
	// Leaderboard holds per-stream leaderboard rows.
	Leaderboard string
}

// DefaultContainers returns the standard container layout.
func DefaultContainers() Containers {
	return Containers{
		Events:      "es",
		MatchState:  "rm_match_state",
		Momentum:    "rm_tes_history",
		Leaderboard: "rm_leaderboard",
	}
}

// Option configures a Projector.
type Option func(*Projector)

// WithProjectorLogger overrides the default logger.
func WithProjectorLogger(logger *log.Logger) Option {
	return func(p *Projector) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProjectorClock overrides the time source stamped onto rows.
func WithProjectorClock(clock func() time.Time) Option {
	return func(p *Projector) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithNotifier wires the hub notification sink.
func WithNotifier(notifier Notifier) Option {
	return func(p *Projector) {
		p.notifier = notifier
	}
}

// WithProjectionMode labels metrics with live or rebuild mode.
func WithProjectionMode(mode string) Option {
	return func(p *Projector) {
		if mode != "" {
			p.mode = mode
		}
	}
}

// WithMomentumPoints sets the broadcast momentum window size.
func WithMomentumPoints(points int) Option {
	return func(p *Projector) {
		if points > 0 {
			p.momentumPoints = points
		}
	}
}

// WithLeaderboardTop sets the broadcast leaderboard depth.
func WithLeaderboardTop(top int) Option {
	return func(p *Projector) {
		if top > 0 {
			p.leaderboardTop = top
		}
	}
}

// Projector dispatches change-feed documents by type and keeps the read
// models current.
type Projector struct {
	store      docstore.Store
	views      Views
	notifier   Notifier
	containers Containers
	logger     *log.Logger
	clock      func() time.Time
	mode       string

	momentumPoints int
	leaderboardTop int

	docsCounter    metric.Int64Counter
	failureCounter metric.Int64Counter
	batchDuration  metric.Float64Histogram
}

// New constructs a Projector over the given containers. The notifier is
// optional; without one the read models still advance.
func New(store docstore.Store, views Views, containers Containers, opts ...Option) (*Projector, error) {
	if store == nil {
		return nil, errs.New("projector", errs.CodeInvalid, errs.WithMessage("store required"))
	}
	if views == nil {
		return nil, errs.New("projector", errs.CodeInvalid, errs.WithMessage("views required"))
	}
	defaults := DefaultContainers()
	if containers.Events == "" {
		containers.Events = defaults.Events
	}
	if containers.MatchState == "" {
		containers.MatchState = defaults.MatchState
	}
	if containers.Momentum == "" {
		containers.Momentum = defaults.Momentum
	}
	if containers.Leaderboard == "" {
		containers.Leaderboard = defaults.Leaderboard
	}

	projector := &Projector{
		store:          store,
		views:          views,
		notifier:       nil,
		containers:     containers,
		logger:         log.New(os.Stdout, "projector ", log.LstdFlags|log.Lmicroseconds),
		clock:          time.Now,
		mode:           telemetry.ProjectionModeLive,
		momentumPoints: defaultMomentumPoints,
		leaderboardTop: defaultLeaderboardTop,
		docsCounter:    nil,
		failureCounter: nil,
		batchDuration:  nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(projector)
		}
	}

	meter := otel.Meter("projector")
	projector.docsCounter, _ = meter.Int64Counter("projector.documents",
		metric.WithDescription("Number of feed documents processed"),
		metric.WithUnit("{document}"))
	projector.failureCounter, _ = meter.Int64Counter("projector.failures",
		metric.WithDescription("Number of feed batches aborted for redelivery"),
		metric.WithUnit("{batch}"))
	projector.batchDuration, _ = meter.Float64Histogram("projector.batch.duration",
		metric.WithDescription("Feed batch handling duration"),
		metric.WithUnit("ms"))

	return projector, nil
}

// HandleBatch is the feed processor's BatchHandler. Any dispatch error
// aborts the batch before the continuation advances, so the whole batch is
// redelivered.
func (p *Projector) HandleBatch(ctx context.Context, docs []docstore.FeedDoc) error {
	start := time.Now()
	for _, doc := range docs {
		if err := p.dispatch(ctx, doc); err != nil {
			p.recordBatch(ctx, start, 0, err)
			return err
		}
	}
	p.recordBatch(ctx, start, len(docs), nil)
	return nil
}

func (p *Projector) dispatch(ctx context.Context, doc docstore.FeedDoc) error {
	head, err := schema.PeekHeader(doc.Doc)
	if err != nil {
		// A malformed document would otherwise wedge the feed forever.
		p.logger.Printf("skipping undecodable feed document id=%s: %v", doc.ID, err)
		return nil
	}
	switch head.Type {
	case schema.DocTypeSnapshot:
		return p.applySnapshot(ctx, doc)
	case schema.DocTypeEvent:
		return p.applyEvent(ctx, doc)
	case schema.DocTypeOutbox:
		return p.applyOutbox(ctx, doc)
	default:
		return nil
	}
}

func (p *Projector) applySnapshot(ctx context.Context, doc docstore.FeedDoc) error {
	var snap schema.SnapshotDoc
	if err := doc.Decode(&snap); err != nil {
		p.logger.Printf("skipping malformed snapshot id=%s: %v", doc.ID, err)
		return nil
	}
	if snap.StreamID == "" {
		return nil
	}
	row := schema.MatchStateRow{
		ID:         snap.StreamID,
		MatchID:    snap.StreamID,
		State:      snap.State,
		AggVersion: snap.AggVersion,
		UpdatedAt:  p.clock().UTC(),
	}
	if err := p.upsertRow(ctx, p.containers.MatchState, snap.StreamID, row.ID, row); err != nil {
		return fmt.Errorf("match state upsert %s: %w", snap.StreamID, err)
	}
	view, err := p.views.GetMatchState(ctx, snap.StreamID)
	if err != nil {
		return fmt.Errorf("match state read back %s: %w", snap.StreamID, err)
	}
	if p.notifier != nil {
		p.notifier.NotifyMatchState(snap.StreamID, view)
	}
	return nil
}

func (p *Projector) applyEvent(ctx context.Context, doc docstore.FeedDoc) error {
	var event schema.EventDoc
	if err := doc.Decode(&event); err != nil {
		p.logger.Printf("skipping malformed event id=%s: %v", doc.ID, err)
		return nil
	}
	if schema.NormalizeEventKind(string(event.Kind)) != schema.KindTrainerMetricsCaptured {
		return nil
	}
	if event.StreamID == "" {
		return nil
	}
	now := p.clock().UTC()
	ts := event.TS
	if ts.IsZero() {
		ts = now
	}
	momentum := schema.MomentumRow{
		ID:       schema.MomentumRowID(event.StreamID, event.Seq),
		MatchID:  event.StreamID,
		Metrics:  event.Data,
		TS:       ts,
		TSMicros: ts.UnixMicro(),
	}
	if err := p.upsertRow(ctx, p.containers.Momentum, event.StreamID, momentum.ID, momentum); err != nil {
		return fmt.Errorf("momentum upsert %s: %w", momentum.ID, err)
	}
	leaderboard := schema.LeaderboardRow{
		ID:        event.StreamID,
		MatchID:   event.StreamID,
		Metrics:   event.Data,
		UpdatedAt: now,
	}
	if err := p.upsertRow(ctx, p.containers.Leaderboard, event.StreamID, leaderboard.ID, leaderboard); err != nil {
		return fmt.Errorf("leaderboard upsert %s: %w", event.StreamID, err)
	}

	momentumView, err := p.views.GetMomentum(ctx, event.StreamID, p.momentumPoints)
	if err != nil {
		return fmt.Errorf("momentum read back %s: %w", event.StreamID, err)
	}
	leaderboardView, err := p.views.GetLeaderboard(ctx, p.leaderboardTop)
	if err != nil {
		return fmt.Errorf("leaderboard read back: %w", err)
	}
	if p.notifier != nil {
		p.notifier.NotifyMomentum(event.StreamID, momentumView)
		p.notifier.NotifyLeaderboard(leaderboardView)
	}
	return nil
}

func (p *Projector) applyOutbox(ctx context.Context, doc docstore.FeedDoc) error {
	var outbox schema.OutboxDoc
	if err := doc.Decode(&outbox); err != nil {
		p.logger.Printf("skipping malformed outbox id=%s: %v", doc.ID, err)
		return nil
	}
	if outbox.Kind != schema.OutboxKindTrainerEffect {
		return nil
	}
	if outbox.ProcessedAt != nil {
		// Already handled; the processedAt patch re-enters the feed and
		// must not re-trigger the effect.
		return nil
	}
	if p.notifier != nil {
		p.notifier.NotifyTrainerEffect(outbox.StreamID, outbox.Payload)
	}
	op, err := docstore.SetOp("processedAt", p.clock().UTC())
	if err != nil {
		return fmt.Errorf("outbox patch op: %w", err)
	}
	err = p.withRetry(ctx, func() error {
		return p.store.PatchItem(ctx, p.containers.Events, outbox.ID, outbox.StreamID, []docstore.PatchOp{op})
	})
	if err != nil {
		if errs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("outbox mark processed %s: %w", outbox.ID, err)
	}
	return nil
}

func (p *Projector) upsertRow(ctx context.Context, container, partition, id string, row any) error {
	return p.withRetry(ctx, func() error {
		_, err := p.store.UpsertItem(ctx, container, partition, id, row)
		return err
	})
}

// withRetry retries retryable store failures a bounded number of times
// before surfacing, which fails the batch and triggers redelivery.
func (p *Projector) withRetry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= maxWriteAttempts || !errs.IsRetryable(err) {
			return err
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("readmodel write interrupted: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (p *Projector) recordBatch(ctx context.Context, start time.Time, processed int, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(append(
		telemetry.ProjectionAttributes(telemetry.Environment(), p.mode, feedRangeID),
		telemetry.AttrResult.String(result))...)
	if err != nil {
		if p.failureCounter != nil {
			p.failureCounter.Add(ctx, 1, attrs)
		}
	} else if processed > 0 && p.docsCounter != nil {
		p.docsCounter.Add(ctx, int64(processed), attrs)
	}
	if p.batchDuration != nil {
		p.batchDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
	}
}
