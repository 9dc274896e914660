// Package eventstore implements the append-only write path for match streams.
// Events, the stream snapshot, and any outbox effects land in one
// transactional batch guarded by optimistic concurrency; no process-local
// lock protects the append path.
package eventstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/domain/docstore"
	"github.com/fanride/fanride/internal/domain/schema"
	"github.com/fanride/fanride/internal/infra/telemetry"
)

// AppendRequest carries one optimistic append against a stream.
type AppendRequest struct {
	StreamID        string
	ExpectedVersion int64
	ExpectedETag    string
	SnapshotState   json.RawMessage
	Events          []schema.EventInput
}

// AppendResult reports the stream version after a successful append.
type AppendResult struct {
	Version int64
}

// Envelope is the current head of a stream: version, snapshot ETag, and the
// stored state. Callers derive ExpectedVersion/ExpectedETag from it.
type Envelope struct {
	StreamID         string
	AggregateVersion int64
	ETag             string
	State            json.RawMessage
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *EventStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// EventStore appends events to the es container through transactional
// batches.
type EventStore struct {
	store     docstore.Store
	container string
	logger    *log.Logger
	clock     func() time.Time

	appendsCounter   metric.Int64Counter
	conflictsCounter metric.Int64Counter
	appendDuration   metric.Float64Histogram
}

// New constructs an EventStore writing to the named container.
func New(store docstore.Store, container string, opts ...Option) *EventStore {
	es := &EventStore{
		store:            store,
		container:        container,
		logger:           log.New(os.Stdout, "eventstore ", log.LstdFlags|log.Lmicroseconds),
		clock:            time.Now,
		appendsCounter:   nil,
		conflictsCounter: nil,
		appendDuration:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(es)
		}
	}

	meter := otel.Meter("eventstore")
	es.appendsCounter, _ = meter.Int64Counter("eventstore.appends",
		metric.WithDescription("Number of append attempts"),
		metric.WithUnit("{append}"))
	es.conflictsCounter, _ = meter.Int64Counter("eventstore.append.conflicts",
		metric.WithDescription("Number of appends lost to optimistic concurrency"),
		metric.WithUnit("{append}"))
	es.appendDuration, _ = meter.Float64Histogram("eventstore.append.duration",
		metric.WithDescription("Event append duration"),
		metric.WithUnit("ms"))

	return es
}

// AppendWithSnapshot writes the events, the refreshed snapshot, and any
// outbox effects in one atomic batch. The snapshot document doubles as the
// concurrency guard: a non-empty ExpectedETag demands an ETag-matched
// replace, an empty one demands first creation.
func (s *EventStore) AppendWithSnapshot(ctx context.Context, req AppendRequest) (AppendResult, error) {
	streamID := strings.TrimSpace(req.StreamID)
	if streamID == "" {
		return AppendResult{}, errs.New("eventstore/append", errs.CodeInvalid, errs.WithMessage("stream id required"))
	}
	if req.ExpectedVersion < 0 {
		return AppendResult{}, errs.New("eventstore/append", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("negative expected version %d", req.ExpectedVersion)))
	}
	if len(req.Events) == 0 {
		return AppendResult{}, errs.New("eventstore/append", errs.CodeInvalid, errs.WithMessage("no events to append"))
	}

	now := s.clock().UTC()
	newVersion := req.ExpectedVersion + int64(len(req.Events))
	state := req.SnapshotState
	if len(state) == 0 {
		state = json.RawMessage("{}")
	}
	snapID := schema.SnapshotID(streamID)
	snapshot := schema.SnapshotDoc{
		ID:         snapID,
		Type:       schema.DocTypeSnapshot,
		StreamID:   streamID,
		AggVersion: newVersion,
		State:      state,
		UpdatedAt:  now,
	}

	batch := s.store.NewBatch(s.container, streamID)
	if req.ExpectedETag != "" {
		batch.Replace(snapID, snapshot, req.ExpectedETag)
	} else {
		batch.Create(snapID, snapshot)
	}

	type outboxInput struct {
		eventID string
		kind    string
		payload json.RawMessage
	}
	var effects []outboxInput
	for i, input := range req.Events {
		eventID := strings.TrimSpace(input.ID)
		if eventID == "" {
			eventID = uuid.NewString()
		}
		kind := schema.NormalizeEventKind(input.Kind)
		doc := schema.EventDoc{
			ID:       eventID,
			Type:     schema.DocTypeEvent,
			StreamID: streamID,
			Seq:      req.ExpectedVersion + int64(i) + 1,
			Kind:     kind,
			Data:     input.Payload,
			TS:       now,
		}
		batch.Create(eventID, doc)
		if outboxKind, ok := schema.OutboxKindFor(kind); ok {
			effects = append(effects, outboxInput{eventID: eventID, kind: outboxKind, payload: input.Payload})
		}
	}
	batch.Upsert(snapID, snapshot)
	for _, effect := range effects {
		outboxID := schema.OutboxID(effect.eventID)
		batch.Create(outboxID, schema.OutboxDoc{
			ID:          outboxID,
			Type:        schema.DocTypeOutbox,
			StreamID:    streamID,
			Kind:        effect.kind,
			Payload:     effect.payload,
			TS:          now,
			ProcessedAt: nil,
		})
	}

	start := time.Now()
	err := batch.Execute(ctx)
	s.recordAppend(ctx, start, err)
	if err != nil {
		if errs.IsConcurrency(err) {
			s.logger.Printf("append lost race: stream=%s expectedVersion=%d", streamID, req.ExpectedVersion)
		}
		return AppendResult{}, err
	}
	return AppendResult{Version: newVersion}, nil
}

// GetEnvelope reads the stream's snapshot and returns its head metadata. A
// missing snapshot reports errs.CodeNotFound.
func (s *EventStore) GetEnvelope(ctx context.Context, streamID string) (Envelope, error) {
	trimmed := strings.TrimSpace(streamID)
	if trimmed == "" {
		return Envelope{}, errs.New("eventstore/read", errs.CodeInvalid, errs.WithMessage("stream id required"))
	}
	item, err := s.store.ReadItem(ctx, s.container, schema.SnapshotID(trimmed), trimmed)
	if err != nil {
		return Envelope{}, err
	}
	var snapshot schema.SnapshotDoc
	if err := item.Decode(&snapshot); err != nil {
		return Envelope{}, errs.New("eventstore/read", errs.CodeFatal,
			errs.WithMessage(fmt.Sprintf("decode snapshot for %s", trimmed)), errs.WithCause(err))
	}
	return Envelope{
		StreamID:         trimmed,
		AggregateVersion: snapshot.AggVersion,
		ETag:             item.ETag,
		State:            snapshot.State,
	}, nil
}

func (s *EventStore) recordAppend(ctx context.Context, start time.Time, err error) {
	result := "success"
	switch {
	case err == nil:
	case errs.IsConcurrency(err):
		result = "conflict"
	default:
		result = "error"
	}
	attrs := metric.WithAttributes(
		telemetry.StoreAttributes(telemetry.Environment(), s.container, "append", result)...)
	if result == "conflict" && s.conflictsCounter != nil {
		s.conflictsCounter.Add(ctx, 1, attrs)
	}
	if s.appendsCounter != nil {
		s.appendsCounter.Add(ctx, 1, attrs)
	}
	if s.appendDuration != nil {
		s.appendDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
	}
}
