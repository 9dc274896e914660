// Package ingest polls an external match feed and turns state changes into
// event-store appends. The worker is stateless between iterations; every
// decision derives from the feed response and the stream's current envelope,
// so multiple instances can poll the same stream safely.
package ingest

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/app/eventstore"
	"github.com/fanride/fanride/internal/domain/schema"
	"github.com/fanride/fanride/internal/infra/telemetry"
	"github.com/fanride/fanride/internal/observability"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultAPIKeyHeader   = "x-api-key"
	concurrencyRetries    = 2
	concurrencyRetryDelay = 200 * time.Millisecond
)

// Appender is the slice of the event store the worker needs.
type Appender interface {
	AppendWithSnapshot(ctx context.Context, req eventstore.AppendRequest) (eventstore.AppendResult, error)
	GetEnvelope(ctx context.Context, streamID string) (eventstore.Envelope, error)
}

// Notifier pushes a freshly applied state to hub subscribers ahead of the
// change-feed broadcast.
type Notifier interface {
	NotifyMatchState(streamID string, view schema.MatchStateView)
}

// Config describes one polled feed.
type Config struct {
	// StreamID is the stream the fetched state is appended to.
	StreamID string
	// Endpoint is the feed URL.
	Endpoint string
	// APIKeyHeader names the header carrying APIKey; empty uses x-api-key.
	APIKeyHeader string
	// APIKey is sent with every request when non-empty.
	APIKey string
	// PollInterval is the sleep between iterations.
	PollInterval time.Duration
	// RequestTimeout bounds one feed request.
	RequestTimeout time.Duration
	// RequestsPerSecond throttles feed requests; zero allows one per second.
	RequestsPerSecond float64
}

// Option tweaks worker construction.
type Option func(*Worker)

// WithIngestLogger overrides the default logger.
func WithIngestLogger(logger *log.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithIngestClock overrides the time source.
func WithIngestClock(clock func() time.Time) Option {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithHTTPClient injects the feed HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Worker) {
		if client != nil {
			w.client = client
		}
	}
}

// WithIngestNotifier wires the hub notification sink.
func WithIngestNotifier(notifier Notifier) Option {
	return func(w *Worker) {
		w.notifier = notifier
	}
}

// WithIngestTelemetry publishes retry events to the bus, spilling to the
// dead-letter queue when publishing fails.
func WithIngestTelemetry(bus observability.TelemetryBus, dlq *observability.DeadLetterQueue) Option {
	return func(w *Worker) {
		w.bus = bus
		w.dlq = dlq
	}
}

// Worker polls one feed endpoint and appends MatchStateUpdated events when
// the fetched state differs from the stream snapshot.
type Worker struct {
	appender Appender
	cfg      Config
	client   *http.Client
	limiter  *rate.Limiter
	notifier Notifier
	logger   *log.Logger
	clock    func() time.Time
	bus      observability.TelemetryBus
	dlq      *observability.DeadLetterQueue

	updatesCounter metric.Int64Counter
	pollDuration   metric.Float64Histogram
}

// NewWorker validates the config and builds a worker.
func NewWorker(appender Appender, cfg Config, opts ...Option) (*Worker, error) {
	if appender == nil {
		return nil, errs.New("ingest", errs.CodeInvalid, errs.WithMessage("appender required"))
	}
	cfg.StreamID = strings.TrimSpace(cfg.StreamID)
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.StreamID == "" {
		return nil, errs.New("ingest", errs.CodeInvalid, errs.WithMessage("stream id required"))
	}
	if cfg.Endpoint == "" {
		return nil, errs.New("ingest", errs.CodeInvalid, errs.WithMessage("endpoint required"))
	}
	if strings.TrimSpace(cfg.APIKeyHeader) == "" {
		cfg.APIKeyHeader = defaultAPIKeyHeader
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}

	worker := &Worker{
		appender: appender,
		cfg:      cfg,
		client:   nil,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		notifier: nil,
		logger:   log.New(os.Stdout, "ingest ", log.LstdFlags|log.Lmicroseconds),
		clock:    time.Now,
		bus:      nil,
		dlq:      nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(worker)
		}
	}
	if worker.client == nil {
		worker.client = &http.Client{
			Transport:     nil,
			CheckRedirect: nil,
			Jar:           nil,
			Timeout:       cfg.RequestTimeout,
		}
	}

	meter := otel.Meter("ingest")
	worker.updatesCounter, _ = meter.Int64Counter("ingest.updates",
		metric.WithDescription("Number of state updates appended from the feed"),
		metric.WithUnit("{update}"))
	worker.pollDuration, _ = meter.Float64Histogram("ingest.poll.duration",
		metric.WithDescription("Feed poll iteration duration"),
		metric.WithUnit("ms"))

	return worker, nil
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Printf("polling %s for stream %s every %s", w.cfg.Endpoint, w.cfg.StreamID, w.cfg.PollInterval)
	for {
		w.iterate(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *Worker) iterate(ctx context.Context) {
	start := time.Now()
	defer func() {
		if w.pollDuration != nil {
			attrs := metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment()),
				telemetry.AttrStream.String(w.cfg.StreamID))
			w.pollDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
		}
	}()

	state, ok := w.fetchState(ctx)
	if !ok {
		return
	}
	w.applyState(ctx, state)
}

func (w *Worker) fetchState(ctx context.Context) (schema.MatchState, bool) {
	if err := w.limiter.Wait(ctx); err != nil {
		return schema.MatchState{}, false
	}
	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, w.cfg.Endpoint, nil)
	if err != nil {
		w.logger.Printf("build feed request: %v", err)
		return schema.MatchState{}, false
	}
	httpReq.Header.Set("Accept", "application/json")
	if w.cfg.APIKey != "" {
		httpReq.Header.Set(w.cfg.APIKeyHeader, w.cfg.APIKey)
	}
	resp, err := w.client.Do(httpReq)
	if err != nil {
		w.logger.Printf("feed request failed: %v", err)
		return schema.MatchState{}, false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		w.logger.Printf("read feed response: %v", err)
		return schema.MatchState{}, false
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		w.logger.Printf("feed returned status %d, skipping iteration", resp.StatusCode)
		return schema.MatchState{}, false
	}
	state, err := schema.DecodeMatchState(body)
	if err != nil {
		w.logger.Printf("parse feed response: %v", err)
		return schema.MatchState{}, false
	}
	return state, true
}

// applyState appends the fetched state unless the snapshot already matches.
// A lost optimistic-concurrency race re-reads the envelope and retries a
// bounded number of times before waiting for the next poll.
func (w *Worker) applyState(ctx context.Context, state schema.MatchState) {
	for attempt := 0; ; attempt++ {
		var expectedVersion int64
		var expectedETag string
		envelope, err := w.appender.GetEnvelope(ctx, w.cfg.StreamID)
		switch {
		case errs.IsNotFound(err):
			// First write creates the stream.
		case err != nil:
			w.logger.Printf("envelope read failed: %v", err)
			return
		default:
			current, decodeErr := schema.DecodeMatchState(envelope.State)
			if decodeErr == nil && state.Equal(current) {
				return
			}
			expectedVersion = envelope.AggregateVersion
			expectedETag = envelope.ETag
		}

		payload, err := state.Encode()
		if err != nil {
			w.logger.Printf("encode state: %v", err)
			return
		}
		_, err = w.appender.AppendWithSnapshot(ctx, eventstore.AppendRequest{
			StreamID:        w.cfg.StreamID,
			ExpectedVersion: expectedVersion,
			ExpectedETag:    expectedETag,
			SnapshotState:   payload,
			Events: []schema.EventInput{{
				ID:      uuid.NewString(),
				Kind:    string(schema.KindMatchStateUpdated),
				Payload: payload,
			}},
		})
		if err == nil {
			w.recordUpdate(ctx)
			w.notifyState(state)
			return
		}
		if !errs.IsConcurrency(err) {
			w.logger.Printf("append failed: %v", err)
			return
		}
		if attempt >= concurrencyRetries {
			w.logger.Printf("append lost race %d times, deferring to next poll", attempt+1)
			return
		}
		w.emitRetry(attempt + 1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(concurrencyRetryDelay):
		}
	}
}

func (w *Worker) notifyState(state schema.MatchState) {
	if w.notifier == nil {
		return
	}
	w.notifier.NotifyMatchState(w.cfg.StreamID, schema.MatchStateView{
		StreamID:  w.cfg.StreamID,
		ScoreHome: state.Score.Home,
		ScoreAway: state.Score.Away,
		Quarter:   state.Quarter,
		Clock:     state.Clock,
		UpdatedAt: w.clock().UTC(),
	})
}

func (w *Worker) recordUpdate(ctx context.Context) {
	if w.updatesCounter == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.EventAttributes(
		telemetry.Environment(), string(schema.KindMatchStateUpdated), w.cfg.StreamID)...)
	w.updatesCounter.Add(ctx, 1, attrs)
}

func (w *Worker) emitRetry(attempt int) {
	if w.bus == nil {
		return
	}
	event := observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      observability.TelemetryEventIngestRetry,
		Severity:  observability.TelemetrySeverityWarn,
		Timestamp: w.clock().UTC(),
		Stream:    w.cfg.StreamID,
		Metadata:  map[string]any{"attempt": attempt},
	}
	if err := w.bus.Publish(context.Background(), event); err != nil {
		if w.dlq != nil {
			w.dlq.Offer(event)
		}
	}
}
