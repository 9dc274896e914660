// Package hub terminates persistent client connections on /hub/match and
// fans derived state out to them. Connections join per-stream groups via
// subscribeToStream; matchState, tesHistory, and trainerEffect frames go to
// the owning stream's group while leaderboard frames go to every
// connection. Client metric submissions fan to the other connections only
// and never touch the event store.
package hub

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/domain/schema"
	"github.com/fanride/fanride/internal/infra/telemetry"
	"github.com/fanride/fanride/internal/observability"
)

const (
	defaultSendBuffer   = 64
	defaultMetricsRate  = 10
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultPrimePoints  = 60
	defaultPrimeTop     = 10
	hubReadLimit        = 1 << 20
)

// Views supplies the read models used to prime fresh subscriptions. The
// hub pushes the same shapes the HTTP read routes serve.
type Views interface {
	GetMatchState(ctx context.Context, streamID string) (schema.MatchStateView, error)
	GetMomentum(ctx context.Context, streamID string, maxPoints int) (schema.MomentumView, error)
	GetLeaderboard(ctx context.Context, top int) (schema.LeaderboardView, error)
}

// Option configures a Hub.
type Option func(*Hub)

// WithHubLogger overrides the default logger.
func WithHubLogger(logger *log.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHubClock overrides the time source stamped onto telemetry events.
func WithHubClock(clock func() time.Time) Option {
	return func(h *Hub) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithSendBuffer sets the per-connection outbound queue depth.
func WithSendBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.sendBuffer = size
		}
	}
}

// WithMetricsRate caps inbound sendMetrics frames per connection per second.
func WithMetricsRate(perSecond float64) Option {
	return func(h *Hub) {
		if perSecond > 0 {
			h.metricsRate = perSecond
		}
	}
}

// WithPingInterval sets how often idle connections are pinged.
func WithPingInterval(interval time.Duration) Option {
	return func(h *Hub) {
		if interval > 0 {
			h.pingInterval = interval
		}
	}
}

// WithFanoutWorkers bounds the broadcast worker pool.
func WithFanoutWorkers(workers int) Option {
	return func(h *Hub) {
		if workers > 0 {
			h.fanoutWorkers = workers
		}
	}
}

// WithPrimeWindow sets the momentum window and leaderboard depth pushed to
// fresh subscribers.
func WithPrimeWindow(points, top int) Option {
	return func(h *Hub) {
		if points > 0 {
			h.primePoints = points
		}
		if top > 0 {
			h.primeTop = top
		}
	}
}

// WithRuntimeMetrics shares a metrics accumulator with the rest of the
// process instead of the hub's private one.
func WithRuntimeMetrics(stats *observability.RuntimeMetrics) Option {
	return func(h *Hub) {
		if stats != nil {
			h.stats = stats
		}
	}
}

// WithHubTelemetry publishes backpressure events to the bus, spilling to
// the dead-letter queue when publishing fails.
func WithHubTelemetry(bus observability.TelemetryBus, dlq *observability.DeadLetterQueue) Option {
	return func(h *Hub) {
		h.bus = bus
		h.dlq = dlq
	}
}

// Hub owns the connection registry and the per-stream groups. It satisfies
// the notifier seams of both the projector and the ingest worker, so every
// producer shares one fanout path.
type Hub struct {
	views  Views
	logger *log.Logger
	clock  func() time.Time
	stats  *observability.RuntimeMetrics
	bus    observability.TelemetryBus
	dlq    *observability.DeadLetterQueue

	sendBuffer    int
	metricsRate   float64
	pingInterval  time.Duration
	writeTimeout  time.Duration
	fanoutWorkers int
	primePoints   int
	primeTop      int

	mu     sync.RWMutex
	conns  map[*conn]struct{}
	groups map[string]map[*conn]struct{}
	closed bool

	commandCounter   metric.Int64Counter
	broadcastCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	connections      metric.Int64UpDownCounter
	fanoutSize       metric.Int64Histogram
}

// New builds a hub around the read-model views. Zero-value options fall
// back to production defaults.
func New(views Views, opts ...Option) (*Hub, error) {
	if views == nil {
		return nil, errs.New("hub", errs.CodeInvalid, errs.WithMessage("views required"))
	}

	hub := &Hub{
		views:            views,
		logger:           log.New(os.Stdout, "hub ", log.LstdFlags|log.Lmicroseconds),
		clock:            time.Now,
		stats:            observability.NewRuntimeMetrics(),
		bus:              nil,
		dlq:              nil,
		sendBuffer:       defaultSendBuffer,
		metricsRate:      defaultMetricsRate,
		pingInterval:     defaultPingInterval,
		writeTimeout:     defaultWriteTimeout,
		fanoutWorkers:    runtime.GOMAXPROCS(0),
		primePoints:      defaultPrimePoints,
		primeTop:         defaultPrimeTop,
		mu:               sync.RWMutex{},
		conns:            make(map[*conn]struct{}),
		groups:           make(map[string]map[*conn]struct{}),
		closed:           false,
		commandCounter:   nil,
		broadcastCounter: nil,
		droppedCounter:   nil,
		connections:      nil,
		fanoutSize:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(hub)
		}
	}

	meter := otel.Meter("hub")
	hub.commandCounter, _ = meter.Int64Counter("hub.commands",
		metric.WithDescription("Client commands processed by the hub"),
		metric.WithUnit("{command}"))
	hub.broadcastCounter, _ = meter.Int64Counter("hub.broadcasts",
		metric.WithDescription("Broadcast frames fanned out by the hub"),
		metric.WithUnit("{frame}"))
	hub.droppedCounter, _ = meter.Int64Counter("hub.dropped",
		metric.WithDescription("Frames shed to slow consumers"),
		metric.WithUnit("{frame}"))
	hub.connections, _ = meter.Int64UpDownCounter("hub.connections",
		metric.WithDescription("Active hub connections"),
		metric.WithUnit("{connection}"))
	hub.fanoutSize, _ = meter.Int64Histogram("hub.fanout.size",
		metric.WithDescription("Hub fanout subscriber count"),
		metric.WithUnit("1"))

	return hub, nil
}

// ServeHTTP upgrades the request and runs the connection until the client
// leaves or the hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Printf("websocket accept failed: remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	sock.SetReadLimit(hubReadLimit)

	c, ok := h.register(sock, r.RemoteAddr)
	if !ok {
		_ = sock.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	connCtx, cancel := context.WithCancel(r.Context())
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		h.writeLoop(connCtx, c)
	}()

	readErr := h.readLoop(connCtx, c)
	cancel()
	h.unregister(c)
	writer.Wait()
	_ = sock.Close(websocket.StatusNormalClosure, "")

	if readErr != nil && !isExpectedClose(readErr) {
		h.logger.Printf("connection closed: remote=%s err=%v", c.remote, readErr)
	}
}

// Close disconnects every client with a normal closure and stops accepting
// new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.sock.Close(websocket.StatusNormalClosure, "shutdown")
	}
}

// NotifyMatchState pushes a refreshed match state to the stream's group.
func (h *Hub) NotifyMatchState(streamID string, view schema.MatchStateView) {
	payload, err := json.Marshal(matchStateFrame{Type: frameMatchState, MatchStateView: view})
	if err != nil {
		h.logger.Printf("encode matchState frame failed: %v", err)
		return
	}
	h.fanout(frameMatchState, streamID, payload, h.groupTargets(streamID))
}

// NotifyMomentum pushes the refreshed momentum window to the stream's group.
func (h *Hub) NotifyMomentum(streamID string, view schema.MomentumView) {
	payload, err := json.Marshal(tesHistoryFrame{Type: frameTesHistory, MomentumView: view})
	if err != nil {
		h.logger.Printf("encode tesHistory frame failed: %v", err)
		return
	}
	h.fanout(frameTesHistory, streamID, payload, h.groupTargets(streamID))
}

// NotifyLeaderboard pushes the refreshed leaderboard to every connection;
// the ranking spans streams, so there is no group to scope it to.
func (h *Hub) NotifyLeaderboard(view schema.LeaderboardView) {
	payload, err := json.Marshal(leaderboardFrame{Type: frameLeaderboard, LeaderboardView: view})
	if err != nil {
		h.logger.Printf("encode leaderboard frame failed: %v", err)
		return
	}
	h.fanout(frameLeaderboard, "", payload, h.allTargets())
}

// NotifyTrainerEffect pushes a side-effect payload to the stream's group.
func (h *Hub) NotifyTrainerEffect(streamID string, payload json.RawMessage) {
	encoded, err := json.Marshal(trainerEffectFrame{Type: frameTrainerEffect, StreamID: streamID, Payload: payload})
	if err != nil {
		h.logger.Printf("encode trainerEffect frame failed: %v", err)
		return
	}
	h.fanout(frameTrainerEffect, streamID, encoded, h.groupTargets(streamID))
}

func (h *Hub) register(sock *websocket.Conn, remote string) (*conn, bool) {
	c := newConn(sock, remote, h.sendBuffer, h.metricsRate)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, false
	}
	h.conns[c] = struct{}{}
	total := len(h.conns)
	h.mu.Unlock()

	h.connections.Add(context.Background(), 1)
	h.logger.Printf("client connected: remote=%s total=%d", remote, total)
	return c, true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	groupSizes := make(map[string]int, len(c.streams))
	for stream := range c.streams {
		group := h.groups[stream]
		delete(group, c)
		if len(group) == 0 {
			delete(h.groups, stream)
		}
		groupSizes[stream] = len(group)
	}
	total := len(h.conns)
	h.mu.Unlock()

	for stream, size := range groupSizes {
		h.stats.RecordGroupConnections(stream, size)
	}
	c.shutdown()
	h.connections.Add(context.Background(), -1)
	h.logger.Printf("client disconnected: remote=%s total=%d", c.remote, total)
}

func (h *Hub) joinGroup(c *conn, streamID string) {
	h.mu.Lock()
	group, ok := h.groups[streamID]
	if !ok {
		group = make(map[*conn]struct{})
		h.groups[streamID] = group
	}
	group[c] = struct{}{}
	c.streams[streamID] = struct{}{}
	size := len(group)
	h.mu.Unlock()

	h.stats.RecordGroupConnections(streamID, size)
	h.logger.Printf("subscribed: remote=%s stream=%s group_size=%d", c.remote, streamID, size)
}

func (h *Hub) groupTargets(streamID string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	group := h.groups[streamID]
	targets := make([]*conn, 0, len(group))
	for c := range group {
		targets = append(targets, c)
	}
	return targets
}

func (h *Hub) allTargets() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	return targets
}

func (h *Hub) targetsExcept(exclude *conn) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c == exclude {
			continue
		}
		targets = append(targets, c)
	}
	return targets
}

// fanout encodes once and enqueues onto every target through a bounded
// worker pool. Slow consumers shed their oldest frames instead of stalling
// the producer.
func (h *Hub) fanout(channel, streamID string, payload []byte, targets []*conn) {
	if len(targets) == 0 {
		return
	}
	attrs := telemetry.BroadcastAttributes(telemetry.Environment(), channel, streamID)
	h.broadcastCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	h.fanoutSize.Record(context.Background(), int64(len(targets)), metric.WithAttributes(attrs...))

	workers := h.fanoutWorkers
	if workers > len(targets) {
		workers = len(targets)
	}
	p := pool.New().WithMaxGoroutines(workers)
	for _, target := range targets {
		c := target
		p.Go(func() {
			h.deliver(c, channel, streamID, payload)
		})
	}
	p.Wait()
}

// push encodes a frame for a single connection, used when priming a fresh
// subscription.
func (h *Hub) push(c *conn, channel string, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Printf("encode %s frame failed: %v", channel, err)
		return
	}
	h.deliver(c, channel, "", payload)
}

func (h *Hub) deliver(c *conn, channel, streamID string, payload []byte) {
	dropped, ok := c.enqueue(outboundFrame{channel: channel, payload: payload})
	if !ok {
		return
	}
	if dropped > 0 {
		h.recordDrops(channel, streamID, c.remote, dropped)
	}
}

func (h *Hub) recordDrops(channel, streamID, remote string, dropped int) {
	for i := 0; i < dropped; i++ {
		h.stats.IncrementDroppedFrames(channel)
	}
	h.droppedCounter.Add(context.Background(), int64(dropped),
		metric.WithAttributes(telemetry.BroadcastAttributes(telemetry.Environment(), channel, streamID)...))
	h.logger.Printf("slow consumer, dropped %d %s frame(s): remote=%s", dropped, channel, remote)
	h.emit(observability.TelemetryEventHubBackpressure, observability.TelemetrySeverityWarn, streamID, map[string]any{
		"channel": channel,
		"dropped": dropped,
		"remote":  remote,
	})
}

func (h *Hub) recordCommand(ctx context.Context, commandType, status string) {
	h.commandCounter.Add(ctx, 1,
		metric.WithAttributes(telemetry.CommandAttributes(telemetry.Environment(), commandType, status)...))
}

func (h *Hub) emit(eventType observability.TelemetryEventType, severity observability.TelemetrySeverity, stream string, metadata map[string]any) {
	if h.bus == nil {
		return
	}
	event := observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Severity:  severity,
		Timestamp: h.clock().UTC(),
		Stream:    stream,
		Metadata:  metadata,
	}
	if err := h.bus.Publish(context.Background(), event); err != nil {
		if h.dlq != nil {
			h.dlq.Offer(event)
		}
	}
}

func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
