package hub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/fanride/fanride/errs"
)

// outboundFrame pairs an encoded payload with the channel it belongs to so
// deliveries and drops are attributed per channel.
type outboundFrame struct {
	channel string
	payload []byte
}

// conn is one hub client. A dedicated writer goroutine drains the send
// queue; enqueue never blocks a broadcast. The streams set is guarded by
// the hub's registry lock.
type conn struct {
	sock    *websocket.Conn
	remote  string
	limiter *rate.Limiter
	streams map[string]struct{}

	queueMu sync.Mutex
	send    chan outboundFrame
	closed  bool
}

func newConn(sock *websocket.Conn, remote string, buffer int, metricsRate float64) *conn {
	burst := int(metricsRate)
	if burst < 1 {
		burst = 1
	}
	return &conn{
		sock:    sock,
		remote:  remote,
		limiter: rate.NewLimiter(rate.Limit(metricsRate), burst),
		streams: make(map[string]struct{}),
		queueMu: sync.Mutex{},
		send:    make(chan outboundFrame, buffer),
		closed:  false,
	}
}

// enqueue appends a frame to the send queue, displacing the oldest queued
// frames while the buffer is full. It reports how many frames were shed and
// whether the connection still accepts writes.
func (c *conn) enqueue(frame outboundFrame) (int, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.closed {
		return 0, false
	}
	dropped := 0
	for {
		select {
		case c.send <- frame:
			return dropped, true
		default:
		}
		select {
		case <-c.send:
			dropped++
		default:
		}
	}
}

func (c *conn) shutdown() {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writeLoop drains the connection's send queue and keeps the peer alive
// with pings. It exits when the queue closes, the context ends, or a write
// fails.
func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := c.sock.Write(writeCtx, websocket.MessageText, frame.payload)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Printf("write %s frame failed: remote=%s err=%v", frame.channel, c.remote, err)
				}
				return
			}
			h.stats.AddSentFrames(frame.channel, 1)
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := c.sock.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *conn) error {
	for {
		typ, data, err := c.sock.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		h.handleCommand(ctx, c, data)
	}
}

func (h *Hub) handleCommand(ctx context.Context, c *conn, data []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.logger.Printf("undecodable client frame: remote=%s err=%v", c.remote, err)
		h.recordCommand(ctx, "unknown", "rejected")
		return
	}
	switch cmd.Type {
	case commandSendMetrics:
		h.handleSendMetrics(ctx, c, cmd)
	case commandSubscribeToStream:
		h.handleSubscribe(ctx, c, cmd)
	default:
		h.logger.Printf("unknown client command: type=%q remote=%s", cmd.Type, c.remote)
		h.recordCommand(ctx, "unknown", "rejected")
	}
}

// handleSendMetrics fans a trainer metrics submission to every other
// connection. It never appends to the event store; durable metrics arrive
// through the HTTP append route.
func (h *Hub) handleSendMetrics(ctx context.Context, c *conn, cmd clientCommand) {
	if !c.limiter.Allow() {
		h.logger.Printf("metrics submission throttled: remote=%s", c.remote)
		h.recordCommand(ctx, commandSendMetrics, "throttled")
		return
	}
	payload, err := json.Marshal(metricsFrame{
		Type:      frameMetrics,
		Watts:     cmd.Watts,
		Cadence:   cmd.Cadence,
		HeartRate: cmd.HeartRate,
	})
	if err != nil {
		h.recordCommand(ctx, commandSendMetrics, "error")
		return
	}
	h.fanout(frameMetrics, "", payload, h.targetsExcept(c))
	h.recordCommand(ctx, commandSendMetrics, "accepted")
}

func (h *Hub) handleSubscribe(ctx context.Context, c *conn, cmd clientCommand) {
	streamID := strings.TrimSpace(cmd.StreamID)
	if streamID == "" {
		h.logger.Printf("subscribeToStream without streamId: remote=%s", c.remote)
		h.recordCommand(ctx, commandSubscribeToStream, "rejected")
		return
	}
	h.joinGroup(c, streamID)
	h.prime(ctx, c, streamID)
	h.recordCommand(ctx, commandSubscribeToStream, "accepted")
}

// prime pushes the current views to a fresh subscriber so it renders
// immediately instead of waiting for the next broadcast.
func (h *Hub) prime(ctx context.Context, c *conn, streamID string) {
	state, err := h.views.GetMatchState(ctx, streamID)
	switch {
	case err == nil:
		h.push(c, frameMatchState, matchStateFrame{Type: frameMatchState, MatchStateView: state})
	case errs.IsNotFound(err):
	default:
		h.logger.Printf("prime match state failed: stream=%s err=%v", streamID, err)
	}

	momentum, err := h.views.GetMomentum(ctx, streamID, h.primePoints)
	if err != nil {
		h.logger.Printf("prime momentum failed: stream=%s err=%v", streamID, err)
	} else if len(momentum.Points) > 0 {
		h.push(c, frameTesHistory, tesHistoryFrame{Type: frameTesHistory, MomentumView: momentum})
	}

	board, err := h.views.GetLeaderboard(ctx, h.primeTop)
	if err != nil {
		h.logger.Printf("prime leaderboard failed: stream=%s err=%v", streamID, err)
		return
	}
	h.push(c, frameLeaderboard, leaderboardFrame{Type: frameLeaderboard, LeaderboardView: board})
}
