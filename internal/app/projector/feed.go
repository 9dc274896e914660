package projector

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/domain/docstore"
	"github.com/fanride/fanride/internal/observability"
)

// feedRangeID is the single logical range of a container feed. The store
// partitions by key, not by range, so one lease covers the whole container.
const feedRangeID = "0"

const (
	defaultFeedName     = "fanride-projector"
	defaultContainer    = "es"
	defaultLeaseStore   = "leases"
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 128
	defaultLeaseTTL     = 30 * time.Second
	releaseTimeout      = 2 * time.Second
)

// BatchHandler consumes one change-feed batch. Returning an error leaves the
// continuation in place, so the same documents are delivered again.
type BatchHandler func(ctx context.Context, docs []docstore.FeedDoc) error

// FeedOptions configures a feed processor.
type FeedOptions struct {
	// FeedName scopes the lease documents; processors sharing a name compete
	// for the same range.
	FeedName string
	// InstanceName identifies this process as a lease owner. Empty derives
	// <hostname>-<short uuid>.
	InstanceName string
	// Container is the monitored container.
	Container string
	// LeaseContainer stores the lease documents.
	LeaseContainer string
	// PollInterval is the idle sleep between empty polls.
	PollInterval time.Duration
	// BatchSize caps documents per handler invocation.
	BatchSize int
	// LeaseTTL bounds how long a crashed owner blocks takeover.
	LeaseTTL time.Duration
	// StartFromBeginning replays the feed from the first commit when no
	// lease exists yet; otherwise a fresh lease starts at the current tail.
	StartFromBeginning bool
}

// FeedOption tweaks processor construction.
type FeedOption func(*FeedProcessor)

// WithFeedLogger overrides the default logger.
func WithFeedLogger(logger *log.Logger) FeedOption {
	return func(p *FeedProcessor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithFeedClock overrides the time source used for lease expiry.
func WithFeedClock(clock func() time.Time) FeedOption {
	return func(p *FeedProcessor) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithFeedTelemetry publishes lease and redelivery events to the bus,
// spilling to the dead-letter queue when publishing fails.
func WithFeedTelemetry(bus observability.TelemetryBus, dlq *observability.DeadLetterQueue) FeedOption {
	return func(p *FeedProcessor) {
		p.bus = bus
		p.dlq = dlq
	}
}

// FeedProcessor tails one container's change feed under a durable lease and
// hands commit-ordered batches to a handler, at least once.
type FeedProcessor struct {
	store   docstore.Store
	handler BatchHandler
	opts    FeedOptions
	logger  *log.Logger
	clock   func() time.Time
	bus     observability.TelemetryBus
	dlq     *observability.DeadLetterQueue

	keeper *leaseKeeper
}

// NewFeedProcessor validates the options and builds a processor. Zero-value
// option fields fall back to defaults.
func NewFeedProcessor(store docstore.Store, handler BatchHandler, opts FeedOptions, optFns ...FeedOption) (*FeedProcessor, error) {
	if store == nil {
		return nil, errs.New("projector/feed", errs.CodeInvalid, errs.WithMessage("store required"))
	}
	if handler == nil {
		return nil, errs.New("projector/feed", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	if strings.TrimSpace(opts.FeedName) == "" {
		opts.FeedName = defaultFeedName
	}
	if strings.TrimSpace(opts.InstanceName) == "" {
		opts.InstanceName = defaultInstanceName()
	}
	if strings.TrimSpace(opts.Container) == "" {
		opts.Container = defaultContainer
	}
	if strings.TrimSpace(opts.LeaseContainer) == "" {
		opts.LeaseContainer = defaultLeaseStore
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}

	processor := &FeedProcessor{
		store:   store,
		handler: handler,
		opts:    opts,
		logger:  log.New(os.Stdout, "projector/feed ", log.LstdFlags|log.Lmicroseconds),
		clock:   time.Now,
		bus:     nil,
		dlq:     nil,
		keeper:  nil,
	}
	for _, opt := range optFns {
		if opt != nil {
			opt(processor)
		}
	}
	processor.keeper = &leaseKeeper{
		store:          store,
		leaseContainer: opts.LeaseContainer,
		feedName:       opts.FeedName,
		rangeID:        feedRangeID,
		instanceName:   opts.InstanceName,
		ttl:            opts.LeaseTTL,
		clock:          processor.clock,
		logger:         processor.logger,
		bootstrap:      processor.bootstrapContinuation,
		held:           false,
		etag:           "",
	}
	return processor, nil
}

// InstanceName reports the resolved lease owner identity.
func (p *FeedProcessor) InstanceName() string {
	return p.opts.InstanceName
}

func (p *FeedProcessor) bootstrapContinuation(ctx context.Context) (int64, error) {
	if p.opts.StartFromBeginning {
		return 0, nil
	}
	tail, err := p.store.Tail(ctx, p.opts.Container)
	if err != nil {
		return 0, fmt.Errorf("feed tail: %w", err)
	}
	return tail, nil
}

// Run drives the acquire/poll loop until the context is cancelled. It
// returns nil on cancellation; only construction-level failures surface.
func (p *FeedProcessor) Run(ctx context.Context) error {
	defer p.releaseLease()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !p.keeper.held {
			ok, err := p.keeper.acquire(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Printf("lease acquire failed: %v", err)
				if !p.sleep(ctx) {
					return nil
				}
				continue
			}
			if !ok {
				if !p.sleep(ctx) {
					return nil
				}
				continue
			}
			p.logger.Printf("lease acquired: feed=%s range=%s owner=%s continuation=%d",
				p.opts.FeedName, feedRangeID, p.opts.InstanceName, p.keeper.continuation())
			p.emit(observability.TelemetryEventLeaseAcquired, observability.TelemetrySeverityInfo, map[string]any{
				"feed":         p.opts.FeedName,
				"range":        feedRangeID,
				"owner":        p.opts.InstanceName,
				"continuation": p.keeper.continuation(),
			})
		}

		processed, err := p.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errs.IsConcurrency(err) {
				p.logger.Printf("lease lost: feed=%s owner=%s", p.opts.FeedName, p.opts.InstanceName)
				p.emit(observability.TelemetryEventLeaseLost, observability.TelemetrySeverityWarn, map[string]any{
					"feed":  p.opts.FeedName,
					"owner": p.opts.InstanceName,
				})
				p.keeper.held = false
				continue
			}
			p.logger.Printf("feed poll failed: %v", err)
			if !p.sleep(ctx) {
				return nil
			}
			continue
		}
		if processed >= p.opts.BatchSize {
			// Full batch means backlog remains; poll again immediately.
			continue
		}
		if !p.sleep(ctx) {
			return nil
		}
	}
}

// pollOnce reads one batch past the continuation and hands it to the
// handler. The continuation only advances after the handler succeeds.
func (p *FeedProcessor) pollOnce(ctx context.Context) (int, error) {
	docs, err := p.store.ReadFeed(ctx, p.opts.Container, p.keeper.continuation(), p.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("feed read: %w", err)
	}
	if len(docs) == 0 {
		if err := p.keeper.maybeRenew(ctx); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if err := p.handler(ctx, docs); err != nil {
		p.emit(observability.TelemetryEventFeedRedelivery, observability.TelemetrySeverityWarn, map[string]any{
			"feed":         p.opts.FeedName,
			"continuation": p.keeper.continuation(),
			"batch_size":   len(docs),
			"error":        err.Error(),
		})
		return 0, fmt.Errorf("feed handler: %w", err)
	}
	last := docs[len(docs)-1].CommitSeq
	if err := p.keeper.checkpoint(ctx, last); err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (p *FeedProcessor) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(p.opts.PollInterval):
		return true
	}
}

// releaseLease hands the lease back on shutdown. The run context is already
// cancelled by then, so the write runs under a short background deadline.
func (p *FeedProcessor) releaseLease() {
	if p.keeper == nil || !p.keeper.held {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	p.keeper.release(ctx)
}

func (p *FeedProcessor) emit(eventType observability.TelemetryEventType, severity observability.TelemetrySeverity, metadata map[string]any) {
	if p.bus == nil {
		return
	}
	event := observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Severity:  severity,
		Timestamp: p.clock().UTC(),
		Stream:    "",
		Metadata:  metadata,
	}
	if err := p.bus.Publish(context.Background(), event); err != nil {
		if p.dlq != nil {
			p.dlq.Offer(event)
		}
	}
}

func defaultInstanceName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "fanride"
	}
	return host + "-" + uuid.NewString()[:8]
}
