// Package readmodel serves the denormalised views maintained by the
// projector: current match state, per-stream momentum windows, and the
// cross-stream leaderboard.
package readmodel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/domain/docstore"
	"github.com/fanride/fanride/internal/domain/schema"
)

const (
	defaultMomentumPoints = 60
	defaultLeaderboardTop = 10
)

// Containers names the read-model containers the service reads.
type Containers struct {
	MatchState  string
	Momentum    string
	Leaderboard string
}

// DefaultContainers returns the standard read-model container layout.
func DefaultContainers() Containers {
	return Containers{
		MatchState:  "rm_match_state",
		Momentum:    "rm_tes_history",
		Leaderboard: "rm_leaderboard",
	}
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for generated-at stamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Service answers view queries over the read-model containers. All reads
// tolerate missing fields and legacy PascalCase casing in stored rows.
type Service struct {
	store      docstore.Store
	containers Containers
	clock      func() time.Time
}

// New constructs a read-model service. Empty container names fall back to
// the defaults.
func New(store docstore.Store, containers Containers, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errs.New("readmodel", errs.CodeInvalid, errs.WithMessage("store required"))
	}
	defaults := DefaultContainers()
	if containers.MatchState == "" {
		containers.MatchState = defaults.MatchState
	}
	if containers.Momentum == "" {
		containers.Momentum = defaults.Momentum
	}
	if containers.Leaderboard == "" {
		containers.Leaderboard = defaults.Leaderboard
	}
	service := &Service{
		store:      store,
		containers: containers,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service, nil
}

// GetMatchState returns the flattened current state of one stream. A stream
// without a projected row reports errs.CodeNotFound.
func (s *Service) GetMatchState(ctx context.Context, streamID string) (schema.MatchStateView, error) {
	trimmed := strings.TrimSpace(streamID)
	if trimmed == "" {
		return schema.MatchStateView{}, errs.New("readmodel/match_state", errs.CodeInvalid,
			errs.WithMessage("stream id required"))
	}
	item, err := s.store.ReadItem(ctx, s.containers.MatchState, trimmed, trimmed)
	if err != nil {
		return schema.MatchStateView{}, err
	}
	var row schema.MatchStateRow
	if err := item.Decode(&row); err != nil {
		return schema.MatchStateView{}, errs.New("readmodel/match_state", errs.CodeFatal,
			errs.WithMessage(fmt.Sprintf("decode row for %s", trimmed)), errs.WithCause(err))
	}
	state, err := schema.DecodeMatchState(row.State)
	if err != nil {
		return schema.MatchStateView{}, errs.New("readmodel/match_state", errs.CodeFatal,
			errs.WithMessage(fmt.Sprintf("decode state for %s", trimmed)), errs.WithCause(err))
	}
	return schema.MatchStateView{
		StreamID:  trimmed,
		ScoreHome: state.Score.Home,
		ScoreAway: state.Score.Away,
		Quarter:   state.Quarter,
		Clock:     state.Clock,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// GetMomentum returns the most recent momentum points for one stream,
// sorted ascending by capture time. A stream without history returns an
// empty window, not an error.
func (s *Service) GetMomentum(ctx context.Context, streamID string, maxPoints int) (schema.MomentumView, error) {
	trimmed := strings.TrimSpace(streamID)
	if trimmed == "" {
		return schema.MomentumView{}, errs.New("readmodel/momentum", errs.CodeInvalid,
			errs.WithMessage("stream id required"))
	}
	if maxPoints <= 0 {
		maxPoints = defaultMomentumPoints
	}
	cur, err := s.store.Query(ctx, s.containers.Momentum, docstore.Query{
		Partition: trimmed,
		Where:     nil,
		OrderBy:   &docstore.Order{Path: "tsMicros", Numeric: true, Descending: true},
		Limit:     maxPoints,
	})
	if err != nil {
		return schema.MomentumView{}, err
	}
	items, err := docstore.Drain(ctx, cur)
	if err != nil {
		return schema.MomentumView{}, err
	}

	points := make([]schema.MomentumPoint, 0, len(items))
	for _, item := range items {
		var row schema.MomentumRow
		if err := item.Decode(&row); err != nil {
			return schema.MomentumView{}, errs.New("readmodel/momentum", errs.CodeFatal,
				errs.WithMessage(fmt.Sprintf("decode row %s", item.ID)), errs.WithCause(err))
		}
		fallback := row.TS
		if fallback.IsZero() {
			fallback = s.clock().UTC()
		}
		sample := schema.DecodeTrainerSample(row.Metrics, fallback)
		points = append(points, schema.MomentumPoint{
			Watts:      sample.Watts,
			Cadence:    sample.Cadence,
			HeartRate:  sample.HeartRate,
			CapturedAt: sample.CapturedAt,
		})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].CapturedAt.Before(points[j].CapturedAt)
	})
	return schema.MomentumView{StreamID: trimmed, Points: points}, nil
}

// GetLeaderboard returns the top riders by latest wattage across all
// streams. Rider identity falls back to the match id when the payload
// carries none.
func (s *Service) GetLeaderboard(ctx context.Context, top int) (schema.LeaderboardView, error) {
	if top <= 0 {
		top = defaultLeaderboardTop
	}
	cur, err := s.store.Query(ctx, s.containers.Leaderboard, docstore.Query{
		Partition: "",
		Where:     nil,
		OrderBy:   &docstore.Order{Path: "metrics.watts", Numeric: true, Descending: true},
		Limit:     top,
	})
	if err != nil {
		return schema.LeaderboardView{}, err
	}
	items, err := docstore.Drain(ctx, cur)
	if err != nil {
		return schema.LeaderboardView{}, err
	}

	entries := make([]schema.LeaderboardEntry, 0, len(items))
	for _, item := range items {
		var row schema.LeaderboardRow
		if err := item.Decode(&row); err != nil {
			return schema.LeaderboardView{}, errs.New("readmodel/leaderboard", errs.CodeFatal,
				errs.WithMessage(fmt.Sprintf("decode row %s", item.ID)), errs.WithCause(err))
		}
		sample := schema.DecodeTrainerSample(row.Metrics, row.UpdatedAt)
		riderID := sample.RiderID
		if riderID == "" {
			riderID = row.MatchID
		}
		entries = append(entries, schema.LeaderboardEntry{
			RiderID:   riderID,
			Watts:     sample.Watts,
			Cadence:   sample.Cadence,
			HeartRate: sample.HeartRate,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return schema.LeaderboardView{Entries: entries, GeneratedAt: s.clock().UTC()}, nil
}
