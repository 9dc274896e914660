package schema

import (
	"time"

	json "github.com/goccy/go-json"
)

// MatchStateRow is the current-match-state read-model document.
type MatchStateRow struct {
	ID         string          `json:"id"`
	MatchID    string          `json:"matchId"`
	State      json.RawMessage `json:"state"`
	AggVersion int64           `json:"aggVersion"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// MomentumRow is one momentum-history read-model document. The id is
// <streamId>-<seq>, so redelivered events upsert onto the same row.
// TSMicros duplicates TS as epoch microseconds; window selection orders on
// it numerically because the marshaled TS has variable fraction width.
type MomentumRow struct {
	ID       string          `json:"id"`
	MatchID  string          `json:"matchId"`
	Metrics  json.RawMessage `json:"metrics"`
	TS       time.Time       `json:"ts"`
	TSMicros int64           `json:"tsMicros"`
}

// LeaderboardRow is the per-stream leaderboard read-model document,
// overwritten with the most recent metrics on every capture.
type LeaderboardRow struct {
	ID        string          `json:"id"`
	MatchID   string          `json:"matchId"`
	Metrics   json.RawMessage `json:"metrics"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// MatchStateView is the flattened match-state projection served to clients.
type MatchStateView struct {
	StreamID  string    `json:"streamId"`
	ScoreHome int       `json:"scoreHome"`
	ScoreAway int       `json:"scoreAway"`
	Quarter   int       `json:"quarter"`
	Clock     string    `json:"clock"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MomentumPoint is one point of the momentum window.
type MomentumPoint struct {
	Watts      float64   `json:"watts"`
	Cadence    float64   `json:"cadence"`
	HeartRate  float64   `json:"heartRate"`
	CapturedAt time.Time `json:"capturedAt"`
}

// MomentumView is the momentum window for one stream, points ascending by
// capture time.
type MomentumView struct {
	StreamID string          `json:"streamId"`
	Points   []MomentumPoint `json:"points"`
}

// LeaderboardEntry is one ranked rider in the leaderboard view.
type LeaderboardEntry struct {
	RiderID   string    `json:"riderId"`
	Watts     float64   `json:"watts"`
	Cadence   float64   `json:"cadence"`
	HeartRate float64   `json:"heartRate"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LeaderboardView is the ranked leaderboard across all streams.
type LeaderboardView struct {
	Entries     []LeaderboardEntry `json:"entries"`
	GeneratedAt time.Time          `json:"generatedAt"`
}
