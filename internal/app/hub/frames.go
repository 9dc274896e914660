package hub

import (
	json "github.com/goccy/go-json"

	"github.com/fanride/fanride/internal/domain/schema"
)

// Wire frame type names. Inbound commands and outbound broadcasts share the
// same envelope: a JSON text message with a "type" discriminator.
const (
	commandSendMetrics       = "sendMetrics"
	commandSubscribeToStream = "subscribeToStream"

	frameMetrics       = "metrics"
	frameMatchState    = "matchState"
	frameTesHistory    = "tesHistory"
	frameLeaderboard   = "leaderboard"
	frameTrainerEffect = "trainerEffect"
)

// clientCommand is the decoded inbound frame. Only the fields relevant to
// the named command are populated.
type clientCommand struct {
	Type      string  `json:"type"`
	StreamID  string  `json:"streamId"`
	Watts     float64 `json:"watts"`
	Cadence   float64 `json:"cadence"`
	HeartRate float64 `json:"heartRate"`
}

type metricsFrame struct {
	Type      string  `json:"type"`
	Watts     float64 `json:"watts"`
	Cadence   float64 `json:"cadence"`
	HeartRate float64 `json:"heartRate"`
}

type matchStateFrame struct {
	Type string `json:"type"`
	schema.MatchStateView
}

type tesHistoryFrame struct {
	Type string `json:"type"`
	schema.MomentumView
}

type leaderboardFrame struct {
	Type string `json:"type"`
	schema.LeaderboardView
}

type trainerEffectFrame struct {
	Type     string          `json:"type"`
	StreamID string          `json:"streamId"`
	Payload  json.RawMessage `json:"payload"`
}
