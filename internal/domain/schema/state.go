package schema

import (
	"time"

	json "github.com/goccy/go-json"
)

// Score holds the home/away tally of a match.
type Score struct {
	Home int `json:"home"`
	Away int `json:"away"`
}

// MatchState is the canonical aggregate state for a stream.
type MatchState struct {
	Score   Score  `json:"score"`
	Quarter int    `json:"quarter"`
	Clock   string `json:"clock"`
}

// Equal reports structural equality of two aggregate states.
func (s MatchState) Equal(other MatchState) bool { return s == other }

// Encode serialises the state in the canonical camelCase shape.
func (s MatchState) Encode() (json.RawMessage, error) {
	return json.Marshal(s)
}

// DecodeMatchState reads an aggregate state document tolerating both
// camelCase and PascalCase field names. Legacy writers disagreed on casing,
// so readers accept either; all new writes use camelCase.
func DecodeMatchState(data []byte) (MatchState, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return MatchState{}, err
	}
	score := objectField(fields, "score")
	return MatchState{
		Score: Score{
			Home: int(numberField(score, "home")),
			Away: int(numberField(score, "away")),
		},
		Quarter: int(numberField(fields, "quarter")),
		Clock:   stringField(fields, "clock"),
	}, nil
}

// TrainerSample is one decoded trainer metrics payload.
type TrainerSample struct {
	RiderID    string    `json:"riderId,omitempty"`
	Watts      float64   `json:"watts"`
	Cadence    float64   `json:"cadence"`
	HeartRate  float64   `json:"heartRate"`
	CapturedAt time.Time `json:"capturedAt"`
}

// DecodeTrainerSample reads a trainer metrics payload with the same casing
// tolerance as DecodeMatchState. Missing numeric fields default to zero and
// a missing capture time falls back to the supplied time.
func DecodeTrainerSample(data []byte, fallback time.Time) TrainerSample {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return TrainerSample{CapturedAt: fallback}
	}
	return TrainerSample{
		RiderID:    stringField(fields, "riderId"),
		Watts:      numberField(fields, "watts"),
		Cadence:    numberField(fields, "cadence"),
		HeartRate:  numberField(fields, "heartRate"),
		CapturedAt: timeField(fields, "capturedAt", fallback),
	}
}
