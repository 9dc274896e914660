// Package schema defines the canonical document shapes shared by the event
// store, the change-feed projector, and the read-model surfaces.
package schema

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// DocType discriminates the documents co-located in the event container.
type DocType string

const (
	// DocTypeEvent identifies immutable per-change event documents.
	DocTypeEvent DocType = "event"
	// DocTypeSnapshot identifies the mutable per-stream aggregate snapshot.
	DocTypeSnapshot DocType = "snapshot"
	// DocTypeOutbox identifies transactional side-effect records.
	DocTypeOutbox DocType = "outbox"
	// DocTypeLease identifies change-feed lease documents.
	DocTypeLease DocType = "lease"
)

// EventKind discriminates event payload shapes.
type EventKind string

const (
	// KindMatchStateUpdated carries a full aggregate state replacement.
	KindMatchStateUpdated EventKind = "MatchStateUpdated"
	// KindTrainerMetricsCaptured carries one trainer metrics sample.
	KindTrainerMetricsCaptured EventKind = "TrainerMetricsCaptured"
)

// OutboxKindTrainerEffect is the outbox kind emitted for trainer metrics.
const OutboxKindTrainerEffect = "trainerEffect"

var canonicalKinds = map[string]EventKind{
	strings.ToLower(string(KindMatchStateUpdated)):      KindMatchStateUpdated,
	strings.ToLower(string(KindTrainerMetricsCaptured)): KindTrainerMetricsCaptured,
}

// NormalizeEventKind matches kind case-insensitively against the known set.
// Unknown kinds pass through trimmed so generic payloads keep flowing.
func NormalizeEventKind(kind string) EventKind {
	trimmed := strings.TrimSpace(kind)
	if canonical, ok := canonicalKinds[strings.ToLower(trimmed)]; ok {
		return canonical
	}
	return EventKind(trimmed)
}

// OutboxKindFor reports the outbox kind an event kind implies, if any.
func OutboxKindFor(kind EventKind) (string, bool) {
	if kind == KindTrainerMetricsCaptured {
		return OutboxKindTrainerEffect, true
	}
	return "", false
}

// SnapshotID returns the singleton snapshot document id for a stream.
func SnapshotID(streamID string) string { return "snap-" + streamID }

// OutboxID returns the deterministic outbox id derived from a source event.
func OutboxID(eventID string) string { return "out-" + eventID }

// MomentumRowID returns the momentum-history row id for an event.
func MomentumRowID(streamID string, seq int64) string {
	return streamID + "-" + strconv.FormatInt(seq, 10)
}

// EventDoc is the immutable per-change record written by the event store.
type EventDoc struct {
	ID       string          `json:"id"`
	Type     DocType         `json:"type"`
	StreamID string          `json:"streamId"`
	Seq      int64           `json:"seq"`
	Kind     EventKind       `json:"kind"`
	Data     json.RawMessage `json:"data"`
	TS       time.Time       `json:"ts"`
}

// SnapshotDoc is the mutable per-stream aggregate snapshot. The store-level
// ETag on this document is the optimistic-concurrency token for the stream.
type SnapshotDoc struct {
	ID         string          `json:"id"`
	Type       DocType         `json:"type"`
	StreamID   string          `json:"streamId"`
	AggVersion int64           `json:"aggVersion"`
	State      json.RawMessage `json:"state"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// OutboxDoc is a transactional side-effect record created in the same batch
// as its source event and marked processed by the projector.
type OutboxDoc struct {
	ID          string          `json:"id"`
	Type        DocType         `json:"type"`
	StreamID    string          `json:"streamId"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	TS          time.Time       `json:"ts"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// EventInput is one event submitted to an append, before seq assignment.
type EventInput struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// DocumentHeader carries the fields needed to dispatch a raw document.
type DocumentHeader struct {
	Type     DocType `json:"type"`
	StreamID string  `json:"streamId"`
	Kind     string  `json:"kind"`
}

// PeekHeader decodes just enough of a raw document to dispatch on its type.
func PeekHeader(data []byte) (DocumentHeader, error) {
	var head DocumentHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return DocumentHeader{}, err
	}
	return head, nil
}
