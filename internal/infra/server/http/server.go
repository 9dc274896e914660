// Package httpserver exposes the FanRide HTTP surface: stream reads and
// appends, the read-model queries, health, and the hub endpoint.
package httpserver

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/fanride/fanride/errs"
	"github.com/fanride/fanride/internal/app/eventstore"
	"github.com/fanride/fanride/internal/domain/schema"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	rootPath   = "/"
	healthPath = "/health"

	matchesPrefix    = "/api/matches/"
	aflMatchesPrefix = "/api/afl/matches/"
	tesPrefix        = "/api/readmodels/tes/"
	leaderboardPath  = "/api/readmodels/leaderboard"
	hubPath          = "/hub/match"

	eventsSuffix = "/events"
	applySuffix  = "/apply"

	livenessBody = "FanRide backend running"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Appender is the slice of the event store the API needs.
type Appender interface {
	AppendWithSnapshot(ctx context.Context, req eventstore.AppendRequest) (eventstore.AppendResult, error)
	GetEnvelope(ctx context.Context, streamID string) (eventstore.Envelope, error)
}

// Views serves the read-model queries.
type Views interface {
	GetMomentum(ctx context.Context, streamID string, maxPoints int) (schema.MomentumView, error)
	GetLeaderboard(ctx context.Context, top int) (schema.LeaderboardView, error)
}

// Pinger reports store reachability for the health aggregate.
type Pinger interface {
	Ping(ctx context.Context) error
}

type httpServer struct {
	appender Appender
	views    Views
	pinger   Pinger
}

// appendPayload is the body of both append routes.
type appendPayload struct {
	ExpectedVersion int64               `json:"expectedVersion"`
	ExpectedEtag    string              `json:"expectedEtag"`
	Snapshot        json.RawMessage     `json:"snapshot"`
	Events          []schema.EventInput `json:"events"`
}

// envelopePayload mirrors the stream-head envelope served by the AFL routes.
type envelopePayload struct {
	StreamID         string          `json:"streamId"`
	AggregateVersion int64           `json:"aggregateVersion"`
	ETag             string          `json:"etag"`
	State            json.RawMessage `json:"state"`
}

// NewHandler wires the FanRide API routes. The hub handler is mounted at
// /hub/match; a nil hub leaves the path unrouted.
func NewHandler(appender Appender, views Views, pinger Pinger, hub http.Handler) http.Handler {
	s := &httpServer{appender: appender, views: views, pinger: pinger}

	mux := http.NewServeMux()
	mux.Handle(rootPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getLiveness,
	}))
	mux.Handle(healthPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getHealth,
	}))
	mux.Handle(matchesPrefix, http.HandlerFunc(s.handleMatches))
	mux.Handle(aflMatchesPrefix, http.HandlerFunc(s.handleAFLMatches))
	mux.Handle(tesPrefix, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getMomentum,
	}))
	mux.Handle(leaderboardPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getLeaderboard,
	}))
	if hub != nil {
		mux.Handle(hubPath, hub)
	}
	return mux
}

func (s *httpServer) getLiveness(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != rootPath {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(livenessBody))
}

func (s *httpServer) getHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok"}
	status := http.StatusOK
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			checks["store"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// handleMatches serves GET /api/matches/{streamId} and
// POST /api/matches/{streamId}/events.
func (s *httpServer) handleMatches(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, matchesPrefix)
	switch {
	case strings.HasSuffix(rest, eventsSuffix):
		streamID := strings.Trim(strings.TrimSuffix(rest, eventsSuffix), "/")
		if streamID == "" {
			writeError(w, http.StatusNotFound, "stream id required")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.postEvents(w, r, streamID)
	default:
		streamID := strings.Trim(rest, "/")
		if streamID == "" || strings.Contains(streamID, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getMatchState(w, r, streamID)
	}
}

// handleAFLMatches serves GET /api/afl/matches/{streamId} and
// POST /api/afl/matches/{streamId}/apply.
func (s *httpServer) handleAFLMatches(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, aflMatchesPrefix)
	switch {
	case strings.HasSuffix(rest, applySuffix):
		streamID := strings.Trim(strings.TrimSuffix(rest, applySuffix), "/")
		if streamID == "" {
			writeError(w, http.StatusNotFound, "stream id required")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.postApply(w, r, streamID)
	default:
		streamID := strings.Trim(rest, "/")
		if streamID == "" || strings.Contains(streamID, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getEnvelope(w, r, streamID)
	}
}

func (s *httpServer) getMatchState(w http.ResponseWriter, r *http.Request, streamID string) {
	envelope, err := s.appender.GetEnvelope(r.Context(), streamID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(envelope.State)
}

func (s *httpServer) getEnvelope(w http.ResponseWriter, r *http.Request, streamID string) {
	envelope, err := s.appender.GetEnvelope(r.Context(), streamID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelopeResponse(envelope))
}

// postEvents appends and acknowledges with 202; the caller learns the new
// head by re-reading. Concurrency losses surface as 412 so the client can
// re-fetch and re-submit; the server never retries on its behalf.
func (s *httpServer) postEvents(w http.ResponseWriter, r *http.Request, streamID string) {
	payload, ok := decodeAppendPayload(w, r)
	if !ok {
		return
	}
	result, err := s.appender.AppendWithSnapshot(r.Context(), appendRequest(streamID, payload))
	if err != nil {
		writeAppendError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"streamId": streamID, "version": result.Version})
}

// postApply appends and returns the refreshed envelope, saving the client
// the follow-up read.
func (s *httpServer) postApply(w http.ResponseWriter, r *http.Request, streamID string) {
	payload, ok := decodeAppendPayload(w, r)
	if !ok {
		return
	}
	if _, err := s.appender.AppendWithSnapshot(r.Context(), appendRequest(streamID, payload)); err != nil {
		writeAppendError(w, err)
		return
	}
	envelope, err := s.appender.GetEnvelope(r.Context(), streamID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelopeResponse(envelope))
}

func (s *httpServer) getMomentum(w http.ResponseWriter, r *http.Request) {
	streamID := strings.Trim(strings.TrimPrefix(r.URL.Path, tesPrefix), "/")
	if streamID == "" {
		writeError(w, http.StatusNotFound, "stream id required")
		return
	}
	maxPoints := 0
	if raw := r.URL.Query().Get("maxPoints"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "maxPoints must be a positive integer")
			return
		}
		maxPoints = parsed
	}
	view, err := s.views.GetMomentum(r.Context(), streamID, maxPoints)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if len(view.Points) == 0 {
		writeError(w, http.StatusNotFound, "no momentum history for stream")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *httpServer) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	top := 0
	if raw := r.URL.Query().Get("top"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "top must be a positive integer")
			return
		}
		top = parsed
	}
	view, err := s.views.GetLeaderboard(r.Context(), top)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func decodeAppendPayload(w http.ResponseWriter, r *http.Request) (appendPayload, bool) {
	var payload appendPayload
	body := http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() { _ = body.Close() }()
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return appendPayload{}, false
	}
	if len(payload.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events required")
		return appendPayload{}, false
	}
	return payload, true
}

func appendRequest(streamID string, payload appendPayload) eventstore.AppendRequest {
	return eventstore.AppendRequest{
		StreamID:        streamID,
		ExpectedVersion: payload.ExpectedVersion,
		ExpectedETag:    payload.ExpectedEtag,
		SnapshotState:   payload.Snapshot,
		Events:          payload.Events,
	}
}

func envelopeResponse(envelope eventstore.Envelope) envelopePayload {
	return envelopePayload{
		StreamID:         envelope.StreamID,
		AggregateVersion: envelope.AggregateVersion,
		ETag:             envelope.ETag,
		State:            envelope.State,
	}
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// writeAppendError renders append failures: concurrency as a 412 problem
// document, validation as 400, everything else via the generic mapping.
func writeAppendError(w http.ResponseWriter, err error) {
	switch {
	case errs.IsConcurrency(err):
		writeProblem(w, http.StatusPreconditionFailed, "Append precondition failed", err.Error())
	case errs.CodeOf(err) == errs.CodeInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeStoreError(w, err)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, "not found")
	case errs.CodeInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeThrottled, errs.CodeTransient:
		writeError(w, http.StatusServiceUnavailable, "store temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// writeProblem renders an RFC 7807 problem document.
func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":  title,
		"status": status,
		"detail": detail,
	})
}
