package httpserver

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/fanride/fanride/internal/app/eventstore"
	"github.com/fanride/fanride/internal/app/readmodel"
	"github.com/fanride/fanride/internal/domain/schema"
	"github.com/fanride/fanride/internal/infra/docstore/memstore"
)

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	appender := eventstore.New(store, "es")
	views, err := readmodel.New(store, readmodel.DefaultContainers())
	if err != nil {
		t.Fatalf("readmodel.New: %v", err)
	}
	server := httptest.NewServer(NewHandler(appender, views, store, nil))
	t.Cleanup(server.Close)
	return server, store
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getURL(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func appendBody(version int64, etag string) map[string]any {
	return map[string]any{
		"expectedVersion": version,
		"expectedEtag":    etag,
		"snapshot":        map[string]any{"score": map[string]int{"home": 0, "away": 1}, "quarter": 1, "clock": "01:23"},
		"events": []map[string]any{
			{"id": "evt-1", "kind": "MatchStateUpdated", "payload": map[string]any{"quarter": 1}},
		},
	}
}

func TestLiveness(t *testing.T) {
	server, _ := newTestServer(t)
	resp := getURL(t, server.URL+"/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if buf.String() != "FanRide backend running" {
		t.Errorf("body = %q", buf.String())
	}
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)
	resp := getURL(t, server.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeBody(t, resp, &payload)
	if payload.Status != "healthy" || payload.Checks["store"] != "ok" {
		t.Errorf("health = %+v", payload)
	}
}

func TestFreshStreamAppendThenRead(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/matches/m1/events", appendBody(0, ""))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("append status = %d, want 202", resp.StatusCode)
	}

	read := getURL(t, server.URL+"/api/matches/m1")
	if read.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d", read.StatusCode)
	}
	state, err := schemaDecode(read)
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Score.Away != 1 || state.Quarter != 1 || state.Clock != "01:23" {
		t.Errorf("state = %+v", state)
	}
}

func schemaDecode(resp *http.Response) (schema.MatchState, error) {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return schema.MatchState{}, err
	}
	return schema.DecodeMatchState(buf.Bytes())
}

func TestStaleAppendReturns412Problem(t *testing.T) {
	server, _ := newTestServer(t)

	first := postJSON(t, server.URL+"/api/matches/m1/events", appendBody(0, ""))
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first append status = %d", first.StatusCode)
	}

	second := postJSON(t, server.URL+"/api/matches/m1/events", appendBody(0, ""))
	if second.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("second append status = %d, want 412", second.StatusCode)
	}
	if ct := second.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q", ct)
	}
	var problem struct {
		Status int    `json:"status"`
		Detail string `json:"detail"`
	}
	decodeBody(t, second, &problem)
	if problem.Status != http.StatusPreconditionFailed || problem.Detail == "" {
		t.Errorf("problem = %+v", problem)
	}
}

func TestApplyReturnsEnvelope(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/afl/matches/m1/apply", appendBody(0, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("apply status = %d", resp.StatusCode)
	}
	var envelope struct {
		StreamID         string          `json:"streamId"`
		AggregateVersion int64           `json:"aggregateVersion"`
		ETag             string          `json:"etag"`
		State            json.RawMessage `json:"state"`
	}
	decodeBody(t, resp, &envelope)
	if envelope.StreamID != "m1" || envelope.AggregateVersion != 1 {
		t.Errorf("envelope = %+v", envelope)
	}
	if envelope.ETag == "" || len(envelope.State) == 0 {
		t.Errorf("envelope missing etag or state: %+v", envelope)
	}

	read := getURL(t, server.URL+"/api/afl/matches/m1")
	if read.StatusCode != http.StatusOK {
		t.Fatalf("envelope read status = %d", read.StatusCode)
	}
}

func TestUnknownStreamReturns404(t *testing.T) {
	server, _ := newTestServer(t)
	for _, path := range []string{"/api/matches/nope", "/api/afl/matches/nope", "/api/readmodels/tes/nope"} {
		resp := getURL(t, server.URL+path)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestMomentumRoute(t *testing.T) {
	server, store := newTestServer(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		row := schema.MomentumRow{
			ID:       fmt.Sprintf("m1-%d", i),
			MatchID:  "m1",
			Metrics:  json.RawMessage(fmt.Sprintf(`{"watts":%d,"capturedAt":%q}`, 100*i, ts.Format(time.RFC3339))),
			TS:       ts,
			TSMicros: ts.UnixMicro(),
		}
		if _, err := store.UpsertItem(context.Background(), "rm_tes_history", "m1", row.ID, row); err != nil {
			t.Fatalf("seed momentum row: %v", err)
		}
	}

	resp := getURL(t, server.URL+"/api/readmodels/tes/m1?maxPoints=2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var view schema.MomentumView
	decodeBody(t, resp, &view)
	if len(view.Points) != 2 {
		t.Fatalf("points = %d, want 2", len(view.Points))
	}
	if !view.Points[0].CapturedAt.Before(view.Points[1].CapturedAt) {
		t.Error("points not ascending by capturedAt")
	}
	if view.Points[1].Watts != 300 {
		t.Errorf("newest point watts = %v, want 300", view.Points[1].Watts)
	}
}

func TestLeaderboardRoute(t *testing.T) {
	server, store := newTestServer(t)

	watts := map[string]int{"a": 300, "b": 400, "c": 350}
	for stream, w := range watts {
		row := schema.LeaderboardRow{
			ID:        stream,
			MatchID:   stream,
			Metrics:   json.RawMessage(fmt.Sprintf(`{"riderId":%q,"watts":%d}`, "rider-"+stream, w)),
			UpdatedAt: time.Now().UTC(),
		}
		if _, err := store.UpsertItem(context.Background(), "rm_leaderboard", stream, row.ID, row); err != nil {
			t.Fatalf("seed leaderboard row: %v", err)
		}
	}

	resp := getURL(t, server.URL+"/api/readmodels/leaderboard?top=2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var view schema.LeaderboardView
	decodeBody(t, resp, &view)
	if len(view.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(view.Entries))
	}
	if view.Entries[0].RiderID != "rider-b" || view.Entries[1].RiderID != "rider-c" {
		t.Errorf("order = %s, %s; want rider-b, rider-c", view.Entries[0].RiderID, view.Entries[1].RiderID)
	}
	if view.GeneratedAt.IsZero() {
		t.Error("generatedAt not stamped")
	}
}

func TestAppendValidation(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/matches/m1/events", map[string]any{"expectedVersion": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty events status = %d, want 400", resp.StatusCode)
	}

	get, err := http.Get(server.URL + "/api/matches/m1/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer func() { _ = get.Body.Close() }()
	if get.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET on events status = %d, want 405", get.StatusCode)
	}
}
