package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/order-history/internal/domain"
	"github.com/hochfrequenz/order-history/internal/historystore"
	"github.com/hochfrequenz/order-history/internal/livestream"
)

func ptr[T any](v T) *T { return &v }

func testGraph() *domain.Graph {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	return &domain.Graph{
		Runs: []*domain.Run{
			{ID: 1, Project: "game", LogFile: "order-run-20260301T100000.log", StartedAt: &start, EndedAt: &end,
				Status: domain.RunCompleted, StepsAttempted: 2, StepsCompleted: 1, StepsFailed: 1},
		},
		Steps: []*domain.Step{
			{ID: 1, RunID: ptr(int64(1)), StepNumber: 102, Title: "Combat Replay Storage", StartedAt: &start,
				EndedAt: &end, Status: domain.StepCompleted},
			{ID: 2, RunID: ptr(int64(1)), StepNumber: 103, StartedAt: &start, EndedAt: &end,
				FinalState: "MERGE_PRS", FinalVerdict: "HALT", Status: domain.StepHalted},
		},
		Handoffs: []*domain.Handoff{
			{ID: 1, StepID: 1, StepNumber: 102, KeyDecisions: "[]", Tradeoffs: "[]", KnownRisks: "[]",
				Learnings: "[]", Followups: "[]", NextStepNumber: ptr(103)},
		},
		Transitions: []*domain.Transition{
			{ID: 1, StepID: ptr(int64(1)), Timestamp: start, ToState: "CREATE_SPEC", DurationSecs: ptr(120.0)},
			{ID: 2, StepID: ptr(int64(1)), Timestamp: start.Add(2 * time.Minute), FromState: "CREATE_SPEC",
				ToState: "REVIEW_SPEC", DispatchSkill: "/review-spec", DispatchDurationSecs: ptr(45.0)},
		},
		ArbiterEvents: []*domain.ArbiterEvent{
			{ID: 1, StepID: ptr(int64(2)), Attempt: ptr(1), MaxAttempts: ptr(3), Verdict: "HALT"},
		},
	}
}

type testEnv struct {
	server    *Server
	live      *livestream.Broadcaster
	statePath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := historystore.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.ReplaceGraph(context.Background(), testGraph()); err != nil {
		t.Fatal(err)
	}

	live := livestream.NewBroadcaster()
	statePath := filepath.Join(t.TempDir(), "state.json")
	server := NewServer(store, live, Options{
		StatePath:   statePath,
		Keepalive:   time.Minute,
		CORSOrigins: []string{"http://localhost:5173"},
	})
	return &testEnv{server: server, live: live, statePath: statePath}
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func TestRoutes_StatusCodes(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		path string
		want int
	}{
		{"/api/runs", http.StatusOK},
		{"/api/runs/1", http.StatusOK},
		{"/api/runs/99", http.StatusNotFound},
		{"/api/runs/abc", http.StatusUnprocessableEntity},
		{"/api/runs/1/steps", http.StatusOK},
		{"/api/runs/99/steps", http.StatusNotFound},
		{"/api/runs/1/steps/102", http.StatusOK},
		{"/api/runs/1/steps/104", http.StatusNotFound},
		{"/api/runs/1/steps/102/transitions", http.StatusOK},
		{"/api/runs/1/steps/102/handoff", http.StatusOK},
		{"/api/steps/102", http.StatusOK},
		{"/api/steps/999", http.StatusNotFound},
		{"/api/steps/102/transitions", http.StatusOK},
		{"/api/steps/102/handoff", http.StatusOK},
		{"/api/steps/103/handoff", http.StatusNotFound},
		{"/api/stats", http.StatusOK},
		{"/api/stats/overview", http.StatusOK},
		{"/api/stats/state-durations", http.StatusOK},
		{"/api/stats/duration-trend", http.StatusOK},
		{"/api/stats/failure-breakdown", http.StatusOK},
		{"/api/stats/recent-failures", http.StatusOK},
		{"/api/stats/recent-failures?limit=zero", http.StatusUnprocessableEntity},
		{"/api/live/status", http.StatusOK},
		{"/api/live/snapshot", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := env.get(t, tt.path).Code; got != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, got, tt.want)
			}
		})
	}
}

func TestListRunsHandler(t *testing.T) {
	env := newTestEnv(t)
	w := env.get(t, "/api/runs")

	var runs []RunResponse
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("Run count = %d, want 1", len(runs))
	}
	if runs[0].Status == nil || *runs[0].Status != "completed" || runs[0].StepsFailed != 1 {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestGetStepHandler(t *testing.T) {
	env := newTestEnv(t)
	w := env.get(t, "/api/steps/102")

	var step StepDetailResponse
	if err := json.NewDecoder(w.Body).Decode(&step); err != nil {
		t.Fatal(err)
	}
	if step.Title == nil || *step.Title != "Combat Replay Storage" {
		t.Errorf("Title = %v", step.Title)
	}
	if step.Phase != nil {
		t.Errorf("Phase = %q, want null", *step.Phase)
	}
	if len(step.Transitions) != 2 {
		t.Fatalf("Transitions = %d, want 2", len(step.Transitions))
	}
	if step.Transitions[0].FromState != nil {
		t.Errorf("first from_state = %q, want null", *step.Transitions[0].FromState)
	}
	if s := step.Transitions[1].DispatchSkill; s == nil || *s != "/review-spec" {
		t.Errorf("dispatch skill = %v", s)
	}
	if len(step.ArbiterEvents) != 0 {
		t.Errorf("ArbiterEvents = %d, want 0", len(step.ArbiterEvents))
	}
}

func TestGetStepHandoffHandler(t *testing.T) {
	env := newTestEnv(t)
	w := env.get(t, "/api/steps/102/handoff")

	var handoff HandoffResponse
	if err := json.NewDecoder(w.Body).Decode(&handoff); err != nil {
		t.Fatal(err)
	}
	if handoff.NextStepNumber == nil || *handoff.NextStepNumber != 103 {
		t.Errorf("NextStepNumber = %v, want 103", handoff.NextStepNumber)
	}

	w = env.get(t, "/api/steps/103/handoff")
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["detail"] != "Handoff not found for this step" {
		t.Errorf("detail = %q", body["detail"])
	}
}

func TestStatsHandlers(t *testing.T) {
	env := newTestEnv(t)

	var overview StatsResponse
	json.NewDecoder(env.get(t, "/api/stats").Body).Decode(&overview)
	want := StatsResponse{TotalSteps: 2, Completed: 1, Failed: 1, TotalTransitions: 2,
		TotalArbiterEvents: 1, TotalHandoffs: 1, TotalRuns: 1}
	if overview != want {
		t.Errorf("stats = %+v, want %+v", overview, want)
	}

	var durations map[string]struct{ Avg, P50, P95 float64 }
	json.NewDecoder(env.get(t, "/api/stats/state-durations").Body).Decode(&durations)
	if len(durations) != 7 {
		t.Errorf("state count = %d, want 7", len(durations))
	}
	if durations["CREATE_SPEC"].Avg != 120 {
		t.Errorf("CREATE_SPEC = %+v", durations["CREATE_SPEC"])
	}

	var failures []struct {
		Step            int `json:"step"`
		ArbiterAttempts int `json:"arbiter_attempts"`
	}
	json.NewDecoder(env.get(t, "/api/stats/recent-failures").Body).Decode(&failures)
	if len(failures) != 1 || failures[0].Step != 103 || failures[0].ArbiterAttempts != 1 {
		t.Errorf("recent failures = %+v", failures)
	}
}

func TestLiveSnapshotHandler(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(env.statePath, []byte(`{"current_state":"PLAN_WORK","current_step":104}`), 0644); err != nil {
		t.Fatal(err)
	}

	w := env.get(t, "/api/live/snapshot")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var snap map[string]any
	json.NewDecoder(w.Body).Decode(&snap)
	if snap["current_state"] != "PLAN_WORK" {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestLiveStatusHandler(t *testing.T) {
	env := newTestEnv(t)
	env.live.Publish(livestream.Event{Seq: 5, Type: "x"})
	sub := env.live.Subscribe(nil)
	defer env.live.Unsubscribe(sub)

	var status livestream.Status
	json.NewDecoder(env.get(t, "/api/live/status").Body).Decode(&status)
	if status != (livestream.Status{Subscribers: 1, LastSeq: 5, Buffered: 1}) {
		t.Errorf("status = %+v", status)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/runs", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest("GET", "/api/runs", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unknown origin = %q, want none", got)
	}
}

// readFrame reads one SSE frame, up to the blank line
func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading frame: %v (so far %q)", err, b.String())
		}
		if line == "\n" {
			return b.String()
		}
		b.WriteString(line)
	}
}

func TestLiveEventsHandler_ReplayAndLive(t *testing.T) {
	env := newTestEnv(t)
	env.live.Publish(livestream.Event{Seq: 1, Type: "run_start", Raw: []byte(`{"seq":1,"type":"run_start"}`)})
	env.live.Publish(livestream.Event{Seq: 2, Type: "transition", Raw: []byte(`{"seq":2,"type":"transition"}`)})

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	req, _ := http.NewRequest("GET", ts.URL+"/api/live/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if got, want := readFrame(t, r), "id: 2\nevent: transition\ndata: {\"seq\":2,\"type\":\"transition\"}\n"; got != want {
		t.Errorf("replayed frame = %q, want %q", got, want)
	}

	env.live.Publish(livestream.Event{Seq: 3, Type: "dispatch", Raw: []byte(`{"seq":3,"type":"dispatch"}`)})
	if got := readFrame(t, r); !strings.HasPrefix(got, "id: 3\nevent: dispatch\n") {
		t.Errorf("live frame = %q", got)
	}
}

func TestLiveEventsHandler_Keepalive(t *testing.T) {
	store, err := historystore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	live := livestream.NewBroadcaster()
	server := NewServer(store, live, Options{Keepalive: 20 * time.Millisecond})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/live/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := readFrame(t, bufio.NewReader(resp.Body)); got != ": keepalive\n" {
		t.Errorf("frame = %q, want a keepalive comment", got)
	}
}

func TestLiveWebSocketHandler(t *testing.T) {
	env := newTestEnv(t)
	env.live.Publish(livestream.Event{Seq: 7, Type: "transition", Raw: []byte(`{"seq":7,"type":"transition"}`)})

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/live/ws?last_event_id=6"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(msg) != `{"seq":7,"type":"transition"}` {
		t.Errorf("replayed message = %s", msg)
	}

	env.live.Publish(livestream.Event{Seq: 8, Type: "dispatch", Raw: []byte(`{"seq":8,"type":"dispatch"}`)})
	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(msg) != `{"seq":8,"type":"dispatch"}` {
		t.Errorf("live message = %s", msg)
	}
}
