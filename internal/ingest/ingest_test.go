package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/order-history/internal/domain"
	"github.com/hochfrequenz/order-history/internal/historystore"
	"github.com/hochfrequenz/order-history/internal/parser"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

const handoff102 = `step_completed:
  number: 102
  title: "Combat Replay Storage"
  phase: "Combat Rewards"
  status: COMPLETE

execution_summary:
  prs_merged:
    count: 1
    numbers: [214]
  tasks_completed: 1

key_decisions:
  - "Store as JSONB"

next_step:
  number: 103
  title: "Character Experience System"
`

const stepLog102 = `=== Step 102: Combat Replay Storage ===
[2026-03-01T10:00:00Z] [INFO] [step:102/CREATE_SPEC] ──── CREATE_SPEC ────
[2026-03-01T10:00:05Z] [INFO] [step:102/CREATE_SPEC] Dispatching /create-spec
=== Dispatch: /create-spec step=102 ===
writing spec...
=== End Dispatch ===
[2026-03-01T10:02:05Z] [INFO] [step:102/CREATE_SPEC] Dispatch OK (120s): /create-spec
[2026-03-01T10:02:10Z] [INFO] [step:102/REVIEW_SPEC] ──── REVIEW_SPEC (verdict: PASS) ────
[2026-03-01T10:03:00Z] [INFO] [step:102/EXECUTE_TASKS] Starting work
=== /work step-102-task-1 (exit: 0, 300s) ===
implementing...
=== End /work step-102-task-1 ===
[2026-03-01T10:06:00Z] [WARN] [step:102/MERGE_PRS] Arbiter fix attempt 1/3 for PR #214
[2026-03-01T10:07:00Z] [WARN] [step:102/MERGE_PRS] Arbiter: FIXED
[2026-03-01T10:08:00Z] [INFO] [step:102/REVIEW_SPEC] ──── REVIEW_SPEC ────
[2026-03-01T10:09:00Z] [INFO] [step:102/HANDOFF] ──── Step 102 Complete ────
`

const stepLog104 = `[2026-03-01T10:15:00Z] [INFO] [step:104/CREATE_SPEC] ──── CREATE_SPEC ────
[2026-03-01T10:16:00Z] [ERROR] [step:104/CREATE_SPEC] Dispatch failed
`

const runLogCompleted = `[2026-03-01T09:59:00Z] [INFO] [step:?/?] ORDER run starting
[2026-03-01T10:00:00Z] [INFO] [step:102/CREATE_SPEC] ──── CREATE_SPEC ────
[2026-03-01T10:10:00Z] [INFO] [step:102/HANDOFF] handoff written
`

const runLogHalted = `[2026-03-01T12:00:00Z] [INFO] [step:?/?] ORDER run starting
[2026-03-01T12:01:00Z] [ERROR] [step:?/?] HALT: merge blocked
`

func writeOrderDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "handoffs", "step-102_HANDOFF.yml"), handoff102)
	writeFile(t, filepath.Join(dir, "history.jsonl"), `{"from":"PLAN_WORK","to":"EXECUTE_TASKS","at":"2026-03-01T09:00:00Z"}
{"from":"EXECUTE_TASKS","to":"EXECUTE_TASKS","at":"2026-03-01T09:05:00Z"}
`)
	writeFile(t, filepath.Join(dir, "history-prs.jsonl"), `{"key":"214","value":{"task":"step-102-task-1","status":"merged"}}
{"step":105,"task":"step-105-task-1","pr":180,"title":"XP table","merged":"2026-03-01T13:00:00Z"}
`)
	writeFile(t, filepath.Join(dir, "logs", "step-102-combat-replay-20260301T100000.log"), stepLog102)
	writeFile(t, filepath.Join(dir, "logs", "step-104-xp-20260301T101500.log"), stepLog104)
	writeFile(t, filepath.Join(dir, "logs", "order-run-20260301T095900.log"), runLogCompleted)
	writeFile(t, filepath.Join(dir, "logs", "order-run-20260301T120000.log"), runLogHalted)
	return dir
}

func stepByNumber(g *domain.Graph, n int) *domain.Step {
	for _, s := range g.Steps {
		if s.StepNumber == n {
			return s
		}
	}
	return nil
}

func TestBuild_HandoffOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "handoffs", "step-102_HANDOFF.yml"), handoff102)

	g, err := Build(dir, "game")
	if err != nil {
		t.Fatal(err)
	}

	want := domain.Counts{Steps: 1, Handoffs: 1}
	if got := g.Counts(); got != want {
		t.Fatalf("Counts = %+v, want %+v", got, want)
	}
	step := g.Steps[0]
	if step.StepNumber != 102 || step.Status != domain.StepCompleted {
		t.Errorf("step = %+v", step)
	}
	if g.Handoffs[0].StepID != step.ID {
		t.Errorf("handoff StepID = %d, want %d", g.Handoffs[0].StepID, step.ID)
	}
	if n := g.Handoffs[0].NextStepNumber; n == nil || *n != 103 {
		t.Errorf("NextStepNumber = %v, want 103", n)
	}
}

func TestBuild_EmptyDir(t *testing.T) {
	g, err := Build(t.TempDir(), "game")
	if err != nil {
		t.Fatal(err)
	}
	if got := g.Counts(); got != (domain.Counts{}) {
		t.Errorf("Counts = %+v, want zero", got)
	}
}

func TestBuild_FullDirectory(t *testing.T) {
	g, err := Build(writeOrderDir(t), "game")
	if err != nil {
		t.Fatal(err)
	}

	want := domain.Counts{Runs: 2, Steps: 2, Transitions: 6, PullRequests: 2, Handoffs: 1, ArbiterEvents: 1}
	if got := g.Counts(); got != want {
		t.Fatalf("Counts = %+v, want %+v", got, want)
	}

	runs := map[string]*domain.Run{}
	for _, r := range g.Runs {
		runs[r.LogFile] = r
		if r.Project != "game" {
			t.Errorf("run %s project = %q", r.LogFile, r.Project)
		}
	}
	first := runs["order-run-20260301T095900.log"]
	second := runs["order-run-20260301T120000.log"]
	if first == nil || second == nil {
		t.Fatalf("runs = %+v", g.Runs)
	}
	if first.Status != domain.RunCompleted || second.Status != domain.RunHalted {
		t.Errorf("statuses = %s/%s, want completed/halted", first.Status, second.Status)
	}
	if first.StepsAttempted != 2 || first.StepsCompleted != 2 || first.StepsFailed != 0 {
		t.Errorf("first run counters = %d/%d/%d, want 2/2/0",
			first.StepsAttempted, first.StepsCompleted, first.StepsFailed)
	}
	if second.StepsAttempted != 0 {
		t.Errorf("second run attempted = %d, want 0", second.StepsAttempted)
	}

	step102 := stepByNumber(g, 102)
	if step102 == nil {
		t.Fatal("missing step 102")
	}
	if step102.Title != "Combat Replay Storage" || step102.Status != domain.StepCompleted {
		t.Errorf("step 102 = %+v", step102)
	}
	if step102.RunID == nil || *step102.RunID != first.ID {
		t.Errorf("step 102 run = %v, want %d (containment)", step102.RunID, first.ID)
	}
	if step102.StartedAt == nil || !step102.StartedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("step 102 StartedAt = %v", step102.StartedAt)
	}
	if step102.FinalState != "REVIEW_SPEC" {
		t.Errorf("FinalState = %q, want REVIEW_SPEC", step102.FinalState)
	}
	if step102.PRsOpened != "[214]" || step102.PRsMerged != "[214]" {
		t.Errorf("PR lists = %q/%q", step102.PRsOpened, step102.PRsMerged)
	}
	if step102.TasksTotal != 1 || step102.TasksCompleted != 1 {
		t.Errorf("tasks = %d/%d, want 1/1", step102.TasksCompleted, step102.TasksTotal)
	}

	step104 := stepByNumber(g, 104)
	if step104 == nil {
		t.Fatal("missing step 104")
	}
	if step104.Status != domain.StepCompleted {
		t.Errorf("step 104 status = %s, want completed", step104.Status)
	}
	if step104.RunID == nil || *step104.RunID != first.ID {
		t.Errorf("step 104 run = %v, want nearest preceding run %d", step104.RunID, first.ID)
	}

	var owned []*domain.Transition
	for _, tr := range g.Transitions {
		if tr.IsSelfTransition != domain.IsSelfTransition(tr.FromState, tr.ToState) {
			t.Errorf("transition %d self flag mismatch", tr.ID)
		}
		if tr.StepID != nil && *tr.StepID == step102.ID {
			owned = append(owned, tr)
		}
	}
	if len(owned) != 3 {
		t.Fatalf("step 102 has %d transitions, want 3", len(owned))
	}
	if owned[0].DispatchSkill != "/create-spec" || owned[0].DispatchDurationSecs == nil || *owned[0].DispatchDurationSecs != 120 {
		t.Errorf("CREATE_SPEC dispatch = %q %v", owned[0].DispatchSkill, owned[0].DispatchDurationSecs)
	}
	// /work blocks carry no start time and never correlate
	for _, tr := range owned[1:] {
		if tr.DispatchSkill != "" {
			t.Errorf("%s transition should be uncorrelated, got %q", tr.ToState, tr.DispatchSkill)
		}
	}

	event := g.ArbiterEvents[0]
	if event.Verdict != "FIXED" || event.PRNumber == nil || *event.PRNumber != 214 {
		t.Errorf("arbiter event = %+v", event)
	}
	if event.TransitionID == nil || *event.TransitionID != owned[1].ID {
		t.Errorf("arbiter transition = %v, want %d", event.TransitionID, owned[1].ID)
	}

	for _, pr := range g.PullRequests {
		switch pr.PRNumber {
		case 214:
			if pr.StepID == nil || *pr.StepID != step102.ID {
				t.Errorf("PR 214 step = %v, want %d", pr.StepID, step102.ID)
			}
		case 180:
			if pr.StepID != nil {
				t.Errorf("PR 180 should stay unbound, got step %d", *pr.StepID)
			}
		default:
			t.Errorf("unexpected PR %d", pr.PRNumber)
		}
	}
}

func TestBuild_LogOnlyStepStatus(t *testing.T) {
	tests := []struct {
		name string
		log  string
		want domain.StepStatus
	}{
		{
			"completed",
			"[2026-03-01T10:00:00Z] [INFO] [step:7/HANDOFF] ──── Step 7 Complete ────\n",
			domain.StepCompleted,
		},
		{
			"halted",
			"[2026-03-01T10:00:00Z] [ERROR] [step:7/MERGE_PRS] Arbiter: HALT (verdict: UNFIXABLE)\n",
			domain.StepHalted,
		},
		{
			"no marker",
			"[2026-03-01T10:00:00Z] [INFO] [step:7/CREATE_SPEC] ──── CREATE_SPEC ────\n",
			domain.StepCompleted,
		},
		{
			"error without halt",
			"[2026-03-01T10:00:00Z] [ERROR] [step:7/CREATE_SPEC] Dispatch failed\n",
			domain.StepCompleted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "logs", "step-7-thing-20260301T100000.log"), tt.log)
			g, err := Build(dir, "game")
			if err != nil {
				t.Fatal(err)
			}
			if len(g.Steps) != 1 || g.Steps[0].Status != tt.want {
				t.Errorf("steps = %+v, want one %s step", g.Steps, tt.want)
			}
		})
	}
}

func TestBuild_WorkBlockLeavesTransitionForDispatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "logs", "step-5-thing-20260301T100000.log"), `[2026-03-01T10:00:00Z] [INFO] [step:5/EXECUTE_TASKS] ──── EXECUTE_TASKS ────
=== /work step-5-task-1 (exit: 0, 90s) ===
implementing...
=== End /work step-5-task-1 ===
[2026-03-01T10:02:00Z] [INFO] [step:5/EXECUTE_TASKS] Dispatching /review
=== Dispatch: /review step=5 ===
reviewing...
=== End Dispatch ===
[2026-03-01T10:02:40Z] [INFO] [step:5/EXECUTE_TASKS] Dispatch OK (40s): /review
`)
	g, err := Build(dir, "game")
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Transitions) != 1 {
		t.Fatalf("got %d transitions, want 1", len(g.Transitions))
	}
	tr := g.Transitions[0]
	if tr.DispatchSkill != "/review" || tr.DispatchDurationSecs == nil || *tr.DispatchDurationSecs != 40 {
		t.Errorf("dispatch = %q %v, want /review 40s", tr.DispatchSkill, tr.DispatchDurationSecs)
	}
}

func TestBuild_StepWithoutTimestampStaysUnassigned(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "handoffs", "step-102_HANDOFF.yml"), handoff102)
	writeFile(t, filepath.Join(dir, "logs", "order-run-20260301T095900.log"), runLogCompleted)
	writeFile(t, filepath.Join(dir, "logs", "order-run-20260301T120000.log"), runLogHalted)

	g, err := Build(dir, "game")
	if err != nil {
		t.Fatal(err)
	}
	// step 102 appears in the first run log, so membership still claims it
	step := stepByNumber(g, 102)
	if step == nil || step.RunID == nil {
		t.Fatalf("step 102 = %+v, want it claimed by membership", step)
	}

	dir = t.TempDir()
	writeFile(t, filepath.Join(dir, "handoffs", "step-102_HANDOFF.yml"), handoff102)
	writeFile(t, filepath.Join(dir, "logs", "order-run-20260301T120000.log"), runLogHalted)
	g, err = Build(dir, "game")
	if err != nil {
		t.Fatal(err)
	}
	if step := stepByNumber(g, 102); step == nil || step.RunID != nil {
		t.Errorf("step 102 = %+v, want unassigned", step)
	}
}

func TestCorrelateDispatches(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	secs := func(v float64) *float64 { return &v }
	at := func(d time.Duration) *time.Time { v := t0.Add(d); return &v }

	transitions := []*domain.Transition{
		{ID: 1, Timestamp: t0},
		{ID: 2, Timestamp: t0.Add(700 * time.Second)},
		{ID: 3, Timestamp: time.Date(2026, 3, 1, 11, 0, 0, 0, time.FixedZone("CET", 3600))},
	}
	dispatches := []parser.DispatchBlock{
		{Skill: "/a", DurationSecs: secs(10), StartedAt: at(10 * time.Second)},
		{Skill: "/b", DurationSecs: secs(20), StartedAt: at(20 * time.Second)},
		{Skill: "/untimed", StartedAt: at(700 * time.Second)},
		{Skill: "/c", DurationSecs: secs(30), StartedAt: at(time.Hour + 599*time.Second)},
	}

	if n := correlateDispatches(dispatches, transitions); n != 2 {
		t.Errorf("matched %d, want 2", n)
	}
	if transitions[0].DispatchSkill != "/a" {
		t.Errorf("first transition skill = %q, want /a", transitions[0].DispatchSkill)
	}
	if transitions[1].DispatchSkill != "" {
		t.Errorf("second transition is outside every window, got %q", transitions[1].DispatchSkill)
	}
	// 11:00 CET reads as 11:00 on the wall clock, 599s before /c started
	if transitions[2].DispatchSkill != "/c" || *transitions[2].DispatchDurationSecs != 30 {
		t.Errorf("third transition = %q", transitions[2].DispatchSkill)
	}
}

func TestPrecedingTransition(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	transitions := []*domain.Transition{
		{ID: 4, Timestamp: t0},
		{ID: 9, Timestamp: t0.Add(time.Minute)},
	}
	if got := precedingTransition(transitions, t0.Add(-time.Second)); got != nil {
		t.Errorf("before all transitions = %d, want nil", *got)
	}
	if got := precedingTransition(transitions, t0.Add(time.Minute)); got == nil || *got != 9 {
		t.Errorf("at second transition = %v, want 9", got)
	}
	if got := precedingTransition(transitions, time.Time{}); got != nil {
		t.Errorf("zero time = %d, want nil", *got)
	}
}

type failingWriter struct{}

func (failingWriter) ReplaceGraph(context.Context, *domain.Graph) error {
	return errors.New("disk full")
}

func TestIngester_Run(t *testing.T) {
	ctx := context.Background()
	store, err := historystore.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ing := &Ingester{OrderDir: writeOrderDir(t), Project: "game", Store: store}
	counts, err := ing.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := store.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stored != counts {
		t.Errorf("stored counts = %+v, want %+v", stored, counts)
	}

	// a second pass replaces rather than appends
	if _, err := ing.Run(ctx); err != nil {
		t.Fatal(err)
	}
	again, err := store.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again != counts {
		t.Errorf("after second pass counts = %+v, want %+v", again, counts)
	}

	bad := &Ingester{OrderDir: ing.OrderDir, Store: failingWriter{}}
	if _, err := bad.Run(ctx); err == nil {
		t.Error("expected the store error to surface")
	}
}
