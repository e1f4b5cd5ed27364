package parser

import (
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/order-history/internal/domain"
)

func TestParseHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), HistoryFile)
	writeFile(t, path, `{"from":"PLAN_WORK","to":"EXECUTE_TASKS","at":"2026-03-01T10:00:00Z"}
{"from":"PLAN_WORK","to":"EXECUTE_TASKS","at":"2026-03-01T10:00:00Z"}
not json at all
{"from":"EXECUTE_TASKS","to":"EXECUTE_TASKS","at":"2026-03-01T10:05:00Z","note":"retry"}

{"from":"EXECUTE_TASKS","to":"MERGE_PRS","at":"2026-03-01T10:15:00Z"}
{"from":"X","at":"2026-03-01T10:20:00Z"}
`)

	records, err := ParseHistory(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}

	if records[0].DurationSecs == nil || *records[0].DurationSecs != 300 {
		t.Errorf("first duration = %v, want 300", records[0].DurationSecs)
	}
	if !records[1].IsSelfTransition {
		t.Error("EXECUTE_TASKS -> EXECUTE_TASKS should be a self-transition")
	}
	if records[1].Note != "retry" {
		t.Errorf("Note = %q, want retry", records[1].Note)
	}
	if records[1].DurationSecs == nil || *records[1].DurationSecs != 600 {
		t.Errorf("second duration = %v, want 600", records[1].DurationSecs)
	}
	if records[2].DurationSecs != nil {
		t.Errorf("last duration = %v, want nil", *records[2].DurationSecs)
	}
}

func TestParseHistory_MissingFile(t *testing.T) {
	records, err := ParseHistory(filepath.Join(t.TempDir(), HistoryFile))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestParseHistoryPRs_BothShapes(t *testing.T) {
	path := filepath.Join(t.TempDir(), HistoryPRsFile)
	writeFile(t, path, `{"key":"104","value":{"task":"step-85-task-1","status":"merged"}}
{"step":85,"task":"step-85-task-2","pr":180,"title":"Add foo","merged":"2026-02-01T12:00:00Z"}
{"key":"104","value":{"task":"step-99-task-1","status":"closed"}}
{"task":"step-86-task-1","pr":"181"}
{"key":"nope","value":{}}
{"unrelated":true}
`)

	records, err := ParseHistoryPRs(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}

	legacy := records[0]
	if legacy.PRNumber != 104 || legacy.TaskID != "step-85-task-1" || legacy.Status != domain.PRMerged {
		t.Errorf("legacy record = %+v", legacy)
	}
	if legacy.StepNumber == nil || *legacy.StepNumber != 85 {
		t.Errorf("legacy StepNumber = %v, want 85", legacy.StepNumber)
	}

	current := records[1]
	if current.PRNumber != 180 || current.Title != "Add foo" {
		t.Errorf("current record = %+v", current)
	}
	if current.MergedAt == nil {
		t.Error("expected MergedAt to be set")
	}

	derived := records[2]
	if derived.PRNumber != 181 {
		t.Errorf("PRNumber = %d, want 181", derived.PRNumber)
	}
	if derived.StepNumber == nil || *derived.StepNumber != 86 {
		t.Errorf("derived StepNumber = %v, want 86", derived.StepNumber)
	}
}

func TestParseState(t *testing.T) {
	path := filepath.Join(t.TempDir(), StateFile)
	writeFile(t, path, `{
  "current_state": "EXECUTE_TASKS",
  "step_number": 86,
  "completed": ["step-85-task-1", "step-85-task-2", "step-84-task-1", "bogus"],
  "prs": {
    "190": {"task": "step-86-task-1"},
    "104": {"task": "step-85-task-1", "status": "merged"}
  }
}`)

	snap, err := ParseState(path)
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil {
		t.Fatal("expected a snapshot")
	}
	if snap.CurrentState != "EXECUTE_TASKS" {
		t.Errorf("CurrentState = %q", snap.CurrentState)
	}
	if snap.CurrentStep == nil || *snap.CurrentStep != 86 {
		t.Errorf("CurrentStep = %v, want 86", snap.CurrentStep)
	}
	if len(snap.StepNumbers) != 2 || snap.StepNumbers[0] != 84 || snap.StepNumbers[1] != 85 {
		t.Errorf("StepNumbers = %v, want [84 85]", snap.StepNumbers)
	}
	if len(snap.PRs) != 2 || snap.PRs[0].PRNumber != 104 || snap.PRs[1].PRNumber != 190 {
		t.Fatalf("PRs = %+v", snap.PRs)
	}
	if snap.PRs[1].Status != domain.PRUnknown {
		t.Errorf("status without value = %q, want unknown", snap.PRs[1].Status)
	}
}

func TestParseState_MissingAndMalformed(t *testing.T) {
	dir := t.TempDir()
	if snap, err := ParseState(filepath.Join(dir, StateFile)); err != nil || snap != nil {
		t.Errorf("missing: snap=%v err=%v, want nil/nil", snap, err)
	}

	path := filepath.Join(dir, StateFile)
	writeFile(t, path, "{broken")
	if snap, err := ParseState(path); err != nil || snap != nil {
		t.Errorf("malformed: snap=%v err=%v, want nil/nil", snap, err)
	}
}

func TestParseStructured_SnapshotPRsOnlyWhenUnknown(t *testing.T) {
	orderDir := t.TempDir()
	writeFile(t, filepath.Join(orderDir, HistoryPRsFile),
		`{"key":"104","value":{"task":"step-85-task-1","status":"merged"}}`+"\n")
	writeFile(t, filepath.Join(orderDir, StateFile),
		`{"prs":{"104":{"task":"step-85-task-1","status":"open"},"190":{"task":"step-86-task-1"}},"completed":["step-85-task-1"]}`)

	data, err := ParseStructured(orderDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(data.PRs) != 2 {
		t.Fatalf("got %d PRs, want 2", len(data.PRs))
	}
	if data.PRs[0].PRNumber != 104 || data.PRs[0].Status != domain.PRMerged {
		t.Errorf("PR 104 = %+v, want the history-prs record", data.PRs[0])
	}
	if data.PRs[1].PRNumber != 190 || data.PRs[1].Status != domain.PRUnknown {
		t.Errorf("PR 190 = %+v", data.PRs[1])
	}
	if len(data.CompletedTasks) != 1 {
		t.Errorf("CompletedTasks = %v", data.CompletedTasks)
	}
}

func TestParseStructured_EmptyDir(t *testing.T) {
	data, err := ParseStructured(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(data.Transitions) != 0 || len(data.PRs) != 0 || data.CurrentStep != nil {
		t.Errorf("expected empty result, got %+v", data)
	}
}
