package parser

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/order-history/internal/domain"
)

// Structured source file names inside an ORDER directory
const (
	HistoryFile    = "history.jsonl"
	HistoryPRsFile = "history-prs.jsonl"
	StateFile      = "state.json"
)

// TransitionRecord is one deduplicated line of history.jsonl
type TransitionRecord struct {
	FromState        string
	ToState          string
	Timestamp        time.Time
	Note             string
	IsSelfTransition bool
	DurationSecs     *float64
}

// PRRecord is one pull request from history-prs.jsonl or state.json
type PRRecord struct {
	PRNumber   int
	TaskID     string
	StepNumber *int
	Title      string
	Status     domain.PRStatus
	MergedAt   *time.Time
}

// StateSnapshot is the typed view of state.json
type StateSnapshot struct {
	PRs            []PRRecord
	CompletedTasks []string
	StepNumbers    []int
	CurrentState   string
	CurrentStep    *int
}

// StructuredData merges the three structured sources
type StructuredData struct {
	Transitions    []TransitionRecord
	PRs            []PRRecord
	StepNumbers    []int
	CompletedTasks []string
	CurrentState   string
	CurrentStep    *int
}

// forEachLine calls fn for every non-blank line of path. A missing file is
// not an error.
func forEachLine(path string, fn func(line string)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			fn(trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

type historyLine struct {
	From *string `json:"from"`
	To   *string `json:"to"`
	At   *string `json:"at"`
	Note string  `json:"note"`
}

// ParseHistory parses history.jsonl, deduplicating by the raw
// (from, to, at) strings. Later duplicates are dropped.
func ParseHistory(path string) ([]TransitionRecord, error) {
	type key struct{ from, to, at string }
	seen := make(map[key]bool)
	var records []TransitionRecord

	err := forEachLine(path, func(line string) {
		var h historyLine
		if err := json.Unmarshal([]byte(line), &h); err != nil {
			slog.Warn("skipping malformed history line", "line", excerpt(line), "err", err)
			return
		}
		if h.From == nil || h.To == nil || h.At == nil {
			slog.Warn("skipping incomplete history line", "line", excerpt(line))
			return
		}
		k := key{*h.From, *h.To, *h.At}
		if seen[k] {
			return
		}
		ts, err := ParseTimestamp(*h.At)
		if err != nil {
			slog.Warn("skipping history line", "line", excerpt(line), "err", err)
			return
		}
		seen[k] = true
		records = append(records, TransitionRecord{
			FromState:        *h.From,
			ToState:          *h.To,
			Timestamp:        ts,
			Note:             h.Note,
			IsSelfTransition: domain.IsSelfTransition(*h.From, *h.To),
		})
	})
	if err != nil {
		return nil, err
	}

	// Time spent in a state is known when the next record continues the chain
	for i := 0; i+1 < len(records); i++ {
		cur, next := &records[i], records[i+1]
		if next.FromState == cur.ToState && !next.Timestamp.Before(cur.Timestamp) {
			secs := next.Timestamp.Sub(cur.Timestamp).Seconds()
			cur.DurationSecs = &secs
		}
	}
	return records, nil
}

// rawInt decodes a JSON number or numeric string
func rawInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return int(v), true
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return v, true
		}
	}
	return 0, false
}

func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func prStatus(s string, fallback domain.PRStatus) domain.PRStatus {
	if s == "" {
		return fallback
	}
	return domain.PRStatus(s)
}

// decodePRLine decodes either historical shape of a history-prs.jsonl line.
// Legacy: {"key":"104","value":{"task":"step-85-task-1","status":"merged"}}
// Current: {"step":85,"task":"step-85-task-1","pr":180,"title":"...","merged":"..."}
func decodePRLine(line string) (PRRecord, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		slog.Warn("skipping malformed PR line", "line", excerpt(line), "err", err)
		return PRRecord{}, false
	}

	if rawKey, ok := fields["key"]; ok {
		num, ok := rawInt(rawKey)
		if !ok {
			slog.Warn("skipping PR line with bad key", "line", excerpt(line))
			return PRRecord{}, false
		}
		var value map[string]json.RawMessage
		_ = json.Unmarshal(fields["value"], &value)
		task := rawString(value["task"])
		return PRRecord{
			PRNumber:   num,
			TaskID:     task,
			StepNumber: domain.StepNumberFromTask(task),
			Status:     prStatus(rawString(value["status"]), domain.PRMerged),
		}, true
	}

	if rawPR, ok := fields["pr"]; ok {
		num, ok := rawInt(rawPR)
		if !ok {
			slog.Warn("skipping PR line with bad number", "line", excerpt(line))
			return PRRecord{}, false
		}
		task := rawString(fields["task"])
		record := PRRecord{
			PRNumber: num,
			TaskID:   task,
			Title:    rawString(fields["title"]),
			Status:   domain.PRMerged,
		}
		if step, ok := rawInt(fields["step"]); ok {
			record.StepNumber = &step
		} else {
			record.StepNumber = domain.StepNumberFromTask(task)
		}
		if merged := rawString(fields["merged"]); merged != "" {
			if ts, err := ParseTimestamp(merged); err == nil {
				record.MergedAt = &ts
			}
		}
		return record, true
	}

	slog.Debug("skipping PR line of unknown shape", "line", excerpt(line))
	return PRRecord{}, false
}

// ParseHistoryPRs parses history-prs.jsonl, deduplicating by PR number.
// The first occurrence of a PR number wins.
func ParseHistoryPRs(path string) ([]PRRecord, error) {
	seen := make(map[int]bool)
	var records []PRRecord

	err := forEachLine(path, func(line string) {
		record, ok := decodePRLine(line)
		if !ok || seen[record.PRNumber] {
			return
		}
		seen[record.PRNumber] = true
		records = append(records, record)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

type stateDoc struct {
	PRs map[string]struct {
		Task   string `json:"task"`
		Status string `json:"status"`
	} `json:"prs"`
	Completed    []string `json:"completed"`
	CurrentState string   `json:"current_state"`
	StepNumber   *int     `json:"step_number"`
}

// ParseState parses state.json. A missing file yields nil.
func ParseState(path string) (*StateSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Warn("skipping malformed state snapshot", "path", path, "err", err)
		return nil, nil
	}

	snap := &StateSnapshot{
		CompletedTasks: doc.Completed,
		CurrentState:   doc.CurrentState,
		CurrentStep:    doc.StepNumber,
	}
	for key, info := range doc.PRs {
		num, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			slog.Warn("skipping snapshot PR with bad number", "key", key)
			continue
		}
		snap.PRs = append(snap.PRs, PRRecord{
			PRNumber:   num,
			TaskID:     info.Task,
			StepNumber: domain.StepNumberFromTask(info.Task),
			Status:     prStatus(info.Status, domain.PRUnknown),
		})
	}
	sort.Slice(snap.PRs, func(i, j int) bool { return snap.PRs[i].PRNumber < snap.PRs[j].PRNumber })

	steps := make(map[int]bool)
	for _, task := range doc.Completed {
		if sn := domain.StepNumberFromTask(task); sn != nil && !steps[*sn] {
			steps[*sn] = true
			snap.StepNumbers = append(snap.StepNumbers, *sn)
		}
	}
	sort.Ints(snap.StepNumbers)
	return snap, nil
}

// ParseStructured parses history.jsonl, history-prs.jsonl and state.json from
// orderDir. Any of them may be missing. PRs from the snapshot are added only
// when the PR logs don't already know their number.
func ParseStructured(orderDir string) (*StructuredData, error) {
	result := &StructuredData{}

	transitions, err := ParseHistory(filepath.Join(orderDir, HistoryFile))
	if err != nil {
		return nil, err
	}
	result.Transitions = transitions

	prs, err := ParseHistoryPRs(filepath.Join(orderDir, HistoryPRsFile))
	if err != nil {
		return nil, err
	}
	result.PRs = prs

	snap, err := ParseState(filepath.Join(orderDir, StateFile))
	if err != nil {
		return nil, err
	}
	if snap != nil {
		known := make(map[int]bool, len(result.PRs))
		for _, pr := range result.PRs {
			known[pr.PRNumber] = true
		}
		for _, pr := range snap.PRs {
			if !known[pr.PRNumber] {
				result.PRs = append(result.PRs, pr)
			}
		}
		result.CompletedTasks = snap.CompletedTasks
		result.StepNumbers = snap.StepNumbers
		result.CurrentState = snap.CurrentState
		result.CurrentStep = snap.CurrentStep
	}

	return result, nil
}
