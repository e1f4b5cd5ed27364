// Package stats derives duration and failure statistics from the stored
// history graph.
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/hochfrequenz/order-history/internal/domain"
	"github.com/hochfrequenz/order-history/internal/historystore"
)

// TargetStates are the orchestrator states reported in duration stats, in
// pipeline order
var TargetStates = []string{
	"CREATE_SPEC",
	"REVIEW_SPEC",
	"PLAN_WORK",
	"EXECUTE_TASKS",
	"MERGE_PRS",
	"VERIFY_COMPLETION",
	"HANDOFF",
}

// arbiterSuccessVerdicts are verdicts that mean the arbiter resolved the problem
var arbiterSuccessVerdicts = map[string]bool{
	"FIXED":            true,
	"FIXED.":           true,
	"TASKS_COMPLETE":   true,
	"TASKS_COMPLETE.":  true,
	"HANDOFF_WRITTEN":  true,
	"HANDOFF_WRITTEN.": true,
}

// Percentile returns the pct-th percentile of sorted using linear
// interpolation between closest ranks. An empty slice yields 0.
func Percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	k := float64(len(sorted)-1) * (pct / 100)
	f, c := math.Floor(k), math.Ceil(k)
	if f == c {
		return sorted[int(k)]
	}
	return sorted[int(f)]*(c-k) + sorted[int(c)]*(k-f)
}

// Summary describes a set of durations in seconds
type Summary struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
}

// Summarize computes average, median and 95th percentile of values
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return Summary{
		Avg: sum / float64(len(sorted)),
		P50: Percentile(sorted, 50),
		P95: Percentile(sorted, 95),
	}
}

// StateDurations summarizes per-state samples. Every target state is present
// in the result; states without samples are all zero.
func StateDurations(samples map[string][]float64) map[string]Summary {
	out := make(map[string]Summary, len(TargetStates))
	for _, state := range TargetStates {
		out[state] = Summarize(samples[state])
	}
	return out
}

// Overview is the dashboard headline figures
type Overview struct {
	TotalRuns                 int      `json:"total_runs"`
	TotalSteps                int      `json:"total_steps"`
	Completed                 int      `json:"completed"`
	Failed                    int      `json:"failed"`
	PassRate                  float64  `json:"pass_rate"`
	AvgStepDurationSecs       *float64 `json:"avg_step_duration_secs"`
	AvgDispatchDurationSecs   *float64 `json:"avg_dispatch_duration_secs"`
	TotalPRs                  int      `json:"total_prs"`
	TotalPRsMerged            int      `json:"total_prs_merged"`
	TotalTransitions          int      `json:"total_transitions"`
	TotalSelfTransitions      int      `json:"total_self_transitions"`
	TotalHandoffs             int      `json:"total_handoffs"`
	TotalArbiterInterventions int      `json:"total_arbiter_interventions"`
	ArbiterSuccessRate        float64  `json:"arbiter_success_rate"`
}

// BuildOverview combines stored totals with the step list
func BuildOverview(t *historystore.Totals, steps []*domain.Step) Overview {
	o := Overview{
		TotalRuns:                 t.Runs,
		TotalSteps:                t.Steps,
		Completed:                 t.StepsCompleted,
		Failed:                    t.StepsFailed,
		AvgDispatchDurationSecs:   t.AvgDispatchSecs,
		TotalPRs:                  t.PullRequests,
		TotalPRsMerged:            t.PRsMerged,
		TotalTransitions:          t.Transitions,
		TotalSelfTransitions:      t.SelfTransitions,
		TotalHandoffs:             t.Handoffs,
		TotalArbiterInterventions: t.ArbiterEvents,
	}
	if t.Steps > 0 {
		o.PassRate = float64(t.StepsCompleted) / float64(t.Steps)
	}

	var total time.Duration
	var n int
	for _, st := range steps {
		if d, ok := st.Duration(); ok {
			total += d
			n++
		}
	}
	if n > 0 {
		avg := total.Seconds() / float64(n)
		o.AvgStepDurationSecs = &avg
	}

	if t.ArbiterEvents > 0 {
		var resolved int
		for verdict, count := range t.ArbiterVerdicts {
			if arbiterSuccessVerdicts[verdict] {
				resolved += count
			}
		}
		o.ArbiterSuccessRate = float64(resolved) / float64(t.ArbiterEvents)
	}
	return o
}

// TrendPoint is one step on the duration trend
type TrendPoint struct {
	Step         int               `json:"step"`
	Title        string            `json:"title"`
	DurationSecs *float64          `json:"duration_secs"`
	Status       domain.StepStatus `json:"status"`
}

// DurationTrend lists step durations in step order
func DurationTrend(steps []*domain.Step) []TrendPoint {
	points := make([]TrendPoint, 0, len(steps))
	for _, st := range steps {
		p := TrendPoint{Step: st.StepNumber, Title: st.Title, Status: st.Status}
		if d, ok := st.Duration(); ok {
			secs := d.Seconds()
			p.DurationSecs = &secs
		}
		points = append(points, p)
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Step < points[j].Step })
	return points
}

// FailureBreakdown groups failed steps by where and why they stopped
type FailureBreakdown struct {
	ByState                map[string]int `json:"by_state"`
	ByVerdict              map[string]int `json:"by_verdict"`
	SelfTransitionsByState map[string]int `json:"self_transitions_by_state"`
	ArbiterInterventions   int            `json:"arbiter_interventions"`
	ArbiterResolved        int            `json:"arbiter_resolved"`
	ArbiterHalted          int            `json:"arbiter_halted"`
}

// BuildFailureBreakdown derives the breakdown from the step list and totals
func BuildFailureBreakdown(steps []*domain.Step, selfByState map[string]int, t *historystore.Totals) FailureBreakdown {
	b := FailureBreakdown{
		ByState:                make(map[string]int),
		ByVerdict:              make(map[string]int),
		SelfTransitionsByState: selfByState,
		ArbiterInterventions:   t.ArbiterEvents,
		ArbiterResolved:        t.ArbiterStepsResolved,
		ArbiterHalted:          t.ArbiterStepsHalted,
	}
	if b.SelfTransitionsByState == nil {
		b.SelfTransitionsByState = make(map[string]int)
	}
	for _, st := range steps {
		if !st.Status.IsFailure() {
			continue
		}
		if st.FinalState != "" {
			b.ByState[st.FinalState]++
		}
		if st.FinalVerdict != "" {
			b.ByVerdict[st.FinalVerdict]++
		}
	}
	return b
}

// RecentFailure is one failed step, most recent first
type RecentFailure struct {
	Step            int        `json:"step"`
	Title           string     `json:"title"`
	State           string     `json:"state"`
	Verdict         string     `json:"verdict"`
	ArbiterAttempts int        `json:"arbiter_attempts"`
	Timestamp       *time.Time `json:"timestamp"`
}

// RecentFailures returns up to limit failed steps ordered by end time,
// latest first. Steps without an end time sort last.
func RecentFailures(steps []*domain.Step, arbiterCounts map[int64]int, limit int) []RecentFailure {
	var failed []*domain.Step
	for _, st := range steps {
		if st.Status.IsFailure() {
			failed = append(failed, st)
		}
	}
	sort.SliceStable(failed, func(i, j int) bool {
		a, b := failed[i].EndedAt, failed[j].EndedAt
		if a == nil || b == nil {
			return a != nil
		}
		return a.After(*b)
	})
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}

	out := make([]RecentFailure, 0, len(failed))
	for _, st := range failed {
		out = append(out, RecentFailure{
			Step:            st.StepNumber,
			Title:           st.Title,
			State:           st.FinalState,
			Verdict:         st.FinalVerdict,
			ArbiterAttempts: arbiterCounts[st.ID],
			Timestamp:       st.EndedAt,
		})
	}
	return out
}
