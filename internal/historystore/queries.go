package historystore

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/hochfrequenz/order-history/internal/domain"
)

// scanner is satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, project, log_file, started_at, ended_at, status, steps_attempted, steps_completed, steps_failed`

func scanRun(sc scanner) (*domain.Run, error) {
	var r domain.Run
	var status string
	if err := sc.Scan(&r.ID, &r.Project, &r.LogFile, &r.StartedAt, &r.EndedAt, &status,
		&r.StepsAttempted, &r.StepsCompleted, &r.StepsFailed); err != nil {
		return nil, err
	}
	r.Status = domain.RunStatus(status)
	return &r, nil
}

const stepColumns = `id, run_id, step_number, title, phase, started_at, ended_at, final_state, final_verdict,
	status, tasks_total, tasks_completed, prs_opened, prs_merged, handoff_file, log_file`

func scanStep(sc scanner) (*domain.Step, error) {
	var st domain.Step
	var status string
	var title, phase, finalState, finalVerdict, prsOpened, prsMerged, handoffFile, logFile sql.NullString
	if err := sc.Scan(&st.ID, &st.RunID, &st.StepNumber, &title, &phase, &st.StartedAt, &st.EndedAt,
		&finalState, &finalVerdict, &status, &st.TasksTotal, &st.TasksCompleted,
		&prsOpened, &prsMerged, &handoffFile, &logFile); err != nil {
		return nil, err
	}
	st.Status = domain.StepStatus(status)
	st.Title = title.String
	st.Phase = phase.String
	st.FinalState = finalState.String
	st.FinalVerdict = finalVerdict.String
	st.PRsOpened = prsOpened.String
	st.PRsMerged = prsMerged.String
	st.HandoffFile = handoffFile.String
	st.LogFile = logFile.String
	return &st, nil
}

const transitionColumns = `id, step_id, timestamp, from_state, to_state, verdict, duration_secs, log_level,
	message, note, dispatch_skill, dispatch_duration_secs, dispatch_content, is_self_transition`

func scanTransition(sc scanner) (*domain.Transition, error) {
	var t domain.Transition
	var from, verdict, level, message, note, skill, content sql.NullString
	if err := sc.Scan(&t.ID, &t.StepID, &t.Timestamp, &from, &t.ToState, &verdict, &t.DurationSecs,
		&level, &message, &note, &skill, &t.DispatchDurationSecs, &content, &t.IsSelfTransition); err != nil {
		return nil, err
	}
	t.FromState = from.String
	t.Verdict = verdict.String
	t.LogLevel = level.String
	t.Message = message.String
	t.Note = note.String
	t.DispatchSkill = skill.String
	t.DispatchContent = content.String
	return &t, nil
}

func collect[T any](rows *sql.Rows, scan func(scanner) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ListRuns returns all runs, most recent first
func (s *Store) ListRuns(ctx context.Context) ([]*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRun)
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, id int64) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	return run, notFound(err)
}

// ListSteps returns every step ordered by step number
func (s *Store) ListSteps(ctx context.Context) ([]*domain.Step, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps ORDER BY step_number`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanStep)
}

// ListRunSteps returns the steps assigned to a run ordered by step number
func (s *Store) ListRunSteps(ctx context.Context, runID int64) ([]*domain.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY step_number`, runID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanStep)
}

// GetStep retrieves a step by its step number
func (s *Store) GetStep(ctx context.Context, number int) (*domain.Step, error) {
	step, err := scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE step_number = ? ORDER BY id LIMIT 1`, number))
	return step, notFound(err)
}

// GetRunStep retrieves a step by number within one run
func (s *Store) GetRunStep(ctx context.Context, runID int64, number int) (*domain.Step, error) {
	step, err := scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND step_number = ? ORDER BY id LIMIT 1`, runID, number))
	return step, notFound(err)
}

// ListTransitions returns a step's transitions in timestamp order
func (s *Store) ListTransitions(ctx context.Context, stepID int64) ([]*domain.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transitionColumns+` FROM transitions WHERE step_id = ? ORDER BY timestamp, id`, stepID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTransition)
}

// ListArbiterEvents returns a step's arbiter events in the order they were recorded
func (s *Store) ListArbiterEvents(ctx context.Context, stepID int64) ([]*domain.ArbiterEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step_id, transition_id, attempt, max_attempts, verdict, pr_number
		FROM arbiter_events WHERE step_id = ? ORDER BY id
	`, stepID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(sc scanner) (*domain.ArbiterEvent, error) {
		var a domain.ArbiterEvent
		var verdict sql.NullString
		if err := sc.Scan(&a.ID, &a.StepID, &a.TransitionID, &a.Attempt, &a.MaxAttempts, &verdict, &a.PRNumber); err != nil {
			return nil, err
		}
		a.Verdict = verdict.String
		return &a, nil
	})
}

// ListPullRequests returns the PRs bound to a step ordered by PR number
func (s *Store) ListPullRequests(ctx context.Context, stepID int64) ([]*domain.PullRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step_id, pr_number, task_id, step_number, title, status, merged_at
		FROM pull_requests WHERE step_id = ? ORDER BY pr_number
	`, stepID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(sc scanner) (*domain.PullRequest, error) {
		var pr domain.PullRequest
		var task, title sql.NullString
		var status string
		if err := sc.Scan(&pr.ID, &pr.StepID, &pr.PRNumber, &task, &pr.StepNumber, &title, &status, &pr.MergedAt); err != nil {
			return nil, err
		}
		pr.TaskID = task.String
		pr.Title = title.String
		pr.Status = domain.PRStatus(status)
		return &pr, nil
	})
}

// GetHandoff retrieves the handoff of a step
func (s *Store) GetHandoff(ctx context.Context, stepID int64) (*domain.Handoff, error) {
	var h domain.Handoff
	var decisions, tradeoffs, risks, learnings, followups, nextTitle sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, step_id, step_number, key_decisions, tradeoffs, known_risks, learnings, followups,
			next_step_number, next_step_title
		FROM handoffs WHERE step_id = ?
	`, stepID).Scan(&h.ID, &h.StepID, &h.StepNumber, &decisions, &tradeoffs, &risks, &learnings, &followups,
		&h.NextStepNumber, &nextTitle)
	if err != nil {
		return nil, notFound(err)
	}
	h.KeyDecisions = decisions.String
	h.Tradeoffs = tradeoffs.String
	h.KnownRisks = risks.String
	h.Learnings = learnings.String
	h.Followups = followups.String
	h.NextStepTitle = nextTitle.String
	return &h, nil
}

// Counts returns the number of stored entities of each kind
func (s *Store) Counts(ctx context.Context) (domain.Counts, error) {
	var c domain.Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM runs),
			(SELECT COUNT(*) FROM steps),
			(SELECT COUNT(*) FROM transitions),
			(SELECT COUNT(*) FROM pull_requests),
			(SELECT COUNT(*) FROM handoffs),
			(SELECT COUNT(*) FROM arbiter_events)
	`).Scan(&c.Runs, &c.Steps, &c.Transitions, &c.PullRequests, &c.Handoffs, &c.ArbiterEvents)
	return c, err
}

// Totals holds the aggregate figures behind the stats overview
type Totals struct {
	domain.Counts
	StepsCompleted       int
	StepsFailed          int
	SelfTransitions      int
	PRsMerged            int // distinct PR numbers
	AvgDispatchSecs      *float64
	ArbiterVerdicts      map[string]int
	ArbiterStepsResolved int
	ArbiterStepsHalted   int
}

// Totals computes the aggregate figures behind the stats overview
func (s *Store) Totals(ctx context.Context) (*Totals, error) {
	counts, err := s.Counts(ctx)
	if err != nil {
		return nil, err
	}
	t := &Totals{Counts: counts, ArbiterVerdicts: make(map[string]int)}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM steps WHERE status = ?),
			(SELECT COUNT(*) FROM steps WHERE status IN (?, ?)),
			(SELECT COUNT(*) FROM transitions WHERE is_self_transition),
			(SELECT COUNT(DISTINCT pr_number) FROM pull_requests WHERE status = ?),
			(SELECT AVG(dispatch_duration_secs) FROM transitions WHERE dispatch_duration_secs IS NOT NULL),
			(SELECT COUNT(*) FROM steps WHERE status = ? AND id IN (SELECT step_id FROM arbiter_events)),
			(SELECT COUNT(*) FROM steps WHERE status IN (?, ?) AND id IN (SELECT step_id FROM arbiter_events))
	`,
		string(domain.StepCompleted),
		string(domain.StepFailed), string(domain.StepHalted),
		string(domain.PRMerged),
		string(domain.StepCompleted),
		string(domain.StepFailed), string(domain.StepHalted),
	).Scan(&t.StepsCompleted, &t.StepsFailed, &t.SelfTransitions, &t.PRsMerged, &t.AvgDispatchSecs,
		&t.ArbiterStepsResolved, &t.ArbiterStepsHalted)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT verdict, COUNT(*) FROM arbiter_events WHERE verdict IS NOT NULL GROUP BY verdict`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var verdict string
		var n int
		if err := rows.Scan(&verdict, &n); err != nil {
			return nil, err
		}
		t.ArbiterVerdicts[verdict] = n
	}
	return t, rows.Err()
}

// SelfTransitionsByState counts self-transitions per state
func (s *Store) SelfTransitionsByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT to_state, COUNT(*) FROM transitions WHERE is_self_transition GROUP BY to_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// StateDurations returns the recorded durations of non-self transitions into
// each of the given states
func (s *Store) StateDurations(ctx context.Context, states []string) (map[string][]float64, error) {
	out := make(map[string][]float64, len(states))
	if len(states) == 0 {
		return out, nil
	}

	args := make([]any, len(states))
	for i, st := range states {
		args[i] = st
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")

	rows, err := s.db.QueryContext(ctx, `
		SELECT to_state, duration_secs FROM transitions
		WHERE to_state IN (`+placeholders+`)
			AND duration_secs IS NOT NULL
			AND NOT is_self_transition
		ORDER BY id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var secs float64
		if err := rows.Scan(&state, &secs); err != nil {
			return nil, err
		}
		out[state] = append(out[state], secs)
	}
	return out, rows.Err()
}

// ArbiterCountsByStep counts arbiter events per step ID
func (s *Store) ArbiterCountsByStep(ctx context.Context) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, COUNT(*) FROM arbiter_events WHERE step_id IS NOT NULL GROUP BY step_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}
