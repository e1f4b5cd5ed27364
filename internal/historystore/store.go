package historystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hochfrequenz/order-history/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence of the history graph
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath. ":memory:" opens a
// private in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if dbPath != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// ReplaceGraph atomically swaps the stored graph for g. Readers see either the
// previous graph or g, never a mix. On error nothing is changed.
func (s *Store) ReplaceGraph(ctx context.Context, g *domain.Graph) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rebuild: %w", err)
	}
	defer tx.Rollback()

	for _, table := range deleteOrder {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	inserts := []struct {
		name string
		fn   func(context.Context, *sql.Tx, *domain.Graph) error
	}{
		{"runs", insertRuns},
		{"steps", insertSteps},
		{"handoffs", insertHandoffs},
		{"transitions", insertTransitions},
		{"arbiter_events", insertArbiterEvents},
		{"pull_requests", insertPullRequests},
	}
	for _, ins := range inserts {
		if err := ins.fn(ctx, tx, g); err != nil {
			return fmt.Errorf("inserting %s: %w", ins.name, err)
		}
	}

	return tx.Commit()
}

func insertRuns(ctx context.Context, tx *sql.Tx, g *domain.Graph) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO runs (id, project, log_file, started_at, ended_at, status, steps_attempted, steps_completed, steps_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range g.Runs {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Project, r.LogFile, r.StartedAt, r.EndedAt, string(r.Status),
			r.StepsAttempted, r.StepsCompleted, r.StepsFailed,
		); err != nil {
			return fmt.Errorf("run %s: %w", r.LogFile, err)
		}
	}
	return nil
}

func insertSteps(ctx context.Context, tx *sql.Tx, g *domain.Graph) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO steps (id, run_id, step_number, title, phase, started_at, ended_at, final_state, final_verdict,
			status, tasks_total, tasks_completed, prs_opened, prs_merged, handoff_file, log_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range g.Steps {
		if _, err := stmt.ExecContext(ctx,
			st.ID, st.RunID, st.StepNumber, nullString(st.Title), nullString(st.Phase),
			st.StartedAt, st.EndedAt, nullString(st.FinalState), nullString(st.FinalVerdict),
			string(st.Status), st.TasksTotal, st.TasksCompleted,
			nullString(st.PRsOpened), nullString(st.PRsMerged),
			nullString(st.HandoffFile), nullString(st.LogFile),
		); err != nil {
			return fmt.Errorf("step %d: %w", st.StepNumber, err)
		}
	}
	return nil
}

func insertHandoffs(ctx context.Context, tx *sql.Tx, g *domain.Graph) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO handoffs (id, step_id, step_number, key_decisions, tradeoffs, known_risks, learnings, followups,
			next_step_number, next_step_title)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, h := range g.Handoffs {
		if _, err := stmt.ExecContext(ctx,
			h.ID, h.StepID, h.StepNumber, h.KeyDecisions, h.Tradeoffs, h.KnownRisks, h.Learnings, h.Followups,
			h.NextStepNumber, nullString(h.NextStepTitle),
		); err != nil {
			return fmt.Errorf("handoff for step %d: %w", h.StepNumber, err)
		}
	}
	return nil
}

func insertTransitions(ctx context.Context, tx *sql.Tx, g *domain.Graph) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transitions (id, step_id, timestamp, from_state, to_state, verdict, duration_secs, log_level,
			message, note, dispatch_skill, dispatch_duration_secs, dispatch_content, is_self_transition)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range g.Transitions {
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.StepID, t.Timestamp, nullString(t.FromState), t.ToState, nullString(t.Verdict),
			t.DurationSecs, nullString(t.LogLevel), nullString(t.Message), nullString(t.Note),
			nullString(t.DispatchSkill), t.DispatchDurationSecs, nullString(t.DispatchContent),
			t.IsSelfTransition,
		); err != nil {
			return err
		}
	}
	return nil
}

func insertArbiterEvents(ctx context.Context, tx *sql.Tx, g *domain.Graph) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO arbiter_events (id, step_id, transition_id, attempt, max_attempts, verdict, pr_number)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range g.ArbiterEvents {
		if _, err := stmt.ExecContext(ctx,
			a.ID, a.StepID, a.TransitionID, a.Attempt, a.MaxAttempts, nullString(a.Verdict), a.PRNumber,
		); err != nil {
			return err
		}
	}
	return nil
}

func insertPullRequests(ctx context.Context, tx *sql.Tx, g *domain.Graph) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pull_requests (id, step_id, pr_number, task_id, step_number, title, status, merged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, pr := range g.PullRequests {
		if _, err := stmt.ExecContext(ctx,
			pr.ID, pr.StepID, pr.PRNumber, nullString(pr.TaskID), pr.StepNumber, nullString(pr.Title),
			string(pr.Status), pr.MergedAt,
		); err != nil {
			return fmt.Errorf("PR #%d: %w", pr.PRNumber, err)
		}
	}
	return nil
}
