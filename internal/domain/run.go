package domain

import "time"

// Run represents a single invocation of the orchestrator, read from one
// order-run log file
type Run struct {
	ID             int64
	Project        string
	LogFile        string
	StartedAt      *time.Time
	EndedAt        *time.Time
	Status         RunStatus
	StepsAttempted int
	StepsCompleted int
	StepsFailed    int
}

// Contains reports whether t falls within the run's [start, end] window
func (r *Run) Contains(t time.Time) bool {
	if r.StartedAt == nil || r.EndedAt == nil {
		return false
	}
	return !t.Before(*r.StartedAt) && !t.After(*r.EndedAt)
}

// Step is one numbered unit of orchestrated work
type Step struct {
	ID             int64
	RunID          *int64
	StepNumber     int
	Title          string
	Phase          string
	StartedAt      *time.Time
	EndedAt        *time.Time
	FinalState     string
	FinalVerdict   string
	Status         StepStatus
	TasksTotal     int
	TasksCompleted int
	PRsOpened      string // JSON array of PR numbers
	PRsMerged      string // JSON array of PR numbers
	HandoffFile    string
	LogFile        string
}

// Duration returns the wall time between start and end, if both are known
func (s *Step) Duration() (time.Duration, bool) {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0, false
	}
	return s.EndedAt.Sub(*s.StartedAt), true
}

// Transition is one observed state change
type Transition struct {
	ID                   int64
	StepID               *int64
	Timestamp            time.Time
	FromState            string // empty for the first transition of a sequence
	ToState              string
	Verdict              string
	DurationSecs         *float64
	LogLevel             string
	Message              string
	Note                 string
	DispatchSkill        string
	DispatchDurationSecs *float64
	DispatchContent      string
	IsSelfTransition     bool
}

// IsSelfTransition reports whether a change from one state to another is a
// self-transition. An absent from-state never is.
func IsSelfTransition(from, to string) bool {
	return from != "" && from == to
}

// ArbiterEvent is one retry/escalation attempt
type ArbiterEvent struct {
	ID           int64
	StepID       *int64
	TransitionID *int64
	Attempt      *int
	MaxAttempts  *int
	Verdict      string
	PRNumber     *int
}

// PullRequest represents a pull request recorded by the orchestrator
type PullRequest struct {
	ID         int64
	StepID     *int64
	PRNumber   int
	TaskID     string
	StepNumber *int
	Title      string
	Status     PRStatus
	MergedAt   *time.Time
}

// Handoff is the authoritative end-of-step summary
type Handoff struct {
	ID             int64
	StepID         int64
	StepNumber     int
	KeyDecisions   string // JSON
	Tradeoffs      string // JSON
	KnownRisks     string // JSON
	Learnings      string // JSON
	Followups      string // JSON
	NextStepNumber *int
	NextStepTitle  string
}
