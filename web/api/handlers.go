package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/order-history/internal/domain"
	"github.com/hochfrequenz/order-history/internal/historystore"
)

// RunResponse is the API response for a run
type RunResponse struct {
	ID             int64      `json:"id"`
	Project        *string    `json:"project"`
	LogFile        *string    `json:"log_file"`
	StartedAt      *time.Time `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at"`
	StepsAttempted int        `json:"steps_attempted"`
	StepsCompleted int        `json:"steps_completed"`
	StepsFailed    int        `json:"steps_failed"`
	Status         *string    `json:"status"`
}

// StepResponse is the API response for a step in a list
type StepResponse struct {
	ID             int64      `json:"id"`
	RunID          *int64     `json:"run_id"`
	StepNumber     int        `json:"step_number"`
	Title          *string    `json:"title"`
	Phase          *string    `json:"phase"`
	StartedAt      *time.Time `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at"`
	FinalState     *string    `json:"final_state"`
	FinalVerdict   *string    `json:"final_verdict"`
	Status         *string    `json:"status"`
	TasksTotal     int        `json:"tasks_total"`
	TasksCompleted int        `json:"tasks_completed"`
	PRsOpened      *string    `json:"prs_opened"`
	PRsMerged      *string    `json:"prs_merged"`
	HandoffFile    *string    `json:"handoff_file"`
}

// StepDetailResponse is a step with its transitions and arbiter events
type StepDetailResponse struct {
	StepResponse
	Transitions   []TransitionResponse   `json:"transitions"`
	ArbiterEvents []ArbiterEventResponse `json:"arbiter_events"`
}

// TransitionResponse is the API response for a transition
type TransitionResponse struct {
	ID                   int64     `json:"id"`
	StepID               *int64    `json:"step_id"`
	Timestamp            time.Time `json:"timestamp"`
	FromState            *string   `json:"from_state"`
	ToState              string    `json:"to_state"`
	Verdict              *string   `json:"verdict"`
	DurationSecs         *float64  `json:"duration_secs"`
	LogLevel             *string   `json:"log_level"`
	Message              *string   `json:"message"`
	Note                 *string   `json:"note"`
	DispatchSkill        *string   `json:"dispatch_skill"`
	DispatchDurationSecs *float64  `json:"dispatch_duration_secs"`
	DispatchContent      *string   `json:"dispatch_content"`
	IsSelfTransition     bool      `json:"is_self_transition"`
}

// ArbiterEventResponse is the API response for an arbiter event
type ArbiterEventResponse struct {
	ID           int64   `json:"id"`
	StepID       *int64  `json:"step_id"`
	TransitionID *int64  `json:"transition_id"`
	Attempt      *int    `json:"attempt"`
	MaxAttempts  *int    `json:"max_attempts"`
	Verdict      *string `json:"verdict"`
	PRNumber     *int    `json:"pr_number"`
}

// HandoffResponse is the API response for a handoff
type HandoffResponse struct {
	ID             int64   `json:"id"`
	StepID         int64   `json:"step_id"`
	StepNumber     int     `json:"step_number"`
	KeyDecisions   *string `json:"key_decisions"`
	Tradeoffs      *string `json:"tradeoffs"`
	KnownRisks     *string `json:"known_risks"`
	Learnings      *string `json:"learnings"`
	Followups      *string `json:"followups"`
	NextStepNumber *int    `json:"next_step_number"`
	NextStepTitle  *string `json:"next_step_title"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func runToResponse(r *domain.Run) RunResponse {
	return RunResponse{
		ID:             r.ID,
		Project:        optional(r.Project),
		LogFile:        optional(r.LogFile),
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
		StepsAttempted: r.StepsAttempted,
		StepsCompleted: r.StepsCompleted,
		StepsFailed:    r.StepsFailed,
		Status:         optional(string(r.Status)),
	}
}

func stepToResponse(st *domain.Step) StepResponse {
	return StepResponse{
		ID:             st.ID,
		RunID:          st.RunID,
		StepNumber:     st.StepNumber,
		Title:          optional(st.Title),
		Phase:          optional(st.Phase),
		StartedAt:      st.StartedAt,
		EndedAt:        st.EndedAt,
		FinalState:     optional(st.FinalState),
		FinalVerdict:   optional(st.FinalVerdict),
		Status:         optional(string(st.Status)),
		TasksTotal:     st.TasksTotal,
		TasksCompleted: st.TasksCompleted,
		PRsOpened:      optional(st.PRsOpened),
		PRsMerged:      optional(st.PRsMerged),
		HandoffFile:    optional(st.HandoffFile),
	}
}

func transitionToResponse(t *domain.Transition) TransitionResponse {
	return TransitionResponse{
		ID:                   t.ID,
		StepID:               t.StepID,
		Timestamp:            t.Timestamp,
		FromState:            optional(t.FromState),
		ToState:              t.ToState,
		Verdict:              optional(t.Verdict),
		DurationSecs:         t.DurationSecs,
		LogLevel:             optional(t.LogLevel),
		Message:              optional(t.Message),
		Note:                 optional(t.Note),
		DispatchSkill:        optional(t.DispatchSkill),
		DispatchDurationSecs: t.DispatchDurationSecs,
		DispatchContent:      optional(t.DispatchContent),
		IsSelfTransition:     t.IsSelfTransition,
	}
}

func arbiterEventToResponse(a *domain.ArbiterEvent) ArbiterEventResponse {
	return ArbiterEventResponse{
		ID:           a.ID,
		StepID:       a.StepID,
		TransitionID: a.TransitionID,
		Attempt:      a.Attempt,
		MaxAttempts:  a.MaxAttempts,
		Verdict:      optional(a.Verdict),
		PRNumber:     a.PRNumber,
	}
}

func handoffToResponse(h *domain.Handoff) HandoffResponse {
	return HandoffResponse{
		ID:             h.ID,
		StepID:         h.StepID,
		StepNumber:     h.StepNumber,
		KeyDecisions:   optional(h.KeyDecisions),
		Tradeoffs:      optional(h.Tradeoffs),
		KnownRisks:     optional(h.KnownRisks),
		Learnings:      optional(h.Learnings),
		Followups:      optional(h.Followups),
		NextStepNumber: h.NextStepNumber,
		NextStepTitle:  optional(h.NextStepTitle),
	}
}

// pathInt reads an integer path parameter, writing a 422 when it isn't one
func pathInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid "+name)
		return 0, false
	}
	return v, true
}

// storeError maps a store error onto a response, with notFound as the 404 detail
func storeError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, historystore.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.store.ListRuns(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]RunResponse, len(runs))
		for i, run := range runs {
			resp[i] = runToResponse(run)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathInt(w, r, "id")
		if !ok {
			return
		}
		run, err := s.store.GetRun(r.Context(), id)
		if err != nil {
			storeError(w, err, "Run not found")
			return
		}
		writeJSON(w, runToResponse(run))
	}
}

func (s *Server) listRunStepsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathInt(w, r, "id")
		if !ok {
			return
		}
		if _, err := s.store.GetRun(r.Context(), id); err != nil {
			storeError(w, err, "Run not found")
			return
		}
		steps, err := s.store.ListRunSteps(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]StepResponse, len(steps))
		for i, st := range steps {
			resp[i] = stepToResponse(st)
		}
		writeJSON(w, resp)
	}
}

// lookupStep resolves the step named by the request path, with or without a run
func (s *Server) lookupStep(w http.ResponseWriter, r *http.Request) (*domain.Step, bool) {
	number, ok := pathInt(w, r, "number")
	if !ok {
		return nil, false
	}

	var step *domain.Step
	var err error
	if r.PathValue("id") != "" {
		runID, ok := pathInt(w, r, "id")
		if !ok {
			return nil, false
		}
		step, err = s.store.GetRunStep(r.Context(), runID, int(number))
	} else {
		step, err = s.store.GetStep(r.Context(), int(number))
	}
	if err != nil {
		storeError(w, err, "Step not found")
		return nil, false
	}
	return step, true
}

func (s *Server) stepDetail(ctx context.Context, step *domain.Step) (StepDetailResponse, error) {
	transitions, err := s.store.ListTransitions(ctx, step.ID)
	if err != nil {
		return StepDetailResponse{}, err
	}
	events, err := s.store.ListArbiterEvents(ctx, step.ID)
	if err != nil {
		return StepDetailResponse{}, err
	}

	detail := StepDetailResponse{
		StepResponse:  stepToResponse(step),
		Transitions:   make([]TransitionResponse, len(transitions)),
		ArbiterEvents: make([]ArbiterEventResponse, len(events)),
	}
	for i, t := range transitions {
		detail.Transitions[i] = transitionToResponse(t)
	}
	for i, a := range events {
		detail.ArbiterEvents[i] = arbiterEventToResponse(a)
	}
	return detail, nil
}

func (s *Server) stepDetailHandler(w http.ResponseWriter, r *http.Request) {
	step, ok := s.lookupStep(w, r)
	if !ok {
		return
	}
	detail, err := s.stepDetail(r.Context(), step)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, detail)
}

func (s *Server) transitionsHandler(w http.ResponseWriter, r *http.Request) {
	step, ok := s.lookupStep(w, r)
	if !ok {
		return
	}
	transitions, err := s.store.ListTransitions(r.Context(), step.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]TransitionResponse, len(transitions))
	for i, t := range transitions {
		resp[i] = transitionToResponse(t)
	}
	writeJSON(w, resp)
}

func (s *Server) handoffHandler(w http.ResponseWriter, r *http.Request) {
	step, ok := s.lookupStep(w, r)
	if !ok {
		return
	}
	handoff, err := s.store.GetHandoff(r.Context(), step.ID)
	if err != nil {
		storeError(w, err, "Handoff not found for this step")
		return
	}
	writeJSON(w, handoffToResponse(handoff))
}
