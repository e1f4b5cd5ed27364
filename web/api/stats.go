package api

import (
	"net/http"
	"strconv"

	"github.com/hochfrequenz/order-history/internal/stats"
)

// StatsResponse is the API response for headline counts
type StatsResponse struct {
	TotalSteps           int `json:"total_steps"`
	Completed            int `json:"completed"`
	Failed               int `json:"failed"`
	TotalPRs             int `json:"total_prs"`
	TotalTransitions     int `json:"total_transitions"`
	TotalSelfTransitions int `json:"total_self_transitions"`
	TotalArbiterEvents   int `json:"total_arbiter_events"`
	TotalHandoffs        int `json:"total_handoffs"`
	TotalRuns            int `json:"total_runs"`
}

const defaultRecentFailures = 20

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.store.Totals(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, StatsResponse{
			TotalSteps:           t.Steps,
			Completed:            t.StepsCompleted,
			Failed:               t.StepsFailed,
			TotalPRs:             t.PullRequests,
			TotalTransitions:     t.Transitions,
			TotalSelfTransitions: t.SelfTransitions,
			TotalArbiterEvents:   t.ArbiterEvents,
			TotalHandoffs:        t.Handoffs,
			TotalRuns:            t.Runs,
		})
	}
}

func (s *Server) statsOverviewHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.store.Totals(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		steps, err := s.store.ListSteps(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, stats.BuildOverview(t, steps))
	}
}

func (s *Server) stateDurationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		samples, err := s.store.StateDurations(r.Context(), stats.TargetStates)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, stats.StateDurations(samples))
	}
}

func (s *Server) durationTrendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		steps, err := s.store.ListSteps(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, stats.DurationTrend(steps))
	}
}

func (s *Server) failureBreakdownHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		steps, err := s.store.ListSteps(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		self, err := s.store.SelfTransitionsByState(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		t, err := s.store.Totals(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, stats.BuildFailureBreakdown(steps, self, t))
	}
}

func (s *Server) recentFailuresHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultRecentFailures
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusUnprocessableEntity, "invalid limit")
				return
			}
			limit = n
		}

		steps, err := s.store.ListSteps(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		counts, err := s.store.ArbiterCountsByStep(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, stats.RecentFailures(steps, counts, limit))
	}
}
