package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/order-history/internal/domain"
	"github.com/hochfrequenz/order-history/internal/historystore"
	"github.com/hochfrequenz/order-history/internal/livestream"
)

// Store is the read side of the history database
type Store interface {
	ListRuns(ctx context.Context) ([]*domain.Run, error)
	GetRun(ctx context.Context, id int64) (*domain.Run, error)
	ListRunSteps(ctx context.Context, runID int64) ([]*domain.Step, error)
	GetRunStep(ctx context.Context, runID int64, number int) (*domain.Step, error)
	ListSteps(ctx context.Context) ([]*domain.Step, error)
	GetStep(ctx context.Context, number int) (*domain.Step, error)
	ListTransitions(ctx context.Context, stepID int64) ([]*domain.Transition, error)
	ListArbiterEvents(ctx context.Context, stepID int64) ([]*domain.ArbiterEvent, error)
	GetHandoff(ctx context.Context, stepID int64) (*domain.Handoff, error)
	Totals(ctx context.Context) (*historystore.Totals, error)
	SelfTransitionsByState(ctx context.Context) (map[string]int, error)
	StateDurations(ctx context.Context, states []string) (map[string][]float64, error)
	ArbiterCountsByStep(ctx context.Context) (map[int64]int, error)
}

// Options configures the live endpoints and CORS
type Options struct {
	StatePath   string
	Keepalive   time.Duration
	CORSOrigins []string
	Logger      *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	store     Store
	live      *livestream.Broadcaster
	statePath string
	keepalive time.Duration
	origins   []string
	logger    *slog.Logger
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(store Store, live *livestream.Broadcaster, opts Options) *Server {
	if opts.Keepalive <= 0 {
		opts.Keepalive = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		store:     store,
		live:      live,
		statePath: opts.StatePath,
		keepalive: opts.Keepalive,
		origins:   opts.CORSOrigins,
		logger:    opts.Logger,
		mux:       http.NewServeMux(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Live
	s.mux.HandleFunc("GET /api/live/events", s.liveEventsHandler())
	s.mux.HandleFunc("GET /api/live/ws", s.liveWebSocketHandler())
	s.mux.HandleFunc("GET /api/live/status", s.liveStatusHandler())
	s.mux.HandleFunc("GET /api/live/snapshot", s.liveSnapshotHandler())

	// Runs and steps
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/steps", s.listRunStepsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/steps/{number}", s.stepDetailHandler)
	s.mux.HandleFunc("GET /api/runs/{id}/steps/{number}/transitions", s.transitionsHandler)
	s.mux.HandleFunc("GET /api/runs/{id}/steps/{number}/handoff", s.handoffHandler)
	s.mux.HandleFunc("GET /api/steps/{number}", s.stepDetailHandler)
	s.mux.HandleFunc("GET /api/steps/{number}/transitions", s.transitionsHandler)
	s.mux.HandleFunc("GET /api/steps/{number}/handoff", s.handoffHandler)

	// Stats
	s.mux.HandleFunc("GET /api/stats", s.statsHandler())
	s.mux.HandleFunc("GET /api/stats/overview", s.statsOverviewHandler())
	s.mux.HandleFunc("GET /api/stats/state-durations", s.stateDurationsHandler())
	s.mux.HandleFunc("GET /api/stats/duration-trend", s.durationTrendHandler())
	s.mux.HandleFunc("GET /api/stats/failure-breakdown", s.failureBreakdownHandler())
	s.mux.HandleFunc("GET /api/stats/recent-failures", s.recentFailuresHandler())
}

// Handler returns the routes wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.cors(s.mux)
}

func (s *Server) allowedOrigin(origin string) bool {
	return slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)
}

// checkOrigin admits WebSocket handshakes from same-origin clients and the
// configured CORS origins
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host || s.allowedOrigin(origin)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.allowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("serving", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	// live streams only end when their subscriptions close
	s.live.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"detail": message})
}
