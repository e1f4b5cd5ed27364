package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/order-history/internal/config"
	"github.com/hochfrequenz/order-history/internal/domain"
	"github.com/hochfrequenz/order-history/internal/historystore"
	"github.com/hochfrequenz/order-history/internal/ingest"
	"github.com/hochfrequenz/order-history/internal/livestream"
	"github.com/hochfrequenz/order-history/internal/stats"
	"github.com/hochfrequenz/order-history/tui"
	"github.com/hochfrequenz/order-history/web/api"
)

var (
	servePort  int
	stepsRunID int64
	noIngest   bool
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Ingest, watch for changes and serve the API with the live feed",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&noIngest, "no-ingest", false, "serve the existing database without watching the ORDER directory")
	rootCmd.AddCommand(serveCmd)

	// ingest command
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Rebuild the history database once",
		RunE:  runIngest,
	}
	rootCmd.AddCommand(ingestCmd)

	// runs command
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List ingested runs",
		RunE:  runRuns,
	}
	rootCmd.AddCommand(runsCmd)

	// steps command
	stepsCmd := &cobra.Command{
		Use:   "steps",
		Short: "List ingested steps",
		RunE:  runSteps,
	}
	stepsCmd.Flags().Int64Var(&stepsRunID, "run", 0, "only steps of this run")
	rootCmd.AddCommand(stepsCmd)

	// step command
	stepCmd := &cobra.Command{
		Use:   "step NUMBER",
		Short: "Show one step with its transitions",
		Args:  cobra.ExactArgs(1),
		RunE:  runStep,
	}
	rootCmd.AddCommand(stepCmd)

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the terminal dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

// eventsFile reports the events file to tail, if either an explicit events
// file or an ORDER directory is configured
func eventsFile(cfg *config.Config) (string, bool) {
	if cfg.Live.EventsFile == "" && cfg.General.OrderDir == "" {
		return "", false
	}
	return cfg.EventsPath(), true
}

func openStore(cfg *config.Config) (*historystore.Store, error) {
	store, err := historystore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.General.DatabasePath, err)
	}
	return store, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	orderDir, err := cfg.RequireOrderDir()
	if err != nil && !noIngest {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	live := livestream.NewBroadcaster(
		livestream.WithBufferSize(cfg.Live.BufferSize),
		livestream.WithQueueSize(cfg.Live.QueueSize),
		livestream.WithLogger(logger.With("component", "live")),
	)
	server := api.NewServer(store, live, api.Options{
		StatePath:   cfg.StatePath(),
		Keepalive:   cfg.Live.Keepalive.Duration,
		CORSOrigins: cfg.Web.CORSOrigins,
		Logger:      logger.With("component", "api"),
	})

	g, ctx := errgroup.WithContext(ctx)

	if !noIngest {
		ingester := &ingest.Ingester{
			OrderDir: orderDir,
			Project:  cfg.ProjectName(),
			Store:    store,
			Logger:   logger.With("component", "ingest"),
		}
		watcher := ingest.NewWatcher(orderDir, cfg.Ingest.PollInterval.Duration, ingester,
			logger.With("component", "ingest-watcher"))
		g.Go(func() error { return watcher.Run(ctx) })
	}

	// live events are independent of ingest
	if path, ok := eventsFile(cfg); ok {
		tail := livestream.NewFileWatcher(path, cfg.Live.PollInterval.Duration, live,
			logger.With("component", "events"))
		g.Go(func() error { return tail.Run(ctx) })
	}

	g.Go(func() error {
		if err := server.Start(ctx, cfg.Addr()); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	fmt.Printf("Serving ORDER history on http://%s\n", cfg.Addr())
	return g.Wait()
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orderDir, err := cfg.RequireOrderDir()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ingester := &ingest.Ingester{
		OrderDir: orderDir,
		Project:  cfg.ProjectName(),
		Store:    store,
	}
	start := time.Now()
	counts, err := ingester.Run(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Ingested %s in %s\n", orderDir, time.Since(start).Round(time.Millisecond))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  runs\t%s\n", humanize.Comma(int64(counts.Runs)))
	fmt.Fprintf(w, "  steps\t%s\n", humanize.Comma(int64(counts.Steps)))
	fmt.Fprintf(w, "  transitions\t%s\n", humanize.Comma(int64(counts.Transitions)))
	fmt.Fprintf(w, "  pull requests\t%s\n", humanize.Comma(int64(counts.PullRequests)))
	fmt.Fprintf(w, "  handoffs\t%s\n", humanize.Comma(int64(counts.Handoffs)))
	fmt.Fprintf(w, "  arbiter events\t%s\n", humanize.Comma(int64(counts.ArbiterEvents)))
	return w.Flush()
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(cmd.Context())
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs ingested yet (try 'order-history ingest')")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tSTATUS\tSTEPS\tDONE\tFAILED\tLOG")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, when(r.StartedAt), span(r.StartedAt, r.EndedAt), orDash(string(r.Status)),
			r.StepsAttempted, r.StepsCompleted, r.StepsFailed, r.LogFile)
	}
	return w.Flush()
}

func runSteps(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var steps []*domain.Step
	if stepsRunID != 0 {
		if _, err := store.GetRun(cmd.Context(), stepsRunID); err != nil {
			if errors.Is(err, historystore.ErrNotFound) {
				return fmt.Errorf("run %d not found", stepsRunID)
			}
			return err
		}
		steps, err = store.ListRunSteps(cmd.Context(), stepsRunID)
	} else {
		steps, err = store.ListSteps(cmd.Context())
	}
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		fmt.Println("No steps found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tRUN\tSTATUS\tDURATION\tFINAL STATE\tTASKS\tTITLE")
	for _, st := range steps {
		run := "-"
		if st.RunID != nil {
			run = strconv.FormatInt(*st.RunID, 10)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			st.StepNumber, run, st.Status, span(st.StartedAt, st.EndedAt), orDash(st.FinalState),
			st.TasksCompleted, st.TasksTotal, truncate(st.Title, 50))
	}
	return w.Flush()
}

func runStep(cmd *cobra.Command, args []string) error {
	number, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid step number %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	step, err := store.GetStep(ctx, number)
	if err != nil {
		if errors.Is(err, historystore.ErrNotFound) {
			return fmt.Errorf("step %d not found", number)
		}
		return err
	}
	transitions, err := store.ListTransitions(ctx, step.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Step %d: %s\n", step.StepNumber, orDash(step.Title))
	fmt.Printf("Status:   %s (%s)\n", step.Status, orDash(step.FinalVerdict))
	fmt.Printf("Started:  %s\n", when(step.StartedAt))
	fmt.Printf("Duration: %s\n", span(step.StartedAt, step.EndedAt))
	fmt.Printf("Tasks:    %d/%d\n\n", step.TasksCompleted, step.TasksTotal)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tFROM\tTO\tDURATION\tDISPATCH")
	for _, t := range transitions {
		dur := "-"
		if t.DurationSecs != nil {
			dur = (time.Duration(*t.DurationSecs * float64(time.Second))).Round(time.Second).String()
		}
		dispatch := "-"
		if t.DispatchSkill != "" {
			dispatch = t.DispatchSkill
			if t.DispatchDurationSecs != nil {
				dispatch += fmt.Sprintf(" (%.0fs)", *t.DispatchDurationSecs)
			}
		}
		self := ""
		if t.IsSelfTransition {
			self = " ↺"
		}
		fmt.Fprintf(w, "%s\t%s\t%s%s\t%s\t%s\n",
			t.Timestamp.Format("2006-01-02 15:04:05"), orDash(t.FromState), t.ToState, self, dur, dispatch)
	}
	return w.Flush()
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// the dashboard owns the terminal, so logs go nowhere
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	var events <-chan livestream.Event
	if cfg.General.OrderDir != "" || cfg.Live.EventsFile != "" {
		live := livestream.NewBroadcaster(livestream.WithLogger(quiet))
		defer live.Close()
		sub := live.Subscribe(nil)
		events = sub.Events

		tail := livestream.NewFileWatcher(cfg.EventsPath(), cfg.Live.PollInterval.Duration, live, quiet)
		go tail.Run(ctx)
	}

	model := tui.NewModel(tui.ModelConfig{
		Loader: historyLoader(store),
		Events: events,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// historyLoader reads what the dashboard shows from the store
func historyLoader(store *historystore.Store) tui.Loader {
	return func(ctx context.Context) (tui.Snapshot, error) {
		runs, err := store.ListRuns(ctx)
		if err != nil {
			return tui.Snapshot{}, err
		}
		steps, err := store.ListSteps(ctx)
		if err != nil {
			return tui.Snapshot{}, err
		}
		totals, err := store.Totals(ctx)
		if err != nil {
			return tui.Snapshot{}, err
		}
		arbiter, err := store.ArbiterCountsByStep(ctx)
		if err != nil {
			return tui.Snapshot{}, err
		}
		return tui.Snapshot{
			Runs:     runs,
			Steps:    steps,
			Overview: stats.BuildOverview(totals, steps),
			Failures: stats.RecentFailures(steps, arbiter, 50),
		}, nil
	}
}

func when(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}

func span(start, end *time.Time) string {
	if start == nil || end == nil {
		return "-"
	}
	return end.Sub(*start).Round(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
