// Package ingest merges the parsed ORDER artifacts into one history graph and
// keeps the stored graph in sync with the source directory.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hochfrequenz/order-history/internal/domain"
	"github.com/hochfrequenz/order-history/internal/parser"
)

// GraphWriter persists a complete graph atomically
type GraphWriter interface {
	ReplaceGraph(ctx context.Context, g *domain.Graph) error
}

// Ingester runs full ingestion passes for one ORDER directory
type Ingester struct {
	OrderDir string
	Project  string
	Store    GraphWriter
	Logger   *slog.Logger
}

func (i *Ingester) logger() *slog.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return slog.Default()
}

// Run builds the graph from scratch and replaces the stored one with it
func (i *Ingester) Run(ctx context.Context) (domain.Counts, error) {
	g, err := Build(i.OrderDir, i.Project)
	if err != nil {
		return domain.Counts{}, fmt.Errorf("building graph: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return domain.Counts{}, err
	}
	if err := i.Store.ReplaceGraph(ctx, g); err != nil {
		return domain.Counts{}, fmt.Errorf("storing graph: %w", err)
	}

	counts := g.Counts()
	i.logger().Info("ingest complete",
		"runs", counts.Runs,
		"steps", counts.Steps,
		"transitions", counts.Transitions,
		"prs", counts.PullRequests,
		"handoffs", counts.Handoffs,
		"arbiter_events", counts.ArbiterEvents,
	)
	return counts, nil
}

// builder accumulates one pass. Every entity gets a sequential ID as it is added.
type builder struct {
	g      *domain.Graph
	steps  map[int]*domain.Step
	titles map[int]string

	completedTasks map[int][]string
}

func newBuilder() *builder {
	return &builder{
		g:              &domain.Graph{},
		steps:          make(map[int]*domain.Step),
		titles:         make(map[int]string),
		completedTasks: make(map[int][]string),
	}
}

func (b *builder) addStep(step *domain.Step) *domain.Step {
	step.ID = int64(len(b.g.Steps) + 1)
	b.g.Steps = append(b.g.Steps, step)
	b.steps[step.StepNumber] = step
	return step
}

func (b *builder) addTransition(t *domain.Transition) *domain.Transition {
	t.ID = int64(len(b.g.Transitions) + 1)
	t.IsSelfTransition = domain.IsSelfTransition(t.FromState, t.ToState)
	b.g.Transitions = append(b.g.Transitions, t)
	return t
}

func (b *builder) addRun(r *domain.Run) *domain.Run {
	r.ID = int64(len(b.g.Runs) + 1)
	b.g.Runs = append(b.g.Runs, r)
	return r
}

func (b *builder) stepID(number *int) *int64 {
	if number == nil {
		return nil
	}
	if step, ok := b.steps[*number]; ok {
		id := step.ID
		return &id
	}
	return nil
}

func (b *builder) learnTitles(titles map[int]string) {
	for n, title := range titles {
		if _, ok := b.titles[n]; !ok && title != "" {
			b.titles[n] = title
		}
	}
}

// Build runs one full ingestion pass over orderDir. It reads the sources
// only; nothing is persisted.
func Build(orderDir, project string) (*domain.Graph, error) {
	b := newBuilder()

	handoffs, err := parser.ParseHandoffs(orderDir)
	if err != nil {
		return nil, fmt.Errorf("parsing handoffs: %w", err)
	}
	b.applyHandoffs(handoffs)

	structured, err := parser.ParseStructured(orderDir)
	if err != nil {
		return nil, fmt.Errorf("parsing structured records: %w", err)
	}
	b.applyStructured(structured)

	stepLogs, err := parser.ParseStepLogs(orderDir)
	if err != nil {
		return nil, fmt.Errorf("parsing step logs: %w", err)
	}
	for i := range stepLogs {
		b.applyStepLog(&stepLogs[i])
	}
	b.rebindPullRequests()

	runLogs, err := parser.ParseRunLogs(orderDir)
	if err != nil {
		return nil, fmt.Errorf("parsing run logs: %w", err)
	}
	for i := range runLogs {
		b.applyRunLog(&runLogs[i], project)
	}
	b.assignOrphans()
	b.computeRunCounters()

	b.enrichSteps()
	return b.g, nil
}

// stage 1: every handoff creates its step
func (b *builder) applyHandoffs(records []*parser.HandoffRecord) {
	for _, h := range records {
		if _, exists := b.steps[h.StepNumber]; exists {
			slog.Warn("skipping duplicate handoff", "step", h.StepNumber, "file", h.FilePath)
			continue
		}

		status := domain.StepCompleted
		if h.Status != "" {
			status = domain.StepStatus(h.Status)
		}
		step := &domain.Step{
			StepNumber:     h.StepNumber,
			Title:          h.Title,
			Phase:          h.Phase,
			Status:         status,
			TasksCompleted: h.TasksCompleted,
			HandoffFile:    h.FilePath,
		}
		if len(h.PRsMergedNumbers) > 0 {
			step.PRsMerged = jsonList(h.PRsMergedNumbers)
		}
		b.addStep(step)

		b.g.Handoffs = append(b.g.Handoffs, &domain.Handoff{
			ID:             int64(len(b.g.Handoffs) + 1),
			StepID:         step.ID,
			StepNumber:     h.StepNumber,
			KeyDecisions:   h.KeyDecisions,
			Tradeoffs:      h.Tradeoffs,
			KnownRisks:     h.KnownRisks,
			Learnings:      h.Learnings,
			Followups:      h.Followups,
			NextStepNumber: h.NextStepNumber,
			NextStepTitle:  h.NextStepTitle,
		})
	}
}

// stage 2: structured records add steps, unowned transitions and PRs
func (b *builder) applyStructured(data *parser.StructuredData) {
	for _, n := range data.StepNumbers {
		if _, exists := b.steps[n]; !exists {
			b.addStep(&domain.Step{StepNumber: n, Status: domain.StepCompleted})
		}
	}
	for _, task := range data.CompletedTasks {
		if n := domain.StepNumberFromTask(task); n != nil {
			b.completedTasks[*n] = append(b.completedTasks[*n], task)
		}
	}

	for _, t := range data.Transitions {
		b.addTransition(&domain.Transition{
			Timestamp:    t.Timestamp,
			FromState:    t.FromState,
			ToState:      t.ToState,
			Note:         t.Note,
			DurationSecs: t.DurationSecs,
		})
	}

	for _, pr := range data.PRs {
		b.g.PullRequests = append(b.g.PullRequests, &domain.PullRequest{
			ID:         int64(len(b.g.PullRequests) + 1),
			StepID:     b.stepID(pr.StepNumber),
			PRNumber:   pr.PRNumber,
			TaskID:     pr.TaskID,
			StepNumber: pr.StepNumber,
			Title:      pr.Title,
			Status:     pr.Status,
			MergedAt:   pr.MergedAt,
		})
	}
}

// logStepStatus is the status of a step known only from its log. Steps
// without an explicit halt count as completed.
func logStepStatus(sl *parser.StepLog) domain.StepStatus {
	if sl.Halted && !sl.Completed {
		return domain.StepHalted
	}
	return domain.StepCompleted
}

// stage 3: step logs enrich steps, add transitions, dispatches and arbiter events
func (b *builder) applyStepLog(sl *parser.StepLog) {
	b.learnTitles(sl.Titles)

	step, exists := b.steps[sl.StepNumber]
	if !exists {
		step = b.addStep(&domain.Step{StepNumber: sl.StepNumber, Status: logStepStatus(sl)})
	}

	// Earlier, more authoritative sources win
	if step.Title == "" {
		step.Title = sl.Title
	}
	if step.StartedAt == nil {
		step.StartedAt = sl.StartedAt
	}
	if step.EndedAt == nil {
		step.EndedAt = sl.EndedAt
	}
	if step.FinalState == "" {
		step.FinalState = sl.FinalState
	}
	if step.FinalVerdict == "" {
		step.FinalVerdict = sl.FinalVerdict
	}
	if step.LogFile == "" {
		step.LogFile = sl.LogFile
	}

	stepID := step.ID
	owned := make([]*domain.Transition, 0, len(sl.Transitions))
	for _, lt := range sl.Transitions {
		owned = append(owned, b.addTransition(&domain.Transition{
			StepID:       &stepID,
			Timestamp:    lt.Timestamp,
			FromState:    lt.FromState,
			ToState:      lt.ToState,
			Verdict:      lt.Verdict,
			DurationSecs: lt.DurationSecs,
			LogLevel:     lt.Level,
			Message:      lt.Message,
		}))
	}
	sort.SliceStable(owned, func(i, j int) bool { return owned[i].Timestamp.Before(owned[j].Timestamp) })

	correlateDispatches(sl.Dispatches, owned)

	for _, ae := range sl.ArbiterEvents {
		b.g.ArbiterEvents = append(b.g.ArbiterEvents, &domain.ArbiterEvent{
			ID:           int64(len(b.g.ArbiterEvents) + 1),
			StepID:       &stepID,
			TransitionID: precedingTransition(owned, ae.Timestamp),
			Attempt:      ae.Attempt,
			MaxAttempts:  ae.MaxAttempts,
			Verdict:      ae.Verdict,
			PRNumber:     ae.PRNumber,
		})
	}
}

// rebindPullRequests attaches PRs whose step only appeared in the logs
func (b *builder) rebindPullRequests() {
	for _, pr := range b.g.PullRequests {
		if pr.StepID == nil {
			pr.StepID = b.stepID(pr.StepNumber)
		}
	}
}

// orderedSteps returns the steps by step number
func (b *builder) orderedSteps() []*domain.Step {
	steps := append([]*domain.Step(nil), b.g.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })
	return steps
}

// stage 4: one run per run log; steps are claimed by time, then by membership
func (b *builder) applyRunLog(rr *parser.RunRecord, project string) {
	b.learnTitles(rr.Titles)

	run := b.addRun(&domain.Run{
		Project:   project,
		LogFile:   rr.LogFile,
		StartedAt: rr.StartedAt,
		EndedAt:   rr.EndedAt,
		Status:    rr.Status,
	})
	runID := run.ID

	for _, step := range b.orderedSteps() {
		if step.RunID == nil && step.StartedAt != nil && run.Contains(*step.StartedAt) {
			id := runID
			step.RunID = &id
		}
	}
	for _, n := range rr.StepNumbers {
		if step, ok := b.steps[n]; ok && step.RunID == nil {
			id := runID
			step.RunID = &id
		}
	}
}

// stage 5: remaining steps go to the latest run that started before them
func (b *builder) assignOrphans() {
	var runs []*domain.Run
	for _, r := range b.g.Runs {
		if r.StartedAt != nil {
			runs = append(runs, r)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return wallClock(*runs[i].StartedAt).Before(wallClock(*runs[j].StartedAt))
	})

	for _, step := range b.orderedSteps() {
		if step.RunID != nil || step.StartedAt == nil {
			continue
		}
		start := wallClock(*step.StartedAt)
		var best *domain.Run
		for _, r := range runs {
			if wallClock(*r.StartedAt).After(start) {
				break
			}
			best = r
		}
		if best != nil {
			id := best.ID
			step.RunID = &id
		}
	}
}

// stage 6: run counters always reflect the final assignment
func (b *builder) computeRunCounters() {
	byID := make(map[int64]*domain.Run, len(b.g.Runs))
	for _, r := range b.g.Runs {
		r.StepsAttempted, r.StepsCompleted, r.StepsFailed = 0, 0, 0
		byID[r.ID] = r
	}
	for _, step := range b.g.Steps {
		if step.RunID == nil {
			continue
		}
		r, ok := byID[*step.RunID]
		if !ok {
			continue
		}
		r.StepsAttempted++
		switch {
		case step.Status == domain.StepCompleted:
			r.StepsCompleted++
		case step.Status.IsFailure():
			r.StepsFailed++
		}
	}
}

// enrichSteps fills titles, PR lists and task counters that no earlier stage set
func (b *builder) enrichSteps() {
	opened := make(map[int64][]int)
	merged := make(map[int64][]int)
	tasks := make(map[int64]map[string]bool)
	for _, pr := range b.g.PullRequests {
		if pr.StepID == nil {
			continue
		}
		id := *pr.StepID
		opened[id] = append(opened[id], pr.PRNumber)
		if pr.Status == domain.PRMerged {
			merged[id] = append(merged[id], pr.PRNumber)
		}
		if pr.TaskID != "" {
			if tasks[id] == nil {
				tasks[id] = make(map[string]bool)
			}
			tasks[id][pr.TaskID] = true
		}
	}

	for _, step := range b.g.Steps {
		if step.Title == "" {
			step.Title = b.titles[step.StepNumber]
		}
		if step.PRsOpened == "" && len(opened[step.ID]) > 0 {
			step.PRsOpened = jsonList(opened[step.ID])
		}
		if step.PRsMerged == "" && len(merged[step.ID]) > 0 {
			step.PRsMerged = jsonList(merged[step.ID])
		}

		done := b.completedTasks[step.StepNumber]
		if step.TasksCompleted == 0 {
			step.TasksCompleted = len(done)
		}
		seen := tasks[step.ID]
		if seen == nil {
			seen = make(map[string]bool)
		}
		for _, task := range done {
			seen[task] = true
		}
		step.TasksTotal = max(step.TasksTotal, len(seen), step.TasksCompleted)
	}
}

func jsonList(numbers []int) string {
	sorted := append([]int(nil), numbers...)
	sort.Ints(sorted)
	data, err := json.Marshal(sorted)
	if err != nil {
		return "[]"
	}
	return string(data)
}
