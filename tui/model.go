// Package tui is a terminal dashboard over the ingested history and the live
// event feed.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/order-history/internal/domain"
	"github.com/hochfrequenz/order-history/internal/livestream"
	"github.com/hochfrequenz/order-history/internal/stats"
)

const (
	tabRuns = iota
	tabSteps
	tabFailures
	tabLive
	tabCount
)

// maxLiveEvents is how many live events the Live tab keeps
const maxLiveEvents = 100

// Snapshot is one load of the stored history
type Snapshot struct {
	Runs     []*domain.Run
	Steps    []*domain.Step
	Overview stats.Overview
	Failures []stats.RecentFailure
}

// Loader reads the current history
type Loader func(ctx context.Context) (Snapshot, error)

// Model is the TUI application model
type Model struct {
	// Data
	data Snapshot
	live []livestream.Event

	loader  Loader
	events  <-chan livestream.Event
	refresh time.Duration

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	scroll      int

	lastRefresh time.Time
	loadErr     error
	liveClosed  bool
}

// ModelConfig holds the model's data sources
type ModelConfig struct {
	Loader Loader
	// Events is the live feed; nil leaves the Live tab empty
	Events  <-chan livestream.Event
	Refresh time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Refresh <= 0 {
		cfg.Refresh = 5 * time.Second
	}
	return Model{
		loader:  cfg.Loader,
		events:  cfg.Events,
		refresh: cfg.Refresh,
	}
}

// Init loads the history and starts listening for live events
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.loadCmd(),
		waitForEvent(m.events),
	)
}

// TickMsg triggers a reload
type TickMsg time.Time

// DataMsg carries a finished load
type DataMsg struct {
	Snapshot Snapshot
	Err      error
}

// LiveEventMsg carries one live event; a closed feed sends ok=false
type LiveEventMsg struct {
	Event livestream.Event
	OK    bool
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) loadCmd() tea.Cmd {
	loader := m.loader
	return func() tea.Msg {
		if loader == nil {
			return DataMsg{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snap, err := loader(ctx)
		return DataMsg{Snapshot: snap, Err: err}
	}
}

func waitForEvent(events <-chan livestream.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		return LiveEventMsg{Event: ev, OK: ok}
	}
}
