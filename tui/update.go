package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.loadCmd()
		case "j", "down":
			if m.selectedRow < m.rowCount()-1 {
				m.selectedRow++
			}
			if m.selectedRow >= m.scroll+m.visibleRows() {
				m.scroll = m.selectedRow - m.visibleRows() + 1
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
			if m.selectedRow < m.scroll {
				m.scroll = m.selectedRow
			}
		case "g":
			m.selectedRow, m.scroll = 0, 0
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow, m.scroll = 0, 0
		case "shift+tab":
			m.activeTab = (m.activeTab + tabCount - 1) % tabCount
			m.selectedRow, m.scroll = 0, 0
		case "1", "2", "3", "4":
			m.activeTab = int(msg.String()[0] - '1')
			m.selectedRow, m.scroll = 0, 0
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, m.loadCmd()

	case DataMsg:
		m.lastRefresh = time.Now()
		m.loadErr = msg.Err
		if msg.Err == nil {
			m.data = msg.Snapshot
		}
		if m.selectedRow >= m.rowCount() {
			m.selectedRow = max(m.rowCount()-1, 0)
		}
		return m, tickCmd(m.refresh)

	case LiveEventMsg:
		if !msg.OK {
			m.liveClosed = true
			return m, nil
		}
		m.live = append(m.live, msg.Event)
		if len(m.live) > maxLiveEvents {
			m.live = m.live[len(m.live)-maxLiveEvents:]
		}
		return m, waitForEvent(m.events)
	}

	return m, nil
}

func (m Model) rowCount() int {
	switch m.activeTab {
	case tabRuns:
		return len(m.data.Runs)
	case tabSteps:
		return len(m.data.Steps)
	case tabFailures:
		return len(m.data.Failures)
	case tabLive:
		return len(m.live)
	}
	return 0
}

// visibleRows is the list height left after header, tabs, borders and status bar
func (m Model) visibleRows() int {
	return max(m.height-8, 5)
}
