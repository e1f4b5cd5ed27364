package ingest

import (
	"time"

	"github.com/hochfrequenz/order-history/internal/domain"
	"github.com/hochfrequenz/order-history/internal/parser"
)

// DispatchWindow bounds how far a dispatch start may lie from the transition
// it is attached to
const DispatchWindow = 600 * time.Second

// wallClock drops the zone offset so that naive and zoned timestamps compare
// on their written clock value
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func within(a, b time.Time, window time.Duration) bool {
	d := wallClock(a).Sub(wallClock(b))
	if d < 0 {
		d = -d
	}
	return d < window
}

// correlateDispatches attaches each timed dispatch to the first unmatched
// transition within DispatchWindow. transitions must be in timestamp order.
// Dispatches are taken in file order and a transition is used at most once.
func correlateDispatches(dispatches []parser.DispatchBlock, transitions []*domain.Transition) int {
	used := make([]bool, len(transitions))
	matched := 0
	for _, d := range dispatches {
		if d.DurationSecs == nil || d.StartedAt == nil {
			continue
		}
		for i, t := range transitions {
			if used[i] || !within(t.Timestamp, *d.StartedAt, DispatchWindow) {
				continue
			}
			used[i] = true
			secs := *d.DurationSecs
			t.DispatchSkill = d.Skill
			t.DispatchDurationSecs = &secs
			t.DispatchContent = d.Content
			matched++
			break
		}
	}
	return matched
}

// precedingTransition returns the ID of the latest transition at or before at.
// transitions must be in timestamp order.
func precedingTransition(transitions []*domain.Transition, at time.Time) *int64 {
	if at.IsZero() {
		return nil
	}
	var found *int64
	for _, t := range transitions {
		if wallClock(t.Timestamp).After(wallClock(at)) {
			break
		}
		id := t.ID
		found = &id
	}
	return found
}
