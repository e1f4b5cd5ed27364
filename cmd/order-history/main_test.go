package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/order-history/internal/config"
)

func TestSetupLogging(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", "error"} {
		if err := setupLogging(level); err != nil {
			t.Errorf("setupLogging(%q) = %v", level, err)
		}
	}
	if err := setupLogging("loud"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestSpan(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90*time.Minute + 400*time.Millisecond)

	if got := span(&start, &end); got != "1h30m0s" {
		t.Errorf("span = %q, want 1h30m0s", got)
	}
	if got := span(&start, nil); got != "-" {
		t.Errorf("open span = %q, want -", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"Combat Replay Storage", 10, "Combat ..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestEventsFile(t *testing.T) {
	orderDir := t.TempDir()
	tests := []struct {
		name       string
		orderDir   string
		eventsFile string
		want       string
		wantOK     bool
	}{
		{"nothing configured", "", "", "", false},
		{"order dir only", orderDir, "", filepath.Join(orderDir, "events.jsonl"), true},
		{"explicit file without order dir", "", "/var/run/order/events.jsonl", "/var/run/order/events.jsonl", true},
		{"explicit file wins", orderDir, "/tmp/other.jsonl", "/tmp/other.jsonl", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.General.OrderDir = tt.orderDir
			cfg.Live.EventsFile = tt.eventsFile
			got, ok := eventsFile(cfg)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("eventsFile = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
