package parser

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		in string
		ok bool
	}{
		{"2026-03-01T10:00:00Z", true},
		{"2026-03-01T10:00:00", true},
		{"2026-03-01 10:00:00", true},
		{" 2026-03-01T10:00:00Z ", true},
		{"yesterday", false},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseTimestamp(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && !got.Equal(want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, want)
		}
	}
}

func TestExcerpt_KeepsRunesWhole(t *testing.T) {
	short := "Arbiter: PASS"
	if got := excerpt(short); got != short {
		t.Errorf("excerpt(%q) = %q", short, got)
	}

	// byte 100 falls inside the three-byte box-drawing rune
	long := strings.Repeat("a", 99) + "────" + strings.Repeat("b", 20)
	got := excerpt(long)
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt produced invalid UTF-8: %q", got)
	}
	if want := strings.Repeat("a", 99) + "..."; got != want {
		t.Errorf("excerpt = %q, want %q", got, want)
	}
}
