package builtin

import (
	"testing"
	"time"
)

func TestFormatUptime(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{2 * time.Minute, "2m"},
		{90 * time.Second, "1m 30s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h 2m 3s"},
		{25 * time.Hour, "25h"},
		{-time.Minute, "0s"},
	}
	for _, tc := range cases {
		if got := formatUptime(tc.in); got != tc.want {
			t.Errorf("formatUptime(%s) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStateEmoji(t *testing.T) {
	cases := map[string]string{
		"running":  "✅",
		"stopped":  "⏹️",
		"starting": "🔄",
		"stopping": "⏳",
		"error":    "❌",
		"bogus":    "❓",
	}
	for state, want := range cases {
		if got := stateEmoji(state); got != want {
			t.Errorf("stateEmoji(%q) = %q, want %q", state, got, want)
		}
	}
}

func TestClip(t *testing.T) {
	if got := clip("short", 50); got != "short" {
		t.Errorf("clip should keep short strings, got %q", got)
	}
	if got := clip("abcdef", 3); got != "abc" {
		t.Errorf("clip(abcdef, 3) = %q", got)
	}
	// Multibyte text must not be cut mid-rune.
	if got := clip("приветик", 6); got != "привет" {
		t.Errorf("clip on cyrillic = %q", got)
	}
}

func TestGroupDigits(t *testing.T) {
	cases := map[int64]string{
		0:        "0",
		7:        "7",
		999:      "999",
		1000:     "1,000",
		1234567:  "1,234,567",
		-9876543: "-9,876,543",
	}
	for in, want := range cases {
		if got := groupDigits(in); got != want {
			t.Errorf("groupDigits(%d) = %q, want %q", in, got, want)
		}
	}
}
