package horoscope

import (
	"strings"
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	valid := []struct {
		in           string
		hour, minute int
	}{
		{"08:00", 8, 0},
		{"0:5", 0, 5},
		{"23:59", 23, 59},
	}
	for _, tc := range valid {
		hour, minute, err := parseClock(tc.in)
		if err != nil {
			t.Errorf("parseClock(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if hour != tc.hour || minute != tc.minute {
			t.Errorf("parseClock(%q) = %d:%d, want %d:%d", tc.in, hour, minute, tc.hour, tc.minute)
		}
	}

	for _, in := range []string{"", "8", "24:00", "12:60", "-1:30", "ab:cd", "12.30"} {
		if _, _, err := parseClock(in); err == nil {
			t.Errorf("parseClock(%q): expected error, got nil", in)
		}
	}
}

func TestFormatDaily(t *testing.T) {
	sign, _ := SignByName("scorpio")
	day := time.Date(2026, time.November, 1, 0, 0, 0, 0, time.UTC)
	got := formatDaily(sign, "Trust your instincts.", day)

	for _, want := range []string{
		"♏ <b>Scorpio - November 1, 2026</b>",
		"Trust your instincts.",
		"<i>Have a wonderful day!</i> ✨",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("formatted message missing %q:\n%s", want, got)
		}
	}
}

// TestSignKeyboard verifies the 4x3 grid and that every button's
// callback data round-trips through SignByName.
func TestSignKeyboard(t *testing.T) {
	kb := signKeyboard("sign")
	if len(kb.InlineKeyboard) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(kb.InlineKeyboard))
	}
	count := 0
	for _, row := range kb.InlineKeyboard {
		if len(row) != 3 {
			t.Fatalf("expected 3 buttons per row, got %d", len(row))
		}
		for _, btn := range row {
			rest, ok := strings.CutPrefix(btn.CallbackData, "horoscope:sign:")
			if !ok {
				t.Fatalf("unexpected callback data %q", btn.CallbackData)
			}
			if _, found := SignByName(rest); !found {
				t.Errorf("callback data %q does not resolve to a sign", btn.CallbackData)
			}
			count++
		}
	}
	if count != len(Signs) {
		t.Errorf("keyboard has %d buttons, want %d", count, len(Signs))
	}
}

// TestSignKeyboard_SubscribeAction verifies the delivery time survives
// inside the callback data within Telegram's 64-byte limit.
func TestSignKeyboard_SubscribeAction(t *testing.T) {
	kb := signKeyboard("sub:08:30")
	for _, row := range kb.InlineKeyboard {
		for _, btn := range row {
			if !strings.HasPrefix(btn.CallbackData, "horoscope:sub:08:30:") {
				t.Errorf("unexpected callback data %q", btn.CallbackData)
			}
			if len(btn.CallbackData) > 64 {
				t.Errorf("callback data %q exceeds 64 bytes", btn.CallbackData)
			}
		}
	}
}

func TestStateKeys(t *testing.T) {
	sign, _ := SignByName("taurus")
	day := time.Date(2026, time.May, 2, 9, 30, 0, 0, time.UTC)
	if got := cacheKey(sign, day); got != "cache_taurus_2026-05-02" {
		t.Errorf("cacheKey = %q", got)
	}
	if got := subKey(42); got != "sub_42" {
		t.Errorf("subKey = %q", got)
	}
}
