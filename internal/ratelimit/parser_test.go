// ABOUTME: Tests for rate-limit message detection and reset-time parsing
// ABOUTME: Covers detection patterns, the three reset forms, timezone handling, and fallback

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRateLimitMessage(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"hit your limit with curly apostrophe", "You’ve hit your limit · resets 12am", true},
		{"hit your limit with straight apostrophe", "You've hit your limit", true},
		{"hit your limit without apostrophe", "Youve hit your limit", true},
		{"weekly limit reached", "Weekly limit reached · resets Feb 22 at 9:30am", true},
		{"generic limit plus resets", "5-hour limit reached ∙ resets 3pm", true},
		{"limit without resets", "You are approaching your usage limit", false},
		{"unrelated text", "Build completed successfully", false},
		{"empty", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRateLimitMessage(tc.text))
		})
	}
}

func TestParseResetTime_BareTime(t *testing.T) {
	// 10pm local: "resets 12am" means the upcoming midnight.
	now := time.Date(2026, 2, 10, 22, 0, 0, 0, time.UTC)

	got, ok := parseResetTimeAt("You've hit your limit · resets 12am", now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), got)
}

func TestParseResetTime_BareTimeStillAheadToday(t *testing.T) {
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	got, ok := parseResetTimeAt("limit resets 11:30pm", now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 10, 23, 30, 0, 0, time.UTC), got)
}

func TestParseResetTime_BareTimeAlreadyPassed(t *testing.T) {
	// 3pm has passed, so the reset means 3pm tomorrow.
	now := time.Date(2026, 2, 10, 16, 0, 0, 0, time.UTC)

	got, ok := parseResetTimeAt("limit resets 3pm", now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 11, 15, 0, 0, 0, time.UTC), got)
}

func TestParseResetTime_DateForm(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	got, ok := parseResetTimeAt("Weekly limit reached · resets Feb 22 at 9:30am", now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 22, 9, 30, 0, 0, time.UTC), got)
}

func TestParseResetTime_DateFormRollsToNextYear(t *testing.T) {
	// Feb 22 already passed, so a yearless date means next year.
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	got, ok := parseResetTimeAt("Weekly limit reached · resets Feb 22 at 9:30am", now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2027, 2, 22, 9, 30, 0, 0, time.UTC), got)
}

func TestParseResetTime_DateFormFullMonthName(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	got, ok := parseResetTimeAt("limit resets December 1 at 6pm", now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 12, 1, 18, 0, 0, 0, time.UTC), got)
}

func TestParseResetTime_Tomorrow(t *testing.T) {
	now := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	got, ok := parseResetTimeAt("Your limit resets tomorrow at 3pm", now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 11, 15, 0, 0, 0, time.UTC), got)
}

func TestParseResetTime_TomorrowIsAlwaysNextDay(t *testing.T) {
	// Even at 1am, "tomorrow" means the next calendar day, not later today.
	now := time.Date(2026, 2, 10, 1, 0, 0, 0, time.UTC)

	got, ok := parseResetTimeAt("limit resets tomorrow at 9am", now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC), got)
}

func TestParseResetTime_WithTimezone(t *testing.T) {
	honolulu, err := time.LoadLocation("Pacific/Honolulu")
	require.NoError(t, err)

	// 20:00 UTC is 10:00 in Honolulu (UTC-10), so 3pm Honolulu is still ahead today.
	now := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

	got, ok := parseResetTimeAt("You've hit your limit · resets 3pm (Pacific/Honolulu)", now)
	require.True(t, ok)

	want := time.Date(2026, 3, 10, 15, 0, 0, 0, honolulu)
	assert.True(t, got.Equal(want), "got %v, want %v", got, want)
}

func TestParseResetTime_TimezoneDateForm(t *testing.T) {
	newYork, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	got, ok := parseResetTimeAt("Weekly limit reached · resets Mar 9 at 2:30am (America/New_York)", now)
	require.True(t, ok)

	// March 9 2026 is past the spring-forward transition; the offset at the
	// target instant (EDT) applies, not the offset at "now" (EST).
	want := time.Date(2026, 3, 9, 2, 30, 0, 0, newYork)
	assert.True(t, got.Equal(want), "got %v, want %v", got, want)
}

func TestParseResetTime_InvalidTimezoneIgnored(t *testing.T) {
	now := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	got, ok := parseResetTimeAt("limit resets 3pm (Not/AZone)", now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC), got)
}

func TestParseResetTime_NoPattern(t *testing.T) {
	now := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	_, ok := parseResetTimeAt("You've hit your limit, please wait", now)
	assert.False(t, ok)
}

func TestFallbackResetTime(t *testing.T) {
	now := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	t.Run("weekly message backs off six hours", func(t *testing.T) {
		got := fallbackResetTimeAt("Weekly limit reached", now)
		assert.Equal(t, now.Add(6*time.Hour), got)
	})

	t.Run("other messages back off one hour", func(t *testing.T) {
		got := fallbackResetTimeAt("You've hit your limit", now)
		assert.Equal(t, now.Add(time.Hour), got)
	})
}
