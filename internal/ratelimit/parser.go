// ABOUTME: Pure text analysis for rate-limit notices in agent output
// ABOUTME: Detects limit messages and extracts absolute reset timestamps with timezone handling

package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// Form (a): "resets Feb 22 at 9:30am", date-qualified with optional "at".
	resetDateRe = regexp.MustCompile(`(?i)resets\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:\s+at)?\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)`)

	// Form (b): "resets tomorrow at 3pm".
	resetTomorrowRe = regexp.MustCompile(`(?i)resets\s+tomorrow\s+at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)`)

	// Form (c): "resets 12am", bare time-of-day.
	resetTimeRe = regexp.MustCompile(`(?i)resets\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)`)

	// Trailing parenthesised IANA timezone name, e.g. "(Pacific/Honolulu)".
	timezoneRe = regexp.MustCompile(`\(([A-Za-z_]+(?:/[A-Za-z0-9_+\-]+)+)\)`)
)

var monthsByPrefix = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// IsRateLimitMessage reports whether text looks like an upstream rate-limit
// notice. Matching is apostrophe-insensitive, so both "you've hit your limit"
// and "youve hit your limit" are detected.
func IsRateLimitMessage(text string) bool {
	normalized := strings.ToLower(text)
	normalized = strings.ReplaceAll(normalized, "'", "")
	normalized = strings.ReplaceAll(normalized, "’", "")

	if strings.Contains(normalized, "hit your limit") {
		return true
	}
	if strings.Contains(normalized, "weekly limit reached") {
		return true
	}
	return strings.Contains(normalized, "limit") && strings.Contains(normalized, "resets")
}

// ParseResetTime extracts an absolute reset timestamp from a rate-limit
// notice. Returns false when no recognized pattern is present.
func ParseResetTime(text string) (time.Time, bool) {
	return parseResetTimeAt(text, time.Now())
}

// parseResetTimeAt is the deterministic core of ParseResetTime. When the text
// carries a valid parenthesised IANA timezone name, "now" and all calendar
// arithmetic move into that zone; time.Date then resolves the wall-clock
// instant against the zone's offset at the target time, which keeps resets
// that fall across a DST boundary correct.
func parseResetTimeAt(text string, now time.Time) (time.Time, bool) {
	if loc, ok := extractTimezone(text); ok {
		now = now.In(loc)
	}

	// Priority order: date-qualified, then "tomorrow", then bare time-of-day.
	if m := resetDateRe.FindStringSubmatch(text); m != nil {
		month := monthsByPrefix[strings.ToLower(m[1])]
		day, _ := strconv.Atoi(m[2])
		hour, minute, ok := clockFrom(m[3], m[4], m[5])
		if ok && day >= 1 && day <= 31 {
			candidate := time.Date(now.Year(), month, day, hour, minute, 0, 0, now.Location())
			// Yearless dates that already passed mean next year.
			if candidate.Before(now) {
				candidate = time.Date(now.Year()+1, month, day, hour, minute, 0, 0, now.Location())
			}
			return candidate, true
		}
	}

	if m := resetTomorrowRe.FindStringSubmatch(text); m != nil {
		hour, minute, ok := clockFrom(m[1], m[2], m[3])
		if ok {
			tomorrow := now.AddDate(0, 0, 1)
			return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), hour, minute, 0, 0, now.Location()), true
		}
	}

	if m := resetTimeRe.FindStringSubmatch(text); m != nil {
		hour, minute, ok := clockFrom(m[1], m[2], m[3])
		if ok {
			// Next future occurrence of that time-of-day: today if still
			// ahead of now, otherwise tomorrow.
			candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
			if !candidate.After(now) {
				candidate = time.Date(now.Year(), now.Month(), now.Day()+1, hour, minute, 0, 0, now.Location())
			}
			return candidate, true
		}
	}

	return time.Time{}, false
}

// FallbackResetTime estimates a reset time for a rate-limit notice whose
// timestamp could not be parsed. Callers must only use this after
// IsRateLimitMessage returned true and ParseResetTime failed.
func FallbackResetTime(text string) time.Time {
	return fallbackResetTimeAt(text, time.Now())
}

func fallbackResetTimeAt(text string, now time.Time) time.Time {
	if strings.Contains(strings.ToLower(text), "weekly") {
		return now.Add(6 * time.Hour)
	}
	return now.Add(time.Hour)
}

// extractTimezone pulls a parenthesised IANA zone name out of the text and
// validates it against the zone database. Invalid names are treated as absent.
func extractTimezone(text string) (*time.Location, bool) {
	m := timezoneRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	loc, err := time.LoadLocation(m[1])
	if err != nil {
		return nil, false
	}
	return loc, true
}

// clockFrom converts 12-hour clock match groups into a 24-hour clock.
func clockFrom(hourStr, minuteStr, meridiem string) (hour, minute int, ok bool) {
	hour, err := strconv.Atoi(hourStr)
	if err != nil || hour < 1 || hour > 12 {
		return 0, 0, false
	}
	if minuteStr != "" {
		minute, err = strconv.Atoi(minuteStr)
		if err != nil || minute > 59 {
			return 0, 0, false
		}
	}

	if hour == 12 {
		hour = 0
	}
	if strings.EqualFold(meridiem, "pm") {
		hour += 12
	}
	return hour, minute, true
}
