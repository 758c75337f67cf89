// Package ratelimit detects upstream rate limiting and tracks backoff state
// per underlying executable.
//
// # Parser
//
// The parser is pure text analysis. IsRateLimitMessage recognizes the
// notices the agent runtimes print when a usage limit is hit, and
// ParseResetTime extracts an absolute reset timestamp from the three shapes
// those notices take:
//
//   - "resets Feb 22 at 9:30am"   (date-qualified)
//   - "resets tomorrow at 3pm"    (relative)
//   - "resets 12am"               (bare time-of-day)
//
// A trailing parenthesised IANA zone name such as "(Pacific/Honolulu)"
// moves all calendar arithmetic into that zone. FallbackResetTime covers
// notices that match the detector but defeat the parser.
//
// # Tracker
//
// The Tracker maps executable name to a reset deadline. Resets only move
// forward (a stale signal never shortens a window) and expired entries are
// evicted lazily on read rather than by timer. GetAvailableExecutable walks
// an ordered fallback chain and returns the first executable not currently
// limited; the dispatch loop consults it before choosing what to launch.
//
// When constructed with a settings collaborator, the tracker mirrors its
// non-expired entries into a durable key so backoff state survives process
// restarts. The persisted snapshot is a cache of the in-memory map, never
// the authority.
package ratelimit
