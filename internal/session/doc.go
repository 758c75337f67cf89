// ABOUTME: Package documentation for session lifecycle management
// ABOUTME: Describes the manager, spawner boundary, and event fan-out

// Package session owns the lifecycle of spawned agent processes.
//
// # Lifecycle
//
// A session is running while its process is live, suspended once parked
// with a resumable provider session id, and terminated when stopped for
// good. Suspended and terminated sessions that carry a provider session
// id can be resumed; the manager flips the existing record back to
// running rather than minting a new one.
//
// # Event flow
//
// The spawner yields a single ordered event stream per process. The
// manager's event pump is the only reader; it updates session state
// (activity, provider session id, exit transitions) and fans each event
// out through an in-memory broadcaster to any number of subscribers.
// Slow subscribers drop events rather than stalling the pump.
//
// # History
//
// Every transition into suspended or terminated appends an immutable
// history entry. The predecessor for a role is found by walking that
// history newest-first, which is how a fresh agent consults the agent
// it replaced.
package session
