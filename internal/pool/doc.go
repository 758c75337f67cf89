// ABOUTME: Package documentation for agent pool admission control
// ABOUTME: Describes pools, derived status, and the admission decision

// Package pool limits how many agent sessions may run concurrently.
//
// A pool names a concurrency ceiling (MaxSize) over the agent types it
// governs; a pool with no agent type limits governs every type. Admission
// is an AND across all enabled governing pools: each must have a free
// slot and headroom under any per-type ceiling, and the first pool that
// refuses supplies the denial details.
//
// Pool configuration is durable. Occupancy status is a cache maintained
// from spawn/end notifications and rebuilt from the session manager's
// live session set whenever it is missing; the live set is always
// authoritative over the cache.
package pool
