// Package store provides persistence for coven-dispatch.
//
// The Store interface bundles four narrow surfaces: Settings (durable
// key-value state such as the rate-limit snapshot), PoolStore (pool
// configuration records with an attached metadata blob), SessionStore
// (opaque per-session checkpoints), and AgentStore (the agent directory).
//
// SQLiteStore is the production implementation, backed by modernc.org/sqlite
// in WAL mode with schema creation on open. Services depend on the narrow
// interfaces, not on SQLiteStore, so tests substitute in-memory fakes.
//
// Persisted state is always a mirror of in-memory state, never the
// authority: a store failure costs cross-restart durability only.
package store
