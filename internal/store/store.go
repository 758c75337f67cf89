// ABOUTME: Store interfaces and data types for coven-dispatch persistence
// ABOUTME: Defines Settings, PoolStore, SessionStore, AgentStore and the persisted record types

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicatePool is returned when trying to create a pool whose name is already taken
var ErrDuplicatePool = errors.New("pool already exists")

// PoolMetadataKey is the fixed field name under which a pool's last-known
// status snapshot is stored inside the record's metadata blob.
const PoolMetadataKey = "poolStatus"

// PoolRecord is a persisted pool configuration record. Config holds the
// JSON-encoded pool definition; Metadata is an opaque JSON blob whose status
// snapshot lives under PoolMetadataKey. The snapshot is a cache only; live
// status is always re-derivable from the session manager.
type PoolRecord struct {
	ID        string
	Name      string
	Config    []byte
	Metadata  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Agent is a directory entry mapping an agent identity to its role metadata.
type Agent struct {
	ID        string
	Name      string
	Role      string
	SubMode   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settings is a durable string key-value collaborator. Get returns
// ErrNotFound when the key has never been set.
type Settings interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// PoolStore persists pool configuration records.
type PoolStore interface {
	SavePool(ctx context.Context, record *PoolRecord) error
	GetPool(ctx context.Context, id string) (*PoolRecord, error)
	ListPools(ctx context.Context) ([]*PoolRecord, error)
	DeletePool(ctx context.Context, id string) error
}

// SessionStore checkpoints opaque per-session state blobs.
type SessionStore interface {
	SaveSessionState(ctx context.Context, sessionID string, state []byte) error
	GetSessionState(ctx context.Context, sessionID string) ([]byte, error)
}

// AgentStore persists agent directory entries.
type AgentStore interface {
	SaveAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
}

// Store is the full persistence surface consumed by the dispatch core.
type Store interface {
	Settings
	PoolStore
	SessionStore
	AgentStore

	// Close releases any resources held by the store
	Close() error
}
