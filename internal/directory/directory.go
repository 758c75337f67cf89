// ABOUTME: Agent directory collaborator resolving agent identities to role metadata
// ABOUTME: Provides store-backed and static (config-seeded) implementations

package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/2389/coven-dispatch/internal/store"
)

// ErrUnknownAgent indicates the agent identity could not be resolved.
var ErrUnknownAgent = errors.New("unknown agent")

// AgentMeta describes the role metadata for an agent identity.
type AgentMeta struct {
	ID      string
	Name    string
	Role    string
	SubMode string
}

// Directory resolves an agent identity to its role metadata. The admission
// control service uses this to decide which pools govern a session.
type Directory interface {
	Resolve(ctx context.Context, agentID string) (*AgentMeta, error)
}

// StoreDirectory resolves agents from the persistent agent table.
type StoreDirectory struct {
	agents store.AgentStore
}

// NewStoreDirectory creates a Directory backed by the given agent store.
func NewStoreDirectory(agents store.AgentStore) *StoreDirectory {
	return &StoreDirectory{agents: agents}
}

// Resolve looks up an agent in the store.
func (d *StoreDirectory) Resolve(ctx context.Context, agentID string) (*AgentMeta, error) {
	agent, err := d.agents.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		return nil, err
	}
	return &AgentMeta{
		ID:      agent.ID,
		Name:    agent.Name,
		Role:    agent.Role,
		SubMode: agent.SubMode,
	}, nil
}

// StaticDirectory resolves agents from an in-memory table, seeded from
// configuration at daemon startup.
type StaticDirectory struct {
	mu     sync.RWMutex
	agents map[string]AgentMeta
}

// NewStaticDirectory creates an empty static directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{agents: make(map[string]AgentMeta)}
}

// Add registers or replaces an agent entry.
func (d *StaticDirectory) Add(meta AgentMeta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[meta.ID] = meta
}

// Resolve looks up an agent in the in-memory table.
func (d *StaticDirectory) Resolve(_ context.Context, agentID string) (*AgentMeta, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	meta, ok := d.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	out := meta
	return &out, nil
}
