// ABOUTME: Admission control service: decides whether a new agent session may start
// ABOUTME: Maintains pool configuration, a derived status cache, and spawn scheduling

package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/store"
)

// AgentInfo describes one live agent for admission accounting.
type AgentInfo struct {
	AgentID string
	Role    string
	SubMode string
}

// SessionLister yields the agents with a currently running session. It is the
// authoritative source a cold status cache is rebuilt from.
type SessionLister interface {
	ActiveAgents(ctx context.Context) ([]AgentInfo, error)
}

// SpawnRequest asks whether an agent of the given type may start a session.
type SpawnRequest struct {
	AgentID string
	Role    string
	SubMode string
}

// Decision is the admission verdict. On denial, PoolID and Reason name the
// first pool that refused, SlotsAfterSpawn is the occupancy the spawn would
// have produced, and MaxSlots is the ceiling it would have exceeded.
type Decision struct {
	CanSpawn        bool   `json:"canSpawn"`
	PoolID          string `json:"poolId,omitempty"`
	Reason          string `json:"reason,omitempty"`
	SlotsAfterSpawn int    `json:"slotsAfterSpawn,omitempty"`
	MaxSlots        int    `json:"maxSlots,omitempty"`
}

// Service is the agent pool admission controller. Pool configuration is
// durable; the per-pool status cache is derived from spawn/end notifications
// and rebuilt from the session lister whenever it is missing.
type Service struct {
	mu     sync.Mutex
	pools  map[string]*Pool   // by id
	status map[string]*Status // by pool id; nil entry means cold

	store    store.PoolStore // optional
	sessions SessionLister   // optional
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewService creates the admission controller. Both the pool store and the
// session lister may be nil (in-memory pools, empty cold rebuilds). Pass nil
// logger for the default.
func NewService(poolStore store.PoolStore, sessions SessionLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pools:    make(map[string]*Pool),
		status:   make(map[string]*Status),
		store:    poolStore,
		sessions: sessions,
		logger:   logger.With("component", "pool"),
	}
}

func (s *Service) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn()
	}
	return time.Now()
}

// LoadPools hydrates pool configuration and status snapshots from the store.
func (s *Service) LoadPools(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	records, err := s.store.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("listing pools: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, record := range records {
		var p Pool
		if err := json.Unmarshal(record.Config, &p); err != nil {
			s.logger.Warn("skipping pool with malformed config",
				"pool_id", record.ID,
				"error", err)
			continue
		}
		p.ID = record.ID
		p.CreatedAt = record.CreatedAt
		p.UpdatedAt = record.UpdatedAt
		s.pools[p.ID] = &p

		if st := decodeStatusSnapshot(record.Metadata); st != nil {
			s.status[p.ID] = st
		}
		loaded++
	}

	s.logger.Info("pools loaded", "count", loaded)
	return nil
}

// CreatePool validates and persists a new pool. The returned pool carries
// the assigned id and timestamps.
func (s *Service) CreatePool(ctx context.Context, p Pool) (*Pool, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pools {
		if existing.Name == p.Name {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePoolName, p.Name)
		}
	}

	now := s.now()
	p.ID = uuid.New().String()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.pools[p.ID] = &p
	s.status[p.ID] = newStatus(p.MaxSize)

	if err := s.savePoolLocked(ctx, &p); err != nil {
		delete(s.pools, p.ID)
		delete(s.status, p.ID)
		return nil, err
	}

	s.logger.Info("pool created",
		"pool_id", p.ID,
		"name", p.Name,
		"max_size", p.MaxSize)

	out := p
	return &out, nil
}

// UpdatePool replaces a pool's configuration. Shrinking MaxSize below the
// pool's current active count is rejected.
func (s *Service) UpdatePool(ctx context.Context, id string, p Pool) (*Pool, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.pools[id]
	if !ok {
		return nil, ErrPoolNotFound
	}
	for otherID, other := range s.pools {
		if otherID != id && other.Name == p.Name {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePoolName, p.Name)
		}
	}

	st, err := s.statusLocked(ctx, existing)
	if err != nil {
		return nil, err
	}
	if p.MaxSize < st.ActiveCount {
		return nil, fmt.Errorf("%w: max size %d, active %d", ErrShrinkBelowActive, p.MaxSize, st.ActiveCount)
	}

	p.ID = id
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now()

	prev := *existing
	s.pools[id] = &p
	// Type limits may have changed; force a rebuild on next read.
	delete(s.status, id)

	if err := s.savePoolLocked(ctx, &p); err != nil {
		s.pools[id] = &prev
		return nil, err
	}

	s.logger.Info("pool updated", "pool_id", id, "name", p.Name)
	out := p
	return &out, nil
}

// DeletePool removes a pool.
func (s *Service) DeletePool(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[id]; !ok {
		return ErrPoolNotFound
	}

	delete(s.pools, id)
	delete(s.status, id)

	if s.store != nil {
		if err := s.store.DeletePool(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("deleting pool %s: %w", id, err)
		}
	}

	s.logger.Info("pool deleted", "pool_id", id)
	return nil
}

// GetPool returns a copy of a pool and its current status.
func (s *Service) GetPool(ctx context.Context, id string) (*Pool, *Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, nil, ErrPoolNotFound
	}
	st, err := s.statusLocked(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	out := *p
	return &out, st.clone(), nil
}

// ListPools returns copies of all pools sorted by name.
func (s *Service) ListPools() []*Pool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetPoolsForAgentType returns copies of the enabled pools governing a
// role/sub-mode, sorted by name.
func (s *Service) GetPoolsForAgentType(role, subMode string) []*Pool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Pool, 0)
	for _, p := range s.pools {
		if p.Enabled && p.Governs(role, subMode) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CanSpawn decides whether a spawn of the requested agent type is admitted.
// Every enabled pool governing the type must have a free slot and, where a
// per-type ceiling applies, headroom under it; the first pool that fails
// supplies the denial. With no governing pool the spawn is unconditionally
// allowed.
func (s *Service) CanSpawn(ctx context.Context, req SpawnRequest) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	governing := make([]*Pool, 0)
	for _, p := range s.pools {
		if p.Enabled && p.Governs(req.Role, req.SubMode) {
			governing = append(governing, p)
		}
	}
	if len(governing) == 0 {
		return Decision{CanSpawn: true}, nil
	}
	sort.Slice(governing, func(i, j int) bool { return governing[i].Name < governing[j].Name })

	for _, p := range governing {
		st, err := s.statusLocked(ctx, p)
		if err != nil {
			return Decision{}, err
		}

		if st.AvailableSlots <= 0 {
			return Decision{
				CanSpawn:        false,
				PoolID:          p.ID,
				Reason:          fmt.Sprintf("pool %q is at capacity", p.Name),
				SlotsAfterSpawn: st.ActiveCount + 1,
				MaxSlots:        p.MaxSize,
			}, nil
		}

		if limit, ok := p.TypeLimit(req.Role, req.SubMode); ok && limit.MaxSlots > 0 {
			count := st.PerTypeCounts[typeKey(limit.Role, limit.SubMode)]
			if count >= limit.MaxSlots {
				return Decision{
					CanSpawn:        false,
					PoolID:          p.ID,
					Reason:          fmt.Sprintf("pool %q has no %s slots left", p.Name, typeKey(req.Role, req.SubMode)),
					SlotsAfterSpawn: count + 1,
					MaxSlots:        limit.MaxSlots,
				}, nil
			}
		}
	}

	return Decision{CanSpawn: true, PoolID: governing[0].ID}, nil
}

// GetNextSpawnPriority picks, among pending requests still under their
// per-type ceiling, the one whose configured priority is highest. Returns
// false when the pool has no free slot or no request qualifies. Ties keep
// submission order.
func (s *Service) GetNextSpawnPriority(ctx context.Context, poolID string, pending []SpawnRequest) (*SpawnRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[poolID]
	if !ok {
		return nil, false
	}
	st, err := s.statusLocked(ctx, p)
	if err != nil || st.AvailableSlots <= 0 {
		return nil, false
	}

	var best *SpawnRequest
	bestPriority := 0
	for i := range pending {
		req := pending[i]
		priority := DefaultPriority
		if limit, ok := p.TypeLimit(req.Role, req.SubMode); ok {
			if limit.MaxSlots > 0 && st.PerTypeCounts[typeKey(limit.Role, limit.SubMode)] >= limit.MaxSlots {
				continue
			}
			priority = limit.EffectivePriority()
		}
		if best == nil || priority > bestPriority {
			cp := req
			best = &cp
			bestPriority = priority
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// OnAgentSpawned records a started agent in every pool governing its type.
func (s *Service) OnAgentSpawned(ctx context.Context, agentID, role, subMode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pools {
		if !p.Governs(role, subMode) {
			continue
		}
		st, err := s.statusLocked(ctx, p)
		if err != nil {
			continue
		}
		if st.ActiveAgentIDs[agentID] {
			continue
		}
		st.ActiveAgentIDs[agentID] = true
		st.ActiveCount++
		st.AvailableSlots = p.MaxSize - st.ActiveCount
		if limit, ok := p.TypeLimit(role, subMode); ok {
			st.PerTypeCounts[typeKey(limit.Role, limit.SubMode)]++
		}
		s.snapshotLocked(p, st)
	}
}

// OnAgentSessionEnded removes an ended agent from every pool governing its
// type. When the agent's metadata can no longer be resolved, pass an empty
// role: the id is swept from every pool's active set, at the cost of
// per-type counts drifting until the next cold rebuild.
func (s *Service) OnAgentSessionEnded(ctx context.Context, agentID, role, subMode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if role == "" {
		for _, p := range s.pools {
			st := s.status[p.ID]
			if st == nil || !st.ActiveAgentIDs[agentID] {
				continue
			}
			delete(st.ActiveAgentIDs, agentID)
			st.ActiveCount--
			st.AvailableSlots = p.MaxSize - st.ActiveCount
			s.snapshotLocked(p, st)
		}
		s.logger.Warn("ended agent metadata unresolvable, swept from all pools",
			"agent_id", agentID)
		return
	}

	for _, p := range s.pools {
		if !p.Governs(role, subMode) {
			continue
		}
		st, err := s.statusLocked(ctx, p)
		if err != nil {
			continue
		}
		if !st.ActiveAgentIDs[agentID] {
			continue
		}
		delete(st.ActiveAgentIDs, agentID)
		st.ActiveCount--
		st.AvailableSlots = p.MaxSize - st.ActiveCount
		if limit, ok := p.TypeLimit(role, subMode); ok {
			key := typeKey(limit.Role, limit.SubMode)
			if st.PerTypeCounts[key] > 0 {
				st.PerTypeCounts[key]--
			}
		}
		s.snapshotLocked(p, st)
	}
}

// InvalidateStatus drops the cached status for a pool (or all pools when id
// is empty), forcing a rebuild from live sessions on the next read.
func (s *Service) InvalidateStatus(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		s.status = make(map[string]*Status)
		return
	}
	delete(s.status, id)
}

// statusLocked returns the cached status for a pool, rebuilding it from the
// session lister when cold. Caller must hold s.mu.
func (s *Service) statusLocked(ctx context.Context, p *Pool) (*Status, error) {
	if st := s.status[p.ID]; st != nil {
		return st, nil
	}

	st := newStatus(p.MaxSize)
	if s.sessions != nil {
		agents, err := s.sessions.ActiveAgents(ctx)
		if err != nil {
			return nil, fmt.Errorf("rebuilding status for pool %s: %w", p.ID, err)
		}
		for _, agent := range agents {
			if !p.Governs(agent.Role, agent.SubMode) || st.ActiveAgentIDs[agent.AgentID] {
				continue
			}
			st.ActiveAgentIDs[agent.AgentID] = true
			st.ActiveCount++
			if limit, ok := p.TypeLimit(agent.Role, agent.SubMode); ok {
				st.PerTypeCounts[typeKey(limit.Role, limit.SubMode)]++
			}
		}
		st.AvailableSlots = p.MaxSize - st.ActiveCount
	}

	s.status[p.ID] = st
	return st, nil
}

// savePoolLocked persists a pool's configuration and current status
// snapshot. Caller must hold s.mu.
func (s *Service) savePoolLocked(ctx context.Context, p *Pool) error {
	if s.store == nil {
		return nil
	}

	config, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("serializing pool %s: %w", p.ID, err)
	}
	record := &store.PoolRecord{
		ID:        p.ID,
		Name:      p.Name,
		Config:    config,
		Metadata:  encodeStatusSnapshot(s.status[p.ID]),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if err := s.store.SavePool(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicatePool) {
			return fmt.Errorf("%w: %q", ErrDuplicatePoolName, p.Name)
		}
		return fmt.Errorf("saving pool %s: %w", p.ID, err)
	}
	return nil
}

// snapshotLocked persists a pool's status snapshot. Snapshot failures cost
// only the cached copy across restarts; status stays re-derivable from live
// sessions. Caller must hold s.mu.
func (s *Service) snapshotLocked(p *Pool, st *Status) {
	if s.store == nil {
		return
	}

	config, err := json.Marshal(p)
	if err != nil {
		return
	}
	record := &store.PoolRecord{
		ID:        p.ID,
		Name:      p.Name,
		Config:    config,
		Metadata:  encodeStatusSnapshot(st),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SavePool(ctx, record); err != nil {
		s.logger.Error("failed to snapshot pool status",
			"pool_id", p.ID,
			"error", err)
	}
}

// encodeStatusSnapshot wraps a status under the fixed metadata field name.
func encodeStatusSnapshot(st *Status) []byte {
	if st == nil {
		return nil
	}
	blob, err := json.Marshal(map[string]*Status{store.PoolMetadataKey: st})
	if err != nil {
		return nil
	}
	return blob
}

// decodeStatusSnapshot extracts a status snapshot from a metadata blob.
func decodeStatusSnapshot(metadata []byte) *Status {
	if len(metadata) == 0 {
		return nil
	}
	var wrapper map[string]*Status
	if err := json.Unmarshal(metadata, &wrapper); err != nil {
		return nil
	}
	st := wrapper[store.PoolMetadataKey]
	if st == nil {
		return nil
	}
	if st.PerTypeCounts == nil {
		st.PerTypeCounts = make(map[string]int)
	}
	if st.ActiveAgentIDs == nil {
		st.ActiveAgentIDs = make(map[string]bool)
	}
	return st
}
