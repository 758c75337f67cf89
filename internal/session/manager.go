// ABOUTME: Manages the lifecycle of spawned agent sessions and their event streams
// ABOUTME: Central owner of session state: start, resume, suspend, stop, history, checkpoints

package session

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

	"github.com/2389/coven-dispatch/internal/directory"
	"github.com/2389/coven-dispatch/internal/store"
)

// ErrSessionNotFound indicates the specified session was not found.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionNotRunning indicates an operation that requires a running session.
var ErrSessionNotRunning = errors.New("session is not running")

// ErrSessionAlreadyRunning indicates a resume targeting a session that is
// already live.
var ErrSessionAlreadyRunning = errors.New("session is already running")

// ErrProviderSessionRequired indicates a resume without a provider session id.
var ErrProviderSessionRequired = errors.New("provider session id is required")

// Manager owns all live and historical agent sessions. All session mutation
// funnels through it; accessors hand out copies.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	handles  map[string]Handle
	order    []string // session ids in creation order
	history  []HistoryEntry

	spawner     Spawner
	directory   directory.Directory
	checkpoints store.SessionStore // optional
	broadcaster *Broadcaster
	logger      *slog.Logger

	// nowFn allows test time injection.
	nowFn func() time.Time
}

// NewManager creates a session Manager. The checkpoint store may be nil to
// disable durable session state; pass nil logger for the default.
func NewManager(spawner Spawner, dir directory.Directory, checkpoints store.SessionStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")
	return &Manager{
		sessions:    make(map[string]*Session),
		handles:     make(map[string]Handle),
		spawner:     spawner,
		directory:   dir,
		checkpoints: checkpoints,
		broadcaster: NewBroadcaster(logger),
		logger:      logger,
	}
}

// now returns the current time, using the injectable nowFn.
func (m *Manager) now() time.Time {
	if m.nowFn != nil {
		return m.nowFn()
	}
	return time.Now()
}

// StartSession spawns a fresh agent process and returns the new session
// along with a subscription to its event stream. The session has no provider
// session id until the runtime assigns one.
func (m *Manager) StartSession(ctx context.Context, agentID string, opts StartOptions) (*Session, <-chan Event, error) {
	meta, err := m.directory.Resolve(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving agent %q: %w", agentID, err)
	}

	handle, events, err := m.spawner.Start(ctx, agentID, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("spawning agent %q: %w", agentID, err)
	}

	now := m.now()
	session := &Session{
		ID:             uuid.New().String(),
		AgentID:        agentID,
		AgentName:      meta.Name,
		Role:           Role(meta.Role),
		Status:         StatusRunning,
		WorkingDir:     opts.WorkingDir,
		WorktreePath:   opts.WorktreePath,
		CreatedAt:      now,
		StartedAt:      now,
		LastActivityAt: now,
	}

	stream, err := m.attach(ctx, session, handle, events)
	if err != nil {
		return nil, nil, err
	}

	m.logger.Info("session started",
		"session_id", session.ID,
		"agent_id", agentID,
		"role", session.Role)

	return copySession(session), stream, nil
}

// ResumeSession re-attaches a live process to a prior conversation. A
// provider session id is required. When a known session carries that id, it
// is flipped back to running; otherwise a fresh session record is created.
func (m *Manager) ResumeSession(ctx context.Context, agentID string, opts ResumeOptions) (*Session, <-chan Event, error) {
	if opts.ProviderSessionID == "" {
		return nil, nil, ErrProviderSessionRequired
	}

	m.mu.RLock()
	existing := m.findByProviderIDLocked(opts.ProviderSessionID)
	if existing != nil && existing.Status == StatusRunning {
		m.mu.RUnlock()
		return nil, nil, ErrSessionAlreadyRunning
	}
	m.mu.RUnlock()

	meta, err := m.directory.Resolve(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving agent %q: %w", agentID, err)
	}

	handle, events, err := m.spawner.Resume(ctx, agentID, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("resuming agent %q: %w", agentID, err)
	}

	now := m.now()

	m.mu.Lock()
	session := m.findByProviderIDLocked(opts.ProviderSessionID)
	if session != nil {
		session.Status = StatusRunning
		session.StartedAt = now
		session.LastActivityAt = now
		session.Reason = ""
		m.mu.Unlock()
	} else {
		m.mu.Unlock()
		session = &Session{
			ID:                uuid.New().String(),
			ProviderSessionID: opts.ProviderSessionID,
			AgentID:           agentID,
			AgentName:         meta.Name,
			Role:              Role(meta.Role),
			Status:            StatusRunning,
			WorkingDir:        opts.WorkingDir,
			CreatedAt:         now,
			StartedAt:         now,
			LastActivityAt:    now,
		}
	}

	stream, err := m.attach(ctx, session, handle, events)
	if err != nil {
		return nil, nil, err
	}

	m.logger.Info("session resumed",
		"session_id", session.ID,
		"agent_id", agentID,
		"provider_session_id", opts.ProviderSessionID)

	return copySession(session), stream, nil
}

// attach registers the session and its process handle, opens the event
// topic, starts the event pump, and subscribes the caller.
func (m *Manager) attach(ctx context.Context, session *Session, handle Handle, events <-chan Event) (<-chan Event, error) {
	m.mu.Lock()
	if _, known := m.sessions[session.ID]; !known {
		m.sessions[session.ID] = session
		m.order = append(m.order, session.ID)
	}
	m.handles[session.ID] = handle
	m.mu.Unlock()

	m.broadcaster.Register(session.ID)
	stream, _, ok := m.broadcaster.Subscribe(ctx, session.ID)
	if !ok {
		return nil, fmt.Errorf("subscribing to session %s: topic unavailable", session.ID)
	}

	go m.pumpEvents(session.ID, events)
	return stream, nil
}

// pumpEvents drains the spawner's event stream for one session, updating
// activity and provider id as events arrive and fanning them out in order.
func (m *Manager) pumpEvents(sessionID string, events <-chan Event) {
	for event := range events {
		m.mu.Lock()
		session, ok := m.sessions[sessionID]
		if ok {
			session.LastActivityAt = m.now()
			if event.ProviderSessionID != "" {
				session.ProviderSessionID = event.ProviderSessionID
			}
			if event.Type == EventExit && session.Status == StatusRunning {
				session.Status = StatusTerminated
				session.Reason = fmt.Sprintf("process exited with code %d", event.ExitCode)
				m.recordHistoryLocked(session)
			}
		}
		m.mu.Unlock()

		m.broadcaster.Publish(sessionID, event)
	}

	// Stream closed: the process is gone. A session still marked running
	// here lost its process without an exit event.
	m.mu.Lock()
	if session, ok := m.sessions[sessionID]; ok {
		if session.Status == StatusRunning {
			session.Status = StatusTerminated
			session.Reason = "event stream closed"
			m.recordHistoryLocked(session)
			m.logger.Warn("event stream closed for running session",
				"session_id", sessionID)
		}
		delete(m.handles, sessionID)
	}
	m.mu.Unlock()

	m.broadcaster.CloseTopic(sessionID)
}

// StopOptions configures session termination.
type StopOptions struct {
	Reason string
}

// StopSession terminates a session and detaches its process. Terminated is
// a terminal state; the session remains resumable only through a provider
// session id recorded before termination.
func (m *Manager) StopSession(ctx context.Context, id string, opts StopOptions) error {
	// The transition is recorded before the process is detached so the event
	// pump's stream-closed path sees a non-running session and stays out.
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if session.Status == StatusTerminated {
		m.mu.Unlock()
		return nil
	}
	handle := m.handles[id]
	delete(m.handles, id)
	session.Status = StatusTerminated
	session.Reason = opts.Reason
	m.recordHistoryLocked(session)
	m.mu.Unlock()

	if handle != nil {
		if err := m.spawner.Stop(ctx, handle); err != nil {
			return fmt.Errorf("stopping session %s: %w", id, err)
		}
	}

	m.logger.Info("session stopped",
		"session_id", id,
		"reason", opts.Reason)
	return nil
}

// SuspendSession parks a running session, detaching its process while
// retaining the provider session id for future resumption.
func (m *Manager) SuspendSession(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if session.Status != StatusRunning {
		m.mu.Unlock()
		return ErrSessionNotRunning
	}
	handle := m.handles[id]
	delete(m.handles, id)
	session.Status = StatusSuspended
	session.Reason = reason
	m.recordHistoryLocked(session)
	m.mu.Unlock()

	if handle != nil {
		if err := m.spawner.Stop(ctx, handle); err != nil {
			return fmt.Errorf("suspending session %s: %w", id, err)
		}
	}

	m.logger.Info("session suspended",
		"session_id", id,
		"reason", reason)
	return nil
}

// MessageSession sends a follow-up turn to a running session.
func (m *Manager) MessageSession(ctx context.Context, id string, opts MessageOptions) error {
	m.mu.RLock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.RUnlock()
		return ErrSessionNotFound
	}
	if session.Status != StatusRunning {
		m.mu.RUnlock()
		return ErrSessionNotRunning
	}
	handle := m.handles[id]
	m.mu.RUnlock()

	if err := m.spawner.Message(ctx, handle, opts.Text); err != nil {
		return fmt.Errorf("messaging session %s: %w", id, err)
	}

	m.mu.Lock()
	session.LastActivityAt = m.now()
	m.mu.Unlock()
	return nil
}

// Subscribe returns a channel of events for a session with an active event
// topic. The subscription is cleaned up when ctx is cancelled or the
// session's stream ends.
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan Event, error) {
	m.mu.RLock()
	_, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	stream, _, ok := m.broadcaster.Subscribe(ctx, id)
	if !ok {
		return nil, ErrSessionNotRunning
	}
	return stream, nil
}

// GetSession retrieves a copy of a session by id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return copySession(session), true
}

// GetActiveSession returns the first running session for an agent, in
// creation order.
func (m *Manager) GetActiveSession(agentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.order {
		session := m.sessions[id]
		if session.AgentID == agentID && session.Status == StatusRunning {
			return copySession(session), true
		}
	}
	return nil, false
}

// ListSessions returns copies of all sessions passing the filter, in
// creation order.
func (m *Manager) ListSessions(filter Filter) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, id := range m.order {
		session := m.sessions[id]
		if filter.matches(session) {
			out = append(out, copySession(session))
		}
	}
	return out
}

// GetMostRecentResumableSession returns the latest session (by creation
// time) for an agent that carries a provider session id. Terminated sessions
// qualify: with a provider session id the conversation remains resumable.
func (m *Manager) GetMostRecentResumableSession(agentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Session
	for _, session := range m.sessions {
		if session.AgentID != agentID || session.ProviderSessionID == "" {
			continue
		}
		if best == nil || session.CreatedAt.After(best.CreatedAt) {
			best = session
		}
	}
	if best == nil {
		return nil, false
	}
	return copySession(best), true
}

// GetSessionHistory returns the chronological history of session
// transitions into suspended or terminated states.
func (m *Manager) GetSessionHistory() []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// GetSessionHistoryByRole returns the chronological history scoped to one role.
func (m *Manager) GetSessionHistoryByRole(role Role) []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []HistoryEntry
	for _, entry := range m.history {
		if entry.Role == role {
			out = append(out, entry)
		}
	}
	return out
}

// GetPreviousSession returns the most recent history entry for a role whose
// session still carries a provider session id and is currently suspended or
// terminated: the predecessor eligible for consultation.
func (m *Manager) GetPreviousSession(role Role) (*HistoryEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.history) - 1; i >= 0; i-- {
		entry := m.history[i]
		if entry.Role != role || entry.ProviderSessionID == "" {
			continue
		}
		current, ok := m.sessions[entry.SessionID]
		if !ok {
			continue
		}
		if current.Status != StatusSuspended && current.Status != StatusTerminated {
			continue
		}
		// Surface the session's current provider id in case a later turn
		// rotated it after the entry was recorded.
		entry.ProviderSessionID = current.ProviderSessionID
		entry.Status = current.Status
		return &entry, true
	}
	return nil, false
}

// PersistSession checkpoints a session's durable state. Checkpoint failures
// cost cross-restart durability only; callers log and carry on.
func (m *Manager) PersistSession(ctx context.Context, id string) error {
	if m.checkpoints == nil {
		return nil
	}

	session, ok := m.GetSession(id)
	if !ok {
		return ErrSessionNotFound
	}

	state, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("serializing session %s: %w", id, err)
	}
	if err := m.checkpoints.SaveSessionState(ctx, id, state); err != nil {
		m.logger.Error("failed to persist session",
			"session_id", id,
			"error", err)
		return err
	}
	return nil
}

// LoadSessionState restores a checkpointed session into the manager. The
// restored session has no live process; running checkpoints come back
// suspended when they carry a provider session id, terminated otherwise.
func (m *Manager) LoadSessionState(ctx context.Context, id string) (*Session, error) {
	if m.checkpoints == nil {
		return nil, ErrSessionNotFound
	}

	state, err := m.checkpoints.GetSessionState(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("loading session state %s: %w", id, err)
	}

	var session Session
	if err := json.Unmarshal(state, &session); err != nil {
		return nil, fmt.Errorf("parsing session state %s: %w", id, err)
	}

	// No process survives a restart.
	if session.Status == StatusRunning {
		if session.ProviderSessionID != "" {
			session.Status = StatusSuspended
			session.Reason = "restored from checkpoint"
		} else {
			session.Status = StatusTerminated
			session.Reason = "process lost across restart"
		}
	}

	m.mu.Lock()
	if _, known := m.sessions[session.ID]; !known {
		m.sessions[session.ID] = &session
		m.order = append(m.order, session.ID)
		sort.SliceStable(m.order, func(i, j int) bool {
			return m.sessions[m.order[i]].CreatedAt.Before(m.sessions[m.order[j]].CreatedAt)
		})
		if session.Status == StatusSuspended || session.Status == StatusTerminated {
			m.recordHistoryLocked(&session)
		}
	}
	m.mu.Unlock()

	m.logger.Info("session restored from checkpoint",
		"session_id", session.ID,
		"status", session.Status)

	return copySession(&session), nil
}

// findByProviderIDLocked returns the session carrying the given provider
// session id. Caller must hold m.mu.
func (m *Manager) findByProviderIDLocked(providerSessionID string) *Session {
	for _, session := range m.sessions {
		if session.ProviderSessionID == providerSessionID {
			return session
		}
	}
	return nil
}

// recordHistoryLocked appends an immutable history entry for a session that
// just became suspended or terminated. Caller must hold m.mu.
func (m *Manager) recordHistoryLocked(s *Session) {
	m.history = append(m.history, HistoryEntry{
		SessionID:         s.ID,
		ProviderSessionID: s.ProviderSessionID,
		Status:            s.Status,
		Role:              s.Role,
		AgentID:           s.AgentID,
		AgentName:         s.AgentName,
		CreatedAt:         s.CreatedAt,
		StartedAt:         s.StartedAt,
		EndedAt:           m.now(),
	})
}

// copySession returns a defensive copy of a session.
func copySession(s *Session) *Session {
	out := *s
	return &out
}
