// ABOUTME: Session and history data types for the lifecycle manager
// ABOUTME: Defines status/role enums, the Session record, and history entries

package session

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

// Session lifecycle states. Terminated is terminal; suspended sessions can
// be resumed through their provider session id.
const (
	StatusRunning    Status = "running"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// Role is the agent role a session runs under.
type Role string

// Agent roles.
const (
	RoleDirector Role = "director"
	RoleWorker   Role = "worker"
	RoleSteward  Role = "steward"
)

// Session represents one running or historical agent process. It is owned
// exclusively by the Manager; accessors return copies, and other components
// hold only identifiers.
type Session struct {
	ID string `json:"id"`

	// ProviderSessionID is the opaque handle the underlying agent runtime
	// needs to resume conversation state. Empty until the runtime assigns
	// one on the first completed turn.
	ProviderSessionID string `json:"providerSessionId,omitempty"`

	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName,omitempty"`
	Role      Role   `json:"role"`
	Status    Status `json:"status"`

	WorkingDir   string `json:"workingDir,omitempty"`
	WorktreePath string `json:"worktreePath,omitempty"`

	CreatedAt      time.Time `json:"createdAt"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`

	// Reason records why the session was suspended or terminated.
	Reason string `json:"reason,omitempty"`
}

// HistoryEntry is an immutable summary of a session transition into the
// suspended or terminated state. History is append-only and chronological;
// it is how the predecessor for a role is found.
type HistoryEntry struct {
	SessionID         string
	ProviderSessionID string
	Status            Status
	Role              Role
	AgentID           string
	AgentName         string
	CreatedAt         time.Time
	StartedAt         time.Time
	EndedAt           time.Time
}

// Filter narrows ListSessions results. Zero-valued fields match everything.
type Filter struct {
	AgentID string
	Role    Role
	Status  Status
}

// matches reports whether a session passes the filter.
func (f Filter) matches(s *Session) bool {
	if f.AgentID != "" && s.AgentID != f.AgentID {
		return false
	}
	if f.Role != "" && s.Role != f.Role {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}
