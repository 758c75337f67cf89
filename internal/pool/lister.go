// ABOUTME: SessionLister adapter over the session manager and agent directory
// ABOUTME: Turns the live running-session set into admission accounting input

package pool

import (
	"context"

	"github.com/2389/coven-dispatch/internal/directory"
	"github.com/2389/coven-dispatch/internal/session"
)

// sessionSource is the slice of the session manager the lister reads.
type sessionSource interface {
	ListSessions(filter session.Filter) []*session.Session
}

// ManagerLister derives the active agent set from the session manager,
// resolving sub-modes through the agent directory.
type ManagerLister struct {
	sessions  sessionSource
	directory directory.Directory
}

// NewManagerLister creates the adapter. The directory may be nil; sub-modes
// then stay empty.
func NewManagerLister(sessions sessionSource, dir directory.Directory) *ManagerLister {
	return &ManagerLister{sessions: sessions, directory: dir}
}

// ActiveAgents returns one entry per agent with a running session.
func (l *ManagerLister) ActiveAgents(ctx context.Context) ([]AgentInfo, error) {
	running := l.sessions.ListSessions(session.Filter{Status: session.StatusRunning})

	seen := make(map[string]bool, len(running))
	out := make([]AgentInfo, 0, len(running))
	for _, s := range running {
		if seen[s.AgentID] {
			continue
		}
		seen[s.AgentID] = true

		info := AgentInfo{AgentID: s.AgentID, Role: string(s.Role)}
		if l.directory != nil {
			if meta, err := l.directory.Resolve(ctx, s.AgentID); err == nil {
				info.Role = meta.Role
				info.SubMode = meta.SubMode
			}
		}
		out = append(out, info)
	}
	return out, nil
}
