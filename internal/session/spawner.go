// ABOUTME: Spawner collaborator interface and the typed event stream it yields
// ABOUTME: Defines the narrow boundary to the external agent runtime transport

package session

import (
	"context"
)

// EventType identifies the kind of event emitted by a spawned agent process.
type EventType string

// Event types yielded by the spawner's event stream. Result and Error are
// terminal for a turn; Exit is a process-level notification.
const (
	EventAssistant  EventType = "assistant"
	EventUser       EventType = "user"
	EventSystem     EventType = "system"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
	EventError      EventType = "error"
	EventExit       EventType = "exit"
)

// Event is one entry in a session's event stream.
type Event struct {
	Type EventType

	// Text carries the assistant text chunk, or the error message for
	// EventError.
	Text string

	// ProviderSessionID is set on system init events once the runtime has
	// assigned a resumable conversation handle.
	ProviderSessionID string

	// ExitCode and Signal are populated for EventExit.
	ExitCode int
	Signal   string
}

// Handle is an opaque reference to a live agent process, owned by the
// spawner. The manager holds it only to pass back into Stop and Message.
type Handle any

// StartOptions configures a fresh agent process.
type StartOptions struct {
	WorkingDir   string
	WorktreePath string
	Prompt       string
}

// ResumeOptions configures re-attachment to a prior conversation.
type ResumeOptions struct {
	ProviderSessionID string
	Prompt            string
	WorkingDir        string

	// CheckReadyQueue controls whether the resumed agent may pick up queued
	// work. Predecessor consultations resume with this set to false so the
	// predecessor answers only the question it was asked.
	CheckReadyQueue bool
}

// MessageOptions carries a follow-up turn for a running session.
type MessageOptions struct {
	Text string
}

// Spawner launches and manages external agent processes. Implementations
// close the returned event stream after the process exits or is stopped;
// events are delivered in the order the process emitted them.
type Spawner interface {
	Start(ctx context.Context, agentID string, opts StartOptions) (Handle, <-chan Event, error)
	Resume(ctx context.Context, agentID string, opts ResumeOptions) (Handle, <-chan Event, error)
	Stop(ctx context.Context, handle Handle) error
	Message(ctx context.Context, handle Handle, text string) error
}
