// ABOUTME: In-memory per-session event broadcaster (one writer, many readers)
// ABOUTME: Fans spawner events out to subscribers in emission order

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub for session events. The manager's
// event pump is the single writer per session; subscribers receive events in
// the order the underlying process emitted them.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string]map[string]chan Event // sessionID -> subID -> ch
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		topics: make(map[string]map[string]chan Event),
		logger: logger.With("component", "broadcaster"),
	}
}

// Register creates the topic for a session. Idempotent.
func (b *Broadcaster) Register(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[sessionID]; !ok {
		b.topics[sessionID] = make(map[string]chan Event)
	}
}

// Subscribe registers a subscriber for a session's events. Returns a channel
// that receives events and a subscription ID for later unsubscription. The
// subscription is automatically cleaned up when ctx is cancelled. Returns
// false when the session has no active topic.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan Event, string, bool) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	subs, ok := b.topics[sessionID]
	if !ok {
		b.mu.Unlock()
		return nil, "", false
	}
	subs[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"session_id", sessionID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID, true
}

// Publish sends an event to all subscribers of the session.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(sessionID string, event Event) {
	b.mu.RLock()
	subs, ok := b.topics[sessionID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy subscriber channels under read lock to avoid holding lock during sends
	targets := make([]chan Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"session_id", sessionID,
				"event_type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[sessionID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
}

// CloseTopic closes all subscriber channels for a session and removes the
// topic. Called by the manager once the session's event stream ends.
func (b *Broadcaster) CloseTopic(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[sessionID]
	if !ok {
		return
	}

	for subID, ch := range subs {
		close(ch)
		delete(subs, subID)
	}
	delete(b.topics, sessionID)

	b.logger.Debug("topic closed", "session_id", sessionID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.topics {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.topics, sessionID)
	}
}
