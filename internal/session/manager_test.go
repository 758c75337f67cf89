// ABOUTME: Tests for the session lifecycle manager
// ABOUTME: Validates start/resume/suspend/stop transitions, history, predecessors, and checkpoints

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/2389/coven-dispatch/internal/directory"
	"github.com/2389/coven-dispatch/internal/store"
)

// fakeSpawner implements Spawner for testing. The most recently created
// event stream is exposed so tests can drive process output.
type fakeSpawner struct {
	mu         sync.Mutex
	nextHandle int
	streams    map[string]chan Event
	lastStream chan Event
	lastResume ResumeOptions
	stopped    []string
	messages   []string
	startErr   error
	resumeErr  error
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{streams: make(map[string]chan Event)}
}

func (f *fakeSpawner) Start(_ context.Context, agentID string, _ StartOptions) (Handle, <-chan Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return nil, nil, f.startErr
	}
	return f.newProcessLocked(), f.lastStream, nil
}

func (f *fakeSpawner) Resume(_ context.Context, agentID string, opts ResumeOptions) (Handle, <-chan Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.resumeErr != nil {
		return nil, nil, f.resumeErr
	}
	f.lastResume = opts
	return f.newProcessLocked(), f.lastStream, nil
}

func (f *fakeSpawner) Stop(_ context.Context, handle Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := handle.(string)
	if ch, ok := f.streams[id]; ok {
		close(ch)
		delete(f.streams, id)
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeSpawner) Message(_ context.Context, _ Handle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeSpawner) newProcessLocked() Handle {
	f.nextHandle++
	id := fmt.Sprintf("proc-%d", f.nextHandle)
	ch := make(chan Event, 16)
	f.streams[id] = ch
	f.lastStream = ch
	return id
}

// emit pushes an event onto the most recent process stream.
func (f *fakeSpawner) emit(event Event) {
	f.mu.Lock()
	ch := f.lastStream
	f.mu.Unlock()
	ch <- event
}

// closeStream ends the most recent process stream, as a real spawner does
// after the process exits.
func (f *fakeSpawner) closeStream() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, ch := range f.streams {
		if ch == f.lastStream {
			close(ch)
			delete(f.streams, id)
		}
	}
}

func (f *fakeSpawner) stoppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func testDirectory() *directory.StaticDirectory {
	dir := directory.NewStaticDirectory()
	dir.Add(directory.AgentMeta{ID: "agent-director", Name: "Planner", Role: "director"})
	dir.Add(directory.AgentMeta{ID: "agent-worker", Name: "Builder", Role: "worker", SubMode: "implement"})
	dir.Add(directory.AgentMeta{ID: "agent-steward", Name: "Groundskeeper", Role: "steward"})
	return dir
}

func newTestManager() (*Manager, *fakeSpawner) {
	spawner := newFakeSpawner()
	return NewManager(spawner, testDirectory(), nil, nil), spawner
}

// readEvent receives one event from a stream or fails the test.
func readEvent(t *testing.T, stream <-chan Event) Event {
	t.Helper()

	select {
	case event, ok := <-stream:
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// waitClosed waits for a stream to drain and close.
func waitClosed(t *testing.T, stream <-chan Event) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func TestStartSession(t *testing.T) {
	t.Run("creates a running session with resolved role", func(t *testing.T) {
		mgr, _ := newTestManager()

		session, stream, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{WorkingDir: "/work"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stream == nil {
			t.Fatal("expected event stream, got nil")
		}
		if session.Status != StatusRunning {
			t.Errorf("status = %q, want %q", session.Status, StatusRunning)
		}
		if session.Role != RoleWorker {
			t.Errorf("role = %q, want %q", session.Role, RoleWorker)
		}
		if session.ProviderSessionID != "" {
			t.Errorf("provider session id = %q, want empty before first turn", session.ProviderSessionID)
		}

		active, ok := mgr.GetActiveSession("agent-worker")
		if !ok {
			t.Fatal("expected active session for agent-worker")
		}
		if active.ID != session.ID {
			t.Errorf("active session id = %q, want %q", active.ID, session.ID)
		}
	})

	t.Run("fails for unknown agent", func(t *testing.T) {
		mgr, _ := newTestManager()

		_, _, err := mgr.StartSession(context.Background(), "agent-ghost", StartOptions{})
		if err == nil {
			t.Fatal("expected error for unknown agent")
		}
	})
}

func TestEventPump(t *testing.T) {
	t.Run("captures provider session id from system events", func(t *testing.T) {
		mgr, spawner := newTestManager()

		session, stream, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		spawner.emit(Event{Type: EventSystem, ProviderSessionID: "prov-123"})
		event := readEvent(t, stream)
		if event.Type != EventSystem {
			t.Fatalf("event type = %q, want %q", event.Type, EventSystem)
		}

		got, _ := mgr.GetSession(session.ID)
		if got.ProviderSessionID != "prov-123" {
			t.Errorf("provider session id = %q, want %q", got.ProviderSessionID, "prov-123")
		}
	})

	t.Run("exit event terminates a running session", func(t *testing.T) {
		mgr, spawner := newTestManager()

		session, stream, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		spawner.emit(Event{Type: EventExit, ExitCode: 1})
		spawner.closeStream()
		waitClosed(t, stream)

		got, _ := mgr.GetSession(session.ID)
		if got.Status != StatusTerminated {
			t.Errorf("status = %q, want %q", got.Status, StatusTerminated)
		}
		if got.Reason == "" {
			t.Error("expected a termination reason")
		}
	})
}

func TestSuspendSession(t *testing.T) {
	t.Run("suspended session leaves the active set but stays resumable", func(t *testing.T) {
		mgr, spawner := newTestManager()

		session, stream, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		spawner.emit(Event{Type: EventSystem, ProviderSessionID: "prov-123"})
		readEvent(t, stream)

		if err := mgr.SuspendSession(context.Background(), session.ID, "context compaction"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, ok := mgr.GetActiveSession("agent-worker"); ok {
			t.Error("suspended session should not be active")
		}

		got, _ := mgr.GetSession(session.ID)
		if got.Status != StatusSuspended {
			t.Errorf("status = %q, want %q", got.Status, StatusSuspended)
		}
		if got.Reason != "context compaction" {
			t.Errorf("reason = %q, want %q", got.Reason, "context compaction")
		}
		if got.ProviderSessionID != "prov-123" {
			t.Error("suspension must retain the provider session id")
		}

		resumable, ok := mgr.GetMostRecentResumableSession("agent-worker")
		if !ok || resumable.ID != session.ID {
			t.Error("suspended session with provider id should be resumable")
		}

		if spawner.stoppedCount() != 1 {
			t.Errorf("spawner stops = %d, want 1", spawner.stoppedCount())
		}
	})

	t.Run("only running sessions can be suspended", func(t *testing.T) {
		mgr, _ := newTestManager()

		session, _, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mgr.SuspendSession(context.Background(), session.ID, "first"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if err := mgr.SuspendSession(context.Background(), session.ID, "second"); err != ErrSessionNotRunning {
			t.Errorf("error = %v, want ErrSessionNotRunning", err)
		}
		if err := mgr.SuspendSession(context.Background(), "unknown", "x"); err != ErrSessionNotFound {
			t.Errorf("error = %v, want ErrSessionNotFound", err)
		}
	})
}

func TestResumeSession(t *testing.T) {
	t.Run("requires a provider session id", func(t *testing.T) {
		mgr, _ := newTestManager()

		_, _, err := mgr.ResumeSession(context.Background(), "agent-worker", ResumeOptions{})
		if err != ErrProviderSessionRequired {
			t.Errorf("error = %v, want ErrProviderSessionRequired", err)
		}
	})

	t.Run("flips a suspended session back to running", func(t *testing.T) {
		mgr, spawner := newTestManager()

		session, stream, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		spawner.emit(Event{Type: EventSystem, ProviderSessionID: "prov-123"})
		readEvent(t, stream)
		if err := mgr.SuspendSession(context.Background(), session.ID, "paused"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		resumed, _, err := mgr.ResumeSession(context.Background(), "agent-worker", ResumeOptions{
			ProviderSessionID: "prov-123",
			Prompt:            "continue where you left off",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resumed.ID != session.ID {
			t.Errorf("resumed id = %q, want original %q", resumed.ID, session.ID)
		}
		if resumed.Status != StatusRunning {
			t.Errorf("status = %q, want %q", resumed.Status, StatusRunning)
		}
		if resumed.Reason != "" {
			t.Errorf("reason = %q, want cleared", resumed.Reason)
		}

		if _, ok := mgr.GetActiveSession("agent-worker"); !ok {
			t.Error("resumed session should be active again")
		}
		if spawner.lastResume.Prompt != "continue where you left off" {
			t.Errorf("resume prompt = %q not forwarded", spawner.lastResume.Prompt)
		}
	})

	t.Run("rejects resuming a session that is already running", func(t *testing.T) {
		mgr, spawner := newTestManager()

		_, stream, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		spawner.emit(Event{Type: EventSystem, ProviderSessionID: "prov-123"})
		readEvent(t, stream)

		_, _, err = mgr.ResumeSession(context.Background(), "agent-worker", ResumeOptions{ProviderSessionID: "prov-123"})
		if err != ErrSessionAlreadyRunning {
			t.Errorf("error = %v, want ErrSessionAlreadyRunning", err)
		}
	})

	t.Run("creates a fresh record for an unknown provider session id", func(t *testing.T) {
		mgr, _ := newTestManager()

		session, _, err := mgr.ResumeSession(context.Background(), "agent-worker", ResumeOptions{ProviderSessionID: "prov-elsewhere"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if session.ProviderSessionID != "prov-elsewhere" {
			t.Errorf("provider session id = %q, want %q", session.ProviderSessionID, "prov-elsewhere")
		}
		if session.Status != StatusRunning {
			t.Errorf("status = %q, want %q", session.Status, StatusRunning)
		}
	})
}

func TestStopSession(t *testing.T) {
	t.Run("terminated is terminal and stop is idempotent", func(t *testing.T) {
		mgr, _ := newTestManager()

		session, _, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if err := mgr.StopSession(context.Background(), session.ID, StopOptions{Reason: "done"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, _ := mgr.GetSession(session.ID)
		if got.Status != StatusTerminated {
			t.Errorf("status = %q, want %q", got.Status, StatusTerminated)
		}

		if err := mgr.StopSession(context.Background(), session.ID, StopOptions{}); err != nil {
			t.Errorf("second stop should be a no-op, got %v", err)
		}
		if err := mgr.StopSession(context.Background(), "unknown", StopOptions{}); err != ErrSessionNotFound {
			t.Errorf("error = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("terminated sessions without a provider id are not resumable", func(t *testing.T) {
		mgr, _ := newTestManager()

		session, _, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mgr.StopSession(context.Background(), session.ID, StopOptions{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, ok := mgr.GetMostRecentResumableSession("agent-worker"); ok {
			t.Error("session without provider id should not be resumable")
		}
	})

	t.Run("terminated sessions with a provider id remain resumable", func(t *testing.T) {
		mgr, spawner := newTestManager()

		session, stream, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		spawner.emit(Event{Type: EventSystem, ProviderSessionID: "prov-123"})
		readEvent(t, stream)
		if err := mgr.StopSession(context.Background(), session.ID, StopOptions{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		resumable, ok := mgr.GetMostRecentResumableSession("agent-worker")
		if !ok || resumable.ID != session.ID {
			t.Error("terminated session with provider id should remain resumable")
		}
	})
}

func TestMessageSession(t *testing.T) {
	mgr, spawner := newTestManager()

	session, _, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mgr.MessageSession(context.Background(), session.ID, MessageOptions{Text: "status?"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spawner.mu.Lock()
	sent := len(spawner.messages)
	spawner.mu.Unlock()
	if sent != 1 {
		t.Errorf("messages sent = %d, want 1", sent)
	}

	if err := mgr.SuspendSession(context.Background(), session.ID, "paused"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mgr.MessageSession(context.Background(), session.ID, MessageOptions{Text: "hello?"}); err != ErrSessionNotRunning {
		t.Errorf("error = %v, want ErrSessionNotRunning", err)
	}
}

func TestSessionHistory(t *testing.T) {
	t.Run("history is chronological and role-scoped", func(t *testing.T) {
		mgr, spawner := newTestManager()

		worker, stream, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		spawner.emit(Event{Type: EventSystem, ProviderSessionID: "prov-w"})
		readEvent(t, stream)
		if err := mgr.SuspendSession(context.Background(), worker.ID, "paused"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		steward, _, err := mgr.StartSession(context.Background(), "agent-steward", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mgr.StopSession(context.Background(), steward.ID, StopOptions{Reason: "done"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		history := mgr.GetSessionHistory()
		if len(history) != 2 {
			t.Fatalf("history length = %d, want 2", len(history))
		}
		if history[0].SessionID != worker.ID || history[1].SessionID != steward.ID {
			t.Error("history should be in transition order")
		}

		workerHistory := mgr.GetSessionHistoryByRole(RoleWorker)
		if len(workerHistory) != 1 || workerHistory[0].SessionID != worker.ID {
			t.Error("role-scoped history should contain only worker entries")
		}
	})

	t.Run("predecessor requires a provider session id", func(t *testing.T) {
		mgr, _ := newTestManager()

		session, _, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// No provider session id was ever assigned.
		if err := mgr.SuspendSession(context.Background(), session.ID, "paused"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, ok := mgr.GetPreviousSession(RoleWorker); ok {
			t.Error("session without provider id must not be a predecessor")
		}
	})

	t.Run("predecessor is the most recent suspended or terminated entry", func(t *testing.T) {
		mgr, spawner := newTestManager()

		first, stream, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		spawner.emit(Event{Type: EventSystem, ProviderSessionID: "prov-1"})
		readEvent(t, stream)
		if err := mgr.SuspendSession(context.Background(), first.ID, "paused"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		second, stream2, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		spawner.emit(Event{Type: EventSystem, ProviderSessionID: "prov-2"})
		readEvent(t, stream2)
		if err := mgr.StopSession(context.Background(), second.ID, StopOptions{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		predecessor, ok := mgr.GetPreviousSession(RoleWorker)
		if !ok {
			t.Fatal("expected a predecessor")
		}
		if predecessor.SessionID != second.ID {
			t.Errorf("predecessor = %q, want most recent %q", predecessor.SessionID, second.ID)
		}
		if predecessor.ProviderSessionID != "prov-2" {
			t.Errorf("predecessor provider id = %q, want %q", predecessor.ProviderSessionID, "prov-2")
		}
	})
}

// fakeSessionStore is an in-memory SessionStore.
type fakeSessionStore struct {
	mu     sync.Mutex
	states map[string][]byte
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{states: make(map[string][]byte)}
}

func (f *fakeSessionStore) SaveSessionState(_ context.Context, sessionID string, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[sessionID] = append([]byte(nil), state...)
	return nil
}

func (f *fakeSessionStore) GetSessionState(_ context.Context, sessionID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return state, nil
}

func TestSessionCheckpoints(t *testing.T) {
	t.Run("persisted running session restores as suspended", func(t *testing.T) {
		checkpoints := newFakeSessionStore()
		spawner := newFakeSpawner()
		mgr := NewManager(spawner, testDirectory(), checkpoints, nil)

		session, stream, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		spawner.emit(Event{Type: EventSystem, ProviderSessionID: "prov-123"})
		readEvent(t, stream)

		if err := mgr.PersistSession(context.Background(), session.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Simulate a restart with a fresh manager over the same store.
		restarted := NewManager(newFakeSpawner(), testDirectory(), checkpoints, nil)
		restored, err := restarted.LoadSessionState(context.Background(), session.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if restored.Status != StatusSuspended {
			t.Errorf("status = %q, want %q after restart", restored.Status, StatusSuspended)
		}
		if restored.ProviderSessionID != "prov-123" {
			t.Error("restored session should keep its provider session id")
		}

		// The restored session is a valid predecessor on the new manager.
		if _, ok := restarted.GetPreviousSession(RoleWorker); !ok {
			t.Error("restored suspended session should be a predecessor")
		}
	})

	t.Run("loading an unknown checkpoint fails with not found", func(t *testing.T) {
		mgr := NewManager(newFakeSpawner(), testDirectory(), newFakeSessionStore(), nil)

		if _, err := mgr.LoadSessionState(context.Background(), "missing"); err != ErrSessionNotFound {
			t.Errorf("error = %v, want ErrSessionNotFound", err)
		}
	})
}

func TestListSessions(t *testing.T) {
	mgr, _ := newTestManager()

	w, _, err := mgr.StartSession(context.Background(), "agent-worker", StartOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := mgr.StartSession(context.Background(), "agent-director", StartOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mgr.SuspendSession(context.Background(), w.ID, "paused"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := len(mgr.ListSessions(Filter{})); n != 2 {
		t.Errorf("unfiltered sessions = %d, want 2", n)
	}
	if n := len(mgr.ListSessions(Filter{Status: StatusRunning})); n != 1 {
		t.Errorf("running sessions = %d, want 1", n)
	}
	if n := len(mgr.ListSessions(Filter{Role: RoleWorker})); n != 1 {
		t.Errorf("worker sessions = %d, want 1", n)
	}
	if n := len(mgr.ListSessions(Filter{AgentID: "agent-director"})); n != 1 {
		t.Errorf("director agent sessions = %d, want 1", n)
	}
}
