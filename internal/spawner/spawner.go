// ABOUTME: exec-based Spawner implementation running one OS process per agent session
// ABOUTME: Adapts newline-delimited JSON on the child's stdout into session events

package spawner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/2389/coven-dispatch/internal/session"
)

const (
	eventBufferSize = 64
	stopGracePeriod = 5 * time.Second
)

// wireEvent is one newline-delimited JSON record on the child's stdout.
type wireEvent struct {
	Type              string `json:"type"`
	Text              string `json:"text,omitempty"`
	ProviderSessionID string `json:"session_id,omitempty"`
}

// process is the live child behind a session.Handle. done is closed by the
// event pump once the child has been reaped.
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
}

// ProcSpawner launches agent processes from a fixed argv template. Agent
// identity, prompt, and resume target are passed through the environment:
// COVEN_AGENT_ID, COVEN_PROMPT, COVEN_RESUME_SESSION, COVEN_CHECK_READY_QUEUE.
type ProcSpawner struct {
	argv   []string
	logger *slog.Logger
}

// New creates a ProcSpawner. Pass nil logger for the default.
func New(argv []string, logger *slog.Logger) (*ProcSpawner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("spawner command is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcSpawner{
		argv:   argv,
		logger: logger.With("component", "spawner"),
	}, nil
}

// Start launches a fresh agent process.
func (s *ProcSpawner) Start(_ context.Context, agentID string, opts session.StartOptions) (session.Handle, <-chan session.Event, error) {
	env := []string{
		"COVEN_AGENT_ID=" + agentID,
		"COVEN_PROMPT=" + opts.Prompt,
	}
	if opts.WorktreePath != "" {
		env = append(env, "COVEN_WORKTREE="+opts.WorktreePath)
	}
	return s.launch(agentID, opts.WorkingDir, env)
}

// Resume launches a process re-attached to a prior conversation.
func (s *ProcSpawner) Resume(_ context.Context, agentID string, opts session.ResumeOptions) (session.Handle, <-chan session.Event, error) {
	env := []string{
		"COVEN_AGENT_ID=" + agentID,
		"COVEN_PROMPT=" + opts.Prompt,
		"COVEN_RESUME_SESSION=" + opts.ProviderSessionID,
		fmt.Sprintf("COVEN_CHECK_READY_QUEUE=%t", opts.CheckReadyQueue),
	}
	return s.launch(agentID, opts.WorkingDir, env)
}

func (s *ProcSpawner) launch(agentID, workingDir string, env []string) (session.Handle, <-chan session.Event, error) {
	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting agent process: %w", err)
	}

	s.logger.Info("agent process started",
		"agent_id", agentID,
		"pid", cmd.Process.Pid)

	p := &process{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	events := make(chan session.Event, eventBufferSize)
	go s.pump(p, stdout, events)

	return p, events, nil
}

// pump translates the child's stdout into events, then reaps the process
// and emits a final exit event before closing the stream.
func (s *ProcSpawner) pump(p *process, stdout io.Reader, events chan<- session.Event) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var we wireEvent
		if err := json.Unmarshal(line, &we); err != nil {
			s.logger.Debug("skipping malformed event line", "error", err)
			continue
		}
		events <- session.Event{
			Type:              session.EventType(we.Type),
			Text:              we.Text,
			ProviderSessionID: we.ProviderSessionID,
		}
	}

	exit := session.Event{Type: session.EventExit}
	err := p.cmd.Wait()
	if state := p.cmd.ProcessState; state != nil {
		exit.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signal = ws.Signal().String()
		}
	}
	if err != nil {
		s.logger.Debug("agent process ended", "error", err)
	}
	close(p.done)

	events <- exit
	close(events)
}

// Stop terminates the process: SIGTERM, then SIGKILL after a grace period.
// Returns once the process has been reaped.
func (s *ProcSpawner) Stop(ctx context.Context, handle session.Handle) error {
	p, ok := handle.(*process)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", handle)
	}

	p.stdin.Close()
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(stopGracePeriod):
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err == nil {
		<-p.done
	}
	return nil
}

// Message writes a user turn onto the child's stdin.
func (s *ProcSpawner) Message(_ context.Context, handle session.Handle, text string) error {
	p, ok := handle.(*process)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", handle)
	}

	line, err := json.Marshal(wireEvent{Type: string(session.EventUser), Text: text})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := p.stdin.Write(line); err != nil {
		return fmt.Errorf("writing to agent stdin: %w", err)
	}
	return nil
}
