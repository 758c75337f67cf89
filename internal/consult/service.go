// ABOUTME: Predecessor consultation: ask a suspended or terminated prior session a question
// ABOUTME: Resumes the predecessor, accumulates its answer, and optionally re-suspends it

package consult

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/session"
)

// ErrNoPredecessor indicates no suspended or terminated session with a
// resumable conversation exists for the requested role.
var ErrNoPredecessor = errors.New("no predecessor session for role")

// ErrQueryNotFound indicates an unknown active query id.
var ErrQueryNotFound = errors.New("query not found")

// TimeoutError indicates the predecessor never answered within the allotted
// window. Distinct from ErrNoPredecessor so callers can tell "nothing to ask"
// from "asked but it never answered".
type TimeoutError struct {
	QueryID string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("predecessor query %s timed out after %s", e.QueryID, e.Timeout)
}

// Consultation timeout bounds. Requested timeouts are clamped into
// [MinTimeout, MaxTimeout]; zero means DefaultTimeout.
const (
	DefaultTimeout = 60 * time.Second
	MinTimeout     = 10 * time.Second
	MaxTimeout     = 300 * time.Second
)

// suspendReason marks sessions parked again after answering a consultation.
const suspendReason = "suspended after predecessor consultation"

// QueryStatus tracks a consultation through its lifecycle.
type QueryStatus string

const (
	QueryPending         QueryStatus = "pending"
	QueryResuming        QueryStatus = "resuming"
	QueryWaitingResponse QueryStatus = "waiting_response"
	QueryCompleted       QueryStatus = "completed"
	QueryCancelled       QueryStatus = "cancelled"
	QueryTimedOut        QueryStatus = "timed_out"
)

// Query is one in-flight consultation.
type Query struct {
	ID                string       `json:"id"`
	RequesterID       string       `json:"requesterId"`
	Role              session.Role `json:"role"`
	Question          string       `json:"question"`
	Context           string       `json:"context,omitempty"`
	SessionID         string       `json:"sessionId"`
	ProviderSessionID string       `json:"providerSessionId"`
	Status            QueryStatus  `json:"status"`
	StartedAt         time.Time    `json:"startedAt"`

	cancelCh chan struct{}
}

// Request asks the most recent predecessor of a role a question.
type Request struct {
	// RequesterID identifies the agent asking, so in-flight queries can be
	// attributed.
	RequesterID string

	Role     session.Role
	Question string

	// Context is optional background prepended to the question in the
	// resume prompt.
	Context string

	// Timeout bounds the wait for an answer; zero means DefaultTimeout.
	Timeout time.Duration

	// SuspendAfterResponse controls whether the predecessor is parked again
	// after answering. Nil means true.
	SuspendAfterResponse *bool
}

// Result is the outcome of a consultation. Duration is always non-negative,
// including for failures.
type Result struct {
	Success  bool          `json:"success"`
	Response string        `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SessionManager is the slice of the session lifecycle manager the consult
// service depends on.
type SessionManager interface {
	GetPreviousSession(role session.Role) (*session.HistoryEntry, bool)
	ResumeSession(ctx context.Context, agentID string, opts session.ResumeOptions) (*session.Session, <-chan session.Event, error)
	SuspendSession(ctx context.Context, id, reason string) error
}

// Service answers questions by resuming predecessor sessions.
type Service struct {
	mu      sync.Mutex
	active  map[string]*Query
	manager SessionManager
	logger  *slog.Logger

	// nowFn and newTimer allow test time injection.
	nowFn    func() time.Time
	newTimer func(d time.Duration) *time.Timer
}

// NewService creates the consultation service. Pass nil logger for default.
func NewService(manager SessionManager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		active:  make(map[string]*Query),
		manager: manager,
		logger:  logger.With("component", "consult"),
	}
}

func (s *Service) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn()
	}
	return time.Now()
}

// HasPredecessor reports whether a consultable prior session exists for the
// role.
func (s *Service) HasPredecessor(role session.Role) bool {
	entry, ok := s.manager.GetPreviousSession(role)
	return ok && entry.ProviderSessionID != ""
}

// GetPredecessorInfo returns the history entry a consultation for this role
// would target.
func (s *Service) GetPredecessorInfo(role session.Role) (*session.HistoryEntry, bool) {
	entry, ok := s.manager.GetPreviousSession(role)
	if !ok || entry.ProviderSessionID == "" {
		return nil, false
	}
	return entry, true
}

// ConsultPredecessor resumes the most recent predecessor for the request's
// role, asks it the question, and accumulates its answer until a terminal
// event, timeout, or cancellation. On success the predecessor is suspended
// again unless the request opts out.
//
// Failures return a Result with Success=false alongside the error; timeouts
// return a *TimeoutError.
func (s *Service) ConsultPredecessor(ctx context.Context, req Request) (*Result, error) {
	start := s.now()

	entry, ok := s.manager.GetPreviousSession(req.Role)
	if !ok || entry.ProviderSessionID == "" {
		result := &Result{
			Success:  false,
			Error:    fmt.Sprintf("No predecessor found for role %s", req.Role),
			Duration: s.sinceNonNegative(start),
		}
		return result, ErrNoPredecessor
	}

	timeout := ClampTimeout(req.Timeout)

	query := &Query{
		ID:                uuid.New().String(),
		RequesterID:       req.RequesterID,
		Role:              req.Role,
		Question:          req.Question,
		Context:           req.Context,
		SessionID:         entry.SessionID,
		ProviderSessionID: entry.ProviderSessionID,
		Status:            QueryPending,
		StartedAt:         start,
		cancelCh:          make(chan struct{}, 1),
	}
	s.register(query)
	defer s.remove(query.ID)

	s.logger.Info("consulting predecessor",
		"query_id", query.ID,
		"role", req.Role,
		"session_id", entry.SessionID,
		"timeout", timeout)

	s.setStatus(query.ID, QueryResuming)
	resumed, stream, err := s.manager.ResumeSession(ctx, entry.AgentID, session.ResumeOptions{
		ProviderSessionID: entry.ProviderSessionID,
		Prompt:            composePrompt(req.Context, req.Question),
		// The predecessor answers only the question it was asked; it must
		// not pick up queued work on this resume.
		CheckReadyQueue: false,
	})
	if err != nil {
		result := &Result{
			Success:  false,
			Error:    fmt.Sprintf("failed to resume predecessor: %v", err),
			Duration: s.sinceNonNegative(start),
		}
		return result, fmt.Errorf("resuming predecessor session %s: %w", entry.SessionID, err)
	}
	s.setStatus(query.ID, QueryWaitingResponse)

	startTimer := s.newTimer
	if startTimer == nil {
		startTimer = time.NewTimer
	}
	timer := startTimer(timeout)
	defer timer.Stop()

	var answer strings.Builder
	for {
		select {
		case <-ctx.Done():
			s.setStatus(query.ID, QueryCancelled)
			return &Result{
				Success:  false,
				Error:    "Query was cancelled",
				Duration: s.sinceNonNegative(start),
			}, ctx.Err()

		case <-query.cancelCh:
			s.setStatus(query.ID, QueryCancelled)
			return &Result{
				Success:  false,
				Error:    "Query was cancelled",
				Duration: s.sinceNonNegative(start),
			}, nil

		case <-timer.C:
			s.setStatus(query.ID, QueryTimedOut)
			return &Result{
				Success:  false,
				Error:    fmt.Sprintf("predecessor did not answer within %s", timeout),
				Duration: s.sinceNonNegative(start),
			}, &TimeoutError{QueryID: query.ID, Timeout: timeout}

		case event, open := <-stream:
			if !open {
				// Stream ended without a terminal event; whatever text
				// arrived is the answer.
				return s.finish(ctx, query, resumed.ID, req, answer.String(),
					"predecessor event stream ended before a response", start)
			}

			switch event.Type {
			case session.EventAssistant:
				answer.WriteString(event.Text)

			case session.EventResult:
				s.setStatus(query.ID, QueryCompleted)
				return s.succeed(ctx, query, resumed.ID, req, answer.String(), start)

			case session.EventError:
				s.setStatus(query.ID, QueryCompleted)
				return &Result{
					Success:  false,
					Error:    event.Text,
					Duration: s.sinceNonNegative(start),
				}, nil

			case session.EventExit:
				return s.finish(ctx, query, resumed.ID, req, answer.String(),
					fmt.Sprintf("predecessor exited with code %d before answering", event.ExitCode), start)
			}
		}
	}
}

// finish resolves a consultation whose process ended: success if any answer
// text accumulated, failure with the given reason otherwise.
func (s *Service) finish(ctx context.Context, query *Query, sessionID string, req Request, answer, failReason string, start time.Time) (*Result, error) {
	if answer != "" {
		s.setStatus(query.ID, QueryCompleted)
		return s.succeed(ctx, query, sessionID, req, answer, start)
	}
	s.setStatus(query.ID, QueryCompleted)
	return &Result{
		Success:  false,
		Error:    failReason,
		Duration: s.sinceNonNegative(start),
	}, nil
}

// succeed builds the success result and re-suspends the predecessor unless
// the request opted out. Suspension failures are logged, not surfaced; the
// answer is already in hand.
func (s *Service) succeed(ctx context.Context, query *Query, sessionID string, req Request, answer string, start time.Time) (*Result, error) {
	if req.SuspendAfterResponse == nil || *req.SuspendAfterResponse {
		if err := s.manager.SuspendSession(ctx, sessionID, suspendReason); err != nil {
			s.logger.Warn("failed to re-suspend predecessor after consultation",
				"query_id", query.ID,
				"session_id", sessionID,
				"error", err)
		}
	}
	return &Result{
		Success:  true,
		Response: answer,
		Duration: s.sinceNonNegative(start),
	}, nil
}

// CancelQuery deregisters an active query immediately and resolves its waiter
// with a cancelled result. The underlying predecessor process is left
// untouched. Unknown ids are a no-op.
func (s *Service) CancelQuery(id string) {
	s.mu.Lock()
	query, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	select {
	case query.cancelCh <- struct{}{}:
	default:
	}
	s.logger.Info("query cancelled", "query_id", id)
}

// GetActiveQuery returns a copy of an in-flight query.
func (s *Service) GetActiveQuery(id string) (*Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query, ok := s.active[id]
	if !ok {
		return nil, ErrQueryNotFound
	}
	cp := *query
	return &cp, nil
}

// ListActiveQueries returns copies of all in-flight queries, oldest first.
func (s *Service) ListActiveQueries() []*Query {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Query, 0, len(s.active))
	for _, query := range s.active {
		cp := *query
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *Service) register(query *Query) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[query.ID] = query
}

func (s *Service) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

func (s *Service) setStatus(id string, status QueryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if query, ok := s.active[id]; ok {
		query.Status = status
	}
}

// sinceNonNegative measures elapsed time since start, floored at zero so
// results never report a negative duration even with a skewed clock.
func (s *Service) sinceNonNegative(start time.Time) time.Duration {
	d := s.now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

// ClampTimeout normalizes a requested consultation timeout: zero becomes
// DefaultTimeout, and the result is clamped into [MinTimeout, MaxTimeout].
func ClampTimeout(timeout time.Duration) time.Duration {
	if timeout == 0 {
		return DefaultTimeout
	}
	if timeout < MinTimeout {
		return MinTimeout
	}
	if timeout > MaxTimeout {
		return MaxTimeout
	}
	return timeout
}

// composePrompt builds the resume prompt from optional context and the
// question.
func composePrompt(contextText, question string) string {
	var b strings.Builder
	if contextText != "" {
		b.WriteString("Context: ")
		b.WriteString(contextText)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}
