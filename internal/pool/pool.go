// ABOUTME: Pool configuration types, validation rules, and derived status
// ABOUTME: A pool is a named concurrency limiter over agent spawns

package pool

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// DefaultPriority is the scheduling priority assumed for agent types that do
// not configure one.
const DefaultPriority = 5

// Pool size bounds.
const (
	MinPoolSize = 1
	MaxPoolSize = 1000
)

var poolNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Validation and lookup errors.
var (
	ErrPoolNotFound          = errors.New("pool not found")
	ErrDuplicatePoolName     = errors.New("pool name already in use")
	ErrInvalidPoolName       = errors.New("pool name must start with an alphanumeric and contain only alphanumerics, '-' and '_'")
	ErrShrinkBelowActive     = errors.New("cannot shrink pool below its current active count")
	ErrInvalidAgentTypeLimit = errors.New("agent type limit requires a role")
)

// AgentTypeLimit scopes a pool to a role (and optionally a sub-mode) with its
// own slot ceiling and scheduling priority. A zero MaxSlots means no
// per-type ceiling beyond the pool's MaxSize; a zero Priority means
// DefaultPriority.
type AgentTypeLimit struct {
	Role     string `json:"role"`
	SubMode  string `json:"subMode,omitempty"`
	MaxSlots int    `json:"maxSlots,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// Matches reports whether this limit covers the given role/sub-mode. An empty
// SubMode on the limit matches any sub-mode.
func (l AgentTypeLimit) Matches(role, subMode string) bool {
	if l.Role != role {
		return false
	}
	if l.SubMode != "" && l.SubMode != subMode {
		return false
	}
	return true
}

// EffectivePriority returns the configured priority, or DefaultPriority when
// unset.
func (l AgentTypeLimit) EffectivePriority() int {
	if l.Priority == 0 {
		return DefaultPriority
	}
	return l.Priority
}

// Pool is a named concurrency limiter. A pool with an empty AgentTypes list
// governs every agent type.
type Pool struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	MaxSize    int              `json:"maxSize"`
	AgentTypes []AgentTypeLimit `json:"agentTypes,omitempty"`
	Enabled    bool             `json:"enabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Governs reports whether this pool limits spawns of the given role/sub-mode.
func (p *Pool) Governs(role, subMode string) bool {
	if len(p.AgentTypes) == 0 {
		return true
	}
	for _, limit := range p.AgentTypes {
		if limit.Matches(role, subMode) {
			return true
		}
	}
	return false
}

// TypeLimit returns the first agent type limit covering the role/sub-mode.
func (p *Pool) TypeLimit(role, subMode string) (AgentTypeLimit, bool) {
	for _, limit := range p.AgentTypes {
		if limit.Matches(role, subMode) {
			return limit, true
		}
	}
	return AgentTypeLimit{}, false
}

// Validate checks name pattern, size bounds, and agent type limits.
func (p *Pool) Validate() error {
	if !poolNameRe.MatchString(p.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidPoolName, p.Name)
	}
	if p.MaxSize < MinPoolSize || p.MaxSize > MaxPoolSize {
		return fmt.Errorf("pool max size must be between %d and %d, got %d", MinPoolSize, MaxPoolSize, p.MaxSize)
	}
	for _, limit := range p.AgentTypes {
		if limit.Role == "" {
			return ErrInvalidAgentTypeLimit
		}
		if limit.MaxSlots < 0 || limit.MaxSlots > p.MaxSize {
			return fmt.Errorf("agent type max slots for role %q must be between 0 and the pool max size %d, got %d",
				limit.Role, p.MaxSize, limit.MaxSlots)
		}
	}
	return nil
}

// typeKey is the per-type counter key for a role/sub-mode pair.
func typeKey(role, subMode string) string {
	if subMode == "" {
		return role
	}
	return role + "/" + subMode
}

// Status is a pool's derived occupancy. It is a cache over the session
// manager's live session set and is always recomputable from it; the live
// set wins on any discrepancy.
type Status struct {
	ActiveCount    int             `json:"activeCount"`
	AvailableSlots int             `json:"availableSlots"`
	PerTypeCounts  map[string]int  `json:"perTypeCounts,omitempty"`
	ActiveAgentIDs map[string]bool `json:"activeAgentIds,omitempty"`
}

func newStatus(maxSize int) *Status {
	return &Status{
		AvailableSlots: maxSize,
		PerTypeCounts:  make(map[string]int),
		ActiveAgentIDs: make(map[string]bool),
	}
}

func (s *Status) clone() *Status {
	out := &Status{
		ActiveCount:    s.ActiveCount,
		AvailableSlots: s.AvailableSlots,
		PerTypeCounts:  make(map[string]int, len(s.PerTypeCounts)),
		ActiveAgentIDs: make(map[string]bool, len(s.ActiveAgentIDs)),
	}
	for k, v := range s.PerTypeCounts {
		out.PerTypeCounts[k] = v
	}
	for k := range s.ActiveAgentIDs {
		out.ActiveAgentIDs[k] = true
	}
	return out
}
