// ABOUTME: Per-executable rate-limit state with monotonic-forward resets and lazy eviction
// ABOUTME: Optionally mirrors non-expired entries into a durable settings key across restarts

package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-dispatch/internal/store"
)

// SettingsKey is the durable settings key holding the serialized limit map.
const SettingsKey = "rateLimits"

// persistTimeout bounds the settings write so a slow store cannot wedge callers.
const persistTimeout = 5 * time.Second

// entry tracks one executable's limit window.
type entry struct {
	resetsAt   time.Time
	recordedAt time.Time
}

// Limit is a read-only snapshot of one tracked rate limit.
type Limit struct {
	Executable string
	ResetsAt   time.Time
	RecordedAt time.Time
}

// persistedEntry is the JSON shape stored under SettingsKey.
type persistedEntry struct {
	ResetsAt   string `json:"resetsAt"`
	RecordedAt string `json:"recordedAt"`
}

// Tracker maintains the rate-limit state for each underlying executable.
// All reads lazily evict entries whose reset time has passed; there is no
// timer. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	entries  map[string]entry
	settings store.Settings
	logger   *slog.Logger

	// nowFn allows test time injection.
	nowFn func() time.Time
}

// NewTracker creates a Tracker. Pass a nil settings collaborator to disable
// persistence; pass nil logger for the default. When settings are supplied,
// previously persisted entries whose reset is still in the future are
// hydrated immediately.
func NewTracker(settings store.Settings, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		entries:  make(map[string]entry),
		settings: settings,
		logger:   logger.With("component", "ratelimit"),
		nowFn:    time.Now,
	}
	if settings != nil {
		t.hydrate()
	}
	return t
}

// MarkLimited records that an executable is rate-limited until resetsAt.
// A stored reset is only ever moved forward: a stale, earlier signal never
// overwrites a later, more authoritative one.
func (t *Tracker) MarkLimited(name string, resetsAt time.Time) {
	t.mu.Lock()
	if existing, ok := t.entries[name]; ok && !resetsAt.After(existing.resetsAt) {
		t.mu.Unlock()
		t.logger.Debug("ignoring stale rate-limit signal",
			"executable", name,
			"resets_at", resetsAt,
			"tracked_reset", existing.resetsAt)
		return
	}
	t.entries[name] = entry{resetsAt: resetsAt, recordedAt: t.nowFn()}
	snapshot := t.serializeLocked()
	t.mu.Unlock()

	t.logger.Info("executable rate-limited",
		"executable", name,
		"resets_at", resetsAt)
	t.persist(snapshot)
}

// IsLimited reports whether an executable is currently rate-limited.
// Expired entries are evicted on the way through.
func (t *Tracker) IsLimited(name string) bool {
	t.mu.Lock()
	before := len(t.entries)
	limited := t.isLimitedLocked(name)
	snapshot := t.snapshotIfShrunkLocked(before)
	t.mu.Unlock()

	t.persist(snapshot)
	return limited
}

// GetAvailableExecutable returns the first executable in the fallback chain
// that is not currently rate-limited.
func (t *Tracker) GetAvailableExecutable(chain []string) (string, bool) {
	t.mu.Lock()
	before := len(t.entries)
	var available string
	var found bool
	for _, name := range chain {
		if !t.isLimitedLocked(name) {
			available = name
			found = true
			break
		}
	}
	snapshot := t.snapshotIfShrunkLocked(before)
	t.mu.Unlock()

	t.persist(snapshot)
	return available, found
}

// IsAllLimited reports whether every executable in the chain is rate-limited.
// An empty chain is never considered limited.
func (t *Tracker) IsAllLimited(chain []string) bool {
	if len(chain) == 0 {
		return false
	}
	_, found := t.GetAvailableExecutable(chain)
	return !found
}

// GetSoonestResetTime returns the earliest reset among currently limited
// executables, or false when nothing is limited.
func (t *Tracker) GetSoonestResetTime() (time.Time, bool) {
	t.mu.Lock()
	before := len(t.entries)
	t.evictExpiredLocked()
	var soonest time.Time
	var found bool
	for _, e := range t.entries {
		if !found || e.resetsAt.Before(soonest) {
			soonest = e.resetsAt
			found = true
		}
	}
	snapshot := t.snapshotIfShrunkLocked(before)
	t.mu.Unlock()

	t.persist(snapshot)
	return soonest, found
}

// GetAllLimits returns a snapshot of all currently tracked limits,
// sorted by executable name.
func (t *Tracker) GetAllLimits() []Limit {
	t.mu.Lock()
	before := len(t.entries)
	t.evictExpiredLocked()
	limits := make([]Limit, 0, len(t.entries))
	for name, e := range t.entries {
		limits = append(limits, Limit{Executable: name, ResetsAt: e.resetsAt, RecordedAt: e.recordedAt})
	}
	snapshot := t.snapshotIfShrunkLocked(before)
	t.mu.Unlock()

	sort.Slice(limits, func(i, j int) bool { return limits[i].Executable < limits[j].Executable })
	t.persist(snapshot)
	return limits
}

// Clear drops all tracked limits.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.entries = make(map[string]entry)
	snapshot := t.serializeLocked()
	t.mu.Unlock()

	t.logger.Info("rate-limit state cleared")
	t.persist(snapshot)
}

// isLimitedLocked checks one executable, evicting it if expired. Caller must hold t.mu.
func (t *Tracker) isLimitedLocked(name string) bool {
	e, ok := t.entries[name]
	if !ok {
		return false
	}
	if !e.resetsAt.After(t.nowFn()) {
		delete(t.entries, name)
		return false
	}
	return true
}

// evictExpiredLocked removes every entry whose reset has passed. Caller must hold t.mu.
func (t *Tracker) evictExpiredLocked() {
	now := t.nowFn()
	for name, e := range t.entries {
		if !e.resetsAt.After(now) {
			delete(t.entries, name)
		}
	}
}

// snapshotIfShrunkLocked serializes only when lazy eviction removed entries,
// so pure reads don't rewrite the durable snapshot. Caller must hold t.mu.
func (t *Tracker) snapshotIfShrunkLocked(before int) []byte {
	if len(t.entries) == before {
		return nil
	}
	return t.serializeLocked()
}

// serializeLocked renders the currently non-expired entries to JSON for
// persistence, or nil when persistence is disabled. Caller must hold t.mu.
func (t *Tracker) serializeLocked() []byte {
	if t.settings == nil {
		return nil
	}

	now := t.nowFn()
	out := make(map[string]persistedEntry, len(t.entries))
	for name, e := range t.entries {
		if !e.resetsAt.After(now) {
			continue
		}
		out[name] = persistedEntry{
			ResetsAt:   e.resetsAt.Format(time.RFC3339Nano),
			RecordedAt: e.recordedAt.Format(time.RFC3339Nano),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		t.logger.Error("failed to serialize rate limits", "error", err)
		return nil
	}
	return data
}

// persist writes a serialized snapshot to the settings collaborator.
// Failures are logged, not fatal: in-memory state stays authoritative.
func (t *Tracker) persist(snapshot []byte) {
	if t.settings == nil || snapshot == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := t.settings.Set(ctx, SettingsKey, string(snapshot)); err != nil {
		t.logger.Error("failed to persist rate limits", "error", err)
	}
}

// hydrate restores persisted entries, keeping only those whose reset is
// still in the future. Malformed entries are skipped, not fatal.
func (t *Tracker) hydrate() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	raw, err := t.settings.Get(ctx, SettingsKey)
	if err != nil {
		if err != store.ErrNotFound {
			t.logger.Error("failed to load persisted rate limits", "error", err)
		}
		return
	}

	var persisted map[string]persistedEntry
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		t.logger.Error("failed to parse persisted rate limits", "error", err)
		return
	}

	now := t.nowFn()
	hydrated, skipped := 0, 0
	t.mu.Lock()
	for name, pe := range persisted {
		resetsAt, err := time.Parse(time.RFC3339Nano, pe.ResetsAt)
		if err != nil {
			skipped++
			continue
		}
		recordedAt, err := time.Parse(time.RFC3339Nano, pe.RecordedAt)
		if err != nil {
			skipped++
			continue
		}
		if !resetsAt.After(now) {
			skipped++
			continue
		}
		t.entries[name] = entry{resetsAt: resetsAt, recordedAt: recordedAt}
		hydrated++
	}
	t.mu.Unlock()

	t.logger.Info("rate-limit state hydrated",
		"hydrated", hydrated,
		"skipped", skipped)
}
