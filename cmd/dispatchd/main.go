// ABOUTME: Entry point for the coven-dispatch daemon
// ABOUTME: Wires store, directory, rate limits, sessions, pools, and consultation together

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/consult"
	"github.com/2389/coven-dispatch/internal/directory"
	"github.com/2389/coven-dispatch/internal/pool"
	"github.com/2389/coven-dispatch/internal/ratelimit"
	"github.com/2389/coven-dispatch/internal/session"
	"github.com/2389/coven-dispatch/internal/spawner"
	"github.com/2389/coven-dispatch/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                     _ _                 _       _
  ___ _____   _____ _ __         __| (_)___ _ __   __ _| |_ ___| |__
 / __/ _ \ \ / / _ \ '_ \ _____ / _' | / __| '_ \ / _' | __/ __| '_ \
| (_| (_) \ V /  __/ | | |_____| (_| | \__ \ |_) | (_| | || (__| | | |
 \___\___/ \_/ \___|_| |_|      \__,_|_|___/ .__/ \__,_|\__\___|_| |_|
                                           |_|
`

const sampleConfig = `# coven-dispatch configuration
database:
  path: ${HOME}/.local/share/coven/dispatch.db

dispatch:
  spawner_command: ["coven-agent", "--stream-json"]
  fallback_chain: ["claude", "codex", "gemini"]
  consult_timeout: 60s

agents:
  - id: worker-1
    name: Builder
    role: worker
    sub_mode: implement

pools:
  - name: workers
    max_size: 4
    agent_types:
      - role: worker
        max_slots: 3
        priority: 7

logging:
  level: info
  format: text
`

// getConfigPath returns the path to the dispatch config file.
// Priority: COVEN_DISPATCH_CONFIG env var > XDG_CONFIG_HOME/coven/dispatch.yaml > ~/.config/coven/dispatch.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_DISPATCH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "dispatch.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "dispatch.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: dispatchd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the dispatch daemon")
		fmt.Println("  init     Write a sample config file")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit() error {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if len(cfg.Dispatch.FallbackChain) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Fallback: %s\n", strings.Join(cfg.Dispatch.FallbackChain, " → "))
	}
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := seedAgents(ctx, st, cfg.Agents); err != nil {
		return err
	}
	dir := directory.NewStoreDirectory(st)

	tracker := ratelimit.NewTracker(st, logger)
	if resetAt, ok := tracker.GetSoonestResetTime(); ok {
		logger.Info("rate limits carried over from previous run",
			"soonest_reset", resetAt.Format(time.RFC3339))
	}
	if len(cfg.Dispatch.FallbackChain) > 0 {
		if _, ok := tracker.GetAvailableExecutable(cfg.Dispatch.FallbackChain); !ok {
			logger.Warn("every executable in the fallback chain is rate-limited")
		}
	}

	if len(cfg.Dispatch.SpawnerCommand) == 0 {
		return fmt.Errorf("dispatch.spawner_command is required for serve")
	}
	sp, err := spawner.New(cfg.Dispatch.SpawnerCommand, logger)
	if err != nil {
		return err
	}

	manager := session.NewManager(sp, dir, st, logger)

	pools := pool.NewService(st, pool.NewManagerLister(manager, dir), logger)
	if err := pools.LoadPools(ctx); err != nil {
		return err
	}
	if err := seedPools(ctx, pools, cfg.Pools); err != nil {
		return err
	}

	consultSvc := consult.NewService(manager, logger)

	logger.Info("dispatch daemon ready",
		"agents", len(cfg.Agents),
		"pools", len(pools.ListPools()),
		"consult_timeout", consult.ClampTimeout(cfg.Dispatch.ConsultTimeout))

	<-ctx.Done()

	logger.Info("shutting down")
	for _, query := range consultSvc.ListActiveQueries() {
		consultSvc.CancelQuery(query.ID)
	}
	for _, s := range manager.ListSessions(session.Filter{Status: session.StatusRunning}) {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := manager.SuspendSession(stopCtx, s.ID, "daemon shutdown"); err != nil {
			logger.Warn("failed to suspend session on shutdown",
				"session_id", s.ID,
				"error", err)
		}
		if err := manager.PersistSession(stopCtx, s.ID); err != nil {
			logger.Warn("failed to checkpoint session on shutdown",
				"session_id", s.ID,
				"error", err)
		}
		cancel()
	}
	return nil
}

// seedAgents upserts configured agents into the directory store.
func seedAgents(ctx context.Context, st store.AgentStore, agents []config.AgentConfig) error {
	for _, a := range agents {
		err := st.SaveAgent(ctx, &store.Agent{
			ID:      a.ID,
			Name:    a.Name,
			Role:    a.Role,
			SubMode: a.SubMode,
		})
		if err != nil {
			return fmt.Errorf("seeding agent %q: %w", a.ID, err)
		}
	}
	return nil
}

// seedPools creates configured pools that do not exist yet. Existing pools
// keep their stored configuration.
func seedPools(ctx context.Context, pools *pool.Service, seeds []config.PoolConfig) error {
	existing := make(map[string]bool)
	for _, p := range pools.ListPools() {
		existing[p.Name] = true
	}

	for _, seed := range seeds {
		if existing[seed.Name] {
			continue
		}
		types := make([]pool.AgentTypeLimit, 0, len(seed.AgentTypes))
		for _, t := range seed.AgentTypes {
			types = append(types, pool.AgentTypeLimit{
				Role:     t.Role,
				SubMode:  t.SubMode,
				MaxSlots: t.MaxSlots,
				Priority: t.Priority,
			})
		}
		enabled := seed.Enabled == nil || *seed.Enabled
		_, err := pools.CreatePool(ctx, pool.Pool{
			Name:       seed.Name,
			MaxSize:    seed.MaxSize,
			AgentTypes: types,
			Enabled:    enabled,
		})
		if err != nil {
			return fmt.Errorf("seeding pool %q: %w", seed.Name, err)
		}
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level: h.level,
		attrs: newAttrs,
	}
}

func (h *colorHandler) WithGroup(_ string) slog.Handler {
	return h
}
