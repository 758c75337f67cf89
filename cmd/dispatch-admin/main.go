// ABOUTME: Admin CLI for inspecting coven-dispatch state
// ABOUTME: Reads the dispatch store to show pools, rate limits, agents, and checkpoints

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/pool"
	"github.com/2389/coven-dispatch/internal/ratelimit"
	"github.com/2389/coven-dispatch/internal/session"
	"github.com/2389/coven-dispatch/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "pools":
		err = cmdPools()
	case "limits":
		err = cmdLimits(args)
	case "agents":
		err = cmdAgents()
	case "session":
		err = cmdSession(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: dispatch-admin <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  pools           List pools and their occupancy")
	fmt.Println("  limits          Show tracked rate limits")
	fmt.Println("  limits clear    Clear all tracked rate limits")
	fmt.Println("  agents          List directory agents")
	fmt.Println("  session <id>    Show a session checkpoint")
}

// openStore opens the dispatch store named by the daemon's config.
func openStore() (*store.SQLiteStore, error) {
	configPath := os.Getenv("COVEN_DISPATCH_CONFIG")
	if configPath == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("locating config: %w", err)
			}
			configDir = filepath.Join(homeDir, ".config")
		}
		configPath = filepath.Join(configDir, "coven", "dispatch.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return store.NewSQLiteStore(cfg.Database.Path)
}

// quietLogger suppresses service logging in CLI output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func cmdPools() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	pools := pool.NewService(st, nil, quietLogger())
	if err := pools.LoadPools(ctx); err != nil {
		return err
	}

	list := pools.ListPools()
	if len(list) == 0 {
		fmt.Println("No pools configured.")
		return nil
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("Pools (%d)\n\n", len(list))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMAX\tACTIVE\tFREE\tENABLED\tTYPES")
	for _, p := range list {
		_, status, err := pools.GetPool(ctx, p.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%t\t%s\n",
			p.Name, p.MaxSize, status.ActiveCount, status.AvailableSlots, p.Enabled, formatTypes(p.AgentTypes))
	}
	return w.Flush()
}

func formatTypes(types []pool.AgentTypeLimit) string {
	if len(types) == 0 {
		return "*"
	}
	parts := make([]string, 0, len(types))
	for _, t := range types {
		part := t.Role
		if t.SubMode != "" {
			part += "/" + t.SubMode
		}
		if t.MaxSlots > 0 {
			part += fmt.Sprintf("(%d)", t.MaxSlots)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}

func cmdLimits(args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	tracker := ratelimit.NewTracker(st, quietLogger())

	if len(args) > 0 && args[0] == "clear" {
		tracker.Clear()
		color.Green("Rate limits cleared.")
		return nil
	}

	limits := tracker.GetAllLimits()
	if len(limits) == 0 {
		fmt.Println("No active rate limits.")
		return nil
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("Rate limits (%d)\n\n", len(limits))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTABLE\tRESETS AT\tIN")
	now := time.Now()
	for _, limit := range limits {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			limit.Executable,
			limit.ResetsAt.Local().Format("2006-01-02 15:04 MST"),
			limit.ResetsAt.Sub(now).Round(time.Minute))
	}
	return w.Flush()
}

func cmdAgents() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	agents, err := st.ListAgents(context.Background())
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents in the directory.")
		return nil
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("Agents (%d)\n\n", len(agents))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROLE\tSUB-MODE")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Role, a.SubMode)
	}
	return w.Flush()
}

func cmdSession(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dispatch-admin session <id>")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := st.GetSessionState(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("loading checkpoint %s: %w", args[0], err)
	}

	var s session.Session
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("parsing checkpoint: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Session %s\n\n", s.ID)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Agent:\t%s (%s)\n", s.AgentName, s.AgentID)
	fmt.Fprintf(w, "Role:\t%s\n", s.Role)
	fmt.Fprintf(w, "Status:\t%s\n", s.Status)
	if s.ProviderSessionID != "" {
		fmt.Fprintf(w, "Provider session:\t%s\n", s.ProviderSessionID)
	}
	if s.WorkingDir != "" {
		fmt.Fprintf(w, "Working dir:\t%s\n", s.WorkingDir)
	}
	fmt.Fprintf(w, "Created:\t%s\n", s.CreatedAt.Local().Format(time.RFC822))
	fmt.Fprintf(w, "Last activity:\t%s\n", s.LastActivityAt.Local().Format(time.RFC822))
	if s.Reason != "" {
		fmt.Fprintf(w, "Reason:\t%s\n", s.Reason)
	}
	return w.Flush()
}
