// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides settings/pool/session/agent persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pools (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			config BLOB NOT NULL,
			metadata BLOB,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_pools_name
			ON pools(name);

		CREATE TABLE IF NOT EXISTS session_state (
			session_id TEXT PRIMARY KEY,
			state BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			sub_mode TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Get retrieves a settings value by key. Returns ErrNotFound for unknown keys.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying setting %q: %w", key, err)
	}
	return value, nil
}

// Set stores a settings value, replacing any previous value for the key.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

// SavePool inserts or updates a pool configuration record.
// Returns ErrDuplicatePool when a different pool already uses the name.
func (s *SQLiteStore) SavePool(ctx context.Context, record *PoolRecord) error {
	now := time.Now().UTC()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pools (id, name, config, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			config = excluded.config,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		record.ID, record.Name, record.Config, record.Metadata, createdAt, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicatePool
		}
		return fmt.Errorf("saving pool %q: %w", record.ID, err)
	}
	return nil
}

// GetPool retrieves a pool record by id.
func (s *SQLiteStore) GetPool(ctx context.Context, id string) (*PoolRecord, error) {
	record := &PoolRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, config, metadata, created_at, updated_at
		FROM pools WHERE id = ?`, id).Scan(
		&record.ID, &record.Name, &record.Config, &record.Metadata,
		&record.CreatedAt, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying pool %q: %w", id, err)
	}
	return record, nil
}

// ListPools returns all pool records ordered by creation time.
func (s *SQLiteStore) ListPools(ctx context.Context) ([]*PoolRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, config, metadata, created_at, updated_at
		FROM pools ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing pools: %w", err)
	}
	defer rows.Close()

	var records []*PoolRecord
	for rows.Next() {
		record := &PoolRecord{}
		if err := rows.Scan(&record.ID, &record.Name, &record.Config,
			&record.Metadata, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning pool row: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeletePool removes a pool record. Deleting an unknown id returns ErrNotFound.
func (s *SQLiteStore) DeletePool(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pools WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting pool %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSessionState stores an opaque checkpoint blob for a session.
func (s *SQLiteStore) SaveSessionState(ctx context.Context, sessionID string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (session_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		sessionID, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving session state %q: %w", sessionID, err)
	}
	return nil
}

// GetSessionState retrieves a session checkpoint blob.
func (s *SQLiteStore) GetSessionState(ctx context.Context, sessionID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM session_state WHERE session_id = ?", sessionID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session state %q: %w", sessionID, err)
	}
	return state, nil
}

// SaveAgent inserts or updates a directory entry.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *Agent) error {
	now := time.Now().UTC()
	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, sub_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			sub_mode = excluded.sub_mode,
			updated_at = excluded.updated_at`,
		agent.ID, agent.Name, agent.Role, agent.SubMode, createdAt, now)
	if err != nil {
		return fmt.Errorf("saving agent %q: %w", agent.ID, err)
	}
	return nil
}

// GetAgent retrieves a directory entry by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	agent := &Agent{}
	var subMode sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, sub_mode, created_at, updated_at
		FROM agents WHERE id = ?`, id).Scan(
		&agent.ID, &agent.Name, &agent.Role, &subMode,
		&agent.CreatedAt, &agent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent %q: %w", id, err)
	}
	agent.SubMode = subMode.String
	return agent, nil
}

// ListAgents returns all directory entries ordered by creation time.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, role, sub_mode, created_at, updated_at
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent := &Agent{}
		var subMode sql.NullString
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Role, &subMode,
			&agent.CreatedAt, &agent.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agent.SubMode = subMode.String
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
