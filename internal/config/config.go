// ABOUTME: Configuration loading and parsing for coven-dispatch
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-dispatch configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Agents   []AgentConfig  `yaml:"agents"`
	Pools    []PoolConfig   `yaml:"pools"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DispatchConfig holds dispatch-loop tuning
type DispatchConfig struct {
	// SpawnerCommand is the argv template used to launch agent processes.
	SpawnerCommand []string `yaml:"spawner_command"`

	// FallbackChain is the ordered list of executables tried when earlier
	// ones are rate-limited.
	FallbackChain []string `yaml:"fallback_chain"`

	ConsultTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ConsultTimeoutRaw string `yaml:"consult_timeout"`
}

// AgentConfig declares a directory entry for a known agent
type AgentConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Role    string `yaml:"role"`
	SubMode string `yaml:"sub_mode"`
}

// PoolTypeConfig declares a per-type sub-limit within a pool
type PoolTypeConfig struct {
	Role     string `yaml:"role"`
	SubMode  string `yaml:"sub_mode"`
	MaxSlots int    `yaml:"max_slots"`
	Priority int    `yaml:"priority"`
}

// PoolConfig declares a pool seeded at startup
type PoolConfig struct {
	Name       string           `yaml:"name"`
	MaxSize    int              `yaml:"max_size"`
	AgentTypes []PoolTypeConfig `yaml:"agent_types"`
	Enabled    *bool            `yaml:"enabled"` // nil means enabled
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	for i, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		switch agent.Role {
		case "director", "worker", "steward":
		default:
			return fmt.Errorf("agents[%d].role %q is not one of director, worker, steward", i, agent.Role)
		}
	}

	for i, pool := range c.Pools {
		if pool.Name == "" {
			return fmt.Errorf("pools[%d].name is required", i)
		}
		if pool.MaxSize < 1 || pool.MaxSize > 1000 {
			return fmt.Errorf("pools[%d].max_size must be between 1 and 1000", i)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Dispatch.ConsultTimeoutRaw != "" {
		cfg.Dispatch.ConsultTimeout, err = time.ParseDuration(cfg.Dispatch.ConsultTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing consult_timeout %q: %w", cfg.Dispatch.ConsultTimeoutRaw, err)
		}
	}

	return nil
}
