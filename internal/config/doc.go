// Package config loads and validates coven-dispatch configuration.
//
// Configuration is YAML with ${VAR_NAME} environment variable expansion
// applied to the raw file content before parsing. Duration fields are
// declared as raw strings in the YAML and parsed into time.Duration
// values during Load.
//
// A minimal configuration:
//
//	database:
//	  path: "/var/lib/coven-dispatch/dispatch.db"
//
//	dispatch:
//	  consult_timeout: "60s"
//	  fallback_chain: ["claude", "codex"]
//
// Agents and pools declared here seed the agent directory and the
// admission-control service at daemon startup.
package config
