package mcpmgr

import (
	"maps"
	"slices"
)

// Lightweight helpers for inspecting ServerConfig values before they leave
// the process, for example in logs or diagnostics responses.

const redacted = "[redacted]"

// RedactConfig returns a copy of cfg whose env values are replaced so the
// result is safe to serialize. Keys are kept.
func RedactConfig(cfg ServerConfig) ServerConfig {
	out := cfg.Clone()
	for k := range out.Env {
		out.Env[k] = redacted
	}
	return out
}

// EnvKeys returns the sorted names of the variables cfg sets.
func EnvKeys(cfg ServerConfig) []string {
	return slices.Sorted(maps.Keys(cfg.Env))
}

// CommandLine joins command and args for display.
func CommandLine(cfg ServerConfig) []string {
	return append([]string{cfg.Command}, cfg.Args...)
}
