package mcpproc

import (
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcperr"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Config describes how to launch one tool server.
//
// Zero values mean "use the default": Timeout 30s, MaxRetries 3 (negative
// disables retries), RetryDelay 1s, Enabled true.
type Config struct {
	Command    string            `yaml:"command" json:"command"`
	Args       []string          `yaml:"args,omitempty" json:"args"`
	Env        map[string]string `yaml:"env,omitempty" json:"env"`
	Cwd        string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Enabled    *bool             `yaml:"enabled,omitempty" json:"enabled"`
	Timeout    time.Duration     `yaml:"timeout,omitempty" json:"timeout"`
	MaxRetries int               `yaml:"max_retries,omitempty" json:"maxRetries"`
	RetryDelay time.Duration     `yaml:"retry_delay,omitempty" json:"retryDelay"`
}

// IsEnabled reports whether the server may be started.
func (c Config) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// Retries returns how many extra start attempts are allowed.
func (c Config) Retries() int {
	if c.MaxRetries < 0 {
		return 0
	}
	return c.MaxRetries
}

// Clone returns a copy that shares no slices or maps with c.
func (c Config) Clone() Config {
	out := c
	out.Args = slices.Clone(c.Args)
	out.Env = maps.Clone(c.Env)
	if c.Enabled != nil {
		v := *c.Enabled
		out.Enabled = &v
	}
	return out
}

// Normalize returns a copy of c with defaults applied.
func (c Config) Normalize() Config {
	out := c.Clone()
	if out.Args == nil {
		out.Args = []string{}
	}
	if out.Env == nil {
		out.Env = map[string]string{}
	}
	if out.Enabled == nil {
		out.Enabled = Ptr(true)
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = DefaultRetryDelay
	}
	return out
}

// Validate reports the first problem that makes c unusable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return mcperr.Configuration("server command is required", "command")
	}
	if c.Timeout < 0 {
		return mcperr.Configuration("timeout must not be negative", "timeout")
	}
	if c.RetryDelay < 0 {
		return mcperr.Configuration("retry delay must not be negative", "retryDelay")
	}
	return nil
}

// Environ returns the child environment: the parent's environment followed by
// the configured overrides in key order.
func (c Config) Environ() []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(c.Env)) {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// ConfigPatch is a partial update. Nil fields are left unchanged; Env entries
// are merged into the existing environment rather than replacing it.
type ConfigPatch struct {
	Command    *string           `yaml:"command,omitempty" json:"command,omitempty"`
	Args       *[]string         `yaml:"args,omitempty" json:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd        *string           `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Enabled    *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Timeout    *time.Duration    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries *int              `yaml:"max_retries,omitempty" json:"maxRetries,omitempty"`
	RetryDelay *time.Duration    `yaml:"retry_delay,omitempty" json:"retryDelay,omitempty"`
}

// Validate checks the fields the patch sets.
func (p ConfigPatch) Validate() error {
	if p.Command != nil && strings.TrimSpace(*p.Command) == "" {
		return mcperr.Configuration("server command must not be empty", "command")
	}
	if p.Timeout != nil && *p.Timeout <= 0 {
		return mcperr.Configuration("timeout must be positive", "timeout")
	}
	if p.RetryDelay != nil && *p.RetryDelay < 0 {
		return mcperr.Configuration("retry delay must not be negative", "retryDelay")
	}
	return nil
}

// Apply returns c with p merged in.
func (c Config) Apply(p ConfigPatch) Config {
	out := c.Clone()
	if p.Command != nil {
		out.Command = *p.Command
	}
	if p.Args != nil {
		out.Args = slices.Clone(*p.Args)
	}
	if len(p.Env) > 0 {
		if out.Env == nil {
			out.Env = make(map[string]string, len(p.Env))
		}
		maps.Copy(out.Env, p.Env)
	}
	if p.Cwd != nil {
		out.Cwd = *p.Cwd
	}
	if p.Enabled != nil {
		out.Enabled = Ptr(*p.Enabled)
	}
	if p.Timeout != nil {
		out.Timeout = *p.Timeout
	}
	if p.MaxRetries != nil {
		out.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelay != nil {
		out.RetryDelay = *p.RetryDelay
	}
	return out
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
