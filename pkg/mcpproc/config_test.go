package mcpproc

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcperr"
)

func TestNormalizeAppliesDefaults(t *testing.T) {
	cfg := Config{Command: "python", Args: []string{"weather_mcp.py"}}.Normalize()

	assert.True(t, cfg.IsEnabled())
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultRetryDelay, cfg.RetryDelay)
	assert.NotNil(t, cfg.Env)
}

func TestNegativeMaxRetriesDisablesRetries(t *testing.T) {
	cfg := Config{Command: "x", MaxRetries: -1}.Normalize()
	assert.Equal(t, 0, cfg.Retries())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"missing command", Config{}, "command"},
		{"blank command", Config{Command: "   "}, "command"},
		{"negative timeout", Config{Command: "x", Timeout: -time.Second}, "timeout"},
		{"negative retry delay", Config{Command: "x", RetryDelay: -time.Second}, "retryDelay"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			require.Error(t, err)
			var e *mcperr.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, mcperr.CodeConfiguration, e.Code)
			assert.Equal(t, tc.field, e.Details["field"])
		})
	}
	assert.NoError(t, Config{Command: "x"}.Validate())
}

func TestCloneDoesNotShare(t *testing.T) {
	orig := Config{Command: "x", Args: []string{"a"}, Env: map[string]string{"K": "v"}, Enabled: Ptr(true)}
	cp := orig.Clone()
	cp.Args[0] = "b"
	cp.Env["K"] = "w"
	*cp.Enabled = false

	assert.Equal(t, "a", orig.Args[0])
	assert.Equal(t, "v", orig.Env["K"])
	assert.True(t, *orig.Enabled)
}

func TestEnvironAppendsOverrides(t *testing.T) {
	t.Setenv("MCPPROC_PARENT", "yes")
	env := Config{Command: "x", Env: map[string]string{"B": "2", "A": "1"}}.Environ()

	assert.Contains(t, env, "MCPPROC_PARENT=yes")
	n := len(env)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, []string{"A=1", "B=2"}, env[n-2:])
	assert.Len(t, env, len(os.Environ())+2)
}

func TestApplyPatch(t *testing.T) {
	base := Config{Command: "node", Args: []string{"a.js"}, Env: map[string]string{"A": "1"}}.Normalize()
	out := base.Apply(ConfigPatch{
		Command: Ptr("deno"),
		Env:     map[string]string{"A": "9", "C": "3"},
		Enabled: Ptr(false),
		Timeout: Ptr(5 * time.Second),
	})

	assert.Equal(t, "deno", out.Command)
	assert.Equal(t, []string{"a.js"}, out.Args)
	assert.Equal(t, map[string]string{"A": "9", "C": "3"}, out.Env)
	assert.False(t, out.IsEnabled())
	assert.Equal(t, 5*time.Second, out.Timeout)
	assert.Equal(t, "node", base.Command)
	assert.Equal(t, "1", base.Env["A"])
}

func TestPatchValidate(t *testing.T) {
	assert.ErrorIs(t, ConfigPatch{Timeout: Ptr(time.Duration(0))}.Validate(), mcperr.ErrConfiguration)
	assert.ErrorIs(t, ConfigPatch{Command: Ptr("")}.Validate(), mcperr.ErrConfiguration)
	assert.NoError(t, ConfigPatch{}.Validate())
}
