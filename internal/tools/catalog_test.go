package tools

import (
	"context"
	"testing"

	"github.com/jonathan/mats/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	name      string
	available bool
}

func (s stubAdapter) Name() string    { return s.name }
func (s stubAdapter) Available() bool { return s.available }
func (s stubAdapter) Run(context.Context, Invocation) types.ToolResult {
	return types.ToolResult{Tool: s.name, Status: types.ToolStatusSuccess}
}

func TestToolRegistry_Complete(t *testing.T) {
	for _, name := range DefaultToolOrder {
		def, ok := ToolRegistry[name]
		require.True(t, ok, name)
		assert.Equal(t, name, def.Name)
		assert.NotEmpty(t, def.Binary)
		if def.Manual {
			assert.Zero(t, def.DefaultTimeout)
		} else {
			assert.Positive(t, def.DefaultTimeout)
		}
	}
	assert.Len(t, ToolRegistry, len(DefaultToolOrder))
	assert.Greater(t, ToolRegistry["androguard"].DefaultTimeout, ToolRegistry["quark"].DefaultTimeout)
}

func TestCatalog_Validate(t *testing.T) {
	c := NewCatalog(
		stubAdapter{name: "jadx", available: true},
		stubAdapter{name: "quark", available: false},
	)

	assert.NoError(t, c.Validate([]string{"jadx"}))

	err := c.Validate([]string{"jadx", "quark"})
	var unavailable *UnavailableToolError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, []string{"quark"}, unavailable.Tools)

	err = c.Validate([]string{"quark", "nmap", "ghidra"})
	var unknown *UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"ghidra", "nmap"}, unknown.Tools)
	assert.Contains(t, err.Error(), "unknown tools")
}

func TestCatalog_HealthAndNames(t *testing.T) {
	c := NewCatalog(
		stubAdapter{name: "jadx", available: true},
		stubAdapter{name: "frida", available: false},
	)

	assert.Equal(t, map[string]bool{"jadx": true, "frida": false}, c.Health())
	assert.Equal(t, []string{"jadx", "frida"}, c.Names())

	a, ok := c.Get("jadx")
	require.True(t, ok)
	assert.Equal(t, "jadx", a.Name())
	_, ok = c.Get("nope")
	assert.False(t, ok)
}

func TestNewDefaultCatalog(t *testing.T) {
	c := NewDefaultCatalog(Options{ToolsDir: t.TempDir(), HomeDir: t.TempDir()}, testLogger())
	assert.Equal(t, DefaultToolOrder, c.Names())

	frida, ok := c.Get("frida")
	require.True(t, ok)
	assert.IsType(t, &Manual{}, frida)
	assert.Equal(t, types.ToolStatusPendingManual, frida.Run(context.Background(), Invocation{}).Status)

	objection, ok := c.Get("objection")
	require.True(t, ok)
	assert.IsType(t, &Manual{}, objection)
	res := objection.Run(context.Background(), Invocation{})
	assert.Equal(t, types.ToolStatusPendingManual, res.Status)
	assert.Contains(t, res.Message, "Objection")

	health := c.Health()
	assert.Len(t, health, len(DefaultToolOrder))
}
