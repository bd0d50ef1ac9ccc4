package tools

import (
	"context"

	"github.com/jonathan/mats/internal/types"
)

// Manual is an adapter for tools that need a live device or proxy. It never
// starts a process and always reports pending-manual.
type Manual struct {
	name     string
	binary   string
	message  string
	requires []string
	locator  *Locator
}

// NewManual creates a pending-manual adapter for name.
func NewManual(name string, opts Options, message string, requires []string) *Manual {
	binary := name
	if def, ok := ToolRegistry[name]; ok {
		binary = def.Binary
	}
	return &Manual{
		name:     name,
		binary:   binary,
		message:  message,
		requires: requires,
		locator:  opts.locator(),
	}
}

func (m *Manual) Name() string { return m.name }

func (m *Manual) Available() bool {
	_, ok := m.locator.Find(m.binary)
	return ok
}

func (m *Manual) Run(_ context.Context, _ Invocation) types.ToolResult {
	return types.ToolResult{
		Tool:    m.name,
		Status:  types.ToolStatusPendingManual,
		Message: m.message,
		Extra: types.ManualExtra{
			Requires:     append([]string(nil), m.requires...),
			Instructions: ToolRegistry[m.name].InstallHint,
		},
	}
}
