package tools

import (
	"context"

	"github.com/jonathan/mats/internal/types"
	"github.com/sirupsen/logrus"
)

// Androguard runs the androguard static analyzer.
type Androguard struct {
	processAdapter
}

// NewAndroguard creates the androguard adapter.
func NewAndroguard(opts Options, runner *Runner, logger logrus.FieldLogger) *Androguard {
	return &Androguard{processAdapter: newProcessAdapter("androguard", opts, runner, logger)}
}

// Run executes androguard analyze <apk>.
func (a *Androguard) Run(ctx context.Context, inv Invocation) types.ToolResult {
	run, failed := a.exec(ctx, inv.OutputDir, a.timeout, 0, "analyze", inv.ArtifactPath)
	if failed != nil {
		return *failed
	}
	if !run.Success {
		return a.fromRun(run)
	}
	return types.ToolResult{
		Tool:       a.name,
		Status:     types.ToolStatusSuccess,
		Output:     run.Output,
		Message:    "AndroGuard analysis completed",
		DurationMs: run.Duration.Milliseconds(),
	}
}
