// Package tools wraps the external analysis engines. Each adapter turns one
// process invocation into a normalized types.ToolResult.
package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jonathan/mats/internal/types"
	"github.com/sirupsen/logrus"
)

const maxReasonBytes = 512

// Invocation is one request to run a tool against a stored artifact.
type Invocation struct {
	ArtifactPath string
	// OutputDir is the per-job results directory. Adapters write below it.
	OutputDir string
}

// Adapter runs one external engine. Run never returns an error and never
// panics on tool failure; every failure mode becomes a ToolResult with
// status error.
type Adapter interface {
	Name() string
	// Available reports whether the tool is installed. It does not run the tool.
	Available() bool
	Run(ctx context.Context, inv Invocation) types.ToolResult
}

// ToolOptions overrides the binary path and timeout of one tool.
type ToolOptions struct {
	Path    string
	Timeout time.Duration
}

// Options configures the default adapters.
type Options struct {
	ToolsDir       string
	HomeDir        string
	MaxOutputBytes int
	QuarkRulesDir  string
	Tools          map[string]ToolOptions
}

func (o Options) timeout(tool string) time.Duration {
	if t := o.Tools[tool].Timeout; t > 0 {
		return t
	}
	return ToolRegistry[tool].DefaultTimeout
}

func (o Options) locator() *Locator {
	overrides := make(map[string]string, len(o.Tools))
	for name, t := range o.Tools {
		if t.Path != "" {
			overrides[ToolRegistry[name].Binary] = t.Path
		}
	}
	return &Locator{ToolsDir: o.ToolsDir, HomeDir: o.HomeDir, Overrides: overrides}
}

// processAdapter holds what every process backed adapter shares.
type processAdapter struct {
	name    string
	binary  string
	hint    string
	timeout time.Duration
	locator *Locator
	runner  *Runner
	logger  logrus.FieldLogger
}

func newProcessAdapter(name string, opts Options, runner *Runner, logger logrus.FieldLogger) processAdapter {
	def := ToolRegistry[name]
	return processAdapter{
		name:    name,
		binary:  def.Binary,
		hint:    def.InstallHint,
		timeout: opts.timeout(name),
		locator: opts.locator(),
		runner:  runner,
		logger:  logger.WithField("tool", name),
	}
}

func (a *processAdapter) Name() string { return a.name }

func (a *processAdapter) Available() bool {
	_, ok := a.locator.Find(a.binary)
	return ok
}

// exec locates the binary and runs it. A nil RunResult means the binary was
// not found and res already describes the failure.
func (a *processAdapter) exec(ctx context.Context, dir string, timeout time.Duration, stdoutLimit int, args ...string) (*RunResult, *types.ToolResult) {
	bin, ok := a.locator.Find(a.binary)
	if !ok {
		res := a.failure(fmt.Sprintf("%s not found. %s", a.binary, a.hint), "", 0)
		return nil, &res
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			res := a.failure(fmt.Sprintf("failed to create output directory: %v", err), "", 0)
			return nil, &res
		}
	}
	return a.runner.Run(ctx, Command{
		Tool:        a.name,
		Path:        bin,
		Args:        args,
		Dir:         dir,
		Timeout:     timeout,
		StdoutLimit: stdoutLimit,
	}), nil
}

func (a *processAdapter) failure(reason, output string, d time.Duration) types.ToolResult {
	return types.ToolResult{
		Tool:       a.name,
		Status:     types.ToolStatusError,
		Output:     output,
		Error:      reason,
		DurationMs: d.Milliseconds(),
	}
}

// fromRun converts a failed run into an error result.
func (a *processAdapter) fromRun(run *RunResult) types.ToolResult {
	reason := run.Error.Error()
	if !run.TimedOut {
		if line := lastLine(run.Output); line != "" {
			reason += ": " + line
		}
	}
	return a.failure(reason, run.Output, run.Duration)
}

// lastLine returns the last non-blank line of s, capped at maxReasonBytes.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > maxReasonBytes {
			line = line[:maxReasonBytes]
		}
		return line
	}
	return ""
}
