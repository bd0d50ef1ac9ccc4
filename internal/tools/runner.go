package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// waitDelay bounds how long Wait keeps draining pipes after the process
// group was killed.
const waitDelay = 2 * time.Second

// Command describes one external process invocation.
type Command struct {
	Tool    string
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration

	// StdoutLimit, when set, keeps a separate tail of stdout of this size for
	// adapters that parse it.
	StdoutLimit int
}

// RunResult contains the result of one process invocation.
type RunResult struct {
	Success  bool
	ExitCode int
	Output   string
	Stdout   string
	Duration time.Duration
	TimedOut bool
	Error    error
}

// Runner executes external tool processes with a hard timeout and bounded output capture.
type Runner struct {
	maxOutput int
	logger    logrus.FieldLogger
}

// NewRunner creates a runner keeping at most maxOutput bytes of combined output.
func NewRunner(maxOutput int, logger logrus.FieldLogger) *Runner {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	return &Runner{maxOutput: maxOutput, logger: logger}
}

// MaxOutput returns the combined output limit.
func (r *Runner) MaxOutput() int { return r.maxOutput }

// Run executes the command. It never panics on process failure; every
// failure is reported through RunResult.Error.
func (r *Runner) Run(ctx context.Context, c Command) *RunResult {
	startTime := time.Now()
	result := &RunResult{ExitCode: -1}

	execCtx := ctx
	cancel := func() {}
	if c.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	//nolint:gosec // G204: tool binaries and arguments come from the adapter catalog
	cmd := exec.CommandContext(execCtx, c.Path, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	combined := newTailBuffer(r.maxOutput)
	var stdout *tailBuffer
	if c.StdoutLimit > 0 {
		stdout = newTailBuffer(c.StdoutLimit)
		cmd.Stdout = io.MultiWriter(combined, stdout)
	} else {
		cmd.Stdout = combined
	}
	cmd.Stderr = combined

	log := r.logger.WithFields(logrus.Fields{"tool": c.Tool, "path": c.Path})
	log.WithField("args", c.Args).Debug("Starting tool process")

	err := cmd.Run()
	result.Duration = time.Since(startTime)
	result.Output = combined.String()
	if stdout != nil {
		result.Stdout = stdout.String()
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			result.TimedOut = true
			result.Error = fmt.Errorf("%s timed out after %v", c.Tool, c.Timeout)
		case ctx.Err() != nil:
			result.Error = fmt.Errorf("%s canceled: %w", c.Tool, ctx.Err())
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Errorf("%s exited with code %d", c.Tool, result.ExitCode)
		default:
			result.Error = fmt.Errorf("failed to run %s: %w", c.Tool, err)
		}
		log.WithError(result.Error).WithField("duration", result.Duration).Warn("Tool process failed")
		return result
	}

	result.Success = true
	result.ExitCode = 0
	log.WithField("duration", result.Duration).Debug("Tool process finished")
	return result
}
