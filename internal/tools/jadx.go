package tools

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonathan/mats/internal/types"
	"github.com/sirupsen/logrus"
)

// JadxOutputDir is the directory, relative to the job results directory, that jadx writes to.
const JadxOutputDir = "jadx_output"

// Jadx decompiles the package to Java sources.
type Jadx struct {
	processAdapter
}

// NewJadx creates the jadx adapter.
func NewJadx(opts Options, runner *Runner, logger logrus.FieldLogger) *Jadx {
	return &Jadx{processAdapter: newProcessAdapter("jadx", opts, runner, logger)}
}

// Run executes jadx -d <out>/jadx_output <apk>.
func (a *Jadx) Run(ctx context.Context, inv Invocation) types.ToolResult {
	outDir := filepath.Join(inv.OutputDir, JadxOutputDir)
	run, failed := a.exec(ctx, inv.OutputDir, a.timeout, 0, "-d", outDir, inv.ArtifactPath)
	if failed != nil {
		return *failed
	}
	if !run.Success {
		return a.fromRun(run)
	}
	if info, err := os.Stat(outDir); err != nil || !info.IsDir() {
		return a.failure("jadx finished but produced no output directory", run.Output, run.Duration)
	}

	return types.ToolResult{
		Tool:       a.name,
		Status:     types.ToolStatusSuccess,
		Output:     run.Output,
		OutputDir:  outDir,
		Message:    "Decompilation completed",
		DurationMs: run.Duration.Milliseconds(),
		Extra:      types.DecompileExtra{SourceFiles: countSources(outDir)},
	}
}

func countSources(dir string) int {
	count := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && (strings.HasSuffix(path, ".java") || strings.HasSuffix(path, ".kt")) {
			count++
		}
		return nil
	})
	return count
}
