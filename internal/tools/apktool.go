package tools

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jonathan/mats/internal/types"
	"github.com/sirupsen/logrus"
)

// ApktoolOutputDir is the directory, relative to the job results directory, that apktool writes to.
const ApktoolOutputDir = "apktool_output"

// Apktool decodes resources and the binary manifest.
type Apktool struct {
	processAdapter
}

// NewApktool creates the apktool adapter.
func NewApktool(opts Options, runner *Runner, logger logrus.FieldLogger) *Apktool {
	return &Apktool{processAdapter: newProcessAdapter("apktool", opts, runner, logger)}
}

// Run executes apktool d <apk> -o <out>/apktool_output -f.
func (a *Apktool) Run(ctx context.Context, inv Invocation) types.ToolResult {
	outDir := filepath.Join(inv.OutputDir, ApktoolOutputDir)
	run, failed := a.exec(ctx, inv.OutputDir, a.timeout, 0, "d", inv.ArtifactPath, "-o", outDir, "-f")
	if failed != nil {
		return *failed
	}
	if !run.Success {
		return a.fromRun(run)
	}

	_, err := os.Stat(filepath.Join(outDir, "AndroidManifest.xml"))
	return types.ToolResult{
		Tool:       a.name,
		Status:     types.ToolStatusSuccess,
		Output:     run.Output,
		OutputDir:  outDir,
		Message:    "Resource decoding completed",
		DurationMs: run.Duration.Milliseconds(),
		Extra:      types.DecodeExtra{ManifestExists: err == nil},
	}
}
