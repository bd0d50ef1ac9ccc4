package observability

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonathan/mats/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finishedJob(t *testing.T) *types.Job {
	t.Helper()
	now := time.Now()
	job := types.NewJob("a1", []string{"jadx", "quark", "frida"}, now)
	require.NoError(t, job.Start(now))

	results := []types.ToolResult{
		{Status: types.ToolStatusSuccess, DurationMs: 1200, Extra: types.DecompileExtra{SourceFiles: 42}},
		{Status: types.ToolStatusSuccess, Extra: types.QuarkExtra{Score: 3.5, ThreatLevel: "High Risk", Threats: []types.QuarkThreat{{Crime: "Send SMS"}}}},
		{Status: types.ToolStatusPendingManual, Extra: types.ManualExtra{Requires: []string{"device"}}},
	}
	for i, res := range results {
		require.NoError(t, job.BeginTool(i))
		require.NoError(t, job.FinishTool(i, res))
	}
	require.NoError(t, job.Complete(now))
	return job
}

func TestPrintJob(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintJob(finishedJob(t))
	output := buf.String()

	assert.Contains(t, output, "ANALYSIS SUMMARY")
	assert.Contains(t, output, "completed (100%)")
	assert.Contains(t, output, "✓ jadx: success (1200ms)")
	assert.Contains(t, output, "Source files: 42")
	assert.Contains(t, output, "Score: 3.50 (High Risk)")
	assert.Contains(t, output, "Send SMS")
	assert.Contains(t, output, "frida: pending-manual")
	assert.Contains(t, output, "Requires: device")
	assert.Less(t, strings.Index(output, "jadx"), strings.Index(output, "quark"))
}

func TestPrintJob_Nil(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintJob(nil)

	assert.Empty(t, buf.String())
}

func TestPrintJob_ManyThreats(t *testing.T) {
	now := time.Now()
	job := types.NewJob("a1", []string{"quark"}, now)
	require.NoError(t, job.Start(now))
	require.NoError(t, job.BeginTool(0))

	threats := make([]types.QuarkThreat, 8)
	for i := range threats {
		threats[i] = types.QuarkThreat{Crime: fmt.Sprintf("crime-%d", i)}
	}
	require.NoError(t, job.FinishTool(0, types.ToolResult{Status: types.ToolStatusSuccess, Extra: types.QuarkExtra{Threats: threats}}))

	var buf bytes.Buffer
	NewPrinter(&buf).PrintJob(job)
	assert.Contains(t, buf.String(), "crime-4")
	assert.NotContains(t, buf.String(), "crime-5")
	assert.Contains(t, buf.String(), "... and 3 more")
}

func TestPrintHealth(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintHealth(map[string]bool{"quark": false, "jadx": true})
	output := buf.String()

	assert.Contains(t, output, "TOOL AVAILABILITY")
	assert.Contains(t, output, "✓ installed")
	assert.Contains(t, output, "✗ missing")
	assert.Less(t, strings.Index(output, "jadx"), strings.Index(output, "quark"))
}

func TestPrintBox_TruncatesLongLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.printBox("TITLE", strings.Repeat("x", 200))

	assert.Contains(t, buf.String(), "...")
	assert.NotContains(t, buf.String(), strings.Repeat("x", 100))
}
