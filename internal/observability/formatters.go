// Package observability provides logging, metrics, tracing and the formatted
// summaries printed by the CLI.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jonathan/mats/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxThreatsToShow is the number of quark threats listed in a job summary
	maxThreatsToShow = 5
)

// Printer handles formatted output for the CLI
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintHealth outputs the installed state of every tool, sorted by name.
func (p *Printer) PrintHealth(health map[string]bool) {
	names := make([]string, 0, len(health))
	for name := range health {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		mark := "✗ missing"
		if health[name] {
			mark = "✓ installed"
		}
		sb.WriteString(fmt.Sprintf("%-12s %s\n", name, mark))
	}
	p.printBox("TOOL AVAILABILITY", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintJob outputs a human-readable summary of a job and its per-tool results.
func (p *Printer) PrintJob(job *types.Job) {
	if job == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Job:      %s\n", job.ID))
	sb.WriteString(fmt.Sprintf("Status:   %s (%d%%)\n", job.Status, job.Progress))
	if job.Error != "" {
		sb.WriteString(fmt.Sprintf("Error:    %s\n", job.Error))
	}
	sb.WriteString("\n")

	for _, res := range job.Results.List() {
		sb.WriteString(fmt.Sprintf("%s %s: %s", statusIcon(res.Status), res.Tool, res.Status))
		if res.DurationMs > 0 {
			sb.WriteString(fmt.Sprintf(" (%dms)", res.DurationMs))
		}
		sb.WriteString("\n")
		if res.Error != "" {
			sb.WriteString(fmt.Sprintf("    %s\n", res.Error))
		}
		writeExtra(&sb, res.Extra)
	}

	p.printBox("ANALYSIS SUMMARY", strings.TrimSuffix(sb.String(), "\n"))
}

func writeExtra(sb *strings.Builder, extra types.Extra) {
	switch e := extra.(type) {
	case types.DecompileExtra:
		sb.WriteString(fmt.Sprintf("    Source files: %d\n", e.SourceFiles))
	case types.DecodeExtra:
		sb.WriteString(fmt.Sprintf("    Manifest decoded: %t\n", e.ManifestExists))
	case types.QuarkExtra:
		sb.WriteString(fmt.Sprintf("    Score: %.2f", e.Score))
		if e.ThreatLevel != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", e.ThreatLevel))
		}
		sb.WriteString("\n")
		count := min(len(e.Threats), maxThreatsToShow)
		for i := 0; i < count; i++ {
			sb.WriteString(fmt.Sprintf("    • %s\n", e.Threats[i].Crime))
		}
		if len(e.Threats) > maxThreatsToShow {
			sb.WriteString(fmt.Sprintf("    ... and %d more\n", len(e.Threats)-maxThreatsToShow))
		}
	case types.ManualExtra:
		if len(e.Requires) > 0 {
			sb.WriteString(fmt.Sprintf("    Requires: %s\n", strings.Join(e.Requires, ", ")))
		}
	}
}

func statusIcon(s types.ToolStatus) string {
	switch s {
	case types.ToolStatusSuccess:
		return "✓"
	case types.ToolStatusError:
		return "✗"
	case types.ToolStatusPendingManual:
		return "…"
	default:
		return "•"
	}
}
