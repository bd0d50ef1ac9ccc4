package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonathan/mats/internal/schemas"
	"github.com/jonathan/mats/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	// QuarkOutputDir is the working directory of quark below the job results directory.
	QuarkOutputDir = "quark_output"

	quarkSetupTimeout = 180 * time.Second
	// quark writes the -o report into a file named after the flag value.
	quarkReportFile   = "json"
	quarkStdoutLimit  = 4 * 1024 * 1024
)

// Quark runs the quark-engine rule based scanner and extracts its threat report.
type Quark struct {
	processAdapter
	rulesDir string

	setupMu sync.Mutex
}

// NewQuark creates the quark adapter.
func NewQuark(opts Options, runner *Runner, logger logrus.FieldLogger) *Quark {
	rulesDir := opts.QuarkRulesDir
	if rulesDir == "" && opts.HomeDir != "" {
		rulesDir = filepath.Join(opts.HomeDir, ".quark-engine", "quark-rules", "rules")
	}
	return &Quark{
		processAdapter: newProcessAdapter("quark", opts, runner, logger),
		rulesDir:       rulesDir,
	}
}

// Run executes quark -a <apk> -s -o json, bootstrapping the rule set first if it is missing.
func (a *Quark) Run(ctx context.Context, inv Invocation) types.ToolResult {
	workDir := filepath.Join(inv.OutputDir, QuarkOutputDir)
	if res := a.ensureRules(ctx, workDir); res != nil {
		return *res
	}

	run, failed := a.exec(ctx, workDir, a.timeout, quarkStdoutLimit, "-a", inv.ArtifactPath, "-s", "-o", quarkReportFile)
	if failed != nil {
		return *failed
	}
	if !run.Success {
		return a.fromRun(run)
	}

	var candidates [][]byte
	if data, err := os.ReadFile(filepath.Join(workDir, quarkReportFile)); err == nil {
		candidates = append(candidates, data)
	}
	candidates = append(candidates, reportCandidates(run.Stdout)...)

	extra, err := parseQuarkReport(candidates)
	if err != nil {
		return a.failure(fmt.Sprintf("failed to parse quark report: %v", err), run.Output, run.Duration)
	}

	return types.ToolResult{
		Tool:       a.name,
		Status:     types.ToolStatusSuccess,
		Output:     run.Output,
		OutputDir:  workDir,
		Message:    "Quark analysis completed",
		DurationMs: run.Duration.Milliseconds(),
		Extra:      extra,
	}
}

// ensureRules runs quark --setup once when the rules directory is missing.
// It returns a non-nil result when the bootstrap failed.
func (a *Quark) ensureRules(ctx context.Context, workDir string) *types.ToolResult {
	if a.rulesDir == "" {
		return nil
	}
	a.setupMu.Lock()
	defer a.setupMu.Unlock()

	if _, err := os.Stat(a.rulesDir); err == nil {
		return nil
	}

	a.logger.WithField("rules_dir", a.rulesDir).Info("Quark rules missing, running quark --setup")
	run, failed := a.exec(ctx, workDir, quarkSetupTimeout, 0, "--setup")
	if failed != nil {
		return failed
	}
	if run.TimedOut {
		res := a.failure("Quark rules download timed out. Run `quark --setup` manually.", run.Output, run.Duration)
		return &res
	}
	if !run.Success {
		res := a.failure(fmt.Sprintf("Quark rules setup failed: %v. Run `quark --setup` manually.", run.Error), run.Output, run.Duration)
		return &res
	}
	return nil
}

// reportCandidates returns the byte ranges of stdout that may hold the JSON
// report: the whole output, the last line starting with '{', and the span
// from the first '{' to the last '}'.
func reportCandidates(stdout string) [][]byte {
	s := strings.TrimSpace(stdout)
	if s == "" {
		return nil
	}
	candidates := [][]byte{[]byte(s)}

	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") {
			candidates = append(candidates, []byte(line))
			break
		}
	}

	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		candidates = append(candidates, []byte(s[start:end+1]))
	}
	return candidates
}

type quarkReport struct {
	TotalScore  *float64     `json:"total_score"`
	Score       *float64     `json:"score"`
	ThreatLevel string       `json:"threat_level"`
	Crimes      []quarkCrime `json:"crimes"`
	Threats     []quarkCrime `json:"threats"`
}

type quarkCrime types.QuarkThreat

// UnmarshalJSON accepts either a crime object or a bare description string.
func (c *quarkCrime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Crime)
	}
	var raw struct {
		Crime      string          `json:"crime"`
		Confidence json.RawMessage `json:"confidence"`
		Score      float64         `json:"score"`
		Weight     float64         `json:"weight"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Crime = raw.Crime
	c.Score = raw.Score
	c.Weight = raw.Weight
	c.Confidence = strings.Trim(string(raw.Confidence), `"`)
	return nil
}

func parseQuarkReport(candidates [][]byte) (types.QuarkExtra, error) {
	if len(candidates) == 0 {
		return types.QuarkExtra{}, errors.New("quark produced no output")
	}

	var lastErr error
	for _, data := range candidates {
		if !json.Valid(data) {
			lastErr = errors.New("no JSON document found in output")
			continue
		}
		if err := schemas.ValidateQuarkReport(data); err != nil {
			lastErr = err
			continue
		}
		var report quarkReport
		if err := json.Unmarshal(data, &report); err != nil {
			lastErr = err
			continue
		}
		return report.extra(), nil
	}
	return types.QuarkExtra{}, lastErr
}

func (r quarkReport) extra() types.QuarkExtra {
	extra := types.QuarkExtra{ThreatLevel: r.ThreatLevel, Threats: []types.QuarkThreat{}}
	switch {
	case r.TotalScore != nil:
		extra.Score = *r.TotalScore
	case r.Score != nil:
		extra.Score = *r.Score
	}
	crimes := r.Crimes
	if len(crimes) == 0 {
		crimes = r.Threats
	}
	for _, c := range crimes {
		extra.Threats = append(extra.Threats, types.QuarkThreat(c))
	}
	return extra
}
