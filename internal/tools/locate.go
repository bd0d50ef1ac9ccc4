package tools

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Locator resolves tool binaries: configured path first, then the search
// path, then the local installation directories populated by the setup scripts.
type Locator struct {
	ToolsDir  string
	HomeDir   string
	Overrides map[string]string
}

// Find returns the path of the binary for tool and whether it was found.
// Finding a binary never runs it.
func (l *Locator) Find(binary string) (string, bool) {
	lookup := binary
	if override := l.Overrides[binary]; override != "" {
		if strings.ContainsAny(override, `/\`) {
			return override, isExecutableFile(override)
		}
		lookup = override
	}

	if path, err := exec.LookPath(lookup); err == nil {
		return path, true
	}
	if runtime.GOOS == "windows" {
		for _, ext := range []string{".cmd", ".bat", ".exe"} {
			if path, err := exec.LookPath(lookup + ext); err == nil {
				return path, true
			}
		}
	}

	for _, candidate := range l.localCandidates(binary) {
		if isExecutableFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func (l *Locator) localCandidates(binary string) []string {
	toolsDir := l.ToolsDir
	if toolsDir == "" {
		toolsDir = "tools"
	}

	var candidates []string
	switch binary {
	case "jadx":
		candidates = []string{
			filepath.Join(toolsDir, "jadx", "bin", "jadx"),
			filepath.Join(toolsDir, "bin", "jadx"),
		}
		if l.HomeDir != "" {
			candidates = append(candidates,
				filepath.Join(l.HomeDir, "scoop", "shims", "jadx.cmd"),
				filepath.Join(l.HomeDir, "scoop", "apps", "jadx", "current", "bin", "jadx"),
			)
		}
	case "apktool":
		candidates = []string{filepath.Join(toolsDir, "apktool", "apktool")}
	}

	if runtime.GOOS == "windows" {
		withBat := make([]string, 0, len(candidates))
		for _, c := range candidates {
			if filepath.Ext(c) == "" {
				c += ".bat"
			}
			withBat = append(withBat, c)
		}
		return withBat
	}
	return candidates
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}
