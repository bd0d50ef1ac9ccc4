package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/mats/internal/artifact"
	"github.com/jonathan/mats/internal/config"
	"github.com/jonathan/mats/internal/observability"
	"github.com/jonathan/mats/internal/server"
	"github.com/jonathan/mats/internal/types"
)

// execute runs the root command in-process and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, analyzeTools, analyzeJSON, analyzeVerbose = "", nil, false, false
	toolsJSON, tokenSubject = false, ""

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	return stdout.String(), err
}

// isolate points tool discovery and storage at empty temp directories.
// Binaries placed in the returned directory are found on PATH.
func isolate(t *testing.T) string {
	t.Helper()
	bin := t.TempDir()
	t.Setenv("PATH", bin)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MATS_TOOLS_DIR", t.TempDir())
	uploads := t.TempDir()
	t.Setenv("MATS_STORAGE_UPLOAD_DIR", uploads)
	t.Setenv("MATS_STORAGE_RESULTS_DIR", filepath.Join(uploads, "results"))
	t.Setenv("MATS_LOG_LEVEL", "error")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("MATS_AUTH_JWT_SECRET", "")
	return bin
}

func writeAPK(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"AndroidManifest.xml", "classes.dex"} {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestTokenCommand(t *testing.T) {
	isolate(t)
	secret := "0123456789abcdef0123456789abcdef"
	t.Setenv("MATS_AUTH_JWT_SECRET", secret)

	out, err := execute(t, "token", "--subject", "ci-runner")
	require.NoError(t, err)

	claims, err := server.NewJWTService(config.AuthConfig{
		JWTSecret:       secret,
		Issuer:          "mats",
		ExpirationHours: 24,
	}).ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ci-runner", claims.Caller())
}

func TestTokenCommand_WithoutSecret(t *testing.T) {
	isolate(t)

	_, err := execute(t, "token", "--subject", "ci-runner")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret is not configured")
}

func TestToolsCommand_JSON(t *testing.T) {
	isolate(t)

	out, err := execute(t, "tools", "--json")
	require.NoError(t, err)

	var health map[string]bool
	require.NoError(t, json.Unmarshal([]byte(out), &health))
	for _, name := range []string{"jadx", "apktool", "quark", "androguard"} {
		installed, ok := health[name]
		assert.True(t, ok, name)
		assert.False(t, installed, name)
	}
}

func TestToolsCommand_Table(t *testing.T) {
	isolate(t)

	out, err := execute(t, "tools")
	require.NoError(t, err)

	assert.Contains(t, out, "TOOL AVAILABILITY")
	assert.Contains(t, out, "jadx")
}

func TestAnalyzeCommand_ManualTool(t *testing.T) {
	bin := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(bin, "frida"), []byte("#!/bin/sh\nexit 0\n"), 0o755))

	out, err := execute(t, "analyze", writeAPK(t), "--tools", "frida", "--json")
	require.NoError(t, err)

	var job types.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	res, ok := job.Results.Get("frida")
	require.True(t, ok)
	assert.Equal(t, types.ToolStatusPendingManual, res.Status)
}

func TestAnalyzeCommand_NormalizesToolNames(t *testing.T) {
	bin := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(bin, "frida"), []byte("#!/bin/sh\nexit 0\n"), 0o755))

	out, err := execute(t, "analyze", writeAPK(t), "--tools", " FRIDA ", "--json")
	require.NoError(t, err)

	var job types.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, []string{"frida"}, job.ToolOrder)
}

func TestAnalyzeCommand_RejectsDuplicateTools(t *testing.T) {
	bin := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(bin, "frida"), []byte("#!/bin/sh\nexit 0\n"), 0o755))

	_, err := execute(t, "analyze", writeAPK(t), "--tools", "frida,Frida")

	require.Error(t, err)
	assert.Equal(t, "--tools must not contain duplicates", err.Error())
}

func TestAnalyzeCommand_NothingInstalled(t *testing.T) {
	isolate(t)

	_, err := execute(t, "analyze", writeAPK(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no analysis tools are installed")
}

func TestAnalyzeCommand_UnavailableTool(t *testing.T) {
	isolate(t)

	_, err := execute(t, "analyze", writeAPK(t), "--tools", "jadx")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "jadx")
}

func TestAnalyzeCommand_MissingFile(t *testing.T) {
	bin := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(bin, "frida"), []byte("#!/bin/sh\nexit 0\n"), 0o755))

	_, err := execute(t, "analyze", filepath.Join(t.TempDir(), "missing.apk"), "--tools", "frida")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open")
}

type recordingPruner struct {
	cutoff time.Time
	calls  int
}

func (p *recordingPruner) DeleteJobsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	p.calls++
	return 3, nil
}

func TestPruneOnce(t *testing.T) {
	store, err := artifact.NewStore(artifact.Options{Dir: t.TempDir()}, observability.DiscardLogger())
	require.NoError(t, err)
	pruner := &recordingPruner{}

	before := time.Now()
	pruneOnce(context.Background(), store, pruner, time.Hour, observability.DiscardLogger())

	assert.Equal(t, 1, pruner.calls)
	assert.WithinDuration(t, before.Add(-time.Hour), pruner.cutoff, 5*time.Second)
}

func TestRunRetention_Disabled(t *testing.T) {
	store, err := artifact.NewStore(artifact.Options{Dir: t.TempDir()}, observability.DiscardLogger())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		runRetention(context.Background(), store, nil, config.StorageConfig{}, observability.DiscardLogger())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retention loop should return immediately when disabled")
	}
}
