package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/mats/internal/observability"
	"github.com/jonathan/mats/internal/types"
)

func TestNewJobFinished(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := types.NewJob("a1", []string{"jadx", "frida"}, now)
	require.NoError(t, job.Start(now))
	require.NoError(t, job.BeginTool(0))
	require.NoError(t, job.FinishTool(0, types.ToolResult{Status: types.ToolStatusSuccess, Output: "lots of text", DurationMs: 900}))
	require.NoError(t, job.BeginTool(1))
	require.NoError(t, job.FinishTool(1, types.ToolResult{Status: types.ToolStatusPendingManual}))
	require.NoError(t, job.Complete(now))

	event := NewJobFinished(job, now)
	assert.Equal(t, TypeJobFinished, event.Type)
	assert.Equal(t, types.JobStatusCompleted, event.Status)
	assert.Equal(t, 100, event.Progress)
	require.Len(t, event.Tools, 2)
	assert.Equal(t, ToolOutcome{Tool: "jadx", Status: types.ToolStatusSuccess, DurationMs: 900}, event.Tools[0])

	data, err := json.Marshal(event)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "lots of text")
	assert.Contains(t, string(data), `"job_id":"a1"`)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "mats.jobs.failed", Subject("", types.JobStatusFailed))
	assert.Equal(t, "lab.completed", Subject("lab", types.JobStatusCompleted))
}

func TestNoop(t *testing.T) {
	var p Noop
	assert.NoError(t, p.PublishJobFinished(context.Background(), types.NewJob("a1", nil, time.Now())))
	p.Close()
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(Options{URL: "nats://127.0.0.1:1", MaxReconnects: -1}, observability.DiscardLogger())
	assert.Error(t, err)
}
