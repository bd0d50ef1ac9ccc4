package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestJobStatus_ValidateTransition(t *testing.T) {
	tests := []struct {
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{JobStatusPending, JobStatusProcessing, false},
		{JobStatusPending, JobStatusFailed, false},
		{JobStatusPending, JobStatusCompleted, true},
		{JobStatusProcessing, JobStatusCompleted, false},
		{JobStatusProcessing, JobStatusFailed, false},
		{JobStatusProcessing, JobStatusPending, true},
		{JobStatusCompleted, JobStatusFailed, true},
		{JobStatusCompleted, JobStatusProcessing, true},
		{JobStatusFailed, JobStatusCompleted, true},
		{JobStatusFailed, JobStatusPending, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := tt.from.ValidateTransition(tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
}

func TestJob_Lifecycle(t *testing.T) {
	job := NewJob("a1", []string{"jadx", "quark", "frida"}, testNow)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, 0, job.Results.Len())

	require.NoError(t, job.Start(testNow))
	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.StartedAt)

	require.NoError(t, job.BeginTool(0))
	require.NotNil(t, job.CurrentTool)
	assert.Equal(t, "jadx", *job.CurrentTool)
	assert.Equal(t, 0, job.Progress)
	running, ok := job.Results.Get("jadx")
	require.True(t, ok)
	assert.Equal(t, ToolStatusRunning, running.Status)
	_, ok = job.Results.Get("quark")
	assert.False(t, ok, "unstarted tools must not have a result")

	require.NoError(t, job.FinishTool(0, ToolResult{Status: ToolStatusSuccess}))
	assert.Equal(t, 33, job.Progress)

	require.NoError(t, job.BeginTool(1))
	assert.Equal(t, 33, job.Progress)
	require.NoError(t, job.FinishTool(1, ToolResult{Status: ToolStatusError, Error: "boom"}))
	assert.Equal(t, 66, job.Progress)

	require.NoError(t, job.BeginTool(2))
	require.NoError(t, job.FinishTool(2, ToolResult{Status: ToolStatusPendingManual}))
	assert.Equal(t, 99, job.Progress, "progress stays below 100 until terminal")

	require.NoError(t, job.Complete(testNow))
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Nil(t, job.CurrentTool)
	assert.Equal(t, []string{"jadx", "quark", "frida"}, job.Results.Names())

	assert.Error(t, job.Fail("late", testNow))
	assert.Empty(t, job.Error)
}

func TestJob_FinishToolUsesOrderName(t *testing.T) {
	job := NewJob("a1", []string{"apktool"}, testNow)
	require.NoError(t, job.Start(testNow))
	require.NoError(t, job.BeginTool(0))
	require.NoError(t, job.FinishTool(0, ToolResult{Tool: "something-else", Status: ToolStatusSuccess}))

	assert.Equal(t, []string{"apktool"}, job.Results.Names())
}

func TestJob_BeginToolRequiresProcessing(t *testing.T) {
	job := NewJob("a1", []string{"jadx"}, testNow)
	err := job.BeginTool(0)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, job.Start(testNow))
	assert.Error(t, job.BeginTool(3))
}

func TestJob_Fail(t *testing.T) {
	job := NewJob("a1", []string{"jadx"}, testNow)
	require.NoError(t, job.Start(testNow))
	require.NoError(t, job.BeginTool(0))

	require.NoError(t, job.Fail("artifact not found", testNow))
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Nil(t, job.CurrentTool)
	assert.Equal(t, "artifact not found", job.Error)
	require.NotNil(t, job.FinishedAt)
}

func TestJob_Clone(t *testing.T) {
	job := NewJob("a1", []string{"jadx", "quark"}, testNow)
	require.NoError(t, job.Start(testNow))
	require.NoError(t, job.BeginTool(0))

	c := job.Clone()
	require.NoError(t, job.FinishTool(0, ToolResult{Status: ToolStatusSuccess}))
	job.ToolOrder[1] = "mutated"

	assert.Equal(t, 0, c.Progress)
	assert.Equal(t, "quark", c.ToolOrder[1])
	res, _ := c.Results.Get("jadx")
	assert.Equal(t, ToolStatusRunning, res.Status)
	require.NotNil(t, c.CurrentTool)
	assert.NotSame(t, job.CurrentTool, c.CurrentTool)
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 0, ProgressBefore(0, 3))
	assert.Equal(t, 33, ProgressAfter(0, 3))
	assert.Equal(t, 66, ProgressBefore(2, 3))
	assert.Equal(t, 100, ProgressAfter(2, 3))
	assert.Equal(t, 0, ProgressBefore(0, 0))
	assert.Equal(t, 0, ProgressAfter(0, 0))
}

func TestJob_JSON(t *testing.T) {
	job := NewJob("a1", []string{"jadx"}, testNow)
	jsonBytes, err := json.Marshal(job)
	require.NoError(t, err)

	s := string(jsonBytes)
	assert.Contains(t, s, `"job_id":"a1"`)
	assert.Contains(t, s, `"status":"pending"`)
	assert.Contains(t, s, `"current_tool":null`)
	assert.Contains(t, s, `"results":{}`)
	assert.NotContains(t, s, `"error"`)
}

func TestJob_Summary(t *testing.T) {
	job := NewJob("a1", []string{"jadx"}, testNow)
	require.NoError(t, job.Start(testNow))
	require.NoError(t, job.BeginTool(0))

	s := job.Summary()
	assert.Equal(t, "a1", s.ID)
	assert.Equal(t, JobStatusProcessing, s.Status)
	require.NotNil(t, s.CurrentTool)
	assert.Equal(t, "jadx", *s.CurrentTool)
}
