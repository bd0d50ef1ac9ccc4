package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolResult_ExtraIsFlatWithKind(t *testing.T) {
	res := ToolResult{
		Tool:   "quark",
		Status: ToolStatusSuccess,
		Output: "done",
		Extra: QuarkExtra{
			Score:       4.5,
			ThreatLevel: "High Risk",
			Threats:     []QuarkThreat{{Crime: "Send SMS", Confidence: "100%"}},
		},
	}

	jsonBytes, err := json.Marshal(res)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(jsonBytes, &raw))
	extra, ok := raw["extra"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "quark", extra["kind"])
	assert.Equal(t, 4.5, extra["score"])
	assert.Equal(t, "High Risk", extra["threat_level"])

	var decoded ToolResult
	require.NoError(t, json.Unmarshal(jsonBytes, &decoded))
	assert.Equal(t, res, decoded)
}

type emptyExtra struct{}

func (emptyExtra) Kind() string { return "empty" }

func TestMarshalExtra_SplicesKind(t *testing.T) {
	raw, err := marshalExtra(ManualExtra{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"manual","requires":null}`, string(raw))

	raw, err = marshalExtra(emptyExtra{})
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"empty"}`, string(raw))
}

func TestToolResult_AllExtraKinds(t *testing.T) {
	extras := []Extra{
		DecompileExtra{SourceFiles: 12},
		DecodeExtra{ManifestExists: true},
		QuarkExtra{Score: 1, Threats: []QuarkThreat{}},
		ManualExtra{Requires: []string{"device"}, Instructions: "connect a device"},
	}

	for _, extra := range extras {
		t.Run(extra.Kind(), func(t *testing.T) {
			jsonBytes, err := json.Marshal(ToolResult{Tool: "x", Status: ToolStatusSuccess, Extra: extra})
			require.NoError(t, err)

			var decoded ToolResult
			require.NoError(t, json.Unmarshal(jsonBytes, &decoded))
			assert.Equal(t, extra, decoded.Extra)
		})
	}
}

func TestToolResult_NoExtra(t *testing.T) {
	jsonBytes, err := json.Marshal(ToolResult{Tool: "androguard", Status: ToolStatusError, Error: "exit status 1"})
	require.NoError(t, err)
	assert.NotContains(t, string(jsonBytes), `"extra"`)
	assert.Contains(t, string(jsonBytes), `"error":"exit status 1"`)

	var decoded ToolResult
	require.NoError(t, json.Unmarshal(jsonBytes, &decoded))
	assert.Nil(t, decoded.Extra)
}

func TestToolResult_UnknownExtraKind(t *testing.T) {
	var decoded ToolResult
	err := json.Unmarshal([]byte(`{"tool":"x","status":"success","extra":{"kind":"mystery"}}`), &decoded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}

func TestToolStatus_IsFinal(t *testing.T) {
	assert.True(t, ToolStatusSuccess.IsFinal())
	assert.True(t, ToolStatusError.IsFinal())
	assert.True(t, ToolStatusPendingManual.IsFinal())
	assert.False(t, ToolStatusRunning.IsFinal())
}
