package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ToolStatus is the normalized outcome of one tool invocation.
type ToolStatus string

const (
	ToolStatusSuccess       ToolStatus = "success"
	ToolStatusError         ToolStatus = "error"
	ToolStatusPendingManual ToolStatus = "pending-manual"

	// ToolStatusRunning is the placeholder stored when a tool starts and
	// replaced by one of the final statuses when it returns.
	ToolStatusRunning ToolStatus = "running"
)

// IsFinal reports whether the status is a returned outcome rather than the running placeholder.
func (s ToolStatus) IsFinal() bool {
	switch s {
	case ToolStatusSuccess, ToolStatusError, ToolStatusPendingManual:
		return true
	default:
		return false
	}
}

// ToolResult is the common envelope for every tool outcome. Adapter-specific
// data lives in Extra.
type ToolResult struct {
	Tool       string     `json:"tool"`
	Status     ToolStatus `json:"status"`
	Output     string     `json:"output"`
	OutputDir  string     `json:"output_dir,omitempty"`
	Error      string     `json:"error,omitempty"`
	Message    string     `json:"message,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Extra      Extra      `json:"-"`
}

// Extra is the tool-specific part of a ToolResult. Implementations are
// serialized flat with a "kind" discriminator.
type Extra interface {
	Kind() string
}

// Extra kinds.
const (
	ExtraKindDecompile = "decompile"
	ExtraKindDecode    = "decode"
	ExtraKindQuark     = "quark"
	ExtraKindManual    = "manual"
)

// DecompileExtra is produced by the jadx adapter.
type DecompileExtra struct {
	SourceFiles int `json:"source_files"`
}

func (DecompileExtra) Kind() string { return ExtraKindDecompile }

// DecodeExtra is produced by the apktool adapter.
type DecodeExtra struct {
	ManifestExists bool `json:"manifest_exists"`
}

func (DecodeExtra) Kind() string { return ExtraKindDecode }

// QuarkThreat is one detected behavior from a quark report.
type QuarkThreat struct {
	Crime      string  `json:"crime"`
	Confidence string  `json:"confidence,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Weight     float64 `json:"weight,omitempty"`
}

// QuarkExtra is produced by the quark adapter.
type QuarkExtra struct {
	Score       float64       `json:"score"`
	ThreatLevel string        `json:"threat_level,omitempty"`
	Threats     []QuarkThreat `json:"threats"`
}

func (QuarkExtra) Kind() string { return ExtraKindQuark }

// ManualExtra describes the setup a pending-manual tool needs.
type ManualExtra struct {
	Requires     []string `json:"requires"`
	Instructions string   `json:"instructions,omitempty"`
}

func (ManualExtra) Kind() string { return ExtraKindManual }

type toolResultAlias ToolResult

type toolResultJSON struct {
	toolResultAlias
	Extra json.RawMessage `json:"extra,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	out := toolResultJSON{toolResultAlias: toolResultAlias(r)}
	if r.Extra != nil {
		raw, err := marshalExtra(r.Extra)
		if err != nil {
			return nil, err
		}
		out.Extra = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ToolResult) UnmarshalJSON(data []byte) error {
	var in toolResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = ToolResult(in.toolResultAlias)
	if len(in.Extra) == 0 || string(in.Extra) == "null" {
		return nil
	}
	extra, err := unmarshalExtra(in.Extra)
	if err != nil {
		return err
	}
	r.Extra = extra
	return nil
}

func marshalExtra(e Extra) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s extra: %w", e.Kind(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%s extra must encode as a JSON object", e.Kind())
	}
	kind, err := json.Marshal(e.Kind())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	buf.Write(kind)
	if len(bytes.TrimSpace(body[1:])) > 1 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

func unmarshalExtra(raw json.RawMessage) (Extra, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("failed to decode extra: %w", err)
	}

	var (
		extra Extra
		err   error
	)
	switch head.Kind {
	case ExtraKindDecompile:
		var v DecompileExtra
		err = json.Unmarshal(raw, &v)
		extra = v
	case ExtraKindDecode:
		var v DecodeExtra
		err = json.Unmarshal(raw, &v)
		extra = v
	case ExtraKindQuark:
		var v QuarkExtra
		err = json.Unmarshal(raw, &v)
		extra = v
	case ExtraKindManual:
		var v ManualExtra
		err = json.Unmarshal(raw, &v)
		extra = v
	default:
		return nil, fmt.Errorf("unknown extra kind %q", head.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s extra: %w", head.Kind, err)
	}
	return extra, nil
}
