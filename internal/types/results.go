package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Results maps tool name to ToolResult and remembers insertion order, which
// is the order the tools were started. The zero value is an empty map.
type Results struct {
	order   []string
	entries map[string]ToolResult
}

// Set stores r under r.Tool. Replacing an existing entry keeps its position.
func (r *Results) Set(result ToolResult) {
	if r.entries == nil {
		r.entries = make(map[string]ToolResult)
	}
	if _, ok := r.entries[result.Tool]; !ok {
		r.order = append(r.order, result.Tool)
	}
	r.entries[result.Tool] = result
}

// Get returns the result stored for tool.
func (r Results) Get(tool string) (ToolResult, bool) {
	res, ok := r.entries[tool]
	return res, ok
}

// Len returns the number of stored results.
func (r Results) Len() int { return len(r.order) }

// Names returns the tool names in insertion order.
func (r Results) Names() []string {
	return append([]string(nil), r.order...)
}

// List returns the results in insertion order.
func (r Results) List() []ToolResult {
	out := make([]ToolResult, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

func (r Results) clone() Results {
	if r.entries == nil {
		return Results{}
	}
	c := Results{
		order:   append([]string(nil), r.order...),
		entries: make(map[string]ToolResult, len(r.entries)),
	}
	for k, v := range r.entries {
		c.entries[k] = v
	}
	return c
}

// MarshalJSON encodes the results as a JSON object whose keys follow insertion order.
func (r Results) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.entries[name])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result for %s: %w", name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object and keeps the key order of the document.
func (r *Results) UnmarshalJSON(data []byte) error {
	*r = Results{}
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("results: expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("results: expected key, got %v", tok)
		}
		var res ToolResult
		if err := dec.Decode(&res); err != nil {
			return fmt.Errorf("results: failed to decode %s: %w", name, err)
		}
		res.Tool = name
		r.Set(res)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
