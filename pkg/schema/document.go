package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DecodeWorkflow parses a JSON or YAML workflow document. Unknown fields are
// rejected.
func DecodeWorkflow(data []byte) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	if err := decodeStrict(data, def); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return def, nil
}

// DecodeEventLog parses a JSON or YAML event log document.
func DecodeEventLog(data []byte) (*EventLog, error) {
	log := &EventLog{}
	if err := decodeStrict(data, log); err != nil {
		return nil, fmt.Errorf("decode event log: %w", err)
	}
	return log, nil
}

// EncodeWorkflow renders a definition as "json" (indented) or "yaml".
func EncodeWorkflow(def *WorkflowDefinition, format string) ([]byte, error) {
	switch format {
	case "yaml", "yml":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(def); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		b, err := json.MarshalIndent(def, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	}
}

// decodeStrict decodes a JSON document (first non-space byte is '{') with
// encoding/json and anything else as YAML. Unknown fields fail either way.
func decodeStrict(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}
