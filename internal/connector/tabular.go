package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/taskpilot/pkg/schema"
)

// FileTabular reads record batches from JSON or YAML files holding an array
// of objects and writes results as a JSON array.
type FileTabular struct{}

// NewFileTabular creates a file-backed Tabular connector.
func NewFileTabular() *FileTabular { return &FileTabular{} }

// ReadRecords decodes source into string-valued rows. Scalar values are
// rendered as strings; nested values are rejected.
func (f *FileTabular) ReadRecords(ctx context.Context, source string) ([]map[string]string, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConnector, "read records %s: %s", source, err.Error()).WithCause(err)
	}
	return DecodeRecords(data)
}

// DecodeRecords parses a JSON or YAML array of objects.
func DecodeRecords(data []byte) ([]map[string]string, error) {
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode records: %s", err.Error()).WithCause(err)
	}

	rows := make([]map[string]string, 0, len(raw))
	for i, r := range raw {
		row := make(map[string]string, len(r))
		for k, v := range r {
			s, err := scalarString(v)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "record %d field %q: %s", i, k, err.Error())
			}
			row[k] = s
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func scalarString(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case time.Time:
		return val.Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}

// WriteResults writes results to dest as indented JSON, creating parent
// directories as needed.
func (f *FileTabular) WriteResults(ctx context.Context, dest string, results []Result) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeConnector, "create result dir: %s", err.Error()).WithCause(err)
	}
	if results == nil {
		results = []Result{}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := os.WriteFile(dest, append(data, '\n'), 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeConnector, "write results %s: %s", dest, err.Error()).WithCause(err)
	}
	return nil
}

var _ Tabular = (*FileTabular)(nil)
