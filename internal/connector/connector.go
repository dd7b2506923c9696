// Package connector defines the capability contracts the engine drives.
// Concrete spreadsheet, browser and mailbox drivers live outside this module;
// the package ships a dry-run set, a file-backed tabular connector and a
// mailbox code extractor over an abstract message source.
package connector

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Evidence is what a connector observed while acting or checking a
// condition. A step can only succeed on evidence with a non-empty Ref.
type Evidence struct {
	Ref      string         `json:"ref"`
	Kind     string         `json:"kind"`
	Observed map[string]any `json:"observed,omitempty"`
	At       time.Time      `json:"at"`
}

// NewEvidence stamps observed data with a fresh reference.
func NewEvidence(kind string, observed map[string]any) *Evidence {
	return &Evidence{
		Ref:      "ev-" + uuid.NewString(),
		Kind:     kind,
		Observed: observed,
		At:       time.Now().UTC(),
	}
}

// Empty reports whether the evidence cannot back a success.
func (e *Evidence) Empty() bool {
	return e == nil || e.Ref == ""
}

// Tabular reads record batches and writes per-record results.
type Tabular interface {
	ReadRecords(ctx context.Context, source string) ([]map[string]string, error)
	WriteResults(ctx context.Context, dest string, results []Result) error
}

// Result is one record's outcome as written back by a Tabular connector.
type Result struct {
	Position    int               `json:"position"`
	Key         string            `json:"key"`
	Status      string            `json:"status"`
	ErrorCode   string            `json:"error_code,omitempty"`
	EvidenceRef string            `json:"evidence_ref,omitempty"`
	Message     string            `json:"message,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// CellRequest addresses one cell of a sheet.
type CellRequest struct {
	Sheet  string `json:"sheet,omitempty"`
	Row    string `json:"row"`
	Column string `json:"column"`
	Value  string `json:"value,omitempty"`
}

// CellWriter writes and reads single cells.
type CellWriter interface {
	WriteCell(ctx context.Context, req CellRequest) (*Evidence, error)
	ReadCell(ctx context.Context, req CellRequest) (*Evidence, error)
}

// Interactive drives a UI target. WaitForCondition observes a condition
// string such as "visible:#ok" or "value:#email" and returns what it saw.
type Interactive interface {
	Navigate(ctx context.Context, url string) (*Evidence, error)
	Fill(ctx context.Context, target, value string) (*Evidence, error)
	Click(ctx context.Context, target string) (*Evidence, error)
	WaitForCondition(ctx context.Context, condition string) (*Evidence, error)
}

// CodeQuery selects a one-time code from recent messages.
type CodeQuery struct {
	SenderFilter string        `json:"sender_filter,omitempty"`
	Window       time.Duration `json:"window"`
	Pattern      string        `json:"pattern,omitempty"`
}

// CodeFetcher returns evidence whose Observed["code"] holds the code, or a
// code_not_found error.
type CodeFetcher interface {
	FetchCode(ctx context.Context, q CodeQuery) (*Evidence, error)
}

// Set bundles the capabilities available to one run. Nil members mean the
// capability is not configured.
type Set struct {
	Interactive Interactive
	Cells       CellWriter
	Codes       CodeFetcher
}
