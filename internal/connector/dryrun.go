package connector

import (
	"context"
	"strings"
	"sync"

	"github.com/rendis/taskpilot/internal/logging"
)

// DryRunCode is the one-time code every dry-run fetch returns.
const DryRunCode = "000000"

// DryRun implements every capability without side effects. It remembers the
// last value filled into each target per record so value: conditions echo
// it back and generated post-checks hold.
type DryRun struct {
	mu     sync.Mutex
	values map[string]string
}

// NewDryRun creates a dry-run connector.
func NewDryRun() *DryRun {
	return &DryRun{values: make(map[string]string)}
}

// DryRunSet returns a Set whose every capability is the dry-run connector.
func DryRunSet() Set {
	d := NewDryRun()
	return Set{Interactive: d, Cells: d, Codes: d}
}

func dryEvidence(action string, extra map[string]any) *Evidence {
	observed := map[string]any{"dry_run": true, "action": action}
	for k, v := range extra {
		observed[k] = v
	}
	return NewEvidence("dry-run", observed)
}

func (d *DryRun) slot(ctx context.Context, target string) string {
	return logging.RecordKey(ctx) + "|" + target
}

func (d *DryRun) Navigate(ctx context.Context, url string) (*Evidence, error) {
	return dryEvidence("navigate", map[string]any{"url": url}), nil
}

func (d *DryRun) Fill(ctx context.Context, target, value string) (*Evidence, error) {
	d.mu.Lock()
	d.values[d.slot(ctx, target)] = value
	d.mu.Unlock()
	return dryEvidence("fill", map[string]any{"target": target, "value": value}), nil
}

func (d *DryRun) Click(ctx context.Context, target string) (*Evidence, error) {
	return dryEvidence("click", map[string]any{"target": target}), nil
}

// WaitForCondition reports every condition as satisfied. For value:<target>
// it echoes the last value filled into that target for the current record.
func (d *DryRun) WaitForCondition(ctx context.Context, condition string) (*Evidence, error) {
	extra := map[string]any{"condition": condition, "visible": true}
	if kind, target, ok := strings.Cut(condition, ":"); ok && (kind == "value" || kind == "cell") {
		d.mu.Lock()
		extra["value"] = d.values[d.slot(ctx, target)]
		d.mu.Unlock()
	}
	return dryEvidence("observe", extra), nil
}

func (d *DryRun) WriteCell(ctx context.Context, req CellRequest) (*Evidence, error) {
	d.mu.Lock()
	d.values[d.slot(ctx, cellAddress(req))] = req.Value
	d.mu.Unlock()
	return dryEvidence("write_cell", map[string]any{"cell": cellAddress(req), "value": req.Value}), nil
}

func (d *DryRun) ReadCell(ctx context.Context, req CellRequest) (*Evidence, error) {
	d.mu.Lock()
	v := d.values[d.slot(ctx, cellAddress(req))]
	d.mu.Unlock()
	return dryEvidence("read_cell", map[string]any{"cell": cellAddress(req), "value": v}), nil
}

func (d *DryRun) FetchCode(ctx context.Context, q CodeQuery) (*Evidence, error) {
	return dryEvidence("fetch_code", map[string]any{"code": DryRunCode, "sender_filter": q.SenderFilter}), nil
}

// cellAddress renders a cell request as sheet!column:row.
func cellAddress(req CellRequest) string {
	addr := req.Column + ":" + req.Row
	if req.Sheet != "" {
		return req.Sheet + "!" + addr
	}
	return addr
}

// CellAddress is the condition target a cell post-check observes.
func CellAddress(req CellRequest) string { return cellAddress(req) }

var (
	_ Interactive = (*DryRun)(nil)
	_ CellWriter  = (*DryRun)(nil)
	_ CodeFetcher = (*DryRun)(nil)
)
