package actions

import (
	"context"
	"strings"

	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Observe evaluates a condition string through the capability it names.
// cell:<sheet!column:row> reads a cell; anything else is handed to the
// interactive target.
func Observe(ctx context.Context, set connector.Set, condition string) (*connector.Evidence, error) {
	if condition == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition")
	}
	if addr, ok := strings.CutPrefix(condition, "cell:"); ok {
		if set.Cells == nil {
			return nil, unavailable("cell writer")
		}
		req, err := parseCellAddress(addr)
		if err != nil {
			return nil, err
		}
		return set.Cells.ReadCell(ctx, req)
	}
	if set.Interactive == nil {
		return nil, unavailable("interactive")
	}
	return set.Interactive.WaitForCondition(ctx, condition)
}

// parseCellAddress is the inverse of connector.CellAddress.
func parseCellAddress(addr string) (connector.CellRequest, error) {
	var req connector.CellRequest
	if sheet, rest, ok := strings.Cut(addr, "!"); ok {
		req.Sheet = sheet
		addr = rest
	}
	col, row, ok := strings.Cut(addr, ":")
	if !ok || col == "" || row == "" {
		return req, schema.NewErrorf(schema.ErrCodeValidation, "invalid cell address %q: expected [sheet!]column:row", addr)
	}
	req.Column = col
	req.Row = row
	return req, nil
}
