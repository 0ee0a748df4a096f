// Package rowgen implements the row-generation algorithm that projects a
// validated ViewDefinition against a FHIR resource into a bag of flat rows.
package rowgen

import (
	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/eval"
	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/types"
	"github.com/robertoaraneda/sqlonfhir/pkg/viewdef"
)

// Row holds one cell per column of a ViewDefinition's schema, keyed by
// column name; callers use the schema for column order. A cell is nil (null), a scalar fhirpath value, or a types.Collection
// when the owning column declares collection=true.
type Row struct {
	cells map[string]interface{}
}

// Get returns the value stored under the given column name, or nil if the
// column was never populated.
func (r Row) Get(name string) interface{} {
	return r.cells[name]
}

// partialRow accumulates column values while the generator walks the
// Select tree; it becomes a Row once a full pass over the top-level
// selects completes.
type partialRow struct {
	cells map[string]interface{}
}

// Project evaluates view against resourceJSON and returns the rows it
// contributes. A resourceType mismatch yields zero rows, not an error.
func Project(view *viewdef.ViewDefinition, resourceJSON []byte) ([]Row, error) {
	root, err := types.JSONToCollection(resourceJSON)
	if err != nil {
		return nil, viewdef.ParseError("malformed resource JSON: %v", err)
	}

	obj, ok := asObject(root)
	if !ok || obj.Type() != view.Resource {
		return nil, nil
	}

	ctx := eval.NewContext(resourceJSON)

	for _, w := range view.Where {
		result, err := w.Expr.EvaluateWithContext(ctx)
		if err != nil {
			return nil, viewdef.EvaluationError("where %q: %v", w.Path, err).WithUnderlying(err)
		}
		truthy, err := booleanCoerce(result)
		if err != nil {
			return nil, viewdef.EvaluationError("where %q: %v", w.Path, err).WithUnderlying(err)
		}
		if !truthy {
			return nil, nil
		}
	}

	rows, err := combineSiblings(ctx, view.Select)
	if err != nil {
		return nil, err
	}

	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = Row{cells: r.cells}
	}
	return out, nil
}

// combineSiblings evaluates each Select in the list against the same
// parent context and Cartesian-products their contributions, since
// sibling selects append disjoint columns horizontally.
func combineSiblings(parentCtx *eval.Context, selects []viewdef.Select) ([]partialRow, error) {
	rows := []partialRow{{cells: map[string]interface{}{}}}
	for _, s := range selects {
		produced, err := evalSelect(parentCtx, s)
		if err != nil {
			return nil, err
		}
		rows = crossProduct(rows, produced)
		if len(rows) == 0 {
			return rows, nil
		}
	}
	return rows, nil
}

// evalSelect evaluates one Select against its parent context, determining
// the iteration set (forEach/forEachOrNull/default), and for each element
// computes own columns, recurses into nested selects, and appends
// unionAll branches vertically.
func evalSelect(parentCtx *eval.Context, s viewdef.Select) ([]partialRow, error) {
	nodes, err := iterationSet(parentCtx, s)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	var allRows []partialRow
	for _, e := range nodes {
		if e == nil {
			allRows = append(allRows, partialRow{cells: nullCellsForSelect(s)})
			continue
		}

		elemCtx := parentCtx.WithThis(types.Collection{e})

		ownCells, err := evalColumns(elemCtx, s.Column)
		if err != nil {
			return nil, err
		}
		rows := []partialRow{{cells: ownCells}}

		if len(s.Select) > 0 {
			nestedRows, err := combineSiblings(elemCtx, s.Select)
			if err != nil {
				return nil, err
			}
			rows = crossProduct(rows, nestedRows)
		}

		if len(s.UnionAll) > 0 {
			var unionRows []partialRow
			for _, branch := range s.UnionAll {
				branchRows, err := evalSelect(elemCtx, branch)
				if err != nil {
					return nil, err
				}
				unionRows = append(unionRows, crossProduct(rows, branchRows)...)
			}
			rows = unionRows
		}

		allRows = append(allRows, rows...)
	}
	return allRows, nil
}

// iterationSet determines the sequence the Select iterates over. A nil
// entry is the null sentinel produced by forEachOrNull over an empty
// sequence; a zero-length result means forEach dropped all rows.
func iterationSet(parentCtx *eval.Context, s viewdef.Select) ([]types.Value, error) {
	switch {
	case s.ForEachExpr != nil:
		col, err := s.ForEachExpr.EvaluateWithContext(parentCtx)
		if err != nil {
			return nil, viewdef.EvaluationError("forEach %q: %v", s.ForEach, err).WithUnderlying(err)
		}
		return col, nil

	case s.ForEachOrNullExpr != nil:
		col, err := s.ForEachOrNullExpr.EvaluateWithContext(parentCtx)
		if err != nil {
			return nil, viewdef.EvaluationError("forEachOrNull %q: %v", s.ForEachOrNull, err).WithUnderlying(err)
		}
		if len(col) == 0 {
			return []types.Value{nil}, nil
		}
		return col, nil

	default:
		this := parentCtx.This()
		if len(this) == 0 {
			return nil, nil
		}
		return []types.Value{this[0]}, nil
	}
}

// evalColumns evaluates every Column of a Select against ctx. A
// non-collection column that yields more than one value silently keeps
// only the first (documented behaviour, never an error).
func evalColumns(ctx *eval.Context, columns []viewdef.Column) (map[string]interface{}, error) {
	cells := make(map[string]interface{}, len(columns))
	for _, col := range columns {
		result, err := col.Expr.EvaluateWithContext(ctx)
		if err != nil {
			return nil, viewdef.EvaluationError("column %q: %v", col.Name, err).WithUnderlying(err)
		}
		if col.Collection {
			cells[col.Name] = result
			continue
		}
		if len(result) == 0 {
			cells[col.Name] = nil
			continue
		}
		cells[col.Name] = result[0]
	}
	return cells, nil
}

// nullCellsForSelect computes every column name reachable from s (its own
// columns, nested selects, and the first unionAll branch) and sets each
// to null. Used when forEachOrNull collapses to the null sentinel, which
// nulls every nested column in a single row.
func nullCellsForSelect(s viewdef.Select) map[string]interface{} {
	cells := make(map[string]interface{})
	for _, c := range s.Column {
		cells[c.Name] = nil
	}
	for _, child := range s.Select {
		for k, v := range nullCellsForSelect(child) {
			cells[k] = v
		}
	}
	if len(s.UnionAll) > 0 {
		for k, v := range nullCellsForSelect(s.UnionAll[0]) {
			cells[k] = v
		}
	}
	return cells
}

// crossProduct combines two row sets, merging each pair's cells. Column
// names are guaranteed disjoint by validation, so no key is overwritten.
func crossProduct(a, b []partialRow) []partialRow {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	result := make([]partialRow, 0, len(a)*len(b))
	for _, ra := range a {
		for _, rb := range b {
			merged := make(map[string]interface{}, len(ra.cells)+len(rb.cells))
			for k, v := range ra.cells {
				merged[k] = v
			}
			for k, v := range rb.cells {
				merged[k] = v
			}
			result = append(result, partialRow{cells: merged})
		}
	}
	return result
}

func asObject(col types.Collection) (*types.ObjectValue, bool) {
	if len(col) != 1 {
		return nil, false
	}
	obj, ok := col[0].(*types.ObjectValue)
	return obj, ok
}

// booleanCoerce applies FHIRPath boolean coercion: empty sequence is
// false, a single boolean is its value, anything else is an error.
func booleanCoerce(col types.Collection) (bool, error) {
	if len(col) == 0 {
		return false, nil
	}
	if len(col) == 1 {
		if b, ok := col[0].(types.Boolean); ok {
			return b.Bool(), nil
		}
	}
	return false, viewdef.EvaluationError("expected boolean singleton, got %d elements", len(col))
}
