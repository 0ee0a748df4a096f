package viewdef

import (
	"github.com/robertoaraneda/sqlonfhir/pkg/fhir"
	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath"
)

// ColumnSchema is one entry of a validated ViewDefinition's output schema,
// in the order the Row Generator must place cells.
type ColumnSchema struct {
	Name       string
	Type       string
	Collection bool
}

// Column is a single column projection within a Select. Path has already
// had constant references substituted and compiled into Expr by the time
// validation completes.
type Column struct {
	Path        string
	Name        string
	Type        string
	Collection  bool
	Description string

	Expr *fhirpath.Expression
}

// Constant is a named literal substituted into FHIRPath expressions
// wherever %name appears in a path.
type Constant struct {
	Name    string
	Literal string
}

// Where is a boolean FHIRPath predicate gating whether a resource
// contributes any rows at all.
type Where struct {
	Path        string
	Description string

	Expr *fhirpath.Expression
}

// Select is one node of the nested projection tree described in the
// ViewDefinition's select/unionAll hierarchy.
type Select struct {
	Column        []Column
	Select        []Select
	ForEach       string
	ForEachOrNull string
	UnionAll      []Select

	ForEachExpr       *fhirpath.Expression
	ForEachOrNullExpr *fhirpath.Expression
}

// ViewDefinition is a parsed and validated SQL-on-FHIR ViewDefinition.
// It is immutable once Parse/ParseFile returns successfully.
type ViewDefinition struct {
	Name        string
	Resource    string
	FhirVersion []fhir.Version
	Constant    []Constant
	Select      []Select
	Where       []Where

	schema []ColumnSchema
}

// Schema returns the ordered output column schema computed during
// validation: name, FHIR type, and whether the cell holds a sequence.
func (v *ViewDefinition) Schema() []ColumnSchema {
	return v.schema
}
