// Package fhirpath provides a FHIRPath expression evaluator restricted to the
// dialect needed to evaluate SQL-on-FHIR ViewDefinition paths:
//   - Path navigation, including FHIR's value[x] polymorphic elements
//   - Indexing and type filters (ofType)
//   - A fixed allow-list of functions (exists, empty, first, last, count,
//     where, select, join, toString, not) plus two host-provided domain
//     extensions (getResourceKey, getReferenceKey)
//   - String, numeric, boolean, and date/time/datetime literals
//   - Equality, inequality, and boolean operators
//
// It does not implement full FHIRPath: arithmetic, string manipulation
// functions, and date/time arithmetic outside of literal comparison are out
// of scope, since no ViewDefinition in the wild exercises them.
//
// Usage:
//
//	result, err := fhirpath.Evaluate(patientJSON, "name.given.first()")
//	compiled, err := fhirpath.Compile("active.exists()")
//	result, err = compiled.Evaluate(patientJSON)
package fhirpath
