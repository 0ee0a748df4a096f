package viewdef

// computeSchema walks a sibling Select list in pre-order, accumulating the
// ordered output schema and rejecting column-name collisions anywhere in
// the tree. seen is shared across the whole walk so siblings, not just
// ancestors, are checked.
func computeSchema(selects []Select, seen map[string]bool) ([]ColumnSchema, error) {
	var schema []ColumnSchema
	for i := range selects {
		sub, err := selectSchema(&selects[i], seen)
		if err != nil {
			return nil, err
		}
		schema = append(schema, sub...)
	}
	return schema, nil
}

// selectSchema computes one Select node's contribution to the output
// schema: its own columns first, then its nested selects, then its
// unionAll branches (the first branch contributes columns; the rest must
// schema-match but are not re-added, since unionAll appends rows, not
// columns).
func selectSchema(s *Select, seen map[string]bool) ([]ColumnSchema, error) {
	var schema []ColumnSchema

	for _, col := range s.Column {
		if seen[col.Name] {
			return nil, InvalidViewDefinitionError("duplicate column name %q", col.Name)
		}
		seen[col.Name] = true
		schema = append(schema, ColumnSchema{Name: col.Name, Type: col.Type, Collection: col.Collection})
	}

	nested, err := computeSchema(s.Select, seen)
	if err != nil {
		return nil, err
	}
	schema = append(schema, nested...)

	if len(s.UnionAll) == 0 {
		return schema, nil
	}

	first, err := selectSchema(&s.UnionAll[0], seen)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(s.UnionAll); i++ {
		branchSeen := make(map[string]bool)
		branch, err := selectSchema(&s.UnionAll[i], branchSeen)
		if err != nil {
			return nil, err
		}
		if !schemaEqual(first, branch) {
			return nil, InvalidViewDefinitionError("unionAll branch %d schema does not match the first branch", i)
		}
	}
	schema = append(schema, first...)

	return schema, nil
}

func schemaEqual(a, b []ColumnSchema) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
