package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/types"
	"github.com/robertoaraneda/sqlonfhir/pkg/rowgen"
	"github.com/robertoaraneda/sqlonfhir/pkg/viewdef"
)

var version = "dev"

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute() error {
	rootCmd := newRootCmd()
	return rootCmd.Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sqlonfhir",
		Short: "SQL-on-FHIR ViewDefinition engine",
		Long: `sqlonfhir projects FHIR resources into flat tabular rows using the
HL7 SQL-on-FHIR v2 ViewDefinition profile.

It provides:
  - Validation of ViewDefinition documents (names, constants, schema)
  - Row generation: apply a ViewDefinition to a resource and emit rows
  - Schema output: print a ViewDefinition's computed column schema

For more information on the profile, see https://sql-on-fhir.org`,
	}

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newSchemaCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("sqlonfhir version %s\n", version)
		},
	}
}

func newValidateCmd() *cobra.Command {
	var checkName bool
	var fhirVersion string

	cmd := &cobra.Command{
		Use:   "validate [view-definition.json|.yaml]",
		Short: "Validate a ViewDefinition document",
		Long:  `Parses and validates a ViewDefinition, reporting the first error encountered.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			view, err := viewdef.ParseFile(args[0], viewdef.ParseOptions{
				CheckName:   checkName,
				FhirVersion: fhirVersion,
			})
			if err != nil {
				return err
			}

			fmt.Printf("%s is valid (%d columns)\n", view.Name, len(view.Schema()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkName, "check-name", true, "enforce the sql-name pattern on the ViewDefinition name")
	cmd.Flags().StringVar(&fhirVersion, "fhir-version", "", "assert the ViewDefinition declares this FHIR version")

	return cmd
}

func newSchemaCmd() *cobra.Command {
	var checkName bool

	cmd := &cobra.Command{
		Use:   "schema [view-definition.json|.yaml]",
		Short: "Print a ViewDefinition's output column schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			view, err := viewdef.ParseFile(args[0], viewdef.ParseOptions{CheckName: checkName})
			if err != nil {
				return err
			}
			return outputSchemaJSON(view.Schema())
		},
	}

	cmd.Flags().BoolVar(&checkName, "check-name", true, "enforce the sql-name pattern on the ViewDefinition name")

	return cmd
}

func newApplyCmd() *cobra.Command {
	var checkName bool

	cmd := &cobra.Command{
		Use:   "apply [view-definition.json|.yaml] [resource.json]",
		Short: "Project a FHIR resource through a ViewDefinition",
		Long: `Applies a ViewDefinition to a single FHIR resource and prints the
resulting rows as a JSON array, one object per row keyed by column name.

Examples:
  sqlonfhir apply condition_flat.json condition.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			view, err := viewdef.ParseFile(args[0], viewdef.ParseOptions{CheckName: checkName})
			if err != nil {
				return fmt.Errorf("parsing ViewDefinition: %w", err)
			}

			resourceData, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading resource %s: %w", args[1], err)
			}

			rows, err := rowgen.Project(view, resourceData)
			if err != nil {
				return fmt.Errorf("applying ViewDefinition: %w", err)
			}

			return outputRowsJSON(view.Schema(), rows)
		},
	}

	cmd.Flags().BoolVar(&checkName, "check-name", true, "enforce the sql-name pattern on the ViewDefinition name")

	return cmd
}

func outputSchemaJSON(schema []viewdef.ColumnSchema) error {
	type column struct {
		Name       string `json:"name"`
		Type       string `json:"type,omitempty"`
		Collection bool   `json:"collection"`
	}

	out := make([]column, len(schema))
	for i, c := range schema {
		out[i] = column{Name: c.Name, Type: c.Type, Collection: c.Collection}
	}

	return printJSON(out)
}

func outputRowsJSON(schema []viewdef.ColumnSchema, rows []rowgen.Row) error {
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		cells := make(map[string]interface{}, len(schema))
		for _, col := range schema {
			cells[col.Name] = cellToInterface(row.Get(col.Name))
		}
		out[i] = cells
	}

	return printJSON(out)
}

func cellToInterface(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case types.Collection:
		items := make([]interface{}, len(val))
		for i, item := range val {
			items[i] = cellToInterface(item)
		}
		return items
	case types.Boolean:
		return val.Bool()
	case types.Integer:
		return val.Value()
	default:
		if stringer, ok := v.(fmt.Stringer); ok {
			return stringer.String()
		}
		return v
	}
}

func printJSON(v interface{}) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(jsonBytes))
	return nil
}
