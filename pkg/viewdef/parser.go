package viewdef

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/robertoaraneda/sqlonfhir/pkg/fhir"
	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath"
)

var (
	sqlNamePattern       = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	constantTokenPattern = regexp.MustCompile(`%[A-Za-z][A-Za-z0-9_]*`)
)

// ParseOptions configures validation behavior for Parse and ParseFile.
type ParseOptions struct {
	// CheckName enforces the sql-name pattern on the top-level name.
	// Production callers should leave this true; it exists so fixtures
	// with descriptive non-sql names can still be loaded in tests.
	CheckName bool
	// FhirVersion, if set, must resolve to a supported release and, when the
	// ViewDefinition declares any fhirVersion entries, be one of them (after
	// prefix resolution). A ViewDefinition that declares none accepts it.
	FhirVersion string
}

// jsonViewDefinition mirrors the wire shape of a ViewDefinition document.
type jsonViewDefinition struct {
	ResourceType string         `json:"resourceType,omitempty"`
	Name         string         `json:"name"`
	Resource     string         `json:"resource"`
	FhirVersion  []string       `json:"fhirVersion,omitempty"`
	Constant     []jsonConstant `json:"constant,omitempty"`
	Select       []jsonSelect   `json:"select"`
	Where        []jsonWhere    `json:"where,omitempty"`
}

type jsonWhere struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

type jsonColumn struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Collection  bool   `json:"collection,omitempty"`
	Description string `json:"description,omitempty"`
}

type jsonSelect struct {
	Column        []jsonColumn `json:"column,omitempty"`
	Select        []jsonSelect `json:"select,omitempty"`
	ForEach       string       `json:"forEach,omitempty"`
	ForEachOrNull string       `json:"forEachOrNull,omitempty"`
	UnionAll      []jsonSelect `json:"unionAll,omitempty"`
}

// jsonConstant carries every value[x] member the wire format allows;
// exactly one must be set per the constant-value-encoding table.
type jsonConstant struct {
	Name string `json:"name"`

	ValueString       *string      `json:"valueString,omitempty"`
	ValueCode         *string      `json:"valueCode,omitempty"`
	ValueID           *string      `json:"valueId,omitempty"`
	ValueURI          *string      `json:"valueUri,omitempty"`
	ValueURL          *string      `json:"valueUrl,omitempty"`
	ValueUUID         *string      `json:"valueUuid,omitempty"`
	ValueOid          *string      `json:"valueOid,omitempty"`
	ValueCanonical    *string      `json:"valueCanonical,omitempty"`
	ValueInstant      *string      `json:"valueInstant,omitempty"`
	ValueBase64Binary *string      `json:"valueBase64Binary,omitempty"`
	ValueDate         *string      `json:"valueDate,omitempty"`
	ValueDateTime     *string      `json:"valueDateTime,omitempty"`
	ValueTime         *string      `json:"valueTime,omitempty"`
	ValueDecimal      *json.Number `json:"valueDecimal,omitempty"`
	ValueBoolean      *bool        `json:"valueBoolean,omitempty"`
	ValueInteger      *int64       `json:"valueInteger,omitempty"`
	ValueInteger64    *int64       `json:"valueInteger64,omitempty"`
	ValuePositiveInt  *int64       `json:"valuePositiveInt,omitempty"`
	ValueUnsignedInt  *int64       `json:"valueUnsignedInt,omitempty"`
}

// Parse deserialises and validates a ViewDefinition document.
func Parse(jsonText []byte, opts ParseOptions) (*ViewDefinition, error) {
	var raw jsonViewDefinition
	if err := json.Unmarshal(jsonText, &raw); err != nil {
		return nil, ParseError("malformed ViewDefinition JSON: %v", err)
	}
	return build(&raw, opts)
}

// ParseFile reads and parses a ViewDefinition document from disk. Files
// with a .yaml or .yml extension are converted to JSON first, so a
// ViewDefinition can be authored in either format.
func ParseFile(path string, opts ParseOptions) (*ViewDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ParseError("reading %s: %v", path, err).WithPath(path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, ParseError("malformed ViewDefinition YAML: %v", err).WithPath(path)
		}
		jsonText, err := json.Marshal(doc)
		if err != nil {
			return nil, ParseError("converting YAML ViewDefinition to JSON: %v", err).WithPath(path)
		}
		data = jsonText
	}

	return Parse(data, opts)
}

func build(raw *jsonViewDefinition, opts ParseOptions) (*ViewDefinition, error) {
	if raw.Resource == "" {
		return nil, InvalidViewDefinitionError("resource must not be empty")
	}
	if opts.CheckName && !sqlNamePattern.MatchString(raw.Name) {
		return nil, InvalidViewDefinitionError("name %q does not match sql-name pattern", raw.Name).WithPath("name")
	}

	versions, err := resolveVersions(raw.FhirVersion)
	if err != nil {
		return nil, err
	}
	if opts.FhirVersion != "" {
		want, err := fhir.ResolveVersion(opts.FhirVersion)
		if err != nil {
			return nil, UnsupportedFhirVersionError(opts.FhirVersion)
		}
		if len(versions) > 0 && !containsVersion(versions, want) {
			return nil, InvalidViewDefinitionError("fhirVersion %q is not declared by this ViewDefinition", opts.FhirVersion)
		}
	}

	constants, table, err := buildConstants(raw.Constant)
	if err != nil {
		return nil, err
	}

	where, err := buildWhere(raw.Where, table)
	if err != nil {
		return nil, err
	}

	selects, err := buildSelects(raw.Select, "select", table)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	schema, err := computeSchema(selects, seen)
	if err != nil {
		return nil, err
	}
	if len(schema) == 0 {
		return nil, InvalidViewDefinitionError("ViewDefinition %q produces an empty schema", raw.Name)
	}

	return &ViewDefinition{
		Name:        raw.Name,
		Resource:    raw.Resource,
		FhirVersion: versions,
		Constant:    constants,
		Select:      selects,
		Where:       where,
		schema:      schema,
	}, nil
}

func resolveVersions(prefixes []string) ([]fhir.Version, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}
	versions := make([]fhir.Version, 0, len(prefixes))
	for _, p := range prefixes {
		v, err := fhir.ResolveVersion(p)
		if err != nil {
			return nil, UnsupportedFhirVersionError(p)
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func containsVersion(versions []fhir.Version, want fhir.Version) bool {
	for _, v := range versions {
		if v == want {
			return true
		}
	}
	return false
}

// buildConstants validates the constant table and renders each one to its
// FHIRPath literal form per the constant-value-encoding table.
func buildConstants(raw []jsonConstant) ([]Constant, map[string]string, error) {
	table := make(map[string]string, len(raw))
	constants := make([]Constant, 0, len(raw))

	for i, c := range raw {
		path := fmt.Sprintf("constant[%d]", i)
		if !sqlNamePattern.MatchString(c.Name) {
			return nil, nil, InvalidViewDefinitionError("constant name %q does not match sql-name pattern", c.Name).WithPath(path)
		}
		if _, dup := table[c.Name]; dup {
			return nil, nil, InvalidViewDefinitionError("duplicate constant name %q", c.Name).WithPath(path)
		}

		literal, err := constantLiteral(c, path)
		if err != nil {
			return nil, nil, err
		}

		table[c.Name] = literal
		constants = append(constants, Constant{Name: c.Name, Literal: literal})
	}
	return constants, table, nil
}

func constantLiteral(c jsonConstant, path string) (string, error) {
	type candidate struct {
		key   string
		value string
	}
	var found []candidate

	addQuoted := func(key string, v *string) {
		if v != nil {
			found = append(found, candidate{key, "'" + escapeStringLiteral(*v) + "'"})
		}
	}
	addDateTime := func(key string, v *string) {
		if v != nil {
			found = append(found, candidate{key, "@" + *v})
		}
	}
	addInt := func(key string, v *int64) {
		if v != nil {
			found = append(found, candidate{key, strconv.FormatInt(*v, 10)})
		}
	}

	addQuoted("valueString", c.ValueString)
	addQuoted("valueCode", c.ValueCode)
	addQuoted("valueId", c.ValueID)
	addQuoted("valueUri", c.ValueURI)
	addQuoted("valueUrl", c.ValueURL)
	addQuoted("valueUuid", c.ValueUUID)
	addQuoted("valueOid", c.ValueOid)
	addQuoted("valueCanonical", c.ValueCanonical)
	addQuoted("valueInstant", c.ValueInstant)
	addQuoted("valueBase64Binary", c.ValueBase64Binary)

	addDateTime("valueDate", c.ValueDate)
	addDateTime("valueDateTime", c.ValueDateTime)
	addDateTime("valueTime", c.ValueTime)

	if c.ValueDecimal != nil {
		found = append(found, candidate{"valueDecimal", c.ValueDecimal.String()})
	}
	if c.ValueBoolean != nil {
		found = append(found, candidate{"valueBoolean", strconv.FormatBool(*c.ValueBoolean)})
	}
	addInt("valueInteger", c.ValueInteger)
	addInt("valueInteger64", c.ValueInteger64)
	addInt("valuePositiveInt", c.ValuePositiveInt)
	addInt("valueUnsignedInt", c.ValueUnsignedInt)

	switch len(found) {
	case 0:
		return "", InvalidViewDefinitionError("constant %q has no value[x] member set", c.Name).WithPath(path)
	case 1:
		return found[0].value, nil
	default:
		keys := make([]string, len(found))
		for i, f := range found {
			keys[i] = f.key
		}
		return "", InvalidViewDefinitionError("constant %q sets multiple value[x] members: %s", c.Name, strings.Join(keys, ", ")).WithPath(path)
	}
}

func escapeStringLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}

// substitute replaces every %name token in path with its constant's
// literal form; compilePath compiles the result.
func substitute(path string, table map[string]string, breadcrumb string) (string, error) {
	var substErr error
	result := constantTokenPattern.ReplaceAllStringFunc(path, func(tok string) string {
		name := tok[1:]
		literal, ok := table[name]
		if !ok {
			substErr = InvalidViewDefinitionError("undefined constant %%%s", name).WithPath(breadcrumb)
			return tok
		}
		return literal
	})
	if substErr != nil {
		return "", substErr
	}
	return result, nil
}

func compilePath(path string, table map[string]string, breadcrumb string) (string, *fhirpath.Expression, error) {
	if path == "" {
		return "", nil, nil
	}
	substituted, err := substitute(path, table, breadcrumb)
	if err != nil {
		return "", nil, err
	}
	expr, err := fhirpath.Compile(substituted)
	if err != nil {
		return "", nil, ParseError("invalid FHIRPath expression %q: %v", substituted, err).WithPath(breadcrumb)
	}
	return substituted, expr, nil
}

func buildWhere(raw []jsonWhere, table map[string]string) ([]Where, error) {
	where := make([]Where, 0, len(raw))
	for i, w := range raw {
		breadcrumb := fmt.Sprintf("where[%d]", i)
		substituted, expr, err := compilePath(w.Path, table, breadcrumb)
		if err != nil {
			return nil, err
		}
		where = append(where, Where{Path: substituted, Description: w.Description, Expr: expr})
	}
	return where, nil
}

func buildSelects(raw []jsonSelect, breadcrumb string, table map[string]string) ([]Select, error) {
	selects := make([]Select, 0, len(raw))
	for i, s := range raw {
		path := fmt.Sprintf("%s[%d]", breadcrumb, i)
		built, err := buildSelect(s, path, table)
		if err != nil {
			return nil, err
		}
		selects = append(selects, built)
	}
	return selects, nil
}

func buildSelect(raw jsonSelect, breadcrumb string, table map[string]string) (Select, error) {
	if raw.ForEach != "" && raw.ForEachOrNull != "" {
		return Select{}, InvalidViewDefinitionError("forEach and forEachOrNull are mutually exclusive").WithPath(breadcrumb)
	}

	columns, err := buildColumns(raw.Column, breadcrumb, table)
	if err != nil {
		return Select{}, err
	}

	nested, err := buildSelects(raw.Select, breadcrumb+".select", table)
	if err != nil {
		return Select{}, err
	}

	unionAll, err := buildSelects(raw.UnionAll, breadcrumb+".unionAll", table)
	if err != nil {
		return Select{}, err
	}

	forEachPath, forEachExpr, err := compilePath(raw.ForEach, table, breadcrumb+".forEach")
	if err != nil {
		return Select{}, err
	}
	forEachOrNullPath, forEachOrNullExpr, err := compilePath(raw.ForEachOrNull, table, breadcrumb+".forEachOrNull")
	if err != nil {
		return Select{}, err
	}

	return Select{
		Column:            columns,
		Select:            nested,
		ForEach:           forEachPath,
		ForEachOrNull:     forEachOrNullPath,
		UnionAll:          unionAll,
		ForEachExpr:       forEachExpr,
		ForEachOrNullExpr: forEachOrNullExpr,
	}, nil
}

func buildColumns(raw []jsonColumn, breadcrumb string, table map[string]string) ([]Column, error) {
	columns := make([]Column, 0, len(raw))
	for i, c := range raw {
		path := fmt.Sprintf("%s.column[%d]", breadcrumb, i)
		if c.Path == "" {
			return nil, InvalidViewDefinitionError("column %q has an empty path", c.Name).WithPath(path)
		}
		if !sqlNamePattern.MatchString(c.Name) {
			return nil, InvalidViewDefinitionError("column name %q does not match sql-name pattern", c.Name).WithPath(path)
		}

		substituted, expr, err := compilePath(c.Path, table, path)
		if err != nil {
			return nil, err
		}

		columns = append(columns, Column{
			Path:        substituted,
			Name:        c.Name,
			Type:        c.Type,
			Collection:  c.Collection,
			Description: c.Description,
			Expr:        expr,
		})
	}
	return columns, nil
}
