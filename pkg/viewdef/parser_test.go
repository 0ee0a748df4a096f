package viewdef

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const conditionFlatJSON = `{
	"resourceType": "ViewDefinition",
	"name": "condition_flat",
	"resource": "Condition",
	"select": [
		{
			"column": [
				{"name": "id", "path": "getResourceKey()"}
			]
		},
		{
			"forEach": "subject",
			"column": [
				{"name": "patient_id", "path": "getReferenceKey(Patient)"}
			]
		},
		{
			"forEachOrNull": "encounter",
			"column": [
				{"name": "encounter_id", "path": "getReferenceKey(Encounter)"}
			]
		}
	]
}`

func TestParseValidDefinition(t *testing.T) {
	view, err := Parse([]byte(conditionFlatJSON), ParseOptions{CheckName: true})
	require.NoError(t, err)

	assert.Equal(t, "condition_flat", view.Name)
	assert.Equal(t, "Condition", view.Resource)

	schema := view.Schema()
	require.Len(t, schema, 3)
	assert.Equal(t, "id", schema[0].Name)
	assert.Equal(t, "patient_id", schema[1].Name)
	assert.Equal(t, "encounter_id", schema[2].Name)
}

func TestParseRejectsEmptyResource(t *testing.T) {
	_, err := Parse([]byte(`{"name":"x","select":[{"column":[{"name":"a","path":"id"}]}]}`), ParseOptions{})

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrInvalidViewDefinition, verr.Type)
}

func TestParseRejectsBadName(t *testing.T) {
	_, err := Parse([]byte(`{"name":"1bad","resource":"Patient","select":[{"column":[{"name":"a","path":"id"}]}]}`), ParseOptions{CheckName: true})

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrInvalidViewDefinition, verr.Type)
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`), ParseOptions{})

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrParse, verr.Type)
}

func TestParseRejectsUnsupportedFhirVersion(t *testing.T) {
	doc := `{"name":"x","resource":"Patient","fhirVersion":["2.0"],"select":[{"column":[{"name":"a","path":"id"}]}]}`
	_, err := Parse([]byte(doc), ParseOptions{})

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrUnsupportedFhirVersion, verr.Type)
}

func TestParseConstantSubstitution(t *testing.T) {
	doc := `{
		"name": "x",
		"resource": "Observation",
		"constant": [{"name": "threshold", "valueInteger": 5}],
		"select": [{"column": [{"name": "flagged", "path": "value.where($this > %threshold).exists()"}]}]
	}`

	view, err := Parse([]byte(doc), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, view.Constant, 1)
	assert.Equal(t, "5", view.Constant[0].Literal)
	assert.Equal(t, "value.where($this > 5).exists()", view.Select[0].Column[0].Path)
}

func TestParseConstantEncoding(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"string", `{"name":"s","valueString":"abc"}`, "'abc'"},
		{"date", `{"name":"d","valueDate":"2020-01-01"}`, "@2020-01-01"},
		{"decimal", `{"name":"dec","valueDecimal":1.5}`, "1.5"},
		{"boolean", `{"name":"b","valueBoolean":true}`, "true"},
		{"integer", `{"name":"i","valueInteger":42}`, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := `{"name":"x","resource":"Patient","constant":[` + tt.doc + `],"select":[{"column":[{"name":"a","path":"id"}]}]}`
			view, err := Parse([]byte(doc), ParseOptions{})
			require.NoError(t, err)
			require.Len(t, view.Constant, 1)
			assert.Equal(t, tt.want, view.Constant[0].Literal)
		})
	}
}

func TestParseRejectsMissingConstantValue(t *testing.T) {
	doc := `{"name":"x","resource":"Patient","constant":[{"name":"c"}],"select":[{"column":[{"name":"a","path":"id"}]}]}`
	_, err := Parse([]byte(doc), ParseOptions{})

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrInvalidViewDefinition, verr.Type)
}

func TestParseRejectsMultipleConstantValues(t *testing.T) {
	doc := `{"name":"x","resource":"Patient","constant":[{"name":"c","valueString":"a","valueInteger":1}],"select":[{"column":[{"name":"a","path":"id"}]}]}`
	_, err := Parse([]byte(doc), ParseOptions{})

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrInvalidViewDefinition, verr.Type)
}

func TestParseRejectsUndefinedConstant(t *testing.T) {
	doc := `{"name":"x","resource":"Patient","select":[{"column":[{"name":"a","path":"value.where($this > %missing)"}]}]}`
	_, err := Parse([]byte(doc), ParseOptions{})

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrInvalidViewDefinition, verr.Type)
}

func TestParseRejectsDuplicateColumnNames(t *testing.T) {
	doc := `{
		"name": "x",
		"resource": "Patient",
		"select": [
			{"column": [{"name": "id", "path": "id"}]},
			{"select": [{"column": [{"name": "id", "path": "id"}]}]}
		]
	}`
	_, err := Parse([]byte(doc), ParseOptions{})

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrInvalidViewDefinition, verr.Type)
}

func TestParseRejectsUnionSchemaMismatch(t *testing.T) {
	doc := `{
		"name": "x",
		"resource": "Patient",
		"select": [{
			"unionAll": [
				{"column": [{"name": "a", "path": "id"}, {"name": "b", "path": "active"}]},
				{"column": [{"name": "b", "path": "active"}, {"name": "a", "path": "id"}]}
			]
		}]
	}`
	_, err := Parse([]byte(doc), ParseOptions{})

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrInvalidViewDefinition, verr.Type)
}

func TestParseAcceptsMatchingUnionSchema(t *testing.T) {
	doc := `{
		"name": "x",
		"resource": "Patient",
		"select": [{
			"unionAll": [
				{"column": [{"name": "a", "path": "id"}]},
				{"column": [{"name": "a", "path": "id"}]}
			]
		}]
	}`
	view, err := Parse([]byte(doc), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, view.Schema(), 1)
	assert.Equal(t, "a", view.Schema()[0].Name)
}

func TestParseFileMissing(t *testing.T) {
	_, err := ParseFile("/nonexistent/view.json", ParseOptions{})

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrParse, verr.Type)
}

func TestParseFileAcceptsYAML(t *testing.T) {
	doc := `
name: patient_flat
resource: Patient
select:
  - column:
      - name: id
        path: getResourceKey()
`
	path := filepath.Join(t.TempDir(), "patient_flat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	view, err := ParseFile(path, ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, "patient_flat", view.Name)
	require.Len(t, view.Schema(), 1)
	assert.Equal(t, "id", view.Schema()[0].Name)
}

func TestParseFileRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: [unterminated"), 0o644))

	_, err := ParseFile(path, ParseOptions{})
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrParse, verr.Type)
}
