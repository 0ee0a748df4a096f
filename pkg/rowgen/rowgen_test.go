package rowgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/types"
	"github.com/robertoaraneda/sqlonfhir/pkg/viewdef"
)

const conditionFlatDefinition = `{
	"resourceType": "ViewDefinition",
	"name": "condition_flat",
	"resource": "Condition",
	"select": [
		{"column": [{"name": "id", "path": "getResourceKey()"}]},
		{"forEach": "subject", "column": [{"name": "patient_id", "path": "getReferenceKey(Patient)"}]},
		{"forEachOrNull": "encounter", "column": [{"name": "encounter_id", "path": "getReferenceKey(Encounter)"}]},
		{"column": [{"name": "onset_datetime", "path": "onset.ofType(dateTime)"}]},
		{"forEach": "code.coding", "column": [
			{"name": "code_code", "path": "code"},
			{"name": "code_sys", "path": "system"},
			{"name": "code_display", "path": "display"}
		]},
		{"forEach": "category.coding", "column": [{"name": "category", "path": "code"}]},
		{"forEachOrNull": "clinicalStatus.coding", "column": [{"name": "clinical_status", "path": "code"}]},
		{"forEachOrNull": "verificationStatus.coding", "column": [{"name": "verification_status", "path": "code"}]}
	]
}`

func mustParseView(t *testing.T, doc string) *viewdef.ViewDefinition {
	t.Helper()
	view, err := viewdef.Parse([]byte(doc), viewdef.ParseOptions{})
	require.NoError(t, err)
	return view
}

func stringCell(t *testing.T, row Row, name string) string {
	t.Helper()
	v := row.Get(name)
	require.NotNil(t, v, "expected %s to be non-nil", name)
	s, ok := v.(types.String)
	require.True(t, ok, "expected %s to be a string, got %T", name, v)
	return s.Value()
}

func TestScalarProjection(t *testing.T) {
	view := mustParseView(t, conditionFlatDefinition)
	resource := []byte(`{
		"resourceType": "Condition",
		"id": "c1",
		"subject": {"reference": "Patient/p1"},
		"onsetDateTime": "2020-01-01",
		"code": {"coding": [{"system": "s1", "code": "A", "display": "dA"}]},
		"clinicalStatus": {"coding": [{"code": "active"}]},
		"verificationStatus": {"coding": []},
		"category": {"coding": [{"code": "c"}]}
	}`)

	rows, err := Project(view, resource)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "Condition/c1", stringCell(t, row, "id"))
	assert.Equal(t, "Patient/p1", stringCell(t, row, "patient_id"))
	assert.Nil(t, row.Get("encounter_id"))
	assert.Equal(t, "2020-01-01", stringCell(t, row, "onset_datetime"))
	assert.Equal(t, "A", stringCell(t, row, "code_code"))
	assert.Equal(t, "s1", stringCell(t, row, "code_sys"))
	assert.Equal(t, "dA", stringCell(t, row, "code_display"))
	assert.Equal(t, "c", stringCell(t, row, "category"))
	assert.Equal(t, "active", stringCell(t, row, "clinical_status"))
	assert.Nil(t, row.Get("verification_status"))
}

func TestRowMultiplication(t *testing.T) {
	view := mustParseView(t, conditionFlatDefinition)
	resource := []byte(`{
		"resourceType": "Condition",
		"id": "c1",
		"subject": {"reference": "Patient/p1"},
		"onsetDateTime": "2020-01-01",
		"code": {"coding": [{"code": "A"}, {"code": "B"}]},
		"category": {"coding": [{"code": "x"}, {"code": "y"}]}
	}`)

	rows, err := Project(view, resource)
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	combos := make(map[string]bool)
	for _, row := range rows {
		combos[stringCell(t, row, "code_code")+"/"+stringCell(t, row, "category")] = true
	}
	assert.Len(t, combos, 4)
}

func TestForEachDropsRows(t *testing.T) {
	view := mustParseView(t, conditionFlatDefinition)
	resource := []byte(`{
		"resourceType": "Condition",
		"id": "c1",
		"subject": {"reference": "Patient/p1"},
		"onsetDateTime": "2020-01-01",
		"code": {"coding": []},
		"category": {"coding": [{"code": "c"}]}
	}`)

	rows, err := Project(view, resource)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestResourceTypeMismatchYieldsNoRows(t *testing.T) {
	view := mustParseView(t, conditionFlatDefinition)
	resource := []byte(`{"resourceType": "Patient", "id": "p1"}`)

	rows, err := Project(view, resource)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestConstantSubstitutionAffectsProjection(t *testing.T) {
	doc := `{
		"name": "threshold_view",
		"resource": "Observation",
		"constant": [{"name": "threshold", "valueInteger": 5}],
		"select": [{"column": [{"name": "flagged", "path": "value.where($this > %threshold).exists()"}]}]
	}`
	view := mustParseView(t, doc)

	above := []byte(`{"resourceType":"Observation","value":10}`)
	rows, err := Project(view, above)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	b, ok := rows[0].Get("flagged").(types.Boolean)
	require.True(t, ok)
	assert.True(t, b.Bool())

	below := []byte(`{"resourceType":"Observation","value":1}`)
	rows, err = Project(view, below)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	b, ok = rows[0].Get("flagged").(types.Boolean)
	require.True(t, ok)
	assert.False(t, b.Bool())
}

func TestOfTypePolymorphism(t *testing.T) {
	doc := `{
		"name": "onset_view",
		"resource": "Condition",
		"select": [{"column": [{"name": "onset_datetime", "path": "onset.ofType(dateTime)"}]}]
	}`
	view := mustParseView(t, doc)

	withPeriod := []byte(`{"resourceType":"Condition","onsetPeriod":{"start":"2020"}}`)
	rows, err := Project(view, withPeriod)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Get("onset_datetime"))

	withDateTime := []byte(`{"resourceType":"Condition","onsetDateTime":"2020-05-01"}`)
	rows, err = Project(view, withDateTime)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2020-05-01", stringCell(t, rows[0], "onset_datetime"))
}

func TestWhereGatesResource(t *testing.T) {
	doc := `{
		"name": "active_only",
		"resource": "Patient",
		"where": [{"path": "active"}],
		"select": [{"column": [{"name": "id", "path": "getResourceKey()"}]}]
	}`
	view := mustParseView(t, doc)

	active := []byte(`{"resourceType":"Patient","id":"p1","active":true}`)
	rows, err := Project(view, active)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	inactive := []byte(`{"resourceType":"Patient","id":"p1","active":false}`)
	rows, err = Project(view, inactive)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCollectionColumn(t *testing.T) {
	doc := `{
		"name": "given_names",
		"resource": "Patient",
		"select": [{"column": [{"name": "given", "path": "name.given", "collection": true}]}]
	}`
	view := mustParseView(t, doc)

	resource := []byte(`{"resourceType":"Patient","name":[{"given":["Jane","Q"]}]}`)
	rows, err := Project(view, resource)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	col, ok := rows[0].Get("given").(types.Collection)
	require.True(t, ok)
	require.Len(t, col, 2)
	assert.Equal(t, "Jane", col[0].(types.String).Value())
	assert.Equal(t, "Q", col[1].(types.String).Value())
}

func TestScalarColumnTakesFirstElement(t *testing.T) {
	doc := `{
		"name": "first_given",
		"resource": "Patient",
		"select": [{"column": [{"name": "given", "path": "name.given"}]}]
	}`
	view := mustParseView(t, doc)

	resource := []byte(`{"resourceType":"Patient","name":[{"given":["Jane","Q"]}]}`)
	rows, err := Project(view, resource)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Jane", stringCell(t, rows[0], "given"))
}
