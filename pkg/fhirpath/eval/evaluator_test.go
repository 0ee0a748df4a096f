package eval

import (
	"testing"

	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/ast"
	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/funcs"
	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/types"
)

func eval(t *testing.T, resource []byte, expr string) types.Collection {
	t.Helper()
	tree, err := ast.Parse(expr)
	if err != nil {
		t.Fatalf("parse %q: %v", expr, err)
	}
	result, err := NewEvaluator(NewContext(resource), funcs.GetRegistry()).Evaluate(tree)
	if err != nil {
		t.Fatalf("evaluate %q: %v", expr, err)
	}
	return result
}

func TestContext(t *testing.T) {
	t.Run("creation", func(t *testing.T) {
		json := []byte(`{"name": "test"}`)
		ctx := NewContext(json)

		if ctx.Root().Empty() {
			t.Error("expected non-empty root")
		}
		if ctx.This().Empty() {
			t.Error("expected non-empty this")
		}
	})

	t.Run("variables", func(t *testing.T) {
		ctx := NewContext([]byte(`{}`))

		ctx.SetVariable("myVar", types.Collection{types.NewString("test")})

		v, ok := ctx.GetVariable("myVar")
		if !ok {
			t.Error("expected variable to exist")
		}
		if v.Empty() || v[0].(types.String).Value() != "test" {
			t.Error("expected variable value 'test'")
		}

		_, ok = ctx.GetVariable("nonexistent")
		if ok {
			t.Error("expected variable to not exist")
		}
	})
}

func TestNavigation(t *testing.T) {
	resource := []byte(`{"resourceType":"Patient","id":"p1","name":[{"family":"Smith"}]}`)

	result := eval(t, resource, "name.family")
	if len(result) != 1 || result[0].(types.String).Value() != "Smith" {
		t.Errorf("expected [Smith], got %v", result)
	}

	result = eval(t, resource, "name.given")
	if !result.Empty() {
		t.Errorf("expected empty for absent field, got %v", result)
	}
}

func TestPolymorphicNavigation(t *testing.T) {
	resource := []byte(`{"resourceType":"Observation","onsetDateTime":"2020-05-01"}`)

	result := eval(t, resource, "onset.ofType(dateTime)")
	if len(result) != 1 {
		t.Fatalf("expected one element, got %v", result)
	}
}

func TestWhereAndExists(t *testing.T) {
	resource := []byte(`{"resourceType":"Condition","code":{"coding":[{"code":"A"},{"code":"B"}]}}`)

	result := eval(t, resource, "code.coding.where(code = 'B')")
	if len(result) != 1 {
		t.Fatalf("expected one matching coding, got %v", result)
	}

	exists := eval(t, resource, "code.coding.exists(code = 'Z')")
	if len(exists) != 1 || exists[0].(types.Boolean).Bool() {
		t.Errorf("expected false, got %v", exists)
	}
}

func TestSelectAndJoin(t *testing.T) {
	resource := []byte(`{"resourceType":"Condition","code":{"coding":[{"code":"A"},{"code":"B"}]}}`)

	result := eval(t, resource, "code.coding.select(code).join(',')")
	if len(result) != 1 || result[0].(types.String).Value() != "A,B" {
		t.Errorf("expected 'A,B', got %v", result)
	}
}

func TestExternalConstant(t *testing.T) {
	tree, err := ast.Parse("$this > %threshold")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ctx := NewContext([]byte(`5`))
	ctx.SetVariable("threshold", types.Collection{types.NewInteger(3)})

	result, err := NewEvaluator(ctx, funcs.GetRegistry()).Evaluate(tree)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(result) != 1 || !result[0].(types.Boolean).Bool() {
		t.Errorf("expected true, got %v", result)
	}
}

func TestGetResourceKeyAndReferenceKey(t *testing.T) {
	resource := []byte(`{"resourceType":"Condition","id":"c1","subject":{"reference":"Patient/p1"}}`)

	key := eval(t, resource, "getResourceKey()")
	if len(key) != 1 || key[0].(types.String).Value() != "Condition/c1" {
		t.Errorf("expected Condition/c1, got %v", key)
	}

	refKey := eval(t, resource, "subject.getReferenceKey()")
	if len(refKey) != 1 || refKey[0].(types.String).Value() != "Patient/p1" {
		t.Errorf("expected Patient/p1, got %v", refKey)
	}

	wrongType := eval(t, resource, "subject.getReferenceKey(Encounter)")
	if !wrongType.Empty() {
		t.Errorf("expected empty for mismatched type, got %v", wrongType)
	}
}

func TestTypeMatches(t *testing.T) {
	tests := []struct {
		actual, requested string
		want              bool
	}{
		{"Patient", "Patient", true},
		{"Patient", "Resource", true},
		{"Patient", "DomainResource", true},
		{"Bundle", "DomainResource", false},
		{"dateTime", "DateTime", true},
		{"DateTime", "dateTime", true},
	}
	for _, tt := range tests {
		if got := TypeMatches(tt.actual, tt.requested); got != tt.want {
			t.Errorf("TypeMatches(%q, %q) = %v, want %v", tt.actual, tt.requested, got, tt.want)
		}
	}
}

func TestErrors(t *testing.T) {
	t.Run("error types", func(t *testing.T) {
		tests := []struct {
			errType  ErrorType
			expected string
		}{
			{ErrParse, "ParseError"},
			{ErrType, "TypeError"},
			{ErrSingletonExpected, "SingletonExpectedError"},
			{ErrFunctionNotFound, "FunctionNotFoundError"},
			{ErrInvalidArguments, "InvalidArgumentsError"},
			{ErrDivisionByZero, "DivisionByZeroError"},
			{ErrInvalidPath, "InvalidPathError"},
			{ErrTimeout, "TimeoutError"},
			{ErrInvalidOperation, "InvalidOperationError"},
			{ErrInvalidExpression, "InvalidExpressionError"},
		}

		for _, tt := range tests {
			if tt.errType.String() != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, tt.errType.String())
			}
		}
	})

	t.Run("error constructors", func(t *testing.T) {
		err := ParseError("test message")
		if err.Type != ErrParse {
			t.Error("expected parse error")
		}

		err = TypeError("String", "Integer", "add")
		if err.Type != ErrType {
			t.Error("expected type error")
		}

		err = SingletonError(5)
		if err.Type != ErrSingletonExpected {
			t.Error("expected singleton error")
		}
	})
}
