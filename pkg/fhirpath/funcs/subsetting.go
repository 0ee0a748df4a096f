package funcs

import (
	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/eval"
	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/types"
)

func init() {
	Register(FuncDef{
		Name:    "first",
		MinArgs: 0,
		MaxArgs: 0,
		Fn:      fnFirst,
	})

	Register(FuncDef{
		Name:    "last",
		MinArgs: 0,
		MaxArgs: 0,
		Fn:      fnLast,
	})
}

// fnFirst returns the first element of the collection.
func fnFirst(_ *eval.Context, input types.Collection, _ []interface{}) (types.Collection, error) {
	if first, ok := input.First(); ok {
		return types.Collection{first}, nil
	}
	return types.Collection{}, nil
}

// fnLast returns the last element of the collection.
func fnLast(_ *eval.Context, input types.Collection, _ []interface{}) (types.Collection, error) {
	if last, ok := input.Last(); ok {
		return types.Collection{last}, nil
	}
	return types.Collection{}, nil
}
