package funcs

import (
	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/eval"
	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/types"
)

func init() {
	Register(FuncDef{
		Name:    "not",
		MinArgs: 0,
		MaxArgs: 0,
		Fn:      fnNot,
	})
}

// fnNot negates the singleton boolean input.
func fnNot(_ *eval.Context, input types.Collection, _ []interface{}) (types.Collection, error) {
	return eval.Not(input), nil
}
