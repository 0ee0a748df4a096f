package funcs

import (
	"strings"

	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/eval"
	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/types"
)

func init() {
	Register(FuncDef{
		Name:    "getResourceKey",
		MinArgs: 0,
		MaxArgs: 0,
		Fn:      fnGetResourceKey,
	})

	Register(FuncDef{
		Name:    "getReferenceKey",
		MinArgs: 0,
		MaxArgs: 1,
		Fn:      fnGetReferenceKey,
	})
}

// fnGetResourceKey returns the "ResourceType/id" key of the resource the
// input element belongs to. The input must be a singleton resource object
// carrying a resourceType and id.
func fnGetResourceKey(_ *eval.Context, input types.Collection, _ []interface{}) (types.Collection, error) {
	if input.Empty() {
		return types.Collection{}, nil
	}
	if len(input) != 1 {
		return nil, eval.SingletonError(len(input))
	}

	obj, ok := input[0].(*types.ObjectValue)
	if !ok {
		return types.Collection{}, nil
	}

	resourceType := obj.Type()
	idValue, ok := obj.Get("id")
	if !ok {
		return types.Collection{}, nil
	}
	id, ok := idValue.(types.String)
	if !ok || id.IsEmpty() {
		return types.Collection{}, nil
	}

	return types.Collection{types.NewString(resourceType + "/" + id.Value())}, nil
}

// fnGetReferenceKey resolves the "ResourceType/id" key out of a Reference
// element's reference string. With a Type argument, the key is returned only
// if it matches that resource type.
func fnGetReferenceKey(_ *eval.Context, input types.Collection, args []interface{}) (types.Collection, error) {
	if input.Empty() {
		return types.Collection{}, nil
	}
	if len(input) != 1 {
		return nil, eval.SingletonError(len(input))
	}

	obj, ok := input[0].(*types.ObjectValue)
	if !ok {
		return types.Collection{}, nil
	}

	refValue, ok := obj.Get("reference")
	if !ok {
		return types.Collection{}, nil
	}
	refStr, ok := refValue.(types.String)
	if !ok {
		return types.Collection{}, nil
	}

	resourceType, id, ok := splitReference(refStr.Value())
	if !ok {
		return types.Collection{}, nil
	}

	if len(args) > 0 {
		wantType, ok := toStringArg(args[0])
		if ok && wantType != "" && wantType != resourceType {
			return types.Collection{}, nil
		}
	}

	return types.Collection{types.NewString(resourceType + "/" + id)}, nil
}

// splitReference splits a "ResourceType/id" reference string into its parts.
func splitReference(reference string) (resourceType, id string, ok bool) {
	idx := strings.LastIndex(reference, "/")
	if idx <= 0 || idx == len(reference)-1 {
		return "", "", false
	}
	return reference[:idx], reference[idx+1:], true
}
