package eval

import (
	"strconv"
	"strings"

	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/ast"
	"github.com/robertoaraneda/sqlonfhir/pkg/fhirpath/types"
)

// FuncImpl is the signature for function implementations.
type FuncImpl func(ctx *Context, input types.Collection, args []interface{}) (types.Collection, error)

// FuncDef defines a FHIRPath function.
type FuncDef struct {
	Name    string
	MinArgs int
	MaxArgs int
	Fn      FuncImpl
}

// FuncRegistry is an interface for function lookup.
type FuncRegistry interface {
	Get(name string) (FuncDef, bool)
}

// Evaluator walks an ast.Node tree using the visitor pattern.
type Evaluator struct {
	ctx   *Context
	funcs FuncRegistry
}

// Context holds the evaluation state.
type Context struct {
	root      types.Collection
	this      types.Collection
	index     int
	total     types.Value
	variables map[string]types.Collection
}

// NewContext creates a new evaluation context.
// Automatically sets %resource and %context to the root resource for FHIR constraint evaluation.
// Per FHIRPath spec:
//   - %resource: the root resource being evaluated
//   - %context: the original node passed to the evaluation engine (same as %resource for top-level evaluation)
func NewContext(resource []byte) *Context {
	//nolint:errcheck // Empty collection is acceptable for invalid JSON in context creation
	root, _ := types.JSONToCollection(resource)

	variables := make(map[string]types.Collection)
	variables["resource"] = root
	variables["context"] = root

	return &Context{
		root:      root,
		this:      root,
		variables: variables,
	}
}

// Root returns the root collection.
func (c *Context) Root() types.Collection {
	return c.root
}

// This returns the current $this value.
func (c *Context) This() types.Collection {
	return c.this
}

// WithThis returns a new context with the given $this value.
func (c *Context) WithThis(this types.Collection) *Context {
	newCtx := *c
	newCtx.this = this
	return &newCtx
}

// WithIndex returns a new context with the given $index value.
func (c *Context) WithIndex(index int) *Context {
	newCtx := *c
	newCtx.index = index
	return &newCtx
}

// SetVariable sets an external variable.
func (c *Context) SetVariable(name string, value types.Collection) {
	c.variables[name] = value
}

// GetVariable gets an external variable.
func (c *Context) GetVariable(name string) (types.Collection, bool) {
	v, ok := c.variables[name]
	return v, ok
}

// NewEvaluator creates a new evaluator with the given context and function registry.
func NewEvaluator(ctx *Context, funcs FuncRegistry) *Evaluator {
	return &Evaluator{ctx: ctx, funcs: funcs}
}

// Evaluate evaluates a syntax tree and returns the result.
func (e *Evaluator) Evaluate(tree ast.Node) (types.Collection, error) {
	result := e.Visit(tree)
	if err, ok := result.(error); ok {
		return nil, err
	}
	if col, ok := result.(types.Collection); ok {
		return col, nil
	}
	return types.Collection{}, nil
}

// Visit dispatches to the appropriate visitor method.
func (e *Evaluator) Visit(node ast.Node) interface{} {
	if node == nil {
		return types.Collection{}
	}
	return node.Accept(e)
}

// Literal visitors

// VisitBooleanLiteral visits a boolean literal.
func (e *Evaluator) VisitBooleanLiteral(n *ast.BooleanLiteral) interface{} {
	return types.Collection{types.NewBoolean(n.Value)}
}

// VisitStringLiteral visits a string literal.
func (e *Evaluator) VisitStringLiteral(n *ast.StringLiteral) interface{} {
	return types.Collection{types.NewString(n.Value)}
}

// VisitNumberLiteral visits a number literal.
func (e *Evaluator) VisitNumberLiteral(n *ast.NumberLiteral) interface{} {
	if !strings.Contains(n.Text, ".") {
		if i, err := strconv.ParseInt(n.Text, 10, 64); err == nil {
			return types.Collection{types.NewInteger(i)}
		}
	}
	d, err := types.NewDecimal(n.Text)
	if err != nil {
		return ParseError("invalid number: " + n.Text)
	}
	return types.Collection{d}
}

// VisitDateLiteral visits a date literal.
func (e *Evaluator) VisitDateLiteral(n *ast.DateLiteral) interface{} {
	d, err := types.NewDate(n.Text)
	if err != nil {
		return ParseError("invalid date: " + n.Text)
	}
	return types.Collection{d}
}

// VisitDateTimeLiteral visits a datetime literal.
func (e *Evaluator) VisitDateTimeLiteral(n *ast.DateTimeLiteral) interface{} {
	dt, err := types.NewDateTime(n.Text)
	if err != nil {
		return ParseError("invalid datetime: " + n.Text)
	}
	return types.Collection{dt}
}

// VisitTimeLiteral visits a time literal.
func (e *Evaluator) VisitTimeLiteral(n *ast.TimeLiteral) interface{} {
	t, err := types.NewTime(n.Text)
	if err != nil {
		return ParseError("invalid time: " + n.Text)
	}
	return types.Collection{t}
}

// VisitExternalConstant visits a %name reference.
func (e *Evaluator) VisitExternalConstant(n *ast.ExternalConstant) interface{} {
	if value, ok := e.ctx.GetVariable(n.Name); ok {
		return value
	}
	return NewEvalError(ErrInvalidPath, "undefined variable: %"+n.Name)
}

// Invocation visitors

// VisitThisInvocation visits $this.
func (e *Evaluator) VisitThisInvocation(_ *ast.ThisInvocation) interface{} {
	return e.ctx.This()
}

// VisitMemberInvocation visits a member access.
func (e *Evaluator) VisitMemberInvocation(n *ast.MemberInvocation) interface{} {
	return e.navigateMember(e.ctx.This(), n.Name)
}

// VisitFunctionInvocation visits a function call.
func (e *Evaluator) VisitFunctionInvocation(n *ast.FunctionInvocation) interface{} {
	fn, ok := e.funcs.Get(n.Name)
	if !ok {
		return FunctionNotFoundError(n.Name)
	}

	argCount := len(n.Args)
	if argCount < fn.MinArgs {
		return InvalidArgumentsError(n.Name, fn.MinArgs, argCount)
	}
	if fn.MaxArgs >= 0 && argCount > fn.MaxArgs {
		return InvalidArgumentsError(n.Name, fn.MaxArgs, argCount)
	}

	input := e.ctx.This()

	// where/exists/select need per-element evaluation against the raw,
	// unevaluated argument expression rather than a pre-evaluated collection.
	switch n.Name {
	case "where":
		if argCount > 0 {
			return e.evaluateWhere(input, n.Args[0])
		}
	case "exists":
		if argCount > 0 {
			return e.evaluateExists(input, n.Args[0])
		}
	case "select":
		if argCount > 0 {
			return e.evaluateSelect(input, n.Args[0])
		}
	case "ofType":
		if argCount > 0 {
			return e.evaluateOfType(input, n.Args[0])
		}
	case "getReferenceKey":
		if argCount > 0 {
			args := []interface{}{types.NewString(extractTypeName(n.Args[0]))}
			result, err := fn.Fn(e.ctx, input, args)
			if err != nil {
				return err
			}
			return result
		}
	}

	args := make([]interface{}, argCount)
	for i, argExpr := range n.Args {
		result := e.Visit(argExpr)
		if err, ok := result.(error); ok {
			return err
		}
		args[i] = result
	}

	result, err := fn.Fn(e.ctx, input, args)
	if err != nil {
		return err
	}
	return result
}

// evaluateWhere evaluates the where() function with per-element criteria.
func (e *Evaluator) evaluateWhere(input types.Collection, criteria ast.Node) interface{} {
	result := types.Collection{}

	for i, item := range input {
		oldThis := e.ctx.this
		oldIndex := e.ctx.index
		e.ctx.this = types.Collection{item}
		e.ctx.index = i

		criteriaResult := e.Visit(criteria)

		e.ctx.this = oldThis
		e.ctx.index = oldIndex

		if err, ok := criteriaResult.(error); ok {
			return err
		}

		if col, ok := criteriaResult.(types.Collection); ok && !col.Empty() {
			if b, ok := col[0].(types.Boolean); ok && b.Bool() {
				result = append(result, item)
			}
		}
	}

	return result
}

// evaluateExists evaluates exists() with optional criteria.
func (e *Evaluator) evaluateExists(input types.Collection, criteria ast.Node) interface{} {
	for i, item := range input {
		oldThis := e.ctx.this
		oldIndex := e.ctx.index
		e.ctx.this = types.Collection{item}
		e.ctx.index = i

		criteriaResult := e.Visit(criteria)

		e.ctx.this = oldThis
		e.ctx.index = oldIndex

		if err, ok := criteriaResult.(error); ok {
			return err
		}

		if col, ok := criteriaResult.(types.Collection); ok && !col.Empty() {
			if b, ok := col[0].(types.Boolean); ok && b.Bool() {
				return types.TrueCollection
			}
		}
	}

	return types.FalseCollection
}

// evaluateSelect evaluates select() - projects each element.
func (e *Evaluator) evaluateSelect(input types.Collection, projection ast.Node) interface{} {
	result := types.Collection{}

	for i, item := range input {
		oldThis := e.ctx.this
		oldIndex := e.ctx.index
		e.ctx.this = types.Collection{item}
		e.ctx.index = i

		projResult := e.Visit(projection)

		e.ctx.this = oldThis
		e.ctx.index = oldIndex

		if err, ok := projResult.(error); ok {
			return err
		}

		if col, ok := projResult.(types.Collection); ok {
			result = append(result, col...)
		}
	}

	return result
}

// evaluateOfType evaluates ofType() function - filters collection by type.
func (e *Evaluator) evaluateOfType(input types.Collection, typeExpr ast.Node) interface{} {
	if input.Empty() {
		return types.Collection{}
	}

	typeName := extractTypeName(typeExpr)
	if typeName == "" {
		return InvalidArgumentsError("ofType", 1, 0)
	}

	result := types.Collection{}
	for _, item := range input {
		if TypeMatches(item.Type(), typeName) {
			result = append(result, item)
		}
	}

	return result
}

// extractTypeName extracts a type name from an ofType() argument, which is
// always a bare identifier such as `dateTime` or `Patient`.
func extractTypeName(expr ast.Node) string {
	return expr.String()
}

// VisitInvocationExpression visits base.invocation.
func (e *Evaluator) VisitInvocationExpression(n *ast.InvocationExpression) interface{} {
	base := e.Visit(n.Base)
	if err, ok := base.(error); ok {
		return err
	}
	baseCol, ok := base.(types.Collection)
	if !ok {
		baseCol = types.Collection{}
	}

	oldThis := e.ctx.this
	e.ctx.this = baseCol
	defer func() { e.ctx.this = oldThis }()

	return e.Visit(n.Invocation)
}

// VisitIndexerExpression visits base[index].
func (e *Evaluator) VisitIndexerExpression(n *ast.IndexerExpression) interface{} {
	base := e.Visit(n.Base)
	if err, ok := base.(error); ok {
		return err
	}
	baseCol := base.(types.Collection)

	index := e.Visit(n.Index)
	if err, ok := index.(error); ok {
		return err
	}
	indexCol := index.(types.Collection)

	if indexCol.Empty() {
		return types.Collection{}
	}

	idx, ok := indexCol[0].(types.Integer)
	if !ok {
		return TypeError("Integer", indexCol[0].Type(), "indexer")
	}

	i := int(idx.Value())
	if i < 0 || i >= len(baseCol) {
		return types.Collection{}
	}

	return types.Collection{baseCol[i]}
}

// VisitEqualityExpression visits = and != expressions.
func (e *Evaluator) VisitEqualityExpression(n *ast.EqualityExpression) interface{} {
	left := e.Visit(n.Left)
	if err, ok := left.(error); ok {
		return err
	}
	leftCol := left.(types.Collection)

	right := e.Visit(n.Right)
	if err, ok := right.(error); ok {
		return err
	}
	rightCol := right.(types.Collection)

	switch n.Op {
	case "=":
		return Equal(leftCol, rightCol)
	case "!=":
		return NotEqual(leftCol, rightCol)
	}
	return types.Collection{}
}

// VisitInequalityExpression visits <, <=, >, >= expressions.
func (e *Evaluator) VisitInequalityExpression(n *ast.InequalityExpression) interface{} {
	left := e.Visit(n.Left)
	if err, ok := left.(error); ok {
		return err
	}
	leftCol := left.(types.Collection)

	right := e.Visit(n.Right)
	if err, ok := right.(error); ok {
		return err
	}
	rightCol := right.(types.Collection)

	if leftCol.Empty() || rightCol.Empty() {
		return types.Collection{}
	}
	if len(leftCol) != 1 || len(rightCol) != 1 {
		return SingletonError(len(leftCol) + len(rightCol))
	}

	var result types.Collection
	var err error

	switch n.Op {
	case "<":
		result, err = LessThan(leftCol[0], rightCol[0])
	case "<=":
		result, err = LessOrEqual(leftCol[0], rightCol[0])
	case ">":
		result, err = GreaterThan(leftCol[0], rightCol[0])
	case ">=":
		result, err = GreaterOrEqual(leftCol[0], rightCol[0])
	default:
		return types.Collection{}
	}

	if err != nil {
		return err
	}
	return result
}

// VisitAndExpression visits expr and expr.
func (e *Evaluator) VisitAndExpression(n *ast.AndExpression) interface{} {
	left := e.Visit(n.Left)
	if err, ok := left.(error); ok {
		return err
	}
	leftCol := left.(types.Collection)

	right := e.Visit(n.Right)
	if err, ok := right.(error); ok {
		return err
	}
	rightCol := right.(types.Collection)

	return And(leftCol, rightCol)
}

// VisitOrExpression visits expr or expr.
func (e *Evaluator) VisitOrExpression(n *ast.OrExpression) interface{} {
	left := e.Visit(n.Left)
	if err, ok := left.(error); ok {
		return err
	}
	leftCol := left.(types.Collection)

	right := e.Visit(n.Right)
	if err, ok := right.(error); ok {
		return err
	}
	rightCol := right.(types.Collection)

	return Or(leftCol, rightCol)
}

// nonDomainResources contains FHIR resources that inherit directly from Resource,
// not from DomainResource. All other resources inherit from DomainResource.
var nonDomainResources = map[string]bool{
	"Bundle":     true,
	"Binary":     true,
	"Parameters": true,
}

// IsDomainResource returns true if the given resource type inherits from DomainResource.
func IsDomainResource(resourceType string) bool {
	return !nonDomainResources[resourceType]
}

// IsSubtypeOf checks if actualType is a subtype of (or equal to) baseType.
func IsSubtypeOf(actualType, baseType string) bool {
	if actualType == baseType {
		return true
	}
	if strings.EqualFold(actualType, baseType) {
		return true
	}
	if baseType == "Resource" || strings.EqualFold(baseType, "resource") {
		return isPossibleResourceType(actualType)
	}
	if baseType == "DomainResource" || strings.EqualFold(baseType, "domainresource") {
		return isPossibleResourceType(actualType) && IsDomainResource(actualType)
	}
	return false
}

// isPossibleResourceType checks if the type looks like a FHIR resource type.
func isPossibleResourceType(typeName string) bool {
	if typeName == "" {
		return false
	}
	primitiveTypes := map[string]bool{
		"Boolean": true, "String": true, "Integer": true, "Decimal": true,
		"Date": true, "DateTime": true, "Time": true, "Object": true,
	}
	if primitiveTypes[typeName] {
		return false
	}
	return typeName[0] >= 'A' && typeName[0] <= 'Z'
}

// TypeMatches checks if actualType matches the requested typeName.
// Handles case-insensitive comparison and FHIR type aliases.
func TypeMatches(actualType, typeName string) bool {
	if actualType == typeName {
		return true
	}

	actualLower := strings.ToLower(actualType)
	typeNameLower := strings.ToLower(typeName)

	if actualLower == typeNameLower {
		return true
	}

	if IsSubtypeOf(actualType, typeName) {
		return true
	}

	fhirToFHIRPath := map[string]string{
		"boolean": "Boolean", "string": "String", "integer": "Integer", "decimal": "Decimal",
		"date": "Date", "datetime": "DateTime", "time": "Time", "instant": "DateTime",
		"uri": "String", "url": "String", "canonical": "String", "base64binary": "String",
		"code": "String", "id": "String", "markdown": "String", "oid": "String", "uuid": "String",
		"positiveint": "Integer", "unsignedint": "Integer", "integer64": "Integer",
	}

	if fhirPathType, ok := fhirToFHIRPath[typeNameLower]; ok {
		if actualType == fhirPathType {
			return true
		}
	}
	if fhirPathType, ok := fhirToFHIRPath[actualLower]; ok {
		if fhirPathType == typeName || strings.EqualFold(fhirPathType, typeName) {
			return true
		}
	}

	if strings.HasPrefix(typeNameLower, "system.") {
		systemType := typeName[7:]
		if strings.EqualFold(actualType, systemType) {
			return true
		}
	}
	if strings.HasPrefix(typeNameLower, "fhir.") {
		fhirType := typeName[5:]
		if strings.EqualFold(actualType, fhirType) {
			return true
		}
	}

	// JSON carries no distinction between FHIR's string-shaped primitives:
	// a polymorphic dateTime/date/time/code/... variant resolves to a plain
	// JSON string, so ofType() against any of them must accept actualType
	// "String" rather than demand a type the value can never report.
	if actualType == "String" {
		switch typeNameLower {
		case "date", "datetime", "time", "instant",
			"code", "id", "uri", "url", "canonical", "base64binary", "oid", "uuid", "markdown":
			return true
		}
	}

	return false
}

// polymorphicTypeSuffixes contains all FHIR type suffixes for polymorphic elements (value[x] pattern).
var polymorphicTypeSuffixes = []string{
	"Boolean", "Integer", "Integer64", "Decimal", "String", "Code", "Id", "Uri", "Url", "Canonical",
	"Base64Binary", "Instant", "Date", "DateTime", "Time", "Oid", "Uuid", "Markdown", "PositiveInt", "UnsignedInt",
	"Quantity", "CodeableConcept", "Coding", "Range", "Period", "Ratio", "RatioRange",
	"Identifier", "Reference", "Attachment", "HumanName", "Address", "ContactPoint",
	"Timing", "Signature", "Annotation", "SampledData", "Age", "Distance", "Duration",
	"Count", "Money", "MoneyQuantity", "SimpleQuantity",
	"Meta", "Dosage", "ContactDetail", "Contributor", "DataRequirement", "Expression",
	"ParameterDefinition", "RelatedArtifact", "TriggerDefinition", "UsageContext",
}

// navigateMember navigates to a member of objects in the collection.
// Supports FHIR polymorphic elements (value[x] pattern) by automatically
// resolving element names like "value" to their typed variants.
func (e *Evaluator) navigateMember(input types.Collection, name string) types.Collection {
	result := types.Collection{}

	for _, item := range input {
		obj, ok := item.(*types.ObjectValue)
		if !ok {
			continue
		}

		if IsSubtypeOf(obj.Type(), name) {
			result = append(result, obj)
			continue
		}

		children := obj.GetCollection(name)
		if len(children) > 0 {
			result = append(result, children...)
			continue
		}

		polymorphicChildren := e.resolvePolymorphicField(obj, name)
		result = append(result, polymorphicChildren...)
	}

	return result
}

// resolvePolymorphicField attempts to resolve a polymorphic FHIR element.
func (e *Evaluator) resolvePolymorphicField(obj *types.ObjectValue, name string) types.Collection {
	result := types.Collection{}

	for _, suffix := range polymorphicTypeSuffixes {
		fieldName := name + suffix
		children := obj.GetCollection(fieldName)
		if len(children) > 0 {
			result = append(result, children...)
			return result
		}
	}

	return result
}
