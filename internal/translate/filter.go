// Package translate binds parsed $filter and $orderby clauses to expression trees over
// a destination type and rewrites them into trees over the mapped source type.
package translate

import (
	"fmt"
	"reflect"
	"time"

	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/mapping"
	"github.com/nlstn/go-odatamap/internal/query"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
)

// NullPropagation controls whether member chains through nullable members are
// guarded with conditional access.
type NullPropagation int

const (
	// NullPropagationDefault guards member chains. SQL lowering removes the guards
	// again, so the setting only matters for in-memory evaluation.
	NullPropagationDefault NullPropagation = iota
	NullPropagationEnabled
	// NullPropagationDisabled leaves member chains unguarded; reading a member
	// through null fails with ErrNullReference in memory.
	NullPropagationDisabled
)

// Enabled reports whether chains are guarded.
func (m NullPropagation) Enabled() bool { return m != NullPropagationDisabled }

func (m NullPropagation) String() string {
	switch m {
	case NullPropagationEnabled:
		return "enabled"
	case NullPropagationDisabled:
		return "disabled"
	}
	return "default"
}

// RootVariable names the lambda parameter of the outermost filter scope.
const RootVariable = "$it"

var (
	stringType = reflect.TypeOf("")
	intType    = reflect.TypeOf(0)
	timeType   = reflect.TypeOf(time.Time{})
)

// BindFilter builds the predicate lambda $it => ... over destType.
func BindFilter(filter *query.FilterExpression, destType reflect.Type) (*expr.Lambda, error) {
	root := expr.NewParameter(RootVariable, expr.Deref(destType))
	b := &binder{root: root, scopes: map[string]*expr.Parameter{RootVariable: root}}
	body, err := b.bind(filter)
	if err != nil {
		return nil, err
	}
	return expr.NewLambda(body, root), nil
}

type binder struct {
	root   *expr.Parameter
	scopes map[string]*expr.Parameter
}

func (b *binder) bind(f *query.FilterExpression) (expr.Node, error) {
	if f == nil {
		return nil, queryerrors.InvalidQueryOption("empty filter expression")
	}
	var n expr.Node
	var err error
	switch {
	case f.Logical != "":
		n, err = b.logical(f)
	case f.Operator == query.OpAny || f.Operator == query.OpAll:
		n, err = b.lambda(f)
	default:
		n, err = b.leaf(f)
	}
	if err != nil {
		return nil, err
	}
	if f.IsNot {
		n = expr.Not(n)
	}
	return n, nil
}

func (b *binder) logical(f *query.FilterExpression) (expr.Node, error) {
	var op expr.BinaryOp
	switch f.Logical {
	case query.LogicalAnd:
		op = expr.OpAnd
	case query.LogicalOr:
		op = expr.OpOr
	default:
		return nil, queryerrors.InvalidQueryOption("unknown logical operator %q", f.Logical)
	}
	l, err := b.bind(f.Left)
	if err != nil {
		return nil, err
	}
	r, err := b.bind(f.Right)
	if err != nil {
		return nil, err
	}
	return expr.Logical(op, l, r)
}

func (b *binder) lambda(f *query.FilterExpression) (expr.Node, error) {
	coll, err := b.member(f.Property)
	if err != nil {
		return nil, err
	}
	if !expr.IsCollection(coll.Type()) {
		return nil, fmt.Errorf("%w: %s requires a collection, %s is %s", queryerrors.ErrTypeMismatch, f.Operator, f.Property, coll.Type())
	}
	method := expr.MethodAny
	if f.Operator == query.OpAll {
		method = expr.MethodAll
	}
	if f.Predicate == nil {
		if method == expr.MethodAll {
			return nil, queryerrors.InvalidQueryOption("all on %s requires a predicate", f.Property)
		}
		return expr.NewCall(method, coll), nil
	}
	if f.Variable == "" {
		return nil, queryerrors.InvalidQueryOption("%s on %s requires a lambda variable", f.Operator, f.Property)
	}
	if _, taken := b.scopes[f.Variable]; taken {
		return nil, queryerrors.InvalidQueryOption("lambda variable %q is already in scope", f.Variable)
	}

	param := expr.NewParameter(f.Variable, expr.ElementType(coll.Type()))
	b.scopes[f.Variable] = param
	body, err := b.bind(f.Predicate)
	delete(b.scopes, f.Variable)
	if err != nil {
		return nil, err
	}
	return expr.NewCall(method, coll, expr.NewLambda(body, param)), nil
}

func (b *binder) leaf(f *query.FilterExpression) (expr.Node, error) {
	left, err := b.operand(f)
	if err != nil {
		return nil, err
	}

	switch f.Operator {
	case "":
		if expr.Deref(left.Type()).Kind() != reflect.Bool {
			return nil, queryerrors.InvalidQueryOption("filter on %s has no operator", f.Property)
		}
		if expr.Nullable(left.Type()) {
			return expr.Compare(expr.OpEqual, left, expr.NewConstant(true))
		}
		return left, nil
	case query.OpContains, query.OpStartsWith, query.OpEndsWith:
		arg, err := b.argument(f, stringType)
		if err != nil {
			return nil, err
		}
		return stringPredicate(f.Operator, left, arg)
	case query.OpIn:
		return b.in(f, left)
	}

	op, ok := comparisons[f.Operator]
	if !ok {
		return nil, queryerrors.InvalidQueryOption("unsupported filter operator %q", f.Operator)
	}
	right, err := b.argument(f, left.Type())
	if err != nil {
		return nil, err
	}
	return expr.Compare(op, left, right)
}

var comparisons = map[query.FilterOperator]expr.BinaryOp{
	query.OpEqual:              expr.OpEqual,
	query.OpNotEqual:           expr.OpNotEqual,
	query.OpGreaterThan:        expr.OpGreater,
	query.OpGreaterThanOrEqual: expr.OpGreaterEqual,
	query.OpLessThan:           expr.OpLess,
	query.OpLessThanOrEqual:    expr.OpLessEqual,
}

var arithmetics = map[query.ArithmeticOperator]expr.BinaryOp{
	query.ArithmeticAdd: expr.OpAdd,
	query.ArithmeticSub: expr.OpSub,
	query.ArithmeticMul: expr.OpMul,
	query.ArithmeticDiv: expr.OpDiv,
	query.ArithmeticMod: expr.OpMod,
}

// operand returns the left side of a leaf: the property, transformed by the leaf's
// function and arithmetic.
func (b *binder) operand(f *query.FilterExpression) (expr.Node, error) {
	x, err := b.member(f.Property)
	if err != nil {
		return nil, err
	}
	if f.Function != "" {
		if x, err = b.function(f, x); err != nil {
			return nil, err
		}
	}
	if f.Arithmetic != "" {
		op, ok := arithmetics[f.Arithmetic]
		if !ok {
			return nil, queryerrors.InvalidQueryOption("unsupported arithmetic operator %q", f.Arithmetic)
		}
		operand, err := literal(f.ArithmeticOperand, x.Type(), f.Property)
		if err != nil {
			return nil, err
		}
		if x, err = expr.Arithmetic(op, x, operand); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (b *binder) function(f *query.FilterExpression, x expr.Node) (expr.Node, error) {
	if f.Function != query.OpLength && expr.Deref(x.Type()).Kind() != reflect.String {
		return nil, fmt.Errorf("%w: %s requires a string, %s is %s", queryerrors.ErrTypeMismatch, f.Function, f.Property, x.Type())
	}
	args := f.FunctionArgs
	arg := func(i int, t reflect.Type) (expr.Node, error) {
		if i >= len(args) {
			return nil, queryerrors.InvalidQueryOption("%s(%s) is missing argument %d", f.Function, f.Property, i+1)
		}
		return literal(args[i], t, f.Property)
	}

	switch f.Function {
	case query.OpToLower:
		return expr.NewCall(expr.MethodToLower, x), nil
	case query.OpToUpper:
		return expr.NewCall(expr.MethodToUpper, x), nil
	case query.OpTrim:
		return expr.NewCall(expr.MethodTrim, x), nil
	case query.OpLength:
		if expr.Deref(x.Type()).Kind() != reflect.String {
			return nil, fmt.Errorf("%w: length requires a string, %s is %s", queryerrors.ErrTypeMismatch, f.Property, x.Type())
		}
		return expr.NewCall(expr.MethodLength, x), nil
	case query.OpIndexOf, query.OpConcat:
		s, err := arg(0, stringType)
		if err != nil {
			return nil, err
		}
		if f.Function == query.OpIndexOf {
			return expr.NewCall(expr.MethodIndexOf, x, s), nil
		}
		return expr.NewCall(expr.MethodConcat, x, s), nil
	case query.OpSubstring:
		start, err := arg(0, intType)
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return expr.NewCall(expr.MethodSubstring, x, start), nil
		}
		length, err := arg(1, intType)
		if err != nil {
			return nil, err
		}
		return expr.NewCall(expr.MethodSubstring, x, start, length), nil
	case query.OpContains, query.OpStartsWith, query.OpEndsWith:
		s, err := arg(0, stringType)
		if err != nil {
			return nil, err
		}
		return stringPredicate(f.Function, x, s)
	}
	return nil, queryerrors.InvalidQueryOption("unsupported filter function %q", f.Function)
}

func stringPredicate(op query.FilterOperator, x, arg expr.Node) (expr.Node, error) {
	if expr.Deref(x.Type()).Kind() != reflect.String {
		return nil, fmt.Errorf("%w: %s requires a string, got %s", queryerrors.ErrTypeMismatch, op, x.Type())
	}
	switch op {
	case query.OpContains:
		return expr.NewCall(expr.MethodContains, x, arg), nil
	case query.OpStartsWith:
		return expr.NewCall(expr.MethodStartsWith, x, arg), nil
	}
	return expr.NewCall(expr.MethodEndsWith, x, arg), nil
}

// argument returns the right side of a leaf: the member named by ValueProperty or
// the literal Value converted to t.
func (b *binder) argument(f *query.FilterExpression, t reflect.Type) (expr.Node, error) {
	if f.ValueProperty != "" {
		return b.member(f.ValueProperty)
	}
	return literal(f.Value, t, f.Property)
}

func (b *binder) in(f *query.FilterExpression, left expr.Node) (expr.Node, error) {
	rv := reflect.ValueOf(f.Value)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, queryerrors.InvalidQueryOption("in on %s requires a list of values", f.Property)
	}
	elem := expr.Deref(left.Type())
	list := reflect.MakeSlice(reflect.SliceOf(elem), 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		c, err := literal(rv.Index(i).Interface(), elem, f.Property)
		if err != nil {
			return nil, err
		}
		if c.IsNull() {
			return nil, queryerrors.InvalidQueryOption("in on %s cannot contain null", f.Property)
		}
		list = reflect.Append(list, reflect.ValueOf(c.Value))
	}
	return expr.NewCall(expr.MethodIn, left, expr.NewConstant(list.Interface())), nil
}

// member binds a slash-separated member path. The first segment may name a lambda
// variable in scope; otherwise the path starts at $it.
func (b *binder) member(path string) (expr.Node, error) {
	segments := query.SplitPath(path)
	if len(segments) == 0 {
		return nil, queryerrors.InvalidQueryOption("empty member path")
	}
	var x expr.Node = b.root
	if p, ok := b.scopes[segments[0]]; ok {
		x = p
		segments = segments[1:]
	}
	return memberPath(x, segments)
}

func memberPath(x expr.Node, segments []string) (expr.Node, error) {
	for i, name := range segments {
		if name == query.CountSegment {
			if i != len(segments)-1 || !expr.IsCollection(x.Type()) {
				return nil, queryerrors.InvalidQueryOption("$count must follow a collection member")
			}
			return expr.NewCall(expr.MethodCount, x), nil
		}
		m, err := expr.Field(x, name)
		if err != nil {
			return nil, err
		}
		x = m
	}
	return x, nil
}

// literal converts a clause value to a constant of type t. Strings are accepted for
// time values in RFC 3339 form.
func literal(v interface{}, t reflect.Type, member string) (*expr.Constant, error) {
	if v == nil {
		return expr.Null(t), nil
	}
	target := expr.Deref(t)
	if s, ok := v.(string); ok && target == timeType {
		tm, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, &queryerrors.TypeMismatchError{Member: member, From: stringType, To: target}
		}
		return &expr.Constant{Value: tm, Typ: target}, nil
	}
	rv, err := expr.ConvertValue(reflect.ValueOf(v), target)
	if err != nil {
		return nil, &queryerrors.TypeMismatchError{Member: member, From: reflect.TypeOf(v), To: target}
	}
	return &expr.Constant{Value: rv.Interface(), Typ: target}, nil
}

// TranslateFilter binds filter over destType and rewrites it into a predicate over
// sourceType. A nil filter translates to a nil lambda.
func TranslateFilter(filter *query.FilterExpression, sourceType, destType reflect.Type, resolver mapping.Resolver, mode NullPropagation) (*expr.Lambda, error) {
	if filter == nil {
		return nil, nil
	}
	bound, err := BindFilter(filter, destType)
	if err != nil {
		return nil, err
	}
	return Rebind(bound, sourceType, resolver, mode)
}

// Rebind rewrites a lambda over a destination type into the equivalent lambda over
// sourceType: every destination member chain is replaced by its resolved source
// chain and lambda parameters are retyped to the source element types.
func Rebind(l *expr.Lambda, sourceType reflect.Type, resolver mapping.Resolver, mode NullPropagation) (*expr.Lambda, error) {
	root := expr.NewParameter(l.Param().Name, expr.Deref(sourceType))
	r := &rebinder{
		resolver: resolver,
		params:   map[*expr.Parameter]*expr.Parameter{l.Param(): root},
		resolved: make(map[expr.Node]expr.Node),
	}
	out := expr.Rewrite(r, l)
	if r.err != nil {
		return nil, r.err
	}
	lambda, ok := out.(*expr.Lambda)
	if !ok {
		return nil, fmt.Errorf("rebinding %s produced %T", expr.String(l), out)
	}
	if mode.Enabled() {
		lambda = expr.NewLambda(expr.PropagateNulls(lambda.Body), lambda.Params...)
	}
	return lambda, nil
}

type rebinder struct {
	resolver mapping.Resolver
	params   map[*expr.Parameter]*expr.Parameter
	resolved map[expr.Node]expr.Node
	err      error
}

func (r *rebinder) Walk(n expr.Node) expr.Rewriter {
	if r.err != nil {
		return nil
	}
	switch t := n.(type) {
	case *expr.Member:
		// resolved as a whole chain in Rewrite
		return nil
	case *expr.Call:
		if lam := t.Lambda(); lam != nil {
			src := r.resolve(t.Args[0])
			if r.err != nil {
				return nil
			}
			elem := expr.ElementType(src.Type())
			if elem == nil {
				r.err = fmt.Errorf("%w: %s over %s", queryerrors.ErrTypeMismatch, t.Method, src.Type())
				return nil
			}
			r.params[lam.Param()] = expr.NewParameter(lam.Param().Name, elem)
		}
	}
	return r
}

func (r *rebinder) Rewrite(n expr.Node) expr.Node {
	if r.err != nil {
		return n
	}
	switch t := n.(type) {
	case *expr.Member:
		return r.resolve(t)
	case *expr.Parameter:
		if p, ok := r.params[t]; ok {
			return p
		}
		r.err = fmt.Errorf("parameter %s is not in scope", t.Name)
	case *expr.Binary:
		if t.Op.Comparison() {
			// a null operand follows the type of the rebound side
			b, err := expr.Compare(t.Op, t.Left, t.Right)
			if err == nil {
				return b
			}
		}
	}
	return n
}

// resolve maps a destination member chain to its source chain.
func (r *rebinder) resolve(n expr.Node) expr.Node {
	if x, ok := r.resolved[n]; ok {
		return x
	}
	if _, ok := n.(*expr.Member); !ok {
		// a rebuilt sequence operand such as a nested Where
		return expr.Rewrite(r, n)
	}
	root, path := expr.MemberPath(n)
	dest, ok := root.(*expr.Parameter)
	if !ok {
		r.err = queryerrors.NotTranslatable("member chain rooted at %s", expr.String(root))
		return n
	}
	src, ok := r.params[dest]
	if !ok {
		r.err = fmt.Errorf("parameter %s is not in scope", dest.Name)
		return n
	}
	x, err := r.resolver.Resolve(src, src.Type(), dest.Type(), path)
	if err != nil {
		r.err = err
		return n
	}
	r.resolved[n] = x
	return x
}
