package expr

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"time"

	"github.com/nlstn/go-odatamap/internal/queryerrors"
	"github.com/shopspring/decimal"
)

var (
	timeType    = reflect.TypeOf(time.Time{})
	decimalType = reflect.TypeOf(decimal.Decimal{})
	float64Type = reflect.TypeOf(float64(0))
	valuerType  = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
)

// Category groups Go types that can be compared with each other.
type Category int

const (
	CategoryOther Category = iota
	CategoryBool
	CategoryNumeric
	CategoryString
	CategoryTime
)

// Deref strips pointer indirections from t.
func Deref(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// Nullable reports whether values of t can be null.
func Nullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map:
		return true
	}
	return false
}

// ElementType returns the element type of a slice type, or nil.
func ElementType(t reflect.Type) reflect.Type {
	t = Deref(t)
	if t != nil && (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) {
		return t.Elem()
	}
	return nil
}

// IsCollection reports whether t is a slice of structs or pointers to structs.
func IsCollection(t reflect.Type) bool {
	e := ElementType(t)
	return e != nil && Deref(e).Kind() == reflect.Struct && !IsScalarStruct(Deref(e))
}

// IsScalarStruct reports whether a struct type holds a single value, such as
// time.Time, decimal.Decimal or a driver.Valuer like sql.NullString.
func IsScalarStruct(t reflect.Type) bool {
	t = Deref(t)
	if t.Kind() != reflect.Struct {
		return false
	}
	return t == timeType || t.Implements(valuerType) || reflect.PointerTo(t).Implements(valuerType)
}

// IsStructured reports whether t is a struct that carries members of its own.
func IsStructured(t reflect.Type) bool {
	t = Deref(t)
	return t != nil && t.Kind() == reflect.Struct && !IsScalarStruct(t)
}

// CategoryOf classifies t for comparisons.
func CategoryOf(t reflect.Type) Category {
	t = Deref(t)
	if t == nil {
		return CategoryOther
	}
	switch {
	case t == timeType:
		return CategoryTime
	case t == decimalType:
		return CategoryNumeric
	}
	switch t.Kind() {
	case reflect.Bool:
		return CategoryBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return CategoryNumeric
	case reflect.String:
		return CategoryString
	}
	return CategoryOther
}

// Field returns the member access x.name.
func Field(x Node, name string) (*Member, error) {
	st := Deref(x.Type())
	if st == nil || st.Kind() != reflect.Struct {
		return nil, &queryerrors.UnmappedMemberError{Type: x.Type(), Member: name, Reason: "not a struct"}
	}
	f, ok := st.FieldByName(name)
	if !ok || !f.IsExported() {
		return nil, &queryerrors.UnmappedMemberError{Type: st, Member: name}
	}
	return &Member{X: x, Field: name, Typ: f.Type}, nil
}

// MemberPath decomposes a member access chain into its root and the field names from
// the root outwards. Convert nodes inside the chain are looked through.
func MemberPath(n Node) (Node, []string) {
	var path []string
	for {
		switch t := n.(type) {
		case *Member:
			path = append(path, t.Field)
			n = t.X
			continue
		case *Unary:
			if t.Op == OpConvert {
				n = t.X
				continue
			}
		}
		break
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return n, path
}

// Convert returns x converted to t. It returns x itself when no conversion is needed
// and a TypeMismatchError when the conversion is impossible.
func Convert(x Node, t reflect.Type) (Node, error) {
	from := x.Type()
	if from == t {
		return x, nil
	}
	if c, ok := x.(*Constant); ok && c.IsNull() {
		if !Nullable(t) {
			return nil, &queryerrors.TypeMismatchError{From: from, To: t}
		}
		return Null(t), nil
	}
	if !Convertible(from, t) {
		return nil, &queryerrors.TypeMismatchError{From: from, To: t}
	}
	return &Unary{Op: OpConvert, X: x, Typ: t}, nil
}

// Convertible reports whether a value of type from can be converted to type to.
func Convertible(from, to reflect.Type) bool {
	if from == to {
		return true
	}
	df, dt := Deref(from), Deref(to)
	if df == dt {
		return true
	}
	if df.Kind() == reflect.Interface || dt.Kind() == reflect.Interface {
		return true
	}
	cf, ct := CategoryOf(df), CategoryOf(dt)
	if cf == CategoryNumeric && ct == CategoryNumeric {
		return true
	}
	if cf != CategoryOther && cf == ct {
		return df.ConvertibleTo(dt)
	}
	if IsStructured(df) || IsStructured(dt) || ElementType(df) != nil || ElementType(dt) != nil {
		return false
	}
	return df.ConvertibleTo(dt)
}

// Compare returns the comparison l op r. Operands of different types in the same
// category are accepted; a null constant takes the type of the other operand.
func Compare(op BinaryOp, l, r Node) (*Binary, error) {
	l, r = retypeNull(l, r), retypeNull(r, l)
	if !isNullConst(l) && !isNullConst(r) {
		cl, cr := CategoryOf(l.Type()), CategoryOf(r.Type())
		if cl != cr || (cl == CategoryOther && Deref(l.Type()) != Deref(r.Type())) {
			return nil, &queryerrors.TypeMismatchError{From: r.Type(), To: l.Type()}
		}
		if op.Ordered() && cl == CategoryBool {
			return nil, fmt.Errorf("%w: operator %s is not defined for bool", queryerrors.ErrTypeMismatch, op)
		}
	}
	return &Binary{Op: op, Left: l, Right: r, Typ: boolType}, nil
}

// Logical returns the conjunction or disjunction of l and r.
func Logical(op BinaryOp, l, r Node) (*Binary, error) {
	if Deref(l.Type()).Kind() != reflect.Bool || Deref(r.Type()).Kind() != reflect.Bool {
		return nil, fmt.Errorf("%w: operands of %s must be bool", queryerrors.ErrTypeMismatch, op)
	}
	return &Binary{Op: op, Left: l, Right: r, Typ: boolType}, nil
}

// Arithmetic returns l op r for numeric operands.
func Arithmetic(op BinaryOp, l, r Node) (*Binary, error) {
	lt, rt := l.Type(), r.Type()
	if CategoryOf(lt) != CategoryNumeric || CategoryOf(rt) != CategoryNumeric {
		return nil, fmt.Errorf("%w: operator %s requires numeric operands", queryerrors.ErrTypeMismatch, op)
	}
	return &Binary{Op: op, Left: l, Right: r, Typ: arithmeticType(Deref(lt), Deref(rt))}, nil
}

func arithmeticType(l, r reflect.Type) reflect.Type {
	switch {
	case l == r:
		return l
	case l == decimalType || r == decimalType:
		return decimalType
	case isFloat(l) || isFloat(r):
		return float64Type
	}
	return int64Type
}

func isFloat(t reflect.Type) bool {
	return t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64
}

// Not negates a boolean expression.
func Not(x Node) *Unary {
	return &Unary{Op: OpNot, X: x, Typ: boolType}
}

// Negate returns the arithmetic negation of x.
func Negate(x Node) *Unary {
	return &Unary{Op: OpNegate, X: x, Typ: x.Type()}
}

// NullGuard returns IIF(x == null, null, then). The result type is then's type, made
// nullable when necessary.
func NullGuard(x Node, then Node) *Conditional {
	t := then.Type()
	if !Nullable(t) {
		t = reflect.PointerTo(t)
		then = &Unary{Op: OpConvert, X: then, Typ: t}
	}
	return &Conditional{
		Test:    &Binary{Op: OpEqual, Left: x, Right: Null(x.Type()), Typ: boolType},
		IfTrue:  Null(t),
		IfFalse: then,
		Typ:     t,
	}
}

// GuardedValue recognizes the IIF(x == null, null, v) pattern produced by NullGuard
// and returns v.
func GuardedValue(c *Conditional) (Node, bool) {
	b, ok := c.Test.(*Binary)
	if !ok || b.Op != OpEqual || !isNullConst(b.Right) || !isNullConst(c.IfTrue) {
		return nil, false
	}
	v := c.IfFalse
	if u, ok := v.(*Unary); ok && u.Op == OpConvert && u.Typ == reflect.PointerTo(u.X.Type()) {
		v = u.X
	}
	return v, true
}

func isNullConst(n Node) bool {
	c, ok := n.(*Constant)
	return ok && c.IsNull()
}

func retypeNull(n, other Node) Node {
	if isNullConst(n) && !isNullConst(other) {
		return Null(other.Type())
	}
	return n
}
