// Package expr implements the expression tree used to describe filters, orderings and
// object projections, together with the passes that inspect and rewrite it.
//
// A tree is built from a small set of node kinds. Every node knows its Go result type.
// Trees are treated as values: rewriting returns new nodes and leaves the input intact,
// so a projection can be shared between queries and rewritten per call.
package expr

import (
	"reflect"
	"strings"
)

// Node is an expression node.
type Node interface {
	// Type returns the Go type produced by the node.
	Type() reflect.Type
	// text writes the debug representation of the node.
	text(dst *strings.Builder)
	// walk calls Walk on each child of the node.
	walk(v Visitor)
}

// Visitor is called by Walk for every node of a tree.
type Visitor interface {
	Visit(Node) Visitor
}

// Rewriter accepts a Node and returns
// a new node (or just its argument)
type Rewriter interface {
	// Rewrite is applied to nodes
	// in depth-first order, and each
	// node is re-written to use the
	// returned value.
	Rewrite(Node) Node

	// Walk is called during node traversal
	// and the returned Rewriter is used for
	// all the children of Node.
	// If the returned rewriter is nil,
	// then traversal does not proceed past Node.
	Walk(Node) Rewriter
}

type nonleaf interface {
	rewrite(r Rewriter) Node
}

// Rewrite recursively applies a Rewriter in depth-first order.
// Nodes with rewritten children are copied; the input tree is not modified.
func Rewrite(r Rewriter, n Node) Node {
	if n == nil {
		return nil
	}
	nl, ok := n.(nonleaf)
	if ok {
		rc := r.Walk(n)
		if rc != nil {
			n = nl.rewrite(rc)
		}
	}
	return r.Rewrite(n)
}

// Walk traverses a tree in depth-first order: It starts by calling
// v.Visit(node); node must not be nil. If the visitor w returned by
// v.Visit(node) is not nil, Walk is invoked recursively with visitor w for
// each of the non-nil children of node, followed by a call of w.Visit(nil).
func Walk(v Visitor, n Node) {
	w := v.Visit(n)
	if w != nil {
		n.walk(w)
		w.Visit(nil)
	}
}

// String renders a node for logs and cache keys.
func String(n Node) string {
	if n == nil {
		return "<nil>"
	}
	var sb strings.Builder
	n.text(&sb)
	return sb.String()
}

// Parameter is a lambda parameter. Parameters are compared by identity.
type Parameter struct {
	Name string
	Typ  reflect.Type
}

// NewParameter returns a parameter of type t.
func NewParameter(name string, t reflect.Type) *Parameter {
	return &Parameter{Name: name, Typ: t}
}

func (p *Parameter) Type() reflect.Type         { return p.Typ }
func (p *Parameter) text(dst *strings.Builder) { dst.WriteString(p.Name) }
func (p *Parameter) walk(Visitor)              {}
func (p *Parameter) String() string            { return p.Name }

// Constant is a literal value. A nil Value is the typed null.
type Constant struct {
	Value interface{}
	Typ   reflect.Type
}

// NewConstant returns a constant typed after its value.
func NewConstant(v interface{}) *Constant {
	return &Constant{Value: v, Typ: reflect.TypeOf(v)}
}

// Null returns the null constant of type t.
func Null(t reflect.Type) *Constant {
	return &Constant{Typ: t}
}

// IsNull reports whether the constant is null.
func (c *Constant) IsNull() bool {
	if c.Value == nil {
		return true
	}
	rv := reflect.ValueOf(c.Value)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func (c *Constant) Type() reflect.Type         { return c.Typ }
func (c *Constant) text(dst *strings.Builder) { writeConstant(dst, c) }
func (c *Constant) walk(Visitor)              {}
func (c *Constant) String() string            { return String(c) }

// Member reads a struct field from X.
// X may be a struct or a pointer to a struct.
type Member struct {
	X     Node
	Field string
	Typ   reflect.Type
}

func (m *Member) Type() reflect.Type { return m.Typ }

func (m *Member) text(dst *strings.Builder) {
	m.X.text(dst)
	dst.WriteByte('.')
	dst.WriteString(m.Field)
}

func (m *Member) walk(v Visitor) { Walk(v, m.X) }

func (m *Member) rewrite(r Rewriter) Node {
	x := Rewrite(r, m.X)
	if x == m.X {
		return m
	}
	return &Member{X: x, Field: m.Field, Typ: m.Typ}
}

func (m *Member) String() string { return String(m) }

// BinaryOp is a binary operator.
type BinaryOp int

const (
	OpEqual BinaryOp = iota
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
	OpAnd
	OpOr
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
)

var binaryText = [...]string{
	OpEqual:        "==",
	OpNotEqual:     "!=",
	OpLess:         "<",
	OpLessEqual:    "<=",
	OpGreater:      ">",
	OpGreaterEqual: ">=",
	OpAnd:          "&&",
	OpOr:           "||",
	OpAdd:          "+",
	OpSub:          "-",
	OpMul:          "*",
	OpDiv:          "/",
	OpMod:          "%",
}

func (op BinaryOp) String() string {
	if int(op) < len(binaryText) {
		return binaryText[op]
	}
	return "?"
}

// Ordered reports whether op is a relational comparison.
func (op BinaryOp) Ordered() bool {
	return op >= OpLess && op <= OpGreaterEqual
}

// Comparison reports whether op produces a bool from two operands of equal type.
func (op BinaryOp) Comparison() bool {
	return op <= OpGreaterEqual
}

// Logical reports whether op is a boolean connective.
func (op BinaryOp) Logical() bool {
	return op == OpAnd || op == OpOr
}

// Binary is a binary operation.
type Binary struct {
	Op          BinaryOp
	Left, Right Node
	Typ         reflect.Type
}

func (b *Binary) Type() reflect.Type { return b.Typ }

func (b *Binary) text(dst *strings.Builder) {
	dst.WriteByte('(')
	b.Left.text(dst)
	dst.WriteByte(' ')
	dst.WriteString(b.Op.String())
	dst.WriteByte(' ')
	b.Right.text(dst)
	dst.WriteByte(')')
}

func (b *Binary) walk(v Visitor) {
	Walk(v, b.Left)
	Walk(v, b.Right)
}

func (b *Binary) rewrite(r Rewriter) Node {
	l := Rewrite(r, b.Left)
	rt := Rewrite(r, b.Right)
	if l == b.Left && rt == b.Right {
		return b
	}
	return &Binary{Op: b.Op, Left: l, Right: rt, Typ: b.Typ}
}

func (b *Binary) String() string { return String(b) }

// UnaryOp is a unary operator.
type UnaryOp int

const (
	OpNot UnaryOp = iota
	OpNegate
	// OpConvert converts X to the node type.
	OpConvert
)

// Unary is a unary operation.
type Unary struct {
	Op  UnaryOp
	X   Node
	Typ reflect.Type
}

func (u *Unary) Type() reflect.Type { return u.Typ }

func (u *Unary) text(dst *strings.Builder) {
	switch u.Op {
	case OpNot:
		dst.WriteByte('!')
		u.X.text(dst)
	case OpNegate:
		dst.WriteByte('-')
		u.X.text(dst)
	default:
		dst.WriteString("Convert(")
		u.X.text(dst)
		dst.WriteString(", ")
		dst.WriteString(u.Typ.String())
		dst.WriteByte(')')
	}
}

func (u *Unary) walk(v Visitor) { Walk(v, u.X) }

func (u *Unary) rewrite(r Rewriter) Node {
	x := Rewrite(r, u.X)
	if x == u.X {
		return u
	}
	return &Unary{Op: u.Op, X: x, Typ: u.Typ}
}

func (u *Unary) String() string { return String(u) }

// Lambda is a function literal.
type Lambda struct {
	Params []*Parameter
	Body   Node
}

// NewLambda returns a lambda of the given parameters.
func NewLambda(body Node, params ...*Parameter) *Lambda {
	return &Lambda{Params: params, Body: body}
}

// Param returns the first parameter.
func (l *Lambda) Param() *Parameter { return l.Params[0] }

// Type returns the function type of the lambda.
func (l *Lambda) Type() reflect.Type {
	in := make([]reflect.Type, len(l.Params))
	for i := range l.Params {
		in[i] = l.Params[i].Typ
	}
	return reflect.FuncOf(in, []reflect.Type{l.Body.Type()}, false)
}

func (l *Lambda) text(dst *strings.Builder) {
	if len(l.Params) == 1 {
		dst.WriteString(l.Params[0].Name)
	} else {
		dst.WriteByte('(')
		for i := range l.Params {
			if i > 0 {
				dst.WriteString(", ")
			}
			dst.WriteString(l.Params[i].Name)
		}
		dst.WriteByte(')')
	}
	dst.WriteString(" => ")
	l.Body.text(dst)
}

func (l *Lambda) walk(v Visitor) {
	for i := range l.Params {
		Walk(v, l.Params[i])
	}
	Walk(v, l.Body)
}

func (l *Lambda) rewrite(r Rewriter) Node {
	changed := false
	params := make([]*Parameter, len(l.Params))
	for i := range l.Params {
		p, ok := Rewrite(r, l.Params[i]).(*Parameter)
		if !ok {
			p = l.Params[i]
		}
		params[i] = p
		changed = changed || p != l.Params[i]
	}
	body := Rewrite(r, l.Body)
	if !changed && body == l.Body {
		return l
	}
	return &Lambda{Params: params, Body: body}
}

func (l *Lambda) String() string { return String(l) }

// Conditional is the ternary test ? IfTrue : IfFalse.
type Conditional struct {
	Test, IfTrue, IfFalse Node
	Typ                   reflect.Type
}

func (c *Conditional) Type() reflect.Type { return c.Typ }

func (c *Conditional) text(dst *strings.Builder) {
	dst.WriteString("IIF(")
	c.Test.text(dst)
	dst.WriteString(", ")
	c.IfTrue.text(dst)
	dst.WriteString(", ")
	c.IfFalse.text(dst)
	dst.WriteByte(')')
}

func (c *Conditional) walk(v Visitor) {
	Walk(v, c.Test)
	Walk(v, c.IfTrue)
	Walk(v, c.IfFalse)
}

func (c *Conditional) rewrite(r Rewriter) Node {
	t := Rewrite(r, c.Test)
	a := Rewrite(r, c.IfTrue)
	b := Rewrite(r, c.IfFalse)
	if t == c.Test && a == c.IfTrue && b == c.IfFalse {
		return c
	}
	return &Conditional{Test: t, IfTrue: a, IfFalse: b, Typ: c.Typ}
}

func (c *Conditional) String() string { return String(c) }

// Binding assigns X to a field of the value built by a MemberInit.
type Binding struct {
	Field string
	X     Node
}

// MemberInit builds a struct value (or a pointer to one) from bindings.
// Fields without a binding keep their zero value.
type MemberInit struct {
	Typ      reflect.Type
	Bindings []Binding
}

func (m *MemberInit) Type() reflect.Type { return m.Typ }

// Lookup returns the index of the binding for field, or -1.
func (m *MemberInit) Lookup(field string) int {
	for i := range m.Bindings {
		if m.Bindings[i].Field == field {
			return i
		}
	}
	return -1
}

// WithBinding returns a copy of m with binding i replaced by x.
func (m *MemberInit) WithBinding(i int, x Node) *MemberInit {
	out := &MemberInit{Typ: m.Typ, Bindings: make([]Binding, len(m.Bindings))}
	copy(out.Bindings, m.Bindings)
	out.Bindings[i].X = x
	return out
}

func (m *MemberInit) text(dst *strings.Builder) {
	dst.WriteString("new ")
	dst.WriteString(Deref(m.Typ).Name())
	dst.WriteByte('{')
	for i := range m.Bindings {
		if i > 0 {
			dst.WriteString(", ")
		}
		dst.WriteString(m.Bindings[i].Field)
		dst.WriteString(" = ")
		m.Bindings[i].X.text(dst)
	}
	dst.WriteByte('}')
}

func (m *MemberInit) walk(v Visitor) {
	for i := range m.Bindings {
		Walk(v, m.Bindings[i].X)
	}
}

func (m *MemberInit) rewrite(r Rewriter) Node {
	var out *MemberInit
	for i := range m.Bindings {
		x := Rewrite(r, m.Bindings[i].X)
		if x == m.Bindings[i].X {
			continue
		}
		if out == nil {
			out = m.WithBinding(i, x)
		} else {
			out.Bindings[i].X = x
		}
	}
	if out == nil {
		return m
	}
	return out
}

func (m *MemberInit) String() string { return String(m) }
