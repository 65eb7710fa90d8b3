package expr

import (
	"reflect"
	"strings"
)

// Method identifies the operation performed by a Call.
type Method int

const (
	// sequence operators; Args[0] is the sequence
	MethodWhere Method = iota
	MethodSelect
	MethodOrderBy
	MethodOrderByDescending
	MethodThenBy
	MethodThenByDescending
	MethodSkip
	MethodTake
	MethodCount
	MethodAny
	MethodAll
	// MethodIn tests Args[0] for membership in the constant list Args[1].
	MethodIn

	// string functions
	MethodContains
	MethodStartsWith
	MethodEndsWith
	MethodToLower
	MethodToUpper
	MethodLength
	MethodTrim
	MethodIndexOf
	MethodConcat
	MethodSubstring
)

var methodNames = [...]string{
	MethodWhere:             "Where",
	MethodSelect:            "Select",
	MethodOrderBy:           "OrderBy",
	MethodOrderByDescending: "OrderByDescending",
	MethodThenBy:            "ThenBy",
	MethodThenByDescending:  "ThenByDescending",
	MethodSkip:              "Skip",
	MethodTake:              "Take",
	MethodCount:             "Count",
	MethodAny:               "Any",
	MethodAll:               "All",
	MethodIn:                "In",
	MethodContains:          "Contains",
	MethodStartsWith:        "StartsWith",
	MethodEndsWith:          "EndsWith",
	MethodToLower:           "ToLower",
	MethodToUpper:           "ToUpper",
	MethodLength:            "Length",
	MethodTrim:              "Trim",
	MethodIndexOf:           "IndexOf",
	MethodConcat:            "Concat",
	MethodSubstring:         "Substring",
}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return "Method?"
}

// Sequence reports whether the method operates on a slice.
func (m Method) Sequence() bool { return m <= MethodAll }

// Ordering reports whether the method is one of the OrderBy/ThenBy variants.
func (m Method) Ordering() bool { return m >= MethodOrderBy && m <= MethodThenByDescending }

// Descending reports whether an ordering method sorts in descending order.
func (m Method) Descending() bool {
	return m == MethodOrderByDescending || m == MethodThenByDescending
}

var (
	boolType   = reflect.TypeOf(false)
	intType    = reflect.TypeOf(0)
	int64Type  = reflect.TypeOf(int64(0))
	stringType = reflect.TypeOf("")
)

// Call applies a Method to its arguments.
//
// Select calls produced by a projection carry a Tag naming the destination member
// path they populate, for example "Category/Products". Passes locate branches by
// Tag rather than by comparing expression text.
type Call struct {
	Method Method
	Args   []Node
	Typ    reflect.Type
	Tag    string
}

// NewCall returns a call of m and derives the result type from the arguments.
func NewCall(m Method, args ...Node) *Call {
	return &Call{Method: m, Args: args, Typ: resultType(m, args)}
}

// NewSelect returns a tagged Select of sel over src.
func NewSelect(src Node, sel *Lambda, tag string) *Call {
	c := NewCall(MethodSelect, src, sel)
	c.Tag = tag
	return c
}

func resultType(m Method, args []Node) reflect.Type {
	switch m {
	case MethodSelect:
		return reflect.SliceOf(args[1].(*Lambda).Body.Type())
	case MethodCount:
		return int64Type
	case MethodAny, MethodAll, MethodIn, MethodContains, MethodStartsWith, MethodEndsWith:
		return boolType
	case MethodLength, MethodIndexOf:
		return intType
	case MethodToLower, MethodToUpper, MethodTrim, MethodConcat, MethodSubstring:
		return stringType
	}
	return args[0].Type()
}

// Source returns the sequence a sequence operator applies to.
func (c *Call) Source() Node { return c.Args[0] }

// Lambda returns the lambda argument of the call, if any.
func (c *Call) Lambda() *Lambda {
	for _, a := range c.Args[1:] {
		if l, ok := a.(*Lambda); ok {
			return l
		}
	}
	return nil
}

func (c *Call) Type() reflect.Type { return c.Typ }

func (c *Call) text(dst *strings.Builder) {
	if c.Method.Sequence() {
		c.Args[0].text(dst)
		dst.WriteByte('.')
		dst.WriteString(c.Method.String())
		dst.WriteByte('(')
		for i, a := range c.Args[1:] {
			if i > 0 {
				dst.WriteString(", ")
			}
			a.text(dst)
		}
		dst.WriteByte(')')
		return
	}
	dst.WriteString(c.Method.String())
	dst.WriteByte('(')
	for i, a := range c.Args {
		if i > 0 {
			dst.WriteString(", ")
		}
		a.text(dst)
	}
	dst.WriteByte(')')
}

func (c *Call) walk(v Visitor) {
	for _, a := range c.Args {
		Walk(v, a)
	}
}

func (c *Call) rewrite(r Rewriter) Node {
	var args []Node
	for i, a := range c.Args {
		x := Rewrite(r, a)
		if x == a {
			continue
		}
		if args == nil {
			args = make([]Node, len(c.Args))
			copy(args, c.Args)
		}
		args[i] = x
	}
	if args == nil {
		return c
	}
	return &Call{Method: c.Method, Args: args, Typ: resultType(c.Method, args), Tag: c.Tag}
}

func (c *Call) String() string { return String(c) }
