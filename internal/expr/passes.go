package expr

import "reflect"

type replacer struct {
	from *Parameter
	to   Node
}

func (r *replacer) Walk(Node) Rewriter { return r }

func (r *replacer) Rewrite(n Node) Node {
	if n == Node(r.from) {
		return r.to
	}
	return n
}

// Replace substitutes every occurrence of parameter from with to.
func Replace(n Node, from *Parameter, to Node) Node {
	return Rewrite(&replacer{from: from, to: to}, n)
}

type copier struct{}

func (copier) Walk(Node) Rewriter { return copier{} }

func (copier) Rewrite(n Node) Node {
	switch t := n.(type) {
	case *Member:
		return &Member{X: t.X, Field: t.Field, Typ: t.Typ}
	case *Binary:
		return &Binary{Op: t.Op, Left: t.Left, Right: t.Right, Typ: t.Typ}
	case *Unary:
		return &Unary{Op: t.Op, X: t.X, Typ: t.Typ}
	case *Call:
		args := make([]Node, len(t.Args))
		copy(args, t.Args)
		return &Call{Method: t.Method, Args: args, Typ: t.Typ, Tag: t.Tag}
	case *Lambda:
		params := make([]*Parameter, len(t.Params))
		copy(params, t.Params)
		return &Lambda{Params: params, Body: t.Body}
	case *Conditional:
		return &Conditional{Test: t.Test, IfTrue: t.IfTrue, IfFalse: t.IfFalse, Typ: t.Typ}
	case *MemberInit:
		out := &MemberInit{Typ: t.Typ, Bindings: make([]Binding, len(t.Bindings))}
		copy(out.Bindings, t.Bindings)
		return out
	case *Constant:
		return &Constant{Value: t.Value, Typ: t.Typ}
	}
	// parameters keep their identity
	return n
}

// Copy returns a deep copy of n. Parameters are shared with the original.
func Copy(n Node) Node {
	return Rewrite(copier{}, n)
}

type finder struct {
	match func(Node) bool
	out   []Node
}

func (f *finder) Visit(n Node) Visitor {
	if n == nil {
		return nil
	}
	if f.match(n) {
		f.out = append(f.out, n)
	}
	return f
}

// Find returns every node of n for which match returns true, in depth-first order.
func Find(n Node, match func(Node) bool) []Node {
	f := &finder{match: match}
	Walk(f, n)
	return f.out
}

// FindTagged returns the Select call with the given tag, or nil.
func FindTagged(n Node, tag string) *Call {
	found := Find(n, func(x Node) bool {
		c, ok := x.(*Call)
		return ok && c.Method == MethodSelect && c.Tag == tag
	})
	if len(found) == 0 {
		return nil
	}
	return found[0].(*Call)
}

type substitution struct {
	target, with Node
}

func (s *substitution) Walk(n Node) Rewriter {
	if n == s.target {
		return nil
	}
	return s
}

func (s *substitution) Rewrite(n Node) Node {
	if n == s.target {
		return s.with
	}
	return n
}

// Substitute replaces the node target (compared by identity) with with.
func Substitute(root, target, with Node) Node {
	return Rewrite(&substitution{target: target, with: with}, root)
}

type nullPropagator struct{}

func (p nullPropagator) Walk(n Node) Rewriter {
	if _, ok := n.(*Member); ok {
		return nil
	}
	return p
}

func (p nullPropagator) Rewrite(n Node) Node {
	switch t := n.(type) {
	case *Member:
		root, path := MemberPath(t)
		root = Rewrite(p, root)
		return guardChain(root, root, path)
	case *Unary:
		if t.Op == OpConvert && Nullable(t.X.Type()) && !Nullable(t.Typ) {
			if _, guarded := t.X.(*Conditional); guarded {
				return &Unary{Op: OpConvert, X: t.X, Typ: reflect.PointerTo(t.Typ)}
			}
		}
	}
	return n
}

func guardChain(root, cur Node, path []string) Node {
	if len(path) == 0 {
		return cur
	}
	m, err := Field(cur, path[0])
	if err != nil {
		// the chain was type checked when it was built
		panic(err)
	}
	next := guardChain(root, m, path[1:])
	if cur == root || !Nullable(cur.Type()) {
		return next
	}
	return NullGuard(cur, next)
}

// PropagateNulls guards every member access through a nullable intermediate value
// so that a null navigation yields null instead of failing. Roots of member chains
// are assumed to be non-null.
func PropagateNulls(n Node) Node {
	return Rewrite(nullPropagator{}, n)
}
