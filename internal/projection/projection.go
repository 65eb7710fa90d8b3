// Package projection applies the nested $filter, $orderby, $top and $skip of
// expanded collections to a projection lambda.
//
// A projection built for an expansion request binds every expanded collection to a
// Select call tagged with the destination member path. The visitors in this package
// locate those calls and wrap them: a filter becomes Where(select, predicate) and an
// ordering becomes OrderBy/ThenBy/Skip/Take around the (filtered) select.
//
// Two strategies are provided. The sequential updaters walk the projection from the
// root along a single expansion path and require that only the last path carries a
// clause. UpdateTagged locates every tagged select directly and accepts any number of
// paths with options.
package projection

import (
	"fmt"

	"github.com/nlstn/go-odatamap/internal/expansion"
	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
	"github.com/nlstn/go-odatamap/internal/translate"
)

// Updater rewrites a projection for a list of expansion paths.
type Updater interface {
	Update(projection *expr.Lambda, paths []expansion.Path) (*expr.Lambda, error)
}

type concern int

const (
	filterConcern concern = iota
	queryConcern
)

func (c concern) String() string {
	if c == filterConcern {
		return "filter"
	}
	return "query"
}

func (c concern) carries(d *expansion.Descriptor) bool {
	if c == filterConcern {
		return d.HasFilter()
	}
	return d.HasQuery()
}

type sequential struct {
	concern concern
	mode    translate.NullPropagation
}

// NewFilterUpdater returns the sequential visitor that applies the $filter of the
// last expansion path.
func NewFilterUpdater(mode translate.NullPropagation) Updater {
	return &sequential{concern: filterConcern, mode: mode}
}

// NewOrderByUpdater returns the sequential visitor that applies the $orderby, $top
// and $skip of the last expansion path.
func NewOrderByUpdater(mode translate.NullPropagation) Updater {
	return &sequential{concern: queryConcern, mode: mode}
}

// Update walks every path through the projection. Paths before the last are only
// located; the last path must carry the clause handled by the updater.
func (u *sequential) Update(projection *expr.Lambda, paths []expansion.Path) (*expr.Lambda, error) {
	if len(paths) == 0 {
		return projection, nil
	}
	init, ok := projection.Body.(*expr.MemberInit)
	if !ok {
		return nil, queryerrors.NotTranslatable("projection body %s is not a member initializer", expr.String(projection.Body))
	}

	last := len(paths) - 1
	for _, p := range paths[:last] {
		if u.concern.carries(p.Terminal()) {
			return nil, &queryerrors.ExpansionPathConflictError{
				Path:   p.Tag(),
				Reason: fmt.Sprintf("only the last expansion may carry a %s clause", u.concern),
			}
		}
		if _, err := u.visit(init, p, 0, false); err != nil {
			return nil, err
		}
	}
	p := paths[last]
	if !u.concern.carries(p.Terminal()) {
		return nil, &queryerrors.ExpansionPathConflictError{
			Path:   p.Tag(),
			Reason: fmt.Sprintf("last expansion must carry a %s clause", u.concern),
		}
	}
	body, err := u.visit(init, p, 0, true)
	if err != nil {
		return nil, err
	}
	return expr.NewLambda(body, projection.Params...), nil
}

// visit descends into the binding of p[i] and, at the terminal, applies the clause
// when apply is set.
func (u *sequential) visit(init *expr.MemberInit, p expansion.Path, i int, apply bool) (*expr.MemberInit, error) {
	d := p[i]
	idx := init.Lookup(d.Member)
	if idx < 0 {
		return nil, &queryerrors.ExpansionPathConflictError{
			Path:   p[:i+1].Tag(),
			Reason: "member is not bound by the projection",
		}
	}
	x := init.Bindings[idx].X
	if expr.Deref(x.Type()) != expr.Deref(d.MemberType) {
		return nil, &queryerrors.ExpansionPathConflictError{
			Path:   p[:i+1].Tag(),
			Reason: fmt.Sprintf("projection binds %s, expected %s", x.Type(), d.MemberType),
		}
	}

	var nx expr.Node
	var err error
	switch {
	case i < len(p)-1:
		nx, err = u.descend(x, p, i, apply)
	case apply:
		nx, err = applyClause(x, p, u.concern, u.mode)
	default:
		if d.Collection() && expr.FindTagged(x, p.Tag()) == nil {
			return nil, untagged(p)
		}
		return init, nil
	}
	if err != nil {
		return nil, err
	}
	if nx == x {
		return init, nil
	}
	return init.WithBinding(idx, nx), nil
}

func (u *sequential) descend(x expr.Node, p expansion.Path, i int, apply bool) (expr.Node, error) {
	d := p[i]
	if d.Collection() {
		prefix := p[:i+1]
		call := expr.FindTagged(x, prefix.Tag())
		if call == nil {
			return nil, untagged(prefix)
		}
		lam := call.Lambda()
		body, ok := lam.Body.(*expr.MemberInit)
		if !ok {
			return nil, untagged(prefix)
		}
		nb, err := u.visit(body, p, i+1, apply)
		if err != nil {
			return nil, err
		}
		if nb == body {
			return x, nil
		}
		return expr.Substitute(x, call, expr.NewSelect(call.Source(), expr.NewLambda(nb, lam.Params...), call.Tag)), nil
	}

	elem := d.ElementType()
	inits := expr.Find(x, func(n expr.Node) bool {
		m, ok := n.(*expr.MemberInit)
		return ok && expr.Deref(m.Typ) == elem
	})
	if len(inits) == 0 {
		return nil, &queryerrors.ExpansionPathConflictError{
			Path:   p[:i+1].Tag(),
			Reason: "projection does not initialize the member",
		}
	}
	nested := inits[0].(*expr.MemberInit)
	nb, err := u.visit(nested, p, i+1, apply)
	if err != nil {
		return nil, err
	}
	if nb == nested {
		return x, nil
	}
	return expr.Substitute(x, nested, nb), nil
}

// UpdateTagged applies the clauses of every path in a single pass, locating each
// expanded collection by its tag. Filters are applied before orderings so that
// $top and $skip page the filtered sequence.
func UpdateTagged(projection *expr.Lambda, paths []expansion.Path, mode translate.NullPropagation) (*expr.Lambda, error) {
	var body expr.Node = projection.Body
	var err error
	for _, p := range paths {
		d := p.Terminal()
		if d == nil || !d.HasOptions() {
			continue
		}
		if d.HasFilter() {
			if body, err = applyClause(body, p, filterConcern, mode); err != nil {
				return nil, err
			}
		}
		if d.HasQuery() {
			if body, err = applyClause(body, p, queryConcern, mode); err != nil {
				return nil, err
			}
		}
	}
	if body == projection.Body {
		return projection, nil
	}
	return expr.NewLambda(body, projection.Params...), nil
}

// applyClause wraps the select tagged with p inside x.
func applyClause(x expr.Node, p expansion.Path, c concern, mode translate.NullPropagation) (expr.Node, error) {
	call := expr.FindTagged(x, p.Tag())
	if call == nil {
		return nil, untagged(p)
	}
	d := p.Terminal()
	switch c {
	case filterConcern:
		pred, err := translate.BindFilter(d.Filter, d.ElementType())
		if err != nil {
			return nil, err
		}
		return expr.Substitute(x, call, expr.NewCall(expr.MethodWhere, call, guard(pred, mode))), nil
	default:
		ordering, err := translate.BindOrdering(d.OrderBy, d.Skip, d.Top, d.ElementType())
		if err != nil {
			return nil, err
		}
		for i, k := range ordering.Keys {
			ordering.Keys[i].Key = guard(k.Key, mode)
		}
		target := filtered(x, call)
		return expr.Substitute(x, target, ordering.Wrap(target)), nil
	}
}

// filtered returns the outermost Where applied to call, or call itself.
func filtered(root expr.Node, call *expr.Call) expr.Node {
	var target expr.Node = call
	for {
		found := expr.Find(root, func(n expr.Node) bool {
			c, ok := n.(*expr.Call)
			return ok && c.Method == expr.MethodWhere && c.Args[0] == target
		})
		if len(found) == 0 {
			return target
		}
		target = found[0]
	}
}

func guard(l *expr.Lambda, mode translate.NullPropagation) *expr.Lambda {
	if !mode.Enabled() {
		return l
	}
	return expr.NewLambda(expr.PropagateNulls(l.Body), l.Params...)
}

func untagged(p expansion.Path) error {
	return &queryerrors.ExpansionPathConflictError{
		Path:   p.Tag(),
		Reason: "projection has no expanded collection for the path",
	}
}
