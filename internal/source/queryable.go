// Package source provides the queryable data sources that translated queries run
// against: a GORM-backed source that lowers predicates to SQL and an in-memory
// source over a slice.
package source

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/scope"
)

// Queryable is an immutable, composable query over elements of ElementType.
// Every operator returns a new Queryable; the receiver is left unchanged.
type Queryable interface {
	ElementType() reflect.Type
	// Where keeps the elements for which predicate, a lambda over ElementType, is true.
	Where(predicate *expr.Lambda) (Queryable, error)
	// OrderBy sorts by key, discarding any previous ordering.
	OrderBy(key *expr.Lambda, descending bool) (Queryable, error)
	// ThenBy breaks ties of the current ordering by key.
	ThenBy(key *expr.Lambda, descending bool) (Queryable, error)
	Skip(n int) Queryable
	Take(n int) Queryable
	// Include loads the navigation members named by dotted source paths such as
	// "Builder.City" together with the root elements.
	Include(paths ...string) (Queryable, error)
	// ToList materializes the query into a slice of ElementType.
	ToList(ctx context.Context) (reflect.Value, error)
	// LongCount returns the number of elements of the query.
	LongCount(ctx context.Context) (int64, error)
}

// Scoper is implemented by queryables that accept raw SQL conditions, such as the
// scopes returned by read hooks.
type Scoper interface {
	Scope(scopes ...scope.QueryScope) (Queryable, error)
}

// ApplyScopes restricts q by scopes. Queryables that cannot evaluate SQL reject a
// non-empty scope list.
func ApplyScopes(q Queryable, scopes []scope.QueryScope) (Queryable, error) {
	if len(scopes) == 0 {
		return q, nil
	}
	s, ok := q.(Scoper)
	if !ok {
		return nil, fmt.Errorf("%s source does not support query scopes", q.ElementType().Name())
	}
	return s.Scope(scopes...)
}

// Includes returns the dotted source navigation paths that must be loaded for the
// member chains of l to be evaluated in memory. Chains inside nested sequence
// lambdas are prefixed by the collection they iterate.
func Includes(l *expr.Lambda, registry *metadata.Registry) []string {
	if registry == nil {
		registry = metadata.Default()
	}
	c := &includeCollector{
		registry: registry,
		prefixes: map[*expr.Parameter][]string{l.Param(): nil},
		paths:    make(map[string]struct{}),
	}
	expr.Walk(c, l)

	out := make([]string, 0, len(c.paths))
	for p := range c.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type includeCollector struct {
	registry *metadata.Registry
	prefixes map[*expr.Parameter][]string
	paths    map[string]struct{}
}

func (c *includeCollector) Visit(n expr.Node) expr.Visitor {
	switch t := n.(type) {
	case *expr.Call:
		if lam := t.Lambda(); lam != nil && len(t.Args) > 0 {
			if prefix, ok := c.chain(t.Args[0]); ok {
				c.prefixes[lam.Param()] = prefix
			}
		}
	case *expr.Member:
		c.chain(t)
	}
	return c
}

// chain records the navigations along a member chain rooted at a known parameter
// and returns the full source path of the chain.
func (c *includeCollector) chain(n expr.Node) ([]string, bool) {
	// look through null guards and sequence operators to the underlying chain
	for {
		switch t := n.(type) {
		case *expr.Conditional:
			if v, ok := expr.GuardedValue(t); ok {
				n = v
				continue
			}
		case *expr.Call:
			if t.Method.Sequence() && len(t.Args) > 0 {
				n = t.Args[0]
				continue
			}
		}
		break
	}
	root, path := expr.MemberPath(n)
	p, ok := root.(*expr.Parameter)
	if !ok {
		return nil, false
	}
	prefix, ok := c.prefixes[p]
	if !ok {
		return nil, false
	}

	owner := p.Type()
	full := append(append([]string{}, prefix...), path...)
	for i, name := range path {
		kind, err := c.registry.Classify(owner, name)
		if err != nil {
			break
		}
		if kind == metadata.KindNavigation {
			c.paths[strings.Join(full[:len(prefix)+i+1], ".")] = struct{}{}
		}
		f, ok := expr.Deref(owner).FieldByName(name)
		if !ok {
			break
		}
		owner = f.Type
		if elem := expr.ElementType(owner); elem != nil && expr.IsCollection(owner) {
			owner = elem
		}
	}
	return full, true
}
