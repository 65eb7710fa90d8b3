package translate

import (
	"reflect"

	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/mapping"
	"github.com/nlstn/go-odatamap/internal/query"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
	"github.com/nlstn/go-odatamap/internal/source"
)

// OrderKey is one $orderby item bound to a key selector.
type OrderKey struct {
	Key        *expr.Lambda
	Descending bool
}

// Ordering is a bound $orderby, $skip and $top clause.
type Ordering struct {
	Keys []OrderKey
	Skip *int
	Top  *int
}

// Empty reports whether the ordering has no effect.
func (o *Ordering) Empty() bool {
	return o == nil || (len(o.Keys) == 0 && o.Skip == nil && o.Top == nil)
}

// BindOrdering binds items, skip and top over elemType.
func BindOrdering(items []query.OrderByItem, skip, top *int, elemType reflect.Type) (*Ordering, error) {
	if skip != nil && *skip < 0 {
		return nil, queryerrors.InvalidQueryOption("$skip must be a non-negative integer")
	}
	if top != nil && *top < 0 {
		return nil, queryerrors.InvalidQueryOption("$top must be a non-negative integer")
	}
	o := &Ordering{Skip: skip, Top: top}
	for _, item := range items {
		segments := query.SplitPath(item.Property)
		if len(segments) == 0 {
			return nil, queryerrors.InvalidQueryOption("$orderby contains an empty property")
		}
		param := expr.NewParameter(RootVariable, expr.Deref(elemType))
		key, err := memberPath(param, segments)
		if err != nil {
			return nil, err
		}
		if expr.IsStructured(key.Type()) || expr.IsCollection(key.Type()) {
			return nil, queryerrors.InvalidQueryOption("cannot order by %s of type %s", item.Property, key.Type())
		}
		o.Keys = append(o.Keys, OrderKey{Key: expr.NewLambda(key, param), Descending: item.Descending})
	}
	return o, nil
}

// TranslateOrdering binds items over destType and rewrites the key selectors over
// sourceType.
func TranslateOrdering(items []query.OrderByItem, skip, top *int, sourceType, destType reflect.Type, resolver mapping.Resolver, mode NullPropagation) (*Ordering, error) {
	o, err := BindOrdering(items, skip, top, destType)
	if err != nil {
		return nil, err
	}
	for i, k := range o.Keys {
		key, err := Rebind(k.Key, sourceType, resolver, mode)
		if err != nil {
			return nil, err
		}
		o.Keys[i].Key = key
	}
	return o, nil
}

// Apply orders q by the first key, breaks ties with the remaining keys, then skips
// and takes.
func (o *Ordering) Apply(q source.Queryable) (source.Queryable, error) {
	if o == nil {
		return q, nil
	}
	var err error
	for i, k := range o.Keys {
		if i == 0 {
			q, err = q.OrderBy(k.Key, k.Descending)
		} else {
			q, err = q.ThenBy(k.Key, k.Descending)
		}
		if err != nil {
			return nil, err
		}
	}
	if o.Skip != nil {
		q = q.Skip(*o.Skip)
	}
	if o.Top != nil {
		q = q.Take(*o.Top)
	}
	return q, nil
}

// Wrap applies the ordering to the sequence expression seq.
func (o *Ordering) Wrap(seq expr.Node) expr.Node {
	if o == nil {
		return seq
	}
	for i, k := range o.Keys {
		seq = expr.NewCall(orderMethod(i == 0, k.Descending), seq, k.Key)
	}
	if o.Skip != nil {
		seq = expr.NewCall(expr.MethodSkip, seq, expr.NewConstant(*o.Skip))
	}
	if o.Top != nil {
		seq = expr.NewCall(expr.MethodTake, seq, expr.NewConstant(*o.Top))
	}
	return seq
}

func orderMethod(first, descending bool) expr.Method {
	switch {
	case first && descending:
		return expr.MethodOrderByDescending
	case first:
		return expr.MethodOrderBy
	case descending:
		return expr.MethodThenByDescending
	}
	return expr.MethodThenBy
}
