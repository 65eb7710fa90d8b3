package mapping

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
)

// Request lists the destination members a projection populates. An empty Select
// populates every literal and complex member. Navigation members are populated only
// when they appear in Expand.
type Request struct {
	Select []string
	Expand []*ExpandRequest
}

// ExpandRequest populates a navigation member with the members of Request.
type ExpandRequest struct {
	Member  string
	Request *Request
}

func (r *Request) expansion(member string) (*ExpandRequest, bool) {
	if r == nil {
		return nil, false
	}
	for _, e := range r.Expand {
		if e.Member == member {
			return e, true
		}
	}
	return nil, false
}

func (r *Request) selects(member string) bool {
	if r == nil || len(r.Select) == 0 {
		return true
	}
	for _, s := range r.Select {
		if s == member || s == "*" {
			return true
		}
	}
	return false
}

// Projection returns the lambda src => new Dest{...} that builds a destination value
// from a source value.
//
// A collection member expanded by req is bound to src.Coll.Select(x => new Elem{...})
// and the Select call is tagged with the destination member path, for example
// "Category/Products". A single-valued navigation or complex member is bound to a
// nested initializer guarded against a null source. Scalar members are read through
// null-propagating member chains.
func (c *Configuration) Projection(sourceType, destType reflect.Type, req *Request, params map[string]interface{}) (*expr.Lambda, error) {
	root := expr.NewParameter("src", expr.Deref(sourceType))
	p := &projector{config: c, params: params}
	body, err := p.build(root, expr.Deref(sourceType), destType, req, "", 0)
	if err != nil {
		return nil, err
	}
	lambda := expr.NewLambda(body, root)
	c.logger.Debug("Built projection", "source", sourceType.String(), "destination", destType.String(), "projection", expr.String(lambda))
	return lambda, nil
}

type projector struct {
	config *Configuration
	params map[string]interface{}
}

func (p *projector) build(src expr.Node, srcType, destType reflect.Type, req *Request, tag string, depth int) (*expr.MemberInit, error) {
	tm, err := p.config.typeMap(srcType, destType)
	if err != nil {
		return nil, err
	}
	if req != nil {
		if err := p.checkRequest(tm, req); err != nil {
			return nil, err
		}
	}

	init := &expr.MemberInit{Typ: destType}
	for i := 0; i < tm.Destination.NumField(); i++ {
		f := tm.Destination.Field(i)
		if !f.IsExported() {
			continue
		}
		x, ok, err := p.binding(src, srcType, tm, f, req, joinTag(tag, f.Name), depth)
		if err != nil {
			return nil, err
		}
		if ok {
			init.Bindings = append(init.Bindings, expr.Binding{Field: f.Name, X: x})
		}
	}
	return init, nil
}

func (p *projector) checkRequest(tm *TypeMap, req *Request) error {
	for _, name := range req.Select {
		if name == "*" {
			continue
		}
		if _, ok := tm.destField(name); !ok {
			return &queryerrors.UnmappedMemberError{Type: tm.Destination, Member: name, Reason: "selected member does not exist"}
		}
	}
	for _, e := range req.Expand {
		if _, ok := tm.destField(e.Member); !ok {
			return &queryerrors.UnmappedMemberError{Type: tm.Destination, Member: e.Member, Reason: "expanded member does not exist"}
		}
	}
	return nil
}

// binding returns the expression bound to destination member f, or ok == false when
// the member is left at its zero value.
func (p *projector) binding(src expr.Node, srcType reflect.Type, tm *TypeMap, f reflect.StructField, req *Request, tag string, depth int) (expr.Node, bool, error) {
	expand, expanded := req.expansion(f.Name)
	kind, err := p.config.Classify(srcType, tm.Destination, f.Name)
	if err != nil {
		return nil, false, err
	}
	switch {
	case expanded:
	case kind == metadata.KindNavigation:
		return nil, false, nil
	case !req.selects(f.Name):
		return nil, false, nil
	}

	mm, err := tm.Member(f.Name)
	if err != nil {
		return nil, false, err
	}
	if mm.Ignored {
		return nil, false, nil
	}
	if mm.Parameter != "" {
		x, err := p.parameter(mm, f)
		return x, err == nil, err
	}

	source, err := chain(src, mm.SourcePath)
	if err != nil {
		return nil, false, err
	}

	var nested *Request
	if expand != nil {
		nested = expand.Request
	}
	switch {
	case expr.IsCollection(f.Type):
		x, err := p.collection(source, f, nested, tag, depth)
		return x, err == nil, err
	case expr.IsStructured(f.Type):
		x, err := p.single(source, f, nested, tag, depth)
		return x, err == nil, err
	}

	// a guarded chain reads as *T; converting it back to T yields the zero value for null
	x, err := expr.Convert(expr.PropagateNulls(source), f.Type)
	if err != nil {
		return nil, false, &queryerrors.TypeMismatchError{Member: f.Name, From: source.Type(), To: f.Type}
	}
	return x, true, nil
}

func (p *projector) parameter(mm *MemberMap, f reflect.StructField) (expr.Node, error) {
	v, ok := p.params[mm.Parameter]
	if !ok || v == nil {
		return &expr.Constant{Value: reflect.Zero(f.Type).Interface(), Typ: f.Type}, nil
	}
	rv, err := expr.ConvertValue(reflect.ValueOf(v), f.Type)
	if err != nil {
		return nil, fmt.Errorf("projection parameter %s for member %s: %w", mm.Parameter, f.Name, err)
	}
	return &expr.Constant{Value: rv.Interface(), Typ: f.Type}, nil
}

func (p *projector) collection(source expr.Node, f reflect.StructField, req *Request, tag string, depth int) (expr.Node, error) {
	if !expr.IsCollection(source.Type()) {
		return nil, &queryerrors.TypeMismatchError{Member: f.Name, From: source.Type(), To: f.Type}
	}
	srcElem := expr.ElementType(source.Type())
	destElem := expr.ElementType(f.Type)
	param := expr.NewParameter("src"+strconv.Itoa(depth+1), srcElem)
	body, err := p.build(param, expr.Deref(srcElem), destElem, req, tag, depth+1)
	if err != nil {
		return nil, err
	}
	return expr.NewSelect(expr.PropagateNulls(source), expr.NewLambda(body, param), tag), nil
}

func (p *projector) single(source expr.Node, f reflect.StructField, req *Request, tag string, depth int) (expr.Node, error) {
	if !expr.IsStructured(source.Type()) || expr.IsCollection(source.Type()) {
		return nil, &queryerrors.TypeMismatchError{Member: f.Name, From: source.Type(), To: f.Type}
	}
	guarded := expr.PropagateNulls(source)
	init, err := p.build(guarded, expr.Deref(source.Type()), f.Type, req, tag, depth)
	if err != nil {
		return nil, err
	}
	if !expr.Nullable(guarded.Type()) {
		return init, nil
	}
	return expr.NullGuard(guarded, init), nil
}

func joinTag(prefix, member string) string {
	if prefix == "" {
		return member
	}
	return prefix + "/" + member
}
