package mapping

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
)

// CountSegment is the path segment that counts a collection member.
const CountSegment = "$count"

// Resolver resolves destination member paths into source expression chains.
type Resolver interface {
	// Resolve returns the source chain, rooted at root, that corresponds to the
	// destination member path. root must have type sourceType.
	Resolve(root expr.Node, sourceType, destType reflect.Type, path []string) (expr.Node, error)
}

// Classifier classifies destination members as literal, complex or navigation.
type Classifier interface {
	Classify(sourceType, destType reflect.Type, member string) (metadata.PropertyKind, error)
}

// Provider is the mapping configuration consumed by query translation.
type Provider interface {
	Resolver
	Classifier
	// Projection returns src => new Dest{...} for the members requested by req.
	Projection(sourceType, destType reflect.Type, req *Request, params map[string]interface{}) (*expr.Lambda, error)
}

var _ Provider = (*Configuration)(nil)

// Resolve walks path over the destination type, replacing each member by its source
// correspondence. A scalar leaf is converted to the destination member type; a
// structured or collection leaf is returned as the raw source chain. A trailing
// $count segment counts the preceding collection.
func (c *Configuration) Resolve(root expr.Node, sourceType, destType reflect.Type, path []string) (expr.Node, error) {
	count := len(path) > 0 && path[len(path)-1] == CountSegment
	if count {
		path = path[:len(path)-1]
	}
	if len(path) == 0 {
		return nil, &queryerrors.UnmappedMemberError{Type: destType, Reason: "empty member path"}
	}

	cur := root
	src, dest := sourceType, destType
	for i, name := range path {
		tm, err := c.typeMap(src, dest)
		if err != nil {
			return nil, err
		}
		f, ok := tm.destField(name)
		if !ok {
			return nil, &queryerrors.UnmappedMemberError{Type: tm.Destination, Member: name}
		}
		mm, err := tm.Member(name)
		if err != nil {
			return nil, err
		}
		switch {
		case mm.Ignored:
			return nil, &queryerrors.UnmappedMemberError{Type: tm.Destination, Member: name, Reason: "member is ignored"}
		case mm.Parameter != "":
			return nil, &queryerrors.UnmappedMemberError{Type: tm.Destination, Member: name, Reason: "member is bound to projection parameter " + mm.Parameter}
		}

		next, err := chain(cur, mm.SourcePath)
		if err != nil {
			return nil, err
		}

		if i == len(path)-1 {
			if !count {
				return c.leaf(next, f)
			}
			if !expr.IsCollection(f.Type) || !expr.IsCollection(next.Type()) {
				return nil, &queryerrors.UnmappedMemberError{Type: tm.Destination, Member: name, Reason: "$count must follow a collection member"}
			}
			return expr.NewCall(expr.MethodCount, next), nil
		}

		if expr.IsCollection(f.Type) {
			return nil, &queryerrors.UnmappedMemberError{
				Type:   tm.Destination,
				Member: strings.Join(path[i+1:], "/"),
				Reason: fmt.Sprintf("collection member %s must end the path", name),
			}
		}
		if !expr.IsStructured(f.Type) || !expr.IsStructured(next.Type()) {
			return nil, &queryerrors.UnmappedMemberError{Type: tm.Destination, Member: path[i+1], Reason: name + " is not structured"}
		}
		cur = next
		src, dest = next.Type(), f.Type
	}
	return cur, nil
}

func (c *Configuration) leaf(src expr.Node, f reflect.StructField) (expr.Node, error) {
	if expr.IsCollection(f.Type) || expr.IsStructured(f.Type) {
		if err := c.checkNested(src.Type(), f.Type, f.Name); err != nil {
			return nil, err
		}
		return src, nil
	}
	out, err := expr.Convert(src, f.Type)
	if err != nil {
		var mismatch *queryerrors.TypeMismatchError
		if errors.As(err, &mismatch) {
			return nil, &queryerrors.TypeMismatchError{Member: f.Name, From: mismatch.From, To: mismatch.To}
		}
		return nil, err
	}
	return out, nil
}

// chain builds root.P1.P2... for a source member path.
func chain(root expr.Node, path []string) (expr.Node, error) {
	cur := root
	for _, name := range path {
		m, err := expr.Field(cur, name)
		if err != nil {
			return nil, err
		}
		cur = m
	}
	return cur, nil
}

// SourcePath returns the source member path that a destination member path
// corresponds to, e.g. ["Name"] on BuildingView -> ["LongName"] on Building.
func (c *Configuration) SourcePath(sourceType, destType reflect.Type, path []string) ([]string, error) {
	root := expr.NewParameter("src", sourceType)
	n, err := c.Resolve(root, sourceType, destType, path)
	if err != nil {
		return nil, err
	}
	if call, ok := n.(*expr.Call); ok && call.Method == expr.MethodCount {
		_, p := expr.MemberPath(call.Source())
		return append(p, CountSegment), nil
	}
	_, p := expr.MemberPath(n)
	return p, nil
}

// Classify returns the kind of the destination member. An odata tag on the
// destination field wins; otherwise collections are navigations, scalars are
// literals, and structured members take the kind of their source member.
func (c *Configuration) Classify(sourceType, destType reflect.Type, member string) (metadata.PropertyKind, error) {
	dest := expr.Deref(destType)
	f, ok := dest.FieldByName(member)
	if !ok || !f.IsExported() {
		return metadata.KindLiteral, &queryerrors.UnmappedMemberError{Type: dest, Member: member}
	}
	if kind, ok := metadata.KindFromTag(f.Tag.Get("odata")); ok {
		return kind, nil
	}
	if expr.IsCollection(f.Type) {
		return metadata.KindNavigation, nil
	}
	if !expr.IsStructured(f.Type) {
		return metadata.KindLiteral, nil
	}

	tm, err := c.typeMap(sourceType, destType)
	if err != nil {
		return metadata.KindComplex, nil
	}
	mm, err := tm.Member(member)
	if err != nil || len(mm.SourcePath) == 0 {
		return metadata.KindComplex, nil
	}
	owner, err := pathType(tm.Source, mm.SourcePath[:len(mm.SourcePath)-1])
	if err != nil {
		return metadata.KindComplex, nil
	}
	kind, err := c.registry.Classify(owner, mm.SourcePath[len(mm.SourcePath)-1])
	if err != nil {
		c.logger.Debug("Falling back to complex classification", "member", member, "error", err)
		return metadata.KindComplex, nil
	}
	return kind, nil
}
