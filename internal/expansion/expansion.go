// Package expansion flattens $expand clause trees into expansion paths.
//
// A path is the chain of expanded members from the root type to one expansion
// target, for example Builder then City for $expand=Builder($expand=City). Every
// element of a path is a Descriptor naming the destination member together with the
// nested $select, $filter, $orderby, $top and $skip given for it. Options are only
// applied at the last descriptor of a path, its terminal.
package expansion

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/mapping"
	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/query"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
)

// DefaultMaxDepth is the default limit on the number of descriptors in a path.
const DefaultMaxDepth = 10

// Descriptor is one expanded member of a path.
type Descriptor struct {
	// ParentType is the destination type declaring Member.
	ParentType reflect.Type
	Member     string
	// MemberType is the destination type of Member.
	MemberType reflect.Type
	// SourceType is the source element type the member maps to.
	SourceType reflect.Type
	// Select lists the members of MemberType to populate.
	Select  []string
	Filter  *query.FilterExpression
	OrderBy []query.OrderByItem
	Top     *int
	Skip    *int
}

// Collection reports whether the member is a collection.
func (d *Descriptor) Collection() bool { return expr.IsCollection(d.MemberType) }

// ElementType returns the destination element type of the member.
func (d *Descriptor) ElementType() reflect.Type {
	if d.Collection() {
		return expr.ElementType(d.MemberType)
	}
	return expr.Deref(d.MemberType)
}

// HasFilter reports whether the descriptor carries $filter.
func (d *Descriptor) HasFilter() bool { return d.Filter != nil }

// HasQuery reports whether the descriptor carries $orderby, $top or $skip.
func (d *Descriptor) HasQuery() bool {
	return len(d.OrderBy) > 0 || d.Top != nil || d.Skip != nil
}

// HasOptions reports whether the descriptor carries any filter or query option.
func (d *Descriptor) HasOptions() bool { return d.HasFilter() || d.HasQuery() }

// Path is the chain of descriptors from the root to an expansion target.
type Path []*Descriptor

// Terminal returns the last descriptor of the path.
func (p Path) Terminal() *Descriptor {
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1]
}

// Tag returns the destination member path of p, as used to tag projection Selects.
func (p Path) Tag() string {
	names := make([]string, len(p))
	for i, d := range p {
		names[i] = d.Member
	}
	return strings.Join(names, "/")
}

func (p Path) String() string { return p.Tag() }

// Schema resolves and classifies destination members.
type Schema interface {
	mapping.Resolver
	mapping.Classifier
}

// Config configures a Builder.
type Config struct {
	// MaxDepth limits the length of a path. Zero selects DefaultMaxDepth.
	MaxDepth int
	// Strict rejects path lists in which more than one path carries options.
	Strict bool
}

// Builder builds expansion paths for a pair of source and destination types.
type Builder struct {
	schema   Schema
	maxDepth int
	strict   bool
	logger   *slog.Logger
}

// NewBuilder returns a builder that resolves members through schema.
func NewBuilder(schema Schema, cfg Config) *Builder {
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Builder{schema: schema, maxDepth: maxDepth, strict: cfg.Strict, logger: slog.Default()}
}

// SetLogger sets the logger for the builder.
func (b *Builder) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Build returns the expansion paths of expand over destType, which maps from
// sourceType. Without expand clauses the default expansion of the selected members
// is returned: every complex member, recursively. Paths whose terminal carries
// options are ordered last.
func (b *Builder) Build(expand []query.ExpandOption, selectList []string, sourceType, destType reflect.Type) ([]Path, error) {
	sourceType, destType = expr.Deref(sourceType), expr.Deref(destType)
	var paths []Path
	var err error
	if len(expand) == 0 {
		paths, err = b.defaults(nil, selectList, sourceType, destType)
	} else {
		paths, err = b.explicit(nil, expand, sourceType, destType)
	}
	if err != nil {
		return nil, err
	}
	paths, err = b.order(paths)
	if err != nil {
		return nil, err
	}
	tags := make([]string, len(paths))
	for i, p := range paths {
		tags[i] = p.Tag()
	}
	b.logger.Debug("Built expansion paths", "destination", destType.String(), "paths", tags)
	return paths, nil
}

func (b *Builder) explicit(prefix Path, options []query.ExpandOption, sourceType, destType reflect.Type) ([]Path, error) {
	var paths []Path
	for i := range options {
		opt := &options[i]
		d, err := b.descriptor(prefix, opt.NavigationProperty, sourceType, destType)
		if err != nil {
			return nil, err
		}
		if opt.HasOptions() && !d.Collection() {
			return nil, fmt.Errorf("%w: %s is not a collection; $filter, $orderby, $top and $skip apply to collections only",
				queryerrors.ErrInvalidExpansion, extend(prefix, d).Tag())
		}
		d.Filter = opt.Filter
		d.OrderBy = opt.OrderBy
		d.Top = opt.Top
		d.Skip = opt.Skip
		if len(opt.Select) > 0 {
			d.Select = append([]string(nil), opt.Select...)
		} else if d.Select, err = b.defaultSelect(d.SourceType, d.ElementType()); err != nil {
			return nil, err
		}

		path := extend(prefix, d)
		if len(opt.Expand) == 0 {
			paths = append(paths, path)
			continue
		}
		nested, err := b.explicit(path, opt.Expand, d.SourceType, d.ElementType())
		if err != nil {
			return nil, err
		}
		if d.HasOptions() {
			paths = append(paths, path)
		}
		paths = append(paths, nested...)
	}
	return paths, nil
}

func (b *Builder) defaults(prefix Path, selectList []string, sourceType, destType reflect.Type) ([]Path, error) {
	if len(prefix) >= b.maxDepth {
		return nil, nil
	}
	var paths []Path
	for i := 0; i < destType.NumField(); i++ {
		f := destType.Field(i)
		if !f.IsExported() || !selected(selectList, f.Name) {
			continue
		}
		if !expr.IsStructured(f.Type) || expr.IsCollection(f.Type) {
			continue
		}
		kind, err := b.schema.Classify(sourceType, destType, f.Name)
		if err != nil {
			return nil, err
		}
		if kind != metadata.KindComplex {
			continue
		}
		d, err := b.descriptor(prefix, f.Name, sourceType, destType)
		if err != nil {
			return nil, err
		}
		if d.Select, err = b.defaultSelect(d.SourceType, d.ElementType()); err != nil {
			return nil, err
		}
		path := extend(prefix, d)
		paths = append(paths, path)
		nested, err := b.defaults(path, nil, d.SourceType, d.ElementType())
		if err != nil {
			return nil, err
		}
		paths = append(paths, nested...)
	}
	return paths, nil
}

func (b *Builder) descriptor(prefix Path, member string, sourceType, destType reflect.Type) (*Descriptor, error) {
	if len(prefix)+1 > b.maxDepth {
		return nil, fmt.Errorf("%w: %s/%s exceeds %d levels", queryerrors.ErrMaxExpansionDepth, prefix.Tag(), member, b.maxDepth)
	}
	f, ok := destType.FieldByName(member)
	if !ok || !f.IsExported() {
		return nil, &queryerrors.UnmappedMemberError{Type: destType, Member: member, Reason: "expanded member does not exist"}
	}
	if !expr.IsStructured(f.Type) && !expr.IsCollection(f.Type) {
		return nil, fmt.Errorf("%w: %s is not a navigation or complex member", queryerrors.ErrInvalidExpansion, member)
	}
	src, err := b.schema.Resolve(expr.NewParameter("src", sourceType), sourceType, destType, []string{member})
	if err != nil {
		return nil, err
	}
	srcType := expr.Deref(src.Type())
	if expr.IsCollection(src.Type()) {
		srcType = expr.Deref(expr.ElementType(src.Type()))
	}
	return &Descriptor{
		ParentType: destType,
		Member:     member,
		MemberType: f.Type,
		SourceType: srcType,
	}, nil
}

// defaultSelect lists the literal and complex members of destType.
func (b *Builder) defaultSelect(sourceType, destType reflect.Type) ([]string, error) {
	destType = expr.Deref(destType)
	var names []string
	for i := 0; i < destType.NumField(); i++ {
		f := destType.Field(i)
		if !f.IsExported() {
			continue
		}
		kind, err := b.schema.Classify(sourceType, destType, f.Name)
		if err != nil {
			return nil, err
		}
		if kind != metadata.KindNavigation {
			names = append(names, f.Name)
		}
	}
	return names, nil
}

// order moves the paths whose terminal carries options to the end, keeping the
// relative order of each group.
func (b *Builder) order(paths []Path) ([]Path, error) {
	out := make([]Path, 0, len(paths))
	var withOptions []Path
	for _, p := range paths {
		if p.Terminal().HasOptions() {
			withOptions = append(withOptions, p)
			continue
		}
		out = append(out, p)
	}
	if b.strict && len(withOptions) > 1 {
		return nil, &queryerrors.ExpansionPathConflictError{
			Path:   withOptions[1].Tag(),
			Reason: fmt.Sprintf("only one expansion may carry a filter/query clause, %s already does", withOptions[0].Tag()),
		}
	}
	return append(out, withOptions...), nil
}

// extend returns a copy of prefix with d appended; paths never share backing arrays.
func extend(prefix Path, d *Descriptor) Path {
	p := make(Path, len(prefix), len(prefix)+1)
	copy(p, prefix)
	return append(p, d)
}

func selected(selectList []string, member string) bool {
	if len(selectList) == 0 {
		return true
	}
	for _, s := range selectList {
		if s == member || s == "*" {
			return true
		}
	}
	return false
}

// Request merges paths into the projection request for the root, populating the
// root members in rootSelect.
func Request(paths []Path, rootSelect []string) *mapping.Request {
	root := &mapping.Request{Select: append([]string(nil), rootSelect...)}
	for _, p := range paths {
		cur := root
		for _, d := range p {
			var next *mapping.ExpandRequest
			for _, e := range cur.Expand {
				if e.Member == d.Member {
					next = e
					break
				}
			}
			if next == nil {
				next = &mapping.ExpandRequest{Member: d.Member, Request: &mapping.Request{Select: append([]string(nil), d.Select...)}}
				cur.Expand = append(cur.Expand, next)
			}
			cur = next.Request
		}
	}
	return root
}
