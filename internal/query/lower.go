package query

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
	"github.com/nlstn/go-odatamap/internal/scope"
	"gorm.io/gorm/schema"
)

// Lowerer translates expression trees over source entities into SQL fragments.
//
// Member chains through single-valued navigations become correlated scalar
// subqueries, any/all become EXISTS tests and collection counts become COUNT(*)
// subqueries, so a predicate never changes the cardinality of the root query.
type Lowerer struct {
	dialect  string
	registry *metadata.Registry
	logger   *slog.Logger
}

// NewLowerer returns a lowerer for dialect. A nil registry selects metadata.Default().
func NewLowerer(dialect string, registry *metadata.Registry, logger *slog.Logger) *Lowerer {
	if registry == nil {
		registry = metadata.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lowerer{dialect: dialect, registry: registry, logger: logger}
}

// Dialect returns the SQL dialect of the lowerer.
func (l *Lowerer) Dialect() string { return l.dialect }

type scopeRef struct {
	alias string
	md    *metadata.EntityMetadata
}

type lowering struct {
	*Lowerer
	scopes map[*expr.Parameter]scopeRef
	next   int
}

func (l *Lowerer) begin(lam *expr.Lambda) (*lowering, error) {
	if len(lam.Params) != 1 {
		return nil, queryerrors.NotTranslatable("lambda with %d parameters", len(lam.Params))
	}
	md, err := l.registry.Entity(lam.Param().Type())
	if err != nil {
		return nil, err
	}
	return &lowering{
		Lowerer: l,
		scopes:  map[*expr.Parameter]scopeRef{lam.Param(): {alias: md.TableName, md: md}},
	}, nil
}

// Predicate lowers a boolean lambda over the root entity into a WHERE condition.
// Columns of the root entity are qualified with its table name.
func (l *Lowerer) Predicate(lam *expr.Lambda) (scope.QueryScope, error) {
	lw, err := l.begin(lam)
	if err != nil {
		return scope.QueryScope{}, err
	}
	sql, args, err := lw.lower(lam.Body)
	if err != nil {
		return scope.QueryScope{}, err
	}
	l.logger.Debug("Lowered predicate", "expression", expr.String(lam), "sql", sql, "args", len(args))
	return scope.QueryScope{Condition: sql, Args: args}, nil
}

// OrderKey lowers a key selector over the root entity into an ORDER BY expression.
func (l *Lowerer) OrderKey(lam *expr.Lambda) (scope.QueryScope, error) {
	lw, err := l.begin(lam)
	if err != nil {
		return scope.QueryScope{}, err
	}
	sql, args, err := lw.lower(lam.Body)
	if err != nil {
		return scope.QueryScope{}, err
	}
	l.logger.Debug("Lowered order key", "expression", expr.String(lam), "sql", sql)
	return scope.QueryScope{Condition: sql, Args: args}, nil
}

func (lw *lowering) alias() string {
	lw.next++
	return "t" + strconv.Itoa(lw.next)
}

func (lw *lowering) lower(n expr.Node) (string, []interface{}, error) {
	switch t := n.(type) {
	case *expr.Constant:
		if t.IsNull() {
			return "NULL", nil, nil
		}
		return "?", []interface{}{t.Value}, nil
	case *expr.Member:
		return lw.member(t)
	case *expr.Unary:
		return lw.unary(t)
	case *expr.Binary:
		return lw.binary(t)
	case *expr.Conditional:
		return lw.conditional(t)
	case *expr.Call:
		return lw.call(t)
	case *expr.Parameter:
		return "", nil, queryerrors.NotTranslatable("entity %s used as a value", t.Name)
	}
	return "", nil, queryerrors.NotTranslatable("%s", expr.String(n))
}

func (lw *lowering) unary(u *expr.Unary) (string, []interface{}, error) {
	sql, args, err := lw.lower(u.X)
	if err != nil {
		return "", nil, err
	}
	switch u.Op {
	case expr.OpNot:
		return not(sql), args, nil
	case expr.OpNegate:
		return "-(" + sql + ")", args, nil
	}
	return sql, args, nil
}

// not negates a condition that may be unknown. An unknown condition counts as
// false, so its negation holds.
func not(sql string) string {
	return "NOT COALESCE(" + sql + ", 1 = 0)"
}

var sqlOperators = map[expr.BinaryOp]string{
	expr.OpEqual:        "=",
	expr.OpNotEqual:     "<>",
	expr.OpLess:         "<",
	expr.OpLessEqual:    "<=",
	expr.OpGreater:      ">",
	expr.OpGreaterEqual: ">=",
	expr.OpAnd:          "AND",
	expr.OpOr:           "OR",
	expr.OpAdd:          "+",
	expr.OpSub:          "-",
	expr.OpMul:          "*",
	expr.OpDiv:          "/",
	expr.OpMod:          "%",
}

func isNull(n expr.Node) bool {
	c, ok := n.(*expr.Constant)
	return ok && c.IsNull()
}

func (lw *lowering) binary(b *expr.Binary) (string, []interface{}, error) {
	if b.Op == expr.OpEqual || b.Op == expr.OpNotEqual {
		operand := b.Left
		switch {
		case isNull(b.Left) && isNull(b.Right):
			if b.Op == expr.OpEqual {
				return "1 = 1", nil, nil
			}
			return "1 = 0", nil, nil
		case isNull(b.Left):
			operand = b.Right
		case !isNull(b.Right):
			operand = nil
		}
		if operand != nil && expr.IsStructured(operand.Type()) && !expr.IsCollection(operand.Type()) {
			sql, args, err := lw.reference(operand)
			if err != nil {
				return "", nil, err
			}
			if b.Op == expr.OpEqual {
				return "NOT " + sql, args, nil
			}
			return sql, args, nil
		}
		if operand != nil {
			sql, args, err := lw.lower(operand)
			if err != nil {
				return "", nil, err
			}
			if b.Op == expr.OpEqual {
				return sql + " IS NULL", args, nil
			}
			return sql + " IS NOT NULL", args, nil
		}
	} else if b.Op.Ordered() && (isNull(b.Left) || isNull(b.Right)) {
		return "1 = 0", nil, nil
	}

	l, largs, err := lw.lower(b.Left)
	if err != nil {
		return "", nil, err
	}
	r, rargs, err := lw.lower(b.Right)
	if err != nil {
		return "", nil, err
	}
	if b.Op == expr.OpEqual || b.Op == expr.OpNotEqual {
		return nullSafe(b.Op, l, r, largs, rargs, nonNull(b.Left), nonNull(b.Right))
	}
	return "(" + l + " " + sqlOperators[b.Op] + " " + r + ")", joinArgs(largs, rargs), nil
}

// nullSafe compares l and r with null equal to null and unequal to any value, as
// the in-memory evaluation does. Operands known to be non-null skip their IS NULL
// tests; the operand SQL is repeated, so its arguments are bound once per use.
func nullSafe(op expr.BinaryOp, l, r string, largs, rargs []interface{}, lSet, rSet bool) (string, []interface{}, error) {
	if op == expr.OpEqual {
		if lSet || rSet {
			return "(" + l + " = " + r + ")", joinArgs(largs, rargs), nil
		}
		return "(" + l + " = " + r + " OR (" + l + " IS NULL AND " + r + " IS NULL))",
			joinArgs(largs, rargs, largs, rargs), nil
	}
	switch {
	case lSet && rSet:
		return "(" + l + " <> " + r + ")", joinArgs(largs, rargs), nil
	case rSet:
		return "(" + l + " <> " + r + " OR " + l + " IS NULL)", joinArgs(largs, rargs, largs), nil
	case lSet:
		return "(" + l + " <> " + r + " OR " + r + " IS NULL)", joinArgs(largs, rargs, rargs), nil
	}
	return "(" + l + " <> " + r + " OR (" + l + " IS NULL AND " + r + " IS NOT NULL) OR (" + l + " IS NOT NULL AND " + r + " IS NULL))",
		joinArgs(largs, rargs, largs, rargs, largs, rargs), nil
}

// nonNull reports whether n can never lower to SQL NULL: a non-null constant, or a
// column of the scoped entity itself whose Go type has no null value.
func nonNull(n expr.Node) bool {
	for {
		u, ok := n.(*expr.Unary)
		if !ok || u.Op != expr.OpConvert {
			break
		}
		n = u.X
	}
	switch t := n.(type) {
	case *expr.Constant:
		return !t.IsNull()
	case *expr.Member:
		if _, ok := t.X.(*expr.Parameter); !ok {
			return false
		}
		ft := t.Type()
		return !expr.Nullable(ft) && ft.Kind() != reflect.Struct
	}
	return false
}

func joinArgs(parts ...[]interface{}) []interface{} {
	var out []interface{}
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func (lw *lowering) conditional(c *expr.Conditional) (string, []interface{}, error) {
	// SQL propagates NULL through scalar subqueries, so null guards reduce to
	// their guarded value.
	if v, ok := expr.GuardedValue(c); ok {
		return lw.lower(v)
	}
	test, targs, err := lw.lower(c.Test)
	if err != nil {
		return "", nil, err
	}
	a, aargs, err := lw.lower(c.IfTrue)
	if err != nil {
		return "", nil, err
	}
	b, bargs, err := lw.lower(c.IfFalse)
	if err != nil {
		return "", nil, err
	}
	args := append(append(targs, aargs...), bargs...)
	return "CASE WHEN " + test + " THEN " + a + " ELSE " + b + " END", args, nil
}

// chainRoot resolves the root parameter of a member chain to its SQL scope.
func (lw *lowering) chainRoot(n expr.Node) (scopeRef, []string, error) {
	root, path := expr.MemberPath(n)
	p, ok := root.(*expr.Parameter)
	if !ok {
		return scopeRef{}, nil, queryerrors.NotTranslatable("member access on %s", expr.String(root))
	}
	ref, ok := lw.scopes[p]
	if !ok {
		return scopeRef{}, nil, queryerrors.NotTranslatable("unbound parameter %s", p.Name)
	}
	return ref, path, nil
}

func (lw *lowering) member(m *expr.Member) (string, []interface{}, error) {
	ref, path, err := lw.chainRoot(m)
	if err != nil {
		return "", nil, err
	}
	return lw.navigate(ref, path, func(ref scopeRef, rest []string) (string, []interface{}, error) {
		if len(rest) == 0 {
			return "", nil, queryerrors.NotTranslatable("entity %s used as a value", ref.md.EntityName)
		}
		column, err := ref.md.ResolveColumn(rest)
		if err != nil {
			return "", nil, queryerrors.NotTranslatable("%v", err)
		}
		return qualify(lw.dialect, ref.alias, column), nil, nil
	})
}

type leafFunc func(ref scopeRef, rest []string) (string, []interface{}, error)

// navigate walks the single-valued navigations at the start of path, wrapping the
// leaf in one correlated scalar subquery per navigation. leaf receives the scope of
// the last entity and the remaining path, which starts with a literal, complex or
// collection member.
func (lw *lowering) navigate(ref scopeRef, path []string, leaf leafFunc) (string, []interface{}, error) {
	if len(path) == 0 {
		return leaf(ref, nil)
	}
	prop := ref.md.FindProperty(path[0])
	if prop == nil {
		return "", nil, &queryerrors.UnmappedMemberError{Type: ref.md.EntityType, Member: path[0]}
	}
	if prop.Kind != metadata.KindNavigation || prop.NavigationIsArray {
		return leaf(ref, path)
	}
	child, err := lw.child(prop)
	if err != nil {
		return "", nil, err
	}
	inner, innerArgs, err := lw.navigate(child, path[1:], leaf)
	if err != nil {
		return "", nil, err
	}
	qb := newQueryBuilder(lw.dialect).WithLogger(lw.logger).WithTable(child.md.TableName, child.alias).Select(inner, innerArgs...)
	if err := lw.correlate(qb, prop, ref, child); err != nil {
		return "", nil, err
	}
	sql, args := qb.ToSQL()
	return "(" + sql + ")", args, nil
}

// reference lowers a member chain ending at a single-valued navigation into an
// EXISTS test for the referenced row.
func (lw *lowering) reference(n expr.Node) (string, []interface{}, error) {
	ref, path, err := lw.chainRoot(n)
	if err != nil {
		return "", nil, err
	}
	if len(path) == 0 {
		return "", nil, queryerrors.NotTranslatable("null test on the root entity")
	}
	last := path[len(path)-1]
	return lw.navigate(ref, path[:len(path)-1], func(owner scopeRef, rest []string) (string, []interface{}, error) {
		prop := owner.md.FindNavigationProperty(last)
		if len(rest) != 0 || prop == nil || prop.NavigationIsArray {
			return "", nil, queryerrors.NotTranslatable("null test on %s", strings.Join(path, "/"))
		}
		target, err := lw.child(prop)
		if err != nil {
			return "", nil, err
		}
		qb := newQueryBuilder(lw.dialect).WithLogger(lw.logger).WithTable(target.md.TableName, target.alias)
		if err := lw.correlate(qb, prop, owner, target); err != nil {
			return "", nil, err
		}
		sql, args := qb.ToExistsSQL()
		return sql, args, nil
	})
}

func (lw *lowering) child(prop *metadata.PropertyMetadata) (scopeRef, error) {
	md, err := lw.registry.Entity(prop.NavigationTargetType)
	if err != nil {
		return scopeRef{}, err
	}
	return scopeRef{alias: lw.alias(), md: md}, nil
}

// correlate adds the join condition between a parent scope and the subquery over
// the target of a navigation property.
func (lw *lowering) correlate(qb *queryBuilder, prop *metadata.PropertyMetadata, parent, child scopeRef) error {
	rel := prop.Relationship
	if rel == nil {
		return queryerrors.NotTranslatable("navigation %s.%s has no resolvable relationship", parent.md.EntityName, prop.Name)
	}
	if rel.Type == schema.Many2Many {
		return lw.correlateJoinTable(qb, rel, parent, child)
	}
	for _, ref := range rel.References {
		switch {
		case ref.PrimaryKey == nil && ref.ForeignKey != nil:
			// polymorphic type discriminator
			qb.Where(qualify(lw.dialect, child.alias, ref.ForeignKey.DBName)+" = ?", ref.PrimaryValue)
		case ref.OwnPrimaryKey:
			qb.Where(qualify(lw.dialect, child.alias, ref.ForeignKey.DBName) + " = " + qualify(lw.dialect, parent.alias, ref.PrimaryKey.DBName))
		default:
			qb.Where(qualify(lw.dialect, child.alias, ref.PrimaryKey.DBName) + " = " + qualify(lw.dialect, parent.alias, ref.ForeignKey.DBName))
		}
	}
	return nil
}

func (lw *lowering) correlateJoinTable(qb *queryBuilder, rel *schema.Relationship, parent, child scopeRef) error {
	if rel.JoinTable == nil {
		return queryerrors.NotTranslatable("many-to-many relationship %s has no join table", rel.Name)
	}
	join := lw.alias()
	link := newQueryBuilder(lw.dialect).WithLogger(lw.logger).WithTable(rel.JoinTable.Table, join)
	for _, ref := range rel.References {
		if ref.PrimaryKey == nil {
			link.Where(qualify(lw.dialect, join, ref.ForeignKey.DBName)+" = ?", ref.PrimaryValue)
			continue
		}
		owner := child
		if ref.OwnPrimaryKey {
			owner = parent
		}
		link.Where(qualify(lw.dialect, join, ref.ForeignKey.DBName) + " = " + qualify(lw.dialect, owner.alias, ref.PrimaryKey.DBName))
	}
	sql, args := link.ToExistsSQL()
	qb.Where(sql, args...)
	return nil
}

// collection resolves a collection-valued member chain and returns a builder over
// its target, correlated with the owner, plus the scope of the element.
func (lw *lowering) collection(n expr.Node, build func(qb *queryBuilder, elem scopeRef) (string, []interface{}, error)) (string, []interface{}, error) {
	ref, path, err := lw.chainRoot(n)
	if err != nil {
		return "", nil, err
	}
	return lw.navigate(ref, path, func(owner scopeRef, rest []string) (string, []interface{}, error) {
		if len(rest) != 1 {
			return "", nil, queryerrors.NotTranslatable("%s is not a collection navigation of %s", strings.Join(path, "/"), owner.md.EntityName)
		}
		prop := owner.md.FindNavigationProperty(rest[0])
		if prop == nil || !prop.NavigationIsArray {
			return "", nil, queryerrors.NotTranslatable("%s is not a collection navigation of %s", strings.Join(rest, "/"), owner.md.EntityName)
		}
		elem, err := lw.child(prop)
		if err != nil {
			return "", nil, err
		}
		qb := newQueryBuilder(lw.dialect).WithLogger(lw.logger).WithTable(elem.md.TableName, elem.alias)
		if err := lw.correlate(qb, prop, owner, elem); err != nil {
			return "", nil, err
		}
		return build(qb, elem)
	})
}

func (lw *lowering) call(c *expr.Call) (string, []interface{}, error) {
	switch c.Method {
	case expr.MethodAny, expr.MethodAll, expr.MethodCount:
		return lw.aggregate(c)
	case expr.MethodIn:
		return lw.in(c)
	case expr.MethodContains, expr.MethodStartsWith, expr.MethodEndsWith:
		return lw.like(c)
	}
	if c.Method.Sequence() {
		return "", nil, queryerrors.NotTranslatable("%s in a predicate", c.Method)
	}

	parts := make([]string, len(c.Args))
	bound := make([][]interface{}, len(c.Args))
	var args []interface{}
	for i, a := range c.Args {
		sql, aargs, err := lw.lower(a)
		if err != nil {
			return "", nil, err
		}
		parts[i] = sql
		bound[i] = aargs
		args = append(args, aargs...)
	}
	switch c.Method {
	case expr.MethodToLower:
		return "LOWER(" + parts[0] + ")", args, nil
	case expr.MethodToUpper:
		return "UPPER(" + parts[0] + ")", args, nil
	case expr.MethodTrim:
		return "TRIM(" + parts[0] + ")", args, nil
	case expr.MethodLength:
		return lengthSQL(lw.dialect, parts[0]), args, nil
	case expr.MethodConcat:
		return concatSQL(lw.dialect, parts[0], parts[1]), args, nil
	case expr.MethodIndexOf:
		// LOCATE takes the needle first
		if lw.dialect == DialectMySQL {
			args = append(append([]interface{}{}, bound[1]...), bound[0]...)
		}
		return indexOfSQL(lw.dialect, parts[0], parts[1]), args, nil
	case expr.MethodSubstring:
		length := ""
		if len(parts) == 3 {
			length = parts[2]
		}
		return substringSQL(lw.dialect, parts[0], parts[1], length), args, nil
	}
	return "", nil, queryerrors.NotTranslatable("method %s", c.Method)
}

func (lw *lowering) aggregate(c *expr.Call) (string, []interface{}, error) {
	lam := c.Lambda()
	return lw.collection(c.Args[0], func(qb *queryBuilder, elem scopeRef) (string, []interface{}, error) {
		if lam != nil {
			lw.scopes[lam.Param()] = elem
			pred, args, err := lw.lower(lam.Body)
			delete(lw.scopes, lam.Param())
			if err != nil {
				return "", nil, err
			}
			if c.Method == expr.MethodAll {
				pred = not(pred)
			}
			qb.Where(pred, args...)
		}
		switch c.Method {
		case expr.MethodCount:
			sql, args := qb.ToCountSQL()
			return "(" + sql + ")", args, nil
		case expr.MethodAll:
			sql, args := qb.ToExistsSQL()
			return "NOT " + sql, args, nil
		}
		sql, args := qb.ToExistsSQL()
		return sql, args, nil
	})
}

func (lw *lowering) in(c *expr.Call) (string, []interface{}, error) {
	list, ok := c.Args[1].(*expr.Constant)
	if !ok {
		return "", nil, queryerrors.NotTranslatable("in with a non-constant list")
	}
	sql, args, err := lw.lower(c.Args[0])
	if err != nil {
		return "", nil, err
	}
	rv := reflect.ValueOf(list.Value)
	if !rv.IsValid() || rv.Kind() != reflect.Slice || rv.Len() == 0 {
		return "1 = 0", nil, nil
	}
	marks := make([]string, rv.Len())
	for i := range marks {
		marks[i] = "?"
		args = append(args, rv.Index(i).Interface())
	}
	return sql + " IN (" + strings.Join(marks, ", ") + ")", args, nil
}

func (lw *lowering) like(c *expr.Call) (string, []interface{}, error) {
	sql, args, err := lw.lower(c.Args[0])
	if err != nil {
		return "", nil, err
	}
	escape := " ESCAPE '\\'"
	if lw.dialect == DialectMySQL {
		// backslash is the default escape character
		escape = ""
	}
	if k, ok := c.Args[1].(*expr.Constant); ok && !k.IsNull() {
		s, ok := k.Value.(string)
		if !ok {
			return "", nil, fmt.Errorf("%w: %s expects a string", queryerrors.ErrTypeMismatch, c.Method)
		}
		pattern := escapeLike(s)
		switch c.Method {
		case expr.MethodContains:
			pattern = "%" + pattern + "%"
		case expr.MethodStartsWith:
			pattern += "%"
		default:
			pattern = "%" + pattern
		}
		return sql + " LIKE ?" + escape, append(args, pattern), nil
	}
	needle, nargs, err := lw.lower(c.Args[1])
	if err != nil {
		return "", nil, err
	}
	pattern := needle
	switch c.Method {
	case expr.MethodContains:
		pattern = concatSQL(lw.dialect, concatSQL(lw.dialect, "'%'", needle), "'%'")
	case expr.MethodStartsWith:
		pattern = concatSQL(lw.dialect, needle, "'%'")
	default:
		pattern = concatSQL(lw.dialect, "'%'", needle)
	}
	return sql + " LIKE " + pattern, append(args, nargs...), nil
}
