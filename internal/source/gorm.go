package source

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/query"
	"github.com/nlstn/go-odatamap/internal/scope"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormQueryable runs queries against a GORM database. Predicates and ordering keys
// are lowered to SQL; Include becomes Preload.
type GormQueryable struct {
	root     *gorm.DB
	db       *gorm.DB
	elem     reflect.Type
	lowerer  *query.Lowerer
	registry *metadata.Registry
	logger   *slog.Logger

	orders   []scope.QueryScope
	skip     int
	take     int
	hasTake  bool
	preloads []string
}

// GormOption configures a GormQueryable.
type GormOption func(*GormQueryable)

// WithRegistry sets the metadata registry used to resolve tables and columns.
func WithRegistry(registry *metadata.Registry) GormOption {
	return func(q *GormQueryable) {
		q.registry = registry
	}
}

// WithLogger sets the logger for lowering diagnostics.
func WithLogger(logger *slog.Logger) GormOption {
	return func(q *GormQueryable) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// FromGorm returns a queryable over the table of T.
func FromGorm[T any](db *gorm.DB, opts ...GormOption) *GormQueryable {
	return NewGorm(db, reflect.TypeOf((*T)(nil)).Elem(), opts...)
}

// NewGorm returns a queryable over the table of elem.
func NewGorm(db *gorm.DB, elem reflect.Type, opts ...GormOption) *GormQueryable {
	elem = expr.Deref(elem)
	q := &GormQueryable{
		root:   db.Session(&gorm.Session{NewDB: true}),
		elem:   elem,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.lowerer = query.NewLowerer(db.Dialector.Name(), q.registry, q.logger)
	q.db = db.Model(reflect.New(elem).Interface()).Session(&gorm.Session{})
	return q
}

func (q *GormQueryable) clone() *GormQueryable {
	c := *q
	c.orders = append([]scope.QueryScope(nil), q.orders...)
	c.preloads = append([]string(nil), q.preloads...)
	return &c
}

// ElementType implements Queryable.
func (q *GormQueryable) ElementType() reflect.Type { return q.elem }

// Where implements Queryable.
func (q *GormQueryable) Where(predicate *expr.Lambda) (Queryable, error) {
	cond, err := q.lowerer.Predicate(predicate)
	if err != nil {
		return nil, err
	}
	c := q.clone()
	c.db = q.db.Where(cond.Condition, cond.Args...).Session(&gorm.Session{})
	return c, nil
}

// Scope implements Scoper. Each scope is added as a WHERE condition.
func (q *GormQueryable) Scope(scopes ...scope.QueryScope) (Queryable, error) {
	c := q.clone()
	db := q.db
	for _, s := range scopes {
		if strings.TrimSpace(s.Condition) == "" {
			return nil, fmt.Errorf("empty scope condition on %s", q.elem.Name())
		}
		db = db.Where(s.Condition, s.Args...)
	}
	c.db = db.Session(&gorm.Session{})
	return c, nil
}

// OrderBy implements Queryable.
func (q *GormQueryable) OrderBy(key *expr.Lambda, descending bool) (Queryable, error) {
	o, err := q.orderKey(key, descending)
	if err != nil {
		return nil, err
	}
	c := q.clone()
	c.orders = []scope.QueryScope{o}
	return c, nil
}

// ThenBy implements Queryable.
func (q *GormQueryable) ThenBy(key *expr.Lambda, descending bool) (Queryable, error) {
	if len(q.orders) == 0 {
		return nil, fmt.Errorf("ThenBy on %s without a preceding OrderBy", q.elem.Name())
	}
	o, err := q.orderKey(key, descending)
	if err != nil {
		return nil, err
	}
	c := q.clone()
	c.orders = append(c.orders, o)
	return c, nil
}

func (q *GormQueryable) orderKey(key *expr.Lambda, descending bool) (scope.QueryScope, error) {
	o, err := q.lowerer.OrderKey(key)
	if err != nil {
		return scope.QueryScope{}, err
	}
	if descending {
		o.Condition += " DESC"
	}
	return o, nil
}

// Skip implements Queryable.
func (q *GormQueryable) Skip(n int) Queryable {
	c := q.clone()
	c.skip += n
	if c.hasTake {
		c.take -= n
		if c.take < 0 {
			c.take = 0
		}
	}
	return c
}

// Take implements Queryable.
func (q *GormQueryable) Take(n int) Queryable {
	c := q.clone()
	if !c.hasTake || n < c.take {
		c.take = n
	}
	c.hasTake = true
	return c
}

// Include implements Queryable.
func (q *GormQueryable) Include(paths ...string) (Queryable, error) {
	c := q.clone()
	for _, p := range paths {
		if p == "" {
			return nil, fmt.Errorf("empty include path on %s", q.elem.Name())
		}
		c.preloads = append(c.preloads, p)
	}
	return c, nil
}

// statement applies ordering and paging to the filtered query.
func (q *GormQueryable) statement(ctx context.Context) *gorm.DB {
	db := q.db.WithContext(ctx)
	if len(q.orders) > 0 {
		parts := make([]string, len(q.orders))
		var args []interface{}
		for i, o := range q.orders {
			parts[i] = o.Condition
			args = append(args, o.Args...)
		}
		db = db.Order(clause.OrderBy{Expression: clause.Expr{SQL: strings.Join(parts, ", "), Vars: args, WithoutParentheses: true}})
	}
	if q.skip > 0 {
		db = db.Offset(q.skip)
	}
	if q.hasTake {
		db = db.Limit(q.take)
	}
	return db
}

// ToList implements Queryable.
func (q *GormQueryable) ToList(ctx context.Context) (reflect.Value, error) {
	out := reflect.New(reflect.SliceOf(q.elem))
	db := q.statement(ctx)
	for _, p := range q.preloads {
		db = db.Preload(p)
	}
	if err := db.Find(out.Interface()).Error; err != nil {
		return reflect.Value{}, fmt.Errorf("failed to load %s: %w", q.elem.Name(), err)
	}
	return out.Elem(), nil
}

// LongCount implements Queryable. A paged query is counted as a subquery so that
// OFFSET and LIMIT apply to the rows rather than to the count.
func (q *GormQueryable) LongCount(ctx context.Context) (int64, error) {
	var n int64
	var err error
	if q.skip > 0 || q.hasTake {
		inner := q.statement(ctx).Select("1")
		err = q.root.WithContext(ctx).Table("(?) AS paged", inner).Count(&n).Error
	} else {
		err = q.db.WithContext(ctx).Count(&n).Error
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", q.elem.Name(), err)
	}
	return n, nil
}
