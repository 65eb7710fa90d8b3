package source

import (
	"context"
	"fmt"
	"reflect"

	"github.com/nlstn/go-odatamap/internal/expr"
)

type memoryOpKind int

const (
	memoryWhere memoryOpKind = iota
	memoryOrder
	memorySkip
	memoryTake
)

type memoryOp struct {
	kind       memoryOpKind
	predicate  *expr.Lambda
	keys       []*expr.Lambda
	descending []bool
	n          int
}

// MemoryQueryable evaluates queries over a slice. Operators are recorded and run
// in order when the query is materialized.
type MemoryQueryable struct {
	items reflect.Value
	elem  reflect.Type
	ops   []memoryOp
	cache *expr.Cache
}

// FromSlice returns a queryable over items.
func FromSlice[T any](items []T) *MemoryQueryable {
	return NewMemory(reflect.ValueOf(items))
}

// NewMemory returns a queryable over the slice items.
func NewMemory(items reflect.Value) *MemoryQueryable {
	if items.Kind() != reflect.Slice {
		panic(fmt.Sprintf("source: NewMemory requires a slice, got %s", items.Type()))
	}
	return &MemoryQueryable{items: items, elem: items.Type().Elem(), cache: expr.NewCache()}
}

func (q *MemoryQueryable) with(op memoryOp) *MemoryQueryable {
	c := *q
	c.ops = append(append([]memoryOp(nil), q.ops...), op)
	return &c
}

// ElementType implements Queryable.
func (q *MemoryQueryable) ElementType() reflect.Type { return q.elem }

// Where implements Queryable.
func (q *MemoryQueryable) Where(predicate *expr.Lambda) (Queryable, error) {
	if err := q.checkLambda(predicate); err != nil {
		return nil, err
	}
	return q.with(memoryOp{kind: memoryWhere, predicate: predicate}), nil
}

// OrderBy implements Queryable.
func (q *MemoryQueryable) OrderBy(key *expr.Lambda, descending bool) (Queryable, error) {
	if err := q.checkLambda(key); err != nil {
		return nil, err
	}
	return q.with(memoryOp{kind: memoryOrder, keys: []*expr.Lambda{key}, descending: []bool{descending}}), nil
}

// ThenBy implements Queryable.
func (q *MemoryQueryable) ThenBy(key *expr.Lambda, descending bool) (Queryable, error) {
	if len(q.ops) == 0 || q.ops[len(q.ops)-1].kind != memoryOrder {
		return nil, fmt.Errorf("ThenBy on %s must directly follow OrderBy or ThenBy", q.elem.Name())
	}
	if err := q.checkLambda(key); err != nil {
		return nil, err
	}
	last := q.ops[len(q.ops)-1]
	c := *q
	c.ops = append([]memoryOp(nil), q.ops[:len(q.ops)-1]...)
	c.ops = append(c.ops, memoryOp{
		kind:       memoryOrder,
		keys:       append(append([]*expr.Lambda(nil), last.keys...), key),
		descending: append(append([]bool(nil), last.descending...), descending),
	})
	return &c, nil
}

// Skip implements Queryable.
func (q *MemoryQueryable) Skip(n int) Queryable {
	return q.with(memoryOp{kind: memorySkip, n: n})
}

// Take implements Queryable.
func (q *MemoryQueryable) Take(n int) Queryable {
	return q.with(memoryOp{kind: memoryTake, n: n})
}

// Include implements Queryable. In-memory elements are already fully loaded.
func (q *MemoryQueryable) Include(...string) (Queryable, error) {
	return q, nil
}

func (q *MemoryQueryable) checkLambda(l *expr.Lambda) error {
	if len(l.Params) != 1 || expr.Deref(l.Param().Type()) != expr.Deref(q.elem) {
		return fmt.Errorf("lambda %s does not take a single %s", expr.String(l), q.elem)
	}
	return nil
}

// ToList implements Queryable.
func (q *MemoryQueryable) ToList(ctx context.Context) (reflect.Value, error) {
	cur := q.items
	for _, op := range q.ops {
		if err := ctx.Err(); err != nil {
			return reflect.Value{}, err
		}
		var err error
		switch op.kind {
		case memoryWhere:
			cur, err = q.filter(cur, op.predicate)
		case memoryOrder:
			cur, err = expr.SortKeys(cur, op.keys, op.descending)
		case memorySkip:
			cur = cur.Slice(clamp(op.n, cur.Len()), cur.Len())
		case memoryTake:
			cur = cur.Slice(0, clamp(op.n, cur.Len()))
		}
		if err != nil {
			return reflect.Value{}, err
		}
	}
	out := reflect.MakeSlice(reflect.SliceOf(q.elem), cur.Len(), cur.Len())
	reflect.Copy(out, cur)
	return out, nil
}

// LongCount implements Queryable.
func (q *MemoryQueryable) LongCount(ctx context.Context) (int64, error) {
	list, err := q.ToList(ctx)
	if err != nil {
		return 0, err
	}
	return int64(list.Len()), nil
}

func (q *MemoryQueryable) filter(s reflect.Value, predicate *expr.Lambda) (reflect.Value, error) {
	fn, err := q.cache.Compile(predicate)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.MakeSlice(reflect.SliceOf(q.elem), 0, s.Len())
	for i := 0; i < s.Len(); i++ {
		v, err := fn(s.Index(i))
		if err != nil {
			return reflect.Value{}, err
		}
		if truth(v) {
			out = reflect.Append(out, s.Index(i))
		}
	}
	return out, nil
}

// truth treats a null predicate result as false.
func truth(v reflect.Value) bool {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	return v.IsValid() && v.Kind() == reflect.Bool && v.Bool()
}

func clamp(n, max int) int {
	switch {
	case n < 0:
		return 0
	case n > max:
		return max
	}
	return n
}
