package expr

import (
	"reflect"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultCacheLimit is the number of shapes a Cache created by NewCache holds.
const DefaultCacheLimit = 1024

// Cache memoizes compiled lambdas by their shape: the lambda with its constants
// hoisted into parameters. Lambdas that differ only in literal values share one
// entry. Entries are never evicted or modified once stored; once the cache holds
// its limit, further shapes are compiled on every call.
type Cache struct {
	mu    sync.RWMutex
	funcs map[uint64]Func
	limit int
}

// NewCache returns an empty cache holding up to DefaultCacheLimit shapes.
func NewCache() *Cache {
	return NewCacheWithLimit(DefaultCacheLimit)
}

// NewCacheWithLimit returns an empty cache holding up to limit shapes.
func NewCacheWithLimit(limit int) *Cache {
	return &Cache{funcs: make(map[uint64]Func), limit: limit}
}

type typeHasher struct {
	d *xxhash.Digest
}

func (h typeHasher) Visit(n Node) Visitor {
	if n == nil {
		return nil
	}
	if t := n.Type(); t != nil {
		_, _ = h.d.WriteString(t.PkgPath())
		_, _ = h.d.WriteString(t.String())
	}
	_, _ = h.d.Write([]byte{0})
	if c, ok := n.(*Call); ok {
		_, _ = h.d.WriteString(c.Tag)
	}
	return h
}

// Key returns the structural hash of a lambda: its rendering plus the type of
// every node, so identically named types from different packages do not collide.
func Key(l *Lambda) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(String(l))
	Walk(typeHasher{d: d}, l)
	return d.Sum64()
}

type hoister struct {
	params []*Parameter
	values []reflect.Value
}

func (h *hoister) Walk(Node) Rewriter { return h }

func (h *hoister) Rewrite(n Node) Node {
	c, ok := n.(*Constant)
	if !ok || c.IsNull() {
		return n
	}
	p := NewParameter("$k"+strconv.Itoa(len(h.params)), c.Typ)
	h.params = append(h.params, p)
	h.values = append(h.values, reflect.ValueOf(c.Value))
	return p
}

// Hoist replaces every non-null constant of l by a parameter appended to the
// parameters of l. It returns the rewritten lambda and the constant values in
// parameter order; l is not modified.
func Hoist(l *Lambda) (*Lambda, []reflect.Value) {
	h := &hoister{}
	body := Rewrite(h, l.Body)
	if len(h.params) == 0 {
		return l, nil
	}
	params := append(append([]*Parameter{}, l.Params...), h.params...)
	return &Lambda{Params: params, Body: body}, h.values
}

// Compile returns the compiled form of l, compiling its shape on first use.
func (c *Cache) Compile(l *Lambda) (Func, error) {
	shape, values := Hoist(l)
	key := Key(shape)
	c.mu.RLock()
	fn, ok := c.funcs[key]
	c.mu.RUnlock()
	if !ok {
		compiled, err := Compile(shape)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if existing, found := c.funcs[key]; found {
			compiled = existing
		} else if len(c.funcs) < c.limit {
			c.funcs[key] = compiled
		}
		c.mu.Unlock()
		fn = compiled
	}
	return bindConstants(fn, values), nil
}

func bindConstants(fn Func, values []reflect.Value) Func {
	if len(values) == 0 {
		return fn
	}
	return func(args ...reflect.Value) (reflect.Value, error) {
		all := make([]reflect.Value, 0, len(args)+len(values))
		all = append(append(all, args...), values...)
		return fn(all...)
	}
}

// Len returns the number of cached shapes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.funcs)
}
