package expr

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/nlstn/go-odatamap/internal/queryerrors"
)

// Func is a compiled lambda. It is safe for concurrent use.
type Func func(args ...reflect.Value) (reflect.Value, error)

type frame struct {
	vals []reflect.Value
}

type evalFn func(f *frame) (reflect.Value, error)

// lambdaFn evaluates a single-parameter lambda for one element.
type lambdaFn func(f *frame, arg reflect.Value) (reflect.Value, error)

type compiler struct {
	slots map[*Parameter]int
}

// Compile lowers a lambda to a Go closure that evaluates it over reflect values.
func Compile(l *Lambda) (Func, error) {
	c := &compiler{slots: make(map[*Parameter]int)}
	for _, p := range l.Params {
		c.bind(p)
	}
	body, err := c.compile(l.Body)
	if err != nil {
		return nil, err
	}
	params := make([]int, len(l.Params))
	for i, p := range l.Params {
		params[i] = c.slots[p]
	}
	size := len(c.slots)
	return func(args ...reflect.Value) (reflect.Value, error) {
		if len(args) != len(params) {
			return reflect.Value{}, fmt.Errorf("expected %d arguments, got %d", len(params), len(args))
		}
		f := &frame{vals: make([]reflect.Value, size)}
		for i, slot := range params {
			f.vals[slot] = args[i]
		}
		return body(f)
	}, nil
}

func (c *compiler) bind(p *Parameter) int {
	if i, ok := c.slots[p]; ok {
		return i
	}
	i := len(c.slots)
	c.slots[p] = i
	return i
}

func (c *compiler) compile(n Node) (evalFn, error) {
	switch t := n.(type) {
	case *Parameter:
		slot, ok := c.slots[t]
		if !ok {
			return nil, fmt.Errorf("unbound parameter %s", t.Name)
		}
		return func(f *frame) (reflect.Value, error) { return f.vals[slot], nil }, nil
	case *Constant:
		var v reflect.Value
		if !t.IsNull() {
			v = reflect.ValueOf(t.Value)
		}
		return func(*frame) (reflect.Value, error) { return v, nil }, nil
	case *Member:
		return c.member(t)
	case *Binary:
		return c.binary(t)
	case *Unary:
		return c.unary(t)
	case *Conditional:
		return c.conditional(t)
	case *MemberInit:
		return c.memberInit(t)
	case *Call:
		return c.call(t)
	case *Lambda:
		return nil, fmt.Errorf("lambda %s used as a value", String(t))
	}
	return nil, fmt.Errorf("cannot compile %T", n)
}

func (c *compiler) member(m *Member) (evalFn, error) {
	x, err := c.compile(m.X)
	if err != nil {
		return nil, err
	}
	st := Deref(m.X.Type())
	sf, ok := st.FieldByName(m.Field)
	if !ok {
		return nil, &queryerrors.UnmappedMemberError{Type: st, Member: m.Field}
	}
	index := sf.Index
	field := m.Field
	return func(f *frame) (reflect.Value, error) {
		v, err := x(f)
		if err != nil {
			return v, err
		}
		v = indirect(v)
		if !v.IsValid() {
			return v, fmt.Errorf("%w: reading %s.%s", queryerrors.ErrNullReference, st.Name(), field)
		}
		out, err := v.FieldByIndexErr(index)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%w: reading %s.%s", queryerrors.ErrNullReference, st.Name(), field)
		}
		return out, nil
	}, nil
}

func (c *compiler) binary(b *Binary) (evalFn, error) {
	l, err := c.compile(b.Left)
	if err != nil {
		return nil, err
	}
	r, err := c.compile(b.Right)
	if err != nil {
		return nil, err
	}
	op := b.Op
	switch {
	case op == OpAnd:
		return func(f *frame) (reflect.Value, error) {
			lv, err := l(f)
			if err != nil || !truthy(lv) {
				return reflect.ValueOf(false), err
			}
			rv, err := r(f)
			return reflect.ValueOf(truthy(rv)), err
		}, nil
	case op == OpOr:
		return func(f *frame) (reflect.Value, error) {
			lv, err := l(f)
			if err != nil {
				return lv, err
			}
			if truthy(lv) {
				return reflect.ValueOf(true), nil
			}
			rv, err := r(f)
			return reflect.ValueOf(truthy(rv)), err
		}, nil
	case op.Comparison():
		return func(f *frame) (reflect.Value, error) {
			lv, err := l(f)
			if err != nil {
				return lv, err
			}
			rv, err := r(f)
			if err != nil {
				return rv, err
			}
			ok, err := compareOp(op, lv, rv)
			return reflect.ValueOf(ok), err
		}, nil
	}
	out := b.Typ
	return func(f *frame) (reflect.Value, error) {
		lv, err := l(f)
		if err != nil {
			return lv, err
		}
		rv, err := r(f)
		if err != nil {
			return rv, err
		}
		return arithmetic(op, lv, rv, out)
	}, nil
}

func (c *compiler) unary(u *Unary) (evalFn, error) {
	x, err := c.compile(u.X)
	if err != nil {
		return nil, err
	}
	switch u.Op {
	case OpNot:
		return func(f *frame) (reflect.Value, error) {
			v, err := x(f)
			if err != nil {
				return v, err
			}
			if IsNull(v) {
				return reflect.ValueOf(false), nil
			}
			return reflect.ValueOf(!truthy(v)), nil
		}, nil
	case OpNegate:
		out := u.Typ
		zero := reflect.Zero(Deref(out))
		return func(f *frame) (reflect.Value, error) {
			v, err := x(f)
			if err != nil || IsNull(v) {
				return reflect.Value{}, err
			}
			return arithmetic(OpSub, zero, v, out)
		}, nil
	}
	to := u.Typ
	return func(f *frame) (reflect.Value, error) {
		v, err := x(f)
		if err != nil {
			return v, err
		}
		if IsNull(v) && Nullable(to) {
			return reflect.Zero(to), nil
		}
		return ConvertValue(v, to)
	}, nil
}

func (c *compiler) conditional(n *Conditional) (evalFn, error) {
	test, err := c.compile(n.Test)
	if err != nil {
		return nil, err
	}
	a, err := c.compile(n.IfTrue)
	if err != nil {
		return nil, err
	}
	b, err := c.compile(n.IfFalse)
	if err != nil {
		return nil, err
	}
	to := n.Typ
	return func(f *frame) (reflect.Value, error) {
		t, err := test(f)
		if err != nil {
			return t, err
		}
		var v reflect.Value
		if truthy(t) {
			v, err = a(f)
		} else {
			v, err = b(f)
		}
		if err != nil {
			return v, err
		}
		return ConvertValue(v, to)
	}, nil
}

func (c *compiler) memberInit(m *MemberInit) (evalFn, error) {
	st := Deref(m.Typ)
	if st.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot initialize non-struct type %s", m.Typ)
	}
	type setter struct {
		index []int
		typ   reflect.Type
		eval  evalFn
		name  string
	}
	setters := make([]setter, len(m.Bindings))
	for i, b := range m.Bindings {
		sf, ok := st.FieldByName(b.Field)
		if !ok {
			return nil, &queryerrors.UnmappedMemberError{Type: st, Member: b.Field}
		}
		fn, err := c.compile(b.X)
		if err != nil {
			return nil, err
		}
		setters[i] = setter{index: sf.Index, typ: sf.Type, eval: fn, name: b.Field}
	}
	ptr := m.Typ.Kind() == reflect.Ptr
	return func(f *frame) (reflect.Value, error) {
		out := reflect.New(st)
		e := out.Elem()
		for _, s := range setters {
			v, err := s.eval(f)
			if err != nil {
				return reflect.Value{}, err
			}
			cv, err := ConvertValue(v, s.typ)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("binding %s.%s: %w", st.Name(), s.name, err)
			}
			e.FieldByIndex(s.index).Set(cv)
		}
		if ptr {
			return out, nil
		}
		return e, nil
	}, nil
}

func (c *compiler) lambda(l *Lambda) (lambdaFn, error) {
	if len(l.Params) != 1 {
		return nil, fmt.Errorf("expected a single-parameter lambda, got %d parameters", len(l.Params))
	}
	slot := c.bind(l.Params[0])
	body, err := c.compile(l.Body)
	if err != nil {
		return nil, err
	}
	return func(f *frame, arg reflect.Value) (reflect.Value, error) {
		f.vals[slot] = arg
		return body(f)
	}, nil
}

// sequence evaluates to a slice; null evaluates to an empty slice.
func sequence(v reflect.Value) reflect.Value {
	v = indirect(v)
	if !v.IsValid() || (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) {
		return reflect.Value{}
	}
	return v
}

func seqLen(v reflect.Value) int {
	if !v.IsValid() {
		return 0
	}
	return v.Len()
}

func sliceType(t reflect.Type) reflect.Type {
	t = Deref(t)
	if t.Kind() == reflect.Array {
		return reflect.SliceOf(t.Elem())
	}
	return t
}

func (c *compiler) call(n *Call) (evalFn, error) {
	if n.Method.Ordering() {
		return c.ordering(n)
	}
	args := make([]evalFn, 0, len(n.Args))
	var lam lambdaFn
	for _, a := range n.Args {
		if l, ok := a.(*Lambda); ok {
			fn, err := c.lambda(l)
			if err != nil {
				return nil, err
			}
			lam = fn
			continue
		}
		fn, err := c.compile(a)
		if err != nil {
			return nil, err
		}
		args = append(args, fn)
	}
	if n.Method.Sequence() || n.Method == MethodIn {
		return c.sequenceCall(n, args, lam)
	}
	return stringCall(n, args)
}

func (c *compiler) sequenceCall(n *Call, args []evalFn, lam lambdaFn) (evalFn, error) {
	src := args[0]
	out := sliceType(n.Typ)
	switch n.Method {
	case MethodWhere:
		if lam == nil {
			return nil, fmt.Errorf("Where requires a predicate")
		}
		return func(f *frame) (reflect.Value, error) {
			v, err := src(f)
			if err != nil {
				return v, err
			}
			s := sequence(v)
			res := reflect.MakeSlice(out, 0, seqLen(s))
			for i := 0; i < seqLen(s); i++ {
				keep, err := lam(f, s.Index(i))
				if err != nil {
					return reflect.Value{}, err
				}
				if truthy(keep) {
					res = reflect.Append(res, s.Index(i))
				}
			}
			return res, nil
		}, nil
	case MethodSelect:
		if lam == nil {
			return nil, fmt.Errorf("Select requires a selector")
		}
		elem := out.Elem()
		return func(f *frame) (reflect.Value, error) {
			v, err := src(f)
			if err != nil {
				return v, err
			}
			s := sequence(v)
			res := reflect.MakeSlice(out, seqLen(s), seqLen(s))
			for i := 0; i < seqLen(s); i++ {
				x, err := lam(f, s.Index(i))
				if err != nil {
					return reflect.Value{}, err
				}
				cv, err := ConvertValue(x, elem)
				if err != nil {
					return reflect.Value{}, err
				}
				res.Index(i).Set(cv)
			}
			return res, nil
		}, nil
	case MethodSkip, MethodTake:
		if len(args) != 2 {
			return nil, fmt.Errorf("%s requires a count", n.Method)
		}
		count := args[1]
		skip := n.Method == MethodSkip
		return func(f *frame) (reflect.Value, error) {
			v, err := src(f)
			if err != nil {
				return v, err
			}
			cv, err := count(f)
			if err != nil {
				return cv, err
			}
			k, ok := intOf(cv)
			if !ok || k < 0 {
				return reflect.Value{}, queryerrors.InvalidQueryOption("%s count must be a non-negative integer", n.Method)
			}
			s := sequence(v)
			l := seqLen(s)
			if k > l {
				k = l
			}
			if l == 0 {
				return reflect.MakeSlice(out, 0, 0), nil
			}
			if skip {
				return s.Slice(k, l), nil
			}
			return s.Slice(0, k), nil
		}, nil
	case MethodCount, MethodAny, MethodAll:
		m := n.Method
		return func(f *frame) (reflect.Value, error) {
			v, err := src(f)
			if err != nil {
				return v, err
			}
			s := sequence(v)
			matched := 0
			for i := 0; i < seqLen(s); i++ {
				if lam == nil {
					matched++
					continue
				}
				ok, err := lam(f, s.Index(i))
				if err != nil {
					return reflect.Value{}, err
				}
				if truthy(ok) {
					matched++
				} else if m == MethodAll {
					return reflect.ValueOf(false), nil
				}
				if m == MethodAny && matched > 0 {
					return reflect.ValueOf(true), nil
				}
			}
			switch m {
			case MethodCount:
				return reflect.ValueOf(int64(matched)), nil
			case MethodAny:
				return reflect.ValueOf(matched > 0), nil
			}
			return reflect.ValueOf(true), nil
		}, nil
	case MethodIn:
		if len(args) != 2 {
			return nil, fmt.Errorf("In requires a list")
		}
		list := args[1]
		return func(f *frame) (reflect.Value, error) {
			v, err := src(f)
			if err != nil {
				return v, err
			}
			lv, err := list(f)
			if err != nil {
				return lv, err
			}
			s := sequence(lv)
			for i := 0; i < seqLen(s); i++ {
				eq, err := compareOp(OpEqual, v, s.Index(i))
				if err != nil {
					return reflect.Value{}, err
				}
				if eq {
					return reflect.ValueOf(true), nil
				}
			}
			return reflect.ValueOf(false), nil
		}, nil
	}
	return nil, fmt.Errorf("cannot compile sequence method %s", n.Method)
}

type sortKey struct {
	key        lambdaFn
	descending bool
}

// ordering flattens OrderBy(...).ThenBy(...) chains into one stable multi-key sort.
func (c *compiler) ordering(n *Call) (evalFn, error) {
	var chain []*Call
	cur := n
	for {
		chain = append(chain, cur)
		if cur.Method == MethodOrderBy || cur.Method == MethodOrderByDescending {
			break
		}
		prev, ok := cur.Args[0].(*Call)
		if !ok || !prev.Method.Ordering() {
			return nil, fmt.Errorf("%s must follow OrderBy", cur.Method)
		}
		cur = prev
	}
	src, err := c.compile(cur.Args[0])
	if err != nil {
		return nil, err
	}
	keys := make([]sortKey, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		l, ok := chain[i].Args[1].(*Lambda)
		if !ok {
			return nil, fmt.Errorf("%s requires a key selector", chain[i].Method)
		}
		fn, err := c.lambda(l)
		if err != nil {
			return nil, err
		}
		keys = append(keys, sortKey{key: fn, descending: chain[i].Method.Descending()})
	}
	out := sliceType(n.Typ)
	return func(f *frame) (reflect.Value, error) {
		v, err := src(f)
		if err != nil {
			return v, err
		}
		return sortSequence(f, sequence(v), out, keys)
	}, nil
}

func sortSequence(f *frame, s reflect.Value, out reflect.Type, keys []sortKey) (reflect.Value, error) {
	l := seqLen(s)
	res := reflect.MakeSlice(out, l, l)
	if l == 0 {
		return res, nil
	}
	reflect.Copy(res, s)
	vals := make([][]reflect.Value, l)
	for i := 0; i < l; i++ {
		vals[i] = make([]reflect.Value, len(keys))
		for k := range keys {
			kv, err := keys[k].key(f, res.Index(i))
			if err != nil {
				return reflect.Value{}, err
			}
			vals[i][k] = kv
		}
	}
	perm := make([]int, l)
	for i := range perm {
		perm[i] = i
	}
	var sortErr error
	sort.SliceStable(perm, func(a, b int) bool {
		for k := range keys {
			c, err := CompareValues(vals[perm[a]][k], vals[perm[b]][k])
			if err != nil {
				sortErr = err
				return false
			}
			if c == 0 {
				continue
			}
			if keys[k].descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	if sortErr != nil {
		return reflect.Value{}, sortErr
	}
	sorted := reflect.MakeSlice(out, l, l)
	for i, p := range perm {
		sorted.Index(i).Set(res.Index(p))
	}
	return sorted, nil
}

// SortKeys evaluates key selectors over the elements of s and returns a sorted copy.
// Keys after the first break ties of the previous ones.
func SortKeys(s reflect.Value, keys []*Lambda, descending []bool) (reflect.Value, error) {
	c := &compiler{slots: make(map[*Parameter]int)}
	compiled := make([]sortKey, len(keys))
	for i, l := range keys {
		fn, err := c.lambda(l)
		if err != nil {
			return reflect.Value{}, err
		}
		compiled[i] = sortKey{key: fn, descending: descending[i]}
	}
	f := &frame{vals: make([]reflect.Value, len(c.slots))}
	return sortSequence(f, sequence(s), sliceType(s.Type()), compiled)
}

func stringCall(n *Call, args []evalFn) (evalFn, error) {
	want := map[Method]int{
		MethodContains: 2, MethodStartsWith: 2, MethodEndsWith: 2, MethodIndexOf: 2, MethodConcat: 2,
		MethodToLower: 1, MethodToUpper: 1, MethodLength: 1, MethodTrim: 1,
	}
	if k, ok := want[n.Method]; ok && len(args) != k {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", n.Method, k, len(args))
	}
	if n.Method == MethodSubstring && (len(args) < 2 || len(args) > 3) {
		return nil, fmt.Errorf("Substring expects 2 or 3 arguments, got %d", len(args))
	}
	m := n.Method
	return func(f *frame) (reflect.Value, error) {
		vals := make([]reflect.Value, len(args))
		for i, a := range args {
			v, err := a(f)
			if err != nil {
				return v, err
			}
			vals[i] = v
		}
		s, ok := stringOf(vals[0])
		if !ok {
			if m == MethodContains || m == MethodStartsWith || m == MethodEndsWith {
				return reflect.ValueOf(false), nil
			}
			return reflect.Value{}, nil
		}
		switch m {
		case MethodToLower:
			return reflect.ValueOf(strings.ToLower(s)), nil
		case MethodToUpper:
			return reflect.ValueOf(strings.ToUpper(s)), nil
		case MethodTrim:
			return reflect.ValueOf(strings.TrimSpace(s)), nil
		case MethodLength:
			return reflect.ValueOf(utf8.RuneCountInString(s)), nil
		case MethodSubstring:
			start, _ := intOf(vals[1])
			length := -1
			if len(vals) == 3 {
				length, _ = intOf(vals[2])
			}
			return reflect.ValueOf(substring(s, start, length)), nil
		}
		t, ok := stringOf(vals[1])
		if !ok {
			switch m {
			case MethodConcat:
				return reflect.ValueOf(s), nil
			case MethodIndexOf:
				return reflect.Value{}, nil
			}
			return reflect.ValueOf(false), nil
		}
		switch m {
		case MethodContains:
			return reflect.ValueOf(strings.Contains(s, t)), nil
		case MethodStartsWith:
			return reflect.ValueOf(strings.HasPrefix(s, t)), nil
		case MethodEndsWith:
			return reflect.ValueOf(strings.HasSuffix(s, t)), nil
		case MethodIndexOf:
			return reflect.ValueOf(runeIndex(s, t)), nil
		case MethodConcat:
			return reflect.ValueOf(s + t), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot compile method %s", m)
	}, nil
}
