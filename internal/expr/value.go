package expr

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/nlstn/go-odatamap/internal/queryerrors"
	"github.com/shopspring/decimal"
)

// indirect follows pointers and interfaces. It returns the invalid Value for null.
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() {
		switch v.Kind() {
		case reflect.Ptr, reflect.Interface:
			if v.IsNil() {
				return reflect.Value{}
			}
			v = v.Elem()
			continue
		}
		return v
	}
	return v
}

// IsNull reports whether v represents null.
func IsNull(v reflect.Value) bool {
	return !indirect(v).IsValid()
}

// scalar returns a comparable representation of v: int64, uint64, float64,
// decimal.Decimal, string, bool or time.Time. Other values are returned unchanged.
func scalar(v reflect.Value) interface{} {
	v = indirect(v)
	if !v.IsValid() {
		return nil
	}
	if v.Type() == decimalType {
		return v.Interface().(decimal.Decimal)
	}
	if v.Type() == timeType {
		return v.Interface().(time.Time)
	}
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.String:
		return v.String()
	}
	if v.CanInterface() {
		return v.Interface()
	}
	return nil
}

func toDecimal(x interface{}) (decimal.Decimal, bool) {
	switch t := x.(type) {
	case decimal.Decimal:
		return t, true
	case int64:
		return decimal.NewFromInt(t), true
	case uint64:
		return decimal.RequireFromString(strconv.FormatUint(t, 10)), true
	case float64:
		return decimal.NewFromFloat(t), true
	}
	return decimal.Decimal{}, false
}

func toFloat(x interface{}) (float64, bool) {
	switch t := x.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case decimal.Decimal:
		return t.InexactFloat64(), true
	}
	return 0, false
}

func toInt(x interface{}) (int64, bool) {
	switch t := x.(type) {
	case int64:
		return t, true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	}
	return 0, false
}

func cmp3[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// CompareValues orders two values. Null sorts before every other value.
// It fails when the values are not comparable with each other.
func CompareValues(a, b reflect.Value) (int, error) {
	x, y := scalar(a), scalar(b)
	switch {
	case x == nil && y == nil:
		return 0, nil
	case x == nil:
		return -1, nil
	case y == nil:
		return 1, nil
	}
	return compareScalars(x, y)
}

func compareScalars(x, y interface{}) (int, error) {
	switch xv := x.(type) {
	case string:
		if yv, ok := y.(string); ok {
			return cmp3(xv, yv), nil
		}
	case bool:
		if yv, ok := y.(bool); ok {
			switch {
			case xv == yv:
				return 0, nil
			case !xv:
				return -1, nil
			}
			return 1, nil
		}
	case time.Time:
		if yv, ok := y.(time.Time); ok {
			return xv.Compare(yv), nil
		}
	default:
		_, xd := x.(decimal.Decimal)
		_, yd := y.(decimal.Decimal)
		if xd || yd {
			dx, ok1 := toDecimal(x)
			dy, ok2 := toDecimal(y)
			if ok1 && ok2 {
				return dx.Cmp(dy), nil
			}
			break
		}
		if ix, ok := toInt(x); ok {
			if iy, ok := toInt(y); ok {
				return cmp3(ix, iy), nil
			}
		}
		if fx, ok := toFloat(x); ok {
			if fy, ok := toFloat(y); ok {
				return cmp3(fx, fy), nil
			}
		}
	}
	return 0, fmt.Errorf("%w: cannot compare %T with %T", queryerrors.ErrTypeMismatch, x, y)
}

func compareOp(op BinaryOp, a, b reflect.Value) (bool, error) {
	na, nb := IsNull(a), IsNull(b)
	if na || nb {
		switch op {
		case OpEqual:
			return na && nb, nil
		case OpNotEqual:
			return na != nb, nil
		}
		return false, nil
	}
	c, err := CompareValues(a, b)
	if err != nil {
		return false, err
	}
	switch op {
	case OpEqual:
		return c == 0, nil
	case OpNotEqual:
		return c != 0, nil
	case OpLess:
		return c < 0, nil
	case OpLessEqual:
		return c <= 0, nil
	case OpGreater:
		return c > 0, nil
	case OpGreaterEqual:
		return c >= 0, nil
	}
	return false, fmt.Errorf("operator %s is not a comparison", op)
}

func truthy(v reflect.Value) bool {
	v = indirect(v)
	return v.IsValid() && v.Kind() == reflect.Bool && v.Bool()
}

func arithmetic(op BinaryOp, a, b reflect.Value, out reflect.Type) (reflect.Value, error) {
	x, y := scalar(a), scalar(b)
	if x == nil || y == nil {
		return reflect.Value{}, nil
	}
	var res interface{}
	switch Deref(out) {
	case decimalType:
		dx, ok1 := toDecimal(x)
		dy, ok2 := toDecimal(y)
		if !ok1 || !ok2 {
			return reflect.Value{}, fmt.Errorf("%w: %T %s %T", queryerrors.ErrTypeMismatch, x, op, y)
		}
		switch op {
		case OpAdd:
			res = dx.Add(dy)
		case OpSub:
			res = dx.Sub(dy)
		case OpMul:
			res = dx.Mul(dy)
		case OpDiv:
			if dy.IsZero() {
				return reflect.Value{}, fmt.Errorf("division by zero")
			}
			res = dx.Div(dy)
		case OpMod:
			if dy.IsZero() {
				return reflect.Value{}, fmt.Errorf("division by zero")
			}
			res = dx.Mod(dy)
		}
	default:
		if isFloat(Deref(out)) {
			fx, ok1 := toFloat(x)
			fy, ok2 := toFloat(y)
			if !ok1 || !ok2 {
				return reflect.Value{}, fmt.Errorf("%w: %T %s %T", queryerrors.ErrTypeMismatch, x, op, y)
			}
			switch op {
			case OpAdd:
				res = fx + fy
			case OpSub:
				res = fx - fy
			case OpMul:
				res = fx * fy
			case OpDiv:
				res = fx / fy
			case OpMod:
				res = math.Mod(fx, fy)
			}
			break
		}
		ix, ok1 := toInt(x)
		iy, ok2 := toInt(y)
		if !ok1 || !ok2 {
			return reflect.Value{}, fmt.Errorf("%w: %T %s %T", queryerrors.ErrTypeMismatch, x, op, y)
		}
		switch op {
		case OpAdd:
			res = ix + iy
		case OpSub:
			res = ix - iy
		case OpMul:
			res = ix * iy
		case OpDiv, OpMod:
			if iy == 0 {
				return reflect.Value{}, fmt.Errorf("division by zero")
			}
			if op == OpDiv {
				res = ix / iy
			} else {
				res = ix % iy
			}
		}
	}
	return ConvertValue(reflect.ValueOf(res), out)
}

// ConvertValue converts v to type to. Null converts to the zero value of to.
func ConvertValue(v reflect.Value, to reflect.Type) (reflect.Value, error) {
	if v.IsValid() && v.Type() == to {
		return v, nil
	}
	iv := indirect(v)
	if !iv.IsValid() {
		return reflect.Zero(to), nil
	}
	if to.Kind() == reflect.Interface {
		if !iv.Type().AssignableTo(to) {
			return reflect.Value{}, &queryerrors.TypeMismatchError{From: iv.Type(), To: to}
		}
		out := reflect.New(to).Elem()
		out.Set(iv)
		return out, nil
	}
	if to.Kind() == reflect.Ptr {
		inner, err := ConvertValue(iv, to.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(to.Elem())
		p.Elem().Set(inner)
		return p, nil
	}
	from := iv.Type()
	if from == to {
		return iv, nil
	}
	if to == decimalType {
		if d, ok := toDecimal(scalar(iv)); ok {
			return reflect.ValueOf(d), nil
		}
	}
	if from == decimalType && CategoryOf(to) == CategoryNumeric {
		d := iv.Interface().(decimal.Decimal)
		if isFloat(to) {
			return reflect.ValueOf(d.InexactFloat64()).Convert(to), nil
		}
		return reflect.ValueOf(d.IntPart()).Convert(to), nil
	}
	if from.Kind() == reflect.Slice && to.Kind() == reflect.Slice {
		out := reflect.MakeSlice(to, iv.Len(), iv.Len())
		for i := 0; i < iv.Len(); i++ {
			e, err := ConvertValue(iv.Index(i), to.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(e)
		}
		return out, nil
	}
	cf, ct := CategoryOf(from), CategoryOf(to)
	if cf == ct && cf != CategoryOther && from.ConvertibleTo(to) {
		return iv.Convert(to), nil
	}
	if cf == CategoryOther && ct == CategoryOther && from.ConvertibleTo(to) {
		return iv.Convert(to), nil
	}
	return reflect.Value{}, &queryerrors.TypeMismatchError{From: from, To: to}
}

func stringOf(v reflect.Value) (string, bool) {
	v = indirect(v)
	if !v.IsValid() || v.Kind() != reflect.String {
		return "", false
	}
	return v.String(), true
}

func intOf(v reflect.Value) (int, bool) {
	switch x := scalar(v).(type) {
	case int64:
		return int(x), true
	case uint64:
		return int(x), true
	case float64:
		return int(x), true
	case decimal.Decimal:
		return int(x.IntPart()), true
	}
	return 0, false
}

func runeIndex(s, sub string) int {
	i := strings.Index(s, sub)
	if i < 0 {
		return -1
	}
	return len([]rune(s[:i]))
}

func substring(s string, start, length int) string {
	r := []rune(s)
	if start < 0 {
		start = 0
	}
	if start > len(r) {
		return ""
	}
	end := len(r)
	if length >= 0 && start+length < end {
		end = start + length
	}
	return string(r[start:end])
}
