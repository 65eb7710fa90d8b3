package expr

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func writeConstant(dst *strings.Builder, c *Constant) {
	if c.IsNull() {
		dst.WriteString("null")
		return
	}
	switch v := c.Value.(type) {
	case string:
		dst.WriteString(strconv.Quote(v))
	case time.Time:
		dst.WriteString(v.UTC().Format(time.RFC3339Nano))
	case decimal.Decimal:
		dst.WriteString(v.String())
		dst.WriteByte('m')
	case fmt.Stringer:
		dst.WriteString(strconv.Quote(v.String()))
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice {
			dst.WriteByte('[')
			for i := 0; i < rv.Len(); i++ {
				if i > 0 {
					dst.WriteString(", ")
				}
				writeConstant(dst, NewConstant(rv.Index(i).Interface()))
			}
			dst.WriteByte(']')
			return
		}
		fmt.Fprintf(dst, "%v", v)
	}
}
