package dbsession

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Literal renders a Go value as a SQL literal usable in a predicate.
func (d Dialect) Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return "'" + x.Format("2006-01-02 15:04:05.999999") + "'"
	case []byte:
		return d.hexLiteral(x)
	case fmt.Stringer:
		return "'" + strings.ReplaceAll(x.String(), "'", "''") + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(x), "'", "''") + "'"
	}
}

func (d Dialect) hexLiteral(b []byte) string {
	hex := fmt.Sprintf("%x", b)
	if d.Name == "postgres" {
		return `'\x` + hex + "'"
	}
	return "X'" + hex + "'"
}
