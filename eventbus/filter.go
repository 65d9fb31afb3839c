package eventbus

import (
	"fmt"
	"sort"
	"strings"
)

// Filter restricts delivery to rows whose columns equal the given values.
// Only equality predicates on indexed columns are supported, so the bus can
// decide delivery with a map lookup instead of executing a query. A nil or
// empty filter matches every row of the table.
type Filter map[string]string

// Matches reports whether the event's row satisfies every predicate. The new
// image is consulted first, then the old one, so UPDATEs moving a row out of
// a filtered set still reach subscribers watching that set.
func (f Filter) Matches(ev *ChangeEvent) bool {
	for col, want := range f {
		if !rowHas(ev.New, col, want) && !rowHas(ev.Old, col, want) {
			return false
		}
	}
	return true
}

func rowHas(row map[string]any, col, want string) bool {
	if row == nil {
		return false
	}
	v, ok := row[col]
	if !ok {
		return false
	}
	return valueString(v) == want
}

// valueString normalizes row values for comparison: JSON numbers decode as
// float64, so integral values print without a fractional part.
func valueString(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%v", n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Key returns the canonical form of the filter, used to share one channel
// among subscriptions with the same (table, filter) pair.
func (f Filter) Key() string {
	if len(f) == 0 {
		return ""
	}
	cols := make([]string, 0, len(f))
	for c := range f {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, c+"="+f[c])
	}
	return strings.Join(parts, "&")
}
