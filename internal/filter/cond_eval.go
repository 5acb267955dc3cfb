package filter

import (
	"fmt"
	"strings"
	"time"
)

// Matches evaluates the condition tree against a single record. It is used
// by the in-memory driver and by record-rule point checks. Comparison is
// loosely typed the way records come off a JSON boundary: numbers compare
// numerically regardless of concrete numeric type, everything else by
// string form. A nil tree matches everything.
func (c *Cond) Matches(record map[string]any) bool {
	if c == nil {
		return true
	}
	if !c.IsLeaf() {
		switch c.Logic {
		case "or":
			for _, child := range c.Children {
				if child.Matches(record) {
					return true
				}
			}
			return false
		default:
			for _, child := range c.Children {
				if !child.Matches(record) {
					return false
				}
			}
			return true
		}
	}

	switch c.Match {
	case MatchNone:
		return false
	case MatchAll:
		return true
	}

	val := fieldValue(record, c.Field)
	return compare(c.Operator, val, c.Value)
}

// fieldValue resolves dotted paths through nested map values.
func fieldValue(record map[string]any, field string) any {
	if !strings.Contains(field, ".") {
		return record[field]
	}
	var cur any = record
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func compare(op Operator, recordVal, condVal any) bool {
	switch op {
	case OpEq:
		return looseEqual(recordVal, condVal)
	case OpNe:
		return !looseEqual(recordVal, condVal)
	case OpGt:
		cmp, ok := order(recordVal, condVal)
		return ok && cmp > 0
	case OpGte:
		cmp, ok := order(recordVal, condVal)
		return ok && cmp >= 0
	case OpLt:
		cmp, ok := order(recordVal, condVal)
		return ok && cmp < 0
	case OpLte:
		cmp, ok := order(recordVal, condVal)
		return ok && cmp <= 0
	case OpIn:
		return valueInList(recordVal, condVal)
	case OpNotIn:
		return !valueInList(recordVal, condVal)
	case OpLike:
		return likeMatch(stringOf(recordVal), stringOf(condVal))
	case OpNotLike:
		return !likeMatch(stringOf(recordVal), stringOf(condVal))
	case OpStartsWith:
		return strings.HasPrefix(stringOf(recordVal), stringOf(condVal))
	case OpEndsWith:
		return strings.HasSuffix(stringOf(recordVal), stringOf(condVal))
	case OpContains:
		// Array-valued fields check membership; strings check substring.
		if list, ok := recordVal.([]any); ok {
			return valueInList(condVal, list)
		}
		return strings.Contains(stringOf(recordVal), stringOf(condVal))
	case OpBetween:
		bounds, ok := condVal.([]any)
		if !ok || len(bounds) != 2 {
			return false
		}
		lo, okLo := order(recordVal, bounds[0])
		hi, okHi := order(recordVal, bounds[1])
		return okLo && okHi && lo >= 0 && hi <= 0
	}
	return false
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return stringOf(a) == stringOf(b)
}

// order returns -1/0/1 for a<b / a==b / a>b, or ok=false when the two
// values have no common ordering.
func order(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			switch {
			case ta.Before(tb):
				return -1, true
			case ta.After(tb):
				return 1, true
			}
			return 0, true
		}
	}
	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func valueInList(val, list any) bool {
	items, ok := toList(list)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(val, item) {
			return true
		}
	}
	return false
}

// likeMatch implements SQL LIKE with % wildcards (case-sensitive).
func likeMatch(s, pattern string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}
	if parts[0] != "" {
		if !strings.HasPrefix(s, parts[0]) {
			return false
		}
		s = s[len(parts[0]):]
	}
	last := parts[len(parts)-1]
	middle := parts[1 : len(parts)-1]
	for _, part := range middle {
		if part == "" {
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return last == "" || strings.HasSuffix(s, last)
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}
