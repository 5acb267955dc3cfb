package sqldriver

import (
	"fmt"
	"strings"

	"objectql/internal/filter"
)

// whereSQL lowers a compiled condition tree to a SQL fragment, binding
// values through the param builder. Returns "" for a nil tree.
func whereSQL(c *filter.Cond, d Dialect, pb ParamBuilder) (string, error) {
	if c == nil {
		return "", nil
	}
	if !c.IsLeaf() {
		parts := make([]string, 0, len(c.Children))
		for _, child := range c.Children {
			sql, err := whereSQL(child, d, pb)
			if err != nil {
				return "", err
			}
			parts = append(parts, sql)
		}
		op := " AND "
		if c.Logic == "or" {
			op = " OR "
		}
		return "(" + strings.Join(parts, op) + ")", nil
	}

	switch c.Match {
	case filter.MatchNone:
		return "1=0", nil
	case filter.MatchAll:
		return "1=1", nil
	}

	field := c.Field
	if !safeIdent(field) {
		return "", fmt.Errorf("unsafe field name %q in filter", field)
	}

	switch c.Operator {
	case filter.OpEq:
		if c.Value == nil {
			return field + " IS NULL", nil
		}
		return fmt.Sprintf("%s = %s", field, pb.Add(c.Value)), nil

	case filter.OpNe:
		if c.Value == nil {
			return field + " IS NOT NULL", nil
		}
		// SQL != excludes NULL rows; the filter semantics do not.
		return fmt.Sprintf("(%s != %s OR %s IS NULL)", field, pb.Add(c.Value), field), nil

	case filter.OpGt, filter.OpGte, filter.OpLt, filter.OpLte:
		return fmt.Sprintf("%s %s %s", field, c.Operator, pb.Add(c.Value)), nil

	case filter.OpIn:
		return d.InExpr(field, pb, listValue(c.Value)), nil

	case filter.OpNotIn:
		vals := listValue(c.Value)
		if len(vals) == 0 {
			return "1=1", nil
		}
		return fmt.Sprintf("(%s OR %s IS NULL)", d.NotInExpr(field, pb, vals), field), nil

	case filter.OpLike:
		return fmt.Sprintf("%s LIKE %s", field, pb.Add(c.Value)), nil

	case filter.OpNotLike:
		return fmt.Sprintf("(%s NOT LIKE %s OR %s IS NULL)", field, pb.Add(c.Value), field), nil

	case filter.OpStartsWith:
		return patternExpr(field, pb, escapeLike(stringValue(c.Value))+"%"), nil

	case filter.OpEndsWith:
		return patternExpr(field, pb, "%"+escapeLike(stringValue(c.Value))), nil

	case filter.OpContains:
		return patternExpr(field, pb, "%"+escapeLike(stringValue(c.Value))+"%"), nil

	case filter.OpBetween:
		vals := listValue(c.Value)
		if len(vals) != 2 {
			return "", fmt.Errorf("between needs exactly 2 values, got %d", len(vals))
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", field, pb.Add(vals[0]), pb.Add(vals[1])), nil
	}
	return "", fmt.Errorf("unsupported operator %q", c.Operator)
}

func patternExpr(field string, pb ParamBuilder, pattern string) string {
	return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, field, pb.Add(pattern))
}

// escapeLike neutralizes LIKE metacharacters in a literal substring.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func listValue(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	if v == nil {
		return nil
	}
	return []any{v}
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// safeIdent permits plain column names only: letters, digits, underscore,
// not starting with a digit.
func safeIdent(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
