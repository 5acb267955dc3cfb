package sqldriver

import (
	"fmt"
	"strings"

	"objectql/internal/filter"
	"objectql/internal/query"
)

func selectSQL(table string, q *query.CompiledQuery, d Dialect, pb ParamBuilder) (string, error) {
	cols := "*"
	if len(q.Fields) > 0 {
		for _, f := range q.Fields {
			if !safeIdent(f) {
				return "", fmt.Errorf("unsafe field name %q", f)
			}
		}
		fields := q.Fields
		// Expand needs the foreign keys even when not projected.
		for _, plan := range q.Expand {
			if !containsString(fields, plan.ForeignKey) {
				fields = append(append([]string{}, fields...), plan.ForeignKey)
			}
		}
		cols = strings.Join(fields, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, table)

	where, err := whereSQL(q.Where, d, pb)
	if err != nil {
		return "", err
	}
	if where != "" {
		b.WriteString(" WHERE " + where)
	}

	if len(q.Sort) > 0 {
		terms := make([]string, 0, len(q.Sort))
		for _, s := range q.Sort {
			if !safeIdent(s.Field) {
				return "", fmt.Errorf("unsafe sort field %q", s.Field)
			}
			dir := "ASC"
			if s.Dir == "desc" {
				dir = "DESC"
			}
			terms = append(terms, s.Field+" "+dir)
		}
		b.WriteString(" ORDER BY " + strings.Join(terms, ", "))
	}

	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.Offset)
	}
	return b.String(), nil
}

func aggregateSQL(table string, q *query.CompiledQuery, d Dialect, pb ParamBuilder) (string, error) {
	var cols []string
	for _, g := range q.GroupBy {
		if !safeIdent(g) {
			return "", fmt.Errorf("unsafe groupBy field %q", g)
		}
		cols = append(cols, g)
	}
	for _, agg := range q.Aggregate {
		alias := agg.Name()
		if !safeIdent(alias) {
			return "", fmt.Errorf("unsafe aggregate alias %q", alias)
		}
		var expr string
		switch {
		case agg.Function == query.AggCount && agg.Field == "":
			expr = "COUNT(*)"
		default:
			if !safeIdent(agg.Field) {
				return "", fmt.Errorf("unsafe aggregate field %q", agg.Field)
			}
			expr = fmt.Sprintf("%s(%s)", strings.ToUpper(agg.Function), agg.Field)
		}
		cols = append(cols, expr+" AS "+alias)
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("aggregate query has nothing to select")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(cols, ", "), table)

	where, err := whereSQL(q.Where, d, pb)
	if err != nil {
		return "", err
	}
	if where != "" {
		b.WriteString(" WHERE " + where)
	}
	if len(q.GroupBy) > 0 {
		b.WriteString(" GROUP BY " + strings.Join(q.GroupBy, ", "))
	}
	return b.String(), nil
}

// andCond narrows a where tree to a set of key values, for batch expand
// loading.
func andCond(where *filter.Cond, field string, values []any) *filter.Cond {
	return filter.AndCond(where, &filter.Cond{Field: field, Operator: filter.OpIn, Value: values})
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
