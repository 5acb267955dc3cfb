package permission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"objectql/internal/filter"
	"objectql/internal/formula"
	"objectql/internal/metadata"
)

// MatchCondition evaluates a record-rule condition against one record.
// Exposed for lookup resolvers that recurse into related objects.
func (e *Engine) MatchCondition(ctx context.Context, obj *metadata.ObjectConfig, c *metadata.Condition, record map[string]any, user *metadata.UserContext) (bool, error) {
	return e.matchCondition(ctx, obj, c, record, user)
}

// matchCondition evaluates a record-rule condition against one record.
// Formula conditions that fail to evaluate and lookup conditions without a
// resolver both answer false: permission evaluation fails closed.
func (e *Engine) matchCondition(ctx context.Context, obj *metadata.ObjectConfig, c *metadata.Condition, record map[string]any, user *metadata.UserContext) (bool, error) {
	switch c.ResolvedKind() {
	case metadata.CondSimple:
		cond := &filter.Cond{Field: c.Field, Operator: c.Operator, Value: substitute(c.Value, user)}
		return cond.Matches(record), nil

	case metadata.CondComplex:
		logic := c.Logic
		if logic == "" {
			logic = "and"
		}
		for i := range c.Conditions {
			matched, err := e.matchCondition(ctx, obj, &c.Conditions[i], record, user)
			if err != nil {
				return false, err
			}
			if logic == "or" && matched {
				return true, nil
			}
			if logic != "or" && !matched {
				return false, nil
			}
		}
		return logic != "or", nil

	case metadata.CondFormula:
		if e.Evaluator == nil {
			return false, nil
		}
		res := e.Evaluator.Evaluate(ctx, formula.FieldConfig{
			Expression: c.Expression,
			DataType:   formula.TypeBoolean,
		}, &formula.Context{
			Record: record,
			System: formula.SystemVarsAt(time.Now()),
			User:   formulaUser(user),
		})
		if !res.Success {
			return false, nil
		}
		b, _ := res.Value.(bool)
		return b, nil

	case metadata.CondLookup:
		if e.Lookup == nil || c.Related == nil {
			return false, nil
		}
		refID, ok := record[c.Relation]
		if !ok || refID == nil {
			return false, nil
		}
		return e.Lookup.ResolveLookup(ctx, obj, c.Relation, refID, c.Related, user)
	}
	return false, fmt.Errorf("unknown condition kind %q", c.Kind)
}

// conditionFilter lowers a condition to the filter grammar for data-source
// enforcement. Only simple and complex conditions lower; formula and
// lookup conditions report ok=false and are evaluated per row instead.
func (e *Engine) conditionFilter(c *metadata.Condition, user *metadata.UserContext) (filter.Expression, bool) {
	switch c.ResolvedKind() {
	case metadata.CondSimple:
		return filter.Expression{filter.Where(c.Field, c.Operator, substitute(c.Value, user))}, true

	case metadata.CondComplex:
		joiner := filter.And()
		if c.Logic == "or" {
			joiner = filter.Or()
		}
		var out filter.Expression
		for i := range c.Conditions {
			sub, ok := e.conditionFilter(&c.Conditions[i], user)
			if !ok {
				return nil, false
			}
			if len(out) > 0 {
				out = append(out, joiner)
			}
			out = append(out, filter.Group(sub...))
		}
		return out, true
	}
	return nil, false
}

// substitute resolves $current_user placeholders in rule values. Bare
// $current_user means the user id; dotted forms select a profile field.
func substitute(v any, user *metadata.UserContext) any {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, "$current_user") {
			return val
		}
		if user == nil {
			return nil
		}
		switch val {
		case "$current_user", "$current_user.id":
			return user.ID
		case "$current_user.name":
			return user.Name
		case "$current_user.email":
			return user.Email
		case "$current_user.roles":
			return anySlice(user.Roles)
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substitute(item, user)
		}
		return out
	}
	return v
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func formulaUser(user *metadata.UserContext) *formula.UserVars {
	if user == nil {
		return nil
	}
	role := ""
	if len(user.Roles) > 0 {
		role = user.Roles[0]
	}
	return &formula.UserVars{ID: user.ID, Name: user.Name, Email: user.Email, Role: role}
}
