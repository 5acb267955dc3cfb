// Package rules evaluates declarative validation rules attached to object
// metadata: field rules (min/max/length/pattern), expression rules compiled
// with expr-lang, and computed fields that write back into the record.
package rules

import (
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"objectql/internal/metadata"
)

// Violation is one failed rule. Field is empty for expression rules.
type Violation struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Evaluate runs the object's rules against a record. Field rules run first,
// then expression rules; computed fields only run when nothing failed, and
// mutate the record in place. old is the stored record on update, nil on
// create.
func Evaluate(obj *metadata.ObjectConfig, record, old map[string]any, isCreate bool) []Violation {
	if obj == nil || len(obj.Rules) == 0 {
		return nil
	}

	action := "update"
	if isCreate {
		action = "create"
	}
	env := map[string]any{
		"record": record,
		"old":    old,
		"action": action,
	}

	var out []Violation

	for i := range obj.Rules {
		r := &obj.Rules[i]
		if r.Type != metadata.RuleField {
			continue
		}
		if v := evalFieldRule(r, record); v != nil {
			out = append(out, *v)
			if r.StopOnFail {
				return out
			}
		}
	}

	for i := range obj.Rules {
		r := &obj.Rules[i]
		if r.Type != metadata.RuleExpression {
			continue
		}
		if v := evalExpressionRule(r, env); v != nil {
			out = append(out, *v)
			if r.StopOnFail {
				return out
			}
		}
	}

	// Computed fields never run over an invalid record.
	if len(out) > 0 {
		return out
	}

	for i := range obj.Rules {
		r := &obj.Rules[i]
		if r.Type != metadata.RuleComputed {
			continue
		}
		val, err := evalComputed(r, env)
		if err != nil {
			out = append(out, Violation{Field: r.Field, Rule: "computed", Message: err.Error()})
			continue
		}
		record[r.Field] = val
	}
	return out
}

func evalFieldRule(r *metadata.ValidationRule, record map[string]any) *Violation {
	val, exists := record[r.Field]
	if !exists || val == nil {
		// Absent fields are not checked; "required" is its own operator.
		if r.Operator == "required" {
			return &Violation{Field: r.Field, Rule: "required", Message: ruleMessage(r, "is required")}
		}
		return nil
	}

	switch r.Operator {
	case "required":
		if s, ok := val.(string); ok && s == "" {
			return &Violation{Field: r.Field, Rule: "required", Message: ruleMessage(r, "is required")}
		}

	case "min":
		num, ok := toFloat64(val)
		if !ok {
			return nil
		}
		threshold, ok := toFloat64(r.Value)
		if ok && num < threshold {
			return &Violation{Field: r.Field, Rule: "min", Message: ruleMessage(r, "below minimum")}
		}

	case "max":
		num, ok := toFloat64(val)
		if !ok {
			return nil
		}
		threshold, ok := toFloat64(r.Value)
		if ok && num > threshold {
			return &Violation{Field: r.Field, Rule: "max", Message: ruleMessage(r, "above maximum")}
		}

	case "min_length":
		s, ok := val.(string)
		if !ok {
			return nil
		}
		threshold, ok := toFloat64(r.Value)
		if ok && len(s) < int(threshold) {
			return &Violation{Field: r.Field, Rule: "min_length", Message: ruleMessage(r, "too short")}
		}

	case "max_length":
		s, ok := val.(string)
		if !ok {
			return nil
		}
		threshold, ok := toFloat64(r.Value)
		if ok && len(s) > int(threshold) {
			return &Violation{Field: r.Field, Rule: "max_length", Message: ruleMessage(r, "too long")}
		}

	case "pattern":
		s, ok := val.(string)
		if !ok {
			return nil
		}
		pattern, ok := r.Value.(string)
		if !ok {
			return nil
		}
		matched, err := regexp.MatchString(pattern, s)
		if err != nil || !matched {
			return &Violation{Field: r.Field, Rule: "pattern", Message: ruleMessage(r, "does not match pattern")}
		}
	}
	return nil
}

// evalExpressionRule treats a true result as a violation: rules state the
// condition that must NOT hold.
func evalExpressionRule(r *metadata.ValidationRule, env map[string]any) *Violation {
	prog, ok := r.Compiled.(*vm.Program)
	if !ok || prog == nil {
		compiled, err := expr.Compile(r.Expression, expr.AsBool())
		if err != nil {
			return &Violation{Rule: "expression", Message: fmt.Sprintf("compile error: %v", err)}
		}
		r.Compiled = compiled
		prog = compiled
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return &Violation{Rule: "expression", Message: fmt.Sprintf("rule evaluation error: %v", err)}
	}
	violated, ok := result.(bool)
	if !ok || !violated {
		return nil
	}
	return &Violation{Rule: "expression", Message: ruleMessage(r, "expression rule violated")}
}

func evalComputed(r *metadata.ValidationRule, env map[string]any) (any, error) {
	prog, ok := r.Compiled.(*vm.Program)
	if !ok || prog == nil {
		compiled, err := expr.Compile(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("compile computed expression: %w", err)
		}
		r.Compiled = compiled
		prog = compiled
	}
	result, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate computed field %s: %w", r.Field, err)
	}
	return result, nil
}

// CompileAll compiles every expression and computed rule on the object so
// a malformed expression fails registration instead of the first write.
// Hosts attach it to the registry with AddValidator; the compiled programs
// stay cached on the rules for evaluation.
func CompileAll(obj *metadata.ObjectConfig) error {
	for i := range obj.Rules {
		if err := Compile(&obj.Rules[i]); err != nil {
			return err
		}
	}
	return nil
}

// Compile eagerly validates an expression rule so registration can fail
// fast instead of surfacing at first write.
func Compile(r *metadata.ValidationRule) error {
	switch r.Type {
	case metadata.RuleExpression:
		prog, err := expr.Compile(r.Expression, expr.AsBool())
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.Name, err)
		}
		r.Compiled = prog
	case metadata.RuleComputed:
		prog, err := expr.Compile(r.Expression)
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.Name, err)
		}
		r.Compiled = prog
	}
	return nil
}

func ruleMessage(r *metadata.ValidationRule, fallback string) string {
	if r.Message != "" {
		return r.Message
	}
	if r.Field != "" {
		return fmt.Sprintf("field %s %s", r.Field, fallback)
	}
	return fallback
}

func toFloat64(v any) (float64, bool) {
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
	}
	return 0, false
}
