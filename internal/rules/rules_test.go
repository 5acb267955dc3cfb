package rules

import (
	"testing"

	"objectql/internal/metadata"
)

func obj(rs ...metadata.ValidationRule) *metadata.ObjectConfig {
	return &metadata.ObjectConfig{Name: "orders", Rules: rs}
}

func TestFieldRuleMin(t *testing.T) {
	o := obj(metadata.ValidationRule{
		Type: metadata.RuleField, Field: "amount", Operator: "min", Value: 10,
		Message: "amount must be at least 10",
	})
	vs := Evaluate(o, map[string]any{"amount": 5}, nil, true)
	if len(vs) != 1 || vs[0].Rule != "min" {
		t.Fatalf("expected min violation, got %+v", vs)
	}
	if vs[0].Message != "amount must be at least 10" {
		t.Fatalf("custom message lost: %q", vs[0].Message)
	}
	if vs := Evaluate(o, map[string]any{"amount": 15}, nil, true); len(vs) != 0 {
		t.Fatalf("expected pass, got %+v", vs)
	}
}

func TestFieldRuleSkipsAbsentFields(t *testing.T) {
	o := obj(metadata.ValidationRule{
		Type: metadata.RuleField, Field: "amount", Operator: "min", Value: 10,
	})
	if vs := Evaluate(o, map[string]any{"status": "draft"}, nil, true); len(vs) != 0 {
		t.Fatalf("absent field should not fail threshold rules: %+v", vs)
	}
}

func TestFieldRuleRequired(t *testing.T) {
	o := obj(metadata.ValidationRule{
		Type: metadata.RuleField, Field: "name", Operator: "required",
	})
	if vs := Evaluate(o, map[string]any{}, nil, true); len(vs) != 1 {
		t.Fatalf("missing required field should fail: %+v", vs)
	}
	if vs := Evaluate(o, map[string]any{"name": ""}, nil, true); len(vs) != 1 {
		t.Fatalf("empty required string should fail: %+v", vs)
	}
	if vs := Evaluate(o, map[string]any{"name": "x"}, nil, true); len(vs) != 0 {
		t.Fatalf("expected pass, got %+v", vs)
	}
}

func TestFieldRulePattern(t *testing.T) {
	o := obj(metadata.ValidationRule{
		Type: metadata.RuleField, Field: "email", Operator: "pattern", Value: `^[^@]+@[^@]+$`,
	})
	if vs := Evaluate(o, map[string]any{"email": "nope"}, nil, true); len(vs) != 1 {
		t.Fatalf("expected pattern violation, got %+v", vs)
	}
	if vs := Evaluate(o, map[string]any{"email": "a@b.com"}, nil, true); len(vs) != 0 {
		t.Fatalf("expected pass, got %+v", vs)
	}
}

func TestExpressionRuleViolatedWhenTrue(t *testing.T) {
	o := obj(metadata.ValidationRule{
		Type:       metadata.RuleExpression,
		Expression: `action == "update" && record.amount < old.amount`,
		Message:    "amount cannot decrease",
	})
	vs := Evaluate(o, map[string]any{"amount": 5}, map[string]any{"amount": 10}, false)
	if len(vs) != 1 || vs[0].Message != "amount cannot decrease" {
		t.Fatalf("expected expression violation, got %+v", vs)
	}
	if vs := Evaluate(o, map[string]any{"amount": 20}, map[string]any{"amount": 10}, false); len(vs) != 0 {
		t.Fatalf("expected pass, got %+v", vs)
	}
}

func TestExpressionRuleCachesProgram(t *testing.T) {
	o := obj(metadata.ValidationRule{
		Type: metadata.RuleExpression, Expression: `record.amount < 0`,
	})
	Evaluate(o, map[string]any{"amount": 1}, nil, true)
	if o.Rules[0].Compiled == nil {
		t.Fatal("expected compiled program to be cached on the rule")
	}
}

func TestComputedFieldWritesRecord(t *testing.T) {
	o := obj(metadata.ValidationRule{
		Type: metadata.RuleComputed, Field: "total",
		Expression: `record.price * record.qty`,
	})
	rec := map[string]any{"price": 4.0, "qty": 3}
	if vs := Evaluate(o, rec, nil, true); len(vs) != 0 {
		t.Fatalf("unexpected violations: %+v", vs)
	}
	if rec["total"] != 12.0 {
		t.Fatalf("computed field not applied: %v", rec["total"])
	}
}

func TestComputedSkippedAfterViolation(t *testing.T) {
	o := obj(
		metadata.ValidationRule{Type: metadata.RuleField, Field: "qty", Operator: "min", Value: 1},
		metadata.ValidationRule{Type: metadata.RuleComputed, Field: "total", Expression: `record.price * record.qty`},
	)
	rec := map[string]any{"price": 4.0, "qty": 0}
	if vs := Evaluate(o, rec, nil, true); len(vs) != 1 {
		t.Fatalf("expected one violation, got %+v", vs)
	}
	if _, ok := rec["total"]; ok {
		t.Fatal("computed field must not run on an invalid record")
	}
}

func TestStopOnFail(t *testing.T) {
	o := obj(
		metadata.ValidationRule{Type: metadata.RuleField, Field: "a", Operator: "min", Value: 10, StopOnFail: true},
		metadata.ValidationRule{Type: metadata.RuleField, Field: "b", Operator: "min", Value: 10},
	)
	vs := Evaluate(o, map[string]any{"a": 1, "b": 1}, nil, true)
	if len(vs) != 1 {
		t.Fatalf("stop_on_fail should short-circuit, got %+v", vs)
	}
}

func TestCompileRejectsBadExpression(t *testing.T) {
	r := metadata.ValidationRule{Type: metadata.RuleExpression, Name: "bad", Expression: `record.amount <`}
	if err := Compile(&r); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestRegistrationRejectsMalformedExpressions(t *testing.T) {
	reg := metadata.NewRegistry()
	reg.AddValidator(CompileAll)

	err := reg.RegisterObject(&metadata.ObjectConfig{
		Name:   "orders",
		Fields: []metadata.FieldConfig{{Name: "id", Type: metadata.FieldText}},
		Rules: []metadata.ValidationRule{{
			Type: metadata.RuleExpression, Name: "bad", Expression: `record.amount >`,
		}},
	})
	if err == nil {
		t.Fatal("malformed expression must fail registration, not the first write")
	}

	good := &metadata.ObjectConfig{
		Name:   "orders",
		Fields: []metadata.FieldConfig{{Name: "id", Type: metadata.FieldText}},
		Rules: []metadata.ValidationRule{{
			Type: metadata.RuleExpression, Name: "ok", Expression: `record.amount < 0`,
		}},
	}
	if err := reg.RegisterObject(good); err != nil {
		t.Fatalf("valid expression must register: %v", err)
	}
	if good.Rules[0].Compiled == nil {
		t.Fatal("compiled program must be cached on the rule")
	}
}
