// Package permission computes effective grants for user+object+operation:
// object-level role gates, priority-ordered record rules, query-filter
// synthesis for read, and field visibility/masking.
package permission

import (
	"context"
	"fmt"
	"sort"

	"objectql/internal/filter"
	"objectql/internal/formula"
	"objectql/internal/metadata"
)

// Operations the permission model distinguishes.
const (
	OpRead   = "read"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// CheckResult is the outcome of a point check. Denial is a value, not an
// error: callers translate it to their own error taxonomy.
type CheckResult struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

// LookupResolver fetches the record referenced by a lookup field and
// evaluates a condition against it. The engine provides an implementation
// backed by a sudo session; record-rule traversal is a system concern, not
// something the calling user needs read access for.
type LookupResolver interface {
	ResolveLookup(ctx context.Context, obj *metadata.ObjectConfig, relation string, refID any, related *metadata.Condition, user *metadata.UserContext) (bool, error)
}

// Engine evaluates permissions against registered metadata. Lookup may be
// nil, in which case lookup conditions never match (fail closed).
type Engine struct {
	Registry  *metadata.Registry
	Evaluator *formula.Evaluator
	Lookup    LookupResolver
}

func NewEngine(reg *metadata.Registry, eval *formula.Evaluator) *Engine {
	return &Engine{Registry: reg, Evaluator: eval}
}

// CheckObject is the object-level gate: the user's role set must intersect
// the operation's role list. view_all also grants read; modify_all grants
// the write operations. No record rule can overturn a denial here. An
// object with no PermissionConfig is unrestricted.
func (e *Engine) CheckObject(obj *metadata.ObjectConfig, user *metadata.UserContext, op string, isSystem bool) CheckResult {
	if isSystem {
		return CheckResult{Granted: true, Reason: "system"}
	}
	p := obj.Permissions
	if p == nil {
		return CheckResult{Granted: true}
	}
	if user == nil {
		return CheckResult{Reason: "no user context"}
	}
	if user.IsAdmin() {
		return CheckResult{Granted: true, Reason: "admin"}
	}

	var roles []string
	switch op {
	case OpRead:
		if hasAny(user, p.ViewAll) {
			return CheckResult{Granted: true, Reason: "view_all"}
		}
		roles = p.Read
	case OpCreate:
		if hasAny(user, p.ModifyAll) {
			return CheckResult{Granted: true, Reason: "modify_all"}
		}
		roles = p.Create
	case OpUpdate:
		if hasAny(user, p.ModifyAll) {
			return CheckResult{Granted: true, Reason: "modify_all"}
		}
		roles = p.Update
	case OpDelete:
		if hasAny(user, p.ModifyAll) {
			return CheckResult{Granted: true, Reason: "modify_all"}
		}
		roles = p.Delete
	default:
		return CheckResult{Reason: fmt.Sprintf("unknown operation %q", op)}
	}
	if hasAny(user, roles) {
		return CheckResult{Granted: true}
	}
	return CheckResult{Reason: fmt.Sprintf("object %s denies %s for roles %v", obj.Name, op, user.Roles)}
}

// CheckRecord computes the row-level grant for one record. Record rules run
// in descending priority; the first matching rule that speaks to op decides.
// When at least one rule speaks to op but none grants it for this record,
// the answer is deny — rules partition the rows the object-level grant
// reaches. When no rule speaks to op, the object-level grant stands.
func (e *Engine) CheckRecord(ctx context.Context, obj *metadata.ObjectConfig, user *metadata.UserContext, op string, record map[string]any, isSystem bool) (CheckResult, error) {
	base := e.CheckObject(obj, user, op, isSystem)
	if !base.Granted {
		return base, nil
	}
	if isSystem || user == nil || user.IsAdmin() {
		return base, nil
	}
	p := obj.Permissions
	if p == nil || len(p.RecordRules) == 0 {
		return base, nil
	}
	if op == OpRead && hasAny(user, p.ViewAll) {
		return base, nil
	}
	if op != OpRead && hasAny(user, p.ModifyAll) {
		return base, nil
	}

	spoke := false
	for _, rule := range sortedRules(p.RecordRules) {
		grant := opGrant(rule.Permission, op)
		if grant == nil {
			continue
		}
		spoke = true
		matched, err := e.matchCondition(ctx, obj, &rule.Condition, record, user)
		if err != nil {
			return CheckResult{}, err
		}
		if matched {
			if *grant {
				return CheckResult{Granted: true, Rule: rule.Name}, nil
			}
			return CheckResult{Reason: "denied by record rule", Rule: rule.Name}, nil
		}
	}
	if !spoke {
		return base, nil
	}
	return CheckResult{Reason: fmt.Sprintf("no record rule grants %s", op)}, nil
}

// ReadFilter synthesizes the query-time filter for read record rules so
// enforcement happens at the data source. Returns (nil, false) for
// unrestricted reads. When any read rule denies or needs per-row
// evaluation (formula/lookup), it returns (nil, true): the engine must
// fall back to CheckRecord on each fetched row.
func (e *Engine) ReadFilter(obj *metadata.ObjectConfig, user *metadata.UserContext, isSystem bool) (filter.Expression, bool) {
	if isSystem || user == nil || user.IsAdmin() {
		return nil, false
	}
	p := obj.Permissions
	if p == nil || len(p.RecordRules) == 0 || hasAny(user, p.ViewAll) {
		return nil, false
	}

	var grants []filter.Expression
	spoke := false
	for _, rule := range sortedRules(p.RecordRules) {
		g := opGrant(rule.Permission, OpRead)
		if g == nil {
			continue
		}
		spoke = true
		if !*g {
			return nil, true
		}
		expr, ok := e.conditionFilter(&rule.Condition, user)
		if !ok {
			return nil, true
		}
		grants = append(grants, expr)
	}
	if !spoke {
		return nil, false
	}
	if len(grants) == 0 {
		// Rules speak to read but none grants: match nothing.
		return filter.Expression{filter.Where(obj.PrimaryKey, filter.OpIn, []any{})}, false
	}
	if len(grants) == 1 {
		return grants[0], false
	}
	out := filter.Expression{filter.Group(grants[0]...)}
	for _, g := range grants[1:] {
		out = append(out, filter.Or(), filter.Group(g...))
	}
	return out, false
}

// VisibleFields returns the stored fields the user may read. Fields whose
// FieldPermission excludes the user and carries no mask are dropped from
// projections; masked fields stay visible and are rewritten post-fetch.
func (e *Engine) VisibleFields(obj *metadata.ObjectConfig, user *metadata.UserContext, isSystem bool) []string {
	all := obj.StoredFieldNames()
	p := obj.Permissions
	if p == nil || len(p.FieldPermissions) == 0 || isSystem || (user != nil && user.IsAdmin()) {
		return all
	}
	hidden := make(map[string]bool)
	for _, fp := range p.FieldPermissions {
		if fp.Mask != "" || len(fp.VisibleTo) == 0 {
			continue
		}
		if user == nil || !hasAny(user, fp.VisibleTo) {
			hidden[fp.Field] = true
		}
	}
	if len(hidden) == 0 {
		return all
	}
	out := make([]string, 0, len(all))
	for _, f := range all {
		if !hidden[f] {
			out = append(out, f)
		}
	}
	return out
}

// MaskFields rewrites masked field values in place for roles outside the
// field's visible_to list. Runs after the driver returns rows.
func (e *Engine) MaskFields(obj *metadata.ObjectConfig, user *metadata.UserContext, isSystem bool, records []map[string]any) {
	p := obj.Permissions
	if p == nil || isSystem || (user != nil && user.IsAdmin()) {
		return
	}
	for _, fp := range p.FieldPermissions {
		if fp.Mask == "" || len(fp.VisibleTo) == 0 {
			continue
		}
		if user != nil && hasAny(user, fp.VisibleTo) {
			continue
		}
		for _, rec := range records {
			if _, ok := rec[fp.Field]; ok {
				rec[fp.Field] = fp.Mask
			}
		}
	}
}

func hasAny(user *metadata.UserContext, roles []string) bool {
	if user == nil {
		return false
	}
	for _, r := range roles {
		if user.HasRole(r) {
			return true
		}
	}
	return false
}

func opGrant(p metadata.RulePermissions, op string) *bool {
	switch op {
	case OpRead:
		return p.Read
	case OpUpdate:
		return p.Update
	case OpDelete:
		return p.Delete
	}
	return nil
}

// sortedRules returns rules in descending priority, stable so equal
// priorities keep declaration order.
func sortedRules(rules []metadata.RecordRule) []metadata.RecordRule {
	out := make([]metadata.RecordRule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
