package metadata

import (
	"objectql/internal/filter"
)

// PermissionConfig is the object-level permission model: role lists per
// operation, record rules for row-level decisions, and field-level
// visibility/masking.
type PermissionConfig struct {
	Read   []string `json:"read,omitempty"`
	Create []string `json:"create,omitempty"`
	Update []string `json:"update,omitempty"`
	Delete []string `json:"delete,omitempty"`

	// Roles listed here see/modify every record regardless of record rules.
	ViewAll   []string `json:"view_all,omitempty"`
	ModifyAll []string `json:"modify_all,omitempty"`

	RecordRules      []RecordRule      `json:"record_rules,omitempty"`
	FieldPermissions []FieldPermission `json:"field_permissions,omitempty"`
}

// FieldPermission restricts a single field. An empty VisibleTo means the
// field is visible to everyone. For roles outside VisibleTo: a non-empty
// Mask keeps the field in results with its value replaced by the mask
// pattern; an empty Mask drops the field from projections entirely.
type FieldPermission struct {
	Field     string   `json:"field"`
	VisibleTo []string `json:"visible_to,omitempty"`
	Mask      string   `json:"mask,omitempty"`
}

// RecordRule grants row-level permissions when its condition matches.
// Rules are evaluated in descending priority; the first matching rule
// decides each operation it explicitly specifies.
type RecordRule struct {
	Name       string          `json:"name"`
	Priority   int             `json:"priority,omitempty"`
	Condition  Condition       `json:"condition"`
	Permission RulePermissions `json:"permissions"`
}

// RulePermissions are tri-state: nil means the rule does not speak to that
// operation and later rules may still apply.
type RulePermissions struct {
	Read   *bool `json:"read,omitempty"`
	Update *bool `json:"update,omitempty"`
	Delete *bool `json:"delete,omitempty"`
}

// Condition kinds.
const (
	CondSimple  = "simple"
	CondComplex = "complex"
	CondFormula = "formula"
	CondLookup  = "lookup"
)

// Condition is the record-rule condition union. Kind selects which fields
// are meaningful; an empty Kind with a Field set is shorthand for simple.
// Simple and complex conditions reuse the filter operator set; values may
// contain $current_user placeholders substituted at evaluation time.
type Condition struct {
	Kind string `json:"type,omitempty"`

	// simple
	Field    string          `json:"field,omitempty"`
	Operator filter.Operator `json:"operator,omitempty"`
	Value    any             `json:"value,omitempty"`

	// complex
	Logic      string      `json:"logic,omitempty"` // "and" (default) or "or"
	Conditions []Condition `json:"conditions,omitempty"`

	// formula
	Expression string `json:"expression,omitempty"`

	// lookup: Relation names a lookup field on this object; Related is
	// applied to the referenced record.
	Relation string     `json:"relation,omitempty"`
	Related  *Condition `json:"related,omitempty"`
}

// ResolvedKind returns the effective condition kind, defaulting shorthand
// forms to simple.
func (c Condition) ResolvedKind() string {
	if c.Kind != "" {
		return c.Kind
	}
	if c.Expression != "" {
		return CondFormula
	}
	if len(c.Conditions) > 0 {
		return CondComplex
	}
	if c.Relation != "" {
		return CondLookup
	}
	return CondSimple
}
