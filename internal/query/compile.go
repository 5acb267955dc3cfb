package query

import (
	"fmt"

	"objectql/internal/filter"
)

// DefaultMaxLimit caps queries that omit top/limit so drivers never see an
// unbounded fetch.
const DefaultMaxLimit = 1000

// InvalidAggregationError reports a groupBy/aggregate mismatch. It is a
// compile-time failure, never a silent truncation.
type InvalidAggregationError struct {
	Reason string
}

func (e *InvalidAggregationError) Error() string {
	return "invalid aggregation: " + e.Reason
}

// CompiledQuery is the driver-facing form: projection already reduced to
// permission-visible stored fields, permission filters folded into Where,
// pagination resolved against the cap. Everything here is JSON-serializable
// plain data; drivers lower it to their native language.
type CompiledQuery struct {
	Object    string           `json:"object"`
	Fields    []string         `json:"fields,omitempty"`
	Where     *filter.Cond     `json:"where,omitempty"`
	Sort      []SortEntry      `json:"sort,omitempty"`
	Limit     int              `json:"limit,omitempty"`
	Offset    int              `json:"offset,omitempty"`
	GroupBy   []string         `json:"groupBy,omitempty"`
	Aggregate []AggregateEntry `json:"aggregate,omitempty"`

	Expand map[string]*ExpandPlan `json:"expand,omitempty"`

	// CapApplied is set when the caller omitted top/limit and the default
	// cap was substituted.
	CapApplied bool `json:"-"`
}

// ExpandPlan loads one relation as an independent sub-query. ForeignKey is
// the lookup field on the parent; TargetKey is the referenced object's
// primary key. The nested query was compiled with the target object's own
// permissions — relation traversal never widens access.
type ExpandPlan struct {
	Target     string         `json:"target"`
	ForeignKey string         `json:"foreign_key"`
	TargetKey  string         `json:"target_key"`
	Query      *CompiledQuery `json:"query"`
}

// Input carries the per-object context the compiler needs: the permission
// filter to AND in, the caller-visible field allowlist, and the object's
// stored fields. The compiler itself never consults the metadata registry
// or the permission engine; the engine resolves those and passes data in.
type Input struct {
	PermissionFilter filter.Expression
	VisibleFields    []string // nil means every field is visible
	StoredFields     []string
	SpaceID          string
	EnableSpace      bool
	MaxLimit         int
}

// Compile lowers a UnifiedQuery to its driver-agnostic compiled form.
//
// Filter merge is always an implicit AND between caller filters and
// permission filters — never OR, so callers cannot widen their own access
// by construction. Projection resolves against the visible-field allowlist
// and silently drops anything the caller cannot read: the contract is
// "return what's visible", not "fail when something is hidden".
func Compile(q *UnifiedQuery, in Input) (*CompiledQuery, error) {
	if q == nil || q.Object == "" {
		return nil, fmt.Errorf("compile: missing object name")
	}

	fields := projectFields(q.Fields, in)

	userFilters, err := filter.Normalize(q.Filters)
	if err != nil {
		return nil, err
	}
	where, err := filter.ToCond(userFilters)
	if err != nil {
		return nil, err
	}
	if len(in.PermissionFilter) > 0 {
		permCond, err := filter.ToCond(in.PermissionFilter)
		if err != nil {
			return nil, fmt.Errorf("compile permission filter: %w", err)
		}
		where = filter.AndCond(where, permCond)
	}
	if in.EnableSpace && in.SpaceID != "" {
		where = filter.AndCond(where, &filter.Cond{
			Field: "space_id", Operator: filter.OpEq, Value: in.SpaceID,
		})
	}

	for _, s := range q.Sort {
		if s.Dir != "" && s.Dir != "asc" && s.Dir != "desc" {
			return nil, fmt.Errorf("compile: sort direction %q is not asc or desc", s.Dir)
		}
	}

	maxLimit := in.MaxLimit
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}
	limit := q.EffectiveLimit()
	capApplied := false
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
		capApplied = true
	}

	out := &CompiledQuery{
		Object:     q.Object,
		Fields:     fields,
		Where:      where,
		Sort:       q.Sort,
		Limit:      limit,
		Offset:     q.EffectiveOffset(),
		GroupBy:    q.GroupBy,
		Aggregate:  q.Aggregate,
		CapApplied: capApplied,
	}

	if len(q.GroupBy) > 0 || len(q.Aggregate) > 0 {
		if err := validateAggregation(q, in); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// projectFields intersects the requested projection with the visible
// allowlist. Omitted projection means "all visible stored fields".
func projectFields(requested []string, in Input) []string {
	visible := in.VisibleFields
	if visible == nil {
		visible = in.StoredFields
	}
	if len(requested) == 0 {
		return append([]string{}, visible...)
	}
	allowed := make(map[string]bool, len(visible))
	for _, f := range visible {
		allowed[f] = true
	}
	var out []string
	for _, f := range requested {
		if allowed[f] {
			out = append(out, f)
		}
	}
	return out
}

// validateAggregation enforces that every projected field either appears in
// groupBy or is produced by an aggregate function.
func validateAggregation(q *UnifiedQuery, in Input) error {
	stored := make(map[string]bool, len(in.StoredFields))
	for _, f := range in.StoredFields {
		stored[f] = true
	}
	grouped := make(map[string]bool, len(q.GroupBy))
	for _, g := range q.GroupBy {
		if len(in.StoredFields) > 0 && !stored[g] {
			return &InvalidAggregationError{Reason: fmt.Sprintf("groupBy field %q does not exist", g)}
		}
		grouped[g] = true
	}
	aliases := make(map[string]bool, len(q.Aggregate))
	for _, a := range q.Aggregate {
		if !aggFunctions[a.Function] {
			return &InvalidAggregationError{Reason: fmt.Sprintf("unknown aggregate function %q", a.Function)}
		}
		if a.Field == "" && a.Function != AggCount {
			return &InvalidAggregationError{Reason: fmt.Sprintf("%s requires a field", a.Function)}
		}
		if a.Field != "" && len(in.StoredFields) > 0 && !stored[a.Field] {
			return &InvalidAggregationError{Reason: fmt.Sprintf("aggregate field %q does not exist", a.Field)}
		}
		aliases[a.Name()] = true
	}
	for _, f := range q.Fields {
		if !grouped[f] && !aliases[f] {
			return &InvalidAggregationError{
				Reason: fmt.Sprintf("field %q must appear in groupBy or be wrapped in an aggregate function", f),
			}
		}
	}
	return nil
}
