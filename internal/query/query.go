// Package query defines the UnifiedQuery envelope — the JSON-serializable
// query protocol accepted at every API boundary — and compiles it into the
// driver-agnostic CompiledQuery form.
package query

import (
	"encoding/json"
	"fmt"

	"objectql/internal/filter"
)

// UnifiedQuery is the portable query envelope. Filters use the recursive
// [field, operator, value] array grammar; "and"/"or" appear as plain string
// tokens. Top/Limit and Skip/Offset are aliases; Top and Skip win when both
// are set.
type UnifiedQuery struct {
	Object    string                   `json:"object"`
	Fields    []string                 `json:"fields,omitempty"`
	Filters   filter.Expression        `json:"filters,omitempty"`
	Sort      []SortEntry              `json:"sort,omitempty"`
	Top       int                      `json:"top,omitempty"`
	Limit     int                      `json:"limit,omitempty"`
	Skip      int                      `json:"skip,omitempty"`
	Offset    int                      `json:"offset,omitempty"`
	GroupBy   []string                 `json:"groupBy,omitempty"`
	Aggregate []AggregateEntry         `json:"aggregate,omitempty"`
	Expand    map[string]*UnifiedQuery `json:"expand,omitempty"`
}

// EffectiveLimit returns the caller-requested page size, or 0 when omitted.
func (q *UnifiedQuery) EffectiveLimit() int {
	if q.Top > 0 {
		return q.Top
	}
	return q.Limit
}

// EffectiveOffset returns the caller-requested offset.
func (q *UnifiedQuery) EffectiveOffset() int {
	if q.Skip > 0 {
		return q.Skip
	}
	return q.Offset
}

// SortEntry is one ordering term, serialized as ["field", "asc"|"desc"].
type SortEntry struct {
	Field string
	Dir   string
}

func (s SortEntry) MarshalJSON() ([]byte, error) {
	dir := s.Dir
	if dir == "" {
		dir = "asc"
	}
	return json.Marshal([]string{s.Field, dir})
}

func (s *SortEntry) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		// A bare field name sorts ascending.
		var field string
		if err2 := json.Unmarshal(data, &field); err2 != nil {
			return fmt.Errorf("sort entry must be [field, dir] or a field name")
		}
		*s = SortEntry{Field: field, Dir: "asc"}
		return nil
	}
	switch len(pair) {
	case 1:
		*s = SortEntry{Field: pair[0], Dir: "asc"}
	case 2:
		if pair[1] != "asc" && pair[1] != "desc" {
			return fmt.Errorf("sort direction must be asc or desc, got %q", pair[1])
		}
		*s = SortEntry{Field: pair[0], Dir: pair[1]}
	default:
		return fmt.Errorf("sort entry must have 1 or 2 elements")
	}
	return nil
}

// Aggregate functions.
const (
	AggCount = "count"
	AggSum   = "sum"
	AggAvg   = "avg"
	AggMin   = "min"
	AggMax   = "max"
)

var aggFunctions = map[string]bool{
	AggCount: true, AggSum: true, AggAvg: true, AggMin: true, AggMax: true,
}

// AggregateEntry applies a function to a field; the result appears in
// output rows under Alias (or "function_field" when Alias is empty).
type AggregateEntry struct {
	Function string `json:"function"`
	Field    string `json:"field,omitempty"`
	Alias    string `json:"alias,omitempty"`
}

// Name returns the output column name for the aggregate.
func (a AggregateEntry) Name() string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.Field == "" {
		return a.Function
	}
	return a.Function + "_" + a.Field
}
