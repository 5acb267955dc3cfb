package query

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"objectql/internal/filter"
)

var orderFields = []string{"id", "status", "amount", "owner_id", "space_id"}

func TestCompileWireFormat(t *testing.T) {
	raw := `{
		"object": "orders",
		"fields": ["id", "status", "amount"],
		"filters": [["status","=","paid"],"and",["amount",">",100]],
		"sort": [["amount","desc"]],
		"top": 10
	}`
	var q UnifiedQuery
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cq, err := Compile(&q, Input{StoredFields: orderFields})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if cq.Limit != 10 || cq.CapApplied {
		t.Fatalf("expected explicit limit 10, got %d cap=%v", cq.Limit, cq.CapApplied)
	}
	if len(cq.Sort) != 1 || cq.Sort[0].Field != "amount" || cq.Sort[0].Dir != "desc" {
		t.Fatalf("bad sort: %+v", cq.Sort)
	}
	if cq.Where == nil || cq.Where.Logic != "and" {
		t.Fatalf("expected and-tree, got %+v", cq.Where)
	}
	if !reflect.DeepEqual(cq.Fields, []string{"id", "status", "amount"}) {
		t.Fatalf("bad projection: %v", cq.Fields)
	}
}

func TestCompileDefaultCap(t *testing.T) {
	cq, err := Compile(&UnifiedQuery{Object: "orders"}, Input{StoredFields: orderFields})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if cq.Limit != DefaultMaxLimit || !cq.CapApplied {
		t.Fatalf("expected default cap %d, got %d cap=%v", DefaultMaxLimit, cq.Limit, cq.CapApplied)
	}

	cq, err = Compile(&UnifiedQuery{Object: "orders", Limit: 50000}, Input{StoredFields: orderFields, MaxLimit: 100})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if cq.Limit != 100 || !cq.CapApplied {
		t.Fatalf("oversized limit should clamp to cap, got %d", cq.Limit)
	}
}

func TestCompilePermissionFilterAlwaysAnds(t *testing.T) {
	q := &UnifiedQuery{
		Object:  "orders",
		Filters: filter.Expression{filter.Where("status", filter.OpEq, "paid")},
	}
	perm := filter.Expression{filter.Where("owner_id", filter.OpEq, "u1")}
	cq, err := Compile(q, Input{StoredFields: orderFields, PermissionFilter: perm})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if cq.Where.Logic != "and" || len(cq.Where.Children) != 2 {
		t.Fatalf("permission filter must AND with user filter: %+v", cq.Where)
	}
	// A record matching user filter but not permission filter must not match.
	if cq.Where.Matches(map[string]any{"status": "paid", "owner_id": "u2"}) {
		t.Fatal("permission filter bypassed")
	}
	if !cq.Where.Matches(map[string]any{"status": "paid", "owner_id": "u1"}) {
		t.Fatal("valid record rejected")
	}
}

func TestCompileProjectionDropsHiddenFields(t *testing.T) {
	q := &UnifiedQuery{Object: "orders", Fields: []string{"id", "amount", "secret"}}
	cq, err := Compile(q, Input{
		StoredFields:  orderFields,
		VisibleFields: []string{"id", "status", "amount"},
	})
	if err != nil {
		t.Fatalf("compile should not error on hidden fields: %v", err)
	}
	if !reflect.DeepEqual(cq.Fields, []string{"id", "amount"}) {
		t.Fatalf("expected silent drop, got %v", cq.Fields)
	}
}

func TestCompileSpaceFilter(t *testing.T) {
	cq, err := Compile(&UnifiedQuery{Object: "orders"}, Input{
		StoredFields: orderFields, EnableSpace: true, SpaceID: "s1",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if cq.Where == nil {
		t.Fatal("expected space filter")
	}
	if cq.Where.Matches(map[string]any{"space_id": "s2"}) {
		t.Fatal("tenant isolation filter missing")
	}
}

func TestCompileAggregateValidation(t *testing.T) {
	q := &UnifiedQuery{
		Object:    "orders",
		Fields:    []string{"status", "sum_amount"},
		GroupBy:   []string{"status"},
		Aggregate: []AggregateEntry{{Function: AggSum, Field: "amount", Alias: "sum_amount"}},
	}
	if _, err := Compile(q, Input{StoredFields: orderFields}); err != nil {
		t.Fatalf("valid aggregation rejected: %v", err)
	}

	// Projected field neither grouped nor aggregated.
	bad := &UnifiedQuery{
		Object:    "orders",
		Fields:    []string{"status", "amount"},
		GroupBy:   []string{"status"},
		Aggregate: []AggregateEntry{{Function: AggSum, Field: "amount"}},
	}
	_, err := Compile(bad, Input{StoredFields: orderFields})
	var aggErr *InvalidAggregationError
	if !errors.As(err, &aggErr) {
		t.Fatalf("expected InvalidAggregationError, got %v", err)
	}

	// Unknown function.
	bad = &UnifiedQuery{
		Object:    "orders",
		Aggregate: []AggregateEntry{{Function: "median", Field: "amount"}},
	}
	if _, err := Compile(bad, Input{StoredFields: orderFields}); err == nil {
		t.Fatal("expected error for unknown aggregate function")
	}
}

func TestCompileInvalidFilterPropagates(t *testing.T) {
	q := &UnifiedQuery{
		Object:  "orders",
		Filters: filter.Expression{filter.And(), filter.And()},
	}
	_, err := Compile(q, Input{StoredFields: orderFields})
	var ife *filter.InvalidFilterError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InvalidFilterError, got %v", err)
	}
}

func TestAggregateEntryName(t *testing.T) {
	if (AggregateEntry{Function: AggSum, Field: "amount"}).Name() != "sum_amount" {
		t.Fatal("default alias")
	}
	if (AggregateEntry{Function: AggCount}).Name() != "count" {
		t.Fatal("bare count alias")
	}
	if (AggregateEntry{Function: AggSum, Field: "amount", Alias: "total"}).Name() != "total" {
		t.Fatal("explicit alias")
	}
}
