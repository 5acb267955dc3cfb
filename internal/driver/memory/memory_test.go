package memory

import (
	"context"
	"errors"
	"testing"

	"objectql/internal/driver"
	"objectql/internal/filter"
	"objectql/internal/query"
)

func seeded() *Driver {
	d := New()
	d.Seed("orders",
		driver.Record{"id": "1", "status": "paid", "amount": 250, "owner_id": "a"},
		driver.Record{"id": "2", "status": "paid", "amount": 80, "owner_id": "a"},
		driver.Record{"id": "3", "status": "draft", "amount": 400, "owner_id": "b"},
		driver.Record{"id": "4", "status": "paid", "amount": 120, "owner_id": "b"},
	)
	return d
}

func mustCond(t *testing.T, expr filter.Expression) *filter.Cond {
	t.Helper()
	c, err := filter.ToCond(expr)
	if err != nil {
		t.Fatalf("cond: %v", err)
	}
	return c
}

func TestFindFilterSortLimit(t *testing.T) {
	d := seeded()
	ctx := context.Background()
	q := &query.CompiledQuery{
		Object: "orders",
		Where:  mustCond(t, filter.Expression{filter.Where("status", filter.OpEq, "paid")}),
		Sort:   []query.SortEntry{{Field: "amount", Dir: "desc"}},
		Limit:  2,
	}
	rows, err := d.Find(ctx, q)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 2 || rows[0]["id"] != "1" || rows[1]["id"] != "4" {
		t.Fatalf("wrong page: %v", rows)
	}
}

func TestFindEmptyInMatchesNothing(t *testing.T) {
	d := seeded()
	q := &query.CompiledQuery{
		Object: "orders",
		Where:  mustCond(t, filter.Expression{filter.Where("status", filter.OpIn, []any{})}),
	}
	rows, err := d.Find(context.Background(), q)
	if err != nil {
		t.Fatalf("empty in must not error: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("empty in must match zero rows, got %d", len(rows))
	}
}

func TestFindProjection(t *testing.T) {
	d := seeded()
	q := &query.CompiledQuery{Object: "orders", Fields: []string{"id", "amount"}}
	rows, err := d.Find(context.Background(), q)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if _, ok := rows[0]["status"]; ok {
		t.Fatal("unprojected field leaked")
	}
	if rows[0]["id"] == nil || rows[0]["amount"] == nil {
		t.Fatalf("projected fields missing: %v", rows[0])
	}
}

func TestFindResultsDoNotAliasStore(t *testing.T) {
	d := seeded()
	q := &query.CompiledQuery{Object: "orders"}
	rows, _ := d.Find(context.Background(), q)
	rows[0]["amount"] = -1
	again, _ := d.Find(context.Background(), q)
	for _, r := range again {
		if r["amount"] == -1 {
			t.Fatal("mutating a result leaked into the store")
		}
	}
}

func TestCrudRoundTrip(t *testing.T) {
	d := New()
	ctx := context.Background()

	created, err := d.Create(ctx, "orders", driver.Record{"status": "draft"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("expected generated id")
	}

	updated, err := d.Update(ctx, "orders", id, driver.Record{"status": "paid"})
	if err != nil || updated["status"] != "paid" {
		t.Fatalf("update: %v %v", updated, err)
	}

	got, err := d.Get(ctx, "orders", id)
	if err != nil || got["status"] != "paid" {
		t.Fatalf("get: %v %v", got, err)
	}

	if err := d.Delete(ctx, "orders", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := d.Get(ctx, "orders", id); !errors.Is(err, driver.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := d.Delete(ctx, "orders", id); !errors.Is(err, driver.ErrNotFound) {
		t.Fatalf("double delete should be ErrNotFound, got %v", err)
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	d := seeded()
	if _, err := d.Create(context.Background(), "orders", driver.Record{"id": "1"}); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestCount(t *testing.T) {
	d := seeded()
	n, err := d.Count(context.Background(), &query.CompiledQuery{
		Object: "orders",
		Where:  mustCond(t, filter.Expression{filter.Where("status", filter.OpEq, "paid")}),
	})
	if err != nil || n != 3 {
		t.Fatalf("count: %d %v", n, err)
	}
}

func TestAggregateGroupBy(t *testing.T) {
	d := seeded()
	rows, err := d.Aggregate(context.Background(), &query.CompiledQuery{
		Object:  "orders",
		GroupBy: []string{"status"},
		Aggregate: []query.AggregateEntry{
			{Function: query.AggSum, Field: "amount", Alias: "total"},
			{Function: query.AggCount},
		},
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 groups, got %v", rows)
	}
	byStatus := map[any]driver.Record{}
	for _, r := range rows {
		byStatus[r["status"]] = r
	}
	if byStatus["paid"]["total"] != 450.0 || byStatus["paid"]["count"] != int64(3) {
		t.Fatalf("paid group wrong: %v", byStatus["paid"])
	}
	if byStatus["draft"]["total"] != 400.0 {
		t.Fatalf("draft group wrong: %v", byStatus["draft"])
	}
}

func TestDistinct(t *testing.T) {
	d := seeded()
	vals, err := d.Distinct(context.Background(), &query.CompiledQuery{Object: "orders"}, "status")
	if err != nil || len(vals) != 2 {
		t.Fatalf("distinct: %v %v", vals, err)
	}
}

func TestExpandAttachesRelated(t *testing.T) {
	d := New()
	d.Seed("accounts",
		driver.Record{"id": "acc1", "name": "Acme", "region": "eu"},
		driver.Record{"id": "acc2", "name": "Globex", "region": "us"},
	)
	d.Seed("orders",
		driver.Record{"id": "1", "account_id": "acc1"},
		driver.Record{"id": "2", "account_id": "acc2"},
		driver.Record{"id": "3", "account_id": nil},
	)

	q := &query.CompiledQuery{
		Object: "orders",
		Expand: map[string]*query.ExpandPlan{
			"account": {
				Target:     "accounts",
				ForeignKey: "account_id",
				TargetKey:  "id",
				Query: &query.CompiledQuery{
					Object: "accounts",
					Fields: []string{"id", "name"},
					// Permission filter of the target object applies.
					Where: mustCond(t, filter.Expression{filter.Where("region", filter.OpEq, "eu")}),
				},
			},
		},
	}
	rows, err := d.Find(context.Background(), q)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	byID := map[any]driver.Record{}
	for _, r := range rows {
		byID[r["id"]] = r
	}
	acc, ok := byID["1"]["account"].(driver.Record)
	if !ok || acc["name"] != "Acme" {
		t.Fatalf("expected expanded account, got %v", byID["1"]["account"])
	}
	if _, hasRegion := acc["region"]; hasRegion {
		t.Fatal("expand projection ignored")
	}
	if byID["2"]["account"] != nil {
		t.Fatal("filtered-out target must expand to nil, not leak")
	}
}

func TestTransactionCommitAndRollback(t *testing.T) {
	d := seeded()
	ctx := context.Background()

	tx, err := d.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Create(ctx, "orders", driver.Record{"id": "5", "status": "new"}); err != nil {
		t.Fatalf("tx create: %v", err)
	}

	// Uncommitted write is invisible outside the transaction.
	if _, err := d.Get(ctx, "orders", "5"); !errors.Is(err, driver.ErrNotFound) {
		t.Fatal("uncommitted write leaked")
	}
	// But visible inside it.
	if _, err := tx.Get(ctx, "orders", "5"); err != nil {
		t.Fatalf("tx read-own-write: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := d.Get(ctx, "orders", "5"); err != nil {
		t.Fatalf("committed write missing: %v", err)
	}

	tx2, _ := d.Begin(ctx)
	if err := tx2.Delete(ctx, "orders", "1"); err != nil {
		t.Fatalf("tx delete: %v", err)
	}
	if err := tx2.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := d.Get(ctx, "orders", "1"); err != nil {
		t.Fatal("rollback did not discard delete")
	}
}
