package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"objectql/internal/driver"
	"objectql/internal/driver/memory"
	"objectql/internal/filter"
	"objectql/internal/formula"
	"objectql/internal/hooks"
	"objectql/internal/metadata"
	"objectql/internal/query"
)

func boolPtr(b bool) *bool { return &b }

func newTestEngine(t *testing.T) (*Engine, *memory.Driver) {
	t.Helper()
	reg := metadata.NewRegistry()
	objects := []*metadata.ObjectConfig{
		{
			Name: "orders",
			Fields: []metadata.FieldConfig{
				{Name: "id", Type: metadata.FieldText},
				{Name: "status", Type: metadata.FieldText},
				{Name: "amount", Type: metadata.FieldNumber},
				{Name: "qty", Type: metadata.FieldNumber},
				{Name: "owner_id", Type: metadata.FieldText},
				{Name: "account_id", Type: metadata.FieldLookup, Reference: "accounts"},
				{Name: "double_amount", Type: metadata.FieldFormula, Formula: &formula.FieldConfig{
					Expression: "amount * 2", DataType: formula.TypeNumber,
				}},
			},
			Permissions: &metadata.PermissionConfig{
				Read:    []string{"sales_rep", "sales_manager"},
				Create:  []string{"sales_rep"},
				Update:  []string{"sales_rep"},
				Delete:  []string{"sales_manager"},
				ViewAll: []string{"sales_manager"},
				RecordRules: []metadata.RecordRule{{
					Name:       "own_records",
					Condition:  metadata.Condition{Field: "owner_id", Operator: filter.OpEq, Value: "$current_user.id"},
					Permission: metadata.RulePermissions{Read: boolPtr(true)},
				}},
			},
			Rules: []metadata.ValidationRule{
				{Type: metadata.RuleField, Field: "amount", Operator: "min", Value: 0, Message: "amount cannot be negative"},
			},
		},
		{
			Name:        "tickets",
			EnableSpace: true,
			Fields: []metadata.FieldConfig{
				{Name: "id", Type: metadata.FieldText},
				{Name: "title", Type: metadata.FieldText},
			},
		},
		{
			Name: "accounts",
			Fields: []metadata.FieldConfig{
				{Name: "id", Type: metadata.FieldText},
				{Name: "name", Type: metadata.FieldText},
				{Name: "region", Type: metadata.FieldText},
				{Name: "credit_limit", Type: metadata.FieldNumber},
			},
			Permissions: &metadata.PermissionConfig{
				Read: []string{"sales_rep", "sales_manager"},
				FieldPermissions: []metadata.FieldPermission{
					{Field: "credit_limit", VisibleTo: []string{"sales_manager"}, Mask: "hidden"},
				},
			},
		},
	}
	for _, obj := range objects {
		if err := reg.RegisterObject(obj); err != nil {
			t.Fatalf("register %s: %v", obj.Name, err)
		}
	}
	drv := memory.New()
	return New(reg, drv, Options{}), drv
}

var (
	repA    = &metadata.UserContext{ID: "userA", Name: "Ada", Roles: []string{"sales_rep"}}
	manager = &metadata.UserContext{ID: "userM", Roles: []string{"sales_rep", "sales_manager"}}
)

func TestFindTruncatedPage(t *testing.T) {
	e, drv := newTestEngine(t)
	for i := 0; i < 15; i++ {
		drv.Seed("orders", driver.Record{"id": fmt.Sprintf("big%d", i), "status": "paid", "amount": 150, "owner_id": "userM"})
	}
	for i := 0; i < 5; i++ {
		drv.Seed("orders", driver.Record{"id": fmt.Sprintf("small%d", i), "status": "paid", "amount": 50, "owner_id": "userM"})
	}

	res, err := e.Context(manager, "").Object("orders").Find(context.Background(), &query.UnifiedQuery{
		Filters: filter.Expression{
			filter.Where("status", filter.OpEq, "paid"),
			filter.And(),
			filter.Where("amount", filter.OpGt, 100),
		},
		Top: 10,
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(res.Records) != 10 {
		t.Fatalf("expected exactly 10 rows, got %d", len(res.Records))
	}
	if !res.Truncated {
		t.Fatal("expected truncated=true with 15 matching rows and top 10")
	}

	// All 15 fit in the default cap: not truncated.
	res, err = e.Context(manager, "").Object("orders").Find(context.Background(), &query.UnifiedQuery{
		Filters: filter.Expression{filter.Where("amount", filter.OpGt, 100)},
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.Truncated || len(res.Records) != 15 {
		t.Fatalf("expected all 15 untruncated, got %d truncated=%v", len(res.Records), res.Truncated)
	}
}

func TestFindEmptyInReturnsNoRows(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("orders", driver.Record{"id": "1", "status": "paid", "owner_id": "userM"})
	res, err := e.Context(manager, "").Object("orders").Find(context.Background(), &query.UnifiedQuery{
		Filters: filter.Expression{filter.Where("status", filter.OpIn, []any{})},
	})
	if err != nil {
		t.Fatalf("empty in must not error: %v", err)
	}
	if len(res.Records) != 0 {
		t.Fatalf("empty in must match zero rows, got %d", len(res.Records))
	}
}

func TestRecordRuleScopesReads(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("orders",
		driver.Record{"id": "1", "owner_id": "userA", "status": "paid"},
		driver.Record{"id": "2", "owner_id": "userA", "status": "paid"},
		driver.Record{"id": "3", "owner_id": "userA", "status": "draft"},
		driver.Record{"id": "4", "owner_id": "userB", "status": "paid"},
		driver.Record{"id": "5", "owner_id": "userB", "status": "paid"},
	)
	ctx := context.Background()

	res, err := e.Context(repA, "").Object("orders").Find(ctx, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(res.Records) != 3 {
		t.Fatalf("sales_rep should see exactly their 3 records, got %d", len(res.Records))
	}
	for _, rec := range res.Records {
		if rec["owner_id"] != "userA" {
			t.Fatalf("foreign record leaked: %v", rec)
		}
	}

	// Count respects the same synthesized filter.
	n, err := e.Context(repA, "").Object("orders").Count(ctx, nil)
	if err != nil || n != 3 {
		t.Fatalf("count: %d %v", n, err)
	}

	// view_all role sees everything.
	res, err = e.Context(manager, "").Object("orders").Find(ctx, nil)
	if err != nil || len(res.Records) != 5 {
		t.Fatalf("manager should see 5, got %d %v", len(res.Records), err)
	}

	// A record-ruled-away row reads as not found, not forbidden.
	_, err = e.Context(repA, "").Object("orders").FindOne(ctx, "4", nil)
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestObjectLevelDeny(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("orders", driver.Record{"id": "1", "owner_id": "x"})
	outsider := &metadata.UserContext{ID: "o", Roles: []string{"support"}}

	_, err := e.Context(outsider, "").Object("orders").Find(context.Background(), nil)
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Code != CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}

	err = e.Context(repA, "").Object("orders").Delete(context.Background(), "1")
	if !errors.As(err, &appErr) || appErr.Code != CodeForbidden {
		t.Fatalf("sales_rep delete should be FORBIDDEN, got %v", err)
	}
}

func TestUnknownObject(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Context(manager, "").Object("widgets").Find(context.Background(), nil)
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND for unknown object, got %v", err)
	}
}

func TestFormulaFieldsComputedOnRead(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("orders",
		driver.Record{"id": "1", "amount": 21, "owner_id": "userM"},
		driver.Record{"id": "2", "amount": nil, "owner_id": "userM"},
	)
	res, err := e.Context(manager, "").Object("orders").Find(context.Background(), &query.UnifiedQuery{
		Fields: []string{"id", "double_amount"},
		Sort:   []query.SortEntry{{Field: "id", Dir: "asc"}},
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.Records[0]["double_amount"] != 42.0 {
		t.Fatalf("formula not computed: %v", res.Records[0])
	}
	// Null input: NULL_REFERENCE renders as null, never fails the query.
	if res.Records[1]["double_amount"] != nil {
		t.Fatalf("failed formula should render null: %v", res.Records[1])
	}
	// Dependency fields fetched for the formula are stripped from output.
	if _, ok := res.Records[0]["amount"]; ok {
		t.Fatal("dependency field leaked into projection")
	}
}

func TestCreateValidationAndDefaults(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	repo := e.Context(repA, "").Object("orders")

	_, err := repo.Create(ctx, driver.Record{"amount": -5})
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Code != CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}

	created, err := repo.Create(ctx, driver.Record{"amount": 10, "owner_id": "userA", "double_amount": 999})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created["id"] == nil || created["id"] == "" {
		t.Fatal("expected generated id")
	}
	// Formula fields are computed, never accepted from the payload.
	if created["double_amount"] != 20.0 {
		t.Fatalf("formula on create: %v", created["double_amount"])
	}
}

func TestUpdatePipeline(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("orders", driver.Record{"id": "1", "status": "draft", "amount": 10, "owner_id": "userA"})
	ctx := context.Background()

	var modified, unmodified bool
	e.Hooks().BeforeUpdate("orders", func(c *hooks.UpdateContext) error {
		modified = c.IsModified("status")
		unmodified = c.IsModified("amount")
		return nil
	})

	updated, err := e.Context(repA, "").Object("orders").Update(ctx, "1", driver.Record{"status": "paid", "amount": 10})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["status"] != "paid" {
		t.Fatalf("patch not applied: %v", updated)
	}
	if !modified {
		t.Fatal("status changed, IsModified must be true")
	}
	if unmodified {
		t.Fatal("amount unchanged, IsModified must be false")
	}

	_, err = e.Context(repA, "").Object("orders").Update(ctx, "missing", driver.Record{"status": "x"})
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestSpaceScopedWrites(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("tickets",
		driver.Record{"id": "a1", "title": "printer", "space_id": "spaceA"},
		driver.Record{"id": "b1", "title": "laptop", "space_id": "spaceB"},
	)
	ctx := context.Background()
	inA := e.Context(manager, "spaceA").Object("tickets")

	res, err := inA.Find(ctx, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0]["id"] != "a1" {
		t.Fatalf("find must only see the caller's space: %v", res.Records)
	}

	// A foreign-space id answers not-found on writes, never forbidden.
	var appErr *Error
	_, err = inA.Update(ctx, "b1", driver.Record{"title": "mine now"})
	if !errors.As(err, &appErr) || appErr.Code != CodeNotFound {
		t.Fatalf("cross-space update must be NOT_FOUND, got %v", err)
	}
	if err := inA.Delete(ctx, "b1"); !errors.As(err, &appErr) || appErr.Code != CodeNotFound {
		t.Fatalf("cross-space delete must be NOT_FOUND, got %v", err)
	}
	got, err := drv.Get(ctx, "tickets", "b1")
	if err != nil || got["title"] != "laptop" {
		t.Fatalf("foreign record must be untouched: %v %v", got, err)
	}

	// A patch cannot reassign the tenant column.
	updated, err := inA.Update(ctx, "a1", driver.Record{"title": "printer jam", "space_id": "spaceB"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["space_id"] != "spaceA" {
		t.Fatalf("record escaped its space: %v", updated)
	}

	// Creates are stamped with the caller's space regardless of payload.
	created, err := inA.Create(ctx, driver.Record{"title": "new", "space_id": "spaceB"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created["space_id"] != "spaceA" {
		t.Fatalf("create must stamp the caller's space: %v", created)
	}
}

func TestHookOrderingAndSharedState(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("orders", driver.Record{"id": "1", "status": "draft", "owner_id": "userA"})

	var sawFlag bool
	e.Hooks().BeforeUpdate("orders", func(c *hooks.UpdateContext) error {
		c.State["flag"] = true
		return nil
	})
	e.Hooks().BeforeUpdate("orders", func(c *hooks.UpdateContext) error {
		sawFlag = c.State["flag"] == true
		return nil
	})
	var afterSaw bool
	e.Hooks().AfterUpdate("orders", func(c *hooks.UpdateContext) error {
		afterSaw = c.State["flag"] == true
		return nil
	})

	_, err := e.Context(repA, "").Object("orders").Update(context.Background(), "1", driver.Record{"status": "paid"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !sawFlag {
		t.Fatal("second before-hook must see first hook's state")
	}
	if !afterSaw {
		t.Fatal("after-hook must share the before-hook state bag")
	}
}

func TestBeforeHookFailClosed(t *testing.T) {
	e, drv := newTestEngine(t)
	boom := errors.New("boom")
	e.Hooks().BeforeCreate("orders", func(c *hooks.MutationContext) error { return boom })

	_, err := e.Context(repA, "").Object("orders").Create(context.Background(), driver.Record{"amount": 1, "owner_id": "userA"})
	if err == nil {
		t.Fatal("before-hook error must abort")
	}
	// Nothing was written.
	n, _ := drv.Count(context.Background(), &query.CompiledQuery{Object: "orders"})
	if n != 0 {
		t.Fatalf("fail-closed violated: %d rows written", n)
	}
}

func TestAfterHookErrorSurfacesButWritePersists(t *testing.T) {
	e, drv := newTestEngine(t)
	boom := errors.New("after boom")
	e.Hooks().AfterCreate("orders", func(c *hooks.MutationContext) error { return boom })

	_, err := e.Context(repA, "").Object("orders").Create(context.Background(), driver.Record{"amount": 1, "owner_id": "userA"})
	if err == nil {
		t.Fatal("after-hook error must surface")
	}
	n, _ := drv.Count(context.Background(), &query.CompiledQuery{Object: "orders"})
	if n != 1 {
		t.Fatalf("after-hook failure must not undo the write, rows=%d", n)
	}
}

func TestHookAPIScopedToContext(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("accounts", driver.Record{"id": "acc1", "name": "Acme", "region": "eu"})

	e.Hooks().BeforeCreate("orders", func(c *hooks.MutationContext) error {
		// Cross-object check through the restricted API.
		acc, err := c.API.FindOne(c.Ctx, "accounts", c.Data["account_id"])
		if err != nil {
			return err
		}
		if acc["region"] != "eu" {
			return errors.New("only eu accounts")
		}
		return nil
	})

	_, err := e.Context(repA, "").Object("orders").Create(context.Background(),
		driver.Record{"amount": 1, "owner_id": "userA", "account_id": "acc1"})
	if err != nil {
		t.Fatalf("create with hook api: %v", err)
	}
}

func TestFieldMasking(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("accounts", driver.Record{"id": "acc1", "name": "Acme", "region": "eu", "credit_limit": 100000})
	ctx := context.Background()

	res, err := e.Context(repA, "").Object("accounts").Find(ctx, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.Records[0]["credit_limit"] != "hidden" {
		t.Fatalf("masked field leaked: %v", res.Records[0]["credit_limit"])
	}

	res, err = e.Context(manager, "").Object("accounts").Find(ctx, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.Records[0]["credit_limit"] != 100000 {
		t.Fatalf("visible role should see real value: %v", res.Records[0]["credit_limit"])
	}
}

func TestExpandEnforcesTargetPermissions(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("accounts", driver.Record{"id": "acc1", "name": "Acme", "region": "eu", "credit_limit": 5})
	drv.Seed("orders", driver.Record{"id": "1", "owner_id": "userA", "account_id": "acc1"})

	res, err := e.Context(repA, "").Object("orders").Find(context.Background(), &query.UnifiedQuery{
		Expand: map[string]*query.UnifiedQuery{
			"account_id": {Fields: []string{"id", "name", "credit_limit"}},
		},
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	acc, ok := res.Records[0]["account_id"].(driver.Record)
	if !ok {
		t.Fatalf("expected expanded account, got %v", res.Records[0]["account_id"])
	}
	if acc["name"] != "Acme" {
		t.Fatalf("expand content: %v", acc)
	}
	// Field masks on the target apply inside expansions too.
	if acc["credit_limit"] != "hidden" {
		t.Fatalf("masked field leaked through expand: %v", acc["credit_limit"])
	}
}

func TestSudoBypassesPermissions(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("orders", driver.Record{"id": "1", "owner_id": "userB"})
	outsider := &metadata.UserContext{ID: "o", Roles: []string{"support"}}

	res, err := e.Context(outsider, "").Sudo().Object("orders").Find(context.Background(), nil)
	if err != nil {
		t.Fatalf("sudo find: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("sudo should see all rows, got %d", len(res.Records))
	}
}

func TestTransactionRollbackAndSudoSharing(t *testing.T) {
	e, drv := newTestEngine(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := e.Context(manager, "").Transaction(ctx, func(tc *Context) error {
		if _, err := tc.Object("orders").Create(ctx, driver.Record{"id": "t1", "amount": 1, "owner_id": "userM"}); err != nil {
			return err
		}
		// Sudo joins the same transaction: it sees the uncommitted row.
		res, err := tc.Sudo().Object("orders").Find(ctx, nil)
		if err != nil {
			return err
		}
		if len(res.Records) != 1 {
			t.Fatal("sudo inside transaction must see uncommitted writes")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("callback error must propagate unchanged, got %v", err)
	}
	n, _ := drv.Count(ctx, &query.CompiledQuery{Object: "orders"})
	if n != 0 {
		t.Fatalf("rollback failed, %d rows committed", n)
	}

	err = e.Context(manager, "").Transaction(ctx, func(tc *Context) error {
		_, err := tc.Object("orders").Create(ctx, driver.Record{"id": "t2", "amount": 1, "owner_id": "userM"})
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if _, err := drv.Get(ctx, "orders", "t2"); err != nil {
		t.Fatal("committed row missing")
	}
}

func TestAggregateThroughEngine(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("orders",
		driver.Record{"id": "1", "status": "paid", "amount": 100, "owner_id": "userM"},
		driver.Record{"id": "2", "status": "paid", "amount": 50, "owner_id": "userM"},
		driver.Record{"id": "3", "status": "draft", "amount": 10, "owner_id": "userM"},
	)
	rows, err := e.Context(manager, "").Object("orders").Aggregate(context.Background(), &query.UnifiedQuery{
		Fields:    []string{"status", "total"},
		GroupBy:   []string{"status"},
		Aggregate: []query.AggregateEntry{{Function: query.AggSum, Field: "amount", Alias: "total"}},
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 groups: %v", rows)
	}
}

func TestAggregateNilQuery(t *testing.T) {
	e, drv := newTestEngine(t)
	drv.Seed("orders", driver.Record{"id": "1", "status": "paid", "amount": 5, "owner_id": "userM"})
	if _, err := e.Context(manager, "").Object("orders").Aggregate(context.Background(), nil); err != nil {
		t.Fatalf("aggregate without a query must not fail: %v", err)
	}
}
