package hooks

import (
	"context"
	"errors"
	"testing"

	"objectql/internal/driver"
)

func newUpdateCtx(data, prev driver.Record) *UpdateContext {
	return &UpdateContext{
		MutationContext: MutationContext{
			BaseContext:  BaseContext{Ctx: context.Background(), Object: "orders", Operation: "update", State: State{}},
			Data:         data,
			PreviousData: prev,
		},
	}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	h := New()
	var order []string
	h.BeforeUpdate("orders", func(c *UpdateContext) error {
		order = append(order, "h1")
		c.State["flag"] = true
		return nil
	})
	h.BeforeUpdate("orders", func(c *UpdateContext) error {
		order = append(order, "h2")
		if c.State["flag"] != true {
			t.Fatal("h2 must observe h1's state mutation")
		}
		return nil
	})

	c := newUpdateCtx(driver.Record{"amount": 5}, driver.Record{"amount": 1})
	if err := h.RunBeforeUpdate(c); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(order) != 2 || order[0] != "h1" || order[1] != "h2" {
		t.Fatalf("wrong order: %v", order)
	}
}

func TestStateSharedBetweenBeforeAndAfter(t *testing.T) {
	h := New()
	h.BeforeCreate("orders", func(c *MutationContext) error {
		c.State["stamp"] = "s1"
		return nil
	})
	var seen any
	h.AfterCreate("orders", func(c *MutationContext) error {
		seen = c.State["stamp"]
		return nil
	})

	c := &MutationContext{BaseContext: BaseContext{Ctx: context.Background(), Object: "orders", State: State{}}}
	if err := h.RunBeforeCreate(c); err != nil {
		t.Fatalf("before: %v", err)
	}
	if err := h.RunAfterCreate(c); err != nil {
		t.Fatalf("after: %v", err)
	}
	if seen != "s1" {
		t.Fatalf("after-hook should read before-hook state, got %v", seen)
	}
}

func TestBeforeErrorStopsChain(t *testing.T) {
	h := New()
	boom := errors.New("boom")
	h.BeforeDelete("orders", func(c *MutationContext) error { return boom })
	ran := false
	h.BeforeDelete("orders", func(c *MutationContext) error { ran = true; return nil })

	c := &MutationContext{BaseContext: BaseContext{Ctx: context.Background(), Object: "orders", State: State{}}}
	if err := h.RunBeforeDelete(c); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if ran {
		t.Fatal("second handler must not run after a failure")
	}
}

func TestCancelledContextStopsDispatch(t *testing.T) {
	h := New()
	ran := false
	h.BeforeFind("orders", func(c *RetrievalContext) error { ran = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &RetrievalContext{BaseContext: BaseContext{Ctx: ctx, Object: "orders", State: State{}}}
	if err := h.RunBeforeFind(c); err == nil {
		t.Fatal("expected context error")
	}
	if ran {
		t.Fatal("no handler should start after cancellation")
	}
}

func TestIsModified(t *testing.T) {
	prev := driver.Record{
		"amount": 10,
		"tags":   []any{"a", "b"},
		"meta":   map[string]any{"k": 1.0},
	}

	c := newUpdateCtx(driver.Record{"amount": 20}, prev)
	if !c.IsModified("amount") {
		t.Fatal("changed field should be modified")
	}
	if c.IsModified("tags") {
		t.Fatal("absent field is never modified")
	}

	// Same numeric value across types is not a change.
	c = newUpdateCtx(driver.Record{"amount": float64(10)}, prev)
	if c.IsModified("amount") {
		t.Fatal("int 10 vs float64 10 is not a modification")
	}

	// Deep equality, not reference equality.
	c = newUpdateCtx(driver.Record{"tags": []any{"a", "b"}, "meta": map[string]any{"k": 1}}, prev)
	if c.IsModified("tags") || c.IsModified("meta") {
		t.Fatal("structurally equal values are not modifications")
	}
	c = newUpdateCtx(driver.Record{"tags": []any{"a", "c"}}, prev)
	if !c.IsModified("tags") {
		t.Fatal("changed slice element should be a modification")
	}
}

func TestIsModifiedMemoized(t *testing.T) {
	c := newUpdateCtx(driver.Record{"amount": 20}, driver.Record{"amount": 10})
	if !c.IsModified("amount") {
		t.Fatal("expected modified")
	}
	// Mutating the payload after the first lookup must not change the answer.
	c.Data["amount"] = 10
	if !c.IsModified("amount") {
		t.Fatal("memoized result should be stable")
	}
}
