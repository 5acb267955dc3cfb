// Package engine glues the pieces into the ObjectQL façade: context and
// repository objects that run every operation through the
// normalize → permission → compile → hooks → driver → formula → masking
// pipeline.
package engine

import (
	"context"
	"time"

	"objectql/internal/driver"
	"objectql/internal/formula"
	"objectql/internal/hooks"
	"objectql/internal/metadata"
	"objectql/internal/permission"
)

// Options tune engine-wide policies.
type Options struct {
	// MaxLimit caps page sizes; zero means query.DefaultMaxLimit.
	MaxLimit int
	// FormulaTimeout is the per-field evaluation budget; zero means the
	// formula package default.
	FormulaTimeout time.Duration
}

// Engine owns the registry, the storage driver, the hook registry, and the
// permission engine. It is safe for concurrent use after startup.
type Engine struct {
	reg   *metadata.Registry
	drv   driver.Driver
	hooks *hooks.Hooks
	perms *permission.Engine
	eval  *formula.Evaluator
	opts  Options
}

func New(reg *metadata.Registry, drv driver.Driver, opts Options) *Engine {
	eval := formula.NewEvaluator(opts.FormulaTimeout)
	e := &Engine{
		reg:   reg,
		drv:   drv,
		hooks: hooks.New(),
		perms: permission.NewEngine(reg, eval),
		eval:  eval,
		opts:  opts,
	}
	e.perms.Lookup = &lookupResolver{engine: e}
	return e
}

func (e *Engine) Registry() *metadata.Registry { return e.reg }
func (e *Engine) Driver() driver.Driver        { return e.drv }
func (e *Engine) Hooks() *hooks.Hooks          { return e.hooks }
func (e *Engine) Permissions() *permission.Engine {
	return e.perms
}

// Context builds a caller-scoped context. SpaceID is the tenant id; empty
// disables tenant filtering even on space-enabled objects.
func (e *Engine) Context(user *metadata.UserContext, spaceID string) *Context {
	return &Context{engine: e, User: user, SpaceID: spaceID}
}

// SystemContext bypasses all permission checks. For internal plumbing,
// never for request handling.
func (e *Engine) SystemContext() *Context {
	return &Context{engine: e, IsSystem: true}
}

// Context is the per-caller entry point: identity, tenant, and (inside
// Transaction) the shared transaction handle.
type Context struct {
	engine   *Engine
	User     *metadata.UserContext
	SpaceID  string
	IsSystem bool

	tx driver.Tx
}

// Object returns the repository for one object.
func (c *Context) Object(name string) *Repository {
	return &Repository{ctx: c, name: name}
}

// Sudo returns a context with all permission checks short-circuited. It
// shares the same transaction handle, so sudo inside Transaction joins the
// same commit/rollback unit.
func (c *Context) Sudo() *Context {
	out := *c
	out.IsSystem = true
	return &out
}

// Transaction runs fn with every operation routed through one driver
// transaction. The callback's context inherits user and space; an error
// from fn rolls back and propagates unchanged. Nested calls join the open
// transaction instead of opening a second one.
func (c *Context) Transaction(ctx context.Context, fn func(tc *Context) error) error {
	if c.tx != nil {
		return fn(c)
	}
	tx, err := c.engine.drv.Begin(ctx)
	if err != nil {
		return wrapErr("", err)
	}
	child := *c
	child.tx = tx
	if err := fn(&child); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("", err)
	}
	return nil
}

// session resolves the driver surface for this context: the open
// transaction if there is one, the root driver otherwise.
func (c *Context) session() driver.Session {
	if c.tx != nil {
		return c.tx
	}
	return c.engine.drv
}
