// Package hooks implements the before/after interception pipeline that
// wraps every repository operation. Handlers run sequentially in strict
// registration order; a before-handler error aborts the operation before
// the driver sees it, while an after-handler error surfaces to the caller
// after the write has already happened.
package hooks

import "sync"

type FindHandler func(*RetrievalContext) error
type MutationHandler func(*MutationContext) error
type UpdateHandler func(*UpdateContext) error

type objectHooks struct {
	beforeFind   []FindHandler
	afterFind    []FindHandler
	beforeCount  []FindHandler
	afterCount   []FindHandler
	beforeCreate []MutationHandler
	afterCreate  []MutationHandler
	beforeUpdate []UpdateHandler
	afterUpdate  []UpdateHandler
	beforeDelete []MutationHandler
	afterDelete  []MutationHandler
}

// Hooks is the per-object handler registry. Registration happens during
// application/plugin startup; dispatch is read-only after that, guarded by
// an RWMutex the same way the metadata registry is.
type Hooks struct {
	mu      sync.RWMutex
	objects map[string]*objectHooks
}

func New() *Hooks {
	return &Hooks{objects: make(map[string]*objectHooks)}
}

func (h *Hooks) forObject(object string) *objectHooks {
	oh, ok := h.objects[object]
	if !ok {
		oh = &objectHooks{}
		h.objects[object] = oh
	}
	return oh
}

func (h *Hooks) BeforeFind(object string, fn FindHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	oh := h.forObject(object)
	oh.beforeFind = append(oh.beforeFind, fn)
}

func (h *Hooks) AfterFind(object string, fn FindHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	oh := h.forObject(object)
	oh.afterFind = append(oh.afterFind, fn)
}

func (h *Hooks) BeforeCount(object string, fn FindHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	oh := h.forObject(object)
	oh.beforeCount = append(oh.beforeCount, fn)
}

func (h *Hooks) AfterCount(object string, fn FindHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	oh := h.forObject(object)
	oh.afterCount = append(oh.afterCount, fn)
}

func (h *Hooks) BeforeCreate(object string, fn MutationHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	oh := h.forObject(object)
	oh.beforeCreate = append(oh.beforeCreate, fn)
}

func (h *Hooks) AfterCreate(object string, fn MutationHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	oh := h.forObject(object)
	oh.afterCreate = append(oh.afterCreate, fn)
}

func (h *Hooks) BeforeUpdate(object string, fn UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	oh := h.forObject(object)
	oh.beforeUpdate = append(oh.beforeUpdate, fn)
}

func (h *Hooks) AfterUpdate(object string, fn UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	oh := h.forObject(object)
	oh.afterUpdate = append(oh.afterUpdate, fn)
}

func (h *Hooks) BeforeDelete(object string, fn MutationHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	oh := h.forObject(object)
	oh.beforeDelete = append(oh.beforeDelete, fn)
}

func (h *Hooks) AfterDelete(object string, fn MutationHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	oh := h.forObject(object)
	oh.afterDelete = append(oh.afterDelete, fn)
}

// Dispatch helpers. Each runs the relevant chain sequentially and stops at
// the first error; later handlers observe mutations made by earlier ones.

func (h *Hooks) RunBeforeFind(c *RetrievalContext) error {
	return runFind(h.findChain(c.Object, "beforeFind"), c)
}

func (h *Hooks) RunAfterFind(c *RetrievalContext) error {
	return runFind(h.findChain(c.Object, "afterFind"), c)
}

func (h *Hooks) RunBeforeCount(c *RetrievalContext) error {
	return runFind(h.findChain(c.Object, "beforeCount"), c)
}

func (h *Hooks) RunAfterCount(c *RetrievalContext) error {
	return runFind(h.findChain(c.Object, "afterCount"), c)
}

func (h *Hooks) RunBeforeCreate(c *MutationContext) error {
	return runMutation(h.mutationChain(c.Object, "beforeCreate"), c)
}

func (h *Hooks) RunAfterCreate(c *MutationContext) error {
	return runMutation(h.mutationChain(c.Object, "afterCreate"), c)
}

func (h *Hooks) RunBeforeUpdate(c *UpdateContext) error {
	return runUpdate(h.updateChain(c.Object, "beforeUpdate"), c)
}

func (h *Hooks) RunAfterUpdate(c *UpdateContext) error {
	return runUpdate(h.updateChain(c.Object, "afterUpdate"), c)
}

func (h *Hooks) RunBeforeDelete(c *MutationContext) error {
	return runMutation(h.mutationChain(c.Object, "beforeDelete"), c)
}

func (h *Hooks) RunAfterDelete(c *MutationContext) error {
	return runMutation(h.mutationChain(c.Object, "afterDelete"), c)
}

func (h *Hooks) findChain(object, event string) []FindHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	oh, ok := h.objects[object]
	if !ok {
		return nil
	}
	switch event {
	case "beforeFind":
		return oh.beforeFind
	case "afterFind":
		return oh.afterFind
	case "beforeCount":
		return oh.beforeCount
	default:
		return oh.afterCount
	}
}

func (h *Hooks) mutationChain(object, event string) []MutationHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	oh, ok := h.objects[object]
	if !ok {
		return nil
	}
	switch event {
	case "beforeCreate":
		return oh.beforeCreate
	case "afterCreate":
		return oh.afterCreate
	case "beforeDelete":
		return oh.beforeDelete
	default:
		return oh.afterDelete
	}
}

func (h *Hooks) updateChain(object, event string) []UpdateHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	oh, ok := h.objects[object]
	if !ok {
		return nil
	}
	if event == "beforeUpdate" {
		return oh.beforeUpdate
	}
	return oh.afterUpdate
}

func runFind(chain []FindHandler, c *RetrievalContext) error {
	for _, fn := range chain {
		if err := ctxErr(c.Ctx); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func runMutation(chain []MutationHandler, c *MutationContext) error {
	for _, fn := range chain {
		if err := ctxErr(c.Ctx); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func runUpdate(chain []UpdateHandler, c *UpdateContext) error {
	for _, fn := range chain {
		if err := ctxErr(c.Ctx); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// ctxErr checks for cancellation between handlers: a running handler is
// never interrupted mid-flight, but no further handler starts after the
// context is done.
func ctxErr(ctx interface{ Err() error }) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
