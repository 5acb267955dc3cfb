package engine

import (
	"context"
	"time"

	"objectql/internal/driver"
	"objectql/internal/filter"
	"objectql/internal/formula"
	"objectql/internal/hooks"
	"objectql/internal/metadata"
	"objectql/internal/permission"
	"objectql/internal/query"
	"objectql/internal/rules"
)

// Repository runs operations for one object on behalf of one context.
type Repository struct {
	ctx  *Context
	name string
}

// FindResult carries a page of records plus the truncation flag: true when
// the driver had more matching rows than the effective limit.
type FindResult struct {
	Records   []driver.Record `json:"records"`
	Truncated bool            `json:"truncated"`
}

func (r *Repository) object() (*metadata.ObjectConfig, error) {
	obj := r.ctx.engine.reg.GetObject(r.name)
	if obj == nil {
		return nil, unknownObjectError(r.name)
	}
	return obj, nil
}

func (r *Repository) gate(obj *metadata.ObjectConfig, op string) error {
	check := r.ctx.engine.perms.CheckObject(obj, r.ctx.User, op, r.ctx.IsSystem)
	if !check.Granted {
		var roles []string
		if r.ctx.User != nil {
			roles = r.ctx.User.Roles
		}
		return forbiddenOpError(op, roles, check.Reason)
	}
	return nil
}

func (r *Repository) retrievalContext(ctx context.Context, op string, q *query.UnifiedQuery) *hooks.RetrievalContext {
	return &hooks.RetrievalContext{
		BaseContext: r.baseContext(ctx, op),
		Query:       q,
	}
}

func (r *Repository) baseContext(ctx context.Context, op string) hooks.BaseContext {
	return hooks.BaseContext{
		Ctx:       ctx,
		Object:    r.name,
		Operation: op,
		User:      r.ctx.User,
		IsSystem:  r.ctx.IsSystem,
		State:     hooks.State{},
		API:       hookAPI{ctx: r.ctx},
	}
}

// Find runs the full read pipeline and returns one page plus the
// truncation flag.
func (r *Repository) Find(ctx context.Context, q *query.UnifiedQuery) (*FindResult, error) {
	obj, err := r.object()
	if err != nil {
		return nil, err
	}
	if err := r.gate(obj, permission.OpRead); err != nil {
		return nil, err
	}
	if q == nil {
		q = &query.UnifiedQuery{}
	}
	q.Object = r.name

	hctx := r.retrievalContext(ctx, "find", q)
	if err := r.ctx.engine.hooks.RunBeforeFind(hctx); err != nil {
		return nil, wrapErr(r.name, err)
	}
	q = hctx.Query

	plan, err := r.ctx.compileRead(obj, q)
	if err != nil {
		return nil, wrapErr(r.name, err)
	}

	// Fetch one row beyond the page so truncation is detectable without a
	// second count query.
	pageSize := plan.cq.Limit
	plan.cq.Limit = pageSize + 1
	rows, err := r.ctx.session().Find(ctx, plan.cq)
	if err != nil {
		return nil, wrapErr(r.name, err)
	}
	plan.cq.Limit = pageSize

	// Under per-row checking the flag reflects the raw page: more candidate
	// rows existed at the data source, though the check below may admit
	// fewer than the limit.
	truncated := false
	if pageSize > 0 && len(rows) > pageSize {
		rows = rows[:pageSize]
		truncated = true
	}
	if plan.rowCheck {
		rows, err = r.filterRows(ctx, obj, rows)
		if err != nil {
			return nil, wrapErr(r.name, err)
		}
	}

	r.computeFormulas(ctx, obj, plan, rows, false)
	r.finalProject(plan, rows)
	r.ctx.engine.perms.MaskFields(obj, r.ctx.User, r.ctx.IsSystem, rows)
	r.maskExpanded(plan, rows)

	hctx.Result = rows
	if err := r.ctx.engine.hooks.RunAfterFind(hctx); err != nil {
		return nil, wrapErr(r.name, err)
	}
	return &FindResult{Records: hctx.Result, Truncated: truncated}, nil
}

// FindOne fetches a single record by primary key. The optional query
// narrows projection and expansion; its filters still apply.
func (r *Repository) FindOne(ctx context.Context, id any, q *query.UnifiedQuery) (driver.Record, error) {
	obj, err := r.object()
	if err != nil {
		return nil, err
	}
	var one query.UnifiedQuery
	if q != nil {
		one = *q
	}
	pk := filter.Where(obj.PrimaryKey, filter.OpEq, id)
	if len(one.Filters) > 0 {
		one.Filters = filter.Expression{filter.Group(one.Filters...), filter.And(), pk}
	} else {
		one.Filters = filter.Expression{pk}
	}
	one.Top = 1
	res, err := r.Find(ctx, &one)
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, notFoundError(r.name, id)
	}
	return res.Records[0], nil
}

func (r *Repository) Count(ctx context.Context, q *query.UnifiedQuery) (int64, error) {
	obj, err := r.object()
	if err != nil {
		return 0, err
	}
	if err := r.gate(obj, permission.OpRead); err != nil {
		return 0, err
	}
	if q == nil {
		q = &query.UnifiedQuery{}
	}
	q.Object = r.name

	hctx := r.retrievalContext(ctx, "count", q)
	if err := r.ctx.engine.hooks.RunBeforeCount(hctx); err != nil {
		return 0, wrapErr(r.name, err)
	}
	q = hctx.Query

	plan, err := r.ctx.compileRead(obj, q)
	if err != nil {
		return 0, wrapErr(r.name, err)
	}

	var n int64
	if plan.rowCheck {
		// Per-row rules cannot lower to the data source; count what the
		// row check admits, bounded by the page cap.
		rows, err := r.ctx.session().Find(ctx, plan.cq)
		if err != nil {
			return 0, wrapErr(r.name, err)
		}
		rows, err = r.filterRows(ctx, obj, rows)
		if err != nil {
			return 0, wrapErr(r.name, err)
		}
		n = int64(len(rows))
	} else {
		n, err = r.ctx.session().Count(ctx, plan.cq)
		if err != nil {
			return 0, wrapErr(r.name, err)
		}
	}

	hctx.Count = n
	if err := r.ctx.engine.hooks.RunAfterCount(hctx); err != nil {
		return 0, wrapErr(r.name, err)
	}
	return hctx.Count, nil
}

// Aggregate compiles and runs a groupBy/aggregate query. Permission
// filters apply the same way they do for Find.
func (r *Repository) Aggregate(ctx context.Context, q *query.UnifiedQuery) ([]driver.Record, error) {
	obj, err := r.object()
	if err != nil {
		return nil, err
	}
	if err := r.gate(obj, permission.OpRead); err != nil {
		return nil, err
	}
	if q == nil {
		q = &query.UnifiedQuery{}
	}
	q.Object = r.name
	plan, err := r.ctx.compileRead(obj, q)
	if err != nil {
		return nil, wrapErr(r.name, err)
	}
	if plan.rowCheck {
		return nil, forbiddenError("record rules on " + r.name + " cannot be applied to aggregate queries")
	}
	rows, err := r.ctx.session().Aggregate(ctx, plan.cq)
	if err != nil {
		return nil, wrapErr(r.name, err)
	}
	return rows, nil
}

// Distinct returns the distinct values of one visible field.
func (r *Repository) Distinct(ctx context.Context, field string, q *query.UnifiedQuery) ([]any, error) {
	obj, err := r.object()
	if err != nil {
		return nil, err
	}
	if err := r.gate(obj, permission.OpRead); err != nil {
		return nil, err
	}
	if !fieldVisible(r.ctx.engine.perms.VisibleFields(obj, r.ctx.User, r.ctx.IsSystem), field) {
		return nil, forbiddenError("field " + field + " is not readable")
	}
	if q == nil {
		q = &query.UnifiedQuery{}
	}
	q.Object = r.name
	plan, err := r.ctx.compileRead(obj, q)
	if err != nil {
		return nil, wrapErr(r.name, err)
	}
	if plan.rowCheck {
		return nil, forbiddenError("record rules on " + r.name + " cannot be applied to distinct queries")
	}
	vals, err := r.ctx.session().Distinct(ctx, plan.cq, field)
	if err != nil {
		return nil, wrapErr(r.name, err)
	}
	return vals, nil
}

// Create validates, runs hooks, and inserts a record. Formula fields and
// unknown keys never reach the driver.
func (r *Repository) Create(ctx context.Context, data driver.Record) (driver.Record, error) {
	obj, err := r.object()
	if err != nil {
		return nil, err
	}
	if err := r.gate(obj, permission.OpCreate); err != nil {
		return nil, err
	}

	payload := r.storedPayload(obj, data, true)
	applyDefaults(obj, payload)
	if obj.EnableSpace && r.ctx.SpaceID != "" {
		payload["space_id"] = r.ctx.SpaceID
	}

	hctx := &hooks.MutationContext{BaseContext: r.baseContext(ctx, "create"), Data: payload}
	if err := r.ctx.engine.hooks.RunBeforeCreate(hctx); err != nil {
		return nil, wrapErr(r.name, err)
	}
	payload = hctx.Data

	if violations := rules.Evaluate(obj, payload, nil, true); len(violations) > 0 {
		return nil, validationError(violations)
	}

	created, err := r.ctx.session().Create(ctx, r.name, payload)
	if err != nil {
		return nil, wrapErr(r.name, err)
	}

	hctx.ID = created[obj.PrimaryKey]
	hctx.Result = created
	if err := r.ctx.engine.hooks.RunAfterCreate(hctx); err != nil {
		return nil, wrapErr(r.name, err)
	}
	result := []driver.Record{hctx.Result}
	r.computeFormulasAll(ctx, obj, result, true)
	r.ctx.engine.perms.MaskFields(obj, r.ctx.User, r.ctx.IsSystem, result)
	return result[0], nil
}

// Update fetches the stored record first (for record rules, hooks, and
// isModified), then applies the patch.
func (r *Repository) Update(ctx context.Context, id any, data driver.Record) (driver.Record, error) {
	obj, err := r.object()
	if err != nil {
		return nil, err
	}
	if err := r.gate(obj, permission.OpUpdate); err != nil {
		return nil, err
	}

	previous, err := r.ctx.session().Get(ctx, r.name, id)
	if err != nil {
		return nil, wrapErr(r.name, err)
	}
	if err := r.checkSpace(obj, previous, id); err != nil {
		return nil, err
	}
	check, err := r.ctx.engine.perms.CheckRecord(ctx, obj, r.ctx.User, permission.OpUpdate, previous, r.ctx.IsSystem)
	if err != nil {
		return nil, wrapErr(r.name, err)
	}
	if !check.Granted {
		return nil, forbiddenError(check.Reason)
	}

	patch := r.storedPayload(obj, data, false)
	hctx := &hooks.UpdateContext{MutationContext: hooks.MutationContext{
		BaseContext:  r.baseContext(ctx, "update"),
		ID:           id,
		Data:         patch,
		PreviousData: previous,
	}}
	if err := r.ctx.engine.hooks.RunBeforeUpdate(hctx); err != nil {
		return nil, wrapErr(r.name, err)
	}
	patch = hctx.Data

	// Rules see the record as it would look after the patch.
	merged := make(driver.Record, len(previous)+len(patch))
	for k, v := range previous {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	if violations := rules.Evaluate(obj, merged, previous, false); len(violations) > 0 {
		return nil, validationError(violations)
	}
	for _, rule := range obj.Rules {
		if rule.Type == metadata.RuleComputed {
			patch[rule.Field] = merged[rule.Field]
		}
	}

	updated, err := r.ctx.session().Update(ctx, r.name, id, patch)
	if err != nil {
		return nil, wrapErr(r.name, err)
	}

	hctx.Result = updated
	if err := r.ctx.engine.hooks.RunAfterUpdate(hctx); err != nil {
		return nil, wrapErr(r.name, err)
	}
	result := []driver.Record{hctx.Result}
	r.computeFormulasAll(ctx, obj, result, false)
	r.ctx.engine.perms.MaskFields(obj, r.ctx.User, r.ctx.IsSystem, result)
	return result[0], nil
}

func (r *Repository) Delete(ctx context.Context, id any) error {
	obj, err := r.object()
	if err != nil {
		return err
	}
	if err := r.gate(obj, permission.OpDelete); err != nil {
		return err
	}

	previous, err := r.ctx.session().Get(ctx, r.name, id)
	if err != nil {
		return wrapErr(r.name, err)
	}
	if err := r.checkSpace(obj, previous, id); err != nil {
		return err
	}
	check, err := r.ctx.engine.perms.CheckRecord(ctx, obj, r.ctx.User, permission.OpDelete, previous, r.ctx.IsSystem)
	if err != nil {
		return wrapErr(r.name, err)
	}
	if !check.Granted {
		return forbiddenError(check.Reason)
	}

	hctx := &hooks.MutationContext{
		BaseContext:  r.baseContext(ctx, "delete"),
		ID:           id,
		PreviousData: previous,
	}
	if err := r.ctx.engine.hooks.RunBeforeDelete(hctx); err != nil {
		return wrapErr(r.name, err)
	}
	if err := r.ctx.session().Delete(ctx, r.name, id); err != nil {
		return wrapErr(r.name, err)
	}
	if err := r.ctx.engine.hooks.RunAfterDelete(hctx); err != nil {
		return wrapErr(r.name, err)
	}
	return nil
}

// filterRows applies per-row record rules that could not lower to the data
// source (formula/lookup conditions, explicit denies).
func (r *Repository) filterRows(ctx context.Context, obj *metadata.ObjectConfig, rows []driver.Record) ([]driver.Record, error) {
	out := rows[:0]
	for _, rec := range rows {
		check, err := r.ctx.engine.perms.CheckRecord(ctx, obj, r.ctx.User, permission.OpRead, rec, r.ctx.IsSystem)
		if err != nil {
			return nil, err
		}
		if check.Granted {
			out = append(out, rec)
		}
	}
	return out, nil
}

// storedPayload keeps only stored, known fields. Formula fields are
// read-only and silently dropped from writes. The tenant column is
// engine-owned: it passes through on create (where the context stamp
// overrides it anyway) and is stripped from update patches so a record
// can never be moved to another space.
func (r *Repository) storedPayload(obj *metadata.ObjectConfig, data driver.Record, allowSpace bool) driver.Record {
	out := make(driver.Record, len(data))
	for k, v := range data {
		if k == "space_id" {
			if allowSpace {
				out[k] = v
			}
			continue
		}
		f := obj.GetField(k)
		if f == nil || !f.IsStored() {
			continue
		}
		out[k] = v
	}
	return out
}

// checkSpace hides other tenants' records on id-addressed writes. The
// answer is not-found, not forbidden: an id must not reveal that a record
// exists in another space.
func (r *Repository) checkSpace(obj *metadata.ObjectConfig, rec driver.Record, id any) error {
	if !obj.EnableSpace || r.ctx.SpaceID == "" {
		return nil
	}
	if rec["space_id"] != r.ctx.SpaceID {
		return notFoundError(r.name, id)
	}
	return nil
}

func applyDefaults(obj *metadata.ObjectConfig, payload driver.Record) {
	for _, f := range obj.Fields {
		if f.Default == nil || !f.IsStored() {
			continue
		}
		if _, ok := payload[f.Name]; !ok {
			payload[f.Name] = f.Default
		}
	}
}

// computeFormulas evaluates the formula fields the read plan requested. A
// failed formula renders as null rather than failing the whole result set.
func (r *Repository) computeFormulas(ctx context.Context, obj *metadata.ObjectConfig, plan *readPlan, rows []driver.Record, isNew bool) {
	if len(plan.formulas) == 0 {
		return
	}
	sys := formula.SystemVarsAt(time.Now())
	user := formulaUser(r.ctx.User)
	for _, f := range plan.formulas {
		for _, rec := range rows {
			res := r.ctx.engine.eval.Evaluate(ctx, *f.Formula, &formula.Context{
				Record: rec,
				System: sys,
				User:   user,
				IsNew:  isNew,
			})
			if res.Success {
				rec[f.Name] = res.Value
			} else {
				rec[f.Name] = nil
			}
		}
	}
}

func (r *Repository) computeFormulasAll(ctx context.Context, obj *metadata.ObjectConfig, rows []driver.Record, isNew bool) {
	r.computeFormulas(ctx, obj, &readPlan{formulas: obj.FormulaFields()}, rows, isNew)
}

// maskExpanded applies the target object's field masks to expanded
// sub-records. Relation traversal must not leak fields the caller could
// not read off the target directly.
func (r *Repository) maskExpanded(plan *readPlan, rows []driver.Record) {
	if plan.cq == nil || len(plan.cq.Expand) == 0 {
		return
	}
	for key, ep := range plan.cq.Expand {
		target := r.ctx.engine.reg.GetObject(ep.Target)
		if target == nil {
			continue
		}
		var subs []driver.Record
		for _, rec := range rows {
			if sub, ok := rec[key].(driver.Record); ok && sub != nil {
				subs = append(subs, sub)
			}
		}
		r.ctx.engine.perms.MaskFields(target, r.ctx.User, r.ctx.IsSystem, subs)
	}
}

// finalProject strips fields fetched only as formula dependencies.
func (r *Repository) finalProject(plan *readPlan, rows []driver.Record) {
	if len(plan.returnFields) == 0 {
		return
	}
	keep := make(map[string]bool, len(plan.returnFields))
	for _, f := range plan.returnFields {
		keep[f] = true
	}
	for key := range plan.cq.Expand {
		keep[key] = true
	}
	for _, rec := range rows {
		for k := range rec {
			if !keep[k] {
				delete(rec, k)
			}
		}
	}
}

func fieldVisible(visible []string, field string) bool {
	for _, f := range visible {
		if f == field {
			return true
		}
	}
	return false
}

func formulaUser(user *metadata.UserContext) *formula.UserVars {
	if user == nil {
		return nil
	}
	role := ""
	if len(user.Roles) > 0 {
		role = user.Roles[0]
	}
	return &formula.UserVars{ID: user.ID, Name: user.Name, Email: user.Email, Role: role}
}
