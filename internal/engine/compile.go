package engine

import (
	"context"

	"objectql/internal/driver"
	"objectql/internal/formula"
	"objectql/internal/metadata"
	"objectql/internal/permission"
	"objectql/internal/query"
)

// readPlan is a compiled read with everything the post-fetch stages need:
// whether per-row permission checks are required, which formula fields to
// compute, and the final projection (when dependency fields were fetched
// beyond what the caller asked for).
type readPlan struct {
	cq           *query.CompiledQuery
	rowCheck     bool
	formulas     []metadata.FieldConfig
	returnFields []string
}

// compileRead lowers a UnifiedQuery for obj under this context's
// permissions: record-rule filters AND-merge into the where tree, the
// projection resolves against the visible allowlist, requested formula
// fields are replaced in the driver projection by their dependencies, and
// each expand entry recursively compiles against the target object's own
// permissions.
func (c *Context) compileRead(obj *metadata.ObjectConfig, q *query.UnifiedQuery) (*readPlan, error) {
	perms := c.engine.perms
	permExpr, rowCheck := perms.ReadFilter(obj, c.User, c.IsSystem)
	visible := perms.VisibleFields(obj, c.User, c.IsSystem)

	input := query.Input{
		PermissionFilter: permExpr,
		VisibleFields:    visible,
		StoredFields:     obj.StoredFieldNames(),
		SpaceID:          c.SpaceID,
		EnableSpace:      obj.EnableSpace,
		MaxLimit:         c.engine.opts.MaxLimit,
	}

	dq := *q
	var formulas []metadata.FieldConfig
	var returnFields []string
	if len(q.Fields) > 0 {
		visSet := make(map[string]bool, len(visible))
		for _, f := range visible {
			visSet[f] = true
		}
		var driverFields []string
		deps := make(map[string]bool)
		for _, name := range q.Fields {
			f := obj.GetField(name)
			if f != nil && f.Type == metadata.FieldFormula {
				formulas = append(formulas, *f)
				returnFields = append(returnFields, name)
				fdeps, err := formula.ExtractFields(f.Formula.Expression)
				if err == nil {
					for _, dep := range fdeps {
						if visSet[dep] {
							deps[dep] = true
						}
					}
				}
				continue
			}
			driverFields = append(driverFields, name)
			if visSet[name] {
				returnFields = append(returnFields, name)
			}
		}
		for dep := range deps {
			if !fieldVisible(driverFields, dep) {
				driverFields = append(driverFields, dep)
			}
		}
		dq.Fields = driverFields
	} else {
		formulas = obj.FormulaFields()
	}

	cq, err := query.Compile(&dq, input)
	if err != nil {
		return nil, err
	}

	if len(q.Expand) > 0 {
		cq.Expand = make(map[string]*query.ExpandPlan, len(q.Expand))
		for key, sub := range q.Expand {
			plan, err := c.expandPlan(obj, key, sub)
			if err != nil {
				return nil, err
			}
			if plan != nil {
				cq.Expand[key] = plan
			}
		}
	}
	return &readPlan{cq: cq, rowCheck: rowCheck, formulas: formulas, returnFields: returnFields}, nil
}

// expandPlan compiles one relation expansion. The target object enforces
// its own permissions; a target the caller cannot read at all, or one
// whose record rules need per-row evaluation, expands to nothing rather
// than widening access.
func (c *Context) expandPlan(obj *metadata.ObjectConfig, key string, sub *query.UnifiedQuery) (*query.ExpandPlan, error) {
	f := obj.GetField(key)
	if f == nil || f.Type != metadata.FieldLookup || f.Reference == "" {
		return nil, NewError(CodeValidation, 422, "expand "+key+": not a lookup field on "+obj.Name)
	}
	target := c.engine.reg.GetObject(f.Reference)
	if target == nil {
		return nil, unknownObjectError(f.Reference)
	}
	if check := c.engine.perms.CheckObject(target, c.User, permission.OpRead, c.IsSystem); !check.Granted {
		return nil, nil
	}

	var subQ query.UnifiedQuery
	if sub != nil {
		subQ = *sub
	}
	subQ.Object = target.Name
	plan, err := c.compileRead(target, &subQ)
	if err != nil {
		return nil, err
	}
	if plan.rowCheck {
		return nil, nil
	}
	return &query.ExpandPlan{
		Target:     target.Name,
		ForeignKey: key,
		TargetKey:  target.PrimaryKey,
		Query:      plan.cq,
	}, nil
}

// hookAPI gives hook handlers CRUD scoped to the triggering context: same
// user, same transaction, full pipeline (permissions and nested hooks
// included).
type hookAPI struct {
	ctx *Context
}

func (a hookAPI) Find(ctx context.Context, object string, q *query.UnifiedQuery) ([]driver.Record, error) {
	res, err := a.ctx.Object(object).Find(ctx, q)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

func (a hookAPI) FindOne(ctx context.Context, object string, id any) (driver.Record, error) {
	return a.ctx.Object(object).FindOne(ctx, id, nil)
}

func (a hookAPI) Count(ctx context.Context, object string, q *query.UnifiedQuery) (int64, error) {
	return a.ctx.Object(object).Count(ctx, q)
}

func (a hookAPI) Create(ctx context.Context, object string, data driver.Record) (driver.Record, error) {
	return a.ctx.Object(object).Create(ctx, data)
}

func (a hookAPI) Update(ctx context.Context, object string, id any, data driver.Record) (driver.Record, error) {
	return a.ctx.Object(object).Update(ctx, id, data)
}

func (a hookAPI) Delete(ctx context.Context, object string, id any) error {
	return a.ctx.Object(object).Delete(ctx, id)
}

// lookupResolver evaluates lookup record-rule conditions by fetching the
// referenced record with system access and recursing into the permission
// engine. Any resolution failure answers false: fail closed.
type lookupResolver struct {
	engine *Engine
}

func (l *lookupResolver) ResolveLookup(ctx context.Context, obj *metadata.ObjectConfig, relation string, refID any, related *metadata.Condition, user *metadata.UserContext) (bool, error) {
	f := obj.GetField(relation)
	if f == nil || f.Reference == "" {
		return false, nil
	}
	target := l.engine.reg.GetObject(f.Reference)
	if target == nil {
		return false, nil
	}
	rec, err := l.engine.drv.Get(ctx, target.Name, refID)
	if err != nil {
		return false, nil
	}
	return l.engine.perms.MatchCondition(ctx, target, related, rec, user)
}
