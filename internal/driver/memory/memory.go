// Package memory is an in-process driver used for tests and embedded
// setups. It evaluates compiled condition trees directly against stored
// maps, so it exercises the same query semantics as the SQL drivers
// without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"objectql/internal/driver"
	"objectql/internal/query"
)

// Driver stores records per object in insertion order. All access goes
// through one RWMutex; transactions snapshot the whole store and swap it
// back on commit.
type Driver struct {
	mu   sync.RWMutex
	data map[string][]driver.Record
	pk   func(object string) string
}

// Option configures the driver.
type Option func(*Driver)

// WithPrimaryKey overrides the per-object primary key resolver. The
// default is "id" for every object.
func WithPrimaryKey(fn func(object string) string) Option {
	return func(d *Driver) { d.pk = fn }
}

func New(opts ...Option) *Driver {
	d := &Driver{
		data: make(map[string][]driver.Record),
		pk:   func(string) string { return "id" },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Seed loads records directly, bypassing id generation. Test helper.
func (d *Driver) Seed(object string, records ...driver.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range records {
		d.data[object] = append(d.data[object], cloneRecord(r))
	}
}

func (d *Driver) Find(ctx context.Context, q *query.CompiledQuery) ([]driver.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return findIn(d.data, q, d.pk)
}

func (d *Driver) Count(ctx context.Context, q *query.CompiledQuery) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return countIn(d.data, q)
}

func (d *Driver) Aggregate(ctx context.Context, q *query.CompiledQuery) ([]driver.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return aggregateIn(d.data, q)
}

func (d *Driver) Distinct(ctx context.Context, q *query.CompiledQuery, field string) ([]any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return distinctIn(d.data, q, field)
}

func (d *Driver) Get(ctx context.Context, object string, id any) (driver.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return getIn(d.data, object, id, d.pk(object))
}

func (d *Driver) Create(ctx context.Context, object string, data driver.Record) (driver.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return createIn(d.data, object, data, d.pk(object))
}

func (d *Driver) Update(ctx context.Context, object string, id any, data driver.Record) (driver.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return updateIn(d.data, object, id, data, d.pk(object))
}

func (d *Driver) Delete(ctx context.Context, object string, id any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return deleteIn(d.data, object, id, d.pk(object))
}

// Begin snapshots the store. The transaction operates on the copy; Commit
// swaps it in wholesale. Concurrent transactions are last-commit-wins,
// which is acceptable for a test driver.
func (d *Driver) Begin(ctx context.Context) (driver.Tx, error) {
	d.mu.RLock()
	snap := make(map[string][]driver.Record, len(d.data))
	for obj, rows := range d.data {
		cp := make([]driver.Record, len(rows))
		for i, r := range rows {
			cp[i] = cloneRecord(r)
		}
		snap[obj] = cp
	}
	d.mu.RUnlock()
	return &tx{parent: d, data: snap}, nil
}

type tx struct {
	parent *Driver
	mu     sync.Mutex
	data   map[string][]driver.Record
	done   bool
}

func (t *tx) Find(ctx context.Context, q *query.CompiledQuery) ([]driver.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return findIn(t.data, q, t.parent.pk)
}

func (t *tx) Count(ctx context.Context, q *query.CompiledQuery) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countIn(t.data, q)
}

func (t *tx) Aggregate(ctx context.Context, q *query.CompiledQuery) ([]driver.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return aggregateIn(t.data, q)
}

func (t *tx) Distinct(ctx context.Context, q *query.CompiledQuery, field string) ([]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return distinctIn(t.data, q, field)
}

func (t *tx) Get(ctx context.Context, object string, id any) (driver.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return getIn(t.data, object, id, t.parent.pk(object))
}

func (t *tx) Create(ctx context.Context, object string, data driver.Record) (driver.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return createIn(t.data, object, data, t.parent.pk(object))
}

func (t *tx) Update(ctx context.Context, object string, id any, data driver.Record) (driver.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return updateIn(t.data, object, id, data, t.parent.pk(object))
}

func (t *tx) Delete(ctx context.Context, object string, id any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return deleteIn(t.data, object, id, t.parent.pk(object))
}

func (t *tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.parent.mu.Lock()
	t.parent.data = t.data
	t.parent.mu.Unlock()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	return nil
}

// --- shared operations over a data map ---

func findIn(data map[string][]driver.Record, q *query.CompiledQuery, pk func(string) string) ([]driver.Record, error) {
	var out []driver.Record
	for _, rec := range data[q.Object] {
		if q.Where == nil || q.Where.Matches(rec) {
			out = append(out, rec)
		}
	}
	if len(q.Sort) > 0 {
		out = sortRecords(out, q.Sort)
	}
	out = page(out, q.Offset, q.Limit)

	// Materialize copies before projection/expand so callers never alias
	// stored maps.
	rows := make([]driver.Record, len(out))
	for i, rec := range out {
		rows[i] = cloneRecord(rec)
	}
	if len(q.Expand) > 0 {
		if err := expand(data, q, rows, pk); err != nil {
			return nil, err
		}
	}
	if len(q.Fields) > 0 {
		for i, rec := range rows {
			rows[i] = project(rec, q.Fields, q.Expand)
		}
	}
	return rows, nil
}

func countIn(data map[string][]driver.Record, q *query.CompiledQuery) (int64, error) {
	var n int64
	for _, rec := range data[q.Object] {
		if q.Where == nil || q.Where.Matches(rec) {
			n++
		}
	}
	return n, nil
}

func distinctIn(data map[string][]driver.Record, q *query.CompiledQuery, field string) ([]any, error) {
	seen := make(map[string]bool)
	var out []any
	for _, rec := range data[q.Object] {
		if q.Where != nil && !q.Where.Matches(rec) {
			continue
		}
		v := rec[field]
		key := fmt.Sprintf("%v", v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func getIn(data map[string][]driver.Record, object string, id any, pk string) (driver.Record, error) {
	for _, rec := range data[object] {
		if looseKeyEqual(rec[pk], id) {
			return cloneRecord(rec), nil
		}
	}
	return nil, driver.ErrNotFound
}

func createIn(data map[string][]driver.Record, object string, in driver.Record, pk string) (driver.Record, error) {
	rec := cloneRecord(in)
	if rec[pk] == nil || rec[pk] == "" {
		rec[pk] = uuid.New().String()
	} else {
		for _, existing := range data[object] {
			if looseKeyEqual(existing[pk], rec[pk]) {
				return nil, fmt.Errorf("duplicate %s %v in %s", pk, rec[pk], object)
			}
		}
	}
	data[object] = append(data[object], rec)
	return cloneRecord(rec), nil
}

func updateIn(data map[string][]driver.Record, object string, id any, patch driver.Record, pk string) (driver.Record, error) {
	for _, rec := range data[object] {
		if !looseKeyEqual(rec[pk], id) {
			continue
		}
		for k, v := range patch {
			if k == pk {
				continue
			}
			rec[k] = v
		}
		return cloneRecord(rec), nil
	}
	return nil, driver.ErrNotFound
}

func deleteIn(data map[string][]driver.Record, object string, id any, pk string) error {
	rows := data[object]
	for i, rec := range rows {
		if looseKeyEqual(rec[pk], id) {
			data[object] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return driver.ErrNotFound
}

func aggregateIn(data map[string][]driver.Record, q *query.CompiledQuery) ([]driver.Record, error) {
	type group struct {
		key  driver.Record
		rows []driver.Record
	}
	groups := make(map[string]*group)
	var order []string
	for _, rec := range data[q.Object] {
		if q.Where != nil && !q.Where.Matches(rec) {
			continue
		}
		var kb strings.Builder
		key := driver.Record{}
		for _, f := range q.GroupBy {
			key[f] = rec[f]
			fmt.Fprintf(&kb, "%v\x00", rec[f])
		}
		ks := kb.String()
		g, ok := groups[ks]
		if !ok {
			g = &group{key: key}
			groups[ks] = g
			order = append(order, ks)
		}
		g.rows = append(g.rows, rec)
	}

	out := make([]driver.Record, 0, len(order))
	for _, ks := range order {
		g := groups[ks]
		row := driver.Record{}
		for k, v := range g.key {
			row[k] = v
		}
		for _, agg := range q.Aggregate {
			v, err := computeAggregate(agg, g.rows)
			if err != nil {
				return nil, err
			}
			row[agg.Name()] = v
		}
		out = append(out, row)
	}
	return out, nil
}

func computeAggregate(agg query.AggregateEntry, rows []driver.Record) (any, error) {
	if agg.Function == query.AggCount {
		if agg.Field == "" {
			return int64(len(rows)), nil
		}
		var n int64
		for _, r := range rows {
			if r[agg.Field] != nil {
				n++
			}
		}
		return n, nil
	}

	var nums []float64
	for _, r := range rows {
		if v, ok := toFloat(r[agg.Field]); ok {
			nums = append(nums, v)
		}
	}
	if len(nums) == 0 {
		return nil, nil
	}
	switch agg.Function {
	case query.AggSum, query.AggAvg:
		var sum float64
		for _, v := range nums {
			sum += v
		}
		if agg.Function == query.AggAvg {
			return sum / float64(len(nums)), nil
		}
		return sum, nil
	case query.AggMin:
		min := nums[0]
		for _, v := range nums[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	case query.AggMax:
		max := nums[0]
		for _, v := range nums[1:] {
			if v > max {
				max = v
			}
		}
		return max, nil
	}
	return nil, fmt.Errorf("unknown aggregate function %q", agg.Function)
}

// expand resolves lookup relations batch-style: collect foreign keys from
// the page, load matching targets once, attach per row.
func expand(data map[string][]driver.Record, q *query.CompiledQuery, rows []driver.Record, pk func(string) string) error {
	for key, plan := range q.Expand {
		var fks []any
		seen := make(map[string]bool)
		for _, rec := range rows {
			fk := rec[plan.ForeignKey]
			if fk == nil {
				continue
			}
			ks := fmt.Sprintf("%v", fk)
			if !seen[ks] {
				seen[ks] = true
				fks = append(fks, fk)
			}
		}
		if len(fks) == 0 {
			continue
		}

		byID := make(map[string]driver.Record)
		for _, target := range data[plan.Query.Object] {
			if plan.Query.Where != nil && !plan.Query.Where.Matches(target) {
				continue
			}
			tk := target[plan.TargetKey]
			if tk == nil || !seen[fmt.Sprintf("%v", tk)] {
				continue
			}
			rec := cloneRecord(target)
			if len(plan.Query.Fields) > 0 {
				rec = project(rec, plan.Query.Fields, plan.Query.Expand)
			}
			byID[fmt.Sprintf("%v", tk)] = rec
		}
		for _, rec := range rows {
			fk := rec[plan.ForeignKey]
			if fk == nil {
				continue
			}
			if target, ok := byID[fmt.Sprintf("%v", fk)]; ok {
				rec[key] = target
			} else {
				rec[key] = nil
			}
		}
	}
	return nil
}

func project(rec driver.Record, fields []string, expanded map[string]*query.ExpandPlan) driver.Record {
	out := make(driver.Record, len(fields))
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	for key := range expanded {
		if v, ok := rec[key]; ok {
			out[key] = v
		}
	}
	return out
}

func sortRecords(rows []driver.Record, entries []query.SortEntry) []driver.Record {
	out := make([]driver.Record, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		for _, s := range entries {
			c := compareValues(out[i][s.Field], out[j][s.Field])
			if c == 0 {
				continue
			}
			if s.Dir == "desc" {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return out
}

func page(rows []driver.Record, offset, limit int) []driver.Record {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// compareValues orders nil first, then numbers, times, and strings.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

func looseKeyEqual(a, b any) bool {
	if a == b {
		return true
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func cloneRecord(r driver.Record) driver.Record {
	out := make(driver.Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
