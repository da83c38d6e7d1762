// Package fact resolves staged event rows into fact records: business
// keys become current surrogate keys, timestamps become minute keys, and
// event groups become per-state duration measures.
package fact

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"dwetl/internal/batch"
	"dwetl/internal/etlerrors"
	"dwetl/internal/metrics"
	"dwetl/internal/staging"
	"dwetl/internal/storage"
	"dwetl/internal/timedim"
)

// Store is the warehouse seam fact loading needs.
type Store interface {
	SelectCurrentKeys(ctx context.Context, table storage.TableSpec, keys [][]any) (map[string]int64, error)
	ReplaceFactRows(ctx context.Context, table storage.TableSpec, columns []string, rows [][]any, naturalIDs []any) error
}

// Lookup resolves one fact column to a dimension's current surrogate key.
type Lookup struct {
	// Column is the fact column receiving the surrogate key.
	Column string
	// Dimension is the referenced dimension; lookups match on its business
	// keys where is_current.
	Dimension storage.TableSpec
	// KeyColumns are the staged columns holding the business-key parts,
	// aligned with Dimension.BusinessKeys.
	KeyColumns []string
	// Required rejects the row when the key is empty or unresolved.
	// Optional references load NULL instead.
	Required bool
}

// TimeKey derives a fact column from a staged timestamp with the time
// dimension's key formula. No lookup: the formula guarantees join
// compatibility by construction.
type TimeKey struct {
	Column string // fact column receiving the minute key
	Source string // staged timestamp column
}

// Durations configures the sequential per-group duration computation.
// Facts without it load one row per staged row.
type Durations struct {
	// OrderColumn is the staged timestamp ordering a group's events.
	OrderColumn string
	// MeasureColumn is the fact column receiving elapsed minutes.
	MeasureColumn string
	// EndKeyColumn optionally receives the end bound's minute key.
	EndKeyColumn string
}

// Spec is one fact's load plan, compiled from configuration.
type Spec struct {
	Table     storage.TableSpec
	Lookups   []Lookup
	TimeKeys  []TimeKey
	Durations *Durations
}

// Result reports one fact load.
type Result struct {
	Entity   string
	Loaded   int
	Rejected int
}

// Loader replaces fact rows group-by-group.
//
// A group is every row sharing a natural event id. The upsert deletes the
// group's existing rows and inserts the recomputed set in one
// transaction, so reprocessing an event is idempotent and multi-step
// histories always reflect their latest state. Chunks passed to the
// batch executor count groups, not rows, which keeps a group's delete
// and inserts inside a single chunk; without durations every group is
// one row and chunking degenerates to plain fixed-size batches.
type Loader struct {
	Warehouse Store
	Exec      *batch.Executor
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   metrics.Backend
}

func (l *Loader) clock() clockwork.Clock {
	if l.Clock == nil {
		return clockwork.NewRealClock()
	}
	return l.Clock
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.Logger
}

func (l *Loader) metrics() metrics.Backend {
	if l.Metrics == nil {
		return metrics.Nop{}
	}
	return l.Metrics
}

// Load resolves and loads one staged fact. Row-level problems are
// rejected and counted; the returned error is table-level.
func (l *Loader) Load(ctx context.Context, spec Spec, staged *staging.Table) (Result, error) {
	res := Result{Entity: spec.Table.Entity}

	plan, err := compileFactPlan(spec, staged)
	if err != nil {
		return res, err
	}

	groups, keysByLookup := l.draftRows(plan, staged, &res)

	resolved := make([]map[string]int64, len(plan.lookups))
	for li := range plan.lookups {
		tuples := make([][]any, 0, len(keysByLookup[li]))
		for _, t := range keysByLookup[li] {
			tuples = append(tuples, t)
		}
		resolved[li], err = l.Warehouse.SelectCurrentKeys(ctx, plan.lookups[li].Dimension, tuples)
		if err != nil {
			return res, etlerrors.Load(spec.Table.Entity, err)
		}
	}

	groups = l.fillSurrogateKeys(plan, groups, resolved, &res)
	out, rowTotals := l.assemble(plan, groups)

	if len(out) > 0 {
		committed, err := l.Exec.Execute(ctx, spec.Table.Name, len(out), func(ctx context.Context, lo, hi int) error {
			var rows [][]any
			ids := make([]any, 0, hi-lo)
			for _, g := range out[lo:hi] {
				rows = append(rows, g.rows...)
				ids = append(ids, g.id)
			}
			return l.Warehouse.ReplaceFactRows(ctx, spec.Table, plan.columns, rows, ids)
		})
		res.Loaded = rowTotals[committed]
		if err != nil {
			return res, err
		}
	}

	l.metrics().IncCounter(metrics.RowsLoaded, float64(res.Loaded),
		metrics.Labels{"entity": spec.Table.Entity, "table": spec.Table.Name})
	l.logger().Info("fact loaded",
		"entity", spec.Table.Entity,
		"groups", len(out),
		"loaded", res.Loaded,
		"rejected", res.Rejected,
	)
	return res, nil
}

func (l *Loader) rejectRow(table storage.TableSpec, rowNum int, reason string, err error, res *Result) {
	res.Rejected++
	l.metrics().IncCounter(metrics.RowsRejected, 1,
		metrics.Labels{"entity": table.Entity, "table": table.Name, "reason": reason})
	l.logger().Warn("fact row rejected",
		"entity", table.Entity, "row", rowNum, "reason", reason, "err", err)
}

// ---- plan compilation ----

type colSource int

const (
	srcStaged colSource = iota
	srcLookup
	srcTimeKey
	srcMeasure
	srcEndKey
)

type colPlan struct {
	name   string
	src    colSource
	staged int    // staged column index (srcStaged)
	typ    string // portable column type (srcStaged)
}

type lookupPlan struct {
	Lookup
	col      int   // index into plan.columns
	keyIdx   []int // staged index per key part
	keyTypes []string
}

type timeKeyPlan struct {
	TimeKey
	col    int
	staged int
}

type factPlan struct {
	table      storage.TableSpec
	columns    []string
	cols       []colPlan
	naturalCol int
	lookups    []lookupPlan
	timeKeys   []timeKeyPlan
	durations  *Durations
	orderIdx   int // staged index of the duration order column
	measureCol int
	endKeyCol  int
}

func compileFactPlan(spec Spec, staged *staging.Table) (*factPlan, error) {
	entity := spec.Table.Entity
	if spec.Table.NaturalKey == "" {
		return nil, etlerrors.Newf(etlerrors.CodeConfigInvalid,
			"entity %s: fact has no natural key column", entity)
	}

	p := &factPlan{
		table:      spec.Table,
		columns:    spec.Table.ColumnNames(),
		durations:  spec.Durations,
		naturalCol: -1,
		orderIdx:   -1,
		measureCol: -1,
		endKeyCol:  -1,
	}

	byLookup := make(map[string]int, len(spec.Lookups))
	for i, lk := range spec.Lookups {
		byLookup[lk.Column] = i
	}
	byTimeKey := make(map[string]int, len(spec.TimeKeys))
	for i, tk := range spec.TimeKeys {
		byTimeKey[tk.Column] = i
	}

	p.cols = make([]colPlan, len(p.columns))
	for ci, name := range p.columns {
		cp := colPlan{name: name}
		switch {
		case contains(byLookup, name):
			cp.src = srcLookup
		case contains(byTimeKey, name):
			cp.src = srcTimeKey
		case spec.Durations != nil && name == spec.Durations.MeasureColumn:
			cp.src = srcMeasure
			p.measureCol = ci
		case spec.Durations != nil && name == spec.Durations.EndKeyColumn:
			cp.src = srcEndKey
			p.endKeyCol = ci
		default:
			idx, ok := staged.ColumnIndex(name)
			if !ok {
				return nil, etlerrors.Newf(etlerrors.CodeMissingColumn,
					"entity %s: staged rows have no column %q", entity, name)
			}
			cp.src = srcStaged
			cp.staged = idx
			col, _ := spec.Table.Column(name)
			cp.typ = col.Type
		}
		if name == spec.Table.NaturalKey {
			if cp.src != srcStaged {
				return nil, etlerrors.Newf(etlerrors.CodeConfigInvalid,
					"entity %s: natural key %q must come from staging", entity, name)
			}
			p.naturalCol = ci
		}
		p.cols[ci] = cp
	}
	if p.naturalCol < 0 {
		return nil, etlerrors.Newf(etlerrors.CodeConfigInvalid,
			"entity %s: natural key %q is not a table column", entity, spec.Table.NaturalKey)
	}

	for _, lk := range spec.Lookups {
		ci := columnAt(p.columns, lk.Column)
		if ci < 0 {
			return nil, etlerrors.Newf(etlerrors.CodeConfigInvalid,
				"entity %s: lookup column %q is not a table column", entity, lk.Column)
		}
		if len(lk.KeyColumns) != len(lk.Dimension.BusinessKeys) {
			return nil, etlerrors.Newf(etlerrors.CodeConfigInvalid,
				"entity %s: lookup %s: %d key columns for %d business keys",
				entity, lk.Column, len(lk.KeyColumns), len(lk.Dimension.BusinessKeys))
		}
		lp := lookupPlan{Lookup: lk, col: ci}
		for i, kc := range lk.KeyColumns {
			idx, ok := staged.ColumnIndex(kc)
			if !ok {
				return nil, etlerrors.Newf(etlerrors.CodeMissingColumn,
					"entity %s: staged rows have no column %q", entity, kc)
			}
			lp.keyIdx = append(lp.keyIdx, idx)
			bk, _ := lk.Dimension.Column(lk.Dimension.BusinessKeys[i])
			lp.keyTypes = append(lp.keyTypes, bk.Type)
		}
		p.lookups = append(p.lookups, lp)
	}

	for _, tk := range spec.TimeKeys {
		ci := columnAt(p.columns, tk.Column)
		if ci < 0 {
			return nil, etlerrors.Newf(etlerrors.CodeConfigInvalid,
				"entity %s: time key column %q is not a table column", entity, tk.Column)
		}
		idx, ok := staged.ColumnIndex(tk.Source)
		if !ok {
			return nil, etlerrors.Newf(etlerrors.CodeMissingColumn,
				"entity %s: staged rows have no column %q", entity, tk.Source)
		}
		p.timeKeys = append(p.timeKeys, timeKeyPlan{TimeKey: tk, col: ci, staged: idx})
	}

	if d := spec.Durations; d != nil {
		idx, ok := staged.ColumnIndex(d.OrderColumn)
		if !ok {
			return nil, etlerrors.Newf(etlerrors.CodeMissingColumn,
				"entity %s: staged rows have no column %q", entity, d.OrderColumn)
		}
		p.orderIdx = idx
		if p.measureCol < 0 {
			return nil, etlerrors.Newf(etlerrors.CodeConfigInvalid,
				"entity %s: duration measure %q is not a table column", entity, d.MeasureColumn)
		}
		if d.EndKeyColumn != "" && p.endKeyCol < 0 {
			return nil, etlerrors.Newf(etlerrors.CodeConfigInvalid,
				"entity %s: duration end key %q is not a table column", entity, d.EndKeyColumn)
		}
	}
	return p, nil
}

func columnAt(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

func contains(m map[string]int, name string) bool {
	_, ok := m[name]
	return ok
}

// ---- row drafting ----

// eventRow is one staged row after coercion, before group assembly.
type eventRow struct {
	rowNum    int
	orderTime time.Time
	values    []any
	tuples    [][]any // per lookup; nil resolves to NULL without lookup
}

type factGroup struct {
	id     any // natural id as written, for the delete list
	events []eventRow
	rows   [][]any // assembled insert rows
}

// draftRows coerces and keys every staged row, collecting the distinct
// business-key tuples each lookup must resolve. Groups preserve first
// appearance order; without durations a repeated natural id keeps only
// the last staged row.
func (l *Loader) draftRows(plan *factPlan, staged *staging.Table, res *Result) ([]*factGroup, []map[string][]any) {
	keysByLookup := make([]map[string][]any, len(plan.lookups))
	for i := range keysByLookup {
		keysByLookup[i] = make(map[string][]any)
	}

	byKey := make(map[string]*factGroup, len(staged.Rows))
	var groups []*factGroup

rows:
	for rowNum, raw := range staged.Rows {
		ev := eventRow{rowNum: rowNum, values: make([]any, len(plan.columns))}

		for ci, cp := range plan.cols {
			if cp.src != srcStaged {
				continue
			}
			v, err := storage.CoerceValue(cp.typ, raw[cp.staged])
			if err != nil {
				l.rejectRow(plan.table, rowNum, "coercion",
					etlerrors.Transform(plan.table.Entity, rowNum,
						fmt.Sprintf("column %s: %v", cp.name, err)), res)
				continue rows
			}
			ev.values[ci] = v
		}

		id := ev.values[plan.naturalCol]
		idKey := storage.NormalizeKey(id)
		if idKey == "" {
			l.rejectRow(plan.table, rowNum, "empty_key",
				etlerrors.EmptyKey(plan.table.Entity, rowNum), res)
			continue
		}

		for _, tk := range plan.timeKeys {
			v := raw[tk.staged]
			if v == nil {
				continue
			}
			t, err := storage.CoerceTime(v)
			if err != nil {
				l.rejectRow(plan.table, rowNum, "coercion",
					etlerrors.Transform(plan.table.Entity, rowNum,
						fmt.Sprintf("column %s: %v", tk.Source, err)), res)
				continue rows
			}
			ev.values[tk.col] = timedim.Key(t)
		}

		if plan.durations != nil {
			t, err := storage.CoerceTime(raw[plan.orderIdx])
			if err != nil {
				l.rejectRow(plan.table, rowNum, "coercion",
					etlerrors.Transform(plan.table.Entity, rowNum,
						fmt.Sprintf("column %s: %v", plan.durations.OrderColumn, err)), res)
				continue
			}
			ev.orderTime = t
		}

		ev.tuples = make([][]any, len(plan.lookups))
		for li, lp := range plan.lookups {
			tuple := make([]any, len(lp.keyIdx))
			empty := true
			bad := false
			for i, ki := range lp.keyIdx {
				v, err := storage.CoerceValue(lp.keyTypes[i], raw[ki])
				if err != nil {
					bad = true
					break
				}
				tuple[i] = v
				if storage.NormalizeKey(v) != "" {
					empty = false
				}
			}
			if bad || empty {
				if lp.Required {
					l.rejectRow(plan.table, rowNum, "empty_key",
						etlerrors.EmptyKey(plan.table.Entity, rowNum), res)
					continue rows
				}
				continue // optional reference loads NULL
			}
			ev.tuples[li] = tuple
			keysByLookup[li][storage.CompositeKey(tuple...)] = tuple
		}

		if g, ok := byKey[idKey]; ok {
			if plan.durations != nil {
				g.events = append(g.events, ev)
			} else {
				g.events[0] = ev // last staged row wins
				g.id = id
			}
			continue
		}
		g := &factGroup{id: id, events: []eventRow{ev}}
		byKey[idKey] = g
		groups = append(groups, g)
	}
	return groups, keysByLookup
}

// fillSurrogateKeys writes resolved keys into each event and drops events
// whose required references stayed unresolved. Empty groups drop with
// their events; the warehouse keeps whatever it had for those ids.
func (l *Loader) fillSurrogateKeys(plan *factPlan, groups []*factGroup, resolved []map[string]int64, res *Result) []*factGroup {
	out := groups[:0]
	for _, g := range groups {
		kept := g.events[:0]
	events:
		for _, ev := range g.events {
			for li, lp := range plan.lookups {
				if ev.tuples[li] == nil {
					continue // NULL reference
				}
				key := storage.CompositeKey(ev.tuples[li]...)
				sk, ok := resolved[li][key]
				if !ok {
					if lp.Required {
						l.rejectRow(plan.table, ev.rowNum, "unresolved",
							etlerrors.Referential(plan.table.Entity, lp.Column, key), res)
						continue events
					}
					continue
				}
				ev.values[lp.col] = sk
			}
			kept = append(kept, ev)
		}
		g.events = kept
		if len(g.events) > 0 {
			out = append(out, g)
		}
	}
	return out
}

// assemble turns groups into insert rows. rowTotals[i] is the row count
// of the first i groups, so a partially committed execution still knows
// how many rows landed.
func (l *Loader) assemble(plan *factPlan, groups []*factGroup) ([]*factGroup, []int) {
	now := l.clock().Now()
	rowTotals := make([]int, 1, len(groups)+1)

	for _, g := range groups {
		if plan.durations == nil {
			g.rows = [][]any{g.events[0].values}
		} else {
			sortEventsByTime(g.events)
			times := make([]time.Time, len(g.events))
			for i, ev := range g.events {
				times[i] = ev.orderTime
			}
			spans := Spans(times, now)
			g.rows = make([][]any, len(spans))
			for i, span := range spans {
				row := g.events[i].values
				row[plan.measureCol] = span.Duration.Minutes()
				if plan.endKeyCol >= 0 {
					row[plan.endKeyCol] = timedim.Key(span.End)
				}
				g.rows[i] = row
			}
		}
		rowTotals = append(rowTotals, rowTotals[len(rowTotals)-1]+len(g.rows))
	}
	return groups, rowTotals
}
