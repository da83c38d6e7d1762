package dimension

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
)

// Store is the warehouse seam the merge engine needs.
type Store interface {
	SelectCurrentRows(ctx context.Context, table storage.TableSpec, keys [][]any) (map[string]storage.CurrentRow, error)
	MergeDimensionChunk(ctx context.Context, table storage.TableSpec, chunk storage.DimensionChunk) error
}

// Result reports one dimension merge.
type Result struct {
	Entity    string
	Loaded    int // rows written: inserts, in-place updates, new versions
	Rejected  int
	Inserted  int
	Updated   int
	Versioned int // type-2: closed and re-inserted
	Unchanged int
}

// Merger applies staged dimension rows to the warehouse under the entity's
// SCD policy.
//
// Pipeline per entity:
//  1. Compile the staged columns against the table spec.
//  2. Coerce every row to the column types; failures become counted
//     rejects, never batch failures.
//  3. Deduplicate by business key, last staged row wins. Extraction
//     queries order rows, so "last" is deterministic.
//  4. Fetch current rows for the staged keys and split new vs existing.
//  5. Plan per-key operations: insert, type-1 in-place update, or type-2
//     close-and-version. Unchanged rows produce no operation, which is
//     what makes a rerun of identical staging a no-op.
//  6. Commit operations through the batch executor. A type-2 close and
//     its replacement insert always share a chunk, so no commit boundary
//     can separate them.
type Merger struct {
	Warehouse Store
	Exec      *batch.Executor
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   metrics.Backend
}

func (m *Merger) clock() clockwork.Clock {
	if m.Clock == nil {
		return clockwork.NewRealClock()
	}
	return m.Clock
}

func (m *Merger) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.Logger
}

func (m *Merger) metrics() metrics.Backend {
	if m.Metrics == nil {
		return metrics.Nop{}
	}
	return m.Metrics
}

// Merge loads one staged dimension. Row-level problems are rejected and
// counted; the returned error is table-level (lookup or write failure).
func (m *Merger) Merge(ctx context.Context, table storage.TableSpec, staged *staging.Table) (Result, error) {
	res := Result{Entity: table.Entity}

	plan, err := compilePlan(table, staged)
	if err != nil {
		return res, err
	}

	now := m.clock().Now()
	rows := m.coerceAndDedupe(plan, staged, &res)

	keyTuples := make([][]any, len(rows))
	for i, r := range rows {
		keyTuples[i] = r.keyValues
	}
	current, err := m.Warehouse.SelectCurrentRows(ctx, table, keyTuples)
	if err != nil {
		return res, etlerrors.Load(table.Entity, err)
	}

	ops := planOps(plan, rows, current, now, &res)
	if len(ops) > 0 {
		insertColumns := append(append([]string{}, plan.dataColumns...),
			storage.ColValidFrom, storage.ColValidTo, storage.ColIsCurrent,
			storage.ColCreatedAt, storage.ColUpdatedAt)

		loaded, err := m.Exec.Execute(ctx, table.Name, len(ops), func(ctx context.Context, lo, hi int) error {
			chunk := storage.DimensionChunk{InsertColumns: insertColumns}
			for _, op := range ops[lo:hi] {
				if op.close != nil {
					chunk.Closes = append(chunk.Closes, *op.close)
				}
				if op.insert != nil {
					chunk.Inserts = append(chunk.Inserts, op.insert)
				}
				if op.update != nil {
					chunk.Updates = append(chunk.Updates, *op.update)
				}
			}
			return m.Warehouse.MergeDimensionChunk(ctx, table, chunk)
		})
		res.Loaded = loaded
		if err != nil {
			return res, err
		}
	}

	m.metrics().IncCounter(metrics.RowsLoaded, float64(res.Loaded),
		metrics.Labels{"entity": table.Entity, "table": table.Name})
	m.logger().Info("dimension merged",
		"entity", table.Entity,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"versioned", res.Versioned,
		"unchanged", res.Unchanged,
		"rejected", res.Rejected,
	)
	return res, nil
}

// mergePlan maps the table spec onto the staged column layout.
type mergePlan struct {
	table storage.TableSpec

	// dataColumns are the table's columns minus audit columns, in spec
	// order. Inserts write them plus the audit columns.
	dataColumns []string
	dataIdx     []int // staged column index per data column
	dataTypes   []string

	keyIdx     []int // indexes into dataColumns for business keys
	trackedIdx []int // indexes into dataColumns for tracked attributes
}

func compilePlan(table storage.TableSpec, staged *staging.Table) (*mergePlan, error) {
	p := &mergePlan{table: table}

	for _, c := range table.Columns {
		if storage.IsAuditColumn(c.Name) {
			continue
		}
		idx, ok := staged.ColumnIndex(c.Name)
		if !ok {
			return nil, etlerrors.Newf(etlerrors.CodeMissingColumn,
				"entity %s: staged rows have no column %q", table.Entity, c.Name)
		}
		p.dataColumns = append(p.dataColumns, c.Name)
		p.dataIdx = append(p.dataIdx, idx)
		p.dataTypes = append(p.dataTypes, c.Type)
	}

	pos := make(map[string]int, len(p.dataColumns))
	for i, c := range p.dataColumns {
		pos[c] = i
	}
	for _, bk := range table.BusinessKeys {
		i, ok := pos[bk]
		if !ok {
			return nil, etlerrors.Newf(etlerrors.CodeMissingColumn,
				"entity %s: business key %q is not a table column", table.Entity, bk)
		}
		p.keyIdx = append(p.keyIdx, i)
	}
	if len(p.keyIdx) == 0 {
		return nil, etlerrors.Newf(etlerrors.CodeConfigInvalid,
			"entity %s: no business keys configured", table.Entity)
	}
	for _, tc := range table.TrackedColumns() {
		if i, ok := pos[tc]; ok {
			p.trackedIdx = append(p.trackedIdx, i)
		}
	}
	return p, nil
}

// mergeRow is one staged row after coercion.
type mergeRow struct {
	key       string
	keyValues []any
	values    []any // aligned with plan.dataColumns
}

// coerceAndDedupe converts staged rows to typed rows and keeps the last
// row per business key. A key whose parts are all empty carries no
// identity and is rejected; partially empty composite keys are legal
// (derived keys may embed empty components).
func (m *Merger) coerceAndDedupe(plan *mergePlan, staged *staging.Table, res *Result) []mergeRow {
	byKey := make(map[string]int, len(staged.Rows))
	out := make([]mergeRow, 0, len(staged.Rows))

	for rowNum, raw := range staged.Rows {
		values := make([]any, len(plan.dataColumns))
		var reject error
		for i := range plan.dataColumns {
			v, err := storage.CoerceValue(plan.dataTypes[i], raw[plan.dataIdx[i]])
			if err != nil {
				reject = etlerrors.Transform(plan.table.Entity, rowNum,
					fmt.Sprintf("column %s: %v", plan.dataColumns[i], err))
				break
			}
			values[i] = v
		}
		if reject != nil {
			m.rejectRow(plan.table, rowNum, "coercion", reject, res)
			continue
		}

		keyValues := make([]any, len(plan.keyIdx))
		empty := true
		for i, ki := range plan.keyIdx {
			keyValues[i] = values[ki]
			if storage.NormalizeKey(values[ki]) != "" {
				empty = false
			}
		}
		if empty {
			m.rejectRow(plan.table, rowNum, "empty_key",
				etlerrors.EmptyKey(plan.table.Entity, rowNum), res)
			continue
		}

		key := storage.CompositeKey(keyValues...)
		if i, seen := byKey[key]; seen {
			out[i] = mergeRow{key: key, keyValues: keyValues, values: values}
			continue
		}
		byKey[key] = len(out)
		out = append(out, mergeRow{key: key, keyValues: keyValues, values: values})
	}
	return out
}

func (m *Merger) rejectRow(table storage.TableSpec, rowNum int, reason string, err error, res *Result) {
	res.Rejected++
	m.metrics().IncCounter(metrics.RowsRejected, 1,
		metrics.Labels{"entity": table.Entity, "table": table.Name, "reason": reason})
	m.logger().Warn("dimension row rejected",
		"entity", table.Entity, "row", rowNum, "reason", reason, "err", err)
}

// mergeOp is one per-key write. A type-2 change carries both close and
// insert so they commit in the same transaction.
type mergeOp struct {
	insert []any
	update *storage.DimensionUpdate
	close  *storage.DimensionClose
}

func planOps(plan *mergePlan, rows []mergeRow, current map[string]storage.CurrentRow, now time.Time, res *Result) []mergeOp {
	ops := make([]mergeOp, 0, len(rows))

	for _, r := range rows {
		cur, exists := current[r.key]
		if !exists {
			res.Inserted++
			ops = append(ops, mergeOp{insert: insertValues(r.values, now)})
			continue
		}

		if !changed(plan, r, cur) {
			res.Unchanged++
			continue
		}

		switch plan.table.SCD {
		case storage.SCDType2:
			res.Versioned++
			ops = append(ops, mergeOp{
				close:  &storage.DimensionClose{SurrogateKey: cur.SurrogateKey, ValidTo: now},
				insert: insertValues(r.values, now),
			})
		default: // type-1
			res.Updated++
			cols := make([]string, 0, len(plan.trackedIdx)+1)
			vals := make([]any, 0, len(plan.trackedIdx)+1)
			for _, ti := range plan.trackedIdx {
				cols = append(cols, plan.dataColumns[ti])
				vals = append(vals, r.values[ti])
			}
			cols = append(cols, storage.ColUpdatedAt)
			vals = append(vals, now)
			ops = append(ops, mergeOp{update: &storage.DimensionUpdate{
				SurrogateKey: cur.SurrogateKey,
				Columns:      cols,
				Values:       vals,
			}})
		}
	}
	return ops
}

func insertValues(data []any, now time.Time) []any {
	out := make([]any, 0, len(data)+5)
	out = append(out, data...)
	out = append(out, now, storage.MaxValidTo, true, now, now)
	return out
}

func changed(plan *mergePlan, r mergeRow, cur storage.CurrentRow) bool {
	for _, ti := range plan.trackedIdx {
		col := plan.dataColumns[ti]
		if !storage.EqualScalar(r.values[ti], cur.Values[col]) {
			return true
		}
	}
	return false
}
