// Package engine wires the pipeline together: staging, dimension merges
// on a bounded worker pool, time dimension generation, fact loads, and
// run tracking around all of it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"dwetl/internal/batch"
	"dwetl/internal/config"
	"dwetl/internal/dimension"
	"dwetl/internal/etlerrors"
	"dwetl/internal/fact"
	"dwetl/internal/metrics"
	"dwetl/internal/source"
	"dwetl/internal/staging"
	"dwetl/internal/storage"
	"dwetl/internal/timedim"
	"dwetl/internal/tracker"
)

// Engine executes one ETL run end to end.
//
// Order of operations: schema setup, then dimensions and the time
// dimension concurrently, then facts sequentially. Facts wait for every
// dimension because any of them may be referenced; a failed dimension
// blocks only the facts that actually reference it, the rest proceed.
type Engine struct {
	Model    *config.Model
	Settings config.LoadSettings

	Source    staging.Querier
	Warehouse storage.Warehouse

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics metrics.Backend

	// NewID overrides run-id generation; tests pin it.
	NewID func() string
}

// Report is what a run leaves behind for the caller: the tracked status
// plus per-entity counters, in entity order.
type Report struct {
	RunID  string
	Status string
	Tables []storage.RunTableRecord
}

// Failed reports whether any entity failed or was blocked.
func (r *Report) Failed() bool {
	return r.Status != tracker.StatusSucceeded
}

func (e *Engine) clock() clockwork.Clock {
	if e.Clock == nil {
		return clockwork.NewRealClock()
	}
	return e.Clock
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

func (e *Engine) metrics() metrics.Backend {
	if e.Metrics == nil {
		return metrics.Nop{}
	}
	return e.Metrics
}

// Run executes one full ETL run over the given extraction window.
//
// The returned error is non-nil when the run could not start
// (ConcurrentRunError, tracking failure) or could not finish cleanly; a
// run that completed with failed entities returns a Report with status
// failed and a nil error. Callers decide the exit code from the Report.
func (e *Engine) Run(ctx context.Context, window source.Window) (*Report, error) {
	log := e.logger()

	tr := &tracker.Tracker{
		Warehouse: e.Warehouse,
		Runs:      e.Model.Catalog.Runs,
		RunTables: e.Model.Catalog.RunTables,
		Clock:     e.Clock,
		Logger:    e.Logger,
		NewID:     e.NewID,
	}

	// Tracking tables must exist before Begin can check for active runs.
	if err := e.Warehouse.EnsureSchema(ctx, e.Model.Catalog); err != nil {
		return nil, etlerrors.Wrap(err, etlerrors.CodeSchemaSetup, "schema setup failed")
	}

	run, err := tr.Begin(ctx)
	if err != nil {
		return nil, err
	}

	log.Info("run starting",
		"run_id", run.ID,
		"window_start", window.Start,
		"window_end", window.End,
		"dimensions", len(e.Model.Dimensions),
		"facts", len(e.Model.Facts),
	)

	rs := &runState{}
	e.loadDimensions(ctx, run, window, rs)
	e.loadFacts(ctx, run, window, rs)

	status := tracker.StatusSucceeded
	var runErr error
	if msgs := rs.failures(); len(msgs) > 0 {
		status = tracker.StatusFailed
		runErr = errors.New(strings.Join(msgs, "; "))
	}
	if err := run.Finish(ctx, status, runErr); err != nil {
		return nil, err
	}

	e.metrics().ObserveHistogram(metrics.RunDuration,
		e.clock().Since(run.StartedAt).Seconds(), metrics.Labels{"status": status})
	_ = e.metrics().Flush()

	return &Report{RunID: run.ID, Status: status, Tables: rs.sorted()}, nil
}

// runState collects per-entity outcomes across the worker pool.
type runState struct {
	mu      sync.Mutex
	tables  []storage.RunTableRecord
	failed  map[string]bool // dimension entities that did not finish
	blocked []string
}

func (rs *runState) record(rec storage.RunTableRecord) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.tables = append(rs.tables, rec)
}

func (rs *runState) markFailed(entity string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.failed == nil {
		rs.failed = map[string]bool{}
	}
	rs.failed[entity] = true
}

func (rs *runState) isFailed(entity string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.failed[entity]
}

func (rs *runState) failures() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []string
	for _, t := range rs.tables {
		if t.Status != tracker.StatusSucceeded {
			out = append(out, fmt.Sprintf("%s: %s", t.Entity, t.Error))
		}
	}
	sort.Strings(out)
	return out
}

func (rs *runState) sorted() []storage.RunTableRecord {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]storage.RunTableRecord, len(rs.tables))
	copy(out, rs.tables)
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// loadDimensions merges every dimension on a bounded pool and generates
// the time dimension alongside them. Independent dimensions share no
// state, so pool size is purely a resource knob.
func (e *Engine) loadDimensions(ctx context.Context, run *tracker.Run, window source.Window, rs *runState) {
	pool := pond.NewPool(e.Settings.Workers)

	for _, job := range e.Model.Dimensions {
		pool.Submit(func() {
			e.runDimension(ctx, run, window, job, rs)
		})
	}
	pool.Submit(func() {
		e.runTimeDimension(ctx, run, window, rs)
	})

	pool.StopAndWait()
}

func (e *Engine) runDimension(ctx context.Context, run *tracker.Run, window source.Window, job config.DimensionJob, rs *runState) {
	started := e.clock().Now()
	rec := storage.RunTableRecord{Entity: job.Entity.Name, Status: tracker.StatusSucceeded}

	staged, err := e.stage(ctx, job.Entity, window)
	if err == nil {
		rec.RowsRead = int64(staged.RowsRead)
		merger := &dimension.Merger{
			Warehouse: e.Warehouse,
			Exec:      e.executor(),
			Clock:     e.Clock,
			Logger:    e.Logger,
			Metrics:   e.Metrics,
		}
		var res dimension.Result
		res, err = merger.Merge(ctx, job.Table, staged)
		rec.RowsLoaded = int64(res.Loaded)
		rec.RowsRejected = int64(res.Rejected)
	}
	if err != nil {
		rec.Status = tracker.StatusFailed
		rec.Error = err.Error()
		rs.markFailed(job.Entity.Name)
		e.logger().Error("dimension failed", "entity", job.Entity.Name, "error", err)
	}

	e.finishEntity(ctx, run, rec, started, rs)
}

// timeEntity is the tracking name for the generated time dimension.
const timeEntity = "time"

func (e *Engine) runTimeDimension(ctx context.Context, run *tracker.Run, window source.Window, rs *runState) {
	started := e.clock().Now()
	rec := storage.RunTableRecord{Entity: timeEntity, Status: tracker.StatusSucceeded}

	loader := &timedim.Loader{
		Warehouse: e.Warehouse,
		Exec:      e.executor(),
		Logger:    e.Logger,
	}
	// Cover the full closing day: keys derived from timestamps on the
	// window's end date (or from "now" in open duration spans) must exist.
	start := startOfDay(window.Start)
	end := startOfDay(window.End).AddDate(0, 0, 1)
	inserted, err := loader.LoadRange(ctx, e.Model.Catalog.Time, start, end)
	rec.RowsLoaded = inserted
	if err != nil {
		rec.Status = tracker.StatusFailed
		rec.Error = err.Error()
		rs.markFailed(timeEntity)
		e.logger().Error("time dimension failed", "error", err)
	}

	e.finishEntity(ctx, run, rec, started, rs)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// loadFacts runs after every dimension finished. Facts referencing a
// failed dimension are blocked, not attempted: loading them would reject
// every row and bury the real cause.
func (e *Engine) loadFacts(ctx context.Context, run *tracker.Run, window source.Window, rs *runState) {
	for _, job := range e.Model.Facts {
		started := e.clock().Now()
		rec := storage.RunTableRecord{Entity: job.Entity.Name, Status: tracker.StatusSucceeded}

		if blockedBy := e.blockingDimension(job, rs); blockedBy != "" {
			rec.Status = tracker.StatusBlocked
			rec.Error = etlerrors.Newf(etlerrors.CodeDimensionBlocked,
				"dimension %s failed this run", blockedBy).Error()
			e.logger().Warn("fact blocked", "entity", job.Entity.Name, "dimension", blockedBy)
			e.finishEntity(ctx, run, rec, started, rs)
			continue
		}

		staged, err := e.stage(ctx, job.Entity, window)
		if err == nil {
			rec.RowsRead = int64(staged.RowsRead)
			loader := &fact.Loader{
				Warehouse: e.Warehouse,
				Exec:      e.executor(),
				Clock:     e.Clock,
				Logger:    e.Logger,
				Metrics:   e.Metrics,
			}
			var res fact.Result
			res, err = loader.Load(ctx, factSpec(job), staged)
			rec.RowsLoaded = int64(res.Loaded)
			rec.RowsRejected = int64(res.Rejected)
		}
		if err != nil {
			rec.Status = tracker.StatusFailed
			rec.Error = err.Error()
			e.logger().Error("fact failed", "entity", job.Entity.Name, "error", err)
		}

		e.finishEntity(ctx, run, rec, started, rs)
	}
}

// blockingDimension returns the first referenced dimension that failed.
// Optional lookups block too: loading NULL references because the
// dimension merge broke would corrupt measures silently.
func (e *Engine) blockingDimension(job config.FactJob, rs *runState) string {
	for _, lk := range job.Lookups {
		if rs.isFailed(lk.Dimension.Entity) {
			return lk.Dimension.Entity
		}
	}
	if len(job.Entity.TimeKeys) > 0 && rs.isFailed(timeEntity) {
		return timeEntity
	}
	return ""
}

func (e *Engine) stage(ctx context.Context, ent config.Entity, window source.Window) (*staging.Table, error) {
	loader := &staging.Loader{
		Source: e.Source,
		Clock:  e.Clock,
		Logger: e.Logger,
	}
	return loader.Load(ctx, ent.Name, ent.ExtractionQuery, ent.TransformQuery, window)
}

func (e *Engine) finishEntity(ctx context.Context, run *tracker.Run, rec storage.RunTableRecord, started time.Time, rs *runState) {
	rs.record(rec)
	e.metrics().ObserveHistogram(metrics.EntityDuration,
		e.clock().Since(started).Seconds(),
		metrics.Labels{"entity": rec.Entity, "status": rec.Status})
	if err := run.RecordTable(ctx, rec); err != nil {
		e.logger().Error("recording table counters failed", "entity", rec.Entity, "error", err)
	}
}

func (e *Engine) executor() *batch.Executor {
	return &batch.Executor{
		Size:     e.Settings.BatchSize,
		Attempts: e.Settings.Attempts,
		Delay:    e.Settings.Delay(),
		Clock:    e.Clock,
		Logger:   e.Logger,
		Metrics:  e.Metrics,
	}
}

// factSpec maps a compiled fact job onto the loader's spec.
func factSpec(job config.FactJob) fact.Spec {
	spec := fact.Spec{Table: job.Table}
	for _, lk := range job.Lookups {
		spec.Lookups = append(spec.Lookups, fact.Lookup{
			Column:     lk.Column,
			Dimension:  lk.Dimension,
			KeyColumns: lk.KeyColumns,
			Required:   lk.Required,
		})
	}
	for _, tk := range job.Entity.TimeKeys {
		spec.TimeKeys = append(spec.TimeKeys, fact.TimeKey{Column: tk.Column, Source: tk.Source})
	}
	if d := job.Entity.Durations; d != nil {
		spec.Durations = &fact.Durations{
			OrderColumn:   d.OrderColumn,
			MeasureColumn: d.MeasureColumn,
			EndKeyColumn:  d.EndKeyColumn,
		}
	}
	return spec
}
