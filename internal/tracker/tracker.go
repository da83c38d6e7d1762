// Package tracker owns the run lifecycle: at most one running run,
// per-entity counters, and a final status written exactly once.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"dwetl/internal/etlerrors"
	"dwetl/internal/storage"
)

// Run and table statuses recorded in the tracking tables.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	// StatusBlocked marks an entity skipped because a dimension it
	// depends on failed. Table-level only.
	StatusBlocked = "blocked"
)

// Store is the warehouse seam the tracker writes through.
type Store interface {
	ActiveRun(ctx context.Context, runs storage.TableSpec) (string, bool, error)
	CreateRun(ctx context.Context, runs storage.TableSpec, rec storage.RunRecord) error
	FinishRun(ctx context.Context, runs storage.TableSpec, id string, status string, endedAt time.Time, details string) error
	SaveRunTable(ctx context.Context, runTables storage.TableSpec, runID string, rec storage.RunTableRecord) error
}

// Tracker starts runs and hands out their run context.
type Tracker struct {
	Warehouse Store
	Runs      storage.TableSpec
	RunTables storage.TableSpec
	Clock     clockwork.Clock
	Logger    *slog.Logger

	// NewID generates run ids; tests pin it.
	NewID func() string
}

func (t *Tracker) clock() clockwork.Clock {
	if t.Clock == nil {
		return clockwork.NewRealClock()
	}
	return t.Clock
}

func (t *Tracker) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.Logger
}

func (t *Tracker) newID() string {
	if t.NewID == nil {
		return uuid.NewString()
	}
	return t.NewID()
}

// Begin starts a new run, refusing while another is active. A refused
// start queues nothing: the caller gets ConcurrentRunError and exits.
func (t *Tracker) Begin(ctx context.Context) (*Run, error) {
	active, ok, err := t.Warehouse.ActiveRun(ctx, t.Runs)
	if err != nil {
		return nil, etlerrors.Wrap(err, etlerrors.CodeRunTracking, "failed to check active runs")
	}
	if ok {
		return nil, etlerrors.ConcurrentRun(active)
	}

	run := &Run{
		ID:        t.newID(),
		StartedAt: t.clock().Now(),
		tr:        t,
	}
	rec := storage.RunRecord{
		ID:        run.ID,
		StartedAt: run.StartedAt,
		Status:    StatusRunning,
	}
	if err := t.Warehouse.CreateRun(ctx, t.Runs, rec); err != nil {
		return nil, etlerrors.Wrap(err, etlerrors.CodeRunTracking, "failed to create run record").
			WithContext("run_id", run.ID)
	}
	t.logger().Info("run started", "run_id", run.ID)
	return run, nil
}

// Run is the context object for one execution. It is passed through the
// pipeline explicitly; nothing about the current run lives in package
// state.
type Run struct {
	ID        string
	StartedAt time.Time

	tr       *Tracker
	finished bool
}

// RecordTable upserts one entity's counters. Steps call it as they
// finish, so a crashed run still shows which entities completed.
func (r *Run) RecordTable(ctx context.Context, rec storage.RunTableRecord) error {
	if err := r.tr.Warehouse.SaveRunTable(ctx, r.tr.RunTables, r.ID, rec); err != nil {
		return etlerrors.Wrap(err, etlerrors.CodeRunTracking, "failed to record table counters").
			WithContext("run_id", r.ID).
			WithContext("entity", rec.Entity)
	}
	r.tr.logger().Debug("table recorded",
		"run_id", r.ID,
		"entity", rec.Entity,
		"status", rec.Status,
		"read", rec.RowsRead,
		"loaded", rec.RowsLoaded,
		"rejected", rec.RowsRejected,
	)
	return nil
}

// Finish writes the final status once. Later calls are no-ops so a
// deferred failure handler cannot overwrite a status already written.
func (r *Run) Finish(ctx context.Context, status string, runErr error) error {
	if r.finished {
		return nil
	}

	details := ""
	if runErr != nil {
		details = runErr.Error()
	}
	endedAt := r.tr.clock().Now()
	if err := r.tr.Warehouse.FinishRun(ctx, r.tr.Runs, r.ID, status, endedAt, details); err != nil {
		return etlerrors.Wrap(err, etlerrors.CodeRunTracking, "failed to finalize run").
			WithContext("run_id", r.ID)
	}
	r.finished = true
	r.tr.logger().Info("run finished",
		"run_id", r.ID,
		"status", status,
		"duration", endedAt.Sub(r.StartedAt).Truncate(time.Millisecond),
	)
	return nil
}
