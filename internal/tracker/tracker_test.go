package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"dwetl/internal/etlerrors"
	"dwetl/internal/storage"
)

type fakeStore struct {
	active    string
	activeErr error
	createErr error
	finishErr error

	created  []storage.RunRecord
	finished []finishCall
	tables   []storage.RunTableRecord
}

type finishCall struct {
	id      string
	status  string
	endedAt time.Time
	details string
}

func (f *fakeStore) ActiveRun(context.Context, storage.TableSpec) (string, bool, error) {
	if f.activeErr != nil {
		return "", false, f.activeErr
	}
	return f.active, f.active != "", nil
}

func (f *fakeStore) CreateRun(_ context.Context, _ storage.TableSpec, rec storage.RunRecord) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, rec)
	return nil
}

func (f *fakeStore) FinishRun(_ context.Context, _ storage.TableSpec, id, status string, endedAt time.Time, details string) error {
	if f.finishErr != nil {
		return f.finishErr
	}
	f.finished = append(f.finished, finishCall{id, status, endedAt, details})
	return nil
}

func (f *fakeStore) SaveRunTable(_ context.Context, _ storage.TableSpec, runID string, rec storage.RunTableRecord) error {
	f.tables = append(f.tables, rec)
	return nil
}

func newTracker(store *fakeStore, clk clockwork.Clock) *Tracker {
	return &Tracker{
		Warehouse: store,
		Clock:     clk,
		NewID:     func() string { return "run-1" },
	}
}

func TestBegin_CreatesRunningRun(t *testing.T) {
	now := time.Date(2026, 8, 20, 6, 0, 0, 0, time.Local)
	store := &fakeStore{}
	tr := newTracker(store, clockwork.NewFakeClockAt(now))

	run, err := tr.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if run.ID != "run-1" {
		t.Errorf("run id = %q, want generated id", run.ID)
	}
	if len(store.created) != 1 {
		t.Fatalf("created records = %d, want 1", len(store.created))
	}
	rec := store.created[0]
	if rec.Status != StatusRunning || !rec.StartedAt.Equal(now) {
		t.Errorf("record = %+v, want running at %v", rec, now)
	}
}

func TestBegin_RefusedWhileAnotherRunIsActive(t *testing.T) {
	store := &fakeStore{active: "run-0"}
	tr := newTracker(store, clockwork.NewFakeClockAt(time.Now()))

	_, err := tr.Begin(context.Background())
	if err == nil {
		t.Fatal("expected refusal")
	}
	if got := etlerrors.CodeOf(err); got != etlerrors.CodeRunActive {
		t.Errorf("code = %s, want %s", got, etlerrors.CodeRunActive)
	}
	if len(store.created) != 0 {
		t.Error("refused start still created a run record")
	}
}

func TestBegin_TrackingReadFailure(t *testing.T) {
	store := &fakeStore{activeErr: errors.New("relation does not exist")}
	tr := newTracker(store, clockwork.NewFakeClockAt(time.Now()))

	_, err := tr.Begin(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := etlerrors.CodeOf(err); got != etlerrors.CodeRunTracking {
		t.Errorf("code = %s, want %s", got, etlerrors.CodeRunTracking)
	}
}

func TestRecordTable_SavesCounters(t *testing.T) {
	store := &fakeStore{}
	tr := newTracker(store, clockwork.NewFakeClockAt(time.Now()))
	run, err := tr.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	rec := storage.RunTableRecord{
		Entity:       "dim_client",
		RowsRead:     100,
		RowsLoaded:   98,
		RowsRejected: 2,
		Status:       StatusSucceeded,
	}
	if err := run.RecordTable(context.Background(), rec); err != nil {
		t.Fatalf("RecordTable: %v", err)
	}
	if len(store.tables) != 1 || store.tables[0] != rec {
		t.Fatalf("tables = %+v, want the record saved", store.tables)
	}
}

func TestFinish_WritesFinalStateOnce(t *testing.T) {
	start := time.Date(2026, 8, 20, 6, 0, 0, 0, time.Local)
	clk := clockwork.NewFakeClockAt(start)
	store := &fakeStore{}
	tr := newTracker(store, clk)
	run, err := tr.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	clk.Advance(90 * time.Second)
	if err := run.Finish(context.Background(), StatusFailed, errors.New("dim_client: load failed")); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	// A deferred cleanup path finishing again must not overwrite.
	if err := run.Finish(context.Background(), StatusSucceeded, nil); err != nil {
		t.Fatalf("second Finish: %v", err)
	}

	if len(store.finished) != 1 {
		t.Fatalf("finish calls = %d, want exactly 1", len(store.finished))
	}
	fc := store.finished[0]
	if fc.status != StatusFailed {
		t.Errorf("status = %q, want the first call's %q", fc.status, StatusFailed)
	}
	if fc.details == "" {
		t.Error("details empty, want the failure message")
	}
	if !fc.endedAt.Equal(start.Add(90 * time.Second)) {
		t.Errorf("endedAt = %v, want %v", fc.endedAt, start.Add(90*time.Second))
	}
}

func TestBegin_DefaultIDGeneratorYieldsUniqueIDs(t *testing.T) {
	store := &fakeStore{}
	tr := &Tracker{Warehouse: store, Clock: clockwork.NewFakeClockAt(time.Now())}

	a, err := tr.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	b, err := tr.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if a.ID == b.ID || a.ID == "" {
		t.Errorf("ids %q and %q, want unique non-empty", a.ID, b.ID)
	}
}
