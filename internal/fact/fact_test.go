package fact

import (
	"context"
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"

	"dwetl/internal/batch"
	"dwetl/internal/etlerrors"
	"dwetl/internal/staging"
	"dwetl/internal/storage"
	"dwetl/internal/timedim"
)

// fakeStore behaves like loaded dimensions plus one fact table: key
// lookups resolve against dims, and ReplaceFactRows deletes by natural
// id before inserting.
type fakeStore struct {
	dims map[string]map[string]int64 // entity → composite key → surrogate key

	columns    []string
	rows       [][]any
	idsPerCall []int

	selectErr  error
	replaceErr error
}

func (f *fakeStore) SelectCurrentKeys(_ context.Context, table storage.TableSpec, keys [][]any) (map[string]int64, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	out := make(map[string]int64)
	for _, tuple := range keys {
		k := storage.CompositeKey(tuple...)
		if sk, ok := f.dims[table.Entity][k]; ok {
			out[k] = sk
		}
	}
	return out, nil
}

func (f *fakeStore) ReplaceFactRows(_ context.Context, table storage.TableSpec, columns []string, rows [][]any, naturalIDs []any) error {
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.columns = columns
	f.idsPerCall = append(f.idsPerCall, len(naturalIDs))

	idIdx := -1
	for i, c := range columns {
		if c == table.NaturalKey {
			idIdx = i
		}
	}
	del := make(map[string]bool, len(naturalIDs))
	for _, id := range naturalIDs {
		del[storage.NormalizeKey(id)] = true
	}
	kept := f.rows[:0]
	for _, r := range f.rows {
		if !del[storage.NormalizeKey(r[idIdx])] {
			kept = append(kept, r)
		}
	}
	f.rows = append(kept, rows...)
	return nil
}

func (f *fakeStore) factRows(id any) [][]any {
	idIdx := -1
	for i, c := range f.columns {
		if c == "service_id" {
			idIdx = i
		}
	}
	var out [][]any
	for _, r := range f.rows {
		if storage.NormalizeKey(r[idIdx]) == storage.NormalizeKey(id) {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeStore) value(row []any, col string) any {
	for i, c := range f.columns {
		if c == col {
			return row[i]
		}
	}
	return nil
}

func dimSpec(entity, key string) storage.TableSpec {
	return storage.TableSpec{
		Entity:       entity,
		Name:         "warehouse." + entity,
		Kind:         storage.KindDimension,
		SurrogateKey: "sk",
		BusinessKeys: []string{key},
		Columns:      []storage.ColumnSpec{{Name: key, Type: "text"}},
	}
}

// serviceSpec is a plain fact: one row per service request.
func serviceSpec() Spec {
	return Spec{
		Table: storage.TableSpec{
			Entity:       "fact_service",
			Name:         "warehouse.fact_service",
			Kind:         storage.KindFact,
			SurrogateKey: "sk",
			NaturalKey:   "service_id",
			Columns: []storage.ColumnSpec{
				{Name: "service_id", Type: "bigint"},
				{Name: "client_sk", Type: "bigint"},
				{Name: "courier_sk", Type: "bigint"},
				{Name: "request_time_key", Type: "bigint"},
				{Name: "total", Type: "double"},
			},
		},
		Lookups: []Lookup{
			{Column: "client_sk", Dimension: dimSpec("dim_client", "client_id"), KeyColumns: []string{"client_id"}, Required: true},
			{Column: "courier_sk", Dimension: dimSpec("dim_courier", "courier_id"), KeyColumns: []string{"courier_id"}},
		},
		TimeKeys: []TimeKey{
			{Column: "request_time_key", Source: "request_time"},
		},
	}
}

func stagedServices(rows ...[]any) *staging.Table {
	return &staging.Table{
		Entity:   "fact_service",
		Columns:  []string{"service_id", "client_id", "courier_id", "request_time", "total"},
		Rows:     rows,
		RowsRead: len(rows),
	}
}

// statusSpec is an event fact: staged rows are status changes, loaded
// rows are per-state durations.
func statusSpec() Spec {
	return Spec{
		Table: storage.TableSpec{
			Entity:       "fact_service_status",
			Name:         "warehouse.fact_service_status",
			Kind:         storage.KindFact,
			SurrogateKey: "sk",
			NaturalKey:   "service_id",
			Columns: []storage.ColumnSpec{
				{Name: "service_id", Type: "bigint"},
				{Name: "status_sk", Type: "bigint"},
				{Name: "status_time_key", Type: "bigint"},
				{Name: "end_time_key", Type: "bigint"},
				{Name: "duration_minutes", Type: "double"},
			},
		},
		Lookups: []Lookup{
			{Column: "status_sk", Dimension: dimSpec("dim_status", "status_id"), KeyColumns: []string{"status_id"}, Required: true},
		},
		TimeKeys: []TimeKey{
			{Column: "status_time_key", Source: "status_time"},
		},
		Durations: &Durations{
			OrderColumn:   "status_time",
			MeasureColumn: "duration_minutes",
			EndKeyColumn:  "end_time_key",
		},
	}
}

func stagedStatuses(rows ...[]any) *staging.Table {
	return &staging.Table{
		Entity:   "fact_service_status",
		Columns:  []string{"service_id", "status_id", "status_time"},
		Rows:     rows,
		RowsRead: len(rows),
	}
}

func newLoader(store *fakeStore, clk clockwork.Clock) *Loader {
	return &Loader{
		Warehouse: store,
		Exec:      &batch.Executor{Size: 1000, Attempts: 1, Clock: clk},
		Clock:     clk,
	}
}

func courierDims() map[string]map[string]int64 {
	return map[string]map[string]int64{
		"dim_client":  {"C-1": 11, "C-2": 12},
		"dim_courier": {"M-1": 21},
		"dim_status":  {"1": 31, "2": 32, "3": 33, "4": 34},
	}
}

func TestLoad_ResolvesKeysAndDerivesTimeKey(t *testing.T) {
	clk := clockwork.NewFakeClockAt(at(12, 0))
	store := &fakeStore{dims: courierDims()}
	l := newLoader(store, clk)

	res, err := l.Load(context.Background(), serviceSpec(), stagedServices(
		[]any{int64(501), "C-1", "M-1", at(10, 30), 12.5},
	))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Loaded != 1 || res.Rejected != 0 {
		t.Fatalf("result = %+v, want 1 loaded", res)
	}

	rows := store.factRows(int64(501))
	if len(rows) != 1 {
		t.Fatalf("fact rows = %d, want 1", len(rows))
	}
	if got := store.value(rows[0], "client_sk"); got != int64(11) {
		t.Errorf("client_sk = %v, want 11", got)
	}
	if got := store.value(rows[0], "courier_sk"); got != int64(21) {
		t.Errorf("courier_sk = %v, want 21", got)
	}
	if got := store.value(rows[0], "request_time_key"); got != int64(202608201030) {
		t.Errorf("request_time_key = %v, want 202608201030", got)
	}
}

func TestLoad_UnresolvedRequiredKeyRejectsRowSiblingsLoad(t *testing.T) {
	clk := clockwork.NewFakeClockAt(at(12, 0))
	store := &fakeStore{dims: courierDims()}
	l := newLoader(store, clk)

	res, err := l.Load(context.Background(), serviceSpec(), stagedServices(
		[]any{int64(501), "C-1", "M-1", at(10, 0), 10.0},
		[]any{int64(502), "C-9", "M-1", at(10, 5), 20.0}, // client never loaded
		[]any{int64(503), "C-2", "M-1", at(10, 10), 30.0},
	))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Loaded != 2 || res.Rejected != 1 {
		t.Fatalf("result = %+v, want 2 loaded, 1 rejected", res)
	}
	if rows := store.factRows(int64(502)); len(rows) != 0 {
		t.Error("rejected row reached the fact table")
	}
	if rows := store.factRows(int64(503)); len(rows) != 1 {
		t.Error("sibling row did not load")
	}
}

func TestLoad_OptionalReferenceLoadsNull(t *testing.T) {
	clk := clockwork.NewFakeClockAt(at(12, 0))
	store := &fakeStore{dims: courierDims()}
	l := newLoader(store, clk)

	res, err := l.Load(context.Background(), serviceSpec(), stagedServices(
		[]any{int64(501), "C-1", nil, at(10, 0), 10.0},
	))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Rejected != 0 {
		t.Fatalf("rejected = %d, want 0 for an optional reference", res.Rejected)
	}
	rows := store.factRows(int64(501))
	if got := store.value(rows[0], "courier_sk"); got != nil {
		t.Errorf("courier_sk = %v, want NULL", got)
	}
}

func TestLoad_RerunReplacesInsteadOfDuplicating(t *testing.T) {
	clk := clockwork.NewFakeClockAt(at(12, 0))
	store := &fakeStore{dims: courierDims()}
	l := newLoader(store, clk)
	snap := stagedServices([]any{int64(501), "C-1", "M-1", at(10, 0), 10.0})

	if _, err := l.Load(context.Background(), serviceSpec(), snap); err != nil {
		t.Fatalf("first load: %v", err)
	}
	res, err := l.Load(context.Background(), serviceSpec(), stagedServices(
		[]any{int64(501), "C-2", "M-1", at(10, 0), 99.0},
	))
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if res.Loaded != 1 {
		t.Fatalf("loaded = %d, want 1", res.Loaded)
	}

	rows := store.factRows(int64(501))
	if len(rows) != 1 {
		t.Fatalf("fact rows = %d, want 1 after reprocessing", len(rows))
	}
	if got := store.value(rows[0], "total"); got != 99.0 {
		t.Errorf("total = %v, want recomputed 99.0", got)
	}
}

func TestLoad_DuplicateNaturalIdLastRowWins(t *testing.T) {
	clk := clockwork.NewFakeClockAt(at(12, 0))
	store := &fakeStore{dims: courierDims()}
	l := newLoader(store, clk)

	res, err := l.Load(context.Background(), serviceSpec(), stagedServices(
		[]any{int64(501), "C-1", "M-1", at(10, 0), 10.0},
		[]any{int64(501), "C-2", "M-1", at(10, 0), 20.0},
	))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Loaded != 1 {
		t.Fatalf("loaded = %d, want 1", res.Loaded)
	}
	rows := store.factRows(int64(501))
	if got := store.value(rows[0], "client_sk"); got != int64(12) {
		t.Errorf("client_sk = %v, want the last staged row's client", got)
	}
}

func TestLoad_EmptyNaturalIdRejected(t *testing.T) {
	clk := clockwork.NewFakeClockAt(at(12, 0))
	store := &fakeStore{dims: courierDims()}
	l := newLoader(store, clk)

	res, err := l.Load(context.Background(), serviceSpec(), stagedServices(
		[]any{nil, "C-1", "M-1", at(10, 0), 10.0},
	))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Rejected != 1 || res.Loaded != 0 {
		t.Fatalf("result = %+v, want the row rejected", res)
	}
}

func TestLoad_EventGroupBecomesDurationRows(t *testing.T) {
	clk := clockwork.NewFakeClockAt(at(23, 0))
	store := &fakeStore{dims: courierDims()}
	l := newLoader(store, clk)

	// Staged out of order: the loader must sort by status_time.
	res, err := l.Load(context.Background(), statusSpec(), stagedStatuses(
		[]any{int64(501), "2", at(10, 30)},
		[]any{int64(501), "1", at(10, 0)},
		[]any{int64(501), "3", at(11, 15)},
	))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Loaded != 2 {
		t.Fatalf("loaded = %d, want 2 duration rows for 3 events", res.Loaded)
	}

	rows := store.factRows(int64(501))
	if len(rows) != 2 {
		t.Fatalf("fact rows = %d, want 2", len(rows))
	}
	if got := store.value(rows[0], "duration_minutes"); got != 30.0 {
		t.Errorf("first duration = %v, want 30", got)
	}
	if got := store.value(rows[1], "duration_minutes"); got != 45.0 {
		t.Errorf("second duration = %v, want 45", got)
	}
	if got := store.value(rows[0], "status_sk"); got != int64(31) {
		t.Errorf("first row status_sk = %v, want the earliest event's status", got)
	}
	if got := store.value(rows[0], "end_time_key"); got != timedim.Key(at(10, 30)) {
		t.Errorf("first row end_time_key = %v, want the next event's minute", got)
	}
}

func TestLoad_NewEventRecomputesWholeGroup(t *testing.T) {
	clk := clockwork.NewFakeClockAt(at(23, 0))
	store := &fakeStore{dims: courierDims()}
	l := newLoader(store, clk)

	if _, err := l.Load(context.Background(), statusSpec(), stagedStatuses(
		[]any{int64(501), "1", at(10, 0)},
		[]any{int64(501), "2", at(10, 30)},
		[]any{int64(501), "3", at(11, 15)},
	)); err != nil {
		t.Fatalf("first load: %v", err)
	}

	res, err := l.Load(context.Background(), statusSpec(), stagedStatuses(
		[]any{int64(501), "1", at(10, 0)},
		[]any{int64(501), "2", at(10, 30)},
		[]any{int64(501), "3", at(11, 15)},
		[]any{int64(501), "4", at(12, 0)},
	))
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if res.Loaded != 3 {
		t.Fatalf("loaded = %d, want 3 recomputed rows", res.Loaded)
	}
	rows := store.factRows(int64(501))
	if len(rows) != 3 {
		t.Fatalf("fact rows = %d, want the old pair replaced by 3", len(rows))
	}
	if got := store.value(rows[2], "duration_minutes"); got != 45.0 {
		t.Errorf("third duration = %v, want 45 (11:15 to 12:00)", got)
	}
}

func TestLoad_SingleEventMeasuredAgainstNow(t *testing.T) {
	clk := clockwork.NewFakeClockAt(at(12, 0))
	store := &fakeStore{dims: courierDims()}
	l := newLoader(store, clk)

	res, err := l.Load(context.Background(), statusSpec(), stagedStatuses(
		[]any{int64(501), "1", at(10, 0)},
	))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Loaded != 1 {
		t.Fatalf("loaded = %d, want 1", res.Loaded)
	}
	rows := store.factRows(int64(501))
	if got := store.value(rows[0], "duration_minutes"); got != 120.0 {
		t.Errorf("duration = %v, want 120 minutes against now", got)
	}
	if got := store.value(rows[0], "end_time_key"); got != timedim.Key(at(12, 0)) {
		t.Errorf("end_time_key = %v, want now's minute", got)
	}
}

func TestLoad_GroupNeverSplitsAcrossChunks(t *testing.T) {
	clk := clockwork.NewFakeClockAt(at(23, 0))
	store := &fakeStore{dims: courierDims()}
	l := newLoader(store, clk)
	l.Exec.Size = 2 // two groups per transaction

	res, err := l.Load(context.Background(), statusSpec(), stagedStatuses(
		[]any{int64(501), "1", at(10, 0)},
		[]any{int64(501), "2", at(10, 30)},
		[]any{int64(502), "1", at(10, 0)},
		[]any{int64(502), "2", at(10, 45)},
		[]any{int64(503), "1", at(11, 0)},
	))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Loaded != 3 {
		t.Fatalf("loaded = %d, want 1+1+1 rows", res.Loaded)
	}
	if len(store.idsPerCall) != 2 {
		t.Fatalf("replace calls = %d, want 2 chunks of groups", len(store.idsPerCall))
	}
	if store.idsPerCall[0] != 2 || store.idsPerCall[1] != 1 {
		t.Errorf("ids per call = %v, want [2 1]", store.idsPerCall)
	}
}

func TestLoad_LookupFailureIsLoadError(t *testing.T) {
	clk := clockwork.NewFakeClockAt(at(12, 0))
	store := &fakeStore{dims: courierDims(), selectErr: errors.New("connection reset")}
	l := newLoader(store, clk)

	_, err := l.Load(context.Background(), serviceSpec(), stagedServices(
		[]any{int64(501), "C-1", "M-1", at(10, 0), 10.0},
	))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := etlerrors.KindOf(err); got != etlerrors.KindLoad {
		t.Errorf("kind = %s, want %s", got, etlerrors.KindLoad)
	}
}

func TestLoad_MissingStagedColumnIsEntityError(t *testing.T) {
	clk := clockwork.NewFakeClockAt(at(12, 0))
	l := newLoader(&fakeStore{dims: courierDims()}, clk)

	snap := &staging.Table{
		Entity:  "fact_service",
		Columns: []string{"service_id", "client_id", "courier_id", "request_time"}, // total missing
		Rows:    [][]any{{int64(501), "C-1", "M-1", at(10, 0)}},
	}
	_, err := l.Load(context.Background(), serviceSpec(), snap)
	if err == nil {
		t.Fatal("expected error for missing staged column")
	}
	if got := etlerrors.CodeOf(err); got != etlerrors.CodeMissingColumn {
		t.Errorf("code = %s, want %s", got, etlerrors.CodeMissingColumn)
	}
}
