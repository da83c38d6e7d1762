package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config is the minimal configuration needed to open a warehouse backend.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
//   - MaxConns <= 0 lets the backend pick its default pool size.
type Config struct {
	Kind     string
	DSN      string
	MaxConns int32
}

// CurrentRow is one current dimension row as the merge engine sees it:
// the surrogate key plus attribute values keyed by column name.
type CurrentRow struct {
	SurrogateKey int64
	Values       map[string]any
}

// DimensionUpdate overwrites tracked attributes of one row in place
// (type-1 merge).
type DimensionUpdate struct {
	SurrogateKey int64
	Columns      []string
	Values       []any
}

// DimensionClose ends the validity of one current row (type-2 merge).
type DimensionClose struct {
	SurrogateKey int64
	ValidTo      time.Time
}

// DimensionChunk is one transaction's worth of planned dimension writes.
// Backends apply closes first, then inserts, then updates, all or nothing.
type DimensionChunk struct {
	InsertColumns []string
	Inserts       [][]any
	Updates       []DimensionUpdate
	Closes        []DimensionClose
}

// Empty reports whether the chunk contains no work.
func (c DimensionChunk) Empty() bool {
	return len(c.Inserts) == 0 && len(c.Updates) == 0 && len(c.Closes) == 0
}

// Ops is the number of planned row operations in the chunk.
func (c DimensionChunk) Ops() int {
	return len(c.Inserts) + len(c.Updates) + len(c.Closes)
}

// RunRecord is one row of the run-history table.
type RunRecord struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
	Status    string
	Details   string
}

// RunTableRecord is one entity's counters within a run.
type RunTableRecord struct {
	Entity       string
	RowsRead     int64
	RowsLoaded   int64
	RowsRejected int64
	Status       string
	Error        string
}

// Warehouse is the backend-agnostic interface the pipeline writes through.
//
// IMPORTANT: every mutating method is one transaction per call. The batch
// executor relies on that: a call either commits fully or leaves the
// warehouse unchanged, and retrying the same call is safe. No method may
// hold connections across calls, so retry sleeps never pin the pool.
type Warehouse interface {
	// Close releases backend resources. Call once at shutdown.
	Close()

	// EnsureSchema creates tables and indexes that do not exist yet.
	// Existing tables are left untouched (no migrations here).
	EnsureSchema(ctx context.Context, cat *Catalog) error

	// SelectCurrentRows fetches the current (is_current = true) rows whose
	// business keys match the given tuples. Tuples align with
	// table.BusinessKeys. The result maps CompositeKey of the business-key
	// values to the row; absent keys are simply missing.
	SelectCurrentRows(ctx context.Context, table TableSpec, keys [][]any) (map[string]CurrentRow, error)

	// SelectCurrentKeys is the cheap variant for fact resolution: only the
	// surrogate key comes back.
	SelectCurrentKeys(ctx context.Context, table TableSpec, keys [][]any) (map[string]int64, error)

	// MergeDimensionChunk applies one planned chunk of dimension writes in
	// a single transaction.
	MergeDimensionChunk(ctx context.Context, table TableSpec, chunk DimensionChunk) error

	// InsertTimeRows inserts minute rows, ignoring conflicts on the time
	// key, and reports how many rows were actually inserted.
	InsertTimeRows(ctx context.Context, table TableSpec, columns []string, rows [][]any) (int64, error)

	// ReplaceFactRows deletes any rows whose natural key is in naturalIDs,
	// then inserts rows, in one transaction.
	ReplaceFactRows(ctx context.Context, table TableSpec, columns []string, rows [][]any, naturalIDs []any) error

	// ActiveRun returns the id of a run still in the running state, if any.
	ActiveRun(ctx context.Context, runs TableSpec) (string, bool, error)

	// CreateRun appends a new run-history row.
	CreateRun(ctx context.Context, runs TableSpec, rec RunRecord) error

	// FinishRun finalizes a run's status, end time, and details.
	FinishRun(ctx context.Context, runs TableSpec, id string, status string, endedAt time.Time, details string) error

	// SaveRunTable upserts one entity's counters for a run.
	SaveRunTable(ctx context.Context, runTables TableSpec, runID string, rec RunTableRecord) error
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Warehouse, error)

var (
	regMu     sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a warehouse backend under a kind (e.g. "postgres",
// "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The kind string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. Intentional: fail fast instead of
//     ambiguous backend selection.
func Register(kind string, f factory) {
	regMu.Lock()
	defer regMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Warehouse using the registered backend factory.
//
// Errors:
//   - If cfg.Kind is empty or not registered.
//   - Whatever error the factory returns.
func New(ctx context.Context, cfg Config) (Warehouse, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing warehouse kind")
	}

	regMu.RLock()
	f := factories[cfg.Kind]
	regMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported warehouse kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
