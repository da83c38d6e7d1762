// Package metrics defines the minimal metrics surface the pipeline emits
// through. Core code depends only on Backend; concrete exporters live in
// subpackages (datadog).
package metrics

// Labels tag a single observation.
type Labels map[string]string

// Metric names used by the pipeline. Backends route on these.
const (
	// RowsLoaded counts rows committed to a warehouse table.
	// Labels: entity, table.
	RowsLoaded = "etl_rows_loaded_total"

	// RowsRejected counts rows dropped by coercion or reference resolution.
	// Labels: entity, table, reason.
	RowsRejected = "etl_rows_rejected_total"

	// ChunkRetries counts retried chunk commits. Labels: table.
	ChunkRetries = "etl_chunk_retries_total"

	// EntityDuration observes one entity's merge/load wall time in seconds.
	// Labels: entity, status.
	EntityDuration = "etl_entity_duration_seconds"

	// RunDuration observes a whole run's wall time in seconds.
	// Labels: status.
	RunDuration = "etl_run_duration_seconds"
)

// Backend receives observations. Implementations must be safe for
// concurrent use; entity loads run in parallel.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)

	// Flush submits anything buffered. Close flushes once more and stops
	// background work.
	Flush() error
	Close() error
}

// Nop discards all observations. Used when no exporter is configured.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) Flush() error                             { return nil }
func (Nop) Close() error                             { return nil }

var _ Backend = Nop{}
