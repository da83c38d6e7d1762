// The catalog types live here so the engine, the loaders, and the backend
// packages can all import them without circular deps.
package storage

import "time"

// TableKind tells a backend which write semantics a table gets.
type TableKind string

const (
	KindDimension TableKind = "dimension"
	KindFact      TableKind = "fact"
	KindTime      TableKind = "time"
	KindTracking  TableKind = "tracking"
)

// SCDPolicy selects how attribute changes are applied to a dimension.
type SCDPolicy string

const (
	// SCDType1 overwrites non-key attributes in place. One row per
	// business key, ever.
	SCDType1 SCDPolicy = "scd1"
	// SCDType2 closes the current row and inserts a new version with a
	// fresh surrogate key. Many rows per business key, exactly one with
	// is_current = true.
	SCDType2 SCDPolicy = "scd2"
)

// Audit columns the catalog compiler appends to every dimension.
const (
	ColValidFrom = "valid_from"
	ColValidTo   = "valid_to"
	ColIsCurrent = "is_current"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
)

// MaxValidTo is the open-ended validity sentinel for current rows.
var MaxValidTo = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// IsAuditColumn reports whether name is one of the compiler-managed
// dimension audit columns.
func IsAuditColumn(name string) bool {
	switch name {
	case ColValidFrom, ColValidTo, ColIsCurrent, ColCreatedAt, ColUpdatedAt:
		return true
	}
	return false
}

// ColumnSpec is one physical column. Type is a portable name translated by
// each backend: "serial", "bigint", "integer", "double", "text",
// "boolean", "timestamp".
type ColumnSpec struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable *bool  `yaml:"nullable,omitempty"`
}

// IndexSpec is a secondary index a backend creates with the table.
type IndexSpec struct {
	Name    string
	Columns []string
	Unique  bool
}

// TableSpec describes one warehouse table and the load semantics attached
// to it. Columns excludes the surrogate key; backends add that from
// SurrogateKey when building DDL and never bind it on insert.
type TableSpec struct {
	// Entity is the logical name from configuration ("dim_client",
	// "fact_service"); also the name tracking counters report under.
	Entity string
	// Name is the physical table name, already schema-qualified where the
	// deployment uses schemas.
	Name string
	Kind TableKind

	// SurrogateKey is the generated integer identity column (dimensions
	// and facts). Empty for time and tracking tables.
	SurrogateKey string
	// PrimaryKey names the natural primary-key columns for tables without
	// a surrogate key (time_key for the time dimension, run_id for run
	// history). Ignored when SurrogateKey is set.
	PrimaryKey []string
	// BusinessKeys are the natural-identifier columns rows are matched on
	// (dimensions).
	BusinessKeys []string
	// NaturalKey is the unique natural event id column (facts).
	NaturalKey string
	SCD        SCDPolicy

	Columns []ColumnSpec
	Indexes []IndexSpec
}

// Column returns the column spec for name.
func (t TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// ColumnNames returns the physical column names in declared order,
// surrogate key excluded.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// TrackedColumns returns the attribute columns change detection runs on:
// everything except business keys and audit columns.
func (t TableSpec) TrackedColumns() []string {
	bk := make(map[string]bool, len(t.BusinessKeys))
	for _, k := range t.BusinessKeys {
		bk[k] = true
	}
	var out []string
	for _, c := range t.Columns {
		if bk[c.Name] || IsAuditColumn(c.Name) {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}

// Catalog is the compiled physical model for one deployment: every
// dimension and fact from configuration plus the generated time dimension
// and the two tracking tables.
type Catalog struct {
	Dimensions []TableSpec
	Facts      []TableSpec
	Time       TableSpec
	Runs       TableSpec
	RunTables  TableSpec
}

// All returns every table in create order: tracking first (a failed run
// must still be recordable), then time, dimensions, facts.
func (c *Catalog) All() []TableSpec {
	out := make([]TableSpec, 0, len(c.Dimensions)+len(c.Facts)+3)
	out = append(out, c.Runs, c.RunTables, c.Time)
	out = append(out, c.Dimensions...)
	out = append(out, c.Facts...)
	return out
}

// Dimension returns the dimension spec for a logical entity name.
func (c *Catalog) Dimension(entity string) (TableSpec, bool) {
	for _, d := range c.Dimensions {
		if d.Entity == entity {
			return d, true
		}
	}
	return TableSpec{}, false
}
