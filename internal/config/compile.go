package config

import (
	"fmt"

	"dwetl/internal/storage"
	"dwetl/internal/timedim"
)

// DimensionJob is one dimension entity compiled for execution.
type DimensionJob struct {
	Entity Entity
	Table  storage.TableSpec
}

// FactLookup is a Lookup with its dimension resolved to a table spec.
type FactLookup struct {
	Column     string
	Dimension  storage.TableSpec
	KeyColumns []string
	Required   bool
}

// FactJob is one fact entity compiled for execution, with every lookup
// bound to its dimension's table spec.
type FactJob struct {
	Entity  Entity
	Table   storage.TableSpec
	Lookups []FactLookup
}

// Model is the compiled physical catalog plus the per-entity jobs the
// engine executes. Compile is pure: the same Config always produces the
// same Model.
type Model struct {
	Catalog    *storage.Catalog
	Dimensions []DimensionJob
	Facts      []FactJob
}

// Compile turns a validated Config into the physical catalog and job
// list. Dimensions get audit columns appended and a current-key index;
// facts get a natural-key index, unique unless durations fan a group out
// into several rows.
func (c *Config) Compile() (*Model, error) {
	m := &Model{Catalog: &storage.Catalog{}}

	byName := make(map[string]storage.TableSpec, len(c.Entities))
	for _, e := range c.Entities {
		if e.Kind != KindDimension {
			continue
		}
		spec := compileDimension(e, c.Schemas.Dimensions)
		byName[e.Name] = spec
		m.Catalog.Dimensions = append(m.Catalog.Dimensions, spec)
		m.Dimensions = append(m.Dimensions, DimensionJob{Entity: e, Table: spec})
	}

	for _, e := range c.Entities {
		if e.Kind != KindFact {
			continue
		}
		spec := compileFact(e, c.Schemas.Facts)
		m.Catalog.Facts = append(m.Catalog.Facts, spec)

		job := FactJob{Entity: e, Table: spec}
		for _, lk := range e.Lookups {
			dim, ok := byName[lk.Dimension]
			if !ok {
				// Validate already checked this; fail loudly anyway.
				return nil, fmt.Errorf("compile %s: unknown dimension %q", e.Name, lk.Dimension)
			}
			job.Lookups = append(job.Lookups, FactLookup{
				Column:     lk.Column,
				Dimension:  dim,
				KeyColumns: lk.KeyColumns,
				Required:   lk.Required,
			})
		}
		m.Facts = append(m.Facts, job)
	}

	m.Catalog.Time = timedim.Spec(qualify(c.Schemas.Dimensions, c.TimeTable))
	m.Catalog.Runs = runsSpec(qualify(c.Schemas.Tracking, c.RunsTable))
	m.Catalog.RunTables = runTablesSpec(qualify(c.Schemas.Tracking, c.RunTablesTable))
	return m, nil
}

func compileDimension(e Entity, schema string) storage.TableSpec {
	cols := make([]storage.ColumnSpec, 0, len(e.Columns)+5)
	cols = append(cols, e.Columns...)
	cols = append(cols,
		storage.ColumnSpec{Name: storage.ColValidFrom, Type: "timestamp"},
		storage.ColumnSpec{Name: storage.ColValidTo, Type: "timestamp"},
		storage.ColumnSpec{Name: storage.ColIsCurrent, Type: "boolean"},
		storage.ColumnSpec{Name: storage.ColCreatedAt, Type: "timestamp"},
		storage.ColumnSpec{Name: storage.ColUpdatedAt, Type: "timestamp"},
	)

	spec := storage.TableSpec{
		Entity:       e.Name,
		Name:         qualify(schema, e.Table),
		Kind:         storage.KindDimension,
		SurrogateKey: e.SurrogateKey,
		BusinessKeys: e.BusinessKeys,
		SCD:          e.SCD,
		Columns:      cols,
	}

	// One index serves both merge lookups and fact resolution: business
	// keys filtered on is_current. Never unique; type-2 keeps history rows
	// under the same key.
	idxCols := append(append([]string{}, e.BusinessKeys...), storage.ColIsCurrent)
	spec.Indexes = []storage.IndexSpec{{
		Name:    "ix_" + e.Table + "_current",
		Columns: idxCols,
	}}
	return spec
}

func compileFact(e Entity, schema string) storage.TableSpec {
	spec := storage.TableSpec{
		Entity:       e.Name,
		Name:         qualify(schema, e.Table),
		Kind:         storage.KindFact,
		SurrogateKey: e.SurrogateKey,
		NaturalKey:   e.NaturalKey,
		Columns:      e.Columns,
	}
	spec.Indexes = []storage.IndexSpec{{
		Name:    "ix_" + e.Table + "_natural",
		Columns: []string{e.NaturalKey},
		// A duration fact stores one row per event under a shared natural
		// id, so only plain facts can enforce uniqueness physically.
		Unique: e.Durations == nil,
	}}
	return spec
}

func runsSpec(name string) storage.TableSpec {
	nullable := true
	return storage.TableSpec{
		Entity:     "etl_run",
		Name:       name,
		Kind:       storage.KindTracking,
		PrimaryKey: []string{"run_id"},
		Columns: []storage.ColumnSpec{
			{Name: "run_id", Type: "text"},
			{Name: "started_at", Type: "timestamp"},
			{Name: "ended_at", Type: "timestamp", Nullable: &nullable},
			{Name: "status", Type: "text"},
			{Name: "details", Type: "text"},
		},
		Indexes: []storage.IndexSpec{{
			Name:    "ix_" + unqualified(name) + "_status",
			Columns: []string{"status"},
		}},
	}
}

func runTablesSpec(name string) storage.TableSpec {
	return storage.TableSpec{
		Entity:     "etl_run_table",
		Name:       name,
		Kind:       storage.KindTracking,
		PrimaryKey: []string{"run_id", "entity"},
		Columns: []storage.ColumnSpec{
			{Name: "run_id", Type: "text"},
			{Name: "entity", Type: "text"},
			{Name: "rows_read", Type: "bigint"},
			{Name: "rows_loaded", Type: "bigint"},
			{Name: "rows_rejected", Type: "bigint"},
			{Name: "status", Type: "text"},
			{Name: "error", Type: "text"},
		},
	}
}

func qualify(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

func unqualified(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}
