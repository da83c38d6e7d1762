// Package config loads and validates the pipeline configuration: the
// source and warehouse connections, global load settings, and the entity
// catalog that drives every extraction, merge, and load. The engine reads
// it and obeys it; no table or column is hard-coded anywhere else.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dwetl/internal/etlerrors"
	"dwetl/internal/storage"
)

// Entity kinds.
const (
	KindDimension = "dimension"
	KindFact      = "fact"
)

// SourceConfig describes the read-only operational database.
type SourceConfig struct {
	Kind         string `yaml:"kind"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// WarehouseConfig describes the read/write target database.
type WarehouseConfig struct {
	Kind     string `yaml:"kind"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// Schemas are optional database schemas tables are created under.
// Empty values leave names unqualified.
type Schemas struct {
	Dimensions string `yaml:"dimensions"`
	Facts      string `yaml:"facts"`
	Tracking   string `yaml:"tracking"`
}

// LoadSettings are the global write parameters.
type LoadSettings struct {
	BatchSize    int `yaml:"batch_size"`
	Attempts     int `yaml:"retry_attempts"`
	DelaySeconds int `yaml:"retry_delay_seconds"`
	Workers      int `yaml:"workers"`
}

// Delay returns the retry delay as a duration.
func (s LoadSettings) Delay() time.Duration {
	return time.Duration(s.DelaySeconds) * time.Second
}

// Lookup resolves one fact column to a dimension's current surrogate key.
type Lookup struct {
	// Column is the fact column receiving the surrogate key.
	Column string `yaml:"column"`
	// Dimension is the logical name of the referenced dimension entity.
	Dimension string `yaml:"dimension"`
	// KeyColumns are the staged columns carrying the business-key parts,
	// aligned with the dimension's business keys.
	KeyColumns []string `yaml:"key_columns"`
	// Required rejects rows whose key is empty or unresolved; optional
	// references load NULL.
	Required bool `yaml:"required"`
}

// TimeKey derives a fact column from a staged timestamp column.
type TimeKey struct {
	Column string `yaml:"column"`
	Source string `yaml:"source"`
}

// Durations configures the per-group elapsed-minutes computation on a
// fact: events sharing a natural id are ordered by OrderColumn and each
// one measures to the next event, the last one to "now".
type Durations struct {
	OrderColumn   string `yaml:"order_column"`
	MeasureColumn string `yaml:"measure_column"`
	EndKeyColumn  string `yaml:"end_key_column"`
}

// Entity is one logical dimension or fact. Everything the engine does to
// it comes from here.
type Entity struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// Table is the physical table name; defaults to Name.
	Table string `yaml:"table"`
	// SurrogateKey is the generated identity column; defaults to the
	// entity name stripped of its dim_/fact_ prefix plus "_key".
	SurrogateKey string `yaml:"surrogate_key"`

	ExtractionQuery string `yaml:"extraction_query"`
	TransformQuery  string `yaml:"transform_query"`

	Columns []storage.ColumnSpec `yaml:"columns"`

	// Dimension fields.
	BusinessKeys []string          `yaml:"business_keys"`
	SCD          storage.SCDPolicy `yaml:"scd"`

	// Fact fields.
	NaturalKey string     `yaml:"natural_key"`
	Lookups    []Lookup   `yaml:"lookups"`
	TimeKeys   []TimeKey  `yaml:"time_keys"`
	Durations  *Durations `yaml:"durations"`
}

// Config is the full pipeline configuration file.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Schemas   Schemas         `yaml:"schemas"`
	Load      LoadSettings    `yaml:"load"`

	// TimeTable is the generated time dimension's table name.
	TimeTable string `yaml:"time_table"`
	// RunsTable and RunTablesTable are the tracking table names.
	RunsTable      string `yaml:"runs_table"`
	RunTablesTable string `yaml:"run_tables_table"`

	Entities []Entity `yaml:"entities"`
}

// Load reads, parses, and validates a configuration file. DSNs go through
// os.ExpandEnv so credentials stay out of the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, etlerrors.Wrapf(err, etlerrors.CodeConfigInvalid, "read config %s", path)
	}
	return Parse(raw)
}

// Parse decodes and validates configuration bytes. Unknown keys are
// rejected: a typoed column list must fail loudly, not load a partial
// catalog.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, etlerrors.Wrap(err, etlerrors.CodeConfigInvalid, "parse config")
	}

	cfg.Source.DSN = os.ExpandEnv(cfg.Source.DSN)
	cfg.Warehouse.DSN = os.ExpandEnv(cfg.Warehouse.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults applied by Validate.
const (
	DefaultBatchSize    = 1000
	DefaultAttempts     = 3
	DefaultDelaySeconds = 5
	DefaultWorkers      = 4

	DefaultTimeTable      = "dim_time"
	DefaultRunsTable      = "etl_run"
	DefaultRunTablesTable = "etl_run_table"
)

// Validate applies defaults and checks cross-references. It mutates the
// receiver (filled defaults), so call it exactly once per loaded file.
func (c *Config) Validate() error {
	if c.Source.Kind == "" || c.Source.DSN == "" {
		return invalid("source: kind and dsn are required")
	}
	if c.Warehouse.Kind == "" || c.Warehouse.DSN == "" {
		return invalid("warehouse: kind and dsn are required")
	}

	if c.Load.BatchSize <= 0 {
		c.Load.BatchSize = DefaultBatchSize
	}
	if c.Load.Attempts <= 0 {
		c.Load.Attempts = DefaultAttempts
	}
	if c.Load.DelaySeconds <= 0 {
		c.Load.DelaySeconds = DefaultDelaySeconds
	}
	if c.Load.Workers <= 0 {
		c.Load.Workers = DefaultWorkers
	}
	if c.TimeTable == "" {
		c.TimeTable = DefaultTimeTable
	}
	if c.RunsTable == "" {
		c.RunsTable = DefaultRunsTable
	}
	if c.RunTablesTable == "" {
		c.RunTablesTable = DefaultRunTablesTable
	}

	if len(c.Entities) == 0 {
		return invalid("entities: at least one entity is required")
	}

	seen := make(map[string]bool, len(c.Entities))
	dims := make(map[string]*Entity, len(c.Entities))
	for i := range c.Entities {
		e := &c.Entities[i]
		if err := e.validate(); err != nil {
			return err
		}
		if seen[e.Name] {
			return invalid("entity %s: duplicate name", e.Name)
		}
		seen[e.Name] = true
		if e.Kind == KindDimension {
			dims[e.Name] = e
		}
	}

	// Lookups must reference configured dimensions with matching key arity.
	for _, e := range c.Entities {
		for _, lk := range e.Lookups {
			d, ok := dims[lk.Dimension]
			if !ok {
				return invalid("entity %s: lookup %s references unknown dimension %q",
					e.Name, lk.Column, lk.Dimension)
			}
			if len(lk.KeyColumns) != len(d.BusinessKeys) {
				return invalid("entity %s: lookup %s: %d key columns for dimension %s with %d business keys",
					e.Name, lk.Column, len(lk.KeyColumns), lk.Dimension, len(d.BusinessKeys))
			}
		}
	}
	return nil
}

func (e *Entity) validate() error {
	if e.Name == "" {
		return invalid("entity with empty name")
	}
	if e.Table == "" {
		e.Table = e.Name
	}
	if e.SurrogateKey == "" {
		e.SurrogateKey = defaultSurrogateKey(e.Name)
	}
	if e.ExtractionQuery == "" {
		return invalid("entity %s: extraction_query is required", e.Name)
	}
	if len(e.Columns) == 0 {
		return invalid("entity %s: columns are required", e.Name)
	}
	colSet := make(map[string]bool, len(e.Columns))
	for _, col := range e.Columns {
		if col.Name == "" || col.Type == "" {
			return invalid("entity %s: every column needs name and type", e.Name)
		}
		if storage.IsAuditColumn(col.Name) {
			return invalid("entity %s: column %s is reserved for the catalog compiler", e.Name, col.Name)
		}
		if colSet[col.Name] {
			return invalid("entity %s: duplicate column %s", e.Name, col.Name)
		}
		colSet[col.Name] = true
	}

	switch e.Kind {
	case KindDimension:
		if len(e.BusinessKeys) == 0 {
			return invalid("entity %s: dimensions need business_keys", e.Name)
		}
		for _, bk := range e.BusinessKeys {
			if !colSet[bk] {
				return invalid("entity %s: business key %q is not a column", e.Name, bk)
			}
		}
		switch e.SCD {
		case "":
			e.SCD = storage.SCDType1
		case storage.SCDType1, storage.SCDType2:
		default:
			return invalid("entity %s: unknown scd policy %q", e.Name, e.SCD)
		}
		if e.NaturalKey != "" || len(e.Lookups) > 0 || e.Durations != nil {
			return invalid("entity %s: natural_key, lookups, and durations are fact settings", e.Name)
		}

	case KindFact:
		if e.NaturalKey == "" {
			return invalid("entity %s: facts need a natural_key", e.Name)
		}
		if !colSet[e.NaturalKey] {
			return invalid("entity %s: natural key %q is not a column", e.Name, e.NaturalKey)
		}
		for _, lk := range e.Lookups {
			if !colSet[lk.Column] {
				return invalid("entity %s: lookup column %q is not a column", e.Name, lk.Column)
			}
		}
		for _, tk := range e.TimeKeys {
			if !colSet[tk.Column] {
				return invalid("entity %s: time key column %q is not a column", e.Name, tk.Column)
			}
			if tk.Source == "" {
				return invalid("entity %s: time key %s needs a source column", e.Name, tk.Column)
			}
		}
		if d := e.Durations; d != nil {
			if d.OrderColumn == "" || d.MeasureColumn == "" {
				return invalid("entity %s: durations need order_column and measure_column", e.Name)
			}
			if !colSet[d.MeasureColumn] {
				return invalid("entity %s: duration measure %q is not a column", e.Name, d.MeasureColumn)
			}
			if d.EndKeyColumn != "" && !colSet[d.EndKeyColumn] {
				return invalid("entity %s: duration end key %q is not a column", e.Name, d.EndKeyColumn)
			}
		}
		if len(e.BusinessKeys) > 0 || e.SCD != "" {
			return invalid("entity %s: business_keys and scd are dimension settings", e.Name)
		}

	default:
		return invalid("entity %s: kind must be %q or %q", e.Name, KindDimension, KindFact)
	}
	return nil
}

// defaultSurrogateKey turns "dim_client" into "client_key".
func defaultSurrogateKey(entity string) string {
	base := strings.TrimPrefix(strings.TrimPrefix(entity, "dim_"), "fact_")
	return base + "_key"
}

func invalid(format string, args ...any) error {
	return etlerrors.New(etlerrors.CodeConfigInvalid, fmt.Sprintf(format, args...))
}
