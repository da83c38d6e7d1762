package config

import (
	"strings"
	"testing"

	"dwetl/internal/etlerrors"
	"dwetl/internal/storage"
)

const minimalYAML = `
source:
  kind: postgres
  dsn: postgres://src
warehouse:
  kind: sqlite
  dsn: file:wh.db
entities:
  - name: dim_client
    kind: dimension
    business_keys: [client_id]
    extraction_query: SELECT id AS client_id, name FROM clients ORDER BY id
    columns:
      - {name: client_id, type: text}
      - {name: name, type: text, nullable: true}
  - name: fact_service
    kind: fact
    natural_key: service_id
    extraction_query: SELECT * FROM services ORDER BY id
    lookups:
      - {column: client_key, dimension: dim_client, key_columns: [client_id], required: true}
    time_keys:
      - {column: requested_time_key, source: requested_at}
    columns:
      - {name: service_id, type: bigint}
      - {name: client_key, type: bigint, nullable: true}
      - {name: client_id, type: text, nullable: true}
      - {name: requested_time_key, type: bigint, nullable: true}
`

func TestParse_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Load.BatchSize != DefaultBatchSize {
		t.Errorf("batch size: %d, want %d", cfg.Load.BatchSize, DefaultBatchSize)
	}
	if cfg.Load.Attempts != DefaultAttempts {
		t.Errorf("attempts: %d, want %d", cfg.Load.Attempts, DefaultAttempts)
	}
	if cfg.Load.DelaySeconds != DefaultDelaySeconds {
		t.Errorf("delay: %d, want %d", cfg.Load.DelaySeconds, DefaultDelaySeconds)
	}
	if cfg.Load.Workers != DefaultWorkers {
		t.Errorf("workers: %d, want %d", cfg.Load.Workers, DefaultWorkers)
	}
	if cfg.TimeTable != DefaultTimeTable || cfg.RunsTable != DefaultRunsTable || cfg.RunTablesTable != DefaultRunTablesTable {
		t.Errorf("table names: %q %q %q", cfg.TimeTable, cfg.RunsTable, cfg.RunTablesTable)
	}

	dim := cfg.Entities[0]
	if dim.Table != "dim_client" {
		t.Errorf("dimension table default: %q", dim.Table)
	}
	if dim.SurrogateKey != "client_key" {
		t.Errorf("surrogate default: %q", dim.SurrogateKey)
	}
	if dim.SCD != storage.SCDType1 {
		t.Errorf("scd default: %q", dim.SCD)
	}
	if cfg.Entities[1].SurrogateKey != "service_key" {
		t.Errorf("fact surrogate default: %q", cfg.Entities[1].SurrogateKey)
	}
}

func TestParse_ExpandsEnvInDSNs(t *testing.T) {
	t.Setenv("TEST_SRC_DSN", "postgres://expanded")

	yaml := strings.Replace(minimalYAML, "postgres://src", "${TEST_SRC_DSN}", 1)
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Source.DSN != "postgres://expanded" {
		t.Errorf("dsn: %q", cfg.Source.DSN)
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	yaml := strings.Replace(minimalYAML, "business_keys:", "bussiness_keys:", 1)
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if etlerrors.CodeOf(err) != etlerrors.CodeConfigInvalid {
		t.Errorf("code: %v", etlerrors.CodeOf(err))
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(string) string
		wantSub string
	}{
		{
			name:    "duplicate entity",
			mutate:  func(y string) string { return strings.Replace(y, "fact_service", "dim_client", 1) },
			wantSub: "duplicate name",
		},
		{
			name:    "lookup unknown dimension",
			mutate:  func(y string) string { return strings.Replace(y, "dimension: dim_client", "dimension: dim_nope", 1) },
			wantSub: "unknown dimension",
		},
		{
			name:    "business key not a column",
			mutate:  func(y string) string { return strings.Replace(y, "business_keys: [client_id]", "business_keys: [missing]", 1) },
			wantSub: "not a column",
		},
		{
			name:    "bad scd",
			mutate:  func(y string) string { return strings.Replace(y, "business_keys: [client_id]", "business_keys: [client_id]\n    scd: scd9", 1) },
			wantSub: "scd",
		},
		{
			name:    "fact without natural key",
			mutate:  func(y string) string { return strings.Replace(y, "natural_key: service_id", "natural_key: \"\"", 1) },
			wantSub: "natural_key",
		},
		{
			name: "reserved audit column",
			mutate: func(y string) string {
				return strings.Replace(y, "- {name: name, type: text, nullable: true}",
					"- {name: is_current, type: boolean}", 1)
			},
			wantSub: "reserved",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.mutate(minimalYAML)))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestCompile_DimensionSpec(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg.Schemas = Schemas{Dimensions: "warehouse", Facts: "warehouse", Tracking: "etl"}

	m, err := cfg.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(m.Dimensions) != 1 || len(m.Facts) != 1 {
		t.Fatalf("jobs: %d dims, %d facts", len(m.Dimensions), len(m.Facts))
	}

	dim := m.Dimensions[0].Table
	if dim.Name != "warehouse.dim_client" {
		t.Errorf("dimension name: %q", dim.Name)
	}
	for _, audit := range []string{
		storage.ColValidFrom, storage.ColValidTo, storage.ColIsCurrent,
		storage.ColCreatedAt, storage.ColUpdatedAt,
	} {
		if _, ok := dim.Column(audit); !ok {
			t.Errorf("audit column %s missing", audit)
		}
	}
	if len(dim.Indexes) != 1 || dim.Indexes[0].Unique {
		t.Errorf("dimension index: %+v", dim.Indexes)
	}

	fct := m.Facts[0]
	if fct.Table.Name != "warehouse.fact_service" {
		t.Errorf("fact name: %q", fct.Table.Name)
	}
	if len(fct.Lookups) != 1 || fct.Lookups[0].Dimension.Name != "warehouse.dim_client" {
		t.Errorf("fact lookups: %+v", fct.Lookups)
	}
	// No durations on this fact, so the natural key is physically unique.
	if len(fct.Table.Indexes) != 1 || !fct.Table.Indexes[0].Unique {
		t.Errorf("fact index: %+v", fct.Table.Indexes)
	}

	if m.Catalog.Time.Name != "warehouse.dim_time" {
		t.Errorf("time table: %q", m.Catalog.Time.Name)
	}
	if m.Catalog.Runs.Name != "etl.etl_run" || m.Catalog.RunTables.Name != "etl.etl_run_table" {
		t.Errorf("tracking tables: %q %q", m.Catalog.Runs.Name, m.Catalog.RunTables.Name)
	}
	if got := m.Catalog.Runs.Indexes[0].Name; got != "ix_etl_run_status" {
		t.Errorf("runs index name: %q", got)
	}
}

func TestCompile_DurationFactIndexNotUnique(t *testing.T) {
	t.Parallel()

	yaml := minimalYAML + `
  - name: fact_status
    kind: fact
    natural_key: service_id
    extraction_query: SELECT * FROM statuses ORDER BY service_id, at
    durations:
      order_column: at
      measure_column: minutes
    columns:
      - {name: service_id, type: bigint}
      - {name: minutes, type: double, nullable: true}
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m, err := cfg.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	var status *FactJob
	for i := range m.Facts {
		if m.Facts[i].Entity.Name == "fact_status" {
			status = &m.Facts[i]
		}
	}
	if status == nil {
		t.Fatal("fact_status not compiled")
	}
	if status.Table.Indexes[0].Unique {
		t.Error("duration fact natural-key index must not be unique")
	}
}
