package postgres

import (
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"dwetl/internal/etlerrors"
	"dwetl/internal/storage"
)

// boolPtr is a tiny helper to avoid repeating &[]bool literals in tests.
func boolPtr(v bool) *bool { return &v }

func TestBuildCreateSQL_Dimension_SurrogateKeyAndAuditColumns(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Entity:       "client",
		Name:         "warehouse.dim_client",
		Kind:         storage.KindDimension,
		SurrogateKey: "client_key",
		BusinessKeys: []string{"client_id"},
		Columns: []storage.ColumnSpec{
			{Name: "client_id", Type: "bigint"},
			{Name: "client_name", Type: "text", Nullable: boolPtr(true)},
			{Name: "valid_from", Type: "timestamp"},
			{Name: "valid_to", Type: "timestamp"},
			{Name: "is_current", Type: "boolean"},
		},
	}

	schemaSQL, tableSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if !strings.Contains(schemaSQL, `CREATE SCHEMA IF NOT EXISTS "warehouse"`) {
		t.Fatalf("expected schemaSQL for qualified table, got: %q", schemaSQL)
	}
	if !strings.Contains(tableSQL, "CREATE TABLE IF NOT EXISTS warehouse.dim_client") {
		t.Fatalf("tableSQL missing CREATE TABLE: %q", tableSQL)
	}
	if !strings.Contains(tableSQL, `"client_key" BIGSERIAL PRIMARY KEY`) {
		t.Fatalf("tableSQL missing surrogate key: %q", tableSQL)
	}
	// Nullable nil must render NOT NULL; explicit true must not.
	if !strings.Contains(tableSQL, `"client_id" BIGINT NOT NULL`) {
		t.Fatalf("tableSQL missing NOT NULL business key: %q", tableSQL)
	}
	if strings.Contains(tableSQL, `"client_name" TEXT NOT NULL`) {
		t.Fatalf("nullable attribute rendered NOT NULL: %q", tableSQL)
	}
	// Naive timestamps only. TIMESTAMPTZ would re-anchor local instants.
	if strings.Contains(tableSQL, "TIMESTAMPTZ") || strings.Contains(tableSQL, "TIME ZONE") {
		t.Fatalf("tableSQL must use naive TIMESTAMP: %q", tableSQL)
	}
}

func TestBuildCreateSQL_NaturalPrimaryKey_NoSurrogate(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Entity:     "time",
		Name:       "warehouse.dim_time",
		Kind:       storage.KindTime,
		PrimaryKey: []string{"time_key"},
		Columns: []storage.ColumnSpec{
			{Name: "time_key", Type: "bigint"},
			{Name: "full_date", Type: "timestamp"},
		},
	}

	_, tableSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if !strings.Contains(tableSQL, `PRIMARY KEY ("time_key")`) {
		t.Fatalf("tableSQL missing natural primary key: %q", tableSQL)
	}
	if strings.Contains(tableSQL, "BIGSERIAL") {
		t.Fatalf("time dimension must not get a surrogate key: %q", tableSQL)
	}
}

func TestBuildCreateSQL_CompositeNaturalKey(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "warehouse.etl_run_table",
		Kind:       storage.KindTracking,
		PrimaryKey: []string{"run_id", "entity"},
		Columns: []storage.ColumnSpec{
			{Name: "run_id", Type: "text"},
			{Name: "entity", Type: "text"},
			{Name: "rows_read", Type: "bigint"},
		},
	}

	_, tableSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if !strings.Contains(tableSQL, `PRIMARY KEY ("run_id", "entity")`) {
		t.Fatalf("tableSQL missing composite primary key: %q", tableSQL)
	}
}

func TestBuildCreateSQL_UnknownType_Errors(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:    "warehouse.dim_bad",
		Columns: []storage.ColumnSpec{{Name: "x", Type: "jsonb"}},
	}
	if _, _, err := buildCreateSQL(spec); err == nil {
		t.Fatal("expected error for unsupported column type")
	}
}

func TestBuildInsertSQL_PlaceholderNumbering(t *testing.T) {
	t.Parallel()

	sql, args := buildInsertSQL(
		"warehouse.dim_city",
		[]string{"city_id", "city_name", "is_current"},
		[][]any{
			{int64(1), "Bogotá", true},
			{int64(2), "Medellín", true},
		},
		nil,
	)

	if strings.Contains(sql, "ON CONFLICT") {
		t.Fatalf("expected no ON CONFLICT clause, got: %q", sql)
	}
	// Placeholder numbering must be stable for Exec().
	if !strings.Contains(sql, "VALUES ($1, $2, $3), ($4, $5, $6)") {
		t.Fatalf("unexpected VALUES placeholders: %q", sql)
	}
	if len(args) != 6 {
		t.Fatalf("expected 6 args, got %d", len(args))
	}
}

func TestBuildInsertSQL_ConflictColumns_AddsDoNothing(t *testing.T) {
	t.Parallel()

	sql, _ := buildInsertSQL(
		"warehouse.dim_time",
		[]string{"time_key", "full_date"},
		[][]any{{int64(202601151230), "2026-01-15 12:30"}},
		[]string{"time_key"},
	)

	// The critical behavior: re-generating an already loaded day must not
	// duplicate minute rows.
	if !strings.Contains(sql, `ON CONFLICT ("time_key") DO NOTHING`) {
		t.Fatalf("expected ON CONFLICT DO NOTHING, got: %q", sql)
	}
}

func TestBuildCurrentSelectSQL_SingleKey_UsesPlainIn(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:         "warehouse.dim_client",
		SurrogateKey: "client_key",
		BusinessKeys: []string{"client_id"},
	}
	sql, args := buildCurrentSelectSQL(spec, []string{"client_id"}, [][]any{
		{int64(10)}, {int64(20)},
	})

	if !strings.Contains(sql, `"is_current" = TRUE`) {
		t.Fatalf("select must filter current rows: %q", sql)
	}
	if !strings.Contains(sql, `"client_id" IN ($1, $2)`) {
		t.Fatalf("unexpected IN clause: %q", sql)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(args))
	}
}

func TestBuildCurrentSelectSQL_CompositeKey_UsesRowValueIn(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:         "warehouse.dim_zone",
		SurrogateKey: "zone_key",
		BusinessKeys: []string{"city_id", "zone_id"},
	}
	sql, args := buildCurrentSelectSQL(spec, []string{"city_id", "zone_id"}, [][]any{
		{int64(1), int64(7)},
		{int64(1), int64(8)},
	})

	if !strings.Contains(sql, `("city_id", "zone_id") IN (($1, $2), ($3, $4))`) {
		t.Fatalf("unexpected row-value IN clause: %q", sql)
	}
	if len(args) != 4 {
		t.Fatalf("expected 4 args, got %d", len(args))
	}
}

func TestBuildUpdateSQL_Type1Overwrite(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:         "warehouse.dim_client",
		SurrogateKey: "client_key",
	}
	sql, args := buildUpdateSQL(spec, storage.DimensionUpdate{
		SurrogateKey: 42,
		Columns:      []string{"client_name", "updated_at"},
		Values:       []any{"ACME", "2026-01-15"},
	})

	if !strings.Contains(sql, `SET "client_name" = $1, "updated_at" = $2`) {
		t.Fatalf("unexpected SET clause: %q", sql)
	}
	if !strings.Contains(sql, `WHERE "client_key" = $3`) {
		t.Fatalf("unexpected WHERE clause: %q", sql)
	}
	if len(args) != 3 || args[2] != int64(42) {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildIndexSQL_UniqueAndPlain(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name: "warehouse.fact_service",
		Indexes: []storage.IndexSpec{
			{Name: "ux_fact_service_service_id", Columns: []string{"service_id"}, Unique: true},
			{Name: "ix_fact_service_client_key", Columns: []string{"client_key"}},
		},
	}

	stmts := buildIndexSQL(spec)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	if !strings.Contains(stmts[0], `CREATE UNIQUE INDEX IF NOT EXISTS "ux_fact_service_service_id"`) {
		t.Fatalf("unexpected unique index DDL: %q", stmts[0])
	}
	if strings.Contains(stmts[1], "UNIQUE") {
		t.Fatalf("plain index must not be UNIQUE: %q", stmts[1])
	}
}

func TestSplitQualifiedName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in          string
		schema, tbl string
	}{
		{"warehouse.dim_client", "warehouse", "dim_client"},
		{"dim_client", "", "dim_client"},
		{"a.b.c", "", "a.b.c"},
		{"  warehouse . dim_client ", "warehouse", "dim_client"},
	}
	for _, tt := range tests {
		schema, tbl := splitQualifiedName(tt.in)
		if schema != tt.schema || tbl != tt.tbl {
			t.Fatalf("splitQualifiedName(%q) = (%q, %q), want (%q, %q)",
				tt.in, schema, tbl, tt.schema, tt.tbl)
		}
	}
}

func TestClassifyWrite_RecoverableCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		code        string
		recoverable bool
	}{
		{"deadlock", "40P01", true},
		{"serialization failure", "40001", true},
		{"connection failure", "08006", true},
		{"admin shutdown", "57P01", true},
		{"unique violation", "23505", false},
		{"not null violation", "23502", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyWrite("warehouse.dim_client", &pgconn.PgError{Code: tt.code})
			if got := etlerrors.IsRecoverable(err); got != tt.recoverable {
				t.Fatalf("code %s: recoverable = %v, want %v", tt.code, got, tt.recoverable)
			}
			if etlerrors.CodeOf(err) != etlerrors.CodeChunkWrite {
				t.Fatalf("code %s: wrong etl error code %s", tt.code, etlerrors.CodeOf(err))
			}
		})
	}
}

func TestClassifyWrite_NilPassthrough(t *testing.T) {
	t.Parallel()

	if err := classifyWrite("warehouse.dim_client", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestColumnIndices_MissingColumn(t *testing.T) {
	t.Parallel()

	if _, err := columnIndices([]string{"a", "b"}, []string{"a", "missing"}); err == nil {
		t.Fatal("expected error for unknown column")
	}
	idx, err := columnIndices([]string{"a", "b", "c"}, []string{"c", "a"})
	if err != nil {
		t.Fatalf("columnIndices: %v", err)
	}
	if idx[0] != 2 || idx[1] != 0 {
		t.Fatalf("unexpected indices: %v", idx)
	}
}
