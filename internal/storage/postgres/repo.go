package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dwetl/internal/etlerrors"
	"dwetl/internal/storage"
)

/*
Repo implements storage.Warehouse for Postgres.

It provides:
  - catalog DDL (create-if-not-exists tables and indexes)
  - current-row lookups for dimension merge and fact resolution
  - transactional dimension chunks (close/insert/update, all or nothing)
  - conflict-ignored time rows and delete-then-insert fact replacement
  - run tracking reads/writes

Every mutating method is one transaction per call; nothing holds a pool
connection between calls.
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed Repo. MaxConns caps the pool when set.
func New(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureSchema creates every catalog table and index that does not exist.
// Idempotent; existing tables are never altered.
func (r *Repo) EnsureSchema(ctx context.Context, cat *storage.Catalog) error {
	for _, t := range cat.All() {
		schemaSQL, tableSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		for _, idxSQL := range buildIndexSQL(t) {
			if _, err := r.pool.Exec(ctx, idxSQL); err != nil {
				return fmt.Errorf("create index on %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// SelectCurrentRows fetches current rows for the given business-key tuples,
// keyed by storage.CompositeKey so callers match staged values reliably.
func (r *Repo) SelectCurrentRows(
	ctx context.Context,
	table storage.TableSpec,
	keys [][]any,
) (map[string]storage.CurrentRow, error) {
	out := make(map[string]storage.CurrentRow, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	cols := table.ColumnNames()
	bkIdx, err := columnIndices(cols, table.BusinessKeys)
	if err != nil {
		return nil, fmt.Errorf("SelectCurrentRows %s: %w", table.Name, err)
	}

	err = r.selectCurrentChunked(ctx, table, keys, cols, func(sk int64, vals []any) {
		bkVals := make([]any, len(bkIdx))
		for i, idx := range bkIdx {
			bkVals[i] = vals[idx]
		}
		values := make(map[string]any, len(cols))
		for i, c := range cols {
			values[c] = vals[i]
		}
		out[storage.CompositeKey(bkVals...)] = storage.CurrentRow{
			SurrogateKey: sk,
			Values:       values,
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SelectCurrentKeys is the lookup-cache variant: only surrogate keys come
// back, which keeps fact resolution cheap for wide dimensions.
func (r *Repo) SelectCurrentKeys(
	ctx context.Context,
	table storage.TableSpec,
	keys [][]any,
) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	err := r.selectCurrentChunked(ctx, table, keys, table.BusinessKeys, func(sk int64, vals []any) {
		out[storage.CompositeKey(vals...)] = sk
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// selectChunk keeps IN lists small and parameter counts well below the
// Postgres limit.
const selectChunk = 2000

// selectCurrentChunked runs SELECT <sk>, <cols...> over is_current rows
// whose business keys match the tuples, invoking visit per row.
func (r *Repo) selectCurrentChunked(
	ctx context.Context,
	table storage.TableSpec,
	keys [][]any,
	cols []string,
	visit func(sk int64, vals []any),
) error {
	for start := 0; start < len(keys); start += selectChunk {
		end := start + selectChunk
		if end > len(keys) {
			end = len(keys)
		}
		part := keys[start:end]

		q, args := buildCurrentSelectSQL(table, cols, part)
		rows, err := r.pool.Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("select current %s: %w", table.Name, err)
		}

		for rows.Next() {
			// pgx requires pointer destinations: allocate the values
			// slice and scan through &out[i]. Scanning the interface
			// values directly leaves them nil.
			var sk int64
			vals := make([]any, len(cols))
			dests := make([]any, 0, len(cols)+1)
			dests = append(dests, &sk)
			for i := range vals {
				dests = append(dests, &vals[i])
			}
			if err := rows.Scan(dests...); err != nil {
				rows.Close()
				return fmt.Errorf("select current %s: scan: %w", table.Name, err)
			}
			visit(sk, vals)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("select current %s: rows: %w", table.Name, err)
		}
		rows.Close()
	}
	return nil
}

// buildCurrentSelectSQL is pure so placeholder numbering and the composite
// row-value IN clause are unit-testable without a database.
func buildCurrentSelectSQL(table storage.TableSpec, cols []string, keys [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(pgIdent(table.SurrogateKey))
	for _, c := range cols {
		b.WriteString(", ")
		b.WriteString(pgIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(table.Name)
	b.WriteString(" WHERE ")
	b.WriteString(pgIdent(storage.ColIsCurrent))
	b.WriteString(" = TRUE AND ")

	args := make([]any, 0, len(keys)*len(table.BusinessKeys))
	p := 1
	if len(table.BusinessKeys) == 1 {
		b.WriteString(pgIdent(table.BusinessKeys[0]))
		b.WriteString(" IN (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, k[0])
			p++
		}
		b.WriteString(")")
	} else {
		b.WriteString("(")
		for i, c := range table.BusinessKeys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") IN (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(")
			for j := range table.BusinessKeys {
				if j > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "$%d", p)
				args = append(args, k[j])
				p++
			}
			b.WriteString(")")
		}
		b.WriteString(")")
	}
	return b.String(), args
}

// MergeDimensionChunk applies one planned chunk in a single transaction:
// closes first (type-2 end-of-validity), then inserts, then updates.
func (r *Repo) MergeDimensionChunk(
	ctx context.Context,
	table storage.TableSpec,
	chunk storage.DimensionChunk,
) error {
	if chunk.Empty() {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classifyWrite(table.Name, err)
	}
	defer tx.Rollback(ctx)

	for _, cl := range chunk.Closes {
		q := fmt.Sprintf(
			"UPDATE %s SET %s = $1, %s = FALSE, %s = $2 WHERE %s = $3",
			table.Name,
			pgIdent(storage.ColValidTo),
			pgIdent(storage.ColIsCurrent),
			pgIdent(storage.ColUpdatedAt),
			pgIdent(table.SurrogateKey),
		)
		if _, err := tx.Exec(ctx, q, cl.ValidTo, cl.ValidTo, cl.SurrogateKey); err != nil {
			return classifyWrite(table.Name, err)
		}
	}

	if len(chunk.Inserts) > 0 {
		q, args := buildInsertSQL(table.Name, chunk.InsertColumns, chunk.Inserts, nil)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return classifyWrite(table.Name, err)
		}
	}

	for _, up := range chunk.Updates {
		q, args := buildUpdateSQL(table, up)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return classifyWrite(table.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyWrite(table.Name, err)
	}
	return nil
}

func buildUpdateSQL(table storage.TableSpec, up storage.DimensionUpdate) (string, []any) {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(table.Name)
	b.WriteString(" SET ")

	args := make([]any, 0, len(up.Values)+1)
	p := 1
	for i, c := range up.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
		fmt.Fprintf(&b, " = $%d", p)
		args = append(args, up.Values[i])
		p++
	}
	b.WriteString(" WHERE ")
	b.WriteString(pgIdent(table.SurrogateKey))
	fmt.Fprintf(&b, " = $%d", p)
	args = append(args, up.SurrogateKey)
	return b.String(), args
}

// InsertTimeRows inserts minute rows idempotently via
// ON CONFLICT (time_key) DO NOTHING and reports rows actually inserted.
func (r *Repo) InsertTimeRows(
	ctx context.Context,
	table storage.TableSpec,
	columns []string,
	rows [][]any,
) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	q, args := buildInsertSQL(table.Name, columns, rows, table.PrimaryKey)
	cmd, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, classifyWrite(table.Name, err)
	}
	return cmd.RowsAffected(), nil
}

// ReplaceFactRows deletes rows carrying the staged natural ids and inserts
// the recomputed rows, atomically per call.
func (r *Repo) ReplaceFactRows(
	ctx context.Context,
	table storage.TableSpec,
	columns []string,
	rows [][]any,
	naturalIDs []any,
) error {
	if len(rows) == 0 && len(naturalIDs) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classifyWrite(table.Name, err)
	}
	defer tx.Rollback(ctx)

	if len(naturalIDs) > 0 {
		var b strings.Builder
		b.WriteString("DELETE FROM ")
		b.WriteString(table.Name)
		b.WriteString(" WHERE ")
		b.WriteString(pgIdent(table.NaturalKey))
		b.WriteString(" IN (")
		args := make([]any, 0, len(naturalIDs))
		for i, id := range naturalIDs {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i+1)
			args = append(args, id)
		}
		b.WriteString(")")
		if _, err := tx.Exec(ctx, b.String(), args...); err != nil {
			return classifyWrite(table.Name, err)
		}
	}

	if len(rows) > 0 {
		q, args := buildInsertSQL(table.Name, columns, rows, nil)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return classifyWrite(table.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyWrite(table.Name, err)
	}
	return nil
}

// buildInsertSQL constructs a single multi-row INSERT and its args.
//
// Why this exists:
//   - It is pure and deterministic, so placeholder numbering and the
//     ON CONFLICT clause are unit-testable without a database.
//
// Constraints:
//   - every row must have len(columns) values.
//   - conflictColumns, when non-empty, adds ON CONFLICT (...) DO NOTHING.
func buildInsertSQL(table string, columns []string, rows [][]any, conflictColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(conflictColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range conflictColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	}
	return b.String(), args
}

// ---- run tracking ----

func (r *Repo) ActiveRun(ctx context.Context, runs storage.TableSpec) (string, bool, error) {
	q := fmt.Sprintf(
		"SELECT run_id FROM %s WHERE status = 'running' ORDER BY started_at DESC LIMIT 1",
		runs.Name,
	)
	var id string
	err := r.pool.QueryRow(ctx, q).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("active run %s: %w", runs.Name, err)
	}
	return id, true, nil
}

func (r *Repo) CreateRun(ctx context.Context, runs storage.TableSpec, rec storage.RunRecord) error {
	q := fmt.Sprintf(
		"INSERT INTO %s (run_id, started_at, status, details) VALUES ($1, $2, $3, $4)",
		runs.Name,
	)
	if _, err := r.pool.Exec(ctx, q, rec.ID, rec.StartedAt, rec.Status, rec.Details); err != nil {
		return fmt.Errorf("create run %s: %w", runs.Name, err)
	}
	return nil
}

func (r *Repo) FinishRun(
	ctx context.Context,
	runs storage.TableSpec,
	id string,
	status string,
	endedAt time.Time,
	details string,
) error {
	q := fmt.Sprintf(
		"UPDATE %s SET status = $1, ended_at = $2, details = $3 WHERE run_id = $4",
		runs.Name,
	)
	if _, err := r.pool.Exec(ctx, q, status, endedAt, details, id); err != nil {
		return fmt.Errorf("finish run %s: %w", runs.Name, err)
	}
	return nil
}

func (r *Repo) SaveRunTable(
	ctx context.Context,
	runTables storage.TableSpec,
	runID string,
	rec storage.RunTableRecord,
) error {
	q := fmt.Sprintf(
		`INSERT INTO %s (run_id, entity, rows_read, rows_loaded, rows_rejected, status, error)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (run_id, entity) DO UPDATE SET
rows_read = EXCLUDED.rows_read, rows_loaded = EXCLUDED.rows_loaded,
rows_rejected = EXCLUDED.rows_rejected, status = EXCLUDED.status, error = EXCLUDED.error`,
		runTables.Name,
	)
	_, err := r.pool.Exec(ctx, q,
		runID, rec.Entity, rec.RowsRead, rec.RowsLoaded, rec.RowsRejected, rec.Status, rec.Error)
	if err != nil {
		return fmt.Errorf("save run table %s: %w", runTables.Name, err)
	}
	return nil
}

// ---- DDL ----

// pgTypeFor translates portable column types to Postgres types. Timestamps
// are WITHOUT TIME ZONE: the pipeline treats all instants as naive local
// time, and TIMESTAMPTZ would silently re-anchor them.
func pgTypeFor(portable string) (string, error) {
	switch portable {
	case "serial":
		return "BIGSERIAL", nil
	case "bigint":
		return "BIGINT", nil
	case "integer":
		return "INTEGER", nil
	case "double":
		return "DOUBLE PRECISION", nil
	case "text":
		return "TEXT", nil
	case "boolean":
		return "BOOLEAN", nil
	case "timestamp":
		return "TIMESTAMP", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", portable)
	}
}

// buildCreateSQL generates DDL for one catalog table.
//
// Outputs:
//   - schemaSQL: optional CREATE SCHEMA when t.Name is schema-qualified.
//   - tableSQL:  CREATE TABLE IF NOT EXISTS with surrogate or natural PK.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("buildCreateSQL: table name is empty")
	}
	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", pgIdent(schema))
	}

	cols := make([]string, 0, len(t.Columns)+1)
	if t.SurrogateKey != "" {
		cols = append(cols, fmt.Sprintf("%s BIGSERIAL PRIMARY KEY", pgIdent(t.SurrogateKey)))
	}
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", "", fmt.Errorf("buildCreateSQL: table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}
	if t.SurrogateKey == "" && len(t.PrimaryKey) > 0 {
		quoted := make([]string, len(t.PrimaryKey))
		for i, c := range t.PrimaryKey {
			quoted[i] = pgIdent(c)
		}
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(quoted, ", ")))
	}
	if len(cols) == 0 {
		return "", "", fmt.Errorf("buildCreateSQL: table %s: no columns", t.Name)
	}

	tableSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", t.Name, strings.Join(cols, ", "))
	return schemaSQL, tableSQL, nil
}

// buildColumnDef renders a single column definition.
//
// Nullable semantics:
//   - nullable == nil   => NOT NULL (conservative default)
//   - nullable == true  => NULL allowed
//   - nullable == false => NOT NULL
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("column name must be set")
	}
	typ, err := pgTypeFor(strings.TrimSpace(c.Type))
	if err != nil {
		return "", fmt.Errorf("column %s: %w", name, err)
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)

	nullable := false
	if c.Nullable != nil {
		nullable = *c.Nullable
	}
	if !nullable {
		b.WriteString(" NOT NULL")
	}
	return b.String(), nil
}

// buildIndexSQL renders CREATE INDEX IF NOT EXISTS statements. Index names
// come from the table spec; the catalog compiler keeps them unique per table.
func buildIndexSQL(t storage.TableSpec) []string {
	out := make([]string, 0, len(t.Indexes))
	for _, idx := range t.Indexes {
		var b strings.Builder
		b.WriteString("CREATE ")
		if idx.Unique {
			b.WriteString("UNIQUE ")
		}
		b.WriteString("INDEX IF NOT EXISTS ")
		b.WriteString(pgIdent(idx.Name))
		b.WriteString(" ON ")
		b.WriteString(t.Name)
		b.WriteString(" (")
		for i, c := range idx.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(");")
		out = append(out, b.String())
	}
	return out
}

/* ---------- helpers ---------- */

// pgIdent quotes an identifier. Catalog names come from config, not user
// input, but quoting keeps mixed-case and reserved words safe.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "warehouse.dim_client" => ("warehouse", "dim_client")
//   - "dim_client"           => ("", "dim_client")
//
// Intentionally conservative: only a single dot is handled; anything more
// complex is treated as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func columnIndices(cols []string, names []string) ([]int, error) {
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		idx[c] = i
	}
	out := make([]int, len(names))
	for i, n := range names {
		j, ok := idx[n]
		if !ok {
			return nil, fmt.Errorf("column %q not in column list", n)
		}
		out[i] = j
	}
	return out, nil
}

// classifyWrite wraps a write failure, marking connection loss, deadlock,
// and serialization failures recoverable so the batch executor retries the
// chunk instead of failing the table.
func classifyWrite(table string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	recoverable := false
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08xxx connection exceptions, 40001 serialization_failure,
		// 40P01 deadlock_detected, 57P01 admin_shutdown.
		code := pgErr.Code
		recoverable = strings.HasPrefix(code, "08") ||
			code == "40001" || code == "40P01" || code == "57P01"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		recoverable = true
	}

	wrapped := etlerrors.Wrapf(err, etlerrors.CodeChunkWrite, "write %s", table)
	if recoverable {
		wrapped = wrapped.AsRecoverable()
	}
	return wrapped
}
