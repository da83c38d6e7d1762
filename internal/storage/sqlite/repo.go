package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dwetl/internal/etlerrors"
	"dwetl/internal/storage"
)

// Repo implements storage.Warehouse for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no schemas; schema-qualified catalog names are flattened
//     ("warehouse.dim_client" becomes "warehouse_dim_client") so one catalog
//     works against both backends.
//   - SQLite has no native timestamp type. Timestamps are stored as
//     RFC3339Nano TEXT for reliable round-trip behavior and easy debugging;
//     reads convert them back to time.Time so merge comparisons behave the
//     same as on Postgres.
//   - Booleans are stored as INTEGER 0/1 and converted back on read.
type Repo struct {
	db *sql.DB
}

const Kind = "sqlite"

func init() {
	storage.Register(Kind, New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConns))
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) EnsureSchema(ctx context.Context, cat *storage.Catalog) error {
	for _, t := range cat.All() {
		tableSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, tableSQL); err != nil {
			return fmt.Errorf("create table %s: %w", tableName(t), err)
		}
		for _, idxSQL := range buildIndexSQL(t) {
			if _, err := r.db.ExecContext(ctx, idxSQL); err != nil {
				return fmt.Errorf("create index on %s: %w", tableName(t), err)
			}
		}
	}
	return nil
}

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
	bkIdx := make([]int, 0, len(table.BusinessKeys))
	for _, bk := range table.BusinessKeys {
		i, ok := indexOfColumn(cols, bk)
		if !ok {
			return nil, fmt.Errorf("SelectCurrentRows %s: business key %q not in columns", tableName(table), bk)
		}
		bkIdx = append(bkIdx, i)
	}

	err := r.selectCurrentChunked(ctx, table, keys, cols, func(sk int64, vals []any) {
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

// SQLite's default parameter limit is 999, far below Postgres. Chunks stay
// small enough that composite keys never exceed it.
const selectChunk = 200

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

		q, args := buildCurrentSelectSQL(table, cols, keys[start:end])
		rows, err := r.db.QueryContext(ctx, q, toDB(args)...)
		if err != nil {
			return fmt.Errorf("select current %s: %w", tableName(table), err)
		}

		for rows.Next() {
			var sk int64
			vals := make([]any, len(cols))
			dests := make([]any, 0, len(cols)+1)
			dests = append(dests, &sk)
			for i := range vals {
				dests = append(dests, &vals[i])
			}
			if err := rows.Scan(dests...); err != nil {
				rows.Close()
				return fmt.Errorf("select current %s: scan: %w", tableName(table), err)
			}
			converted, err := fromDB(table, cols, vals)
			if err != nil {
				rows.Close()
				return fmt.Errorf("select current %s: %w", tableName(table), err)
			}
			visit(sk, converted)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("select current %s: rows: %w", tableName(table), err)
		}
		rows.Close()
	}
	return nil
}

// buildCurrentSelectSQL: single-key lookups use a plain IN list; composite
// keys use OR-joined equality groups because SQLite lacks row-value IN with
// placeholders on older versions.
func buildCurrentSelectSQL(table storage.TableSpec, cols []string, keys [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(sqlIdent(table.SurrogateKey))
	for _, c := range cols {
		b.WriteString(", ")
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(tableName(table))
	b.WriteString(" WHERE ")
	b.WriteString(sqlIdent(storage.ColIsCurrent))
	b.WriteString(" = 1 AND ")

	args := make([]any, 0, len(keys)*len(table.BusinessKeys))
	if len(table.BusinessKeys) == 1 {
		b.WriteString(sqlIdent(table.BusinessKeys[0]))
		b.WriteString(" IN (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, k[0])
		}
		b.WriteString(")")
	} else {
		b.WriteString("(")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" OR ")
			}
			b.WriteString("(")
			for j, c := range table.BusinessKeys {
				if j > 0 {
					b.WriteString(" AND ")
				}
				b.WriteString(sqlIdent(c))
				b.WriteString(" = ?")
				args = append(args, k[j])
			}
			b.WriteString(")")
		}
		b.WriteString(")")
	}
	return b.String(), args
}

func (r *Repo) MergeDimensionChunk(
	ctx context.Context,
	table storage.TableSpec,
	chunk storage.DimensionChunk,
) error {
	if chunk.Empty() {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyWrite(tableName(table), err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, cl := range chunk.Closes {
		q := fmt.Sprintf(
			"UPDATE %s SET %s = ?, %s = 0, %s = ? WHERE %s = ?",
			tableName(table),
			sqlIdent(storage.ColValidTo),
			sqlIdent(storage.ColIsCurrent),
			sqlIdent(storage.ColUpdatedAt),
			sqlIdent(table.SurrogateKey),
		)
		args := toDB([]any{cl.ValidTo, cl.ValidTo, cl.SurrogateKey})
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return classifyWrite(tableName(table), err)
		}
	}

	if len(chunk.Inserts) > 0 {
		q, args := buildInsertSQL(tableName(table), chunk.InsertColumns, chunk.Inserts, false)
		if _, err := tx.ExecContext(ctx, q, toDB(args)...); err != nil {
			return classifyWrite(tableName(table), err)
		}
	}

	for _, up := range chunk.Updates {
		setParts := make([]string, 0, len(up.Columns))
		args := make([]any, 0, len(up.Values)+1)
		for i, c := range up.Columns {
			setParts = append(setParts, fmt.Sprintf("%s = ?", sqlIdent(c)))
			args = append(args, up.Values[i])
		}
		args = append(args, up.SurrogateKey)
		q := fmt.Sprintf(
			"UPDATE %s SET %s WHERE %s = ?",
			tableName(table),
			strings.Join(setParts, ", "),
			sqlIdent(table.SurrogateKey),
		)
		if _, err := tx.ExecContext(ctx, q, toDB(args)...); err != nil {
			return classifyWrite(tableName(table), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyWrite(tableName(table), err)
	}
	return nil
}

// InsertTimeRows uses INSERT OR IGNORE: regenerating a loaded day must not
// duplicate minute rows. RowsAffected excludes ignored rows, which is
// exactly the "rows actually inserted" the caller reports.
func (r *Repo) InsertTimeRows(
	ctx context.Context,
	table storage.TableSpec,
	columns []string,
	rows [][]any,
) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	q, args := buildInsertSQL(tableName(table), columns, rows, true)
	res, err := r.db.ExecContext(ctx, q, toDB(args)...)
	if err != nil {
		return 0, classifyWrite(tableName(table), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyWrite(tableName(table), err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(naturalIDs) > 0 {
		ph := strings.TrimRight(strings.Repeat("?,", len(naturalIDs)), ",")
		q := fmt.Sprintf(
			"DELETE FROM %s WHERE %s IN (%s)",
			tableName(table), sqlIdent(table.NaturalKey), ph,
		)
		if _, err := tx.ExecContext(ctx, q, toDB(naturalIDs)...); err != nil {
			return classifyWrite(tableName(table), err)
		}
	}

	if len(rows) > 0 {
		q, args := buildInsertSQL(tableName(table), columns, rows, false)
		if _, err := tx.ExecContext(ctx, q, toDB(args)...); err != nil {
			return classifyWrite(tableName(table), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyWrite(tableName(table), err)
	}
	return nil
}

func buildInsertSQL(table string, columns []string, rows [][]any, orIgnore bool) (string, []any) {
	prefix := "INSERT INTO "
	if orIgnore {
		prefix = "INSERT OR IGNORE INTO "
	}

	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}
	return b.String(), args
}

// ---- run tracking ----

func (r *Repo) ActiveRun(ctx context.Context, runs storage.TableSpec) (string, bool, error) {
	q := fmt.Sprintf(
		"SELECT run_id FROM %s WHERE status = 'running' ORDER BY started_at DESC LIMIT 1",
		tableName(runs),
	)
	var id string
	err := r.db.QueryRowContext(ctx, q).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("active run %s: %w", tableName(runs), err)
	}
	return id, true, nil
}

func (r *Repo) CreateRun(ctx context.Context, runs storage.TableSpec, rec storage.RunRecord) error {
	q := fmt.Sprintf(
		"INSERT INTO %s (run_id, started_at, status, details) VALUES (?, ?, ?, ?)",
		tableName(runs),
	)
	args := toDB([]any{rec.ID, rec.StartedAt, rec.Status, rec.Details})
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("create run %s: %w", tableName(runs), err)
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
		"UPDATE %s SET status = ?, ended_at = ?, details = ? WHERE run_id = ?",
		tableName(runs),
	)
	args := toDB([]any{status, endedAt, details, id})
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("finish run %s: %w", tableName(runs), err)
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
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, entity) DO UPDATE SET
rows_read = excluded.rows_read, rows_loaded = excluded.rows_loaded,
rows_rejected = excluded.rows_rejected, status = excluded.status, error = excluded.error`,
		tableName(runTables),
	)
	_, err := r.db.ExecContext(ctx, q,
		runID, rec.Entity, rec.RowsRead, rec.RowsLoaded, rec.RowsRejected, rec.Status, rec.Error)
	if err != nil {
		return fmt.Errorf("save run table %s: %w", tableName(runTables), err)
	}
	return nil
}

// ---- DDL ----

// sqliteTypeFor translates portable column types. "INTEGER PRIMARY KEY" is
// special in SQLite (rowid alias, auto-generates values), so "serial" never
// reaches here; buildCreateSQL handles the surrogate key directly.
func sqliteTypeFor(portable string) (string, error) {
	switch portable {
	case "bigint", "integer", "boolean":
		return "INTEGER", nil
	case "double":
		return "REAL", nil
	case "text":
		return "TEXT", nil
	case "timestamp":
		return "TEXT", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", portable)
	}
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	name := tableName(t)
	if name == "" {
		return "", fmt.Errorf("buildCreateSQL: table name is empty")
	}

	parts := make([]string, 0, len(t.Columns)+1)
	if t.SurrogateKey != "" {
		parts = append(parts, fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", sqlIdent(t.SurrogateKey)))
	}
	for _, c := range t.Columns {
		typ, err := sqliteTypeFor(strings.TrimSpace(c.Type))
		if err != nil {
			return "", fmt.Errorf("buildCreateSQL: table %s: column %s: %w", name, c.Name, err)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), typ)
		nullable := false
		if c.Nullable != nil {
			nullable = *c.Nullable
		}
		if !nullable {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}
	if t.SurrogateKey == "" && len(t.PrimaryKey) > 0 {
		quoted := make([]string, len(t.PrimaryKey))
		for i, c := range t.PrimaryKey {
			quoted[i] = sqlIdent(c)
		}
		parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(quoted, ", ")))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("buildCreateSQL: table %s: no columns", name)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", name, strings.Join(parts, ",\n  ")), nil
}

func buildIndexSQL(t storage.TableSpec) []string {
	out := make([]string, 0, len(t.Indexes))
	for _, idx := range t.Indexes {
		var b strings.Builder
		b.WriteString("CREATE ")
		if idx.Unique {
			b.WriteString("UNIQUE ")
		}
		b.WriteString("INDEX IF NOT EXISTS ")
		b.WriteString(sqlIdent(flattenName(idx.Name)))
		b.WriteString(" ON ")
		b.WriteString(tableName(t))
		b.WriteString(" (")
		for i, c := range idx.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(sqlIdent(c))
		}
		b.WriteString(");")
		out = append(out, b.String())
	}
	return out
}

/* ---------- helpers ---------- */

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// tableName flattens a schema-qualified catalog name for SQLite.
func tableName(t storage.TableSpec) string {
	return flattenName(t.Name)
}

func flattenName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), ".", "_")
}

func indexOfColumn(columns []string, name string) (int, bool) {
	for i, c := range columns {
		if c == name {
			return i, true
		}
	}
	return -1, false
}

// toDB converts driver-unfriendly values for writing: time.Time becomes an
// RFC3339Nano string, bool becomes 0/1. Everything else passes through.
func toDB(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		switch tv := v.(type) {
		case time.Time:
			out[i] = formatTime(tv)
		case bool:
			if tv {
				out[i] = int64(1)
			} else {
				out[i] = int64(0)
			}
		default:
			out[i] = v
		}
	}
	return out
}

// fromDB converts scanned values back to engine types using the column
// specs: timestamp TEXT to time.Time, boolean INTEGER to bool. Without this
// the merge engine would see every timestamp attribute as changed.
func fromDB(t storage.TableSpec, cols []string, vals []any) ([]any, error) {
	out := make([]any, len(vals))
	for i, v := range vals {
		col, ok := t.Column(cols[i])
		if !ok || v == nil {
			out[i] = v
			continue
		}
		switch col.Type {
		case "timestamp":
			s, ok := asString(v)
			if !ok {
				out[i] = v
				continue
			}
			ts, err := parseTime(s)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", cols[i], err)
			}
			out[i] = ts
		case "boolean":
			switch bv := v.(type) {
			case int64:
				out[i] = bv != 0
			case bool:
				out[i] = bv
			default:
				out[i] = v
			}
		default:
			out[i] = v
		}
	}
	return out, nil
}

func asString(v any) (string, bool) {
	switch sv := v.(type) {
	case string:
		return sv, true
	case []byte:
		return string(sv), true
	}
	return "", false
}

// formatTime renders a timestamp as RFC3339Nano without re-anchoring the
// pipeline's naive local instants to UTC.
func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// parseTime accepts what formatTime writes plus common SQLite-ish layouts
// other tools produce.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		switch layout {
		case "2006-01-02 15:04:05", "2006-01-02":
			if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return ts, nil
			}
		default:
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

// classifyWrite marks lock contention recoverable so the batch executor
// retries the chunk. modernc.org/sqlite surfaces SQLITE_BUSY/SQLITE_LOCKED
// as plain errors, so matching the message is the stable option.
func classifyWrite(table string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := strings.ToLower(err.Error())
	recoverable := strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")

	wrapped := etlerrors.Wrapf(err, etlerrors.CodeChunkWrite, "write %s", table)
	if recoverable {
		wrapped = wrapped.AsRecoverable()
	}
	return wrapped
}
