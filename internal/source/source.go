package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

// Config describes one operational source database.
type Config struct {
	Kind         string `yaml:"kind"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// DB wraps a read-only connection to an operational source.
//
// Extraction and transform queries both run here: transform SQL is shaped
// on the source engine so the staging snapshot arrives already joined and
// renamed, and the warehouse only sees load-ready columns.
type DB struct {
	db   *sql.DB
	kind string
}

// Open connects to a source by kind. Supported kinds: postgres, mssql,
// mysql, sqlite.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver, err := driverName(cfg.Kind)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("source %s: open: %w", cfg.Kind, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("source %s: ping: %w", cfg.Kind, err)
	}
	return &DB{db: db, kind: cfg.Kind}, nil
}

func driverName(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "postgres":
		return "pgx", nil
	case "mssql", "sqlserver":
		return "sqlserver", nil
	case "mysql":
		return "mysql", nil
	case "sqlite":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("source: unsupported kind %q", kind)
	}
}

func (d *DB) Kind() string { return d.kind }

func (d *DB) Close() error { return d.db.Close() }

// Query runs a SELECT and materializes the full result.
//
// Values are normalized so downstream coercion sees driver-independent
// types: []byte becomes a string copy (the MySQL driver reuses scan
// buffers between rows), everything else passes through.
func (d *DB) Query(ctx context.Context, query string) ([]string, [][]any, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("source query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("source query: columns: %w", err)
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		dests := make([]any, len(cols))
		for i := range vals {
			dests[i] = &vals[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, nil, fmt.Errorf("source query: scan row %d: %w", len(out), err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("source query: rows: %w", err)
	}
	return cols, out, nil
}

// Window is the time range a run extracts.
type Window struct {
	Start time.Time
	End   time.Time
}

// Query tokens. Each expands to an unquoted literal; queries supply their
// own quoting ('{RUN_START}').
const (
	TokenRunStart          = "{RUN_START}"
	TokenRunEnd            = "{RUN_END}"
	TokenCurrentDate       = "{CURRENT_DATE}"
	TokenYesterday         = "{YESTERDAY}"
	TokenCurrentMonthStart = "{CURRENT_MONTH_START}"

	tokenTimestampLayout = "2006-01-02 15:04:05"
	tokenDateLayout      = "2006-01-02"
)

// ExpandQuery substitutes run-window and calendar tokens. now is the run's
// clock reading, so two queries in one run expand identically.
func ExpandQuery(query string, w Window, now time.Time) string {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	r := strings.NewReplacer(
		TokenRunStart, w.Start.Format(tokenTimestampLayout),
		TokenRunEnd, w.End.Format(tokenTimestampLayout),
		TokenCurrentDate, now.Format(tokenDateLayout),
		TokenYesterday, now.AddDate(0, 0, -1).Format(tokenDateLayout),
		TokenCurrentMonthStart, monthStart.Format(tokenDateLayout),
	)
	return r.Replace(query)
}
