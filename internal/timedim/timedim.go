package timedim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dwetl/internal/batch"
	"dwetl/internal/storage"
)

// The time dimension is minute-grained. Keys are derived from the wall
// clock, so the same instant always maps to the same row and the dimension
// can be regenerated without coordination.

// Day period buckets.
const (
	PeriodMorning   = "morning"   // [00:00, 12:00)
	PeriodAfternoon = "afternoon" // [12:00, 18:00)
	PeriodNight     = "night"     // [18:00, 24:00)
)

// Key computes the YYYYMMDDHHMM integer key for an instant, read as naive
// wall-clock time in the instant's location.
func Key(t time.Time) int64 {
	return int64(t.Year())*1e8 +
		int64(t.Month())*1e6 +
		int64(t.Day())*1e4 +
		int64(t.Hour())*1e2 +
		int64(t.Minute())
}

// Columns returns the generated column order. Row values align with it.
func Columns() []string {
	return []string{
		"time_key", "ts", "year", "half", "quarter", "month", "week",
		"day", "weekday", "is_weekend", "is_holiday", "hour", "minute",
		"day_period", "year_month",
	}
}

// Row generates one minute row. weekday is Monday=0; week is the ISO week
// number; is_holiday is a placeholder for a feed that does not exist yet.
func Row(t time.Time) []any {
	quarter := (int(t.Month())-1)/3 + 1
	weekday := (int(t.Weekday()) + 6) % 7
	_, week := t.ISOWeek()

	return []any{
		Key(t),
		time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location()),
		int64(t.Year()),
		int64((quarter-1)/2 + 1),
		int64(quarter),
		int64(t.Month()),
		int64(week),
		int64(t.Day()),
		int64(weekday),
		weekday >= 5,
		false,
		int64(t.Hour()),
		int64(t.Minute()),
		DayPeriod(t.Hour()),
		int64(t.Year())*100 + int64(t.Month()),
	}
}

// DayPeriod buckets an hour of day.
func DayPeriod(hour int) string {
	switch {
	case hour < 12:
		return PeriodMorning
	case hour < 18:
		return PeriodAfternoon
	default:
		return PeriodNight
	}
}

// Day generates the full minute grid for the date of t: 1440 rows from
// 00:00 through 23:59, no gaps.
func Day(t time.Time) [][]any {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	rows := make([][]any, 0, 24*60)
	for m := 0; m < 24*60; m++ {
		rows = append(rows, Row(midnight.Add(time.Duration(m)*time.Minute)))
	}
	return rows
}

// Spec describes the time dimension table. The column set is owned by the
// generator, not by entity config.
func Spec(name string) storage.TableSpec {
	return storage.TableSpec{
		Entity:     "time",
		Name:       name,
		Kind:       storage.KindTime,
		PrimaryKey: []string{"time_key"},
		Columns: []storage.ColumnSpec{
			{Name: "time_key", Type: "bigint"},
			{Name: "ts", Type: "timestamp"},
			{Name: "year", Type: "integer"},
			{Name: "half", Type: "integer"},
			{Name: "quarter", Type: "integer"},
			{Name: "month", Type: "integer"},
			{Name: "week", Type: "integer"},
			{Name: "day", Type: "integer"},
			{Name: "weekday", Type: "integer"},
			{Name: "is_weekend", Type: "boolean"},
			{Name: "is_holiday", Type: "boolean"},
			{Name: "hour", Type: "integer"},
			{Name: "minute", Type: "integer"},
			{Name: "day_period", Type: "text"},
			{Name: "year_month", Type: "integer"},
		},
	}
}

// Sink is the warehouse write seam for minute rows.
type Sink interface {
	InsertTimeRows(ctx context.Context, table storage.TableSpec, columns []string, rows [][]any) (int64, error)
}

// Loader populates the time dimension for a date range.
type Loader struct {
	Warehouse Sink
	Exec      *batch.Executor
	Logger    *slog.Logger
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.Logger
}

// LoadRange generates a minute row for every minute in the half-open range
// [from, to) and inserts them conflict-ignored. Bounds are truncated to
// minute grain. The returned count is rows actually inserted, so a rerun
// over a loaded range reports 0.
func (l *Loader) LoadRange(ctx context.Context, table storage.TableSpec, from, to time.Time) (int64, error) {
	start := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), from.Minute(), 0, 0, from.Location())
	end := time.Date(to.Year(), to.Month(), to.Day(), to.Hour(), to.Minute(), 0, 0, to.Location())
	if end.Before(start) {
		return 0, fmt.Errorf("time dimension range: %s is before %s",
			end.Format("2006-01-02 15:04"), start.Format("2006-01-02 15:04"))
	}

	rows := make([][]any, 0, int(end.Sub(start)/time.Minute))
	for m := start; m.Before(end); m = m.Add(time.Minute) {
		rows = append(rows, Row(m))
	}

	cols := Columns()
	var inserted int64
	committed, err := l.Exec.Execute(ctx, table.Name, len(rows), func(ctx context.Context, lo, hi int) error {
		n, err := l.Warehouse.InsertTimeRows(ctx, table, cols, rows[lo:hi])
		if err != nil {
			return err
		}
		inserted += n
		return nil
	})
	if err != nil {
		return inserted, err
	}

	l.logger().Debug("time dimension loaded",
		"table", table.Name,
		"minutes", committed,
		"inserted", inserted,
	)
	return inserted, nil
}
