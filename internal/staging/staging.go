package staging

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"dwetl/internal/etlerrors"
	"dwetl/internal/source"
)

// Table is one entity's per-run staging snapshot. It lives in memory for
// the duration of the entity's merge/load step and is released afterwards.
type Table struct {
	Entity  string
	Columns []string
	Rows    [][]any

	// RowsRead counts the extraction query's result, even when a transform
	// query reshapes the staged record set afterwards.
	RowsRead int
}

// ColumnIndex returns the position of a staged column.
func (t *Table) ColumnIndex(name string) (int, bool) {
	for i, c := range t.Columns {
		if c == name {
			return i, true
		}
	}
	return -1, false
}

// Querier is the read seam over a source database. *source.DB satisfies it.
type Querier interface {
	Query(ctx context.Context, query string) ([]string, [][]any, error)
}

// Loader materializes staging snapshots from an operational source.
type Loader struct {
	Source Querier
	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (l *Loader) clock() clockwork.Clock {
	if l.Clock == nil {
		return clockwork.NewRealClock()
	}
	return l.Clock
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.Logger
}

// Load executes the entity's extraction query and, when configured, its
// transform query. The transform query runs on the same source engine and
// may join operational tables or compute derived keys; its rows become the
// staged record set. Rows read always counts the extraction result.
func (l *Loader) Load(
	ctx context.Context,
	entity string,
	extractionQuery string,
	transformQuery string,
	w source.Window,
) (*Table, error) {
	if extractionQuery == "" {
		return nil, etlerrors.Newf(etlerrors.CodeConfigInvalid, "entity %s: extraction query is empty", entity)
	}

	clk := l.clock()
	now := clk.Now()

	cols, rows, err := l.Source.Query(ctx, source.ExpandQuery(extractionQuery, w, now))
	if err != nil {
		return nil, etlerrors.Extraction(entity, err)
	}
	t := &Table{
		Entity:   entity,
		Columns:  cols,
		Rows:     rows,
		RowsRead: len(rows),
	}

	if transformQuery != "" {
		tCols, tRows, err := l.Source.Query(ctx, source.ExpandQuery(transformQuery, w, now))
		if err != nil {
			return nil, etlerrors.Extraction(entity, err)
		}
		t.Columns = tCols
		t.Rows = tRows
	}

	l.logger().Debug("staged entity",
		"entity", entity,
		"rows_read", t.RowsRead,
		"rows_staged", len(t.Rows),
		"duration", clk.Since(now).Truncate(time.Millisecond),
	)
	return t, nil
}
