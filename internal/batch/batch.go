package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"dwetl/internal/etlerrors"
	"dwetl/internal/metrics"
)

// DefaultSize is used when an Executor is constructed without one.
const DefaultSize = 1000

// CommitFunc writes the half-open row range [lo, hi) in one transaction.
// It must have released its connection by the time it returns; the executor
// sleeps between tries and must not pin pool slots while doing so.
type CommitFunc func(ctx context.Context, lo, hi int) error

// Executor drives chunked warehouse writes.
//
// Semantics:
//   - Rows split into fixed-size chunks, committed sequentially.
//   - A failed chunk is retried as a whole with a fixed delay between
//     tries, but only for errors marked recoverable. Everything else
//     fails the table immediately.
//   - Chunks committed before a failure stay committed. Idempotent
//     downstream writes (conflict-ignored inserts, delete-then-insert
//     replacement) make the rerun safe.
//   - Cancellation is honored at chunk boundaries and during retry waits;
//     a chunk commit already in flight is never interrupted mid-write.
type Executor struct {
	Size     int
	Attempts int // total tries per chunk, first one included
	Delay    time.Duration

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics metrics.Backend
}

func (e *Executor) clock() clockwork.Clock {
	if e.Clock == nil {
		return clockwork.NewRealClock()
	}
	return e.Clock
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

func (e *Executor) metrics() metrics.Backend {
	if e.Metrics == nil {
		return metrics.Nop{}
	}
	return e.Metrics
}

// Execute commits n rows under label (the target table, used for logs and
// metrics). It returns how many rows were committed; on error that count
// covers the chunks that succeeded before the failure.
func (e *Executor) Execute(ctx context.Context, label string, n int, commit CommitFunc) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	size := e.Size
	if size <= 0 {
		size = DefaultSize
	}
	attempts := e.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	committed := 0
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		if err := ctx.Err(); err != nil {
			return committed, err
		}

		if err := e.commitChunk(ctx, label, lo, hi, attempts, commit); err != nil {
			return committed, err
		}
		committed += hi - lo

		e.logger().Debug("chunk committed",
			"table", label, "lo", lo, "hi", hi, "committed", committed)
	}
	return committed, nil
}

// commitChunk retries one chunk with a constant delay. The commit call has
// returned (and released its connection) before any wait starts.
func (e *Executor) commitChunk(ctx context.Context, label string, lo, hi, attempts int, commit CommitFunc) error {
	try := 0
	op := func() error {
		try++
		err := commit(ctx, lo, hi)
		if err == nil {
			return nil
		}
		if etlerrors.IsRecoverable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, _ time.Duration) {
		e.metrics().IncCounter(metrics.ChunkRetries, 1, metrics.Labels{"table": label})
		e.logger().Warn("chunk commit failed, retrying",
			"table", label, "lo", lo, "hi", hi, "attempt", try, "error", err)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.Delay), uint64(attempts-1)),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(op, bo, notify, &clockTimer{clock: e.clock()})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if etlerrors.IsRecoverable(err) {
		return etlerrors.Wrapf(err, etlerrors.CodeRetryExhausted,
			"table %s: chunk %d-%d failed after %d attempts", label, lo, hi, try)
	}
	return err
}

// clockTimer adapts a clockwork clock to the backoff timer contract so
// retry waits are controllable in tests.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.Chan()
}
