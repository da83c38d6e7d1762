// Package datadog implements a Datadog backend for the internal/metrics package.
//
// NOTE ABOUT FLUSHING:
// A nightly warehouse run can take minutes to hours. Submitting metrics only
// once at process exit would collapse the whole run into a single spike, which
// makes dashboards and monitors useless while the run is in flight.
//
// Therefore we:
//   - buffer observations in-memory (fast, lock-protected)
//   - periodically Flush() on a ticker (default: once per minute)
//   - Flush() one final time on Close()
//
// Concurrency model:
//   - entity loads running on the worker pool call IncCounter/ObserveHistogram
//     at any time
//   - Flush snapshots+resets buffers under a mutex, then submits out-of-lock
//   - the flush loop calls Flush() periodically; Close() stops the loop
//
// If the process dies with SIGKILL/OOM, Close() won't run; the current window's
// buffer is lost. No backend can fix that.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"dwetl/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "dwetl".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:dwetl"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// The following fields are unexported test seams. Production code never
	// sets them; unit tests use them to avoid real network submission and
	// nondeterministic clocks/tickers.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal interface needed to submit metrics.
//
// Why this exists:
//   - The Datadog SDK exposes a concrete *datadogV2.MetricsApi, which cannot
//     be stubbed without real HTTP. Backend depends on this interface instead,
//     enabling deterministic tests with a fake submitter.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	loadedCounts   map[string]float64   // entity\x00table -> rows
	rejectedCounts map[string]float64   // entity\x00table\x00reason -> rows
	retryCounts    map[string]float64   // table -> retries
	entityDur      map[string][]float64 // entity\x00status -> seconds
	runDur         map[string][]float64 // status -> seconds
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client.
//
// When to use:
//   - Configure this backend when warehouse runs should publish metrics.
//   - Suitable for both long runs (periodic flush) and quick incremental
//     loads (final flush on Close).
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "dwetl".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//   - Credentials come from the standard DD_API_KEY/DD_APP_KEY environment;
//     a missing key surfaces as a submission error on Flush, not here.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "dwetl"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		loadedCounts:   make(map[string]float64),
		rejectedCounts: make(map[string]float64),
		retryCounts:    make(map[string]float64),
		entityDur:      make(map[string][]float64),
		runDur:         make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush().
//
// Errors:
//   - Returns any error from the final submission.
//   - Calling Close twice panics (stopCh closed twice). Close-once semantics,
//     acceptable for a process-lifetime backend.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.RowsLoaded:
		k := labelKey(labels["entity"], labels["table"])
		b.loadedCounts[k] += delta

	case metrics.RowsRejected:
		k := labelKey(labels["entity"], labels["table"], labels["reason"])
		b.rejectedCounts[k] += delta

	case metrics.ChunkRetries:
		b.retryCounts[labels["table"]] += delta

	default:
		// Unknown counters are ignored.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.EntityDuration:
		k := labelKey(labels["entity"], labels["status"])
		b.entityDur[k] = append(b.entityDur[k], value)

	case metrics.RunDuration:
		k := labels["status"]
		b.runDur[k] = append(b.runDur[k], value)

	default:
		// Unknown histograms are ignored.
	}
}

// snapshot is the buffered state one Flush submits.
//
// Why this exists:
//   - Flush() must reset buffers under a lock but submit out-of-lock;
//     snapshot separates collect+reset from payload building+submission.
type snapshot struct {
	loadedCounts   map[string]float64
	rejectedCounts map[string]float64
	retryCounts    map[string]float64
	entityDur      map[string][]float64
	runDur         map[string][]float64
}

// snapshotAndReset grabs current buffers and installs fresh ones.
func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		loadedCounts:   b.loadedCounts,
		rejectedCounts: b.rejectedCounts,
		retryCounts:    b.retryCounts,
		entityDur:      b.entityDur,
		runDur:         b.runDur,
	}

	b.loadedCounts = make(map[string]float64)
	b.rejectedCounts = make(map[string]float64)
	b.retryCounts = make(map[string]float64)
	b.entityDur = make(map[string][]float64)
	b.runDur = make(map[string][]float64)

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.loadedCounts) == 0 &&
		len(s.rejectedCounts) == 0 &&
		len(s.retryCounts) == 0 &&
		len(s.entityDur) == 0 &&
		len(s.runDur) == 0
}

// Flush submits buffered metrics and resets local buffers.
//
// Errors:
//   - Returns any error from Datadog submission.
//   - Returns nil if there is nothing to submit.
//
// Edge cases:
//   - Safe to call concurrently with IncCounter/ObserveHistogram.
//   - Buffers reset even if submission fails, so a Datadog outage never
//     blocks or bloats the pipeline. Lost windows are acceptable here.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	series := b.buildSeries(snap, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed timestamp.
// Pure (no locks, no network, no clocks), so tests exercise naming and
// tagging directly.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.loadedCounts)+len(s.rejectedCounts)+16)

	for k, v := range s.loadedCounts {
		if v == 0 {
			continue
		}
		p := splitLabelKey(k, 2)
		tags := withTags(b.baseTags, "entity:"+p[0], "table:"+p[1])
		series = append(series, countSeries("dwetl.rows.loaded", v, tags, nowUnix))
	}

	for k, v := range s.rejectedCounts {
		if v == 0 {
			continue
		}
		p := splitLabelKey(k, 3)
		tags := withTags(b.baseTags, "entity:"+p[0], "table:"+p[1], "reason:"+p[2])
		series = append(series, countSeries("dwetl.rows.rejected", v, tags, nowUnix))
	}

	for table, v := range s.retryCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "table:"+table)
		series = append(series, countSeries("dwetl.chunk.retries", v, tags, nowUnix))
	}

	for k, samples := range s.entityDur {
		p := splitLabelKey(k, 2)
		tags := withTags(b.baseTags, "entity:"+p[0], "status:"+p[1])
		addPercentiles(&series, "dwetl.entity.duration_seconds", samples, tags, nowUnix)
	}

	for status, samples := range s.runDur {
		tags := withTags(b.baseTags, "status:"+status)
		addPercentiles(&series, "dwetl.run.duration_seconds", samples, tags, nowUnix)
	}

	return series
}

// addPercentiles appends a fixed set of percentile gauges for a sample set.
//
// Edge cases:
//   - If samples is empty, it does nothing.
//   - It sorts a copy of samples (does not mutate input).
func addPercentiles(series *[]datadogV2.MetricSeries, metricPrefix string, samples []float64, tags []string, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series, gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix))
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

// labelKey joins label values with a byte that never occurs in entity or
// table names.
func labelKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func splitLabelKey(k string, n int) []string {
	parts := strings.SplitN(k, "\x00", n)
	for len(parts) < n {
		parts = append(parts, "unknown")
	}
	return parts
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:dwetl".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
