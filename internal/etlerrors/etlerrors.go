// Package etlerrors defines the coded error type shared by every stage of
// the warehouse pipeline.
//
// Errors fall into five kinds matching the pipeline's failure taxonomy:
//
//   - extraction: the source database could not be read
//   - transform: a staged row could not be shaped into a warehouse record
//   - referential: a fact row references a dimension key that has no
//     current row
//   - load: a warehouse write failed after retries
//   - concurrent_run: another run is already active
//
// Row-level kinds (transform, referential) are recovered locally: the row
// is rejected and counted, processing continues. Table-level kinds
// (extraction, load) fail the entity's step. concurrent_run aborts before
// any work starts.
package etlerrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code is a stable, greppable identifier for one failure mode.
type Code string

const (
	// Extraction (11xx)
	CodeSourceQuery   Code = "DWE1101"
	CodeSourceConnect Code = "DWE1102"
	CodeSourceScan    Code = "DWE1103"

	// Transform (12xx)
	CodeRowCoercion   Code = "DWE1201"
	CodeMissingColumn Code = "DWE1202"
	CodeEmptyKey      Code = "DWE1203"

	// Referential (13xx)
	CodeUnresolvedKey    Code = "DWE1301"
	CodeDimensionBlocked Code = "DWE1302"

	// Load (14xx)
	CodeChunkWrite     Code = "DWE1401"
	CodeRetryExhausted Code = "DWE1402"
	CodeSchemaSetup    Code = "DWE1403"
	CodeWarehouseRead  Code = "DWE1404"

	// Run lifecycle (15xx)
	CodeRunActive   Code = "DWE1501"
	CodeRunTracking Code = "DWE1502"

	// Configuration (16xx)
	CodeConfigInvalid Code = "DWE1601"

	CodeUnknown Code = "DWE1999"
)

// Kind is the coarse failure class a Code belongs to. It drives the
// propagation policy (reject row vs fail table vs abort run).
type Kind string

const (
	KindExtraction    Kind = "extraction"
	KindTransform     Kind = "transform"
	KindReferential   Kind = "referential"
	KindLoad          Kind = "load"
	KindConcurrentRun Kind = "concurrent_run"
	KindConfig        Kind = "config"
	KindInternal      Kind = "internal"
)

func kindFor(code Code) Kind {
	s := string(code)
	switch {
	case strings.HasPrefix(s, "DWE11"):
		return KindExtraction
	case strings.HasPrefix(s, "DWE12"):
		return KindTransform
	case strings.HasPrefix(s, "DWE13"):
		return KindReferential
	case strings.HasPrefix(s, "DWE14"):
		return KindLoad
	case strings.HasPrefix(s, "DWE15"):
		return KindConcurrentRun
	case strings.HasPrefix(s, "DWE16"):
		return KindConfig
	default:
		return KindInternal
	}
}

// Severity is how bad the failure is for the run as a whole.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL" // run cannot continue
	SeverityError    Severity = "ERROR"    // step failed, run continues where policy allows
	SeverityWarning  Severity = "WARNING"  // recovered locally (rejected row)
)

// Error is a coded pipeline error with attached context.
//
// Context keys are free-form but the pipeline consistently uses
// "entity", "run_id", "chunk", "row" and "key" so log scrapes line up.
type Error struct {
	Code        Code
	Kind        Kind
	Message     string
	Severity    Severity
	Context     map[string]any
	Cause       error
	Timestamp   time.Time
	Recoverable bool
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", e.Code, e.Kind, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches two coded errors by Code, so callers can write
// errors.Is(err, etlerrors.New(etlerrors.CodeRunActive, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a coded error. The kind is derived from the code.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Kind:      kindFor(code),
		Message:   message,
		Severity:  SeverityError,
		Context:   make(map[string]any),
		Timestamp: time.Now(),
	}
}

// Newf is New with fmt-style formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code and message to an underlying error. Returns nil for
// a nil cause so call sites can wrap unconditionally. Context from a
// wrapped *Error is inherited.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	e := New(code, message)
	e.Cause = err
	var inner *Error
	if errors.As(err, &inner) {
		for k, v := range inner.Context {
			e.Context[k] = v
		}
		e.Recoverable = inner.Recoverable
	}
	return e
}

// Wrapf is Wrap with fmt-style formatting.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// WithContext adds one context key. Returns the receiver for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithSeverity overrides the default ERROR severity.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// AsRecoverable marks the error transient: the batch executor will retry
// the failed chunk instead of failing the table.
func (e *Error) AsRecoverable() *Error {
	e.Recoverable = true
	return e
}

// CodeOf extracts the code from anywhere in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// KindOf extracts the kind from anywhere in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRecoverable reports whether err carries a recoverable (transient)
// coded error. Plain errors are not recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

// Domain constructors. These fix the code, context keys, and severity the
// pipeline uses for each failure site.

// Extraction wraps a source read failure for one entity.
func Extraction(entity string, cause error) *Error {
	return Wrap(cause, CodeSourceQuery, "failed to extract source rows").
		WithContext("entity", entity)
}

// Transform reports a row that could not be shaped. Row-level: callers
// count it and continue.
func Transform(entity string, row int, reason string) *Error {
	return Newf(CodeRowCoercion, "row rejected: %s", reason).
		WithContext("entity", entity).
		WithContext("row", row).
		WithSeverity(SeverityWarning)
}

// EmptyKey reports a row whose business key normalized to nothing.
// Row-level: callers count it and continue.
func EmptyKey(entity string, row int) *Error {
	return New(CodeEmptyKey, "business key is empty").
		WithContext("entity", entity).
		WithContext("row", row).
		WithSeverity(SeverityWarning)
}

// Referential reports a fact row whose business key has no current
// dimension row. Row-level: callers count it and continue.
func Referential(entity, column, key string) *Error {
	return Newf(CodeUnresolvedKey, "no current dimension row for %s", column).
		WithContext("entity", entity).
		WithContext("key", key).
		WithSeverity(SeverityWarning)
}

// Load wraps a warehouse access failure in one entity's load step. Write
// failures already carry their own code from the batch executor; this
// covers the reads around them (current-row and key lookups).
func Load(entity string, cause error) *Error {
	return Wrap(cause, CodeWarehouseRead, "warehouse access failed").
		WithContext("entity", entity)
}

// ConcurrentRun reports a refused start because activeID is still running.
func ConcurrentRun(activeID string) *Error {
	return New(CodeRunActive, "another run is already active").
		WithContext("active_run_id", activeID).
		WithSeverity(SeverityCritical)
}
