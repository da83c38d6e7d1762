package fact

import (
	"sort"
	"time"
)

// Span is one computed state interval: an event's timestamp, the bound
// that closed it, and the elapsed time between them.
type Span struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Spans turns an ordered event sequence into per-state duration spans.
//
// Each event pairs with the next event's timestamp as its end bound, so
// n events yield n-1 spans; the newest event stays open and produces a
// span only once a later event closes it on reprocessing. A group of
// size 1 is the exception: with nothing to pair against, its single span
// is measured against now.
//
// Edge cases:
//   - Empty input yields nil.
//   - Equal adjacent timestamps yield zero-duration spans, not errors;
//     source systems do record same-minute status flips.
func Spans(times []time.Time, now time.Time) []Span {
	switch len(times) {
	case 0:
		return nil
	case 1:
		return []Span{{Start: times[0], End: now, Duration: now.Sub(times[0])}}
	}
	out := make([]Span, 0, len(times)-1)
	for i := 0; i < len(times)-1; i++ {
		out = append(out, Span{
			Start:    times[i],
			End:      times[i+1],
			Duration: times[i+1].Sub(times[i]),
		})
	}
	return out
}

// sortEventsByTime orders a group's event rows by the order column,
// ascending. The sort is stable so same-timestamp events keep their
// extraction order.
func sortEventsByTime(events []eventRow) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].orderTime.Before(events[j].orderTime)
	})
}
