package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/entsync/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Seq, describe(ev))
		}
	}
	return buf.String()
}

// describe renders an event as "type handle op resource/id".
func describe(ev TraceEvent) string {
	parts := []string{ev.Type}
	for _, p := range []string{ev.Handle, ev.Op} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if ev.Resource != "" {
		target := ev.Resource
		if ev.ID != "" {
			target += "/" + ev.ID
		}
		parts = append(parts, target)
	}
	if ev.Outcome != "" {
		parts = append(parts, "-> "+ev.Outcome)
	}
	if ev.Error != "" {
		parts = append(parts, "error="+ev.Error)
	}
	return strings.Join(parts, " ")
}

// matches reports whether ev is of type event and, when set, concerns
// handle and id. An event name may carry an operation as "settled:update".
func matches(ev TraceEvent, event, handle, id string) bool {
	typ, op, _ := strings.Cut(event, ":")
	if ev.Type != typ || op != "" && ev.Op != op {
		return false
	}
	if handle != "" && ev.Handle != handle {
		return false
	}
	return id == "" || ev.ID == id
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a.Event, a.Handle, a.ID) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event %s%s", a.Event, qualifier(a)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of the events appear
// in order. Intervening events are allowed.
// assertTraceOrder checks that the events occur as a subsequence: each one
// is looked up after the position where the previous one matched, so a
// repeated event type can appear in the list more than once.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	from := 0
	for i, want := range a.Events {
		pos := indexEvent(trace, want, from)
		if pos >= 0 {
			from = pos + 1
			continue
		}
		first := indexEvent(trace, want, 0)
		if first < 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   fmt.Sprintf("missing event: %s", want),
				Trace:    trace,
			}
		}
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("events in order: %v", a.Events),
			Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
				a.Events[i-1], from, want, first+1),
			Trace: trace,
		}
	}
	return nil
}

func indexEvent(trace []TraceEvent, want string, from int) int {
	for i := from; i < len(trace); i++ {
		if matches(trace[i], want, "", "") {
			return i
		}
	}
	return -1
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a.Event, a.Handle, a.ID) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s%s", a.Count, a.Event, qualifier(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func qualifier(a Assertion) string {
	var q string
	if a.Handle != "" {
		q += " on " + a.Handle
	}
	if a.ID != "" {
		q += " for " + a.ID
	}
	return q
}

// assertRow checks a row by subset match, or its absence.
func assertRow(typ string, a Assertion, row ir.Object, found bool) error {
	where := a.Resource + "/" + a.ID
	if a.Absent {
		if found {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("no row %s", where),
				Actual:   string(ir.MustMarshalCanonical(row)),
			}
		}
		return nil
	}
	if !found {
		return &AssertionError{Type: typ, Expected: fmt.Sprintf("row %s", where), Actual: "row not found"}
	}

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		want, err := ir.FromAny(a.Expect[key])
		if err != nil {
			return fmt.Errorf("%s %s: field %q: %w", typ, where, key, err)
		}
		got, ok := row[key]
		if !ok {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("field %q to exist on %s", key, where),
				Actual:   fmt.Sprintf("fields: %v", row.SortedKeys()),
			}
		}
		if !ir.Equal(want, got) {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("%s.%s = %s", where, key, ir.MustMarshalCanonical(want)),
				Actual:   fmt.Sprintf("%s.%s = %s", where, key, ir.MustMarshalCanonical(got)),
			}
		}
	}
	return nil
}

// evaluate runs every assertion and returns the failure messages.
func (h *Harness) evaluate(assertions []Assertion) []string {
	var errs []string
	trace := h.result.Trace
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(trace, a)
		case AssertTraceCount:
			err = assertTraceCount(trace, a)
		case AssertFinalState:
			row, ok := h.client.Store().Entity(a.Resource, a.ID)
			err = assertRow(AssertFinalState, a, row, ok)
		case AssertRemoteState:
			row, ok := h.mem.Row(a.Resource, a.ID)
			err = assertRow(AssertRemoteState, a, row, ok)
		case AssertRemoteCalls:
			if got := h.src.count(a.Op); got != a.Count {
				err = &AssertionError{
					Type:     AssertRemoteCalls,
					Expected: fmt.Sprintf("%d %s calls", a.Count, a.Op),
					Actual:   fmt.Sprintf("%d calls", got),
				}
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
