package harness

import (
	"github.com/roach88/entsync/internal/ir"
)

// Trace event types.
const (
	EventOpen       = "open"
	EventSnapshot   = "snapshot"
	EventPending    = "pending"
	EventSettled    = "settled"
	EventRevalidate = "revalidate"
	EventServer     = "server"
	EventDelta      = "delta"
	EventRestart    = "restart"
	EventClear      = "clear"
	EventClose      = "close"
)

// TraceEvent is one observable step of a scenario run.
type TraceEvent struct {
	Seq      int64     `json:"seq"`
	Type     string    `json:"type"`
	Handle   string    `json:"handle,omitempty"`
	Op       string    `json:"op,omitempty"`
	Resource string    `json:"resource,omitempty"`
	ID       string    `json:"id,omitempty"`
	Key      string    `json:"key,omitempty"`
	Data     ir.Value  `json:"data,omitempty"`
	Args     ir.Object `json:"args,omitempty"`
	Outcome  string    `json:"outcome,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect step and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	seq int64
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends ev with the next sequence number.
func (r *Result) AddTrace(ev TraceEvent) {
	r.seq++
	ev.Seq = r.seq
	r.Trace = append(r.Trace, ev)
}

// canonical returns the event as an ir.Object for golden comparison.
func (ev TraceEvent) canonical() ir.Object {
	obj := ir.Object{"seq": ir.Int(ev.Seq), "type": ir.String(ev.Type)}
	set := func(k, v string) {
		if v != "" {
			obj[k] = ir.String(v)
		}
	}
	set("handle", ev.Handle)
	set("op", ev.Op)
	set("resource", ev.Resource)
	set("id", ev.ID)
	set("key", ev.Key)
	set("outcome", ev.Outcome)
	set("error", ev.Error)
	if ev.Data != nil {
		obj["data"] = ev.Data
	}
	if ev.Args != nil {
		obj["args"] = ev.Args
	}
	return obj
}
