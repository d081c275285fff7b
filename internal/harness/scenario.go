package harness

import (
	"bytes"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of the cache against an in-memory remote.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Schemas lists CUE schema directories, relative to the scenario file.
	// With schemas, queries are resolved through the registry and seed
	// rows are checked against it.
	Schemas []string `yaml:"schemas,omitempty"`

	// Seed holds the remote's initial rows per resource.
	Seed map[string][]map[string]any `yaml:"seed,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one scripted action. Exactly one field is set.
type Step struct {
	// Open opens a query handle and waits for its background load.
	Open *OpenStep `yaml:"open,omitempty"`

	// Expect checks a handle's current state and records a snapshot.
	Expect *ExpectStep `yaml:"expect,omitempty"`

	Create *WriteStep `yaml:"create,omitempty"`
	Update *WriteStep `yaml:"update,omitempty"`
	Delete *WriteStep `yaml:"delete,omitempty"`

	// Release lets a held remote call through and waits for the operation.
	Release string `yaml:"release,omitempty"`

	// Fail makes a held remote call fail.
	Fail *FailStep `yaml:"fail,omitempty"`

	// Revalidate refetches a handle, or every open query with "*".
	Revalidate string `yaml:"revalidate,omitempty"`

	// Server changes the remote without telling the cache.
	Server *ServerStep `yaml:"server,omitempty"`

	// Delta delivers a realtime change and waits until it is merged.
	Delta *DeltaStep `yaml:"delta,omitempty"`

	// Restart snapshots the cache, then restores it into a fresh client.
	// Every handle is closed.
	Restart bool `yaml:"restart,omitempty"`

	// Clear empties the cache.
	Clear bool `yaml:"clear,omitempty"`

	// Close closes a handle.
	Close string `yaml:"close,omitempty"`
}

// OpenStep opens a query.
type OpenStep struct {
	As                string         `yaml:"as"`
	Resource          string         `yaml:"resource"`
	ID                string         `yaml:"id,omitempty"`
	Single            bool           `yaml:"single,omitempty"`
	Filters           map[string]any `yaml:"filters,omitempty"`
	Disabled          bool           `yaml:"disabled,omitempty"`
	RevalidateOnMount bool           `yaml:"revalidate_on_mount,omitempty"`

	// Pages opens an infinite query with that many pages.
	Pages    int `yaml:"pages,omitempty"`
	PageSize int `yaml:"page_size,omitempty"`
}

// ExpectStep checks a handle. Unset fields are not checked.
type ExpectStep struct {
	Handle  string           `yaml:"handle"`
	Data    []map[string]any `yaml:"data,omitempty"`
	Count   *int             `yaml:"count,omitempty"`
	Loading *bool            `yaml:"loading,omitempty"`
	Stale   *bool            `yaml:"stale,omitempty"`
	HasMore *bool            `yaml:"has_more,omitempty"`
	Error   string           `yaml:"error,omitempty"`
}

// WriteStep is a mutation through the cache. Handle, when set, supplies
// the resource and, for creates, the query that shows the new row at once.
type WriteStep struct {
	Handle   string         `yaml:"handle,omitempty"`
	Resource string         `yaml:"resource,omitempty"`
	ID       string         `yaml:"id,omitempty"`
	Entity   map[string]any `yaml:"entity,omitempty"`
	Patch    map[string]any `yaml:"patch,omitempty"`

	// Hold parks the remote call under this name until a release or fail
	// step. The optimistic write is visible in the meantime.
	Hold string `yaml:"hold,omitempty"`

	// Error is the expected error class of the settled operation.
	Error string `yaml:"error,omitempty"`
}

// FailStep fails a held call with an error class: network, server or
// conflict.
type FailStep struct {
	Hold  string `yaml:"hold"`
	Error string `yaml:"error"`
}

// ServerStep is an out-of-band remote write.
type ServerStep struct {
	Op       string         `yaml:"op"`
	Resource string         `yaml:"resource"`
	ID       string         `yaml:"id,omitempty"`
	Entity   map[string]any `yaml:"entity,omitempty"`
}

// DeltaStep is a realtime change.
type DeltaStep struct {
	Resource string         `yaml:"resource"`
	Kind     string         `yaml:"kind"`
	ID       string         `yaml:"id,omitempty"`
	Entity   map[string]any `yaml:"entity,omitempty"`
}

// Assertion validates the trace, the cache or the remote after the run.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count,
	// final_state, remote_state or remote_calls.
	Type string `yaml:"type"`

	Event  string   `yaml:"event,omitempty"`
	Handle string   `yaml:"handle,omitempty"`
	Events []string `yaml:"events,omitempty"`
	Count  int      `yaml:"count,omitempty"`

	Resource string         `yaml:"resource,omitempty"`
	ID       string         `yaml:"id,omitempty"`
	Expect   map[string]any `yaml:"expect,omitempty"`
	Absent   bool           `yaml:"absent,omitempty"`

	// Op is the remote operation counted by remote_calls.
	Op string `yaml:"op,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertRemoteState   = "remote_state"
	AssertRemoteCalls   = "remote_calls"
)

// LoadScenario reads a scenario file. Unknown fields are rejected, and
// schema paths are resolved relative to the file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	for i, dir := range s.Schemas {
		if !filepath.IsAbs(dir) {
			s.Schemas[i] = filepath.Join(base, dir)
		}
	}
	for _, dir := range s.Schemas {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid scenario: schema directory not found: %s", dir)
		}
	}
	return s, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	handles := make(map[string]bool)
	holds := make(map[string]bool)
	for i, step := range s.Steps {
		if n := step.actions(); n != 1 {
			return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, n)
		}
		switch {
		case step.Open != nil:
			if step.Open.As == "" || step.Open.Resource == "" {
				return fmt.Errorf("steps[%d].open: as and resource are required", i)
			}
			handles[step.Open.As] = true
		case step.Expect != nil:
			if !handles[step.Expect.Handle] {
				return fmt.Errorf("steps[%d].expect: unknown handle %q", i, step.Expect.Handle)
			}
		case step.Release != "":
			if !holds[step.Release] {
				return fmt.Errorf("steps[%d].release: unknown hold %q", i, step.Release)
			}
			delete(holds, step.Release)
		case step.Fail != nil:
			if !holds[step.Fail.Hold] {
				return fmt.Errorf("steps[%d].fail: unknown hold %q", i, step.Fail.Hold)
			}
			if _, ok := errorClasses[step.Fail.Error]; !ok {
				return fmt.Errorf("steps[%d].fail: unknown error class %q", i, step.Fail.Error)
			}
			delete(holds, step.Fail.Hold)
		case step.Server != nil:
			switch step.Server.Op {
			case "insert", "update", "delete":
			default:
				return fmt.Errorf("steps[%d].server: unknown op %q", i, step.Server.Op)
			}
		}
		for op, w := range map[string]*WriteStep{"create": step.Create, "update": step.Update, "delete": step.Delete} {
			if w == nil {
				continue
			}
			if w.Handle == "" && w.Resource == "" {
				return fmt.Errorf("steps[%d].%s: handle or resource is required", i, op)
			}
			if w.Handle != "" && !handles[w.Handle] {
				return fmt.Errorf("steps[%d].%s: unknown handle %q", i, op, w.Handle)
			}
			if op != "create" && w.ID == "" {
				return fmt.Errorf("steps[%d].%s: id is required", i, op)
			}
			if w.Hold != "" {
				if holds[w.Hold] {
					return fmt.Errorf("steps[%d].%s: hold %q is already pending", i, op, w.Hold)
				}
				holds[w.Hold] = true
			}
		}
	}
	if len(holds) > 0 {
		names := slices.Sorted(maps.Keys(holds))
		return fmt.Errorf("hold %q is never released", names[0])
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Open != nil, s.Expect != nil, s.Create != nil, s.Update != nil,
		s.Delete != nil, s.Release != "", s.Fail != nil, s.Revalidate != "",
		s.Server != nil, s.Delta != nil, s.Restart, s.Clear, s.Close != "",
	} {
		if set {
			n++
		}
	}
	return n
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains, AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for %s", index, a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertFinalState, AssertRemoteState:
		if a.Resource == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: resource and id are required for %s", index, a.Type)
		}
		if len(a.Expect) == 0 && !a.Absent {
			return fmt.Errorf("assertions[%d]: expect or absent is required for %s", index, a.Type)
		}
	case AssertRemoteCalls:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for remote_calls", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
