package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/ir"
)

func loadScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func requirePass(t *testing.T, result *Result) {
	t.Helper()
	if !result.Pass {
		for _, msg := range result.Errors {
			t.Log(msg)
		}
		t.FailNow()
	}
}

func TestRun_ProfileRenameGolden(t *testing.T) {
	result, err := RunWithGolden(t, loadScenario(t, "profile_rename"))
	require.NoError(t, err)
	assert.True(t, result.Pass)
}

func TestRun_Rollback(t *testing.T) {
	result, err := Run(loadScenario(t, "rollback"))
	require.NoError(t, err)
	requirePass(t, result)

	var failed TraceEvent
	for _, ev := range result.Trace {
		if ev.Type == EventSettled && ev.Op == "update" {
			failed = ev
		}
	}
	assert.Equal(t, "server", failed.Error)
	assert.Nil(t, failed.Data)
}

func TestRun_Realtime(t *testing.T) {
	result, err := Run(loadScenario(t, "realtime"))
	require.NoError(t, err)
	requirePass(t, result)

	var outcomes []string
	for _, ev := range result.Trace {
		if ev.Type == EventDelta {
			outcomes = append(outcomes, ev.Outcome)
		}
	}
	assert.Equal(t, []string{"applied", "ignored", "flagged", "applied"}, outcomes)
}

func TestRun_Restart(t *testing.T) {
	result, err := Run(loadScenario(t, "restart"))
	require.NoError(t, err)
	requirePass(t, result)

	for _, ev := range result.Trace {
		if ev.Type == EventRestart {
			assert.Equal(t, ir.Int(1), ev.Data, "one restored slot")
		}
	}
}

func TestRun_Feed(t *testing.T) {
	result, err := Run(loadScenario(t, "feed"))
	require.NoError(t, err)
	requirePass(t, result)
}

func TestRun_FailedExpectationIsReported(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong
description: "An expectation that does not hold"
seed:
  profiles:
    - { id: u1, full_name: Dave }
steps:
  - open: { as: q, resource: profiles }
  - expect: { handle: q, count: 3, error: none }
assertions:
  - type: remote_calls
    op: select
    count: 2
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "count = 1, want 3")
	assert.Contains(t, result.Errors[1], "2 select calls")
}

func TestRun_UnexpectedWriteError(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: conflict
description: "An update of a missing row conflicts"
seed:
  profiles:
    - { id: u1, full_name: Dave }
steps:
  - open: { as: q, resource: profiles }
  - update: { resource: profiles, id: u1, patch: { full_name: Dave2 }, hold: h }
  - fail: { hold: h, error: conflict }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `error = "conflict"`)
}

func TestRun_SeedRejectedBySchema(t *testing.T) {
	s := loadScenario(t, "feed")
	s.Seed = map[string][]map[string]any{
		"messages": {{"id": "m1", "body": "no author", "created_at": "2026-01-01"}},
	}
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed messages[0]")
}

func TestTraceSnapshot_MarshalCanonical(t *testing.T) {
	r := NewResult()
	r.AddTrace(TraceEvent{Type: EventRestart, Data: ir.Int(2)})
	r.AddTrace(TraceEvent{Type: EventClose, Handle: "q"})

	data, err := (&TraceSnapshot{ScenarioName: "s", Trace: r.Trace}).MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"s","trace":[{"data":2,"seq":1,"type":"restart"},{"handle":"q","seq":2,"type":"close"}]}`,
		string(data))
}
