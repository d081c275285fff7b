package cli

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scenarioDir = "../harness/testdata/scenarios"
	goldenDir   = "../harness/testdata/golden"
	schemaDir   = "../harness/testdata/schemas"
)

func TestKeyCommand(t *testing.T) {
	t.Run("filter order does not change the key", func(t *testing.T) {
		out1, _, err := execute(t, "key", "profiles", "--storage", "memory", "--format", "json",
			"-f", "team=t1", "-f", "age_gte=30")
		require.NoError(t, err)
		out2, _, err := execute(t, "key", "profiles", "--storage", "memory", "--format", "json",
			"-f", "age_gte=30", "-f", "team=t1")
		require.NoError(t, err)

		var k1, k2 KeyResult
		decodeResponse(t, out1, &k1)
		decodeResponse(t, out2, &k2)
		assert.Equal(t, "profiles", k1.Resource)
		assert.Equal(t, k1.Key, k2.Key)
		assert.Equal(t, k1.Hash, k2.Hash)
		assert.Len(t, k1.Hash, 16)
	})

	t.Run("different filters differ", func(t *testing.T) {
		out1, _, err := execute(t, "key", "profiles", "--storage", "memory", "--format", "json", "-f", "team=t1")
		require.NoError(t, err)
		out2, _, err := execute(t, "key", "profiles", "--storage", "memory", "--format", "json", "-f", "team=t2")
		require.NoError(t, err)

		var k1, k2 KeyResult
		decodeResponse(t, out1, &k1)
		decodeResponse(t, out2, &k2)
		assert.NotEqual(t, k1.Key, k2.Key)
	})

	t.Run("text output prints key and hash", func(t *testing.T) {
		out, _, err := execute(t, "key", "profiles", "--storage", "memory", "--id", "u1")
		require.NoError(t, err)
		assert.Contains(t, out, "u1")
	})

	t.Run("malformed filter", func(t *testing.T) {
		out, _, err := execute(t, "key", "profiles", "--storage", "memory", "--format", "json", "-f", "team")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		resp := decodeResponse(t, out, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeQuery, resp.Error.Code)
	})

	t.Run("schema rejects unfilterable field", func(t *testing.T) {
		_, _, err := execute(t, "key", "messages", "--storage", "memory", "--schema-dir", schemaDir, "-f", "body=x")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestSchemaValidateCommand(t *testing.T) {
	t.Run("valid schemas", func(t *testing.T) {
		out, _, err := execute(t, "schema", "validate", schemaDir, "--format", "json")
		require.NoError(t, err)

		var v SchemaValidation
		resp := decodeResponse(t, out, &v)
		assert.Equal(t, "ok", resp.Status)
		assert.True(t, v.Valid)
		require.Len(t, v.Resources, 1)
		assert.Equal(t, "messages", v.Resources[0].Name)
		assert.Equal(t, "-created_at", v.Resources[0].Order)
		assert.Equal(t, 2, v.Resources[0].PageSize)
		assert.Equal(t, []string{"author"}, v.Resources[0].Filterable)
	})

	t.Run("text output", func(t *testing.T) {
		out, _, err := execute(t, "schema", "validate", schemaDir)
		require.NoError(t, err)
		assert.Contains(t, out, "1 resource(s) valid")
	})

	t.Run("rows are checked", func(t *testing.T) {
		rows := filepath.Join(t.TempDir(), "rows.yaml")
		require.NoError(t, os.WriteFile(rows, []byte(`messages:
  - { id: m1, body: hi, author: a, created_at: "2024-01-01" }
  - { id: m2, body: hi, created_at: "2024-01-02" }
`), 0o644))

		out, _, err := execute(t, "schema", "validate", schemaDir, "--rows", rows, "--format", "json")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))

		var v SchemaValidation
		resp := decodeResponse(t, out, &v)
		assert.Equal(t, "error", resp.Status)
		assert.False(t, v.Valid)
		assert.Equal(t, 2, v.Rows)
		require.Len(t, v.Errors, 1)
		assert.Contains(t, v.Errors[0].Message, "messages[1]")
		assert.Contains(t, v.Errors[0].Message, "author")
	})

	t.Run("missing directory", func(t *testing.T) {
		_, _, err := execute(t, "schema", "validate", filepath.Join(t.TempDir(), "nope"))
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("broken schema", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.cue"), []byte("package schemas\n\nresource: {\n"), 0o644))

		out, _, err := execute(t, "schema", "validate", dir)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "Validation failed")
	})
}

func TestScenarioRunCommand(t *testing.T) {
	t.Run("all scenarios pass", func(t *testing.T) {
		out, _, err := execute(t, "scenario", "run", scenarioDir, "--golden-dir", goldenDir, "--format", "json")
		require.NoError(t, err, out)

		var sum ScenarioSummary
		resp := decodeResponse(t, out, &sum)
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, 5, sum.Total)
		assert.Equal(t, 5, sum.Passed)
		assert.Zero(t, sum.Failed)
		for _, s := range sum.Scenarios {
			if s.Name == "profile_rename" {
				assert.Equal(t, "match", s.Golden)
			} else {
				assert.Empty(t, s.Golden, s.Name)
			}
		}
	})

	t.Run("filter", func(t *testing.T) {
		out, _, err := execute(t, "scenario", "run", scenarioDir, "--golden-dir", goldenDir, "--filter", "re*")
		require.NoError(t, err)
		assert.Contains(t, out, "realtime")
		assert.Contains(t, out, "restart")
		assert.NotContains(t, out, "rollback")
		assert.Contains(t, out, "2 passed, 0 failed, 2 total")
	})

	t.Run("update writes golden files", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(scenarioDir, "profile_rename.yaml")
		out, _, err := execute(t, "scenario", "run", file, "--golden-dir", dir, "--update")
		require.NoError(t, err)
		assert.Contains(t, out, "golden updated")

		got, err := os.ReadFile(filepath.Join(dir, "profile_rename.golden"))
		require.NoError(t, err)
		want, err := os.ReadFile(filepath.Join(goldenDir, "profile_rename.golden"))
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	})

	t.Run("golden mismatch fails", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "restart.golden"), []byte("{}"), 0o644))

		out, _, err := execute(t, "scenario", "run", filepath.Join(scenarioDir, "restart.yaml"), "--golden-dir", dir)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "does not match golden file")
	})

	t.Run("failing expectation", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(`name: wrong
description: "expects the wrong count"
seed:
  profiles:
    - { id: u1, name: Ann }
steps:
  - open: { as: all, resource: profiles }
  - expect: { handle: all, count: 3 }
`), 0o644))

		out, _, err := execute(t, "scenario", "run", dir, "--format", "json")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))

		var sum ScenarioSummary
		resp := decodeResponse(t, out, &sum)
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, 1, sum.Failed)
		require.Len(t, sum.Scenarios, 1)
		assert.NotEmpty(t, sum.Scenarios[0].Errors)
	})

	t.Run("missing path", func(t *testing.T) {
		_, _, err := execute(t, "scenario", "run", filepath.Join(t.TempDir(), "nope"))
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("empty directory", func(t *testing.T) {
		out, _, err := execute(t, "scenario", "run", t.TempDir())
		require.NoError(t, err)
		assert.Contains(t, out, "No scenarios found.")
	})
}

// profilesServer serves two profiles PostgREST-style and counts reads.
func profilesServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var reads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/profiles" {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		reads.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Range", "0-1/2")
		_, _ = w.Write([]byte(`[{"id":"u1","name":"Ann","team":"t1"},{"id":"u2","name":"Bob","team":"t1"}]`))
	}))
	t.Cleanup(srv.Close)
	return srv, &reads
}

func TestFetchAndSnapshotCommands(t *testing.T) {
	srv, reads := profilesServer(t)
	cache := filepath.Join(t.TempDir(), "cache.json.gz")
	common := []string{"--url", srv.URL, "--storage", "file", "--cache-path", cache}

	out, _, err := execute(t, append([]string{"fetch", "profiles", "-f", "team=t1", "--format", "json"}, common...)...)
	require.NoError(t, err, out)
	var first FetchResult
	decodeResponse(t, out, &first)
	assert.False(t, first.Cached)
	assert.Len(t, first.Rows, 2)
	assert.Equal(t, 2, first.Total)
	assert.Equal(t, int32(1), reads.Load())

	// The second run is answered from the snapshot.
	out, _, err = execute(t, append([]string{"fetch", "profiles", "-f", "team=t1", "--format", "json"}, common...)...)
	require.NoError(t, err, out)
	var second FetchResult
	decodeResponse(t, out, &second)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Len(t, second.Rows, 2)
	assert.Equal(t, int32(1), reads.Load())

	out, _, err = execute(t, append([]string{"fetch", "profiles", "-f", "team=t1", "--fresh"}, common...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 row(s), total 2")
	assert.Equal(t, int32(2), reads.Load())

	snapArgs := []string{"--storage", "file", "--cache-path", cache}
	out, _, err = execute(t, append([]string{"snapshot", "inspect", "--format", "json"}, snapArgs...)...)
	require.NoError(t, err, out)
	var sum SnapshotSummary
	decodeResponse(t, out, &sum)
	assert.False(t, sum.Empty)
	assert.Empty(t, sum.Corrupt)
	assert.Equal(t, 2, sum.Entities["profiles"])
	require.Len(t, sum.Slots, 1)
	assert.Equal(t, first.Hash, sum.Slots[0].Hash)
	assert.Equal(t, 2, sum.Slots[0].Rows)
	assert.NotEmpty(t, sum.Digest)

	_, _, err = execute(t, append([]string{"snapshot", "clear"}, snapArgs...)...)
	require.NoError(t, err)

	out, _, err = execute(t, append([]string{"snapshot", "inspect"}, snapArgs...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "snapshot is empty")
}

func TestFetchCommandErrors(t *testing.T) {
	t.Run("no backend URL", func(t *testing.T) {
		_, _, err := execute(t, "fetch", "profiles", "--storage", "memory")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, err.Error(), "no backend URL")
	})

	t.Run("backend error", func(t *testing.T) {
		srv, _ := profilesServer(t)
		out, _, err := execute(t, "fetch", "teams", "--url", srv.URL, "--storage", "memory", "--format", "json")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		resp := decodeResponse(t, out, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeRemote, resp.Error.Code)
	})
}

func TestSnapshotInspectCorrupt(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "cache.json.gz")
	require.NoError(t, os.WriteFile(cache, []byte("not a snapshot"), 0o644))

	out, _, err := execute(t, "snapshot", "inspect", "--storage", "file", "--cache-path", cache, "--format", "json")
	require.NoError(t, err)
	var sum SnapshotSummary
	decodeResponse(t, out, &sum)
	assert.NotEmpty(t, sum.Corrupt)
	assert.Equal(t, len("not a snapshot"), sum.Bytes)
}

func TestWatchRequiresTransport(t *testing.T) {
	srv, _ := profilesServer(t)
	_, _, err := execute(t, "watch", "--url", srv.URL, "--storage", "memory")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestWatchWebSocketFeed(t *testing.T) {
	api, _ := profilesServer(t)
	upgrader := websocket.Upgrader{}
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range []string{
			`{"resource":"profiles","kind":"update","entity":{"id":"u1","name":"Zed","team":"t1"}}`,
			`{"resource":"profiles","kind":"update","entity":{"id":"u9","name":"Nobody","team":"t1"}}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// Hold the feed open until the watch times out.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(feed.Close)

	out, _, err := execute(t, "watch",
		"--url", api.URL, "--storage", "memory",
		"--transport", "websocket", "--feed-url", "ws"+strings.TrimPrefix(feed.URL, "http"),
		"--query", "profiles", "--duration", "1s")
	require.NoError(t, err)
	assert.Contains(t, out, "update profiles/u1 -> applied")
	assert.Contains(t, out, "update profiles/u9 -> ignored")
}
