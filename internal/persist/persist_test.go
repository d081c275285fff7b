package persist

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
	"github.com/roach88/entsync/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func byID(id string) querykey.Key {
	return querykey.MustEncode(querykey.Spec{Resource: "profiles", Filters: map[string]querykey.Filter{"id": querykey.Eq(id)}})
}

// populated returns a store holding two overlapping profile queries and a
// message page.
func populated(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(store.WithLogger(quietLogger()))
	seq := s.Clock().Next()
	for _, row := range []ir.Object{
		ir.MustObject(map[string]any{"id": "u1", "full_name": "Dave", "tags": []any{"a", "b"}, "age": 34}),
		ir.MustObject(map[string]any{"id": "u2", "full_name": "Ann", "score": 1.5, "avatar": nil}),
	} {
		_, err := s.UpsertEntity("profiles", row, seq)
		require.NoError(t, err)
	}
	_, err := s.UpsertEntity("messages", ir.MustObject(map[string]any{"id": "m1", "body": "hi \u00e9"}), seq)
	require.NoError(t, err)

	all := querykey.MustEncode(querykey.Spec{Resource: "profiles"})
	page := querykey.MustEncode(querykey.Spec{Resource: "messages", Window: querykey.Offset(0, 20)})
	s.Land(all, "profiles", []string{"u2", "u1"}, 2, seq)
	s.Land(byID("u1"), "profiles", []string{"u1"}, 1, seq)
	s.Land(page, "messages", []string{"m1"}, store.UnknownTotal, seq)
	return s
}

func TestEncodeGolden(t *testing.T) {
	st := &store.State{
		Clock: 3,
		Tables: map[string][]store.EntityRecord{
			"profiles": {{ID: "u1", Seq: 2, Entity: ir.MustObject(map[string]any{"id": "u1", "full_name": "Dave"})}},
		},
		Slots: []store.SlotRecord{{Key: byID("u1"), Resource: "profiles", IDs: []string{"u1"}, Total: 1, Seq: 2}},
	}
	raw, err := Encode(st)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "snapshot_profiles", raw)
}

func TestEncodeIsDeterministic(t *testing.T) {
	s := populated(t)
	a, err := Encode(s.Export())
	require.NoError(t, err)
	b, err := Encode(s.Export())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRoundTripPreservesQueryResults(t *testing.T) {
	src := populated(t)
	ad := New(src, NewMemoryStorage(), WithLogger(quietLogger()))
	data, err := ad.Snapshot()
	require.NoError(t, err)

	dst := store.New(store.WithLogger(quietLogger()))
	require.NoError(t, dst.Import(New(dst, NewMemoryStorage()).Restore(data)))

	assert.Equal(t, src.Keys(""), dst.Keys(""))
	for _, key := range src.Keys("") {
		want, _ := src.Resolve(key)
		got, _ := dst.Resolve(key)
		assert.Equal(t, want, got, "slot %s", key.Hash())

		ws, _ := src.Get(key)
		gs, _ := dst.Get(key)
		assert.Equal(t, ws.IDs, gs.IDs)
		assert.Equal(t, ws.Meta.Total, gs.Meta.Total)
	}
	assert.Equal(t, src.Export(), dst.Export())
	assert.GreaterOrEqual(t, dst.Clock().Current(), src.Clock().Current())
}

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestRestoreToleratesGarbage(t *testing.T) {
	valid, err := New(populated(t), NewMemoryStorage()).Snapshot()
	require.NoError(t, err)

	cases := map[string][]byte{
		"nil":            nil,
		"not gzip":       []byte("definitely not a snapshot"),
		"truncated gzip": valid[:len(valid)/2],
		"bad json":       gz(t, `{"clock":`),
		"not an object":  gz(t, `[1,2,3]`),
		"other format":   gz(t, `{"clock":1,"format":"swr","slots":[],"tables":{},"version":1}`),
		"future version": gz(t, `{"clock":1,"format":"entsync-snapshot","slots":[],"tables":{},"version":2}`),
		"bad slot key":   gz(t, `{"clock":1,"format":"entsync-snapshot","slots":[{"ids":[],"key":"nope","resource":"p","seq":1,"total":0}],"tables":{},"version":1}`),
		"row id mismatch": gz(t, `{"clock":1,"format":"entsync-snapshot","slots":[],` +
			`"tables":{"p":[{"entity":{"id":"b"},"id":"a","seq":1}]},"version":1}`),
		"float seq": gz(t, `{"clock":1,"format":"entsync-snapshot","slots":[],` +
			`"tables":{"p":[{"entity":{"id":"a"},"id":"a","seq":1.5}]},"version":1}`),
	}

	ad := New(store.New(store.WithLogger(quietLogger())), NewMemoryStorage())
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			assert.ErrorIs(t, err, ErrCorrupt)

			var st *store.State
			require.NotPanics(t, func() { st = ad.Restore(data) })
			assert.True(t, st.Empty())
		})
	}
}

func TestLoadCorruptClearsStorage(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Set(context.Background(), []byte("garbage")))

	s := store.New(store.WithLogger(quietLogger()))
	ad := New(s, storage)
	require.NoError(t, ad.Load(context.Background()))

	data, err := storage.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, 0, s.Stats().Entities)
}

func TestLoadEmptyStorage(t *testing.T) {
	s := store.New(store.WithLogger(quietLogger()))
	require.NoError(t, New(s, NewMemoryStorage()).Load(context.Background()))
	assert.Equal(t, store.Stats{}, s.Stats())
}

func TestSaveCoalescesUnchangedContent(t *testing.T) {
	s := populated(t)
	storage := NewMemoryStorage()
	ad := New(s, storage, WithLogger(quietLogger()))
	ctx := context.Background()

	wrote, err := ad.Save(ctx)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = ad.Save(ctx)
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, 1, storage.Writes())

	// Notifications alone do not change content.
	s.Notify(s.Keys("")...)
	wrote, err = ad.Save(ctx)
	require.NoError(t, err)
	assert.False(t, wrote)

	_, err = s.UpsertEntity("profiles", ir.MustObject(map[string]any{"id": "u1", "full_name": "Dave2"}), s.Clock().Next())
	require.NoError(t, err)
	wrote, err = ad.Save(ctx)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, 2, storage.Writes())
}

func TestLoadThenSaveSkipsIdenticalSnapshot(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()
	_, err := New(populated(t), storage, WithLogger(quietLogger())).Save(ctx)
	require.NoError(t, err)

	fresh := New(store.New(store.WithLogger(quietLogger())), storage)
	require.NoError(t, fresh.Load(ctx))
	wrote, err := fresh.Save(ctx)
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, 1, storage.Writes())
}

func TestRunSavesPeriodicallyAndFlushesOnStop(t *testing.T) {
	s := populated(t)
	storage := NewMemoryStorage()
	ad := New(s, storage, WithInterval(5*time.Millisecond), WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- ad.Run(ctx) }()

	require.Eventually(t, func() bool { return storage.Writes() >= 1 }, time.Second, time.Millisecond)

	_, err := s.UpsertEntity("profiles", ir.MustObject(map[string]any{"id": "u3", "full_name": "Cleo"}), s.Clock().Next())
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-done)

	data, err := storage.Get(context.Background())
	require.NoError(t, err)
	st, err := Decode(data)
	require.NoError(t, err)
	assert.Len(t, st.Tables["profiles"], 3)
}

func TestRunFlushOnlyWhenStopped(t *testing.T) {
	s := populated(t)
	storage := NewMemoryStorage()
	ad := New(s, storage, WithInterval(time.Hour), WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- ad.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, storage.Writes())
}

func TestClearEmptiesStoreAndStorage(t *testing.T) {
	s := populated(t)
	storage := NewMemoryStorage()
	ad := New(s, storage, WithLogger(quietLogger()))
	ctx := context.Background()
	_, err := ad.Save(ctx)
	require.NoError(t, err)

	require.NoError(t, ad.Clear(ctx))
	data, _ := storage.Get(ctx)
	assert.Nil(t, data)
	assert.Equal(t, 0, s.Stats().Entities)

	wrote, err := ad.Save(ctx)
	require.NoError(t, err)
	assert.True(t, wrote, "the digest is forgotten on clear")
}

func exerciseStorage(t *testing.T, st Storage) {
	t.Helper()
	ctx := context.Background()

	data, err := st.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, st.Set(ctx, []byte("one")))
	require.NoError(t, st.Set(ctx, []byte("two")))
	data, err = st.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	require.NoError(t, st.Clear(ctx))
	require.NoError(t, st.Clear(ctx), "clear is idempotent")
	data, err = st.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestMemoryStorage(t *testing.T) {
	exerciseStorage(t, NewMemoryStorage())
}

func TestFileStorage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "cache.snap")
	exerciseStorage(t, NewFileStorage(path))

	fs := NewFileStorage(path)
	require.NoError(t, fs.Set(context.Background(), []byte("kept")))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files are renamed away")
	assert.Equal(t, "cache.snap", entries[0].Name())
}

func TestSQLiteStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	main, err := OpenSQLite(path, "main")
	require.NoError(t, err)
	defer main.Close()
	exerciseStorage(t, main)

	ctx := context.Background()
	require.NoError(t, main.Set(ctx, []byte("main snapshot")))

	other, err := OpenSQLite(path, "other")
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Set(ctx, []byte("x")))

	infos, err := other.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "main", infos[0].Name)
	assert.Equal(t, len("main snapshot"), infos[0].Size)
	assert.Equal(t, ir.SnapshotDigest([]byte("main snapshot")), infos[0].Digest)
	assert.Equal(t, "other", infos[1].Name)

	require.NoError(t, main.Close())
	reopened, err := OpenSQLite(path, "main")
	require.NoError(t, err)
	defer reopened.Close()
	data, err := reopened.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("main snapshot"), data)
}

func TestAdapterOverSQLite(t *testing.T) {
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), "app")
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	src := populated(t)
	_, err = New(src, st, WithLogger(quietLogger())).Save(ctx)
	require.NoError(t, err)

	dst := store.New(store.WithLogger(quietLogger()))
	require.NoError(t, New(dst, st, WithLogger(quietLogger())).Load(ctx))
	assert.Equal(t, src.Export(), dst.Export())
}

// TestRedisStorage runs against a real server when ENTSYNC_TEST_REDIS_ADDR
// is set.
func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("ENTSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ENTSYNC_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	exerciseStorage(t, NewRedisStorage(client, "entsync:test:"+t.Name(), time.Minute))
}
