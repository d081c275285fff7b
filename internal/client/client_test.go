package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/persist"
	"github.com/roach88/entsync/internal/querykey"
	"github.com/roach88/entsync/internal/remote"
	"github.com/roach88/entsync/internal/store"
	"github.com/roach88/entsync/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore() *store.Store {
	return store.New(store.WithLogger(quietLogger()))
}

func seededMemory(t *testing.T) *remote.Memory {
	t.Helper()
	mem := remote.NewMemory().WithIDs(testutil.NewDeterministicIDs("srv").Next)
	require.NoError(t, mem.Seed("profiles",
		ir.MustObject(map[string]any{"id": "u1", "full_name": "Dave", "team": "t1"}),
		ir.MustObject(map[string]any{"id": "u2", "full_name": "Ann", "team": "t1"}),
		ir.MustObject(map[string]any{"id": "u3", "full_name": "Cleo", "team": "t2"}),
	))
	return mem
}

func newClient(t *testing.T, src remote.Source, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithIDs(testutil.NewDeterministicIDs("tmp").Next),
	}, opts...)
	return New(newStore(), src, opts...)
}

func names(rows []ir.Object) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r["full_name"].(ir.String))
	}
	return out
}

func waitLoaded(t *testing.T, q interface{ Wait(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func signalled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-time.After(testutil.WaitTimeout):
		return false
	}
}

func drainSignals(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// The profile of u1 is fetched, then renamed. A second handle on the same
// entity must show the new name as soon as the update call has started,
// before the server has answered.
func TestScenario_RenameIsVisibleBeforeServerAnswers(t *testing.T) {
	mem := seededMemory(t)
	gated := testutil.NewGatedSource(mem)
	c := newClient(t, gated)
	ctx := context.Background()

	q := c.Entities(ctx, "profiles", map[string]any{"id": "u1"}, Config{})
	defer q.Close()
	call := gated.NextCall(t)
	assert.Equal(t, "select", call.Op)
	assert.True(t, q.IsLoading())
	call.Release()
	waitLoaded(t, q)

	assert.Equal(t, []ir.Object{ir.MustObject(map[string]any{"id": "u1", "full_name": "Dave", "team": "t1"})}, q.Data())
	assert.False(t, q.IsLoading())

	watcher := c.Entity(ctx, "profiles", "u1", nil, Config{})
	defer watcher.Close()
	assert.Equal(t, q.Key(), watcher.Key(), "same query, same cache entry")
	assert.Equal(t, 1, gated.Calls("select"), "answered from cache")
	drainSignals(watcher.Changes())

	done := make(chan error, 1)
	go func() {
		done <- q.UpdateEntity(ctx, "u1", ir.Object{"full_name": ir.String("Dave2")}).Err
	}()
	update := gated.NextCall(t)
	assert.Equal(t, "update", update.Op)

	require.True(t, signalled(watcher.Changes()))
	row, ok := watcher.First()
	require.True(t, ok)
	assert.Equal(t, ir.String("Dave2"), row["full_name"])

	update.Release()
	require.NoError(t, <-done)
	row, _ = watcher.First()
	assert.Equal(t, ir.String("Dave2"), row["full_name"])
}

func TestOverlappingQueriesStayConsistent(t *testing.T) {
	c := newClient(t, seededMemory(t))
	ctx := context.Background()

	all := c.Entities(ctx, "profiles", nil, Config{})
	team := c.Entities(ctx, "profiles", map[string]any{"team": "t1"}, Config{})
	defer all.Close()
	defer team.Close()
	waitLoaded(t, all)
	waitLoaded(t, team)

	allSlot, _ := c.Store().Get(all.Key())
	teamSlot, _ := c.Store().Get(team.Key())

	res := all.UpdateEntity(ctx, "u2", ir.Object{"full_name": ir.String("Ann2")})
	require.NoError(t, res.Err)

	assert.Equal(t, []string{"Dave", "Ann2", "Cleo"}, names(all.Data()))
	assert.Equal(t, []string{"Dave", "Ann2"}, names(team.Data()))

	after, _ := c.Store().Get(all.Key())
	assert.Equal(t, allSlot.IDs, after.IDs)
	after, _ = c.Store().Get(team.Key())
	assert.Equal(t, teamSlot.IDs, after.IDs)
}

func TestMembershipChangeFlagsStaleUntilRevalidated(t *testing.T) {
	c := newClient(t, seededMemory(t))
	ctx := context.Background()

	team := c.Entities(ctx, "profiles", map[string]any{"team": "t1"}, Config{})
	defer team.Close()
	waitLoaded(t, team)

	require.NoError(t, team.UpdateEntity(ctx, "u1", ir.Object{"team": ir.String("t2")}).Err)
	assert.True(t, team.Stale())
	assert.Equal(t, []string{"Dave", "Ann"}, names(team.Data()), "membership is not recomputed locally")

	require.NoError(t, c.RevalidateStale(ctx))
	assert.False(t, team.Stale())
	assert.Equal(t, []string{"Ann"}, names(team.Data()))
}

func TestDisabledQueries(t *testing.T) {
	mem := seededMemory(t)
	c := newClient(t, mem)
	ctx := context.Background()

	for name, q := range map[string]*Query{
		"flag":              c.Entities(ctx, "profiles", nil, Config{Disabled: true}),
		"entity without id": c.Entity(ctx, "profiles", "", nil, Config{}),
		"entity flag":       c.Entity(ctx, "profiles", "u1", nil, Config{Disabled: true}),
	} {
		t.Run(name, func(t *testing.T) {
			assert.False(t, q.Enabled())
			assert.Nil(t, q.Data())
			assert.Nil(t, q.Changes())
			assert.False(t, q.IsLoading())
			assert.NoError(t, q.Error())
			assert.NoError(t, q.Mutate(ctx))
			q.Close()
		})
	}
	assert.Equal(t, 0, mem.Selects())
}

func TestEntityWithoutIDTakesFirstMatch(t *testing.T) {
	c := newClient(t, seededMemory(t))
	ctx := context.Background()

	q := c.Entity(ctx, "profiles", "", map[string]any{"team": "t2"}, Config{})
	defer q.Close()
	waitLoaded(t, q)

	row, ok := q.First()
	require.True(t, ok)
	assert.Equal(t, ir.String("u3"), row["id"])

	spec, err := querykey.Decode(q.Key())
	require.NoError(t, err)
	assert.Equal(t, querykey.Limit(1), spec.Window)
}

func TestInvalidFiltersReportError(t *testing.T) {
	mem := seededMemory(t)
	c := newClient(t, mem)
	q := c.Entities(context.Background(), "profiles", map[string]any{"limit": "many"}, Config{})
	defer q.Close()

	assert.Error(t, q.Error())
	assert.Error(t, q.Mutate(context.Background()))
	assert.Nil(t, q.Data())
	assert.Equal(t, 0, mem.Selects())
}

func TestFailedFetchKeepsDataAndReportsError(t *testing.T) {
	gated := testutil.NewGatedSource(seededMemory(t))
	c := newClient(t, gated)
	ctx := context.Background()

	q := c.Entities(ctx, "profiles", nil, Config{})
	defer q.Close()
	gated.NextCall(t).Release()
	waitLoaded(t, q)
	require.Len(t, q.Data(), 3)

	errc := make(chan error, 1)
	go func() { errc <- q.Mutate(ctx) }()
	gated.NextCall(t).Fail(remote.NewServerError("profiles", 503, "maintenance"))
	err := <-errc

	assert.True(t, remote.IsServerError(err))
	assert.True(t, remote.IsServerError(q.Error()))
	assert.Len(t, q.Data(), 3, "stale data survives the failure")
	assert.False(t, q.IsValidating())
}

func TestCreateAndDeleteThroughQuery(t *testing.T) {
	c := newClient(t, seededMemory(t))
	ctx := context.Background()

	q := c.Entities(ctx, "profiles", nil, Config{})
	defer q.Close()
	waitLoaded(t, q)

	res := q.CreateEntity(ctx, ir.Object{"full_name": ir.String("Eve")})
	require.NoError(t, res.Err)
	assert.Equal(t, ir.String("srv-1"), res.Data["id"])
	assert.Equal(t, []string{"Dave", "Ann", "Cleo", "Eve"}, names(q.Data()))

	require.NoError(t, q.DeleteEntity(ctx, "u2").Err)
	assert.Equal(t, []string{"Dave", "Cleo", "Eve"}, names(q.Data()))
}

func TestCachedQueryDoesNotRefetchUnlessAsked(t *testing.T) {
	mem := seededMemory(t)
	c := newClient(t, mem)
	ctx := context.Background()

	first := c.Entities(ctx, "profiles", map[string]any{"team": "t1"}, Config{})
	waitLoaded(t, first)
	first.Close()

	second := c.Entities(ctx, "profiles", map[string]any{"team": "t1"}, Config{})
	defer second.Close()
	waitLoaded(t, second)
	assert.Equal(t, 1, mem.Selects())
	assert.Equal(t, []string{"Dave", "Ann"}, names(second.Data()))

	third := c.Entities(ctx, "profiles", map[string]any{"team": "t1"}, Config{RevalidateOnMount: true})
	defer third.Close()
	waitLoaded(t, third)
	assert.Equal(t, 2, mem.Selects())
}

func TestRevalidateAllPicksUpServerChanges(t *testing.T) {
	mem := seededMemory(t)
	c := newClient(t, mem)
	ctx := context.Background()

	q := c.Entities(ctx, "profiles", nil, Config{})
	defer q.Close()
	waitLoaded(t, q)
	drainSignals(q.Changes())

	_, err := mem.Update(ctx, "profiles", "u3", ir.Object{"full_name": ir.String("Cleo2")})
	require.NoError(t, err)
	require.NoError(t, c.RevalidateAll(ctx, "profiles"))

	assert.True(t, signalled(q.Changes()))
	assert.Equal(t, []string{"Dave", "Ann", "Cleo2"}, names(q.Data()))
}

func TestPersistenceRestoresQueries(t *testing.T) {
	storage := persist.NewMemoryStorage()
	mem := seededMemory(t)
	ctx := context.Background()

	c := newClient(t, mem, WithStorage(storage, time.Hour))
	q := c.Entities(ctx, "profiles", map[string]any{"team": "t1"}, Config{})
	waitLoaded(t, q)
	q.Close()
	_, err := c.Persistence().Save(ctx)
	require.NoError(t, err)

	restarted := newClient(t, mem, WithStorage(storage, time.Hour))
	require.NoError(t, restarted.Restore(ctx))
	again := restarted.Entities(ctx, "profiles", map[string]any{"team": "t1"}, Config{})
	defer again.Close()
	waitLoaded(t, again)

	assert.Equal(t, 1, mem.Selects(), "answered from the snapshot")
	assert.Equal(t, []string{"Dave", "Ann"}, names(again.Data()))
}

func TestRunFlushesOnShutdown(t *testing.T) {
	storage := persist.NewMemoryStorage()
	c := newClient(t, seededMemory(t), WithStorage(storage, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	q := c.Entities(ctx, "profiles", nil, Config{})
	waitLoaded(t, q)
	q.Close()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, storage.Writes())
}

func TestClearCache(t *testing.T) {
	storage := persist.NewMemoryStorage()
	c := newClient(t, seededMemory(t), WithStorage(storage, time.Hour))
	ctx := context.Background()

	q := c.Entities(ctx, "profiles", nil, Config{})
	defer q.Close()
	waitLoaded(t, q)
	_, err := c.Persistence().Save(ctx)
	require.NoError(t, err)

	require.NoError(t, c.ClearCache(ctx))
	assert.Empty(t, q.Data())
	data, err := storage.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, q.Mutate(ctx))
	assert.Len(t, q.Data(), 3)
}

func TestClearCacheWithoutStorage(t *testing.T) {
	c := newClient(t, seededMemory(t))
	ctx := context.Background()
	q := c.Entities(ctx, "profiles", nil, Config{})
	defer q.Close()
	waitLoaded(t, q)

	require.NoError(t, c.ClearCache(ctx))
	assert.Equal(t, 0, c.Store().Stats().Entities)
}

func TestPrefetchAndKey(t *testing.T) {
	mem := seededMemory(t)
	c := newClient(t, mem)
	ctx := context.Background()

	require.NoError(t, c.Prefetch(ctx, "profiles", map[string]any{"team_neq": "t1"}))
	key, err := c.Key("profiles", map[string]any{"team_neq": "t1"})
	require.NoError(t, err)
	rows, ok := c.Store().Resolve(key)
	require.True(t, ok)
	assert.Equal(t, []string{"Cleo"}, names(rows))

	q := c.Entities(ctx, "profiles", map[string]any{"team_neq": "t1"}, Config{})
	defer q.Close()
	waitLoaded(t, q)
	assert.Equal(t, 1, mem.Selects())
}

type orderResolver struct{}

func (orderResolver) Resolve(spec querykey.Spec) (querykey.Spec, error) {
	if spec.Resource == "secrets" {
		return querykey.Spec{}, fmt.Errorf("unknown resource %q", spec.Resource)
	}
	if len(spec.Order) == 0 {
		spec.Order = []querykey.OrderBy{{Field: "full_name"}}
	}
	return spec, nil
}

func (orderResolver) PageSize(string) int { return 2 }

func TestResolverAppliesDefaults(t *testing.T) {
	c := newClient(t, seededMemory(t), WithResolver(orderResolver{}))
	ctx := context.Background()

	q := c.Entities(ctx, "profiles", nil, Config{})
	defer q.Close()
	waitLoaded(t, q)
	assert.Equal(t, []string{"Ann", "Cleo", "Dave"}, names(q.Data()))

	bad := c.Entities(ctx, "secrets", nil, Config{})
	assert.ErrorContains(t, bad.Error(), "unknown resource")

	inf := c.InfiniteEntities(ctx, "profiles", nil, Config{})
	defer inf.Close()
	assert.Equal(t, 2, inf.PageSize())
}

type profileRecord struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Team     string `json:"team"`
}

func TestDecode(t *testing.T) {
	c := newClient(t, seededMemory(t))
	ctx := context.Background()
	q := c.Entities(ctx, "profiles", map[string]any{"team": "t1"}, Config{})
	defer q.Close()
	waitLoaded(t, q)

	profiles, err := Decode[profileRecord](q.Data())
	require.NoError(t, err)
	assert.Equal(t, []profileRecord{
		{ID: "u1", FullName: "Dave", Team: "t1"},
		{ID: "u2", FullName: "Ann", Team: "t1"},
	}, profiles)

	row, _ := q.First()
	one, err := DecodeOne[profileRecord](row)
	require.NoError(t, err)
	assert.Equal(t, "Dave", one.FullName)

	type wrong struct {
		FullName int `json:"full_name"`
	}
	_, err = Decode[wrong](q.Data())
	assert.Error(t, err)
}
