package remote

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
)

func seeded(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	require.NoError(t, m.Seed("profiles",
		ir.MustObject(map[string]any{"id": "u1", "full_name": "Dave", "age": 34, "team": "t1", "bio": "Go developer", "deleted_at": nil}),
		ir.MustObject(map[string]any{"id": "u2", "full_name": "Ann", "age": 28, "team": "t2", "bio": "designer"}),
		ir.MustObject(map[string]any{"id": "u3", "full_name": "david", "age": 41.5, "team": "t1", "bio": "go and rust", "deleted_at": "2024-01-01"}),
	))
	return m
}

func ids(page Page) []string {
	out := make([]string, len(page.Entities))
	for i, e := range page.Entities {
		out[i], _ = ir.EntityID(e)
	}
	return out
}

func TestMemorySelectFilters(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		filters map[string]querykey.Filter
		want    []string
	}{
		{"eq", map[string]querykey.Filter{"team": querykey.Eq("t1")}, []string{"u1", "u3"}},
		{"neq", map[string]querykey.Filter{"team": querykey.Neq("t1")}, []string{"u2"}},
		{"gt across int and float", map[string]querykey.Filter{"age": querykey.Gt(34)}, []string{"u3"}},
		{"lte", map[string]querykey.Filter{"age": querykey.Lte(34)}, []string{"u1", "u2"}},
		{"like is case sensitive", map[string]querykey.Filter{"full_name": querykey.Like("Dav%")}, []string{"u1"}},
		{"ilike", map[string]querykey.Filter{"full_name": querykey.ILike("%dav%")}, []string{"u1", "u3"}},
		{"is null covers missing", map[string]querykey.Filter{"deleted_at": querykey.IsNull()}, []string{"u1", "u2"}},
		{"is not null", map[string]querykey.Filter{"deleted_at": querykey.IsNotNull()}, []string{"u3"}},
		{"in", map[string]querykey.Filter{"id": querykey.In("u3", "u2", "nope")}, []string{"u2", "u3"}},
		{"range", map[string]querykey.Filter{"age": querykey.Between(30, 40)}, []string{"u1"}},
		{"search", map[string]querykey.Filter{"bio": querykey.Search("GO developer")}, []string{"u1"}},
		{"or", map[string]querykey.Filter{"or": querykey.Or("team.eq.t2,age.gt.40")}, []string{"u2", "u3"}},
		{"combined", map[string]querykey.Filter{"team": querykey.Eq("t1"), "age": querykey.Lt(40)}, []string{"u1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := m.Select(ctx, querykey.Spec{Resource: "profiles", Filters: tt.filters})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(page))
			assert.Equal(t, len(tt.want), page.Total)
		})
	}
}

func TestMemorySelectRawIsServerError(t *testing.T) {
	m := seeded(t)
	_, err := m.Select(context.Background(), querykey.Spec{
		Resource: "profiles",
		Filters:  map[string]querykey.Filter{"x": querykey.Raw("a=eq.b")},
	})
	assert.True(t, IsServerError(err))
}

func TestMemorySelectOrderAndWindow(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 25; i++ {
		require.NoError(t, m.Seed("messages", ir.MustObject(map[string]any{"id": fmt.Sprintf("m%02d", i), "n": i})))
	}
	ctx := context.Background()
	desc := []querykey.OrderBy{{Field: "n", Desc: true}}

	page, err := m.Select(ctx, querykey.Spec{Resource: "messages", Order: desc, Window: querykey.Offset(0, 3)})
	require.NoError(t, err)
	assert.Equal(t, []string{"m24", "m23", "m22"}, ids(page))
	assert.Equal(t, 25, page.Total)

	page, err = m.Select(ctx, querykey.Spec{Resource: "messages", Window: querykey.Range(20, 29)})
	require.NoError(t, err)
	assert.Equal(t, []string{"m20", "m21", "m22", "m23", "m24"}, ids(page))

	page, err = m.Select(ctx, querykey.Spec{Resource: "messages", Window: querykey.Offset(30, 10)})
	require.NoError(t, err)
	assert.Empty(t, page.Entities)

	page, err = m.Select(ctx, querykey.Spec{Resource: "messages", Window: querykey.Offset(23, 0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"m23", "m24"}, ids(page))

	assert.Equal(t, 4, m.Selects())
}

func TestMemoryWrites(t *testing.T) {
	m := seeded(t).WithIDs(func() string { return "generated" })
	ctx := context.Background()

	created, err := m.Insert(ctx, "profiles", ir.Object{"full_name": ir.String("New")})
	require.NoError(t, err)
	assert.Equal(t, ir.String("generated"), created["id"])

	_, err = m.Insert(ctx, "profiles", ir.Object{"id": ir.String("u1")})
	assert.True(t, IsConflictError(err))

	updated, err := m.Update(ctx, "profiles", "u1", ir.Object{"full_name": ir.String("Dave2")})
	require.NoError(t, err)
	assert.Equal(t, ir.String("Dave2"), updated["full_name"])
	assert.Equal(t, ir.Int(34), updated["age"])

	_, err = m.Update(ctx, "profiles", "missing", ir.Object{})
	assert.True(t, IsConflictError(err))

	require.NoError(t, m.Delete(ctx, "profiles", "u1"))
	require.NoError(t, m.Delete(ctx, "profiles", "u1"), "delete is idempotent")
	_, ok := m.Row("profiles", "u1")
	assert.False(t, ok)
}

func TestMemoryCancelledContextIsNetworkError(t *testing.T) {
	m := seeded(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Select(ctx, querykey.Spec{Resource: "profiles"})
	assert.True(t, IsNetworkError(err))
}
