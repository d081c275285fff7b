package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestStore(t)
	list := key(t, "profiles", nil)
	detail := key(t, "profiles", map[string]querykey.Filter{"id": querykey.Eq("u1")})

	_, _ = src.UpsertEntity("profiles", profile("u1", "Dave"), 3)
	_, _ = src.UpsertEntity("profiles", profile("u2", "Ann"), 4)
	_, _ = src.UpsertEntity("profiles", profile("u3", "deleting"), 5)
	_, _ = src.Tombstone("profiles", "u3", 6)
	src.Land(list, "profiles", []string{"u2", "u1", "u3"}, 3, 4)
	src.Land(detail, "profiles", []string{"u1"}, 1, 3)
	src.Clock().Observe(9)

	st := src.Export()
	assert.Equal(t, int64(9), st.Clock)
	require.Len(t, st.Tables["profiles"], 2, "tombstoned rows are not exported")
	assert.Equal(t, "u1", st.Tables["profiles"][0].ID)

	dst := newTestStore(t)
	require.NoError(t, dst.Import(st))

	for _, k := range []querykey.Key{list, detail} {
		want, _ := src.Resolve(k)
		got, ok := dst.Resolve(k)
		require.True(t, ok)
		require.Len(t, got, len(want))
		for i := range want {
			assert.True(t, ir.Equal(want[i], got[i]))
		}
		ws, _ := src.Get(k)
		gs, _ := dst.Get(k)
		assert.Equal(t, ws.Meta.Total, gs.Meta.Total)
	}
	assert.GreaterOrEqual(t, dst.Clock().Current(), int64(9))
	assert.Equal(t, st, dst.Export())
}

func TestImportKeepsSubscriptions(t *testing.T) {
	s := newTestStore(t)
	k := key(t, "profiles", nil)
	sub := s.Subscribe(k, "profiles")
	defer sub.Close()

	st := &State{
		Tables: map[string][]EntityRecord{"profiles": {{ID: "u1", Seq: 2, Entity: profile("u1", "Dave")}}},
		Slots:  []SlotRecord{{Key: k, Resource: "profiles", IDs: []string{"u1"}, Total: 1, Seq: 2}},
	}
	require.NoError(t, s.Import(st))

	select {
	case <-sub.C():
	default:
		t.Fatal("subscriber should be woken by import")
	}
	slot, _ := s.Get(k)
	assert.Equal(t, 1, slot.Subscribers)
	assert.Equal(t, []string{"u1"}, slot.IDs)
	assert.Equal(t, int64(2), s.Clock().Current())
}

func TestImportRejectsInconsistentState(t *testing.T) {
	tests := []struct {
		name string
		st   *State
	}{
		{"id mismatch", &State{Tables: map[string][]EntityRecord{"p": {{ID: "a", Entity: profile("b", "x")}}}}},
		{"missing id", &State{Tables: map[string][]EntityRecord{"p": {{ID: "a", Entity: ir.Object{}}}}}},
		{"bad key", &State{Slots: []SlotRecord{{Key: "not json", Resource: "p"}}}},
		{"slot without resource", &State{Slots: []SlotRecord{{Key: querykey.MustEncode(querykey.Spec{Resource: "p"})}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			_, _ = s.UpsertEntity("profiles", profile("keep", "me"), 1)
			assert.Error(t, s.Import(tt.st))
			_, ok := s.Entity("profiles", "keep")
			assert.True(t, ok, "a rejected import leaves the store untouched")
		})
	}
}

func TestStateEmpty(t *testing.T) {
	var nilState *State
	assert.True(t, nilState.Empty())
	assert.True(t, newTestStore(t).Export().Empty())
}

func TestClockObserve(t *testing.T) {
	c := NewClock()
	c.Observe(5)
	c.Observe(3)
	assert.Equal(t, int64(5), c.Current())
	c.Observe(8)
	assert.Equal(t, int64(9), c.Next())
}
