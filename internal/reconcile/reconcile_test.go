package reconcile

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
	"github.com/roach88/entsync/internal/store"
)

func setup(t *testing.T) (*Reconciler, *store.Store) {
	t.Helper()
	s := store.New(store.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return New(s), s
}

func post(id string, published bool, title string) ir.Object {
	return ir.Object{"id": ir.String(id), "published": ir.Bool(published), "title": ir.String(title)}
}

func signalled(sub *store.Subscription) bool {
	select {
	case <-sub.C():
		return true
	default:
		return false
	}
}

func TestPropagateNotifiesReferencingSlotsOnly(t *testing.T) {
	r, s := setup(t)
	all := querykey.MustEncode(querykey.Spec{Resource: "posts"})
	one := querykey.MustEncode(querykey.Spec{Resource: "posts", Filters: map[string]querykey.Filter{"id": querykey.Eq("p1")}})
	other := querykey.MustEncode(querykey.Spec{Resource: "posts", Filters: map[string]querykey.Filter{"id": querykey.Eq("p2")}})

	_, err := r.Propagate("posts", post("p1", true, "hello"), 1)
	require.NoError(t, err)
	_, err = r.Propagate("posts", post("p2", true, "bye"), 1)
	require.NoError(t, err)
	s.Land(all, "posts", []string{"p1", "p2"}, 2, 1)
	s.Land(one, "posts", []string{"p1"}, 1, 1)
	s.Land(other, "posts", []string{"p2"}, 1, 1)

	subAll, subOne, subOther := s.Subscribe(all, "posts"), s.Subscribe(one, "posts"), s.Subscribe(other, "posts")
	defer subAll.Close()
	defer subOne.Close()
	defer subOther.Close()

	applied, err := r.Propagate("posts", post("p1", true, "hello again"), 2)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.True(t, signalled(subAll))
	assert.True(t, signalled(subOne))
	assert.False(t, signalled(subOther))

	for _, k := range []querykey.Key{all, one} {
		got, _ := s.Resolve(k)
		assert.Equal(t, ir.String("hello again"), got[0]["title"])
	}
	slot, _ := s.Get(all)
	assert.Equal(t, []string{"p1", "p2"}, slot.IDs)
}

func TestPropagateLosingWriteDoesNotNotify(t *testing.T) {
	r, s := setup(t)
	k := querykey.MustEncode(querykey.Spec{Resource: "posts"})
	_, _ = r.Propagate("posts", post("p1", true, "new"), 5)
	s.Land(k, "posts", []string{"p1"}, 1, 5)
	sub := s.Subscribe(k, "posts")
	defer sub.Close()

	applied, err := r.Propagate("posts", post("p1", true, "old"), 4)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.False(t, signalled(sub))
}

func TestMembershipFieldChangeMarksStaleWithoutMoving(t *testing.T) {
	r, s := setup(t)
	drafts := querykey.MustEncode(querykey.Spec{Resource: "posts", Filters: map[string]querykey.Filter{"published": querykey.Eq(false)}})
	byTitle := querykey.MustEncode(querykey.Spec{Resource: "posts", Filters: map[string]querykey.Filter{"title": querykey.ILike("%a%")}})

	_, _ = r.Propagate("posts", post("p1", false, "draft"), 1)
	s.Land(drafts, "posts", []string{"p1"}, 1, 1)
	s.Land(byTitle, "posts", []string{"p1"}, 1, 1)

	_, err := r.Propagate("posts", post("p1", true, "draft"), 2)
	require.NoError(t, err)

	slot, _ := s.Get(drafts)
	assert.Equal(t, []string{"p1"}, slot.IDs, "membership is not recomputed")
	assert.True(t, slot.Meta.Stale)

	slot, _ = s.Get(byTitle)
	assert.False(t, slot.Meta.Stale, "title did not change")
}

func TestRawFilterMarksStaleOnAnyChange(t *testing.T) {
	r, s := setup(t)
	k := querykey.MustEncode(querykey.Spec{Resource: "posts", Filters: map[string]querykey.Filter{"q": querykey.Raw("title=eq.x")}})
	_, _ = r.Propagate("posts", post("p1", false, "x"), 1)
	s.Land(k, "posts", []string{"p1"}, 1, 1)

	_, _ = r.Propagate("posts", post("p1", false, "y"), 2)
	slot, _ := s.Get(k)
	assert.True(t, slot.Meta.Stale)
}

func TestApplyAndRestore(t *testing.T) {
	r, s := setup(t)
	k := querykey.MustEncode(querykey.Spec{Resource: "posts"})
	_, _ = r.Propagate("posts", post("p1", false, "before"), 1)
	s.Land(k, "posts", []string{"p1"}, 1, 1)
	sub := s.Subscribe(k, "posts")
	defer sub.Close()

	ch, err := r.Apply("posts", "p1", 2, func(cur store.Record) (store.Record, error) {
		cur.Entity = ir.Merge(cur.Entity, ir.Object{"title": ir.String("after")})
		return cur, nil
	})
	require.NoError(t, err)
	require.True(t, ch.Applied)
	assert.True(t, signalled(sub))

	assert.True(t, r.Restore("posts", "p1", ch.Previous, 2))
	assert.True(t, signalled(sub))
	e, _ := s.Entity("posts", "p1")
	assert.True(t, ir.Equal(post("p1", false, "before"), e))
}

func TestRemoveDetachesThenRemoves(t *testing.T) {
	r, s := setup(t)
	k := querykey.MustEncode(querykey.Spec{Resource: "posts"})
	_, _ = r.Propagate("posts", post("p1", false, "x"), 1)
	_, _ = r.Propagate("posts", post("p2", false, "y"), 1)
	s.Land(k, "posts", []string{"p1", "p2"}, 2, 1)
	sub := s.Subscribe(k, "posts")
	defer sub.Close()

	r.Remove("posts", "p1", s.Clock().Next())
	assert.True(t, signalled(sub))

	slot, _ := s.Get(k)
	assert.Equal(t, []string{"p2"}, slot.IDs)
	_, ok := s.Lookup("posts", "p1")
	assert.False(t, ok)
}

func TestRemoveInStrictModeWithSubscribers(t *testing.T) {
	s := store.New(store.WithStrict(true), store.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r := New(s)
	k := querykey.MustEncode(querykey.Spec{Resource: "posts"})
	_, _ = r.Propagate("posts", post("p1", false, "x"), 1)
	s.Land(k, "posts", []string{"p1"}, 1, 1)
	sub := s.Subscribe(k, "posts")
	defer sub.Close()

	assert.NotPanics(t, func() { r.Remove("posts", "p1", 2) })
	slot, _ := s.Get(k)
	assert.Empty(t, slot.IDs)
}

func TestPropagateFetchedHeldByPinnedMutation(t *testing.T) {
	r, s := setup(t)
	k := querykey.MustEncode(querykey.Spec{Resource: "posts", Filters: map[string]querykey.Filter{"published": querykey.Eq(true)}})
	_, _ = r.Propagate("posts", post("p1", true, "draft"), 1)
	s.Land(k, "posts", []string{"p1"}, 1, 1)
	_, _ = r.Propagate("posts", post("p1", true, "optimistic"), 2)
	s.Pin("posts", "p1")

	ch, err := r.PropagateFetched("posts", post("p1", false, "draft"), 3)
	require.NoError(t, err)
	assert.True(t, ch.Held)
	e, _ := s.Entity("posts", "p1")
	assert.Equal(t, ir.String("optimistic"), e["title"])
	slot, _ := s.Get(k)
	assert.False(t, slot.Meta.Stale, "a held row changes nothing")

	s.Unpin("posts", "p1")
	ch, err = r.PropagateFetched("posts", post("p1", false, "published"), s.Clock().Next())
	require.NoError(t, err)
	assert.True(t, ch.Applied)
	slot, _ = s.Get(k)
	assert.True(t, slot.Meta.Stale, "an applied fetched row fans out like any write")
}
