package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/mutate"
)

func TestUnmarshalChange(t *testing.T) {
	c, err := UnmarshalChange([]byte(`{"resource":"profiles","kind":"update","entity":{"id":"u1","full_name":"Dave2"}}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", c.ID, "id is taken from the entity")
	assert.Equal(t, ir.String("Dave2"), c.Entity["full_name"])

	c, err = UnmarshalChange([]byte(`{"resource":"profiles","kind":"insert","id":"u9","entity":{"full_name":"Nine"}}`))
	require.NoError(t, err)
	assert.Equal(t, ir.String("u9"), c.Entity["id"], "entity gets the change id")

	c, err = UnmarshalChange([]byte(`{"resource":"profiles","kind":"delete","id":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, KindDelete, c.Kind)
}

func TestUnmarshalChange_Invalid(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":         `{`,
		"no resource":      `{"kind":"delete","id":"u1"}`,
		"unknown kind":     `{"resource":"p","kind":"upsert","id":"u1"}`,
		"update no entity": `{"resource":"p","kind":"update","id":"u1"}`,
		"delete no id":     `{"resource":"p","kind":"delete"}`,
		"id mismatch":      `{"resource":"p","kind":"update","id":"u1","entity":{"id":"u2"}}`,
		"entity not obj":   `{"resource":"p","kind":"update","entity":[1]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalChange([]byte(payload))
			assert.ErrorIs(t, err, ErrInvalidChange)
		})
	}
}

func TestChangeMarshalRoundTrip(t *testing.T) {
	in := Change{Resource: "profiles", Kind: KindUpdate, ID: "u1", Entity: ir.MustObject(map[string]any{"id": "u1", "n": 2})}
	data, err := in.Marshal()
	require.NoError(t, err)
	out, err := UnmarshalChange(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFromCommit(t *testing.T) {
	row := ir.MustObject(map[string]any{"id": "srv-1", "full_name": "New"})

	c := FromCommit(mutate.Commit{Kind: mutate.KindCreate, Resource: "profiles", ID: "srv-1", Entity: row})
	assert.Equal(t, Change{Resource: "profiles", Kind: KindInsert, ID: "srv-1", Entity: row}, c)

	c = FromCommit(mutate.Commit{Kind: mutate.KindUpdate, Resource: "profiles", ID: "srv-1", Entity: row})
	assert.Equal(t, KindUpdate, c.Kind)

	c = FromCommit(mutate.Commit{Kind: mutate.KindDelete, Resource: "profiles", ID: "srv-1", Entity: row})
	assert.Equal(t, Change{Resource: "profiles", Kind: KindDelete, ID: "srv-1"}, c)
}
