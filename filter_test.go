package changeflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableEvent(schema, table string) *ChangeEvent {
	e := NewChangeEvent()
	e.EventType = EventTypeInsert
	e.SchemaName = schema
	e.TableName = table
	return e
}

func TestTableFilter(t *testing.T) {
	f, err := NewTableFilter([]string{"shop.orders", "audit.*", "users", "tmp_*", " "})
	require.NoError(t, err)
	assert.False(t, f.Empty())

	testCases := []struct {
		schema, table string
		match         bool
	}{
		{"shop", "orders", true},
		{"shop", "order_items", false},
		{"audit", "anything", true},
		{"app", "users", true},
		{"other", "users", true},
		{"app", "tmp_import", true},
		{"app", "accounts", false},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.match, f.Match(tableEvent(tc.schema, tc.table)), "%s.%s", tc.schema, tc.table)
	}
}

func TestTableFilterInvalid(t *testing.T) {
	_, err := NewTableFilter([]string{"shop.[orders"})
	assert.Error(t, err)
}

func TestTableFilterEmpty(t *testing.T) {
	f, err := NewTableFilter(nil)
	require.NoError(t, err)
	assert.True(t, f.Empty())
	assert.False(t, f.Match(tableEvent("a", "b")))
}

func TestFilterStages(t *testing.T) {
	f, err := NewTableFilter([]string{"users"})
	require.NoError(t, err)

	users, posts := tableEvent("app", "users"), tableEvent("app", "posts")

	out, err := WhitelistStage(f)(users)
	assert.NoError(t, err)
	assert.Same(t, users, out)
	out, err = WhitelistStage(f)(posts)
	assert.NoError(t, err)
	assert.Nil(t, out)

	out, err = IgnoreStage(f)(users)
	assert.NoError(t, err)
	assert.Nil(t, out)
	out, err = IgnoreStage(f)(posts)
	assert.NoError(t, err)
	assert.Same(t, posts, out)
}
