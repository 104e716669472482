package changeflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyColumn(name, value string) *EventColumn {
	c := NewEventColumn(0, name, "int", value)
	c.IsKey = true
	return c
}

func dataColumn(index int, name, value string, changed bool) *EventColumn {
	c := NewEventColumn(index, name, "varchar", value)
	c.IsUpdate = changed
	return c
}

func sampleEvent() *ChangeEvent {
	e := NewChangeEvent()
	e.TableID = 7
	e.PairID = 3
	e.SchemaName = "shop"
	e.TableName = "orders"
	e.EventType = EventTypeUpdate
	e.ExecuteTime = 1600000000000
	e.SourcingType = SourcingTypeMySQL
	e.OldKeys = []*EventColumn{keyColumn("id", "1")}
	e.Keys = []*EventColumn{keyColumn("id", "1")}
	e.Columns = []*EventColumn{
		dataColumn(1, "status", "paid", true),
		dataColumn(2, "note", "", false),
		dataColumn(3, "total", "10.50", true),
	}
	mode := SyncModeField
	e.SyncMode = &mode
	e.SetProps(map[string]string{"log_pos": "120"})
	return e
}

func TestNewChangeEvent(t *testing.T) {
	e := NewChangeEvent()
	assert.Equal(t, UnsetTableID, e.TableID)
	assert.Equal(t, UnsetPairID, e.PairID)
	assert.Equal(t, DefaultEventSize, e.Size)
	assert.NotNil(t, e.OldKeys)
	assert.NotNil(t, e.Keys)
	assert.NotNil(t, e.Columns)
	assert.Empty(t, e.UpdatedColumns())
	assert.Nil(t, e.Props)
}

func TestChangeEventObjectData(t *testing.T) {
	var od ObjectData = sampleEvent()
	schema, table := od.Table()
	assert.Equal(t, "shop", schema)
	assert.Equal(t, "orders", table)
	assert.Equal(t, EventTypeUpdate, od.Kind())
	assert.True(t, od.Source().IsMysql())
	assert.Len(t, od.PrimaryKeys(), 1)
	assert.Len(t, od.DataColumns(), 3)
}

func TestSetPropsReplaces(t *testing.T) {
	e := sampleEvent()
	e.SetProps(map[string]string{"other": "x"})
	assert.Equal(t, map[string]string{"other": "x"}, e.Props)
}

func TestUpdatedColumns(t *testing.T) {
	e := sampleEvent()
	updated := e.UpdatedColumns()
	require.Len(t, updated, 2)
	assert.Equal(t, "status", updated[0].Name)
	assert.Equal(t, "total", updated[1].Name)

	// the result is a new slice
	updated[0] = dataColumn(9, "injected", "x", true)
	assert.Equal(t, "status", e.Columns[0].Name)
	assert.Equal(t, updated[1:], e.UpdatedColumns()[1:])
}

func TestClone(t *testing.T) {
	e := sampleEvent()
	e.Hint = "FORCE INDEX(pk)"
	consistency := SyncConsistencyMedia
	e.SyncConsistency = &consistency

	clone, err := e.Clone()
	require.NoError(t, err)
	assert.True(t, clone.Equal(e))
	assert.True(t, e.Equal(clone))
	assert.Equal(t, e.Hash(), clone.Hash())
	assert.Equal(t, e.String(), clone.String())

	t.Run("scalar isolation", func(t *testing.T) {
		clone, err := e.Clone()
		require.NoError(t, err)
		clone.TableID = 99
		clone.SchemaName = "other"
		*clone.SyncMode = SyncModeRow
		*clone.SyncConsistency = SyncConsistencyBase
		assert.Equal(t, int64(7), e.TableID)
		assert.Equal(t, "shop", e.SchemaName)
		assert.Equal(t, SyncModeField, *e.SyncMode)
		assert.Equal(t, SyncConsistencyMedia, *e.SyncConsistency)
	})

	t.Run("column isolation", func(t *testing.T) {
		clone, err := e.Clone()
		require.NoError(t, err)
		clone.Columns[0].Value = "refunded"
		clone.Columns[1].IsUpdate = true
		clone.Keys[0].Value = "2"
		clone.OldKeys = append(clone.OldKeys, keyColumn("region", "eu"))
		assert.Equal(t, "paid", e.Columns[0].Value)
		assert.False(t, e.Columns[1].IsUpdate)
		assert.Equal(t, "1", e.Keys[0].Value)
		assert.Len(t, e.OldKeys, 1)
		assert.False(t, clone.Equal(e))
	})

	t.Run("props isolation", func(t *testing.T) {
		clone, err := e.Clone()
		require.NoError(t, err)
		clone.Props["log_pos"] = "999"
		clone.Props["extra"] = "y"
		assert.Equal(t, map[string]string{"log_pos": "120"}, e.Props)
	})

	t.Run("original mutation does not reach clone", func(t *testing.T) {
		orig := sampleEvent()
		clone, err := orig.Clone()
		require.NoError(t, err)
		orig.Columns[2].Value = "0"
		assert.Equal(t, "10.50", clone.Columns[2].Value)
	})
}

func TestCloneWithoutProps(t *testing.T) {
	e := sampleEvent()
	e.Props = nil
	clone, err := e.Clone()
	assert.Nil(t, clone)
	assert.ErrorIs(t, err, ErrPropsNotInitialized)
}

func TestInsertCloneRoundTrip(t *testing.T) {
	e := NewChangeEvent()
	e.EventType = EventTypeInsert
	e.OldKeys = []*EventColumn{keyColumn("id", "42")}
	e.Keys = []*EventColumn{keyColumn("id", "42")}
	e.Columns = []*EventColumn{dataColumn(1, "name", "a", false)}
	e.SetProps(map[string]string{})

	clone, err := e.Clone()
	require.NoError(t, err)
	assert.Empty(t, clone.UpdatedColumns())
	assert.Equal(t, e.UpdatedColumns(), clone.UpdatedColumns())
	assert.False(t, clone.KeyChanged())
}

func TestKeyChangingUpdate(t *testing.T) {
	e := sampleEvent()
	e.OldKeys = []*EventColumn{keyColumn("id", "1")}
	e.Keys = []*EventColumn{keyColumn("id", "2")}

	assert.True(t, e.KeyChanged())
	assert.Equal(t, "1", e.OldKeys[0].Value)
	assert.Equal(t, "2", e.Keys[0].Value)

	clone, err := e.Clone()
	require.NoError(t, err)
	assert.Equal(t, "1", clone.OldKeys[0].Value)
	assert.Equal(t, "2", clone.Keys[0].Value)
}

func TestEqualityLaws(t *testing.T) {
	a, b, c := sampleEvent(), sampleEvent(), sampleEvent()

	assert.True(t, a.Equal(a), "reflexive")
	assert.Equal(t, a.Equal(b), b.Equal(a), "symmetric")
	assert.True(t, a.Equal(b) && b.Equal(c) && a.Equal(c), "transitive")
	assert.Equal(t, a.Hash(), b.Hash())
	assert.False(t, a.Equal(nil))
}

func TestEqualityIgnoresAnnotations(t *testing.T) {
	a, b := sampleEvent(), sampleEvent()
	b.Hint = "/*+ USE_INDEX */"
	b.Size = 4096

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())

	b.SQL = "ignored"
	b.Remedy = true
	b.WithoutSchema = true
	b.UsingShard = true
	b.TableName = "renamed"
	b.SetProps(nil)
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestEqualityIdentityFields(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*ChangeEvent)
	}{
		{"table id", func(e *ChangeEvent) { e.TableID = 8 }},
		{"pair id", func(e *ChangeEvent) { e.PairID = 4 }},
		{"schema", func(e *ChangeEvent) { e.SchemaName = "shop2" }},
		{"event type", func(e *ChangeEvent) { e.EventType = EventTypeDelete }},
		{"execute time", func(e *ChangeEvent) { e.ExecuteTime++ }},
		{"old keys", func(e *ChangeEvent) { e.OldKeys[0].Value = "0" }},
		{"keys", func(e *ChangeEvent) { e.Keys[0].Value = "0" }},
		{"column value", func(e *ChangeEvent) { e.Columns[0].Value = "void" }},
		{"column flag", func(e *ChangeEvent) { e.Columns[1].IsUpdate = true }},
		{"sourcing type", func(e *ChangeEvent) { e.SourcingType = SourcingTypeTiDB }},
		{"command type", func(e *ChangeEvent) { e.CommandType = "SET" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := sampleEvent(), sampleEvent()
			tc.modify(b)
			assert.False(t, a.Equal(b))
			assert.False(t, b.Equal(a))
		})
	}
}

func TestEqualityColumnOrder(t *testing.T) {
	a, b := sampleEvent(), sampleEvent()
	b.Columns[0], b.Columns[2] = b.Columns[2], b.Columns[0]
	assert.False(t, a.Equal(b))
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestChangeEventString(t *testing.T) {
	e := sampleEvent()
	e.SetProps(map[string]string{"b": "2", "a": "1"})
	s := e.String()
	assert.Contains(t, s, "kind: update")
	assert.Contains(t, s, "source: mysql")
	assert.Contains(t, s, "schema: shop, table: orders")
	assert.Contains(t, s, "sync_mode: field")
	assert.Contains(t, s, "props: [a=1, b=2]")
}
