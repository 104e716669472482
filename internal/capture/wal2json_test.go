package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perangel/changeflow"
)

const wal2jsonPayload = `{
	"nextlsn": "0/16B3748",
	"timestamp": "2019-05-21 17:47:12.391233+00",
	"changes": [
		{
			"kind": "insert",
			"schema": "public",
			"table": "users",
			"columnnames": ["id", "name", "score", "active", "meta"],
			"columntypes": ["integer", "text", "numeric", "boolean", "jsonb"],
			"columnvalues": [1, "ada", 12345678901234567890, true, null],
			"pk": {"pknames": ["id"], "pktypes": ["integer"]}
		},
		{
			"kind": "update",
			"schema": "public",
			"table": "users",
			"columnnames": ["id", "name"],
			"columntypes": ["integer", "text"],
			"columnvalues": [2, "grace"],
			"pk": {"pknames": ["id"], "pktypes": ["integer"]},
			"oldkeys": {"keynames": ["id"], "keytypes": ["integer"], "keyvalues": [1]}
		},
		{
			"kind": "delete",
			"schema": "public",
			"table": "users",
			"oldkeys": {"keynames": ["id"], "keytypes": ["integer"], "keyvalues": [2]}
		},
		{
			"kind": "message",
			"prefix": "wal2json"
		}
	]
}`

func TestParseWal2JSON(t *testing.T) {
	msg, err := ParseWal2JSON([]byte(wal2jsonPayload))
	require.NoError(t, err)
	assert.Equal(t, "0/16B3748", msg.NextLSN)
	assert.Len(t, msg.Changes, 4)

	_, err = ParseWal2JSON([]byte("{"))
	assert.Error(t, err)
}

func TestConvertWal2JSON(t *testing.T) {
	msg, err := ParseWal2JSON([]byte(wal2jsonPayload))
	require.NoError(t, err)

	events := ConvertWal2JSON(msg, 512)
	require.Len(t, events, 3)

	ts := time.Date(2019, 5, 21, 17, 47, 12, 391233000, time.UTC)
	for _, e := range events {
		assert.Equal(t, changeflow.SourcingTypePostgres, e.SourcingType)
		assert.Equal(t, "public", e.SchemaName)
		assert.Equal(t, "users", e.TableName)
		assert.Equal(t, int64(512), e.Size)
		assert.Equal(t, ts.UnixNano()/int64(time.Millisecond), e.ExecuteTime)
		assert.Equal(t, "0/16B3748", e.Props["next_lsn"])
	}

	t.Run("insert", func(t *testing.T) {
		e := events[0]
		assert.Equal(t, changeflow.EventTypeInsert, e.EventType)
		require.Len(t, e.Keys, 1)
		assert.Equal(t, "1", e.Keys[0].Value)
		assert.True(t, e.Keys[0].IsKey)
		assert.True(t, e.OldKeys[0].Equal(e.Keys[0]))

		require.Len(t, e.Columns, 4)
		assert.Equal(t, "ada", e.Columns[0].Value)
		assert.Equal(t, "12345678901234567890", e.Columns[1].Value)
		assert.Equal(t, "true", e.Columns[2].Value)
		assert.True(t, e.Columns[3].IsNull)
		assert.Equal(t, "jsonb", e.Columns[3].Type)
		assert.Len(t, e.UpdatedColumns(), 4)
	})

	t.Run("update with key change", func(t *testing.T) {
		e := events[1]
		assert.Equal(t, changeflow.EventTypeUpdate, e.EventType)
		assert.True(t, e.KeyChanged())
		assert.Equal(t, "1", e.OldKeys[0].Value)
		assert.Equal(t, "2", e.Keys[0].Value)
	})

	t.Run("delete", func(t *testing.T) {
		e := events[2]
		assert.Equal(t, changeflow.EventTypeDelete, e.EventType)
		require.Len(t, e.Keys, 1)
		assert.Equal(t, "2", e.Keys[0].Value)
		assert.Empty(t, e.Columns)
		assert.NotSame(t, e.Keys[0], e.OldKeys[0])
	})
}

func TestConvertWal2JSONWithoutTimestamp(t *testing.T) {
	before := time.Now()
	events := ConvertWal2JSON(&Wal2JSONMessage{
		Changes: []*Wal2JSONChange{{
			Kind:         "insert",
			Schema:       "public",
			Table:        "t",
			ColumnNames:  []string{"id"},
			ColumnValues: []interface{}{"x"},
		}},
	}, changeflow.DefaultEventSize)
	require.Len(t, events, 1)
	assert.GreaterOrEqual(t, events[0].ExecuteTime, before.UnixNano()/int64(time.Millisecond))
	assert.Empty(t, events[0].Props)
	assert.Empty(t, events[0].Keys)
}
