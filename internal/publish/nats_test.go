package publish

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perangel/changeflow"
	"github.com/perangel/changeflow/internal/codec"
)

type fakeConn struct {
	msgs       []*nats.Msg
	flushes    int
	closed     bool
	publishErr error
	flushErr   error
}

func (c *fakeConn) PublishMsg(msg *nats.Msg) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Flush() error {
	c.flushes++
	return c.flushErr
}

func (c *fakeConn) Close() {
	c.closed = true
}

func tableEvent(schema, table string, kind changeflow.EventType) *changeflow.ChangeEvent {
	e := changeflow.NewChangeEvent()
	e.SourcingType = changeflow.SourcingTypeMySQL
	e.EventType = kind
	e.SchemaName = schema
	e.TableName = table
	id := changeflow.NewEventColumn(0, "id", "int", "1")
	id.IsKey = true
	e.Keys = []*changeflow.EventColumn{id}
	e.SetProps(map[string]string{})
	return e
}

func TestSubject(t *testing.T) {
	p := New(&fakeConn{}, "cdc")

	testCases := []struct {
		name    string
		event   *changeflow.ChangeEvent
		subject string
	}{
		{"plain", tableEvent("shop", "orders", changeflow.EventTypeInsert), "cdc.shop.orders"},
		{"dotted table", tableEvent("shop", "orders.v2", changeflow.EventTypeInsert), "cdc.shop.orders_v2"},
		{"wildcards", tableEvent("sh*p", "ord>rs", changeflow.EventTypeInsert), "cdc.sh_p.ord_rs"},
		{"whitespace", tableEvent("my shop", "orders", changeflow.EventTypeInsert), "cdc.my_shop.orders"},
		{"empty schema", tableEvent("", "orders", changeflow.EventTypeInsert), "cdc._.orders"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.subject, p.Subject(tc.event))
		})
	}

	t.Run("shard", func(t *testing.T) {
		e := tableEvent("shop_07", "orders", changeflow.EventTypeInsert)
		e.UsingShard = true
		e.LogicSchemaName = "shop"
		assert.Equal(t, "cdc.shop.orders", p.Subject(e))
	})
}

func TestPublish(t *testing.T) {
	conn := &fakeConn{}
	p := New(conn, "cdc")

	batch := []*changeflow.ChangeEvent{
		tableEvent("shop", "orders", changeflow.EventTypeInsert),
		tableEvent("shop", "customers", changeflow.EventTypeDelete),
	}
	require.NoError(t, p.Publish(batch))

	require.Len(t, conn.msgs, 2)
	assert.Equal(t, 1, conn.flushes)

	msg := conn.msgs[1]
	assert.Equal(t, "cdc.shop.customers", msg.Subject)
	assert.Equal(t, codec.ContentType, msg.Header.Get("Content-Type"))
	assert.Equal(t, "delete", msg.Header.Get("Event-Type"))

	got, err := codec.Unmarshal(msg.Data)
	require.NoError(t, err)
	assert.True(t, batch[1].Equal(got))

	p.Close()
	assert.True(t, conn.closed)
}

func TestPublishErrors(t *testing.T) {
	boom := errors.New("boom")

	conn := &fakeConn{publishErr: boom}
	err := New(conn, "cdc").Publish([]*changeflow.ChangeEvent{tableEvent("shop", "orders", changeflow.EventTypeInsert)})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, conn.flushes)

	conn = &fakeConn{flushErr: boom}
	err = New(conn, "cdc").Publish([]*changeflow.ChangeEvent{tableEvent("shop", "orders", changeflow.EventTypeInsert)})
	assert.ErrorIs(t, err, boom)
}
