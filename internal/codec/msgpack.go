// Package codec serializes change events for transport.
//
// Events are encoded with msgpack. Enum-like fields travel by name so that
// consumers do not depend on the numeric values of SourcingType.
package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/perangel/changeflow"
)

// ContentType is the media type of encoded events.
const ContentType = "application/x-msgpack"

type wireColumn struct {
	Index    int    `msgpack:"index"`
	Name     string `msgpack:"name"`
	Type     string `msgpack:"type"`
	Value    string `msgpack:"value"`
	IsNull   bool   `msgpack:"is_null"`
	IsKey    bool   `msgpack:"is_key"`
	IsUpdate bool   `msgpack:"is_update"`
}

type wireEvent struct {
	TableID         int64             `msgpack:"table_id"`
	TableName       string            `msgpack:"table_name"`
	SchemaName      string            `msgpack:"schema_name"`
	LogicSchemaName string            `msgpack:"logic_schema_name,omitempty"`
	EventType       string            `msgpack:"event_type"`
	CommandType     string            `msgpack:"command_type,omitempty"`
	ExecuteTime     int64             `msgpack:"execute_time"`
	OldKeys         []*wireColumn     `msgpack:"old_keys"`
	Keys            []*wireColumn     `msgpack:"keys"`
	Columns         []*wireColumn     `msgpack:"columns"`
	Size            int64             `msgpack:"size"`
	PairID          int64             `msgpack:"pair_id"`
	SQL             string            `msgpack:"sql,omitempty"`
	DDLSchemaName   string            `msgpack:"ddl_schema_name,omitempty"`
	SyncMode        *string           `msgpack:"sync_mode,omitempty"`
	SyncConsistency *string           `msgpack:"sync_consistency,omitempty"`
	Remedy          bool              `msgpack:"remedy"`
	Hint            string            `msgpack:"hint,omitempty"`
	WithoutSchema   bool              `msgpack:"without_schema"`
	UsingShard      bool              `msgpack:"using_shard"`
	SourcingType    string            `msgpack:"sourcing_type"`
	Props           map[string]string `msgpack:"props"`
}

// Marshal encodes an event.
func Marshal(e *changeflow.ChangeEvent) ([]byte, error) {
	w := &wireEvent{
		TableID:         e.TableID,
		TableName:       e.TableName,
		SchemaName:      e.SchemaName,
		LogicSchemaName: e.LogicSchemaName,
		EventType:       string(e.EventType),
		CommandType:     e.CommandType,
		ExecuteTime:     e.ExecuteTime,
		OldKeys:         toWire(e.OldKeys),
		Keys:            toWire(e.Keys),
		Columns:         toWire(e.Columns),
		Size:            e.Size,
		PairID:          e.PairID,
		SQL:             e.SQL,
		DDLSchemaName:   e.DDLSchemaName,
		Remedy:          e.Remedy,
		Hint:            e.Hint,
		WithoutSchema:   e.WithoutSchema,
		UsingShard:      e.UsingShard,
		SourcingType:    e.SourcingType.String(),
		Props:           e.Props,
	}
	if e.SyncMode != nil {
		m := string(*e.SyncMode)
		w.SyncMode = &m
	}
	if e.SyncConsistency != nil {
		c := string(*e.SyncConsistency)
		w.SyncConsistency = &c
	}

	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("failed to encode change event: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(data []byte) (*changeflow.ChangeEvent, error) {
	var w wireEvent
	if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, fmt.Errorf("failed to decode change event: %w", err)
	}

	st, err := changeflow.ParseSourcingType(w.SourcingType)
	if err != nil {
		return nil, err
	}

	e := &changeflow.ChangeEvent{
		TableID:         w.TableID,
		TableName:       w.TableName,
		SchemaName:      w.SchemaName,
		LogicSchemaName: w.LogicSchemaName,
		EventType:       changeflow.EventType(w.EventType),
		CommandType:     w.CommandType,
		ExecuteTime:     w.ExecuteTime,
		OldKeys:         fromWire(w.OldKeys),
		Keys:            fromWire(w.Keys),
		Columns:         fromWire(w.Columns),
		Size:            w.Size,
		PairID:          w.PairID,
		SQL:             w.SQL,
		DDLSchemaName:   w.DDLSchemaName,
		Remedy:          w.Remedy,
		Hint:            w.Hint,
		WithoutSchema:   w.WithoutSchema,
		UsingShard:      w.UsingShard,
		SourcingType:    st,
		Props:           w.Props,
	}
	if w.SyncMode != nil {
		m, err := changeflow.ParseSyncMode(*w.SyncMode)
		if err != nil {
			return nil, err
		}
		e.SyncMode = &m
	}
	if w.SyncConsistency != nil {
		c, err := changeflow.ParseSyncConsistency(*w.SyncConsistency)
		if err != nil {
			return nil, err
		}
		e.SyncConsistency = &c
	}
	return e, nil
}

func toWire(cols []*changeflow.EventColumn) []*wireColumn {
	if cols == nil {
		return nil
	}
	out := make([]*wireColumn, len(cols))
	for i, c := range cols {
		out[i] = &wireColumn{
			Index:    c.Index,
			Name:     c.Name,
			Type:     c.Type,
			Value:    c.Value,
			IsNull:   c.IsNull,
			IsKey:    c.IsKey,
			IsUpdate: c.IsUpdate,
		}
	}
	return out
}

func fromWire(cols []*wireColumn) []*changeflow.EventColumn {
	out := make([]*changeflow.EventColumn, len(cols))
	for i, c := range cols {
		out[i] = &changeflow.EventColumn{
			Index:    c.Index,
			Name:     c.Name,
			Type:     c.Type,
			Value:    c.Value,
			IsNull:   c.IsNull,
			IsKey:    c.IsKey,
			IsUpdate: c.IsUpdate,
		}
	}
	return out
}
