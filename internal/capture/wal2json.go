package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/perangel/changeflow"
)

const wal2jsonTimestampLayout = "2006-01-02 15:04:05.999999999-07"

// Wal2JSONMessage represents a wal2json message object.
type Wal2JSONMessage struct {
	NextLSN   string            `json:"nextlsn"`
	Timestamp string            `json:"timestamp"`
	Changes   []*Wal2JSONChange `json:"changes"`
}

// Wal2JSONChange represents a row change within a Wal2JSONMessage.
type Wal2JSONChange struct {
	Kind         string           `json:"kind"`
	Schema       string           `json:"schema"`
	Table        string           `json:"table"`
	ColumnNames  []string         `json:"columnnames"`
	ColumnTypes  []string         `json:"columntypes"`
	ColumnValues []interface{}    `json:"columnvalues"`
	PK           *Wal2JSONPK      `json:"pk"`
	OldKeys      *Wal2JSONOldKeys `json:"oldkeys"`
}

// Wal2JSONPK represents the `pk` object emitted with include-pk.
type Wal2JSONPK struct {
	PKNames []string `json:"pknames"`
	PKTypes []string `json:"pktypes"`
}

// Wal2JSONOldKeys represents the `oldkeys` object in a Wal2JSON change
type Wal2JSONOldKeys struct {
	KeyNames  []string      `json:"keynames"`
	KeyTypes  []string      `json:"keytypes"`
	KeyValues []interface{} `json:"keyvalues"`
}

// ParseWal2JSON decodes a raw wal2json payload, keeping numbers verbatim.
func ParseWal2JSON(data []byte) (*Wal2JSONMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var msg Wal2JSONMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to parse wal2json: %w", err)
	}
	return &msg, nil
}

// ConvertWal2JSON turns every row change of a message into a change event.
// wal2json carries no before image for updated columns, so all of them are
// marked changed.
func ConvertWal2JSON(msg *Wal2JSONMessage, size int64) []*changeflow.ChangeEvent {
	executeTime := time.Now()
	if msg.Timestamp != "" {
		if ts, err := time.Parse(wal2jsonTimestampLayout, msg.Timestamp); err == nil {
			executeTime = ts
		}
	}

	events := make([]*changeflow.ChangeEvent, 0, len(msg.Changes))
	for _, change := range msg.Changes {
		kind := changeflow.ParseEventType(change.Kind)
		if !kind.IsDML() {
			continue
		}

		e := changeflow.NewChangeEvent()
		e.EventType = kind
		e.SchemaName = change.Schema
		e.TableName = change.Table
		e.ExecuteTime = executeTime.UnixNano() / int64(time.Millisecond)
		e.SourcingType = changeflow.SourcingTypePostgres
		e.Size = size
		props := map[string]string{}
		if msg.NextLSN != "" {
			props["next_lsn"] = msg.NextLSN
		}
		e.SetProps(props)

		pk := map[string]bool{}
		if change.PK != nil {
			for _, name := range change.PK.PKNames {
				pk[name] = true
			}
		}

		for i, name := range change.ColumnNames {
			var value interface{}
			if i < len(change.ColumnValues) {
				value = change.ColumnValues[i]
			}
			c := newWal2JSONColumn(i, name, typeAt(change.ColumnTypes, i), value)
			if pk[name] {
				c.IsKey = true
				e.Keys = append(e.Keys, c)
				continue
			}
			c.IsUpdate = true
			e.Columns = append(e.Columns, c)
		}

		var oldKeys []*changeflow.EventColumn
		if change.OldKeys != nil {
			for i, name := range change.OldKeys.KeyNames {
				var value interface{}
				if i < len(change.OldKeys.KeyValues) {
					value = change.OldKeys.KeyValues[i]
				}
				c := newWal2JSONColumn(i, name, typeAt(change.OldKeys.KeyTypes, i), value)
				c.IsKey = true
				oldKeys = append(oldKeys, c)
			}
		}

		switch {
		case kind.IsDelete():
			e.Keys = oldKeys
			e.OldKeys = cloneKeys(oldKeys)
		case len(oldKeys) > 0:
			e.OldKeys = oldKeys
		default:
			e.OldKeys = cloneKeys(e.Keys)
		}

		events = append(events, e)
	}
	return events
}

func newWal2JSONColumn(index int, name, colType string, value interface{}) *changeflow.EventColumn {
	c := changeflow.NewEventColumn(index, name, colType, "")
	switch v := value.(type) {
	case nil:
		c.IsNull = true
	case string:
		c.Value = v
	case json.Number:
		c.Value = v.String()
	case bool:
		c.Value = strconv.FormatBool(v)
	case float64:
		c.Value = strconv.FormatFloat(v, 'g', -1, 64)
	default:
		b, _ := json.Marshal(v)
		c.Value = string(b)
	}
	return c
}

func typeAt(types []string, i int) string {
	if i < len(types) {
		return types[i]
	}
	return ""
}
