package changeflow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Defaults for a newly constructed ChangeEvent.
const (
	UnsetTableID     int64 = -1
	UnsetPairID      int64 = -1
	DefaultEventSize int64 = 1024
)

// ErrPropsNotInitialized is returned by Clone when Props was never set. It is
// a construction-order bug upstream and must not be retried.
var ErrPropsNotInitialized = errors.New("change event props not initialized")

// ObjectData is the read-only view of a captured row that filters and routers
// work against.
type ObjectData interface {
	Table() (schema string, table string)
	Kind() EventType
	Source() SourcingType
	PrimaryKeys() []*EventColumn
	DataColumns() []*EventColumn
}

// ChangeEvent represents a single row-level mutation captured from a source
// database, on its way to a target.
//
// A ChangeEvent carries no synchronization. Ownership moves between pipeline
// stages over channels; a stage that needs to keep a copy while passing the
// event on must Clone it first.
type ChangeEvent struct {
	// TableID is the target-side table id, not the source catalog id.
	TableID         int64
	TableName       string
	SchemaName      string
	LogicSchemaName string
	EventType       EventType
	// CommandType is the source-native command for key-value sources.
	CommandType string
	// ExecuteTime is when the mutation happened at the source, in epoch millis.
	ExecuteTime int64
	// OldKeys and Keys hold the primary key before and after the mutation.
	// They only differ for updates that rewrite the key.
	OldKeys []*EventColumn
	Keys    []*EventColumn
	// Columns holds every non-key column.
	Columns []*EventColumn

	// Size is the estimated payload weight in bytes.
	Size   int64
	PairID int64
	// SQL is the statement text for DDL events.
	SQL             string
	DDLSchemaName   string
	SyncMode        *SyncMode
	SyncConsistency *SyncConsistency
	Remedy          bool
	Hint            string
	WithoutSchema   bool
	UsingShard      bool
	SourcingType    SourcingType
	Props           map[string]string
}

// NewChangeEvent returns a ChangeEvent with its defaults set.
func NewChangeEvent() *ChangeEvent {
	return &ChangeEvent{
		TableID: UnsetTableID,
		PairID:  UnsetPairID,
		Size:    DefaultEventSize,
		OldKeys: []*EventColumn{},
		Keys:    []*EventColumn{},
		Columns: []*EventColumn{},
	}
}

// SetProps replaces the extended properties.
func (e *ChangeEvent) SetProps(props map[string]string) {
	e.Props = props
}

// Table implements ObjectData.
func (e *ChangeEvent) Table() (string, string) {
	return e.SchemaName, e.TableName
}

// Kind implements ObjectData.
func (e *ChangeEvent) Kind() EventType {
	return e.EventType
}

// Source implements ObjectData.
func (e *ChangeEvent) Source() SourcingType {
	return e.SourcingType
}

// PrimaryKeys implements ObjectData.
func (e *ChangeEvent) PrimaryKeys() []*EventColumn {
	return e.Keys
}

// DataColumns implements ObjectData.
func (e *ChangeEvent) DataColumns() []*EventColumn {
	return e.Columns
}

// KeyChanged reports whether an update rewrote the primary key.
func (e *ChangeEvent) KeyChanged() bool {
	if len(e.OldKeys) == 0 {
		return false
	}
	if len(e.OldKeys) != len(e.Keys) {
		return true
	}
	for i := range e.Keys {
		if e.OldKeys[i].Name != e.Keys[i].Name ||
			e.OldKeys[i].Value != e.Keys[i].Value ||
			e.OldKeys[i].IsNull != e.Keys[i].IsNull {
			return true
		}
	}
	return false
}

// UpdatedColumns returns the columns whose value changed, in their original
// order. The returned slice is new; the columns are shared with the event.
func (e *ChangeEvent) UpdatedColumns() []*EventColumn {
	columns := make([]*EventColumn, 0, len(e.Columns))
	for _, c := range e.Columns {
		if c.IsUpdate {
			columns = append(columns, c)
		}
	}
	return columns
}

// Clone returns a deep copy of the event. Mutating the copy, or any column in
// it, never affects the original.
func (e *ChangeEvent) Clone() (*ChangeEvent, error) {
	if e.Props == nil {
		return nil, ErrPropsNotInitialized
	}

	props := make(map[string]string, len(e.Props))
	for k, v := range e.Props {
		props[k] = v
	}

	clone := &ChangeEvent{
		TableID:         e.TableID,
		TableName:       e.TableName,
		SchemaName:      e.SchemaName,
		LogicSchemaName: e.LogicSchemaName,
		EventType:       e.EventType,
		CommandType:     e.CommandType,
		ExecuteTime:     e.ExecuteTime,
		OldKeys:         cloneColumns(e.OldKeys),
		Keys:            cloneColumns(e.Keys),
		Columns:         cloneColumns(e.Columns),
		Size:            e.Size,
		PairID:          e.PairID,
		SQL:             e.SQL,
		DDLSchemaName:   e.DDLSchemaName,
		Remedy:          e.Remedy,
		Hint:            e.Hint,
		WithoutSchema:   e.WithoutSchema,
		UsingShard:      e.UsingShard,
		SourcingType:    e.SourcingType,
		Props:           props,
	}
	if e.SyncMode != nil {
		mode := *e.SyncMode
		clone.SyncMode = &mode
	}
	if e.SyncConsistency != nil {
		consistency := *e.SyncConsistency
		clone.SyncConsistency = &consistency
	}

	return clone, nil
}

// Equal reports whether two events describe the same mutation of the same row.
// Size, SQL, hints, props and override flags are annotations and are ignored.
// Keep in step with Hash.
func (e *ChangeEvent) Equal(o *ChangeEvent) bool {
	if e == o {
		return true
	}
	if e == nil || o == nil {
		return false
	}
	return e.TableID == o.TableID &&
		e.PairID == o.PairID &&
		e.SchemaName == o.SchemaName &&
		e.EventType == o.EventType &&
		e.ExecuteTime == o.ExecuteTime &&
		columnsEqual(e.OldKeys, o.OldKeys) &&
		columnsEqual(e.Keys, o.Keys) &&
		columnsEqual(e.Columns, o.Columns) &&
		e.SourcingType == o.SourcingType &&
		e.CommandType == o.CommandType
}

// Hash returns a stable hash over the fields compared by Equal.
func (e *ChangeEvent) Hash() uint64 {
	h := xxhash.New()
	writeInt(h, e.TableID)
	writeInt(h, e.PairID)
	writeString(h, e.SchemaName)
	writeString(h, string(e.EventType))
	writeInt(h, e.ExecuteTime)
	writeColumns(h, e.OldKeys)
	writeColumns(h, e.Keys)
	writeColumns(h, e.Columns)
	writeInt(h, int64(e.SourcingType))
	writeString(h, e.CommandType)
	return h.Sum64()
}

func writeInt(h *xxhash.Digest, v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, _ = h.Write(buf[:])
}

// strings are length-prefixed so that ("ab","c") and ("a","bc") differ.
func writeString(h *xxhash.Digest, s string) {
	writeInt(h, int64(len(s)))
	_, _ = h.WriteString(s)
}

func writeBool(h *xxhash.Digest, b bool) {
	if b {
		_, _ = h.Write([]byte{1})
		return
	}
	_, _ = h.Write([]byte{0})
}

func writeColumns(h *xxhash.Digest, columns []*EventColumn) {
	writeInt(h, int64(len(columns)))
	for _, c := range columns {
		if c == nil {
			writeInt(h, -1)
			continue
		}
		writeInt(h, int64(c.Index))
		writeString(h, c.Name)
		writeString(h, c.Type)
		writeString(h, c.Value)
		writeBool(h, c.IsNull)
		writeBool(h, c.IsKey)
		writeBool(h, c.IsUpdate)
	}
}

// String implements Stringer. Fields are written explicitly so the output
// stays the same when the struct layout changes.
func (e *ChangeEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "{table_id: %d, pair_id: %d, kind: %s, source: %s",
		e.TableID, e.PairID, e.EventType, e.SourcingType)
	fmt.Fprintf(&b, ", schema: %s, table: %s", e.SchemaName, e.TableName)
	if e.LogicSchemaName != "" {
		fmt.Fprintf(&b, ", logic_schema: %s", e.LogicSchemaName)
	}
	if e.CommandType != "" {
		fmt.Fprintf(&b, ", command: %s", e.CommandType)
	}
	fmt.Fprintf(&b, ", execute_time: %d, size: %d", e.ExecuteTime, e.Size)
	fmt.Fprintf(&b, ", old_keys: %s, keys: %s, columns: %s",
		formatColumns(e.OldKeys), formatColumns(e.Keys), formatColumns(e.Columns))
	if e.SQL != "" {
		fmt.Fprintf(&b, ", sql: %q", e.SQL)
	}
	if e.DDLSchemaName != "" {
		fmt.Fprintf(&b, ", ddl_schema: %s", e.DDLSchemaName)
	}
	if e.SyncMode != nil {
		fmt.Fprintf(&b, ", sync_mode: %s", *e.SyncMode)
	}
	if e.SyncConsistency != nil {
		fmt.Fprintf(&b, ", sync_consistency: %s", *e.SyncConsistency)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, ", hint: %q", e.Hint)
	}
	fmt.Fprintf(&b, ", remedy: %t, without_schema: %t, using_shard: %t",
		e.Remedy, e.WithoutSchema, e.UsingShard)
	if len(e.Props) > 0 {
		keys := make([]string, 0, len(e.Props))
		for k := range e.Props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + "=" + e.Props[k]
		}
		fmt.Fprintf(&b, ", props: [%s]", strings.Join(pairs, ", "))
	}
	b.WriteString("}")
	return b.String()
}

func formatColumns(columns []*EventColumn) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
