// Package capture converts source database change streams into change events.
package capture

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/perangel/changeflow"
)

// TableSchema describes the columns of a captured table, in ordinal order.
type TableSchema struct {
	Columns    []string
	Types      []string
	PrimaryKey []int
}

func (s *TableSchema) isKey(i int) bool {
	for _, k := range s.PrimaryKey {
		if k == i {
			return true
		}
	}
	return false
}

func (s *TableSchema) columnType(i int) string {
	if i < len(s.Types) {
		return s.Types[i]
	}
	return ""
}

// SchemaFromTableMap builds a TableSchema from the optional metadata of a
// table map event. Columns is empty unless the server logs full row
// metadata (binlog_row_metadata=FULL).
func SchemaFromTableMap(tm *replication.TableMapEvent) *TableSchema {
	s := &TableSchema{
		Columns:    make([]string, len(tm.ColumnName)),
		Types:      make([]string, len(tm.ColumnType)),
		PrimaryKey: make([]int, len(tm.PrimaryKey)),
	}
	for i, name := range tm.ColumnName {
		s.Columns[i] = string(name)
	}
	for i, t := range tm.ColumnType {
		s.Types[i] = mysqlTypeName(t)
	}
	for i, k := range tm.PrimaryKey {
		s.PrimaryKey[i] = int(k)
	}
	return s
}

// RowsKind maps a binlog rows event type to an event type.
func RowsKind(t replication.EventType) (changeflow.EventType, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return changeflow.EventTypeInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return changeflow.EventTypeUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return changeflow.EventTypeDelete, true
	}
	return "", false
}

// ConvertRows turns a rows event into one change event per row. Update rows
// come in [before, after] pairs; a column is marked changed when its value
// differs between the two images. The events carry no binlog position: a
// rows event is not a safe resume point, so the listener stamps the start of
// the enclosing transaction instead.
func ConvertRows(header *replication.EventHeader, ev *replication.RowsEvent, kind changeflow.EventType, schema *TableSchema, source changeflow.SourcingType) ([]*changeflow.ChangeEvent, error) {
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("no column names for table %s.%s", ev.Table.Schema, ev.Table.Table)
	}

	step := 1
	if kind == changeflow.EventTypeUpdate {
		step = 2
		if len(ev.Rows)%2 != 0 {
			return nil, fmt.Errorf("update rows event for %s.%s has an odd number of images", ev.Table.Schema, ev.Table.Table)
		}
	}

	count := len(ev.Rows) / step
	size := changeflow.DefaultEventSize
	if count > 0 && header.EventSize > 0 {
		size = int64(header.EventSize) / int64(count)
	}

	events := make([]*changeflow.ChangeEvent, 0, count)
	for i := 0; i < len(ev.Rows); i += step {
		e := changeflow.NewChangeEvent()
		e.SchemaName = string(ev.Table.Schema)
		e.TableName = string(ev.Table.Table)
		e.EventType = kind
		e.ExecuteTime = int64(header.Timestamp) * 1000
		e.SourcingType = source
		e.Size = size
		e.SetProps(map[string]string{})

		switch kind {
		case changeflow.EventTypeInsert:
			e.Keys, e.Columns = splitRow(ev.Rows[i], nil, schema, true)
			e.OldKeys = cloneKeys(e.Keys)
		case changeflow.EventTypeDelete:
			e.Keys, e.Columns = splitRow(ev.Rows[i], nil, schema, false)
			e.OldKeys = cloneKeys(e.Keys)
		case changeflow.EventTypeUpdate:
			e.OldKeys, _ = splitRow(ev.Rows[i], nil, schema, false)
			e.Keys, e.Columns = splitRow(ev.Rows[i+1], ev.Rows[i], schema, false)
		}

		events = append(events, e)
	}
	return events, nil
}

// splitRow separates key and non-key columns of a row image. With a before
// image, non-key columns are flagged changed when they differ from it.
func splitRow(row, before []interface{}, schema *TableSchema, allChanged bool) ([]*changeflow.EventColumn, []*changeflow.EventColumn) {
	keys := []*changeflow.EventColumn{}
	columns := []*changeflow.EventColumn{}
	for j := 0; j < len(row) && j < len(schema.Columns); j++ {
		value, isNull := formatValue(row[j])
		c := &changeflow.EventColumn{
			Index:  j,
			Name:   schema.Columns[j],
			Type:   schema.columnType(j),
			Value:  value,
			IsNull: isNull,
		}

		if schema.isKey(j) {
			c.IsKey = true
			keys = append(keys, c)
			continue
		}

		switch {
		case allChanged:
			c.IsUpdate = true
		case before != nil && j < len(before):
			prev, prevNull := formatValue(before[j])
			c.IsUpdate = prev != value || prevNull != isNull
		}
		columns = append(columns, c)
	}
	return keys, columns
}

func cloneKeys(keys []*changeflow.EventColumn) []*changeflow.EventColumn {
	clones := make([]*changeflow.EventColumn, len(keys))
	for i, k := range keys {
		clones[i] = k.Clone()
	}
	return clones
}

func formatValue(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case []byte:
		return string(t), false
	case string:
		return t, false
	case int8, int16, int32, int64, int, uint8, uint16, uint32, uint64, uint:
		return fmt.Sprintf("%d", t), false
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32), false
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), false
	default:
		return fmt.Sprint(t), false
	}
}

var ddlTableRegex = regexp.MustCompile("(?i)\\bTABLE\\s+(?:IF\\s+(?:NOT\\s+)?EXISTS\\s+)?([`\"\\w.]+)")

// ConvertQuery turns a query event into a DDL change event. Transaction
// control and other non-DDL statements return nil. A DDL statement commits on
// its own, so the event carries the position right after it.
func ConvertQuery(header *replication.EventHeader, ev *replication.QueryEvent, source changeflow.SourcingType) *changeflow.ChangeEvent {
	query := strings.TrimSpace(string(ev.Query))
	kind := DDLKind(query)
	if !kind.IsDDL() {
		return nil
	}

	e := changeflow.NewChangeEvent()
	e.EventType = kind
	e.SQL = query
	e.SchemaName = string(ev.Schema)
	e.DDLSchemaName = string(ev.Schema)
	e.ExecuteTime = int64(header.Timestamp) * 1000
	e.SourcingType = source
	e.SetProps(map[string]string{
		"log_pos": strconv.FormatUint(uint64(header.LogPos), 10),
	})

	if m := ddlTableRegex.FindStringSubmatch(query); m != nil {
		name := strings.NewReplacer("`", "", `"`, "").Replace(m[1])
		if parts := strings.SplitN(name, ".", 2); len(parts) == 2 {
			e.SchemaName, e.TableName = parts[0], parts[1]
		} else {
			e.TableName = name
		}
	}
	return e
}

// DDLKind classifies a statement by its leading keywords.
func DDLKind(query string) changeflow.EventType {
	fields := strings.Fields(strings.ToUpper(query))
	if len(fields) == 0 {
		return changeflow.EventTypeQuery
	}

	second := ""
	if len(fields) > 1 {
		second = fields[1]
	}
	isIndex := second == "INDEX" || second == "UNIQUE" || second == "FULLTEXT" || second == "SPATIAL"

	switch fields[0] {
	case "CREATE":
		if isIndex {
			return changeflow.EventTypeCreateIndex
		}
		return changeflow.EventTypeCreate
	case "ALTER":
		return changeflow.EventTypeAlter
	case "DROP":
		if isIndex {
			return changeflow.EventTypeDropIndex
		}
		return changeflow.EventTypeErase
	case "TRUNCATE":
		return changeflow.EventTypeTruncate
	case "RENAME":
		return changeflow.EventTypeRename
	}
	return changeflow.EventTypeQuery
}

func mysqlTypeName(t byte) string {
	switch t {
	case 1:
		return "tinyint"
	case 2:
		return "smallint"
	case 3:
		return "int"
	case 4:
		return "float"
	case 5:
		return "double"
	case 7, 17:
		return "timestamp"
	case 8:
		return "bigint"
	case 9:
		return "mediumint"
	case 10, 14:
		return "date"
	case 11, 19:
		return "time"
	case 12, 18:
		return "datetime"
	case 13:
		return "year"
	case 15, 253:
		return "varchar"
	case 16:
		return "bit"
	case 245:
		return "json"
	case 246:
		return "decimal"
	case 247:
		return "enum"
	case 248:
		return "set"
	case 252:
		return "blob"
	case 254:
		return "char"
	case 255:
		return "geometry"
	}
	return strconv.Itoa(int(t))
}
