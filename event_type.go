package changeflow

import (
	"strings"
)

// EventType is the business type of a row mutation.
type EventType string

// EventType constants
const (
	EventTypeInsert      EventType = "insert"
	EventTypeUpdate      EventType = "update"
	EventTypeDelete      EventType = "delete"
	EventTypeCreate      EventType = "create"
	EventTypeAlter       EventType = "alter"
	EventTypeErase       EventType = "erase"
	EventTypeQuery       EventType = "query"
	EventTypeTruncate    EventType = "truncate"
	EventTypeRename      EventType = "rename"
	EventTypeCreateIndex EventType = "cindex"
	EventTypeDropIndex   EventType = "dindex"
)

// ParseEventType parses an event type from either its name or its single
// letter code (I/U/D/C/A/E/Q/T/R). Unknown values map to EventTypeQuery.
func ParseEventType(s string) EventType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert", "i":
		return EventTypeInsert
	case "update", "u":
		return EventTypeUpdate
	case "delete", "d":
		return EventTypeDelete
	case "create", "c":
		return EventTypeCreate
	case "alter", "a":
		return EventTypeAlter
	case "erase", "drop", "e":
		return EventTypeErase
	case "truncate", "t":
		return EventTypeTruncate
	case "rename", "r":
		return EventTypeRename
	case "cindex":
		return EventTypeCreateIndex
	case "dindex":
		return EventTypeDropIndex
	default:
		return EventTypeQuery
	}
}

// IsInsert reports whether the event is an insert.
func (t EventType) IsInsert() bool { return t == EventTypeInsert }

// IsUpdate reports whether the event is an update.
func (t EventType) IsUpdate() bool { return t == EventTypeUpdate }

// IsDelete reports whether the event is a delete.
func (t EventType) IsDelete() bool { return t == EventTypeDelete }

// IsDML reports whether the event mutates row data.
func (t EventType) IsDML() bool {
	return t == EventTypeInsert || t == EventTypeUpdate || t == EventTypeDelete
}

// IsDDL reports whether the event carries a schema change statement.
func (t EventType) IsDDL() bool {
	switch t {
	case EventTypeCreate, EventTypeAlter, EventTypeErase, EventTypeTruncate,
		EventTypeRename, EventTypeCreateIndex, EventTypeDropIndex:
		return true
	}
	return false
}

func (t EventType) String() string {
	return string(t)
}
