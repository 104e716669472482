package changeflow

import (
	"fmt"
	"strings"
)

// SyncMode selects whether a row is applied as a whole or field by field.
type SyncMode string

// SyncMode constants
const (
	SyncModeRow   SyncMode = "row"
	SyncModeField SyncMode = "field"
)

// SyncConsistency selects where the applied values are read from.
type SyncConsistency string

// SyncConsistency constants
const (
	// SyncConsistencyBase reads the current row back from the source database.
	SyncConsistencyBase SyncConsistency = "base"
	// SyncConsistencyMedia applies the values carried by the captured event.
	SyncConsistencyMedia SyncConsistency = "media"
	// SyncConsistencyStore reads values from an intermediate store.
	SyncConsistencyStore SyncConsistency = "store"
)

// ParseSyncMode parses a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch m := SyncMode(strings.ToLower(s)); m {
	case SyncModeRow, SyncModeField:
		return m, nil
	}
	return "", fmt.Errorf("'%s' is not a valid sync mode. Must be one of: 'row', 'field'", s)
}

// ParseSyncConsistency parses a SyncConsistency.
func ParseSyncConsistency(s string) (SyncConsistency, error) {
	switch c := SyncConsistency(strings.ToLower(s)); c {
	case SyncConsistencyBase, SyncConsistencyMedia, SyncConsistencyStore:
		return c, nil
	}
	return "", fmt.Errorf("'%s' is not a valid sync consistency. Must be one of: 'base', 'media', 'store'", s)
}
