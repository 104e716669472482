package changeflow

import (
	"fmt"
)

// EventColumn represents a single column value in a ChangeEvent.
type EventColumn struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Value    string `json:"value"`
	IsNull   bool   `json:"is_null"`
	IsKey    bool   `json:"is_key"`
	IsUpdate bool   `json:"is_update"`
}

// NewEventColumn returns a non-null column.
func NewEventColumn(index int, name, colType, value string) *EventColumn {
	return &EventColumn{
		Index: index,
		Name:  name,
		Type:  colType,
		Value: value,
	}
}

// Clone returns an independent copy of the column.
func (c *EventColumn) Clone() *EventColumn {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Equal reports whether two columns carry the same identity, value and flags.
func (c *EventColumn) Equal(o *EventColumn) bool {
	if c == nil || o == nil {
		return c == o
	}
	return *c == *o
}

// String implements Stringer.
func (c *EventColumn) String() string {
	if c == nil {
		return "<nil>"
	}
	value := c.Value
	if c.IsNull {
		value = "NULL"
	}
	return fmt.Sprintf("{index: %d, name: %s, type: %s, value: %s, key: %t, update: %t}",
		c.Index, c.Name, c.Type, value, c.IsKey, c.IsUpdate)
}

func cloneColumns(columns []*EventColumn) []*EventColumn {
	if columns == nil {
		return nil
	}
	clones := make([]*EventColumn, len(columns))
	for i, c := range columns {
		clones[i] = c.Clone()
	}
	return clones
}

func columnsEqual(a, b []*EventColumn) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
