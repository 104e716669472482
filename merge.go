package changeflow

import (
	"strconv"
	"strings"
)

// EventSet is a set of change events keyed by value equality.
type EventSet struct {
	buckets map[uint64][]*ChangeEvent
	size    int
}

// NewEventSet returns an empty EventSet.
func NewEventSet() *EventSet {
	return &EventSet{buckets: make(map[uint64][]*ChangeEvent)}
}

// Add inserts the event and reports whether it was not already present.
func (s *EventSet) Add(e *ChangeEvent) bool {
	h := e.Hash()
	for _, o := range s.buckets[h] {
		if o.Equal(e) {
			return false
		}
	}
	s.buckets[h] = append(s.buckets[h], e)
	s.size++
	return true
}

// Contains reports whether an equal event is in the set.
func (s *EventSet) Contains(e *ChangeEvent) bool {
	for _, o := range s.buckets[e.Hash()] {
		if o.Equal(e) {
			return true
		}
	}
	return false
}

// Len returns the number of events in the set.
func (s *EventSet) Len() int {
	return s.size
}

// Dedup drops row events that repeat the previous event on the same row of
// the same table, as a redelivered message does. An equal event that is not
// the latest one for its row is a real write and is kept. Non-DML events are
// always kept and end the comparison window.
func Dedup(events []*ChangeEvent) []*ChangeEvent {
	last := make(map[string]*ChangeEvent)
	out := make([]*ChangeEvent, 0, len(events))
	for _, e := range events {
		if !e.EventType.IsDML() {
			last = make(map[string]*ChangeEvent)
			out = append(out, e)
			continue
		}

		key := rowKey(e, e.Keys)
		if prev, ok := last[key]; ok && prev.Equal(e) {
			continue
		}
		if e.KeyChanged() {
			delete(last, rowKey(e, e.OldKeys))
		}
		last[key] = e
		out = append(out, e)
	}
	return out
}

// Merge coalesces DML events that touch the same row so that only the net
// effect of a batch is applied:
//     insert + update = insert
//     update + update = update (against the first old key)
//     insert/update + delete = delete (against the original key)
//     delete + insert = insert
// Events that are not DML act as barriers; nothing is merged across them.
// Merge takes ownership of the events and may mutate them.
func Merge(events []*ChangeEvent) []*ChangeEvent {
	m := newRowMerger(len(events))
	for _, e := range events {
		if !e.EventType.IsDML() {
			m.barrier()
			m.result = append(m.result, e)
			continue
		}
		switch e.EventType {
		case EventTypeInsert:
			m.mergeInsert(e)
		case EventTypeUpdate:
			m.mergeUpdate(e)
		case EventTypeDelete:
			m.mergeDelete(e)
		}
	}
	m.barrier()
	return m.result
}

type rowMerger struct {
	result  []*ChangeEvent
	pending []*ChangeEvent
	index   map[string]int
}

func newRowMerger(n int) *rowMerger {
	return &rowMerger{
		result: make([]*ChangeEvent, 0, n),
		index:  make(map[string]int),
	}
}

// barrier flushes pending rows to the result.
func (m *rowMerger) barrier() {
	for _, e := range m.pending {
		if e != nil {
			m.result = append(m.result, e)
		}
	}
	m.pending = m.pending[:0]
	m.index = make(map[string]int)
}

func (m *rowMerger) lookup(key string) (*ChangeEvent, int, bool) {
	pos, ok := m.index[key]
	if !ok {
		return nil, -1, false
	}
	return m.pending[pos], pos, true
}

func (m *rowMerger) put(key string, pos int, e *ChangeEvent) {
	if pos < 0 {
		m.pending = append(m.pending, e)
		pos = len(m.pending) - 1
	} else {
		m.pending[pos] = e
	}
	m.index[key] = pos
}

func (m *rowMerger) remove(key string) {
	if pos, ok := m.index[key]; ok {
		m.pending[pos] = nil
		delete(m.index, key)
	}
}

func (m *rowMerger) mergeInsert(e *ChangeEvent) {
	key := rowKey(e, e.Keys)
	_, pos, _ := m.lookup(key)
	m.put(key, pos, e)
}

func (m *rowMerger) mergeUpdate(e *ChangeEvent) {
	oldKeys := e.OldKeys
	if len(oldKeys) == 0 {
		oldKeys = e.Keys
	}
	oldKey := rowKey(e, oldKeys)
	newKey := rowKey(e, e.Keys)

	prev, pos, ok := m.lookup(oldKey)
	if ok && prev.EventType == EventTypeDelete {
		m.barrier()
		prev, pos, ok = nil, -1, false
	}
	if ok {
		switch prev.EventType {
		case EventTypeInsert:
			e.EventType = EventTypeInsert
			e.Columns = mergeColumns(prev.Columns, e.Columns)
			for _, c := range e.Columns {
				c.IsUpdate = true
			}
			e.OldKeys = cloneColumns(e.Keys)
		case EventTypeUpdate:
			e.Columns = mergeColumns(prev.Columns, e.Columns)
			if len(prev.OldKeys) > 0 {
				e.OldKeys = prev.OldKeys
			} else {
				e.OldKeys = prev.Keys
			}
		}
		m.remove(oldKey)
	}

	if newKey != oldKey {
		if _, _, taken := m.lookup(newKey); taken {
			// another pending mutation targets the new key; keep both in order
			m.barrier()
			pos = -1
		}
	}
	m.put(newKey, pos, e)
}

func (m *rowMerger) mergeDelete(e *ChangeEvent) {
	keys := e.OldKeys
	if len(keys) == 0 {
		keys = e.Keys
	}
	key := rowKey(e, keys)

	prev, pos, ok := m.lookup(key)
	if ok && prev.EventType == EventTypeUpdate && prev.KeyChanged() {
		// the row still lives under its original key in the target
		e.Keys = cloneColumns(prev.OldKeys)
		e.OldKeys = cloneColumns(prev.OldKeys)
		m.remove(key)
		key = rowKey(e, e.Keys)
		if _, _, taken := m.lookup(key); taken {
			m.barrier()
			pos = -1
		}
	}
	m.put(key, pos, e)
}

// mergeColumns overlays the changed columns of cur on prev, by name.
func mergeColumns(prev, cur []*EventColumn) []*EventColumn {
	byName := make(map[string]*EventColumn, len(cur))
	for _, c := range cur {
		byName[c.Name] = c
	}

	merged := make([]*EventColumn, 0, len(prev)+len(cur))
	seen := make(map[string]bool, len(prev))
	for _, p := range prev {
		seen[p.Name] = true
		c, ok := byName[p.Name]
		switch {
		case ok && c.IsUpdate:
			merged = append(merged, c)
		case ok:
			p.IsUpdate = p.IsUpdate || c.IsUpdate
			merged = append(merged, p)
		default:
			merged = append(merged, p)
		}
	}
	for _, c := range cur {
		if !seen[c.Name] {
			merged = append(merged, c)
		}
	}
	return merged
}

func rowKey(e *ChangeEvent, keys []*EventColumn) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(e.PairID, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.TableID, 10))
	b.WriteByte('|')
	b.WriteString(strconv.Quote(e.SchemaName))
	b.WriteByte('.')
	b.WriteString(strconv.Quote(e.TableName))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(strconv.Quote(k.Name))
		b.WriteByte('=')
		if k.IsNull {
			b.WriteString("NULL")
		} else {
			b.WriteString(strconv.Quote(k.Value))
		}
	}
	return b.String()
}
