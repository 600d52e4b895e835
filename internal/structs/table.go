package structs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Record is a typed view over a Struct.
type Record interface {
	Raw() *Struct
}

// Serializable is anything that can be written to NV memory.
type Serializable interface {
	Serialize(a Alignment) []byte
}

// TableSpec describes a homogeneous table of records.
type TableSpec[R Record] struct {
	Entry *Definition
	Wrap  func(*Struct) R
	// Occupied classifies entries. Used, Free and NextFree require it.
	Occupied func(R) bool
	// CountHeader marks tables stored inline with a leading uint16 count of
	// used entries.
	CountHeader bool
}

// FromCapacity returns a table of n default-initialised entries.
func (ts TableSpec[R]) FromCapacity(n int) *Table[R] {
	t := &Table[R]{spec: ts, entries: make([]R, n)}
	for i := range t.entries {
		t.entries[i] = ts.Wrap(ts.Entry.New())
	}
	return t
}

// FromBytes splits an inline table into entries. The entry layout is
// inferred from the buffer length and the requested alignment.
func (ts TableSpec[R]) FromBytes(data []byte, a Alignment) (*Table[R], error) {
	if ts.CountHeader {
		if len(data) < 2 {
			return nil, fmt.Errorf("structs: %s table: missing count header", ts.Entry.name)
		}
		data = data[2:]
	}
	size := ts.Entry.Size(a)
	if len(data)%size != 0 {
		return nil, fmt.Errorf("structs: %s table: %d bytes is not a multiple of the %s entry length %d",
			ts.Entry.name, len(data), a, size)
	}
	t := &Table[R]{spec: ts, entries: make([]R, 0, len(data)/size)}
	for off := 0; off < len(data); off += size {
		s, err := ts.Entry.Decode(data[off : off+size])
		if err != nil {
			return nil, err
		}
		t.entries = append(t.entries, ts.Wrap(s))
	}
	return t, nil
}

// FromEntryBuffers builds a table from individually fetched entries, which
// must all have the same length.
func (ts TableSpec[R]) FromEntryBuffers(bufs [][]byte) (*Table[R], error) {
	t := &Table[R]{spec: ts, entries: make([]R, 0, len(bufs))}
	for i, b := range bufs {
		if len(b) != len(bufs[0]) {
			return nil, fmt.Errorf("structs: %s table: entry %d is %d bytes, entry 0 is %d",
				ts.Entry.name, i, len(b), len(bufs[0]))
		}
		s, err := ts.Entry.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("structs: %s table entry %d: %w", ts.Entry.name, i, err)
		}
		t.entries = append(t.entries, ts.Wrap(s))
	}
	return t, nil
}

// Table is an ordered, fixed-capacity list of records.
type Table[R Record] struct {
	spec    TableSpec[R]
	entries []R
}

// Occupancy overrides the occupancy predicate.
func (t *Table[R]) Occupancy(fn func(R) bool) *Table[R] {
	t.spec.Occupied = fn
	return t
}

// Capacity returns the number of entries, used or not.
func (t *Table[R]) Capacity() int { return len(t.entries) }

// Entries returns all entries in table order.
func (t *Table[R]) Entries() []R { return t.entries }

// Entry returns the entry at position i.
func (t *Table[R]) Entry(i int) R { return t.entries[i] }

func (t *Table[R]) occupied() func(R) bool {
	if t.spec.Occupied == nil {
		panic(fmt.Sprintf("structs: %s table has no occupancy predicate", t.spec.Entry.name))
	}
	return t.spec.Occupied
}

// Used returns occupied entries in table order.
func (t *Table[R]) Used() []R {
	fn := t.occupied()
	var out []R
	for _, e := range t.entries {
		if fn(e) {
			out = append(out, e)
		}
	}
	return out
}

// Free returns unoccupied entries in table order.
func (t *Table[R]) Free() []R {
	fn := t.occupied()
	var out []R
	for _, e := range t.entries {
		if !fn(e) {
			out = append(out, e)
		}
	}
	return out
}

// NextFree returns the first unoccupied entry, or false when the table is
// full.
func (t *Table[R]) NextFree() (R, bool) {
	fn := t.occupied()
	for _, e := range t.entries {
		if !fn(e) {
			return e, true
		}
	}
	var zero R
	return zero, false
}

// IndexOf returns the position of the first entry with the same contents
// as e, or -1.
func (t *Table[R]) IndexOf(e R) int {
	for i, x := range t.entries {
		if x.Raw().Equal(e.Raw()) {
			return i
		}
	}
	return -1
}

// Serialize concatenates all entries, prefixed with the used-entry count
// for inline tables.
func (t *Table[R]) Serialize(a Alignment) []byte {
	var buf bytes.Buffer
	if t.spec.CountHeader {
		var hdr [2]byte
		binary.LittleEndian.PutUint16(hdr[:], uint16(len(t.Used())))
		buf.Write(hdr[:])
	}
	for _, e := range t.entries {
		buf.Write(e.Raw().Serialize(a))
	}
	return buf.Bytes()
}
