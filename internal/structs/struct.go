// Package structs models the fixed-layout binary records stored in Z-Stack
// non-volatile memory.
//
// A Definition lists named members in order. Instances (Struct) always hold
// the unaligned, packed form of the record; the aligned form used by 32-bit
// ARM firmware is produced on Serialize and accepted by Decode.
package structs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Alignment selects the memory layout of serialized records.
type Alignment int

const (
	// Unaligned packs members without padding (8051-based CC2530/CC2531).
	Unaligned Alignment = iota
	// Aligned pads 16/32-bit members to even offsets (ARM-based CC26xx/CC13xx).
	Aligned
)

func (a Alignment) String() string {
	switch a {
	case Unaligned:
		return "unaligned"
	case Aligned:
		return "aligned"
	}
	return fmt.Sprintf("Alignment(%d)", int(a))
}

type kind uint8

const (
	kindUint8 kind = iota
	kindUint16
	kindUint32
	kindBytes
	kindReversed
	kindStruct
)

func (k kind) String() string {
	switch k {
	case kindUint8:
		return "uint8"
	case kindUint16:
		return "uint16"
	case kindUint32:
		return "uint32"
	case kindBytes:
		return "bytes"
	case kindReversed:
		return "reversed bytes"
	case kindStruct:
		return "struct"
	}
	return "unknown"
}

// Member describes one field of a Definition.
type Member struct {
	name string
	kind kind
	size int
	def  *Definition
}

// Uint8 declares a one-byte member.
func Uint8(name string) Member { return Member{name: name, kind: kindUint8, size: 1} }

// Uint16 declares a little-endian 16-bit member.
func Uint16(name string) Member { return Member{name: name, kind: kindUint16, size: 2} }

// Uint32 declares a little-endian 32-bit member.
func Uint32(name string) Member { return Member{name: name, kind: kindUint32, size: 4} }

// Bytes declares a fixed-length byte array member.
func Bytes(name string, n int) Member { return Member{name: name, kind: kindBytes, size: n} }

// ReversedBytes declares a fixed-length byte array member whose accessors
// present the bytes in reverse storage order (IEEE and extended PAN
// addresses are stored little-endian but displayed big-endian).
func ReversedBytes(name string, n int) Member {
	return Member{name: name, kind: kindReversed, size: n}
}

// Nested declares a member holding another record.
func Nested(name string, def *Definition) Member {
	if def == nil {
		panic("structs: nil nested definition for " + name)
	}
	return Member{name: name, kind: kindStruct, size: def.size, def: def}
}

// Definition is the immutable layout of a record.
type Definition struct {
	name     string
	members  []Member
	offsets  []int // unaligned offsets
	index    map[string]int
	size     int
	wide     bool // holds a 16/32-bit member, directly or nested
	padding  byte
	defaults []byte
}

// Define builds a record layout. Duplicate or empty member names panic.
func Define(name string, members ...Member) *Definition {
	d := &Definition{
		name:    name,
		members: members,
		offsets: make([]int, len(members)),
		index:   make(map[string]int, len(members)),
	}
	for i, m := range members {
		if m.name == "" {
			panic(fmt.Sprintf("structs: %s: member %d has no name", name, i))
		}
		if _, dup := d.index[m.name]; dup {
			panic(fmt.Sprintf("structs: %s: duplicate member %q", name, m.name))
		}
		if m.size <= 0 {
			panic(fmt.Sprintf("structs: %s: member %q has invalid size %d", name, m.name, m.size))
		}
		d.index[m.name] = i
		d.offsets[i] = d.size
		d.size += m.size
		switch m.kind {
		case kindUint16, kindUint32:
			d.wide = true
		case kindStruct:
			d.wide = d.wide || m.def.wide
		}
	}
	return d
}

// WithPadding sets the byte used to fill alignment gaps. Call only while
// declaring package-level definitions.
func (d *Definition) WithPadding(b byte) *Definition {
	d.padding = b
	return d
}

// WithDefault sets the initial contents of new instances.
func (d *Definition) WithDefault(data []byte) *Definition {
	if len(data) != d.size {
		panic(fmt.Sprintf("structs: %s: default is %d bytes, want %d", d.name, len(data), d.size))
	}
	d.defaults = bytes.Clone(data)
	return d
}

// Name returns the definition name.
func (d *Definition) Name() string { return d.name }

// Size returns the serialized length for the given alignment. Aligned
// records holding a 16 or 32-bit member are rounded up to an even length;
// byte-only records keep their packed length, as the compiler gives them
// no alignment.
func (d *Definition) Size(a Alignment) int {
	if a == Unaligned {
		return d.size
	}
	_, n := d.alignedOffsets(0)
	if d.wide {
		n += n % 2
	}
	return n
}

// alignedOffsets returns each member offset relative to the record start,
// and the unpadded aligned length, when the record begins at absolute
// offset base. Nested records inherit the absolute position so their 16/32
// bit members align the same way the compiler lays out the parent.
func (d *Definition) alignedOffsets(base int) ([]int, int) {
	offsets := make([]int, len(d.members))
	pos := base
	for i, m := range d.members {
		switch m.kind {
		case kindUint16, kindUint32:
			pos += pos % 2
			offsets[i] = pos - base
			pos += m.size
		case kindStruct:
			offsets[i] = pos - base
			_, n := m.def.alignedOffsets(pos)
			pos += n
		default:
			offsets[i] = pos - base
			pos += m.size
		}
	}
	return offsets, pos - base
}

// New returns an instance initialised from the default pattern, or zeros.
func (d *Definition) New() *Struct {
	buf := make([]byte, d.size)
	if d.defaults != nil {
		copy(buf, d.defaults)
	}
	return &Struct{def: d, buf: buf}
}

// LengthError reports a buffer that matches neither layout of a definition.
type LengthError struct {
	Definition string
	Got        int
	Unaligned  int
	Aligned    int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("structs: %s: data length %d matches neither unaligned (%d) nor aligned (%d) layout",
		e.Definition, e.Got, e.Unaligned, e.Aligned)
}

// Decode parses data in either layout, chosen by its length. The data is
// copied.
func (d *Definition) Decode(data []byte) (*Struct, error) {
	s := &Struct{def: d, buf: make([]byte, d.size)}
	switch len(data) {
	case d.size:
		copy(s.buf, data)
	case d.Size(Aligned):
		d.unpack(data, s.buf, 0)
	default:
		return nil, &LengthError{Definition: d.name, Got: len(data), Unaligned: d.size, Aligned: d.Size(Aligned)}
	}
	return s, nil
}

// MustDecode is Decode for data known to be well formed.
func (d *Definition) MustDecode(data []byte) *Struct {
	s, err := d.Decode(data)
	if err != nil {
		panic(err)
	}
	return s
}

// unpack copies members from an aligned buffer into the packed dst.
func (d *Definition) unpack(src, dst []byte, base int) {
	aligned, _ := d.alignedOffsets(base)
	for i, m := range d.members {
		from := src[aligned[i]:]
		to := dst[d.offsets[i] : d.offsets[i]+m.size]
		if m.kind == kindStruct {
			m.def.unpack(from, to, base+aligned[i])
			continue
		}
		copy(to, from[:m.size])
	}
}

// pack copies members from the packed src into the aligned dst.
func (d *Definition) pack(src, dst []byte, base int) {
	aligned, _ := d.alignedOffsets(base)
	for i, m := range d.members {
		from := src[d.offsets[i] : d.offsets[i]+m.size]
		to := dst[aligned[i]:]
		if m.kind == kindStruct {
			m.def.pack(from, to, base+aligned[i])
			continue
		}
		copy(to, from)
	}
}

func (d *Definition) member(name string, kinds ...kind) (Member, int) {
	i, ok := d.index[name]
	if !ok {
		panic(fmt.Sprintf("structs: %s has no member %q", d.name, name))
	}
	m := d.members[i]
	for _, k := range kinds {
		if m.kind == k {
			return m, d.offsets[i]
		}
	}
	panic(fmt.Sprintf("structs: %s.%s is %s, not %s", d.name, name, m.kind, kinds[0]))
}

// Struct is one record instance. Nested members returned by Child share
// the parent's storage, so writes through either are visible to both.
type Struct struct {
	def *Definition
	buf []byte
}

// Definition returns the layout of s.
func (s *Struct) Definition() *Definition { return s.def }

// Len returns the serialized length of s for the given alignment.
func (s *Struct) Len(a Alignment) int { return s.def.Size(a) }

// Serialize returns the record bytes in the requested layout.
func (s *Struct) Serialize(a Alignment) []byte {
	if a == Unaligned {
		return bytes.Clone(s.buf)
	}
	out := bytes.Repeat([]byte{s.def.padding}, s.def.Size(Aligned))
	s.def.pack(s.buf, out, 0)
	return out
}

// Equal reports whether both records have the same layout and contents.
func (s *Struct) Equal(o *Struct) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.def == o.def && bytes.Equal(s.buf, o.buf)
}

// Clone returns an independent copy of s.
func (s *Struct) Clone() *Struct {
	return &Struct{def: s.def, buf: bytes.Clone(s.buf)}
}

func (s *Struct) Uint8(name string) uint8 {
	_, off := s.def.member(name, kindUint8)
	return s.buf[off]
}

func (s *Struct) SetUint8(name string, v uint8) {
	_, off := s.def.member(name, kindUint8)
	s.buf[off] = v
}

func (s *Struct) Uint16(name string) uint16 {
	_, off := s.def.member(name, kindUint16)
	return binary.LittleEndian.Uint16(s.buf[off:])
}

func (s *Struct) SetUint16(name string, v uint16) {
	_, off := s.def.member(name, kindUint16)
	binary.LittleEndian.PutUint16(s.buf[off:], v)
}

func (s *Struct) Uint32(name string) uint32 {
	_, off := s.def.member(name, kindUint32)
	return binary.LittleEndian.Uint32(s.buf[off:])
}

func (s *Struct) SetUint32(name string, v uint32) {
	_, off := s.def.member(name, kindUint32)
	binary.LittleEndian.PutUint32(s.buf[off:], v)
}

// Bytes returns a copy of a byte array member, reversed for ReversedBytes
// members.
func (s *Struct) Bytes(name string) []byte {
	m, off := s.def.member(name, kindBytes, kindReversed)
	out := bytes.Clone(s.buf[off : off+m.size])
	if m.kind == kindReversed {
		reverse(out)
	}
	return out
}

// SetBytes replaces a byte array member. v must match the member length.
func (s *Struct) SetBytes(name string, v []byte) {
	m, off := s.def.member(name, kindBytes, kindReversed)
	if len(v) != m.size {
		panic(fmt.Sprintf("structs: %s.%s is %d bytes, got %d", s.def.name, name, m.size, len(v)))
	}
	dst := s.buf[off : off+m.size]
	copy(dst, v)
	if m.kind == kindReversed {
		reverse(dst)
	}
}

// Child returns a view of a nested member bound to the parent's storage.
func (s *Struct) Child(name string) *Struct {
	m, off := s.def.member(name, kindStruct)
	return &Struct{def: m.def, buf: s.buf[off : off+m.size : off+m.size]}
}

// SetChild copies v into a nested member.
func (s *Struct) SetChild(name string, v *Struct) {
	m, off := s.def.member(name, kindStruct)
	if v.def != m.def {
		panic(fmt.Sprintf("structs: %s.%s expects %s, got %s", s.def.name, name, m.def.name, v.def.name))
	}
	copy(s.buf[off:off+m.size], v.buf)
}

func (s *Struct) String() string {
	return fmt.Sprintf("%s{%X}", s.def.name, s.buf)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

func isFilled(b []byte, v byte) bool {
	for _, x := range b {
		if x != v {
			return false
		}
	}
	return true
}
