package structs

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func TestSecurityManagerTableSerialize(t *testing.T) {
	table := SecurityManagerTable.FromCapacity(8)
	if n := len(table.Used()); n != 0 {
		t.Errorf("used = %d, want 0", n)
	}
	if n := len(table.Free()); n != 8 {
		t.Errorf("free = %d, want 8", n)
	}

	tests := []struct {
		align Alignment
		want  string
	}{
		{Unaligned, "0000feff000000feff000000feff000000feff000000feff000000feff000000feff000000feff000000"},
		{Aligned, "0000feff00000000feff00000000feff00000000feff00000000feff00000000feff00000000feff00000000feff00000000"},
	}
	for _, tt := range tests {
		if got := hex.EncodeToString(table.Serialize(tt.align)); got != tt.want {
			t.Errorf("%s = %s\nwant %s", tt.align, got, tt.want)
		}
	}
}

func TestCountHeaderTracksUsedEntries(t *testing.T) {
	table := SecurityManagerTable.FromCapacity(4)
	e, ok := table.NextFree()
	if !ok {
		t.Fatal("no free entry in empty table")
	}
	e.SetAMI(0)
	e.SetKeyNvID(0x0201)
	e.SetAuthenticationOption(AuthAuthenticatedCBCK)

	raw := table.Serialize(Unaligned)
	if !bytes.Equal(raw[:2], []byte{0x01, 0x00}) {
		t.Errorf("count header = %x, want 0100", raw[:2])
	}

	parsed, err := SecurityManagerTable.FromBytes(raw, Unaligned)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Capacity() != 4 {
		t.Fatalf("capacity = %d, want 4", parsed.Capacity())
	}
	used := parsed.Used()
	if len(used) != 1 {
		t.Fatalf("used = %d, want 1", len(used))
	}
	if used[0].KeyNvID() != 0x0201 {
		t.Errorf("key nv id = 0x%04X, want 0x0201", used[0].KeyNvID())
	}
	if used[0].AuthenticationOption() != AuthAuthenticatedCBCK {
		t.Errorf("auth option = %d, want %d", used[0].AuthenticationOption(), AuthAuthenticatedCBCK)
	}
}

func TestFromBytesIndivisible(t *testing.T) {
	_, err := SecurityManagerTable.FromBytes(make([]byte, 91), Unaligned)
	if err == nil {
		t.Fatal("91-byte table accepted")
	}
	if !strings.Contains(err.Error(), "not a multiple") {
		t.Errorf("err = %v", err)
	}
}

func TestFromEntryBuffersMismatchedLengths(t *testing.T) {
	_, err := SecurityManagerTable.FromEntryBuffers([][]byte{make([]byte, 5), make([]byte, 6)})
	if err == nil {
		t.Error("mixed entry lengths accepted")
	}
}

func TestFromEntryBuffersAligned(t *testing.T) {
	e := NewAddressManagerEntry()
	e.SetUser(AddrMgrUserAssoc | AddrMgrUserSecurity)
	e.SetNwkAddr(0xabcd)
	e.SetExtAddr(IEEEAddr{0x00, 0x12, 0x4b, 0x00, 0x01, 0x02, 0x03, 0x04})

	empty := NewAddressManagerEntry()
	table, err := AddressManagerTable.FromEntryBuffers([][]byte{
		e.Serialize(Aligned),
		empty.Serialize(Aligned),
	})
	if err != nil {
		t.Fatal(err)
	}
	if table.Capacity() != 2 {
		t.Fatalf("capacity = %d, want 2", table.Capacity())
	}

	used := table.Used()
	if len(used) != 1 {
		t.Fatalf("used = %d, want 1", len(used))
	}
	if used[0].NwkAddr() != 0xabcd {
		t.Errorf("nwk addr = 0x%04X, want 0xABCD", used[0].NwkAddr())
	}
	if i := table.IndexOf(e); i != 0 {
		t.Errorf("IndexOf(entry) = %d, want 0", i)
	}
	if i := table.IndexOf(empty); i != 1 {
		t.Errorf("IndexOf(empty) = %d, want 1", i)
	}
}

func TestNextFreeOnFullTable(t *testing.T) {
	table := NwkSecMaterialTable.FromCapacity(2)
	for _, e := range table.Entries() {
		e.SetExtendedPanID(GenericExtPanID)
	}
	if _, ok := table.NextFree(); ok {
		t.Error("full table reported a free entry")
	}
	if n := len(table.Used()); n != 2 {
		t.Errorf("used = %d, want 2", n)
	}
}

func TestIndexOfAbsent(t *testing.T) {
	table := TCLinkKeyTable.FromCapacity(3)
	other := TCLinkKeyTable.FromCapacity(1).Entry(0)
	other.SetExtAddr(IEEEAddr{1, 2, 3, 4, 5, 6, 7, 8})
	if i := table.IndexOf(other); i != -1 {
		t.Errorf("IndexOf(foreign entry) = %d, want -1", i)
	}
}

func TestTableWithoutOccupancyPanics(t *testing.T) {
	spec := NwkSecMaterialTable
	spec.Occupied = nil
	table := spec.FromCapacity(2)
	mustPanic(t, "Used without occupancy", func() { table.Used() })

	table.Occupancy(func(e NwkSecMaterialEntry) bool { return e.FrameCounter() > 0 })
	table.Entry(1).SetFrameCounter(5)
	if n := len(table.Used()); n != 1 {
		t.Errorf("used = %d, want 1", n)
	}
}

func TestAddressManagerIsSet(t *testing.T) {
	tests := []struct {
		name string
		user AddressManagerUser
		addr IEEEAddr
		want bool
	}{
		{"assoc device", AddrMgrUserAssoc, IEEEAddr{0, 0x12, 0x4b, 0, 1, 2, 3, 4}, true},
		{"default user", AddrMgrUserDefault, IEEEAddr{0, 0x12, 0x4b, 0, 1, 2, 3, 4}, false},
		{"zero address", AddrMgrUserAssoc, IEEEAddr{}, false},
		{"ff address", AddrMgrUserEmpty, emptyAddr, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewAddressManagerEntry()
			e.SetUser(tt.user)
			e.SetExtAddr(tt.addr)
			if got := e.IsSet(); got != tt.want {
				t.Errorf("IsSet() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarkEmpty(t *testing.T) {
	e := NewAddressManagerEntry()
	if !e.NeedsEmptyFixup() {
		t.Error("fresh entry should need the empty fixup")
	}
	e.MarkEmpty()
	if e.NeedsEmptyFixup() {
		t.Error("marked entry still needs the fixup")
	}
	if e.IsSet() {
		t.Error("marked entry reports set")
	}
	if e.NwkAddr() != 0xffff {
		t.Errorf("nwk addr = 0x%04X, want 0xFFFF", e.NwkAddr())
	}
}
