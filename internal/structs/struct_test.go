package structs

import (
	"bytes"
	"encoding/hex"
	"errors"
	"reflect"
	"testing"
)

const (
	nibAlignedHex   = "fb050279147900640000000105018f000700020d1e000000150000000000000000000000ffff0800000020000f0f0400010000000100000000779fd609004b1200010000000000000000000000000000000000000000000000000000000000000000000000003c0c0001780a0100000006020000"
	nibUnalignedHex = "fb050279147900640000000105018f0700020d1e00001500000000000000000000ffff08000020000f0f0400010000000100000000779fd609004b1200010000000000000000000000000000000000000000000000000000000000000000000000003c0c0001780a010000060200"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNIBLengths(t *testing.T) {
	if n := NIBSize(Unaligned); n != 110 {
		t.Errorf("unaligned NIB = %d bytes, want 110", n)
	}
	if n := NIBSize(Aligned); n != 116 {
		t.Errorf("aligned NIB = %d bytes, want 116", n)
	}
	if _, n := nibDef.alignedOffsets(0); n != 115 {
		t.Errorf("aligned NIB before final padding = %d bytes, want 115", n)
	}
}

func TestNIBAlignmentRoundTrip(t *testing.T) {
	aligned := mustHex(t, nibAlignedHex)
	unaligned := mustHex(t, nibUnalignedHex)

	nib, err := DecodeNIB(aligned)
	if err != nil {
		t.Fatal(err)
	}
	if got := nib.Serialize(Unaligned); !bytes.Equal(got, unaligned) {
		t.Errorf("unaligned = %x\nwant        %x", got, unaligned)
	}
	if got := nib.Serialize(Aligned); !bytes.Equal(got, aligned) {
		t.Errorf("aligned = %x\nwant      %x", got, aligned)
	}

	fromPacked, err := DecodeNIB(unaligned)
	if err != nil {
		t.Fatal(err)
	}
	if !nib.Equal(fromPacked.Struct) {
		t.Error("NIB decoded from packed bytes differs from aligned decode")
	}

	if v := nib.LogicalChannel(); v != 21 {
		t.Errorf("logical channel = %d, want 21", v)
	}
	if v := nib.PanID(); v != 0xffff {
		t.Errorf("pan id = 0x%04X, want 0xFFFF", v)
	}
	if v := nib.ChannelList(); v != 1<<21 {
		t.Errorf("channel list = 0x%08X, want 0x%08X", v, 1<<21)
	}
	if v, want := nib.ExtendedPanID(), (ExtPanID{0x00, 0x12, 0x4b, 0x00, 0x09, 0xd6, 0x9f, 0x77}); v != want {
		t.Errorf("ext pan id = %X, want %X", v, want)
	}
	if v := nib.SecurityLevel(); v != 5 {
		t.Errorf("security level = %d, want 5", v)
	}
}

func TestNIBPadOffsets(t *testing.T) {
	// Every byte the aligned layout injects must come from a gap, never
	// from a member.
	offsets, _ := nibDef.alignedOffsets(0)
	covered := make([]bool, NIBSize(Aligned))
	for i, m := range nibDef.members {
		for j := 0; j < m.size; j++ {
			covered[offsets[i]+j] = true
		}
	}
	var pads []int
	for i, c := range covered {
		if !c {
			pads = append(pads, i)
		}
	}
	if want := []int{15, 21, 25, 39, 109, 115}; !reflect.DeepEqual(pads, want) {
		t.Errorf("pad offsets = %v, want %v", pads, want)
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	_, err := DecodeNIB([]byte{0x01, 0x02, 0x03, 0x04})
	var lerr *LengthError
	if !errors.As(err, &lerr) {
		t.Fatalf("err = %v, want *LengthError", err)
	}
	if lerr.Got != 4 || lerr.Unaligned != 110 || lerr.Aligned != 116 {
		t.Errorf("length error = %+v", lerr)
	}
}

func TestAddressManagerEntryDecode(t *testing.T) {
	raw := mustHex(t, "0134120203040506070809")
	s, err := addressManagerEntryDef.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	e := AddressManagerEntry{s}

	if e.User() != AddrMgrUserAssoc {
		t.Errorf("user = 0x%02X, want 0x01", uint8(e.User()))
	}
	if e.NwkAddr() != 0x1234 {
		t.Errorf("nwk addr = 0x%04X, want 0x1234", e.NwkAddr())
	}
	if want := (IEEEAddr{0x09, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02}); e.ExtAddr() != want {
		t.Errorf("ext addr = %X, want %X", e.ExtAddr(), want)
	}
	if got := e.Serialize(Unaligned); !bytes.Equal(got, raw) {
		t.Errorf("serialize = %x, want %x", got, raw)
	}
}

func TestReversedBytes(t *testing.T) {
	e := NewAddressManagerEntry()
	e.SetExtAddr(IEEEAddr{0x09, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02})
	raw := e.Serialize(Unaligned)
	if want := []byte{0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}; !bytes.Equal(raw[3:], want) {
		t.Errorf("stored ext addr = %x, want %x", raw[3:], want)
	}
	if want := (IEEEAddr{0x09, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02}); e.ExtAddr() != want {
		t.Errorf("ext addr = %X, want %X", e.ExtAddr(), want)
	}
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func TestMisuseOfMembersPanics(t *testing.T) {
	nib := NewNIB()
	mustPanic(t, "short SetBytes", func() { nib.SetBytes("extendedPANID", make([]byte, 10)) })
	mustPanic(t, "unknown member", func() { nib.Uint8("noSuchMember") })
	mustPanic(t, "wrong kind", func() { nib.Uint16("SequenceNum") })
}

func TestNestedChildSharesStorage(t *testing.T) {
	items := NewActiveKeyItems()
	items.Active().SetKeySeqNum(3)
	items.Active().SetKey(Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	items.SetFrameCounter(0x01020304)

	raw := items.Serialize(Unaligned)
	if len(raw) != 21 {
		t.Fatalf("unaligned = %d bytes, want 21", len(raw))
	}
	if raw[0] != 3 || raw[16] != 16 {
		t.Errorf("nested descriptor not written through: %x", raw)
	}

	aligned := items.Serialize(Aligned)
	if len(aligned) != 22 {
		t.Fatalf("aligned = %d bytes, want 22", len(aligned))
	}
	if want := []byte{0x04, 0x03, 0x02, 0x01}; !bytes.Equal(aligned[18:22], want) {
		t.Errorf("frame counter = %x, want %x at offset 18", aligned[18:22], want)
	}
}

func TestAlignedPaddingByte(t *testing.T) {
	e := NewAddressManagerEntry()
	e.SetUser(AddrMgrUserAssoc)
	e.SetNwkAddr(0x1234)
	want := []byte{0x01, 0xff, 0x34, 0x12, 0, 0, 0, 0, 0, 0, 0, 0}
	if got := e.Serialize(Aligned); !bytes.Equal(got, want) {
		t.Errorf("aligned = %x, want %x", got, want)
	}
}

func TestByteOnlyRecordKeepsLengthWhenAligned(t *testing.T) {
	d := NewKeyDescriptor()
	d.SetKeySeqNum(7)
	d.SetKey(Key{0xaa, 0xbb})
	raw := d.Serialize(Aligned)
	if len(raw) != 17 {
		t.Fatalf("aligned key descriptor = %d bytes, want 17", len(raw))
	}
	if !bytes.Equal(raw, d.Serialize(Unaligned)) {
		t.Errorf("aligned %x differs from packed %x", raw, d.Serialize(Unaligned))
	}
	if _, err := DecodeKeyDescriptor(make([]byte, 18)); err == nil {
		t.Error("18-byte key descriptor accepted")
	}
}

func TestDefinitionRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		def       *Definition
		unaligned int
		aligned   int
	}{
		{"address manager", addressManagerEntryDef, 11, 12},
		{"security manager", securityManagerEntryDef, 5, 6},
		{"aps link key data", apsLinkKeyDataEntryDef, 24, 24},
		{"tc link key", tcLinkKeyEntryDef, 19, 20},
		{"sec material", nwkSecMaterialEntryDef, 12, 12},
		{"key descriptor", nwkKeyDescriptorDef, 17, 17},
		{"active key items", nwkActiveKeyItemsDef, 21, 22},
		{"nwk key", nwkKeyDef, 16, 16},
		{"has configured", hasConfiguredDef, 1, 1},
		{"channel list", channelListDef, 4, 4},
		{"pan id", panIDDef, 2, 2},
		{"nib", nibDef, 110, 116},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if n := tt.def.Size(Unaligned); n != tt.unaligned {
				t.Errorf("Size(unaligned) = %d, want %d", n, tt.unaligned)
			}
			if n := tt.def.Size(Aligned); n != tt.aligned {
				t.Errorf("Size(aligned) = %d, want %d", n, tt.aligned)
			}

			orig := tt.def.New()
			for i := range orig.buf {
				orig.buf[i] = byte(i*7 + 1)
			}
			for _, a := range []Alignment{Unaligned, Aligned} {
				raw := orig.Serialize(a)
				if len(raw) != tt.def.Size(a) {
					t.Errorf("%s: serialized %d bytes, want %d", a, len(raw), tt.def.Size(a))
				}
				got, err := tt.def.Decode(raw)
				if err != nil {
					t.Fatalf("%s: decode: %v", a, err)
				}
				if !got.Equal(orig) {
					t.Errorf("%s: decoded %v, want %v", a, got, orig)
				}
				if again := got.Serialize(a); !bytes.Equal(again, raw) {
					t.Errorf("%s: reserialized %x, want %x", a, again, raw)
				}
			}
		})
	}
}
