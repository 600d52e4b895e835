package structs

import "encoding/binary"

// IEEEAddr is a 64-bit extended address in display (big-endian) order.
type IEEEAddr [8]byte

// ExtPanID is a 64-bit extended PAN identifier in display order.
type ExtPanID [8]byte

// Key is a 128-bit security key.
type Key [16]byte

var (
	zeroAddr  = IEEEAddr{}
	emptyAddr = IEEEAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

func addr8(b []byte) [8]byte {
	var a [8]byte
	copy(a[:], b)
	return a
}

func key16(b []byte) Key {
	var k Key
	copy(k[:], b)
	return k
}

// AddressManagerUser flags who holds an address manager entry.
type AddressManagerUser uint8

const (
	AddrMgrUserDefault  AddressManagerUser = 0x00
	AddrMgrUserAssoc    AddressManagerUser = 0x01
	AddrMgrUserSecurity AddressManagerUser = 0x02
	AddrMgrUserBinding  AddressManagerUser = 0x04
	AddrMgrUserPrivate1 AddressManagerUser = 0x08
	// AddrMgrUserEmpty marks unused entries on Z-Stack 3.x.0 and newer.
	AddrMgrUserEmpty AddressManagerUser = 0xff
)

// AuthenticationOption is the security manager authentication state.
type AuthenticationOption uint8

const (
	AuthNotAuthenticated  AuthenticationOption = 0x00
	AuthAuthenticatedCBCK AuthenticationOption = 0x01
	AuthAuthenticatedEA   AuthenticationOption = 0x02
)

// TC link key attributes.
const (
	KeyAttrProvisional  uint8 = 0x00
	KeyAttrUnverified   uint8 = 0x01
	KeyAttrVerified     uint8 = 0x02
	KeyAttrNonR21Joined uint8 = 0x03
	KeyAttrDefault      uint8 = 0xff
)

// KeyTypeNormal is the only TC link key type written on restore.
const KeyTypeNormal uint8 = 0x00

// ---- address manager ----

var addressManagerEntryDef = Define("addressManagerEntry",
	Uint8("user"),
	Uint16("nwkAddr"),
	ReversedBytes("extAddr", 8),
).WithPadding(0xff)

// AddressManagerEntry maps a network address to an IEEE address.
type AddressManagerEntry struct{ *Struct }

func (e AddressManagerEntry) Raw() *Struct { return e.Struct }

func (e AddressManagerEntry) User() AddressManagerUser { return AddressManagerUser(e.Uint8("user")) }
func (e AddressManagerEntry) SetUser(u AddressManagerUser) { e.SetUint8("user", uint8(u)) }
func (e AddressManagerEntry) NwkAddr() uint16 { return e.Uint16("nwkAddr") }
func (e AddressManagerEntry) SetNwkAddr(v uint16) { e.SetUint16("nwkAddr", v) }
func (e AddressManagerEntry) ExtAddr() IEEEAddr { return addr8(e.Bytes("extAddr")) }
func (e AddressManagerEntry) SetExtAddr(a IEEEAddr) { e.SetBytes("extAddr", a[:]) }

// IsSet reports whether the entry holds a real device.
func (e AddressManagerEntry) IsSet() bool {
	ext := e.ExtAddr()
	return e.User() != AddrMgrUserDefault && ext != zeroAddr && ext != emptyAddr
}

// HasUser reports whether any of the given flags are set.
func (e AddressManagerEntry) HasUser(flags AddressManagerUser) bool {
	return e.User()&flags != 0
}

// MarkEmpty writes the empty-entry pattern used by Z-Stack 3.x.0.
func (e AddressManagerEntry) MarkEmpty() {
	e.SetUser(AddrMgrUserEmpty)
	e.SetNwkAddr(0xffff)
	e.SetExtAddr(emptyAddr)
}

// NeedsEmptyFixup reports an unused entry still carrying the pre-3.x.0
// empty pattern (user 0x00).
func (e AddressManagerEntry) NeedsEmptyFixup() bool {
	ext := e.ExtAddr()
	return e.User() == AddrMgrUserDefault && (ext == zeroAddr || ext == emptyAddr)
}

// AddressManagerTable is the address manager layout, stored inline in
// ADDRMGR or as extended entries.
var AddressManagerTable = TableSpec[AddressManagerEntry]{
	Entry:    addressManagerEntryDef,
	Wrap:     func(s *Struct) AddressManagerEntry { return AddressManagerEntry{s} },
	Occupied: AddressManagerEntry.IsSet,
}

// NewAddressManagerEntry returns a zeroed entry.
func NewAddressManagerEntry() AddressManagerEntry {
	return AddressManagerEntry{addressManagerEntryDef.New()}
}

// ---- security manager ----

var securityManagerEntryDef = Define("securityManagerEntry",
	Uint16("ami"),
	Uint16("keyNvId"),
	Uint8("authenticationOption"),
).WithDefault([]byte{0xfe, 0xff, 0x00, 0x00, 0x00})

// SecurityManagerEntry links an address manager index to a key slot.
type SecurityManagerEntry struct{ *Struct }

func (e SecurityManagerEntry) Raw() *Struct { return e.Struct }
func (e SecurityManagerEntry) AMI() uint16 { return e.Uint16("ami") }
func (e SecurityManagerEntry) SetAMI(v uint16) { e.SetUint16("ami", v) }
func (e SecurityManagerEntry) KeyNvID() uint16 { return e.Uint16("keyNvId") }
func (e SecurityManagerEntry) SetKeyNvID(v uint16) {
	e.SetUint16("keyNvId", v)
}
func (e SecurityManagerEntry) AuthenticationOption() AuthenticationOption {
	return AuthenticationOption(e.Uint8("authenticationOption"))
}
func (e SecurityManagerEntry) SetAuthenticationOption(v AuthenticationOption) {
	e.SetUint8("authenticationOption", uint8(v))
}

func (e SecurityManagerEntry) IsSet() bool {
	ami := e.AMI()
	return ami != 0xfffe && ami != 0xffff
}

// SecurityManagerTable is stored inline in APS_LINK_KEY_TABLE with a used
// count header.
var SecurityManagerTable = TableSpec[SecurityManagerEntry]{
	Entry:       securityManagerEntryDef,
	Wrap:        func(s *Struct) SecurityManagerEntry { return SecurityManagerEntry{s} },
	Occupied:    SecurityManagerEntry.IsSet,
	CountHeader: true,
}

// ---- APS link key data ----

var apsLinkKeyDataEntryDef = Define("apsLinkKeyDataEntry",
	Bytes("key", 16),
	Uint32("txFrmCntr"),
	Uint32("rxFrmCntr"),
)

// APSLinkKeyDataEntry is a stored unique link key with frame counters.
type APSLinkKeyDataEntry struct{ *Struct }

func (e APSLinkKeyDataEntry) Raw() *Struct { return e.Struct }
func (e APSLinkKeyDataEntry) Key() Key { return key16(e.Bytes("key")) }
func (e APSLinkKeyDataEntry) SetKey(k Key) { e.SetBytes("key", k[:]) }
func (e APSLinkKeyDataEntry) TxFrameCounter() uint32 { return e.Uint32("txFrmCntr") }
func (e APSLinkKeyDataEntry) SetTxFrameCounter(v uint32) {
	e.SetUint32("txFrmCntr", v)
}
func (e APSLinkKeyDataEntry) RxFrameCounter() uint32 { return e.Uint32("rxFrmCntr") }
func (e APSLinkKeyDataEntry) SetRxFrameCounter(v uint32) {
	e.SetUint32("rxFrmCntr", v)
}
func (e APSLinkKeyDataEntry) IsSet() bool { return e.Key() != Key{} }

var APSLinkKeyDataTable = TableSpec[APSLinkKeyDataEntry]{
	Entry:    apsLinkKeyDataEntryDef,
	Wrap:     func(s *Struct) APSLinkKeyDataEntry { return APSLinkKeyDataEntry{s} },
	Occupied: APSLinkKeyDataEntry.IsSet,
}

// ---- trust center link keys ----

var tcLinkKeyEntryDef = Define("apsTcLinkKeyEntry",
	Uint32("txFrmCntr"),
	Uint32("rxFrmCntr"),
	ReversedBytes("extAddr", 8),
	Uint8("keyAttributes"),
	Uint8("keyType"),
	Uint8("SeedShift_IcIndex"),
)

// TCLinkKeyEntry is a seed-derived trust center link key slot.
type TCLinkKeyEntry struct{ *Struct }

func (e TCLinkKeyEntry) Raw() *Struct { return e.Struct }
func (e TCLinkKeyEntry) TxFrameCounter() uint32 { return e.Uint32("txFrmCntr") }
func (e TCLinkKeyEntry) SetTxFrameCounter(v uint32) {
	e.SetUint32("txFrmCntr", v)
}
func (e TCLinkKeyEntry) RxFrameCounter() uint32 { return e.Uint32("rxFrmCntr") }
func (e TCLinkKeyEntry) SetRxFrameCounter(v uint32) {
	e.SetUint32("rxFrmCntr", v)
}
func (e TCLinkKeyEntry) ExtAddr() IEEEAddr { return addr8(e.Bytes("extAddr")) }
func (e TCLinkKeyEntry) SetExtAddr(a IEEEAddr) { e.SetBytes("extAddr", a[:]) }
func (e TCLinkKeyEntry) KeyAttributes() uint8 { return e.Uint8("keyAttributes") }
func (e TCLinkKeyEntry) SetKeyAttributes(v uint8) { e.SetUint8("keyAttributes", v) }
func (e TCLinkKeyEntry) KeyType() uint8 { return e.Uint8("keyType") }
func (e TCLinkKeyEntry) SetKeyType(v uint8) { e.SetUint8("keyType", v) }
func (e TCLinkKeyEntry) SeedShift() uint8 { return e.Uint8("SeedShift_IcIndex") }
func (e TCLinkKeyEntry) SetSeedShift(v uint8) { e.SetUint8("SeedShift_IcIndex", v) }
func (e TCLinkKeyEntry) IsSet() bool { return e.ExtAddr() != zeroAddr }

var TCLinkKeyTable = TableSpec[TCLinkKeyEntry]{
	Entry:    tcLinkKeyEntryDef,
	Wrap:     func(s *Struct) TCLinkKeyEntry { return TCLinkKeyEntry{s} },
	Occupied: TCLinkKeyEntry.IsSet,
}

// ---- network security material ----

var nwkSecMaterialEntryDef = Define("nwkSecMaterialDescriptorEntry",
	Uint32("FrameCounter"),
	ReversedBytes("extendedPanID", 8),
)

// NwkSecMaterialEntry holds the outgoing network frame counter for one
// extended PAN ID. The entry with an all-FF PAN ID is the generic one.
type NwkSecMaterialEntry struct{ *Struct }

func (e NwkSecMaterialEntry) Raw() *Struct { return e.Struct }
func (e NwkSecMaterialEntry) FrameCounter() uint32 { return e.Uint32("FrameCounter") }
func (e NwkSecMaterialEntry) SetFrameCounter(v uint32) { e.SetUint32("FrameCounter", v) }
func (e NwkSecMaterialEntry) ExtendedPanID() ExtPanID { return addr8(e.Bytes("extendedPanID")) }
func (e NwkSecMaterialEntry) SetExtendedPanID(p ExtPanID) {
	e.SetBytes("extendedPanID", p[:])
}
func (e NwkSecMaterialEntry) IsSet() bool { return e.ExtendedPanID() != ExtPanID{} }

// NewNwkSecMaterialEntry returns a zeroed entry.
func NewNwkSecMaterialEntry() NwkSecMaterialEntry {
	return NwkSecMaterialEntry{nwkSecMaterialEntryDef.New()}
}

var NwkSecMaterialTable = TableSpec[NwkSecMaterialEntry]{
	Entry:    nwkSecMaterialEntryDef,
	Wrap:     func(s *Struct) NwkSecMaterialEntry { return NwkSecMaterialEntry{s} },
	Occupied: NwkSecMaterialEntry.IsSet,
}

// GenericExtPanID identifies the catch-all security material entry.
var GenericExtPanID = ExtPanID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ---- keys ----

var nwkKeyDescriptorDef = Define("nwkKeyDescriptor",
	Uint8("keySeqNum"),
	Bytes("key", 16),
)

// KeyDescriptor is a network key with its sequence number.
type KeyDescriptor struct{ *Struct }

func (d KeyDescriptor) Raw() *Struct { return d.Struct }
func (d KeyDescriptor) KeySeqNum() uint8 { return d.Uint8("keySeqNum") }
func (d KeyDescriptor) SetKeySeqNum(v uint8) { d.SetUint8("keySeqNum", v) }
func (d KeyDescriptor) Key() Key { return key16(d.Bytes("key")) }
func (d KeyDescriptor) SetKey(k Key) { d.SetBytes("key", k[:]) }

func NewKeyDescriptor() KeyDescriptor { return KeyDescriptor{nwkKeyDescriptorDef.New()} }

func DecodeKeyDescriptor(data []byte) (KeyDescriptor, error) {
	s, err := nwkKeyDescriptorDef.Decode(data)
	if err != nil {
		return KeyDescriptor{}, err
	}
	return KeyDescriptor{s}, nil
}

var nwkActiveKeyItemsDef = Define("nwkActiveKeyItems",
	Nested("active", nwkKeyDescriptorDef),
	Uint32("frameCounter"),
)

// ActiveKeyItems is the NWKKEY item: the active key and its frame counter.
// Its stored length reveals the firmware alignment.
type ActiveKeyItems struct{ *Struct }

func (a ActiveKeyItems) Raw() *Struct { return a.Struct }
func (a ActiveKeyItems) Active() KeyDescriptor { return KeyDescriptor{a.Child("active")} }
func (a ActiveKeyItems) FrameCounter() uint32 { return a.Uint32("frameCounter") }
func (a ActiveKeyItems) SetFrameCounter(v uint32) {
	a.SetUint32("frameCounter", v)
}

func NewActiveKeyItems() ActiveKeyItems { return ActiveKeyItems{nwkActiveKeyItemsDef.New()} }

func DecodeActiveKeyItems(data []byte) (ActiveKeyItems, error) {
	s, err := nwkActiveKeyItemsDef.Decode(data)
	if err != nil {
		return ActiveKeyItems{}, err
	}
	return ActiveKeyItems{s}, nil
}

// ActiveKeyItemsSize returns the NWKKEY item length for an alignment.
func ActiveKeyItemsSize(a Alignment) int { return nwkActiveKeyItemsDef.Size(a) }

var nwkKeyDef = Define("nwkKey", Bytes("key", 16))

// NwkKey is a bare 16-byte key item such as the TCLK seed.
type NwkKey struct{ *Struct }

func (k NwkKey) Raw() *Struct { return k.Struct }
func (k NwkKey) Key() Key { return key16(k.Bytes("key")) }
func (k NwkKey) SetKey(v Key) { k.SetBytes("key", v[:]) }

func NewNwkKey(v Key) NwkKey {
	k := NwkKey{nwkKeyDef.New()}
	k.SetKey(v)
	return k
}

func DecodeNwkKey(data []byte) (NwkKey, error) {
	s, err := nwkKeyDef.Decode(data)
	if err != nil {
		return NwkKey{}, err
	}
	return NwkKey{s}, nil
}

// ---- small configuration items ----

// ConfiguredMarker is the value written once the adapter is commissioned.
const ConfiguredMarker uint8 = 0x55

var hasConfiguredDef = Define("hasConfigured", Uint8("hasConfigured"))

type HasConfigured struct{ *Struct }

func (h HasConfigured) Raw() *Struct { return h.Struct }

func (h HasConfigured) IsConfigured() bool { return h.Uint8("hasConfigured") == ConfiguredMarker }

// NewHasConfigured returns the marker item set to configured.
func NewHasConfigured() HasConfigured {
	h := HasConfigured{hasConfiguredDef.New()}
	h.SetUint8("hasConfigured", ConfiguredMarker)
	return h
}

func DecodeHasConfigured(data []byte) (HasConfigured, error) {
	s, err := hasConfiguredDef.Decode(data)
	if err != nil {
		return HasConfigured{}, err
	}
	return HasConfigured{s}, nil
}

var channelListDef = Define("channelList", Uint32("channelList"))

// NewChannelList returns the CHANLIST item for a channel bitmask.
func NewChannelList(mask uint32) *Struct {
	s := channelListDef.New()
	s.SetUint32("channelList", mask)
	return s
}

var panIDDef = Define("nwkPanId", Uint16("nwkPanId"))

// NewPanID returns the PANID item.
func NewPanID(id uint16) *Struct {
	s := panIDDef.New()
	s.SetUint16("nwkPanId", id)
	return s
}

// ExtendedPanIDItem returns the EXTENDED_PAN_ID item bytes (stored order).
func ExtendedPanIDItem(p ExtPanID) []byte {
	out := p[:]
	reverse(out)
	return out
}

// Uint8Item returns a one-byte item value.
func Uint8Item(v uint8) []byte { return []byte{v} }

// Uint32Item returns a little-endian 32-bit item value.
func Uint32Item(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}
