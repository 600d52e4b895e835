package backup

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
)

// UnifiedFormat identifies open coordinator backup documents.
const UnifiedFormat = "zigpy/open-coordinator-backup"

// Source is recorded in the metadata of exported documents.
var Source = "zstack-go-home"

// UnifiedDocument is version 1 of the open coordinator backup format.
type UnifiedDocument struct {
	Metadata        UnifiedMetadata       `json:"metadata"`
	StackSpecific   *UnifiedStackSpecific `json:"stack_specific,omitempty"`
	CoordinatorIEEE string                `json:"coordinator_ieee"`
	PanID           string                `json:"pan_id"`
	ExtendedPanID   string                `json:"extended_pan_id"`
	SecurityLevel   uint8                 `json:"security_level"`
	NwkUpdateID     uint8                 `json:"nwk_update_id"`
	Channel         uint8                 `json:"channel"`
	ChannelMask     []int                 `json:"channel_mask"`
	NetworkKey      UnifiedNetworkKey     `json:"network_key"`
	Devices         []UnifiedDevice       `json:"devices"`
}

type UnifiedMetadata struct {
	Format   string          `json:"format"`
	Version  int             `json:"version"`
	Source   string          `json:"source"`
	Internal UnifiedInternal `json:"internal"`
}

type UnifiedInternal struct {
	Date       string       `json:"date,omitempty"`
	ZnpVersion *znp.Product `json:"znpVersion,omitempty"`
}

type UnifiedStackSpecific struct {
	ZStack *UnifiedZStack `json:"zstack,omitempty"`
}

type UnifiedZStack struct {
	TCLKSeed string `json:"tclk_seed,omitempty"`
}

type UnifiedNetworkKey struct {
	Key            string `json:"key"`
	SequenceNumber uint8  `json:"sequence_number"`
	FrameCounter   uint32 `json:"frame_counter"`
}

type UnifiedDevice struct {
	NwkAddress  *string         `json:"nwk_address"`
	IEEEAddress string          `json:"ieee_address"`
	IsChild     *bool           `json:"is_child,omitempty"`
	LinkKey     *UnifiedLinkKey `json:"link_key,omitempty"`
}

type UnifiedLinkKey struct {
	Key       string `json:"key"`
	RxCounter uint32 `json:"rx_counter"`
	TxCounter uint32 `json:"tx_counter"`
}

func hex16(v uint16) string {
	return hex.EncodeToString(binary.BigEndian.AppendUint16(nil, v))
}

// ToUnified converts a backup into a v1 unified document.
func ToUnified(b *Backup) *UnifiedDocument {
	doc := &UnifiedDocument{
		Metadata: UnifiedMetadata{
			Format:  UnifiedFormat,
			Version: 1,
			Source:  Source,
			Internal: UnifiedInternal{
				ZnpVersion: b.StackVersion,
			},
		},
		CoordinatorIEEE: hex.EncodeToString(b.CoordinatorIEEE[:]),
		PanID:           hex16(b.NetworkOptions.PanID),
		ExtendedPanID:   hex.EncodeToString(b.NetworkOptions.ExtendedPanID[:]),
		SecurityLevel:   b.SecurityLevel,
		NwkUpdateID:     b.UpdateID,
		Channel:         b.LogicalChannel,
		ChannelMask:     make([]int, 0, len(b.NetworkOptions.ChannelList)),
		NetworkKey: UnifiedNetworkKey{
			Key:            hex.EncodeToString(b.NetworkOptions.NetworkKey[:]),
			SequenceNumber: b.KeySequenceNumber,
			FrameCounter:   b.FrameCounter,
		},
		Devices: make([]UnifiedDevice, 0, len(b.Devices)),
	}
	for _, c := range b.NetworkOptions.ChannelList {
		doc.ChannelMask = append(doc.ChannelMask, int(c))
	}
	if !b.CreatedAt.IsZero() {
		doc.Metadata.Internal.Date = b.CreatedAt.UTC().Format(time.RFC3339)
	}
	if b.TrustCenterSeed != nil {
		doc.StackSpecific = &UnifiedStackSpecific{
			ZStack: &UnifiedZStack{TCLKSeed: hex.EncodeToString(b.TrustCenterSeed[:])},
		}
	}
	for _, d := range b.Devices {
		nwk := hex16(d.NetworkAddress)
		isChild := d.IsDirectChild
		ud := UnifiedDevice{
			NwkAddress:  &nwk,
			IEEEAddress: hex.EncodeToString(d.IEEEAddress[:]),
			IsChild:     &isChild,
		}
		if d.LinkKey != nil {
			ud.LinkKey = &UnifiedLinkKey{
				Key:       hex.EncodeToString(d.LinkKey.Key[:]),
				RxCounter: d.LinkKey.RxCounter,
				TxCounter: d.LinkKey.TxCounter,
			}
		}
		doc.Devices = append(doc.Devices, ud)
	}
	return doc
}

func decodeHex(field, s string, n int) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupted, field, err)
	}
	if len(raw) != n {
		return nil, fmt.Errorf("%w: %s: expected %d bytes, got %d", ErrCorrupted, field, n, len(raw))
	}
	return raw, nil
}

func decodeHex16(field, s string) (uint16, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 2 {
		return 0, fmt.Errorf("%w: %s: invalid value %q", ErrCorrupted, field, s)
	}
	return binary.BigEndian.Uint16(raw), nil
}

// FromUnified converts a v1 unified document into a backup.
func FromUnified(doc *UnifiedDocument) (*Backup, error) {
	if doc.Metadata.Format != UnifiedFormat {
		return nil, ErrUnknownFormat
	}
	if doc.Metadata.Version != 1 {
		return nil, fmt.Errorf("%w (version=%d)", ErrUnsupportedVersion, doc.Metadata.Version)
	}
	b := &Backup{
		StackVersion:      doc.Metadata.Internal.ZnpVersion,
		LogicalChannel:    doc.Channel,
		KeySequenceNumber: doc.NetworkKey.SequenceNumber,
		FrameCounter:      doc.NetworkKey.FrameCounter,
		SecurityLevel:     doc.SecurityLevel,
		UpdateID:          doc.NwkUpdateID,
	}
	var err error
	if b.NetworkOptions.PanID, err = decodeHex16("pan_id", doc.PanID); err != nil {
		return nil, err
	}
	raw, err := decodeHex("extended_pan_id", doc.ExtendedPanID, 8)
	if err != nil {
		return nil, err
	}
	b.NetworkOptions.ExtendedPanID = structs.ExtPanID(raw)
	if raw, err = decodeHex("network_key.key", doc.NetworkKey.Key, 16); err != nil {
		return nil, err
	}
	b.NetworkOptions.NetworkKey = structs.Key(raw)
	for _, c := range doc.ChannelMask {
		if c < MinChannel || c > MaxChannel {
			return nil, fmt.Errorf("%w: channel_mask: unsupported channel %d", ErrCorrupted, c)
		}
		b.NetworkOptions.ChannelList = append(b.NetworkOptions.ChannelList, uint8(c))
	}
	if doc.CoordinatorIEEE != "" {
		if raw, err = decodeHex("coordinator_ieee", doc.CoordinatorIEEE, 8); err != nil {
			return nil, err
		}
		b.CoordinatorIEEE = structs.IEEEAddr(raw)
	}
	if doc.Metadata.Internal.Date != "" {
		if t, err := time.Parse(time.RFC3339, doc.Metadata.Internal.Date); err == nil {
			b.CreatedAt = t
		}
	}
	if ss := doc.StackSpecific; ss != nil && ss.ZStack != nil && ss.ZStack.TCLKSeed != "" {
		if raw, err = decodeHex("stack_specific.zstack.tclk_seed", ss.ZStack.TCLKSeed, 16); err != nil {
			return nil, err
		}
		seed := structs.Key(raw)
		b.TrustCenterSeed = &seed
	}

	for i, ud := range doc.Devices {
		d := Device{NetworkAddress: 0xfffe, IsDirectChild: true}
		if ud.NwkAddress != nil {
			if d.NetworkAddress, err = decodeHex16(fmt.Sprintf("devices[%d].nwk_address", i), *ud.NwkAddress); err != nil {
				return nil, err
			}
		}
		if raw, err = decodeHex(fmt.Sprintf("devices[%d].ieee_address", i), ud.IEEEAddress, 8); err != nil {
			return nil, err
		}
		d.IEEEAddress = structs.IEEEAddr(raw)
		if ud.IsChild != nil {
			d.IsDirectChild = *ud.IsChild
		}
		if ud.LinkKey != nil {
			if raw, err = decodeHex(fmt.Sprintf("devices[%d].link_key.key", i), ud.LinkKey.Key, 16); err != nil {
				return nil, err
			}
			d.LinkKey = &LinkKey{Key: structs.Key(raw), RxCounter: ud.LinkKey.RxCounter, TxCounter: ud.LinkKey.TxCounter}
		}
		b.Devices = append(b.Devices, d)
	}
	return b, nil
}

// LegacyDocument is the NV item dump written by older zStack adapters.
type LegacyDocument struct {
	AdapterType string `json:"adapterType"`
	Time        string `json:"time"`
	Meta        struct {
		Product znp.Product `json:"product"`
	} `json:"meta"`
	Data map[string]LegacyItem `json:"data"`
}

// LegacyItem is one NV item of a legacy document.
type LegacyItem struct {
	ID      uint16  `json:"id"`
	Product int     `json:"product"`
	Offset  int     `json:"offset"`
	OSAL    bool    `json:"osal"`
	Value   []int   `json:"value"`
	Len     int     `json:"len"`
	SysID   *uint8  `json:"sysid,omitempty"`
	SubID   *uint16 `json:"subid,omitempty"`
}

func (it LegacyItem) bytes() []byte {
	out := make([]byte, len(it.Value))
	for i, v := range it.Value {
		out[i] = byte(v)
	}
	return out
}

// FromLegacy converts a legacy document. Legacy documents hold no device
// tables, so the resulting backup has no devices.
func FromLegacy(doc *LegacyDocument) (*Backup, error) {
	item := func(names ...string) ([]byte, bool) {
		for _, n := range names {
			if it, ok := doc.Data[n]; ok {
				return it.bytes(), true
			}
		}
		return nil, false
	}
	nibRaw, ok := item("ZCD_NV_NIB")
	if !ok {
		return nil, fmt.Errorf("%w: missing NIB", ErrCorrupted)
	}
	keyRaw, ok := item("ZCD_NV_NWK_ACTIVE_KEY_INFO")
	if !ok {
		return nil, fmt.Errorf("%w: missing active key info", ErrCorrupted)
	}
	preCfgRaw, ok := item("ZCD_NV_PRECFGKEY_ENABLE")
	if !ok {
		return nil, fmt.Errorf("%w: missing pre-configured key enable attribute", ErrCorrupted)
	}
	secRaw, ok := item("ZCD_NV_EX_NWK_SEC_MATERIAL_TABLE", "ZCD_NV_LEGACY_NWK_SEC_MATERIAL_TABLE_START")
	if !ok {
		return nil, fmt.Errorf("%w: missing network security material table", ErrCorrupted)
	}
	ieeeRaw, ok := item("ZCD_NV_EXTADDR")
	if !ok || len(ieeeRaw) != 8 {
		return nil, fmt.Errorf("%w: missing adapter IEEE address NV entry", ErrCorrupted)
	}

	nib, err := structs.DecodeNIB(nibRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	key, err := structs.DecodeKeyDescriptor(keyRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	sec, err := structs.NwkSecMaterialTable.FromEntryBuffers([][]byte{secRaw})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	var ieee structs.IEEEAddr
	for i := range ieee {
		ieee[i] = ieeeRaw[7-i]
	}
	product := doc.Meta.Product

	return &Backup{
		StackVersion: &product,
		NetworkOptions: NetworkOptions{
			PanID:                nib.PanID(),
			ExtendedPanID:        nib.ExtendedPanID(),
			ChannelList:          UnpackChannelList(nib.ChannelList()),
			NetworkKey:           key.Key(),
			NetworkKeyDistribute: len(preCfgRaw) > 0 && preCfgRaw[0] != 0x00,
		},
		LogicalChannel:    nib.LogicalChannel(),
		KeySequenceNumber: key.KeySeqNum(),
		FrameCounter:      sec.Entry(0).FrameCounter(),
		SecurityLevel:     nib.SecurityLevel(),
		UpdateID:          nib.UpdateID(),
		CoordinatorIEEE:   ieee,
	}, nil
}

// ParseDocument detects the document format and converts it.
func ParseDocument(data []byte) (*Backup, error) {
	var head struct {
		Metadata *struct {
			Format  string `json:"format"`
			Version int    `json:"version"`
		} `json:"metadata"`
		AdapterType string `json:"adapterType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	switch {
	case head.Metadata != nil && head.Metadata.Format == UnifiedFormat && head.Metadata.Version != 0:
		if head.Metadata.Version != 1 {
			return nil, fmt.Errorf("%w (version=%d)", ErrUnsupportedVersion, head.Metadata.Version)
		}
		var doc UnifiedDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		return FromUnified(&doc)
	case head.AdapterType == "zStack":
		var doc LegacyDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		return FromLegacy(&doc)
	}
	return nil, ErrUnknownFormat
}

// MarshalDocument encodes a backup as an indented unified document.
func MarshalDocument(b *Backup) ([]byte, error) {
	return json.MarshalIndent(ToUnified(b), "", "  ")
}
