package backup_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"zstack-go-home/internal/backup"
	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
)

const unifiedV1 = `{
  "metadata": {
    "format": "zigpy/open-coordinator-backup",
    "version": 1,
    "source": "zigbee-herdsman@0.13.0",
    "internal": {"date": "2021-05-01T10:00:00Z", "znpVersion": 2}
  },
  "stack_specific": {"zstack": {"tclk_seed": "928a2c479e72a9a53e3b5133fc55021f"}},
  "coordinator_ieee": "00124b0018ed1c1b",
  "pan_id": "1a62",
  "extended_pan_id": "dddddddddddddddd",
  "security_level": 5,
  "nwk_update_id": 0,
  "channel": 11,
  "channel_mask": [11],
  "network_key": {
    "key": "01030507090b0d0f00020406080a0c0d",
    "sequence_number": 0,
    "frame_counter": 16754
  },
  "devices": [
    {
      "nwk_address": "ddf6",
      "ieee_address": "00124b002226ef87",
      "is_child": true,
      "link_key": {"key": "3d4ac8b6a0eeb4e9c9d6bb8d51b1b1e3", "rx_counter": 0, "tx_counter": 275}
    },
    {"nwk_address": null, "ieee_address": "00158d0001e4b5e2"}
  ]
}`

func TestParseUnified(t *testing.T) {
	b, err := backup.ParseDocument([]byte(unifiedV1))
	if err != nil {
		t.Fatal(err)
	}

	if b.StackVersion == nil {
		t.Fatal("stack version not set")
	}
	if *b.StackVersion != znp.ZStack30x {
		t.Errorf("stack version = %v, want %v", *b.StackVersion, znp.ZStack30x)
	}
	if b.NetworkOptions.PanID != 0x1a62 {
		t.Errorf("pan id = 0x%04X, want 0x1A62", b.NetworkOptions.PanID)
	}
	if want := (structs.ExtPanID{0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0xdd}); b.NetworkOptions.ExtendedPanID != want {
		t.Errorf("ext pan id = %X, want %X", b.NetworkOptions.ExtendedPanID, want)
	}
	if want := []uint8{11}; !reflect.DeepEqual(b.NetworkOptions.ChannelList, want) {
		t.Errorf("channels = %v, want %v", b.NetworkOptions.ChannelList, want)
	}
	if want := (structs.IEEEAddr{0x00, 0x12, 0x4b, 0x00, 0x18, 0xed, 0x1c, 0x1b}); b.CoordinatorIEEE != want {
		t.Errorf("coordinator ieee = %X, want %X", b.CoordinatorIEEE, want)
	}
	if b.FrameCounter != 16754 {
		t.Errorf("frame counter = %d, want 16754", b.FrameCounter)
	}
	if b.SecurityLevel != 5 {
		t.Errorf("security level = %d, want 5", b.SecurityLevel)
	}
	if want := time.Date(2021, 5, 1, 10, 0, 0, 0, time.UTC); !b.CreatedAt.Equal(want) {
		t.Errorf("created = %v, want %v", b.CreatedAt, want)
	}
	if b.TrustCenterSeed == nil {
		t.Fatal("seed not set")
	}
	if b.TrustCenterSeed[0] != 0x92 {
		t.Errorf("seed[0] = 0x%02X, want 0x92", b.TrustCenterSeed[0])
	}

	if len(b.Devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(b.Devices))
	}
	if b.Devices[0].NetworkAddress != 0xddf6 {
		t.Errorf("nwk = 0x%04X, want 0xDDF6", b.Devices[0].NetworkAddress)
	}
	if b.Devices[0].LinkKey == nil {
		t.Fatal("link key not set")
	}
	if b.Devices[0].LinkKey.TxCounter != 275 {
		t.Errorf("tx counter = %d, want 275", b.Devices[0].LinkKey.TxCounter)
	}
	// Missing optional fields fall back to defaults.
	d := b.Devices[1]
	if d.NetworkAddress != 0xfffe {
		t.Errorf("default nwk = 0x%04X, want 0xFFFE", d.NetworkAddress)
	}
	if !d.IsDirectChild {
		t.Error("device without is_child should default to a direct child")
	}
	if d.LinkKey != nil {
		t.Error("device without link_key has one")
	}
}

func TestUnifiedExportImport(t *testing.T) {
	b, err := backup.ParseDocument([]byte(unifiedV1))
	if err != nil {
		t.Fatal(err)
	}

	data, err := backup.MarshalDocument(b)
	if err != nil {
		t.Fatal(err)
	}
	again, err := backup.ParseDocument(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(b, again) {
		t.Errorf("reparsed = %+v\nwant %+v", again, b)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["pan_id"] != "1a62" {
		t.Errorf("pan_id = %v, want 1a62", doc["pan_id"])
	}
	if want := []any{float64(11)}; !reflect.DeepEqual(doc["channel_mask"], want) {
		t.Errorf("channel_mask = %v, want %v", doc["channel_mask"], want)
	}
	if src := doc["metadata"].(map[string]any)["source"]; src != backup.Source {
		t.Errorf("source = %v, want %s", src, backup.Source)
	}
}

func TestParseDocumentFormats(t *testing.T) {
	legacy := legacyDocument(t)
	cases := []struct {
		name string
		doc  string
		err  error
	}{
		{"unified v1", unifiedV1, nil},
		{"unified v2", `{"metadata":{"format":"zigpy/open-coordinator-backup","version":2}}`, backup.ErrUnsupportedVersion},
		{"legacy", legacy, nil},
		{"other vendor", `{"adapterType":"ember"}`, backup.ErrUnknownFormat},
		{"other format", `{"metadata":{"format":"something-else","version":1}}`, backup.ErrUnknownFormat},
		{"not json", `{"metadata":`, backup.ErrCorrupted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := backup.ParseDocument([]byte(tc.doc))
			if tc.err == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.err) {
				t.Errorf("err = %v, want %v", err, tc.err)
			}
		})
	}
}

func toInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func legacyDocument(t *testing.T) string {
	t.Helper()
	nib := structs.NewNIB()
	nib.SetPanID(0x1a62)
	nib.SetChannelList(1 << 15)
	nib.SetLogicalChannel(15)
	nib.SetExtendedPanID(structs.ExtPanID{1, 2, 3, 4, 5, 6, 7, 8})
	key := structs.NewKeyDescriptor()
	key.SetKeySeqNum(1)
	key.SetKey(structs.Key{0xaa})
	sec := structs.NewNwkSecMaterialEntry()
	sec.SetFrameCounter(9000)
	sec.SetExtendedPanID(structs.GenericExtPanID)

	item := func(id znp.NvItemID, v []byte) map[string]any {
		return map[string]any{"id": int(id), "offset": 0, "osal": true, "value": toInts(v), "len": len(v)}
	}
	doc := map[string]any{
		"adapterType": "zStack",
		"time":        "Mon, 01 Mar 2021 10:00:00 GMT",
		"meta":        map[string]any{"product": 1},
		"data": map[string]any{
			"ZCD_NV_NIB":                       item(znp.NvNIB, nib.Serialize(structs.Aligned)),
			"ZCD_NV_NWK_ACTIVE_KEY_INFO":       item(znp.NvNwkActiveKeyInfo, key.Serialize(structs.Unaligned)),
			"ZCD_NV_PRECFGKEY_ENABLE":          item(znp.NvPreCfgKeysEnable, []byte{0x01}),
			"ZCD_NV_EX_NWK_SEC_MATERIAL_TABLE": item(0x0007, sec.Serialize(structs.Unaligned)),
			"ZCD_NV_EXTADDR":                   item(znp.NvExtAddr, []byte{0x1b, 0x1c, 0xed, 0x18, 0x00, 0x4b, 0x12, 0x00}),
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestParseLegacy(t *testing.T) {
	b, err := backup.ParseDocument([]byte(legacyDocument(t)))
	if err != nil {
		t.Fatal(err)
	}

	if b.StackVersion == nil || *b.StackVersion != znp.ZStack3x0 {
		t.Errorf("stack version = %v, want %v", b.StackVersion, znp.ZStack3x0)
	}
	opts := b.NetworkOptions
	if opts.PanID != 0x1a62 {
		t.Errorf("pan id = 0x%04X, want 0x1A62", opts.PanID)
	}
	if want := []uint8{15}; !reflect.DeepEqual(opts.ChannelList, want) {
		t.Errorf("channels = %v, want %v", opts.ChannelList, want)
	}
	if want := (structs.ExtPanID{1, 2, 3, 4, 5, 6, 7, 8}); opts.ExtendedPanID != want {
		t.Errorf("ext pan id = %X, want %X", opts.ExtendedPanID, want)
	}
	if want := (structs.Key{0xaa}); opts.NetworkKey != want {
		t.Errorf("network key = %X, want %X", opts.NetworkKey, want)
	}
	if !opts.NetworkKeyDistribute {
		t.Error("network key distribution not set")
	}
	if b.KeySequenceNumber != 1 {
		t.Errorf("key seq = %d, want 1", b.KeySequenceNumber)
	}
	if b.FrameCounter != 9000 {
		t.Errorf("frame counter = %d, want 9000", b.FrameCounter)
	}
	if want := (structs.IEEEAddr{0x00, 0x12, 0x4b, 0x00, 0x18, 0xed, 0x1c, 0x1b}); b.CoordinatorIEEE != want {
		t.Errorf("coordinator ieee = %X, want %X", b.CoordinatorIEEE, want)
	}
	if len(b.Devices) != 0 {
		t.Errorf("devices = %d, want 0", len(b.Devices))
	}
}

func TestParseLegacyMissingItems(t *testing.T) {
	for _, missing := range []string{"ZCD_NV_NIB", "ZCD_NV_NWK_ACTIVE_KEY_INFO", "ZCD_NV_PRECFGKEY_ENABLE", "ZCD_NV_EX_NWK_SEC_MATERIAL_TABLE", "ZCD_NV_EXTADDR"} {
		t.Run(missing, func(t *testing.T) {
			var doc map[string]any
			if err := json.Unmarshal([]byte(legacyDocument(t)), &doc); err != nil {
				t.Fatal(err)
			}
			delete(doc["data"].(map[string]any), missing)
			data, err := json.Marshal(doc)
			if err != nil {
				t.Fatal(err)
			}

			if _, err := backup.ParseDocument(data); !errors.Is(err, backup.ErrCorrupted) {
				t.Errorf("err = %v, want ErrCorrupted", err)
			}
		})
	}
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "coordinator_backup.json")
	s := backup.NewFileStorage(path)

	if _, err := s.LoadBackup(); !errors.Is(err, backup.ErrNoBackup) {
		t.Fatalf("err = %v, want ErrNoBackup", err)
	}

	b, err := backup.ParseDocument([]byte(unifiedV1))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveBackup(b); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadBackup()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(b, loaded) {
		t.Errorf("loaded = %+v\nwant %+v", loaded, b)
	}

	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadBackup(); !errors.Is(err, backup.ErrCorrupted) {
		t.Errorf("err = %v, want ErrCorrupted", err)
	}
}
