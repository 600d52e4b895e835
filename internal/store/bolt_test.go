package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"zstack-go-home/internal/backup"
	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testBackup(pan uint16, created time.Time) *backup.Backup {
	product := znp.ZStack3x0
	return &backup.Backup{
		StackVersion: &product,
		NetworkOptions: backup.NetworkOptions{
			PanID:         pan,
			ExtendedPanID: structs.ExtPanID{0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0xdd},
			ChannelList:   []uint8{15},
			NetworkKey:    structs.Key{1, 3, 5, 7, 9, 11, 13, 15, 0, 2, 4, 6, 8, 10, 12, 13},
		},
		LogicalChannel: 15,
		FrameCounter:   4242,
		SecurityLevel:  5,
		CreatedAt:      created,
		Devices: []backup.Device{
			{NetworkAddress: 0x1234, IEEEAddress: structs.IEEEAddr{0x00, 0x15, 0x8d, 0, 1, 0x2a, 0x3b, 0x4c}, IsDirectChild: true},
		},
	}
}

func TestLoadBackupEmpty(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadBackup()
	if !errors.Is(err, backup.ErrNoBackup) {
		t.Fatalf("err = %v, want ErrNoBackup", err)
	}
}

func TestSaveAndLoadBackup(t *testing.T) {
	s := newTestStore(t)

	b := testBackup(0x1a62, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	if err := s.SaveBackup(b); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadBackup()
	if err != nil {
		t.Fatal(err)
	}
	if got.NetworkOptions.PanID != 0x1a62 {
		t.Errorf("pan_id = 0x%04X, want 0x1A62", got.NetworkOptions.PanID)
	}
	if got.FrameCounter != 4242 {
		t.Errorf("frame counter = %d, want 4242", got.FrameCounter)
	}
	if !got.CreatedAt.Equal(b.CreatedAt) {
		t.Errorf("created = %v, want %v", got.CreatedAt, b.CreatedAt)
	}
	if len(got.Devices) != 1 || got.Devices[0].NetworkAddress != 0x1234 {
		t.Errorf("devices = %+v", got.Devices)
	}
}

func TestSaveBackupStampsCreation(t *testing.T) {
	s := newTestStore(t)
	s.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 500, time.UTC) }

	b := testBackup(0x1a62, time.Time{})
	if err := s.SaveBackup(b); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	if !b.CreatedAt.Equal(want) {
		t.Errorf("created = %v, want %v", b.CreatedAt, want)
	}
}

func TestBackupHistory(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, pan := range []uint16{0x1001, 0x1002, 0x1003} {
		if err := s.SaveBackup(testBackup(pan, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListBackups()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}
	if list[0].PanID != 0x1003 || !list[0].Latest {
		t.Errorf("first = %+v, want latest 0x1003", list[0])
	}
	for _, r := range list[1:] {
		if r.Latest {
			t.Errorf("backup %s marked latest", r.ID)
		}
	}
	if list[2].ExtPanID != "DDDDDDDDDDDDDDDD" {
		t.Errorf("ext_pan_id = %q", list[2].ExtPanID)
	}

	old, err := s.GetBackup(list[2].ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.NetworkOptions.PanID != 0x1001 {
		t.Errorf("pan_id = 0x%04X, want 0x1001", old.NetworkOptions.PanID)
	}

	// Removing the latest backup leaves no latest pointer.
	if err := s.DeleteBackup(list[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadBackup(); !errors.Is(err, backup.ErrNoBackup) {
		t.Fatalf("err = %v, want ErrNoBackup", err)
	}
	if err := s.DeleteBackup(list[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestGetBackupNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetBackup("00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveAndGetNetworkState(t *testing.T) {
	s := newTestStore(t)

	state := &NetworkState{
		IEEEAddress: "00124B0018ED1C1B",
		Product:     znp.ZStack30x,
		Channel:     15,
		PanID:       0x1A62,
		ExtPanID:    "DDDDDDDDDDDDDDDD",
		NetworkKey:  NetworkKeyHex(structs.Key{0xaa, 0xbb}),
		Formed:      true,
		Startup:     "resumed",
	}

	if err := s.SaveNetworkState(state); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNetworkState()
	if err != nil {
		t.Fatal(err)
	}

	if got.Channel != state.Channel {
		t.Errorf("channel = %d, want %d", got.Channel, state.Channel)
	}
	if got.PanID != state.PanID {
		t.Errorf("pan_id = 0x%04X, want 0x%04X", got.PanID, state.PanID)
	}
	if got.ExtPanID != state.ExtPanID {
		t.Errorf("ext_pan_id = %q, want %q", got.ExtPanID, state.ExtPanID)
	}
	if got.NetworkKey != "aabb0000000000000000000000000000" {
		t.Errorf("network_key = %q", got.NetworkKey)
	}
	if got.Product != znp.ZStack30x {
		t.Errorf("product = %v, want %v", got.Product, znp.ZStack30x)
	}
	if !got.Formed {
		t.Error("formed = false, want true")
	}
}

func TestGetNetworkStateNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetNetworkState()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		IEEEAddress:    "00158D00012A3B4C",
		NetworkAddress: 0x1234,
		LinkKey:        true,
		FirstSeen:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		LastSeen:       time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.IEEEAddress)
	if err != nil {
		t.Fatal(err)
	}
	if got.NetworkAddress != dev.NetworkAddress {
		t.Errorf("nwk = 0x%04X, want 0x%04X", got.NetworkAddress, dev.NetworkAddress)
	}
	if !got.LinkKey {
		t.Error("link_key = false, want true")
	}
	if !got.FirstSeen.Equal(dev.FirstSeen) || !got.LastSeen.Equal(dev.LastSeen) {
		t.Errorf("seen = %v/%v, want %v/%v", got.FirstSeen, got.LastSeen, dev.FirstSeen, dev.LastSeen)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{IEEEAddress: "00158D00012A3B4C", NetworkAddress: 0x1234}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDevice(dev.IEEEAddress); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetDevice(dev.IEEEAddress); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteDevice(dev.IEEEAddress); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestListDevicesSorted(t *testing.T) {
	s := newTestStore(t)

	for _, ieee := range []string{"00158D0000000002", "00124B0000000001", "00158D0000000001"} {
		if err := s.SaveDevice(&Device{IEEEAddress: ieee}); err != nil {
			t.Fatal(err)
		}
	}
	devices, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"00124B0000000001", "00158D0000000001", "00158D0000000002"}
	if len(devices) != len(want) {
		t.Fatalf("devices = %d, want %d", len(devices), len(want))
	}
	for i, d := range devices {
		if d.IEEEAddress != want[i] {
			t.Errorf("device %d = %s, want %s", i, d.IEEEAddress, want[i])
		}
	}
}
