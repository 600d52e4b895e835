package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"zstack-go-home/internal/backup"
	"zstack-go-home/internal/store"
	"zstack-go-home/internal/structs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
serial:
  port: /dev/ttyUSB0
network:
  pan_id: 0x1a62
commissioning:
  settle_interval: 500ms
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.Serial.Baud != 115200 {
		t.Errorf("baud = %d, want 115200", cfg.Serial.Baud)
	}
	if cfg.Network.PanID != 0x1a62 {
		t.Errorf("pan id = 0x%04X, want 0x1A62", cfg.Network.PanID)
	}
	if want := []uint8{11}; !reflect.DeepEqual(cfg.Network.Channels, want) {
		t.Errorf("channels = %v, want %v", cfg.Network.Channels, want)
	}
	if cfg.Network.ExtPanID != "DDDDDDDDDDDDDDDD" {
		t.Errorf("ext pan id = %q", cfg.Network.ExtPanID)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q, want 127.0.0.1:8080", cfg.Web.Listen)
	}
	if cfg.Store.Path != "zstack-home.db" {
		t.Errorf("store path = %q, want zstack-home.db", cfg.Store.Path)
	}
	if cfg.MQTT.TopicPrefix != "zigbee2mqtt" {
		t.Errorf("topic prefix = %q, want zigbee2mqtt", cfg.MQTT.TopicPrefix)
	}
	if cfg.Commissioning.SettleInterval != 500*time.Millisecond {
		t.Errorf("settle interval = %v, want 500ms", cfg.Commissioning.SettleInterval)
	}
	if cfg.Commissioning.SettleAttempts != 10 {
		t.Errorf("settle attempts = %d, want 10", cfg.Commissioning.SettleAttempts)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing config file loaded")
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Serial.Port = "/dev/ttyACM0"
		cfg.Network.PanID = 0x1a62
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"no port", func(c *Config) { c.Serial.Port = "" }, false},
		{"channel too low", func(c *Config) { c.Network.Channels = []uint8{10} }, false},
		{"channel too high", func(c *Config) { c.Network.Channels = []uint8{15, 27} }, false},
		{"zero pan", func(c *Config) { c.Network.PanID = 0 }, false},
		{"broadcast pan", func(c *Config) { c.Network.PanID = 0xFFFF }, false},
		{"short ext pan", func(c *Config) { c.Network.ExtPanID = "DDDD" }, false},
		{"bad key", func(c *Config) { c.Network.NetworkKey = "zz" }, false},
		{"key with colons", func(c *Config) {
			c.Network.NetworkKey = "01:03:05:07:09:0B:0D:0F:00:02:04:06:08:0A:0C:0D"
		}, true},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.ok && err != nil {
				t.Errorf("validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("validate() = nil, want error")
			}
		})
	}
}

func TestNetworkOptionsConfiguredKey(t *testing.T) {
	cfg := &Config{}
	cfg.Network.PanID = 0x1a62
	cfg.Network.NetworkKey = "01030507090b0d0f00020406080a0c0d"
	cfg.Network.Channels = []uint8{15, 20}
	cfg.Network.DistributeKey = true
	cfg.applyDefaults()

	opts, err := cfg.networkOptions(backup.NewFileStorage(filepath.Join(t.TempDir(), "none.json")))
	if err != nil {
		t.Fatal(err)
	}
	if opts.PanID != 0x1a62 {
		t.Errorf("pan id = 0x%04X, want 0x1A62", opts.PanID)
	}
	if want := (structs.ExtPanID{0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0xdd}); opts.ExtendedPanID != want {
		t.Errorf("ext pan id = %X, want %X", opts.ExtendedPanID, want)
	}
	if want := []uint8{15, 20}; !reflect.DeepEqual(opts.ChannelList, want) {
		t.Errorf("channels = %v, want %v", opts.ChannelList, want)
	}
	if want := (structs.Key{1, 3, 5, 7, 9, 11, 13, 15, 0, 2, 4, 6, 8, 10, 12, 13}); opts.NetworkKey != want {
		t.Errorf("network key = %X, want %X", opts.NetworkKey, want)
	}
	if !opts.NetworkKeyDistribute {
		t.Error("key distribution not set")
	}
}

func TestNetworkOptionsReusesBackupKey(t *testing.T) {
	fs := backup.NewFileStorage(filepath.Join(t.TempDir(), "backup.json"))
	stored := structs.Key{0xaa, 0xbb, 0xcc, 0xdd, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	err := fs.SaveBackup(&backup.Backup{
		NetworkOptions: backup.NetworkOptions{
			PanID:       0x1a62,
			ChannelList: []uint8{11},
			NetworkKey:  stored,
		},
		LogicalChannel: 11,
		SecurityLevel:  5,
		CreatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := &Config{}
	cfg.Network.PanID = 0x1a62
	cfg.applyDefaults()

	opts, err := cfg.networkOptions(fs)
	if err != nil {
		t.Fatal(err)
	}
	if opts.NetworkKey != stored {
		t.Errorf("network key = %X, want %X", opts.NetworkKey, stored)
	}
}

func TestNetworkOptionsRandomKey(t *testing.T) {
	cfg := &Config{}
	cfg.Network.PanID = 0x1a62
	cfg.applyDefaults()

	empty := backup.NewFileStorage(filepath.Join(t.TempDir(), "none.json"))
	a, err := cfg.networkOptions(empty)
	if err != nil {
		t.Fatal(err)
	}
	b, err := cfg.networkOptions(empty)
	if err != nil {
		t.Fatal(err)
	}
	if a.NetworkKey == (structs.Key{}) {
		t.Error("generated key is all zero")
	}
	if a.NetworkKey == b.NetworkKey {
		t.Error("two generated keys are equal")
	}
}

func TestWriteInfo(t *testing.T) {
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var buf bytes.Buffer
	if err := writeInfo(&buf, db); err != nil {
		t.Fatal(err)
	}
	var empty infoReport
	if err := json.Unmarshal(buf.Bytes(), &empty); err != nil {
		t.Fatal(err)
	}
	if empty.Network != nil {
		t.Errorf("network = %+v, want none", empty.Network)
	}
	if len(empty.Backups) != 0 || len(empty.Devices) != 0 {
		t.Errorf("empty store reported %d backups and %d devices", len(empty.Backups), len(empty.Devices))
	}

	if err := db.SaveNetworkState(&store.NetworkState{PanID: 0x1a62, Channel: 15, Formed: true}); err != nil {
		t.Fatal(err)
	}
	err = db.SaveBackup(&backup.Backup{
		NetworkOptions: backup.NetworkOptions{PanID: 0x1a62, ChannelList: []uint8{15}},
		LogicalChannel: 15,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveDevice(&store.Device{IEEEAddress: "00124B0001020304", NetworkAddress: 0x1111, LinkKey: true}); err != nil {
		t.Fatal(err)
	}

	buf.Reset()
	if err := writeInfo(&buf, db); err != nil {
		t.Fatal(err)
	}
	var report infoReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Network == nil {
		t.Fatal("network state missing")
	}
	if report.Network.PanID != 0x1a62 {
		t.Errorf("pan id = 0x%04X, want 0x1A62", report.Network.PanID)
	}
	if len(report.Backups) != 1 {
		t.Fatalf("backups = %d, want 1", len(report.Backups))
	}
	if !report.Backups[0].Latest {
		t.Error("only backup not marked latest")
	}
	if len(report.Devices) != 1 || report.Devices[0].IEEEAddress != "00124B0001020304" {
		t.Errorf("devices = %+v, want 00124B0001020304", report.Devices)
	}
}
