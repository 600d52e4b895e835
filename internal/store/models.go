package store

import (
	"encoding/json"
	"time"

	"zstack-go-home/internal/znp"
)

// BackupRecord summarises one stored backup.
type BackupRecord struct {
	ID           string       `json:"id"`
	CreatedAt    time.Time    `json:"created_at"`
	StackVersion *znp.Product `json:"stack_version,omitempty"`
	PanID        uint16       `json:"pan_id"`
	ExtPanID     string       `json:"ext_pan_id"`
	Channel      uint8        `json:"channel"`
	Devices      int          `json:"devices"`
	Latest       bool         `json:"latest"`
}

// backupRecordStorage is the on-disk record: the summary plus the unified
// document it was built from.
type backupRecordStorage struct {
	BackupRecord
	Document json.RawMessage `json:"document"`
}

// Device is a node the application still counts as a network member. The
// registry decides which devices a backup keeps after the adapter forgets
// them, so removing a device here lets the next backup drop it.
type Device struct {
	IEEEAddress    string    `json:"ieee_address"`
	NetworkAddress uint16    `json:"network_address"`
	LinkKey        bool      `json:"link_key"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// NetworkState holds persisted network configuration.
// NetworkKey is hidden from API/JSON serialization via json:"-".
type NetworkState struct {
	IEEEAddress string      `json:"ieee_address"`
	Product     znp.Product `json:"product"`
	Channel     uint8       `json:"channel"`
	PanID       uint16      `json:"pan_id"`
	ExtPanID    string      `json:"ext_pan_id"`
	NetworkKey  string      `json:"-"`
	Formed      bool        `json:"formed"`
	Startup     string      `json:"startup,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// networkStateStorage is the internal struct used for DB serialization,
// preserving the network key on disk.
type networkStateStorage struct {
	IEEEAddress string      `json:"ieee_address"`
	Product     znp.Product `json:"product"`
	Channel     uint8       `json:"channel"`
	PanID       uint16      `json:"pan_id"`
	ExtPanID    string      `json:"ext_pan_id"`
	NetworkKey  string      `json:"network_key,omitempty"`
	Formed      bool        `json:"formed"`
	Startup     string      `json:"startup,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
