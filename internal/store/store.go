package store

import (
	"errors"

	"zstack-go-home/internal/backup"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface. Every saved backup is kept; the
// most recent one is what LoadBackup returns.
type Store interface {
	backup.Storage

	// Backup history
	ListBackups() ([]BackupRecord, error)
	GetBackup(id string) (*backup.Backup, error)
	DeleteBackup(id string) error

	// Known devices
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)

	// Network state
	SaveNetworkState(state *NetworkState) error
	GetNetworkState() (*NetworkState, error)

	// Close the store
	Close() error
}
