// Package backup captures and restores the persistent network state of a
// Z-Stack coordinator: NIB, keys, frame counters and the device tables.
package backup

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
)

var (
	// ErrNoBackup is returned by storages that hold no backup yet.
	ErrNoBackup = errors.New("backup: no backup stored")
	// ErrUnknownFormat is returned for documents of an unrecognised shape.
	ErrUnknownFormat = errors.New("backup: unknown backup format")
	// ErrUnsupportedVersion is returned for unified documents other than v1.
	ErrUnsupportedVersion = errors.New("backup: unsupported open coordinator backup version")
	// ErrCorrupted is returned for unreadable or incomplete documents.
	ErrCorrupted = errors.New("backup: corrupted")
	// ErrRestoreUnsupported is returned when restoring to Z-Stack 1.2.
	ErrRestoreUnsupported = errors.New("backup: restore is not supported for Z-Stack 1.2")
	// ErrTableCapacity is returned when a target table has no free slot.
	ErrTableCapacity = errors.New("backup: target table size insufficient")
	// ErrNotCommissioned is returned when the adapter has no network.
	ErrNotCommissioned = errors.New("backup: adapter not commissioned")
)

// NetworkOptions are the parameters that identify a network.
type NetworkOptions struct {
	PanID                uint16
	ExtendedPanID        structs.ExtPanID
	ChannelList          []uint8
	NetworkKey           structs.Key
	NetworkKeyDistribute bool
}

// Equal compares two option sets. Channel lists compare as sets.
func (o NetworkOptions) Equal(other NetworkOptions) bool {
	a, errA := PackChannelList(o.ChannelList)
	b, errB := PackChannelList(other.ChannelList)
	return o.PanID == other.PanID &&
		o.ExtendedPanID == other.ExtendedPanID &&
		o.NetworkKey == other.NetworkKey &&
		errA == nil && errB == nil && a == b &&
		o.NetworkKeyDistribute == other.NetworkKeyDistribute
}

// LinkKey is a device APS link key with its frame counters.
type LinkKey struct {
	Key       structs.Key
	RxCounter uint32
	TxCounter uint32
}

// Device is a device known to the coordinator.
type Device struct {
	NetworkAddress uint16
	IEEEAddress    structs.IEEEAddr
	IsDirectChild  bool
	LinkKey        *LinkKey
}

// Backup is a snapshot of the coordinator network state.
type Backup struct {
	// StackVersion is the product the backup was taken from, when known.
	StackVersion      *znp.Product
	TrustCenterSeed   *structs.Key
	NetworkOptions    NetworkOptions
	LogicalChannel    uint8
	KeySequenceNumber uint8
	FrameCounter      uint32
	SecurityLevel     uint8
	UpdateID          uint8
	CoordinatorIEEE   structs.IEEEAddr
	Devices           []Device
	CreatedAt         time.Time
}

// Device returns the device with the given address.
func (b *Backup) Device(ieee structs.IEEEAddr) (Device, bool) {
	i := slices.IndexFunc(b.Devices, func(d Device) bool { return d.IEEEAddress == ieee })
	if i < 0 {
		return Device{}, false
	}
	return b.Devices[i], true
}

// Channel limits of the 2.4 GHz band.
const (
	MinChannel = 11
	MaxChannel = 26
)

// PackChannelList converts channel numbers into the CHANLIST bitmask.
func PackChannelList(channels []uint8) (uint32, error) {
	var mask uint32
	for _, c := range channels {
		if c < MinChannel || c > MaxChannel {
			return 0, fmt.Errorf("backup: unsupported channel %d", c)
		}
		mask |= 1 << c
	}
	return mask, nil
}

// UnpackChannelList converts a CHANLIST bitmask into ascending channel
// numbers. Bits outside the band are ignored.
func UnpackChannelList(mask uint32) []uint8 {
	var channels []uint8
	for c := uint8(MinChannel); c <= MaxChannel; c++ {
		if mask&(1<<c) != 0 {
			channels = append(channels, c)
		}
	}
	return channels
}
