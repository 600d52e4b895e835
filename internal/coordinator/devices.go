package coordinator

import (
	"errors"
	"fmt"
	"time"

	"zstack-go-home/internal/backup"
	"zstack-go-home/internal/store"
	"zstack-go-home/internal/structs"
)

// registerDevices records every device of b in the known-device registry,
// keeping the first-seen time of devices already there.
func (c *Coordinator) registerDevices(b *backup.Backup) {
	now := time.Now().UTC()
	for _, d := range b.Devices {
		ieee := fmt.Sprintf("%016X", d.IEEEAddress[:])
		dev, err := c.store.GetDevice(ieee)
		switch {
		case errors.Is(err, store.ErrNotFound):
			dev = &store.Device{IEEEAddress: ieee, FirstSeen: now}
			c.logger.Debug("device registered", "ieee", ieee, "nwk", fmt.Sprintf("0x%04X", d.NetworkAddress))
		case err != nil:
			c.logger.Error("load device", "err", err, "ieee", ieee)
			continue
		}
		dev.NetworkAddress = d.NetworkAddress
		dev.LinkKey = d.LinkKey != nil
		dev.LastSeen = now
		if err := c.store.SaveDevice(dev); err != nil {
			c.logger.Error("save device", "err", err, "ieee", ieee)
		}
	}
}

// knownDevices lists the registry. A device the adapter lost is kept in
// the next backup only while it is listed here.
func (c *Coordinator) knownDevices() ([]structs.IEEEAddr, error) {
	devices, err := c.store.ListDevices()
	if err != nil {
		return nil, err
	}
	known := make([]structs.IEEEAddr, 0, len(devices))
	for _, d := range devices {
		ieee, err := ParseIEEE(d.IEEEAddress)
		if err != nil {
			c.logger.Warn("skipping malformed device entry", "ieee", d.IEEEAddress, "err", err)
			continue
		}
		known = append(known, ieee)
	}
	return known, nil
}

// Devices returns the known-device registry.
func (c *Coordinator) Devices() ([]*store.Device, error) {
	return c.store.ListDevices()
}

// RemoveDevice forgets a device. Once the adapter no longer lists it
// either, the next backup leaves it out.
func (c *Coordinator) RemoveDevice(ieee structs.IEEEAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fmt.Sprintf("%016X", ieee[:])
	if err := c.store.DeleteDevice(key); err != nil {
		return fmt.Errorf("remove device %s: %w", key, err)
	}
	c.logger.Info("device removed", "ieee", key)
	c.events.Emit(Event{Type: EventDeviceRemoved, Data: map[string]interface{}{"ieee": key}})
	return nil
}
