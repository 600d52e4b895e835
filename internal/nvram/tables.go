package nvram

import (
	"context"
	"errors"
	"fmt"

	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
)

// TableMode selects how a table is laid out in NV memory.
type TableMode int

const (
	// Legacy tables occupy consecutive item ids, one entry per item.
	Legacy TableMode = iota
	// Extended tables occupy consecutive sub ids of one extended item.
	Extended
)

func (m TableMode) String() string {
	if m == Extended {
		return "extended"
	}
	return "legacy"
}

// TableAddress locates a table.
type TableAddress struct {
	Mode     TableMode
	SystemID znp.NvSystemID
	ItemID   uint16
	// MaxLength bounds discovery; zero means the full 16-bit id space.
	MaxLength int
}

// LegacyTable addresses a table starting at item id start.
func LegacyTable(start znp.NvItemID, maxLength int) TableAddress {
	return TableAddress{Mode: Legacy, ItemID: uint16(start), MaxLength: maxLength}
}

// ExtendedTable addresses a table stored under an extended item.
func ExtendedTable(sys znp.NvSystemID, item uint16, maxLength int) TableAddress {
	return TableAddress{Mode: Extended, SystemID: sys, ItemID: item, MaxLength: maxLength}
}

func (a TableAddress) limit() int {
	if a.MaxLength > 0 {
		return a.MaxLength
	}
	return 0x10000
}

func (a TableAddress) String() string {
	if a.Mode == Extended {
		return fmt.Sprintf("extended table %d/0x%04X", a.SystemID, a.ItemID)
	}
	return fmt.Sprintf("legacy table 0x%04X", a.ItemID)
}

func (a TableAddress) extended(sub int) znp.ExtendedItem {
	return znp.ExtendedItem{SystemID: a.SystemID, ItemID: a.ItemID, SubID: uint16(sub)}
}

// ReadTableEntries reads entries in order until an absent entry or the
// table limit.
func (d *Driver) ReadTableEntries(ctx context.Context, addr TableAddress) ([][]byte, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	var entries [][]byte
	for i := 0; i < addr.limit(); i++ {
		var (
			data []byte
			err  error
		)
		if addr.Mode == Extended {
			data, err = d.ReadExtendedTableEntry(ctx, addr.extended(i))
		} else {
			data, err = d.ReadItem(ctx, znp.NvItemID(int(addr.ItemID)+i), 0)
		}
		if errors.Is(err, ErrNotExist) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("nvram: %s entry %d: %w", addr, i, err)
		}
		entries = append(entries, data)
	}
	d.logger.Debug("nv table read", "table", addr.String(), "entries", len(entries))
	return entries, nil
}

// WriteTableEntries writes entries starting at the table origin.
func (d *Driver) WriteTableEntries(ctx context.Context, addr TableAddress, entries [][]byte) error {
	if err := d.check(); err != nil {
		return err
	}
	if len(entries) > addr.limit() {
		return fmt.Errorf("nvram: %s: %d entries exceed limit %d", addr, len(entries), addr.limit())
	}
	for i, data := range entries {
		var err error
		if addr.Mode == Extended {
			err = d.WriteExtendedTableEntry(ctx, addr.extended(i), data)
		} else {
			err = d.WriteItem(ctx, znp.NvItemID(int(addr.ItemID)+i), data)
		}
		if err != nil {
			return fmt.Errorf("nvram: %s entry %d: %w", addr, i, err)
		}
	}
	return nil
}

// ReadTable reads a table and decodes its entries.
func ReadTable[R structs.Record](ctx context.Context, d *Driver, addr TableAddress, spec structs.TableSpec[R]) (*structs.Table[R], error) {
	entries, err := d.ReadTableEntries(ctx, addr)
	if err != nil {
		return nil, err
	}
	t, err := spec.FromEntryBuffers(entries)
	if err != nil {
		return nil, fmt.Errorf("nvram: %s: %w", addr, err)
	}
	return t, nil
}

// WriteTable serializes every entry with the device alignment and writes
// them in order.
func WriteTable[R structs.Record](ctx context.Context, d *Driver, addr TableAddress, t *structs.Table[R]) error {
	if err := d.check(); err != nil {
		return err
	}
	entries := make([][]byte, 0, t.Capacity())
	for _, e := range t.Entries() {
		entries = append(entries, e.Raw().Serialize(d.alignment))
	}
	return d.WriteTableEntries(ctx, addr, entries)
}

// ReadInlineTable reads a table stored in a single legacy item.
func ReadInlineTable[R structs.Record](ctx context.Context, d *Driver, id znp.NvItemID, spec structs.TableSpec[R]) (*structs.Table[R], error) {
	data, err := d.ReadItem(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	t, err := spec.FromBytes(data, d.alignment)
	if err != nil {
		return nil, fmt.Errorf("nvram: %s: %w", id, err)
	}
	return t, nil
}

// WriteObject serializes obj with the device alignment and writes it.
func (d *Driver) WriteObject(ctx context.Context, id znp.NvItemID, obj structs.Serializable, opts ...WriteOption) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.WriteItem(ctx, id, obj.Serialize(d.alignment), opts...)
}

// UpdateObject is UpdateItem for a serializable object.
func (d *Driver) UpdateObject(ctx context.Context, id znp.NvItemID, obj structs.Serializable, opts ...WriteOption) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.UpdateItem(ctx, id, obj.Serialize(d.alignment), opts...)
}

// ReadNIB reads and decodes the network information base.
func (d *Driver) ReadNIB(ctx context.Context) (structs.NIB, error) {
	data, err := d.ReadItem(ctx, znp.NvNIB, 0)
	if err != nil {
		return structs.NIB{}, err
	}
	nib, err := structs.DecodeNIB(data)
	if err != nil {
		return structs.NIB{}, fmt.Errorf("nvram: %s: %w", znp.NvNIB, err)
	}
	return nib, nil
}
