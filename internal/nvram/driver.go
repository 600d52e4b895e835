// Package nvram reads and writes Z-Stack non-volatile memory items over
// the MT protocol.
package nvram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
)

var (
	// ErrNotExist is returned when an item has never been created.
	ErrNotExist = errors.New("nvram: item does not exist")
	// ErrNotInitialized is returned when the driver is used before Init.
	ErrNotInitialized = errors.New("nvram: driver not initialized")
)

const (
	// initChunk bounds the initial value passed to osalNvItemInit.
	initChunk = 240
	// writeChunk bounds a single osalNvWriteExt so the request fits in one
	// MT frame.
	writeChunk = 244
	// extChunk bounds a single nvRead/nvWrite.
	extChunk = 240
)

// Driver accesses NV memory of one device.
type Driver struct {
	client    *znp.Client
	logger    *slog.Logger
	metrics   *Metrics
	alignment structs.Alignment
	ready     bool
}

// Option configures a Driver.
type Option func(*Driver)

// WithMetrics records operations in m.
func WithMetrics(m *Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// New returns an uninitialized driver.
func New(client *znp.Client, logger *slog.Logger, opts ...Option) *Driver {
	d := &Driver{client: client, logger: logger.With("component", "nvram")}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init detects the memory alignment from the NWKKEY item length: the
// packed layout is 21 bytes, anything else is the ARM layout.
func (d *Driver) Init(ctx context.Context) error {
	n, err := d.client.OsalNvLength(ctx, znp.NvNwkKey)
	if err != nil {
		return fmt.Errorf("nvram: detect alignment: %w", err)
	}
	d.alignment = structs.Aligned
	if int(n) == structs.ActiveKeyItemsSize(structs.Unaligned) {
		d.alignment = structs.Unaligned
	}
	d.ready = true
	d.logger.Debug("nv memory alignment detected", "nwkkey_length", n, "alignment", d.alignment.String())
	return nil
}

// Alignment returns the detected alignment.
func (d *Driver) Alignment() (structs.Alignment, error) {
	if !d.ready {
		return 0, ErrNotInitialized
	}
	return d.alignment, nil
}

func (d *Driver) check() error {
	if !d.ready {
		return ErrNotInitialized
	}
	return nil
}

// WriteOption adjusts a write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	offset   int
	autoInit bool
}

// AtOffset writes at a byte offset inside the item.
func AtOffset(off int) WriteOption {
	return func(o *writeOptions) { o.offset = off }
}

// NoAutoInit fails writes to absent items instead of creating them.
func NoAutoInit() WriteOption {
	return func(o *writeOptions) { o.autoInit = false }
}

func writeOpts(opts []WriteOption) writeOptions {
	o := writeOptions{autoInit: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ReadItem reads a legacy item from offset to its end. Absent items yield
// ErrNotExist.
func (d *Driver) ReadItem(ctx context.Context, id znp.NvItemID, offset int) ([]byte, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	n, err := d.client.OsalNvLength(ctx, id)
	if err != nil {
		d.metrics.observe("read", err)
		return nil, fmt.Errorf("nvram: read %s: %w", id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("nvram: read %s: %w", id, ErrNotExist)
	}
	length := int(n)
	buf := make([]byte, 0, length)
	for off := offset; off < length; {
		chunk, err := d.client.OsalNvReadExt(ctx, id, uint16(off))
		if err != nil {
			d.metrics.observe("read", err)
			return nil, fmt.Errorf("nvram: read %s at %d: %w", id, off, err)
		}
		if len(chunk) == 0 {
			d.metrics.observe("read", errShortRead)
			return nil, fmt.Errorf("nvram: read %s at %d: %w", id, off, errShortRead)
		}
		buf = append(buf, chunk...)
		off += len(chunk)
	}
	d.metrics.observe("read", nil)
	d.metrics.addBytes("read", len(buf))
	return buf, nil
}

var errShortRead = errors.New("device returned no data")

// WriteItem writes data into a legacy item, creating it with the final
// length when absent unless NoAutoInit is given.
func (d *Driver) WriteItem(ctx context.Context, id znp.NvItemID, data []byte, opts ...WriteOption) error {
	if err := d.check(); err != nil {
		return err
	}
	o := writeOpts(opts)
	err := d.writeItem(ctx, id, data, o)
	d.metrics.observe("write", err)
	if err == nil {
		d.metrics.addBytes("write", len(data))
	}
	return err
}

func (d *Driver) writeItem(ctx context.Context, id znp.NvItemID, data []byte, o writeOptions) error {
	n, err := d.client.OsalNvLength(ctx, id)
	if err != nil {
		return fmt.Errorf("nvram: write %s: %w", id, err)
	}
	total := o.offset + len(data)
	if n == 0 {
		if !o.autoInit {
			return fmt.Errorf("nvram: write %s: %w", id, ErrNotExist)
		}
		var init []byte
		if o.offset == 0 {
			init = data[:min(len(data), initChunk)]
		}
		st, err := d.client.OsalNvItemInit(ctx, id, uint16(total), init)
		if err != nil {
			return fmt.Errorf("nvram: create %s: %w", id, err)
		}
		// 0x00 means the item already existed, so its length is not ours.
		if st != znp.StatusNvItemInitialized {
			return fmt.Errorf("nvram: create %s: %w", id,
				&znp.StatusError{Subsystem: znp.SubsystemSYS, Command: "osalNvItemInit", Status: st})
		}
		d.logger.Debug("nv item created", "id", id.String(), "length", total)
	} else if int(n) < total {
		return fmt.Errorf("nvram: write %s: %d bytes at offset %d exceed item length %d", id, len(data), o.offset, n)
	}

	for off := 0; off < len(data); off += writeChunk {
		end := min(len(data), off+writeChunk)
		if err := d.client.OsalNvWriteExt(ctx, id, uint16(o.offset+off), data[off:end]); err != nil {
			return fmt.Errorf("nvram: write %s at %d: %w", id, o.offset+off, err)
		}
	}
	return nil
}

// UpdateItem writes data only when the stored value differs or the item
// is absent.
func (d *Driver) UpdateItem(ctx context.Context, id znp.NvItemID, data []byte, opts ...WriteOption) error {
	current, err := d.ReadItem(ctx, id, writeOpts(opts).offset)
	switch {
	case errors.Is(err, ErrNotExist):
	case err != nil:
		return err
	case bytes.Equal(current, data):
		return nil
	}
	return d.WriteItem(ctx, id, data, opts...)
}

// DeleteItem removes a legacy item. Deleting an absent item succeeds.
func (d *Driver) DeleteItem(ctx context.Context, id znp.NvItemID) error {
	if err := d.check(); err != nil {
		return err
	}
	n, err := d.client.OsalNvLength(ctx, id)
	if err != nil {
		d.metrics.observe("delete", err)
		return fmt.Errorf("nvram: delete %s: %w", id, err)
	}
	if n == 0 {
		return nil
	}
	st, err := d.client.OsalNvDelete(ctx, id, n)
	if err == nil && st != znp.StatusSuccess && st != znp.StatusNvItemUninit {
		err = &znp.StatusError{Subsystem: znp.SubsystemSYS, Command: "osalNvDelete", Status: st}
	}
	d.metrics.observe("delete", err)
	if err != nil {
		return fmt.Errorf("nvram: delete %s: %w", id, err)
	}
	return nil
}

// ReadExtendedTableEntry reads one extended item. Absent items yield
// ErrNotExist.
func (d *Driver) ReadExtendedTableEntry(ctx context.Context, item znp.ExtendedItem) ([]byte, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	n, err := d.client.NvLength(ctx, item)
	if err != nil {
		d.metrics.observe("read_ext", err)
		return nil, fmt.Errorf("nvram: read %s: %w", item, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("nvram: read %s: %w", item, ErrNotExist)
	}
	buf := make([]byte, 0, n)
	for off := 0; off < int(n); {
		chunk, err := d.client.NvRead(ctx, item, uint16(off), uint8(min(int(n)-off, extChunk)))
		if err != nil {
			d.metrics.observe("read_ext", err)
			return nil, fmt.Errorf("nvram: read %s at %d: %w", item, off, err)
		}
		if len(chunk) == 0 {
			d.metrics.observe("read_ext", errShortRead)
			return nil, fmt.Errorf("nvram: read %s at %d: %w", item, off, errShortRead)
		}
		buf = append(buf, chunk...)
		off += len(chunk)
	}
	d.metrics.observe("read_ext", nil)
	d.metrics.addBytes("read", len(buf))
	return buf, nil
}

// WriteExtendedTableEntry writes one extended item, creating it when
// absent unless NoAutoInit is given.
func (d *Driver) WriteExtendedTableEntry(ctx context.Context, item znp.ExtendedItem, data []byte, opts ...WriteOption) error {
	if err := d.check(); err != nil {
		return err
	}
	o := writeOpts(opts)
	err := d.writeExtended(ctx, item, data, o)
	d.metrics.observe("write_ext", err)
	if err == nil {
		d.metrics.addBytes("write", len(data))
	}
	return err
}

func (d *Driver) writeExtended(ctx context.Context, item znp.ExtendedItem, data []byte, o writeOptions) error {
	n, err := d.client.NvLength(ctx, item)
	if err != nil {
		return fmt.Errorf("nvram: write %s: %w", item, err)
	}
	total := o.offset + len(data)
	if n == 0 {
		if !o.autoInit {
			return fmt.Errorf("nvram: write %s: %w", item, ErrNotExist)
		}
		if err := d.client.NvCreate(ctx, item, uint32(total)); err != nil {
			return fmt.Errorf("nvram: create %s: %w", item, err)
		}
	} else if int(n) < total {
		return fmt.Errorf("nvram: write %s: %d bytes at offset %d exceed item length %d", item, len(data), o.offset, n)
	}
	for off := 0; off < len(data); off += extChunk {
		end := min(len(data), off+extChunk)
		if err := d.client.NvWrite(ctx, item, uint16(o.offset+off), data[off:end]); err != nil {
			return fmt.Errorf("nvram: write %s at %d: %w", item, o.offset+off, err)
		}
	}
	return nil
}
