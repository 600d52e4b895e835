// Package znptest provides an in-memory Z-Stack network processor for
// tests.
package znptest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
)

// ErrInjected is returned for injected transport failures.
var ErrInjected = errors.New("znptest: injected transport failure")

// Call records one request received by the device.
type Call struct {
	Type      znp.MessageType
	Subsystem znp.Subsystem
	Command   uint8
	Payload   []byte
}

type cmdKey struct {
	sub znp.Subsystem
	cmd uint8
}

// Device simulates NV memory and network bring-up of a coordinator.
// Exported fields may be changed between calls while no request is in
// flight.
type Device struct {
	mu sync.Mutex

	Product   znp.Product
	Alignment structs.Alignment
	IEEE      [8]byte
	State     znp.DeviceState

	Items    map[znp.NvItemID][]byte
	ExtItems map[znp.ExtendedItem][]byte

	// MaxReadChunk bounds the bytes returned by one osalNvReadExt or nvRead.
	MaxReadChunk int
	// FormPanID, when set, replaces the configured PAN ID on formation to
	// simulate a PAN ID conflict.
	FormPanID uint16
	// SuppressStateChange stops the device from reporting coordinator state.
	SuppressStateChange bool
	// SettleReads is the number of upcoming NIB reads that report a
	// network that has not settled yet (PAN ID 0xFFFF). The NIB must fit
	// in one read chunk.
	SettleReads int

	calls    []Call
	failures map[cmdKey]int
	waiters  znp.Waiters
}

// NewDevice returns a factory-fresh device. The NWKKEY item is sized for
// the requested alignment, which is how the host detects it.
func NewDevice(product znp.Product, alignment structs.Alignment) *Device {
	d := &Device{
		Product:      product,
		Alignment:    alignment,
		IEEE:         [8]byte{0x00, 0x12, 0x4b, 0x00, 0x1c, 0xaa, 0xbb, 0xcc},
		State:        znp.DevHold,
		Items:        make(map[znp.NvItemID][]byte),
		ExtItems:     make(map[znp.ExtendedItem][]byte),
		MaxReadChunk: 128,
		failures:     make(map[cmdKey]int),
	}
	d.Items[znp.NvNwkKey] = nwkKeyItem(structs.NewActiveKeyItems(), alignment)
	d.Items[znp.NvExtAddr] = reversed(d.IEEE[:])
	return d
}

// FailNext makes the next n requests of a command fail at transport level.
func (d *Device) FailNext(sub znp.Subsystem, cmd uint8, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[cmdKey{sub, cmd}] = n
}

// Calls returns a copy of the recorded requests.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Count returns how many requests of a command were received.
func (d *Device) Count(sub znp.Subsystem, cmd uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Subsystem == sub && c.Command == cmd {
			n++
		}
	}
	return n
}

// Item returns a copy of a legacy item and whether it exists.
func (d *Device) Item(id znp.NvItemID) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.Items[id]
	return bytes.Clone(v), ok
}

// SetItem stores a legacy item.
func (d *Device) SetItem(id znp.NvItemID, v []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Items[id] = bytes.Clone(v)
}

// ExtItem returns a copy of an extended item and whether it exists.
func (d *Device) ExtItem(item znp.ExtendedItem) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.ExtItems[item]
	return bytes.Clone(v), ok
}

// SetExtItem stores an extended item.
func (d *Device) SetExtItem(item znp.ExtendedItem, v []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ExtItems[item] = bytes.Clone(v)
}

// WaitFor implements znp.Transport.
func (d *Device) WaitFor(sub znp.Subsystem, cmd uint8, match func([]byte) bool, timeout time.Duration) *znp.Waiter {
	return d.waiters.Add(sub, cmd, match, timeout)
}

// Post implements znp.Transport.
func (d *Device) Post(ctx context.Context, sub znp.Subsystem, cmd uint8, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.calls = append(d.calls, Call{Type: znp.TypeAREQ, Subsystem: sub, Command: cmd, Payload: bytes.Clone(payload)})
	if err := d.injected(sub, cmd); err != nil {
		d.mu.Unlock()
		return err
	}
	var ind []indication
	if sub == znp.SubsystemSYS && cmd == znp.CmdSysResetReq {
		ind = d.reset()
	}
	d.mu.Unlock()
	d.emit(ind)
	return nil
}

// Request implements znp.Transport.
func (d *Device) Request(ctx context.Context, sub znp.Subsystem, cmd uint8, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.calls = append(d.calls, Call{Type: znp.TypeSREQ, Subsystem: sub, Command: cmd, Payload: bytes.Clone(payload)})
	if err := d.injected(sub, cmd); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	rsp, ind, err := d.handle(sub, cmd, payload)
	d.mu.Unlock()
	d.emit(ind)
	return rsp, err
}

func (d *Device) injected(sub znp.Subsystem, cmd uint8) error {
	k := cmdKey{sub, cmd}
	if d.failures[k] > 0 {
		d.failures[k]--
		return fmt.Errorf("%w: %s.0x%02X", ErrInjected, sub, cmd)
	}
	return nil
}

type indication struct {
	sub     znp.Subsystem
	cmd     uint8
	payload []byte
}

func (d *Device) emit(ind []indication) {
	for _, i := range ind {
		d.waiters.Dispatch(i.sub, i.cmd, i.payload)
	}
}

func status(s znp.Status) []byte { return []byte{byte(s)} }

func (d *Device) handle(sub znp.Subsystem, cmd uint8, p []byte) ([]byte, []indication, error) {
	switch sub {
	case znp.SubsystemSYS:
		return d.handleSys(cmd, p)
	case znp.SubsystemUTIL:
		if cmd == znp.CmdUtilGetDeviceInfo {
			rsp := []byte{byte(znp.StatusSuccess)}
			rsp = append(rsp, reversed(d.IEEE[:])...)
			rsp = append(rsp, 0x00, 0x00, 0x07, byte(d.State), 0x00)
			return rsp, nil, nil
		}
	case znp.SubsystemZDO:
		switch cmd {
		case znp.CmdZdoStartupFromApp:
			if _, ok := d.Items[znp.NvNIB]; ok {
				return status(znp.StatusSuccess), d.coordinatorUp(), nil
			}
			return status(znp.StatusFailure), d.form(), nil
		case znp.CmdZdoExtNwkInfo:
			return d.extNwkInfo(), nil, nil
		}
	case znp.SubsystemAPPConfig:
		switch cmd {
		case znp.CmdAppCnfBdbSetChannel:
			return status(znp.StatusSuccess), nil, nil
		case znp.CmdAppCnfBdbStartCommissioning:
			if len(p) == 1 && p[0] == znp.CommissioningModeNwkFormation {
				return status(znp.StatusSuccess), d.form(), nil
			}
			return status(znp.StatusSuccess), nil, nil
		}
	case znp.SubsystemSAPI:
		switch cmd {
		case znp.CmdSapiReadConfiguration:
			v, ok := d.Items[znp.NvItemID(p[0])]
			if !ok {
				return status(znp.StatusInvalidParameter), nil, nil
			}
			return append([]byte{byte(znp.StatusSuccess), p[0], byte(len(v))}, v...), nil, nil
		case znp.CmdSapiWriteConfiguration:
			d.Items[znp.NvItemID(p[0])] = bytes.Clone(p[2 : 2+int(p[1])])
			return status(znp.StatusSuccess), nil, nil
		}
	}
	return nil, nil, fmt.Errorf("znptest: unsupported command %s.0x%02X", sub, cmd)
}

func (d *Device) handleSys(cmd uint8, p []byte) ([]byte, []indication, error) {
	le := binary.LittleEndian
	switch cmd {
	case znp.CmdSysVersion:
		return []byte{0x02, byte(d.Product), 0x02, 0x07, 0x01, 0x11, 0x06, 0x34, 0x01}, nil, nil

	case znp.CmdSysGetExtAddr:
		if v, ok := d.Items[znp.NvExtAddr]; ok && len(v) == 8 {
			return bytes.Clone(v), nil, nil
		}
		return reversed(d.IEEE[:]), nil, nil

	case znp.CmdSysOsalNvLength:
		id := znp.NvItemID(le.Uint16(p))
		return le.AppendUint16(nil, uint16(len(d.Items[id]))), nil, nil

	case znp.CmdSysOsalNvReadExt:
		id := znp.NvItemID(le.Uint16(p))
		off := int(le.Uint16(p[2:]))
		v, ok := d.Items[id]
		if !ok {
			return status(znp.StatusNvOperFailed), nil, nil
		}
		if id == znp.NvNIB && off == 0 && d.SettleReads > 0 {
			d.SettleReads--
			v = d.unsettledNIB(v)
		}
		if off > len(v) {
			return status(znp.StatusInvalidParameter), nil, nil
		}
		chunk := v[off:min(len(v), off+d.MaxReadChunk)]
		return append([]byte{byte(znp.StatusSuccess), byte(len(chunk))}, chunk...), nil, nil

	case znp.CmdSysOsalNvWriteExt:
		id := znp.NvItemID(le.Uint16(p))
		off := int(le.Uint16(p[2:]))
		n := int(le.Uint16(p[4:]))
		v, ok := d.Items[id]
		if !ok {
			return status(znp.StatusNvOperFailed), nil, nil
		}
		if off+n > len(v) {
			return status(znp.StatusNvBadItemLen), nil, nil
		}
		copy(v[off:], p[6:6+n])
		return status(znp.StatusSuccess), nil, nil

	case znp.CmdSysOsalNvItemInit:
		id := znp.NvItemID(le.Uint16(p))
		n := int(le.Uint16(p[2:]))
		initLen := int(p[4])
		if _, ok := d.Items[id]; ok {
			return status(znp.StatusSuccess), nil, nil
		}
		v := make([]byte, n)
		copy(v, p[5:5+initLen])
		d.Items[id] = v
		return status(znp.StatusNvItemInitialized), nil, nil

	case znp.CmdSysOsalNvDelete:
		id := znp.NvItemID(le.Uint16(p))
		n := int(le.Uint16(p[2:]))
		v, ok := d.Items[id]
		if !ok {
			return status(znp.StatusNvItemUninit), nil, nil
		}
		if n != len(v) {
			return status(znp.StatusNvBadItemLen), nil, nil
		}
		delete(d.Items, id)
		return status(znp.StatusSuccess), nil, nil

	case znp.CmdSysNvLength:
		item := extItem(p)
		return le.AppendUint32(nil, uint32(len(d.ExtItems[item]))), nil, nil

	case znp.CmdSysNvRead:
		item := extItem(p)
		off := int(le.Uint16(p[5:]))
		n := int(p[7])
		v, ok := d.ExtItems[item]
		if !ok {
			return status(znp.StatusNvOperFailed), nil, nil
		}
		if off > len(v) {
			return status(znp.StatusInvalidParameter), nil, nil
		}
		end := min(len(v), off+n, off+d.MaxReadChunk)
		chunk := v[off:end]
		return append([]byte{byte(znp.StatusSuccess), byte(len(chunk))}, chunk...), nil, nil

	case znp.CmdSysNvWrite:
		item := extItem(p)
		off := int(le.Uint16(p[5:]))
		n := int(p[7])
		v, ok := d.ExtItems[item]
		if !ok {
			return status(znp.StatusNvOperFailed), nil, nil
		}
		if off+n > len(v) {
			return status(znp.StatusNvBadItemLen), nil, nil
		}
		copy(v[off:], p[8:8+n])
		return status(znp.StatusSuccess), nil, nil

	case znp.CmdSysNvCreate:
		item := extItem(p)
		n := int(le.Uint32(p[5:]))
		if _, ok := d.ExtItems[item]; ok {
			return status(znp.StatusSuccess), nil, nil
		}
		d.ExtItems[item] = make([]byte, n)
		return status(znp.StatusSuccess), nil, nil

	case znp.CmdSysNvDelete:
		delete(d.ExtItems, extItem(p))
		return status(znp.StatusSuccess), nil, nil
	}
	return nil, nil, fmt.Errorf("znptest: unsupported command SYS.0x%02X", cmd)
}

func extItem(p []byte) znp.ExtendedItem {
	return znp.ExtendedItem{
		SystemID: znp.NvSystemID(p[0]),
		ItemID:   binary.LittleEndian.Uint16(p[1:]),
		SubID:    binary.LittleEndian.Uint16(p[3:]),
	}
}

// reset clears network state when STARTUP_OPTION requests it.
func (d *Device) reset() []indication {
	if opt, ok := d.Items[znp.NvStartupOption]; ok && len(opt) > 0 && opt[0]&znp.StartupOptionClearState != 0 {
		delete(d.Items, znp.NvNIB)
		delete(d.Items, znp.NvHasConfiguredZStack3)
		delete(d.Items, znp.NvHasConfiguredZStack1)
	}
	d.State = znp.DevHold
	return []indication{{
		sub:     znp.SubsystemSYS,
		cmd:     znp.CmdSysResetInd,
		payload: []byte{0x00, 0x02, byte(d.Product), 0x02, 0x07, 0x01},
	}}
}

// form creates a network from the commissioning items.
func (d *Device) form() []indication {
	le := binary.LittleEndian
	nib := structs.NewNIB()
	nib.SetPanID(0xffff)
	if v, ok := d.Items[znp.NvPanID]; ok && len(v) == 2 {
		nib.SetPanID(le.Uint16(v))
	}
	if d.FormPanID != 0 {
		nib.SetPanID(d.FormPanID)
	}
	if v, ok := d.Items[znp.NvChanList]; ok && len(v) == 4 {
		mask := le.Uint32(v)
		nib.SetChannelList(mask)
		if mask != 0 {
			nib.SetLogicalChannel(uint8(bits.TrailingZeros32(mask)))
		}
	}
	if v, ok := d.Items[znp.NvExtendedPanID]; ok && len(v) == 8 {
		nib.SetExtendedPanID(structs.ExtPanID(reversed(v)))
	}
	nib.SetSecurityLevel(5)
	nib.SetCoordExtAddress(d.IEEE)
	d.Items[znp.NvNIB] = nib.Serialize(d.Alignment)

	if key, ok := d.Items[znp.NvPreCfgKey]; ok && len(key) == 16 {
		desc := structs.NewKeyDescriptor()
		desc.SetKey(structs.Key(key))
		// 17 bytes in both layouts.
		d.Items[znp.NvNwkActiveKeyInfo] = desc.Serialize(d.Alignment)
		d.Items[znp.NvNwkAlternKeyInfo] = desc.Serialize(d.Alignment)
		items := structs.NewActiveKeyItems()
		items.Active().SetKey(structs.Key(key))
		d.Items[znp.NvNwkKey] = nwkKeyItem(items, d.Alignment)
	}
	return d.coordinatorUp()
}

// nwkKeyItem lays out NWKKEY as the firmware stores it. ARM builds put
// the frame counter on a four byte boundary, giving 24 bytes.
func nwkKeyItem(items structs.ActiveKeyItems, a structs.Alignment) []byte {
	if a == structs.Unaligned {
		return items.Serialize(structs.Unaligned)
	}
	out := make([]byte, 24)
	copy(out, items.Active().Serialize(structs.Unaligned))
	binary.LittleEndian.PutUint32(out[20:], items.FrameCounter())
	return out
}

func (d *Device) unsettledNIB(v []byte) []byte {
	nib, err := structs.DecodeNIB(v)
	if err != nil {
		return v
	}
	nib.SetPanID(0xffff)
	nib.SetLogicalChannel(0)
	return nib.Serialize(d.Alignment)
}

func (d *Device) coordinatorUp() []indication {
	if d.SuppressStateChange {
		return nil
	}
	d.State = znp.DevZBCoord
	return []indication{{sub: znp.SubsystemZDO, cmd: znp.CmdZdoStateChangeInd, payload: []byte{byte(znp.DevZBCoord)}}}
}

func (d *Device) extNwkInfo() []byte {
	le := binary.LittleEndian
	rsp := le.AppendUint16(nil, 0x0000)
	rsp = append(rsp, byte(d.State))
	var (
		pan     uint16 = 0xffff
		ext     [8]byte
		channel uint8
	)
	if v, ok := d.Items[znp.NvNIB]; ok {
		if nib, err := structs.DecodeNIB(v); err == nil {
			pan = nib.PanID()
			ext = nib.ExtendedPanID()
			channel = nib.LogicalChannel()
		}
	}
	rsp = le.AppendUint16(rsp, pan)
	rsp = le.AppendUint16(rsp, 0x0000)
	rsp = append(rsp, reversed(ext[:])...)
	rsp = append(rsp, make([]byte, 8)...)
	return append(rsp, channel)
}

func reversed(b []byte) []byte {
	out := bytes.Clone(b)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
