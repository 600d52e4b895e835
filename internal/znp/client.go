package znp

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultAttempts = 3
	resetIndTimeout = 30 * time.Second
)

// Client issues typed MT commands over a Transport. Transport failures are
// retried a bounded number of times; device status errors are not.
type Client struct {
	t        Transport
	logger   *slog.Logger
	attempts int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAttempts sets how many times a request is tried before giving up.
func WithAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// NewClient wraps a transport.
func NewClient(t Transport, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{t: t, logger: logger.With("component", "znp-client"), attempts: defaultAttempts}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport { return c.t }

// WaitFor registers interest in an indication.
func (c *Client) WaitFor(sub Subsystem, cmd uint8, match func([]byte) bool, timeout time.Duration) *Waiter {
	return c.t.WaitFor(sub, cmd, match, timeout)
}

func (c *Client) call(ctx context.Context, sub Subsystem, cmd uint8, name string, payload []byte) ([]byte, error) {
	var rsp []byte
	op := func() error {
		var err error
		rsp, err = c.t.Request(ctx, sub, cmd, payload)
		return err
	}
	notify := func(err error, _ time.Duration) {
		c.logger.Warn("znp request failed, retrying", "cmd", sub.String()+"."+name, "err", err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(c.attempts-1)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("znp %s.%s: %w", sub, name, err)
	}
	return rsp, nil
}

// callStatus issues a request whose response starts with a status byte and
// fails on anything but success.
func (c *Client) callStatus(ctx context.Context, sub Subsystem, cmd uint8, name string, payload []byte) ([]byte, error) {
	rsp, err := c.call(ctx, sub, cmd, name, payload)
	if err != nil {
		return nil, err
	}
	if len(rsp) < 1 {
		return nil, fmt.Errorf("znp %s.%s: %w", sub, name, ErrShortResponse)
	}
	if st := Status(rsp[0]); st != StatusSuccess {
		return nil, &StatusError{Subsystem: sub, Command: name, Status: st}
	}
	return rsp[1:], nil
}

func short(sub Subsystem, name string, rsp []byte, n int) error {
	if len(rsp) < n {
		return fmt.Errorf("znp %s.%s: %w (%d < %d bytes)", sub, name, ErrShortResponse, len(rsp), n)
	}
	return nil
}

func reversed8(b []byte) [8]byte {
	var a [8]byte
	for i := 0; i < 8; i++ {
		a[i] = b[7-i]
	}
	return a
}

// ---- SYS ----

// VersionInfo is the SYS version response.
type VersionInfo struct {
	TransportRev uint8
	Product      Product
	Major        uint8
	Minor        uint8
	Maint        uint8
	Revision     uint32
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%s %d.%d.%d (rev %d)", v.Product, v.Major, v.Minor, v.Maint, v.Revision)
}

// Version reads the firmware version.
func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	rsp, err := c.call(ctx, SubsystemSYS, CmdSysVersion, "version", nil)
	if err != nil {
		return VersionInfo{}, err
	}
	if err := short(SubsystemSYS, "version", rsp, 5); err != nil {
		return VersionInfo{}, err
	}
	v := VersionInfo{
		TransportRev: rsp[0],
		Product:      Product(rsp[1]),
		Major:        rsp[2],
		Minor:        rsp[3],
		Maint:        rsp[4],
	}
	if len(rsp) >= 9 {
		v.Revision = binary.LittleEndian.Uint32(rsp[5:9])
	}
	return v, nil
}

// ResetIndication is the SYS resetInd payload.
type ResetIndication struct {
	Reason       uint8
	TransportRev uint8
	Product      Product
	Major        uint8
	Minor        uint8
	HwRev        uint8
}

// Reset requests a reset and waits for the reset indication.
func (c *Client) Reset(ctx context.Context, typ ResetType) (ResetIndication, error) {
	w := c.t.WaitFor(SubsystemSYS, CmdSysResetInd, nil, resetIndTimeout)
	if err := c.t.Post(ctx, SubsystemSYS, CmdSysResetReq, []byte{byte(typ)}); err != nil {
		w.Cancel()
		return ResetIndication{}, fmt.Errorf("znp SYS.resetReq: %w", err)
	}
	payload, err := w.Wait(ctx)
	if err != nil {
		return ResetIndication{}, fmt.Errorf("znp SYS.resetInd: %w", err)
	}
	var ind ResetIndication
	if len(payload) >= 6 {
		ind = ResetIndication{
			Reason:       payload[0],
			TransportRev: payload[1],
			Product:      Product(payload[2]),
			Major:        payload[3],
			Minor:        payload[4],
			HwRev:        payload[5],
		}
	}
	return ind, nil
}

// GetExtAddr returns the device IEEE address in display order.
func (c *Client) GetExtAddr(ctx context.Context) ([8]byte, error) {
	rsp, err := c.call(ctx, SubsystemSYS, CmdSysGetExtAddr, "getExtAddr", nil)
	if err != nil {
		return [8]byte{}, err
	}
	if err := short(SubsystemSYS, "getExtAddr", rsp, 8); err != nil {
		return [8]byte{}, err
	}
	return reversed8(rsp[:8]), nil
}

// OsalNvItemInit creates a legacy item. It returns the raw status so
// callers can distinguish created (StatusNvItemInitialized) from existing
// (StatusSuccess) items.
func (c *Client) OsalNvItemInit(ctx context.Context, id NvItemID, length uint16, init []byte) (Status, error) {
	req := make([]byte, 5, 5+len(init))
	binary.LittleEndian.PutUint16(req[0:], uint16(id))
	binary.LittleEndian.PutUint16(req[2:], length)
	req[4] = byte(len(init))
	req = append(req, init...)
	rsp, err := c.call(ctx, SubsystemSYS, CmdSysOsalNvItemInit, "osalNvItemInit", req)
	if err != nil {
		return 0, err
	}
	if err := short(SubsystemSYS, "osalNvItemInit", rsp, 1); err != nil {
		return 0, err
	}
	return Status(rsp[0]), nil
}

// OsalNvLength returns the length of a legacy item, zero if absent.
func (c *Client) OsalNvLength(ctx context.Context, id NvItemID) (uint16, error) {
	rsp, err := c.call(ctx, SubsystemSYS, CmdSysOsalNvLength, "osalNvLength",
		binary.LittleEndian.AppendUint16(nil, uint16(id)))
	if err != nil {
		return 0, err
	}
	if err := short(SubsystemSYS, "osalNvLength", rsp, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(rsp), nil
}

// OsalNvReadExt reads a legacy item from offset. The device returns as
// much as fits in one frame.
func (c *Client) OsalNvReadExt(ctx context.Context, id NvItemID, offset uint16) ([]byte, error) {
	req := binary.LittleEndian.AppendUint16(nil, uint16(id))
	req = binary.LittleEndian.AppendUint16(req, offset)
	rsp, err := c.callStatus(ctx, SubsystemSYS, CmdSysOsalNvReadExt, "osalNvReadExt", req)
	if err != nil {
		return nil, err
	}
	return lengthPrefixed(SubsystemSYS, "osalNvReadExt", rsp)
}

// OsalNvWriteExt writes value into a legacy item at offset.
func (c *Client) OsalNvWriteExt(ctx context.Context, id NvItemID, offset uint16, value []byte) error {
	req := binary.LittleEndian.AppendUint16(nil, uint16(id))
	req = binary.LittleEndian.AppendUint16(req, offset)
	req = binary.LittleEndian.AppendUint16(req, uint16(len(value)))
	req = append(req, value...)
	_, err := c.callStatus(ctx, SubsystemSYS, CmdSysOsalNvWriteExt, "osalNvWriteExt", req)
	return err
}

// OsalNvDelete deletes a legacy item of the given length and returns the
// raw status.
func (c *Client) OsalNvDelete(ctx context.Context, id NvItemID, length uint16) (Status, error) {
	req := binary.LittleEndian.AppendUint16(nil, uint16(id))
	req = binary.LittleEndian.AppendUint16(req, length)
	rsp, err := c.call(ctx, SubsystemSYS, CmdSysOsalNvDelete, "osalNvDelete", req)
	if err != nil {
		return 0, err
	}
	if err := short(SubsystemSYS, "osalNvDelete", rsp, 1); err != nil {
		return 0, err
	}
	return Status(rsp[0]), nil
}

// ExtendedItem addresses an entry in the extended NV item space.
type ExtendedItem struct {
	SystemID NvSystemID
	ItemID   uint16
	SubID    uint16
}

func (e ExtendedItem) String() string {
	return fmt.Sprintf("%d/0x%04X/0x%04X", e.SystemID, e.ItemID, e.SubID)
}

func (e ExtendedItem) appendTo(b []byte) []byte {
	b = append(b, byte(e.SystemID))
	b = binary.LittleEndian.AppendUint16(b, e.ItemID)
	return binary.LittleEndian.AppendUint16(b, e.SubID)
}

// NvLength returns the length of an extended item, zero if absent.
func (c *Client) NvLength(ctx context.Context, item ExtendedItem) (uint32, error) {
	rsp, err := c.call(ctx, SubsystemSYS, CmdSysNvLength, "nvLength", item.appendTo(nil))
	if err != nil {
		return 0, err
	}
	if err := short(SubsystemSYS, "nvLength", rsp, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(rsp), nil
}

// NvRead reads up to length bytes of an extended item from offset.
func (c *Client) NvRead(ctx context.Context, item ExtendedItem, offset uint16, length uint8) ([]byte, error) {
	req := item.appendTo(nil)
	req = binary.LittleEndian.AppendUint16(req, offset)
	req = append(req, length)
	rsp, err := c.callStatus(ctx, SubsystemSYS, CmdSysNvRead, "nvRead", req)
	if err != nil {
		return nil, err
	}
	return lengthPrefixed(SubsystemSYS, "nvRead", rsp)
}

// NvWrite writes value into an extended item at offset.
func (c *Client) NvWrite(ctx context.Context, item ExtendedItem, offset uint16, value []byte) error {
	req := item.appendTo(nil)
	req = binary.LittleEndian.AppendUint16(req, offset)
	req = append(req, byte(len(value)))
	req = append(req, value...)
	_, err := c.callStatus(ctx, SubsystemSYS, CmdSysNvWrite, "nvWrite", req)
	return err
}

// NvCreate creates an extended item of the given length.
func (c *Client) NvCreate(ctx context.Context, item ExtendedItem, length uint32) error {
	req := binary.LittleEndian.AppendUint32(item.appendTo(nil), length)
	_, err := c.callStatus(ctx, SubsystemSYS, CmdSysNvCreate, "nvCreate", req)
	return err
}

// NvDelete deletes an extended item.
func (c *Client) NvDelete(ctx context.Context, item ExtendedItem) error {
	_, err := c.callStatus(ctx, SubsystemSYS, CmdSysNvDelete, "nvDelete", item.appendTo(nil))
	return err
}

func lengthPrefixed(sub Subsystem, name string, rsp []byte) ([]byte, error) {
	if err := short(sub, name, rsp, 1); err != nil {
		return nil, err
	}
	n := int(rsp[0])
	if err := short(sub, name, rsp, 1+n); err != nil {
		return nil, err
	}
	return rsp[1 : 1+n], nil
}

// ---- UTIL ----

// DeviceInfo is the UTIL getDeviceInfo response.
type DeviceInfo struct {
	IEEEAddr    [8]byte
	ShortAddr   uint16
	DeviceType  uint8
	DeviceState DeviceState
}

func (c *Client) GetDeviceInfo(ctx context.Context) (DeviceInfo, error) {
	rsp, err := c.callStatus(ctx, SubsystemUTIL, CmdUtilGetDeviceInfo, "getDeviceInfo", nil)
	if err != nil {
		return DeviceInfo{}, err
	}
	if err := short(SubsystemUTIL, "getDeviceInfo", rsp, 12); err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		IEEEAddr:    reversed8(rsp[0:8]),
		ShortAddr:   binary.LittleEndian.Uint16(rsp[8:10]),
		DeviceType:  rsp[10],
		DeviceState: DeviceState(rsp[11]),
	}, nil
}

// ---- ZDO ----

// StartupFromApp starts the network stack after delay milliseconds. The
// returned status tells whether the network state was restored (success),
// created anew (failure) or not started.
func (c *Client) StartupFromApp(ctx context.Context, delay uint16) (Status, error) {
	rsp, err := c.call(ctx, SubsystemZDO, CmdZdoStartupFromApp, "startupFromApp",
		binary.LittleEndian.AppendUint16(nil, delay))
	if err != nil {
		return 0, err
	}
	if err := short(SubsystemZDO, "startupFromApp", rsp, 1); err != nil {
		return 0, err
	}
	return Status(rsp[0]), nil
}

// ExtNwkInfo is the ZDO extNwkInfo response.
type ExtNwkInfo struct {
	ShortAddr     uint16
	DeviceState   DeviceState
	PanID         uint16
	ParentAddr    uint16
	ExtendedPanID [8]byte
	ParentExtAddr [8]byte
	Channel       uint8
}

func (c *Client) ExtNwkInfo(ctx context.Context) (ExtNwkInfo, error) {
	rsp, err := c.call(ctx, SubsystemZDO, CmdZdoExtNwkInfo, "extNwkInfo", nil)
	if err != nil {
		return ExtNwkInfo{}, err
	}
	if err := short(SubsystemZDO, "extNwkInfo", rsp, 24); err != nil {
		return ExtNwkInfo{}, err
	}
	return ExtNwkInfo{
		ShortAddr:     binary.LittleEndian.Uint16(rsp[0:2]),
		DeviceState:   DeviceState(rsp[2]),
		PanID:         binary.LittleEndian.Uint16(rsp[3:5]),
		ParentAddr:    binary.LittleEndian.Uint16(rsp[5:7]),
		ExtendedPanID: reversed8(rsp[7:15]),
		ParentExtAddr: reversed8(rsp[15:23]),
		Channel:       rsp[23],
	}, nil
}

// WaitForState registers a waiter for a ZDO state change to state.
func (c *Client) WaitForState(state DeviceState, timeout time.Duration) *Waiter {
	return c.t.WaitFor(SubsystemZDO, CmdZdoStateChangeInd, func(p []byte) bool {
		return len(p) >= 1 && DeviceState(p[0]) == state
	}, timeout)
}

// ---- APP_CNF ----

// BdbSetChannel sets the primary or secondary BDB channel mask.
func (c *Client) BdbSetChannel(ctx context.Context, primary bool, mask uint32) error {
	var isPrimary byte
	if primary {
		isPrimary = 1
	}
	req := binary.LittleEndian.AppendUint32([]byte{isPrimary}, mask)
	_, err := c.callStatus(ctx, SubsystemAPPConfig, CmdAppCnfBdbSetChannel, "bdbSetChannel", req)
	return err
}

// BdbStartCommissioning starts BDB commissioning in the given mode.
func (c *Client) BdbStartCommissioning(ctx context.Context, mode uint8) error {
	_, err := c.callStatus(ctx, SubsystemAPPConfig, CmdAppCnfBdbStartCommissioning, "bdbStartCommissioning", []byte{mode})
	return err
}

// ---- SAPI ----

// ReadConfiguration reads a SAPI configuration value.
func (c *Client) ReadConfiguration(ctx context.Context, configID uint8) ([]byte, error) {
	rsp, err := c.callStatus(ctx, SubsystemSAPI, CmdSapiReadConfiguration, "readConfiguration", []byte{configID})
	if err != nil {
		return nil, err
	}
	if err := short(SubsystemSAPI, "readConfiguration", rsp, 2); err != nil {
		return nil, err
	}
	return lengthPrefixed(SubsystemSAPI, "readConfiguration", rsp[1:])
}

// WriteConfiguration writes a SAPI configuration value.
func (c *Client) WriteConfiguration(ctx context.Context, configID uint8, value []byte) error {
	req := append([]byte{configID, byte(len(value))}, value...)
	_, err := c.callStatus(ctx, SubsystemSAPI, CmdSapiWriteConfiguration, "writeConfiguration", req)
	return err
}
