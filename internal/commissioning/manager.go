// Package commissioning brings a Z-Stack coordinator onto its network:
// resuming an existing network, forming a new one, or restoring a backup.
package commissioning

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"zstack-go-home/internal/backup"
	"zstack-go-home/internal/nvram"
	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
)

var (
	// ErrSettleTimeout is returned when the NIB does not report the new
	// network within the polling budget.
	ErrSettleTimeout = errors.New("commissioning: timed out waiting for NIB to settle")
	// ErrPanIDCollision is returned when the formed network did not get the
	// requested PAN ID.
	ErrPanIDCollision = errors.New("commissioning: pan id collision detected")
	// ErrInvalidPanID rejects the broadcast PAN ID.
	ErrInvalidPanID = errors.New("commissioning: cannot use pan id 0xFFFF")
)

// State is the commissioning state of the adapter.
type State int

const (
	StateNoNetwork State = iota
	StateProvisioning
	StateCommissioned
	StateRunning
	StateRestoring
)

func (s State) String() string {
	switch s {
	case StateNoNetwork:
		return "no_network"
	case StateProvisioning:
		return "provisioning"
	case StateCommissioned:
		return "commissioned"
	case StateRunning:
		return "running"
	case StateRestoring:
		return "restoring"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StartResult tells how Start brought the network up.
type StartResult string

const (
	ResultResumed  StartResult = "resumed"
	ResultRestored StartResult = "restored"
	ResultReset    StartResult = "reset"
)

// Config tunes timing of the commissioning procedures.
type Config struct {
	// SettleInterval is the delay before each NIB read after formation.
	SettleInterval time.Duration
	// SettleAttempts bounds the NIB reads after formation.
	SettleAttempts int
	// StartTimeout bounds the wait for the coordinator state change.
	StartTimeout time.Duration
	// NVSettleDelay is waited before the reset that flushes NV writes.
	NVSettleDelay time.Duration
}

func (c *Config) defaults() {
	if c.SettleInterval <= 0 {
		c.SettleInterval = 3 * time.Second
	}
	if c.SettleAttempts <= 0 {
		c.SettleAttempts = 10
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 60 * time.Second
	}
	if c.NVSettleDelay <= 0 {
		c.NVSettleDelay = time.Second
	}
}

// NetworkInfo identifies the network stored in the adapter.
type NetworkInfo struct {
	PanID         uint16
	ExtendedPanID structs.ExtPanID
}

// defaultTCLKEntry12 is the global trust center link key entry Z-Stack 1.2
// needs before formation: wildcard address and "ZigBeeAlliance09".
var defaultTCLKEntry12 = []byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x5a, 0x69, 0x67, 0x42, 0x65, 0x65, 0x41, 0x6c,
	0x6c, 0x69, 0x61, 0x6e, 0x63, 0x65, 0x30, 0x39, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// Manager drives the adapter through commissioning. Its methods must not
// be called concurrently.
type Manager struct {
	client  *znp.Client
	nv      *nvram.Driver
	engine  *backup.Engine
	storage backup.Storage
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	product znp.Product
	onState func(State)

	sleep  func(ctx context.Context, d time.Duration) error
	random io.Reader
}

// New returns a manager. storage may be nil, in which case Start never
// restores.
func New(client *znp.Client, nv *nvram.Driver, engine *backup.Engine, storage backup.Storage, cfg Config, logger *slog.Logger) *Manager {
	cfg.defaults()
	return &Manager{
		client:  client,
		nv:      nv,
		engine:  engine,
		storage: storage,
		cfg:     cfg,
		logger:  logger.With("component", "commissioning"),
		sleep:   sleepCtx,
		random:  rand.Reader,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OnStateChange registers fn to be called after every state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Product returns the firmware generation detected by Init.
func (m *Manager) Product() znp.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.product
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	fn := m.onState
	m.mu.Unlock()
	if prev != s {
		m.logger.Debug("state changed", "from", prev.String(), "to", s.String())
		if fn != nil {
			fn(s)
		}
	}
}

// Init initialises NV access and detects the firmware generation.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.nv.Init(ctx); err != nil {
		return err
	}
	v, err := m.client.Version(ctx)
	if err != nil {
		return fmt.Errorf("commissioning: read version: %w", err)
	}
	m.mu.Lock()
	m.product = v.Product
	m.mu.Unlock()
	m.logger.Info("adapter detected", "version", v.String())
	return nil
}

func (m *Manager) hasConfiguredID() znp.NvItemID {
	if m.Product() == znp.ZStack12 {
		return znp.NvHasConfiguredZStack1
	}
	return znp.NvHasConfiguredZStack3
}

func (m *Manager) isConfigured(ctx context.Context) (bool, error) {
	raw, err := m.nv.ReadItem(ctx, m.hasConfiguredID(), 0)
	if errors.Is(err, nvram.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("commissioning: read configured flag: %w", err)
	}
	h, err := structs.DecodeHasConfigured(raw)
	if err != nil {
		return false, nil
	}
	return h.IsConfigured(), nil
}

// readNIB returns ok=false when the adapter holds no NIB.
func (m *Manager) readNIB(ctx context.Context) (structs.NIB, bool, error) {
	nib, err := m.nv.ReadNIB(ctx)
	if errors.Is(err, nvram.ErrNotExist) {
		return structs.NIB{}, false, nil
	}
	if err != nil {
		return structs.NIB{}, false, fmt.Errorf("commissioning: read nib: %w", err)
	}
	return nib, true, nil
}

// InitHasNetwork reports whether the adapter is configured and holds a
// network.
func (m *Manager) InitHasNetwork(ctx context.Context) (bool, NetworkInfo, error) {
	configured, err := m.isConfigured(ctx)
	if err != nil {
		return false, NetworkInfo{}, err
	}
	nib, ok, err := m.readNIB(ctx)
	if err != nil {
		return false, NetworkInfo{}, err
	}
	if !configured || !ok {
		return false, NetworkInfo{}, nil
	}
	return true, NetworkInfo{PanID: nib.PanID(), ExtendedPanID: nib.ExtendedPanID()}, nil
}

// Resume starts the adapter as coordinator unless it already is one.
func (m *Manager) Resume(ctx context.Context) error {
	info, err := m.client.GetDeviceInfo(ctx)
	if err != nil {
		return fmt.Errorf("commissioning: device info: %w", err)
	}
	if info.DeviceState == znp.DevZBCoord {
		m.logger.Debug("adapter already running as coordinator")
		m.setState(StateRunning)
		return nil
	}
	m.logger.Info("starting adapter as coordinator")
	w := m.client.WaitForState(znp.DevZBCoord, m.cfg.StartTimeout)
	st, err := m.client.StartupFromApp(ctx, 100)
	if err != nil {
		w.Cancel()
		return fmt.Errorf("commissioning: startup: %w", err)
	}
	if st != znp.StatusSuccess && st != znp.StatusFailure {
		w.Cancel()
		return fmt.Errorf("commissioning: startup: %w", &znp.StatusError{Subsystem: znp.SubsystemZDO, Command: "startupFromApp", Status: st})
	}
	if _, err := w.Wait(ctx); err != nil {
		return fmt.Errorf("commissioning: waiting for coordinator state: %w", err)
	}
	m.setState(StateRunning)
	return nil
}

func (m *Manager) resetSoft(ctx context.Context) error {
	if _, err := m.client.Reset(ctx, znp.ResetSoft); err != nil {
		return fmt.Errorf("commissioning: reset: %w", err)
	}
	return nil
}

// Reset deletes the NIB and hard-resets the adapter with STARTUP_OPTION
// set to clear the network state, then clears the option again.
func (m *Manager) Reset(ctx context.Context) error {
	m.logger.Info("resetting adapter network state")
	if err := m.nv.DeleteItem(ctx, znp.NvNIB); err != nil {
		return fmt.Errorf("commissioning: delete nib: %w", err)
	}
	if err := m.nv.WriteItem(ctx, znp.NvStartupOption, structs.Uint8Item(znp.StartupOptionClearState)); err != nil {
		return fmt.Errorf("commissioning: set startup option: %w", err)
	}
	if _, err := m.client.Reset(ctx, znp.ResetHard); err != nil {
		return fmt.Errorf("commissioning: reset: %w", err)
	}
	if err := m.nv.WriteItem(ctx, znp.NvStartupOption, structs.Uint8Item(znp.StartupOptionNone)); err != nil {
		return fmt.Errorf("commissioning: clear startup option: %w", err)
	}
	m.setState(StateNoNetwork)
	return nil
}

// LeaveNetwork makes the adapter forget its network.
func (m *Manager) LeaveNetwork(ctx context.Context) error {
	return m.Reset(ctx)
}

// writeNetworkOptions stores the formation parameters and flushes them
// with a soft reset.
func (m *Manager) writeNetworkOptions(ctx context.Context, opts backup.NetworkOptions) error {
	mask, err := backup.PackChannelList(opts.ChannelList)
	if err != nil {
		return fmt.Errorf("commissioning: %w", err)
	}
	distribute := uint8(0x00)
	if opts.NetworkKeyDistribute {
		distribute = 0x01
	}
	items := []struct {
		id    znp.NvItemID
		value []byte
	}{
		{znp.NvLogicalType, structs.Uint8Item(znp.LogicalTypeCoordinator)},
		{znp.NvPreCfgKeysEnable, structs.Uint8Item(distribute)},
		{znp.NvZdoDirectCB, structs.Uint8Item(0x01)},
		{znp.NvChanList, structs.NewChannelList(mask).Serialize(structs.Unaligned)},
		{znp.NvPanID, structs.NewPanID(opts.PanID).Serialize(structs.Unaligned)},
		{znp.NvExtendedPanID, structs.ExtendedPanIDItem(opts.ExtendedPanID)},
	}
	m.logger.Debug("writing network commissioning parameters",
		"pan_id", fmt.Sprintf("0x%04X", opts.PanID),
		"channels", opts.ChannelList)
	for _, it := range items {
		if err := m.nv.UpdateItem(ctx, it.id, it.value); err != nil {
			return fmt.Errorf("commissioning: write %s: %w", it.id, err)
		}
	}

	if m.Product() == znp.ZStack12 {
		if err := m.client.WriteConfiguration(ctx, znp.SapiConfigPreCfgKey, opts.NetworkKey[:]); err != nil {
			return fmt.Errorf("commissioning: write pre-configured key: %w", err)
		}
		if err := m.nv.WriteItem(ctx, znp.NvLegacyTCLKTableStart12, defaultTCLKEntry12); err != nil {
			return fmt.Errorf("commissioning: write default tclk entry: %w", err)
		}
	} else if err := m.nv.UpdateItem(ctx, znp.NvPreCfgKey, opts.NetworkKey[:]); err != nil {
		return fmt.Errorf("commissioning: write pre-configured key: %w", err)
	}

	if err := m.sleep(ctx, m.cfg.NVSettleDelay); err != nil {
		return err
	}
	return m.resetSoft(ctx)
}

// BeginCommissioning forms a new network with opts. With failOnCollision
// the formed PAN ID must match opts; with writeFlag the adapter is marked
// as configured afterwards.
func (m *Manager) BeginCommissioning(ctx context.Context, opts backup.NetworkOptions, failOnCollision, writeFlag bool) error {
	if opts.PanID == 0xffff {
		return ErrInvalidPanID
	}
	mask, err := backup.PackChannelList(opts.ChannelList)
	if err != nil {
		return fmt.Errorf("commissioning: %w", err)
	}
	m.setState(StateProvisioning)
	m.logger.Info("commissioning network", "pan_id", fmt.Sprintf("0x%04X", opts.PanID), "channels", opts.ChannelList)

	if err := m.nv.DeleteItem(ctx, znp.NvNIB); err != nil {
		return fmt.Errorf("commissioning: delete nib: %w", err)
	}
	if err := m.resetSoft(ctx); err != nil {
		return err
	}
	if err := m.writeNetworkOptions(ctx, opts); err != nil {
		return err
	}
	if err := m.form(ctx, mask); err != nil {
		return err
	}

	nib, err := m.waitForNIB(ctx)
	if err != nil {
		return err
	}
	info, err := m.client.ExtNwkInfo(ctx)
	if err != nil {
		return fmt.Errorf("commissioning: network info: %w", err)
	}
	if failOnCollision && info.PanID != opts.PanID {
		return fmt.Errorf("%w (expected=0x%04X, actual=0x%04X)", ErrPanIDCollision, opts.PanID, info.PanID)
	}
	m.setState(StateCommissioned)
	m.logger.Info("network commissioned",
		"pan_id", fmt.Sprintf("0x%04X", nib.PanID()),
		"channel", nib.LogicalChannel())

	if writeFlag {
		return m.writeConfiguredFlag(ctx)
	}
	return nil
}

// form triggers network formation and waits for the coordinator state.
// Z-Stack 1.2 has no BDB and forms on a plain startup.
func (m *Manager) form(ctx context.Context, mask uint32) error {
	product := m.Product()
	if product != znp.ZStack12 {
		if err := m.client.BdbSetChannel(ctx, true, mask); err != nil {
			return fmt.Errorf("commissioning: set primary channels: %w", err)
		}
		if err := m.client.BdbSetChannel(ctx, false, 0); err != nil {
			return fmt.Errorf("commissioning: set secondary channels: %w", err)
		}
	}

	w := m.client.WaitForState(znp.DevZBCoord, m.cfg.StartTimeout)
	if product == znp.ZStack12 {
		if _, err := m.client.StartupFromApp(ctx, 100); err != nil {
			w.Cancel()
			return fmt.Errorf("commissioning: startup: %w", err)
		}
	} else if err := m.client.BdbStartCommissioning(ctx, znp.CommissioningModeNwkFormation); err != nil {
		w.Cancel()
		return fmt.Errorf("commissioning: start formation: %w", err)
	}
	if _, err := w.Wait(ctx); err != nil {
		return fmt.Errorf("commissioning: network formation timed out, a network with the same pan id may exist nearby: %w", err)
	}
	return nil
}

// waitForNIB polls the NIB until it carries a PAN ID and channel.
func (m *Manager) waitForNIB(ctx context.Context) (structs.NIB, error) {
	m.logger.Debug("waiting for NIB to settle")
	for range m.cfg.SettleAttempts {
		if err := m.sleep(ctx, m.cfg.SettleInterval); err != nil {
			return structs.NIB{}, err
		}
		nib, ok, err := m.readNIB(ctx)
		if err != nil {
			return structs.NIB{}, err
		}
		if ok && nib.PanID() != 0xffff && nib.LogicalChannel() != 0 {
			return nib, nil
		}
	}
	return structs.NIB{}, ErrSettleTimeout
}

func (m *Manager) writeConfiguredFlag(ctx context.Context) error {
	m.logger.Debug("writing configuration flag")
	flag := structs.NewHasConfigured().Serialize(structs.Unaligned)
	if err := m.nv.WriteItem(ctx, m.hasConfiguredID(), flag); err != nil {
		return fmt.Errorf("commissioning: write configured flag: %w", err)
	}
	return nil
}

// provisioningOptions returns random parameters for the throwaway network
// formed before a restore.
func (m *Manager) provisioningOptions() (backup.NetworkOptions, error) {
	var buf [2 + 1 + 8 + 16]byte
	if _, err := io.ReadFull(m.random, buf[:]); err != nil {
		return backup.NetworkOptions{}, fmt.Errorf("commissioning: random network parameters: %w", err)
	}
	opts := backup.NetworkOptions{
		PanID:       1 + binary.LittleEndian.Uint16(buf[0:2])%0xfffd,
		ChannelList: []uint8{backup.MinChannel + buf[2]%(backup.MaxChannel-backup.MinChannel+1)},
	}
	copy(opts.ExtendedPanID[:], buf[3:11])
	copy(opts.NetworkKey[:], buf[11:27])
	return opts, nil
}

// BeginRestore writes b to the adapter and brings it up with the desired
// options. The adapter first forms a throwaway network so NV memory holds
// every item the restore overwrites.
func (m *Manager) BeginRestore(ctx context.Context, b *backup.Backup, desired backup.NetworkOptions) error {
	if m.Product() == znp.ZStack12 {
		return backup.ErrRestoreUnsupported
	}
	m.setState(StateRestoring)
	m.logger.Info("restoring backup", "pan_id", fmt.Sprintf("0x%04X", b.NetworkOptions.PanID), "devices", len(b.Devices))

	if err := m.LeaveNetwork(ctx); err != nil {
		return err
	}
	m.setState(StateRestoring)
	provisioning, err := m.provisioningOptions()
	if err != nil {
		return err
	}
	if err := m.BeginCommissioning(ctx, provisioning, false, false); err != nil {
		return fmt.Errorf("commissioning: provisioning network: %w", err)
	}
	m.setState(StateRestoring)
	if err := m.engine.RestoreBackup(ctx, b); err != nil {
		return err
	}
	if err := m.writeNetworkOptions(ctx, desired); err != nil {
		return err
	}
	if err := m.Resume(ctx); err != nil {
		return err
	}
	return m.writeConfiguredFlag(ctx)
}

// addrMgrTable is the extended address manager table of Z-Stack 3.x.0.
var addrMgrTable = nvram.ExtendedTable(znp.NvSysZStack, znp.NvExAddrMgr, 0)

// FixAddressManager rewrites empty address manager entries that still use
// the pre-3.x.0 empty pattern. Z-Stack 3.x.0 otherwise treats them as
// occupied. It reports how many entries were changed.
func (m *Manager) FixAddressManager(ctx context.Context) (int, error) {
	if m.Product() != znp.ZStack3x0 {
		return 0, nil
	}
	t, err := nvram.ReadTable(ctx, m.nv, addrMgrTable, structs.AddressManagerTable)
	if err != nil {
		return 0, fmt.Errorf("commissioning: read address manager: %w", err)
	}
	fixed := 0
	for _, e := range t.Entries() {
		if e.NeedsEmptyFixup() {
			e.MarkEmpty()
			fixed++
		}
	}
	if fixed == 0 {
		return 0, nil
	}
	m.logger.Info("fixing empty address manager entries", "entries", fixed)
	if err := nvram.WriteTable(ctx, m.nv, addrMgrTable, t); err != nil {
		return 0, fmt.Errorf("commissioning: write address manager: %w", err)
	}
	return fixed, nil
}
