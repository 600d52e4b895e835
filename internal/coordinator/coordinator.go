package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zstack-go-home/internal/backup"
	"zstack-go-home/internal/commissioning"
	"zstack-go-home/internal/nvram"
	"zstack-go-home/internal/store"
	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
)

// Config holds coordinator configuration.
type Config struct {
	// Network is the network the coordinator should run.
	Network       backup.NetworkOptions
	Commissioning commissioning.Config
	// BackupFile, when set, receives a unified JSON copy of every backup.
	BackupFile string
	// Metrics instruments NV memory access when set.
	Metrics *nvram.Metrics
}

// PortConfig holds adapter port configuration for display purposes.
type PortConfig struct {
	Port string
	Baud int
}

func parseHex(s string, n int, what string) ([]byte, error) {
	s = strings.ReplaceAll(s, ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", what, err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("%s must be %d bytes, got %d", what, n, len(b))
	}
	return b, nil
}

// ParseIEEE parses "DD:DD:DD:DD:DD:DD:DD:DD" or "DDDDDDDDDDDDDDDD".
func ParseIEEE(s string) (structs.IEEEAddr, error) {
	var result structs.IEEEAddr
	b, err := parseHex(s, 8, "ieee address")
	if err != nil {
		return result, err
	}
	copy(result[:], b)
	return result, nil
}

// ParseExtPanID parses "DD:DD:DD:DD:DD:DD:DD:DD".
func ParseExtPanID(s string) (structs.ExtPanID, error) {
	ieee, err := ParseIEEE(s)
	return structs.ExtPanID(ieee), err
}

// ParseNetworkKey parses a 16 byte key written as hex, colons allowed.
func ParseNetworkKey(s string) (structs.Key, error) {
	var key structs.Key
	b, err := parseHex(s, 16, "network key")
	if err != nil {
		return key, err
	}
	copy(key[:], b)
	return key, nil
}

// Coordinator owns the adapter. Every operation that talks to the device
// holds mu, so a backup never interleaves with commissioning.
type Coordinator struct {
	client  *znp.Client
	nv      *nvram.Driver
	engine  *backup.Engine
	manager *commissioning.Manager
	store   store.Store
	file    *backup.FileStorage
	events  *EventBus
	logger  *slog.Logger
	config  Config
	port    PortConfig

	mu        sync.Mutex
	version   znp.VersionInfo
	localIEEE structs.IEEEAddr
	channel   uint8
	panID     uint16
	extPanID  structs.ExtPanID
	startup   commissioning.StartResult
	started   bool
}

// New creates a coordinator speaking MT over transport.
func New(transport znp.Transport, st store.Store, events *EventBus, cfg Config, port PortConfig, logger *slog.Logger) *Coordinator {
	client := znp.NewClient(transport, logger)
	var nvOpts []nvram.Option
	if cfg.Metrics != nil {
		nvOpts = append(nvOpts, nvram.WithMetrics(cfg.Metrics))
	}
	nv := nvram.New(client, logger, nvOpts...)
	engine := backup.NewEngine(client, nv, st, logger)
	c := &Coordinator{
		client:  client,
		nv:      nv,
		engine:  engine,
		manager: commissioning.New(client, nv, engine, st, cfg.Commissioning, logger),
		store:   st,
		events:  events,
		logger:  logger.With("component", "coordinator"),
		config:  cfg,
		port:    port,
	}
	if cfg.BackupFile != "" {
		c.file = backup.NewFileStorage(cfg.BackupFile)
	}
	c.manager.OnStateChange(func(s commissioning.State) {
		c.events.Emit(Event{Type: EventNetworkState, Data: map[string]interface{}{"state": s.String()}})
	})
	return c
}

// Start brings the network up, resuming, restoring or forming it as the
// adapter and the stored backup require.
func (c *Coordinator) Start(ctx context.Context) (commissioning.StartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("starting coordinator", "pan_id", fmt.Sprintf("0x%04X", c.config.Network.PanID))
	result, err := c.manager.Start(ctx, c.config.Network)
	if err != nil {
		return "", fmt.Errorf("start network: %w", err)
	}
	c.startup = result
	if err := c.refresh(ctx); err != nil {
		return "", err
	}
	if result == commissioning.ResultRestored {
		if b, err := c.store.LoadBackup(); err == nil {
			c.registerDevices(b)
		}
	}
	c.started = true
	c.saveNetworkState()
	c.logger.Info("network up",
		"startup", string(result),
		"channel", c.channel,
		"panID", fmt.Sprintf("0x%04X", c.panID),
		"ieee", fmt.Sprintf("%016X", c.localIEEE))
	c.events.Emit(Event{Type: EventNetworkState, Data: map[string]interface{}{
		"state":   c.manager.State().String(),
		"startup": string(result),
	}})
	return result, nil
}

// refresh caches the identity of the running network. Caller holds mu.
func (c *Coordinator) refresh(ctx context.Context) error {
	v, err := c.client.Version(ctx)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	ieee, err := c.client.GetExtAddr(ctx)
	if err != nil {
		return fmt.Errorf("get coordinator IEEE: %w", err)
	}
	nib, err := c.nv.ReadNIB(ctx)
	if err != nil {
		return fmt.Errorf("read nib: %w", err)
	}
	c.version = v
	c.localIEEE = structs.IEEEAddr(ieee)
	c.channel = nib.LogicalChannel()
	c.panID = nib.PanID()
	c.extPanID = nib.ExtendedPanID()
	return nil
}

func (c *Coordinator) saveNetworkState() {
	if err := c.store.SaveNetworkState(&store.NetworkState{
		IEEEAddress: fmt.Sprintf("%016X", c.localIEEE[:]),
		Product:     c.version.Product,
		Channel:     c.channel,
		PanID:       c.panID,
		ExtPanID:    fmt.Sprintf("%016X", c.extPanID[:]),
		NetworkKey:  store.NetworkKeyHex(c.config.Network.NetworkKey),
		Formed:      true,
		Startup:     string(c.startup),
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		c.logger.Error("save network state", "err", err)
	}
}

// CreateBackup reads a backup from the adapter and stores it.
func (c *Coordinator) CreateBackup(ctx context.Context) (*backup.Backup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.nv.Init(ctx); err != nil {
		return nil, err
	}
	known, err := c.knownDevices()
	if err != nil {
		c.logger.Warn("device registry unreadable, not reconciling", "err", err)
		known = nil
	}
	b, err := c.engine.CreateBackup(ctx, known)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveBackup(b); err != nil {
		return nil, fmt.Errorf("store backup: %w", err)
	}
	c.registerDevices(b)
	if c.file != nil {
		if err := c.file.SaveBackup(b); err != nil {
			return nil, fmt.Errorf("write backup file: %w", err)
		}
		c.logger.Info("backup written", "path", c.file.Path())
	}
	c.events.Emit(Event{Type: EventBackupCreated, Data: summary(b)})
	return b, nil
}

// Restore writes b to the adapter, brings the restored network up and
// makes b the latest stored backup.
func (c *Coordinator) Restore(ctx context.Context, b *backup.Backup) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.manager.Init(ctx); err != nil {
		return err
	}
	if err := c.manager.BeginRestore(ctx, b, b.NetworkOptions); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	c.startup = commissioning.ResultRestored
	if err := c.refresh(ctx); err != nil {
		return err
	}
	c.started = true
	if err := c.store.SaveBackup(b); err != nil {
		return fmt.Errorf("store restored backup: %w", err)
	}
	c.registerDevices(b)
	c.saveNetworkState()
	c.events.Emit(Event{Type: EventBackupRestored, Data: summary(b)})
	return nil
}

func summary(b *backup.Backup) map[string]interface{} {
	return map[string]interface{}{
		"pan_id":        fmt.Sprintf("0x%04X", b.NetworkOptions.PanID),
		"ext_pan_id":    fmt.Sprintf("%016X", b.NetworkOptions.ExtendedPanID[:]),
		"channel":       b.LogicalChannel,
		"devices":       len(b.Devices),
		"frame_counter": b.FrameCounter,
		"created_at":    b.CreatedAt,
	}
}

// NetworkInfo returns current network information from the cached state.
func (c *Coordinator) NetworkInfo() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := map[string]interface{}{
		"state":   c.manager.State().String(),
		"port":    c.port.Port,
		"baud":    c.port.Baud,
		"started": c.started,
	}
	if c.started {
		info["channel"] = c.channel
		info["pan_id"] = fmt.Sprintf("0x%04X", c.panID)
		info["ext_pan_id"] = fmt.Sprintf("%016X", c.extPanID[:])
		info["coordinator_ieee"] = fmt.Sprintf("%016X", c.localIEEE[:])
		info["stack_version"] = c.version.Product.String()
		info["fw_version"] = c.version.String()
		info["startup"] = string(c.startup)
	}
	return info
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}
