package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zstack-go-home/internal/nvram"
	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
)

const (
	// frameCounterHeadroom is added to stored frame counters on restore so
	// the restored coordinator never reuses a counter.
	frameCounterHeadroom = 2500
	// defaultFrameCounter seeds a missing security material entry.
	defaultFrameCounter = 1250
)

// Storage persists the latest backup.
type Storage interface {
	// LoadBackup returns ErrNoBackup when nothing is stored.
	LoadBackup() (*Backup, error)
	SaveBackup(b *Backup) error
}

// Engine creates and restores backups through NV memory.
type Engine struct {
	client  *znp.Client
	nv      *nvram.Driver
	storage Storage
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine returns an engine. storage may be nil, which disables
// reconciliation with the previous backup.
func NewEngine(client *znp.Client, nv *nvram.Driver, storage Storage, logger *slog.Logger) *Engine {
	return &Engine{
		client:  client,
		nv:      nv,
		storage: storage,
		logger:  logger.With("component", "backup"),
		now:     time.Now,
	}
}

// tables groups the five tables that describe devices and their keys.
type tables struct {
	addrMgr  *structs.Table[structs.AddressManagerEntry]
	secMgr   *structs.Table[structs.SecurityManagerEntry]
	apsData  *structs.Table[structs.APSLinkKeyDataEntry]
	tclk     *structs.Table[structs.TCLinkKeyEntry]
	secMat   *structs.Table[structs.NwkSecMaterialEntry]
	tclkSeed *structs.Key
}

// addrMgrTable is only used on Z-Stack 3.x.0; older stacks keep the
// table inline in ADDRMGR.
var addrMgrTable = nvram.ExtendedTable(znp.NvSysZStack, znp.NvExAddrMgr, 0)

func apsDataTable(p znp.Product) nvram.TableAddress {
	if p == znp.ZStack3x0 {
		return nvram.ExtendedTable(znp.NvSysZStack, znp.NvExAPSKeyDataTable, 0)
	}
	return nvram.LegacyTable(znp.NvAPSLinkKeyDataStart, znp.NvAPSLinkKeyDataMax)
}

func tclkTable(p znp.Product) nvram.TableAddress {
	if p == znp.ZStack3x0 {
		return nvram.ExtendedTable(znp.NvSysZStack, znp.NvExTCLKTable, 0)
	}
	return nvram.LegacyTable(znp.NvLegacyTCLKTableStart, znp.NvLegacyTCLKTableMax)
}

func secMaterialTable(p znp.Product) nvram.TableAddress {
	if p == znp.ZStack3x0 {
		return nvram.ExtendedTable(znp.NvSysZStack, znp.NvExNwkSecMaterialTable, 0)
	}
	return nvram.LegacyTable(znp.NvLegacyNwkSecMaterialTableStart, znp.NvLegacyNwkSecMaterialTableMax)
}

// readInline reads an inline table, treating an absent item as empty.
func readInline[R structs.Record](ctx context.Context, nv *nvram.Driver, id znp.NvItemID, spec structs.TableSpec[R]) (*structs.Table[R], error) {
	t, err := nvram.ReadInlineTable(ctx, nv, id, spec)
	if errors.Is(err, nvram.ErrNotExist) {
		return spec.FromCapacity(0), nil
	}
	return t, err
}

// writeInline writes an inline table unless the adapter has none.
func writeInline[R structs.Record](ctx context.Context, nv *nvram.Driver, id znp.NvItemID, t *structs.Table[R]) error {
	if t.Capacity() == 0 {
		return nil
	}
	return nv.WriteObject(ctx, id, t)
}

func (e *Engine) readTables(ctx context.Context, product znp.Product) (*tables, error) {
	var (
		t   tables
		err error
	)
	if product == znp.ZStack3x0 {
		t.addrMgr, err = nvram.ReadTable(ctx, e.nv, addrMgrTable, structs.AddressManagerTable)
	} else {
		t.addrMgr, err = readInline(ctx, e.nv, znp.NvAddrMgr, structs.AddressManagerTable)
	}
	if err != nil {
		return nil, fmt.Errorf("address manager table: %w", err)
	}
	if t.secMgr, err = readInline(ctx, e.nv, znp.NvAPSLinkKeyTable, structs.SecurityManagerTable); err != nil {
		return nil, fmt.Errorf("security manager table: %w", err)
	}
	if t.apsData, err = nvram.ReadTable(ctx, e.nv, apsDataTable(product), structs.APSLinkKeyDataTable); err != nil {
		return nil, fmt.Errorf("aps link key data table: %w", err)
	}
	if t.secMat, err = nvram.ReadTable(ctx, e.nv, secMaterialTable(product), structs.NwkSecMaterialTable); err != nil {
		return nil, fmt.Errorf("network security material table: %w", err)
	}

	// Z-Stack 1.2 has neither a seed nor a seed-based key table.
	if product == znp.ZStack12 {
		t.tclk = structs.TCLinkKeyTable.FromCapacity(0)
		return &t, nil
	}
	if t.tclk, err = nvram.ReadTable(ctx, e.nv, tclkTable(product), structs.TCLinkKeyTable); err != nil {
		return nil, fmt.Errorf("tclk table: %w", err)
	}
	raw, err := e.nv.ReadItem(ctx, znp.NvTCLKSeed, 0)
	switch {
	case errors.Is(err, nvram.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("tclk seed: %w", err)
	default:
		seed, err := structs.DecodeNwkKey(raw)
		if err != nil {
			return nil, fmt.Errorf("tclk seed: %w", err)
		}
		k := seed.Key()
		t.tclkSeed = &k
	}
	return &t, nil
}

// activeKey returns the network key and its sequence number.
func (e *Engine) activeKey(ctx context.Context, product znp.Product) (structs.Key, uint8, error) {
	if product == znp.ZStack12 {
		raw, err := e.client.ReadConfiguration(ctx, znp.SapiConfigPreCfgKey)
		if err != nil {
			return structs.Key{}, 0, fmt.Errorf("read pre-configured key: %w", err)
		}
		if len(raw) != len(structs.Key{}) {
			return structs.Key{}, 0, fmt.Errorf("read pre-configured key: unexpected length %d", len(raw))
		}
		return structs.Key(raw), 0, nil
	}
	raw, err := e.nv.ReadItem(ctx, znp.NvNwkActiveKeyInfo, 0)
	if errors.Is(err, nvram.ErrNotExist) {
		return structs.Key{}, 0, fmt.Errorf("%w: missing active key info", ErrNotCommissioned)
	}
	if err != nil {
		return structs.Key{}, 0, fmt.Errorf("read active key info: %w", err)
	}
	desc, err := structs.DecodeKeyDescriptor(raw)
	if err != nil {
		return structs.Key{}, 0, fmt.Errorf("read active key info: %w", err)
	}
	return desc.Key(), desc.KeySeqNum(), nil
}

// fallbackFrameCounter is used when no security material entry matches.
// Z-Stack 1.2 keeps the counter in NWKKEY.
func (e *Engine) fallbackFrameCounter(ctx context.Context, product znp.Product) (uint32, error) {
	if product != znp.ZStack12 {
		return defaultFrameCounter, nil
	}
	raw, err := e.nv.ReadItem(ctx, znp.NvNwkKey, 0)
	if errors.Is(err, nvram.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read nwk key: %w", err)
	}
	items, err := structs.DecodeActiveKeyItems(raw)
	if err != nil {
		return 0, fmt.Errorf("read nwk key: %w", err)
	}
	return items.FrameCounter(), nil
}

// CreateBackup reads the network state from the adapter. Devices that
// carried a link key in the previously stored backup and are still listed
// in known are kept even if the adapter lost their address manager entry.
func (e *Engine) CreateBackup(ctx context.Context, known []structs.IEEEAddr) (*Backup, error) {
	e.logger.Info("creating backup")
	version, err := e.client.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: read version: %w", err)
	}
	product := version.Product

	ieee, err := e.client.GetExtAddr(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: read adapter ieee address: %w", err)
	}
	nib, err := e.nv.ReadNIB(ctx)
	if errors.Is(err, nvram.ErrNotExist) {
		return nil, ErrNotCommissioned
	}
	if err != nil {
		return nil, fmt.Errorf("backup: read nib: %w", err)
	}
	key, seq, err := e.activeKey(ctx, product)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	distribute := false
	if v, err := e.nv.ReadItem(ctx, znp.NvPreCfgKeysEnable, 0); err == nil {
		distribute = len(v) > 0 && v[0] == 0x01
	} else if !errors.Is(err, nvram.ErrNotExist) {
		return nil, fmt.Errorf("backup: read pre-configured key enable: %w", err)
	}
	t, err := e.readTables(ctx, product)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}

	frameCounter, found := selectFrameCounter(t.secMat, nib.ExtendedPanID())
	if !found {
		if frameCounter, err = e.fallbackFrameCounter(ctx, product); err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
		e.logger.Warn("no network security material entry, using fallback frame counter", "frame_counter", frameCounter)
	}

	b := &Backup{
		StackVersion:    &product,
		TrustCenterSeed: t.tclkSeed,
		NetworkOptions: NetworkOptions{
			PanID:                nib.PanID(),
			ExtendedPanID:        nib.ExtendedPanID(),
			ChannelList:          UnpackChannelList(nib.ChannelList()),
			NetworkKey:           key,
			NetworkKeyDistribute: distribute,
		},
		LogicalChannel:    nib.LogicalChannel(),
		KeySequenceNumber: seq,
		FrameCounter:      frameCounter,
		SecurityLevel:     nib.SecurityLevel(),
		UpdateID:          nib.UpdateID(),
		CoordinatorIEEE:   structs.IEEEAddr(ieee),
		Devices:           collectDevices(product, t),
		CreatedAt:         e.now(),
	}

	if err := e.reconcile(b, known); err != nil {
		return nil, err
	}
	e.logger.Info("backup created",
		"pan_id", fmt.Sprintf("0x%04X", b.NetworkOptions.PanID),
		"channel", b.LogicalChannel,
		"devices", len(b.Devices),
		"frame_counter", b.FrameCounter)
	return b, nil
}

// selectFrameCounter prefers the entry for the current network and falls
// back to the generic entry.
func selectFrameCounter(t *structs.Table[structs.NwkSecMaterialEntry], extPanID structs.ExtPanID) (uint32, bool) {
	var (
		counter uint32
		found   bool
	)
	for _, e := range t.Used() {
		if e.ExtendedPanID() == extPanID {
			return e.FrameCounter(), true
		}
		if !found && e.ExtendedPanID() == structs.GenericExtPanID {
			counter, found = e.FrameCounter(), true
		}
	}
	return counter, found
}

func collectDevices(product znp.Product, t *tables) []Device {
	var devices []Device
	for ami, ame := range t.addrMgr.Entries() {
		if !ame.IsSet() || !ame.HasUser(structs.AddrMgrUserAssoc|structs.AddrMgrUserSecurity) {
			continue
		}
		devices = append(devices, Device{
			NetworkAddress: ame.NwkAddr(),
			IEEEAddress:    ame.ExtAddr(),
			IsDirectChild:  ame.HasUser(structs.AddrMgrUserAssoc),
			LinkKey:        resolveLinkKey(product, t, ami, ame),
		})
	}
	return devices
}

func resolveLinkKey(product znp.Product, t *tables, ami int, ame structs.AddressManagerEntry) *LinkKey {
	for _, sme := range t.secMgr.Used() {
		if int(sme.AMI()) != ami {
			continue
		}
		idx := int(sme.KeyNvID())
		if product != znp.ZStack3x0 {
			idx -= int(znp.NvAPSLinkKeyDataStart)
		}
		if idx < 0 || idx >= t.apsData.Capacity() || !t.apsData.Entry(idx).IsSet() {
			return nil
		}
		data := t.apsData.Entry(idx)
		return &LinkKey{Key: data.Key(), RxCounter: data.RxFrameCounter(), TxCounter: data.TxFrameCounter()}
	}
	if t.tclkSeed == nil {
		return nil
	}
	for _, tclk := range t.tclk.Used() {
		if tclk.ExtAddr() != ame.ExtAddr() {
			continue
		}
		return &LinkKey{
			Key:       DeriveLinkKey(*t.tclkSeed, ame.ExtAddr(), tclk.SeedShift()),
			RxCounter: tclk.RxFrameCounter(),
			TxCounter: tclk.TxFrameCounter(),
		}
	}
	return nil
}

// reconcile re-adds devices the adapter dropped from its address manager
// table. Some firmware loses router entries, which would make their link
// keys unrecoverable after a reflash.
func (e *Engine) reconcile(b *Backup, known []structs.IEEEAddr) error {
	if e.storage == nil || len(known) == 0 {
		return nil
	}
	old, err := e.storage.LoadBackup()
	if errors.Is(err, ErrNoBackup) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("backup: load previous backup: %w", err)
	}
	knownSet := make(map[structs.IEEEAddr]struct{}, len(known))
	for _, a := range known {
		knownSet[a] = struct{}{}
	}
	for _, d := range old.Devices {
		if d.LinkKey == nil {
			continue
		}
		if _, ok := knownSet[d.IEEEAddress]; !ok {
			continue
		}
		if _, ok := b.Device(d.IEEEAddress); ok {
			continue
		}
		e.logger.Warn("device missing from address manager table, keeping it from previous backup",
			"ieee", fmt.Sprintf("%016X", d.IEEEAddress[:]))
		b.Devices = append(b.Devices, d)
	}
	return nil
}

// RestoreBackup writes b to the adapter. The adapter must already hold a
// NIB; Z-Stack 1.2 is rejected. A failure part way leaves NV memory
// partially written.
func (e *Engine) RestoreBackup(ctx context.Context, b *Backup) error {
	e.logger.Info("restoring backup", "devices", len(b.Devices))
	version, err := e.client.Version(ctx)
	if err != nil {
		return fmt.Errorf("backup: read version: %w", err)
	}
	product := version.Product
	if product == znp.ZStack12 {
		return ErrRestoreUnsupported
	}
	if len(b.NetworkOptions.ChannelList) == 0 {
		return fmt.Errorf("backup: restore: empty channel list")
	}
	mask, err := PackChannelList(b.NetworkOptions.ChannelList)
	if err != nil {
		return fmt.Errorf("backup: restore: %w", err)
	}

	nib, err := e.nv.ReadNIB(ctx)
	if err != nil {
		return fmt.Errorf("backup: restore: read nib: %w", err)
	}
	nib.SetPanID(b.NetworkOptions.PanID)
	nib.SetChannelList(mask)
	nib.SetLogicalChannel(b.NetworkOptions.ChannelList[0])
	nib.SetExtendedPanID(b.NetworkOptions.ExtendedPanID)
	nib.SetSecurityLevel(b.SecurityLevel)
	nib.SetUpdateID(b.UpdateID)

	keyDesc := structs.NewKeyDescriptor()
	keyDesc.SetKeySeqNum(b.KeySequenceNumber)
	keyDesc.SetKey(b.NetworkOptions.NetworkKey)

	current, err := e.readTables(ctx, product)
	if err != nil {
		return fmt.Errorf("backup: restore: %w", err)
	}
	e.logger.Debug("target adapter table sizes",
		"address_manager", current.addrMgr.Capacity(),
		"security_manager", current.secMgr.Capacity(),
		"aps_link_key_data", current.apsData.Capacity(),
		"tclk", current.tclk.Capacity(),
		"nwk_sec_material", current.secMat.Capacity())

	t, err := e.buildTables(product, b, current)
	if err != nil {
		return fmt.Errorf("backup: restore: %w", err)
	}
	if err := e.writeAll(ctx, product, b, nib, keyDesc, t); err != nil {
		return fmt.Errorf("backup: restore: %w", err)
	}
	e.logger.Info("backup restored",
		"pan_id", fmt.Sprintf("0x%04X", b.NetworkOptions.PanID),
		"devices", len(b.Devices))
	return nil
}

// buildTables lays out the backup in fresh tables sized to the target
// adapter.
func (e *Engine) buildTables(product znp.Product, b *Backup, current *tables) (*tables, error) {
	t := &tables{
		addrMgr: structs.AddressManagerTable.FromCapacity(current.addrMgr.Capacity()),
		secMgr:  structs.SecurityManagerTable.FromCapacity(current.secMgr.Capacity()),
		apsData: structs.APSLinkKeyDataTable.FromCapacity(current.apsData.Capacity()),
		tclk:    structs.TCLinkKeyTable.FromCapacity(current.tclk.Capacity()),
		secMat:  structs.NwkSecMaterialTable.FromCapacity(current.secMat.Capacity()),
	}
	if product == znp.ZStack3x0 {
		for _, ame := range t.addrMgr.Entries() {
			ame.MarkEmpty()
		}
	}

	if t.secMat.Capacity() == 0 {
		return nil, fmt.Errorf("%w: network security material table has no entries", ErrTableCapacity)
	}
	counter := b.FrameCounter + frameCounterHeadroom
	first := t.secMat.Entry(0)
	first.SetExtendedPanID(b.NetworkOptions.ExtendedPanID)
	first.SetFrameCounter(counter)
	generic := t.secMat.Entry(t.secMat.Capacity() - 1)
	generic.SetExtendedPanID(structs.GenericExtPanID)
	generic.SetFrameCounter(counter)

	for _, d := range b.Devices {
		ame, ok := t.addrMgr.NextFree()
		if !ok {
			return nil, fmt.Errorf("%w: address manager table (size=%d)", ErrTableCapacity, t.addrMgr.Capacity())
		}
		ame.SetNwkAddr(d.NetworkAddress)
		ame.SetExtAddr(d.IEEEAddress)
		ame.SetUser(structs.AddrMgrUserAssoc)
		if d.LinkKey == nil {
			continue
		}
		ame.SetUser(ame.User() | structs.AddrMgrUserSecurity)

		if b.TrustCenterSeed != nil {
			if shift, ok := RecoverSeedShift(d.LinkKey.Key, *b.TrustCenterSeed, d.IEEEAddress); ok {
				entry, ok := t.tclk.NextFree()
				if !ok {
					return nil, fmt.Errorf("%w: tclk table (size=%d)", ErrTableCapacity, t.tclk.Capacity())
				}
				entry.SetExtAddr(d.IEEEAddress)
				entry.SetSeedShift(shift)
				entry.SetKeyAttributes(structs.KeyAttrVerified)
				entry.SetKeyType(structs.KeyTypeNormal)
				entry.SetRxFrameCounter(d.LinkKey.RxCounter)
				entry.SetTxFrameCounter(d.LinkKey.TxCounter + frameCounterHeadroom)
				e.logger.Debug("link key recovered from tclk seed",
					"ieee", fmt.Sprintf("%016X", d.IEEEAddress[:]), "shift", shift)
				continue
			}
		}

		data, ok := t.apsData.NextFree()
		if !ok {
			return nil, fmt.Errorf("%w: aps link key data table (size=%d)", ErrTableCapacity, t.apsData.Capacity())
		}
		data.SetKey(d.LinkKey.Key)
		data.SetRxFrameCounter(d.LinkKey.RxCounter)
		data.SetTxFrameCounter(d.LinkKey.TxCounter + frameCounterHeadroom)

		sme, ok := t.secMgr.NextFree()
		if !ok {
			return nil, fmt.Errorf("%w: security manager table (size=%d)", ErrTableCapacity, t.secMgr.Capacity())
		}
		keyIndex := t.apsData.IndexOf(data)
		if product != znp.ZStack3x0 {
			keyIndex += int(znp.NvAPSLinkKeyDataStart)
		}
		sme.SetAMI(uint16(t.addrMgr.IndexOf(ame)))
		sme.SetKeyNvID(uint16(keyIndex))
		sme.SetAuthenticationOption(structs.AuthAuthenticatedCBCK)
		e.logger.Debug("link key stored in aps key data table", "ieee", fmt.Sprintf("%016X", d.IEEEAddress[:]))
	}
	return t, nil
}

func (e *Engine) writeAll(ctx context.Context, product znp.Product, b *Backup, nib structs.NIB, keyDesc structs.KeyDescriptor, t *tables) error {
	ieee := b.CoordinatorIEEE
	for i, j := 0, len(ieee)-1; i < j; i, j = i+1, j-1 {
		ieee[i], ieee[j] = ieee[j], ieee[i]
	}
	if err := e.nv.WriteItem(ctx, znp.NvExtAddr, ieee[:]); err != nil {
		return err
	}
	if err := e.nv.WriteObject(ctx, znp.NvNIB, nib); err != nil {
		return err
	}
	if err := e.nv.UpdateObject(ctx, znp.NvNwkActiveKeyInfo, keyDesc); err != nil {
		return err
	}
	if err := e.nv.UpdateObject(ctx, znp.NvNwkAlternKeyInfo, keyDesc); err != nil {
		return err
	}
	if b.TrustCenterSeed != nil {
		if err := e.nv.WriteObject(ctx, znp.NvTCLKSeed, structs.NewNwkKey(*b.TrustCenterSeed)); err != nil {
			return err
		}
	}
	if err := nvram.WriteTable(ctx, e.nv, secMaterialTable(product), t.secMat); err != nil {
		return err
	}
	if product == znp.ZStack3x0 {
		if err := nvram.WriteTable(ctx, e.nv, addrMgrTable, t.addrMgr); err != nil {
			return err
		}
	} else if err := writeInline(ctx, e.nv, znp.NvAddrMgr, t.addrMgr); err != nil {
		return err
	}
	if err := writeInline(ctx, e.nv, znp.NvAPSLinkKeyTable, t.secMgr); err != nil {
		return err
	}
	if err := nvram.WriteTable(ctx, e.nv, apsDataTable(product), t.apsData); err != nil {
		return err
	}
	return nvram.WriteTable(ctx, e.nv, tclkTable(product), t.tclk)
}
