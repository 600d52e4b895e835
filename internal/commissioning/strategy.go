package commissioning

import (
	"context"
	"errors"
	"fmt"

	"zstack-go-home/internal/backup"
	"zstack-go-home/internal/nvram"
	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
)

type strategy int

const (
	strategyResume strategy = iota
	strategyRestore
	strategyCommission
)

func (s strategy) String() string {
	switch s {
	case strategyResume:
		return "resume"
	case strategyRestore:
		return "restore"
	case strategyCommission:
		return "commission"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// adapterState is what the adapter currently holds.
type adapterState struct {
	configured bool
	nib        structs.NIB
	hasNIB     bool
	active     *structs.Key
	alternate  *structs.Key
	preCfg     *structs.Key
}

func (m *Manager) readKeyDescriptor(ctx context.Context, id znp.NvItemID) (*structs.Key, error) {
	raw, err := m.nv.ReadItem(ctx, id, 0)
	if errors.Is(err, nvram.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("commissioning: read %s: %w", id, err)
	}
	desc, err := structs.DecodeKeyDescriptor(raw)
	if err != nil {
		return nil, nil
	}
	k := desc.Key()
	return &k, nil
}

func (m *Manager) readPreCfgKey(ctx context.Context) (*structs.Key, error) {
	var (
		raw []byte
		err error
	)
	if m.Product() == znp.ZStack12 {
		raw, err = m.client.ReadConfiguration(ctx, znp.SapiConfigPreCfgKey)
		if err != nil && !errors.As(err, new(*znp.StatusError)) {
			return nil, fmt.Errorf("commissioning: read pre-configured key: %w", err)
		}
	} else {
		raw, err = m.nv.ReadItem(ctx, znp.NvPreCfgKey, 0)
		if err != nil && !errors.Is(err, nvram.ErrNotExist) {
			return nil, fmt.Errorf("commissioning: read pre-configured key: %w", err)
		}
	}
	if err != nil {
		return nil, nil
	}
	k, err := structs.DecodeNwkKey(raw)
	if err != nil {
		return nil, nil
	}
	key := k.Key()
	return &key, nil
}

func (m *Manager) readAdapterState(ctx context.Context) (*adapterState, error) {
	var (
		s   adapterState
		err error
	)
	if s.configured, err = m.isConfigured(ctx); err != nil {
		return nil, err
	}
	if s.nib, s.hasNIB, err = m.readNIB(ctx); err != nil {
		return nil, err
	}
	if s.active, err = m.readKeyDescriptor(ctx, znp.NvNwkActiveKeyInfo); err != nil {
		return nil, err
	}
	if s.alternate, err = m.readKeyDescriptor(ctx, znp.NvNwkAlternKeyInfo); err != nil {
		return nil, err
	}
	if s.preCfg, err = m.readPreCfgKey(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

func keyEquals(k *structs.Key, want structs.Key) bool {
	return k != nil && *k == want
}

func sameChannels(list []uint8, mask uint32) bool {
	packed, err := backup.PackChannelList(list)
	return err == nil && packed == mask
}

// matchesOptions reports whether the adapter runs the network described
// by opts with the key in every key slot.
func (s *adapterState) matchesOptions(opts backup.NetworkOptions) bool {
	return s.hasNIB &&
		sameChannels(opts.ChannelList, s.nib.ChannelList()) &&
		opts.PanID == s.nib.PanID() &&
		opts.ExtendedPanID == s.nib.ExtendedPanID() &&
		keyEquals(s.active, opts.NetworkKey) &&
		keyEquals(s.alternate, opts.NetworkKey) &&
		keyEquals(s.preCfg, opts.NetworkKey)
}

// matchesBackup reports whether the adapter runs the backed up network.
func (s *adapterState) matchesBackup(b *backup.Backup) bool {
	return b != nil && s.hasNIB &&
		b.NetworkOptions.PanID == s.nib.PanID() &&
		b.NetworkOptions.ExtendedPanID == s.nib.ExtendedPanID() &&
		sameChannels(b.NetworkOptions.ChannelList, s.nib.ChannelList()) &&
		keyEquals(s.active, b.NetworkOptions.NetworkKey)
}

func (m *Manager) storedBackup() (*backup.Backup, error) {
	if m.storage == nil {
		return nil, nil
	}
	b, err := m.storage.LoadBackup()
	if errors.Is(err, backup.ErrNoBackup) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("commissioning: load stored backup: %w", err)
	}
	return b, nil
}

func (m *Manager) determineStrategy(ctx context.Context, desired backup.NetworkOptions, b *backup.Backup) (strategy, error) {
	s, err := m.readAdapterState(ctx)
	if err != nil {
		return 0, err
	}
	restoreOrCommission := func() strategy {
		switch {
		case b == nil:
			m.logger.Debug("no stored backup")
			return strategyCommission
		case desired.Equal(b.NetworkOptions):
			m.logger.Debug("stored backup matches configuration")
			return strategyRestore
		default:
			m.logger.Debug("stored backup does not match configuration")
			return strategyCommission
		}
	}

	if !s.configured || !s.hasNIB {
		m.logger.Debug("adapter is not commissioned")
		return restoreOrCommission(), nil
	}
	if s.matchesOptions(desired) {
		m.logger.Debug("adapter state matches configuration")
		return strategyResume, nil
	}
	if s.matchesBackup(b) {
		m.logger.Warn("adapter matches stored backup but not the configuration, remove the backup to re-commission")
		return strategyResume, nil
	}
	m.logger.Debug("adapter state does not match configuration")
	return restoreOrCommission(), nil
}

// Start brings the coordinator up with the desired network, resuming the
// network already on the adapter, restoring the stored backup, or forming
// a new network.
func (m *Manager) Start(ctx context.Context, desired backup.NetworkOptions) (StartResult, error) {
	if err := m.Init(ctx); err != nil {
		return "", err
	}
	if _, err := m.FixAddressManager(ctx); err != nil {
		return "", err
	}
	b, err := m.storedBackup()
	if err != nil {
		return "", err
	}
	st, err := m.determineStrategy(ctx, desired, b)
	if err != nil {
		return "", err
	}
	if st == strategyRestore && m.Product() == znp.ZStack12 {
		m.logger.Warn("backup restore is not supported on this firmware, forming the network from the configuration")
		st = strategyCommission
	}
	m.logger.Info("startup strategy determined", "strategy", st.String())

	switch st {
	case strategyResume:
		if err := m.Resume(ctx); err != nil {
			return "", err
		}
		return ResultResumed, nil
	case strategyRestore:
		if err := m.BeginRestore(ctx, b, desired); err != nil {
			return "", err
		}
		return ResultRestored, nil
	default:
		if err := m.BeginCommissioning(ctx, desired, true, true); err != nil {
			return "", err
		}
		if err := m.Resume(ctx); err != nil {
			return "", err
		}
		return ResultReset, nil
	}
}
