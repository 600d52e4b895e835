package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"zstack-go-home/internal/backup"
)

var (
	bucketBackups = []byte("backups")
	bucketDevices = []byte("devices")
	bucketNetwork = []byte("network")
	keyNetState   = []byte("state")
	keyLatest     = []byte("latest_backup")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBackups, bucketDevices, bucketNetwork} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func recordOf(id string, b *backup.Backup) BackupRecord {
	return BackupRecord{
		ID:           id,
		CreatedAt:    b.CreatedAt,
		StackVersion: b.StackVersion,
		PanID:        b.NetworkOptions.PanID,
		ExtPanID:     fmt.Sprintf("%016X", b.NetworkOptions.ExtendedPanID[:]),
		Channel:      b.LogicalChannel,
		Devices:      len(b.Devices),
	}
}

// SaveBackup stores b under a new id and makes it the latest backup.
func (s *BoltStore) SaveBackup(b *backup.Backup) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now().UTC().Truncate(time.Second)
	}
	doc, err := backup.MarshalDocument(b)
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	id := uuid.NewString()
	data, err := json.Marshal(backupRecordStorage{BackupRecord: recordOf(id, b), Document: doc})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBackups)
		if bk == nil {
			return fmt.Errorf("bucket %q not found", bucketBackups)
		}
		if err := bk.Put([]byte(id), data); err != nil {
			return err
		}
		return tx.Bucket(bucketNetwork).Put(keyLatest, []byte(id))
	})
}

// LoadBackup returns the latest backup, or backup.ErrNoBackup.
func (s *BoltStore) LoadBackup() (*backup.Backup, error) {
	var rec *backupRecordStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketNetwork).Get(keyLatest)
		if id == nil {
			return backup.ErrNoBackup
		}
		var err error
		rec, err = getRecord(tx, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return backup.ParseDocument(rec.Document)
}

func getRecord(tx *bolt.Tx, id string) (*backupRecordStorage, error) {
	bk := tx.Bucket(bucketBackups)
	if bk == nil {
		return nil, fmt.Errorf("bucket %q not found", bucketBackups)
	}
	data := bk.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("backup %s: %w", id, ErrNotFound)
	}
	var rec backupRecordStorage
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("backup %s: %w", id, err)
	}
	return &rec, nil
}

func (s *BoltStore) GetBackup(id string) (*backup.Backup, error) {
	var rec *backupRecordStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return backup.ParseDocument(rec.Document)
}

// ListBackups returns all stored backups, newest first.
func (s *BoltStore) ListBackups() ([]BackupRecord, error) {
	var records []BackupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBackups)
		if bk == nil {
			return nil // no bucket = no backups
		}
		latest := string(tx.Bucket(bucketNetwork).Get(keyLatest))
		records = make([]BackupRecord, 0, bk.Stats().KeyN)
		return bk.ForEach(func(k, v []byte) error {
			var rec backupRecordStorage
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			rec.Latest = rec.ID == latest
			records = append(records, rec.BackupRecord)
			return nil
		})
	})
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, err
}

// DeleteBackup removes a backup. Deleting the latest backup clears the
// latest pointer.
func (s *BoltStore) DeleteBackup(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketBackups)
		if bk == nil {
			return fmt.Errorf("bucket %q not found", bucketBackups)
		}
		if bk.Get([]byte(id)) == nil {
			return fmt.Errorf("backup %s: %w", id, ErrNotFound)
		}
		if err := bk.Delete([]byte(id)); err != nil {
			return err
		}
		nb := tx.Bucket(bucketNetwork)
		if string(nb.Get(keyLatest)) == id {
			return nb.Delete(keyLatest)
		}
		return nil
	})
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.IEEEAddress), data)
	})
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// DeleteDevice removes a device from the registry.
func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		if b.Get([]byte(ieee)) == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		return b.Delete([]byte(ieee))
	})
}

// ListDevices returns the registry ordered by IEEE address.
func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) SaveNetworkState(state *NetworkState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetwork)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetwork)
		}
		// Use internal storage struct to persist the network key.
		st := networkStateStorage{
			IEEEAddress: state.IEEEAddress,
			Product:     state.Product,
			Channel:     state.Channel,
			PanID:       state.PanID,
			ExtPanID:    state.ExtPanID,
			NetworkKey:  state.NetworkKey,
			Formed:      state.Formed,
			Startup:     state.Startup,
			UpdatedAt:   state.UpdatedAt,
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyNetState, data)
	})
}

func (s *BoltStore) GetNetworkState() (*NetworkState, error) {
	var state NetworkState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetwork)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetwork)
		}
		data := b.Get(keyNetState)
		if data == nil {
			return fmt.Errorf("network state: %w", ErrNotFound)
		}
		// Deserialize via internal storage struct to recover the network key.
		var st networkStateStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		state = NetworkState{
			IEEEAddress: st.IEEEAddress,
			Product:     st.Product,
			Channel:     st.Channel,
			PanID:       st.PanID,
			ExtPanID:    st.ExtPanID,
			NetworkKey:  st.NetworkKey,
			Formed:      st.Formed,
			Startup:     st.Startup,
			UpdatedAt:   st.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// NetworkKeyHex formats a key the way NetworkState stores it.
func NetworkKeyHex(k [16]byte) string { return hex.EncodeToString(k[:]) }

func (s *BoltStore) Close() error {
	return s.db.Close()
}
