package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCredentials = []byte("credentials")
	bucketSites       = []byte("sites")
	bucketDevices     = []byte("devices")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCredentials, bucketSites, bucketDevices} {
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

	return &BoltStore{db: db}, nil
}

func toStorage(c *GatewayCredentials) credentialsStorage {
	return credentialsStorage{
		MAC:           c.MAC,
		Password:      c.Password,
		CachedLocalIP: c.CachedLocalIP,
		UpdatedAt:     c.UpdatedAt,
	}
}

func fromStorage(st credentialsStorage) *GatewayCredentials {
	return &GatewayCredentials{
		MAC:           st.MAC,
		Password:      st.Password,
		CachedLocalIP: st.CachedLocalIP,
		UpdatedAt:     st.UpdatedAt,
	}
}

func (s *BoltStore) SaveCredentials(c *GatewayCredentials) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCredentials)
		}
		data, err := json.Marshal(toStorage(c))
		if err != nil {
			return err
		}
		return b.Put([]byte(c.MAC), data)
	})
}

func (s *BoltStore) GetCredentials(mac string) (*GatewayCredentials, error) {
	var st credentialsStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCredentials)
		}
		data := b.Get([]byte(mac))
		if data == nil {
			return fmt.Errorf("credentials %s: %w", mac, ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return fromStorage(st), nil
}

func (s *BoltStore) UpdateCredentials(mac string, fn func(c *GatewayCredentials) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCredentials)
		}
		data := b.Get([]byte(mac))
		if data == nil {
			return fmt.Errorf("credentials %s: %w", mac, ErrNotFound)
		}
		var st credentialsStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		c := fromStorage(st)
		if err := fn(c); err != nil {
			return err
		}
		out, err := json.Marshal(toStorage(c))
		if err != nil {
			return err
		}
		return b.Put([]byte(mac), out)
	})
}

func (s *BoltStore) SaveSelectedSite(account string, site *SelectedSite) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSites)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSites)
		}
		data, err := json.Marshal(site)
		if err != nil {
			return err
		}
		return b.Put([]byte(account), data)
	})
}

func (s *BoltStore) GetSelectedSite(account string) (*SelectedSite, error) {
	var site SelectedSite
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSites)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSites)
		}
		data := b.Get([]byte(account))
		if data == nil {
			return fmt.Errorf("site for %s: %w", account, ErrNotFound)
		}
		return json.Unmarshal(data, &site)
	})
	if err != nil {
		return nil, err
	}
	return &site, nil
}

func (s *BoltStore) SaveDeviceEntry(e *DeviceEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.UniqueID), data)
	})
}

func (s *BoltStore) GetDeviceEntry(uniqueID string) (*DeviceEntry, error) {
	var e DeviceEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(uniqueID))
		if data == nil {
			return fmt.Errorf("device %s: %w", uniqueID, ErrNotFound)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) ListDeviceEntries() ([]*DeviceEntry, error) {
	var entries []*DeviceEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		entries = make([]*DeviceEntry, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var e DeviceEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
