package causal

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Device is a registered replica allowed to call the sync endpoints. The
// token secret is stored only as a bcrypt hash.
type Device struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Ward       string    `json:"ward,omitempty"`
	TokenHash  []byte    `json:"token_hash"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt int64     `json:"last_seen_at,omitempty"` // unix seconds
	Revoked    bool      `json:"revoked,omitempty"`
}

// Device operations

func (s *Store) PutDevice(d Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(devicesBucket)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.ID), data)
	})
}

func (s *Store) GetDevice(id string) (*Device, error) {
	var d *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(devicesBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device not found: %s", id)
		}
		d = &Device{}
		return json.Unmarshal(data, d)
	})
	return d, err
}

func (s *Store) ListDevices() ([]Device, error) {
	var devices []Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).ForEach(func(k, v []byte) error {
			var d Device
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			devices = append(devices, d)
			return nil
		})
	})
	return devices, err
}

// TouchDevice updates the last-seen time. Failures are ignored; this is
// bookkeeping, not authorization.
func (s *Store) TouchDevice(id string) {
	s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(devicesBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var d Device
		if err := json.Unmarshal(data, &d); err != nil {
			return nil
		}
		d.LastSeenAt = time.Now().Unix()
		updated, _ := json.Marshal(d)
		return b.Put([]byte(id), updated)
	})
}

func (s *Store) RevokeDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(devicesBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device not found: %s", id)
		}
		var d Device
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		d.Revoked = true
		updated, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *Store) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).Delete([]byte(id))
	})
}
