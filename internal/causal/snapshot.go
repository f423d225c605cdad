package causal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	bolt "go.etcd.io/bbolt"
)

var snapshotMagic = []byte("wardsync-snap-1\n")

// WriteSnapshot streams the entire database to w inside one read
// transaction, so it is safe while the node is serving traffic.
// Format: magic, then per bucket (nameLen uint32, name, sequence uint64,
// numKV uint64, [(keyLen uint32, key, valLen uint32, val)]...). Bucket
// sequences ride along so restored changelog and review counters do not
// collide with pre-snapshot entries.
func (s *Store) WriteSnapshot(w io.Writer) error {
	if _, err := w.Write(snapshotMagic); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if err := writeBytes(w, name); err != nil {
				return fmt.Errorf("write bucket name %s: %w", name, err)
			}
			if err := binary.Write(w, binary.BigEndian, b.Sequence()); err != nil {
				return fmt.Errorf("write bucket sequence: %w", err)
			}

			var count uint64
			b.ForEach(func(k, v []byte) error {
				count++
				return nil
			})
			if err := binary.Write(w, binary.BigEndian, count); err != nil {
				return fmt.Errorf("write key count: %w", err)
			}

			return b.ForEach(func(k, v []byte) error {
				if err := writeBytes(w, k); err != nil {
					return err
				}
				return writeBytes(w, v)
			})
		})
	})
}

// RestoreSnapshot replaces the entire database state from a snapshot
// reader. Run it only on a node that is not serving sync traffic; the
// per-record locks cannot protect callers across a full state swap.
func (s *Store) RestoreSnapshot(r io.Reader) error {
	header := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	if !bytes.Equal(header, snapshotMagic) {
		return fmt.Errorf("not a wardsync snapshot")
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		var existing [][]byte
		tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			existing = append(existing, append([]byte{}, name...))
			return nil
		})
		for _, name := range existing {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("delete bucket %s: %w", name, err)
			}
		}

		for {
			name, err := readBytes(r)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read bucket name: %w", err)
			}

			b, err := tx.CreateBucket(name)
			if err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}

			var sequence uint64
			if err := binary.Read(r, binary.BigEndian, &sequence); err != nil {
				return fmt.Errorf("read bucket sequence: %w", err)
			}
			if err := b.SetSequence(sequence); err != nil {
				return fmt.Errorf("set bucket sequence: %w", err)
			}

			var count uint64
			if err := binary.Read(r, binary.BigEndian, &count); err != nil {
				return fmt.Errorf("read key count: %w", err)
			}

			for i := uint64(0); i < count; i++ {
				key, err := readBytes(r)
				if err != nil {
					return fmt.Errorf("read key: %w", err)
				}
				val, err := readBytes(r)
				if err != nil {
					return fmt.Errorf("read value: %w", err)
				}
				if err := b.Put(key, val); err != nil {
					return fmt.Errorf("put key: %w", err)
				}
			}
		}
	})
	if err != nil {
		return err
	}

	// The node identity may have changed with the restored state.
	return s.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		if mb == nil {
			return fmt.Errorf("snapshot missing meta bucket")
		}
		if id := mb.Get(metaNodeID); id != nil {
			s.nodeID = string(id)
		}
		return nil
	})
}

func writeBytes(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
