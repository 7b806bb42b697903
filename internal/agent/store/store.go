// Package store persists the last known device snapshots and telemetry
// history in a local bbolt database, so the agent can present data at
// cold start without network access.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fleetglass-io/fleetglass/internal/core/model"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketSamples   = []byte("samples")
)

// Store is the local durable telemetry cache.
//
// Keys are 8-byte big-endian device IDs for snapshots and 16-byte
// device+timestamp composites for samples, so a cursor walks one
// device's history in time order.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open telemetry db %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSnapshots, bucketSamples} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutSnapshot writes the latest snapshot for a device.
func (s *Store) PutSnapshot(snap model.DeviceSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put(deviceKey(snap.DeviceID), payload)
	})
}

// Snapshots returns every persisted device snapshot.
func (s *Store) Snapshots() ([]model.DeviceSnapshot, error) {
	var out []model.DeviceSnapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(_, v []byte) error {
			var snap model.DeviceSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			out = append(out, snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendSample writes one telemetry history record.
func (s *Store) AppendSample(sample model.TelemetrySample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSamples).Put(sampleKey(sample.DeviceID, sample.TimestampMs), payload)
	})
}

// SamplesInRange returns one device's samples with from <= t < to,
// in ascending time order.
func (s *Store) SamplesInRange(deviceID int64, from, to time.Time) ([]model.TelemetrySample, error) {
	var out []model.TelemetrySample

	lo := sampleKey(deviceID, from.UnixMilli())
	hi := sampleKey(deviceID, to.UnixMilli())

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSamples).Cursor()
		for k, v := c.Seek(lo); k != nil && string(k) < string(hi); k, v = c.Next() {
			var sample model.TelemetrySample
			if err := json.Unmarshal(v, &sample); err != nil {
				return fmt.Errorf("decode sample: %w", err)
			}
			out = append(out, sample)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSamplesBefore removes all samples older than cutoff, across all
// devices, and reports how many were removed.
func (s *Store) DeleteSamplesBefore(cutoff time.Time) (int, error) {
	limit := cutoff.UnixMilli()
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSamples).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if sampleTimestamp(k) >= limit {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Clear drops all persisted data. Called on account switch so no state
// leaks across logins.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSnapshots, bucketSamples} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func deviceKey(deviceID int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(deviceID))
	return k
}

func sampleKey(deviceID, timestampMs int64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k, uint64(deviceID))
	binary.BigEndian.PutUint64(k[8:], uint64(timestampMs))
	return k
}

func sampleTimestamp(key []byte) int64 {
	if len(key) != 16 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[8:]))
}
